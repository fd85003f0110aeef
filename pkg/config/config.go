package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"github.com/gitter-badger/rVRRPd/pkg/securestore"
	"github.com/gitter-badger/rVRRPd/pkg/vrrp"
)

// LoggingConfig holds the configuration for the logging system.
type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LEVEL"`
}

// MetricsConfig holds the configuration for the metrics system.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	Listen  string `yaml:"listen" envconfig:"LISTEN"`
}

// APIConfig holds the configuration for the client API.
type APIConfig struct {
	Enabled      bool          `yaml:"enabled" envconfig:"ENABLED"`
	Listen       string        `yaml:"listen" envconfig:"LISTEN"`
	ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
}

// VirtualRouterConfig describes one virtual router instance. It is immutable
// after Load; a reload tears the instance down and rebuilds it.
type VirtualRouterConfig struct {
	VRID          uint8    `yaml:"vrid" envconfig:"VRID"`
	Interface     string   `yaml:"interface" envconfig:"INTERFACE"`
	VirtualIPsStr []string `yaml:"virtual_ips" envconfig:"VIRTUAL_IPS"`
	VirtualIPs    []net.IP `yaml:"-"`
	Priority      uint8    `yaml:"priority" envconfig:"PRIORITY"`

	// Advertisement interval in whole seconds, matching the wire field.
	AdvertIntervalSec int           `yaml:"advert_interval" envconfig:"ADVERT_INTERVAL"`
	AdvertInterval    time.Duration `yaml:"-"`

	Preempt    bool                `yaml:"preempt" envconfig:"PREEMPT"`
	Owner      bool                `yaml:"owner" envconfig:"OWNER"`
	AuthKeyStr string              `yaml:"auth_key" envconfig:"AUTH_KEY"`
	AuthKey    *securestore.Secret `yaml:"-"`

	// Optional transition hooks, run with VRID/VIP/interface environment.
	MasterUpScript   string `yaml:"master_up_script" envconfig:"MASTER_UP_SCRIPT"`
	MasterDownScript string `yaml:"master_down_script" envconfig:"MASTER_DOWN_SCRIPT"`
}

// Config holds the daemon configuration.
type Config struct {
	Foreground bool   `yaml:"foreground" envconfig:"FOREGROUND"`
	PIDFile    string `yaml:"pidfile" envconfig:"PIDFILE"`
	WorkingDir string `yaml:"working_dir" envconfig:"WORKING_DIR"`
	CmdSocket  string `yaml:"cmdsocket" envconfig:"CMDSOCKET"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	API     APIConfig     `yaml:"api"`

	Routers []VirtualRouterConfig `yaml:"vrouter"`
}

// EffectivePriority returns the configured priority, forced to 255 when the
// router natively owns the virtual addresses.
func (c *VirtualRouterConfig) EffectivePriority() uint8 {
	if c.Owner {
		return vrrp.PriorityOwner
	}
	return c.Priority
}

// Load loads the configuration from a YAML file, then overrides with
// environment variables (prefix RVRRPD).
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		// A missing file is fine; config may come entirely from the
		// environment.
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
		}
	}
	if err := envconfig.Process("rvrrpd", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/tmp"
	}
	if cfg.PIDFile == "" {
		cfg.PIDFile = "/var/run/rvrrpd.pid"
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9145"
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:7080"
	}

	for i := range cfg.Routers {
		if err := finalizeRouter(&cfg.Routers[i]); err != nil {
			return nil, fmt.Errorf("vrouter[%d]: %w", i, err)
		}
	}
	return &cfg, nil
}

func finalizeRouter(vr *VirtualRouterConfig) error {
	if vr.VRID < 1 {
		return fmt.Errorf("vrid must be between 1 and 255")
	}
	if vr.Interface == "" {
		return fmt.Errorf("interface is required")
	}

	if vr.Owner {
		vr.Priority = vrrp.PriorityOwner
	} else {
		if vr.Priority == 0 {
			vr.Priority = 100
		}
		if vr.Priority == vrrp.PriorityOwner {
			return fmt.Errorf("priority 255 is reserved for the address owner")
		}
	}

	if vr.AdvertIntervalSec == 0 {
		vr.AdvertIntervalSec = 1
	}
	if vr.AdvertIntervalSec < 1 || vr.AdvertIntervalSec > 255 {
		return fmt.Errorf("advert_interval must be between 1 and 255 seconds")
	}
	vr.AdvertInterval = time.Duration(vr.AdvertIntervalSec) * time.Second

	if len(vr.VirtualIPsStr) == 0 {
		return fmt.Errorf("at least one virtual IP is required")
	}
	vr.VirtualIPs = make([]net.IP, 0, len(vr.VirtualIPsStr))
	for _, s := range vr.VirtualIPsStr {
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("invalid virtual IPv4 address %q", s)
		}
		vr.VirtualIPs = append(vr.VirtualIPs, ip.To4())
	}

	// The auth key is the fixed-width output of the password utility,
	// hex encoded. It is stored in guarded memory and the plaintext
	// config field is cleared.
	if vr.AuthKeyStr == "" {
		return fmt.Errorf("auth_key is required")
	}
	key, err := hex.DecodeString(vr.AuthKeyStr)
	if err != nil {
		return fmt.Errorf("auth_key is not valid hex: %w", err)
	}
	if len(key) != vrrp.AuthDataLen {
		return fmt.Errorf("auth_key must be %d bytes, got %d", vrrp.AuthDataLen, len(key))
	}
	vr.AuthKey, err = securestore.NewSecret(key)
	if err != nil {
		return fmt.Errorf("failed to guard auth_key: %w", err)
	}
	for i := range key {
		key[i] = 0
	}
	vr.AuthKeyStr = ""
	return nil
}
