// Package script executes operator-provided transition hooks with
// instance-specific environment variables.
package script

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gitter-badger/rVRRPd/pkg/config"
	"github.com/gitter-badger/rVRRPd/pkg/vrrp"
)

const hookTimeout = 10 * time.Second

// Runner executes external hook scripts on role transitions.
type Runner struct {
	logger zerolog.Logger
}

// NewRunner creates a new hook runner.
func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{
		logger: logger.With().Str("component", "script").Logger(),
	}
}

func buildEnv(cfg *config.VirtualRouterConfig, state vrrp.State) []string {
	vips := make([]string, len(cfg.VirtualIPs))
	for i, ip := range cfg.VirtualIPs {
		vips[i] = ip.String()
	}
	env := os.Environ()
	env = append(env, fmt.Sprintf("RVRRPD_VRID=%d", cfg.VRID))
	env = append(env, fmt.Sprintf("RVRRPD_INTERFACE=%s", cfg.Interface))
	env = append(env, fmt.Sprintf("RVRRPD_VIPS=%s", strings.Join(vips, ",")))
	env = append(env, fmt.Sprintf("RVRRPD_STATE=%s", state))
	return env
}

// RunHook runs the given script, if configured, in the background. Hook
// failures are logged and never affect the state machine.
func (r *Runner) RunHook(script string, cfg *config.VirtualRouterConfig, state vrrp.State) {
	if script == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, script)
		cmd.Env = buildEnv(cfg, state)
		out, err := cmd.CombinedOutput()
		if err != nil {
			r.logger.Error().Err(err).Str("script", script).Uint8("vrid", cfg.VRID).
				Str("output", strings.TrimSpace(string(out))).Msg("Transition hook failed")
			return
		}
		r.logger.Debug().Str("script", script).Uint8("vrid", cfg.VRID).Msg("Transition hook completed")
	}()
}
