package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	daemon "github.com/sevlyar/go-daemon"

	"github.com/gitter-badger/rVRRPd/pkg/actuator"
	"github.com/gitter-badger/rVRRPd/pkg/api"
	"github.com/gitter-badger/rVRRPd/pkg/cmdsock"
	"github.com/gitter-badger/rVRRPd/pkg/config"
	"github.com/gitter-badger/rVRRPd/pkg/core"
	"github.com/gitter-badger/rVRRPd/pkg/metrics"
	"github.com/gitter-badger/rVRRPd/pkg/script"
	"github.com/gitter-badger/rVRRPd/pkg/transport"
	"github.com/gitter-badger/rVRRPd/pkg/vrrp"
)

func main() {
	// Setup structured logging
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	configPath := flag.String("config", "/etc/rvrrpd/config.yaml", "Path to the configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	foreground := flag.Bool("foreground", false, "Run in the foreground")
	sniff := flag.String("sniff", "", "Observe-only mode: print VRRP advertisements seen on this interface")
	flag.Parse()

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *sniff != "" {
		runSniffer(*sniff)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading configuration")
	}
	if len(cfg.Routers) == 0 {
		log.Fatal().Msg("No virtual router configured")
	}
	switch cfg.Logging.Level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}

	if !*foreground && !cfg.Foreground {
		dctx := &daemon.Context{
			PidFileName: cfg.PIDFile,
			PidFilePerm: 0644,
			WorkDir:     cfg.WorkingDir,
			Umask:       027,
		}
		child, err := dctx.Reborn()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to daemonize")
		}
		if child != nil {
			// Parent process: the daemon carries on.
			return
		}
		defer dctx.Release()
	}

	log.Info().Msg("Starting rvrrpd...")

	recorder := metrics.NewNoopRecorder()
	if cfg.Metrics.Enabled {
		recorder = metrics.NewPrometheusRecorder()
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Listen, recorder.Handler()); err != nil {
				log.Error().Err(err).Msg("Metrics listener failed")
			}
		}()
		log.Info().Str("listen", cfg.Metrics.Listen).Msg("Metrics listener started")
	}

	netops := actuator.NewIPRouteNetOps(log.Logger)
	announcer := actuator.NewNeighborAnnouncer(log.Logger)
	defer announcer.Close()
	act := actuator.New(netops, announcer, recorder, log.Logger)

	conn := transport.NewMulticastConn(log.Logger)
	defer conn.Close()

	hooks := script.NewRunner(log.Logger)
	dispatcher := core.NewDispatcher(conn, act, hooks, core.InterfaceAddr, recorder, log.Logger)

	for i := range cfg.Routers {
		id, err := dispatcher.LoadInstance(&cfg.Routers[i])
		if err != nil {
			log.Fatal().Err(err).Msg("Error loading virtual router instance")
		}
		log.Info().Str("id", id).Msg("Virtual router instance started")
	}

	// One receiver per distinct interface feeds the dispatcher.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := make(map[string]bool)
	for _, vr := range cfg.Routers {
		if seen[vr.Interface] {
			continue
		}
		seen[vr.Interface] = true
		recv := transport.NewReceiver(vr.Interface, dispatcher.HandlePacket, log.Logger)
		go func(iface string) {
			if err := recv.Run(ctx); err != nil {
				log.Error().Err(err).Str("interface", iface).Msg("Receiver stopped")
			}
		}(vr.Interface)
	}

	cmdSockListener := cmdsock.NewListener(cfg.CmdSocket, dispatcher, log.Logger)
	go cmdSockListener.Start()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, dispatcher, log.Logger)
		go apiServer.Start()
	}

	log.Info().Int("instances", len(cfg.Routers)).Msg("rvrrpd is running")

	// Graceful shutdown: every instance must release its virtual
	// addresses before the process exits.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down rvrrpd...")
	cancel()
	if apiServer != nil {
		apiServer.Close()
	}
	if err := dispatcher.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
		os.Exit(1)
	}
	log.Info().Msg("All instances released")
}

// runSniffer prints decoded advertisements without joining any election.
func runSniffer(iface string) {
	log.Info().Str("interface", iface).Msg("Sniffing VRRP advertisements, press Ctrl-C to stop")

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	recv := transport.NewReceiver(iface, func(iface string, src net.IP, ttl uint8, pdu []byte) {
		adv, err := vrrp.Sniff(pdu)
		if err != nil {
			log.Debug().Err(err).IPAddr("src", src).Msg("Skipping packet")
			return
		}
		fmt.Printf("VRRPv2 advertisement from %s (ttl %d):\n", src, ttl)
		fmt.Printf("  vrid=%d priority=%d interval=%ds auth_type=%d\n",
			adv.VRID, adv.Priority, adv.IntervalSec, adv.AuthType)
		for _, ip := range adv.Addrs {
			fmt.Printf("  vip %s\n", ip)
		}
	}, log.Logger)

	if err := recv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Sniffer failed")
	}
}
