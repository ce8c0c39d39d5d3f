package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zde37/gochord/internal/admin"
	"github.com/zde37/gochord/internal/api"
	"github.com/zde37/gochord/internal/chord"
	"github.com/zde37/gochord/internal/clock"
	"github.com/zde37/gochord/internal/config"
	"github.com/zde37/gochord/internal/transport"
	"github.com/zde37/gochord/pkg"
)

const (
	envPrefix     = "GOCHORD_"
	loopQueueSize = 1024
	adminTimeout  = 5 * time.Second
)

func main() {
	cfg := config.DefaultConfig()

	fs := flag.NewFlagSet("gochord", flag.ExitOnError)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "IPv4 address of this node; its ring id is derived from it")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "UDP port shared by every node in the ring")
	fs.StringVar(&cfg.Landmark, "landmark", "", "IPv4 address of a ring member to join through (own address creates a ring)")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "Listen address of the admin gRPC service")
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "Port for the HTTP gateway, 0 disables it")
	fs.StringVar(&cfg.AuthToken, "auth-token", "", "Shared token required by the admin service")
	fs.IntVar(&cfg.FingerEntries, "fingers", cfg.FingerEntries, "Number of finger table entries")
	fs.DurationVar(&cfg.PingTimeout, "ping-timeout", cfg.PingTimeout, "Age at which an unanswered ping fails")
	fs.DurationVar(&cfg.StabilizeInterval, "stabilize-interval", cfg.StabilizeInterval, "Stabilization period")
	fs.DurationVar(&cfg.FixFingersInterval, "fix-fingers-interval", cfg.FixFingersInterval, "Finger table rebuild period")
	fs.DurationVar(&cfg.JoinRetryInterval, "join-retry-interval", cfg.JoinRetryInterval, "Wait before resending a join request")
	fs.IntVar(&cfg.JoinAttempts, "join-attempts", cfg.JoinAttempts, "Join requests sent before giving up")
	fs.BoolVar(&cfg.CheckPredecessor, "check-predecessor", cfg.CheckPredecessor, "Ping the predecessor every stabilization round")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, console)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "Also write logs to this rotated file")
	_ = fs.Parse(os.Args[1:])

	if err := applyEnv(fs); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid environment: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	loggerConfig.AsyncWrite = true
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("gochord node failed")
		logger.Close()
		os.Exit(1)
	}
}

// applyEnv fills every flag not given on the command line from its
// GOCHORD_* environment variable, e.g. -ping-timeout from GOCHORD_PING_TIMEOUT.
func applyEnv(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(key); ok {
			if setErr := fs.Set(f.Name, v); setErr != nil {
				err = fmt.Errorf("%s: %w", key, setErr)
			}
		}
	})
	return err
}

func run(cfg *config.Config, logger *pkg.Logger) error {
	addr, err := cfg.Addr()
	if err != nil {
		return err
	}

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("admin_addr", cfg.AdminAddr).
		Int("http_port", cfg.HTTPPort).
		Msg("Starting gochord node")

	loop, err := clock.NewLoop(loopQueueSize, logger)
	if err != nil {
		return fmt.Errorf("failed to create event loop: %w", err)
	}
	loop.Start()
	defer loop.Stop()

	udp, err := transport.ListenUDP(netip.AddrPortFrom(addr, uint16(cfg.Port)), logger)
	if err != nil {
		return err
	}
	defer udp.Close()

	node, err := chord.NewNode(cfg, udp, loop, logger)
	if err != nil {
		return fmt.Errorf("failed to create Chord node: %w", err)
	}
	node.SetHooks(logHooks(logger))

	adminServer, err := admin.NewServer(node, loop, cfg.AdminAddr, cfg.AuthToken, logger)
	if err != nil {
		return fmt.Errorf("failed to create admin server: %w", err)
	}
	if err := adminServer.Start(); err != nil {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	defer adminServer.Stop()

	if cfg.HTTPPort > 0 {
		adminClient, err := admin.Dial(adminServer.Addr(), cfg.AuthToken, adminTimeout, logger)
		if err != nil {
			return fmt.Errorf("failed to create admin client: %w", err)
		}
		defer adminClient.Close()

		httpServer, err := api.NewServer(&api.Config{HTTPPort: cfg.HTTPPort}, adminClient, logger)
		if err != nil {
			return fmt.Errorf("failed to create HTTP API server: %w", err)
		}
		if err := setBroadcaster(loop, node, httpServer.Hub()); err != nil {
			return fmt.Errorf("failed to attach ring update stream: %w", err)
		}
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP API server: %w", err)
		}
		defer httpServer.Stop()
	}

	go func() {
		_ = udp.Serve(func(from netip.AddrPort, frame []byte) {
			loop.Post(func() { node.HandleDatagram(from, frame) })
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	var startErr error
	if err := loop.Do(ctx, func() { startErr = node.Start() }); err != nil {
		return err
	}
	if startErr != nil {
		return fmt.Errorf("failed to start node: %w", startErr)
	}

	logger.Info().
		Str("node_id", node.Address().IDText()).
		Msg("gochord node is ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("Received shutdown signal")

	shutdown(node, loop, logger)
	return nil
}

// setBroadcaster installs b on the loop goroutine, which admin RPCs may
// already be using.
func setBroadcaster(loop *clock.Loop, node *chord.Node, b chord.RingUpdateBroadcaster) error {
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	return loop.Do(ctx, func() { node.SetBroadcaster(b) })
}

// shutdown leaves the ring if the node is in one, then stops it.
func shutdown(node *chord.Node, loop *clock.Loop, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	err := loop.Do(ctx, func() {
		if node.State().InRing() {
			if err := node.Leave(); err != nil {
				logger.Warn().Err(err).Msg("Error leaving the ring")
			}
		}
		node.Stop()
	})
	if err != nil {
		logger.Error().Err(err).Msg("Error stopping Chord node")
	}
}

func logHooks(logger *pkg.Logger) chord.Hooks {
	return chord.Hooks{
		PingSuccess: func(to netip.Addr, txn uint32, payload string, rtt time.Duration) {
			logger.Info().
				Str("to", to.String()).
				Uint32("txn", txn).
				Str("payload", payload).
				Dur("rtt", rtt).
				Msg("Ping answered")
		},
		PingFailure: func(to netip.Addr, txn uint32, payload string, err error) {
			logger.Warn().
				Err(err).
				Str("to", to.String()).
				Uint32("txn", txn).
				Str("payload", payload).
				Msg("Ping failed")
		},
		PingReceived: func(from netip.Addr, payload string) {
			logger.Debug().
				Str("from", from.String()).
				Str("payload", payload).
				Msg("Ping received")
		},
		Left: func() {
			logger.Info().Msg("Left the ring")
		},
	}
}
