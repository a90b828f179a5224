// rpc-collector accepts agent connections, stores the telemetry they
// report and can pull thread dumps from every connected agent over the
// same connections.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agent-rpc/config"
	"agent-rpc/logging"
	"agent-rpc/message"
	"agent-rpc/middleware"
	"agent-rpc/server"
	"agent-rpc/stub"
	"agent-rpc/telemetry"
	"agent-rpc/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath     string
		listen         string
		advertise      string
		logLevel       string
		dumpInterval   time.Duration
		reportInterval string
		maxRate        float64
	)
	flagSet := pflag.NewFlagSet("rpc-collector", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	flagSet.StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	flagSet.StringVar(&advertise, "advertise", "", "address published in the presence registry (overrides server.advertise)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides log.level)")
	flagSet.DurationVar(&dumpInterval, "dump-interval", 0, "pull a thread dump from every agent at this interval (0 disables)")
	flagSet.StringVar(&reportInterval, "report-interval", "", "report interval pushed to agents when they connect")
	flagSet.Float64Var(&maxRate, "max-rate", 0, "inbound calls per second across all agents (0 is unlimited)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: rpc-collector [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if advertise != "" {
		cfg.Server.Advertise = advertise
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return err
	}
	srv.Use(
		middleware.Recovery(logger),
		middleware.Logging(logger.Named("dispatch")),
		middleware.Timeout(cfg.Connection.CallTimeout),
	)
	if maxRate > 0 {
		srv.Use(middleware.RateLimit(maxRate, int(maxRate)+1))
	}

	store := telemetry.NewStore(4096)
	if err := srv.Register(telemetry.TelemetryServiceDesc(store)); err != nil {
		return err
	}

	srv.OnConnect(func(c *transport.Conn) {
		logger.Info("agent connected", zap.Stringer("peer", c.Peer()), zap.Stringer("remote", c.RemoteAddr()))
		if reportInterval == "" {
			return
		}
		commands := stub.New(c, telemetry.CommandInterface, stub.Options{})
		change := telemetry.ConfigChange{Key: "report_interval", Value: reportInterval}
		if err := commands.Notify("setConfig", change); err != nil {
			logger.Warn("pushing report interval", zap.Stringer("peer", c.Peer()), zap.Error(err))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, "")
	})
	if dumpInterval > 0 {
		g.Go(func() error {
			pullDumps(gctx, srv, dumpInterval, cfg.Connection.CallTimeout, logger)
			return nil
		})
	}
	return g.Wait()
}

// pullDumps asks every connected agent for a thread dump each interval.
func pullDumps(ctx context.Context, srv *server.Server, interval, timeout time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, peer := range srv.Peers() {
			go pullDump(ctx, srv, peer, timeout, logger)
		}
	}
}

func pullDump(ctx context.Context, srv *server.Server, peer message.PeerIdentity, timeout time.Duration, logger *zap.Logger) {
	commands := stub.New(srv.Peer(peer), telemetry.CommandInterface, stub.Options{Timeout: timeout})
	dump, err := stub.Unary[telemetry.ThreadDumpRequest, telemetry.ThreadDump](commands, "threadDump")
	if err != nil {
		logger.Error("building thread dump stub", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	td, err := dump(ctx, telemetry.ThreadDumpRequest{})
	if err != nil {
		logger.Warn("thread dump failed", zap.Stringer("peer", peer), zap.Error(err))
		return
	}
	logger.Info("thread dump received", zap.Stringer("peer", peer), zap.Stringer("dump", td), zap.Bool("truncated", td.Truncated))
}
