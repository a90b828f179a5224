// rpc-agent connects to a collector, reports runtime samples of its own
// process and answers the commands the collector pushes back.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agent-rpc/client"
	"agent-rpc/config"
	"agent-rpc/logging"
	"agent-rpc/message"
	"agent-rpc/middleware"
	"agent-rpc/service"
	"agent-rpc/stub"
	"agent-rpc/telemetry"
	"agent-rpc/transport"
)

const flushEvery = 10

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath     string
		addr           string
		app            string
		instance       string
		serializer     string
		reportInterval time.Duration
	)
	flagSet := pflag.NewFlagSet("rpc-agent", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	flagSet.StringVar(&addr, "addr", "", "collector address (overrides client.address)")
	flagSet.StringVar(&app, "app", "", "application name announced to the collector")
	flagSet.StringVar(&instance, "instance", "", "instance address announced to the collector (default: hostname)")
	flagSet.StringVar(&serializer, "serializer", "", "body serializer, json or cbor (overrides connection.serializer)")
	flagSet.DurationVar(&reportInterval, "report-interval", 10*time.Second, "initial interval between telemetry reports")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: rpc-agent [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Client.Address = addr
	}
	if app != "" {
		cfg.Client.App = app
	}
	if instance != "" {
		cfg.Client.Instance = instance
	}
	if cfg.Client.App == "" {
		cfg.Client.App = "agent"
	}
	if cfg.Client.Instance == "" {
		if cfg.Client.Instance, err = os.Hostname(); err != nil {
			return err
		}
	}
	if serializer != "" {
		cfg.Connection.Serializer = serializer
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	settings := telemetry.NewSettings(map[string]string{
		"report_interval": reportInterval.String(),
	})
	services := service.NewRegistry()
	services.Use(middleware.Recovery(logger), middleware.Logging(logger.Named("dispatch")))
	if err := services.Register(telemetry.CommandServiceDesc(settings)); err != nil {
		return err
	}

	cli, err := client.New(cfg, message.PeerIdentity{}, services, logger)
	if err != nil {
		return err
	}
	cli.OnReconnect(func(ctx context.Context, conn *transport.Conn, attempt int) {
		if attempt > 0 {
			logger.Info("reconnected to collector", zap.Int("attempt", attempt), zap.String("conn", conn.ID()))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cli.Start(ctx); err != nil {
		return err
	}
	defer cli.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return report(gctx, cli, settings, logger)
	})
	return g.Wait()
}

// report samples the process and sends the samples to the collector,
// flushing every flushEvery rounds. Samples taken while disconnected are
// dropped.
func report(ctx context.Context, cli *client.Client, settings *telemetry.Settings, logger *zap.Logger) error {
	tel := stub.New(cli, telemetry.TelemetryInterface, stub.Options{})
	send, err := stub.Oneway[telemetry.Sample](tel, "report")
	if err != nil {
		return err
	}
	flushStub := stub.New(middleware.Retry(cli, 3, 200*time.Millisecond, logger), telemetry.TelemetryInterface, stub.Options{})
	flush, err := stub.Unary[struct{}, telemetry.FlushResult](flushStub, "flush")
	if err != nil {
		return err
	}

	for round := 1; ; round++ {
		interval := settings.Duration("report_interval", 10*time.Second)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}

		sent, dropped := 0, 0
		for _, s := range sample() {
			if err := send(s); err != nil {
				dropped++
				if !errors.Is(err, client.ErrNotConnected) {
					logger.Debug("sample dropped", zap.String("metric", s.Metric), zap.Error(err))
				}
				continue
			}
			sent++
		}
		if dropped > 0 {
			logger.Warn("samples dropped", zap.Int("dropped", dropped), zap.Int("sent", sent))
		}

		if round%flushEvery == 0 && sent > 0 {
			res, err := flush(ctx, struct{}{})
			if err != nil {
				logger.Warn("flush failed", zap.Error(err))
				continue
			}
			logger.Info("flushed", zap.Int("accepted", res.Accepted))
		}
	}
}

func sample() []telemetry.Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	now := time.Now().UTC()
	return []telemetry.Sample{
		{Metric: "go.goroutines", Value: float64(runtime.NumGoroutine()), Time: now},
		{Metric: "go.heap.alloc", Value: float64(ms.HeapAlloc), Time: now},
		{Metric: "go.gc.count", Value: float64(ms.NumGC), Time: now},
	}
}
