package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/vincentbai/attentrace/internal/agent"
	"github.com/vincentbai/attentrace/internal/config"
	"github.com/vincentbai/attentrace/internal/loop"
	"github.com/vincentbai/attentrace/internal/platform/otel"
	"github.com/vincentbai/attentrace/internal/report"
	"github.com/vincentbai/attentrace/internal/server"
	"github.com/vincentbai/attentrace/internal/spool"
	"github.com/vincentbai/attentrace/internal/transport"
)

const (
	serviceName = "attentrace"
	// replayEvery paces delivery of spooled beacons at startup.
	replayEvery = 200 * time.Millisecond
)

var (
	agentAddress  string
	agentEndpoint string
	agentSpool    string
	agentFlush    time.Duration
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the telemetry agent",
	Long: `Run the agent until interrupted.

The agent listens for page signals on POST /signals and GET /signals/ws,
serves its counters on GET /stats, and flushes report batches to the
collection endpoint. Batches handed over while a page was hidden are
spooled to sqlite and retried on the next start.`,
	Example: `  # Collector from the environment
  ATTENTRACE_ENDPOINT=https://collect.example.com/report attentrace agent

  # Override address and flush interval
  attentrace agent --endpoint https://collect.example.com/report --address 127.0.0.1:9000 --flush-interval 5s`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentAddress, "address", "", "listen address (default from ATTENTRACE_ADDRESS)")
	agentCmd.Flags().StringVar(&agentEndpoint, "endpoint", "", "collection endpoint (default from ATTENTRACE_ENDPOINT)")
	agentCmd.Flags().StringVar(&agentSpool, "spool", "", "beacon spool database path")
	agentCmd.Flags().DurationVar(&agentFlush, "flush-interval", 0, "report flush interval")
}

// agentConfig applies explicitly set flags on top of the environment.
func agentConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Address = agentAddress
	}
	if flags.Changed("endpoint") {
		cfg.Endpoint = agentEndpoint
	}
	if flags.Changed("spool") {
		cfg.Spool = agentSpool
	}
	if flags.Changed("flush-interval") {
		cfg.FlushInterval = agentFlush
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := agentConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log.New(os.Stderr, "", log.LstdFlags))
}

func serve(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	shutdownTracing, err := otel.Setup(ctx, serviceName, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	spoolPath, err := cfg.SpoolPath()
	if err != nil {
		return err
	}
	sp, err := spool.NewSpool(spoolPath)
	if err != nil {
		return fmt.Errorf("failed to open spool: %w", err)
	}
	defer sp.Close()

	sender := transport.NewHTTPSender(cfg.Endpoint, nil)
	beacon := transport.NewSpoolBeacon(sender, sp, logger)
	defer beacon.Wait()

	go func() {
		if _, err := beacon.Replay(ctx, rate.NewLimiter(rate.Every(replayEvery), 1)); err != nil && ctx.Err() == nil {
			logger.Printf("WARN: spool replay stopped: %v", err)
		}
	}()

	lp := loop.New(loop.DefaultFrameInterval, logger)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		lp.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	a, err := agent.New(agent.Config{
		Endpoint:          cfg.Endpoint,
		FlushInterval:     cfg.FlushInterval,
		Dwell:             cfg.Dwell,
		ShowRatio:         cfg.ShowRatio,
		Throttle:          cfg.Throttle,
		ResourceThreshold: cfg.ResourceThreshold,
		EventThreshold:    cfg.EventThreshold,
		ResourceDomains:   cfg.ResourceDomains,
		Location:          cfg.Location,
		Logger:            logger,
	}, agent.Deps{
		Scheduler: lp,
		Runner:    lp,
		Registry:  report.NewRegistry(),
		Sender:    sender,
		Beacon:    beacon,
	})
	if err != nil {
		return err
	}

	srv := server.NewServer(a, cfg.Address, logger)
	serveErr := srv.Start(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lp.Do(closeCtx, a.Close); err != nil {
		logger.Printf("WARN: agent did not close cleanly: %v", err)
	}
	return serveErr
}
