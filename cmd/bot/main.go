package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/interview-voice-lab/internal/config"
	"github.com/interview-voice-lab/internal/gateway"
	"github.com/interview-voice-lab/internal/logging"
	"github.com/interview-voice-lab/internal/mcp"
	"github.com/interview-voice-lab/internal/metrics"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("VOICE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logging.Init(cfg.Logging.Level)
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Errorw("bot: exited with error", "err", err)
		_ = logging.Sync()
		os.Exit(1)
	}
	logging.Infow("bot: shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(promReg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	newHistory, closeHistory, err := historyFactory(ctx, cfg.History)
	if err != nil {
		return err
	}
	defer closeHistory()

	reg := newRegistry(cfg, newHistory)
	defer reg.CloseAll()

	gw := gateway.New(cfg.HTTP.Addr, reg, mcp.NewServer(reg, version), promReg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(gw.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logging.Infow("bot: shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return gw.Shutdown(sctx)
	})
	if cfg.Discord.Enabled() {
		g.Go(func() error { return runDiscord(gctx, cfg.Discord, cfg.TTS.SampleRate, reg) })
	}
	return g.Wait()
}
