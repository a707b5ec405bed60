package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/christian-lee/loudmeter/internal/backend"
	"github.com/christian-lee/loudmeter/internal/broadcast"
	"github.com/christian-lee/loudmeter/internal/bus"
	"github.com/christian-lee/loudmeter/internal/command"
	"github.com/christian-lee/loudmeter/internal/config"
	"github.com/christian-lee/loudmeter/internal/controller"
	"github.com/christian-lee/loudmeter/internal/loudness"
	"github.com/christian-lee/loudmeter/internal/processor"
	"github.com/christian-lee/loudmeter/internal/store"
	"github.com/christian-lee/loudmeter/internal/web"
)

const auditFlushInterval = time.Minute

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("LOUDMETER_LOG")),
	})))

	if len(os.Args) < 2 {
		fmt.Println("Usage:")
		fmt.Println("  loudmeter run [config]   Start metering")
		fmt.Println("  loudmeter devices        List audio input devices")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cfgPath := os.Getenv("CONFIG_PATH")
		if cfgPath == "" {
			cfgPath = "config.yaml"
		}
		if len(os.Args) > 2 {
			cfgPath = os.Args[2]
		}
		if err := run(cfgPath); err != nil {
			slog.Error("run failed", "err", err)
			os.Exit(1)
		}
	case "devices":
		if err := listDevices(); err != nil {
			slog.Error("list devices failed", "err", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func listDevices() error {
	devices, err := backend.ListDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no input devices found")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%-40s %-12s %3d ch  %6.0f Hz\n", d.Name, d.HostAPI, d.InputChannels, d.DefaultSampleRate)
	}
	return nil
}

func run(cfgPath string) error {
	hot, err := config.NewHotConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := hot.Get()
	if len(cfg.Inputs) == 0 {
		return fmt.Errorf("no inputs configured")
	}
	policy, err := processor.ParsePolicy(cfg.Meter.OnQueryError)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	be, err := backend.New(cfg.Audio)
	if err != nil {
		return fmt.Errorf("open audio backend: %w", err)
	}
	defer be.Close()

	reg, err := bus.NewRegistry(be, cfg.Inputs, loudness.NewAnalyzer)
	if err != nil {
		return err
	}
	for _, b := range reg.Buses() {
		slog.Info("input registered", "input", b.Name(), "channels", b.Channels())
	}

	queue := command.NewQueue()
	out := broadcast.New()
	proc, err := processor.New(reg, queue, out, processor.Config{
		SampleRate: be.SampleRate(),
		Interval:   cfg.Meter.Interval,
		Policy:     policy,
	})
	if err != nil {
		return err
	}
	defer proc.Close()

	var audit *store.Store
	if cfg.Store.Path != "" {
		audit, err = store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer audit.Close()
	}

	ctrl := controller.New(cfg.Inputs, out, queue, proc, audit)
	srv := web.NewServer(ctrl, cfg.Web)

	hot.OnReload(func(old, cur *config.Config) {
		if old.Web.ResetRate != cur.Web.ResetRate || old.Web.ResetBurst != cur.Web.ResetBurst {
			srv.UpdateResetLimit(cur.Web.ResetRate, cur.Web.ResetBurst)
		}
		if !config.InputsEqual(old, cur) || old.Audio != cur.Audio || old.Meter != cur.Meter {
			slog.Warn("⚠️ inputs, audio or meter settings changed; restart to apply")
		}
		if old.Web.Host != cur.Web.Host || old.Web.Port != cur.Web.Port || old.Store != cur.Store {
			slog.Warn("⚠️ web address or store path changed; restart to apply")
		}
	})

	slog.Info("🚀 loudness meter starting",
		"backend", be.Name(),
		"rate", be.SampleRate(),
		"inputs", reg.Len(),
		"interval", cfg.Meter.Interval,
		"interval_frames", proc.IntervalFrames(),
		"policy", policy,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := be.Run(gctx, proc); err != nil {
			return fmt.Errorf("audio backend: %w", err)
		}
		if gctx.Err() == nil && proc.Err() == nil {
			slog.Info("audio source ended; serving last values until shutdown")
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-proc.Done():
			return proc.Err()
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return hot.Watch(gctx)
	})
	g.Go(func() error {
		return ctrl.Run(gctx, auditFlushInterval)
	})

	err = g.Wait()
	st := proc.Stats()
	slog.Info("meter stopped",
		"ticks", st.Ticks,
		"publications", st.Publications,
		"resets", st.ResetsApplied,
		"unapplied_commands", queue.Pending(),
	)
	return err
}
