package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"cadence/internal/app"
	"cadence/internal/config"
	"cadence/internal/eventbus"
	"cadence/internal/metrics"
	"cadence/internal/storage"
	"cadence/internal/timed"
	"cadence/pkg/logx"
)

var version = "dev"

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "cadence",
		Short:         "Phased scheduler and hot-reloadable plugin runtime",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./cadence.yaml", "path to config file (yaml or json)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config file, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(cfgPath)
		},
	}

	var auditLimit int
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the most recent plugin lifecycle audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return audit(cfgPath, auditLimit)
		},
	}
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries to print")

	root.AddCommand(runCmd, validateCmd, auditCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func validate(cfgPath string) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Parse()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ts := timed.New(nil, logx.Nop(), nil)
	for _, j := range cfg.Timed {
		if err := ts.ValidateSpec(j.Schedule); err != nil {
			return fmt.Errorf("timed job %q: %w", j.Name, err)
		}
	}
	fmt.Println("config ok")
	return nil
}

func audit(cfgPath string, limit int) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Parse()
	if err != nil {
		return err
	}
	if cfg.Storage == nil {
		return errors.New("storage is not configured")
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	st, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, logx.Nop())
	if err != nil {
		return err
	}
	if st == nil {
		return errors.New("storage driver is disabled")
	}
	defer st.Close()

	entries, err := st.ListAudit(context.Background(), limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s %-13s %s", e.At.Format(time.RFC3339), e.Action, e.Plugin)
		if e.Error != "" {
			line += " err=" + e.Error
		}
		fmt.Println(line)
	}
	return nil
}

func run(cfgPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	bus := eventbus.New()

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Bus: logx.BusConfig{
			Enabled:    cfg.Logging.Bus.Enabled,
			MinLevel:   cfg.Logging.Bus.MinLevel,
			RatePerSec: cfg.Logging.Bus.RatePerSec,
		},
	}, bus)
	defer logSvc.Close()

	log.Info("starting", logx.String("version", version), logx.String("config", cfgPath))

	var st storage.Store
	if cfg.Storage != nil {
		busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		st, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		if st != nil {
			defer st.Close()
		}
	}

	var collector *metrics.Collector
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsSrv = &http.Server{
			Addr:         cfg.EffectiveMetricsAddr(),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("metrics listening", logx.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", logx.Err(err))
			}
		}()
	}

	pollEvery, _ := cfg.EffectivePollInterval()
	frameEvery, _ := cfg.EffectiveFrameInterval()
	retryFailed := cfg.EffectiveRetryFailed()
	a := app.New(app.Options{
		Log:           log,
		Bus:           bus,
		Metrics:       collector,
		Store:         st,
		Workers:       cfg.EffectiveWorkers(),
		PollInterval:  pollEvery,
		RetryFailed:   &retryFailed,
		FrameInterval: frameEvery,
		StartFocused:  cfg.EffectiveStartFocused(),
	})

	ts := timed.New(a.Jobs(), log, bus)
	mgr.SetLogger(log)
	mgr.SetValidator(func(ctx context.Context, c *config.Config) error {
		if err := c.Validate(); err != nil {
			return err
		}
		for _, j := range c.Timed {
			if err := ts.ValidateSpec(j.Schedule); err != nil {
				return fmt.Errorf("timed job %q: %w", j.Name, err)
			}
		}
		return nil
	})

	for _, path := range cfg.Plugins.Paths {
		if _, err := a.AddPlugin(path); err != nil {
			log.Warn("plugin skipped at startup", logx.String("path", path), logx.Err(err))
		}
	}

	a.Start()
	ts.Apply(cfg.Timed)
	ts.Start(ctx)

	go func() { _ = mgr.Watch(ctx) }()
	updates := mgr.Subscribe(4)
	go func() {
		prev := cfg
		for next := range updates {
			changed, attrs := config.SummarizeChange(prev, next)
			if len(changed) == 0 {
				continue
			}
			log.Info("config changed", append(attrs, logx.Any("sections", changed))...)

			logSvc.Apply(logx.Config{
				Level:   next.Logging.Level,
				Console: next.Logging.Console,
				File:    logx.FileConfig{Enabled: next.Logging.File.Enabled, Path: next.Logging.File.Path},
				Bus: logx.BusConfig{
					Enabled:    next.Logging.Bus.Enabled,
					MinLevel:   next.Logging.Bus.MinLevel,
					RatePerSec: next.Logging.Bus.RatePerSec,
				},
			})
			if d, err := next.EffectivePollInterval(); err == nil {
				a.SetPollInterval(d)
			}
			a.SetRetryFailed(next.EffectiveRetryFailed())
			ts.Apply(next.Timed)
			prev = next
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("run loop failed", logx.Err(err))
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")

	ts.Stop(context.Background())
	a.Stop()
	mgr.Unsubscribe(updates)

	if metricsSrv != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = metricsSrv.Shutdown(shutCtx)
		shutCancel()
	}
	log.Info("bye")
	return nil
}
