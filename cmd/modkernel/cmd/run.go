package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/modkernel"
	"github.com/GoCodeAlone/modkernel/configstore"
	"github.com/GoCodeAlone/modkernel/diagnostics"
	"github.com/GoCodeAlone/modkernel/internal/logging"
	"github.com/GoCodeAlone/modkernel/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds the graceful shutdown after a signal.
const ShutdownTimeout = 10 * time.Second

type runOptions struct {
	configPath  string
	metricsAddr string
	envPrefix   string
	autosave    string
	watch       bool
	log         logging.Config
}

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the kernel until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "modkernel.yaml", "Configuration file (yaml, toml or json)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "Diagnostics and metrics listen address; empty disables")
	f.StringVar(&opts.envPrefix, "env-prefix", DefaultEnvPrefix, "Prefix of environment overrides")
	f.StringVar(&opts.autosave, "autosave", "", "Cron schedule for periodic config saves, such as @every 1m")
	f.BoolVar(&opts.watch, "watch", false, "Apply external edits to the configuration file")
	f.StringVar(&opts.log.Format, "log-format", logging.FormatText, "Log format: text, json or zap")
	f.StringVar(&opts.log.Level, "log-level", "info", "Log level: debug, info, warn or error")
	f.StringVar(&opts.log.File, "log-file", "", "Also write logs to this rotating file")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, opts *runOptions) error {
	logger, closeLog, err := logging.New(opts.log, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer closeLog.Close()

	k, err := newKernel(opts.configPath, logger)
	if err != nil {
		return err
	}

	storeOpts := []configstore.Option{
		configstore.WithDefaults(defaultConfig()),
		configstore.WithEnvPrefix(opts.envPrefix),
		configstore.WithLogger(logger),
	}
	if opts.autosave != "" {
		storeOpts = append(storeOpts, configstore.WithAutosave(opts.autosave))
	}
	store, err := configstore.New(opts.configPath, storeOpts...)
	if err != nil {
		return err
	}

	app, err := modkernel.NewApplication(k,
		modkernel.WithConfigStore(store),
		modkernel.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if err := app.Initialize(ctx); err != nil {
		return err
	}

	collector := metrics.NewCollector(app, "")
	k.Modules().SetPerformanceCallback(collector.ObserveTick)
	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	if err := metrics.Register(reg, collector); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return app.Run(gctx)
	})
	if opts.metricsAddr != "" {
		router := diagnostics.NewRouter(app, diagnostics.WithGatherer(reg), diagnostics.WithLogger(logger))
		g.Go(func() error { return diagnostics.Serve(gctx, opts.metricsAddr, router, logger) })
	}
	if opts.watch {
		if err := store.Watch(gctx); err != nil {
			logger.Warn("Config watch unavailable", "error", err)
		}
	}

	<-gctx.Done()

	shutdownCtx, stopShutdown := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer stopShutdown()
	shutdownErr := app.Shutdown(shutdownCtx)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Join(err, shutdownErr)
	}
	return shutdownErr
}
