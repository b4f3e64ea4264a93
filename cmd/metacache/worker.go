package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/config"
	"github.com/nacsos/metacache/internal/drainer"
	"github.com/nacsos/metacache/internal/keypool"
	"github.com/nacsos/metacache/internal/runlock"
	"github.com/nacsos/metacache/internal/sources"
)

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Queue drainer",
	}
	cmd.AddCommand(workerMainCmd())
	return cmd
}

func workerMainCmd() *cobra.Command {
	var (
		maxRuntime     time.Duration
		batchSize      int
		minAbstractLen int
		srcTags        []string
		metricsAddr    string
	)
	cmd := &cobra.Command{
		Use:   "main",
		Short: "Run one bounded drainer invocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			if maxRuntime > 0 {
				a.settings.Worker.MaxRuntime = maxRuntime
			}
			if batchSize > 0 {
				a.settings.Worker.BatchSize = batchSize
			}
			if minAbstractLen > 0 {
				a.settings.Worker.MinAbstractLen = minAbstractLen
			}
			if len(srcTags) > 0 {
				a.settings.Worker.Sources = srcTags
			}
			srcs, err := a.settings.WorkerSources()
			if err != nil {
				return err
			}

			release, err := acquireRunLock(a, "worker", a.settings.Worker.MaxRuntime+time.Minute)
			if errors.Is(err, runlock.ErrHeld) {
				a.logger.Info("previous worker run still active, exiting")
				return nil
			}
			if err != nil {
				return err
			}
			defer release()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Warn("metrics listener failed", zap.Error(err))
					}
				}()
				defer srv.Close()
			}

			ctx, cancel := signalContext()
			defer cancel()

			pool := keypool.New(a.store.DB(), a.logger.Named("keypool"))
			registry, err := sources.NewRegistry(a.settings, pool, a.logger.Named("sources"))
			if err != nil {
				return err
			}

			// pick up max_rps edits without waiting for the next run
			if mgr, err := config.NewManager(config.ResolvePath(configPath), a.logger.Named("config")); err == nil {
				mgr.OnChange(registry.ApplyLimits)
				go func() {
					if err := mgr.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
						a.logger.Warn("config watch stopped", zap.Error(err))
					}
				}()
			} else {
				a.logger.Warn("config watch unavailable", zap.Error(err))
			}

			d := drainer.New(a.store, pool, registry, drainer.Config{
				MaxRuntime:     a.settings.Worker.MaxRuntime,
				BatchSize:      a.settings.Worker.BatchSize,
				MinAbstractLen: a.settings.Worker.MinAbstractLen,
				Sources:        srcs,
				AuthKey:        a.settings.AuthKey,
			}, a.logger.Named("drainer"))
			return d.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&maxRuntime, "max-runtime", 0, "runtime budget for this invocation")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "queue entries per source per loop")
	cmd.Flags().IntVar(&minAbstractLen, "min-abstract-len", 0, "minimum length before a string counts as an abstract")
	cmd.Flags().StringSliceVar(&srcTags, "sources", nil, "sources to include, in drain order")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose prometheus metrics on this address while running")
	return cmd
}
