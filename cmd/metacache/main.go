// Command metacache runs the abstract-completion pipeline: the queue
// drainer, gap detection, Solr writeback and the daily OpenAlex ingest.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/config"
	"github.com/nacsos/metacache/internal/logging"
	"github.com/nacsos/metacache/internal/runlock"
	"github.com/nacsos/metacache/internal/store"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "metacache",
		Short:         "Abstract completion pipeline for the OpenAlex Solr index",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(workerCmd())
	root.AddCommand(abstractsCmd())
	root.AddCommand(ingestCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the shared runtime of every subcommand.
type app struct {
	settings *config.Settings
	logger   *zap.Logger
	store    *store.Store
}

func setup() (*app, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(settings.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.Info("connecting to database", zap.String("host", settings.DB.Host))
	st, err := store.New(settings.DB, logger.Named("store"))
	if err != nil {
		logger.Sync()
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		logger.Sync()
		return nil, err
	}
	return &app{settings: settings, logger: logger, store: st}, nil
}

func (a *app) close() {
	a.store.Close()
	a.logger.Sync()
}

// signalContext is cancelled on SIGINT/SIGTERM; deadlines stay cooperative.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// acquireRunLock guards a subcommand against overlapping scheduled runs.
// Without a configured redis the guard is skipped; max_runtime alone keeps
// the schedule safe.
func acquireRunLock(a *app, name string, ttl time.Duration) (func(), error) {
	if a.settings.RedisURL == "" {
		return func() {}, nil
	}
	lock, err := runlock.New(a.settings.RedisURL, a.logger.Named("runlock"))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	release, err := lock.Acquire(ctx, name, ttl)
	if err != nil {
		lock.Close()
		return nil, err
	}
	return func() {
		release()
		lock.Close()
	}, nil
}

func parseDay(value string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", value)
	}
	return t, nil
}
