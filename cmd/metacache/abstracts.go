package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/gapfill"
	"github.com/nacsos/metacache/internal/solr"
	"github.com/nacsos/metacache/internal/transfer"
)

func abstractsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abstracts",
		Short: "Gap detection and Solr writeback",
	}
	cmd.AddCommand(abstractsQueueCmd())
	cmd.AddCommand(abstractsTransferCmd())
	return cmd
}

func abstractsQueueCmd() *cobra.Command {
	var (
		createdSince string
		createdUntil string
		workIDs      []string
		limit        int
		batchSize    int
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Check solr and queue works with missing abstracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			sc, err := solr.New(a.settings.Solr, a.logger.Named("solr"))
			if err != nil {
				return err
			}
			detector := gapfill.New(sc, a.store, batchSize, a.logger.Named("gapfill"))

			var queued int
			if len(workIDs) > 0 {
				queued, err = detector.ByID(ctx, workIDs, limit, nil)
			} else {
				var since, until time.Time
				if since, err = parseDay(createdSince); err != nil {
					return err
				}
				until = time.Now()
				if createdUntil != "" {
					if until, err = parseDay(createdUntil); err != nil {
						return err
					}
					// clip to end of day
					until = until.Add(24*time.Hour - time.Second)
				}
				queued, err = detector.Window(ctx, since, until, limit, nil)
			}
			if err != nil {
				return err
			}
			a.logger.Info("gap detection done", zap.Int("queued", queued))
			return nil
		},
	}
	cmd.Flags().StringVar(&createdSince, "created-since", "", "works created/updated on or after this day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&createdUntil, "created-until", "", "works created/updated up to this day (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&workIDs, "ids", nil, "check these OpenAlex IDs instead of a time window")
	cmd.Flags().IntVar(&limit, "limit", 1000, "failsafe so we do not accidentally queue millions")
	cmd.Flags().IntVar(&batchSize, "batch-size", 200, "dedup batch size")
	return cmd
}

func abstractsTransferCmd() *cobra.Command {
	var (
		batchSize int
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Write abstracts from the cache to solr",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			release, err := acquireRunLock(a, "transfer", 30*time.Minute)
			if err != nil {
				return err
			}
			defer release()

			ctx, cancel := signalContext()
			defer cancel()

			sc, err := solr.New(a.settings.Solr, a.logger.Named("solr"))
			if err != nil {
				return err
			}
			writer := transfer.New(a.store, sc, batchSize, force, a.logger.Named("transfer"))
			written, skipped, err := writer.Run(ctx)
			if err != nil {
				return err
			}
			a.logger.Info("transfer done", zap.Int("written", written), zap.Int("skipped", skipped))
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 200, "records per solr update")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite abstracts that already exist in solr")
	return cmd
}
