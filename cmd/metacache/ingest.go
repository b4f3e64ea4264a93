package main

import (
	"github.com/spf13/cobra"

	"github.com/nacsos/metacache/internal/ingest"
	"github.com/nacsos/metacache/internal/openalex"
	"github.com/nacsos/metacache/internal/solr"
)

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Daily OpenAlex delta ingestion",
	}
	cmd.AddCommand(ingestDayCmd())
	cmd.AddCommand(ingestBulkCmd())
	return cmd
}

func buildIngestor(a *app, bufferSize int) (*ingest.Ingestor, error) {
	oa, err := openalex.New(a.settings.OpenAlex, a.logger.Named("openalex"))
	if err != nil {
		return nil, err
	}
	sc, err := solr.New(a.settings.Solr, a.logger.Named("solr"))
	if err != nil {
		return nil, err
	}
	return ingest.New(oa, sc, a.store, bufferSize, a.logger.Named("ingest")), nil
}

func ingestDayCmd() *cobra.Command {
	var (
		date       string
		bufferSize int
	)
	cmd := &cobra.Command{
		Use:   "day",
		Short: "Pull works created or updated on one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDay(date)
			if err != nil {
				return err
			}
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			ing, err := buildIngestor(a, bufferSize)
			if err != nil {
				return err
			}
			return ing.Day(ctx, day)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to pull (YYYY-MM-DD)")
	cmd.Flags().IntVar(&bufferSize, "solr-buffer-size", 200, "works per solr POST")
	cmd.MarkFlagRequired("date")
	return cmd
}

func ingestBulkCmd() *cobra.Command {
	var (
		fromDate   string
		toDate     string
		bufferSize int
	)
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Pull a range of days",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseDay(fromDate)
			if err != nil {
				return err
			}
			to, err := parseDay(toDate)
			if err != nil {
				return err
			}
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			ing, err := buildIngestor(a, bufferSize)
			if err != nil {
				return err
			}
			return ing.Bulk(ctx, from, to)
		},
	}
	cmd.Flags().StringVar(&fromDate, "from", "", "first day to pull (YYYY-MM-DD)")
	cmd.Flags().StringVar(&toDate, "to", "", "last day to pull (YYYY-MM-DD)")
	cmd.Flags().IntVar(&bufferSize, "solr-buffer-size", 200, "works per solr POST")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}
