// Package gapfill finds works in Solr that lack an abstract and seeds the
// meta-cache queue with them.
package gapfill

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/metrics"
	"github.com/nacsos/metacache/internal/models"
	"github.com/nacsos/metacache/internal/solr"
)

// HardCap is the absolute limit on entries queued per invocation.
const HardCap = 100_000

// Store is the slice of the meta-cache the detector needs.
type Store interface {
	KnownOpenalexIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
	QueueRequests(ctx context.Context, entries []models.QueueEntry) error
}

// GapSource enumerates works without abstracts.
type GapSource interface {
	MissingAbstractsWindow(ctx context.Context, since, until time.Time, limit int, fn func(solr.GapWork) error) error
	MissingAbstractsByID(ctx context.Context, ids []string, limit int, fn func(solr.GapWork) error) error
}

// Detector seeds the queue from Solr gaps.
type Detector struct {
	solr      GapSource
	store     Store
	batchSize int
	logger    *zap.Logger
}

// New wires a detector; batchSize bounds dedup round-trips.
func New(gaps GapSource, store Store, batchSize int, logger *zap.Logger) *Detector {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Detector{solr: gaps, store: store, batchSize: batchSize, logger: logger}
}

// Window queues works without an abstract created or updated inside
// [since, until], up to limit. Entries are inserted with sources=null (the
// drainer backfills the default list) unless srcs overrides it. Returns the
// number of entries queued.
func (d *Detector) Window(ctx context.Context, since, until time.Time, limit int, srcs models.SourceList) (int, error) {
	if limit <= 0 || limit > HardCap {
		return 0, fmt.Errorf("limit must be in (0, %d], got %d", HardCap, limit)
	}
	return d.seed(ctx, srcs, func(fn func(solr.GapWork) error) error {
		return d.solr.MissingAbstractsWindow(ctx, since, until, limit, fn)
	})
}

// ByID queues the subset of the given works that lack an abstract in Solr.
func (d *Detector) ByID(ctx context.Context, openalexIDs []string, limit int, srcs models.SourceList) (int, error) {
	if limit <= 0 || limit > HardCap {
		return 0, fmt.Errorf("limit must be in (0, %d], got %d", HardCap, limit)
	}
	return d.seed(ctx, srcs, func(fn func(solr.GapWork) error) error {
		return d.solr.MissingAbstractsByID(ctx, openalexIDs, limit, fn)
	})
}

func (d *Detector) seed(ctx context.Context, srcs models.SourceList, scan func(func(solr.GapWork) error) error) (int, error) {
	queued := 0
	batch := make([]solr.GapWork, 0, d.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := d.queueBatch(ctx, batch, srcs)
		if err != nil {
			return err
		}
		queued += n
		batch = batch[:0]
		return nil
	}

	err := scan(func(work solr.GapWork) error {
		batch = append(batch, work)
		if len(batch) == d.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return queued, err
	}
	if err := flush(); err != nil {
		return queued, err
	}
	d.logger.Info("finished gap detection", zap.Int("queued", queued))
	return queued, nil
}

// queueBatch inserts the works not already covered by a queue entry or a
// successful request. Dedup is by openalex_id only: a prior DOI-only entry
// may still benefit from OpenAlex linkage.
func (d *Detector) queueBatch(ctx context.Context, works []solr.GapWork, srcs models.SourceList) (int, error) {
	ids := make([]string, 0, len(works))
	for _, w := range works {
		ids = append(ids, w.OpenalexID)
	}
	known, err := d.store.KnownOpenalexIDs(ctx, ids)
	if err != nil {
		return 0, err
	}

	var entries []models.QueueEntry
	for _, w := range works {
		if _, ok := known[w.OpenalexID]; ok {
			continue
		}
		oa := w.OpenalexID
		entry := models.QueueEntry{
			Reference:  models.Reference{OpenalexID: &oa},
			Sources:    srcs,
			OnConflict: models.ConflictDoNothing,
		}
		if w.DOI != "" {
			doi := w.DOI
			entry.DOI = &doi
		}
		if w.PubmedID != "" {
			pmid := w.PubmedID
			entry.PubmedID = &pmid
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := d.store.QueueRequests(ctx, entries); err != nil {
		return 0, err
	}
	metrics.QueueSeeded.WithLabelValues("gapfill").Add(float64(len(entries)))
	return len(entries), nil
}
