// Package drainer runs the bounded worker loop that empties the meta-cache
// queue through the source adapters.
package drainer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/ids"
	"github.com/nacsos/metacache/internal/metrics"
	"github.com/nacsos/metacache/internal/models"
	"github.com/nacsos/metacache/internal/sources"
)

// Store is the slice of the meta-cache the drainer needs.
type Store interface {
	UpdateDefaultSources(ctx context.Context) error
	GetQueuedRequestedForSource(ctx context.Context, source models.Source, limit int) ([]models.QueueStats, error)
	InsertRequests(ctx context.Context, reqs []models.Request) error
	DropSourceFromQueued(ctx context.Context, source models.Source, queueIDs []int64) error
	DropUnforcedSourcesFromQueued(ctx context.Context, queueIDs []int64) error
	DropFinishedFromQueue(ctx context.Context) error
}

// KeyPool issues credentials per source.
type KeyPool interface {
	Acquire(ctx context.Context, authKey string, source models.Source) (models.ApiKey, error)
}

// Registry resolves source adapters.
type Registry interface {
	For(tag models.Source) (sources.Adapter, error)
}

// Config bounds one drainer invocation.
type Config struct {
	MaxRuntime     time.Duration
	BatchSize      int
	MinAbstractLen int
	Sources        []models.Source
	AuthKey        string
}

// Drainer interleaves the configured sources until the queue is empty or the
// runtime budget is spent.
type Drainer struct {
	store  Store
	pool   KeyPool
	reg    Registry
	cfg    Config
	logger *zap.Logger

	now func() time.Time
}

// New wires a drainer.
func New(store Store, pool KeyPool, reg Registry, cfg Config, logger *zap.Logger) *Drainer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MinAbstractLen <= 0 {
		cfg.MinAbstractLen = 25
	}
	if cfg.MaxRuntime <= 0 {
		cfg.MaxRuntime = 5 * time.Minute
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = models.AllSources()
	}
	return &Drainer{store: store, pool: pool, reg: reg, cfg: cfg, logger: logger, now: time.Now}
}

// Run executes drain loops until the queue drains, the deadline passes or
// ctx is cancelled. Per-source failures are logged and the loop moves on;
// only a cancelled context aborts.
func (d *Drainer) Run(ctx context.Context) error {
	d.logger.Info("replacing empty source lists with default order")
	if err := d.store.UpdateDefaultSources(ctx); err != nil {
		return err
	}

	start := d.now()
	nLoops := 0
	nProcessed := 1
	for nProcessed > 0 && d.now().Sub(start) < d.cfg.MaxRuntime {
		nLoops++
		nProcessed = 0
		for _, source := range d.cfg.Sources {
			if err := ctx.Err(); err != nil {
				return err
			}
			elapsed := d.now().Sub(start)
			d.logger.Info("processing source",
				zap.String("source", string(source)),
				zap.Int("loop", nLoops),
				zap.Duration("runtime", elapsed))
			if elapsed > d.cfg.MaxRuntime {
				d.logger.Info("reached maximum runtime", zap.Duration("max_runtime", d.cfg.MaxRuntime))
				break
			}

			n, err := d.drainSource(ctx, source)
			if err != nil {
				d.logger.Error("source drain failed",
					zap.String("source", string(source)), zap.Error(err))
				continue
			}
			nProcessed += n
		}
	}
	d.logger.Info("finished work",
		zap.Duration("runtime", d.now().Sub(start)),
		zap.Int("last_processed", nProcessed))
	return nil
}

// shouldFetch is the on-conflict decision for one queue entry.
func shouldFetch(entry *models.QueueStats) bool {
	return entry.Priority == models.PriorityForce ||
		entry.OnConflict == models.ConflictForce ||
		(entry.OnConflict == models.ConflictRetryAbstract && entry.NumHasAbstract == 0) ||
		(entry.OnConflict == models.ConflictRetryRaw && entry.NumHasSourceRaw == 0) ||
		(entry.OnConflict == models.ConflictDoNothing && entry.NumHasSourceRequest == 0)
}

// drainSource handles one batch for one source and returns how many queue
// entries it covered.
func (d *Drainer) drainSource(ctx context.Context, source models.Source) (int, error) {
	queued, err := d.store.GetQueuedRequestedForSource(ctx, source, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(queued) == 0 {
		return 0, nil
	}

	adapter, err := d.reg.For(source)
	if err != nil {
		return 0, err
	}

	var proceed []*models.QueueStats
	allIDs := make([]int64, 0, len(queued))
	for i := range queued {
		entry := &queued[i]
		allIDs = append(allIDs, entry.QueueID)
		if !shouldFetch(entry) {
			// the evidence the policy asks for already exists
			d.logger.Debug("skipping queue entry by on-conflict policy",
				zap.Int64("queue_id", entry.QueueID),
				zap.String("source", string(source)),
				zap.Int("on_conflict", int(entry.OnConflict)))
			metrics.QueueSkipped.WithLabelValues(string(source)).Inc()
			continue
		}
		if _, err := adapter.BuildQuery([]models.Reference{entry.Reference}); errors.Is(err, sources.ErrInvalidRequest) {
			// no usable identifiers for this source; drop it for the entry
			d.logger.Warn("queue entry has no usable identifiers for source",
				zap.Int64("queue_id", entry.QueueID),
				zap.String("source", string(source)))
			continue
		}
		proceed = append(proceed, entry)
	}

	entries := make([]models.QueueEntry, len(queued))
	for i := range queued {
		entries[i] = queued[i].QueueEntry
	}

	var fetched []models.Request
	if len(proceed) > 0 {
		key, err := d.pool.Acquire(ctx, d.cfg.AuthKey, source)
		if err != nil {
			return 0, err
		}

		refs := make([]models.Reference, len(proceed))
		for i, entry := range proceed {
			refs[i] = entry.Reference
		}

		started := d.now()
		err = adapter.Fetch(ctx, refs, key, func(req models.Request) error {
			ids.Complete(&req, entries)
			if req.Abstract != nil && len(*req.Abstract) < d.cfg.MinAbstractLen {
				// providers sometimes return placeholder strings
				req.Abstract = nil
			}
			fetched = append(fetched, req)
			return nil
		})
		metrics.FetchDuration.WithLabelValues(string(source)).Observe(d.now().Sub(started).Seconds())

		var perm *sources.PermanentSourceError
		switch {
		case err == nil:
		case errors.As(err, &perm):
			// the provider definitively cannot serve these references; the
			// source is dropped for them below like any missing result
			d.logger.Warn("permanent source failure",
				zap.String("source", string(source)),
				zap.Int("status", perm.Status),
				zap.Int("references", len(perm.Refs)))
		default:
			// transient: leave the batch untouched so the same source is
			// retried on the next pass
			return 0, err
		}

		if err := d.store.InsertRequests(ctx, fetched); err != nil {
			return 0, err
		}
	}

	foundSet := make(map[int64]struct{})
	for i := range fetched {
		if fetched[i].HasAbstract() && fetched[i].QueueID != nil {
			foundSet[*fetched[i].QueueID] = struct{}{}
			metrics.AbstractsRecovered.WithLabelValues(string(source)).Inc()
		}
	}
	foundIDs := make([]int64, 0, len(foundSet))
	for id := range foundSet {
		foundIDs = append(foundIDs, id)
	}

	d.logger.Info("updating queue after batch",
		zap.String("source", string(source)),
		zap.Int("processed", len(queued)),
		zap.Int("found_abstract", len(foundIDs)))

	if err := d.store.DropSourceFromQueued(ctx, source, allIDs); err != nil {
		return 0, err
	}
	if err := d.store.DropUnforcedSourcesFromQueued(ctx, foundIDs); err != nil {
		return 0, err
	}
	if err := d.store.DropFinishedFromQueue(ctx); err != nil {
		return 0, err
	}
	metrics.QueueDrained.WithLabelValues(string(source)).Add(float64(len(queued)))
	return len(queued), nil
}
