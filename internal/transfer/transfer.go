// Package transfer writes recovered abstracts from the meta-cache back into
// Solr without clobbering better data.
package transfer

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/metrics"
	"github.com/nacsos/metacache/internal/models"
	"github.com/nacsos/metacache/internal/solr"
)

// Store is the slice of the meta-cache the writer needs.
type Store interface {
	ReadCompleteRecords(ctx context.Context, fromTime *time.Time, onlyUnsolarized bool, batchSize int, fn func([]models.Request) error) error
	MarkSolarized(ctx context.Context, openalexIDs []string) error
}

// Target is the slice of the Solr client the writer needs.
type Target interface {
	MissingAbstractIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
	WriteAbstracts(ctx context.Context, updates []solr.AbstractUpdate, now time.Time) error
}

// Writer streams complete cache records into Solr.
type Writer struct {
	store     Store
	solr      Target
	batchSize int
	force     bool
	logger    *zap.Logger

	now func() time.Time
}

// New wires a writer. With force set, existing abstracts are overwritten.
func New(store Store, target Target, batchSize int, force bool, logger *zap.Logger) *Writer {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Writer{store: store, solr: target, batchSize: batchSize, force: force, logger: logger, now: time.Now}
}

// Run transfers every unsolarized complete record. Returns how many
// documents were written and how many were skipped because Solr already has
// an abstract.
func (w *Writer) Run(ctx context.Context) (written, skipped int, err error) {
	err = w.store.ReadCompleteRecords(ctx, nil, true, w.batchSize, func(batch []models.Request) error {
		ids := make([]string, 0, len(batch))
		for i := range batch {
			ids = append(ids, *batch[i].OpenalexID)
		}

		selected := batch
		if !w.force {
			missing, err := w.solr.MissingAbstractIDs(ctx, ids)
			if err != nil {
				return err
			}
			selected = selected[:0]
			for i := range batch {
				if _, ok := missing[*batch[i].OpenalexID]; ok {
					selected = append(selected, batch[i])
				} else {
					skipped++
					metrics.SolrSkipped.Inc()
				}
			}
		}

		if len(selected) > 0 {
			updates := make([]solr.AbstractUpdate, 0, len(selected))
			for i := range selected {
				req := &selected[i]
				updates = append(updates, solr.AbstractUpdate{
					OpenalexID: *req.OpenalexID,
					Title:      deref(req.Title),
					Abstract:   deref(req.Abstract),
					Source:     strings.ToUpper(string(req.Wrapper)),
				})
			}
			if err := w.solr.WriteAbstracts(ctx, updates, w.now()); err != nil {
				return err
			}
			written += len(updates)
		}

		// mark everything in the batch, including skipped records, so the
		// next invocation does not reconsider them
		if err := w.store.MarkSolarized(ctx, ids); err != nil {
			return err
		}
		w.logger.Debug("transferred partition",
			zap.Int("written", len(selected)), zap.Int("batch", len(batch)))
		return nil
	})
	return written, skipped, err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
