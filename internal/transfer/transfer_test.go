package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/ids"
	"github.com/nacsos/metacache/internal/models"
	"github.com/nacsos/metacache/internal/solr"
)

type fakeStore struct {
	records   []models.Request
	solarized [][]string
}

func (f *fakeStore) ReadCompleteRecords(_ context.Context, _ *time.Time, _ bool, batchSize int, fn func([]models.Request) error) error {
	for start := 0; start < len(f.records); start += batchSize {
		end := start + batchSize
		if end > len(f.records) {
			end = len(f.records)
		}
		if err := fn(f.records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) MarkSolarized(_ context.Context, openalexIDs []string) error {
	f.solarized = append(f.solarized, openalexIDs)
	return nil
}

type fakeTarget struct {
	missing map[string]struct{}
	written []solr.AbstractUpdate
}

func (f *fakeTarget) MissingAbstractIDs(_ context.Context, ids []string) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	for _, id := range ids {
		if _, ok := f.missing[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeTarget) WriteAbstracts(_ context.Context, updates []solr.AbstractUpdate, _ time.Time) error {
	f.written = append(f.written, updates...)
	return nil
}

func record(oa, wrapper, abstract string) models.Request {
	return models.Request{
		Wrapper:   models.Source(wrapper),
		Reference: models.Reference{OpenalexID: ids.Str(oa)},
		Title:     ids.Str("T " + oa),
		Abstract:  ids.Str(abstract),
	}
}

func TestRunWritesOnlyGaps(t *testing.T) {
	store := &fakeStore{records: []models.Request{
		record("W1", "SCOPUS", "abstract one"),
		record("W4", "DIMENSIONS", "better"),
	}}
	// only W1 still lacks an abstract in solr
	target := &fakeTarget{missing: map[string]struct{}{"W1": {}}}

	w := New(store, target, 10, false, zap.NewNop())
	written, skipped, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.Equal(t, 1, skipped)

	require.Len(t, target.written, 1)
	assert.Equal(t, "W1", target.written[0].OpenalexID)
	assert.Equal(t, "abstract one", target.written[0].Abstract)
	assert.Equal(t, "SCOPUS", target.written[0].Source)

	// both records are marked solarized regardless of the skip
	require.Len(t, store.solarized, 1)
	assert.ElementsMatch(t, []string{"W1", "W4"}, store.solarized[0])
}

func TestRunForceOverwrites(t *testing.T) {
	store := &fakeStore{records: []models.Request{record("W4", "SCOPUS", "better")}}
	target := &fakeTarget{} // solr already has an abstract for W4

	w := New(store, target, 10, true, zap.NewNop())
	written, skipped, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.Zero(t, skipped)
	require.Len(t, target.written, 1)
	assert.Equal(t, "SCOPUS", target.written[0].Source)
	require.Len(t, store.solarized, 1)
}

func TestRunBatches(t *testing.T) {
	store := &fakeStore{}
	for _, oa := range []string{"W1", "W2", "W3", "W4", "W5"} {
		store.records = append(store.records, record(oa, "PUBMED", "an abstract"))
	}
	target := &fakeTarget{missing: map[string]struct{}{
		"W1": {}, "W2": {}, "W3": {}, "W4": {}, "W5": {},
	}}

	w := New(store, target, 2, false, zap.NewNop())
	written, skipped, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, written)
	assert.Zero(t, skipped)
	assert.Len(t, store.solarized, 3)
}
