package gapfill

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/models"
	"github.com/nacsos/metacache/internal/solr"
)

type fakeGapSource struct {
	works []solr.GapWork
}

func (f *fakeGapSource) MissingAbstractsWindow(_ context.Context, _, _ time.Time, limit int, fn func(solr.GapWork) error) error {
	return f.stream(limit, fn)
}

func (f *fakeGapSource) MissingAbstractsByID(_ context.Context, _ []string, limit int, fn func(solr.GapWork) error) error {
	return f.stream(limit, fn)
}

func (f *fakeGapSource) stream(limit int, fn func(solr.GapWork) error) error {
	for i, w := range f.works {
		if i >= limit {
			return nil
		}
		if err := fn(w); err != nil {
			return err
		}
	}
	return nil
}

type fakeStore struct {
	known  map[string]struct{}
	queued []models.QueueEntry
}

func (f *fakeStore) KnownOpenalexIDs(_ context.Context, ids []string) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	for _, id := range ids {
		if _, ok := f.known[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeStore) QueueRequests(_ context.Context, entries []models.QueueEntry) error {
	f.queued = append(f.queued, entries...)
	return nil
}

func TestWindowSeedsQueue(t *testing.T) {
	gaps := &fakeGapSource{works: []solr.GapWork{
		{OpenalexID: "W3", DOI: "10.1/z"},
		{OpenalexID: "W4", PubmedID: "42"},
	}}
	store := &fakeStore{}
	d := New(gaps, store, 10, zap.NewNop())

	n, err := d.Window(context.Background(), time.Now().Add(-24*time.Hour), time.Now(), 1000, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, store.queued, 2)
	first := store.queued[0]
	assert.Equal(t, "W3", *first.OpenalexID)
	assert.Equal(t, "10.1/z", *first.DOI)
	assert.Nil(t, first.Sources, "sources stay null until the drainer backfills defaults")
	assert.Equal(t, models.ConflictDoNothing, first.OnConflict)
	assert.Equal(t, "42", *store.queued[1].PubmedID)
}

func TestWindowDedupsAgainstKnownWorks(t *testing.T) {
	gaps := &fakeGapSource{works: []solr.GapWork{
		{OpenalexID: "W1"},
		{OpenalexID: "W2"},
	}}
	store := &fakeStore{known: map[string]struct{}{"W1": {}}}
	d := New(gaps, store, 10, zap.NewNop())

	n, err := d.Window(context.Background(), time.Now().Add(-time.Hour), time.Now(), 1000, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, store.queued, 1)
	assert.Equal(t, "W2", *store.queued[0].OpenalexID)
}

func TestWindowRejectsExcessiveLimit(t *testing.T) {
	d := New(&fakeGapSource{}, &fakeStore{}, 10, zap.NewNop())
	_, err := d.Window(context.Background(), time.Now(), time.Now(), HardCap+1, nil)
	assert.Error(t, err)
	_, err = d.Window(context.Background(), time.Now(), time.Now(), 0, nil)
	assert.Error(t, err)
}

func TestByIDUsesCustomSources(t *testing.T) {
	gaps := &fakeGapSource{works: []solr.GapWork{{OpenalexID: "W9"}}}
	store := &fakeStore{}
	d := New(gaps, store, 10, zap.NewNop())

	srcs := models.SourceList{{Source: models.SourceScopus, Priority: models.PriorityForce}}
	n, err := d.ByID(context.Background(), []string{"W9"}, 10, srcs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, store.queued, 1)
	assert.Equal(t, srcs, store.queued[0].Sources)
}
