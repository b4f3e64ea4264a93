package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/models"
	"github.com/nacsos/metacache/internal/openalex"
	"github.com/nacsos/metacache/internal/solr"
)

type fakeWorkSource struct {
	works   []openalex.Work
	filters []string
}

func (f *fakeWorkSource) Works(_ context.Context, filter string, fn func(openalex.Work) error) error {
	f.filters = append(f.filters, filter)
	for _, w := range f.works {
		if err := fn(w); err != nil {
			return err
		}
	}
	// works come back for the first (created) filter only; the updated pull
	// is empty, so each work is ingested once
	f.works = nil
	return nil
}

type fakeSolrWriter struct {
	existing map[string]solr.ExistingDoc
	posted   [][]map[string]any
}

func (f *fakeSolrWriter) ExistingAbstracts(_ context.Context, ids []string) (map[string]solr.ExistingDoc, error) {
	out := map[string]solr.ExistingDoc{}
	for _, id := range ids {
		if doc, ok := f.existing[id]; ok {
			out[id] = doc
		}
	}
	return out, nil
}

func (f *fakeSolrWriter) PostDocuments(_ context.Context, docs []map[string]any) error {
	f.posted = append(f.posted, docs)
	return nil
}

type fakeQueueStore struct {
	queued []models.QueueEntry
}

func (f *fakeQueueStore) QueueRequests(_ context.Context, entries []models.QueueEntry) error {
	f.queued = append(f.queued, entries...)
	return nil
}

func findDoc(t *testing.T, posted [][]map[string]any, id string) map[string]any {
	t.Helper()
	for _, batch := range posted {
		for _, doc := range batch {
			if doc["id"] == id {
				return doc
			}
		}
	}
	t.Fatalf("document %s not posted", id)
	return nil
}

func TestDayKeepsExistingAbstractOnRegression(t *testing.T) {
	// W5 comes back from OpenAlex without an abstract while Solr has one
	// from OpenAlex itself: the abstract survives and the provenance flips
	// to OpenAlex_old.
	src := &fakeWorkSource{works: []openalex.Work{{ID: "W5", Title: "T5", DOI: "10.1/w5"}}}
	sw := &fakeSolrWriter{existing: map[string]solr.ExistingDoc{
		"W5": {ID: "W5", Abstract: "X", AbstractSource: "OpenAlex"},
	}}
	qs := &fakeQueueStore{}

	ing := New(src, sw, qs, 10, zap.NewNop())
	require.NoError(t, ing.Day(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))

	doc := findDoc(t, sw.posted, "W5")
	assert.Equal(t, "X", *doc["abstract"].(*string))
	assert.Equal(t, "OpenAlex_old", doc["abstract_source"])
	assert.Equal(t, "T5 X", *doc["title_abstract"].(*string))

	// the preserved abstract means W5 is not queued
	assert.Empty(t, qs.queued)
}

func TestDayKeepsExternalProvenance(t *testing.T) {
	src := &fakeWorkSource{works: []openalex.Work{{ID: "W6", Title: "T6"}}}
	sw := &fakeSolrWriter{existing: map[string]solr.ExistingDoc{
		"W6": {ID: "W6", Abstract: "Y", AbstractSource: "SCOPUS"},
	}}
	ing := New(src, sw, &fakeQueueStore{}, 10, zap.NewNop())
	require.NoError(t, ing.Day(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))

	doc := findDoc(t, sw.posted, "W6")
	assert.Equal(t, "SCOPUS", doc["abstract_source"])
	assert.Equal(t, "Y", *doc["abstract"].(*string))
}

func TestDayStampsDateOnChangedAbstract(t *testing.T) {
	src := &fakeWorkSource{works: []openalex.Work{{
		ID:                    "W7",
		Title:                 "T7",
		AbstractInvertedIndex: map[string][]int{"new": {0}, "text": {1}},
	}}}
	sw := &fakeSolrWriter{existing: map[string]solr.ExistingDoc{
		"W7": {ID: "W7", Abstract: "old text", AbstractSource: "OpenAlex"},
	}}
	ing := New(src, sw, &fakeQueueStore{}, 10, zap.NewNop())
	ing.now = func() time.Time { return time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC) }
	require.NoError(t, ing.Day(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))

	doc := findDoc(t, sw.posted, "W7")
	assert.Equal(t, "new text", *doc["abstract"].(*string))
	assert.Equal(t, "2026-08-01T09:00:00Z", doc["abstract_date"])
}

func TestDayQueuesWorksWithDOIAndNoAbstract(t *testing.T) {
	src := &fakeWorkSource{works: []openalex.Work{
		{ID: "https://openalex.org/W8", DOI: "https://doi.org/10.1/w8", Title: "T8"},
		{ID: "W9", Title: "T9"}, // no DOI, not queued
		{ID: "W10", DOI: "10.1/w10", AbstractInvertedIndex: map[string][]int{"has": {0}, "abstract": {1}}},
	}}
	qs := &fakeQueueStore{}
	ing := New(src, &fakeSolrWriter{}, qs, 10, zap.NewNop())
	require.NoError(t, ing.Day(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))

	require.Len(t, qs.queued, 1)
	assert.Equal(t, "W8", *qs.queued[0].OpenalexID)
	assert.Equal(t, "10.1/w8", *qs.queued[0].DOI)
	assert.Equal(t, models.ConflictDoNothing, qs.queued[0].OnConflict)
	assert.Nil(t, qs.queued[0].Sources)
}

func TestDayUsesCreatedAndUpdatedFilters(t *testing.T) {
	src := &fakeWorkSource{}
	ing := New(src, &fakeSolrWriter{}, &fakeQueueStore{}, 10, zap.NewNop())
	require.NoError(t, ing.Day(context.Background(), time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, []string{
		"from_created_date:2026-07-31,to_created_date:2026-07-31",
		"from_updated_date:2026-07-31,to_updated_date:2026-07-31",
	}, src.filters)
}

func TestBulkIteratesDays(t *testing.T) {
	src := &fakeWorkSource{}
	ing := New(src, &fakeSolrWriter{}, &fakeQueueStore{}, 10, zap.NewNop())
	from := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 7, 3, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ing.Bulk(context.Background(), from, to))
	assert.Len(t, src.filters, 6) // 3 days × (created + updated)

	assert.Error(t, ing.Bulk(context.Background(), to, from))
}
