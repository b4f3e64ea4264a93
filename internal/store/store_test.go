package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/ids"
	"github.com/nacsos/metacache/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres"), zap.NewNop()), mock
}

func TestQueueRequestsCanonicalisesAndInserts(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entries := []models.QueueEntry{{
		Reference: models.Reference{
			OpenalexID: ids.Str("https://openalex.org/W3"),
			DOI:        ids.Str("https://doi.org/10.1/z"),
		},
	}}
	require.NoError(t, s.QueueRequests(context.Background(), entries))

	// canonicalisation happens before the insert
	assert.Equal(t, "W3", *entries[0].OpenalexID)
	assert.Equal(t, "10.1/z", *entries[0].DOI)
	assert.Equal(t, models.ConflictDoNothing, entries[0].OnConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRequestsEmptyIsNoop(t *testing.T) {
	s, mock := newMockStore(t)
	require.NoError(t, s.QueueRequests(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDefaultSources(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE queue SET sources = \$1::jsonb WHERE sources IS NULL`).
		WithArgs(`[["DIMENSIONS",2],["SCOPUS",2],["WOS",2],["PUBMED",2]]`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	require.NoError(t, s.UpdateDefaultSources(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQueuedForSource(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"queue_id", "doi", "openalex_id", "pubmed_id", "s2_id", "scopus_id",
		"wos_id", "dimensions_id", "nacsos_id", "sources", "on_conflict", "time_created",
	}).AddRow(int64(1), "10.1/x", "W1", nil, nil, nil, nil, nil, nil,
		[]byte(`[["SCOPUS",2]]`), 2, now)

	mock.ExpectQuery(`FROM queue\s+WHERE sources IS NOT NULL`).
		WithArgs("SCOPUS", 25).
		WillReturnRows(rows)

	got, err := s.GetQueuedForSource(context.Background(), models.SourceScopus, 25)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].QueueID)
	assert.Equal(t, "W1", *got[0].OpenalexID)
	head, ok := got[0].Sources.Head()
	require.True(t, ok)
	assert.Equal(t, models.SourceScopus, head.Source)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQueuedRequestedForSource(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"source", "priority",
		"num_has_request", "num_has_abstract", "num_has_title", "num_has_raw",
		"num_has_source_request", "num_has_source_abstract", "num_has_source_title", "num_has_source_raw",
		"queue_id", "doi", "openalex_id", "pubmed_id", "s2_id", "scopus_id",
		"wos_id", "dimensions_id", "nacsos_id", "sources", "on_conflict", "time_created",
	}).AddRow("SCOPUS", 2, 1, 0, 1, 1, 1, 0, 1, 1,
		int64(9), "10.1/x", "W2", nil, nil, nil, nil, nil, nil,
		[]byte(`[["SCOPUS",2],["PUBMED",2]]`), 3, now)

	mock.ExpectQuery(`LEFT OUTER JOIN request r ON`).
		WithArgs("SCOPUS", 10).
		WillReturnRows(rows)

	got, err := s.GetQueuedRequestedForSource(context.Background(), models.SourceScopus, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	entry := got[0]
	assert.Equal(t, models.SourceScopus, entry.Source)
	assert.Equal(t, models.PriorityTry, entry.Priority)
	assert.Equal(t, 1, entry.NumHasRequest)
	assert.Equal(t, 0, entry.NumHasAbstract)
	assert.Equal(t, 1, entry.NumHasSourceRaw)
	assert.Equal(t, models.ConflictRetryAbstract, entry.OnConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDropSourceFromQueued(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`jsonb_path_query_array\(sources, '\$\[\*\] \? \(@\[0\] != \$tag\)'`).
		WithArgs("SCOPUS", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, s.DropSourceFromQueued(context.Background(), models.SourceScopus, []int64{1, 2}))
	require.NoError(t, mock.ExpectationsWereMet())

	// no ids, no statement
	require.NoError(t, s.DropSourceFromQueued(context.Background(), models.SourceScopus, nil))
}

func TestDropUnforcedSourcesFromQueued(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`jsonb_path_query_array\(sources, '\$\[\*\] \? \(@\[1\] == 1\)'\)`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.DropUnforcedSourcesFromQueued(context.Background(), []int64{7}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDropFinishedFromQueue(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM queue WHERE sources = '\[\]'::jsonb`).
		WillReturnResult(sqlmock.NewResult(0, 4))
	require.NoError(t, s.DropFinishedFromQueue(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKnownOpenalexIDs(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"openalex_id"}).AddRow("W1").AddRow("W3")
	mock.ExpectQuery(`SELECT openalex_id\s+FROM request`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(rows)

	known, err := s.KnownOpenalexIDs(context.Background(), []string{"W1", "W2", "W3"})
	require.NoError(t, err)
	assert.Contains(t, known, "W1")
	assert.Contains(t, known, "W3")
	assert.NotContains(t, known, "W2")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRequestsWritesRowAndHealsQueue(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO request`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE queue\s+SET openalex_id\s+= COALESCE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	qid := int64(3)
	reqs := []models.Request{{
		Wrapper: models.SourceScopus,
		Reference: models.Reference{
			DOI:      ids.Str("https://doi.org/10.1/x"),
			ScopusID: ids.Str("2-s2.0-1"),
		},
		QueueID:  &qid,
		Title:    ids.Str("T"),
		Abstract: ids.Str("A sufficiently long abstract for the cache."),
		Raw:      models.RawJSON(`{"eid":"2-s2.0-1"}`),
	}}
	require.NoError(t, s.InsertRequests(context.Background(), reqs))
	assert.NotEqual(t, uuid.Nil, reqs[0].RecordID)
	assert.Equal(t, "10.1/x", *reqs[0].DOI)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRequestsSingleIDSkipsHealing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO request`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reqs := []models.Request{{
		Wrapper:   models.SourcePubmed,
		Reference: models.Reference{PubmedID: ids.Str("123")},
	}}
	require.NoError(t, s.InsertRequests(context.Background(), reqs))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadCompleteRecordsBatches(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{
		"record_id", "wrapper", "api_key_id", "openalex_id", "doi", "pubmed_id", "s2_id",
		"scopus_id", "wos_id", "dimensions_id", "nacsos_id", "queue_id", "title", "abstract",
		"solarized", "time_created", "raw",
	}
	rows := sqlmock.NewRows(cols)
	for _, id := range []string{"W1", "W2", "W3"} {
		rows.AddRow(uuid.New().String(), "SCOPUS", nil, id, nil, nil, nil, nil, nil, nil, nil,
			nil, "T", "A", false, time.Now(), nil)
	}
	mock.ExpectQuery(`SELECT DISTINCT ON \(openalex_id\)`).WillReturnRows(rows)

	var batches [][]models.Request
	err := s.ReadCompleteRecords(context.Background(), nil, true, 2, func(batch []models.Request) error {
		cp := make([]models.Request, len(batch))
		copy(cp, batch)
		batches = append(batches, cp)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)
	assert.Equal(t, "W3", *batches[1][0].OpenalexID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSolarized(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE request SET solarized = TRUE WHERE openalex_id = ANY`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, s.MarkSolarized(context.Background(), []string{"W1", "W2"}))
	require.NoError(t, mock.ExpectationsWereMet())
}
