package keypool

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

	"github.com/nacsos/metacache/internal/models"
)

func newMockPool(t *testing.T) (*Pool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres"), zap.NewNop()), mock
}

var keyColumns = []string{
	"api_key_id", "owner", "wrapper", "api_key", "proxy", "active", "last_used", "api_feedback",
}

func TestAcquireReturnsOldestUsedKey(t *testing.T) {
	p, mock := newMockPool(t)
	keyID := uuid.New()
	last := time.Now().Add(-time.Hour)

	mock.ExpectQuery(`ORDER BY api_key.last_used NULLS FIRST`).
		WithArgs("auth-1", "SCOPUS").
		WillReturnRows(sqlmock.NewRows(keyColumns).
			AddRow(keyID.String(), "owner", "SCOPUS", "secret", nil, true, last, nil))
	mock.ExpectExec(`UPDATE api_key SET last_used = now\(\)`).
		WithArgs(keyID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	key, err := p.Acquire(context.Background(), "auth-1", models.SourceScopus)
	require.NoError(t, err)
	assert.Equal(t, keyID, key.APIKeyID)
	assert.Equal(t, "secret", *key.Key)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireNoCredentials(t *testing.T) {
	p, mock := newMockPool(t)
	mock.ExpectQuery(`ORDER BY api_key.last_used NULLS FIRST`).
		WithArgs("auth-1", "WOS").
		WillReturnRows(sqlmock.NewRows(keyColumns))

	_, err := p.Acquire(context.Background(), "auth-1", models.SourceWOS)
	assert.ErrorIs(t, err, ErrNoCredentials)

	// second acquisition is short-circuited by the negative cache and does
	// not hit the database
	_, err = p.Acquire(context.Background(), "auth-1", models.SourceWOS)
	assert.ErrorIs(t, err, ErrNoCredentials)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportUseWritesFeedback(t *testing.T) {
	p, mock := newMockPool(t)
	keyID := uuid.New()
	mock.ExpectExec(`UPDATE api_key\s+SET last_used = now\(\),\s+api_feedback = \$2`).
		WithArgs(keyID.String(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.ReportUse(context.Background(), models.ApiKey{APIKeyID: keyID},
		models.JSONB{"remaining": "12", "limit": "20000", "reset": "86000"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
