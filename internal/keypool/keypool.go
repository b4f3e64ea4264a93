// Package keypool selects, rotates and updates provider API keys. Ordering
// acquisitions by last_used lets sibling processes sharing the same keys
// drift toward fair utilisation without a lock service.
package keypool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/metrics"
	"github.com/nacsos/metacache/internal/models"
)

// ErrNoCredentials is returned when no active, authorised key exists for the
// requested source.
var ErrNoCredentials = errors.New("no credentials available")

// Pool issues API keys from the meta-cache credential tables.
type Pool struct {
	db     *sqlx.DB
	logger *zap.Logger

	// negative short-circuits queries for (auth, source) pairs that were
	// recently found to have no keys at all
	negative *gocache.Cache
}

// New builds a pool sharing the store's connection.
func New(db *sqlx.DB, logger *zap.Logger) *Pool {
	return &Pool{
		db:       db,
		logger:   logger,
		negative: gocache.New(30*time.Second, time.Minute),
	}
}

func negKey(authKey string, source models.Source) string {
	return authKey + "/" + string(source)
}

// Acquire returns the active key authorised for authKey and source with the
// oldest last_used, skipping keys whose provider feedback reports an
// exhausted quota, and stamps last_used.
func (p *Pool) Acquire(ctx context.Context, authKey string, source models.Source) (models.ApiKey, error) {
	if _, found := p.negative.Get(negKey(authKey, source)); found {
		return models.ApiKey{}, fmt.Errorf("%w for %s (cached)", ErrNoCredentials, source)
	}

	var key models.ApiKey
	err := p.db.GetContext(ctx, &key, `
		SELECT api_key.api_key_id, api_key.owner, api_key.wrapper, api_key.api_key,
		       api_key.proxy, api_key.active, api_key.last_used, api_key.api_feedback
		FROM api_key
		     JOIN m2m_auth_api_key ON api_key.api_key_id = m2m_auth_api_key.api_key_id
		     JOIN auth_key ON m2m_auth_api_key.auth_key_id = auth_key.auth_key_id
		WHERE auth_key.auth_key_id = $1
		  AND auth_key.active IS TRUE
		  AND api_key.active IS TRUE
		  AND api_key.wrapper = $2
		  AND (api_key.api_feedback IS NULL OR (api_key.api_feedback ->> 'remaining') IS NULL
		       OR (api_key.api_feedback ->> 'remaining')::int > 0)
		ORDER BY api_key.last_used NULLS FIRST
		LIMIT 1`, authKey, strings.ToUpper(string(source)))
	if errors.Is(err, sql.ErrNoRows) {
		p.negative.Set(negKey(authKey, source), struct{}{}, gocache.DefaultExpiration)
		return models.ApiKey{}, fmt.Errorf("%w for %s", ErrNoCredentials, source)
	}
	if err != nil {
		return models.ApiKey{}, fmt.Errorf("acquire key for %s: %w", source, err)
	}

	if _, err := p.db.ExecContext(ctx,
		`UPDATE api_key SET last_used = now() WHERE api_key_id = $1`, key.APIKeyID); err != nil {
		return models.ApiKey{}, fmt.Errorf("stamp key use: %w", err)
	}

	metrics.KeyAcquisitions.WithLabelValues(string(source)).Inc()
	p.logger.Debug("issued api key",
		zap.String("key_id", key.APIKeyID.String()), zap.String("source", string(source)))
	return key, nil
}

// ReportUse stores the provider's quota feedback for a key and refreshes
// last_used. Called by the adapters after provider responses (by WOS only
// when the response carries rate-limit headers).
func (p *Pool) ReportUse(ctx context.Context, key models.ApiKey, feedback models.JSONB) error {
	if feedback == nil {
		feedback = key.APIFeedback
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE api_key
		SET last_used = now(),
		    api_feedback = $2
		WHERE api_key_id = $1`, key.APIKeyID, feedback)
	if err != nil {
		return fmt.Errorf("report key use %s: %w", key.APIKeyID, err)
	}
	return nil
}
