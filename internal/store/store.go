// Package store is the durable meta-cache: queue, request cache and
// credential tables in PostgreSQL.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/config"
)

// Store wraps the meta-cache database connection.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New opens a connection pool against the configured database.
func New(cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing connection; used by tests and by the
// credential pool which shares the store's pool.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying pool for collaborators sharing the connection.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS request (
		record_id     uuid PRIMARY KEY,
		wrapper       text NOT NULL,
		api_key_id    uuid,
		openalex_id   text,
		doi           text,
		pubmed_id     text,
		s2_id         text,
		scopus_id     text,
		wos_id        text,
		dimensions_id text,
		nacsos_id     text,
		queue_id      bigint,
		title         text,
		abstract      text,
		solarized     boolean NOT NULL DEFAULT FALSE,
		time_created  timestamptz NOT NULL DEFAULT now(),
		raw           jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS ix_request_wrapper ON request (wrapper)`,
	`CREATE INDEX IF NOT EXISTS ix_request_openalex_id ON request (openalex_id)`,
	`CREATE INDEX IF NOT EXISTS ix_request_doi ON request (doi)`,
	`CREATE INDEX IF NOT EXISTS ix_request_pubmed_id ON request (pubmed_id)`,
	`CREATE INDEX IF NOT EXISTS ix_request_s2_id ON request (s2_id)`,
	`CREATE INDEX IF NOT EXISTS ix_request_scopus_id ON request (scopus_id)`,
	`CREATE INDEX IF NOT EXISTS ix_request_wos_id ON request (wos_id)`,
	`CREATE INDEX IF NOT EXISTS ix_request_dimensions_id ON request (dimensions_id)`,
	`CREATE INDEX IF NOT EXISTS ix_request_nacsos_id ON request (nacsos_id)`,
	`CREATE TABLE IF NOT EXISTS queue (
		queue_id      bigserial PRIMARY KEY,
		doi           text,
		openalex_id   text,
		pubmed_id     text,
		s2_id         text,
		scopus_id     text,
		wos_id        text,
		dimensions_id text,
		nacsos_id     text,
		sources       jsonb,
		on_conflict   int NOT NULL DEFAULT 2,
		time_created  timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_queue_openalex_id ON queue (openalex_id)`,
	`CREATE INDEX IF NOT EXISTS ix_queue_doi ON queue (doi)`,
	`CREATE TABLE IF NOT EXISTS api_key (
		api_key_id   uuid PRIMARY KEY,
		owner        text,
		wrapper      text,
		api_key      text,
		proxy        text,
		active       boolean NOT NULL DEFAULT TRUE,
		last_used    timestamptz,
		api_feedback jsonb
	)`,
	`CREATE TABLE IF NOT EXISTS auth_key (
		auth_key_id uuid PRIMARY KEY,
		note        text NOT NULL,
		active      boolean NOT NULL DEFAULT TRUE,
		read        boolean NOT NULL DEFAULT FALSE,
		write       boolean NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS m2m_auth_api_key (
		api_key_id  uuid REFERENCES api_key (api_key_id),
		auth_key_id uuid REFERENCES auth_key (auth_key_id),
		PRIMARY KEY (api_key_id, auth_key_id)
	)`,
}

// EnsureSchema creates the meta-cache tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
