package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/ids"
	"github.com/nacsos/metacache/internal/models"
)

// InsertRequests persists adapter responses. Identifiers are canonicalised
// at this boundary and newly learned identifiers are written back into
// matching queue rows, healing cross-source linkage over time. Raw payloads
// are stored verbatim and never updated.
func (s *Store) InsertRequests(ctx context.Context, reqs []models.Request) error {
	if len(reqs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert requests: %w", err)
	}
	defer tx.Rollback()

	for i := range reqs {
		req := &reqs[i]
		ids.CanonicalizeReference(&req.Reference)
		if req.RecordID == uuid.Nil {
			req.RecordID = uuid.New()
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO request (record_id, wrapper, api_key_id, openalex_id, doi, pubmed_id, s2_id, scopus_id,
			                     wos_id, dimensions_id, nacsos_id, queue_id, title, abstract, solarized, raw)
			VALUES (:record_id, :wrapper, :api_key_id, :openalex_id, :doi, :pubmed_id, :s2_id, :scopus_id,
			        :wos_id, :dimensions_id, :nacsos_id, :queue_id, :title, :abstract, :solarized, :raw)`,
			req); err != nil {
			return fmt.Errorf("insert request %s: %w", req.RecordID, err)
		}
		if err := healQueueLinks(ctx, tx, req); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert requests: %w", err)
	}
	s.logger.Debug("persisted requests", zap.Int("count", len(reqs)))
	return nil
}

// healQueueLinks fills empty identifier columns of queue rows matching any
// identifier of the freshly cached request.
func healQueueLinks(ctx context.Context, tx *sqlx.Tx, req *models.Request) error {
	known := req.Reference.IDs()
	if len(known) < 2 {
		// nothing new to link when the response carries a single identifier
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE queue
		SET openalex_id   = COALESCE(openalex_id, $1),
		    doi           = COALESCE(doi, $2),
		    pubmed_id     = COALESCE(pubmed_id, $3),
		    s2_id         = COALESCE(s2_id, $4),
		    scopus_id     = COALESCE(scopus_id, $5),
		    wos_id        = COALESCE(wos_id, $6),
		    dimensions_id = COALESCE(dimensions_id, $7),
		    nacsos_id     = COALESCE(nacsos_id, $8)
		WHERE (openalex_id IS NOT NULL AND openalex_id = $1)
		   OR (doi IS NOT NULL AND doi = $2)
		   OR (pubmed_id IS NOT NULL AND pubmed_id = $3)
		   OR (s2_id IS NOT NULL AND s2_id = $4)
		   OR (scopus_id IS NOT NULL AND scopus_id = $5)
		   OR (wos_id IS NOT NULL AND wos_id = $6)
		   OR (dimensions_id IS NOT NULL AND dimensions_id = $7)
		   OR (nacsos_id IS NOT NULL AND nacsos_id = $8)`,
		req.OpenalexID, req.DOI, req.PubmedID, req.S2ID,
		req.ScopusID, req.WOSID, req.DimensionsID, req.NacsosID)
	if err != nil {
		return fmt.Errorf("heal queue links: %w", err)
	}
	return nil
}

const requestColumns = `record_id, wrapper, api_key_id, openalex_id, doi, pubmed_id, s2_id, scopus_id, wos_id, dimensions_id, nacsos_id, queue_id, title, abstract, solarized, time_created, raw`

// ReadCompleteRecords streams requests that carry both title and abstract,
// one row per openalex_id (the newest), in batches of batchSize. When
// onlyUnsolarized is set, rows already reflected into Solr are skipped. A
// non-nil fromTime restricts to rows created after it.
func (s *Store) ReadCompleteRecords(ctx context.Context, fromTime *time.Time, onlyUnsolarized bool, batchSize int, fn func([]models.Request) error) error {
	if batchSize <= 0 {
		batchSize = 200
	}
	query := `
		SELECT DISTINCT ON (openalex_id) ` + requestColumns + `
		FROM request
		WHERE openalex_id IS NOT NULL
		  AND abstract IS NOT NULL
		  AND title IS NOT NULL`
	args := []any{}
	if fromTime != nil {
		args = append(args, *fromTime)
		query += fmt.Sprintf(" AND time_created >= $%d", len(args))
	}
	if onlyUnsolarized {
		query += " AND solarized = FALSE"
	}
	query += " ORDER BY openalex_id, time_created DESC"

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("read complete records: %w", err)
	}
	defer rows.Close()

	batch := make([]models.Request, 0, batchSize)
	for rows.Next() {
		var req models.Request
		if err := rows.StructScan(&req); err != nil {
			return fmt.Errorf("read complete records: %w", err)
		}
		batch = append(batch, req)
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read complete records: %w", err)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// MarkSolarized flips solarized for every request about the given works.
// Keyed by openalex_id, not record_id, so newer requests for the same work
// are marked too and are not transferred again.
func (s *Store) MarkSolarized(ctx context.Context, openalexIDs []string) error {
	if len(openalexIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE request SET solarized = TRUE WHERE openalex_id = ANY ($1)`,
		pq.Array(openalexIDs))
	if err != nil {
		return fmt.Errorf("mark solarized: %w", err)
	}
	return nil
}
