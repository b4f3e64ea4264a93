package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/ids"
	"github.com/nacsos/metacache/internal/models"
)

// QueueRequests bulk-inserts pending lookups. Identifier values are
// canonicalised at this boundary; the order of each entry's sources list is
// preserved.
func (s *Store) QueueRequests(ctx context.Context, entries []models.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for i := range entries {
		ids.CanonicalizeReference(&entries[i].Reference)
		if entries[i].OnConflict == 0 {
			entries[i].OnConflict = models.ConflictDoNothing
		}
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO queue (doi, openalex_id, pubmed_id, s2_id, scopus_id, wos_id, dimensions_id, nacsos_id, sources, on_conflict)
		VALUES (:doi, :openalex_id, :pubmed_id, :s2_id, :scopus_id, :wos_id, :dimensions_id, :nacsos_id, :sources, :on_conflict)`,
		entries)
	if err != nil {
		return fmt.Errorf("queue requests: %w", err)
	}
	s.logger.Debug("queued entries", zap.Int("count", len(entries)))
	return nil
}

// UpdateDefaultSources assigns the default ordered source list to every
// queue entry inserted with sources=null.
func (s *Store) UpdateDefaultSources(ctx context.Context) error {
	defaults, err := models.DefaultSources().MarshalJSON()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE queue SET sources = $1::jsonb WHERE sources IS NULL`, string(defaults))
	if err != nil {
		return fmt.Errorf("update default sources: %w", err)
	}
	return nil
}

const queueColumns = `queue_id, doi, openalex_id, pubmed_id, s2_id, scopus_id, wos_id, dimensions_id, nacsos_id, sources, on_conflict, time_created`

// GetQueuedForSource returns up to limit entries whose head source equals
// source.
func (s *Store) GetQueuedForSource(ctx context.Context, source models.Source, limit int) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+queueColumns+`
		FROM queue
		WHERE sources IS NOT NULL
		  AND sources -> 0 ->> 0 = $1
		LIMIT $2`, string(source), limit)
	if err != nil {
		return nil, fmt.Errorf("get queued for %s: %w", source, err)
	}
	return out, nil
}

// GetQueuedRequestedForSource returns head-matching entries augmented with
// aggregate counts from the request table, joined on any identifier
// equality. Duplicate matches inflate the counts; they drive a policy, not
// correctness.
func (s *Store) GetQueuedRequestedForSource(ctx context.Context, source models.Source, limit int) ([]models.QueueStats, error) {
	var out []models.QueueStats
	err := s.db.SelectContext(ctx, &out, `
		SELECT q.sources -> 0 ->> 0                                                          AS source,
		       (q.sources -> 0 ->> 1)::int                                                   AS priority,
		       count(1) FILTER (WHERE r.record_id IS NOT NULL)                               AS num_has_request,
		       count(1) FILTER (WHERE r.abstract IS NOT NULL)                                AS num_has_abstract,
		       count(1) FILTER (WHERE r.title IS NOT NULL)                                   AS num_has_title,
		       count(1) FILTER (WHERE r.raw IS NOT NULL)                                     AS num_has_raw,
		       count(1) FILTER (WHERE r.record_id IS NOT NULL AND r.wrapper = $1)            AS num_has_source_request,
		       count(1) FILTER (WHERE r.abstract IS NOT NULL AND r.wrapper = $1)             AS num_has_source_abstract,
		       count(1) FILTER (WHERE r.title IS NOT NULL AND r.wrapper = $1)                AS num_has_source_title,
		       count(1) FILTER (WHERE r.raw IS NOT NULL AND r.wrapper = $1)                  AS num_has_source_raw,
		       q.queue_id,
		       q.doi,
		       q.openalex_id,
		       q.pubmed_id,
		       q.s2_id,
		       q.scopus_id,
		       q.wos_id,
		       q.dimensions_id,
		       q.nacsos_id,
		       q.sources,
		       q.on_conflict,
		       q.time_created
		FROM queue q
		     LEFT OUTER JOIN request r ON
		        (q.doi IS NOT NULL AND q.doi = r.doi)
		     OR (q.openalex_id IS NOT NULL AND q.openalex_id = r.openalex_id)
		     OR (q.pubmed_id IS NOT NULL AND q.pubmed_id = r.pubmed_id)
		     OR (q.s2_id IS NOT NULL AND q.s2_id = r.s2_id)
		     OR (q.scopus_id IS NOT NULL AND q.scopus_id = r.scopus_id)
		     OR (q.wos_id IS NOT NULL AND q.wos_id = r.wos_id)
		     OR (q.dimensions_id IS NOT NULL AND q.dimensions_id = r.dimensions_id)
		     OR (q.nacsos_id IS NOT NULL AND q.nacsos_id = r.nacsos_id)
		WHERE q.sources IS NOT NULL
		  AND q.sources -> 0 ->> 0 = $1
		GROUP BY q.queue_id, q.doi, q.openalex_id, q.pubmed_id, q.s2_id, q.scopus_id, q.wos_id,
		         q.dimensions_id, q.nacsos_id, q.sources, q.on_conflict, q.time_created
		LIMIT $2`, string(source), limit)
	if err != nil {
		return nil, fmt.Errorf("get queued+requested for %s: %w", source, err)
	}
	return out, nil
}

// DropSourceFromQueued removes source from each listed entry's sources.
func (s *Store) DropSourceFromQueued(ctx context.Context, source models.Source, queueIDs []int64) error {
	if len(queueIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue
		SET sources = jsonb_path_query_array(sources, '$[*] ? (@[0] != $tag)', jsonb_build_object('tag', $1::text))
		WHERE sources IS NOT NULL
		  AND queue_id = ANY ($2)`, string(source), pq.Array(queueIDs))
	if err != nil {
		return fmt.Errorf("drop source %s from queued: %w", source, err)
	}
	return nil
}

// DropUnforcedSourcesFromQueued retains only FORCE-priority sources for the
// listed entries; used once an abstract has been found elsewhere.
func (s *Store) DropUnforcedSourcesFromQueued(ctx context.Context, queueIDs []int64) error {
	if len(queueIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue
		SET sources = jsonb_path_query_array(sources, '$[*] ? (@[1] == 1)')
		WHERE sources IS NOT NULL
		  AND queue_id = ANY ($1)`, pq.Array(queueIDs))
	if err != nil {
		return fmt.Errorf("drop unforced sources from queued: %w", err)
	}
	return nil
}

// DropFinishedFromQueue deletes entries whose sources list has emptied.
func (s *Store) DropFinishedFromQueue(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE sources = '[]'::jsonb`)
	if err != nil {
		return fmt.Errorf("drop finished from queue: %w", err)
	}
	return nil
}

// KnownOpenalexIDs returns the subset of ids that already appear in the
// queue or on a successful request. Matching uses openalex_id only: a prior
// DOI-only entry may still benefit from OpenAlex linkage.
func (s *Store) KnownOpenalexIDs(ctx context.Context, openalexIDs []string) (map[string]struct{}, error) {
	if len(openalexIDs) == 0 {
		return map[string]struct{}{}, nil
	}
	var known []string
	err := s.db.SelectContext(ctx, &known, `
		SELECT openalex_id
		FROM request
		WHERE openalex_id = ANY ($1)
		  AND abstract IS NOT NULL
		UNION
		SELECT openalex_id
		FROM queue
		WHERE openalex_id = ANY ($1)`, pq.Array(openalexIDs))
	if err != nil {
		return nil, fmt.Errorf("known openalex ids: %w", err)
	}
	out := make(map[string]struct{}, len(known))
	for _, id := range known {
		out[id] = struct{}{}
	}
	return out, nil
}
