// Package ingest pulls the daily created/updated delta from the OpenAlex
// works API, posts translated documents to Solr under the abstract-preserving
// merge rules, and seeds the meta-cache queue with works missing abstracts.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/metrics"
	"github.com/nacsos/metacache/internal/models"
	"github.com/nacsos/metacache/internal/openalex"
	"github.com/nacsos/metacache/internal/solr"
)

// QueueStore is the slice of the meta-cache the ingestor needs.
type QueueStore interface {
	QueueRequests(ctx context.Context, entries []models.QueueEntry) error
}

// SolrWriter is the slice of the Solr client the ingestor needs.
type SolrWriter interface {
	ExistingAbstracts(ctx context.Context, ids []string) (map[string]solr.ExistingDoc, error)
	PostDocuments(ctx context.Context, docs []map[string]any) error
}

// WorkSource streams works matching an OpenAlex filter expression.
type WorkSource interface {
	Works(ctx context.Context, filter string, fn func(openalex.Work) error) error
}

// Ingestor runs the per-day delta pull.
type Ingestor struct {
	oa         WorkSource
	solr       SolrWriter
	store      QueueStore
	bufferSize int
	logger     *zap.Logger

	now func() time.Time
}

// New wires an ingestor. bufferSize bounds each Solr POST.
func New(oa WorkSource, sw SolrWriter, store QueueStore, bufferSize int, logger *zap.Logger) *Ingestor {
	if bufferSize <= 0 {
		bufferSize = 200
	}
	return &Ingestor{oa: oa, solr: sw, store: store, bufferSize: bufferSize, logger: logger, now: time.Now}
}

// Day ingests every work created or updated on date.
func (i *Ingestor) Day(ctx context.Context, date time.Time) error {
	day := date.Format("2006-01-02")
	for _, fltr := range []string{"created", "updated"} {
		filter := fmt.Sprintf("from_%s_date:%s,to_%s_date:%s", fltr, day, fltr, day)
		i.logger.Info("pulling openalex delta", zap.String("filter", filter))

		batch := make([]openalex.Work, 0, i.bufferSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := i.ingestBatch(ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
			return nil
		}

		err := i.oa.Works(ctx, filter, func(work openalex.Work) error {
			batch = append(batch, work)
			if len(batch) == i.bufferSize {
				return flush()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := flush(); err != nil {
			return err
		}
	}
	i.logger.Info("solr collection is up to date", zap.String("date", day))
	return nil
}

// Bulk ingests every day in [from, to].
func (i *Ingestor) Bulk(ctx context.Context, from, to time.Time) error {
	if from.After(to) {
		return fmt.Errorf("from %s is after to %s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	for date := from; !date.After(to); date = date.AddDate(0, 0, 1) {
		i.logger.Info("pulling day", zap.String("date", date.Format("2006-01-02")))
		if err := i.Day(ctx, date); err != nil {
			return err
		}
	}
	return nil
}

// ingestBatch translates one buffer of works, applies the merge rules
// against the current Solr state, posts the documents, and queues works
// with a DOI but no abstract.
func (i *Ingestor) ingestBatch(ctx context.Context, works []openalex.Work) error {
	docs := make([]map[string]any, 0, len(works))
	idList := make([]string, 0, len(works))
	for _, work := range works {
		doc := TranslateWork(work)
		docs = append(docs, doc)
		idList = append(idList, doc["id"].(string))
	}

	existing, err := i.solr.ExistingAbstracts(ctx, idList)
	if err != nil {
		return err
	}

	timestamp := i.now().UTC().Format("2006-01-02T15:04:05Z")
	for _, doc := range docs {
		prior, ok := existing[doc["id"].(string)]
		if !ok {
			continue
		}
		newAbstract, _ := doc["abstract"].(*string)
		if newAbstract == nil && prior.Abstract != "" {
			// A work that already has an abstract never loses it to an
			// OpenAlex regression; only the provenance is re-stamped.
			abs := prior.Abstract
			doc["abstract"] = &abs
			if title, _ := doc["title"].(*string); title != nil {
				ta := *title + " " + abs
				doc["title_abstract"] = &ta
			} else {
				doc["title_abstract"] = &abs
			}
			if prior.AbstractSource == "OpenAlex" {
				doc["abstract_source"] = "OpenAlex_old"
			} else {
				doc["abstract_source"] = prior.AbstractSource
			}
		} else if newAbstract != nil && *newAbstract != prior.Abstract {
			doc["abstract_date"] = timestamp
		}
	}

	if err := i.solr.PostDocuments(ctx, docs); err != nil {
		return err
	}

	var queue []models.QueueEntry
	for _, doc := range docs {
		abstract, _ := doc["abstract"].(*string)
		doi, _ := doc["doi"].(*string)
		if abstract != nil || doi == nil {
			continue
		}
		entry := models.QueueEntry{
			Reference: models.Reference{
				OpenalexID: strPtr(doc["id"].(string)),
				DOI:        doi,
			},
			OnConflict: models.ConflictDoNothing,
		}
		if pmid, _ := doc["pmid"].(*string); pmid != nil {
			entry.PubmedID = pmid
		}
		queue = append(queue, entry)
	}
	if len(queue) > 0 {
		if err := i.store.QueueRequests(ctx, queue); err != nil {
			return err
		}
		metrics.QueueSeeded.WithLabelValues("ingest").Add(float64(len(queue)))
		i.logger.Debug("queued works without abstract", zap.Int("count", len(queue)))
	}
	return nil
}

func strPtr(s string) *string { return &s }
