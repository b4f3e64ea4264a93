// Package solr talks to the OpenAlex Solr collection: gap queries for works
// without abstracts, atomic partial updates for recovered abstracts, and
// full-document posts during daily ingestion.
package solr

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/config"
	"github.com/nacsos/metacache/internal/httpclient"
	"github.com/nacsos/metacache/internal/metrics"
)

// Client wraps one Solr collection.
type Client struct {
	http      *httpclient.Client
	selectURL string
	updateURL string
	logger    *zap.Logger
}

// New builds a client from the Solr section of the settings.
func New(cfg config.SolrConfig, logger *zap.Logger) (*Client, error) {
	hc, err := httpclient.New(httpclient.Config{
		Source:  "solr",
		MaxRPS:  50,
		Timeout: cfg.Timeout,
	}, logger.Named("solr"))
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(cfg.BaseURL, "/") + "/solr/" + cfg.Collection
	return &Client{
		http:      hc,
		selectURL: base + "/select",
		updateURL: base + "/update/json",
		logger:    logger,
	}, nil
}

type selectResponse struct {
	Response struct {
		NumFound int               `json:"numFound"`
		Docs     []json.RawMessage `json:"docs"`
	} `json:"response"`
	NextCursorMark string `json:"nextCursorMark"`
}

func (c *Client) query(ctx context.Context, params url.Values) (*selectResponse, error) {
	resp, err := c.http.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		URL:    c.selectURL,
		Params: params,
	})
	if err != nil {
		return nil, fmt.Errorf("solr select: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("solr select returned status %d", resp.StatusCode)
	}
	var body selectResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("solr select response: %w", err)
	}
	return &body, nil
}

func (c *Client) post(ctx context.Context, lines [][]byte, commit bool) error {
	u := c.updateURL
	if commit {
		u += "?commit=true"
	}
	resp, err := c.http.Do(ctx, httpclient.Request{
		Method:  http.MethodPost,
		URL:     u,
		Headers: http.Header{"Content-Type": {"application/json"}},
		Body:    append(joinLines(lines), '\n'),
	})
	if err != nil {
		return fmt.Errorf("solr update: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("solr update returned status %d: %s", resp.StatusCode, truncate(resp.Body))
	}
	return nil
}

func joinLines(lines [][]byte) []byte {
	var out []byte
	for i, line := range lines {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, line...)
	}
	return out
}

func truncate(b []byte) string {
	if len(b) > 512 {
		return string(b[:512]) + "..."
	}
	return string(b)
}

func idFilter(ids []string) string {
	return "id:(" + strings.Join(ids, " OR ") + ")"
}

// MissingAbstractIDs returns which of the given works still lack an abstract.
func (c *Client) MissingAbstractIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	if len(ids) == 0 {
		return map[string]struct{}{}, nil
	}
	body, err := c.query(ctx, url.Values{
		"q":       {"-abstract:*"},
		"fq":      {idFilter(ids)},
		"fl":      {"id"},
		"q.op":    {"AND"},
		"rows":    {strconv.Itoa(len(ids))},
		"defType": {"lucene"},
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(body.Response.Docs))
	for _, raw := range body.Response.Docs {
		var doc struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("solr doc: %w", err)
		}
		out[doc.ID] = struct{}{}
	}
	return out, nil
}

// GapWork is one work missing an abstract, as enumerated by gap detection.
type GapWork struct {
	OpenalexID string `json:"id"`
	DOI        string `json:"doi"`
	PubmedID   string `json:"id_pmid"`
}

// MissingAbstractsWindow streams works without an abstract whose created or
// updated date falls inside [since, until], capped at limit, using cursor
// pagination.
func (c *Client) MissingAbstractsWindow(ctx context.Context, since, until time.Time, limit int, fn func(GapWork) error) error {
	q := fmt.Sprintf(
		"-abstract:* AND (created_date:[%s TO %s] OR updated_date:[%s TO %s])",
		since.UTC().Format("2006-01-02T15:04:05Z"), until.UTC().Format("2006-01-02T15:04:05Z"),
		since.UTC().Format("2006-01-02T15:04:05Z"), until.UTC().Format("2006-01-02T15:04:05Z"),
	)
	return c.cursorScan(ctx, q, limit, fn)
}

// MissingAbstractsByID streams the subset of the given works without an
// abstract, capped at limit.
func (c *Client) MissingAbstractsByID(ctx context.Context, ids []string, limit int, fn func(GapWork) error) error {
	if len(ids) == 0 {
		return nil
	}
	return c.cursorScan(ctx, "-abstract:* AND "+idFilter(ids), limit, fn)
}

func (c *Client) cursorScan(ctx context.Context, q string, limit int, fn func(GapWork) error) error {
	cursor := "*"
	seen := 0
	rows := 500
	if limit < rows {
		rows = limit
	}
	for {
		body, err := c.query(ctx, url.Values{
			"q":          {q},
			"fl":         {"id,doi,id_pmid"},
			"q.op":       {"AND"},
			"defType":    {"lucene"},
			"rows":       {strconv.Itoa(rows)},
			"sort":       {"id asc"},
			"cursorMark": {cursor},
		})
		if err != nil {
			return err
		}
		if len(body.Response.Docs) == 0 {
			return nil
		}
		for _, raw := range body.Response.Docs {
			var work GapWork
			if err := json.Unmarshal(raw, &work); err != nil {
				return fmt.Errorf("solr doc: %w", err)
			}
			if err := fn(work); err != nil {
				return err
			}
			seen++
			if seen >= limit {
				return nil
			}
		}
		if body.NextCursorMark == "" || body.NextCursorMark == cursor {
			return nil
		}
		cursor = body.NextCursorMark
	}
}

// AbstractUpdate is one recovered abstract to merge into a Solr document.
type AbstractUpdate struct {
	OpenalexID string
	Title      string
	Abstract   string
	Source     string
}

// WriteAbstracts applies atomic partial updates for the recovered abstracts,
// stamping provenance and date. Callers pre-filter against
// MissingAbstractIDs unless forcing.
func (c *Client) WriteAbstracts(ctx context.Context, updates []AbstractUpdate, now time.Time) error {
	if len(updates) == 0 {
		return nil
	}
	timestamp := now.UTC().Format("2006-01-02T15:04:05Z")
	lines := make([][]byte, 0, len(updates))
	for _, u := range updates {
		doc := map[string]any{
			"id":              u.OpenalexID,
			"title":           map[string]any{"set": u.Title},
			"abstract":        map[string]any{"set": u.Abstract},
			"title_abstract":  map[string]any{"set": u.Title + " " + u.Abstract},
			"abstract_source": map[string]any{"set": u.Source},
			"abstract_date":   map[string]any{"set": timestamp},
		}
		line, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	if err := c.post(ctx, lines, true); err != nil {
		return err
	}
	metrics.SolrUpdates.WithLabelValues("abstract").Add(float64(len(updates)))
	return nil
}

// ExistingDoc is the abstract state of a work already in Solr.
type ExistingDoc struct {
	ID             string `json:"id"`
	Abstract       string `json:"abstract"`
	AbstractSource string `json:"abstract_source"`
}

// ExistingAbstracts returns, for the given works, those that currently carry
// an abstract together with its provenance.
func (c *Client) ExistingAbstracts(ctx context.Context, ids []string) (map[string]ExistingDoc, error) {
	if len(ids) == 0 {
		return map[string]ExistingDoc{}, nil
	}
	body, err := c.query(ctx, url.Values{
		"q":       {"abstract:*"},
		"fq":      {idFilter(ids)},
		"fl":      {"id,abstract,abstract_source"},
		"rows":    {strconv.Itoa(len(ids))},
		"defType": {"lucene"},
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]ExistingDoc, len(body.Response.Docs))
	for _, raw := range body.Response.Docs {
		var doc ExistingDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("solr doc: %w", err)
		}
		out[doc.ID] = doc
	}
	return out, nil
}

// PostDocuments writes full documents, as produced by the daily ingestor.
func (c *Client) PostDocuments(ctx context.Context, docs []map[string]any) error {
	if len(docs) == 0 {
		return nil
	}
	lines := make([][]byte, 0, len(docs))
	for _, doc := range docs {
		line, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	if err := c.post(ctx, lines, true); err != nil {
		return err
	}
	metrics.SolrUpdates.WithLabelValues("document").Add(float64(len(docs)))
	return nil
}
