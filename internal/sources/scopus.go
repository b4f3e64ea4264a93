package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/httpclient"
	"github.com/nacsos/metacache/internal/metrics"
	"github.com/nacsos/metacache/internal/models"
)

const (
	scopusSearchURL = "https://api.elsevier.com/content/search/scopus"
	scopusPageSize  = 25
)

// Scopus queries the Elsevier Scopus search API with an advanced query of
// EID(...) and DOI(...) terms, paged by cursor.
type Scopus struct {
	client   *httpclient.Client
	reporter UseReporter
	maxPages int
	logger   *zap.Logger

	baseURL string
}

func NewScopus(client *httpclient.Client, reporter UseReporter, maxPages int, logger *zap.Logger) *Scopus {
	return &Scopus{client: client, reporter: reporter, maxPages: maxPages, logger: logger, baseURL: scopusSearchURL}
}

func (s *Scopus) Tag() models.Source       { return models.SourceScopus }
func (s *Scopus) CanonicalIDField() string { return "scopus_id" }
func (s *Scopus) PageSizeMax() int         { return scopusPageSize }

func (s *Scopus) BuildQuery(refs []models.Reference) (string, error) {
	var parts []string
	seen := map[string]struct{}{}
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			parts = append(parts, p)
		}
	}
	for i := range refs {
		if id := refs[i].ScopusID; id != nil && *id != "" {
			add(fmt.Sprintf("EID(%s)", *id))
		}
		if doi := refs[i].DOI; doi != nil && *doi != "" {
			add(fmt.Sprintf("DOI(%s)", *doi))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: scopus needs an EID or DOI", ErrInvalidRequest)
	}
	return strings.Join(parts, " OR "), nil
}

type scopusEntry struct {
	EID         string `json:"eid"`
	Title       string `json:"dc:title"`
	Description string `json:"dc:description"`
	DOI         string `json:"prism:doi"`
	Error       string `json:"error"`
}

type scopusPage struct {
	SearchResults struct {
		TotalResults string `json:"opensearch:totalResults"`
		Cursor       struct {
			Next string `json:"@next"`
		} `json:"cursor"`
		Entries []json.RawMessage `json:"entry"`
	} `json:"search-results"`
}

func (s *Scopus) Fetch(ctx context.Context, refs []models.Reference, key models.ApiKey, emit Emit) error {
	query, err := s.BuildQuery(refs)
	if err != nil {
		return err
	}
	if key.Proxy != nil {
		if err := s.client.SwitchProxy(*key.Proxy); err != nil {
			return err
		}
	}

	cursor := "*"
	for page := 0; page < s.maxPages; page++ {
		s.logger.Debug("fetching scopus page", zap.Int("page", page))
		resp, err := s.client.Do(ctx, httpclient.Request{
			Method: http.MethodGet,
			URL:    s.baseURL,
			Params: url.Values{
				"query":  {query},
				"cursor": {cursor},
				"view":   {"COMPLETE"},
			},
			Headers: http.Header{
				"Accept":       {"application/json"},
				"X-Els-Apikey": {deref(key.Key)},
			},
		})
		if err != nil {
			return fmt.Errorf("scopus search: %w", err)
		}

		feedback := rateLimitFeedback(resp)
		if err := s.reporter.ReportUse(ctx, key, feedback); err != nil {
			s.logger.Warn("failed to log api key use", zap.Error(err))
		}

		switch {
		case resp.OK():
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return &PermanentSourceError{Source: s.Tag(), Status: resp.StatusCode, Refs: refs}
		default:
			return fmt.Errorf("scopus search returned status %d", resp.StatusCode)
		}

		var body scopusPage
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return fmt.Errorf("scopus response: %w", err)
		}
		entries := body.SearchResults.Entries
		if len(entries) == 0 || body.SearchResults.TotalResults == "0" {
			return nil
		}
		if len(entries) == 1 {
			var probe scopusEntry
			if err := json.Unmarshal(entries[0], &probe); err == nil && probe.Error != "" {
				return nil
			}
		}

		for _, raw := range entries {
			var entry scopusEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("scopus entry: %w", err)
			}
			metrics.RecordsFetched.WithLabelValues(string(s.Tag())).Inc()
			req := models.Request{
				Wrapper:  s.Tag(),
				APIKeyID: &key.APIKeyID,
				Reference: models.Reference{
					DOI:      strOrNil(entry.DOI),
					ScopusID: strOrNil(entry.EID),
				},
				Title:    strOrNil(entry.Title),
				Abstract: strOrNil(entry.Description),
				Raw:      models.RawJSON(raw),
			}
			if err := emit(req); err != nil {
				return err
			}
		}

		cursor = body.SearchResults.Cursor.Next
		if cursor == "" {
			return nil
		}
	}
	s.logger.Warn("scopus fetch hit page cap", zap.Int("max_pages", s.maxPages))
	return nil
}

// rateLimitFeedback lifts the provider quota headers into key feedback.
func rateLimitFeedback(resp *httpclient.Response) models.JSONB {
	fb := models.JSONB{}
	for name, field := range map[string]string{
		"X-Ratelimit-Limit":     "limit",
		"X-Ratelimit-Remaining": "remaining",
		"X-Ratelimit-Reset":     "reset",
	} {
		if v := resp.Header.Get(name); v != "" {
			fb[field] = v
		}
	}
	if len(fb) == 0 {
		return nil
	}
	return fb
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
