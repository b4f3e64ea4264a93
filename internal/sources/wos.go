package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/httpclient"
	"github.com/nacsos/metacache/internal/metrics"
	"github.com/nacsos/metacache/internal/models"
)

const (
	wosDocumentsURL = "https://api.clarivate.com/apis/wos-starter/v1/documents"
	wosPageSize     = 50
)

// WOS queries the Web of Science starter API with a DO/PMID/UT advanced
// query, paged by cursor, authenticated via the X-ApiKey header.
type WOS struct {
	client   *httpclient.Client
	reporter UseReporter
	maxPages int
	logger   *zap.Logger

	baseURL string
}

func NewWOS(client *httpclient.Client, reporter UseReporter, maxPages int, logger *zap.Logger) *WOS {
	return &WOS{client: client, reporter: reporter, maxPages: maxPages, logger: logger, baseURL: wosDocumentsURL}
}

func (w *WOS) Tag() models.Source       { return models.SourceWOS }
func (w *WOS) CanonicalIDField() string { return "wos_id" }
func (w *WOS) PageSizeMax() int         { return wosPageSize }

func (w *WOS) BuildQuery(refs []models.Reference) (string, error) {
	collect := func(pick func(*models.Reference) *string) []string {
		var out []string
		seen := map[string]struct{}{}
		for i := range refs {
			if v := pick(&refs[i]); v != nil && *v != "" {
				if _, ok := seen[*v]; !ok {
					seen[*v] = struct{}{}
					out = append(out, *v)
				}
			}
		}
		return out
	}

	dois := collect(func(r *models.Reference) *string { return r.DOI })
	pmids := collect(func(r *models.Reference) *string { return r.PubmedID })
	uts := collect(func(r *models.Reference) *string { return r.WOSID })

	var parts []string
	if len(dois) > 0 {
		parts = append(parts, fmt.Sprintf("DO=(%s)", strings.Join(dois, " ")))
	}
	if len(pmids) > 0 {
		parts = append(parts, fmt.Sprintf("PMID=(%s)", strings.Join(pmids, " ")))
	}
	if len(uts) > 0 {
		parts = append(parts, fmt.Sprintf("UT=(%s)", strings.Join(uts, " ")))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: wos needs a DOI, PMID or UT", ErrInvalidRequest)
	}
	return strings.Join(parts, " OR "), nil
}

type wosHit struct {
	UID         string `json:"uid"`
	Title       string `json:"title"`
	Abstract    string `json:"abstract"`
	Identifiers struct {
		DOI  string `json:"doi"`
		PMID string `json:"pmid"`
	} `json:"identifiers"`
}

type wosPage struct {
	Metadata struct {
		Total      int    `json:"total"`
		NextCursor string `json:"next_cursor"`
	} `json:"metadata"`
	Hits []json.RawMessage `json:"hits"`
}

func (w *WOS) Fetch(ctx context.Context, refs []models.Reference, key models.ApiKey, emit Emit) error {
	query, err := w.BuildQuery(refs)
	if err != nil {
		return err
	}
	if key.Proxy != nil {
		if err := w.client.SwitchProxy(*key.Proxy); err != nil {
			return err
		}
	}

	cursor := "*"
	nRecords := 0
	for page := 0; page < w.maxPages; page++ {
		w.logger.Debug("fetching wos page", zap.Int("page", page))
		resp, err := w.client.Do(ctx, httpclient.Request{
			Method: http.MethodGet,
			URL:    w.baseURL,
			Params: url.Values{
				"q":      {query},
				"cursor": {cursor},
				"limit":  {strconv.Itoa(wosPageSize)},
			},
			Headers: http.Header{
				"Accept":   {"application/json"},
				"X-Apikey": {deref(key.Key)},
			},
		})
		if err != nil {
			return fmt.Errorf("wos documents: %w", err)
		}

		if fb := rateLimitFeedback(resp); fb != nil {
			if err := w.reporter.ReportUse(ctx, key, fb); err != nil {
				w.logger.Warn("failed to log api key use", zap.Error(err))
			}
		}

		switch {
		case resp.OK():
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return &PermanentSourceError{Source: w.Tag(), Status: resp.StatusCode, Refs: refs}
		default:
			return fmt.Errorf("wos documents returned status %d", resp.StatusCode)
		}

		var body wosPage
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return fmt.Errorf("wos response: %w", err)
		}
		if len(body.Hits) == 0 || body.Metadata.Total == 0 {
			return nil
		}

		for _, raw := range body.Hits {
			var hit wosHit
			if err := json.Unmarshal(raw, &hit); err != nil {
				return fmt.Errorf("wos hit: %w", err)
			}
			nRecords++
			metrics.RecordsFetched.WithLabelValues(string(w.Tag())).Inc()
			req := models.Request{
				Wrapper:  w.Tag(),
				APIKeyID: &key.APIKeyID,
				Reference: models.Reference{
					DOI:      strOrNil(hit.Identifiers.DOI),
					PubmedID: strOrNil(hit.Identifiers.PMID),
					WOSID:    strOrNil(hit.UID),
				},
				Title:    strOrNil(hit.Title),
				Abstract: strOrNil(hit.Abstract),
				Raw:      models.RawJSON(raw),
			}
			if err := emit(req); err != nil {
				return err
			}
		}

		cursor = body.Metadata.NextCursor
		if cursor == "" || nRecords >= body.Metadata.Total {
			return nil
		}
	}
	w.logger.Warn("wos fetch hit page cap", zap.Int("max_pages", w.maxPages))
	return nil
}
