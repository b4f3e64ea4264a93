package sources

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/httpclient"
	"github.com/nacsos/metacache/internal/metrics"
	"github.com/nacsos/metacache/internal/models"
)

const (
	dimensionsDSLURL  = "https://app.dimensions.ai/api/dsl/v2"
	dimensionsAuthURL = "https://app.dimensions.ai/api/auth.json"
	dimensionsPage    = 1000
)

// dimensionsFields are the publication fields requested from the DSL.
var dimensionsFields = []string{
	"title", "type", "abstract", "authors_count", "date",
	"year", "authors", "journal",
	"document_type", "doi", "id",
	"publisher",
	"research_org_country_names", "research_org_names",
	"researchers", "times_cited",
	"editors", "supporting_grant_ids", "book_doi", "book_title", "subtitles",
	"book_series_title", "proceedings_title",
}

// Dimensions speaks the Dimensions DSL, paged by limit/skip. The API expires
// its JWT regularly; a 401 status handler exchanges the account key for a
// fresh token mid-flight and the refreshed token is stored in the key's
// feedback so sibling workers reuse it.
type Dimensions struct {
	client   *httpclient.Client
	reporter UseReporter
	maxPages int
	logger   *zap.Logger

	dslURL  string
	authURL string
}

func NewDimensions(client *httpclient.Client, reporter UseReporter, maxPages int, logger *zap.Logger) *Dimensions {
	return &Dimensions{
		client:   client,
		reporter: reporter,
		maxPages: maxPages,
		logger:   logger,
		dslURL:   dimensionsDSLURL,
		authURL:  dimensionsAuthURL,
	}
}

func (d *Dimensions) Tag() models.Source       { return models.SourceDimensions }
func (d *Dimensions) CanonicalIDField() string { return "dimensions_id" }
func (d *Dimensions) PageSizeMax() int         { return dimensionsPage }

func (d *Dimensions) BuildQuery(refs []models.Reference) (string, error) {
	var dois, dids, pmids []string
	seenDOI, seenDID, seenPMID := map[string]struct{}{}, map[string]struct{}{}, map[string]struct{}{}
	for i := range refs {
		if doi := refs[i].DOI; doi != nil && *doi != "" {
			if _, ok := seenDOI[*doi]; !ok {
				seenDOI[*doi] = struct{}{}
				dois = append(dois, fmt.Sprintf("%q", *doi))
			}
		}
		if id := refs[i].DimensionsID; id != nil && *id != "" {
			if _, ok := seenDID[*id]; !ok {
				seenDID[*id] = struct{}{}
				dids = append(dids, fmt.Sprintf("%q", *id))
			}
		}
		if pmid := refs[i].PubmedID; pmid != nil && *pmid != "" {
			if _, ok := seenPMID[*pmid]; !ok {
				seenPMID[*pmid] = struct{}{}
				pmids = append(pmids, fmt.Sprintf("%q", *pmid))
			}
		}
	}

	var where []string
	if len(dois) > 0 {
		where = append(where, fmt.Sprintf("doi in [%s]", strings.Join(dois, ",")))
	}
	if len(dids) > 0 {
		where = append(where, fmt.Sprintf("id in [%s]", strings.Join(dids, ",")))
	}
	if len(pmids) > 0 {
		where = append(where, fmt.Sprintf("pmid in [%s]", strings.Join(pmids, ",")))
	}
	if len(where) == 0 {
		return "", fmt.Errorf("%w: dimensions needs a DOI, id or pmid", ErrInvalidRequest)
	}

	return fmt.Sprintf("search publications where %s return publications[%s]",
		strings.Join(where, " or "), strings.Join(dimensionsFields, "+")), nil
}

type dimensionsPublication struct {
	ID       string `json:"id"`
	DOI      string `json:"doi"`
	PMID     string `json:"pmid"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
}

type dimensionsPageBody struct {
	Stats struct {
		TotalCount int `json:"total_count"`
	} `json:"_stats"`
	Publications []json.RawMessage `json:"publications"`
}

// token returns the cached JWT from the key feedback, discarding it when
// already expired.
func (d *Dimensions) token(key models.ApiKey) string {
	tok, _ := key.APIFeedback["jwt"].(string)
	if tok == "" {
		return ""
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(tok, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return tok
	}
	if time.Until(exp.Time) < time.Minute {
		return ""
	}
	return tok
}

// refresh exchanges the account key for a fresh JWT.
func (d *Dimensions) refresh(ctx context.Context, key *models.ApiKey) (string, error) {
	d.logger.Debug("fetching dimensions jwt")
	resp, err := d.client.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    d.authURL,
		JSON:   map[string]string{"key": deref(key.Key)},
	})
	if err != nil {
		return "", fmt.Errorf("dimensions auth: %w", err)
	}
	if !resp.OK() {
		return "", fmt.Errorf("dimensions auth returned status %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", fmt.Errorf("dimensions auth response: %w", err)
	}
	if key.APIFeedback == nil {
		key.APIFeedback = models.JSONB{}
	}
	key.APIFeedback["jwt"] = body.Token
	if err := d.reporter.ReportUse(ctx, *key, key.APIFeedback); err != nil {
		d.logger.Warn("failed to persist refreshed jwt", zap.Error(err))
	}
	return body.Token, nil
}

func (d *Dimensions) Fetch(ctx context.Context, refs []models.Reference, key models.ApiKey, emit Emit) error {
	query, err := d.BuildQuery(refs)
	if err != nil {
		return err
	}
	if key.Proxy != nil {
		if err := d.client.SwitchProxy(*key.Proxy); err != nil {
			return err
		}
	}

	token := d.token(key)
	if token == "" {
		if token, err = d.refresh(ctx, &key); err != nil {
			return err
		}
	}

	d.client.OnStatus(http.StatusUnauthorized, func(_ *httpclient.Response) (httpclient.Delta, error) {
		fresh, err := d.refresh(ctx, &key)
		if err != nil {
			return httpclient.Delta{}, err
		}
		token = fresh
		return httpclient.Delta{
			Headers: http.Header{"Authorization": {"JWT " + fresh}},
		}, nil
	})

	nRecords := 0
	for page := 0; page < d.maxPages; page++ {
		d.logger.Debug("fetching dimensions page", zap.Int("page", page))
		resp, err := d.client.Do(ctx, httpclient.Request{
			Method: http.MethodPost,
			URL:    d.dslURL,
			Body:   []byte(fmt.Sprintf("%s limit %d skip %d", query, dimensionsPage, page*dimensionsPage)),
			Headers: http.Header{
				"Accept":        {"application/json"},
				"Authorization": {"JWT " + token},
			},
		})
		if err != nil {
			return fmt.Errorf("dimensions dsl: %w", err)
		}
		if err := d.reporter.ReportUse(ctx, key, key.APIFeedback); err != nil {
			d.logger.Warn("failed to log api key use", zap.Error(err))
		}

		switch {
		case resp.OK():
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return &PermanentSourceError{Source: d.Tag(), Status: resp.StatusCode, Refs: refs}
		default:
			return fmt.Errorf("dimensions dsl returned status %d", resp.StatusCode)
		}

		var body dimensionsPageBody
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return fmt.Errorf("dimensions response: %w", err)
		}
		if len(body.Publications) == 0 || body.Stats.TotalCount == 0 {
			return nil
		}

		for _, raw := range body.Publications {
			var pub dimensionsPublication
			if err := json.Unmarshal(raw, &pub); err != nil {
				return fmt.Errorf("dimensions publication: %w", err)
			}
			nRecords++
			metrics.RecordsFetched.WithLabelValues(string(d.Tag())).Inc()
			req := models.Request{
				Wrapper:  d.Tag(),
				APIKeyID: &key.APIKeyID,
				Reference: models.Reference{
					DOI:          strOrNil(pub.DOI),
					DimensionsID: strOrNil(pub.ID),
					PubmedID:     strOrNil(pub.PMID),
				},
				Title:    strOrNil(pub.Title),
				Abstract: strOrNil(pub.Abstract),
				Raw:      models.RawJSON(raw),
			}
			if err := emit(req); err != nil {
				return err
			}
		}
		if nRecords >= body.Stats.TotalCount {
			return nil
		}
	}
	d.logger.Warn("dimensions fetch hit page cap", zap.Int("max_pages", d.maxPages))
	return nil
}
