package sources

import (
	"context"
	"encoding/xml"
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
	pubmedSearchURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/esearch.fcgi"
	pubmedFetchURL  = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/efetch.fcgi"
	pubmedBatch     = 10
)

// Pubmed uses the two-step eutils flow: esearch with a history session, then
// efetch against the returned WebEnv/QueryKey. Terms are batched at most ten
// at a time; responses are PubMed XML.
type Pubmed struct {
	client   *httpclient.Client
	reporter UseReporter
	maxPages int
	logger   *zap.Logger

	searchURL string
	fetchURL  string
}

func NewPubmed(client *httpclient.Client, reporter UseReporter, maxPages int, logger *zap.Logger) *Pubmed {
	return &Pubmed{
		client:    client,
		reporter:  reporter,
		maxPages:  maxPages,
		logger:    logger,
		searchURL: pubmedSearchURL,
		fetchURL:  pubmedFetchURL,
	}
}

func (p *Pubmed) Tag() models.Source       { return models.SourcePubmed }
func (p *Pubmed) CanonicalIDField() string { return "pubmed_id" }
func (p *Pubmed) PageSizeMax() int         { return pubmedBatch }

func (p *Pubmed) BuildQuery(refs []models.Reference) (string, error) {
	terms, err := p.terms(refs)
	if err != nil {
		return "", err
	}
	return strings.Join(terms, " OR "), nil
}

func (p *Pubmed) terms(refs []models.Reference) ([]string, error) {
	var parts []string
	seen := map[string]struct{}{}
	add := func(t string) {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			parts = append(parts, t)
		}
	}
	for i := range refs {
		if pmid := refs[i].PubmedID; pmid != nil && *pmid != "" {
			add(fmt.Sprintf("%s[PMID]", *pmid))
		}
		if doi := refs[i].DOI; doi != nil && *doi != "" {
			add(fmt.Sprintf("%q[DOI]", *doi))
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: pubmed needs a PMID or DOI", ErrInvalidRequest)
	}
	return parts, nil
}

type pubmedSearchResult struct {
	WebEnv   string `xml:"WebEnv"`
	QueryKey string `xml:"QueryKey"`
}

type pubmedArticleID struct {
	Type  string `xml:"IdType,attr"`
	Value string `xml:",chardata"`
}

type pubmedArticle struct {
	Inner []byte `xml:",innerxml"`

	PMID          string            `xml:"MedlineCitation>PMID"`
	Title         string            `xml:"MedlineCitation>Article>ArticleTitle"`
	AbstractParts []string          `xml:"MedlineCitation>Article>Abstract>AbstractText"`
	ArticleIDs    []pubmedArticleID `xml:"PubmedData>ArticleIdList>ArticleId"`
}

type pubmedArticleSet struct {
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

func (a *pubmedArticle) doi() string {
	for _, id := range a.ArticleIDs {
		if id.Type == "doi" {
			return id.Value
		}
	}
	return ""
}

func (a *pubmedArticle) abstract() string {
	return strings.Join(a.AbstractParts, "\n\n")
}

func (p *Pubmed) Fetch(ctx context.Context, refs []models.Reference, key models.ApiKey, emit Emit) error {
	terms, err := p.terms(refs)
	if err != nil {
		return err
	}
	if key.Proxy != nil {
		if err := p.client.SwitchProxy(*key.Proxy); err != nil {
			return err
		}
	}

	for batchStart := 0; batchStart < len(terms); batchStart += pubmedBatch {
		end := batchStart + pubmedBatch
		if end > len(terms) {
			end = len(terms)
		}
		batch := terms[batchStart:end]
		p.logger.Debug("fetching pubmed search context", zap.Int("offset", batchStart))

		searchResp, err := p.client.Do(ctx, httpclient.Request{
			Method: http.MethodGet,
			URL:    p.searchURL,
			Params: url.Values{
				"api_key":    {deref(key.Key)},
				"db":         {"pubmed"},
				"term":       {strings.Join(batch, " OR ")},
				"usehistory": {"y"},
			},
		})
		if err != nil {
			return fmt.Errorf("pubmed esearch: %w", err)
		}
		if !searchResp.OK() {
			return fmt.Errorf("pubmed esearch returned status %d", searchResp.StatusCode)
		}
		var search pubmedSearchResult
		if err := xml.Unmarshal(searchResp.Body, &search); err != nil {
			return fmt.Errorf("pubmed esearch response: %w", err)
		}
		if search.WebEnv == "" || search.QueryKey == "" {
			return fmt.Errorf("pubmed esearch returned no history session")
		}

		fetchResp, err := p.client.Do(ctx, httpclient.Request{
			Method: http.MethodGet,
			URL:    p.fetchURL,
			Params: url.Values{
				"api_key":   {deref(key.Key)},
				"db":        {"pubmed"},
				"WebEnv":    {search.WebEnv},
				"query_key": {search.QueryKey},
			},
		})
		if err != nil {
			return fmt.Errorf("pubmed efetch: %w", err)
		}
		if !fetchResp.OK() {
			return fmt.Errorf("pubmed efetch returned status %d", fetchResp.StatusCode)
		}
		if err := p.reporter.ReportUse(ctx, key, nil); err != nil {
			p.logger.Warn("failed to log api key use", zap.Error(err))
		}

		var set pubmedArticleSet
		if err := xml.Unmarshal(fetchResp.Body, &set); err != nil {
			return fmt.Errorf("pubmed efetch response: %w", err)
		}

		for i := range set.Articles {
			article := &set.Articles[i]
			raw, err := json.Marshal(map[string]string{
				"article_xml": "<PubmedArticle>" + string(article.Inner) + "</PubmedArticle>",
			})
			if err != nil {
				return fmt.Errorf("pubmed raw payload: %w", err)
			}
			metrics.RecordsFetched.WithLabelValues(string(p.Tag())).Inc()
			req := models.Request{
				Wrapper:  p.Tag(),
				APIKeyID: &key.APIKeyID,
				Reference: models.Reference{
					DOI:      strOrNil(article.doi()),
					PubmedID: strOrNil(article.PMID),
				},
				Title:    strOrNil(article.Title),
				Abstract: strOrNil(article.abstract()),
				Raw:      models.RawJSON(raw),
			}
			if err := emit(req); err != nil {
				return err
			}
		}
	}
	return nil
}
