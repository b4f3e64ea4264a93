// Package openalex is a cursor-paged client for the OpenAlex works API, used
// by the daily delta ingestor.
package openalex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/config"
	"github.com/nacsos/metacache/internal/httpclient"
)

const defaultPerPage = 200

// WorkIDs carries the secondary identifiers of a work.
type WorkIDs struct {
	MAG   int64  `json:"mag"`
	PMID  string `json:"pmid"`
	PMCID string `json:"pmcid"`
}

// Work is the subset of an OpenAlex work the ingestor translates to Solr.
// Nested objects that Solr stores as pre-serialised JSON strings are kept
// raw.
type Work struct {
	ID              string  `json:"id"`
	DOI             string  `json:"doi"`
	Title           string  `json:"title"`
	DisplayName     string  `json:"display_name"`
	PublicationYear int     `json:"publication_year"`
	PublicationDate string  `json:"publication_date"`
	Language        string  `json:"language"`
	Type            string  `json:"type"`
	IsRetracted     *bool   `json:"is_retracted"`
	IsParatext      *bool   `json:"is_paratext"`
	CreatedDate     string  `json:"created_date"`
	UpdatedDate     string  `json:"updated_date"`
	IDs             WorkIDs `json:"ids"`

	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`

	Authorships []json.RawMessage `json:"authorships"`
	Topics      []json.RawMessage `json:"topics"`
	Locations   []json.RawMessage `json:"locations"`
}

// Client pages through the works endpoint.
type Client struct {
	http    *httpclient.Client
	baseURL string
	apiKey  string
	logger  *zap.Logger
}

// New builds a client from the OpenAlex section of the settings.
func New(cfg config.OpenAlexConfig, logger *zap.Logger) (*Client, error) {
	hc, err := httpclient.New(httpclient.Config{
		Source: "openalex",
		MaxRPS: 8,
	}, logger.Named("openalex"))
	if err != nil {
		return nil, err
	}
	return &Client{
		http:    hc,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		logger:  logger,
	}, nil
}

type worksPage struct {
	Meta struct {
		Count      int    `json:"count"`
		NextCursor string `json:"next_cursor"`
	} `json:"meta"`
	Results []Work `json:"results"`
}

// Works streams every work matching filter through fn, following the cursor
// until the result set is drained.
func (c *Client) Works(ctx context.Context, filter string, fn func(Work) error) error {
	cursor := "*"
	for {
		params := url.Values{
			"filter":   {filter},
			"per-page": {strconv.Itoa(defaultPerPage)},
			"cursor":   {cursor},
		}
		if c.apiKey != "" {
			params.Set("api_key", c.apiKey)
		}
		resp, err := c.http.Do(ctx, httpclient.Request{
			Method: http.MethodGet,
			URL:    c.baseURL + "/works",
			Params: params,
		})
		if err != nil {
			return fmt.Errorf("openalex works: %w", err)
		}
		if !resp.OK() {
			return fmt.Errorf("openalex works returned status %d", resp.StatusCode)
		}
		var page worksPage
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return fmt.Errorf("openalex works response: %w", err)
		}
		if len(page.Results) == 0 {
			return nil
		}
		for i := range page.Results {
			if err := fn(page.Results[i]); err != nil {
				return err
			}
		}
		if page.Meta.NextCursor == "" {
			return nil
		}
		cursor = page.Meta.NextCursor
	}
}
