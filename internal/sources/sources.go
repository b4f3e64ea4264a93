// Package sources holds one adapter per bibliographic provider. Adapters
// build provider queries from references, page through results and yield
// cached Request rows. They never touch the meta-cache; persistence belongs
// to the drainer.
package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/config"
	"github.com/nacsos/metacache/internal/httpclient"
	"github.com/nacsos/metacache/internal/models"
)

// ErrNotImplemented marks a reserved source tag without an adapter.
var ErrNotImplemented = errors.New("source adapter not implemented")

// ErrInvalidRequest is returned when none of the given references carries an
// identifier the source can query.
var ErrInvalidRequest = errors.New("no usable identifiers for source")

// PermanentSourceError signals that the provider definitively cannot serve
// the queried references (404/410, malformed identifiers). The drainer drops
// the source from the affected queue entries only.
type PermanentSourceError struct {
	Source models.Source
	Status int
	Refs   []models.Reference
}

func (e *PermanentSourceError) Error() string {
	return fmt.Sprintf("%s permanently failed with status %d for %d references",
		e.Source, e.Status, len(e.Refs))
}

// Emit receives one parsed record; returning an error aborts the fetch.
type Emit func(models.Request) error

// UseReporter persists key usage and provider quota feedback after provider
// responses; the WOS adapter reports only responses that carry rate-limit
// headers. The credential pool implements it.
type UseReporter interface {
	ReportUse(ctx context.Context, key models.ApiKey, feedback models.JSONB) error
}

// Adapter is the uniform capability set of one source.
type Adapter interface {
	Tag() models.Source
	CanonicalIDField() string
	PageSizeMax() int

	// BuildQuery is a pure function from references to the provider query
	// string.
	BuildQuery(refs []models.Reference) (string, error)

	// Fetch runs the query and emits zero or more requests with
	// wrapper = Tag(), raw set verbatim and at least one identifier
	// matching the input. Pagination is adapter-internal; Scopus, Dimensions
	// and WOS stop at the configured page cap, so one of their calls never
	// exceeds PageSizeMax × that cap. PubMed runs one esearch/efetch round
	// per PageSizeMax terms and has no page cap.
	Fetch(ctx context.Context, refs []models.Reference, key models.ApiKey, emit Emit) error
}

// Registry is the closed set of adapters. Registering a new source is an
// enumeration change plus a new parser.
type Registry struct {
	adapters map[models.Source]Adapter
	clients  map[models.Source]*httpclient.Client
}

// NewRegistry builds every adapter with its own rate-limited client from the
// per-source limits.
func NewRegistry(settings *config.Settings, reporter UseReporter, logger *zap.Logger) (*Registry, error) {
	reg := &Registry{
		adapters: make(map[models.Source]Adapter),
		clients:  make(map[models.Source]*httpclient.Client),
	}

	build := func(tag models.Source) (*httpclient.Client, error) {
		limit := settings.LimitFor(tag)
		return httpclient.New(httpclient.Config{
			Source:        string(tag),
			MaxRPS:        limit.MaxRPS,
			MaxRetries:    limit.MaxRetries,
			TimeoutGrowth: limit.TimeoutGrowth,
			Timeout:       limit.Timeout,
		}, logger.Named(strings.ToLower(string(tag))))
	}

	for _, tag := range []models.Source{models.SourceScopus, models.SourceDimensions, models.SourceWOS, models.SourcePubmed} {
		client, err := build(tag)
		if err != nil {
			return nil, err
		}
		reg.clients[tag] = client
		maxPages := settings.LimitFor(tag).MaxPagesPerFetch
		switch tag {
		case models.SourceScopus:
			reg.adapters[tag] = NewScopus(client, reporter, maxPages, logger)
		case models.SourceDimensions:
			reg.adapters[tag] = NewDimensions(client, reporter, maxPages, logger)
		case models.SourceWOS:
			reg.adapters[tag] = NewWOS(client, reporter, maxPages, logger)
		case models.SourcePubmed:
			reg.adapters[tag] = NewPubmed(client, reporter, maxPages, logger)
		}
	}
	reg.adapters[models.SourceS2] = NewS2()
	return reg, nil
}

// ApplyLimits retunes every adapter's request pace from freshly loaded
// settings; used by config hot reload.
func (r *Registry) ApplyLimits(settings *config.Settings) {
	for tag, client := range r.clients {
		client.SetMaxRPS(settings.LimitFor(tag).MaxRPS)
	}
}

// For returns the adapter for tag.
func (r *Registry) For(tag models.Source) (Adapter, error) {
	a, ok := r.adapters[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, tag)
	}
	return a, nil
}

// strOrNil trims s and returns nil for empty strings.
func strOrNil(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
