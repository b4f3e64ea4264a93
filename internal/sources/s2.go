package sources

import (
	"context"
	"fmt"

	"github.com/nacsos/metacache/internal/models"
)

// S2 reserves the Semantic Scholar source tag. It has no provider
// implementation: BuildQuery and Fetch return ErrNotImplemented, which the
// drainer treats as a failed fetch, so a queue entry whose head is S2 stays
// queued at S2.
type S2 struct{}

func NewS2() *S2 { return &S2{} }

func (s *S2) Tag() models.Source       { return models.SourceS2 }
func (s *S2) CanonicalIDField() string { return "s2_id" }
func (s *S2) PageSizeMax() int         { return 0 }

func (s *S2) BuildQuery([]models.Reference) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrNotImplemented, s.Tag())
}

func (s *S2) Fetch(context.Context, []models.Reference, models.ApiKey, Emit) error {
	return fmt.Errorf("%w: %s", ErrNotImplemented, s.Tag())
}
