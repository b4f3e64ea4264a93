// Package ids normalises external identifiers into the canonical short form
// stored everywhere in the meta-cache, and heals identifier linkage between
// adapter responses and the queue entries that originated them.
package ids

import (
	"strings"

	"github.com/nacsos/metacache/internal/models"
)

// knownPrefixes are stripped exactly once at the store write boundary.
// Downstream code assumes bare IDs.
var knownPrefixes = []string{
	"https://openalex.org/",
	"https://doi.org/",
	"https://orcid.org/",
	"https://www.wikidata.org/wiki/",
	"https://ror.org/",
}

// Canonical strips the known URL prefixes from an identifier.
func Canonical(id string) string {
	for _, prefix := range knownPrefixes {
		if strings.HasPrefix(id, prefix) {
			return strings.TrimPrefix(id, prefix)
		}
	}
	return id
}

// CanonicalPtr is Canonical over an optional identifier. Empty strings
// normalise to nil.
func CanonicalPtr(id *string) *string {
	if id == nil {
		return nil
	}
	v := Canonical(*id)
	if v == "" {
		return nil
	}
	return &v
}

// CanonicalizeReference rewrites every identifier of ref in place.
func CanonicalizeReference(ref *models.Reference) {
	for _, field := range models.IDFields {
		ref.SetID(field, CanonicalPtr(ref.ID(field)))
	}
}

// Complete fills unknown identifiers of req from the originating queue
// entries by matching on any already-known ID, and links the request back to
// the matching queue row. This heals cross-source ID linkage over time.
func Complete(req *models.Request, entries []models.QueueEntry) {
	for i := range entries {
		entry := &entries[i]
		if !req.Reference.Matches(&entry.Reference) {
			continue
		}
		for _, field := range models.IDFields {
			if req.ID(field) == nil {
				if v := entry.ID(field); v != nil && *v != "" {
					req.SetID(field, v)
				}
			}
		}
		if req.QueueID == nil {
			qid := entry.QueueID
			req.QueueID = &qid
		}
	}
}

// Str is a convenience for building optional identifiers.
func Str(s string) *string { return &s }
