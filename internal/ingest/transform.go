package ingest

import (
	"strconv"
	"strings"

	"github.com/segmentio/encoding/json"

	"github.com/nacsos/metacache/internal/ids"
	"github.com/nacsos/metacache/internal/openalex"
)

// authorshipCap bounds the serialised authorship list per document.
const authorshipCap = 50

// RevertIndex materialises an OpenAlex inverted-index abstract into plain
// text: a slot per position up to max(position)+1, each token written at its
// positions, joined by single spaces. Returns "" for empty input.
func RevertIndex(inverted map[string][]int) string {
	if len(inverted) == 0 {
		return ""
	}
	length := 0
	for _, positions := range inverted {
		for _, pos := range positions {
			if pos+1 > length {
				length = pos + 1
			}
		}
	}
	if length == 0 {
		return ""
	}
	slots := make([]string, length)
	for token, positions := range inverted {
		for _, pos := range positions {
			if pos >= 0 && pos < length {
				slots[pos] = token
			}
		}
	}
	return strings.Join(slots, " ")
}

// rawList re-serialises a list of raw sub-objects into the single JSON
// string Solr stores, optionally capped.
func rawList(items []json.RawMessage, limit int) *string {
	if len(items) == 0 {
		return nil
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

// TranslateWork flattens an OpenAlex work into the Solr document schema.
// The abstract is materialised from the inverted index; empty strings after
// trimming are stored as null.
func TranslateWork(work openalex.Work) map[string]any {
	id := ids.Canonical(work.ID)

	var abstract *string
	if text := strings.TrimSpace(RevertIndex(work.AbstractInvertedIndex)); text != "" {
		abstract = &text
	}

	title := work.Title
	if title == "" {
		title = work.DisplayName
	}

	var titleAbstract *string
	if title != "" || abstract != nil {
		ta := title
		if abstract != nil {
			ta = ta + " " + *abstract
		}
		ta = strings.TrimSpace(ta)
		titleAbstract = &ta
	}

	doc := map[string]any{
		"id":               id,
		"title":            nullable(title),
		"abstract":         abstract,
		"title_abstract":   titleAbstract,
		"doi":              ids.CanonicalPtr(nullable(work.DOI)),
		"mag":              magString(work.IDs.MAG),
		"pmid":             ids.CanonicalPtr(nullable(work.IDs.PMID)),
		"pmcid":            ids.CanonicalPtr(nullable(work.IDs.PMCID)),
		"language":         nullable(work.Language),
		"type":             nullable(work.Type),
		"is_retracted":     work.IsRetracted,
		"is_paratext":      work.IsParatext,
		"publication_year": work.PublicationYear,
		"publication_date": nullable(work.PublicationDate),
		"created_date":     nullable(work.CreatedDate),
		"updated_date":     nullable(work.UpdatedDate),
		"authorships":      rawList(work.Authorships, authorshipCap),
		"topics":           rawList(work.Topics, 0),
		"locations":        rawList(work.Locations, 0),
		"abstract_source":  "OpenAlex",
	}
	return doc
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func magString(mag int64) *string {
	if mag == 0 {
		return nil
	}
	s := strconv.FormatInt(mag, 10)
	return &s
}
