package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/segmentio/encoding/json"
)

// Source identifies a third-party bibliographic API. The set is closed;
// adding a provider means extending this enumeration and registering an
// adapter for it.
type Source string

const (
	SourceDimensions Source = "DIMENSIONS"
	SourceScopus     Source = "SCOPUS"
	SourceWOS        Source = "WOS"
	SourcePubmed     Source = "PUBMED"
	SourceS2         Source = "S2"
)

// AllSources returns the implemented sources in the default drain order; the
// reserved S2 tag is not among them.
func AllSources() []Source {
	return []Source{SourceDimensions, SourceScopus, SourceWOS, SourcePubmed}
}

// Valid reports whether s names a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceDimensions, SourceScopus, SourceWOS, SourcePubmed, SourceS2:
		return true
	}
	return false
}

// SourcePriority controls whether a queued source must run or may be skipped
// once an abstract has been found elsewhere.
type SourcePriority int

const (
	PriorityForce SourcePriority = 1
	PriorityTry   SourcePriority = 2
)

// OnConflict is the strategy applied when a queue entry already has evidence
// in the request table.
type OnConflict int

const (
	ConflictForce         OnConflict = 1
	ConflictDoNothing     OnConflict = 2
	ConflictRetryAbstract OnConflict = 3
	ConflictRetryRaw      OnConflict = 4
)

// SourceSpec is one element of a queue entry's source list.
type SourceSpec struct {
	Source   Source
	Priority SourcePriority
}

// SourceList is the ordered list of sources still to be attempted for a
// queue entry. The head is the next source. Persisted as a JSONB array of
// two-element tuples, e.g. [["DIMENSIONS", 2], ["SCOPUS", 2]].
type SourceList []SourceSpec

// DefaultSources is the list assigned to entries queued with sources=null.
func DefaultSources() SourceList {
	return SourceList{
		{SourceDimensions, PriorityTry},
		{SourceScopus, PriorityTry},
		{SourceWOS, PriorityTry},
		{SourcePubmed, PriorityTry},
	}
}

func (l SourceList) MarshalJSON() ([]byte, error) {
	tuples := make([][2]any, len(l))
	for i, s := range l {
		tuples[i] = [2]any{string(s.Source), int(s.Priority)}
	}
	return json.Marshal(tuples)
}

func (l *SourceList) UnmarshalJSON(data []byte) error {
	var tuples [][2]json.RawMessage
	if err := json.Unmarshal(data, &tuples); err != nil {
		return err
	}
	out := make(SourceList, 0, len(tuples))
	for _, t := range tuples {
		var tag string
		var prio int
		if err := json.Unmarshal(t[0], &tag); err != nil {
			return fmt.Errorf("source tag: %w", err)
		}
		if err := json.Unmarshal(t[1], &prio); err != nil {
			return fmt.Errorf("source priority: %w", err)
		}
		out = append(out, SourceSpec{Source: Source(tag), Priority: SourcePriority(prio)})
	}
	*l = out
	return nil
}

// Value implements driver.Valuer.
func (l SourceList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *SourceList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into SourceList", value)
	}
	return l.UnmarshalJSON(data)
}

// Head returns the next source to attempt, or false when the list is empty.
func (l SourceList) Head() (SourceSpec, bool) {
	if len(l) == 0 {
		return SourceSpec{}, false
	}
	return l[0], true
}
