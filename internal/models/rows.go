package models

import (
	"time"

	"github.com/google/uuid"
)

// QueueEntry is a pending instruction to try one or more sources for a
// reference. Entries are created by the gap detector or the daily ingestor,
// advanced head-first by the drainer, and deleted once sources is empty.
type QueueEntry struct {
	QueueID int64 `db:"queue_id"`
	Reference

	// Sources is the ordered list of sources still to try. A nil list means
	// "use the default source list"; it is backfilled before draining.
	Sources    SourceList `db:"sources"`
	OnConflict OnConflict `db:"on_conflict"`

	TimeCreated time.Time `db:"time_created"`
}

// QueueStats is a queue entry augmented with aggregate counts from the
// request table. The counts join on any identifier equality and drive the
// on-conflict decision; they are upper bounds, not exact tallies.
type QueueStats struct {
	QueueEntry

	Source   Source         `db:"source"`
	Priority SourcePriority `db:"priority"`

	NumHasRequest        int `db:"num_has_request"`
	NumHasAbstract       int `db:"num_has_abstract"`
	NumHasTitle          int `db:"num_has_title"`
	NumHasRaw            int `db:"num_has_raw"`
	NumHasSourceRequest  int `db:"num_has_source_request"`
	NumHasSourceAbstract int `db:"num_has_source_abstract"`
	NumHasSourceTitle    int `db:"num_has_source_title"`
	NumHasSourceRaw      int `db:"num_has_source_raw"`
}

// Request is one stored adapter response about a work. Raw is immutable once
// written; Solarized only ever flips false to true.
type Request struct {
	RecordID uuid.UUID  `db:"record_id"`
	Wrapper  Source     `db:"wrapper"`
	APIKeyID *uuid.UUID `db:"api_key_id"`

	Reference
	QueueID *int64 `db:"queue_id"`

	Title    *string `db:"title"`
	Abstract *string `db:"abstract"`

	Solarized   bool      `db:"solarized"`
	TimeCreated time.Time `db:"time_created"`

	Raw RawJSON `db:"raw"`
}

// HasAbstract reports whether the request carries a usable abstract.
func (r *Request) HasAbstract() bool {
	return r.Abstract != nil && *r.Abstract != ""
}

// ApiKey is one provider credential. Only active keys may be issued; every
// issue bumps LastUsed so cooperating processes drift toward fair rotation.
type ApiKey struct {
	APIKeyID uuid.UUID `db:"api_key_id"`

	Owner   *string `db:"owner"`
	Wrapper *string `db:"wrapper"`
	Key     *string `db:"api_key"`
	Proxy   *string `db:"proxy"`
	Active  bool    `db:"active"`

	LastUsed    *time.Time `db:"last_used"`
	APIFeedback JSONB      `db:"api_feedback"`
}

// AuthKey is a caller's bearer token; the m2m_auth_api_key table maps it to
// the API keys that caller is authorised to spend.
type AuthKey struct {
	AuthKeyID uuid.UUID `db:"auth_key_id"`

	Note   string `db:"note"`
	Active bool   `db:"active"`
	Read   bool   `db:"read"`
	Write  bool   `db:"write"`
}
