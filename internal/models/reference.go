package models

// IDFields enumerates the identifier columns shared by references, queue
// entries and cached requests. Order matters only for deterministic output.
var IDFields = []string{
	"openalex_id",
	"doi",
	"pubmed_id",
	"s2_id",
	"scopus_id",
	"wos_id",
	"dimensions_id",
	"nacsos_id",
}

// Reference is a bag of optional identifiers used to look up a work across
// sources. All identifiers are stored in canonical short form.
type Reference struct {
	OpenalexID   *string `db:"openalex_id" json:"openalex_id,omitempty"`
	DOI          *string `db:"doi" json:"doi,omitempty"`
	PubmedID     *string `db:"pubmed_id" json:"pubmed_id,omitempty"`
	S2ID         *string `db:"s2_id" json:"s2_id,omitempty"`
	ScopusID     *string `db:"scopus_id" json:"scopus_id,omitempty"`
	WOSID        *string `db:"wos_id" json:"wos_id,omitempty"`
	DimensionsID *string `db:"dimensions_id" json:"dimensions_id,omitempty"`
	NacsosID     *string `db:"nacsos_id" json:"nacsos_id,omitempty"`
}

// ID returns the identifier stored under field, or nil.
func (r *Reference) ID(field string) *string {
	switch field {
	case "openalex_id":
		return r.OpenalexID
	case "doi":
		return r.DOI
	case "pubmed_id":
		return r.PubmedID
	case "s2_id":
		return r.S2ID
	case "scopus_id":
		return r.ScopusID
	case "wos_id":
		return r.WOSID
	case "dimensions_id":
		return r.DimensionsID
	case "nacsos_id":
		return r.NacsosID
	}
	return nil
}

// SetID stores value under field. Unknown fields are ignored.
func (r *Reference) SetID(field string, value *string) {
	switch field {
	case "openalex_id":
		r.OpenalexID = value
	case "doi":
		r.DOI = value
	case "pubmed_id":
		r.PubmedID = value
	case "s2_id":
		r.S2ID = value
	case "scopus_id":
		r.ScopusID = value
	case "wos_id":
		r.WOSID = value
	case "dimensions_id":
		r.DimensionsID = value
	case "nacsos_id":
		r.NacsosID = value
	}
}

// IDs returns the non-empty identifiers as (field, value) pairs.
func (r *Reference) IDs() map[string]string {
	out := make(map[string]string, len(IDFields))
	for _, field := range IDFields {
		if v := r.ID(field); v != nil && *v != "" {
			out[field] = *v
		}
	}
	return out
}

// Empty reports whether the reference carries no identifier at all.
func (r *Reference) Empty() bool {
	return len(r.IDs()) == 0
}

// Matches reports whether the two references share at least one identifier.
func (r *Reference) Matches(other *Reference) bool {
	for field, value := range r.IDs() {
		if v := other.ID(field); v != nil && *v == value {
			return true
		}
	}
	return false
}
