// Package query provides stateless projections over the roster collection.
//
// Both projections are pure: they never mutate or persist their input, and
// calling them twice over an unchanged collection yields identical results.
// The same functions run server-side (free-text search) and client-side
// (group filtering of the local mirror).
package query

import (
	"strings"

	"github.com/mwhitfield/rosterboard/internal/store"
)

// GroupAll is the sentinel group filter value matching every record.
const GroupAll = "all"

// Search returns the ordered sub-sequence of records where term is a
// case-insensitive substring of any of the four text fields.
//
// An empty term matches every record.
func Search(records []store.Record, term string) []store.Record {
	term = strings.ToLower(term)

	out := make([]store.Record, 0, len(records))
	for _, r := range records {
		if strings.Contains(strings.ToLower(r.Group), term) ||
			strings.Contains(strings.ToLower(r.Name), term) ||
			strings.Contains(strings.ToLower(r.DateOfBirth), term) ||
			strings.Contains(strings.ToLower(r.Reason), term) {
			out = append(out, r)
		}
	}
	return out
}

// FilterGroup returns the ordered sub-sequence of records whose group
// exactly matches group, or the full collection for the [GroupAll] sentinel.
func FilterGroup(records []store.Record, group string) []store.Record {
	if group == GroupAll || group == "" {
		out := make([]store.Record, len(records))
		copy(out, records)
		return out
	}

	out := make([]store.Record, 0, len(records))
	for _, r := range records {
		if r.Group == group {
			out = append(out, r)
		}
	}
	return out
}
