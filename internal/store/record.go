package store

import (
	"errors"
	"fmt"
	"strings"
)

// Validation and lookup errors returned by [Store] implementations.
var (
	// ErrValidation indicates a record with a missing or empty required field.
	ErrValidation = errors.New("record validation failed")

	// ErrDuplicate indicates an added record that structurally matches an
	// existing one (same group, name, date of birth, and reason).
	ErrDuplicate = errors.New("record already exists")

	// ErrNotFound indicates an operation addressing a record ID that is not
	// in the collection. Callers typically treat this as a silent no-op.
	ErrNotFound = errors.New("record not found")
)

// Attachment references the single document stored for a record.
//
// Key is the generated storage filename, decoupled from the user-supplied
// name so that two uploads sharing a display name cannot overwrite each
// other. Name is kept purely for display.
type Attachment struct {
	// Key is the generated filename under the attachment directory.
	Key string `json:"key"`

	// Name is the original client-supplied filename.
	Name string `json:"name"`
}

// Record represents one roster entry.
//
// A record is identified by its ID, assigned by the store when the record is
// added. The four text fields additionally form the record's structural
// identity, used for duplicate detection: two records with equal Group,
// Name, DateOfBirth, and Reason describe the same student regardless of ID
// or attached document.
type Record struct {
	// ID is the durable identifier assigned at add time.
	ID string `json:"id"`

	// Group is the student's group. Required, non-empty after trimming.
	Group string `json:"group"`

	// Name is the student's full name. Required.
	Name string `json:"name"`

	// DateOfBirth is stored as opaque text, not parsed as a calendar date.
	DateOfBirth string `json:"date_of_birth"`

	// Reason records why the student was added to the roster.
	Reason string `json:"reason"`

	// Document references the attached file, if any.
	Document *Attachment `json:"document,omitempty"`
}

// SameIdentity reports whether two records share the same structural
// identity. ID and Document are deliberately ignored.
func SameIdentity(a, b Record) bool {
	return a.Group == b.Group &&
		a.Name == b.Name &&
		a.DateOfBirth == b.DateOfBirth &&
		a.Reason == b.Reason
}

// Validate checks that all four required fields are non-empty after
// trimming. Returns an error wrapping [ErrValidation] naming the first
// offending field.
func (r Record) Validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"group", r.Group},
		{"name", r.Name},
		{"date_of_birth", r.DateOfBirth},
		{"reason", r.Reason},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s is required", ErrValidation, f.name)
		}
	}
	return nil
}
