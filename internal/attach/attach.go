// Package attach manages the lifecycle of documents attached to roster
// records.
//
// Each record holds at most one attachment. Files are stored under a
// generated key (uuid plus the display name's extension) rather than the
// client-supplied filename, so two uploads sharing an original name cannot
// silently overwrite each other. An attachment whose record is removed or
// whose record's attachment is replaced is deleted proactively; deletion
// failures are logged, never propagated, since the record mutation that
// triggered the cleanup must still succeed.
package attach

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"

	"github.com/mwhitfield/rosterboard/internal/store"
)

// ErrInvalidEncoding indicates an upload payload that does not match the
// data:<mime>;base64,<payload> shape or carries invalid base64.
var ErrInvalidEncoding = errors.New("invalid document encoding")

// dataURIPattern matches data:<mime>;base64,<payload>.
// Group 1: MIME type. Group 2: base64 payload.
var dataURIPattern = regexp.MustCompile(`^data:([A-Za-z0-9.+/-]+);base64,(.+)$`)

// Manager stores and deletes attachment files in a single directory.
type Manager struct {
	dir    string
	logger *slog.Logger
}

// NewManager creates a [Manager] rooted at dir, creating the directory if
// needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attachment directory: %w", err)
	}
	return &Manager{dir: dir, logger: logger}, nil
}

// Dir returns the attachment directory.
func (m *Manager) Dir() string {
	return m.dir
}

// DecodeDataURI validates and decodes a data-URI payload.
//
// Returns the decoded bytes, or an error wrapping [ErrInvalidEncoding] if
// the payload does not match the expected shape.
func DecodeDataURI(payload string) ([]byte, error) {
	matches := dataURIPattern.FindStringSubmatch(payload)
	if matches == nil {
		return nil, fmt.Errorf("%w: payload is not a base64 data URI", ErrInvalidEncoding)
	}

	data, err := base64.StdEncoding.DecodeString(matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return data, nil
}

// Store decodes a data-URI payload and writes it under a generated key.
//
// The returned attachment carries the generated storage key and the original
// display name.
func (m *Manager) Store(payload, name string) (store.Attachment, error) {
	data, err := DecodeDataURI(payload)
	if err != nil {
		return store.Attachment{}, err
	}
	return m.StoreBytes(data, name)
}

// StoreBytes writes raw bytes under a generated key. Used by the multipart
// upload path, where the body arrives already decoded.
func (m *Manager) StoreBytes(data []byte, name string) (store.Attachment, error) {
	key := uuid.NewString() + filepath.Ext(filepath.Base(name))
	path := filepath.Join(m.dir, key)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return store.Attachment{}, fmt.Errorf("failed to write document %s: %w", name, err)
	}
	return store.Attachment{Key: key, Name: filepath.Base(name)}, nil
}

// Delete unlinks the file stored under key, best-effort.
//
// Failure to delete is logged, not propagated, since the record mutation
// that triggered the cleanup must still succeed.
func (m *Manager) Delete(key string) {
	if key == "" {
		return
	}
	if err := os.Remove(filepath.Join(m.dir, key)); err != nil {
		m.logger.Error("failed to delete attachment", "key", key, "error", err)
	}
}
