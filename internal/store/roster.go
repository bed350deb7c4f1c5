package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is the event channel buffer per subscriber. If a
// subscriber falls this far behind, further events are dropped for it
// rather than blocking the mutation path; the subscriber can resync from
// a fresh Snapshot.
const subscriberBuffer = 100

// Roster is a file-backed implementation of [Store].
//
// Roster keeps the canonical collection in memory and mirrors it to a single
// JSON file, rewritten in full on every mutation. Writes go to a temporary
// file in the same directory which is then renamed over the previous
// snapshot, so a crash mid-write cannot corrupt the persisted collection.
//
// The collection is loaded once by [Open] and held for the process lifetime.
type Roster struct {
	path string

	mu      sync.RWMutex
	records []Record

	subMu       sync.RWMutex
	subscribers map[chan Event]struct{}
}

// Open loads the roster from the JSON file at path.
//
// Open fails if the file is missing or unparsable; the process cannot start
// without a valid roster. Use [Init] to create an empty roster file.
func Open(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse roster file %s: %w", path, err)
	}

	// Records persisted before IDs existed get one assigned on load.
	changed := false
	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.NewString()
			changed = true
		}
	}

	r := &Roster{
		path:        path,
		records:     records,
		subscribers: make(map[chan Event]struct{}),
	}

	if changed {
		if err := r.persist(records); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Init creates an empty roster file at path. Fails if the file already
// exists.
func Init(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("roster file %s already exists", path)
	}
	return writeSnapshot(path, []Record{})
}

// Add validates r, rejects structural duplicates, assigns it an ID, appends
// it, persists, and publishes an [EventAdded].
func (r *Roster) Add(rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	r.mu.Lock()
	if r.findLocked(rec) != -1 {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s (%s)", ErrDuplicate, rec.Name, rec.Group)
	}

	rec.ID = uuid.NewString()
	next := append(r.snapshotLocked(), rec)
	if err := r.persist(next); err != nil {
		r.mu.Unlock()
		return Record{}, err
	}
	r.records = next
	r.publish(Event{Type: EventAdded, Record: rec})
	r.mu.Unlock()

	return rec, nil
}

// Update overwrites the record with the given ID in place, preserving its
// position, persists, and publishes an [EventUpdated]. The incoming record's
// ID field is ignored in favor of id. The record that was overwritten is
// returned alongside the updated one so the caller can release anything it
// held that the overwrite dropped.
func (r *Roster) Update(id string, rec Record) (Record, Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, Record{}, err
	}

	r.mu.Lock()
	i := r.indexLocked(id)
	if i == -1 {
		r.mu.Unlock()
		return Record{}, Record{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	replaced := r.records[i]
	rec.ID = id
	next := r.snapshotLocked()
	next[i] = rec
	if err := r.persist(next); err != nil {
		r.mu.Unlock()
		return Record{}, Record{}, err
	}
	r.records = next
	r.publish(Event{Type: EventUpdated, Record: rec})
	r.mu.Unlock()

	return rec, replaced, nil
}

// SetDocument replaces the attachment reference of the record with the given
// ID, leaving every other field untouched, persists, and publishes an
// [EventUpdated]. The previous attachment is returned so the caller can
// delete the file it pointed at. Unlike a Get-then-Update pair, the swap is
// atomic with respect to concurrent mutations of the same record.
func (r *Roster) SetDocument(id string, doc *Attachment) (Record, *Attachment, error) {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i == -1 {
		r.mu.Unlock()
		return Record{}, nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	prev := r.records[i].Document
	next := r.snapshotLocked()
	next[i].Document = doc
	if err := r.persist(next); err != nil {
		r.mu.Unlock()
		return Record{}, nil, err
	}
	r.records = next
	rec := next[i]
	r.publish(Event{Type: EventUpdated, Record: rec})
	r.mu.Unlock()

	return rec, prev, nil
}

// Remove deletes the record with the given ID, persists, and publishes an
// [EventRemoved]. The removed record is returned so the caller can clean up
// any attachment it held.
func (r *Roster) Remove(id string) (Record, error) {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i == -1 {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	removed := r.records[i]
	next := r.snapshotLocked()
	next = append(next[:i], next[i+1:]...)
	if err := r.persist(next); err != nil {
		r.mu.Unlock()
		return Record{}, err
	}
	r.records = next
	r.publish(Event{Type: EventRemoved, Record: removed})
	r.mu.Unlock()

	return removed, nil
}

// Get returns the record with the given ID.
func (r *Roster) Get(id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.indexLocked(id); i != -1 {
		return r.records[i], nil
	}
	return Record{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
}

// FindByIdentity returns the index of the first record structurally equal to
// the candidate, or -1. O(n) per lookup, acceptable at roster scale.
func (r *Roster) FindByIdentity(candidate Record) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findLocked(candidate)
}

// Snapshot returns a copy of the full collection in insertion order.
func (r *Roster) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Subscribe creates a new subscription and returns a channel for receiving
// mutation events.
//
// Caller must call [Roster.Unsubscribe] when done to prevent resource leaks.
func (r *Roster) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	r.subMu.Lock()
	r.subscribers[ch] = struct{}{}
	r.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
//
// Safe to call multiple times or with an unknown channel.
func (r *Roster) Unsubscribe(ch <-chan Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for subCh := range r.subscribers {
		if subCh == ch {
			delete(r.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

// publish sends the event to all active subscribers. Callers hold mu across
// commit and publish, so subscribers see events in commit order.
//
// Non-blocking: if a subscriber's buffer is full, the event is dropped for
// that subscriber rather than blocking the mutation path.
func (r *Roster) publish(e Event) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for ch := range r.subscribers {
		select {
		case ch <- e:
		default:
			// subscriber is slow, drop the event
		}
	}
}

// snapshotLocked copies the collection. Caller must hold mu.
func (r *Roster) snapshotLocked() []Record {
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// indexLocked returns the position of the record with the given ID, or -1.
// Caller must hold mu.
func (r *Roster) indexLocked(id string) int {
	for i := range r.records {
		if r.records[i].ID == id {
			return i
		}
	}
	return -1
}

// findLocked returns the position of the first record structurally equal to
// the candidate, or -1. Caller must hold mu.
func (r *Roster) findLocked(candidate Record) int {
	for i := range r.records {
		if SameIdentity(r.records[i], candidate) {
			return i
		}
	}
	return -1
}

// persist writes the given collection to the roster file.
func (r *Roster) persist(records []Record) error {
	return writeSnapshot(r.path, records)
}

// writeSnapshot serializes records as pretty-printed JSON to a temporary
// file next to path and renames it into place.
func writeSnapshot(path string, records []Record) error {
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode roster: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp roster file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write roster snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp roster file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace roster snapshot: %w", err)
	}
	return nil
}
