package store

// EventType identifies the kind of mutation an [Event] describes.
type EventType string

// Mutation event types published to subscribers.
const (
	// EventAdded is published after a record is appended to the collection.
	EventAdded EventType = "added"

	// EventUpdated is published after a record is overwritten in place.
	EventUpdated EventType = "updated"

	// EventRemoved is published after a record is removed.
	EventRemoved EventType = "removed"
)

// Event is a mutation notification delivered to subscribers.
//
// Events carry the single affected record rather than the full collection,
// so the fan-out cost per mutation is independent of roster size. Subscribers
// that need the full collection read it once via [Store.Snapshot] and apply
// events as patches.
type Event struct {
	// Type is the kind of mutation.
	Type EventType `json:"type"`

	// Record is the affected record. For EventRemoved it is the record as it
	// was immediately before removal.
	Record Record `json:"record"`
}

// Store defines the interface for the roster collection and its
// subscriptions.
//
// Store implementations must be safe for concurrent access and must persist
// the full collection synchronously before publishing the corresponding
// event, so that the persisted mirror and the in-memory collection are equal
// immediately after every successful mutating call returns. Events must
// reach subscribers in commit order: viewers apply them as patches, so an
// inverted pair would leave every mirror on the losing write.
type Store interface {
	// Add validates the record, rejects structural duplicates, assigns it a
	// durable ID, appends it, persists, and publishes an EventAdded.
	// Returns the stored record with its assigned ID.
	Add(r Record) (Record, error)

	// Update overwrites the record with the given ID in place, preserving
	// its position in the collection, persists, and publishes an
	// EventUpdated. Returns the updated record and the record that was
	// overwritten, so the caller can release anything the overwrite
	// dropped. Returns ErrNotFound if no record has that ID; the
	// collection is unchanged in that case.
	Update(id string, r Record) (Record, Record, error)

	// SetDocument replaces the attachment reference of the record with the
	// given ID, leaving every other field untouched, persists, and
	// publishes an EventUpdated. Returns the updated record and the
	// previous attachment (nil if none). The swap is atomic with respect
	// to concurrent mutations of the same record.
	SetDocument(id string, doc *Attachment) (Record, *Attachment, error)

	// Remove deletes the record with the given ID, persists, and publishes
	// an EventRemoved. Returns the removed record so the caller can clean up
	// any attachment it held. Returns ErrNotFound if no record has that ID.
	Remove(id string) (Record, error)

	// Get returns the record with the given ID, or ErrNotFound.
	Get(id string) (Record, error)

	// FindByIdentity returns the index of the first record structurally
	// equal to the candidate, or -1 if none matches. Linear scan.
	FindByIdentity(candidate Record) int

	// Snapshot returns a copy of the full collection in insertion order.
	Snapshot() []Record

	// Subscribe returns a channel that receives mutation events.
	// The returned channel has a buffer; slow consumers may miss events.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan Event

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan Event)
}
