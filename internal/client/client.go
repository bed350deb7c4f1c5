// Package client provides the viewer-side view model for Rosterboard.
//
// A [Client] connects to the server's websocket endpoint and maintains a
// local mirror of the full collection plus the currently applied group
// filter. Group filtering is recomputed locally from the mirror without a
// round trip; free-text search always round-trips through the server so the
// substring logic lives in one place. Mutations are validated locally before
// they are emitted, then revalidated by the server.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mwhitfield/rosterboard/internal/protocol"
	"github.com/mwhitfield/rosterboard/internal/query"
	"github.com/mwhitfield/rosterboard/internal/store"
)

// writeTimeout bounds a single outbound websocket write.
const writeTimeout = 5 * time.Second

// Client is a connected viewer holding a local mirror of the collection.
//
// All callbacks are invoked from the client's read loop; they must not
// block and must not call back into the Client's mutating methods.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu      sync.RWMutex
	records []store.Record
	filter  string

	writeMu sync.Mutex

	onChange    func(view []store.Record)
	onSearch    func(results []store.Record)
	onError     func(msg string)
	onUploaded  func(filename string)
	onUploadErr func(msg string)

	done chan struct{}
}

// Option configures a [Client] before it connects.
type Option func(*Client)

// WithLogger sets the client's logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// OnChange registers a callback invoked with the freshly filtered view
// whenever the local mirror or the group filter changes.
func OnChange(fn func(view []store.Record)) Option {
	return func(c *Client) { c.onChange = fn }
}

// OnSearchResult registers a callback for server-side search results.
func OnSearchResult(fn func(results []store.Record)) Option {
	return func(c *Client) { c.onSearch = fn }
}

// OnServerError registers a callback for rejected mutations.
func OnServerError(fn func(msg string)) Option {
	return func(c *Client) { c.onError = fn }
}

// OnDocumentUploaded registers a callback for successful uploads.
func OnDocumentUploaded(fn func(filename string)) Option {
	return func(c *Client) { c.onUploaded = fn }
}

// OnUploadError registers a callback for failed uploads.
func OnUploadError(fn func(msg string)) Option {
	return func(c *Client) { c.onUploadErr = fn }
}

// Dial connects to the server's websocket endpoint.
//
// url is the ws:// or wss:// address of the /ws endpoint. The full
// collection arrives asynchronously shortly after connecting; observe it
// via [OnChange] or poll [Client.Records]. Call [Client.Close] when done.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		logger: slog.Default(),
		filter: query.GroupAll,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	c.conn = conn

	go c.readLoop()
	return c, nil
}

// Close tears down the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Records returns a copy of the local collection mirror.
func (c *Client) Records() []store.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]store.Record, len(c.records))
	copy(out, c.records)
	return out
}

// View returns the mirror filtered by the current group filter.
func (c *Client) View() []store.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return query.FilterGroup(c.records, c.filter)
}

// SetGroupFilter applies a group filter locally, without a round trip, and
// notifies the change callback with the re-derived view.
func (c *Client) SetGroupFilter(group string) {
	c.mu.Lock()
	c.filter = group
	view := query.FilterGroup(c.records, c.filter)
	c.mu.Unlock()

	c.notifyChange(view)
}

// Search sends a free-text search to the server. The term is lower-cased
// before it is sent; the result arrives via [OnSearchResult].
func (c *Client) Search(term string) error {
	return c.write(protocol.ClientMessage{
		Type: protocol.MsgSearch,
		Term: strings.ToLower(term),
	})
}

// Add validates the record and checks the local mirror for a structural
// duplicate before emitting. Returns [store.ErrValidation] or
// [store.ErrDuplicate] without contacting the server when the checks fail;
// the server re-runs both checks regardless.
func (c *Client) Add(rec store.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	for i := range c.records {
		if store.SameIdentity(c.records[i], rec) {
			c.mu.RUnlock()
			return fmt.Errorf("%w: %s (%s)", store.ErrDuplicate, rec.Name, rec.Group)
		}
	}
	c.mu.RUnlock()

	return c.write(protocol.ClientMessage{
		Type:   protocol.MsgAddStudent,
		Record: &rec,
	})
}

// Update emits the full edited record, addressed by its durable ID.
func (c *Client) Update(rec store.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: update requires a record id", store.ErrValidation)
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	return c.write(protocol.ClientMessage{
		Type:   protocol.MsgUpdateStudent,
		Record: &rec,
	})
}

// Remove asks the server to remove the record with the given ID.
func (c *Client) Remove(id string) error {
	if id == "" {
		return fmt.Errorf("%w: remove requires a record id", store.ErrValidation)
	}

	return c.write(protocol.ClientMessage{
		Type:   protocol.MsgRemoveStudent,
		Record: &store.Record{ID: id},
	})
}

// UploadDocument attaches a data-URI-encoded document to the record with
// the given ID. The outcome arrives via [OnDocumentUploaded] or
// [OnUploadError].
func (c *Client) UploadDocument(recordID, filename, fileData string) error {
	return c.write(protocol.ClientMessage{
		Type: protocol.MsgUploadDocument,
		Upload: &protocol.Upload{
			RecordID: recordID,
			Filename: filename,
			FileData: fileData,
		},
	})
}

// write serializes one outbound message. The websocket allows only one
// concurrent writer.
func (c *Client) write(msg protocol.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// readLoop applies server messages to the local mirror until the
// connection dies.
func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var msg protocol.ServerMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection lost", "error", err)
			}
			return
		}
		c.apply(msg)
	}
}

// apply folds one server message into the mirror and fires callbacks.
func (c *Client) apply(msg protocol.ServerMessage) {
	switch msg.Type {
	case protocol.MsgStudents:
		c.mu.Lock()
		c.records = msg.Records
		view := query.FilterGroup(c.records, c.filter)
		c.mu.Unlock()
		c.notifyChange(view)

	case protocol.MsgStudentAdded, protocol.MsgStudentUpdated, protocol.MsgStudentRemoved:
		if msg.Record == nil {
			return
		}
		c.mu.Lock()
		c.patch(msg.Type, *msg.Record)
		view := query.FilterGroup(c.records, c.filter)
		c.mu.Unlock()
		c.notifyChange(view)

	case protocol.MsgFilteredStudents:
		if c.onSearch != nil {
			c.onSearch(msg.Records)
		}

	case protocol.MsgDocumentUploaded:
		if c.onUploaded != nil {
			c.onUploaded(msg.Filename)
		}

	case protocol.MsgDocumentUploadError:
		if c.onUploadErr != nil {
			c.onUploadErr(msg.Error)
		}

	case protocol.MsgError:
		if c.onError != nil {
			c.onError(msg.Error)
		}

	default:
		c.logger.Warn("unknown message type", "type", msg.Type)
	}
}

// patch applies a single-record mutation to the mirror. Caller must hold mu.
func (c *Client) patch(msgType string, rec store.Record) {
	switch msgType {
	case protocol.MsgStudentAdded:
		// the record may already be present if it landed in the connect
		// snapshot as well as the event stream
		for i := range c.records {
			if c.records[i].ID == rec.ID {
				c.records[i] = rec
				return
			}
		}
		c.records = append(c.records, rec)

	case protocol.MsgStudentUpdated:
		for i := range c.records {
			if c.records[i].ID == rec.ID {
				c.records[i] = rec
				return
			}
		}
		// unseen record, treat as an add so the mirror converges
		c.records = append(c.records, rec)

	case protocol.MsgStudentRemoved:
		for i := range c.records {
			if c.records[i].ID == rec.ID {
				c.records = append(c.records[:i], c.records[i+1:]...)
				return
			}
		}
	}
}

// notifyChange fires the change callback, if registered.
func (c *Client) notifyChange(view []store.Record) {
	if c.onChange != nil {
		c.onChange(view)
	}
}
