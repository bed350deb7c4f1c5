package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mwhitfield/rosterboard/internal/attach"
	"github.com/mwhitfield/rosterboard/internal/protocol"
	"github.com/mwhitfield/rosterboard/internal/query"
	"github.com/mwhitfield/rosterboard/internal/store"
)

const (
	// wsWriteTimeout is the maximum time allowed for a single websocket
	// write. This prevents goroutine leaks when clients are slow or
	// disconnected. Must be <= shutdown timeout to ensure clean shutdown.
	wsWriteTimeout = 5 * time.Second

	// sendBuffer is the per-connection outbound message buffer. A
	// connection that falls this far behind is dropped rather than allowed
	// to block the mutation path.
	sendBuffer = 100
)

// session is one websocket connection to a viewer.
//
// The read loop applies one command at a time to completion, so commands
// from a single connection are totally ordered. Outbound messages (the
// connect snapshot, unicast replies, and broadcast patches) flow through a
// single write loop, since the websocket allows only one concurrent writer.
type session struct {
	conn   *websocket.Conn
	srv    *Server
	send   chan protocol.ServerMessage
	logger *slog.Logger
}

// handleWS upgrades the connection and runs the session until the client
// disconnects or the server shuts down.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Info("client connected")

	sess := &session{
		conn:   conn,
		srv:    s,
		send:   make(chan protocol.ServerMessage, sendBuffer),
		logger: logger,
	}

	writeDone := make(chan struct{})
	go sess.writeLoop(writeDone)

	// Subscribe before reading the snapshot so no mutation can fall between
	// the two; a mutation landing in both the snapshot and the event buffer
	// is deduplicated by the viewer.
	events := s.store.Subscribe()

	// full collection once, before any patches
	sess.enqueue(protocol.Snapshot(s.store.Snapshot()))

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for e := range events {
			sess.enqueue(protocol.Patch(e))
		}
	}()

	// the request context is derived from the server context via
	// BaseContext, so this closes the connection on shutdown as well as
	// freeing resources after client disconnect
	stop := context.AfterFunc(r.Context(), func() {
		conn.Close()
	})

	sess.readLoop()

	stop()
	s.store.Unsubscribe(events)
	<-pumpDone
	close(sess.send)
	<-writeDone
	conn.Close()
	logger.Info("client disconnected")
}

// enqueue queues a message for the write loop.
//
// Non-blocking: if the connection's buffer is full, the message is dropped
// and the connection is closed so the client reconnects and resyncs from a
// fresh snapshot.
func (se *session) enqueue(msg protocol.ServerMessage) {
	select {
	case se.send <- msg:
	default:
		se.logger.Warn("send buffer full, dropping connection")
		se.conn.Close()
	}
}

// writeLoop drains the send channel onto the websocket.
func (se *session) writeLoop(done chan<- struct{}) {
	defer close(done)

	for msg := range se.send {
		se.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := se.conn.WriteJSON(msg); err != nil {
			se.logger.Debug("websocket write failed", "error", err)
			se.conn.Close()
			// keep draining so enqueue never blocks
		}
	}
}

// readLoop reads commands until the connection dies. Each command is handled
// to completion before the next is read.
func (se *session) readLoop() {
	for {
		var msg protocol.ClientMessage
		if err := se.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				se.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		se.handle(msg)
	}
}

// handle dispatches a single client command.
func (se *session) handle(msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.MsgSearch:
		se.handleSearch(msg.Term)
	case protocol.MsgAddStudent:
		se.handleAdd(msg.Record)
	case protocol.MsgUpdateStudent:
		se.handleUpdate(msg.Record)
	case protocol.MsgRemoveStudent:
		se.handleRemove(msg.Record)
	case protocol.MsgUploadDocument:
		se.handleUpload(msg.Upload)
	default:
		se.logger.Warn("unknown message type", "type", msg.Type)
	}
}

// handleSearch runs a free-text search and replies to this connection only.
func (se *session) handleSearch(term string) {
	results := query.Search(se.srv.store.Snapshot(), term)
	se.enqueue(protocol.ServerMessage{
		Type:    protocol.MsgFilteredStudents,
		Records: results,
	})
}

// handleAdd appends a record. The store revalidates required fields and
// rejects structural duplicates regardless of any client-side checks; the
// resulting patch is broadcast through the store's subscriptions.
func (se *session) handleAdd(rec *store.Record) {
	if rec == nil {
		se.fail("addStudent requires a record")
		return
	}

	if _, err := se.srv.store.Add(*rec); err != nil {
		if errors.Is(err, store.ErrValidation) || errors.Is(err, store.ErrDuplicate) {
			se.fail(err.Error())
			return
		}
		se.logger.Error("add failed", "error", err)
		se.fail("failed to add student")
	}
}

// handleUpdate overwrites a record by ID. An unknown ID is a silent no-op.
// Cleanup keys off the record the store reports as overwritten, not this
// connection's idea of it, so a document attached by a concurrent upload
// cannot be orphaned on disk.
func (se *session) handleUpdate(rec *store.Record) {
	if rec == nil || rec.ID == "" {
		se.fail("updateStudent requires a record with an id")
		return
	}

	updated, replaced, err := se.srv.store.Update(rec.ID, *rec)
	if err != nil {
		if errors.Is(err, store.ErrValidation) {
			se.fail(err.Error())
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			se.logger.Debug("update for unknown record", "id", rec.ID)
			return
		}
		se.logger.Error("update failed", "id", rec.ID, "error", err)
		se.fail("failed to update student")
		return
	}

	if replaced.Document != nil && (updated.Document == nil || updated.Document.Key != replaced.Document.Key) {
		se.srv.attachments.Delete(replaced.Document.Key)
	}
}

// handleRemove removes a record by ID and deletes its attachment, if any.
// An unknown ID is a silent no-op: with two viewers racing to remove the
// same record, exactly one observes it and attempts the deletion.
func (se *session) handleRemove(rec *store.Record) {
	if rec == nil || rec.ID == "" {
		se.fail("removeStudent requires a record with an id")
		return
	}

	removed, err := se.srv.store.Remove(rec.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			se.logger.Debug("remove for unknown record", "id", rec.ID)
			return
		}
		se.logger.Error("remove failed", "id", rec.ID, "error", err)
		se.fail("failed to remove student")
		return
	}

	if removed.Document != nil {
		se.srv.attachments.Delete(removed.Document.Key)
	}
}

// handleUpload decodes and stores a document for a record, replacing any
// previous one. Failures are reported to this connection only and leave the
// collection and storage unchanged.
func (se *session) handleUpload(up *protocol.Upload) {
	if up == nil || up.RecordID == "" {
		se.uploadFail("uploadDocument requires a record id")
		return
	}

	data, err := attach.DecodeDataURI(up.FileData)
	if err != nil {
		se.uploadFail(err.Error())
		return
	}

	att, err := se.srv.applyUpload(up.RecordID, up.Filename, data)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			se.logger.Debug("upload for unknown record", "id", up.RecordID)
			return
		}
		se.logger.Error("upload failed", "id", up.RecordID, "error", err)
		se.uploadFail("failed to store document")
		return
	}

	se.enqueue(protocol.ServerMessage{
		Type:     protocol.MsgDocumentUploaded,
		Filename: att.Name,
	})
}

// fail unicasts a rejected-mutation error to this connection.
func (se *session) fail(msg string) {
	se.enqueue(protocol.ServerMessage{Type: protocol.MsgError, Error: msg})
}

// uploadFail unicasts an upload failure to this connection.
func (se *session) uploadFail(msg string) {
	se.enqueue(protocol.ServerMessage{Type: protocol.MsgDocumentUploadError, Error: msg})
}
