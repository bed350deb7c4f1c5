// Package protocol defines the wire messages exchanged between the
// Rosterboard server and its connected viewers.
//
// Messages travel as JSON over a websocket. Client messages carry commands
// (search, add, update, remove, upload); server messages carry either the
// full collection (sent once on connect and in reply to search) or a
// single-record patch describing one mutation. Patches are broadcast to
// every connection; search results, upload outcomes, and errors are unicast
// to the connection that triggered them.
package protocol

import (
	"github.com/mwhitfield/rosterboard/internal/store"
)

// Client message types.
const (
	// MsgSearch requests a server-side free-text search. Unicast reply.
	MsgSearch = "search"

	// MsgAddStudent appends a record to the roster.
	MsgAddStudent = "addStudent"

	// MsgUpdateStudent overwrites the record with the carried record's ID.
	MsgUpdateStudent = "updateStudent"

	// MsgRemoveStudent removes the record with the carried record's ID.
	MsgRemoveStudent = "removeStudent"

	// MsgUploadDocument attaches a document to a record by ID.
	MsgUploadDocument = "uploadDocument"
)

// Server message types.
const (
	// MsgStudents carries the full collection. Sent once on connect.
	MsgStudents = "students"

	// MsgFilteredStudents carries a search result. Unicast.
	MsgFilteredStudents = "filteredStudents"

	// MsgStudentAdded, MsgStudentUpdated, and MsgStudentRemoved carry
	// single-record patches. Broadcast to all connections.
	MsgStudentAdded   = "studentAdded"
	MsgStudentUpdated = "studentUpdated"
	MsgStudentRemoved = "studentRemoved"

	// MsgDocumentUploaded confirms a successful upload. Unicast.
	MsgDocumentUploaded = "documentUploaded"

	// MsgDocumentUploadError reports a failed upload. Unicast.
	MsgDocumentUploadError = "documentUploadError"

	// MsgError reports a rejected mutation (validation or duplicate).
	// Unicast.
	MsgError = "error"
)

// Upload is the payload of a MsgUploadDocument message.
type Upload struct {
	// RecordID identifies the target record.
	RecordID string `json:"record_id"`

	// Filename is the client-supplied display name.
	Filename string `json:"filename"`

	// FileData is the document encoded as a data:<mime>;base64,<payload> URI.
	FileData string `json:"file_data"`
}

// ClientMessage is a command sent from a viewer to the server.
type ClientMessage struct {
	Type string `json:"type"`

	// Term is the lower-cased search term for MsgSearch.
	Term string `json:"term,omitempty"`

	// Record is the subject of add/update/remove commands.
	Record *store.Record `json:"record,omitempty"`

	// Upload is the payload of MsgUploadDocument.
	Upload *Upload `json:"upload,omitempty"`
}

// ServerMessage is a notification sent from the server to a viewer.
type ServerMessage struct {
	Type string `json:"type"`

	// Records carries the full collection (MsgStudents) or a search result
	// (MsgFilteredStudents).
	Records []store.Record `json:"records,omitempty"`

	// Record carries the single affected record for patch messages.
	Record *store.Record `json:"record,omitempty"`

	// Filename confirms the stored display name for MsgDocumentUploaded.
	Filename string `json:"filename,omitempty"`

	// Error describes the failure for MsgError and MsgDocumentUploadError.
	Error string `json:"error,omitempty"`
}

// Patch converts a store mutation event into its broadcast message.
func Patch(e store.Event) ServerMessage {
	rec := e.Record
	msg := ServerMessage{Record: &rec}

	switch e.Type {
	case store.EventAdded:
		msg.Type = MsgStudentAdded
	case store.EventUpdated:
		msg.Type = MsgStudentUpdated
	case store.EventRemoved:
		msg.Type = MsgStudentRemoved
	}
	return msg
}

// Snapshot builds the full-collection message sent on connect.
func Snapshot(records []store.Record) ServerMessage {
	return ServerMessage{Type: MsgStudents, Records: records}
}
