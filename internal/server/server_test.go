package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mwhitfield/rosterboard/internal/attach"
	"github.com/mwhitfield/rosterboard/internal/protocol"
	"github.com/mwhitfield/rosterboard/internal/store"
)

// helloURI decodes to the bytes "Hello".
const helloURI = "data:text/plain;base64,SGVsbG8="

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testAssets is a minimal page set exercising title substitution.
var testAssets = fstest.MapFS{
	"assets/index.html": {Data: []byte("<title>{{.Title}}</title>index")},
	"assets/main.html":  {Data: []byte("<title>{{.Title}}</title>main")},
}

// testEnv is a server under test plus its backing stores.
type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	roster *store.Roster
	mgr    *attach.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	rosterPath := filepath.Join(dir, "roster.json")
	if err := store.Init(rosterPath); err != nil {
		t.Fatal(err)
	}
	roster, err := store.Open(rosterPath)
	if err != nil {
		t.Fatal(err)
	}

	mgr, err := attach.NewManager(filepath.Join(dir, "upload"), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(roster, mgr, 0, 50<<20, testAssets, "Test Roster", testLogger())
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, roster: roster, mgr: mgr}
}

// dial opens a websocket connection to the test server.
func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMsg reads one server message with a deadline.
func readMsg(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

// sendMsg writes one client message.
func sendMsg(t *testing.T, conn *websocket.Conn, msg protocol.ClientMessage) {
	t.Helper()

	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func validRecord() store.Record {
	return store.Record{
		Group:       "A",
		Name:        "Ann",
		DateOfBirth: "2000-01-01",
		Reason:      "transfer",
	}
}

func TestHandleStudents(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.roster.Add(validRecord()); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(env.ts.URL + "/api/students")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/students = %d, want 200", resp.StatusCode)
	}
	var records []store.Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(records) != 1 || records[0].Name != "Ann" {
		t.Errorf("records = %+v, want one record named Ann", records)
	}
}

func TestHandleStudents_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.ts.URL+"/api/students", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/students = %d, want 405", resp.StatusCode)
	}
}

func TestPages(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/", http.StatusOK, "index"},
		{"/main", http.StatusOK, "main"},
		{"/nonexistent", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(env.ts.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.wantStatus)
			}
			if tt.wantBody != "" {
				if !strings.Contains(string(body), tt.wantBody) {
					t.Errorf("body = %q, want it to contain %q", body, tt.wantBody)
				}
				if !strings.Contains(string(body), "Test Roster") {
					t.Errorf("body = %q, want substituted title", body)
				}
			}
		})
	}
}

func TestWS_SnapshotOnConnect(t *testing.T) {
	env := newTestEnv(t)
	added, err := env.roster.Add(validRecord())
	if err != nil {
		t.Fatal(err)
	}

	conn := env.dial(t)
	msg := readMsg(t, conn)

	if msg.Type != protocol.MsgStudents {
		t.Fatalf("first message type = %q, want %q", msg.Type, protocol.MsgStudents)
	}
	if len(msg.Records) != 1 || msg.Records[0].ID != added.ID {
		t.Errorf("snapshot = %+v, want the seeded record", msg.Records)
	}
}

func TestWS_AddBroadcastsToAllConnections(t *testing.T) {
	env := newTestEnv(t)

	conn1 := env.dial(t)
	conn2 := env.dial(t)
	readMsg(t, conn1) // snapshots
	readMsg(t, conn2)

	rec := validRecord()
	sendMsg(t, conn1, protocol.ClientMessage{Type: protocol.MsgAddStudent, Record: &rec})

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		msg := readMsg(t, conn)
		if msg.Type != protocol.MsgStudentAdded {
			t.Fatalf("message type = %q, want %q", msg.Type, protocol.MsgStudentAdded)
		}
		if msg.Record == nil || msg.Record.Name != "Ann" {
			t.Errorf("patch record = %+v, want added record", msg.Record)
		}
		if msg.Record.ID == "" {
			t.Error("patch record has no ID")
		}
	}
}

func TestWS_AddValidationError(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t)
	readMsg(t, conn)

	rec := validRecord()
	rec.Name = "  "
	sendMsg(t, conn, protocol.ClientMessage{Type: protocol.MsgAddStudent, Record: &rec})

	msg := readMsg(t, conn)
	if msg.Type != protocol.MsgError {
		t.Fatalf("message type = %q, want %q", msg.Type, protocol.MsgError)
	}
	if got := len(env.roster.Snapshot()); got != 0 {
		t.Errorf("collection has %d records after rejected add, want 0", got)
	}
}

func TestWS_AddDuplicateError(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.roster.Add(validRecord()); err != nil {
		t.Fatal(err)
	}

	conn := env.dial(t)
	readMsg(t, conn)

	// server-side duplicate check must catch this even though the client
	// skipped its own
	rec := validRecord()
	sendMsg(t, conn, protocol.ClientMessage{Type: protocol.MsgAddStudent, Record: &rec})

	msg := readMsg(t, conn)
	if msg.Type != protocol.MsgError {
		t.Fatalf("message type = %q, want %q", msg.Type, protocol.MsgError)
	}
}

func TestWS_SearchIsUnicast(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.roster.Add(validRecord()); err != nil {
		t.Fatal(err)
	}

	conn := env.dial(t)
	readMsg(t, conn)

	sendMsg(t, conn, protocol.ClientMessage{Type: protocol.MsgSearch, Term: "ann"})
	msg := readMsg(t, conn)
	if msg.Type != protocol.MsgFilteredStudents {
		t.Fatalf("message type = %q, want %q", msg.Type, protocol.MsgFilteredStudents)
	}
	if len(msg.Records) != 1 {
		t.Fatalf("search returned %d records, want 1", len(msg.Records))
	}

	sendMsg(t, conn, protocol.ClientMessage{Type: protocol.MsgSearch, Term: "zzz"})
	msg = readMsg(t, conn)
	if len(msg.Records) != 0 {
		t.Errorf("search(zzz) returned %d records, want 0", len(msg.Records))
	}
}

func TestWS_UpdateBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	added, err := env.roster.Add(validRecord())
	if err != nil {
		t.Fatal(err)
	}

	conn := env.dial(t)
	readMsg(t, conn)

	edited := added
	edited.Reason = "expelled"
	sendMsg(t, conn, protocol.ClientMessage{Type: protocol.MsgUpdateStudent, Record: &edited})

	msg := readMsg(t, conn)
	if msg.Type != protocol.MsgStudentUpdated {
		t.Fatalf("message type = %q, want %q", msg.Type, protocol.MsgStudentUpdated)
	}
	if msg.Record.Reason != "expelled" {
		t.Errorf("patch reason = %q, want %q", msg.Record.Reason, "expelled")
	}
}

func TestWS_UpdateUnknownIDIsSilent(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t)
	readMsg(t, conn)

	rec := validRecord()
	rec.ID = "no-such-id"
	sendMsg(t, conn, protocol.ClientMessage{Type: protocol.MsgUpdateStudent, Record: &rec})

	// no reply of any kind; a subsequent search still answers, proving the
	// connection survived and nothing was broadcast in between
	sendMsg(t, conn, protocol.ClientMessage{Type: protocol.MsgSearch, Term: ""})
	msg := readMsg(t, conn)
	if msg.Type != protocol.MsgFilteredStudents {
		t.Errorf("message type = %q, want %q", msg.Type, protocol.MsgFilteredStudents)
	}
}

// An editor can submit a record copied before another client uploaded a
// document for it. The stale overwrite wins on record state, but the file the
// upload wrote must be deleted rather than left orphaned in storage.
func TestWS_StaleUpdateDeletesConcurrentUpload(t *testing.T) {
	env := newTestEnv(t)
	added, err := env.roster.Add(validRecord())
	if err != nil {
		t.Fatal(err)
	}
	stale := added // copied before the upload below

	if _, err := env.srv.applyUpload(added.ID, "note.txt", []byte("Hello")); err != nil {
		t.Fatalf("applyUpload() error = %v", err)
	}

	conn := env.dial(t)
	readMsg(t, conn)

	stale.Reason = "edited"
	sendMsg(t, conn, protocol.ClientMessage{Type: protocol.MsgUpdateStudent, Record: &stale})

	msg := readMsg(t, conn)
	if msg.Type != protocol.MsgStudentUpdated {
		t.Fatalf("message type = %q, want %q", msg.Type, protocol.MsgStudentUpdated)
	}

	rec, err := env.roster.Get(added.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Document != nil {
		t.Errorf("record document = %+v, want nil after stale overwrite", rec.Document)
	}
	entries, err := os.ReadDir(env.mgr.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("upload dir has %d entries after stale overwrite, want 0", len(entries))
	}
}

func TestWS_RemoveDeletesAttachment(t *testing.T) {
	env := newTestEnv(t)

	att, err := env.mgr.Store(helloURI, "note.txt")
	if err != nil {
		t.Fatal(err)
	}
	rec := validRecord()
	rec.Document = &att
	added, err := env.roster.Add(rec)
	if err != nil {
		t.Fatal(err)
	}

	conn := env.dial(t)
	readMsg(t, conn)

	sendMsg(t, conn, protocol.ClientMessage{Type: protocol.MsgRemoveStudent, Record: &store.Record{ID: added.ID}})

	msg := readMsg(t, conn)
	if msg.Type != protocol.MsgStudentRemoved {
		t.Fatalf("message type = %q, want %q", msg.Type, protocol.MsgStudentRemoved)
	}
	if got := len(env.roster.Snapshot()); got != 0 {
		t.Errorf("collection has %d records after remove, want 0", got)
	}

	// the attachment file must be gone too
	if _, err := os.Stat(filepath.Join(env.mgr.Dir(), att.Key)); !os.IsNotExist(err) {
		t.Errorf("attachment %s still exists after remove", att.Key)
	}
}

func TestWS_Upload(t *testing.T) {
	env := newTestEnv(t)
	added, err := env.roster.Add(validRecord())
	if err != nil {
		t.Fatal(err)
	}

	conn := env.dial(t)
	readMsg(t, conn)

	sendMsg(t, conn, protocol.ClientMessage{
		Type: protocol.MsgUploadDocument,
		Upload: &protocol.Upload{
			RecordID: added.ID,
			Filename: "note.txt",
			FileData: helloURI,
		},
	})

	// the studentUpdated broadcast and the documentUploaded unicast arrive
	// in either order
	var uploaded, patched bool
	for i := 0; i < 2; i++ {
		msg := readMsg(t, conn)
		switch msg.Type {
		case protocol.MsgDocumentUploaded:
			uploaded = true
			if msg.Filename != "note.txt" {
				t.Errorf("uploaded filename = %q, want %q", msg.Filename, "note.txt")
			}
		case protocol.MsgStudentUpdated:
			patched = true
			if msg.Record.Document == nil || msg.Record.Document.Name != "note.txt" {
				t.Errorf("patch document = %+v, want note.txt attachment", msg.Record.Document)
			}
		default:
			t.Fatalf("unexpected message type %q", msg.Type)
		}
	}
	if !uploaded || !patched {
		t.Fatalf("uploaded = %v, patched = %v, want both", uploaded, patched)
	}

	// storage holds the decoded bytes under the generated key
	rec, err := env.roster.Get(added.ID)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(env.mgr.Dir(), rec.Document.Key))
	if err != nil {
		t.Fatalf("read stored document: %v", err)
	}
	if string(data) != "Hello" {
		t.Errorf("stored bytes = %q, want %q", data, "Hello")
	}
}

func TestWS_UploadReplacesPrevious(t *testing.T) {
	env := newTestEnv(t)
	added, err := env.roster.Add(validRecord())
	if err != nil {
		t.Fatal(err)
	}

	conn := env.dial(t)
	readMsg(t, conn)

	sendMsg(t, conn, protocol.ClientMessage{
		Type:   protocol.MsgUploadDocument,
		Upload: &protocol.Upload{RecordID: added.ID, Filename: "old.txt", FileData: helloURI},
	})
	readMsg(t, conn)
	readMsg(t, conn)

	first, err := env.roster.Get(added.ID)
	if err != nil {
		t.Fatal(err)
	}

	sendMsg(t, conn, protocol.ClientMessage{
		Type:   protocol.MsgUploadDocument,
		Upload: &protocol.Upload{RecordID: added.ID, Filename: "new.txt", FileData: "data:text/plain;base64,V29ybGQ="},
	})
	readMsg(t, conn)
	readMsg(t, conn)

	if _, err := os.Stat(filepath.Join(env.mgr.Dir(), first.Document.Key)); !os.IsNotExist(err) {
		t.Errorf("old attachment %s still exists after replacement", first.Document.Key)
	}
	second, err := env.roster.Get(added.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Document.Name != "new.txt" {
		t.Errorf("document name = %q, want %q", second.Document.Name, "new.txt")
	}
}

func TestWS_UploadMalformedPayload(t *testing.T) {
	env := newTestEnv(t)
	added, err := env.roster.Add(validRecord())
	if err != nil {
		t.Fatal(err)
	}

	conn := env.dial(t)
	readMsg(t, conn)

	sendMsg(t, conn, protocol.ClientMessage{
		Type:   protocol.MsgUploadDocument,
		Upload: &protocol.Upload{RecordID: added.ID, Filename: "note.txt", FileData: "not-a-data-uri"},
	})

	msg := readMsg(t, conn)
	if msg.Type != protocol.MsgDocumentUploadError {
		t.Fatalf("message type = %q, want %q", msg.Type, protocol.MsgDocumentUploadError)
	}

	// collection and storage are unchanged
	rec, err := env.roster.Get(added.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Document != nil {
		t.Errorf("record document = %+v, want nil", rec.Document)
	}
	entries, err := os.ReadDir(env.mgr.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("upload dir has %d entries, want 0", len(entries))
	}
}

// multipartBody builds a multipart form with a record_id field and a file.
func multipartBody(t *testing.T, recordID, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("record_id", recordID); err != nil {
		t.Fatal(err)
	}
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func TestUploadDocument_Multipart(t *testing.T) {
	env := newTestEnv(t)
	added, err := env.roster.Add(validRecord())
	if err != nil {
		t.Fatal(err)
	}

	body, contentType := multipartBody(t, added.ID, "note.txt", []byte("Hello"))
	resp, err := http.Post(env.ts.URL+"/upload-document", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /upload-document = %d, want 200", resp.StatusCode)
	}
	var reply map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	if reply["filename"] != "note.txt" {
		t.Errorf("reply filename = %q, want %q", reply["filename"], "note.txt")
	}

	rec, err := env.roster.Get(added.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Document == nil || rec.Document.Name != "note.txt" {
		t.Errorf("record document = %+v, want note.txt attachment", rec.Document)
	}

	// the stored document is retrievable over the read-only upload path
	docResp, err := http.Get(env.ts.URL + "/upload/" + rec.Document.Key)
	if err != nil {
		t.Fatal(err)
	}
	defer docResp.Body.Close()
	data, _ := io.ReadAll(docResp.Body)
	if string(data) != "Hello" {
		t.Errorf("served document = %q, want %q", data, "Hello")
	}
}

func TestUploadDocument_UnknownRecord(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartBody(t, "no-such-id", "note.txt", []byte("Hello"))
	resp, err := http.Post(env.ts.URL+"/upload-document", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("POST /upload-document = %d, want 404", resp.StatusCode)
	}

	// the rejected upload must not leave a file behind
	entries, err := os.ReadDir(env.mgr.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("upload dir has %d entries after rejected upload, want 0", len(entries))
	}
}

func TestUploadDocument_TooLarge(t *testing.T) {
	env := newTestEnv(t)
	env.srv.maxUploadBytes = 100
	added, err := env.roster.Add(validRecord())
	if err != nil {
		t.Fatal(err)
	}

	body, contentType := multipartBody(t, added.ID, "big.bin", bytes.Repeat([]byte("x"), 4096))
	resp, err := http.Post(env.ts.URL+"/upload-document", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("POST /upload-document = %d, want 413", resp.StatusCode)
	}
}
