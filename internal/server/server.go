package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mwhitfield/rosterboard/internal/attach"
	"github.com/mwhitfield/rosterboard/internal/store"
)

const (
	// defaultTitle is used when no custom title is configured.
	defaultTitle = "Rosterboard"

	// titlePlaceholder is the marker in HTML that gets replaced with the
	// actual title.
	titlePlaceholder = "{{.Title}}"
)

// Server handles HTTP and websocket requests for the roster.
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	store          store.Store
	attachments    *attach.Manager
	port           int
	maxUploadBytes int64
	httpServer     *http.Server
	assets         fs.FS
	title          string
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	done           chan struct{}
	addr           net.Addr
}

// NewServer creates a new HTTP [Server].
//
// Parameters:
//   - st: Store holding the roster collection
//   - attachments: Manager for uploaded documents
//   - port: TCP port to listen on
//   - maxUploadBytes: request body cap for the multipart upload path
//   - assets: Embedded filesystem containing the web pages (may be nil)
//   - title: Page title (defaults to "Rosterboard" if empty)
//   - logger: Logger for server events
//
// The server is not started until [Server.Start] is called.
func NewServer(st store.Store, attachments *attach.Manager, port int, maxUploadBytes int64, assets fs.FS, title string, logger *slog.Logger) *Server {
	return &Server{
		store:          st,
		attachments:    attachments,
		port:           port,
		maxUploadBytes: maxUploadBytes,
		assets:         assets,
		title:          title,
		logger:         logger,
		done:           make(chan struct{}),
	}
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	mux := s.routes()

	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}
	s.addr = ln.Addr()

	s.httpServer = &http.Server{
		Handler: mux,
		// BaseContext derives all request contexts from the server context.
		// When ctx is cancelled, all request contexts are also cancelled,
		// which unblocks long-lived websocket read loops.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	// shutdown on context cancellation
	go func() {
		defer close(s.done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	return nil
}

// Wait blocks until the server has shut down. Only meaningful after a
// successful [Server.Start].
func (s *Server) Wait() {
	<-s.done
}

// Addr returns the bound listen address. Only meaningful after a successful
// [Server.Start]; with port 0 this reports the OS-assigned port.
func (s *Server) Addr() string {
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// routes builds the request mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/students", s.handleStudents)
	mux.HandleFunc("/upload-document", s.handleUploadDocument)
	mux.Handle("/upload/", http.StripPrefix("/upload/",
		http.FileServer(http.Dir(s.attachments.Dir()))))

	if s.assets != nil {
		mux.HandleFunc("/", s.handlePage("assets/index.html", true))
		mux.HandleFunc("/main", s.handlePage("assets/main.html", false))
	}

	return mux
}

// handlePage serves an embedded page with title substitution.
//
// rootOnly restricts the handler to the exact "/" path, since the root
// pattern otherwise matches everything.
func (s *Server) handlePage(name string, rootOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rootOnly && r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		content, err := fs.ReadFile(s.assets, name)
		if err != nil {
			http.Error(w, "Page not found", http.StatusInternalServerError)
			return
		}

		// apply title substitution with HTML escaping to prevent XSS
		title := s.title
		if title == "" {
			title = defaultTitle
		}
		safeTitle := html.EscapeString(title)
		rendered := strings.ReplaceAll(string(content), titlePlaceholder, safeTitle)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err = w.Write([]byte(rendered)); err != nil {
			s.logger.Error("failed to write page response", "error", err)
		}
	}
}

// handleStudents returns the full collection as JSON.
func (s *Server) handleStudents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records := s.store.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	if err := json.NewEncoder(w).Encode(records); err != nil {
		s.logger.Error("failed to encode students response", "error", err)
	}
}

// handleUploadDocument accepts a multipart document upload.
//
// This is a redundant upload path alongside the websocket-based upload; both
// write into the same attachment storage and update the same record, so the
// resulting patch reaches every connected viewer either way. Expects form
// fields "record_id" and "file".
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	recordID := r.FormValue("record_id")
	if recordID == "" {
		http.Error(w, "Missing record_id", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read file", http.StatusBadRequest)
		return
	}

	att, err := s.applyUpload(recordID, header.Filename, data)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Record not found", http.StatusNotFound)
			return
		}
		s.logger.Error("multipart upload failed", "record_id", recordID, "error", err)
		http.Error(w, "Failed to store document", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"filename": att.Name}); err != nil {
		s.logger.Error("failed to encode upload response", "error", err)
	}
}

// applyUpload stores document bytes for the given record and swaps the
// record's attachment reference in one store call, so a concurrent mutation
// of the same record cannot slip between the read and the write. Whichever
// attachment the swap displaced is deleted best-effort. The store publishes
// the resulting update to all connections.
func (s *Server) applyUpload(recordID, filename string, data []byte) (store.Attachment, error) {
	att, err := s.attachments.StoreBytes(data, filename)
	if err != nil {
		return store.Attachment{}, err
	}

	_, prev, err := s.store.SetDocument(recordID, &att)
	if err != nil {
		// the record is gone; don't orphan the file just written
		s.attachments.Delete(att.Key)
		return store.Attachment{}, err
	}
	if prev != nil && prev.Key != att.Key {
		s.attachments.Delete(prev.Key)
	}
	return att, nil
}
