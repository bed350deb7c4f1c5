// Package server provides the HTTP and websocket server for Rosterboard.
//
// This package is internal to Rosterboard and handles all connection
// concerns:
//
//   - Page serving: embedded HTML pages at "/" and "/main"
//   - Realtime sync: websocket endpoint at "/ws" carrying protocol messages
//   - REST API: JSON endpoint at "/api/students" for a collection snapshot
//   - Uploads: multipart "POST /upload-document" as a redundant upload path,
//     and read-only attachment retrieval under "/upload/"
//
// Each websocket connection is handled by a session that reads one command
// at a time and applies it to completion (validate, mutate, persist,
// publish) before reading the next, so commands from a single connection
// are totally ordered. Mutations reach other connections as single-record
// patch messages fanned out through the store's subscriptions.
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
