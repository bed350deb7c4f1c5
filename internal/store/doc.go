// Package store provides storage and pub/sub functionality for roster records.
//
// This package is internal to Rosterboard and manages the canonical in-memory
// collection of student records together with its persisted JSON mirror. It
// implements a publish-subscribe pattern so mutations can be pushed to
// connected viewers in real time.
//
// The main components are:
//
//   - [Store]: Interface defining collection and subscription operations
//   - [Roster]: File-backed implementation of Store with pub/sub
//   - [Record]: A single roster entry
//   - [Event]: A mutation notification delivered to subscribers
//
// The store is designed for concurrent access with proper synchronization.
// Every mutation persists the full collection synchronously before the
// corresponding event is published, so the persisted file always reflects
// the last fully-applied mutation. Subscribers receive events via channels
// with non-blocking sends (slow subscribers will miss updates rather than
// block the system).
package store
