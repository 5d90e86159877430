// Package storage persists bots, trade records and fills.
//
// The store is the single writer at record granularity. Trade status
// transitions are compare-and-set; attempts to move a terminal record are
// invariant violations and surface as ErrTerminalTransition.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStaleTransition is returned when the CAS precondition failed but
	// the record is not terminal (another writer got there first).
	ErrStaleTransition = errors.New("stale trade transition")
	// ErrTerminalTransition is returned on an attempt to move a trade out
	// of a terminal status. This is a bug, not an operating condition.
	ErrTerminalTransition = errors.New("attempted transition of terminal trade record")
)
