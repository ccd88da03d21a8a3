// Package store provides the document store the settlement core persists to.
//
// Documents are JSON values addressed by (collection, id). The core assumes
// nothing beyond single-document atomicity, so every conditional state change
// goes through Update: the callback sees the current document and decides
// whether to write, and the backend guarantees no other writer slips in
// between the read and the write of that one document.
//
// Idempotency rationale
// ---------------------
//   - Create: checks for an existing document before inserting. If the key
//     already exists the stored value is returned unchanged and no write is
//     performed.
//   - Update: the callback returns write=false when the document already has
//     the desired state, so retries and racing callers do not rewrite it.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

// UpdateFunc receives the current document, or nil when it does not exist,
// and returns its replacement. Returning write=false leaves the stored
// document untouched.
type UpdateFunc func(current []byte) (next []byte, write bool, err error)

// Store is a keyed JSON-document store.
type Store interface {
	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, collection, id string) ([]byte, error)

	// Put stores doc unconditionally.
	Put(ctx context.Context, collection, id string, doc []byte) error

	// Create stores doc only if id is absent. It returns the stored
	// document and whether this call created it.
	Create(ctx context.Context, collection, id string, doc []byte) ([]byte, bool, error)

	// Update runs fn against the current document atomically. It returns the
	// resulting document and whether a write happened.
	Update(ctx context.Context, collection, id string, fn UpdateFunc) ([]byte, bool, error)

	// Query returns every document whose top-level field equals value.
	Query(ctx context.Context, collection, field string, value any) ([][]byte, error)

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error

	Close() error
}

// fieldEquals reports whether the top-level field of doc JSON-encodes to want.
func fieldEquals(doc []byte, field string, want []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false
	}
	got, ok := fields[field]
	return ok && rawEqual(got, want)
}

// rawEqual compares two JSON values ignoring insignificant whitespace.
func rawEqual(x, y []byte) bool {
	var a, b bytes.Buffer
	if json.Compact(&a, x) != nil || json.Compact(&b, y) != nil {
		return false
	}
	return bytes.Equal(a.Bytes(), b.Bytes())
}
