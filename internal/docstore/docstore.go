// Package docstore defines the document store the messaging core is built on.
//
// A Store keeps flat collections of schemaless documents keyed by generated ids.
// Implementations guarantee that a single UpdateFields call is applied atomically to
// one document; nothing spans documents. Subscriptions deliver a full query snapshot
// after every change that may affect it, at least once.
package docstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrAlreadyExists is returned by Create when the requested id is taken.
	ErrAlreadyExists = errors.New("document already exists")
	// ErrUnavailable wraps transport and infrastructure failures of the backend.
	ErrUnavailable = errors.New("document store unavailable")
)

// IDField is the key under which a document's id is exposed.
const IDField = "id"

// Document is a single stored record.
type Document map[string]any

// ID returns the document id, or "" when it has none yet.
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// Fields is a partial update. Plain values overwrite the field; FieldOp values
// transform it in place.
type Fields map[string]any

// Store is the adapter interface every backend implements.
type Store interface {
	// Create inserts doc and returns its id. A non-empty doc["id"] is used as the id.
	Create(ctx context.Context, collection string, doc Document) (string, error)
	// Get returns ErrNotFound when the document does not exist.
	Get(ctx context.Context, collection, id string) (Document, error)
	// UpdateFields applies fields atomically to one document.
	UpdateFields(ctx context.Context, collection, id string, fields Fields) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	BatchDelete(ctx context.Context, collection string, ids []string) error
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	// Subscribe streams the result of q every time it may have changed. The first
	// snapshot is delivered right away. The caller must Close the subscription or
	// cancel ctx.
	Subscribe(ctx context.Context, collection string, q Query) (Subscription, error)
}

// Subscription is a live query.
type Subscription interface {
	// Updates is closed when the subscription ends.
	Updates() <-chan []Document
	// Err reports why the stream ended. It is nil after a caller-initiated close.
	Err() error
	Close() error
}
