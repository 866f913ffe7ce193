// Package docstore is the document-store collaborator: ordered collection snapshots
// delivered on every change, best-effort partial updates and single-document reads.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a document does not exist in a collection.
var ErrNotFound = errors.New("document not found")

// Document is one record of a collection.
type Document struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Snapshot is a full, ordered read of a collection.
type Snapshot struct {
	Collection string
	Documents  []Document
	ReadAt     time.Time
}

// SnapshotHandler receives every snapshot of a subscription, or the stream error that
// prevented one from being read.
type SnapshotHandler func(snap Snapshot, err error)

// Subscriber opens live views of a collection. The returned function releases the
// subscription; it is safe to call more than once.
type Subscriber interface {
	Subscribe(ctx context.Context, collection, orderBy string, handler SnapshotHandler) (unsubscribe func(), err error)
}

// Updater applies a partial update to one document.
type Updater interface {
	Update(ctx context.Context, collection, id string, fields map[string]any) error
}

// Getter reads one document.
type Getter interface {
	GetOne(ctx context.Context, collection, id string) (Document, error)
}

// Store is the full collaborator surface.
type Store interface {
	Subscriber
	Updater
	Getter
}
