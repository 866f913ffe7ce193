package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres implements Store on a JSONB documents table. Change notifications travel over
// the Feed; without one, subscribers only receive the initial snapshot.
type Postgres struct {
	pool   *pgxpool.Pool
	feed   *Feed
	logger *zap.Logger
}

// NewPostgres creates a Postgres-backed document store.
func NewPostgres(pool *pgxpool.Pool, feed *Feed, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, feed: feed, logger: logger}
}

// List returns every document of a collection ordered by a numeric field (missing or
// non-numeric values last), ties broken by insertion order.
func (s *Postgres) List(ctx context.Context, collection, orderBy string) ([]Document, error) {
	const q = `SELECT id::text, data FROM documents
		WHERE collection = $1
		ORDER BY CASE WHEN jsonb_typeof(data -> $2) = 'number' THEN (data ->> $2)::numeric END ASC NULLS LAST, seq ASC`
	rows, err := s.pool.Query(ctx, q, collection, orderBy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []Document{}
	for rows.Next() {
		var d Document
		var raw []byte
		if err := rows.Scan(&d.ID, &raw); err != nil {
			return nil, err
		}
		d.Data = raw
		list = append(list, d)
	}
	return list, rows.Err()
}

// GetOne returns a document by id.
func (s *Postgres) GetOne(ctx context.Context, collection, id string) (Document, error) {
	const q = `SELECT id::text, data FROM documents WHERE collection = $1 AND id::text = $2`
	var d Document
	var raw []byte
	err := s.pool.QueryRow(ctx, q, collection, id).Scan(&d.ID, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	d.Data = raw
	return d, nil
}

// Update merges fields into the document's top-level keys and announces the change.
func (s *Postgres) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	const q = `UPDATE documents SET data = data || $3::jsonb, updated_at = NOW()
		WHERE collection = $1 AND id::text = $2`
	tag, err := s.pool.Exec(ctx, q, collection, id, patch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if s.feed != nil {
		if err := s.feed.Notify(ctx, collection, id); err != nil {
			s.logger.Warn("change notification failed", zap.Error(err), zap.String("collection", collection), zap.String("id", id))
		}
	}
	return nil
}

// Subscribe delivers the current snapshot, then a fresh one after every change
// notification until ctx is done or the subscription is released.
func (s *Postgres) Subscribe(ctx context.Context, collection, orderBy string, handler SnapshotHandler) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	var changes <-chan struct{}
	if s.feed != nil {
		ch, err := s.feed.Listen(ctx, collection)
		if err != nil {
			cancel()
			return nil, err
		}
		changes = ch
	}

	read := func() {
		docs, err := s.List(ctx, collection, orderBy)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			handler(Snapshot{Collection: collection}, fmt.Errorf("read %s: %w", collection, err))
			return
		}
		handler(Snapshot{Collection: collection, Documents: docs, ReadAt: time.Now()}, nil)
	}

	go func() {
		read()
		if changes == nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					if ctx.Err() == nil {
						handler(Snapshot{Collection: collection}, errors.New("change feed closed"))
					}
					return
				}
				read()
			}
		}
	}()

	return cancel, nil
}
