package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Memory implements Store in memory. Safe for concurrent use.
// Snapshots are delivered asynchronously, in order, on a goroutine per subscription.
type Memory struct {
	mu      sync.RWMutex
	docs    map[string][]Document // collection -> documents in insertion order
	subs    map[int]*memorySub
	nextSub int
	failErr error
}

type memorySub struct {
	collection string
	orderBy    string
	queue      chan Snapshot
	stop       chan struct{}
	once       sync.Once
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string][]Document),
		subs: make(map[int]*memorySub),
	}
}

// Put inserts or replaces a document and notifies subscribers of the collection.
func (m *Memory) Put(collection, id string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	m.mu.Lock()
	list := m.docs[collection]
	if i := indexOf(list, id); i >= 0 {
		list[i] = Document{ID: id, Data: raw}
	} else {
		m.docs[collection] = append(list, Document{ID: id, Data: raw})
	}
	m.mu.Unlock()
	m.notify(collection)
	return nil
}

// Delete removes a document and notifies subscribers.
func (m *Memory) Delete(collection, id string) {
	m.mu.Lock()
	list := m.docs[collection]
	if i := indexOf(list, id); i >= 0 {
		m.docs[collection] = slices.Delete(list, i, i+1)
	}
	m.mu.Unlock()
	m.notify(collection)
}

// FailUpdates makes Update return err until it is called again with nil. Used to
// exercise write failures.
func (m *Memory) FailUpdates(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Update merges fields into the stored document (top-level keys only).
func (m *Memory) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	if err := m.failErr; err != nil {
		m.mu.Unlock()
		return err
	}
	list := m.docs[collection]
	i := indexOf(list, id)
	if i < 0 {
		m.mu.Unlock()
		return ErrNotFound
	}
	merged := map[string]any{}
	if err := json.Unmarshal(list[i].Data, &merged); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("decode document %s: %w", id, err)
	}
	for k, v := range fields {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("encode document %s: %w", id, err)
	}
	list[i] = Document{ID: id, Data: raw}
	m.mu.Unlock()
	m.notify(collection)
	return nil
}

// GetOne returns a copy of one document.
func (m *Memory) GetOne(ctx context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.docs[collection]
	i := indexOf(list, id)
	if i < 0 {
		return Document{}, ErrNotFound
	}
	return cloneDoc(list[i]), nil
}

// Subscribe delivers the current snapshot and one more after every change.
func (m *Memory) Subscribe(ctx context.Context, collection, orderBy string, handler SnapshotHandler) (func(), error) {
	sub := &memorySub{
		collection: collection,
		orderBy:    orderBy,
		queue:      make(chan Snapshot, 64),
		stop:       make(chan struct{}),
	}
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	sub.queue <- m.snapshotLocked(collection, orderBy)
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.stop:
				return
			case snap := <-sub.queue:
				handler(snap, nil)
			}
		}
	}()

	return func() {
		sub.once.Do(func() {
			close(sub.stop)
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}, nil
}

// Subscribers reports the number of open subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func (m *Memory) notify(collection string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if sub.collection != collection {
			continue
		}
		select {
		case sub.queue <- m.snapshotLocked(collection, sub.orderBy):
		case <-sub.stop:
		}
	}
}

func (m *Memory) snapshotLocked(collection, orderBy string) Snapshot {
	list := m.docs[collection]
	docs := make([]Document, len(list))
	for i, d := range list {
		docs[i] = cloneDoc(d)
	}
	if orderBy != "" {
		sortByField(docs, orderBy)
	}
	return Snapshot{Collection: collection, Documents: docs, ReadAt: time.Now()}
}

// sortByField orders documents by a numeric field ascending, keeping insertion order for
// ties. Documents without a numeric value sort last, matching the Postgres store.
func sortByField(docs []Document, field string) {
	slices.SortStableFunc(docs, func(a, b Document) int {
		av := gjson.GetBytes(a.Data, field)
		bv := gjson.GetBytes(b.Data, field)
		aok, bok := av.Type == gjson.Number, bv.Type == gjson.Number
		switch {
		case aok && bok:
			switch {
			case av.Num < bv.Num:
				return -1
			case av.Num > bv.Num:
				return 1
			}
			return 0
		case aok:
			return -1
		case bok:
			return 1
		}
		return 0
	})
}

func indexOf(list []Document, id string) int {
	return slices.IndexFunc(list, func(d Document) bool { return d.ID == id })
}

func cloneDoc(d Document) Document {
	return Document{ID: d.ID, Data: slices.Clone(d.Data)}
}
