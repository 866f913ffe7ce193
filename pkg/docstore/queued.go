package docstore

import (
	"context"
	"fmt"

	"github.com/aura-webinar/carousel/pkg/queue"
)

// QueuedUpdater implements Updater by handing updates to the job queue. The worker
// applies them against the real store, retrying and dead-lettering as the queue dictates.
type QueuedUpdater struct {
	queue *queue.Queue
}

// NewQueuedUpdater creates an updater backed by q.
func NewQueuedUpdater(q *queue.Queue) *QueuedUpdater {
	return &QueuedUpdater{queue: q}
}

// Update enqueues the update. A nil error means the job was accepted, not applied.
func (u *QueuedUpdater) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := u.queue.EnqueueDocumentUpdate(ctx, queue.DocumentUpdatePayload{
		Collection: collection,
		ID:         id,
		Fields:     fields,
	}); err != nil {
		return fmt.Errorf("enqueue update %s/%s: %w", collection, id, err)
	}
	return nil
}
