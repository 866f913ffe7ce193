package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	feedPrefix  = "docstore:"
	feedTimeout = 5 * time.Second
)

// changeEvent is the message published to Redis whenever a collection changes.
type changeEvent struct {
	Collection string `json:"collection"`
	ID         string `json:"id,omitempty"`
	At         int64  `json:"at"`
}

// Feed fans collection change notifications out across instances using Redis pub/sub.
type Feed struct {
	client *redis.Client
	logger *zap.Logger
}

// NewFeed creates a Redis-backed change feed.
func NewFeed(client *redis.Client, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{client: client, logger: logger}
}

// Notify announces that a document in collection changed.
func (f *Feed) Notify(ctx context.Context, collection, id string) error {
	body, err := json.Marshal(changeEvent{Collection: collection, ID: id, At: time.Now().UnixNano()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, feedTimeout)
	defer cancel()
	if err := f.client.Publish(ctx, feedPrefix+collection, body).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Listen subscribes to change notifications for collection. Notifications are coalesced:
// a reader that falls behind sees one pending signal, which is enough because every
// signal triggers a full re-read. The channel is closed when ctx is done.
func (f *Feed) Listen(ctx context.Context, collection string) (<-chan struct{}, error) {
	pubsub := f.client.Subscribe(ctx, feedPrefix+collection)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	out := make(chan struct{}, 1)
	ch := pubsub.Channel()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev changeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					f.logger.Debug("ignoring malformed change event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
