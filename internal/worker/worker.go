package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/carousel/pkg/docstore"
	"github.com/aura-webinar/carousel/pkg/queue"
)

// DefaultStaleAfter is how old a queued correction may get before it is dropped. A newer
// snapshot will have issued a fresh one if it still applies.
const DefaultStaleAfter = 10 * time.Minute

// dequeueWait bounds each blocking pop so shutdown is noticed promptly.
const dequeueWait = 5 * time.Second

// DocumentUpdateProcessor applies queued document updates to the store.
type DocumentUpdateProcessor struct {
	store      docstore.Updater
	queue      *queue.Queue
	logger     *zap.Logger
	staleAfter time.Duration
	backoff    time.Duration
	now        func() time.Time
}

// NewDocumentUpdateProcessor creates a document update processor.
func NewDocumentUpdateProcessor(store docstore.Updater, q *queue.Queue, staleAfter time.Duration, logger *zap.Logger) *DocumentUpdateProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &DocumentUpdateProcessor{
		store:      store,
		queue:      q,
		logger:     logger,
		staleAfter: staleAfter,
		backoff:    queue.RetryBackoff,
		now:        time.Now,
	}
}

// Process executes one document update job. Jobs for documents that no longer exist and
// stale jobs succeed without writing.
func (p *DocumentUpdateProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeDocumentUpdate {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.DocumentUpdatePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if !payload.IssuedAt.IsZero() && p.now().Sub(payload.IssuedAt) > p.staleAfter {
		p.logger.Info("dropping stale document update", zap.String("job_id", job.ID), zap.String("id", payload.ID), zap.Time("issued_at", payload.IssuedAt))
		return nil
	}

	err := p.store.Update(ctx, payload.Collection, payload.ID, payload.Fields)
	if errors.Is(err, docstore.ErrNotFound) {
		p.logger.Info("document gone, update dropped", zap.String("collection", payload.Collection), zap.String("id", payload.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", payload.Collection, payload.ID, err)
	}
	p.logger.Debug("document update applied", zap.String("collection", payload.Collection), zap.String("id", payload.ID))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *DocumentUpdateProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("document update worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Int("attempt", job.Attempt))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *DocumentUpdateProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
