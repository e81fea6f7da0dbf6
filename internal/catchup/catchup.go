// Package catchup reads the messages a reconnecting client missed.
package catchup

import (
	"context"
	"fmt"
	"sync"

	"roomchat/backend/internal/metrics"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/storage"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Coordinator runs catch-up reads through a bounded reader pool shared by
// all reconnecting clients.
type Coordinator struct {
	store   storage.Reader
	readers *semaphore.Weighted
	max     int
	log     zerolog.Logger
}

// New creates a Coordinator allowing poolSize concurrent store reads and
// replaying at most maxPerRoom messages per room.
func New(store storage.Reader, poolSize int64, maxPerRoom int, log zerolog.Logger) *Coordinator {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Coordinator{
		store:   store,
		readers: semaphore.NewWeighted(poolSize),
		max:     maxPerRoom,
		log:     log.With().Str("component", "catchup").Logger(),
	}
}

// Room reads the messages of roomID after the cursor, oldest first.
// Tombstones advance LastSeq but are not replayed.
func (c *Coordinator) Room(ctx context.Context, roomID string, after uint64) (models.CatchupBatch, error) {
	if err := c.readers.Acquire(ctx, 1); err != nil {
		return models.CatchupBatch{}, err
	}
	defer c.readers.Release(1)

	limit := 0
	if c.max > 0 {
		limit = c.max + 1
	}
	msgs, err := c.store.MessagesAfter(ctx, roomID, after, limit)
	if err != nil {
		return models.CatchupBatch{}, fmt.Errorf("catch-up read for room %s: %w", roomID, err)
	}

	batch := models.CatchupBatch{RoomID: roomID, LastSeq: after}
	if c.max > 0 && len(msgs) > c.max {
		msgs = msgs[:c.max]
		batch.Truncated = true
	}
	batch.Messages = make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		batch.LastSeq = m.ID
		if m.Deleted() {
			continue
		}
		batch.Messages = append(batch.Messages, m)
	}
	metrics.CatchupMessages.Observe(float64(len(batch.Messages)))
	return batch, nil
}

// Resume reads every room in cursors concurrently. On error it returns the
// batches completed so far together with the first error.
func (c *Coordinator) Resume(ctx context.Context, userID string, cursors map[string]uint64) (map[string]models.CatchupBatch, error) {
	var mu sync.Mutex
	out := make(map[string]models.CatchupBatch, len(cursors))

	g, gctx := errgroup.WithContext(ctx)
	for room, after := range cursors {
		g.Go(func() error {
			batch, err := c.Room(gctx, room, after)
			if err != nil {
				return err
			}
			mu.Lock()
			out[room] = batch
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Int("rooms", len(cursors)).Msg("catch-up incomplete")
	}
	mu.Lock()
	defer mu.Unlock()
	return out, err
}
