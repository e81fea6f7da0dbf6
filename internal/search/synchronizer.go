package search

import (
	"context"
	"fmt"
	"sync/atomic"

	"roomchat/backend/internal/chaterr"
	"roomchat/backend/internal/metrics"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/serializer"
	"roomchat/backend/internal/storage"

	"github.com/rs/zerolog"
)

const scanBatch = 500

// Results is a hydrated page of search hits.
type Results struct {
	Messages   []models.Message `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type rebuildRequest struct {
	ctx  context.Context
	done chan rebuildResult
}

type rebuildResult struct {
	docs int
	err  error
}

// Synchronizer applies committed writes to the index on its own goroutine,
// in commit order. Index failures are counted and repaired by a rebuild; they
// never reach the write path.
type Synchronizer struct {
	index *Index
	store storage.Reader
	log   zerolog.Logger

	lane      chan serializer.Commit
	rebuildCh chan rebuildRequest
	repair    chan struct{}
	running   atomic.Bool

	apply func(serializer.Commit) error
}

func NewSynchronizer(index *Index, store storage.Reader, laneSize int, log zerolog.Logger) *Synchronizer {
	if laneSize <= 0 {
		laneSize = 1
	}
	s := &Synchronizer{
		index:     index,
		store:     store,
		log:       log.With().Str("component", "search").Logger(),
		lane:      make(chan serializer.Commit, laneSize),
		rebuildCh: make(chan rebuildRequest),
		repair:    make(chan struct{}, 1),
	}
	s.apply = s.applyCommit
	return s
}

// Index returns the underlying index.
func (s *Synchronizer) Index() *Index { return s.index }

// Enqueue hands a commit to the index lane without blocking. A full lane is
// an index desync and schedules a rebuild.
func (s *Synchronizer) Enqueue(c serializer.Commit) {
	select {
	case s.lane <- c:
	default:
		s.desync(c, fmt.Errorf("%w: index lane full", chaterr.ErrIndexDesync))
	}
}

// Run drains the lane until ctx is done.
func (s *Synchronizer) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)
	s.log.Info().Msg("search synchronizer started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("search synchronizer stopped")
			return
		case c := <-s.lane:
			if err := s.safeApply(c); err != nil {
				s.desync(c, err)
			}
		case <-s.repair:
			if _, err := s.rebuild(ctx); err != nil {
				s.log.Error().Err(err).Msg("index repair failed")
			}
		case req := <-s.rebuildCh:
			n, err := s.rebuild(req.ctx)
			req.done <- rebuildResult{docs: n, err: err}
		}
	}
}

// Rebuild repopulates the index from the store. While Run is active the
// rebuild is executed on the lane goroutine so no commit is lost between the
// scan and the swap.
func (s *Synchronizer) Rebuild(ctx context.Context) (int, error) {
	if !s.running.Load() {
		return s.rebuild(ctx)
	}
	req := rebuildRequest{ctx: ctx, done: make(chan rebuildResult, 1)}
	select {
	case s.rebuildCh <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-req.done:
		return res.docs, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Synchronizer) rebuild(ctx context.Context) (int, error) {
	fresh := NewIndex()
	err := s.store.ScanMessages(ctx, 0, scanBatch, func(m models.Message) error {
		if m.Deleted() {
			fresh.Remove(m.ID, m.Version)
			return nil
		}
		fresh.Upsert(Document{ID: m.ID, RoomID: m.RoomID, Text: m.PlainText, Version: m.Version})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild index: %w", err)
	}
	s.index.replaceWith(fresh)
	n := s.index.Len()
	metrics.IndexedDocuments.Set(float64(n))
	s.log.Info().Int("documents", n).Msg("search index rebuilt")
	return n, nil
}

func (s *Synchronizer) safeApply(c serializer.Commit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", chaterr.ErrIndexDesync, r)
		}
	}()
	return s.apply(c)
}

func (s *Synchronizer) applyCommit(c serializer.Commit) error {
	m := c.Message
	if m.ID == 0 {
		return fmt.Errorf("%w: commit %s without message id", chaterr.ErrIndexDesync, c.RequestID)
	}
	switch {
	case c.Kind == serializer.KindDeleted, m.Deleted():
		s.index.Remove(m.ID, m.Version)
	default:
		s.index.Upsert(Document{ID: m.ID, RoomID: m.RoomID, Text: m.PlainText, Version: m.Version})
	}
	metrics.IndexedDocuments.Set(float64(s.index.Len()))
	return nil
}

func (s *Synchronizer) desync(c serializer.Commit, err error) {
	metrics.IndexDesyncs.Inc()
	s.log.Error().Err(err).
		Uint64("message_id", c.Message.ID).
		Str("request_id", c.RequestID).
		Msg("search index desync")
	select {
	case s.repair <- struct{}{}:
	default:
	}
}

// Search runs q against the index and hydrates hits from the store. Hits
// whose message was deleted or moved out of the allowed rooms since indexing
// are skipped.
func (s *Synchronizer) Search(ctx context.Context, q Query) (Results, error) {
	metrics.SearchQueries.Inc()
	page, err := s.index.Search(q)
	if err != nil {
		return Results{}, err
	}
	if len(page.Hits) == 0 {
		return Results{NextCursor: page.NextCursor}, nil
	}

	ids := make([]uint64, len(page.Hits))
	for i, h := range page.Hits {
		ids[i] = h.ID
	}
	msgs, err := s.store.MessagesByIDs(ctx, ids)
	if err != nil {
		return Results{}, err
	}

	allowed := make(map[string]bool, len(q.Rooms))
	for _, r := range q.Rooms {
		allowed[r] = true
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.Deleted() || !allowed[m.RoomID] {
			continue
		}
		out = append(out, m)
	}
	return Results{Messages: out, NextCursor: page.NextCursor}, nil
}
