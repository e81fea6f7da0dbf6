// Package serializer runs every state-changing operation of the chat core
// through one bounded queue drained by a single worker goroutine.
package serializer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roomchat/backend/internal/chaterr"
	"roomchat/backend/internal/clock"
	"roomchat/backend/internal/metrics"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/storage"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Kind says what a committed operation did to its message.
type Kind string

const (
	KindCreated Kind = "created"
	KindEdited  Kind = "edited"
	KindDeleted Kind = "deleted"
)

// Outcome is what an Op reports back from inside the commit.
type Outcome struct {
	Message *models.Message
	Kind    Kind
	// Mutated is false when the op resolved to existing state (a dedup hit
	// or a repeated delete). Only mutating commits reach the commit hook.
	Mutated bool
}

// Op is one atomic unit of work against the store.
type Op func(w storage.Writer) (Outcome, error)

// Result is returned to the submitter.
type Result struct {
	RequestID string
	Outcome
}

// Commit describes a mutating operation that the store accepted.
type Commit struct {
	RequestID   string
	Kind        Kind
	Message     models.Message
	CommittedAt time.Time
}

type reply struct {
	result Result
	err    error
}

// Request is a queued operation. Only the worker writes to result.
type Request struct {
	ID      string
	RoomID  string
	ActorID string

	ctx    context.Context
	op     Op
	result chan reply
}

// Options configures a Serializer.
type Options struct {
	QueueSize     int
	SubmitTimeout time.Duration
	Clock         clock.Clock
}

// Serializer is the single writer of the store.
type Serializer struct {
	store   storage.Store
	queue   chan *Request
	timeout time.Duration
	clock   clock.Clock
	log     zerolog.Logger

	onCommit func(Commit)

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

func New(store storage.Store, opts Options, log zerolog.Logger) *Serializer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Serializer{
		store:   store,
		queue:   make(chan *Request, opts.QueueSize),
		timeout: opts.SubmitTimeout,
		clock:   opts.Clock,
		log:     log.With().Str("component", "serializer").Logger(),
		done:    make(chan struct{}),
	}
}

// OnCommit installs the hook called after every mutating commit. The worker
// calls it synchronously, in commit order, so fn must not block for long.
// Set it before Start.
func (s *Serializer) OnCommit(fn func(Commit)) {
	s.onCommit = fn
}

// Start launches the worker.
func (s *Serializer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.run()
}

// Submit enqueues op and waits for its result.
//
// If the queue stays full for the submission timeout, Submit returns
// chaterr.ErrBackpressure and nothing was enqueued. Once enqueued, the op
// runs to completion even if ctx is cancelled; cancellation only abandons
// the wait.
func (s *Serializer) Submit(ctx context.Context, roomID, actorID string, op Op) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	req := &Request{
		ID:      ulid.Make().String(),
		RoomID:  roomID,
		ActorID: actorID,
		ctx:     context.WithoutCancel(ctx),
		op:      op,
		result:  make(chan reply, 1),
	}

	if err := s.enqueue(ctx, req); err != nil {
		return Result{RequestID: req.ID}, err
	}

	select {
	case r := <-req.result:
		return r.result, r.err
	case <-ctx.Done():
		s.log.Debug().Str("request_id", req.ID).Msg("submitter stopped waiting")
		return Result{RequestID: req.ID}, ctx.Err()
	}
}

func (s *Serializer) enqueue(ctx context.Context, req *Request) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return chaterr.ErrClosed
	}

	select {
	case s.queue <- req:
		metrics.WriteQueueDepth.Set(float64(len(s.queue)))
		return nil
	default:
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case s.queue <- req:
		metrics.WriteQueueDepth.Set(float64(len(s.queue)))
		return nil
	case <-timer.C:
		metrics.WriteQueueRejects.Inc()
		s.log.Warn().Str("room_id", req.RoomID).Dur("timeout", s.timeout).Msg("write queue full")
		return chaterr.ErrBackpressure
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting requests, drains the queue and waits for the worker.
func (s *Serializer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	close(s.queue)
	s.mu.Unlock()

	if started {
		<-s.done
	}
	s.log.Info().Msg("write serializer stopped")
}

// Pending returns the number of queued requests.
func (s *Serializer) Pending() int {
	return len(s.queue)
}

func (s *Serializer) run() {
	defer close(s.done)
	for req := range s.queue {
		metrics.WriteQueueDepth.Set(float64(len(s.queue)))
		s.execute(req)
	}
}

func (s *Serializer) execute(req *Request) {
	start := time.Now()
	out, err := s.apply(req)
	metrics.CommitDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.CommitErrors.WithLabelValues(chaterr.Code(err)).Inc()
		ev := s.log.Debug()
		if !chaterr.IsDomain(err) {
			ev = s.log.Error()
		}
		ev.Err(err).Str("request_id", req.ID).Str("room_id", req.RoomID).Msg("write op failed")
		req.result <- reply{result: Result{RequestID: req.ID}, err: err}
		return
	}

	if out.Mutated && out.Message != nil {
		s.record(out.Kind)
		if s.onCommit != nil {
			s.onCommit(Commit{
				RequestID:   req.ID,
				Kind:        out.Kind,
				Message:     out.Message.Clone(),
				CommittedAt: s.clock.Now(),
			})
		}
	}
	req.result <- reply{result: Result{RequestID: req.ID, Outcome: out}}
}

// apply runs the op inside one store commit. A panicking op fails its own
// request only.
func (s *Serializer) apply(req *Request) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("request_id", req.ID).Interface("panic", r).Msg("write op panicked")
			out, err = Outcome{}, chaterr.Fatal(fmt.Errorf("write op panicked: %v", r))
		}
	}()

	err = s.store.Commit(req.ctx, func(w storage.Writer) error {
		o, err := req.op(w)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (s *Serializer) record(kind Kind) {
	switch kind {
	case KindCreated:
		metrics.MessagesCreated.Inc()
	default:
		metrics.MessagesMutated.WithLabelValues(string(kind)).Inc()
	}
}
