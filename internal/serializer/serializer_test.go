package serializer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"roomchat/backend/internal/chaterr"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/serializer"
	"roomchat/backend/internal/storage"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createOp(room, token string) serializer.Op {
	return func(w storage.Writer) (serializer.Outcome, error) {
		msg := &models.Message{RoomID: room, AuthorID: "u1", ClientToken: token, Body: token}
		if err := w.InsertMessage(msg); err != nil {
			return serializer.Outcome{}, err
		}
		return serializer.Outcome{Message: msg, Kind: serializer.KindCreated, Mutated: true}, nil
	}
}

func newSerializer(t *testing.T, store storage.Store, queue int, timeout time.Duration) *serializer.Serializer {
	t.Helper()
	s := serializer.New(store, serializer.Options{QueueSize: queue, SubmitTimeout: timeout}, zerolog.Nop())
	t.Cleanup(s.Close)
	return s
}

// blockFirstCommit makes the first commit wait until release is closed.
func blockFirstCommit(store *storage.MemoryStore) (entered <-chan struct{}, release chan struct{}) {
	in := make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	store.InjectFault(func() error {
		first := false
		once.Do(func() { first = true })
		if first {
			close(in)
			<-release
		}
		return nil
	})
	return in, release
}

func TestSerializer_CommitOrderMatchesHookOrder(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	s := newSerializer(t, store, 16, time.Second)

	var mu sync.Mutex
	var hooked []uint64
	s.OnCommit(func(c serializer.Commit) {
		mu.Lock()
		hooked = append(hooked, c.Message.ID)
		mu.Unlock()
		assert.NotEmpty(t, c.RequestID)
	})
	s.Start()

	var ids []uint64
	for _, token := range []string{"a", "b", "c", "d"} {
		res, err := s.Submit(context.Background(), "r1", "u1", createOp("r1", token))
		require.NoError(t, err)
		ids = append(ids, res.Message.ID)
	}

	assert.IsIncreasing(t, ids)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, hooked)
}

func TestSerializer_NonMutatingOutcomeSkipsHook(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	s := newSerializer(t, store, 4, time.Second)
	calls := 0
	s.OnCommit(func(serializer.Commit) { calls++ })
	s.Start()

	res, err := s.Submit(context.Background(), "r1", "u1", func(w storage.Writer) (serializer.Outcome, error) {
		return serializer.Outcome{Message: &models.Message{ID: 7}, Kind: serializer.KindCreated}, nil
	})
	require.NoError(t, err)
	assert.False(t, res.Mutated)
	assert.Zero(t, calls)
}

func TestSerializer_FailedOpDoesNotStopWorker(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	s := newSerializer(t, store, 4, time.Second)
	s.Start()

	_, err := s.Submit(context.Background(), "r1", "u1", func(storage.Writer) (serializer.Outcome, error) {
		return serializer.Outcome{}, chaterr.ErrForbidden
	})
	assert.ErrorIs(t, err, chaterr.ErrForbidden)

	_, err = s.Submit(context.Background(), "r1", "u1", func(storage.Writer) (serializer.Outcome, error) {
		panic("bad op")
	})
	assert.ErrorIs(t, err, chaterr.ErrStorageFatal)

	res, err := s.Submit(context.Background(), "r1", "u1", createOp("r1", "ok"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Message.ID)
}

func TestSerializer_StorageErrorReturnedToCaller(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	store.InjectFault(func() error { return chaterr.Transient(errors.New("connection reset")) })
	s := newSerializer(t, store, 4, time.Second)
	s.Start()

	_, err := s.Submit(context.Background(), "r1", "u1", createOp("r1", "t1"))
	assert.ErrorIs(t, err, chaterr.ErrStorageTransient)
	assert.True(t, chaterr.Retryable(err))
}

func TestSerializer_BackpressureWhenQueueFull(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	entered, release := blockFirstCommit(store)
	s := newSerializer(t, store, 1, 20*time.Millisecond)
	s.Start()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = s.Submit(context.Background(), "r1", "u1", createOp("r1", "a"))
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = s.Submit(context.Background(), "r1", "u1", createOp("r1", "b"))
	}()
	require.Eventually(t, func() bool { return s.Pending() == 1 }, time.Second, time.Millisecond)

	_, err := s.Submit(context.Background(), "r1", "u1", createOp("r1", "c"))
	assert.ErrorIs(t, err, chaterr.ErrBackpressure)

	close(release)
	wg.Wait()
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])

	rejected, err := store.FindByClientToken(context.Background(), "r1", "c")
	require.NoError(t, err)
	assert.Nil(t, rejected)
}

func TestSerializer_CancelledWaitStillCommits(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	entered, release := blockFirstCommit(store)
	s := newSerializer(t, store, 4, time.Second)
	s.Start()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx, "r1", "u1", createOp("r1", "t1"))
		done <- err
	}()
	<-entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		msg, err := store.FindByClientToken(context.Background(), "r1", "t1")
		return err == nil && msg != nil
	}, time.Second, time.Millisecond)
}

func TestSerializer_CloseDrainsQueue(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	entered, release := blockFirstCommit(store)
	s := serializer.New(store, serializer.Options{QueueSize: 8, SubmitTimeout: time.Second}, zerolog.Nop())
	s.Start()

	var wg sync.WaitGroup
	for _, token := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Submit(context.Background(), "r1", "u1", createOp("r1", token))
			assert.NoError(t, err)
		}()
		if token == "a" {
			<-entered
		}
	}
	require.Eventually(t, func() bool { return s.Pending() == 2 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	close(release)
	<-closed
	wg.Wait()

	msgs, err := store.MessagesAfter(context.Background(), "r1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	_, err = s.Submit(context.Background(), "r1", "u1", createOp("r1", "late"))
	assert.ErrorIs(t, err, chaterr.ErrClosed)
}
