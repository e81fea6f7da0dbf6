package chathub_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roomchat/backend/internal/models"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockClient is an in-memory chathub.Client.
type mockClient struct {
	id     string
	userID string
	send   chan models.Event

	closeOnce sync.Once
	closed    atomic.Bool
}

func newMockClient(id, userID string, buffer int) *mockClient {
	return &mockClient{id: id, userID: userID, send: make(chan models.Event, buffer)}
}

func (c *mockClient) GetConnID() string                   { return c.id }
func (c *mockClient) GetUserID() string                   { return c.userID }
func (c *mockClient) GetSendChannel() chan<- models.Event { return c.send }
func (c *mockClient) Run()                                {}

func (c *mockClient) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// next waits for the next event.
func (c *mockClient) next(t *testing.T) models.Event {
	t.Helper()
	select {
	case ev, ok := <-c.send:
		require.True(t, ok, "send channel of %s closed", c.id)
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event for %s", c.id)
		return models.Event{}
	}
}

// drain returns every buffered event without waiting.
func (c *mockClient) drain() []models.Event {
	var out []models.Event
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ofType(events []models.Event, typ models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// mockDirectory is a testify mock of storage.RoomDirectory.
type mockDirectory struct {
	mock.Mock
}

func (d *mockDirectory) Room(_ context.Context, roomID string) (*models.Room, error) {
	args := d.Called(roomID)
	room, _ := args.Get(0).(*models.Room)
	return room, args.Error(1)
}

func (d *mockDirectory) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	args := d.Called(roomID, userID)
	return args.Bool(0), args.Error(1)
}

// fakeCatchup serves fixed batches, optionally holding every read until
// release is closed.
type fakeCatchup struct {
	release chan struct{}
	batches map[string]models.CatchupBatch
	err     error
	calls   atomic.Int32
}

func (f *fakeCatchup) Room(ctx context.Context, roomID string, after uint64) (models.CatchupBatch, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return models.CatchupBatch{}, ctx.Err()
		}
	}
	if f.err != nil {
		return models.CatchupBatch{}, f.err
	}
	b, ok := f.batches[roomID]
	if !ok {
		b = models.CatchupBatch{RoomID: roomID, LastSeq: after}
	}
	return b, nil
}

func (f *fakeCatchup) Resume(ctx context.Context, _ string, cursors map[string]uint64) (map[string]models.CatchupBatch, error) {
	out := make(map[string]models.CatchupBatch)
	for room, after := range cursors {
		b, err := f.Room(ctx, room, after)
		if err != nil {
			return out, err
		}
		out[room] = b
	}
	return out, nil
}
