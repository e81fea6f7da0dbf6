package catchup_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"roomchat/backend/internal/catchup"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/storage"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store *storage.MemoryStore, room string, n int) []models.Message {
	t.Helper()
	var out []models.Message
	for i := range n {
		msg := models.Message{RoomID: room, AuthorID: "u1", ClientToken: room + string(rune('a'+i)), Body: "m"}
		require.NoError(t, store.Commit(context.Background(), func(w storage.Writer) error {
			return w.InsertMessage(&msg)
		}))
		out = append(out, msg)
	}
	return out
}

func TestCoordinator_ReturnsMessagesAfterCursor(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	r1 := seed(t, store, "r1", 4)
	seed(t, store, "r2", 2)

	c := catchup.New(store, 4, 100, zerolog.Nop())
	batch, err := c.Room(context.Background(), "r1", r1[1].ID)
	require.NoError(t, err)

	require.Len(t, batch.Messages, 2)
	assert.Equal(t, r1[2].ID, batch.Messages[0].ID)
	assert.Equal(t, r1[3].ID, batch.Messages[1].ID)
	assert.Equal(t, r1[3].ID, batch.LastSeq)
	assert.False(t, batch.Truncated)
}

func TestCoordinator_EmptyWhenUpToDate(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	r1 := seed(t, store, "r1", 2)

	c := catchup.New(store, 1, 100, zerolog.Nop())
	batch, err := c.Room(context.Background(), "r1", r1[1].ID)
	require.NoError(t, err)
	assert.Empty(t, batch.Messages)
	assert.Equal(t, r1[1].ID, batch.LastSeq)
}

func TestCoordinator_TruncatesAtLimit(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	r1 := seed(t, store, "r1", 5)

	c := catchup.New(store, 1, 3, zerolog.Nop())
	batch, err := c.Room(context.Background(), "r1", 0)
	require.NoError(t, err)
	assert.Len(t, batch.Messages, 3)
	assert.True(t, batch.Truncated)
	assert.Equal(t, r1[2].ID, batch.LastSeq)
}

func TestCoordinator_SkipsTombstonesButAdvancesCursor(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	r1 := seed(t, store, "r1", 2)
	require.NoError(t, store.Commit(context.Background(), func(w storage.Writer) error {
		m, err := w.GetMessage(r1[1].ID)
		if err != nil {
			return err
		}
		now := time.Now()
		m.DeletedAt = &now
		return w.SaveMessage(m)
	}))

	c := catchup.New(store, 1, 10, zerolog.Nop())
	batch, err := c.Room(context.Background(), "r1", 0)
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, r1[1].ID, batch.LastSeq)
}

func TestCoordinator_ResumeAllRooms(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	seed(t, store, "r1", 3)
	r2 := seed(t, store, "r2", 2)

	c := catchup.New(store, 2, 100, zerolog.Nop())
	batches, err := c.Resume(context.Background(), "u1", map[string]uint64{"r1": 0, "r2": r2[0].ID})
	require.NoError(t, err)
	assert.Len(t, batches["r1"].Messages, 3)
	assert.Len(t, batches["r2"].Messages, 1)
}

// failingReader fails MessagesAfter for one room.
type failingReader struct {
	storage.Reader
	mock.Mock
}

func (f *failingReader) MessagesAfter(ctx context.Context, roomID string, after uint64, limit int) ([]models.Message, error) {
	args := f.Called(roomID)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return args.Get(0).([]models.Message), nil
}

func TestCoordinator_ResumeReportsReadFailure(t *testing.T) {
	reader := &failingReader{}
	boom := errors.New("replica unavailable")
	reader.On("MessagesAfter", "r1").Return([]models.Message(nil), boom)

	c := catchup.New(reader, 2, 10, zerolog.Nop())
	_, err := c.Resume(context.Background(), "u1", map[string]uint64{"r1": 0})
	assert.ErrorIs(t, err, boom)
	reader.AssertExpectations(t)
}
