package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"roomchat/backend/internal/chaterr"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insert(t *testing.T, s *storage.MemoryStore, room, token, body string) models.Message {
	t.Helper()
	msg := models.Message{RoomID: room, AuthorID: "u1", ClientToken: token, Body: body, PlainText: body}
	err := s.Commit(context.Background(), func(w storage.Writer) error {
		return w.InsertMessage(&msg)
	})
	require.NoError(t, err)
	return msg
}

func TestMemoryStore_InsertAssignsIncreasingIDs(t *testing.T) {
	s := storage.NewMemoryStore(nil)
	a := insert(t, s, "r1", "t1", "a")
	b := insert(t, s, "r2", "t1", "b")
	c := insert(t, s, "r1", "t2", "c")

	assert.Less(t, a.ID, b.ID)
	assert.Less(t, b.ID, c.ID)
	assert.Equal(t, 1, a.Version)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestMemoryStore_DuplicateTokenRejected(t *testing.T) {
	s := storage.NewMemoryStore(nil)
	first := insert(t, s, "r1", "t1", "a")

	dup := models.Message{RoomID: "r1", ClientToken: "t1", Body: "b"}
	err := s.Commit(context.Background(), func(w storage.Writer) error {
		return w.InsertMessage(&dup)
	})
	assert.ErrorIs(t, err, chaterr.ErrDuplicate)

	found, err := s.FindByClientToken(context.Background(), "r1", "t1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)
	assert.Equal(t, "a", found.Body)
}

func TestMemoryStore_FailedCommitAppliesNothing(t *testing.T) {
	s := storage.NewMemoryStore(nil)
	boom := errors.New("boom")

	err := s.Commit(context.Background(), func(w storage.Writer) error {
		msg := models.Message{RoomID: "r1", ClientToken: "t1", Body: "a"}
		if err := w.InsertMessage(&msg); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	found, err := s.FindByClientToken(context.Background(), "r1", "t1")
	require.NoError(t, err)
	assert.Nil(t, found)

	// The sequence is not consumed by the aborted commit.
	next := insert(t, s, "r1", "t2", "b")
	assert.Equal(t, uint64(1), next.ID)
}

func TestMemoryStore_InjectFault(t *testing.T) {
	s := storage.NewMemoryStore(nil)
	s.InjectFault(func() error { return chaterr.Transient(errors.New("db down")) })

	err := s.Commit(context.Background(), func(w storage.Writer) error { return nil })
	assert.True(t, chaterr.Retryable(err))

	s.InjectFault(nil)
	insert(t, s, "r1", "t1", "a")
}

func TestMemoryStore_SaveMessageVisibleAfterCommit(t *testing.T) {
	s := storage.NewMemoryStore(nil)
	msg := insert(t, s, "r1", "t1", "a")

	err := s.Commit(context.Background(), func(w storage.Writer) error {
		cur, err := w.GetMessage(msg.ID)
		if err != nil {
			return err
		}
		cur.Body = "edited"
		cur.Version++
		return w.SaveMessage(cur)
	})
	require.NoError(t, err)

	got, err := s.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Body)
	assert.Equal(t, 2, got.Version)

	_, err = s.GetMessage(context.Background(), 999)
	assert.ErrorIs(t, err, chaterr.ErrNotFound)
}

func TestMemoryStore_MessagesAfter(t *testing.T) {
	s := storage.NewMemoryStore(nil)
	m1 := insert(t, s, "r1", "t1", "a")
	insert(t, s, "r2", "t1", "x")
	m2 := insert(t, s, "r1", "t2", "b")
	m3 := insert(t, s, "r1", "t3", "c")

	all, err := s.MessagesAfter(context.Background(), "r1", 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []uint64{m1.ID, m2.ID, m3.ID}, []uint64{all[0].ID, all[1].ID, all[2].ID})

	tail, err := s.MessagesAfter(context.Background(), "r1", m1.ID, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, m2.ID, tail[0].ID)
}

func TestMemoryStore_ReadsReturnCopies(t *testing.T) {
	s := storage.NewMemoryStore(nil)
	msg := insert(t, s, "r1", "t1", "a")

	got, err := s.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	got.Body = "mutated"

	again, err := s.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Body)
}

func TestMemoryStore_ScanMessagesInBatches(t *testing.T) {
	s := storage.NewMemoryStore(func() time.Time { return time.Unix(0, 0) })
	for i := range 7 {
		insert(t, s, "r1", string(rune('a'+i)), "body")
	}

	var seen []uint64
	err := s.ScanMessages(context.Background(), 2, 3, func(m models.Message) error {
		seen = append(seen, m.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5, 6, 7}, seen)

	stop := errors.New("stop")
	err = s.ScanMessages(context.Background(), 0, 2, func(m models.Message) error {
		if m.ID == 3 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
}

func TestMemoryStore_MessagesByIDsKeepsRequestOrder(t *testing.T) {
	s := storage.NewMemoryStore(nil)
	a := insert(t, s, "r1", "t1", "a")
	b := insert(t, s, "r1", "t2", "b")

	got, err := s.MessagesByIDs(context.Background(), []uint64{b.ID, 42, a.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, a.ID, got[1].ID)
}

func TestMemoryStore_FindUsersByHandles(t *testing.T) {
	s := storage.NewMemoryStore(nil)
	s.PutUser(models.User{ID: "u1", Handle: "alice"})
	s.PutUser(models.User{ID: "u2", Handle: "bob"})

	users, err := s.FindUsersByHandles(context.Background(), []string{"alice", "carol"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].ID)
}

func TestOpenDirectory_AdmitsEveryone(t *testing.T) {
	var d storage.RoomDirectory = storage.OpenDirectory{}
	ok, err := d.IsMember(context.Background(), "r1", "anyone")
	require.NoError(t, err)
	assert.True(t, ok)

	room, err := d.Room(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, room.IsOpen())
}
