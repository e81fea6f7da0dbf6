package search_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"roomchat/backend/internal/models"
	"roomchat/backend/internal/search"
	"roomchat/backend/internal/serializer"
	"roomchat/backend/internal/storage"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store *storage.MemoryStore, room, token, text string) models.Message {
	t.Helper()
	msg := models.Message{RoomID: room, AuthorID: "u1", ClientToken: token, Body: text, PlainText: text}
	require.NoError(t, store.Commit(context.Background(), func(w storage.Writer) error {
		return w.InsertMessage(&msg)
	}))
	return msg
}

func startSync(t *testing.T, store storage.Reader) *search.Synchronizer {
	t.Helper()
	s := search.NewSynchronizer(search.NewIndex(), store, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s
}

func TestSynchronizer_AppliesCommitsAndHydrates(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	s := startSync(t, store)

	m1 := seed(t, store, "r1", "t1", "release notes drafted")
	m2 := seed(t, store, "r1", "t2", "release shipped")
	s.Enqueue(serializer.Commit{Kind: serializer.KindCreated, Message: m1})
	s.Enqueue(serializer.Commit{Kind: serializer.KindCreated, Message: m2})

	require.Eventually(t, func() bool { return s.Index().Len() == 2 }, time.Second, time.Millisecond)

	res, err := s.Search(context.Background(), search.Query{Text: "release", Rooms: []string{"r1"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "release shipped", res.Messages[0].Body)
}

func TestSynchronizer_DeleteRemovesDocument(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	s := startSync(t, store)

	m := seed(t, store, "r1", "t1", "temporary note")
	s.Enqueue(serializer.Commit{Kind: serializer.KindCreated, Message: m})
	require.Eventually(t, func() bool { return s.Index().Len() == 1 }, time.Second, time.Millisecond)

	now := time.Now()
	deleted := m.Clone()
	deleted.DeletedAt = &now
	deleted.Version = 2
	s.Enqueue(serializer.Commit{Kind: serializer.KindDeleted, Message: deleted})
	require.Eventually(t, func() bool { return s.Index().Len() == 0 }, time.Second, time.Millisecond)
}

func TestSynchronizer_DesyncTriggersRebuild(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	s := search.NewSynchronizer(search.NewIndex(), store, 16, zerolog.Nop())
	var failures atomic.Int32
	s.SetApply(func(serializer.Commit) error {
		failures.Add(1)
		return errors.New("index write failed")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	m := seed(t, store, "r1", "t1", "recovered by rebuild")
	s.Enqueue(serializer.Commit{Kind: serializer.KindCreated, Message: m})

	require.Eventually(t, func() bool { return s.Index().Len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), failures.Load())

	res, err := s.Search(context.Background(), search.Query{Text: "rebuild", Rooms: []string{"r1"}, Limit: 5})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, m.ID, res.Messages[0].ID)
}

func TestSynchronizer_RebuildSkipsTombstones(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	seed(t, store, "r1", "t1", "kept message")
	gone := seed(t, store, "r1", "t2", "removed message")
	require.NoError(t, store.Commit(context.Background(), func(w storage.Writer) error {
		m, err := w.GetMessage(gone.ID)
		if err != nil {
			return err
		}
		now := time.Now()
		m.DeletedAt = &now
		m.Version++
		return w.SaveMessage(m)
	}))

	s := search.NewSynchronizer(search.NewIndex(), store, 4, zerolog.Nop())
	n, err := s.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	require.Eventually(t, func() bool {
		n, err := s.Rebuild(context.Background())
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)
}
