package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"roomchat/backend/internal/chaterr"
	"roomchat/backend/internal/models"
)

type tokenKey struct {
	room  string
	token string
}

// MemoryStore is an in-process Store. A commit holds the write lock for its
// whole duration, so readers see either all of a commit or none of it.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []models.Message // ordered by ID
	position map[uint64]int
	tokens   map[tokenKey]uint64
	users    map[string]models.User // by handle
	nextID   uint64
	now      func() time.Time
	fault    func() error
}

// NewMemoryStore creates an empty store. now stamps CreatedAt on inserts
// that carry none; nil means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		position: make(map[uint64]int),
		tokens:   make(map[tokenKey]uint64),
		users:    make(map[string]models.User),
		now:      now,
	}
}

// InjectFault makes every following Commit call fn before running its body.
// A non-nil result fails the commit with nothing applied. Pass nil to clear.
func (s *MemoryStore) InjectFault(fn func() error) {
	s.mu.Lock()
	s.fault = fn
	s.mu.Unlock()
}

// PutUser registers a user for mention resolution.
func (s *MemoryStore) PutUser(u models.User) {
	s.mu.Lock()
	s.users[u.Handle] = u
	s.mu.Unlock()
}

// Commit stages fn's writes and applies them only if fn succeeds.
func (s *MemoryStore) Commit(ctx context.Context, fn func(Writer) error) error {
	if err := ctx.Err(); err != nil {
		return chaterr.Transient(err)
	}
	s.mu.RLock()
	fault := s.fault
	s.mu.RUnlock()
	if fault != nil {
		if err := fault(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := &memWriter{
		store:  s,
		staged: make(map[uint64]models.Message),
		tokens: make(map[tokenKey]uint64),
		nextID: s.nextID,
	}
	if err := fn(w); err != nil {
		return err
	}
	w.apply()
	return nil
}

func (s *MemoryStore) FindByClientToken(_ context.Context, roomID, token string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[tokenKey{roomID, token}]
	if !ok {
		return nil, nil
	}
	msg := s.messages[s.position[id]].Clone()
	return &msg, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id uint64) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.position[id]
	if !ok {
		return nil, chaterr.ErrNotFound
	}
	msg := s.messages[pos].Clone()
	return &msg, nil
}

func (s *MemoryStore) MessagesAfter(_ context.Context, roomID string, after uint64, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].ID > after })
	var out []models.Message
	for _, m := range s.messages[start:] {
		if limit > 0 && len(out) == limit {
			break
		}
		if m.RoomID == roomID {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) MessagesByIDs(_ context.Context, ids []uint64) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		if pos, ok := s.position[id]; ok {
			out = append(out, s.messages[pos].Clone())
		}
	}
	return out, nil
}

// ScanMessages copies one batch at a time so fn runs without the lock held.
func (s *MemoryStore) ScanMessages(ctx context.Context, afterID uint64, batch int, fn func(models.Message) error) error {
	if batch <= 0 {
		batch = 500
	}
	cursor := afterID
	for {
		if err := ctx.Err(); err != nil {
			return chaterr.Transient(err)
		}
		s.mu.RLock()
		start := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].ID > cursor })
		end := min(start+batch, len(s.messages))
		rows := make([]models.Message, 0, end-start)
		for _, m := range s.messages[start:end] {
			rows = append(rows, m.Clone())
		}
		s.mu.RUnlock()

		for _, row := range rows {
			if err := fn(row); err != nil {
				return err
			}
		}
		if len(rows) < batch {
			return nil
		}
		cursor = rows[len(rows)-1].ID
	}
}

func (s *MemoryStore) FindUsersByHandles(_ context.Context, handles []string) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.User
	for _, h := range handles {
		if u, ok := s.users[h]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// memWriter runs under the store's write lock.
type memWriter struct {
	store    *MemoryStore
	staged   map[uint64]models.Message
	inserted []uint64
	tokens   map[tokenKey]uint64
	nextID   uint64
}

func (w *memWriter) lookup(id uint64) (models.Message, bool) {
	if m, ok := w.staged[id]; ok {
		return m, true
	}
	pos, ok := w.store.position[id]
	if !ok {
		return models.Message{}, false
	}
	return w.store.messages[pos], true
}

func (w *memWriter) FindByClientToken(roomID, token string) (*models.Message, error) {
	key := tokenKey{roomID, token}
	id, ok := w.tokens[key]
	if !ok {
		id, ok = w.store.tokens[key]
	}
	if !ok {
		return nil, nil
	}
	m, _ := w.lookup(id)
	msg := m.Clone()
	return &msg, nil
}

func (w *memWriter) GetMessage(id uint64) (*models.Message, error) {
	m, ok := w.lookup(id)
	if !ok {
		return nil, chaterr.ErrNotFound
	}
	msg := m.Clone()
	return &msg, nil
}

func (w *memWriter) InsertMessage(msg *models.Message) error {
	key := tokenKey{msg.RoomID, msg.ClientToken}
	if _, ok := w.tokens[key]; ok {
		return chaterr.ErrDuplicate
	}
	if _, ok := w.store.tokens[key]; ok {
		return chaterr.ErrDuplicate
	}
	w.nextID++
	msg.ID = w.nextID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = w.store.now().UTC()
	}
	if msg.Version == 0 {
		msg.Version = 1
	}
	w.staged[msg.ID] = msg.Clone()
	w.tokens[key] = msg.ID
	w.inserted = append(w.inserted, msg.ID)
	return nil
}

func (w *memWriter) SaveMessage(msg *models.Message) error {
	if _, ok := w.lookup(msg.ID); !ok {
		return chaterr.ErrNotFound
	}
	w.staged[msg.ID] = msg.Clone()
	return nil
}

func (w *memWriter) apply() {
	s := w.store
	isNew := make(map[uint64]bool, len(w.inserted))
	for _, id := range w.inserted {
		isNew[id] = true
		s.position[id] = len(s.messages)
		s.messages = append(s.messages, w.staged[id])
	}
	for key, id := range w.tokens {
		s.tokens[key] = id
	}
	for id, m := range w.staged {
		if !isNew[id] {
			s.messages[s.position[id]] = m
		}
	}
	s.nextID = w.nextID
}
