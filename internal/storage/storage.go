package storage

import (
	"context"
	"errors"

	"roomchat/backend/internal/chaterr"
	"roomchat/backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reader is the concurrent read path. Readers never observe writes out of
// commit order, and may lag a commit by at most one write latency.
type Reader interface {
	// FindByClientToken returns the message committed with (roomID, token),
	// or nil when there is none.
	FindByClientToken(ctx context.Context, roomID, token string) (*models.Message, error)
	GetMessage(ctx context.Context, id uint64) (*models.Message, error)
	// MessagesAfter returns up to limit messages of roomID with id > after,
	// oldest first. Tombstones are included. A limit <= 0 reads them all.
	MessagesAfter(ctx context.Context, roomID string, after uint64, limit int) ([]models.Message, error)
	MessagesByIDs(ctx context.Context, ids []uint64) ([]models.Message, error)
	// ScanMessages walks every message with id > afterID in id order, reading
	// batch rows at a time, and stops at the first error returned by fn.
	ScanMessages(ctx context.Context, afterID uint64, batch int, fn func(models.Message) error) error
	FindUsersByHandles(ctx context.Context, handles []string) ([]models.User, error)
}

// Writer is the mutating surface of one atomic commit. It is only handed out
// by Store.Commit, and only the write serializer calls Commit.
type Writer interface {
	FindByClientToken(roomID, token string) (*models.Message, error)
	GetMessage(id uint64) (*models.Message, error)
	// InsertMessage assigns msg.ID.
	InsertMessage(msg *models.Message) error
	SaveMessage(msg *models.Message) error
}

// Store is the storage port: one logical writer stream, many readers.
type Store interface {
	Reader
	// Commit runs fn as one atomic unit. Any error returned by fn rolls the
	// unit back and is returned unchanged for domain errors, classified as
	// transient or fatal otherwise.
	Commit(ctx context.Context, fn func(Writer) error) error
}

// Service is the PostgreSQL implementation of Store.
type Service struct {
	DB *gorm.DB
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB) *Service {
	return &Service{DB: db}
}

// Commit opens a transaction for fn.
func (s *Service) Commit(ctx context.Context, fn func(Writer) error) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormWriter{tx: tx})
	})
	return classify(err)
}

// FindByClientToken looks up a previous submission on the read path.
func (s *Service) FindByClientToken(ctx context.Context, roomID, token string) (*models.Message, error) {
	return findByClientToken(s.DB.WithContext(ctx), roomID, token)
}

// GetMessage returns chaterr.ErrNotFound when id does not exist.
func (s *Service) GetMessage(ctx context.Context, id uint64) (*models.Message, error) {
	var msg models.Message
	err := s.DB.WithContext(ctx).First(&msg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, chaterr.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &msg, nil
}

// MessagesAfter reads a room's messages past a cursor, oldest first.
func (s *Service) MessagesAfter(ctx context.Context, roomID string, after uint64, limit int) ([]models.Message, error) {
	var msgs []models.Message
	q := s.DB.WithContext(ctx).
		Where("room_id = ? AND id > ?", roomID, after).
		Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&msgs).Error
	if err != nil {
		return nil, classify(err)
	}
	return msgs, nil
}

// MessagesByIDs returns the messages that exist among ids, in ids order.
func (s *Service) MessagesByIDs(ctx context.Context, ids []uint64) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []models.Message
	if err := s.DB.WithContext(ctx).Where("id IN ?", ids).Find(&found).Error; err != nil {
		return nil, classify(err)
	}
	return orderByIDs(found, ids), nil
}

// ScanMessages pages through the table by primary key.
func (s *Service) ScanMessages(ctx context.Context, afterID uint64, batch int, fn func(models.Message) error) error {
	if batch <= 0 {
		batch = 500
	}
	cursor := afterID
	for {
		var rows []models.Message
		err := s.DB.WithContext(ctx).
			Where("id > ?", cursor).
			Order("id asc").
			Limit(batch).
			Find(&rows).Error
		if err != nil {
			return classify(err)
		}
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

// FindUsersByHandles resolves mention handles to users.
func (s *Service) FindUsersByHandles(ctx context.Context, handles []string) ([]models.User, error) {
	if len(handles) == 0 {
		return nil, nil
	}
	var users []models.User
	if err := s.DB.WithContext(ctx).Where("handle IN ?", handles).Find(&users).Error; err != nil {
		return nil, classify(err)
	}
	return users, nil
}

// SaveUser upserts a user row.
func (s *Service) SaveUser(ctx context.Context, user *models.User) error {
	return classify(s.DB.WithContext(ctx).Save(user).Error)
}

type gormWriter struct {
	tx *gorm.DB
}

func (w *gormWriter) FindByClientToken(roomID, token string) (*models.Message, error) {
	return findByClientToken(w.tx, roomID, token)
}

func (w *gormWriter) GetMessage(id uint64) (*models.Message, error) {
	var msg models.Message
	err := w.tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&msg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, chaterr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (w *gormWriter) InsertMessage(msg *models.Message) error {
	return w.tx.Create(msg).Error
}

func (w *gormWriter) SaveMessage(msg *models.Message) error {
	return w.tx.Save(msg).Error
}

func findByClientToken(db *gorm.DB, roomID, token string) (*models.Message, error) {
	var msg models.Message
	err := db.Where("room_id = ? AND client_token = ?", roomID, token).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // not committed yet
	}
	if err != nil {
		return nil, classify(err)
	}
	return &msg, nil
}

func orderByIDs(found []models.Message, ids []uint64) []models.Message {
	byID := make(map[uint64]models.Message, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}
	out := make([]models.Message, 0, len(found))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out
}
