package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roomchat/backend/internal/chaterr"
	"roomchat/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// RoomDirectory answers the external membership question. The core never
// decides membership itself.
type RoomDirectory interface {
	Room(ctx context.Context, roomID string) (*models.Room, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// GormDirectory reads rooms and memberships from PostgreSQL.
type GormDirectory struct {
	DB *gorm.DB
}

func (d *GormDirectory) Room(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	err := d.DB.WithContext(ctx).First(&room, "id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, chaterr.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &room, nil
}

// SaveRoom creates or updates a room.
func (d *GormDirectory) SaveRoom(ctx context.Context, room *models.Room) error {
	return classify(d.DB.WithContext(ctx).Save(room).Error)
}

// AddMember lists userID as a member of roomID. Adding twice is a no-op.
func (d *GormDirectory) AddMember(ctx context.Context, roomID, userID string) error {
	m := models.RoomMembership{RoomID: roomID, UserID: userID}
	return classify(d.DB.WithContext(ctx).Where(m).FirstOrCreate(&m).Error)
}

// IsMember is true for every user of an open room and for listed members of
// a closed one. Unknown rooms admit nobody.
func (d *GormDirectory) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	room, err := d.Room(ctx, roomID)
	if errors.Is(err, chaterr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if room.IsOpen() {
		return true, nil
	}
	var count int64
	err = d.DB.WithContext(ctx).
		Model(&models.RoomMembership{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		return false, classify(err)
	}
	return count > 0, nil
}

// CachedDirectory is a Redis read-through cache in front of another
// directory. Redis failures fall back to the wrapped directory.
type CachedDirectory struct {
	next RoomDirectory
	rdb  *redis.Client
	ttl  time.Duration
	log  zerolog.Logger
}

func NewCachedDirectory(next RoomDirectory, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedDirectory {
	return &CachedDirectory{next: next, rdb: rdb, ttl: ttl, log: log.With().Str("component", "room_directory").Logger()}
}

func membershipKey(roomID, userID string) string {
	return fmt.Sprintf("membership:%s:%s", roomID, userID)
}

func (d *CachedDirectory) Room(ctx context.Context, roomID string) (*models.Room, error) {
	return d.next.Room(ctx, roomID)
}

func (d *CachedDirectory) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	key := membershipKey(roomID, userID)
	val, err := d.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		return val == "1", nil
	case !errors.Is(err, redis.Nil):
		d.log.Warn().Err(err).Str("key", key).Msg("membership cache read failed")
	}

	ok, err := d.next.IsMember(ctx, roomID, userID)
	if err != nil {
		return false, err
	}
	val = "0"
	if ok {
		val = "1"
	}
	if err := d.rdb.Set(ctx, key, val, d.ttl).Err(); err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("membership cache write failed")
	}
	return ok, nil
}

// Invalidate drops the cached answer after a membership change.
func (d *CachedDirectory) Invalidate(ctx context.Context, roomID, userID string) error {
	return d.rdb.Del(ctx, membershipKey(roomID, userID)).Err()
}

// InvalidateRoom drops every cached answer for roomID, after its visibility
// changed.
func (d *CachedDirectory) InvalidateRoom(ctx context.Context, roomID string) error {
	iter := d.rdb.Scan(ctx, 0, membershipKey(roomID, "*"), 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return d.rdb.Del(ctx, keys...).Err()
}

// OpenDirectory admits every user to every room. Used with the memory driver.
type OpenDirectory struct{}

func (OpenDirectory) Room(_ context.Context, roomID string) (*models.Room, error) {
	return &models.Room{ID: roomID, Name: roomID, Visibility: models.VisibilityOpen}, nil
}

func (OpenDirectory) IsMember(context.Context, string, string) (bool, error) {
	return true, nil
}
