package models

import (
	"time"

	"github.com/lib/pq"
)

// Message is one committed chat message. ID is assigned by the store and
// grows with commit order, so it doubles as the room sequence id used by
// catch-up cursors.
type Message struct {
	// ID is the storage-assigned sequence id.
	ID uint64 `gorm:"primaryKey;autoIncrement;index:idx_room_seq,priority:2" json:"id" cbor:"id"`
	// RoomID is the room the message was posted to.
	RoomID string `gorm:"type:text;not null;uniqueIndex:ux_room_client_token,priority:1;index:idx_room_seq,priority:1" json:"room_id" cbor:"room_id"`
	// AuthorID is the authenticated user that submitted the message.
	AuthorID string `gorm:"type:text;not null;index" json:"author_id" cbor:"author_id"`
	// ClientToken is the idempotency token chosen by the client. Unique per room.
	ClientToken string `gorm:"type:text;not null;uniqueIndex:ux_room_client_token,priority:2" json:"client_token" cbor:"client_token"`
	// Body is the sanitized rich text (safe HTML subset).
	Body string `gorm:"type:text;not null" json:"body" cbor:"body"`
	// PlainText is the visible text without markup, used for search.
	PlainText string `gorm:"type:text;not null" json:"-" cbor:"plain_text"`
	// Mentions holds the handles mentioned in the current body.
	Mentions pq.StringArray `gorm:"type:text[]" json:"mentions,omitempty" cbor:"mentions,omitempty"`
	// Version starts at 1 and is bumped by every committed edit or delete.
	Version int `gorm:"not null;default:1" json:"version" cbor:"version"`

	CreatedAt time.Time  `gorm:"not null" json:"created_at" cbor:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty" cbor:"edited_at,omitempty"`
	// DeletedAt marks a tombstone. Deleted messages keep their id and position.
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty" cbor:"deleted_at,omitempty"`
}

// TableName implements the GORM tabler interface.
func (Message) TableName() string { return "messages" }

// Deleted reports whether the message is a tombstone.
func (m Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m Message) Clone() Message {
	out := m
	if m.Mentions != nil {
		out.Mentions = append(pq.StringArray(nil), m.Mentions...)
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

// CatchupBatch is the ordered replay of one room for a reconnecting client.
type CatchupBatch struct {
	RoomID   string    `json:"room_id"`
	Messages []Message `json:"messages"`
	// LastSeq is the highest sequence id read, including tombstones that
	// were filtered out of Messages.
	LastSeq uint64 `json:"last_seq"`
	// Truncated is set when more messages exist past LastSeq than one page
	// holds. Another catchup event for the room follows.
	Truncated bool `json:"truncated,omitempty"`
}
