package models

import "time"

// Room visibility values.
const (
	VisibilityOpen   = "open"
	VisibilityClosed = "closed"
)

// Room is owned by the external room service. The chat core only reads it to
// decide whether a user may subscribe.
type Room struct {
	// ID is the unique identifier of the room.
	ID string `gorm:"primaryKey;type:text" json:"id"`
	// Name is the display name.
	Name string `gorm:"type:text;not null" json:"name"`
	// Visibility is VisibilityOpen or VisibilityClosed. Open rooms accept any
	// authenticated user.
	Visibility string    `gorm:"type:text;not null;default:'open'" json:"visibility"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsOpen reports whether anyone may join.
func (r *Room) IsOpen() bool {
	return r.Visibility != VisibilityClosed
}

// RoomMembership lists the members of closed rooms.
type RoomMembership struct {
	RoomID    string `gorm:"primaryKey;type:text"`
	UserID    string `gorm:"primaryKey;type:text;index"`
	CreatedAt time.Time
}

// TableName implements the GORM tabler interface.
func (RoomMembership) TableName() string { return "room_memberships" }
