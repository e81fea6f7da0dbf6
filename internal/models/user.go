package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is a chat participant. Handle is what other users type after "@".
type User struct {
	ID         string `gorm:"primaryKey" json:"id"`
	Handle     string `gorm:"uniqueIndex;not null" json:"handle"`
	TelegramID string `gorm:"index" json:"-"` // Empty when the user has not linked Telegram
}

// BeforeCreate assigns a UUID when the row is created without one.
func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return
}
