package users

import (
	"strings"
	"time"
)

// Roles an allowed user may carry.
const (
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

// AllowedUser gates login: only listed e-mail addresses may obtain a token.
type AllowedUser struct {
	Email        string    `gorm:"column:email;primaryKey;size:320;not null"`
	UserID       string    `gorm:"column:user_id;size:190;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:120;not null"`
	Role         string    `gorm:"column:role;size:32;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the login allow list.
func (AllowedUser) TableName() string {
	return "allowed_users"
}

// Profile carries the display name shown to other clients in presence and lock alerts.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320;not null"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(normalize(value))
}

// defaultDisplayName derives a display name from the e-mail local part.
func defaultDisplayName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	if local == "" {
		return email
	}
	return local
}
