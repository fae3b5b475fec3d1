package users

import "strings"

// Profile is the last known public profile of a chat user.
type Profile struct {
	UserID           int64  `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	Username         string `gorm:"column:username;size:190"`
	FirstName        string `gorm:"column:first_name;size:320"`
	FirstSeenSeconds int64  `gorm:"column:first_seen_s;not null"`
	LastSeenSeconds  int64  `gorm:"column:last_seen_s;not null;index"`
}

// TableName exposes the table backing chat users.
func (Profile) TableName() string {
	return "bot_users"
}

// DisplayName prefers the first name, then the @username.
func (p Profile) DisplayName() string {
	if name := normalize(p.FirstName); name != "" {
		return name
	}
	if username := normalize(p.Username); username != "" {
		return "@" + strings.TrimPrefix(username, "@")
	}
	return ""
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
