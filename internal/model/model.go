package model

import "time"

type Account struct {
	ID               string
	Email            *string
	Handle           *string
	PasswordHash     *string
	DisplayName      string
	GuestFingerprint *string
	LastLoginAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// Guest reports whether the account was created through the guest join flow.
func (a Account) Guest() bool {
	return a.GuestFingerprint != nil
}

type Session struct {
	ID               string
	AccountID        string
	RefreshTokenHash string
	CreatedAt        time.Time
	LastSeenAt       time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	UserAgent        *string
	IPAddress        *string
	Platform         *string
	DeviceLabel      *string
	SessionKind      string
	DeletedAt        *time.Time
}

// Active reports whether the session can still authenticate at the given instant.
func (s Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.DeletedAt == nil && now.Before(s.ExpiresAt)
}

type RoleAssignment struct {
	AccountID string
	Role      string
	GrantedAt time.Time
	RevokedAt *time.Time
}

type Community struct {
	ID          string
	Name        string
	Title       string
	Description string
	Category    *string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

type CommunityRule struct {
	ID          string
	CommunityID string
	Ordinal     int
	Text        string
}

type Post struct {
	ID          string
	CommunityID string
	AuthorID    string
	Title       string
	Body        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

type Comment struct {
	ID        string
	PostID    string
	AuthorID  string
	ParentID  *string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

type Vote struct {
	AccountID   string
	SubjectKind string
	SubjectID   string
	Value       int16
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
