package domain

import "time"

// PasswordResetToken is a single-use credential for choosing a new password.
// Token holds the plaintext only on the record returned at creation.
type PasswordResetToken struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsUsable reports whether the token can still be consumed at now.
func (t *PasswordResetToken) IsUsable(now time.Time) bool {
	return t != nil && t.UsedAt == nil && now.Before(t.ExpiresAt)
}

// EmailVerificationToken proves ownership of an email address. It is deleted on use.
type EmailVerificationToken struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsUsable reports whether the token can still be consumed at now.
func (t *EmailVerificationToken) IsUsable(now time.Time) bool {
	return t != nil && now.Before(t.ExpiresAt)
}

// AccessCredential is handed to callers that may sign in immediately.
type AccessCredential struct {
	ID          string   `json:"id"`
	Permissions []string `json:"permissions"`
	AccessToken string   `json:"access_token"`
}

// SessionUser is the identity carried by an application session.
type SessionUser struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Permissions []string `json:"permissions"`
}

// Session is an authenticated application session. User may be nil for a
// session that was never bound to an account.
type Session struct {
	ID          string       `json:"id"`
	User        *SessionUser `json:"user,omitempty"`
	AccessToken string       `json:"access_token,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}
