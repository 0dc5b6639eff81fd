package dto

import (
	"time"

	"github.com/spec-kit/account-service/internal/domain"
)

// Envelope is the body of every auth response: the Status fields inline,
// the outcome sentinel and an optional payload.
type Envelope struct {
	domain.Status
	Outcome string `json:"outcome,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ResendVerificationRequest payload for re-sending the verification email.
type ResendVerificationRequest struct {
	Email string `json:"email"`
}

// SignInResponse is returned after a successful sign-in. The session id
// travels only in the cookie.
type SignInResponse struct {
	User        *domain.SessionUser `json:"user"`
	AccessToken string              `json:"access_token,omitempty"`
	ExpiresAt   time.Time           `json:"expires_at"`
}

// UserResponse is the public view of an account.
type UserResponse struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Permissions   []string  `json:"permissions"`
	IsActive      bool      `json:"is_active"`
	EmailVerified bool      `json:"email_verified"`
	AvatarKey     *string   `json:"avatar_key,omitempty"`
	Language      *string   `json:"language,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewUserResponse maps a domain user, dropping the password hash.
func NewUserResponse(u *domain.User) UserResponse {
	return UserResponse{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Permissions:   u.Permissions,
		IsActive:      u.IsActive,
		EmailVerified: u.EmailVerified,
		AvatarKey:     u.AvatarKey,
		Language:      u.Language,
		CreatedAt:     u.CreatedAt,
	}
}
