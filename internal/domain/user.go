package domain

import (
	"slices"
	"time"
)

// Capability tags granted to accounts.
const (
	PermissionDashboardRead = "dashboard:read"
	PermissionProfileRead   = "profile:read"
	PermissionUsersManage   = "users:manage"
)

// User is the domain model for an account holder.
type User struct {
	ID            string
	Email         string
	PasswordHash  string
	Name          string
	Permissions   []string
	IsActive      bool
	EmailVerified bool
	AvatarKey     *string
	Language      *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasPermission reports whether the user carries the capability tag.
func (u *User) HasPermission(permission string) bool {
	return u != nil && slices.Contains(u.Permissions, permission)
}

// UserUpdate is a partial update; nil fields are left untouched.
type UserUpdate struct {
	Name          *string
	PasswordHash  *string
	Permissions   []string
	IsActive      *bool
	EmailVerified *bool
	AvatarKey     *string
	Language      *string
}

// IsEmpty reports whether the update carries no changes.
func (u UserUpdate) IsEmpty() bool {
	return u.Name == nil && u.PasswordHash == nil && u.Permissions == nil &&
		u.IsActive == nil && u.EmailVerified == nil && u.AvatarKey == nil && u.Language == nil
}
