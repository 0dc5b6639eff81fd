package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/account-service/internal/domain"
	"github.com/spec-kit/account-service/internal/session"
	apperrors "github.com/spec-kit/account-service/pkg/util/errorutil"
)

const principalKey = "auth_principal"

// SessionResolver loads a session by its cookie value and reports the
// credential version bearer tokens must carry.
type SessionResolver interface {
	Resolve(ctx context.Context, id string) (*domain.Session, error)
	CredentialVersion(ctx context.Context, userID string) (int64, error)
}

// Principal represents the authenticated caller. Session is always set; for
// bearer tokens it is synthesized from the token claims.
type Principal struct {
	User    *domain.SessionUser
	Session *domain.Session
}

// HasPermission reports whether the caller carries the capability tag.
func (p *Principal) HasPermission(permission string) bool {
	if p == nil || p.User == nil {
		return false
	}
	for _, granted := range p.User.Permissions {
		if granted == permission {
			return true
		}
	}
	return false
}

// AuthMiddleware validates session cookies or bearer tokens and loads principals.
type AuthMiddleware struct {
	tokens     *TokenManager
	sessions   SessionResolver
	cookieName string
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(tokens *TokenManager, sessions SessionResolver, cookieName string) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, sessions: sessions, cookieName: cookieName}
}

// Handle enforces authentication for protected routes.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	principal, err := m.authenticate(c)
	if err != nil {
		return err
	}
	c.Locals(principalKey, principal)
	return c.Next()
}

func (m *AuthMiddleware) authenticate(c *fiber.Ctx) (*Principal, error) {
	if id := c.Cookies(m.cookieName); id != "" && m.sessions != nil {
		sess, err := m.sessions.Resolve(c.UserContext(), id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return nil, apperrors.NewUnauthorized("session expired")
			}
			return nil, apperrors.MapError(err)
		}
		if sess.User == nil || sess.User.ID == "" {
			return nil, apperrors.NewUnauthorized("session has no user")
		}
		return &Principal{User: sess.User, Session: sess}, nil
	}

	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return nil, apperrors.NewUnauthorized("missing credentials")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, apperrors.NewUnauthorized("invalid authorization header")
	}

	claims, err := m.tokens.ParseToken(parts[1])
	if err != nil {
		return nil, apperrors.NewUnauthorized("invalid token")
	}
	if m.sessions != nil {
		current, err := m.sessions.CredentialVersion(c.UserContext(), claims.Subject)
		if err != nil {
			return nil, apperrors.MapError(err)
		}
		if claims.Version != current {
			return nil, apperrors.NewUnauthorized("token revoked")
		}
	}

	user := &domain.SessionUser{ID: claims.Subject, Email: claims.Email, Permissions: claims.Permissions}
	sess := &domain.Session{User: user, AccessToken: parts[1]}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	return &Principal{User: user, Session: sess}, nil
}

// PrincipalFromContext retrieves the authenticated entity.
func PrincipalFromContext(c *fiber.Ctx) (*Principal, bool) {
	val := c.Locals(principalKey)
	if val == nil {
		return nil, false
	}
	principal, ok := val.(*Principal)
	return principal, ok
}
