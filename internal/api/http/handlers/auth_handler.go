package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/account-service/internal/api/dto"
	"github.com/spec-kit/account-service/internal/auth"
	"github.com/spec-kit/account-service/internal/domain"
	"github.com/spec-kit/account-service/internal/service"
	"github.com/spec-kit/account-service/internal/validation"
)

// AuthAPI is the account lifecycle the handlers drive.
type AuthAPI interface {
	SignUp(ctx context.Context, in service.SignUpInput) (*domain.AccessCredential, service.Outcome)
	SignIn(ctx context.Context, in service.SignInInput) (*domain.Session, service.Outcome)
	SignOut(ctx context.Context, sessionID string) error
	ForgotPassword(ctx context.Context, in service.ForgotPasswordInput) service.Outcome
	ResetPassword(ctx context.Context, in service.ResetPasswordInput) service.Outcome
	VerifyEmail(ctx context.Context, token string) domain.Status
	ResendVerificationEmail(ctx context.Context, email string) domain.Status
	ChangePassword(ctx context.Context, userID string, in service.ChangePasswordInput) service.Outcome
	Me(ctx context.Context, sess *domain.Session) (*domain.User, error)
}

// CookieConfig describes the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
	TTL    time.Duration
}

// Response messages.
const (
	msgInvalidInput         = "invalid input"
	msgInvalidCredentials   = "invalid email or password"
	msgVerificationRequired = "email verification required"
	msgSignedUp             = "account created"
	msgVerificationSent     = "account created; check your email to verify it"
	msgSignedIn             = "signed in"
	msgSignedOut            = "signed out"
	msgResetRequested       = "if the account exists, a password reset email has been sent"
	msgPasswordReset        = "password has been reset"
	msgPasswordChanged      = "password changed; please sign in again"
)

// AuthHandler exposes the account lifecycle over HTTP.
type AuthHandler struct {
	auth      AuthAPI
	validator *validation.Validator
	cookie    CookieConfig
}

// NewAuthHandler constructs handler.
func NewAuthHandler(authService AuthAPI, validator *validation.Validator, cookie CookieConfig) *AuthHandler {
	if cookie.Name == "" {
		cookie.Name = "session_id"
	}
	return &AuthHandler{auth: authService, validator: validator, cookie: cookie}
}

// SignUp handles POST /auth/sign-up.
func (h *AuthHandler) SignUp(c *fiber.Ctx) error {
	var req service.SignUpInput
	if failed, err := h.bind(c, &req); failed {
		return err
	}

	cred, outcome := h.auth.SignUp(c.UserContext(), req)
	switch outcome {
	case service.OutcomeSuccess:
		return respond(c, http.StatusCreated, domain.Status{Success: true, Message: msgSignedUp, Code: http.StatusCreated}, outcome, cred)
	case service.OutcomeEmailVerificationRequired:
		return respond(c, http.StatusAccepted, domain.Status{Success: true, Message: msgVerificationSent, Code: http.StatusAccepted}, outcome, nil)
	default:
		return respondOutcome(c, outcome)
	}
}

// SignIn handles POST /auth/sign-in and sets the session cookie.
func (h *AuthHandler) SignIn(c *fiber.Ctx) error {
	var req service.SignInInput
	if failed, err := h.bind(c, &req); failed {
		return err
	}

	sess, outcome := h.auth.SignIn(c.UserContext(), req)
	if outcome != service.OutcomeSuccess {
		return respondOutcome(c, outcome)
	}

	h.setSessionCookie(c, sess)
	return respond(c, http.StatusOK, domain.OK(msgSignedIn), outcome, dto.SignInResponse{
		User:        sess.User,
		AccessToken: sess.AccessToken,
		ExpiresAt:   sess.ExpiresAt,
	})
}

// SignOut handles POST /auth/sign-out. It succeeds without a session.
func (h *AuthHandler) SignOut(c *fiber.Ctx) error {
	if id := c.Cookies(h.cookie.Name); id != "" {
		if err := h.auth.SignOut(c.UserContext(), id); err != nil {
			return err
		}
	}
	h.clearSessionCookie(c)
	return respond(c, http.StatusOK, domain.OK(msgSignedOut), service.OutcomeSuccess, nil)
}

// ForgotPassword handles POST /auth/forgot-password.
func (h *AuthHandler) ForgotPassword(c *fiber.Ctx) error {
	var req service.ForgotPasswordInput
	if failed, err := h.bind(c, &req); failed {
		return err
	}

	outcome := h.auth.ForgotPassword(c.UserContext(), req)
	if outcome != service.OutcomeSuccess {
		return respondOutcome(c, outcome)
	}
	return respond(c, http.StatusOK, domain.OK(msgResetRequested), outcome, nil)
}

// ResetPassword handles POST /auth/reset-password.
func (h *AuthHandler) ResetPassword(c *fiber.Ctx) error {
	var req service.ResetPasswordInput
	if failed, err := h.bind(c, &req); failed {
		return err
	}

	outcome := h.auth.ResetPassword(c.UserContext(), req)
	if outcome == service.OutcomeInvalidInput {
		return respond(c, http.StatusBadRequest, domain.Fail(http.StatusBadRequest, service.MessageInvalidToken), outcome, nil)
	}
	if outcome != service.OutcomeSuccess {
		return respondOutcome(c, outcome)
	}
	return respond(c, http.StatusOK, domain.OK(msgPasswordReset), outcome, nil)
}

// VerifyEmail handles GET /auth/verify-email?token=.
func (h *AuthHandler) VerifyEmail(c *fiber.Ctx) error {
	status := h.auth.VerifyEmail(c.UserContext(), c.Query("token"))
	return c.Status(status.Code).JSON(dto.Envelope{Status: status})
}

// ResendVerification handles POST /auth/resend-verification. A missing or
// unreadable email is passed through so it gets the uniform answer.
func (h *AuthHandler) ResendVerification(c *fiber.Ctx) error {
	var req dto.ResendVerificationRequest
	_ = c.BodyParser(&req)

	status := h.auth.ResendVerificationEmail(c.UserContext(), req.Email)
	return c.Status(status.Code).JSON(dto.Envelope{Status: status})
}

// Me handles GET /auth/me.
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	principal, _ := auth.PrincipalFromContext(c)
	var sess *domain.Session
	if principal != nil {
		sess = principal.Session
	}

	user, err := h.auth.Me(c.UserContext(), sess)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewUserResponse(user)})
}

// ChangePassword handles POST /auth/password/change.
func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok || principal.User == nil {
		return fiber.NewError(http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
	}

	var req service.ChangePasswordInput
	if failed, err := h.bind(c, &req); failed {
		return err
	}

	outcome := h.auth.ChangePassword(c.UserContext(), principal.User.ID, req)
	if outcome != service.OutcomeSuccess {
		return respondOutcome(c, outcome)
	}
	h.clearSessionCookie(c)
	return respond(c, http.StatusOK, domain.OK(msgPasswordChanged), outcome, nil)
}

// normalizer is implemented by forms with fields to tidy before validation.
type normalizer interface {
	Normalize()
}

// bind parses, normalizes and shape-checks the body. When it reports failed,
// the response has been written and err is what the handler should return.
func (h *AuthHandler) bind(c *fiber.Ctx, req any) (failed bool, err error) {
	if err := c.BodyParser(req); err != nil {
		return true, respond(c, http.StatusBadRequest, domain.Fail(http.StatusBadRequest, "invalid payload"), service.OutcomeInvalidInput, nil)
	}
	if n, ok := req.(normalizer); ok {
		n.Normalize()
	}
	if err := h.validator.Struct(req); err != nil {
		status := domain.Fail(http.StatusBadRequest, msgInvalidInput, validation.InvalidParams(err)...)
		return true, respond(c, http.StatusBadRequest, status, service.OutcomeInvalidInput, nil)
	}
	return false, nil
}

func (h *AuthHandler) setSessionCookie(c *fiber.Ctx, sess *domain.Session) {
	cookie := &fiber.Cookie{
		Name:     h.cookie.Name,
		Value:    sess.ID,
		Path:     "/",
		HTTPOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: fiber.CookieSameSiteLaxMode,
	}
	if !sess.ExpiresAt.IsZero() {
		cookie.Expires = sess.ExpiresAt
	} else if h.cookie.TTL > 0 {
		cookie.Expires = time.Now().Add(h.cookie.TTL)
	}
	c.Cookie(cookie)
}

func (h *AuthHandler) clearSessionCookie(c *fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		HTTPOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: fiber.CookieSameSiteLaxMode,
		Expires:  time.Unix(0, 0),
	})
}

// respondOutcome answers a failed outcome. Messages depend only on the
// outcome, never on why it was reached.
func respondOutcome(c *fiber.Ctx, outcome service.Outcome) error {
	switch outcome {
	case service.OutcomeInvalidInput:
		return respond(c, http.StatusBadRequest, domain.Fail(http.StatusBadRequest, msgInvalidInput), outcome, nil)
	case service.OutcomeEmailVerificationRequired:
		return respond(c, http.StatusForbidden, domain.Fail(http.StatusForbidden, msgVerificationRequired), outcome, nil)
	default:
		return respond(c, http.StatusUnauthorized, domain.Fail(http.StatusUnauthorized, msgInvalidCredentials), service.OutcomeInvalidCredentials, nil)
	}
}

func respond(c *fiber.Ctx, code int, status domain.Status, outcome service.Outcome, data any) error {
	return c.Status(code).JSON(dto.Envelope{Status: status, Outcome: string(outcome), Data: data})
}
