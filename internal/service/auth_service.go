package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/account-service/internal/auth"
	"github.com/spec-kit/account-service/internal/config"
	"github.com/spec-kit/account-service/internal/domain"
	"github.com/spec-kit/account-service/internal/events"
	"github.com/spec-kit/account-service/internal/repository"
	"github.com/spec-kit/account-service/internal/session"
	"github.com/spec-kit/account-service/internal/validation"
	apperrors "github.com/spec-kit/account-service/pkg/util/errorutil"
)

// Outcome is the closed set of results the UI branches on.
type Outcome string

const (
	OutcomeSuccess                   Outcome = "Success"
	OutcomeInvalidInput              Outcome = "InvalidInput"
	OutcomeInvalidCredentials        Outcome = "InvalidCredentials"
	OutcomeEmailVerificationRequired Outcome = "EmailVerificationRequired"
)

// Status messages. Token failures share one message so callers cannot tell
// unknown, expired and used tokens apart.
const (
	MessageEmailVerified      = "email verified"
	MessageInvalidToken       = "invalid or expired token"
	MessageVerificationFailed = "unable to verify email"
	MessageVerificationResent = "if the account exists and is not yet verified, a verification email has been sent"
	MessageResendFailed       = "unable to send verification email"
)

// SignUpInput is the sign-up form. Name is optional.
type SignUpInput struct {
	Name     string `json:"name" validate:"omitempty,max=100"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72,password"`
}

// SignInInput is the sign-in form. Password strength is not checked here so
// that a weak guess fails exactly like a wrong one.
type SignInInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

// ForgotPasswordInput is the forgot-password form.
type ForgotPasswordInput struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// ResetPasswordInput is the reset-password form.
type ResetPasswordInput struct {
	Token           string `json:"token" validate:"required,max=256"`
	Email           string `json:"email" validate:"required,email,max=254"`
	Password        string `json:"password" validate:"required,min=8,max=72,password"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=Password"`
}

// Normalize trims the free-text fields. Passwords are kept as typed.
func (in *SignUpInput) Normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
}

// Normalize trims the email.
func (in *SignInInput) Normalize() { in.Email = strings.TrimSpace(in.Email) }

// Normalize trims the email.
func (in *ForgotPasswordInput) Normalize() { in.Email = strings.TrimSpace(in.Email) }

// Normalize trims the email and token.
func (in *ResetPasswordInput) Normalize() {
	in.Email = strings.TrimSpace(in.Email)
	in.Token = strings.TrimSpace(in.Token)
}

// ChangePasswordInput is the change-password form of a signed-in user.
type ChangePasswordInput struct {
	CurrentPassword string `json:"current_password" validate:"required,max=72"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=72,password"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=NewPassword"`
}

// Transactor runs fn atomically.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// AccessTokenIssuer mints the access token of a credential bundle.
type AccessTokenIssuer interface {
	GenerateToken(userID, email string, permissions []string, version int64) (string, time.Time, error)
}

// OutcomeRecorder counts operation results.
type OutcomeRecorder interface {
	RecordAuthOutcome(operation, outcome string)
}

// AuthDependencies encapsulates collaborators for the auth service.
type AuthDependencies struct {
	UserRepo              repository.UserRepository
	PasswordResetRepo     repository.PasswordResetRepository
	EmailVerificationRepo repository.EmailVerificationRepository
	Transactor            Transactor
	Hasher                auth.Hasher
	AccessTokens          AccessTokenIssuer
	Sessions              session.Bridge
	Dispatcher            events.Dispatcher
	Validator             *validation.Validator
	Metrics               OutcomeRecorder
	Logger                *zap.Logger
}

// AuthService coordinates sign-up, sign-in, password reset and email
// verification. Storage errors never reach the caller; they are logged and
// folded into the safest outcome for the operation.
type AuthService struct {
	users         repository.UserRepository
	resets        repository.PasswordResetRepository
	verifications repository.EmailVerificationRepository
	tx            Transactor
	hasher        auth.Hasher
	tokens        AccessTokenIssuer
	sessions      session.Bridge
	dispatcher    events.Dispatcher
	validator     *validation.Validator
	metrics       OutcomeRecorder
	logger        *zap.Logger

	requireVerification bool
	defaultPermissions  []string

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthService builds the service.
func NewAuthService(cfg config.AuthConfig, deps AuthDependencies) *AuthService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validator := deps.Validator
	if validator == nil {
		validator = validation.New()
	}
	return &AuthService{
		users:               deps.UserRepo,
		resets:              deps.PasswordResetRepo,
		verifications:       deps.EmailVerificationRepo,
		tx:                  deps.Transactor,
		hasher:              deps.Hasher,
		tokens:              deps.AccessTokens,
		sessions:            deps.Sessions,
		dispatcher:          deps.Dispatcher,
		validator:           validator,
		metrics:             deps.Metrics,
		logger:              logger.Named("auth"),
		requireVerification: cfg.RequireEmailVerification,
		defaultPermissions:  append([]string(nil), cfg.DefaultPermissions...),
	}
}

var errInvalidToken = errors.New("invalid token")

// SignUp registers an account. With email verification required it returns a
// nil credential and OutcomeEmailVerificationRequired; otherwise it returns
// the credential bundle for immediate sign-in.
func (s *AuthService) SignUp(ctx context.Context, in SignUpInput) (cred *domain.AccessCredential, outcome Outcome) {
	defer func() { s.record("sign_up", string(outcome)) }()

	in.Normalize()
	if err := s.validator.Struct(in); err != nil {
		return nil, OutcomeInvalidInput
	}

	if _, err := s.users.FindByEmail(ctx, in.Email); err == nil {
		return nil, OutcomeInvalidCredentials
	} else if !errors.Is(err, repository.ErrNotFound) {
		s.fail("sign_up", err)
		return nil, OutcomeInvalidCredentials
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		s.fail("sign_up", err)
		return nil, OutcomeInvalidCredentials
	}

	user := &domain.User{
		Email:         in.Email,
		PasswordHash:  hash,
		Name:          in.Name,
		Permissions:   append([]string(nil), s.defaultPermissions...),
		IsActive:      true,
		EmailVerified: false,
	}

	var token *domain.EmailVerificationToken
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.users.Create(ctx, user); err != nil {
			return err
		}
		if !s.requireVerification {
			return nil
		}
		var err error
		token, err = s.verifications.CreateForUser(ctx, user.ID)
		return err
	})
	if errors.Is(err, repository.ErrDuplicateEmail) {
		return nil, OutcomeInvalidCredentials
	}
	if err != nil {
		s.fail("sign_up", err)
		return nil, OutcomeInvalidCredentials
	}

	s.publish(ctx, events.NewEvent(events.EventUserRegistered, user.ID, events.AccountPayload{
		UserID: user.ID, Email: user.Email, Name: user.Name,
	}))

	if s.requireVerification {
		s.publishVerification(ctx, user, token)
		return nil, OutcomeEmailVerificationRequired
	}

	// A new account has never been revoked.
	accessToken, _, err := s.tokens.GenerateToken(user.ID, user.Email, user.Permissions, 0)
	if err != nil {
		s.fail("sign_up", err)
		return nil, OutcomeInvalidCredentials
	}
	return &domain.AccessCredential{
		ID:          user.ID,
		Permissions: user.Permissions,
		AccessToken: accessToken,
	}, OutcomeSuccess
}

// SignIn authenticates a user and opens a session through the bridge.
// Unknown emails, wrong passwords and inactive accounts are indistinguishable.
func (s *AuthService) SignIn(ctx context.Context, in SignInInput) (sess *domain.Session, outcome Outcome) {
	defer func() { s.record("sign_in", string(outcome)) }()

	in.Normalize()
	if err := s.validator.Struct(in); err != nil {
		return nil, OutcomeInvalidInput
	}

	user, err := s.users.FindByEmail(ctx, in.Email)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.fail("sign_in", err)
		}
		s.hasher.Verify(in.Password, s.dummy())
		return nil, OutcomeInvalidCredentials
	}

	if !s.hasher.Verify(in.Password, user.PasswordHash) || !user.IsActive {
		return nil, OutcomeInvalidCredentials
	}

	if s.requireVerification && !user.EmailVerified {
		return nil, OutcomeEmailVerificationRequired
	}

	version, err := s.sessions.CredentialVersion(ctx, user.ID)
	if err != nil {
		s.fail("sign_in", err)
		return nil, OutcomeInvalidCredentials
	}
	accessToken, _, err := s.tokens.GenerateToken(user.ID, user.Email, user.Permissions, version)
	if err != nil {
		s.fail("sign_in", err)
		return nil, OutcomeInvalidCredentials
	}

	result, err := s.sessions.SignIn(ctx, session.Credential{
		UserID:        user.ID,
		Email:         user.Email,
		AccessToken:   accessToken,
		Permissions:   user.Permissions,
		EmailVerified: user.EmailVerified,
	})
	switch {
	case errors.Is(err, session.ErrEmailNotVerified), result.Reason == session.ReasonEmailNotVerified:
		return nil, OutcomeEmailVerificationRequired
	case err != nil:
		s.fail("sign_in", err)
		return nil, OutcomeInvalidCredentials
	case !result.Success || result.Session == nil:
		return nil, OutcomeInvalidCredentials
	}
	return result.Session, OutcomeSuccess
}

// ForgotPassword issues a reset token and mails it. Well-formed input always
// yields OutcomeSuccess whether or not the account exists.
func (s *AuthService) ForgotPassword(ctx context.Context, in ForgotPasswordInput) (outcome Outcome) {
	defer func() { s.record("forgot_password", string(outcome)) }()

	in.Normalize()
	if err := s.validator.Struct(in); err != nil {
		return OutcomeInvalidInput
	}

	user, err := s.users.FindByEmail(ctx, in.Email)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.fail("forgot_password", err)
		}
		return OutcomeSuccess
	}
	if !user.IsActive {
		return OutcomeSuccess
	}

	var token *domain.PasswordResetToken
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.resets.DeleteByUser(ctx, user.ID); err != nil {
			return err
		}
		var err error
		token, err = s.resets.CreateForUser(ctx, user.ID)
		return err
	})
	if err != nil {
		s.fail("forgot_password", err)
		return OutcomeSuccess
	}

	s.publish(ctx, events.NewEvent(events.EventPasswordResetRequested, user.ID, events.AccountTokenPayload{
		UserID:    user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
	}))
	return OutcomeSuccess
}

// ResetPassword consumes a reset token and sets a new password. The token is
// marked used with a conditional update inside the same transaction as the
// password change, so of two concurrent calls at most one succeeds.
func (s *AuthService) ResetPassword(ctx context.Context, in ResetPasswordInput) (outcome Outcome) {
	defer func() { s.record("reset_password", string(outcome)) }()

	in.Normalize()
	if err := s.validator.Struct(in); err != nil {
		return OutcomeInvalidInput
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		s.fail("reset_password", err)
		return OutcomeInvalidInput
	}

	var owner *domain.User
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		token, err := s.resets.FindValidByToken(ctx, in.Token)
		if errors.Is(err, repository.ErrNotFound) {
			return errInvalidToken
		}
		if err != nil {
			return err
		}

		user, err := s.users.FindByID(ctx, token.UserID)
		if errors.Is(err, repository.ErrNotFound) {
			return errInvalidToken
		}
		if err != nil {
			return err
		}
		if user.Email != in.Email {
			return errInvalidToken
		}

		if err := s.resets.MarkUsed(ctx, token.ID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return errInvalidToken
			}
			return err
		}
		if err := s.users.Update(ctx, user.ID, domain.UserUpdate{PasswordHash: &hash}); err != nil {
			return err
		}
		owner = user
		return s.resets.DeleteByUser(ctx, user.ID)
	})
	if errors.Is(err, errInvalidToken) {
		return OutcomeInvalidInput
	}
	if err != nil {
		s.fail("reset_password", err)
		return OutcomeInvalidInput
	}

	s.rotateCredentials(ctx, "reset_password", owner)
	s.publish(ctx, events.NewEvent(events.EventPasswordChanged, owner.ID, events.AccountPayload{
		UserID: owner.ID, Email: owner.Email, Name: owner.Name,
	}))
	return OutcomeSuccess
}

// VerifyEmail consumes a verification token and marks the owner verified.
// It never panics or returns an error; every failure is a Status.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) (status domain.Status) {
	defer func() {
		if r := recover(); r != nil {
			s.fail("verify_email", fmt.Errorf("panic: %v", r))
			status = domain.Fail(http.StatusInternalServerError, MessageVerificationFailed)
		}
		s.record("verify_email", statusOutcome(status))
	}()

	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Fail(http.StatusBadRequest, MessageInvalidToken)
	}

	var user *domain.User
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		record, err := s.verifications.FindValidByToken(ctx, token)
		if errors.Is(err, repository.ErrNotFound) {
			return errInvalidToken
		}
		if err != nil {
			return err
		}

		if err := s.verifications.Consume(ctx, record.ID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return errInvalidToken
			}
			return err
		}

		verified := true
		if err := s.users.Update(ctx, record.UserID, domain.UserUpdate{EmailVerified: &verified}); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return errInvalidToken
			}
			return err
		}

		user, err = s.users.FindByID(ctx, record.UserID)
		return err
	})
	if errors.Is(err, errInvalidToken) {
		return domain.Fail(http.StatusBadRequest, MessageInvalidToken)
	}
	if err != nil {
		s.fail("verify_email", err)
		return domain.Fail(http.StatusInternalServerError, MessageVerificationFailed)
	}

	s.syncAccount(ctx, "verify_email", user)
	s.publish(ctx, events.NewEvent(events.EventEmailVerified, user.ID, events.AccountPayload{
		UserID: user.ID, Email: user.Email, Name: user.Name,
	}))
	return domain.OK(MessageEmailVerified)
}

// ResendVerificationEmail replaces any outstanding verification token with a
// fresh one and mails it. Unknown, empty, inactive and already verified
// addresses get the same answer as eligible ones.
func (s *AuthService) ResendVerificationEmail(ctx context.Context, email string) (status domain.Status) {
	defer func() {
		if r := recover(); r != nil {
			s.fail("resend_verification", fmt.Errorf("panic: %v", r))
			status = domain.Fail(http.StatusInternalServerError, MessageResendFailed)
		}
		s.record("resend_verification", statusOutcome(status))
	}()

	user, err := s.users.FindByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, repository.ErrNotFound) {
		return domain.OK(MessageVerificationResent)
	}
	if err != nil {
		s.fail("resend_verification", err)
		return domain.Fail(http.StatusInternalServerError, MessageResendFailed)
	}
	if user.EmailVerified || !user.IsActive {
		return domain.OK(MessageVerificationResent)
	}

	var token *domain.EmailVerificationToken
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.verifications.DeleteByUser(ctx, user.ID); err != nil {
			return err
		}
		var err error
		token, err = s.verifications.CreateForUser(ctx, user.ID)
		return err
	})
	if err != nil {
		s.fail("resend_verification", err)
		return domain.Fail(http.StatusInternalServerError, MessageResendFailed)
	}

	s.publishVerification(ctx, user, token)
	return domain.OK(MessageVerificationResent)
}

// SignOut destroys a session. Unknown sessions are not an error.
func (s *AuthService) SignOut(ctx context.Context, sessionID string) error {
	if err := s.sessions.SignOut(ctx, sessionID); err != nil {
		s.fail("sign_out", err)
		s.record("sign_out", "Error")
		return err
	}
	s.record("sign_out", string(OutcomeSuccess))
	return nil
}

// ChangePassword rotates the password of a signed-in user, then drops their
// outstanding reset tokens and every session.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, in ChangePasswordInput) (outcome Outcome) {
	defer func() { s.record("change_password", string(outcome)) }()

	if err := s.validator.Struct(in); err != nil {
		return OutcomeInvalidInput
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.fail("change_password", err)
		}
		return OutcomeInvalidCredentials
	}
	if !s.hasher.Verify(in.CurrentPassword, user.PasswordHash) {
		return OutcomeInvalidCredentials
	}

	hash, err := s.hasher.Hash(in.NewPassword)
	if err != nil {
		s.fail("change_password", err)
		return OutcomeInvalidCredentials
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.users.Update(ctx, user.ID, domain.UserUpdate{PasswordHash: &hash}); err != nil {
			return err
		}
		return s.resets.DeleteByUser(ctx, user.ID)
	})
	if err != nil {
		s.fail("change_password", err)
		return OutcomeInvalidCredentials
	}

	s.rotateCredentials(ctx, "change_password", user)
	s.publish(ctx, events.NewEvent(events.EventPasswordChanged, user.ID, events.AccountPayload{
		UserID: user.ID, Email: user.Email, Name: user.Name,
	}))
	return OutcomeSuccess
}

// Me returns the account behind sess. Missing sessions or users are
// reported as an UNAUTHORIZED error.
func (s *AuthService) Me(ctx context.Context, sess *domain.Session) (*domain.User, error) {
	user, err := s.users.GetMe(ctx, sess)
	switch {
	case err == nil:
		s.record("me", string(OutcomeSuccess))
	case apperrors.IsUnauthorized(err):
		s.record("me", string(OutcomeInvalidCredentials))
	default:
		s.fail("me", err)
		s.record("me", "Error")
	}
	return user, err
}

func (s *AuthService) publishVerification(ctx context.Context, user *domain.User, token *domain.EmailVerificationToken) {
	if token == nil {
		return
	}
	s.publish(ctx, events.NewEvent(events.EventEmailVerificationRequested, user.ID, events.AccountTokenPayload{
		UserID:    user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
	}))
}

func (s *AuthService) publish(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event failed", zap.String("event_type", string(event.Type)), zap.Error(err))
	}
}

// rotateCredentials ends every session of user, invalidates their access
// tokens and refreshes the session layer's copy of the account.
func (s *AuthService) rotateCredentials(ctx context.Context, operation string, user *domain.User) {
	if user == nil {
		return
	}
	if err := s.sessions.RevokeUser(ctx, user.ID); err != nil {
		s.logger.Warn("revoke sessions failed",
			zap.String("operation", operation),
			zap.String("user_id", user.ID),
			zap.Error(err))
	}
	s.syncAccount(ctx, operation, user)
}

func (s *AuthService) syncAccount(ctx context.Context, operation string, user *domain.User) {
	if user == nil {
		return
	}
	err := s.sessions.SyncAccount(ctx, session.Account{
		UserID:        user.ID,
		Email:         user.Email,
		Permissions:   user.Permissions,
		EmailVerified: user.EmailVerified,
	})
	if err != nil {
		s.logger.Warn("sync account failed",
			zap.String("operation", operation),
			zap.String("user_id", user.ID),
			zap.Error(err))
	}
}

// dummy returns a hash to verify against when the email is unknown, so the
// response time does not depend on whether the account exists.
func (s *AuthService) dummy() string {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash("account-service-timing-equalizer")
		if err != nil {
			s.fail("sign_in", err)
			return
		}
		s.dummyHash = hash
	})
	return s.dummyHash
}

func (s *AuthService) fail(operation string, err error) {
	s.logger.Error("auth operation failed", zap.String("operation", operation), zap.Error(err))
}

func (s *AuthService) record(operation, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordAuthOutcome(operation, outcome)
	}
}

func statusOutcome(st domain.Status) string {
	switch {
	case st.Success:
		return string(OutcomeSuccess)
	case st.Code == http.StatusBadRequest:
		return string(OutcomeInvalidInput)
	default:
		return "Error"
	}
}
