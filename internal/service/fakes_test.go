package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/account-service/internal/auth"
	"github.com/spec-kit/account-service/internal/config"
	"github.com/spec-kit/account-service/internal/domain"
	"github.com/spec-kit/account-service/internal/events"
	"github.com/spec-kit/account-service/internal/repository"
	"github.com/spec-kit/account-service/internal/session"
	apperrors "github.com/spec-kit/account-service/pkg/util/errorutil"
)

type fakeUsers struct {
	mu        sync.Mutex
	byID      map[string]*domain.User
	findErr   error
	createErr error
	updateErr error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byID: make(map[string]*domain.User)}
}

func (f *fakeUsers) Create(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, u := range f.byID {
		if u.Email == user.Email {
			return repository.ErrDuplicateEmail
		}
	}
	user.ID = uuid.NewString()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	stored := *user
	f.byID[user.ID] = &stored
	return nil
}

func (f *fakeUsers) Update(_ context.Context, id string, changes domain.UserUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	u, ok := f.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	if changes.PasswordHash != nil {
		u.PasswordHash = *changes.PasswordHash
	}
	if changes.EmailVerified != nil {
		u.EmailVerified = *changes.EmailVerified
	}
	if changes.IsActive != nil {
		u.IsActive = *changes.IsActive
	}
	if changes.Name != nil {
		u.Name = *changes.Name
	}
	return nil
}

func (f *fakeUsers) FindByID(_ context.Context, id string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	u, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *u
	return &out, nil
}

func (f *fakeUsers) FindByEmail(_ context.Context, email string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, u := range f.byID {
		if u.Email == email {
			out := *u
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeUsers) GetMe(ctx context.Context, sess *domain.Session) (*domain.User, error) {
	if sess == nil || sess.User == nil || sess.User.ID == "" {
		return nil, apperrors.NewUnauthorized("no active session")
	}
	u, err := f.FindByID(ctx, sess.User.ID)
	if err != nil {
		return nil, apperrors.NewUnauthorized("user not found")
	}
	return u, nil
}

func (f *fakeUsers) get(id string) domain.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.byID[id]
}

func (f *fakeUsers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

type fakeResets struct {
	mu        sync.Mutex
	issuer    auth.TokenIssuer
	ttl       time.Duration
	byToken   map[string]*domain.PasswordResetToken
	createErr error
}

func newFakeResets() *fakeResets {
	return &fakeResets{issuer: auth.NewTokenIssuer(), ttl: time.Hour, byToken: make(map[string]*domain.PasswordResetToken)}
}

func (f *fakeResets) CreateForUser(_ context.Context, userID string) (*domain.PasswordResetToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	tok, err := f.issuer.Issue()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	t := &domain.PasswordResetToken{ID: uuid.NewString(), UserID: userID, Token: tok, ExpiresAt: now.Add(f.ttl), CreatedAt: now, UpdatedAt: now}
	f.byToken[tok] = t
	out := *t
	return &out, nil
}

func (f *fakeResets) FindValidByToken(_ context.Context, token string) (*domain.PasswordResetToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byToken[token]
	if !ok || !t.IsUsable(time.Now()) {
		return nil, repository.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (f *fakeResets) MarkUsed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.byToken {
		if t.ID == id && t.IsUsable(time.Now()) {
			now := time.Now()
			t.UsedAt = &now
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeResets) DeleteByUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for tok, t := range f.byToken {
		if t.UserID == userID && t.UsedAt == nil {
			delete(f.byToken, tok)
		}
	}
	return nil
}

func (f *fakeResets) DeleteExpired(context.Context) (int64, error) { return 0, nil }

func (f *fakeResets) expire(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byToken[token].ExpiresAt = time.Now().Add(-time.Minute)
}

func (f *fakeResets) outstanding(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for tok, t := range f.byToken {
		if t.UserID == userID && t.UsedAt == nil {
			out = append(out, tok)
		}
	}
	return out
}

func (f *fakeResets) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byToken)
}

type fakeVerifications struct {
	mu        sync.Mutex
	issuer    auth.TokenIssuer
	byToken   map[string]*domain.EmailVerificationToken
	findErr   error
	panicFind bool
}

func newFakeVerifications() *fakeVerifications {
	return &fakeVerifications{issuer: auth.NewTokenIssuer(), byToken: make(map[string]*domain.EmailVerificationToken)}
}

func (f *fakeVerifications) CreateForUser(_ context.Context, userID string) (*domain.EmailVerificationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, err := f.issuer.Issue()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	t := &domain.EmailVerificationToken{ID: uuid.NewString(), UserID: userID, Token: tok, ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now, UpdatedAt: now}
	f.byToken[tok] = t
	out := *t
	return &out, nil
}

func (f *fakeVerifications) FindValidByToken(_ context.Context, token string) (*domain.EmailVerificationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicFind {
		panic("driver exploded")
	}
	if f.findErr != nil {
		return nil, f.findErr
	}
	t, ok := f.byToken[token]
	if !ok || !t.IsUsable(time.Now()) {
		return nil, repository.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (f *fakeVerifications) Consume(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for tok, t := range f.byToken {
		if t.ID == id && t.IsUsable(time.Now()) {
			delete(f.byToken, tok)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeVerifications) DeleteByUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for tok, t := range f.byToken {
		if t.UserID == userID {
			delete(f.byToken, tok)
		}
	}
	return nil
}

func (f *fakeVerifications) DeleteExpired(context.Context) (int64, error) { return 0, nil }

func (f *fakeVerifications) tokensFor(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for tok, t := range f.byToken {
		if t.UserID == userID {
			out = append(out, tok)
		}
	}
	return out
}

type fakeTx struct {
	err error
}

func (f *fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(ctx)
}

type fakeBridge struct {
	mu         sync.Mutex
	creds      []session.Credential
	result     *session.Result
	err        error
	versionErr error
	revoked    []string
	signedOut  []string
	versions   map[string]int64
	accounts   map[string]session.Account
}

func (f *fakeBridge) SignIn(_ context.Context, cred session.Credential) (session.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = append(f.creds, cred)
	if f.err != nil || f.result != nil {
		var res session.Result
		if f.result != nil {
			res = *f.result
		}
		return res, f.err
	}
	return session.Result{
		Success: true,
		Session: &domain.Session{
			ID:          "sess-" + cred.UserID,
			User:        &domain.SessionUser{ID: cred.UserID, Email: cred.Email, Permissions: cred.Permissions},
			AccessToken: cred.AccessToken,
		},
	}, nil
}

func (f *fakeBridge) Resolve(context.Context, string) (*domain.Session, error) {
	return nil, session.ErrNotFound
}

func (f *fakeBridge) SignOut(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signedOut = append(f.signedOut, id)
	return f.err
}

func (f *fakeBridge) RevokeUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, userID)
	if f.versions == nil {
		f.versions = map[string]int64{}
	}
	f.versions[userID]++
	return nil
}

func (f *fakeBridge) SyncAccount(_ context.Context, account session.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accounts == nil {
		f.accounts = map[string]session.Account{}
	}
	f.accounts[account.UserID] = account
	return nil
}

func (f *fakeBridge) CredentialVersion(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[userID], f.versionErr
}

func (f *fakeBridge) account(userID string) (session.Account, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[userID]
	return a, ok
}

type recordingDispatcher struct {
	mu        sync.Mutex
	published []events.Event
}

func (d *recordingDispatcher) Publish(_ context.Context, event events.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published = append(d.published, event)
	return nil
}

func (d *recordingDispatcher) Subscribe(events.EventType, events.EventHandler) {}

func (d *recordingDispatcher) ofType(t events.EventType) []events.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []events.Event
	for _, e := range d.published {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) RecordAuthOutcome(operation, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[operation+"/"+outcome]++
}

func (m *countingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

type fixture struct {
	svc           *AuthService
	users         *fakeUsers
	resets        *fakeResets
	verifications *fakeVerifications
	tx            *fakeTx
	bridge        *fakeBridge
	dispatcher    *recordingDispatcher
	metrics       *countingMetrics
	tokens        *auth.TokenManager
	hasher        auth.Hasher
}

const testPassword = "Aa1!aaaa"

func newFixture(t *testing.T, requireVerification bool) *fixture {
	t.Helper()
	f := &fixture{
		users:         newFakeUsers(),
		resets:        newFakeResets(),
		verifications: newFakeVerifications(),
		tx:            &fakeTx{},
		bridge:        &fakeBridge{},
		dispatcher:    &recordingDispatcher{},
		metrics:       &countingMetrics{},
		tokens:        auth.NewTokenManager("test-secret", 60),
		hasher:        auth.NewBcryptHasher(4),
	}
	f.svc = NewAuthService(config.AuthConfig{
		RequireEmailVerification: requireVerification,
		DefaultPermissions:       []string{domain.PermissionDashboardRead, domain.PermissionProfileRead},
	}, AuthDependencies{
		UserRepo:              f.users,
		PasswordResetRepo:     f.resets,
		EmailVerificationRepo: f.verifications,
		Transactor:            f.tx,
		Hasher:                f.hasher,
		AccessTokens:          f.tokens,
		Sessions:              f.bridge,
		Dispatcher:            f.dispatcher,
		Metrics:               f.metrics,
		Logger:                zap.NewNop(),
	})
	return f
}

// seedUser stores a user directly, bypassing sign-up.
func (f *fixture) seedUser(t *testing.T, email string, verified, active bool) *domain.User {
	t.Helper()
	hash, err := f.hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	u := &domain.User{
		Email:         email,
		Name:          "Test User",
		PasswordHash:  hash,
		Permissions:   []string{domain.PermissionDashboardRead},
		IsActive:      active,
		EmailVerified: verified,
	}
	if err := f.users.Create(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}
