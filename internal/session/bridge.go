// Package session bridges authenticated accounts to application sessions
// stored in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/account-service/internal/domain"
)

var (
	// ErrNotFound is returned when a session id is unknown or expired.
	ErrNotFound = errors.New("session not found")
	// ErrEmailNotVerified is returned when the bridge refuses an unverified account.
	ErrEmailNotVerified = errors.New("email not verified")
)

// Reason explains a refused sign-in.
type Reason string

const (
	ReasonEmailNotVerified   Reason = "email_not_verified"
	ReasonInvalidCredentials Reason = "invalid_credentials"
)

// Credential is what the account layer hands over after authenticating a user.
type Credential struct {
	UserID        string
	Email         string
	AccessToken   string
	Permissions   []string
	EmailVerified bool
}

// Account is the session layer's copy of the user record. It never holds
// secrets; the password hash stays in Postgres.
type Account struct {
	UserID        string
	Email         string
	Permissions   []string
	EmailVerified bool
}

// Result is the bridge's answer to a sign-in.
type Result struct {
	Success bool
	Reason  Reason
	Session *domain.Session
}

// Bridge turns authenticated accounts into sessions.
type Bridge interface {
	SignIn(ctx context.Context, cred Credential) (Result, error)
	Resolve(ctx context.Context, id string) (*domain.Session, error)
	SignOut(ctx context.Context, id string) error
	RevokeUser(ctx context.Context, userID string) error
	SyncAccount(ctx context.Context, account Account) error
	CredentialVersion(ctx context.Context, userID string) (int64, error)
}

// IDGenerator produces unguessable session ids.
type IDGenerator interface {
	Issue() (string, error)
}

// RedisBridge stores sessions as JSON under session:<id> and keeps a per-user
// index so every session of an account can be revoked at once. The account
// hash under account:<userID> mirrors the user record and carries the
// credential version that access tokens are checked against.
type RedisBridge struct {
	client          *redis.Client
	ids             IDGenerator
	ttl             time.Duration
	accountTTL      time.Duration
	requireVerified bool
	now             func() time.Time
}

// NewRedisBridge builds a bridge. With requireVerified set, unverified
// credentials are refused with ErrEmailNotVerified.
func NewRedisBridge(client *redis.Client, ids IDGenerator, ttl time.Duration, requireVerified bool) *RedisBridge {
	return &RedisBridge{
		client:          client,
		ids:             ids,
		ttl:             ttl,
		accountTTL:      ttl,
		requireVerified: requireVerified,
		now:             time.Now,
	}
}

// WithAccountTTL keeps account entries for at least d. It must cover the
// access token lifetime, or an expired entry would reset the credential
// version under tokens that are still live.
func (b *RedisBridge) WithAccountTTL(d time.Duration) *RedisBridge {
	if d > b.accountTTL {
		b.accountTTL = d
	}
	return b
}

func sessionKey(id string) string      { return "session:" + id }
func userSessionsKey(id string) string { return "user_sessions:" + id }
func accountKey(userID string) string  { return "account:" + userID }

// SignIn syncs the credential account and opens a session for it.
func (b *RedisBridge) SignIn(ctx context.Context, cred Credential) (Result, error) {
	if cred.UserID == "" || cred.Email == "" {
		return Result{Reason: ReasonInvalidCredentials}, nil
	}

	err := b.SyncAccount(ctx, Account{
		UserID:        cred.UserID,
		Email:         cred.Email,
		Permissions:   cred.Permissions,
		EmailVerified: cred.EmailVerified,
	})
	if err != nil {
		return Result{}, err
	}

	if b.requireVerified && !cred.EmailVerified {
		return Result{Reason: ReasonEmailNotVerified}, ErrEmailNotVerified
	}

	id, err := b.ids.Issue()
	if err != nil {
		return Result{}, fmt.Errorf("issue session id: %w", err)
	}

	now := b.now()
	sess := &domain.Session{
		ID: id,
		User: &domain.SessionUser{
			ID:          cred.UserID,
			Email:       cred.Email,
			Permissions: cred.Permissions,
		},
		AccessToken: cred.AccessToken,
		CreatedAt:   now,
		ExpiresAt:   now.Add(b.ttl),
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return Result{}, err
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(id), payload, b.ttl)
		pipe.SAdd(ctx, userSessionsKey(cred.UserID), id)
		pipe.Expire(ctx, userSessionsKey(cred.UserID), b.ttl)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("store session: %w", err)
	}

	return Result{Success: true, Session: sess}, nil
}

// SyncAccount writes the account mirror and renews its TTL. The credential
// version is left untouched.
func (b *RedisBridge) SyncAccount(ctx context.Context, account Account) error {
	if account.UserID == "" {
		return nil
	}
	permissions, err := json.Marshal(account.Permissions)
	if err != nil {
		return err
	}
	key := accountKey(account.UserID)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"user_id":        account.UserID,
			"email":          account.Email,
			"permissions":    string(permissions),
			"email_verified": strconv.FormatBool(account.EmailVerified),
			"synced_at":      b.now().UTC().Format(time.RFC3339),
		})
		pipe.Expire(ctx, key, b.accountTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("sync account: %w", err)
	}
	return nil
}

// CredentialVersion returns the number of times the user's credentials were
// revoked. Unknown users are at version 0.
func (b *RedisBridge) CredentialVersion(ctx context.Context, userID string) (int64, error) {
	v, err := b.client.HGet(ctx, accountKey(userID), "credential_version").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load credential version: %w", err)
	}
	return v, nil
}

// Resolve loads a live session.
func (b *RedisBridge) Resolve(ctx context.Context, id string) (*domain.Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	raw, err := b.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// SignOut destroys a session. Unknown ids are ignored.
func (b *RedisBridge) SignOut(ctx context.Context, id string) error {
	sess, err := b.Resolve(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id))
		if sess.User != nil {
			pipe.SRem(ctx, userSessionsKey(sess.User.ID), id)
		}
		return nil
	})
	return err
}

// RevokeUser destroys every session of a user and bumps the credential
// version, which invalidates access tokens minted before the call.
func (b *RedisBridge) RevokeUser(ctx context.Context, userID string) error {
	ids, err := b.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("list user sessions: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sessionKey(id))
	}
	keys = append(keys, userSessionsKey(userID))

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.HIncrBy(ctx, accountKey(userID), "credential_version", 1)
		pipe.Expire(ctx, accountKey(userID), b.accountTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("revoke user: %w", err)
	}
	return nil
}

var _ Bridge = (*RedisBridge)(nil)
