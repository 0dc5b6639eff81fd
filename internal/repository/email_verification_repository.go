package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/account-service/internal/domain"
)

// EmailVerificationRepository manages email verification token persistence.
type EmailVerificationRepository interface {
	CreateForUser(ctx context.Context, userID string) (*domain.EmailVerificationToken, error)
	FindValidByToken(ctx context.Context, token string) (*domain.EmailVerificationToken, error)
	Consume(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

type emailVerificationRepository struct {
	db     DB
	issuer TokenIssuer
	ttl    time.Duration
}

// NewEmailVerificationRepository constructs repository. Tokens expire ttl after creation.
func NewEmailVerificationRepository(db DB, issuer TokenIssuer, ttl time.Duration) EmailVerificationRepository {
	return &emailVerificationRepository{db: db, issuer: issuer, ttl: ttl}
}

func (r *emailVerificationRepository) CreateForUser(ctx context.Context, userID string) (*domain.EmailVerificationToken, error) {
	const query = `
        INSERT INTO email_verification_tokens (id, user_id, token_hash, expires_at)
        VALUES ($1, $2, $3, $4)
        RETURNING created_at, updated_at`

	plain, err := r.issuer.Issue()
	if err != nil {
		return nil, fmt.Errorf("issue verification token: %w", err)
	}

	token := &domain.EmailVerificationToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     plain,
		ExpiresAt: time.Now().Add(r.ttl).UTC(),
	}
	if err := conn(ctx, r.db).QueryRow(ctx, query,
		token.ID,
		token.UserID,
		hashToken(plain),
		token.ExpiresAt,
	).Scan(&token.CreatedAt, &token.UpdatedAt); err != nil {
		return nil, err
	}
	return token, nil
}

// FindValidByToken only matches unexpired tokens.
func (r *emailVerificationRepository) FindValidByToken(ctx context.Context, tokenStr string) (*domain.EmailVerificationToken, error) {
	const query = `
        SELECT id, user_id, expires_at, created_at, updated_at
        FROM email_verification_tokens
        WHERE token_hash=$1 AND expires_at > NOW()`

	token := domain.EmailVerificationToken{Token: tokenStr}
	if err := conn(ctx, r.db).QueryRow(ctx, query, hashToken(tokenStr)).Scan(
		&token.ID,
		&token.UserID,
		&token.ExpiresAt,
		&token.CreatedAt,
		&token.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &token, nil
}

// Consume deletes a still-valid token; ErrNotFound means someone else consumed
// it first or it expired in between.
func (r *emailVerificationRepository) Consume(ctx context.Context, id string) error {
	const query = `DELETE FROM email_verification_tokens WHERE id=$1 AND expires_at > NOW()`

	cmd, err := conn(ctx, r.db).Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *emailVerificationRepository) DeleteByUser(ctx context.Context, userID string) error {
	const query = `DELETE FROM email_verification_tokens WHERE user_id=$1`
	_, err := conn(ctx, r.db).Exec(ctx, query, userID)
	return err
}

func (r *emailVerificationRepository) DeleteExpired(ctx context.Context) (int64, error) {
	const query = `DELETE FROM email_verification_tokens WHERE expires_at <= NOW()`
	cmd, err := conn(ctx, r.db).Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
