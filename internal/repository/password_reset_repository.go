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

// PasswordResetRepository manages password reset token persistence.
type PasswordResetRepository interface {
	CreateForUser(ctx context.Context, userID string) (*domain.PasswordResetToken, error)
	FindValidByToken(ctx context.Context, token string) (*domain.PasswordResetToken, error)
	MarkUsed(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

type passwordResetRepository struct {
	db     DB
	issuer TokenIssuer
	ttl    time.Duration
}

// NewPasswordResetRepository constructs repository. Tokens expire ttl after creation.
func NewPasswordResetRepository(db DB, issuer TokenIssuer, ttl time.Duration) PasswordResetRepository {
	return &passwordResetRepository{db: db, issuer: issuer, ttl: ttl}
}

func (r *passwordResetRepository) CreateForUser(ctx context.Context, userID string) (*domain.PasswordResetToken, error) {
	const query = `
        INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at)
        VALUES ($1, $2, $3, $4)
        RETURNING created_at, updated_at`

	plain, err := r.issuer.Issue()
	if err != nil {
		return nil, fmt.Errorf("issue reset token: %w", err)
	}

	token := &domain.PasswordResetToken{
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

// FindValidByToken only matches tokens that are unused and unexpired.
func (r *passwordResetRepository) FindValidByToken(ctx context.Context, tokenStr string) (*domain.PasswordResetToken, error) {
	const query = `
        SELECT id, user_id, expires_at, used_at, created_at, updated_at
        FROM password_reset_tokens
        WHERE token_hash=$1 AND used_at IS NULL AND expires_at > NOW()`

	token := domain.PasswordResetToken{Token: tokenStr}
	if err := conn(ctx, r.db).QueryRow(ctx, query, hashToken(tokenStr)).Scan(
		&token.ID,
		&token.UserID,
		&token.ExpiresAt,
		&token.UsedAt,
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

// MarkUsed consumes the token. The conditional update lets exactly one of
// several concurrent callers win; the others get ErrNotFound.
func (r *passwordResetRepository) MarkUsed(ctx context.Context, id string) error {
	const query = `
        UPDATE password_reset_tokens SET used_at=NOW(), updated_at=NOW()
        WHERE id=$1 AND used_at IS NULL AND expires_at > NOW()`

	cmd, err := conn(ctx, r.db).Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByUser drops every outstanding token of the user. Used tokens are kept
// until they expire.
func (r *passwordResetRepository) DeleteByUser(ctx context.Context, userID string) error {
	const query = `DELETE FROM password_reset_tokens WHERE user_id=$1 AND used_at IS NULL`
	_, err := conn(ctx, r.db).Exec(ctx, query, userID)
	return err
}

func (r *passwordResetRepository) DeleteExpired(ctx context.Context) (int64, error) {
	const query = `DELETE FROM password_reset_tokens WHERE expires_at <= NOW()`
	cmd, err := conn(ctx, r.db).Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
