package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/spec-kit/account-service/internal/domain"
	apperrors "github.com/spec-kit/account-service/pkg/util/errorutil"
)

// UserRepository defines persistence access for accounts.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	Update(ctx context.Context, id string, changes domain.UserUpdate) error
	FindByID(ctx context.Context, id string) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	GetMe(ctx context.Context, sess *domain.Session) (*domain.User, error)
}

type userRepository struct {
	db DB
}

// NewUserRepository returns a Postgres-backed implementation.
func NewUserRepository(db DB) UserRepository {
	return &userRepository{db: db}
}

const userColumns = `id, email, password_hash, name, permissions, is_active, email_verified, avatar_key, language, created_at, updated_at`

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	const query = `
        INSERT INTO users (id, email, password_hash, name, permissions, is_active, email_verified, avatar_key, language)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING created_at, updated_at`

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Permissions == nil {
		user.Permissions = []string{}
	}

	err := conn(ctx, r.db).QueryRow(ctx, query,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.Name,
		user.Permissions,
		user.IsActive,
		user.EmailVerified,
		user.AvatarKey,
		user.Language,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrDuplicateEmail
		}
		return err
	}
	return nil
}

func (r *userRepository) Update(ctx context.Context, id string, changes domain.UserUpdate) error {
	if changes.IsEmpty() {
		return nil
	}

	sets := make([]string, 0, 8)
	args := make([]any, 0, 8)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}

	if changes.Name != nil {
		add("name", *changes.Name)
	}
	if changes.PasswordHash != nil {
		add("password_hash", *changes.PasswordHash)
	}
	if changes.Permissions != nil {
		add("permissions", changes.Permissions)
	}
	if changes.IsActive != nil {
		add("is_active", *changes.IsActive)
	}
	if changes.EmailVerified != nil {
		add("email_verified", *changes.EmailVerified)
	}
	if changes.AvatarKey != nil {
		add("avatar_key", *changes.AvatarKey)
	}
	if changes.Language != nil {
		add("language", *changes.Language)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE users SET %s, updated_at=NOW() WHERE id=$%d`, strings.Join(sets, ", "), len(args))

	cmd, err := conn(ctx, r.db).Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	return scanUser(conn(ctx, r.db).QueryRow(ctx, query, id))
}

func (r *userRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email=$1`
	return scanUser(conn(ctx, r.db).QueryRow(ctx, query, email))
}

// GetMe resolves the account behind a session. Any gap in the chain is
// reported as UNAUTHORIZED so callers can send the user to sign-in.
func (r *userRepository) GetMe(ctx context.Context, sess *domain.Session) (*domain.User, error) {
	if sess == nil {
		return nil, apperrors.NewUnauthorized("no active session")
	}
	if sess.User == nil || sess.User.ID == "" {
		return nil, apperrors.NewUnauthorized("session has no user")
	}

	user, err := r.FindByID(ctx, sess.User.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.NewUnauthorized("user not found")
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Name,
		&user.Permissions,
		&user.IsActive,
		&user.EmailVerified,
		&user.AvatarKey,
		&user.Language,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}
