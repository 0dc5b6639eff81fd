package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/account-service/internal/domain"
	apperrors "github.com/spec-kit/account-service/pkg/util/errorutil"
)

var userRowColumns = []string{
	"id", "email", "password_hash", "name", "permissions", "is_active",
	"email_verified", "avatar_key", "language", "created_at", "updated_at",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		mock.Close()
	})
	return mock
}

func TestUserRepository_Create(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
	}{
		{
			name: "inserts user",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO users`).
					WithArgs(pgxmock.AnyArg(), "a@x.com", "hash", "Ann", []string{"dashboard:read"}, true, false, pgxmock.AnyArg(), pgxmock.AnyArg()).
					WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
			},
		},
		{
			name: "duplicate email",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO users`).
					WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "users_email_key"})
			},
			wantErr: ErrDuplicateEmail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			tt.setupMock(mock)

			user := &domain.User{
				Email:        "a@x.com",
				PasswordHash: "hash",
				Name:         "Ann",
				Permissions:  []string{"dashboard:read"},
				IsActive:     true,
			}
			err := NewUserRepository(mock).Create(context.Background(), user)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, user.ID)
			assert.Equal(t, now, user.CreatedAt)
		})
	}
}

func TestUserRepository_FindByEmail(t *testing.T) {
	now := time.Now().UTC()
	avatar := "avatars/1.png"

	t.Run("found", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE email=$1`)).
			WithArgs("a@x.com").
			WillReturnRows(pgxmock.NewRows(userRowColumns).
				AddRow("u1", "a@x.com", "hash", "Ann", []string{"dashboard:read"}, true, false, &avatar, nil, now, now))

		user, err := NewUserRepository(mock).FindByEmail(context.Background(), "a@x.com")
		require.NoError(t, err)
		assert.Equal(t, "u1", user.ID)
		assert.Equal(t, []string{"dashboard:read"}, user.Permissions)
		require.NotNil(t, user.AvatarKey)
		assert.Equal(t, avatar, *user.AvatarKey)
		assert.Nil(t, user.Language)
	})

	t.Run("not found", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE email=$1`)).
			WithArgs("nobody@x.com").
			WillReturnError(pgx.ErrNoRows)

		_, err := NewUserRepository(mock).FindByEmail(context.Background(), "nobody@x.com")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUserRepository_Update(t *testing.T) {
	verified := true
	hash := "newhash"

	t.Run("partial update", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET password_hash=$1, email_verified=$2, updated_at=NOW() WHERE id=$3`)).
			WithArgs("newhash", true, "u1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := NewUserRepository(mock).Update(context.Background(), "u1", domain.UserUpdate{PasswordHash: &hash, EmailVerified: &verified})
		require.NoError(t, err)
	})

	t.Run("unknown user", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE users SET`).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := NewUserRepository(mock).Update(context.Background(), "u9", domain.UserUpdate{EmailVerified: &verified})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty update is a no-op", func(t *testing.T) {
		mock := newMock(t)
		require.NoError(t, NewUserRepository(mock).Update(context.Background(), "u1", domain.UserUpdate{}))
	})
}

func TestUserRepository_GetMe(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name             string
		session          *domain.Session
		setupMock        func(mock pgxmock.PgxPoolIface)
		wantUnauthorized bool
		wantErr          bool
	}{
		{name: "no session", wantUnauthorized: true},
		{name: "no user", session: &domain.Session{ID: "s"}, wantUnauthorized: true},
		{name: "no user id", session: &domain.Session{User: &domain.SessionUser{}}, wantUnauthorized: true},
		{
			name:    "unknown user",
			session: &domain.Session{User: &domain.SessionUser{ID: "gone"}},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`FROM users WHERE id=`).WithArgs("gone").WillReturnError(pgx.ErrNoRows)
			},
			wantUnauthorized: true,
		},
		{
			name:    "database failure",
			session: &domain.Session{User: &domain.SessionUser{ID: "u1"}},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`FROM users WHERE id=`).WithArgs("u1").WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
		{
			name:    "resolves user",
			session: &domain.Session{User: &domain.SessionUser{ID: "u1"}},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`FROM users WHERE id=`).WithArgs("u1").
					WillReturnRows(pgxmock.NewRows(userRowColumns).
						AddRow("u1", "a@x.com", "hash", "Ann", []string{}, true, true, nil, nil, now, now))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			if tt.setupMock != nil {
				tt.setupMock(mock)
			}

			user, err := NewUserRepository(mock).GetMe(context.Background(), tt.session)
			switch {
			case tt.wantUnauthorized:
				require.Error(t, err)
				assert.True(t, apperrors.IsUnauthorized(err))
			case tt.wantErr:
				require.Error(t, err)
				assert.False(t, apperrors.IsUnauthorized(err))
			default:
				require.NoError(t, err)
				assert.Equal(t, "u1", user.ID)
			}
		})
	}
}

func TestTransactor(t *testing.T) {
	ctx := context.Background()

	t.Run("commits and routes repositories through the tx", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE users SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		verified := true
		repo := NewUserRepository(mock)
		err := NewTransactor(mock).WithinTx(ctx, func(ctx context.Context) error {
			return repo.Update(ctx, "u1", domain.UserUpdate{EmailVerified: &verified})
		})
		require.NoError(t, err)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := NewTransactor(mock).WithinTx(ctx, func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("nested calls share the outer tx", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectCommit()

		tx := NewTransactor(mock)
		err := tx.WithinTx(ctx, func(ctx context.Context) error {
			return tx.WithinTx(ctx, func(context.Context) error { return nil })
		})
		require.NoError(t, err)
	})

	t.Run("begin failure", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin().WillReturnError(errors.New("pool closed"))

		called := false
		err := NewTransactor(mock).WithinTx(ctx, func(context.Context) error {
			called = true
			return nil
		})
		require.Error(t, err)
		assert.False(t, called)
	})
}
