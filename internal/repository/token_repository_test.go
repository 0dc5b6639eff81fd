package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedIssuer struct {
	token string
	err   error
}

func (f fixedIssuer) Issue() (string, error) { return f.token, f.err }

func TestPasswordResetRepository_CreateForUser(t *testing.T) {
	now := time.Now().UTC()
	mock := newMock(t)
	mock.ExpectQuery(`INSERT INTO password_reset_tokens`).
		WithArgs(pgxmock.AnyArg(), "u1", hashToken("tok"), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	repo := NewPasswordResetRepository(mock, fixedIssuer{token: "tok"}, time.Hour)
	token, err := repo.CreateForUser(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, "tok", token.Token)
	assert.Equal(t, "u1", token.UserID)
	assert.NotEmpty(t, token.ID)
	assert.Nil(t, token.UsedAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), token.ExpiresAt, 5*time.Second)
	assert.True(t, token.IsUsable(time.Now()))
}

func TestPasswordResetRepository_CreateForUser_IssuerFailure(t *testing.T) {
	mock := newMock(t)
	repo := NewPasswordResetRepository(mock, fixedIssuer{err: errors.New("entropy")}, time.Hour)
	_, err := repo.CreateForUser(context.Background(), "u1")
	require.Error(t, err)
}

func TestPasswordResetRepository_FindValidByToken(t *testing.T) {
	now := time.Now().UTC()

	t.Run("valid token", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta(`WHERE token_hash=$1 AND used_at IS NULL AND expires_at > NOW()`)).
			WithArgs(hashToken("tok")).
			WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "expires_at", "used_at", "created_at", "updated_at"}).
				AddRow("r1", "u1", now.Add(time.Hour), nil, now, now))

		token, err := NewPasswordResetRepository(mock, fixedIssuer{}, time.Hour).FindValidByToken(context.Background(), "tok")
		require.NoError(t, err)
		assert.Equal(t, "r1", token.ID)
		assert.Equal(t, "tok", token.Token)
		assert.Nil(t, token.UsedAt)
	})

	t.Run("unknown, used or expired", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`FROM password_reset_tokens`).
			WithArgs(hashToken("stale")).
			WillReturnError(pgx.ErrNoRows)

		_, err := NewPasswordResetRepository(mock, fixedIssuer{}, time.Hour).FindValidByToken(context.Background(), "stale")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPasswordResetRepository_MarkUsed(t *testing.T) {
	tests := []struct {
		name    string
		rows    int64
		wantErr error
	}{
		{name: "first caller wins", rows: 1},
		{name: "already used", rows: 0, wantErr: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			mock.ExpectExec(regexp.QuoteMeta(`WHERE id=$1 AND used_at IS NULL AND expires_at > NOW()`)).
				WithArgs("r1").
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.rows))

			err := NewPasswordResetRepository(mock, fixedIssuer{}, time.Hour).MarkUsed(context.Background(), "r1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestPasswordResetRepository_Cleanup(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM password_reset_tokens WHERE user_id=$1 AND used_at IS NULL`)).
		WithArgs("u1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM password_reset_tokens WHERE expires_at <= NOW()`)).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	repo := NewPasswordResetRepository(mock, fixedIssuer{}, time.Hour)
	require.NoError(t, repo.DeleteByUser(context.Background(), "u1"))

	n, err := repo.DeleteExpired(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
}

func TestEmailVerificationRepository_Lifecycle(t *testing.T) {
	now := time.Now().UTC()
	ctx := context.Background()
	mock := newMock(t)

	mock.ExpectQuery(`INSERT INTO email_verification_tokens`).
		WithArgs(pgxmock.AnyArg(), "u1", hashToken("vtok"), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE token_hash=$1 AND expires_at > NOW()`)).
		WithArgs(hashToken("vtok")).
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "expires_at", "created_at", "updated_at"}).
			AddRow("v1", "u1", now.Add(time.Hour), now, now))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM email_verification_tokens WHERE id=$1 AND expires_at > NOW()`)).
		WithArgs("v1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM email_verification_tokens WHERE id=$1 AND expires_at > NOW()`)).
		WithArgs("v1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM email_verification_tokens WHERE user_id=$1`)).
		WithArgs("u1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM email_verification_tokens WHERE expires_at <= NOW()`)).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	repo := NewEmailVerificationRepository(mock, fixedIssuer{token: "vtok"}, 24*time.Hour)

	created, err := repo.CreateForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "vtok", created.Token)

	found, err := repo.FindValidByToken(ctx, "vtok")
	require.NoError(t, err)
	assert.Equal(t, "v1", found.ID)
	assert.True(t, found.IsUsable(time.Now()))

	require.NoError(t, repo.Consume(ctx, "v1"))
	assert.ErrorIs(t, repo.Consume(ctx, "v1"), ErrNotFound)
	require.NoError(t, repo.DeleteByUser(ctx, "u1"))

	n, err := repo.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestHashToken(t *testing.T) {
	assert.Equal(t, hashToken("a"), hashToken("a"))
	assert.NotEqual(t, hashToken("a"), hashToken("b"))
	assert.Len(t, hashToken("a"), 64)
}
