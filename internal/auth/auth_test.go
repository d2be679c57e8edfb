package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-dm/internal/apperr"
	"github.com/npezzotti/go-dm/internal/cache"
	"github.com/npezzotti/go-dm/internal/database"
	"github.com/npezzotti/go-dm/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-signing-key")

func TestIssueAndVerifyToken(t *testing.T) {
	a := NewAuthenticator(testKey, time.Hour, &database.MockChatRepository{}, nil, testutil.TestLogger(t))

	token, err := a.IssueToken("user-1")
	require.NoError(t, err)

	userId, err := a.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userId)
}

func TestVerifyToken_rejects(t *testing.T) {
	a := NewAuthenticator(testKey, time.Hour, &database.MockChatRepository{}, nil, testutil.TestLogger(t))

	expired, err := NewAuthenticator(testKey, -time.Minute, nil, nil, testutil.TestLogger(t)).IssueToken("user-1")
	require.NoError(t, err)

	otherKey, err := NewAuthenticator([]byte("other"), time.Hour, nil, nil, testutil.TestLogger(t)).IssueToken("user-1")
	require.NoError(t, err)

	numericClaim, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: 42,
		expClaim:    time.Now().Add(time.Hour).Unix(),
	}).SignedString(testKey)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		userIdClaim: "user-1",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tcases := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-token"},
		{name: "expired", token: expired},
		{name: "wrong key", token: otherKey},
		{name: "non-string user id", token: numericClaim},
		{name: "none algorithm", token: unsigned},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.VerifyToken(tc.token)
			assert.Error(t, err)
		})
	}
}

type countingStore struct {
	data map[string][]byte
}

func (s *countingStore) Get(_ context.Context, key string) ([]byte, error) {
	return s.data[key], nil
}

func (s *countingStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.data[key] = value
	return nil
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves and caches user", func(t *testing.T) {
		repo := &database.MockChatRepository{}
		defer repo.AssertExpectations(t)
		repo.On("GetUserById", mock.Anything, "user-1").Return(database.User{Id: "user-1", Name: "Alice"}, nil).Once()

		uc := cache.NewUserCache(&countingStore{data: make(map[string][]byte)}, time.Minute)
		a := NewAuthenticator(testKey, time.Hour, repo, uc, testutil.TestLogger(t))
		token, err := a.IssueToken("user-1")
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			u, err := a.Authenticate(ctx, token)
			require.NoError(t, err)
			assert.Equal(t, "Alice", u.Name)
		}
	})

	t.Run("errors", func(t *testing.T) {
		repo := &database.MockChatRepository{}
		defer repo.AssertExpectations(t)
		repo.On("GetUserById", mock.Anything, "gone").Return(database.User{}, sql.ErrNoRows).Once()
		repo.On("GetUserById", mock.Anything, "broken").Return(database.User{}, errors.New("db down")).Once()

		a := NewAuthenticator(testKey, time.Hour, repo, nil, testutil.TestLogger(t))
		gone, _ := a.IssueToken("gone")
		broken, _ := a.IssueToken("broken")

		tcases := []struct {
			name  string
			token string
			code  apperr.Code
		}{
			{name: "missing", token: "", code: apperr.CodeUnauthenticated},
			{name: "invalid", token: "abc", code: apperr.CodeUnauthenticated},
			{name: "deleted user", token: gone, code: apperr.CodeUnauthenticated},
			{name: "storage failure", token: broken, code: apperr.CodeInternal},
		}

		for _, tc := range tcases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := a.Authenticate(ctx, tc.token)
				assert.Equal(t, tc.code, apperr.CodeOf(err))
			})
		}
	})
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	repo := &database.MockChatRepository{}
	repo.On("GetUserByEmail", mock.Anything, "alice@example.com").Return(database.User{Id: "user-1", PasswordHash: hash}, nil)
	repo.On("GetUserByEmail", mock.Anything, "nobody@example.com").Return(database.User{}, sql.ErrNoRows)

	a := NewAuthenticator(testKey, time.Hour, repo, nil, testutil.TestLogger(t))

	tcases := []struct {
		name     string
		email    string
		password string
		code     apperr.Code
	}{
		{name: "success", email: "alice@example.com", password: "hunter2"},
		{name: "wrong password", email: "alice@example.com", password: "hunter3", code: apperr.CodeUnauthenticated},
		{name: "unknown email", email: "nobody@example.com", password: "x", code: apperr.CodeUnauthenticated},
		{name: "missing email", email: " ", password: "x", code: apperr.CodeValidation},
		{name: "missing password", email: "alice@example.com", code: apperr.CodeValidation},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			u, token, err := a.Login(ctx, tc.email, tc.password)
			if tc.code != "" {
				assert.Equal(t, tc.code, apperr.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "user-1", u.Id)

			userId, err := a.VerifyToken(token)
			require.NoError(t, err)
			assert.Equal(t, "user-1", userId)
		})
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)
	assert.True(t, VerifyPassword(hash, "s3cret"))
	assert.False(t, VerifyPassword(hash, "wrong"))
	assert.False(t, VerifyPassword("not-a-hash", "s3cret"))
}
