// Package auth resolves credentials to users. It issues and verifies HS256
// tokens and checks bcrypt password hashes.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-dm/internal/apperr"
	"github.com/npezzotti/go-dm/internal/cache"
	"github.com/npezzotti/go-dm/internal/database"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"
)

var errInvalidCredentials = apperr.Unauthenticated("invalid credentials")

type UserStore interface {
	GetUserById(ctx context.Context, id string) (database.User, error)
	GetUserByEmail(ctx context.Context, email string) (database.User, error)
}

type Authenticator struct {
	signingKey []byte
	ttl        time.Duration
	users      UserStore
	cache      *cache.UserCache
	log        zerolog.Logger
	now        func() time.Time
}

// NewAuthenticator returns an authenticator. userCache may be nil.
func NewAuthenticator(signingKey []byte, ttl time.Duration, users UserStore, userCache *cache.UserCache, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		signingKey: signingKey,
		ttl:        ttl,
		users:      users,
		cache:      userCache,
		log:        logger,
		now:        time.Now,
	}
}

func (a *Authenticator) TTL() time.Duration {
	return a.ttl
}

func (a *Authenticator) IssueToken(userId string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    a.now().Add(a.ttl).Unix(),
	})

	return token.SignedString(a.signingKey)
}

// VerifyToken checks the signature and expiry of tokenString and returns the
// user id it was issued for.
func (a *Authenticator) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return "", fmt.Errorf("invalid user id claim")
	}

	return userId, nil
}

// Authenticate resolves a token to an existing user.
func (a *Authenticator) Authenticate(ctx context.Context, tokenString string) (database.User, error) {
	if strings.TrimSpace(tokenString) == "" {
		return database.User{}, apperr.Unauthenticated("missing credentials")
	}

	userId, err := a.VerifyToken(tokenString)
	if err != nil {
		a.log.Debug().Err(err).Msg("token rejected")
		return database.User{}, apperr.Unauthenticated("invalid credentials")
	}

	if u, ok, err := a.cache.Get(ctx, userId); err != nil {
		a.log.Warn().Err(err).Str("user_id", userId).Msg("user cache get")
	} else if ok {
		return u, nil
	}

	u, err := a.users.GetUserById(ctx, userId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.User{}, apperr.Unauthenticated("invalid credentials")
		}
		return database.User{}, apperr.Internal(fmt.Errorf("get user: %w", err))
	}

	if err := a.cache.Put(ctx, u); err != nil {
		a.log.Warn().Err(err).Str("user_id", userId).Msg("user cache put")
	}

	return u, nil
}

// Login checks email and password and returns the user with a fresh token.
func (a *Authenticator) Login(ctx context.Context, email, password string) (database.User, string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return database.User{}, "", apperr.Validation("email", "email is required")
	}
	if password == "" {
		return database.User{}, "", apperr.Validation("password", "password is required")
	}

	u, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.User{}, "", errInvalidCredentials
		}
		return database.User{}, "", apperr.Internal(fmt.Errorf("get user by email: %w", err))
	}

	if !VerifyPassword(u.PasswordHash, password) {
		return database.User{}, "", errInvalidCredentials
	}

	token, err := a.IssueToken(u.Id)
	if err != nil {
		return database.User{}, "", apperr.Internal(fmt.Errorf("issue token: %w", err))
	}

	return u, token, nil
}

func HashPassword(passwd string) (string, error) {
	passwdHash, err := bcrypt.GenerateFromPassword([]byte(passwd), bcrypt.DefaultCost)
	return string(passwdHash), err
}

func VerifyPassword(passwdHash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(passwdHash), []byte(passwd))
	return err == nil
}
