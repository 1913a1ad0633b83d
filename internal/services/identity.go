package services

import (
	"context"
	"strings"

	"aquachat/config"
	"aquachat/internal/domain/user"
	"aquachat/internal/repository"
	chaterrors "aquachat/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Identity is the result of verifying a connection credential.
type Identity struct {
	UserID   uuid.UUID
	TenantID uuid.UUID
}

// IdentityAdapter verifies an opaque credential at connection time. The
// account system that mints credentials lives outside this module.
type IdentityAdapter interface {
	Verify(token string) (Identity, error)
}

type AccessClaims struct {
	UserID   string `json:"sub"`
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// JWTIdentity verifies HMAC-signed access tokens issued by the platform's
// auth service.
type JWTIdentity struct {
	secret []byte
}

func NewJWTIdentity(cfg *config.Config) *JWTIdentity {
	return &JWTIdentity{secret: []byte(cfg.JWTSecret)}
}

func (j *JWTIdentity) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, chaterrors.ErrUnauthorized
	}

	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, chaterrors.ErrUnauthorized
		}
		return j.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, chaterrors.ErrUnauthorized
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return Identity{}, chaterrors.ErrUnauthorized
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return Identity{}, chaterrors.ErrUnauthorized
	}

	return Identity{UserID: userID, TenantID: tenantID}, nil
}

// UserDirectory is the narrow profile lookup used to populate sender_info
// snapshots at send time.
type UserDirectory interface {
	GetDisplay(ctx context.Context, id uuid.UUID) (user.User, error)
}

type RepoDirectory struct {
	users repository.UserRepository
}

func NewRepoDirectory(users repository.UserRepository) *RepoDirectory {
	return &RepoDirectory{users: users}
}

func (d *RepoDirectory) GetDisplay(ctx context.Context, id uuid.UUID) (user.User, error) {
	return d.users.GetDisplay(ctx, id)
}
