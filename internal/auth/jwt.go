// Package auth turns bearer credentials into identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"minbar/pkg/types"
)

// Claims is the JWT payload. The subject carries the user id.
type Claims struct {
	Role types.Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTVerifier creates a verifier and issuer for the given secret. An empty
// issuer disables the issuer check.
func NewJWTVerifier(secret, issuer string, ttl time.Duration) (*JWTVerifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &JWTVerifier{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Verify implements interfaces.IdentityVerifier.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (types.Identity, error) {
	if err := ctx.Err(); err != nil {
		return types.Identity{}, err
	}

	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return types.Identity{}, ErrInvalidCredential
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return types.Identity{}, ErrExpiredCredential
		}
		return types.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return types.Identity{}, ErrInvalidCredential
	}

	identity := types.Identity{UserID: claims.Subject, Role: claims.Role}
	if !types.IsValidUserID(identity.UserID) || !types.IsValidIdentityRole(identity.Role) {
		return types.Identity{}, ErrInvalidCredential
	}
	return identity, nil
}

// IssueToken signs a token for userID. A zero ttl uses the verifier default.
func (v *JWTVerifier) IssueToken(userID string, role types.Role, ttl time.Duration) (string, error) {
	if !types.IsValidUserID(userID) {
		return "", types.ErrInvalidUserID
	}
	if !types.IsValidIdentityRole(role) {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if ttl <= 0 {
		ttl = v.ttl
	}

	now := v.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
