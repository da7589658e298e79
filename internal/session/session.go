// Package session resolves optional user identity for realtime connections.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is a resolved user. It is informational only and never gates
// delivery of public events.
type Identity struct {
	UserID string
}

// Resolver maps an opaque credential to an identity. ok is false for
// anonymous or invalid credentials.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (id Identity, ok bool)
}

// Anonymous resolves every credential to no identity.
type Anonymous struct{}

func (Anonymous) Resolve(context.Context, string) (Identity, bool) { return Identity{}, false }

type claims struct {
	jwt.RegisteredClaims
}

// JWTResolver validates HS256 session tokens and uses the subject as user id.
type JWTResolver struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWTResolver(secret, issuer string) (*JWTResolver, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session secret is required")
	}
	return &JWTResolver{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}, nil
}

func (r *JWTResolver) Resolve(_ context.Context, credential string) (Identity, bool) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, false
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.now),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(credential, &parsed, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, false
	}

	sub := strings.TrimSpace(parsed.Subject)
	if sub == "" {
		return Identity{}, false
	}
	return Identity{UserID: sub}, true
}

// Sign issues a session token for userID. Used by tests and the feedctl tool.
func (r *JWTResolver) Sign(userID string, ttl time.Duration) (string, error) {
	now := r.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(r.secret)
}
