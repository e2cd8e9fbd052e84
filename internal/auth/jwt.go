package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/braidhq/braid/internal/config"
	"github.com/braidhq/braid/pkg/models"
)

// JWT verifies HS256 bearer tokens signed with a shared secret. It is the
// only Verifier braid ships.
type JWT struct {
	secret []byte
	issuer string
	expiry time.Duration
}

// NewJWT builds a verifier from the auth configuration.
func NewJWT(cfg config.AuthConfig) *JWT {
	return &JWT{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		expiry: cfg.TokenExpiry,
	}
}

type claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given user. Production tokens come
// from the identity service; this is the development and test mint.
func (j *JWT) Generate(user *models.User) (string, error) {
	if j == nil || len(j.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if user == nil || strings.TrimSpace(user.Email) == "" {
		return "", errors.New("user email required")
	}

	now := time.Now()
	c := claims{
		Email: strings.TrimSpace(user.Email),
		Name:  strings.TrimSpace(user.Name),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strings.TrimSpace(user.ID),
			Issuer:   j.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if j.expiry > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(j.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(j.secret)
}

// Verify parses and validates a token and returns the identity it asserts.
// A token without an email claim is rejected: email is how braid keys
// accounts, so an identity without one is unusable.
func (j *JWT) Verify(token string) (*Identity, error) {
	if j == nil || len(j.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	var opts []jwt.ParserOption
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	email := strings.TrimSpace(c.Email)
	if email == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{
		Subject: strings.TrimSpace(c.Subject),
		Email:   email,
		Name:    strings.TrimSpace(c.Name),
	}, nil
}
