// Package auth issues and verifies session tokens and password hashes.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var jwtSigningMethod = jwt.SigningMethodHS256

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

func (r Role) IsValid() bool {
	return r == RoleCustomer || r == RoleAdmin
}

var ErrInvalidCredentials = errors.New("invalid credentials")

type TokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// Claims carries the authenticated subject and role.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Issue signs an access token for subject with role.
func Issue(cfg TokenConfig, now time.Time, subject string, role Role) (string, error) {
	if cfg.Secret == "" {
		return "", fmt.Errorf("jwt secret is required")
	}
	if cfg.TTL <= 0 {
		return "", fmt.Errorf("jwt ttl must be positive")
	}
	if subject == "" {
		return "", fmt.Errorf("jwt subject is required")
	}
	if !role.IsValid() {
		return "", fmt.Errorf("invalid role %q", role)
	}

	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwtSigningMethod, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

// Parse validates the token string and returns typed claims.
func Parse(cfg TokenConfig, tokenString string, now time.Time) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwtSigningMethod.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !claims.Role.IsValid() || claims.Subject == "" {
		return nil, fmt.Errorf("token missing subject or role")
	}
	return claims, nil
}

// AdminCredentials is the single console login configured at deploy time.
type AdminCredentials struct {
	Username     string
	PasswordHash string
}

// Check verifies username and password against the configured admin.
func (a AdminCredentials) Check(username, password string) error {
	if a.Username == "" || a.PasswordHash == "" {
		return ErrInvalidCredentials
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.Username)) == 1
	passOK, err := VerifyPassword(password, a.PasswordHash)
	if err != nil {
		return fmt.Errorf("admin password hash: %w", err)
	}
	if !userOK || !passOK {
		return ErrInvalidCredentials
	}
	return nil
}
