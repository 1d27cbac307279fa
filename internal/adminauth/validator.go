// Package adminauth validates admin API bearer tokens.
package adminauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/channel-access/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Errors returned by ValidateToken.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownRole  = errors.New("unknown role")
)

// Claims are the admin token claims.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Config contains validator configuration.
type Config struct {
	Secret string
	// Issuer, when set, must match the iss claim.
	Issuer string
	Leeway time.Duration
}

// Validator checks HS256 tokens signed with a shared secret.
type Validator struct {
	secret []byte
	parser *jwt.Parser
}

// NewValidator creates a validator. An empty secret is an error.
func NewValidator(config Config) (*Validator, error) {
	if config.Secret == "" {
		return nil, errors.New("admin jwt secret is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}

	return &Validator{
		secret: []byte(config.Secret),
		parser: jwt.NewParser(opts...),
	}, nil
}

// ValidateToken implements httputil.TokenValidator.
func (v *Validator) ValidateToken(_ context.Context, token string) (string, domain.Role, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if !claims.Role.HasPermission(domain.RoleOperator) {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownRole, claims.Role)
	}

	return claims.Subject, claims.Role, nil
}

// IssueToken signs a token for subject. Used by operators to mint admin credentials.
func IssueToken(secret, subject string, role domain.Role, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
