package auth

import (
	"time"

	"github.com/coder/quartz"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/xerrors"
)

// Roles carried in tokens.
const (
	RoleGateway = "gateway"
	RoleAdmin   = "admin"
)

// Claims represents the JWT payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 tokens for one issuer.
type Signer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	clock  quartz.Clock
}

func NewSigner(key, issuer string, ttl time.Duration, clock quartz.Clock) *Signer {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Signer{key: []byte(key), issuer: issuer, ttl: ttl, clock: clock}
}

// Issue returns a signed token for subject with role and its expiry.
func (s *Signer) Issue(subject, role string) (string, time.Time, error) {
	if role != RoleGateway && role != RoleAdmin {
		return "", time.Time{}, xerrors.Errorf("unknown role %q", role)
	}
	now := s.clock.Now()
	exp := now.Add(s.ttl)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, xerrors.Errorf("sign token: %w", err)
	}
	return tok, exp, nil
}

// Parse validates a token and returns its claims.
func (s *Signer) Parse(tokenStr string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(func() time.Time { return s.clock.Now() }),
	)
	if err != nil {
		return Claims{}, xerrors.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return Claims{}, xerrors.New("invalid token")
	}
	return claims, nil
}
