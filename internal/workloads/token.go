package workloads

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenGenerator issues identity tokens for workloads.
type TokenGenerator interface {
	Generate(subject string) (string, error)
}

// TokenValidator verifies a token and returns the subject it was issued for.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// JWTConfig configures HS256 workload tokens.
type JWTConfig struct {
	Secret    []byte
	Issuer    string
	Audience  string
	TTL       time.Duration
	ClockSkew time.Duration
}

// JWT generates and validates HS256 workload tokens.
type JWT struct {
	cfg JWTConfig
	now func() time.Time
}

var (
	_ TokenGenerator = (*JWT)(nil)
	_ TokenValidator = (*JWT)(nil)
)

// NewJWT returns a JWT signer. An empty secret is rejected.
func NewJWT(cfg JWTConfig) (*JWT, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret is empty")
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &JWT{cfg: cfg, now: time.Now}, nil
}

// Generate signs a token whose "sub" claim is subject.
func (j *JWT) Generate(subject string) (string, error) {
	now := j.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    j.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(j.cfg.TTL)),
	}
	if j.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{j.cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate checks signature, expiry, issuer and audience, and returns the subject.
func (j *JWT) Validate(tokenString string) (string, error) {
	if tokenString == "" {
		return "", errors.New("token is empty")
	}

	parser := jwt.NewParser(
		jwt.WithLeeway(j.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
	)

	claims := &jwt.RegisteredClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return j.cfg.Secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("token is invalid")
	}

	if j.cfg.Issuer != "" && claims.Issuer != j.cfg.Issuer {
		return "", fmt.Errorf("invalid issuer: expected %s, got %s", j.cfg.Issuer, claims.Issuer)
	}
	if j.cfg.Audience != "" && !slices.Contains(claims.Audience, j.cfg.Audience) {
		return "", fmt.Errorf("invalid audience: expected %s", j.cfg.Audience)
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}
