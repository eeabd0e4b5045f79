// Package accesstoken issues and verifies the short-lived HS256 access tokens
// carried in the site_session cookie. Services sharing the signing key can use
// Codec.Parse to authenticate a visitor without calling back into the site.
package accesstoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// notBeforeSkew tolerates clocks that run slightly behind the issuer.
const notBeforeSkew = 30 * time.Second

var (
	ErrMissingSigningKey = errors.New("accesstoken.missing_signing_key")
	ErrMissingIssuer     = errors.New("accesstoken.missing_issuer")
	ErrInvalidTTL        = errors.New("accesstoken.invalid_ttl")
	ErrMissingSubject    = errors.New("accesstoken.missing_subject")
	ErrMissingToken      = errors.New("accesstoken.missing_token")
	ErrInvalidToken      = errors.New("accesstoken.invalid_token")
	ErrInvalidIssuer     = errors.New("accesstoken.invalid_issuer")
	ErrExpired           = errors.New("accesstoken.expired")
)

// Config configures a Codec. TTL may be zero for a parse-only codec.
type Config struct {
	SigningKey []byte
	Issuer     string
	TTL        time.Duration
	Clock      Clock
}

// Claims is the token payload. The subject is the account id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Expiry returns the expiry timestamp, or the zero time when absent.
func (claims *Claims) Expiry() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Codec signs and verifies access tokens for one issuer.
type Codec struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	clock      Clock
}

// New validates configuration and returns a Codec.
func New(configuration Config) (*Codec, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("accesstoken.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("accesstoken.new: %w", ErrMissingIssuer)
	}
	if configuration.TTL < 0 {
		return nil, fmt.Errorf("accesstoken.new: %w", ErrInvalidTTL)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Codec{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		ttl:        configuration.TTL,
		clock:      clock,
	}, nil
}

// Issue signs a token for subject and reports when it expires.
func (codec *Codec) Issue(subject string, email string) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, fmt.Errorf("accesstoken.issue: %w", ErrMissingSubject)
	}
	if codec.ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("accesstoken.issue: %w", ErrInvalidTTL)
	}
	issuedAt := codec.clock.Now().UTC()
	expiresAt := issuedAt.Add(codec.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    codec.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-notBeforeSkew)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(codec.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("accesstoken.issue: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies signature, issuer and expiry, and returns the claims.
func (codec *Codec) Parse(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("accesstoken.parse: %w", ErrMissingToken)
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return codec.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(codec.clock.Now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("accesstoken.parse: %w", ErrExpired)
	case err != nil, !parsed.Valid, claims.Subject == "":
		return nil, fmt.Errorf("accesstoken.parse: %w", ErrInvalidToken)
	case claims.Issuer != codec.issuer:
		return nil, fmt.Errorf("accesstoken.parse: %w", ErrInvalidIssuer)
	}
	return claims, nil
}
