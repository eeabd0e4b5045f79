package accesstoken

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type stepClock struct {
	current time.Time
}

func (clock *stepClock) Now() time.Time {
	return clock.current
}

func newCodec(t *testing.T, clock Clock, issuer string) *Codec {
	t.Helper()
	codec, err := New(Config{SigningKey: []byte("harbor-secret"), Issuer: issuer, TTL: 15 * time.Minute, Clock: clock})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return codec
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		config   Config
		expected error
	}{
		{name: "signing key", config: Config{Issuer: "harborhope"}, expected: ErrMissingSigningKey},
		{name: "issuer", config: Config{SigningKey: []byte("k"), Issuer: "  "}, expected: ErrMissingIssuer},
		{name: "ttl", config: Config{SigningKey: []byte("k"), Issuer: "harborhope", TTL: -time.Second}, expected: ErrInvalidTTL},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(testCase.config); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestIssueAndParse(t *testing.T) {
	t.Parallel()

	clock := &stepClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	codec := newCodec(t, clock, "harborhope")

	token, expiresAt, err := codec.Issue("user-1", "a@x.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !expiresAt.Equal(clock.current.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}
	claims, err := codec.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "a@x.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !claims.Expiry().Equal(expiresAt) {
		t.Fatalf("expected expiry %v, got %v", expiresAt, claims.Expiry())
	}
	if claims.ID == "" {
		t.Fatalf("expected a token id")
	}

	second, _, err := codec.Issue("user-1", "a@x.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if second == token {
		t.Fatalf("tokens issued in the same instant must differ")
	}

	clock.current = clock.current.Add(16 * time.Minute)
	if _, err := codec.Parse(token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestIssueRequiresSubjectAndTTL(t *testing.T) {
	t.Parallel()

	codec := newCodec(t, nil, "harborhope")
	if _, _, err := codec.Issue(" ", "a@x.com"); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected missing subject, got %v", err)
	}

	parseOnly, err := New(Config{SigningKey: []byte("harbor-secret"), Issuer: "harborhope"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := parseOnly.Issue("user-1", ""); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ttl error, got %v", err)
	}
}

func TestParseRejectsForeignTokens(t *testing.T) {
	t.Parallel()

	clock := &stepClock{current: time.Now().UTC()}
	codec := newCodec(t, clock, "harborhope")

	other := newCodec(t, clock, "elsewhere")
	foreignIssuer, _, err := other.Issue("user-1", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := codec.Parse(foreignIssuer); !errors.Is(err, ErrInvalidIssuer) {
		t.Fatalf("expected issuer error, got %v", err)
	}

	token, _, err := codec.Issue("user-1", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	tampered := token[:strings.LastIndex(token, ".")+1] + "c2lnbmF0dXJl"
	if _, err := codec.Parse(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}

	if _, err := codec.Parse(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "harborhope", ExpiresAt: jwt.NewNumericDate(clock.current.Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := codec.Parse(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected none algorithm to be rejected, got %v", err)
	}

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "harborhope"},
	}).SignedString([]byte("harbor-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := codec.Parse(noExpiry); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected token without expiry to be rejected, got %v", err)
	}
}
