package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := jwtlib.MapClaims{
		"sub": sub,
		"iat": time.Now().Unix(),
		"exp": exp.Unix(),
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	gate, err := NewGate(NewJWTVerifier(testSecret))
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return gate
}

func TestAuthenticateAcceptsValidBearerHeader(t *testing.T) {
	gate := newTestGate(t)
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "user-1", time.Now().Add(time.Hour)))

	identity, err := gate.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if identity.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", identity.UserID)
	}
}

func TestAuthenticateAcceptsQueryToken(t *testing.T) {
	gate := newTestGate(t)
	token := signToken(t, "user-2", time.Now().Add(time.Hour))
	r := httptest.NewRequest("GET", "/ws?token="+token, nil)

	identity, err := gate.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if identity.UserID != "user-2" {
		t.Fatalf("expected user-2, got %q", identity.UserID)
	}
}

func TestAuthenticateRejectsMissingCredential(t *testing.T) {
	gate := newTestGate(t)
	r := httptest.NewRequest("GET", "/ws", nil)

	if _, err := gate.Authenticate(r); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	gate := newTestGate(t)
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "user-3", time.Now().Add(-2*time.Hour)))

	if _, err := gate.Authenticate(r); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestAuthenticateRejectsForgedSignature(t *testing.T) {
	gate := newTestGate(t)
	claims := jwtlib.MapClaims{"sub": "user-4", "exp": time.Now().Add(time.Hour).Unix()}
	forged, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+forged)

	if _, err := gate.Authenticate(r); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}
