package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/example/chat-hub/internal/types"
)

var (
	// ErrMissingCredential means no bearer token was presented with the
	// handshake.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential covers signature and expiry failures.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Identity is the result of a successful credential verification.
type Identity struct {
	UserID types.UserID
	Claims map[string]any
}

// Verifier checks an opaque bearer token and resolves the identity behind it.
type Verifier interface {
	VerifyCredential(ctx context.Context, token string) (Identity, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, token string) (Identity, error)

func (f VerifierFunc) VerifyCredential(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// JWTVerifier validates HMAC-signed bearer tokens. Only the HMAC family is
// accepted so a token cannot downgrade the expected algorithm.
type JWTVerifier struct {
	secret []byte
	leeway time.Duration
}

// NewJWTVerifier builds a verifier around a shared HMAC secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret, leeway: 30 * time.Second}
}

// VerifyCredential implements Verifier.
func (v *JWTVerifier) VerifyCredential(_ context.Context, token string) (Identity, error) {
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (any, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwtlib.WithLeeway(v.leeway), jwtlib.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidCredential
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrInvalidCredential)
	}
	return Identity{UserID: types.UserID(sub), Claims: claims}, nil
}

// Gate authenticates upgrade requests before a connection record is created.
// Failures are terminal for the handshake attempt; there are no retries.
type Gate struct {
	verifier Verifier
}

// NewGate wires the gate to its credential-verification collaborator.
func NewGate(verifier Verifier) (*Gate, error) {
	if verifier == nil {
		return nil, errors.New("credential verifier is required")
	}
	return &Gate{verifier: verifier}, nil
}

// Authenticate extracts the bearer credential from the upgrade request and
// verifies it. Browser WebSocket clients cannot set arbitrary headers, so the
// token may also arrive as a query parameter.
func (g *Gate) Authenticate(r *http.Request) (Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return Identity{}, ErrMissingCredential
	}
	identity, err := g.verifier.VerifyCredential(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrMissingCredential) || errors.Is(err, ErrInvalidCredential) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if identity.UserID == "" {
		return Identity{}, fmt.Errorf("%w: verifier returned empty identity", ErrInvalidCredential)
	}
	return identity, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
