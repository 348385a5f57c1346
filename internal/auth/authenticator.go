package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SelfAlias lets a client address its own identity without repeating the id.
const SelfAlias = "self"

var (
	ErrMissingSigningKey = errors.New("authenticator: signing key required")
	ErrMissingIssuer     = errors.New("authenticator: issuer required")
	ErrMissingAudience   = errors.New("authenticator: audience required")
	ErrMissingToken      = errors.New("auth: token required")
	// ErrInvalidToken covers every credential that cannot be verified, including expiry.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrIdentityMismatch reports a verified credential that disagrees with the claimed identity.
	ErrIdentityMismatch = errors.New("auth: identity mismatch")
)

// AuthenticatorConfig describes how credentials are verified.
type AuthenticatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// Authenticator validates HS256 credentials and resolves them to principals.
type Authenticator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewAuthenticator constructs an authenticator with the provided configuration.
func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Authenticator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		clock:         clock,
	}, nil
}

// ValidateToken verifies the credential and returns the principal it names.
func (a *Authenticator) ValidateToken(tokenString string) (Principal, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, ErrMissingToken)
	}

	claims := &PrincipalClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm %s", t.Method.Alg())
			}
			return a.signingSecret, nil
		},
		jwt.WithTimeFunc(a.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Principal{}, fmt.Errorf("%w: subject required", ErrInvalidToken)
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Principal{ID: subject, Role: role}, nil
}

// Authenticate verifies the credential and checks it against the identity the connection claims.
// Empty claims are not checked; a claimed user id of SelfAlias always matches.
func (a *Authenticator) Authenticate(ctx context.Context, credential, claimedUserID, claimedRole string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	principal, err := a.ValidateToken(credential)
	if err != nil {
		return Principal{}, err
	}

	claimedUserID = strings.TrimSpace(claimedUserID)
	if claimedUserID != "" && claimedUserID != SelfAlias && claimedUserID != principal.ID {
		return Principal{}, fmt.Errorf("%w: user %q", ErrIdentityMismatch, claimedUserID)
	}
	if strings.TrimSpace(claimedRole) != "" {
		role, err := ParseRole(claimedRole)
		if err != nil || role != principal.Role {
			return Principal{}, fmt.Errorf("%w: role %q", ErrIdentityMismatch, claimedRole)
		}
	}
	return principal, nil
}

// CredentialFromRequest extracts a bearer credential from the Authorization header,
// falling back to the token query parameter browsers use for websocket URLs.
func CredentialFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
