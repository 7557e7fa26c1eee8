// Package auth validates upstream credentials and handles the bearer tokens
// that identify gateway sessions.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tjfontaine/dataagent-gateway/internal/domain"
)

// Credential errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrAudience     = errors.New("token audience not accepted")
)

// CredentialValidator turns an upstream credential into the identity bound to
// a new session.
type CredentialValidator interface {
	Validate(credential string) (domain.Identity, error)
}

// JWTValidator reads identity claims from an upstream access token.
//
// The gateway is not the token's audience in the cryptographic sense: the
// data agent verifies the signature on every call. Without a signing secret
// the validator only checks structure, expiry and audience. With one, HS256
// signatures are verified as well.
type JWTValidator struct {
	secret    []byte
	audiences []string
	leeway    time.Duration
	now       func() time.Time
}

// Option configures a JWTValidator.
type Option func(*JWTValidator)

// WithSigningSecret enables HS256 signature verification.
func WithSigningSecret(secret []byte) Option {
	return func(v *JWTValidator) {
		v.secret = secret
	}
}

// WithAudiences restricts accepted tokens to those naming one of audiences.
func WithAudiences(audiences ...string) Option {
	return func(v *JWTValidator) {
		v.audiences = audiences
	}
}

// WithLeeway tolerates clock skew on exp and nbf.
func WithLeeway(d time.Duration) Option {
	return func(v *JWTValidator) {
		v.leeway = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *JWTValidator) {
		v.now = now
	}
}

// NewJWTValidator creates a validator.
func NewJWTValidator(opts ...Option) *JWTValidator {
	v := &JWTValidator{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks the credential and extracts its identity. ValidUntil is set
// from the exp claim so the session cannot outlive the credential.
func (v *JWTValidator) Validate(credential string) (domain.Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return domain.Identity{}, fmt.Errorf("%w: empty credential", ErrInvalidToken)
	}

	claims := jwt.MapClaims{}
	var err error
	if len(v.secret) > 0 {
		parser := jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(v.leeway),
			jwt.WithTimeFunc(v.now),
		)
		_, err = parser.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
			return v.secret, nil
		})
	} else {
		_, _, err = jwt.NewParser().ParseUnverified(credential, claims)
	}
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Identity{}, ErrExpiredToken
		}
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	now := v.now()
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: exp: %v", ErrInvalidToken, err)
	}
	if exp != nil && !now.Before(exp.Add(v.leeway)) {
		return domain.Identity{}, ErrExpiredToken
	}
	nbf, err := claims.GetNotBefore()
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: nbf: %v", ErrInvalidToken, err)
	}
	if nbf != nil && now.Add(v.leeway).Before(nbf.Time) {
		return domain.Identity{}, fmt.Errorf("%w: not valid yet", ErrInvalidToken)
	}

	if len(v.audiences) > 0 {
		aud, err := claims.GetAudience()
		if err != nil {
			return domain.Identity{}, fmt.Errorf("%w: aud: %v", ErrInvalidToken, err)
		}
		if !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(v.audiences, a) }) {
			return domain.Identity{}, ErrAudience
		}
	}

	id := domain.Identity{
		Subject:  stringClaim(claims, "oid", "sub"),
		Name:     stringClaim(claims, "name"),
		Email:    stringClaim(claims, "email", "upn", "preferred_username", "unique_name"),
		TenantID: stringClaim(claims, "tid"),
	}
	if id.Subject == "" {
		return domain.Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if exp != nil {
		id.ValidUntil = exp.Time.Add(v.leeway)
	}
	return id, nil
}

// stringClaim returns the first non-empty string claim among names.
func stringClaim(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if s, ok := claims[name].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ExtractBearer extracts the token from the Authorization header
func ExtractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Support "Bearer <token>" format
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}

// HashToken creates a SHA-256 hash of a session token for storage
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
