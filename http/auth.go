package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type claimsKey struct{}

// Authenticator validates HS256 bearer tokens
type Authenticator struct {
	config AuthConfig
	parser *jwt.Parser
}

// NewAuthenticator creates an authenticator from config
func NewAuthenticator(config AuthConfig) *Authenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(config.Leeway),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}
	return &Authenticator{config: config, parser: jwt.NewParser(opts...)}
}

// Validate parses and verifies a raw token
func (a *Authenticator) Validate(raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(a.config.Secret), nil
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "token rejected"), ErrInvalidToken)
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token. It is a
// pass-through when authentication is disabled.
func (a *Authenticator) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		if !a.config.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="jobsched"`)
				writeError(w, http.StatusUnauthorized, ErrMissingToken)
				return
			}
			claims, err := a.Validate(raw)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				writeError(w, http.StatusUnauthorized, ErrInvalidToken)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// ClaimsFromContext returns the claims of an authenticated request
func ClaimsFromContext(ctx context.Context) (*jwt.RegisteredClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*jwt.RegisteredClaims)
	return claims, ok
}

// IssueToken signs a token for subject valid for ttl
func IssueToken(config AuthConfig, subject string, ttl time.Duration) (string, error) {
	if config.Secret == "" {
		return "", errors.New("auth secret is not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{config.Audience}
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(config.Secret))
	return token, errors.Wrap(err, "failed to sign token")
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
