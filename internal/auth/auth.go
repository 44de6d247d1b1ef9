// Package auth guards the operator API with HS256 bearer tokens.
package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"grc-cache/internal/cache/backend"
	"grc-cache/internal/common/errors"
	"grc-cache/internal/common/logging"
)

const (
	issuer          = "grc-cache"
	revokedPrefix   = "jwt:revoked:"
	defaultTokenTTL = 12 * time.Hour
)

// ErrRevoked is returned for a token that was explicitly revoked
var ErrRevoked = stderrors.New("token has been revoked")

// Claims identify an operator
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Provider supplies the live cache backend used for the revocation list
type Provider interface {
	Current() backend.Backend
}

// Auth issues and validates operator tokens. With an empty secret it is
// disabled and RequireAuth lets every request through.
type Auth struct {
	secret   []byte
	provider Provider
	logger   logging.Logger
}

// New creates an Auth. provider may be nil, in which case tokens cannot be
// revoked.
func New(secret string, provider Provider, logger logging.Logger) *Auth {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Auth{
		secret:   []byte(secret),
		provider: provider,
		logger:   logger.WithFields(logging.String("component", "auth")),
	}
}

// Enabled reports whether a secret is configured
func (a *Auth) Enabled() bool {
	return len(a.secret) > 0
}

// GenerateJWT signs a token for subject; ttl <= 0 uses the default lifetime
func (a *Auth) GenerateJWT(subject, role string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.ConfigError("operator auth is not configured")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateJWT parses and verifies a token, then consults the revocation list
func (a *Auth) ValidateJWT(ctx context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.ValidationError("missing token")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errors.ValidationError(fmt.Sprintf("invalid token: %v", err))
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.ValidationError("invalid token claims")
	}

	if revoked, err := a.isRevoked(ctx, claims.ID); err != nil {
		// an unreachable revocation list fails open like every other cache read
		a.logger.Warn("Token revocation check failed", logging.Err(err))
	} else if revoked {
		return nil, ErrRevoked
	}
	return claims, nil
}

// Revoke adds the token id to the revocation list until the token expires
func (a *Auth) Revoke(ctx context.Context, claims *Claims) error {
	be := a.backend()
	if be == nil {
		return errors.ConfigError("no backend available for token revocation")
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return errors.ValidationError("token cannot be revoked")
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	return be.Setex(ctx, revokedPrefix+claims.ID, ttl, []byte("1"))
}

func (a *Auth) isRevoked(ctx context.Context, id string) (bool, error) {
	be := a.backend()
	if be == nil || id == "" {
		return false, nil
	}
	n, err := be.Exists(ctx, revokedPrefix+id)
	return n > 0, err
}

func (a *Auth) backend() backend.Backend {
	if a.provider == nil {
		return nil
	}
	return a.provider.Current()
}

// RequireAuth rejects requests without a valid bearer token and stores the
// token subject as the operator on the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			unauthorized(w, "Authentication required")
			return
		}

		claims, err := a.ValidateJWT(r.Context(), strings.TrimSpace(tokenString))
		if err != nil {
			a.logger.Debug("Rejected operator token", logging.Err(err), logging.String("path", r.URL.Path))
			unauthorized(w, "Invalid or revoked token")
			return
		}

		ctx := logging.ContextWithOperator(r.Context(), claims.Subject)
		ctx = context.WithValue(ctx, claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type claimsKey struct{}

// ClaimsFromContext returns the claims stored by RequireAuth
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="grc-cache"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}
