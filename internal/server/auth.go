package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/chorusrelay/chorus/internal/config"
	"github.com/chorusrelay/chorus/internal/core"
	apperrors "github.com/chorusrelay/chorus/internal/errors"
	"github.com/chorusrelay/chorus/internal/observability"
	servermw "github.com/chorusrelay/chorus/internal/server/middleware"
)

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
	errTokenExpired = errors.New("token expired")
)

// Authenticator verifies HS256 bearer tokens and resolves the caller's
// subject and tier.
type Authenticator struct {
	disabled    bool
	secret      []byte
	issuer      string
	audience    string
	tierClaim   string
	defaultTier core.Tier
	anonymous   string
}

// NewAuthenticator builds an Authenticator. A secret is required unless
// authentication is disabled.
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{
		disabled:    cfg.Disabled,
		secret:      []byte(cfg.JWTSecret),
		issuer:      strings.TrimSpace(cfg.Issuer),
		audience:    strings.TrimSpace(cfg.Audience),
		tierClaim:   strings.TrimSpace(cfg.TierClaim),
		defaultTier: core.ParseTier(cfg.DefaultTier),
		anonymous:   strings.TrimSpace(cfg.AnonymousSubject),
	}
	if a.tierClaim == "" {
		a.tierClaim = "tier"
	}
	if a.anonymous == "" {
		a.anonymous = "anonymous"
	}
	if !a.disabled && strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required unless auth.disabled is set")
	}
	return a, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the
// principal on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Authenticate(r)
		if err != nil {
			if observability.ServerLogger != nil {
				observability.ServerLogger.Debug("Rejected request credentials",
					zap.String("path", r.URL.Path),
					zap.Error(err),
					zap.String("requestID", servermw.GetRequestID(r.Context())),
				)
			}
			HandleError(w, r, apperrors.NewUnauthorizedError(err.Error()))
			return
		}
		next.ServeHTTP(w, r.WithContext(servermw.WithPrincipal(r.Context(), principal)))
	})
}

// Authenticate resolves the principal of r.
func (a *Authenticator) Authenticate(r *http.Request) (servermw.Principal, error) {
	if a == nil || a.disabled {
		anonymous, tier := "anonymous", core.TierFree
		if a != nil {
			anonymous, tier = a.anonymous, a.defaultTier
		}
		return servermw.Principal{Subject: anonymous, Tier: tier}, nil
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return servermw.Principal{}, errMissingToken
	}
	return a.ParseToken(strings.TrimSpace(token))
}

// ParseToken validates a signed token and extracts its principal.
func (a *Authenticator) ParseToken(tokenString string) (servermw.Principal, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return servermw.Principal{}, errTokenExpired
		}
		return servermw.Principal{}, errInvalidToken
	}
	if !token.Valid {
		return servermw.Principal{}, errInvalidToken
	}

	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return servermw.Principal{}, errInvalidToken
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return servermw.Principal{}, errInvalidToken
	}

	subject, _ := claims["sub"].(string)
	if strings.TrimSpace(subject) == "" {
		return servermw.Principal{}, fmt.Errorf("%w: subject claim is required", errInvalidToken)
	}

	tier := a.defaultTier
	if raw, ok := claims[a.tierClaim].(string); ok && strings.TrimSpace(raw) != "" {
		tier = core.ParseTier(raw)
	}
	return servermw.Principal{Subject: subject, Tier: tier}, nil
}
