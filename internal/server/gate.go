package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/core/engine"
	apperrors "github.com/chorusrelay/chorus/internal/errors"
	"github.com/chorusrelay/chorus/internal/observability"
	servermw "github.com/chorusrelay/chorus/internal/server/middleware"
)

// FingerprintChecker is the subset of the fingerprint limiter used by the gate.
type FingerprintChecker interface {
	CheckEarly(ctx context.Context, fingerprint, action string) core.QuotaDecision
	RecordAttempt(ctx context.Context, fingerprint, action string) error
}

// FingerprintGate throttles clients by network fingerprint before any
// authentication runs. Allowed requests are recorded as attempts.
func FingerprintGate(limiter FingerprintChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fingerprint := engine.Fingerprint(clientIP(r), r.UserAgent(), r.Header.Get("Accept-Language"))
			action := engine.ActionForPath(r.URL.Path)

			decision := limiter.CheckEarly(r.Context(), fingerprint, action)
			if !decision.Allowed {
				HandleError(w, r, apperrors.NewQuotaExceededError(decision))
				return
			}

			if err := limiter.RecordAttempt(r.Context(), fingerprint, action); err != nil && observability.ServerLogger != nil {
				observability.ServerLogger.Warn("Failed to record fingerprint attempt",
					zap.String("action", action),
					zap.Error(err),
					zap.String("requestID", servermw.GetRequestID(r.Context())),
				)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the host part of RemoteAddr, which chi's RealIP has
// already replaced with the forwarded address when present.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
