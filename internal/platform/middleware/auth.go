// Package middleware authenticates the two kinds of callers: browsers holding
// a session and peer applications delivering notifications.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	id "signout/pkg/domain"
	dErrors "signout/pkg/domain-errors"
	"signout/pkg/platform/httputil"
	"signout/pkg/requestcontext"
)

// SessionHeader carries the caller's session id.
const SessionHeader = "X-Session-ID"

// PeerTokenVerifier validates the bearer token a peer application presents.
type PeerTokenVerifier interface {
	VerifyPeerToken(token string) (*PeerClaims, error)
}

// PeerClaims is what a verified peer token asserts.
type PeerClaims struct {
	Originator     id.AppID
	NotificationID string
}

type contextKeyPeerClaims struct{}

var ContextKeyPeerClaims = contextKeyPeerClaims{}

// GetPeerClaims returns the verified peer claims, or nil outside RequirePeerToken.
func GetPeerClaims(ctx context.Context) *PeerClaims {
	claims, ok := ctx.Value(ContextKeyPeerClaims).(*PeerClaims)
	if !ok {
		return nil
	}
	return claims
}

// RequireSession rejects requests without a well-formed session id and puts
// the id on the context. Whether the session is still active is for the
// handler to decide.
func RequireSession(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			sid, err := id.ParseSessionID(r.Header.Get(SessionHeader))
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - missing session",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid session"))
				return
			}
			next.ServeHTTP(w, r.WithContext(requestcontext.WithSessionID(ctx, sid)))
		})
	}
}

// RequirePeerToken verifies the bearer token of a peer application.
func RequirePeerToken(verifier PeerTokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := requestcontext.RequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized peer - missing token",
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}

			claims, err := verifier.VerifyPeerToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized peer - invalid token",
					"error", err,
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return
			}

			ctx = context.WithValue(ctx, ContextKeyPeerClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
