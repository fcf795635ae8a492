// Package handler exposes local sign-out, session status and the inbound
// notification endpoint over HTTP.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"signout/internal/dispatch/signing"
	"signout/internal/platform/middleware"
	sessionmodels "signout/internal/session/models"
	"signout/internal/signout/models"
	"signout/internal/signout/service"
	id "signout/pkg/domain"
	dErrors "signout/pkg/domain-errors"
	"signout/pkg/platform/httputil"
	"signout/pkg/requestcontext"
)

type Sessions interface {
	Get(ctx context.Context, sessionID id.SessionID) (*sessionmodels.Session, error)
}

type Coordinator interface {
	SignOutLocally(ctx context.Context, tenantID id.TenantID, userKey id.UserKey) (*models.Descriptor, error)
}

type Receiver interface {
	Receive(ctx context.Context, raw models.RawNotification, claimedOriginator id.AppID) (models.ApplyResult, error)
	TakeNotice(ctx context.Context, sessionID id.SessionID) (string, bool)
}

// TokenVerifier checks a peer's signed notification token.
type TokenVerifier interface {
	Verify(token string) (signing.Verified, error)
}

type peerTokens struct {
	verifier TokenVerifier
}

// NewPeerTokenVerifier adapts a notification token verifier to the peer
// authentication middleware.
func NewPeerTokenVerifier(v TokenVerifier) middleware.PeerTokenVerifier {
	return peerTokens{verifier: v}
}

func (p peerTokens) VerifyPeerToken(token string) (*middleware.PeerClaims, error) {
	v, err := p.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	return &middleware.PeerClaims{Originator: v.Originator, NotificationID: v.NotificationID}, nil
}

type Handler struct {
	sessions    Sessions
	coordinator Coordinator
	receiver    Receiver
	peerTokens  middleware.PeerTokenVerifier
	logger      *slog.Logger
}

func New(sessions Sessions, coordinator Coordinator, receiver Receiver, peerTokens middleware.PeerTokenVerifier, logger *slog.Logger) *Handler {
	return &Handler{
		sessions:    sessions,
		coordinator: coordinator,
		receiver:    receiver,
		peerTokens:  peerTokens,
		logger:      logger,
	}
}

// Register mounts the routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(h.logger))
		r.Post("/v1/signout", h.handleSignOut)
		r.Get("/v1/session", h.handleGetSession)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequirePeerToken(h.peerTokens, h.logger))
		r.Post("/v1/signout/notifications", h.handleNotification)
	})
}

type signOutResponse struct {
	NotificationID      string   `json:"notification_id"`
	InvalidatedSessions []string `json:"invalidated_sessions"`
}

func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	session, err := h.sessions.Get(ctx, requestcontext.SessionID(ctx))
	if err != nil {
		h.writeError(w, ctx, requestID, "failed to load session for sign-out", err)
		return
	}

	if !session.IsActive() {
		h.writeError(w, ctx, requestID, "sign-out on inactive session",
			dErrors.New(dErrors.CodeUnauthorized, "session is no longer active"))
		return
	}

	desc, err := h.coordinator.SignOutLocally(ctx, session.TenantID, session.UserKey)
	if err != nil {
		h.writeError(w, ctx, requestID, "local sign-out failed", err)
		return
	}

	resp := signOutResponse{
		NotificationID:      desc.Notification.ID.String(),
		InvalidatedSessions: make([]string, 0, len(desc.InvalidatedSessions)),
	}
	for _, sid := range desc.InvalidatedSessions {
		resp.InvalidatedSessions = append(resp.InvalidatedSessions, sid.String())
	}
	h.logger.InfoContext(ctx, "sign-out requested",
		"request_id", requestID,
		"client_ip", requestcontext.ClientIP(ctx),
		"notification_id", resp.NotificationID,
	)
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type sessionResponse struct {
	SessionID          string     `json:"session_id"`
	TenantID           string     `json:"tenant_id"`
	UserKey            string     `json:"user_key"`
	State              string     `json:"state"`
	Device             string     `json:"device,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	InvalidatedAt      *time.Time `json:"invalidated_at,omitempty"`
	InvalidationReason string     `json:"invalidation_reason,omitempty"`
	Notice             string     `json:"notice,omitempty"`
}

// handleGetSession reports the session state. A notice left by an external
// sign-out is included the first time only.
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	session, err := h.sessions.Get(ctx, requestcontext.SessionID(ctx))
	if err != nil {
		h.writeError(w, ctx, requestID, "failed to load session", err)
		return
	}

	resp := sessionResponse{
		SessionID:          session.ID.String(),
		TenantID:           session.TenantID.String(),
		UserKey:            session.UserKey.String(),
		State:              string(session.State),
		Device:             session.Device,
		CreatedAt:          session.CreatedAt,
		InvalidatedAt:      session.InvalidatedAt,
		InvalidationReason: string(session.InvalidationReason),
	}
	if !session.IsActive() {
		if msg, ok := h.receiver.TakeNotice(ctx, session.ID); ok {
			resp.Notice = msg
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type notificationRequest struct {
	models.RawNotification
}

func (r *notificationRequest) Validate() error {
	_, err := r.Parse()
	return err
}

type notificationResponse struct {
	Status string `json:"status"`
}

// handleNotification answers 202 for every well-formed notification from an
// authenticated peer, whether applied, replayed, stale or untrusted, so the
// response never tells a peer how the trust policy treated it.
func (h *Handler) handleNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	claims := middleware.GetPeerClaims(ctx)
	if claims == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing peer credentials"))
		return
	}

	req, ok := httputil.DecodeAndPrepare[notificationRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if req.NotificationID != claims.NotificationID {
		h.logger.WarnContext(ctx, "notification body does not match token",
			"request_id", requestID,
			"originator", claims.Originator,
			"notification_id", req.NotificationID,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "notification does not match token"))
		return
	}

	_, err := h.receiver.Receive(ctx, req.RawNotification, claims.Originator)
	if err != nil && !errors.Is(err, service.ErrStaleNotification) && !errors.Is(err, service.ErrUntrustedOriginator) {
		h.writeError(w, ctx, requestID, "failed to apply notification", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, notificationResponse{Status: "accepted"})
}

func (h *Handler) writeError(w http.ResponseWriter, ctx context.Context, requestID, msg string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg, "request_id", requestID, "error", err)
	} else {
		h.logger.WarnContext(ctx, msg, "request_id", requestID, "error", err)
	}
	httputil.WriteError(w, err)
}
