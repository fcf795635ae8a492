package signin

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	id "signout/pkg/domain"
	dErrors "signout/pkg/domain-errors"
	"signout/pkg/platform/httputil"
	"signout/pkg/requestcontext"
)

type Service interface {
	Challenge(ctx context.Context, tenantID id.TenantID, returnTo string) (*ChallengeDescriptor, error)
	Complete(ctx context.Context, tenantID id.TenantID, rawIDToken, nonce, device string) (id.SessionID, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/v1/signin", h.handleChallenge)
	r.Post("/v1/signin/complete", h.handleComplete)
}

func (h *Handler) handleChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := id.ParseTenantID(r.URL.Query().Get("tenant"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	desc, err := h.service.Challenge(ctx, tenantID, r.URL.Query().Get("return_to"))
	if err != nil {
		h.logger.WarnContext(ctx, "sign-in challenge failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, desc)
}

type completeRequest struct {
	TenantID string `json:"tenant_id"`
	IDToken  string `json:"id_token"`
	Nonce    string `json:"nonce"`
}

func (r *completeRequest) Validate() error {
	r.TenantID = strings.TrimSpace(r.TenantID)
	r.IDToken = strings.TrimSpace(r.IDToken)
	if r.TenantID == "" || r.IDToken == "" {
		return dErrors.New(dErrors.CodeValidation, "tenant_id and id_token are required")
	}
	return nil
}

type completeResponse struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[completeRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	tenantID, err := id.ParseTenantID(req.TenantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	userAgent := requestcontext.UserAgent(ctx)
	if userAgent == "" {
		userAgent = r.UserAgent()
	}
	sid, err := h.service.Complete(ctx, tenantID, req.IDToken, req.Nonce, ParseUserAgent(userAgent))
	if err != nil {
		h.logger.WarnContext(ctx, "sign-in completion failed",
			"request_id", requestID,
			"tenant_id", tenantID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, completeResponse{SessionID: sid.String()})
}
