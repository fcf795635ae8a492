package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"signout/internal/dispatch/signing"
	ledgerstore "signout/internal/ledger/store"
	"signout/internal/platform/middleware"
	sessionservice "signout/internal/session/service"
	sessionstore "signout/internal/session/store"
	"signout/internal/signout/models"
	"signout/internal/signout/notice"
	"signout/internal/signout/service"
	id "signout/pkg/domain"
	"signout/pkg/testutil"
)

type queue struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (q *queue) Enqueue(n models.Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, n)
}

type HandlerSuite struct {
	suite.Suite
	registry *sessionservice.Registry
	queue    *queue
	keys     *testutil.FederationKeys
	router   chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var err error
	s.registry, err = sessionservice.New(sessionstore.NewInMemory(), sessionservice.WithLogger(logger))
	s.Require().NoError(err)
	s.queue = &queue{}
	coordinator, err := service.NewCoordinator("app-b", s.registry, ledgerstore.NewInMemory(), s.queue,
		service.WithLogger(logger))
	s.Require().NoError(err)
	receiver := service.NewReceiver(coordinator,
		service.NewTrustPolicy([]string{"app-x"}, nil),
		notice.NewInMemory(0, 0),
		service.WithReceiverLogger(logger),
	)
	s.keys = testutil.NewFederationKeys(s.T(), "app-x", "evil")
	verifier := signing.NewVerifier("app-b", s.keys.Public())

	s.router = chi.NewRouter()
	New(s.registry, coordinator, receiver, NewPeerTokenVerifier(verifier), logger).Register(s.router)
}

func (s *HandlerSuite) do(method, path, sessionID, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if sessionID != "" {
		req.Header.Set(middleware.SessionHeader, sessionID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) session(user id.UserKey) id.SessionID {
	sid, err := s.registry.Create(context.Background(), "tenant-t", user)
	s.Require().NoError(err)
	return sid
}

func (s *HandlerSuite) signed(originator id.AppID, n models.Notification) (string, []byte) {
	return s.signedWith(originator, originator, n)
}

// signedWith signs as issuer using keyOwner's private key.
func (s *HandlerSuite) signedWith(issuer, keyOwner id.AppID, n models.Notification) (string, []byte) {
	signer, err := signing.NewSigner(s.keys.Private(keyOwner), issuer)
	s.Require().NoError(err)
	token, err := signer.Sign(n.ID, "app-b")
	s.Require().NoError(err)
	body, err := json.Marshal(n.Raw())
	s.Require().NoError(err)
	return token, body
}

func (s *HandlerSuite) isActive(sid id.SessionID) bool {
	active, err := s.registry.IsActive(context.Background(), sid)
	s.Require().NoError(err)
	return active
}

func (s *HandlerSuite) TestSignOut() {
	s.Run("requires a session", func() {
		rec := s.do(http.MethodPost, "/v1/signout", "", "", nil)
		s.Equal(http.StatusUnauthorized, rec.Code)
	})

	s.Run("unknown session is not found", func() {
		rec := s.do(http.MethodPost, "/v1/signout", id.NewSessionID().String(), "", nil)
		s.Equal(http.StatusNotFound, rec.Code)
	})

	s.Run("signs out and schedules a notification", func() {
		sid := s.session("user-u")

		rec := s.do(http.MethodPost, "/v1/signout", sid.String(), "", nil)
		s.Require().Equal(http.StatusOK, rec.Code)
		var resp signOutResponse
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
		s.Equal([]string{sid.String()}, resp.InvalidatedSessions)
		s.NotEmpty(resp.NotificationID)
		s.False(s.isActive(sid))
		s.Len(s.queue.sent, 1)

		rec = s.do(http.MethodPost, "/v1/signout", sid.String(), "", nil)
		s.Equal(http.StatusUnauthorized, rec.Code)
		s.Len(s.queue.sent, 1)
	})
}

func (s *HandlerSuite) TestNotifications() {
	s.Run("trusted peer signs the user out and the notice shows once", func() {
		sid := s.session("user-u")
		token, body := s.signed("app-x", models.NewNotification("tenant-t", "user-u", "app-x", time.Now()))

		rec := s.do(http.MethodPost, "/v1/signout/notifications", "", token, body)
		s.Require().Equal(http.StatusAccepted, rec.Code)
		s.False(s.isActive(sid))

		rec = s.do(http.MethodGet, "/v1/session", sid.String(), "", nil)
		s.Require().Equal(http.StatusOK, rec.Code)
		var first sessionResponse
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &first))
		s.Equal("invalidated", first.State)
		s.Equal(notice.SignedOutElsewhere, first.Notice)

		rec = s.do(http.MethodGet, "/v1/session", sid.String(), "", nil)
		var second sessionResponse
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &second))
		s.Empty(second.Notice)
	})

	s.Run("untrusted peer gets 202 and changes nothing", func() {
		sid := s.session("user-evil-target")
		token, body := s.signed("evil", models.NewNotification("tenant-t", "user-evil-target", "evil", time.Now()))

		rec := s.do(http.MethodPost, "/v1/signout/notifications", "", token, body)
		s.Equal(http.StatusAccepted, rec.Code)
		s.True(s.isActive(sid))
	})

	s.Run("peer claiming another originator in the body changes nothing", func() {
		sid := s.session("user-forged")
		token, body := s.signed("evil", models.NewNotification("tenant-t", "user-forged", "app-x", time.Now()))

		rec := s.do(http.MethodPost, "/v1/signout/notifications", "", token, body)
		s.Equal(http.StatusAccepted, rec.Code)
		s.True(s.isActive(sid))
	})

	s.Run("peer signing with another application's identity is unauthorized", func() {
		sid := s.session("user-impersonated")
		token, body := s.signedWith("app-x", "evil", models.NewNotification("tenant-t", "user-impersonated", "app-x", time.Now()))

		rec := s.do(http.MethodPost, "/v1/signout/notifications", "", token, body)
		s.Equal(http.StatusUnauthorized, rec.Code)
		s.True(s.isActive(sid))
	})

	s.Run("stale notification gets 202 and changes nothing", func() {
		sid := s.session("user-stale")
		token, body := s.signed("app-x", models.NewNotification("tenant-t", "user-stale", "app-x", time.Now().Add(-time.Hour)))

		rec := s.do(http.MethodPost, "/v1/signout/notifications", "", token, body)
		s.Equal(http.StatusAccepted, rec.Code)
		s.True(s.isActive(sid))
	})

	s.Run("malformed body is a bad request", func() {
		n := models.NewNotification("tenant-t", "user-u", "app-x", time.Now())
		token, _ := s.signed("app-x", n)

		rec := s.do(http.MethodPost, "/v1/signout/notifications", "", token, []byte(`{"notificationId":`))
		s.Equal(http.StatusBadRequest, rec.Code)

		raw := n.Raw()
		raw.TenantID = ""
		body, _ := json.Marshal(raw)
		rec = s.do(http.MethodPost, "/v1/signout/notifications", "", token, body)
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("body must match the token", func() {
		sid := s.session("user-swap")
		token, _ := s.signed("app-x", models.NewNotification("tenant-t", "user-other", "app-x", time.Now()))
		_, body := s.signed("app-x", models.NewNotification("tenant-t", "user-swap", "app-x", time.Now()))

		rec := s.do(http.MethodPost, "/v1/signout/notifications", "", token, body)
		s.Equal(http.StatusBadRequest, rec.Code)
		s.True(s.isActive(sid))
	})

	s.Run("missing or forged token is unauthorized", func() {
		_, body := s.signed("app-x", models.NewNotification("tenant-t", "user-u", "app-x", time.Now()))
		s.Equal(http.StatusUnauthorized, s.do(http.MethodPost, "/v1/signout/notifications", "", "", body).Code)
		s.Equal(http.StatusUnauthorized, s.do(http.MethodPost, "/v1/signout/notifications", "", "forged", body).Code)
	})
}

func (s *HandlerSuite) TestGetSession() {
	sid := s.session("user-g")
	rec := s.do(http.MethodGet, "/v1/session", sid.String(), "", nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp sessionResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal("active", resp.State)
	s.Equal("tenant-t", resp.TenantID)
	s.Empty(resp.Notice)
}
