// Package httpsender delivers notifications to peers over HTTPS. The body is
// the notification JSON; the bearer token names the originator.
package httpsender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"signout/internal/signout/models"
	id "signout/pkg/domain"
)

// NotificationsPath is where every peer accepts notifications.
const NotificationsPath = "/v1/signout/notifications"

type Signer interface {
	Sign(notificationID id.NotificationID, recipient id.AppID) (string, error)
}

type Sender struct {
	client *http.Client
	signer Signer
}

type Option func(*Sender)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) {
		s.client = c
	}
}

func New(signer Signer, opts ...Option) *Sender {
	s := &Sender{
		client: &http.Client{Timeout: 10 * time.Second},
		signer: signer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send posts n to the recipient. Responses the peer will keep giving, such as
// 400 or 401, are returned as permanent errors.
func (s *Sender) Send(ctx context.Context, recipient models.AppEndpoint, n models.Notification) error {
	body, err := json.Marshal(n.Raw())
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encode notification: %w", err))
	}
	token, err := s.signer.Sign(n.ID, recipient.AppID)
	if err != nil {
		return backoff.Permanent(err)
	}

	url := strings.TrimRight(recipient.URL, "/") + NotificationsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", recipient.AppID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := fmt.Errorf("peer %s answered %d", recipient.AppID, resp.StatusCode)
	if isPermanent(resp.StatusCode) {
		return backoff.Permanent(statusErr)
	}
	return statusErr
}

func isPermanent(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}
