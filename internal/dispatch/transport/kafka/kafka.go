// Package kafka carries notifications over a shared topic. Each record is
// addressed to one recipient and signed like the HTTP transport, so the
// consumer trusts the token rather than the record headers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"signout/internal/dispatch/signing"
	platformkafka "signout/internal/platform/kafka"
	"signout/internal/signout/models"
	id "signout/pkg/domain"
	dErrors "signout/pkg/domain-errors"
)

const (
	HeaderRecipient  = "recipient"
	HeaderOriginator = "originator"
	HeaderToken      = "authorization"
)

type Signer interface {
	Sign(notificationID id.NotificationID, recipient id.AppID) (string, error)
}

type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

type Sender struct {
	producer Producer
	topic    string
	signer   Signer
}

func NewSender(producer Producer, topic string, signer Signer) *Sender {
	return &Sender{producer: producer, topic: topic, signer: signer}
}

// Send produces one record for the recipient. Records are keyed by tenant and
// user so notifications for one user stay ordered within a partition.
func (s *Sender) Send(ctx context.Context, recipient models.AppEndpoint, n models.Notification) error {
	value, err := json.Marshal(n.Raw())
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encode notification: %w", err))
	}
	token, err := s.signer.Sign(n.ID, recipient.AppID)
	if err != nil {
		return backoff.Permanent(err)
	}
	rec := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(n.TenantID.String() + "/" + n.UserKey.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderRecipient, Value: []byte(recipient.AppID.String())},
			{Key: HeaderOriginator, Value: []byte(n.OriginatorAppID.String())},
			{Key: HeaderToken, Value: []byte(token)},
		},
	}
	if err := s.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", s.topic, err)
	}
	return nil
}

type Verifier interface {
	Verify(token string) (signing.Verified, error)
}

type Receiver interface {
	Receive(ctx context.Context, raw models.RawNotification, claimedOriginator id.AppID) (models.ApplyResult, error)
}

// Handler feeds records addressed to this application into the receiver.
type Handler struct {
	self     id.AppID
	verifier Verifier
	receiver Receiver
	logger   *slog.Logger
}

func NewHandler(self id.AppID, verifier Verifier, receiver Receiver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{self: self, verifier: verifier, receiver: receiver, logger: logger}
}

// Handle returns an error only for failures worth retrying; rejected
// notifications are logged and skipped.
func (h *Handler) Handle(ctx context.Context, msg *platformkafka.Message) error {
	if msg.Headers[HeaderRecipient] != h.self.String() {
		return nil
	}
	verified, err := h.verifier.Verify(msg.Headers[HeaderToken])
	if err != nil {
		h.logger.WarnContext(ctx, "dropping kafka notification with invalid token",
			"claimed_originator", msg.Headers[HeaderOriginator],
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}

	var raw models.RawNotification
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		h.logger.WarnContext(ctx, "dropping malformed kafka notification",
			"originator", verified.Originator,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}
	if raw.NotificationID != verified.NotificationID {
		h.logger.WarnContext(ctx, "dropping kafka notification not bound to its token",
			"originator", verified.Originator,
			"notification_id", raw.NotificationID,
		)
		return nil
	}

	result, err := h.receiver.Receive(ctx, raw, verified.Originator)
	if err != nil {
		if isRejection(err) {
			return nil
		}
		return err
	}
	h.logger.DebugContext(ctx, "kafka notification handled",
		"notification_id", result.NotificationID.String(),
		"outcome", result.Outcome,
	)
	return nil
}

// isRejection reports whether the receiver refused the notification on its
// merits. Redelivering those would not change the answer.
func isRejection(err error) bool {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInvalidInput, dErrors.CodeValidation, dErrors.CodeForbidden:
		return true
	}
	return false
}
