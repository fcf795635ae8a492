package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"signout/internal/dispatch/signing"
	platformkafka "signout/internal/platform/kafka"
	"signout/internal/signout/models"
	id "signout/pkg/domain"
	dErrors "signout/pkg/domain-errors"
	"signout/pkg/testutil"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	p.records = append(p.records, rs...)
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		out = append(out, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return out
}

type call struct {
	raw        models.RawNotification
	originator id.AppID
}

type fakeReceiver struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (r *fakeReceiver) Receive(_ context.Context, raw models.RawNotification, originator id.AppID) (models.ApplyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{raw: raw, originator: originator})
	if r.err != nil {
		return models.ApplyResult{}, r.err
	}
	return models.ApplyResult{Outcome: models.OutcomeApplied}, nil
}

func (r *fakeReceiver) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

type KafkaTransportSuite struct {
	suite.Suite
	signer       *signing.Signer
	verifier     *signing.Verifier
	notification models.Notification
}

func TestKafkaTransportSuite(t *testing.T) {
	suite.Run(t, new(KafkaTransportSuite))
}

func (s *KafkaTransportSuite) SetupTest() {
	keys := testutil.NewFederationKeys(s.T(), "app-x")
	var err error
	s.signer, err = signing.NewSigner(keys.Private("app-x"), "app-x")
	s.Require().NoError(err)
	s.verifier = signing.NewVerifier("app-b", keys.Public())
	s.notification = models.NewNotification("tenant-t", "user-u", "app-x", time.Now())
}

// produce runs the sender against a fake producer and returns the record as
// the consumer would see it.
func (s *KafkaTransportSuite) produce(recipient id.AppID) *platformkafka.Message {
	p := &fakeProducer{}
	err := NewSender(p, "signout.notifications", s.signer).
		Send(context.Background(), models.AppEndpoint{AppID: recipient}, s.notification)
	s.Require().NoError(err)
	s.Require().Len(p.records, 1)
	return platformkafka.FromRecord(p.records[0])
}

func (s *KafkaTransportSuite) TestSend() {
	s.Run("record carries recipient, originator and token", func() {
		msg := s.produce("app-b")
		s.Equal("signout.notifications", msg.Topic)
		s.Equal("tenant-t/user-u", string(msg.Key))
		s.Equal("app-b", msg.Headers[HeaderRecipient])
		s.Equal("app-x", msg.Headers[HeaderOriginator])
		s.NotEmpty(msg.Headers[HeaderToken])

		var raw models.RawNotification
		s.Require().NoError(json.Unmarshal(msg.Value, &raw))
		s.Equal(s.notification.ID.String(), raw.NotificationID)
	})

	s.Run("produce failure is returned for retry", func() {
		p := &fakeProducer{err: errors.New("broker unavailable")}
		err := NewSender(p, "t", s.signer).Send(context.Background(), models.AppEndpoint{AppID: "app-b"}, s.notification)
		s.ErrorContains(err, "broker unavailable")
	})
}

func (s *KafkaTransportSuite) TestHandle() {
	ctx := context.Background()

	s.Run("verified record reaches the receiver with the token's originator", func() {
		recv := &fakeReceiver{}
		h := NewHandler("app-b", s.verifier, recv, nil)

		s.Require().NoError(h.Handle(ctx, s.produce("app-b")))
		calls := recv.Calls()
		s.Require().Len(calls, 1)
		s.Equal(id.AppID("app-x"), calls[0].originator)
		s.Equal(s.notification.Raw().NotificationID, calls[0].raw.NotificationID)
	})

	s.Run("records for other recipients are ignored", func() {
		recv := &fakeReceiver{}
		h := NewHandler("app-b", s.verifier, recv, nil)

		s.Require().NoError(h.Handle(ctx, s.produce("app-c")))
		s.Empty(recv.Calls())
	})

	s.Run("forged originator header does not change the verified originator", func() {
		recv := &fakeReceiver{}
		h := NewHandler("app-b", s.verifier, recv, nil)
		msg := s.produce("app-b")
		msg.Headers[HeaderOriginator] = "app-trusted"

		s.Require().NoError(h.Handle(ctx, msg))
		s.Equal(id.AppID("app-x"), recv.Calls()[0].originator)
	})

	s.Run("invalid token is dropped", func() {
		recv := &fakeReceiver{}
		h := NewHandler("app-b", s.verifier, recv, nil)
		msg := s.produce("app-b")
		msg.Headers[HeaderToken] = "garbage"

		s.Require().NoError(h.Handle(ctx, msg))
		s.Empty(recv.Calls())
	})

	s.Run("body swapped under a valid token is dropped", func() {
		recv := &fakeReceiver{}
		h := NewHandler("app-b", s.verifier, recv, nil)
		msg := s.produce("app-b")
		other := models.NewNotification("tenant-t", "user-victim", "app-x", time.Now())
		msg.Value, _ = json.Marshal(other.Raw())

		s.Require().NoError(h.Handle(ctx, msg))
		s.Empty(recv.Calls())
	})

	s.Run("rejections are swallowed, infrastructure errors are returned", func() {
		h := NewHandler("app-b", s.verifier, &fakeReceiver{err: dErrors.New(dErrors.CodeForbidden, "untrusted")}, nil)
		s.NoError(h.Handle(ctx, s.produce("app-b")))

		h = NewHandler("app-b", s.verifier, &fakeReceiver{err: errors.New("redis down")}, nil)
		s.Error(h.Handle(ctx, s.produce("app-b")))
	})
}
