//go:build integration

package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"signout/internal/platform/config"
	platformkafka "signout/internal/platform/kafka"
	"signout/internal/signout/models"
	"signout/pkg/testutil/containers"
)

type KafkaIntegrationSuite struct {
	KafkaTransportSuite
	redpanda *containers.RedpandaContainer
}

func TestKafkaIntegrationSuite(t *testing.T) {
	suite.Run(t, new(KafkaIntegrationSuite))
}

func (s *KafkaIntegrationSuite) SetupSuite() {
	s.redpanda = containers.GetManager().GetRedpanda(s.T())
}

func (s *KafkaIntegrationSuite) TestRoundTripThroughBroker() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := config.Kafka{Brokers: s.redpanda.Brokers, Topic: "signout.it." + s.notification.ID.String(), Group: "signout-app-b"}
	producer, err := platformkafka.NewClient(cfg)
	s.Require().NoError(err)
	defer producer.Close()
	s.Require().NoError(platformkafka.EnsureTopic(ctx, producer, cfg.Topic, 1, 1))

	recv := &fakeReceiver{}
	consumer, err := platformkafka.NewConsumer(cfg, NewHandler("app-b", s.verifier, recv, nil), nil)
	s.Require().NoError(err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.Run(ctx)
	}()

	err = NewSender(producer, cfg.Topic, s.signer).
		Send(ctx, models.AppEndpoint{AppID: "app-b"}, s.notification)
	s.Require().NoError(err)

	s.Eventually(func() bool { return len(recv.Calls()) == 1 }, 20*time.Second, 100*time.Millisecond)
	s.Equal(s.notification.ID.String(), recv.Calls()[0].raw.NotificationID)

	cancel()
	<-done
}
