// Package app builds the service's dependency graph from configuration and
// runs its long-lived parts under one errgroup.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"signout/internal/dispatch"
	dispatchmetrics "signout/internal/dispatch/metrics"
	"signout/internal/dispatch/signing"
	"signout/internal/dispatch/transport/httpsender"
	kafkatransport "signout/internal/dispatch/transport/kafka"
	ledgermodels "signout/internal/ledger/models"
	ledgerstore "signout/internal/ledger/store"
	"signout/internal/platform/config"
	"signout/internal/platform/httpserver"
	platformkafka "signout/internal/platform/kafka"
	httpmetrics "signout/internal/platform/metrics"
	"signout/internal/platform/postgres"
	platformredis "signout/internal/platform/redis"
	sessionmetrics "signout/internal/session/metrics"
	sessionservice "signout/internal/session/service"
	sessionstore "signout/internal/session/store"
	"signout/internal/signin"
	signouthandler "signout/internal/signout/handler"
	signoutmetrics "signout/internal/signout/metrics"
	"signout/internal/signout/notice"
	signoutservice "signout/internal/signout/service"
	id "signout/pkg/domain"
	"signout/pkg/platform/audit/publisher"
	auditmemory "signout/pkg/platform/audit/store/memory"
	"signout/pkg/platform/httputil"
	"signout/pkg/platform/middleware/request"
	"signout/pkg/platform/middleware/requesttime"
)

const kafkaPartitions = 6

// LedgerStore is the union of what the coordinator, dispatcher and sweeper need.
type LedgerStore interface {
	Record(ctx context.Context, entry *ledgermodels.Entry) error
	Find(ctx context.Context, direction ledgermodels.Direction, notificationID id.NotificationID) (*ledgermodels.Entry, error)
	UpdateStatus(ctx context.Context, notificationID id.NotificationID, status ledgermodels.Status, attempts int, now time.Time) error
	ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*ledgermodels.Entry, error)
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// Wire bundles the constructed services.
type Wire struct {
	cfg      *config.Config
	logger   *slog.Logger
	gatherer prometheus.Gatherer

	Registry    *sessionservice.Registry
	Coordinator *signoutservice.Coordinator
	Receiver    *signoutservice.Receiver
	Dispatcher  *dispatch.Dispatcher
	Sweeper     *dispatch.Sweeper
	Initiator   *signin.Initiator

	redis     *platformredis.Client
	db        *sql.DB
	kafka     *kgo.Client
	consumer  *platformkafka.Consumer
	verifier  *signing.Verifier
	audit     *publisher.Publisher
	httpStats *httpmetrics.Metrics
}

// NewWire connects to the configured backends and builds every service.
// Without Redis, Postgres or Kafka settings it runs fully in memory.
func NewWire(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (*Wire, error) {
	w := &Wire{cfg: cfg, logger: logger, gatherer: reg, httpStats: httpmetrics.New(reg)}
	if err := w.connect(ctx); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.build(ctx, reg); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (w *Wire) connect(ctx context.Context) error {
	var err error
	if w.redis, err = platformredis.New(ctx, w.cfg.Redis); err != nil {
		return err
	}
	if w.db, err = postgres.Open(ctx, w.cfg.Postgres); err != nil {
		return err
	}
	if w.cfg.Dispatch.Transport == "kafka" {
		if w.kafka, err = platformkafka.NewClient(w.cfg.Kafka); err != nil {
			return err
		}
		if err := platformkafka.EnsureTopic(ctx, w.kafka, w.cfg.Kafka.Topic, kafkaPartitions, 1); err != nil {
			return err
		}
	}
	return nil
}

func (w *Wire) build(ctx context.Context, reg prometheus.Registerer) error {
	self := id.AppID(w.cfg.App.ID)
	w.audit = publisher.NewPublisher(auditmemory.NewInMemoryStore(),
		publisher.WithAsyncBuffer(1024),
		publisher.WithLogger(w.logger),
	)

	ledger, err := w.ledgerStore(ctx)
	if err != nil {
		return err
	}

	var sessions sessionservice.Store = sessionstore.NewInMemory()
	var notices signoutservice.NoticeStore = notice.NewInMemory(0, 0)
	if w.redis != nil {
		sessions = sessionstore.NewRedis(w.redis.Client)
		notices = notice.NewRedis(w.redis.Client, 0)
	}

	w.Registry, err = sessionservice.New(sessions,
		sessionservice.WithLogger(w.logger),
		sessionservice.WithMetrics(sessionmetrics.New(reg)),
		sessionservice.WithAuditPublisher(w.audit),
		sessionservice.WithSingleSessionPerUser(w.cfg.Session.SinglePerUser),
	)
	if err != nil {
		return err
	}

	privateKey, err := signing.ParsePrivateKey(w.cfg.Federation.PrivateKey)
	if err != nil {
		return err
	}
	signer, err := signing.NewSigner(privateKey, self)
	if err != nil {
		return fmt.Errorf("federation signer: %w", err)
	}
	publicKeys, err := signing.ParsePublicKeys(w.cfg.Federation.PublicKeys)
	if err != nil {
		return err
	}
	w.verifier = signing.NewVerifier(self, publicKeys)

	var sender dispatch.Sender = httpsender.New(signer)
	if w.kafka != nil {
		sender = kafkatransport.NewSender(w.kafka, w.cfg.Kafka.Topic, signer)
	}

	dm := dispatchmetrics.New(reg)
	w.Dispatcher, err = dispatch.New(sender, dispatch.NewStaticResolver(self, w.cfg.Peers), ledger,
		dispatch.WithLogger(w.logger),
		dispatch.WithMetrics(dm),
		dispatch.WithFailureReporter(dispatch.NewOperatorReporter(w.logger, w.audit)),
		dispatch.WithMaxAttempts(w.cfg.Dispatch.MaxAttempts),
		dispatch.WithBackoff(w.cfg.Dispatch.InitialBackoff, w.cfg.Dispatch.MaxBackoff),
		dispatch.WithAttemptTimeout(w.cfg.Dispatch.AttemptTimeout),
		dispatch.WithWorkers(w.cfg.Dispatch.Workers),
		dispatch.WithQueueSize(w.cfg.Dispatch.QueueSize),
		dispatch.WithBreaker(w.cfg.Dispatch.BreakerThreshold, w.cfg.Dispatch.BreakerCooldown),
	)
	if err != nil {
		return err
	}
	w.Sweeper = dispatch.NewSweeper(ledger, w.Dispatcher, w.cfg.Jobs.SweepGrace, w.cfg.Ledger.Retention,
		dispatch.WithSweeperLogger(w.logger),
		dispatch.WithSweeperMetrics(dm),
	)

	sm := signoutmetrics.New(reg)
	w.Coordinator, err = signoutservice.NewCoordinator(self, w.Registry, ledger, w.Dispatcher,
		signoutservice.WithLogger(w.logger),
		signoutservice.WithMetrics(sm),
		signoutservice.WithAuditPublisher(w.audit),
		signoutservice.WithSkewWindow(w.cfg.Notification.SkewWindow),
	)
	if err != nil {
		return err
	}
	w.Receiver = signoutservice.NewReceiver(w.Coordinator,
		signoutservice.NewTrustPolicy(w.cfg.Trust.Originators, w.cfg.Trust.Tenants),
		notices,
		signoutservice.WithReceiverLogger(w.logger),
		signoutservice.WithReceiverMetrics(sm),
		signoutservice.WithReceiverAuditPublisher(w.audit),
	)

	if w.kafka != nil {
		handler := kafkatransport.NewHandler(self, w.verifier, w.Receiver, w.logger)
		if w.consumer, err = platformkafka.NewConsumer(w.cfg.Kafka, handler, w.logger); err != nil {
			return err
		}
	}

	if w.cfg.OIDC.Authority != "" {
		w.Initiator, err = signin.New(signin.Config{
			Authority:    w.cfg.OIDC.Authority,
			ClientID:     w.cfg.OIDC.ClientID,
			ClientSecret: w.cfg.OIDC.ClientSecret,
			RedirectURL:  w.cfg.OIDC.RedirectURL,
		}, w.Registry, signin.WithLogger(w.logger))
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Wire) ledgerStore(ctx context.Context) (LedgerStore, error) {
	switch {
	case w.db != nil:
		pg := ledgerstore.NewPostgres(w.db)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
		return pg, nil
	case w.redis != nil:
		return ledgerstore.NewRedis(w.redis.Client), nil
	default:
		return ledgerstore.NewInMemory(), nil
	}
}

// Router builds the HTTP surface.
func (w *Wire) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(request.RequestID)
	r.Use(request.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(w.httpStats.Middleware)

	r.Get("/healthz", w.handleHealth)
	r.Handle("/metrics", httpmetrics.Handler(w.gatherer))

	signouthandler.New(w.Registry, w.Coordinator, w.Receiver,
		signouthandler.NewPeerTokenVerifier(w.verifier), w.logger).Register(r)
	if w.Initiator != nil {
		signin.NewHandler(w.Initiator, w.logger).Register(r)
	}
	return r
}

func (w *Wire) handleHealth(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if w.redis != nil {
		if err := w.redis.Health(ctx); err != nil {
			status["redis"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if w.db != nil {
		if err := w.db.PingContext(ctx); err != nil {
			status["postgres"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if code != http.StatusOK {
		status["status"] = "degraded"
	}
	httputil.WriteJSON(rw, code, status)
}

// Run serves HTTP and runs the dispatcher, sweeper and Kafka consumer until
// ctx is cancelled or one of them fails.
func (w *Wire) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := httpserver.New(w.cfg.Server.Addr, w.Router())
	g.Go(func() error {
		w.logger.InfoContext(ctx, "http server listening", "addr", w.cfg.Server.Addr, "app_id", w.cfg.App.ID)
		return httpserver.Run(ctx, srv, w.cfg.Server.ShutdownTimeout)
	})
	g.Go(func() error { return w.Dispatcher.Run(ctx) })
	g.Go(func() error {
		return w.Sweeper.Run(ctx, w.cfg.Jobs.SweepSchedule, w.cfg.Jobs.GCSchedule)
	})
	if w.consumer != nil {
		g.Go(func() error { return w.consumer.Run(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases backend connections.
func (w *Wire) Close() {
	if w.audit != nil {
		w.audit.Close()
	}
	if w.kafka != nil {
		w.kafka.Close()
	}
	if w.db != nil {
		_ = w.db.Close()
	}
	if w.redis != nil {
		_ = w.redis.Close()
	}
}
