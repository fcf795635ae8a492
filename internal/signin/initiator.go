// Package signin starts and completes provider sign-in. Completing a sign-in
// is where a session is created, so the one-session-per-user policy applies
// there.
package signin

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	sessionservice "signout/internal/session/service"
	id "signout/pkg/domain"
	dErrors "signout/pkg/domain-errors"
)

// TenantPlaceholder is replaced by the tenant id in the configured authority.
const TenantPlaceholder = "{tenant}"

var ErrTenantMismatch = dErrors.New(dErrors.CodeForbidden, "token was issued for another tenant")

type Registry interface {
	Create(ctx context.Context, tenantID id.TenantID, userKey id.UserKey, opts ...sessionservice.CreateOption) (id.SessionID, error)
}

// ChallengeDescriptor tells the caller where to send the browser. It carries
// everything needed to complete the flow, so the initiator keeps no state.
type ChallengeDescriptor struct {
	TenantID         id.TenantID `json:"tenant_id"`
	AuthorizationURL string      `json:"authorization_url"`
	State            string      `json:"state"`
	Nonce            string      `json:"nonce"`
	ReturnTo         string      `json:"return_to,omitempty"`
}

type Config struct {
	// Authority is the issuer URL, optionally containing {tenant}.
	Authority    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

type Initiator struct {
	cfg      Config
	registry Registry
	logger   *slog.Logger
	keySet   oidc.KeySet

	mu        sync.Mutex
	verifiers map[id.TenantID]*oidc.IDTokenVerifier
}

type Option func(*Initiator)

func WithLogger(logger *slog.Logger) Option {
	return func(i *Initiator) {
		i.logger = logger
	}
}

// WithKeySet skips provider discovery and verifies tokens against ks.
func WithKeySet(ks oidc.KeySet) Option {
	return func(i *Initiator) {
		i.keySet = ks
	}
}

func New(cfg Config, registry Registry, opts ...Option) (*Initiator, error) {
	if cfg.Authority == "" || cfg.ClientID == "" {
		return nil, errors.New("oidc authority and client id are required")
	}
	i := &Initiator{
		cfg:       cfg,
		registry:  registry,
		logger:    slog.Default(),
		verifiers: make(map[id.TenantID]*oidc.IDTokenVerifier),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// IssuerFor returns the issuer URL of tenantID.
func (i *Initiator) IssuerFor(tenantID id.TenantID) string {
	return strings.TrimRight(strings.ReplaceAll(i.cfg.Authority, TenantPlaceholder, tenantID.String()), "/")
}

func (i *Initiator) oauthConfig(tenantID id.TenantID) *oauth2.Config {
	issuer := i.IssuerFor(tenantID)
	return &oauth2.Config{
		ClientID:     i.cfg.ClientID,
		ClientSecret: i.cfg.ClientSecret,
		RedirectURL:  i.cfg.RedirectURL,
		Scopes:       []string{oidc.ScopeOpenID, "profile"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  issuer + "/authorize",
			TokenURL: issuer + "/token",
		},
	}
}

// Challenge builds the provider authorization request for tenantID.
func (i *Initiator) Challenge(ctx context.Context, tenantID id.TenantID, returnTo string) (*ChallengeDescriptor, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "tenant is required")
	}
	state := uuid.NewString()
	nonce := uuid.NewString()
	url := i.oauthConfig(tenantID).AuthCodeURL(state, oidc.Nonce(nonce))

	i.logger.DebugContext(ctx, "sign-in challenge issued", "tenant_id", tenantID)
	return &ChallengeDescriptor{
		TenantID:         tenantID,
		AuthorizationURL: url,
		State:            state,
		Nonce:            nonce,
		ReturnTo:         returnTo,
	}, nil
}

type idClaims struct {
	TenantID string `json:"tid"`
}

// Complete verifies rawIDToken for tenantID and opens a session for the user
// it names. The user key is the subject scoped by tenant.
func (i *Initiator) Complete(ctx context.Context, tenantID id.TenantID, rawIDToken, nonce, device string) (id.SessionID, error) {
	if tenantID.IsNil() || rawIDToken == "" {
		return id.SessionID{}, dErrors.New(dErrors.CodeBadRequest, "tenant and id token are required")
	}
	verifier, err := i.verifierFor(ctx, tenantID)
	if err != nil {
		return id.SessionID{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "identity provider unavailable")
	}

	token, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		i.logger.WarnContext(ctx, "id token rejected", "tenant_id", tenantID, "error", err)
		return id.SessionID{}, dErrors.Wrap(err, dErrors.CodeUnauthorized, "invalid id token")
	}
	if nonce != "" && token.Nonce != nonce {
		return id.SessionID{}, dErrors.New(dErrors.CodeUnauthorized, "id token nonce mismatch")
	}

	var claims idClaims
	if err := token.Claims(&claims); err != nil {
		return id.SessionID{}, dErrors.Wrap(err, dErrors.CodeUnauthorized, "invalid id token claims")
	}
	if claims.TenantID != "" && !strings.EqualFold(claims.TenantID, tenantID.String()) {
		return id.SessionID{}, ErrTenantMismatch
	}

	userKey, err := id.DeriveUserKey(token.Subject, tenantID)
	if err != nil {
		return id.SessionID{}, err
	}
	return i.registry.Create(ctx, tenantID, userKey, sessionservice.WithDevice(device))
}

func (i *Initiator) verifierFor(ctx context.Context, tenantID id.TenantID) (*oidc.IDTokenVerifier, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if v, ok := i.verifiers[tenantID]; ok {
		return v, nil
	}

	cfg := &oidc.Config{ClientID: i.cfg.ClientID}
	issuer := i.IssuerFor(tenantID)
	var v *oidc.IDTokenVerifier
	if i.keySet != nil {
		v = oidc.NewVerifier(issuer, i.keySet, cfg)
	} else {
		provider, err := oidc.NewProvider(ctx, issuer)
		if err != nil {
			return nil, err
		}
		v = provider.Verifier(cfg)
	}
	i.verifiers[tenantID] = v
	return v, nil
}
