// Package signing binds a notification to the application that sent it.
// Each originator signs with its own Ed25519 private key and receivers hold
// only public keys, so no peer can mint a token in another application's name.
package signing

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	id "signout/pkg/domain"
)

const defaultTTL = 5 * time.Minute

var (
	ErrInvalidToken  = errors.New("invalid notification token")
	ErrMissingIssuer = errors.New("notification token has no issuer")
	ErrUnknownIssuer = errors.New("notification token issuer has no registered key")
	ErrWrongAudience = errors.New("notification token is addressed to another application")
	ErrInvalidKey    = errors.New("federation key must be Ed25519")
)

// Claims carries the notification id as jti so a token cannot be replayed
// with a different body.
type Claims struct {
	jwt.RegisteredClaims
}

// ParsePrivateKey reads a PKCS#8 PEM Ed25519 private key.
func ParsePrivateKey(pemKey string) (ed25519.PrivateKey, error) {
	key, err := jwt.ParseEdPrivateKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("parse federation private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return priv, nil
}

// ParsePublicKeys reads PKIX PEM Ed25519 public keys by application id.
// Ids are matched case-insensitively because config keys arrive lowercased.
func ParsePublicKeys(pemByApp map[string]string) (map[id.AppID]ed25519.PublicKey, error) {
	keys := make(map[id.AppID]ed25519.PublicKey, len(pemByApp))
	for app, pemKey := range pemByApp {
		key, err := jwt.ParseEdPublicKeyFromPEM([]byte(pemKey))
		if err != nil {
			return nil, fmt.Errorf("parse public key for %s: %w", app, err)
		}
		pub, ok := key.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key for %s: %w", app, ErrInvalidKey)
		}
		keys[id.AppID(strings.ToLower(app))] = pub
	}
	return keys, nil
}

type Signer struct {
	originator id.AppID
	key        ed25519.PrivateKey
	ttl        time.Duration
	now        func() time.Time
}

type Option func(*Signer)

func WithTTL(ttl time.Duration) Option {
	return func(s *Signer) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

func NewSigner(key ed25519.PrivateKey, originator id.AppID, opts ...Option) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	s := &Signer{originator: originator, key: key, ttl: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign issues a token for notificationID addressed to recipient.
func (s *Signer) Sign(notificationID id.NotificationID, recipient id.AppID) (string, error) {
	now := s.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    s.originator.String(),
		Audience:  jwt.ClaimStrings{recipient.String()},
		ID:        notificationID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign notification token: %w", err)
	}
	return token, nil
}

// Verified is what a receiver learns from a valid token.
type Verified struct {
	Originator     id.AppID
	NotificationID string
}

type Verifier struct {
	self id.AppID
	keys map[id.AppID]ed25519.PublicKey
	now  func() time.Time
}

// NewVerifier accepts tokens addressed to self from the applications in keys.
func NewVerifier(self id.AppID, keys map[id.AppID]ed25519.PublicKey) *Verifier {
	normalized := make(map[id.AppID]ed25519.PublicKey, len(keys))
	for app, key := range keys {
		normalized[id.AppID(strings.ToLower(app.String()))] = key
	}
	return &Verifier{self: self, keys: normalized, now: time.Now}
}

// WithVerifierClock is used by tests to pin token validation time.
func (v *Verifier) WithVerifierClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks the signature against the registered public key of the
// issuer named in the token.
func (v *Verifier) Verify(tokenString string) (Verified, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*Claims)
		if !ok || c.Issuer == "" {
			return nil, ErrMissingIssuer
		}
		key, ok := v.keys[id.AppID(strings.ToLower(c.Issuer))]
		if !ok {
			return nil, ErrUnknownIssuer
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(v.self.String()),
	)
	switch {
	case err == nil:
		return Verified{Originator: id.AppID(claims.Issuer), NotificationID: claims.ID}, nil
	case errors.Is(err, ErrMissingIssuer):
		return Verified{}, ErrMissingIssuer
	case errors.Is(err, ErrUnknownIssuer):
		return Verified{}, ErrUnknownIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return Verified{}, ErrWrongAudience
	default:
		return Verified{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
}
