package testutil

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/require"

	id "signout/pkg/domain"
)

// FederationKeys holds an Ed25519 key pair per application.
type FederationKeys struct {
	private map[id.AppID]ed25519.PrivateKey
}

// NewFederationKeys generates a key pair for each app.
func NewFederationKeys(t *testing.T, apps ...id.AppID) *FederationKeys {
	t.Helper()
	k := &FederationKeys{private: make(map[id.AppID]ed25519.PrivateKey, len(apps))}
	for _, app := range apps {
		_, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		k.private[app] = priv
	}
	return k
}

func (k *FederationKeys) Private(app id.AppID) ed25519.PrivateKey {
	return k.private[app]
}

// Public returns every app's public key.
func (k *FederationKeys) Public() map[id.AppID]ed25519.PublicKey {
	out := make(map[id.AppID]ed25519.PublicKey, len(k.private))
	for app, priv := range k.private {
		out[app] = priv.Public().(ed25519.PublicKey)
	}
	return out
}

// PrivatePEM encodes app's private key as PKCS#8 PEM.
func (k *FederationKeys) PrivatePEM(t *testing.T, app id.AppID) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(k.private[app])
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

// PublicPEMs encodes the public keys of apps as PKIX PEM keyed by app id.
func (k *FederationKeys) PublicPEMs(t *testing.T, apps ...id.AppID) map[string]string {
	t.Helper()
	out := make(map[string]string, len(apps))
	for _, app := range apps {
		der, err := x509.MarshalPKIXPublicKey(k.private[app].Public())
		require.NoError(t, err)
		out[app.String()] = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	}
	return out
}
