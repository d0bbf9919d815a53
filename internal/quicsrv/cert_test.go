package quicsrv

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildCertificate_BindsToIdentity(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cert, err := buildCertificate(priv, net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Equal(t, pub, leaf.PublicKey)
	require.Equal(t, identityString(pub), leaf.Subject.CommonName)
	require.Len(t, leaf.IPAddresses, 1)
	require.True(t, leaf.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))
}

func TestIdentityString_IsStableHex(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	a := identityString(pub)
	b := identityString(pub)
	require.Equal(t, a, b)
	require.Len(t, a, ed25519.PublicKeySize*2)
}
