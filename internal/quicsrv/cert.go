package quicsrv

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/pkg/errors"
)

// alpnProtocol is the wire-level ALPN identifier this server advertises.
const alpnProtocol = "solana-tpu"

// buildCertificate produces a self-signed certificate bound to signKey
// (the node's identity keypair), whose subject common name is the
// key's identity string and whose IP SANs carry gossipHost, following the same ed25519/x509.CreateCertificate shape the
// retrieval pack's quic-echo-server uses for local self-signed certs.
// The signature chain is never validated by clients or the server —
// stake identification comes from the peer's public key, not a PKI —
// so a self-signed leaf is sufficient.
func buildCertificate(signKey ed25519.PrivateKey, gossipHost net.IP) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "serial number")
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: identityString(signKey.Public().(ed25519.PublicKey))},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	if gossipHost != nil {
		template.IPAddresses = []net.IP{gossipHost}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, signKey.Public(), signKey)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "create certificate")
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyBytes, err := x509.MarshalPKCS8PrivateKey(signKey)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "marshal private key")
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "parse keypair")
	}
	return cert, nil
}

// identityString renders a public key as the hex identity string used
// as the ConnectionTable/StakedNodes lookup key throughout this server.
func identityString(pub ed25519.PublicKey) string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, len(pub)*2)
	for i, b := range pub {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}
