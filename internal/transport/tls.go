package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"fsy-go/internal/fsy"
)

// certificate builds a self-signed certificate for the node key. Peers
// authenticate each other by the key in the certificate, not by a CA, so
// the certificate itself carries no other meaning.
func certificate(id *fsy.NodeIdentity) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generating serial: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: id.NodeID.String()},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, id.PublicKey, id.SecretKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("creating certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: id.SecretKey}, nil
}

// nodeIDFromCert derives the node id from a peer's leaf certificate.
func nodeIDFromCert(cert *x509.Certificate) (fsy.NodeID, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("peer certificate key is %T, want ed25519", cert.PublicKey)
	}
	return fsy.NodeIDFromPublicKey(pub), nil
}

func nodeIDFromRaw(rawCerts [][]byte) (fsy.NodeID, error) {
	if len(rawCerts) == 0 {
		return "", errors.New("peer sent no certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return "", fmt.Errorf("parsing peer certificate: %w", err)
	}
	return nodeIDFromCert(cert)
}

// serverTLSConfig requires a client certificate of any kind. The handshake
// proves the client holds the key; which keys are trusted is decided per
// request.
func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
	}
}

// clientTLSConfig pins the server to the node id configured for the trustee.
func clientTLSConfig(cert tls.Certificate, expected fsy.NodeID) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, // replaced by the pin below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			got, err := nodeIDFromRaw(rawCerts)
			if err != nil {
				return err
			}
			if got != expected {
				return fmt.Errorf("peer is node %s, want %s", got, expected)
			}
			return nil
		},
	}
}
