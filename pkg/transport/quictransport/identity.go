package quictransport

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"time"

	"github.com/shadowmesh/kaddht/pkg/peerid"
)

// ALPN is the QUIC application protocol negotiated on every connection this
// transport makes, distinct from the inner stream protocol IDs (e.g.
// dht.ProtocolID) multiplexed over it.
const ALPN = "kad-quic/1"

// selfSignedCert builds a self-signed TLS certificate whose public key IS
// the node's Ed25519 identity key, so a peer's PeerID can be read straight
// back out of its leaf certificate after the handshake instead of running
// a separate identity exchange on top of QUIC.
func selfSignedCert(kp *peerid.Keypair) (tls.Certificate, error) {
	serial, err := cryptorand.Int(cryptorand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: kp.ID().String()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(cryptorand.Reader, template, template, kp.PublicKey, kp.PrivateKey)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  kp.PrivateKey,
	}, nil
}

// TLSConfig builds the TLS config a Transport listens and dials with.
// Verification is skipped at the TLS layer (InsecureSkipVerify) because the
// trust decision here is "does the presented certificate's public key match
// the PeerID I intended to dial", made explicitly by the caller via
// PeerIDFromConnState, not by a CA chain.
func TLSConfig(kp *peerid.Keypair) (*tls.Config, error) {
	cert, err := selfSignedCert(kp)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		ClientAuth:         tls.RequireAnyClientCert,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}, nil
}

// PeerIDFromConnState recovers the remote PeerID embedded in the leaf
// certificate a completed TLS handshake presented.
func PeerIDFromConnState(state tls.ConnectionState) (peerid.ID, error) {
	if len(state.PeerCertificates) == 0 {
		return "", errors.New("quictransport: no peer certificate presented")
	}
	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", errors.New("quictransport: peer certificate key is not Ed25519")
	}
	return peerid.FromPublicKey(pub), nil
}
