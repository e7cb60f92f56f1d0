// Package identity manages this node's self-signed certificate and the
// fingerprints peers are pinned by.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	CertFile = "node.crt"
	KeyFile  = "node.key"

	validity = 10 * 365 * 24 * time.Hour
)

var (
	ErrNameRequired = errors.New("identity: node name required")
	ErrNoPeerCert   = errors.New("identity: peer presented no certificate")
)

// Identity is a loaded node certificate and key.
type Identity struct {
	Name        string
	Certificate tls.Certificate
	Leaf        *x509.Certificate
}

func (id *Identity) Fingerprint() string {
	return Fingerprint(id.Leaf)
}

// LoadOrCreate reads node.crt/node.key from dir, generating a fresh pair on
// first run.
func LoadOrCreate(dir, name string) (*Identity, error) {
	certPath := filepath.Join(dir, CertFile)
	keyPath := filepath.Join(dir, KeyFile)

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		return fromCertificate(cert)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("identity: load %s: %w", certPath, err)
	}

	id, certPEM, keyPEM, err := generate(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, err
	}
	log.Info().Str("name", id.Name).Str("fingerprint", id.Fingerprint()).Str("dir", dir).Msg("identity.LoadOrCreate generated")
	return id, nil
}

// Generate creates an in-memory identity.
func Generate(name string) (*Identity, error) {
	id, _, _, err := generate(name)
	return id, err
}

func generate(name string) (*Identity, []byte, []byte, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, nil, ErrNameRequired
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("identity: generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, nil, nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              []string{name},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("identity: create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, nil, err
	}
	id, err := fromCertificate(cert)
	return id, certPEM, keyPEM, err
}

func fromCertificate(cert tls.Certificate) (*Identity, error) {
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("identity: parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return &Identity{Name: PeerName(leaf), Certificate: cert, Leaf: leaf}, nil
}

// Fingerprint is the lowercase hex SHA-256 of the DER certificate.
func Fingerprint(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// PeerName extracts a certificate identity using CN/URI/DNS preference order.
func PeerName(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.URIs) > 0 {
		if v := strings.TrimSpace(cert.URIs[0].String()); v != "" {
			return v
		}
	}
	if len(cert.DNSNames) > 0 {
		if v := strings.TrimSpace(cert.DNSNames[0]); v != "" {
			return v
		}
	}
	return ""
}

// PeerCertificate returns the leaf certificate of a completed handshake.
func PeerCertificate(state tls.ConnectionState) (*x509.Certificate, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, ErrNoPeerCert
	}
	return state.PeerCertificates[0], nil
}

// ServerTLSConfig requires a client certificate but leaves verification to
// fingerprint pinning, since every node is self-signed. Session tickets are
// off so every connection is a full handshake with certificates.
func (id *Identity) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:             tls.VersionTLS13,
		Certificates:           []tls.Certificate{id.Certificate},
		ClientAuth:             tls.RequireAnyClientCert,
		SessionTicketsDisabled: true,
	}
}

// ClientTLSConfig presents this identity and accepts any server certificate;
// the caller must pin the peer fingerprint after the handshake.
func (id *Identity) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{id.Certificate},
		InsecureSkipVerify: true,
	}
}
