package certstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const (
	devCertFile = "localhost.crt"
	devKeyFile  = "localhost.key"

	// DefaultDevCertValidity is how long a generated development certificate
	// stays valid.
	DefaultDevCertValidity = 365 * 24 * time.Hour
)

// DefaultDevHosts are the names a development certificate is issued for.
var DefaultDevHosts = []string{"localhost", "127.0.0.1", "::1"}

// DiskProvider keeps a self-signed localhost certificate in a cache
// directory. Adding the certificate to the OS trust store is left to the
// developer; the path is logged when a certificate is created.
type DiskProvider struct {
	Dir      string
	Hosts    []string
	Validity time.Duration
	Now      func() time.Time

	logger zerolog.Logger
}

// NewDiskProvider returns a provider storing certificates under dir.
func NewDiskProvider(dir string, logger zerolog.Logger) *DiskProvider {
	return &DiskProvider{
		Dir:      dir,
		Hosts:    DefaultDevHosts,
		Validity: DefaultDevCertValidity,
		Now:      time.Now,
		logger:   logger.With().Str("component", "devcert").Logger(),
	}
}

func (p *DiskProvider) certPath() string { return filepath.Join(p.Dir, devCertFile) }
func (p *DiskProvider) keyPath() string  { return filepath.Join(p.Dir, devKeyFile) }

// EnsureCertificate returns the cached certificate when it is still valid.
// Otherwise it creates a new one if mayCreate is set, and returns an empty
// Pair if not.
func (p *DiskProvider) EnsureCertificate(mayCreate bool) (Pair, error) {
	pair, err := p.load()
	if err == nil {
		return pair, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		p.logger.Debug().Err(err).Str("dir", p.Dir).Msg("Cached development certificate is unusable")
	}

	if !mayCreate {
		return Pair{}, nil
	}

	pair, err = p.generate()
	if err != nil {
		return Pair{}, err
	}

	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return Pair{}, fmt.Errorf("create certificate directory: %w", err)
	}
	if err := os.WriteFile(p.keyPath(), pair.Key, 0o600); err != nil {
		return Pair{}, fmt.Errorf("write development key: %w", err)
	}
	if err := os.WriteFile(p.certPath(), pair.Certificate, 0o644); err != nil {
		return Pair{}, fmt.Errorf("write development certificate: %w", err)
	}

	p.logger.Info().
		Str("cert_file", p.certPath()).
		Strs("hosts", p.Hosts).
		Msg("Created development certificate, add it to your trust store to silence browser warnings")
	return pair, nil
}

func (p *DiskProvider) load() (Pair, error) {
	cert, err := os.ReadFile(p.certPath())
	if err != nil {
		return Pair{}, err
	}
	key, err := os.ReadFile(p.keyPath())
	if err != nil {
		return Pair{}, err
	}

	if _, err := tls.X509KeyPair(cert, key); err != nil {
		return Pair{}, fmt.Errorf("key pair mismatch: %w", err)
	}

	block, _ := pem.Decode(cert)
	if block == nil {
		return Pair{}, fmt.Errorf("certificate is not PEM encoded")
	}
	parsed, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return Pair{}, fmt.Errorf("parse certificate: %w", err)
	}
	now := p.Now()
	if now.Before(parsed.NotBefore) || now.After(parsed.NotAfter) {
		return Pair{}, fmt.Errorf("certificate expired at %s", parsed.NotAfter.Format(time.RFC3339))
	}

	return Pair{Certificate: cert, Key: key}, nil
}

func (p *DiskProvider) generate() (Pair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Pair{}, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Pair{}, fmt.Errorf("generate serial: %w", err)
	}

	now := p.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"devserve development certificate"},
			CommonName:   "localhost",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(p.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	for _, h := range p.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return Pair{}, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Pair{}, fmt.Errorf("marshal key: %w", err)
	}

	return Pair{
		Certificate: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Key:         pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}
