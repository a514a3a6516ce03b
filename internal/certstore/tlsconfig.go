package certstore

import (
	"crypto/tls"

	gopkcs12 "software.sslmate.com/src/go-pkcs12"
)

// TLSConfig builds a server TLS configuration from the material.
func (m *Material) TLSConfig() (*tls.Config, error) {
	if m == nil {
		return nil, ErrNoMaterial
	}

	cert, err := m.keyPair()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func (m *Material) keyPair() (tls.Certificate, error) {
	if len(m.PFX) == 0 {
		cert, err := tls.X509KeyPair(m.Cert, m.Key)
		if err != nil {
			return tls.Certificate{}, &Error{Op: "load key pair", Err: err}
		}
		return cert, nil
	}

	// DecodeChain reads both legacy and AES/SHA-256 bundles.
	key, leaf, chain, err := gopkcs12.DecodeChain(m.PFX, m.Passphrase)
	if err != nil {
		return tls.Certificate{}, &Error{Op: "decode pfx", Err: err}
	}

	cert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	for _, ca := range chain {
		cert.Certificate = append(cert.Certificate, ca.Raw)
	}
	return cert, nil
}

// DegradedTLSConfig is used when no usable material exists. Listeners still
// accept connections but every handshake fails with ErrNoMaterial.
func DegradedTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return nil, ErrNoMaterial
		},
	}
}
