// Package certstore resolves the TLS identity shared by the static and API
// servers.
//
// Sources are consulted in a fixed priority and exactly one of them is
// attempted per resolution:
//
//  1. a PFX (PKCS#12) bundle
//  2. a PEM key file plus a PEM certificate file
//  3. the development certificate provider
//
// A failing branch never falls through to a lower priority one. Failures are
// logged and returned, but they are advisory: callers keep serving with
// degraded TLS.
package certstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"

	"github.com/jjshanks/devserve/internal/config"
)

// Resolution sources reported to observers.
const (
	SourcePFX     = "pfx"
	SourcePair    = "pair"
	SourceDevCert = "devcert"

	OutcomeResolved    = "resolved"
	OutcomeFailed      = "failed"
	OutcomeUnavailable = "unavailable"
)

// Material is the resolved TLS identity. Exactly one of PFX or the
// Cert/Key pair is populated. A nil *Material means resolution failed.
type Material struct {
	PFX        []byte
	Passphrase string

	Cert []byte
	Key  []byte
}

// Sources lists the places a certificate may come from.
type Sources struct {
	PFXPath       string
	PFXPassphrase string
	KeyPath       string
	CertPath      string
	MayCreate     bool
}

// SourcesFromConfig extracts certificate sources from the loaded config.
func SourcesFromConfig(cfg *config.Config) Sources {
	return Sources{
		PFXPath:       cfg.PFXPath,
		PFXPassphrase: cfg.PFXPassphrase,
		KeyPath:       cfg.KeyPath,
		CertPath:      cfg.CertPath,
		MayCreate:     cfg.AutoDevCert,
	}
}

// Pair is the result of a development certificate lookup. Either field may be
// empty when no certificate is available.
type Pair struct {
	Certificate []byte
	Key         []byte
}

// Provider finds, and when allowed creates, a development certificate.
type Provider interface {
	EnsureCertificate(mayCreate bool) (Pair, error)
}

// Observer is notified once per resolution.
type Observer func(source, outcome string)

// Store resolves TLS material. It keeps no state between calls.
type Store struct {
	logger   zerolog.Logger
	provider Provider
	observe  Observer
}

// Option configures a Store.
type Option func(*Store)

// WithObserver registers a callback invoked with the outcome of every
// resolution.
func WithObserver(o Observer) Option {
	return func(s *Store) {
		s.observe = o
	}
}

// NewStore creates a Store. provider may be nil, in which case the
// development certificate branch always reports no certificate.
func NewStore(logger zerolog.Logger, provider Provider, opts ...Option) *Store {
	s := &Store{
		logger:   logger.With().Str("component", "certstore").Logger(),
		provider: provider,
		observe:  func(string, string) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve picks one TLS identity from src. On failure it returns a nil
// Material together with every error it reported.
func (s *Store) Resolve(src Sources) (*Material, error) {
	switch {
	case src.PFXPath != "":
		return s.resolvePFX(src.PFXPath, src.PFXPassphrase)
	case src.KeyPath != "" && src.CertPath != "":
		return s.resolvePair(src.KeyPath, src.CertPath)
	default:
		if src.KeyPath != "" || src.CertPath != "" {
			s.logger.Warn().
				Str("key_path", src.KeyPath).
				Str("cert_path", src.CertPath).
				Msg("Both key and certificate paths are required, ignoring the one provided")
		}
		return s.resolveDevCert(src.MayCreate)
	}
}

func (s *Store) resolvePFX(path, passphrase string) (*Material, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Error().Str("path", path).Msg("PFX file not found")
			err = newReadError("read pfx", path, ErrNotFound)
		} else {
			s.logger.Error().Err(err).Str("path", path).Msg("Failed to read PFX file")
			err = newReadError("read pfx", path, err)
		}
		s.observe(SourcePFX, OutcomeFailed)
		return nil, err
	}

	s.logger.Info().Str("path", path).Msg("Using PFX certificate")
	s.observe(SourcePFX, OutcomeResolved)
	return &Material{PFX: data, Passphrase: passphrase}, nil
}

func (s *Store) resolvePair(keyPath, certPath string) (*Material, error) {
	var errs []error
	for _, f := range []struct{ kind, path string }{
		{"key", keyPath},
		{"certificate", certPath},
	} {
		info, err := os.Stat(f.path)
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Error().Str("path", f.path).Msgf("%s file not found", f.kind)
			errs = append(errs, newReadError("read "+f.kind, f.path, ErrNotFound))
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Str("path", f.path).Msgf("Failed to stat %s file", f.kind)
			errs = append(errs, newReadError("read "+f.kind, f.path, err))
			continue
		}
		if f.kind == "key" && info.Mode().Perm()&0o077 != 0 {
			s.logger.Warn().
				Str("key_file", f.path).
				Str("mode", info.Mode().Perm().String()).
				Msg("Key file is readable by other users, recommend 0600")
		}
	}
	if len(errs) > 0 {
		s.observe(SourcePair, OutcomeFailed)
		return nil, errors.Join(errs...)
	}

	key, err := os.ReadFile(keyPath)
	if err != nil {
		s.logger.Error().Err(err).Str("path", keyPath).Msg("Failed to read key file")
		s.observe(SourcePair, OutcomeFailed)
		return nil, newReadError("read key", keyPath, err)
	}
	cert, err := os.ReadFile(certPath)
	if err != nil {
		s.logger.Error().Err(err).Str("path", certPath).Msg("Failed to read certificate file")
		s.observe(SourcePair, OutcomeFailed)
		return nil, newReadError("read certificate", certPath, err)
	}

	s.logger.Info().
		Str("key_file", keyPath).
		Str("cert_file", certPath).
		Msg("Using key and certificate files")
	s.observe(SourcePair, OutcomeResolved)
	return &Material{Cert: cert, Key: key}, nil
}

func (s *Store) resolveDevCert(mayCreate bool) (*Material, error) {
	var (
		pair Pair
		err  error
	)
	if s.provider != nil {
		pair, err = s.provider.EnsureCertificate(mayCreate)
		if err != nil {
			s.logger.Error().Err(err).Msg("Development certificate provider failed")
			err = &Error{Op: "ensure development certificate", Err: err}
		}
	}

	if err == nil && len(pair.Certificate) > 0 && len(pair.Key) > 0 {
		s.logger.Info().Bool("may_create", mayCreate).Msg("Using development certificate")
		s.observe(SourceDevCert, OutcomeResolved)
		return &Material{Cert: pair.Certificate, Key: pair.Key}, nil
	}

	s.logger.Warn().
		Bool("may_create", mayCreate).
		Msg("No trusted development certificate available, browsers will show security warnings")
	s.observe(SourceDevCert, OutcomeUnavailable)
	return nil, err
}

// String describes which representation the material holds.
func (m *Material) String() string {
	switch {
	case m == nil:
		return "none"
	case len(m.PFX) > 0:
		return fmt.Sprintf("pfx (%d bytes)", len(m.PFX))
	default:
		return fmt.Sprintf("pem pair (cert %d bytes, key %d bytes)", len(m.Cert), len(m.Key))
	}
}
