// Package certs issues self-signed TLS certificates for local hostnames and
// installs them through the broker.
package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/loggo/v2"

	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/blackwell-systems/devstack/internal/fault"
)

var logger = loggo.GetLogger("devstack.certs")

var (
	ErrInvalidHostname  = fault.New(fault.InvalidInput, "invalid hostname")
	ErrGenerationFailed = fault.New(broker.ErrCommandFailed, "certificate generation failed")
	ErrNotFound         = fault.New(fault.NotInstalled, "certificate not found")
)

// Bundle locates an installed certificate and its key.
type Bundle struct {
	Hostname  string
	CertPath  string
	KeyPath   string
	NotBefore time.Time
	NotAfter  time.Time
	DNSNames  []string
	Generated bool // issued by this call
	Trusted   bool // present in the system trust store
}

// Expired reports whether the certificate is past its validity at now.
func (b *Bundle) Expired(now time.Time) bool {
	return !b.NotAfter.IsZero() && now.After(b.NotAfter)
}

// Options tunes a Manager.
type Options struct {
	ValidityDays int
	KeyBits      int
	Now          func() time.Time
}

// Manager issues, installs, trusts and removes certificates.
type Manager struct {
	exec     broker.Executor
	policy   *broker.Policy
	validity time.Duration
	keyBits  int
	now      func() time.Time
}

// New returns a Manager installing into policy's certificate directories.
func New(exec broker.Executor, policy *broker.Policy, opts Options) *Manager {
	m := &Manager{
		exec:     exec,
		policy:   policy,
		validity: time.Duration(opts.ValidityDays) * 24 * time.Hour,
		keyBits:  opts.KeyBits,
		now:      opts.Now,
	}
	if m.validity <= 0 {
		m.validity = 365 * 24 * time.Hour
	}
	if m.keyBits < 2048 {
		m.keyBits = 2048
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func validHostname(hostname string) error {
	if !broker.IsHostname(hostname) {
		return fault.Errorf(ErrInvalidHostname, "%q", hostname)
	}
	return nil
}

// Paths returns where hostname's certificate and key live.
func (m *Manager) Paths(hostname string) (cert, key string) {
	return m.policy.CertPath(hostname), m.policy.KeyPath(hostname)
}

// EnsureCertificate returns hostname's bundle, issuing and installing one
// only if the certificate or the key is missing. An existing pair is
// returned as is, whatever its validity.
func (m *Manager) EnsureCertificate(ctx context.Context, hostname string) (*Bundle, error) {
	if err := validHostname(hostname); err != nil {
		return nil, err
	}
	present, err := m.present(hostname)
	if err != nil {
		return nil, err
	}
	if present {
		return m.bundle(hostname), nil
	}
	return m.issue(ctx, hostname)
}

// Renew issues a fresh certificate for hostname, replacing any existing one.
func (m *Manager) Renew(ctx context.Context, hostname string) (*Bundle, error) {
	if err := validHostname(hostname); err != nil {
		return nil, err
	}
	return m.issue(ctx, hostname)
}

// present reports whether both files exist. The key directory may be
// unsearchable for the current user; the certificate then decides.
func (m *Manager) present(hostname string) (bool, error) {
	certPath, keyPath := m.Paths(hostname)
	certOK, err := exists(certPath)
	if err != nil {
		return false, err
	}
	if !certOK {
		return false, nil
	}
	keyOK, err := exists(keyPath)
	if errors.Is(err, os.ErrPermission) {
		logger.Debugf("cannot stat %s, assuming present", keyPath)
		return true, nil
	}
	return keyOK, err
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	}
	return false, fmt.Errorf("failed to check %s: %w", path, err)
}

// bundle describes an installed pair, reading validity from the
// certificate when it is parseable.
func (m *Manager) bundle(hostname string) *Bundle {
	certPath, keyPath := m.Paths(hostname)
	b := &Bundle{Hostname: hostname, CertPath: certPath, KeyPath: keyPath}
	if cert, err := readCertificate(certPath); err == nil {
		b.NotBefore = cert.NotBefore
		b.NotAfter = cert.NotAfter
		b.DNSNames = cert.DNSNames
	} else {
		logger.Debugf("cannot parse %s: %v", certPath, err)
	}
	if ok, _ := exists(m.policy.TrustPath(hostname)); ok {
		b.Trusted = true
	}
	return b
}

func readCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s holds no PEM certificate", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

// issue generates a key and certificate, stages both in a private temporary
// directory and installs them with a single broker action.
func (m *Manager) issue(ctx context.Context, hostname string) (*Bundle, error) {
	certPEM, keyPEM, err := m.generate(hostname)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	stage, err := os.MkdirTemp(m.policy.StagingRoot, "devstack-cert-")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	defer os.RemoveAll(stage)

	stagedCert := filepath.Join(stage, "cert.pem")
	stagedKey := filepath.Join(stage, "key.pem")
	if err := os.WriteFile(stagedCert, certPEM, 0644); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if err := os.WriteFile(stagedKey, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	if _, err := m.exec.Execute(ctx, broker.NewAction(broker.CertInstall, stagedCert, stagedKey, hostname)); err != nil {
		if errors.Is(err, broker.ErrCommandFailed) {
			return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		return nil, err
	}
	logger.Infof("installed certificate for %s", hostname)

	b := m.bundle(hostname)
	b.Generated = true
	return b, nil
}

// generate returns PEM-encoded certificate and PKCS#8 key for hostname,
// valid for hostname and its direct subdomains.
func (m *Manager) generate(hostname string) (certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, m.keyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := m.now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   hostname,
			Organization: []string{"devstack"},
		},
		DNSNames:              []string{hostname, "*." + hostname},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(m.validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// Inspect returns the installed bundle for hostname.
func (m *Manager) Inspect(hostname string) (*Bundle, error) {
	if err := validHostname(hostname); err != nil {
		return nil, err
	}
	present, err := m.present(hostname)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, fault.Errorf(ErrNotFound, "no certificate for %s", hostname)
	}
	return m.bundle(hostname), nil
}

// List returns the bundles devstack manages, found through the key
// directory which holds nothing else.
func (m *Manager) List() ([]*Bundle, error) {
	keys, err := filepath.Glob(filepath.Join(m.policy.KeyDir, "*.key"))
	if err != nil {
		return nil, err
	}
	var out []*Bundle
	for _, k := range keys {
		hostname := strings.TrimSuffix(filepath.Base(k), ".key")
		if validHostname(hostname) != nil {
			continue
		}
		if ok, _ := exists(m.policy.CertPath(hostname)); ok {
			out = append(out, m.bundle(hostname))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

// Trust adds hostname's certificate to the system trust store.
func (m *Manager) Trust(ctx context.Context, hostname string) error {
	b, err := m.Inspect(hostname)
	if err != nil {
		return err
	}
	if b.Trusted {
		return nil
	}
	_, err = m.exec.Execute(ctx, broker.NewAction(broker.CertTrust, hostname))
	return err
}

// Untrust removes hostname's certificate from the system trust store.
func (m *Manager) Untrust(ctx context.Context, hostname string) error {
	if err := validHostname(hostname); err != nil {
		return err
	}
	if ok, _ := exists(m.policy.TrustPath(hostname)); !ok {
		return nil
	}
	_, err := m.exec.Execute(ctx, broker.NewAction(broker.CertUntrust, hostname))
	return err
}

// Remove deletes hostname's certificate and key, untrusting it first.
func (m *Manager) Remove(ctx context.Context, hostname string) error {
	if err := m.Untrust(ctx, hostname); err != nil {
		return err
	}
	present, err := m.present(hostname)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	_, err = m.exec.Execute(ctx, broker.NewAction(broker.CertRemove, hostname))
	return err
}
