package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caValidity     = 10 * 365 * 24 * time.Hour
	leafValidity   = 365 * 24 * time.Hour
	organization   = "Overlord"
	caCommonName   = "Overlord Root CA"
	defaultCN      = "localhost"
	renewThreshold = 30 * 24 * time.Hour
)

// Paths locates the PEM files for the agent port.
type Paths struct {
	CACert     string
	CAKey      string
	ServerCert string
	ServerKey  string
}

type Options struct {
	DomainNames []string
	IPAddresses []net.IP
}

// Ensure makes sure a CA and a server certificate signed by it exist at
// paths, generating whatever is missing. A server certificate close to
// expiry is reissued.
func Ensure(paths Paths, opts Options) error {
	if len(opts.DomainNames) == 0 {
		opts.DomainNames = []string{defaultCN}
	}
	if len(opts.IPAddresses) == 0 {
		opts.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	}

	caCert, caKey, err := ensureCA(paths)
	if err != nil {
		return err
	}

	if fileExists(paths.ServerCert) && fileExists(paths.ServerKey) {
		existing, err := readCert(paths.ServerCert)
		if err == nil && time.Until(existing.NotAfter) > renewThreshold {
			slog.Debug("Using existing server certificate", "cert_path", paths.ServerCert)
			return nil
		}
		slog.Info("Server certificate unusable or expiring, reissuing", "cert_path", paths.ServerCert)
	}

	slog.Info("Generating server certificate",
		"cert_path", paths.ServerCert,
		"domains", opts.DomainNames,
		"ips", opts.IPAddresses)

	serverCert, serverKey, err := issueServerCert(caCert, caKey, opts)
	if err != nil {
		return err
	}
	if err := writeCert(serverCert, paths.ServerCert); err != nil {
		return fmt.Errorf("failed to write server certificate: %w", err)
	}
	if err := writeKey(serverKey, paths.ServerKey); err != nil {
		return fmt.Errorf("failed to write server key: %w", err)
	}
	return nil
}

func ensureCA(paths Paths) (*x509.Certificate, crypto.Signer, error) {
	if fileExists(paths.CACert) && fileExists(paths.CAKey) {
		slog.Debug("Using existing CA certificate", "cert_path", paths.CACert)
		caCert, err := readCert(paths.CACert)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
		caKey, err := readKey(paths.CAKey)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load CA key: %w", err)
		}
		return caCert, caKey, nil
	}

	slog.Info("CA certificate not found, generating new CA", "cert_path", paths.CACert)
	caCert, caKey, err := generateCA()
	if err != nil {
		return nil, nil, err
	}
	if err := writeCert(caCert, paths.CACert); err != nil {
		return nil, nil, fmt.Errorf("failed to write CA certificate: %w", err)
	}
	if err := writeKey(caKey, paths.CAKey); err != nil {
		return nil, nil, fmt.Errorf("failed to write CA key: %w", err)
	}
	return caCert, caKey, nil
}

func generateCA() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   caCommonName,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return cert, key, nil
}

func issueServerCert(caCert *x509.Certificate, caKey crypto.Signer, opts Options) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate server key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   opts.DomainNames[0],
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DomainNames,
		IPAddresses:           opts.IPAddresses,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create server certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse server certificate: %w", err)
	}
	return cert, key, nil
}

func serialNumber() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return n, nil
}

func ensureDirectory(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
