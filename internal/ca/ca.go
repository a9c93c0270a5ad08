// Package ca loads or generates the proxy's root certificate authority and
// mints leaf certificates for individual hostnames on demand.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
)

const (
	rootValidity = 365 * 24 * time.Hour
	leafValidity = 30 * 24 * time.Hour
	rootKeyBits  = 2048
	leafKeyBits  = 2048
)

// CA holds the root certificate and private key used to sign leaf certs.
type CA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// LoadOrGenerate loads the root CA from certFile/keyFile, generating and
// persisting a new one if either file is absent. File I/O failures here are
// fatal at startup per the proxy's contract: callers should abort the
// process rather than start with no CA.
func LoadOrGenerate(certFile, keyFile string) (*CA, error) {
	if _, err := os.Stat(certFile); err == nil {
		if _, err := os.Stat(keyFile); err == nil {
			return Load(certFile, keyFile)
		}
	}
	if err := generate(certFile, keyFile); err != nil {
		return nil, fmt.Errorf("generate root ca: %w", err)
	}
	return Load(certFile, keyFile)
}

// Load parses an existing root CA from PEM files.
func Load(certFile, keyFile string) (*CA, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read ca key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", certFile)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", keyFile)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca key: %w", err)
	}

	return &CA{cert: cert, key: key}, nil
}

// generate creates a new self-signed root CA and writes it to certFile/keyFile.
func generate(certFile, keyFile string) error {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	subject := pkix.Name{
		Country:      []string{"US"},
		Organization: []string{"MITM Proxy"},
		CommonName:   "MITM Proxy CA",
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create root cert: %w", err)
	}

	if err := writePEM(certFile, "CERTIFICATE", der, 0o644); err != nil {
		return err
	}
	keyDER := x509.MarshalPKCS1PrivateKey(key)
	if err := writePEM(keyFile, "RSA PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	}
	return nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

// Mint generates a fresh leaf certificate and key for hostname, signed by
// the CA. It does not cache the result; callers are expected to cache
// through the certcache package.
func (c *CA) Mint(hostname string) (certPEM, keyPEM []byte, err error) {
	if c == nil {
		return nil, nil, fmt.Errorf("ca not initialised")
	}
	if hostname == "" {
		return nil, nil, fmt.Errorf("hostname must not be empty")
	}

	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		Issuer:       c.cert.Subject,
		NotBefore:    now,
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{hostname, "*." + hostname},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, c.cert, &key.PublicKey, c.key)
	if err != nil {
		return nil, nil, fmt.Errorf("sign leaf cert: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

// MintTLSCertificate is a convenience wrapper returning a ready-to-use
// tls.Certificate instead of raw PEM bytes.
func (c *CA) MintTLSCertificate(hostname string) (*tls.Certificate, error) {
	certPEM, keyPEM, err := c.Mint(hostname)
	if err != nil {
		return nil, err
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("assemble leaf tls certificate: %w", err)
	}
	return &pair, nil
}

// CertPool returns an x509.CertPool containing only the root CA, useful for
// tests that need to trust the proxy's synthesized leaves.
func (c *CA) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(c.cert)
	return pool
}

func randomSerial() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return n, nil
}
