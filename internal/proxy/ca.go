package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
)

// CAConfig locates the CA used to intercept HTTPS requests. Inline PEM
// content wins over file paths.
type CAConfig struct {
	CertPath    string
	KeyPath     string
	CertContent string
	KeyContent  string
}

// Load returns the configured CA, or nil when none is configured.
func (c CAConfig) Load() (*tls.Certificate, error) {
	switch {
	case c.CertContent != "" && c.KeyContent != "":
		cert, err := tls.X509KeyPair([]byte(c.CertContent), []byte(c.KeyContent))
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA content: %w", err)
		}
		return &cert, nil
	case c.CertPath != "" && c.KeyPath != "":
		cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA keypair from file: %w", err)
		}
		return &cert, nil
	}
	return nil, nil
}

// NewCA creates a self-signed ECDSA CA valid for validFor and returns the
// certificate and PKCS#8 key in PEM form.
func NewCA(commonName string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"memstate proxy"},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// WriteCA generates a CA and writes it to certPath and keyPath. The key file
// is only readable by its owner.
func WriteCA(certPath, keyPath string, validFor time.Duration) error {
	certPEM, keyPEM, err := NewCA("memstate CA", validFor)
	if err != nil {
		return err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", certPath, err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", keyPath, err)
	}
	return nil
}
