package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Options configures the upstream client.
type Options struct {
	// Timeout bounds a whole request. Zero means 30 seconds.
	Timeout time.Duration
	// CAFile is an optional PEM bundle trusted in addition to the system CAs.
	CAFile string
}

// NewTransport creates an http.Transport trusting the system CAs plus
// opts.CAFile.
func NewTransport(opts Options) (*http.Transport, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if opts.CAFile == "" {
		return tr, nil
	}

	pem, err := os.ReadFile(opts.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil || rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}
	if !rootCAs.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", opts.CAFile)
	}

	tr.TLSClientConfig = &tls.Config{RootCAs: rootCAs}
	return tr, nil
}

// NewClient creates an http.Client on top of NewTransport.
func NewClient(opts Options) (*http.Client, error) {
	tr, err := NewTransport(opts)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Transport: tr, Timeout: timeout}, nil
}
