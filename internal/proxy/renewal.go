package proxy

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/acme"
)

// RenewalDue is how close to expiry a certificate is considered due for
// renewal; autocert renews at the same threshold.
const RenewalDue = 30 * 24 * time.Hour

// Errors returned by the renewal dry run.
var (
	// ErrNoCertificate is returned when no certificate is cached for the hostname.
	ErrNoCertificate = errors.New("no certificate installed")
	// ErrDirectoryUnreachable is returned when the CA directory does not answer.
	ErrDirectoryUnreachable = errors.New("certificate authority unreachable")
)

// RenewalReport is the result of a renewal dry run.
type RenewalReport struct {
	Hostname    string    `json:"hostname"`
	NotAfter    time.Time `json:"not_after"`
	RenewalDue  bool      `json:"renewal_due"`
	DirectoryOK bool      `json:"directory_ok"`
	CheckedAt   time.Time `json:"checked_at"`
}

// RenewalDryRun validates that renewal would work without touching the
// installed certificate: it inspects the cached certificate and checks that
// the CA directory answers. Nothing in the cert cache is written.
func (p *Proxy) RenewalDryRun(ctx context.Context) (*RenewalReport, error) {
	report := &RenewalReport{
		Hostname:  p.cfg.Hostname,
		CheckedAt: time.Now().UTC(),
	}

	leaf, err := p.installedCertificate()
	if err != nil {
		return report, err
	}
	report.NotAfter = leaf.NotAfter
	report.RenewalDue = time.Until(leaf.NotAfter) < RenewalDue

	if err := leaf.VerifyHostname(p.cfg.Hostname); err != nil {
		return report, fmt.Errorf("installed certificate does not cover %s: %w", p.cfg.Hostname, err)
	}
	if time.Now().After(leaf.NotAfter) {
		return report, fmt.Errorf("installed certificate expired %s", leaf.NotAfter.Format(time.RFC3339))
	}

	directoryURL := p.cfg.ACMEDirectoryURL
	if directoryURL == "" {
		directoryURL = acme.LetsEncryptURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, directoryURL, nil)
	if err != nil {
		return report, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrDirectoryUnreachable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return report, fmt.Errorf("%w: directory returned %d", ErrDirectoryUnreachable, resp.StatusCode)
	}
	report.DirectoryOK = true

	p.logger.Info("renewal dry run passed",
		"hostname", p.cfg.Hostname,
		"not_after", leaf.NotAfter,
		"renewal_due", report.RenewalDue,
	)
	return report, nil
}

// installedCertificate reads the cached leaf certificate from the autocert
// cache without going through the manager, which could trigger issuance.
func (p *Proxy) installedCertificate() (*x509.Certificate, error) {
	data, err := os.ReadFile(filepath.Join(p.cfg.CertCacheDir, p.cfg.Hostname))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCertificate
		}
		return nil, fmt.Errorf("reading cert cache: %w", err)
	}

	// The cache entry is the private key followed by the certificate chain.
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no certificate block in cache entry for %s", p.cfg.Hostname)
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}
