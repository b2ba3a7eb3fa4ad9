package proxy

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testProxy(t *testing.T, upstream, cacheDir, directoryURL string) *Proxy {
	t.Helper()
	p, err := New(&Config{
		Hostname:         "api.example.com",
		Upstream:         upstream,
		CertCacheDir:     cacheDir,
		ACMEDirectoryURL: directoryURL,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestForwardsEverythingToSingleUpstream(t *testing.T) {
	type seen struct {
		path, query, host, proto, forwardedFor string
	}
	var got seen
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = seen{
			path:         r.URL.Path,
			query:        r.URL.RawQuery,
			host:         r.Host,
			proto:        r.Header.Get("X-Forwarded-Proto"),
			forwardedFor: r.Header.Get("X-Forwarded-For"),
		}
		io.WriteString(w, "backend says hi")
	}))
	defer backend.Close()

	p := testProxy(t, strings.TrimPrefix(backend.URL, "http://"), t.TempDir(), "")
	edge := httptest.NewServer(p.Handler())
	defer edge.Close()

	for _, path := range []string{"/", "/api/translate", "/deep/nested/route"} {
		req, err := http.NewRequest(http.MethodGet, edge.URL+path+"?q=1", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Host = "api.example.com"

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK || string(body) != "backend says hi" {
			t.Fatalf("path %s: status %d body %q", path, resp.StatusCode, body)
		}
		if got.path != path {
			t.Errorf("backend saw path %q, want %q", got.path, path)
		}
		if got.query != "q=1" {
			t.Errorf("query not passed through: %q", got.query)
		}
		if got.host != "api.example.com" {
			t.Errorf("Host header not preserved: %q", got.host)
		}
		if got.proto != "https" {
			t.Errorf("X-Forwarded-Proto = %q", got.proto)
		}
		if got.forwardedFor == "" {
			t.Error("X-Forwarded-For not set")
		}
	}
}

func TestGatewayErrorWhenUpstreamDown(t *testing.T) {
	// Grab a port that nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := l.Addr().String()
	l.Close()

	p := testProxy(t, deadAddr, t.TempDir(), "")
	edge := httptest.NewServer(p.Handler())
	defer edge.Close()

	resp, err := http.Get(edge.URL + "/anything")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

// writeCachedCert writes a self-signed certificate into the autocert cache
// layout: private key PEM followed by the certificate PEM, keyed by hostname.
func writeCachedCert(t *testing.T, dir, hostname string, notAfter time.Time) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: hostname},
		DNSNames:     []string{hostname},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	var data []byte
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})...)
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)

	if err := os.WriteFile(filepath.Join(dir, hostname), data, 0o600); err != nil {
		t.Fatal(err)
	}
	return data
}

func TestRenewalDryRunDoesNotMutateCertificate(t *testing.T) {
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer directory.Close()

	cacheDir := t.TempDir()
	before := writeCachedCert(t, cacheDir, "api.example.com", time.Now().Add(10*24*time.Hour))

	p := testProxy(t, "127.0.0.1:5000", cacheDir, directory.URL)

	report, err := p.RenewalDryRun(context.Background())
	if err != nil {
		t.Fatalf("RenewalDryRun: %v", err)
	}
	if !report.DirectoryOK {
		t.Error("directory check failed")
	}
	if !report.RenewalDue {
		t.Error("certificate 10 days from expiry should be due for renewal")
	}

	after, err := os.ReadFile(filepath.Join(cacheDir, "api.example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("dry run mutated the installed certificate")
	}

	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dry run created files in the cert cache: %d entries", len(entries))
	}
}

func TestRenewalDryRunFreshCertNotDue(t *testing.T) {
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer directory.Close()

	cacheDir := t.TempDir()
	writeCachedCert(t, cacheDir, "api.example.com", time.Now().Add(90*24*time.Hour))

	p := testProxy(t, "127.0.0.1:5000", cacheDir, directory.URL)
	report, err := p.RenewalDryRun(context.Background())
	if err != nil {
		t.Fatalf("RenewalDryRun: %v", err)
	}
	if report.RenewalDue {
		t.Error("fresh certificate should not be due for renewal")
	}
}

func TestRenewalDryRunNoCertificate(t *testing.T) {
	p := testProxy(t, "127.0.0.1:5000", t.TempDir(), "")
	_, err := p.RenewalDryRun(context.Background())
	if !errors.Is(err, ErrNoCertificate) {
		t.Fatalf("expected ErrNoCertificate, got %v", err)
	}
}

func TestRenewalDryRunWrongHostname(t *testing.T) {
	cacheDir := t.TempDir()

	// Cache entry present under the right key, but the certificate inside
	// covers a different name.
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "other.example.com"},
		DNSNames:     []string{"other.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(30 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(filepath.Join(cacheDir, "api.example.com"), data, 0o600); err != nil {
		t.Fatal(err)
	}

	p := testProxy(t, "127.0.0.1:5000", cacheDir, "")
	_, err = p.RenewalDryRun(context.Background())
	if err == nil || !strings.Contains(err.Error(), "does not cover") {
		t.Fatalf("expected hostname coverage error, got %v", err)
	}
}
