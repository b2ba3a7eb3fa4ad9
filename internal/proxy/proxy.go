// Package proxy is the edge layer: it terminates TLS and forwards every path
// to the single backend upstream. No path routing, no load balancing.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"
)

// Config holds the edge proxy configuration.
type Config struct {
	// Hostname is the public name certificates are issued for.
	Hostname string
	// Upstream is the loopback backend address, e.g. 127.0.0.1:5000.
	Upstream string
	// HTTPAddr serves ACME HTTP-01 challenges and redirects, default :80.
	HTTPAddr string
	// HTTPSAddr serves TLS traffic, default :443.
	HTTPSAddr string
	// CertCacheDir persists issued certificates across restarts.
	CertCacheDir string
	// ACMEDirectoryURL overrides the CA endpoint; empty means Let's Encrypt.
	ACMEDirectoryURL string
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("proxy: hostname is required")
	}
	if c.Upstream == "" {
		return errors.New("proxy: upstream is required")
	}
	if c.CertCacheDir == "" {
		return errors.New("proxy: cert cache dir is required")
	}
	return nil
}

// Proxy terminates TLS and forwards to the backend.
type Proxy struct {
	cfg     *Config
	manager *autocert.Manager
	reverse *httputil.ReverseProxy
	logger  *slog.Logger

	httpServer  *http.Server
	httpsServer *http.Server
}

// New creates the edge proxy.
func New(cfg *Config, logger *slog.Logger) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":80"
	}
	if cfg.HTTPSAddr == "" {
		cfg.HTTPSAddr = ":443"
	}
	if logger == nil {
		logger = slog.Default()
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Hostname),
		Cache:      autocert.DirCache(cfg.CertCacheDir),
	}
	if cfg.ACMEDirectoryURL != "" {
		manager.Client = &acme.Client{DirectoryURL: cfg.ACMEDirectoryURL}
	}

	upstream := &url.URL{Scheme: "http", Host: cfg.Upstream}
	reverse := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			// The backend sees the public host, not the loopback address.
			pr.Out.Host = pr.In.Host
			pr.Out.Header.Set("X-Forwarded-Proto", "https")
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream unreachable", "upstream", cfg.Upstream, "error", err)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}

	return &Proxy{
		cfg:     cfg,
		manager: manager,
		reverse: reverse,
		logger:  logger,
	}, nil
}

// Handler returns the HTTPS-side handler: every path goes to the upstream.
func (p *Proxy) Handler() http.Handler {
	return p.reverse
}

// Start serves HTTP (challenges + redirect) and HTTPS until ctx is canceled.
func (p *Proxy) Start(ctx context.Context) error {
	redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := "https://" + r.Host + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})

	p.httpServer = &http.Server{
		Addr:              p.cfg.HTTPAddr,
		Handler:           p.manager.HTTPHandler(redirect),
		ReadHeaderTimeout: 5 * time.Second,
	}
	p.httpsServer = &http.Server{
		Addr:              p.cfg.HTTPSAddr,
		Handler:           p.Handler(),
		TLSConfig:         p.manager.TLSConfig(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.logger.Info("http listener started", "addr", p.cfg.HTTPAddr)
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		p.logger.Info("https listener started", "addr", p.cfg.HTTPSAddr, "hostname", p.cfg.Hostname)
		if err := p.httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("https listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Context cancellation, or a failed listener, drains both servers
		// so Wait can return.
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.Shutdown(sctx)
	})

	return g.Wait()
}

// Shutdown drains both listeners.
func (p *Proxy) Shutdown(ctx context.Context) error {
	var errs []error
	if p.httpServer != nil {
		if err := p.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.httpsServer != nil {
		if err := p.httpsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
