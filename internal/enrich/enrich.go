package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	logx "notifyd/pkg/logx"

	"golang.org/x/time/rate"
)

// ErrFetch wraps every enrichment failure. Callers attach the message to the
// returned record instead of propagating; enrichment is best-effort.
var ErrFetch = errors.New("fetch failed")

// Config controls outbound content fetching.
type Config struct {
	Timeout      time.Duration // per-request bound; 0 means default
	MaxBodyBytes int64         // response size cap; 0 means default
	RatePerSec   int           // outbound request budget; 0 means default
}

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 1 << 20 // 1 MiB
	defaultRatePerSec   = 5
)

// Enricher fetches external HTML content for URL-referencing records.
//
// It is safe for concurrent use. Fetch never takes longer than the configured
// timeout; a timeout is an enrichment error like any other.
type Enricher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	client *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) *Enricher {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Enricher{
		client: &http.Client{},
		log:    log,
	}
	e.applyLocked(cfg)
	return e
}

// Apply updates fetch limits at runtime (config hot reload).
func (e *Enricher) Apply(cfg Config) {
	e.mu.Lock()
	e.applyLocked(cfg)
	e.mu.Unlock()
}

func (e *Enricher) applyLocked(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	e.cfg = cfg
	// Token bucket: burst = rate per sec, so a burst of URL_HTML reads doesn't
	// hammer the remote host.
	e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Fetch retrieves the content behind url. All failures (limiter wait cut
// short, connect/timeout errors, non-2xx status, oversized body) come back
// wrapped in ErrFetch.
func (e *Enricher) Fetch(ctx context.Context, url string) (string, error) {
	e.mu.Lock()
	cfg := e.cfg
	lim := e.limiter
	client := e.client
	e.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := lim.Wait(fctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: unexpected status %d", ErrFetch, resp.StatusCode)
	}

	// Read one byte past the cap to tell "exactly at cap" from "too large".
	body, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxBodyBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if int64(len(body)) > cfg.MaxBodyBytes {
		return "", fmt.Errorf("%w: response larger than %d bytes", ErrFetch, cfg.MaxBodyBytes)
	}
	return string(body), nil
}
