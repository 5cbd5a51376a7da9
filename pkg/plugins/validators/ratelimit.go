package validators

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
)

func init() {
	pipeline.RegisterPlugin(pipeline.KindValidator, "rate_limit", func(cfg map[string]any) (pipeline.Plugin, error) {
		c := RateLimitConfig{}
		var err error
		if c.RequestsPerSecond, err = confFloat(cfg, "requests_per_second", 0); err != nil {
			return nil, err
		}
		if c.Burst, err = confInt(cfg, "burst", 0); err != nil {
			return nil, err
		}
		if c.MaxClients, err = confInt(cfg, "max_clients", 0); err != nil {
			return nil, err
		}
		return NewRateLimitValidator(c), nil
	})
}

// RateLimitConfig configures the per-client rate limiter.
type RateLimitConfig struct {
	// RequestsPerSecond refills each client's token bucket.
	RequestsPerSecond float64
	// Burst is the bucket depth.
	Burst int
	// MaxClients bounds the client map; the stalest entry is evicted
	// when a new client would exceed it.
	MaxClients int
	// CleanupInterval controls the background sweep of idle clients.
	CleanupInterval time.Duration
	// IdleTimeout is how long an inactive client survives the sweep.
	IdleTimeout time.Duration
}

// DefaultRateLimitConfig returns a balanced default policy.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 1,
		Burst:             10,
		MaxClients:        10000,
		CleanupInterval:   5 * time.Minute,
		IdleTimeout:       30 * time.Minute,
	}
}

// RateLimitError reports a rate-limited upload along with how long the
// client should wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
	err        *pipeline.Error
}

func (e *RateLimitError) Error() string { return e.err.Error() }

func (e *RateLimitError) Unwrap() error { return e.err }

// RateLimitValidator enforces a per-client token bucket keyed by client
// IP. The client map is process-wide shared mutable state: it is bounded
// by MaxClients and swept for idle entries by a background goroutine
// between Initialize and Shutdown.
type RateLimitValidator struct {
	pipeline.NopPlugin
	cfg RateLimitConfig

	mu      sync.Mutex
	clients map[string]*clientBucket

	cleanup *time.Ticker
	done    chan struct{}
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimitValidator creates a rate-limit validator. Zero-valued
// fields fall back to the defaults.
func NewRateLimitValidator(cfg RateLimitConfig) *RateLimitValidator {
	def := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &RateLimitValidator{
		cfg:     cfg,
		clients: make(map[string]*clientBucket),
	}
}

func (v *RateLimitValidator) Name() string { return "rate_limit" }

func (v *RateLimitValidator) Initialize(ctx context.Context) error {
	v.done = make(chan struct{})
	v.cleanup = time.NewTicker(v.cfg.CleanupInterval)
	go v.cleanupLoop()
	return nil
}

func (v *RateLimitValidator) Shutdown(ctx context.Context) error {
	if v.cleanup != nil {
		v.cleanup.Stop()
	}
	if v.done != nil {
		close(v.done)
		v.done = nil
	}
	return nil
}

func (v *RateLimitValidator) Process(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	if pc.Request == nil {
		// Without caller identity there is nothing to key the bucket
		// by; programmatic uploads are not rate limited.
		return pc, nil
	}

	ip := clientIP(pc.Request)
	bucket := v.bucketFor(ip)

	res := bucket.limiter.Reserve()
	if !res.OK() {
		return nil, &RateLimitError{
			RetryAfter: time.Second,
			err: pipeline.NewError(pipeline.CodeRateLimited, "rate_limit",
				"upload rate limit exceeded", nil),
		}
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return nil, &RateLimitError{
			RetryAfter: delay,
			err: pipeline.NewError(pipeline.CodeRateLimited, "rate_limit",
				fmt.Sprintf("upload rate limit exceeded, retry in %s", delay.Round(time.Millisecond)), nil),
		}
	}

	return pc, nil
}

func (v *RateLimitValidator) bucketFor(ip string) *clientBucket {
	v.mu.Lock()
	defer v.mu.Unlock()

	if bucket, ok := v.clients[ip]; ok {
		bucket.lastSeen = time.Now()
		return bucket
	}

	if len(v.clients) >= v.cfg.MaxClients {
		v.evictStalest()
	}

	bucket := &clientBucket{
		limiter:  rate.NewLimiter(rate.Limit(v.cfg.RequestsPerSecond), v.cfg.Burst),
		lastSeen: time.Now(),
	}
	v.clients[ip] = bucket
	return bucket
}

// evictStalest removes the least recently seen client. Caller holds mu.
func (v *RateLimitValidator) evictStalest() {
	var stalest string
	var stalestSeen time.Time
	for ip, bucket := range v.clients {
		if stalest == "" || bucket.lastSeen.Before(stalestSeen) {
			stalest = ip
			stalestSeen = bucket.lastSeen
		}
	}
	if stalest != "" {
		delete(v.clients, stalest)
	}
}

func (v *RateLimitValidator) cleanupLoop() {
	for {
		select {
		case <-v.cleanup.C:
			v.cleanupIdle()
		case <-v.done:
			return
		}
	}
}

func (v *RateLimitValidator) cleanupIdle() {
	v.mu.Lock()
	defer v.mu.Unlock()

	cutoff := time.Now().Add(-v.cfg.IdleTimeout)
	for ip, bucket := range v.clients {
		if bucket.lastSeen.Before(cutoff) {
			delete(v.clients, ip)
		}
	}
}

// clientIP extracts the real client IP, preferring proxy headers the way
// deployments behind load balancers expect.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, ip := range strings.Split(xff, ",") {
			ip = strings.TrimSpace(ip)
			if ip != "" && net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
