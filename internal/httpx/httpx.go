// Package httpx is the archive HTTP client. Every request is rate limited,
// bounded by a per-request deadline, retried with exponential backoff on
// transient failures and guarded by a per-host circuit breaker.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/KI7MT/ecallisto-lab-apps/internal/common"
	"github.com/KI7MT/ecallisto-lab-apps/internal/metrics"
)

// UserAgent is sent with every request.
var UserAgent = "ecallisto-lab-apps"

// StatusError is returned for non-200 responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// transient reports whether the status is worth retrying.
func (e *StatusError) transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Options configures a Client.
type Options struct {
	Timeout   time.Duration // per attempt
	Retries   int           // attempts after the first
	RetryBase time.Duration // first backoff interval, doubled per retry
	RPS       float64       // 0 disables rate limiting

	// BreakerFailures is the number of consecutive transient failures that
	// opens a host's breaker. Zero means 5.
	BreakerFailures uint32
	// BreakerCooldown is how long an open breaker rejects requests. Zero
	// means 30s.
	BreakerCooldown time.Duration
}

// OptionsFrom maps the shared configuration onto client options.
func OptionsFrom(cfg *common.Config) Options {
	return Options{
		Timeout:   cfg.Timeout,
		Retries:   cfg.Retries,
		RetryBase: cfg.RetryBase,
		RPS:       cfg.RPS,
	}
}

// Client is safe for concurrent use.
type Client struct {
	http    *http.Client
	opts    Options
	limiter *rate.Limiter
	log     zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

// New returns a Client using opts.
func New(opts Options, log zerolog.Logger) *Client {
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown == 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}
	return &Client{
		http:     &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		limiter:  limiter,
		log:      log.With().Str("component", "httpx").Logger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
}

// Get fetches rawURL and returns the body of a 200 response. Non-200
// responses return a *StatusError; 4xx responses are not retried.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("httpx: %w", err)
	}
	cb := c.breaker(u.Host)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryBase
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.opts.Retries, 0))), ctx)

	var body []byte
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		data, err := cb.Execute(func() ([]byte, error) {
			return c.do(ctx, rawURL)
		})
		switch {
		case err == nil:
			body = data
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%s: %w", u.Host, err))
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		}
		var se *StatusError
		if errors.As(err, &se) && !se.transient() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.HTTPRetries.Inc()
		c.log.Debug().Err(err).Str("url", rawURL).Dur("wait", wait).Msg("retrying request")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return data, nil
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker[[]byte] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	metrics.CircuitBreakerState.WithLabelValues(host).Set(0)
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     c.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.opts.BreakerFailures
		},
		// Definitive answers such as 404 mean the host is healthy.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			return err == nil || errors.As(err, &se) && !se.transient()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			c.log.Warn().Str("host", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	c.breakers[host] = cb
	return cb
}
