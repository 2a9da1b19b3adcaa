package ai

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
)

// Status is the outcome of Analyze.
type Status string

const (
	StatusOK              Status = "ok"
	StatusFailedExhausted Status = "failed_exhausted"
	StatusRejected        Status = "rejected"
)

// Response is what a backend returns for one attempt.
type Response struct {
	Payload string
	Model   string
}

// Backend performs one analysis attempt. Errors should be *Failure so the
// client can tell transient from permanent ones.
type Backend interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Config tunes retries, backoff and the rate gate.
type Config struct {
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap" json:"backoff_cap"`
	// Jitter adds up to Jitter×delay of random extra wait.
	Jitter    float64       `yaml:"jitter" json:"jitter"`
	RateLimit RateLimit     `yaml:"rate_limit" json:"rate_limit"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
		Jitter:      0.25,
		RateLimit:   RateLimit{Calls: 10, Window: time.Minute},
		Timeout:     90 * time.Second,
	}
}

// Result is the outcome of one Analyze call.
type Result struct {
	RequestID   string        `json:"request_id"`
	BatchID     string        `json:"batch_id"`
	TemplateID  string        `json:"template_id"`
	Status      Status        `json:"status"`
	Payload     string        `json:"payload,omitempty"`
	Model       string        `json:"model,omitempty"`
	Attempts    int           `json:"attempts"`
	Latency     time.Duration `json:"latency"`
	GeneratedAt time.Time     `json:"generated_at"`
	LastClass   Class         `json:"last_class,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

// Client submits requests to a backend through the rate gate, retrying
// transient failures with capped exponential backoff.
type Client struct {
	backend Backend
	cfg     Config
	gate    *Gate
	logger  *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// NewClient wraps backend. A nil logger uses slog.Default().
func NewClient(backend Backend, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		backend: backend,
		cfg:     cfg,
		gate:    NewGate(cfg.RateLimit),
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
		rand:    rand.Float64,
	}
}

// Analyze runs req to completion:
//   - ok: the raw payload, untouched.
//   - rejected: one attempt, and an error wrapping ErrAnalysisRejected.
//   - failed_exhausted: MaxRetries+1 attempts, nil error.
//   - ctx done: nil result and ctx's error.
func (c *Client) Analyze(ctx context.Context, req Request) (*Result, error) {
	start := c.now()
	res := &Result{RequestID: req.ID, BatchID: req.BatchID, TemplateID: req.TemplateID}
	log := c.logger.With("batch", req.BatchID, "request", shortID(req.ID))

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			d := c.backoff(attempt-1, retryAfter(lastErr))
			log.Warn("analysis attempt failed, backing off",
				"attempt", attempt, "class", ClassOf(lastErr), "delay", d, "error", lastErr)
			if err := c.sleep(ctx, d); err != nil {
				return nil, err
			}
		}
		if err := c.gate.Wait(ctx); err != nil {
			return nil, err
		}

		res.Attempts = attempt + 1
		resp, err := c.invoke(ctx, req)
		if err == nil {
			res.Status = StatusOK
			res.Payload = resp.Payload
			res.Model = resp.Model
			res.Latency = c.now().Sub(start)
			res.GeneratedAt = c.now()
			log.Info("analysis complete", "attempts", res.Attempts, "latency", res.Latency)
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		res.LastClass = ClassOf(err)
		res.LastError = err.Error()
		if !res.LastClass.Transient() {
			res.Status = StatusRejected
			res.Latency = c.now().Sub(start)
			res.GeneratedAt = c.now()
			log.Error("analysis rejected", "error", err)
			return res, fmt.Errorf("%w: %s: %v", apperrors.ErrAnalysisRejected, req.BatchID, err)
		}
	}

	res.Status = StatusFailedExhausted
	res.Latency = c.now().Sub(start)
	res.GeneratedAt = c.now()
	log.Error("analysis retries exhausted", "attempts", res.Attempts, "class", res.LastClass, "error", lastErr)
	return res, nil
}

func (c *Client) invoke(ctx context.Context, req Request) (Response, error) {
	if c.cfg.Timeout <= 0 {
		return c.backend.Invoke(ctx, req)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	resp, err := c.backend.Invoke(callCtx, req)
	if err != nil && ctx.Err() == nil && callCtx.Err() != nil {
		return resp, Fail(ClassTimeout, err)
	}
	return resp, err
}

// backoff is min(base×2^n, cap) plus jitter, stretched to the server's
// retry-after hint when that is longer.
func (c *Client) backoff(n int, hint time.Duration) time.Duration {
	d := c.cfg.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if c.cfg.BackoffCap > 0 && d >= c.cfg.BackoffCap {
			break
		}
	}
	if c.cfg.BackoffCap > 0 {
		d = min(d, c.cfg.BackoffCap)
	}
	if c.cfg.Jitter > 0 {
		d += time.Duration(float64(d) * c.cfg.Jitter * c.rand())
	}
	return max(d, hint)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
