// Package retry provides exponential backoff schedules and a context-aware retry loop.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/objectfs/sessiond/pkg/errors"
)

// Backoff describes an exponential delay schedule.
type Backoff struct {
	// Base is the delay for the first attempt
	Base time.Duration `yaml:"base" json:"base"`

	// Factor is the growth applied per attempt
	Factor float64 `yaml:"factor" json:"factor"`

	// Max caps every computed delay
	Max time.Duration `yaml:"max" json:"max"`

	// Jitter adds ±20% randomness to each delay
	Jitter bool `yaml:"jitter" json:"jitter"`
}

// Delay returns Base × Factor^(attempt-1) capped at Max. Attempts below 1 are
// treated as 1. Without jitter the result is non-decreasing in attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	delay := float64(b.Base) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}

	return time.Duration(delay)
}

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	Backoff Backoff `yaml:"backoff" json:"backoff"`

	// RetryableErrors lists codes retried even when the error is not flagged retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`

	// Clock drives the waits between attempts
	Clock clock.Clock `yaml:"-" json:"-"`
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Backoff: Backoff{
			Base:   100 * time.Millisecond,
			Factor: 2.0,
			Max:    5 * time.Second,
			Jitter: true,
		},
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeStoreFailed,
			errors.ErrCodeConnectionFailed,
			errors.ErrCodeResourceExhausted,
		},
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.Backoff.Base <= 0 {
		config.Backoff.Base = 100 * time.Millisecond
	}
	if config.Backoff.Max <= 0 {
		config.Backoff.Max = 30 * time.Second
	}
	if config.Backoff.Factor <= 0 {
		config.Backoff.Factor = 2.0
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	return &Retryer{config: config}
}

// Do executes the given function with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes the given function with retry logic and context support
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.isRetryable(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.config.Backoff.Delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := r.config.Clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}

	return errors.Wrap(errors.ErrCodeRetryExhausted,
		fmt.Sprintf("max retry attempts (%d) exceeded", r.config.MaxAttempts), lastErr)
}

// isRetryable determines if an error is retryable
func (r *Retryer) isRetryable(err error) bool {
	var sessionErr *errors.SessionError
	if stderr.As(err, &sessionErr) {
		if sessionErr.Retryable {
			return true
		}
		for _, code := range r.config.RetryableErrors {
			if sessionErr.Code == code {
				return true
			}
		}
	}

	return errors.IsResourceExhaustion(err)
}

// WithMaxAttempts returns a new Retryer with modified max attempts
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

// WithOnRetry returns a new Retryer with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}
