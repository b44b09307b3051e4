// Package redis implements a Redis pub/sub adapter.
//
// Publishes job completion events as JSON to a configurable Redis
// channel. Transient failures (connection errors, timeouts, a replica
// or loading server) are retried with exponential backoff; permanent
// ones (bad credentials, missing ACL permissions) fail immediately.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/sluice/adapter"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "sluice:job_completed"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// baseBackoff is the delay before the first retry; it doubles per
// attempt up to maxBackoff.
const (
	baseBackoff = 250 * time.Millisecond
	maxBackoff  = 4 * time.Second
)

// Config configures the Redis pub/sub adapter.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: sluice:job_completed).
	Channel string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on transient failures.
	// Zero means a single attempt; New does not apply DefaultRetries.
	Retries int
}

// Adapter publishes job completion events via Redis PUBLISH.
type Adapter struct {
	channel string
	timeout time.Duration
	retries int
	client  *goredis.Client
}

// New creates a Redis pub/sub adapter from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	a := &Adapter{
		channel: cfg.Channel,
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		client:  goredis.NewClient(opts),
	}
	if a.channel == "" {
		a.channel = DefaultChannel
	}
	if a.timeout <= 0 {
		a.timeout = DefaultTimeout
	}
	return a, nil
}

// Publish sends the event as a JSON PUBLISH to the configured channel.
// Transient errors retry with exponential backoff; permanent errors
// (NOAUTH, NOPERM and other command rejections) return at once.
func (a *Adapter) Publish(ctx context.Context, event *adapter.JobCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	attempts := 1 + a.retries
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := waitBackoff(ctx, attempt); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}

		lastErr = a.publishOnce(ctx, body)
		if lastErr == nil {
			return nil
		}
		if !retriable(lastErr) {
			return fmt.Errorf("redis: publish: %w", lastErr)
		}
	}

	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr)
}

// publishOnce performs one PUBLISH under the per-publish timeout.
func (a *Adapter) publishOnce(ctx context.Context, body []byte) error {
	publishCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.client.Publish(publishCtx, a.channel, body).Err()
}

// transientReplyPrefixes are server replies that indicate a state the
// server can recover from: a replica taking writes, a dataset still
// loading, a cluster mid-failover.
var transientReplyPrefixes = []string{
	"LOADING", "READONLY", "CLUSTERDOWN", "TRYAGAIN", "MASTERDOWN",
}

// retriable reports whether a publish failure is worth retrying.
// Network-level failures and transient server states are; command
// rejections (bad credentials, ACL denials) are not, since no amount
// of retrying fixes a misconfigured adapter.
func retriable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// The per-publish timeout fired; the parent context may still
		// have budget for another attempt.
		return true
	}

	var replyErr goredis.Error
	if errors.As(err, &replyErr) {
		msg := replyErr.Error()
		for _, prefix := range transientReplyPrefixes {
			if strings.HasPrefix(msg, prefix) {
				return true
			}
		}
		return false
	}

	// Unclassified transport errors (closed pool, broken pipe wrapped
	// in plain errors) get the benefit of the doubt.
	return !errors.Is(err, context.Canceled)
}

// waitBackoff sleeps for the attempt's backoff slot or returns early
// when the context is done.
func waitBackoff(ctx context.Context, attempt int) error {
	delay := baseBackoff << uint(attempt-1)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
	case <-time.After(delay):
		return nil
	}
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Verify Adapter implements the adapter interface.
var _ adapter.Adapter = (*Adapter)(nil)
