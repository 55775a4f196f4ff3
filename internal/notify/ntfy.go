// Package notify delivers markdown notifications to an ntfy topic.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/psantana5/k3s-upgrade-monitor/pkg/logging"
	"github.com/psantana5/k3s-upgrade-monitor/pkg/retry"
)

// Priorities understood by ntfy
const (
	PriorityDefault = "default"
	PriorityHigh    = "high"
)

// Notification results, also used as metric labels
const (
	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Notification is one message to deliver
type Notification struct {
	Title    string
	Message  string
	Priority string
}

// Sender delivers notifications
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Options configure a Client
type Options struct {
	URL         string
	TitlePrefix string
	Timeout     time.Duration
	RateLimit   float64
	Burst       int
	Retry       retry.Config

	// OnResult is called once per Send with sent, failed or skipped
	OnResult func(result string)
}

// Client posts notifications to ntfy
type Client struct {
	url         string
	titlePrefix string
	httpClient  *http.Client
	limiter     *rate.Limiter
	retry       retry.Config
	onResult    func(string)
	logger      *logging.Logger
}

// New creates an ntfy client. An empty URL yields a client that logs and
// skips every notification.
func New(opts Options, logger *logging.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if logger == nil {
		logger = logging.Nop()
	}
	onResult := opts.OnResult
	if onResult == nil {
		onResult = func(string) {}
	}

	return &Client{
		url:         opts.URL,
		titlePrefix: opts.TitlePrefix,
		httpClient:  &http.Client{Timeout: opts.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		retry:       opts.Retry,
		onResult:    onResult,
		logger:      logger,
	}
}

// Configured reports whether notifications are actually sent
func (c *Client) Configured() bool {
	return c.url != ""
}

// StatusError is a non-200 reply from ntfy
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ntfy returned status %d", e.StatusCode)
}

// Send posts n. Only HTTP 200 counts as delivered. Server errors and
// rate limiting are retried; other failures are returned at once.
func (c *Client) Send(ctx context.Context, n Notification) error {
	if !c.Configured() {
		c.logger.Info("No ntfy URL configured, skipping notification", map[string]interface{}{"title": n.Title})
		c.onResult(ResultSkipped)
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		c.onResult(ResultFailed)
		return fmt.Errorf("rate limiter: %w", err)
	}

	err := retry.Do(ctx, c.retry, func() error {
		return c.post(ctx, n)
	})
	if err != nil {
		c.logger.Error("Failed to send notification", map[string]interface{}{
			"title": n.Title,
			"error": err.Error(),
		})
		c.onResult(ResultFailed)
		return err
	}

	c.logger.Info("Notification sent", map[string]interface{}{"title": n.Title})
	c.onResult(ResultSent)
	return nil
}

func (c *Client) post(ctx context.Context, n Notification) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBufferString(n.Message))
	if err != nil {
		return retry.Permanent(err)
	}

	priority := n.Priority
	if priority == "" {
		priority = PriorityDefault
	}
	title := n.Title
	if c.titlePrefix != "" {
		title = c.titlePrefix + " - " + n.Title
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Content-Type", "text/markdown; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return retry.Permanent(err)
		}
		return err
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	statusErr := &StatusError{StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return statusErr
	}
	return retry.Permanent(statusErr)
}

// IsStatus reports whether err is an ntfy reply with the given status
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
