package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"poly_go/internal/domain"
	"poly_go/internal/infra"
)

// transport is the retrying, rate-limited HTTP layer beneath the
// client. Every attempt acquires rate-limiter capacity and runs under
// its own timeout; transient failures are retried with exponential
// backoff and jitter up to maxAttempts, honoring any venue Retry-After
// hint on 429. Client errors surface immediately without retry, and
// caller cancellation aborts the loop with a GatewayCancelled error.
type transport struct {
	http        *http.Client
	limiter     *infra.RateLimiter
	backoff     infra.BackoffConfig
	timeout     time.Duration
	maxAttempts int
	signer      *Signer
	logger      *slog.Logger
}

func newTransport(cfg *infra.Config, limiter *infra.RateLimiter, signer *Signer, logger *slog.Logger) *transport {
	return &transport{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter: limiter,
		backoff: infra.BackoffConfig{
			Base:   time.Duration(cfg.ReconnectBackoff.BaseMS) * time.Millisecond,
			Max:    time.Duration(cfg.ReconnectBackoff.MaxMS) * time.Millisecond,
			Jitter: cfg.ReconnectBackoff.Jitter,
		},
		timeout:     time.Duration(cfg.Gateway.TimeoutSec) * time.Second,
		maxAttempts: cfg.Gateway.MaxAttempts,
		signer:      signer,
		logger:      logger,
	}
}

// do executes one logical call. out, when non-nil, receives the decoded
// JSON body; an out implementing validator is checked before it is
// handed back.
func (t *transport) do(ctx context.Context, method, rawURL string, query url.Values, body any, out any) error {
	op := method + " " + urlPath(rawURL)

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return &domain.GatewayError{Kind: domain.GatewayClient, Op: op, Err: err}
		}
	}

	reqURL := rawURL
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var lastErr *domain.GatewayError
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := t.backoff.Delay(attempt - 1)
			if lastErr != nil && lastErr.RetryAfter > delay {
				delay = lastErr.RetryAfter
			}
			t.logger.Warn("gateway retry",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", lastErr))
			infra.GlobalMetrics.RecordGatewayRetry()

			select {
			case <-ctx.Done():
				return &domain.GatewayError{Kind: domain.GatewayCancelled, Op: op, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		if err := t.limiter.Acquire(ctx, 1); err != nil {
			return &domain.GatewayError{Kind: domain.GatewayCancelled, Op: op, Err: err}
		}

		gerr := t.attempt(ctx, method, reqURL, op, bodyBytes, out)
		if gerr == nil {
			return nil
		}
		if !gerr.IsRetriable() {
			return gerr
		}
		lastErr = gerr
	}

	return lastErr
}

// attempt performs a single HTTP round trip under its own deadline.
func (t *transport) attempt(ctx context.Context, method, reqURL, op string, body []byte, out any) *domain.GatewayError {
	attemptCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, reqURL, reader)
	if err != nil {
		return &domain.GatewayError{Kind: domain.GatewayClient, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	if t.signer != nil && t.signer.HasCredentials() {
		for k, v := range t.signer.GenerateHeaders(method, urlPath(reqURL), string(body)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return t.classifyTransportError(ctx, attemptCtx, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.GatewayError{Kind: domain.GatewayNetwork, Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.GatewayError{
			Kind:       domain.GatewayRateLimited,
			Op:         op,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("venue rate limit: %s", truncate(respBody)),
		}
	case resp.StatusCode >= 500:
		return &domain.GatewayError{
			Kind:       domain.GatewayServer,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("server error: %s", truncate(respBody)),
		}
	case resp.StatusCode >= 400:
		return &domain.GatewayError{
			Kind:       domain.GatewayClient,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("client error: %s", truncate(respBody)),
		}
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &domain.GatewayError{
			Kind:       domain.GatewayClient,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decode: %v: %w", err, domain.ErrBadSchema),
		}
	}

	if v, ok := out.(validator); ok {
		if err := v.validate(); err != nil {
			return &domain.GatewayError{
				Kind:       domain.GatewayClient,
				Op:         op,
				StatusCode: resp.StatusCode,
				Err:        err,
			}
		}
	}

	return nil
}

func (t *transport) classifyTransportError(callerCtx, attemptCtx context.Context, op string, err error) *domain.GatewayError {
	// Caller cancellation beats attempt timeout.
	if callerCtx.Err() != nil {
		return &domain.GatewayError{Kind: domain.GatewayCancelled, Op: op, Err: callerCtx.Err()}
	}
	if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
		return &domain.GatewayError{Kind: domain.GatewayTimeout, Op: op, Err: err}
	}
	return &domain.GatewayError{Kind: domain.GatewayNetwork, Op: op, Err: err}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	return u.Path
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
