// Package webhook delivers job-completion callbacks to client-supplied
// webhook URLs, with a per-URL circuit breaker so a single dead endpoint
// cannot stall the worker pool.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pixtools/pixtools/internal/adapter/observability"
	"github.com/pixtools/pixtools/internal/domain"
)

// Deliverer posts completion payloads with a bounded timeout and a
// per-webhook-URL circuit breaker.
type Deliverer struct {
	Client   *http.Client
	Breakers *observability.CircuitBreakerManager
	Timeout  time.Duration
	MaxFails int
	Reset    time.Duration
}

// NewDeliverer builds a Deliverer using cfg's webhook timeout/circuit knobs.
func NewDeliverer(timeout time.Duration, maxFails int, reset time.Duration) *Deliverer {
	return &Deliverer{
		Client:   &http.Client{Timeout: timeout},
		Breakers: observability.NewCircuitBreakerManager(),
		Timeout:  timeout,
		MaxFails: maxFails,
		Reset:    reset,
	}
}

// Deliver POSTs payload to url through url's circuit breaker. An empty url
// is reported as "no_webhook" and is not an error: the caller only calls
// Deliver for jobs that actually carry a webhook_url, but Deliver stays safe
// to call unconditionally. A response status of 400 or above, a transport
// error, or an open circuit (wrapping domain.ErrCircuitOpen) all return an
// error so the caller can fall the job back to
// COMPLETED_WEBHOOK_FAILED instead of COMPLETED.
func (d *Deliverer) Deliver(ctx context.Context, url string, payload domain.WebhookPayload) error {
	if url == "" {
		observability.RecordWebhookDelivery("no_webhook")
		return nil
	}

	cb := d.Breakers.GetOrCreate(url, d.MaxFails, d.Reset)
	before := cb.GetState()

	invoked := false
	err := cb.Call(func() error {
		invoked = true
		ctx, cancel := context.WithTimeout(ctx, d.Timeout)
		defer cancel()

		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("webhook: marshal payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.Client.Do(req)
		if err != nil {
			observability.RecordWebhookDelivery("error")
			return fmt.Errorf("webhook: post: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			observability.RecordWebhookDelivery("error")
			return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
		}
		observability.RecordWebhookDelivery("success")
		return nil
	})
	if !invoked {
		observability.RecordWebhookDelivery("circuit_open")
		err = fmt.Errorf("%w: %v", domain.ErrCircuitOpen, err)
	}

	if after := cb.GetState(); after != before {
		observability.RecordWebhookCircuitTransition(stateName(before), stateName(after))
	}
	return err
}

func stateName(s observability.CircuitBreakerState) string {
	switch s {
	case observability.StateOpen:
		return "open"
	case observability.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
