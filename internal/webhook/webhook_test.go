package webhook_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pixtools/pixtools/internal/domain"
	"github.com/pixtools/pixtools/internal/webhook"
)

func TestDeliverer_Deliver_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := webhook.NewDeliverer(2*time.Second, 3, time.Minute)
	err := d.Deliver(context.Background(), srv.URL, domain.WebhookPayload{JobID: "job-1", Status: domain.JobCompleted})
	require.NoError(t, err)
}

func TestDeliverer_Deliver_HTTPErrorReturnsErr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := webhook.NewDeliverer(2*time.Second, 3, time.Minute)
	err := d.Deliver(context.Background(), srv.URL, domain.WebhookPayload{JobID: "job-1", Status: domain.JobCompleted})
	require.Error(t, err)
}

func TestDeliverer_Deliver_OpensCircuitAfterMaxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := webhook.NewDeliverer(2*time.Second, 2, time.Minute)
	_ = d.Deliver(context.Background(), srv.URL, domain.WebhookPayload{JobID: "job-1"})
	_ = d.Deliver(context.Background(), srv.URL, domain.WebhookPayload{JobID: "job-1"})

	// Third attempt should fail fast with the breaker open, not hit the server.
	err := d.Deliver(context.Background(), srv.URL, domain.WebhookPayload{JobID: "job-1"})
	require.Error(t, err)
}
