package upload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/batch"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status  int
		outcome batch.Outcome
	}{
		{200, batch.OutcomeDelivered},
		{202, batch.OutcomeDelivered},
		{299, batch.OutcomeDelivered},
		{408, batch.OutcomeRetryable},
		{429, batch.OutcomeRetryable},
		{500, batch.OutcomeRetryable},
		{502, batch.OutcomeRetryable},
		{503, batch.OutcomeRetryable},
		{400, batch.OutcomeRejected},
		{401, batch.OutcomeRejected},
		{403, batch.OutcomeRejected},
		{413, batch.OutcomeRejected},
		{301, batch.OutcomeRejected},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.outcome, classifyStatus(tt.status), "status %d", tt.status)
	}
}

func TestHTTPTransportSendSetsHeaders(t *testing.T) {
	var gotContentType, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotAPIKey = r.Header.Get("X-Api-Key")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "secret-key", time.Second)
	outcome := tr.Send(context.Background(), []byte(`{"events":[]}`))

	assert.Equal(t, batch.OutcomeDelivered, outcome)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "secret-key", gotAPIKey)
}

func TestHTTPTransportClassifiesResponses(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "", time.Second)

	assert.Equal(t, batch.OutcomeRetryable, tr.Send(context.Background(), []byte("{}")))

	status = http.StatusForbidden
	assert.Equal(t, batch.OutcomeRejected, tr.Send(context.Background(), []byte("{}")))
}

func TestHTTPTransportNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // 立即关闭模拟网络不可达

	tr := NewHTTPTransport(srv.URL, "", 200*time.Millisecond)
	assert.Equal(t, batch.OutcomeRetryable, tr.Send(context.Background(), []byte("{}")))
}

func TestHTTPTransportValidate(t *testing.T) {
	assert.Error(t, NewHTTPTransport("", "", 0).Validate())
	assert.NoError(t, NewHTTPTransport("https://intake.example.com/v1", "", 0).Validate())
}
