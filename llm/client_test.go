package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider implements Provider against an httptest server using the
// OpenAI wire shape.
type fakeProvider struct {
	name string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) BuildURL(baseURL string) string { return baseURL }

func (f *fakeProvider) SetHeaders(_ *http.Request) {}

func (f *fakeProvider) BuildRequestBody(model string, messages []Message, _ *float64, _ int) ([]byte, error) {
	return []byte(`{"model":"` + model + `"}`), nil
}

func (f *fakeProvider) ParseResponse(body []byte, model string) (*Response, error) {
	return &Response{Content: string(body), Model: model}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	records []*CallRecord
}

func (r *recordingSink) RecordCall(_ context.Context, rec *CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        time.Millisecond,
	}
}

func TestCompleteFallsBackToSecondary(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok from secondary"))
	}))
	defer secondary.Close()

	RegisterProvider(&fakeProvider{name: "fake-primary"})
	RegisterProvider(&fakeProvider{name: "fake-secondary"})

	sink := &recordingSink{}
	client := NewClient(
		[]Endpoint{
			{Provider: "fake-primary", Model: "m1", BaseURL: primary.URL},
			{Provider: "fake-secondary", Model: "m2", BaseURL: secondary.URL},
		},
		WithRetryConfig(fastRetry()),
		WithRecorder(sink),
	)

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "fake-secondary", resp.ProviderUsed)
	assert.NotEmpty(t, resp.RequestID)

	require.Len(t, sink.records, 1)
	assert.Equal(t, "fake-secondary", sink.records[0].Provider)
}

func TestCompleteErrorsWhenAllEndpointsFail(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	RegisterProvider(&fakeProvider{name: "fake-broken"})

	sink := &recordingSink{}
	client := NewClient(
		[]Endpoint{{Provider: "fake-broken", Model: "m", BaseURL: broken.URL}},
		WithRetryConfig(fastRetry()),
		WithRecorder(sink),
	)

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.Error(t, err)

	// The failure itself is recorded for audit.
	require.Len(t, sink.records, 1)
	assert.NotEmpty(t, sink.records[0].Error)
}

func TestCompleteDoesNotRetryFatalErrors(t *testing.T) {
	var calls int
	fatal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer fatal.Close()

	RegisterProvider(&fakeProvider{name: "fake-fatal"})

	client := NewClient(
		[]Endpoint{{Provider: "fake-fatal", Model: "m", BaseURL: fatal.URL}},
		WithRetryConfig(fastRetry()),
	)

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "401 must not be retried")
}

func TestCompleteRequiresMessages(t *testing.T) {
	client := NewClient([]Endpoint{{Provider: "openai", Model: "m"}})
	_, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)
}
