package data

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"usage-governance/internal/biz"
	"usage-governance/internal/conf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChatModel(t *testing.T, h http.HandlerFunc) biz.ChatModel {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewChatModel(&conf.Bootstrap{Data: &conf.Data{Openai: &conf.Openai{
		ApiKey:  "test-key",
		BaseUrl: srv.URL + "/v1",
		Timeout: conf.Duration{Duration: time.Second},
	}}}, testLogger)
}

func TestChatModelComplete(t *testing.T) {
	var got map[string]interface{}
	m := newTestChatModel(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt-4o-mini-2024-07-18",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`))
	})

	resp, err := m.Complete(context.Background(), &biz.ChatRequest{
		Messages: []biz.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", resp.Model)
	assert.Equal(t, 12, resp.PromptTokens)
	assert.Equal(t, 3, resp.CompletionTokens)
	// default model applied when request leaves it empty
	assert.Equal(t, "gpt-4o-mini", got["model"])
}

func TestChatModelVendorErrors(t *testing.T) {
	m := newTestChatModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
	})

	resp, err := m.Complete(context.Background(), &biz.ChatRequest{Model: "gpt-4o"})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "gpt-4o", resp.Model)

	var limited biz.VendorRateLimitError
	require.True(t, errors.As(err, &limited))
	assert.True(t, limited.VendorRateLimited())
	assert.Contains(t, err.Error(), "429")
}

func TestChatModelEmptyChoices(t *testing.T) {
	m := newTestChatModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c2","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":0}}`))
	})

	resp, err := m.Complete(context.Background(), &biz.ChatRequest{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Equal(t, 7, resp.PromptTokens)
}

func TestWrapVendorErrorKeepsContextErrors(t *testing.T) {
	assert.Equal(t, context.DeadlineExceeded, wrapVendorError(context.DeadlineExceeded))
	var ve *vendorError
	assert.True(t, errors.As(wrapVendorError(errors.New("boom")), &ve))
	assert.False(t, ve.VendorRateLimited())
}
