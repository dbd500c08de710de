package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
)

func TestHTTPSourceFetchesJSON(t *testing.T) {
	env := newExecEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "v1", r.Header.Get("X-Custom"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"orders":[{"id":"A-1"}]}`))
	}))
	defer srv.Close()

	n := node("src", model.NodeHTTPSource, map[string]interface{}{
		"url":     srv.URL,
		"headers": map[string]interface{}{"X-Custom": "v1"},
	})

	out, err := execHTTPSource(context.Background(), n, nil, env)
	require.NoError(t, err)
	assert.Equal(t, 200, out["status"])
	body := out["body"].(map[string]interface{})
	orders := body["orders"].([]interface{})
	assert.Len(t, orders, 1)
}

func TestHTTPSourceWithoutURL(t *testing.T) {
	env := newExecEnv(t)

	_, err := execHTTPSource(context.Background(), node("src", model.NodeHTTPSource, nil), nil, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestHTTPSourceAPIKeyHeader(t *testing.T) {
	env := newExecEnv(t)
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	seedAdapter(t, env, "key-default", model.AdapterAPIKey, model.IntegrationAPIKey,
		map[string]interface{}{"apiKey": "ak-123"}, nil)
	seedAdapter(t, env, "key-bearer", model.AdapterAPIKey, model.IntegrationAPIKey,
		map[string]interface{}{"apiKey": "ak-456"},
		map[string]interface{}{"headerName": "Authorization"})

	n := node("src", model.NodeHTTPSource, map[string]interface{}{
		"url":           srv.URL,
		"authAdapterId": "key-default",
	})
	_, err := execHTTPSource(context.Background(), n, nil, env)
	require.NoError(t, err)
	assert.Equal(t, "ak-123", gotKey)

	n.Config["authAdapterId"] = "key-bearer"
	_, err = execHTTPSource(context.Background(), n, nil, env)
	require.NoError(t, err)
	assert.Equal(t, "Bearer ak-456", gotAuth)
}

func TestHTTPSourceUnknownAdapterIsAuthFault(t *testing.T) {
	env := newExecEnv(t)
	n := node("src", model.NodeHTTPSource, map[string]interface{}{
		"url":           "http://localhost:1",
		"authAdapterId": "nope",
	})

	_, err := execHTTPSource(context.Background(), n, nil, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindAuth, fault.KindOf(err))
}

func TestHTTPDestinationPostsJSON(t *testing.T) {
	env := newExecEnv(t)
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	n := node("dst", model.NodeHTTPDestination, map[string]interface{}{"url": srv.URL})
	out, err := execHTTPDestination(context.Background(), n, model.Payload{"orderId": "A-1"}, env)
	require.NoError(t, err)
	assert.Equal(t, 201, out["status"])
	assert.Equal(t, "A-1", got["orderId"])
	body := out["body"].(map[string]interface{})
	assert.Equal(t, true, body["accepted"])
}

func TestHTTPDestinationFormEncoding(t *testing.T) {
	env := newExecEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "A-1", r.PostFormValue("orderId"))
		assert.Equal(t, "3", r.PostFormValue("qty"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	n := node("dst", model.NodeHTTPDestination, map[string]interface{}{
		"url":      srv.URL,
		"encoding": "form",
	})
	out, err := execHTTPDestination(context.Background(), n, model.Payload{"orderId": "A-1", "qty": 3.0}, env)
	require.NoError(t, err)
	assert.Equal(t, "ok", out["body"])
}

func TestHTTPDestinationStaticBodyOverride(t *testing.T) {
	env := newExecEnv(t)
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &got))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	n := node("dst", model.NodeHTTPDestination, map[string]interface{}{
		"url":  srv.URL,
		"body": map[string]interface{}{"fixed": true},
	})
	_, err := execHTTPDestination(context.Background(), n, model.Payload{"ignored": 1}, env)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"fixed": true}, got)
}

func TestHTTPDestinationRejectsGet(t *testing.T) {
	env := newExecEnv(t)
	n := node("dst", model.NodeHTTPDestination, map[string]interface{}{
		"url":    "http://example.com",
		"method": "GET",
	})

	_, err := execHTTPDestination(context.Background(), n, model.Payload{}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestHTTPRateLimitCarriesRetryAfter(t *testing.T) {
	env := newExecEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := node("dst", model.NodeHTTPDestination, map[string]interface{}{"url": srv.URL})
	_, err := execHTTPDestination(context.Background(), n, model.Payload{}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindRateLimit, fault.KindOf(err))
	d, ok := fault.RetryAfterOf(err)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, d)
}

func TestHTTPServerErrorIsConnectionFault(t *testing.T) {
	env := newExecEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := node("src", model.NodeHTTPSource, map[string]interface{}{"url": srv.URL})
	_, err := execHTTPSource(context.Background(), n, nil, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindConnection, fault.KindOf(err))
	assert.True(t, fault.IsRetryable(err))
}

func TestHTTPClientErrorIsBusinessFault(t *testing.T) {
	env := newExecEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	n := node("src", model.NodeHTTPSource, map[string]interface{}{"url": srv.URL})
	_, err := execHTTPSource(context.Background(), n, nil, env)
	require.Error(t, err)
	assert.False(t, fault.IsRetryable(err))
}
