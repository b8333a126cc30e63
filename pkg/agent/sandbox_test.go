package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stark-io/stark/pkg/stark"
)

func TestHTTPSandboxStartRetriesWarmup(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pods", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var start stark.PodStart
		require.NoError(t, json.NewDecoder(r.Body).Decode(&start))
		assert.Equal(t, "pod-1", start.PodID)
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	sandbox := NewHTTPSandbox(ts.URL)
	require.NoError(t, sandbox.Start(context.Background(), &stark.PodStart{PodID: "pod-1"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPSandboxStopToleratesNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/pods/pod-1", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	sandbox := NewHTTPSandbox(ts.URL)
	assert.NoError(t, sandbox.Stop(context.Background(), "pod-1"))
}

func TestHTTPSandboxHandle(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pods/pod-1/ingress", r.URL.Path)
		json.NewEncoder(w).Encode(&stark.IngressResponse{Status: http.StatusTeapot, Body: []byte("short and stout")})
	}))
	defer ts.Close()

	sandbox := NewHTTPSandbox(ts.URL)
	resp, err := sandbox.Handle(context.Background(), &stark.IngressRequest{PodID: "pod-1", Method: "GET", URL: "/"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.Status)
	assert.Equal(t, "short and stout", string(resp.Body))
}
