package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:      srv.URL,
		AllocatePath: "/api/create-room/",
		FinalizePath: "/api/end-call-session-thunder/",
		TenantID:     "tenant-1",
		Provider:     "thunderemotionlite",
	})
}

func TestAllocateSendsRequestAndParsesReply(t *testing.T) {
	var got map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/create-room/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"callId":"c1","call_session_id":"s1","token":"t","url":"wss://x"}`))
	})

	alloc, err := client.Allocate(context.Background(), AllocateRequest{AgentID: "agent-a"})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"agent_code":  "agent-a",
		"provider":    "thunderemotionlite",
		"schema_name": "tenant-1",
	}, got)
	assert.Equal(t, Allocation{CallID: "c1", SessionID: "s1", JoinAddress: "wss://x", JoinToken: "t"}, *alloc)
	assert.True(t, alloc.HasIdentifiers())
}

func TestAllocateProviderOverride(t *testing.T) {
	var got map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"token":"t","serverUrl":"wss://y"}`))
	})

	alloc, err := client.Allocate(context.Background(), AllocateRequest{AgentID: "a", Provider: "other"})
	require.NoError(t, err)
	assert.Equal(t, "other", got["provider"])
	assert.Equal(t, "wss://y", alloc.JoinAddress)
	assert.False(t, alloc.HasIdentifiers())
}

func TestAllocateNestedResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"outer","callId":"c-top","response":{"token":"inner","serverUrl":"wss://nested","call_session_id":42}}`))
	})

	alloc, err := client.Allocate(context.Background(), AllocateRequest{AgentID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "inner", alloc.JoinToken)
	assert.Equal(t, "wss://nested", alloc.JoinAddress)
	assert.Equal(t, "c-top", alloc.CallID)
	assert.Equal(t, "42", alloc.SessionID)
}

func TestAllocateFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantIs     error
	}{
		{name: "missing token", status: 200, body: `{"url":"wss://x","callId":"c"}`, wantStatus: 200, wantIs: ErrMissingCredentials},
		{name: "missing address", status: 200, body: `{"token":"t"}`, wantStatus: 200, wantIs: ErrMissingCredentials},
		{name: "server error", status: 502, body: `oops`, wantStatus: 502, wantIs: ErrUnexpectedStatus},
		{name: "not json", status: 200, body: `<html>`, wantStatus: 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Allocate(context.Background(), AllocateRequest{AgentID: "a"})
			var allocErr *AllocationError
			require.ErrorAs(t, err, &allocErr)
			assert.Equal(t, "a", allocErr.AgentID)
			assert.Equal(t, tt.wantStatus, allocErr.StatusCode)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
		})
	}
}

func TestAllocateIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.Allocate(context.Background(), AllocateRequest{AgentID: "a"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAllocateTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	client := NewClient(Config{BaseURL: srv.URL, AllocatePath: "/alloc", AllocateTimeout: 50 * time.Millisecond})
	_, err := client.Allocate(context.Background(), AllocateRequest{AgentID: "a"})

	var allocErr *AllocationError
	require.ErrorAs(t, err, &allocErr)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestFinalize(t *testing.T) {
	var got map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/end-call-session-thunder/", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.Finalize(context.Background(), "c1", "s1"))
	assert.Equal(t, map[string]string{
		"call_id":         "c1",
		"call_session_id": "s1",
		"schema_name":     "tenant-1",
	}, got)
}

func TestFinalizeFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.Finalize(context.Background(), "c1", "s1")
	var finErr *FinalizeError
	require.ErrorAs(t, err, &finErr)
	assert.Equal(t, 500, finErr.StatusCode)
	assert.Equal(t, "c1", finErr.CallID)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestMergeResponseNestedWins(t *testing.T) {
	merged := MergeResponse(map[string]any{
		"token":    "top",
		"url":      "wss://top",
		"keep":     "me",
		"response": map[string]any{"token": "nested", "extra": "x"},
	})

	assert.Equal(t, "nested", merged["token"])
	assert.Equal(t, "wss://top", merged["url"])
	assert.Equal(t, "me", merged["keep"])
	assert.Equal(t, "x", merged["extra"])
}

func TestMergeResponseIgnoresNonObjectNested(t *testing.T) {
	merged := MergeResponse(map[string]any{"token": "t", "response": "ok"})
	assert.Equal(t, "t", merged["token"])
	assert.Equal(t, "ok", merged["response"])
}
