package deskclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForceReleaseLockSendsKeyAndPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/desk/internal/locks/withdrawal/abc/finance", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("X-Internal-API-Key"))
		w.Write([]byte(`{"released":true}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", " secret ")
	released, err := client.ForceReleaseLock(context.Background(), "withdrawal", "abc", "finance")
	require.NoError(t, err)
	require.True(t, released)
}

func TestSweepLocksDecodesResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/desk/internal/locks/sweep", r.URL.Path)
		w.Write([]byte(`{"reclaimed":1,"locks":[{"key":{"kind":"deposit","request_id":"r1","department":"operations"},"held_by":"agent-a"}]}`))
	}))
	defer server.Close()

	result, err := NewClient(server.URL, "secret").SweepLocks(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Reclaimed)
	require.Len(t, result.Locks, 1)
	require.Equal(t, "operations", result.Locks[0].Key.Department)
	require.Equal(t, "agent-a", *result.Locks[0].HeldBy)
}

func TestErrorResponsesBecomeAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Unauthorized"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "wrong").AuditConsistency(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
	require.Equal(t, "Unauthorized", apiErr.Message)
}

func TestEmptyBaseURL(t *testing.T) {
	_, err := NewClient("  ", "secret").SweepLocks(context.Background())
	require.Error(t, err)
}
