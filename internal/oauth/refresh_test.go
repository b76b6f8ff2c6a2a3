package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefreshSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		require.Equal(t, "rt-1", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	r := NewRefresher("cid", "csecret", srv.Client()).WithTokenURL(srv.URL)
	tok, err := r.Refresh(context.Background(), "rt-1")
	require.NoError(t, err)
	require.Equal(t, "at-1", tok.AccessToken)
	require.False(t, tok.Expiry.IsZero())
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRefreshErrorClassification(t *testing.T) {
	for _, tc := range []struct {
		status        int
		unrecoverable bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusForbidden, true},
		{http.StatusInternalServerError, false},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"error":"invalid_grant"}`))
		}))

		r := NewRefresher("cid", "csecret", srv.Client()).WithTokenURL(srv.URL)
		_, err := r.Refresh(context.Background(), "rt-bad")
		require.Error(t, err)

		var rerr *RefreshError
		require.True(t, errors.As(err, &rerr))
		require.Equal(t, tc.status, rerr.Status)
		require.Equal(t, tc.unrecoverable, rerr.Unrecoverable(), "status %d", tc.status)
		srv.Close()
	}
}
