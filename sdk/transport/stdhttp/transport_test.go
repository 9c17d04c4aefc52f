package stdhttp

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
)

func TestTransportRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Got-Type", r.Header.Get("Content-Type"))
		w.Header().Set("X-Got-Host", r.Host)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(r.Method + " " + r.URL.RequestURI() + " " + string(body)))
	}))
	defer srv.Close()

	req, err := corehttp.NewRequest(http.MethodPut, srv.URL+"/c/b?comp=block", strings.NewReader("data"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := New(nil).Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("x-got-type"))
	assert.Same(t, req, resp.Request)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "PUT /c/b?comp=block data", string(data))
}

func TestTransportHostOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Host))
	}))
	defer srv.Close()

	req, err := corehttp.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Host", "myaccount.blob.core.windows.net")

	resp, err := New(srv.Client()).Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "myaccount.blob.core.windows.net", string(data))
}

func TestTransportHostOverrideAnySpelling(t *testing.T) {
	var hosts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hosts = r.Header.Values("Host")
		_, _ = w.Write([]byte(r.Host))
	}))
	defer srv.Close()

	req, err := corehttp.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("host", "myaccount.blob.core.windows.net")

	hreq, err := NewHTTPRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "myaccount.blob.core.windows.net", hreq.Host)
	assert.Empty(t, hreq.Header.Values("host"))
	_, ok := hreq.Header["host"]
	assert.False(t, ok)

	resp, err := New(srv.Client()).Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "myaccount.blob.core.windows.net", string(data))
	assert.Empty(t, hosts)
}

func TestTransportConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	req, err := corehttp.NewRequest(http.MethodGet, "http://"+addr+"/", nil)
	require.NoError(t, err)
	_, err = New(nil).Do(context.Background(), req)

	var te *corehttp.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int(syscall.ECONNREFUSED), te.Code)
	assert.True(t, corehttp.IsRetryable(err))
}

func TestTransportCancelled(t *testing.T) {
	req, err := corehttp.NewRequest(http.MethodGet, "http://127.0.0.1:1/", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = New(nil).Do(ctx, req)
	var ce *corehttp.CancellationError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestError(t *testing.T) {
	live := context.Background()
	done, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name     string
		ctx      context.Context
		err      error
		wantCode int
		cancel   bool
	}{
		{"errno", live, &net.OpError{Op: "read", Err: syscall.ECONNRESET}, int(syscall.ECONNRESET), false},
		{"no errno", live, errors.New("tls: bad certificate"), 0, false},
		{"context done", done, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Error(tt.ctx, "send request", tt.err)
			if tt.cancel {
				var ce *corehttp.CancellationError
				assert.ErrorAs(t, err, &ce)
				return
			}
			var te *corehttp.TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.wantCode, te.Code)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

var _ corehttp.Transport = (*Transport)(nil)
