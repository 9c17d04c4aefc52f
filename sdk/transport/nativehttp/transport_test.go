package nativehttp

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
	"github.com/jeffersonwarrior/cloudpipe/sdk/native"
	"github.com/jeffersonwarrior/cloudpipe/sdk/native/nativetest"
	"github.com/jeffersonwarrior/cloudpipe/sdk/sharedkey"
)

func newRequest(t *testing.T, method, rawURL, body string) *corehttp.Request {
	t.Helper()
	var r io.ReadSeeker
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := corehttp.NewRequest(method, rawURL, r)
	require.NoError(t, err)
	return req
}

func TestTransportWithFake(t *testing.T) {
	fake := &nativetest.Fake{
		ResponseStatus: http.StatusCreated,
		ResponseHeader: http.Header{"Etag": []string{`"0x1"`}},
		ResponseBody:   []byte(strings.Repeat("x", 100)),
	}
	tr := New(fake, &Options{ReadBufferSize: 16})

	req := newRequest(t, http.MethodPut, "https://myaccount.blob.core.windows.net/c/b", "payload")
	req.Header.Set("x-ms-version", "2021-08-06")
	resp, err := tr.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `"0x1"`, resp.Header.Get("ETag"))

	sends := fake.CallsTo("SendRequest")
	require.Len(t, sends, 1)
	assert.Equal(t, "payload", string(sends[0].Data))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, data, 100)
	assert.GreaterOrEqual(t, len(fake.CallsTo("ReadData")), 7, "read in 16 byte chunks")

	h := sends[0].Handle
	assert.True(t, fake.Open(h), "body owns the handle until closed")
	require.NoError(t, resp.Body.Close())
	assert.False(t, fake.Open(h))
}

func TestTransportCompletionFailureReleasesHandle(t *testing.T) {
	fake := &nativetest.Fake{
		Intercept: func(c nativetest.Call) ([]native.StatusInfo, bool) {
			if c.Op == "SendRequest" {
				return []native.StatusInfo{{
					Kind:   native.EventRequestError,
					Failed: native.EventSendRequestComplete,
					Code:   native.ErrCannotConnect,
				}}, true
			}
			return nil, false
		},
	}
	tr := New(fake, nil)

	_, err := tr.Do(context.Background(), newRequest(t, http.MethodGet, "https://example.com/", ""))
	var te *corehttp.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int(native.ErrCannotConnect), te.Code)
	assert.True(t, corehttp.IsRetryable(err))

	closes := fake.CallsTo("CloseHandle")
	require.Len(t, closes, 1)
	assert.False(t, fake.Open(closes[0].Handle))
}

func TestTransportSyncFailureReleasesHandle(t *testing.T) {
	fake := &nativetest.Fake{
		Fail: func(c nativetest.Call) error {
			if c.Op == "ReceiveResponse" {
				return native.ErrIncorrectHandleState
			}
			return nil
		},
	}
	_, err := New(fake, nil).Do(context.Background(), newRequest(t, http.MethodGet, "https://example.com/", ""))

	var te *corehttp.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int(native.ErrIncorrectHandleState), te.Code)
	assert.Len(t, fake.CallsTo("CloseHandle"), 1)
}

func TestTransportOpenFailure(t *testing.T) {
	fake := &nativetest.Fake{
		Fail: func(c nativetest.Call) error {
			if c.Op == "OpenRequest" {
				return native.ErrOutOfHandles
			}
			return nil
		},
	}
	_, err := New(fake, nil).Do(context.Background(), newRequest(t, http.MethodGet, "https://example.com/", ""))
	var te *corehttp.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int(native.ErrOutOfHandles), te.Code)
}

func TestTransportCancelledWhileWaiting(t *testing.T) {
	fake := &nativetest.Fake{
		Intercept: func(c nativetest.Call) ([]native.StatusInfo, bool) {
			// Hold the send so only the context can end the wait.
			return nil, c.Op == "SendRequest"
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := New(fake, nil).Do(ctx, newRequest(t, http.MethodGet, "https://example.com/", ""))
	var ce *corehttp.CancellationError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	closes := fake.CallsTo("CloseHandle")
	require.Len(t, closes, 1, "handle released even though the wait was cancelled")
	assert.False(t, fake.Open(closes[0].Handle))
}

func TestTransportCancelledBeforeStart(t *testing.T) {
	fake := &nativetest.Fake{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(fake, nil).Do(ctx, newRequest(t, http.MethodGet, "https://example.com/", ""))
	var ce *corehttp.CancellationError
	require.ErrorAs(t, err, &ce)
	assert.Empty(t, fake.Calls(), "no native resources allocated")
}

func TestTakeUpgrade(t *testing.T) {
	fake := &nativetest.Fake{ResponseStatus: http.StatusSwitchingProtocols}
	resp, err := New(fake, nil).Do(context.Background(), newRequest(t, http.MethodGet, "wss://example.com/stream", ""))
	require.NoError(t, err)

	// Wrapped bodies, as the retry policy produces, are unwrapped.
	resp.Body = struct {
		io.ReadCloser
		unwrapper
	}{resp.Body, unwrapper{resp.Body}}

	owned, ok := TakeUpgrade(resp)
	require.True(t, ok)
	assert.True(t, fake.Open(owned.Handle()))

	_, again := TakeUpgrade(resp)
	assert.False(t, again, "the handle is claimed once")

	require.NoError(t, resp.Body.Close())
	assert.True(t, fake.Open(owned.Handle()), "closing a taken body keeps the handle")
	require.NoError(t, owned.Release(context.Background()))
	assert.False(t, fake.Open(owned.Handle()))
}

type unwrapper struct{ inner io.ReadCloser }

func (u unwrapper) Unwrap() io.ReadCloser { return u.inner }

func TestTakeUpgradeRejectsOtherResponses(t *testing.T) {
	fake := &nativetest.Fake{}
	resp, err := New(fake, nil).Do(context.Background(), newRequest(t, http.MethodGet, "https://example.com/", ""))
	require.NoError(t, err)
	defer resp.Body.Close()

	_, ok := TakeUpgrade(resp)
	assert.False(t, ok)
	_, ok = TakeUpgrade(&corehttp.Response{StatusCode: 101, Body: io.NopCloser(strings.NewReader(""))})
	assert.False(t, ok)
}

func TestTransportAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Ms-Request-Id", "srv-1")
		w.Header().Set("X-Echo-Version", r.Header.Get("x-ms-version"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(r.Method + ":" + string(body) + ":" + strings.Repeat("z", 5000)))
	}))
	defer srv.Close()

	session := native.NewSession(nil)
	defer session.Close()
	tr := New(session, &Options{ReadBufferSize: 512})

	req := newRequest(t, http.MethodPost, srv.URL+"/c/b?comp=x", "hello")
	req.Header.Set("x-ms-version", "2021-08-06")
	resp, err := tr.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "srv-1", resp.Header.Get("x-ms-request-id"))
	assert.Equal(t, "2021-08-06", resp.Header.Get("X-Echo-Version"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "POST:hello:"+strings.Repeat("z", 5000), string(data))
}

func TestTransportConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	session := native.NewSession(nil)
	defer session.Close()

	_, err = New(session, nil).Do(context.Background(), newRequest(t, http.MethodGet, "http://"+addr+"/", ""))
	var te *corehttp.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int(native.ErrCannotConnect), te.Code)
}

func TestSignedPipelineOverNativeTransport(t *testing.T) {
	var auth, date string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		date = r.Header.Get("x-ms-date")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cred, err := sharedkey.NewCredential("myaccount", "Y2xvdWRwaXBlLXRlc3Qta2V5LTAxMjM0NTY3ODlhYmNkZWY=")
	require.NoError(t, err)

	session := native.NewSession(nil)
	defer session.Close()
	pl, err := corehttp.NewDefaultPipeline(New(session, nil), corehttp.ClientOptions{
		PerRetryPolicies: []corehttp.Policy{sharedkey.NewPolicy(cred)},
	})
	require.NoError(t, err)

	resp, err := pl.Do(context.Background(), newRequest(t, http.MethodGet, srv.URL+"/container/blob", ""))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, strings.HasPrefix(auth, "SharedKey myaccount:"), auth)
	assert.NotEmpty(t, date)
}

var _ corehttp.Transport = (*Transport)(nil)
