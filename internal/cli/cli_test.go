package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
	"github.com/jeffersonwarrior/cloudpipe/sdk/sharedkey"
)

const testKey = "Y2xvdWRwaXBlLXRlc3Qta2V5LTAxMjM0NTY3ODlhYmNkZWY="

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := NewWithOutput(&out, &errOut).Run(context.Background(), append([]string{"--log-level", "error"}, args...)...)
	return out.String(), errOut.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cloudpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCommandsRegistered(t *testing.T) {
	cmds := New().Commands()
	for _, name := range []string{"sign", "request", "ws"} {
		cmd, ok := cmds[name]
		require.True(t, ok, name)
		assert.True(t, strings.HasPrefix(cmd.Usage(), name+" "), "usage starts with the command name")
		assert.NotEmpty(t, cmd.Description())
	}
}

func TestSignCommand(t *testing.T) {
	const date = "Mon, 02 Jan 2006 15:04:05 GMT"
	out, _, err := run(t, "sign",
		"--account", "myaccount", "--key", testKey,
		"--method", "put", "--url", "https://myaccount.blob.core.windows.net/c/b?comp=block",
		"-H", "x-ms-date="+date, "-H", "x-ms-version: 2021-08-06")
	require.NoError(t, err)

	req, err := corehttp.NewRequest(http.MethodPut, "https://myaccount.blob.core.windows.net/c/b?comp=block", nil)
	require.NoError(t, err)
	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-version", "2021-08-06")
	cred, err := sharedkey.NewCredential("myaccount", testKey)
	require.NoError(t, err)

	assert.Contains(t, out, sharedkey.StringToSign(req, "myaccount"))
	assert.Contains(t, out, "Authorization: SharedKey myaccount:"+cred.Sign(req)+"\n")
}

func TestSignCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no credential", []string{"sign", "--url", "https://a.example/"}, "account"},
		{"no url", []string{"sign", "--account", "a", "--key", testKey}, "--url is required"},
		{"bad header", []string{"sign", "--account", "a", "--key", testKey, "--url", "https://a.example/", "-H", "novalue"}, "invalid header"},
		{"bad log level", []string{"--log-level", "loud", "sign"}, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRequestCommandTransports(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Echo-Header", r.Header.Get("X-Custom"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(r.Method + " " + string(body)))
	}))
	defer srv.Close()

	for _, kind := range []string{"native", "std", "resty"} {
		t.Run(kind, func(t *testing.T) {
			out, errOut, err := run(t, "request", "--transport", kind, "-X", "POST",
				"--url", srv.URL+"/items", "-H", "X-Custom=abc", "-d", "payload", "--metrics")
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(out, "HTTP 201 Created\n"), out)
			assert.Contains(t, out, "X-Echo-Header: abc\n")
			assert.True(t, strings.HasSuffix(out, "\nPOST payload"), out)
			assert.Contains(t, errOut, "cloudpipe_http_requests_total")
		})
	}
}

func TestRequestCommandSignedFromConfig(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := writeConfig(t, "account:\n  name: myaccount\n  key: "+testKey+"\ntransport:\n  kind: std\n")
	_, _, err := run(t, "--config", cfg, "request", "--url", srv.URL+"/c/b")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(auth, "SharedKey myaccount:"), auth)
}

func TestRequestCommandBodyFromFile(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "body.txt")
	require.NoError(t, os.WriteFile(path, []byte("from a file"), 0o600))
	_, _, err := run(t, "request", "--transport", "std", "-X", "PUT", "--url", srv.URL, "-d", "@"+path)
	require.NoError(t, err)
	assert.Equal(t, "from a file", got)
}

func TestRequestCommandUnknownTransport(t *testing.T) {
	_, _, err := run(t, "request", "--transport", "pigeon", "--url", "https://a.example/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport kind")
}

func TestWebSocketCommand(t *testing.T) {
	up := gorilla.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		c.SetCloseHandler(func(code int, text string) error {
			return c.WriteControl(gorilla.CloseMessage,
				gorilla.FormatCloseMessage(code, text), time.Now().Add(time.Second))
		})
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, append([]byte("echo: "), data...)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := writeConfig(t, "transport:\n  receive_buffer_size: 8\n")
	out, _, err := run(t, "--config", cfg, "ws", "--url", "ws"+strings.TrimPrefix(srv.URL, "http"),
		"-m", "hello", "-m", "a longer message split into fragments")
	require.NoError(t, err)
	assert.Equal(t, "< echo: hello\n< echo: a longer message split into fragments\nclosed: 1000 \n", out)
}

func TestParseHeaders(t *testing.T) {
	h, err := parseHeaders([]string{"a=1", "B: two", "c=x=y", "d:e=f"})
	require.NoError(t, err)
	assert.Equal(t, "1", h.Get("a"))
	assert.Equal(t, "two", h.Get("b"))
	assert.Equal(t, "x=y", h.Get("c"))
	assert.Equal(t, "e=f", h.Get("d"))

	for _, bad := range []string{"", "novalue", "=v", " :v"} {
		_, err := parseHeaders([]string{bad})
		assert.Error(t, err, bad)
	}
}
