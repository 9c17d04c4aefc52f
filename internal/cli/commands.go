package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/jeffersonwarrior/cloudpipe/internal/config"
	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
	"github.com/jeffersonwarrior/cloudpipe/sdk/sharedkey"
	"github.com/jeffersonwarrior/cloudpipe/sdk/websocket"
)

// requestFlags are shared by the commands that build a request.
type requestFlags struct {
	method  string
	url     string
	headers []string
}

func (f *requestFlags) register(fs *pflag.FlagSet, defaultMethod string) {
	fs.StringVarP(&f.method, "method", "X", defaultMethod, "HTTP method")
	fs.StringVar(&f.url, "url", "", "Request URL (required)")
	fs.StringArrayVarP(&f.headers, "header", "H", nil, "Request header as name=value (repeatable)")
}

func (f *requestFlags) build(body io.ReadSeeker) (*corehttp.Request, error) {
	if f.url == "" {
		return nil, errors.New("--url is required")
	}
	headers, err := parseHeaders(f.headers)
	if err != nil {
		return nil, err
	}
	req, err := corehttp.NewRequest(strings.ToUpper(f.method), f.url, body)
	if err != nil {
		return nil, err
	}
	headers.Range(func(name, value string) bool {
		req.Header.Set(name, value)
		return true
	})
	return req, nil
}

// SignCommand prints the shared-key signature of a request without sending it
type SignCommand struct {
	req     requestFlags
	account string
	key     string
}

func (c *SignCommand) Name() string { return "sign" }
func (c *SignCommand) Description() string { return "Print the string-to-sign and Authorization header of a request" }
func (c *SignCommand) Usage() string { return "sign --url URL [--method M] [--header name=value]..." }

func (c *SignCommand) Flags(fs *pflag.FlagSet) {
	c.req.register(fs, http.MethodGet)
	fs.StringVar(&c.account, "account", "", "Account name (overrides config)")
	fs.StringVar(&c.key, "key", "", "Base64 account key (overrides config)")
}

func (c *SignCommand) Execute(ctx context.Context, env *Env, args []string) error {
	account, key := env.Config.Account.Name, env.Config.Account.Key
	if c.account != "" {
		account = c.account
	}
	if c.key != "" {
		key = c.key
	}
	cred, err := sharedkey.NewCredential(account, key)
	if err != nil {
		return err
	}

	req, err := c.req.build(nil)
	if err != nil {
		return err
	}
	_, hasDate := req.Header.Lookup("Date")
	if _, ok := req.Header.Lookup("x-ms-date"); !ok && !hasDate {
		req.Header.Set("x-ms-date", time.Now().UTC().Format(http.TimeFormat))
	}

	fmt.Fprintf(env.Out, "String to sign:\n%s\n\n", sharedkey.StringToSign(req, cred.AccountName()))
	if date := req.Header.Get("x-ms-date"); date != "" {
		fmt.Fprintf(env.Out, "x-ms-date: %s\n", date)
	}
	fmt.Fprintf(env.Out, "Authorization: SharedKey %s:%s\n", cred.AccountName(), cred.Sign(req))
	return nil
}

// RequestCommand sends one request through the default pipeline
type RequestCommand struct {
	req       requestFlags
	data      string
	transport string
	metrics   bool
}

func (c *RequestCommand) Name() string { return "request" }
func (c *RequestCommand) Description() string { return "Send a request through the pipeline and print the response" }
func (c *RequestCommand) Usage() string {
	return "request --url URL [--method M] [--header name=value]... [--data BODY|@FILE] [--transport native|std|resty]"
}

func (c *RequestCommand) Flags(fs *pflag.FlagSet) {
	c.req.register(fs, http.MethodGet)
	fs.StringVarP(&c.data, "data", "d", "", "Request body, or @path to read it from a file")
	fs.StringVar(&c.transport, "transport", "", "Transport backend: native, std or resty (overrides config)")
	fs.BoolVar(&c.metrics, "metrics", false, "Print pipeline metrics to stderr after the response")
}

func (c *RequestCommand) Execute(ctx context.Context, env *Env, args []string) error {
	body, err := readData(c.data)
	if err != nil {
		return err
	}
	req, err := c.req.build(body)
	if err != nil {
		return err
	}

	kind := env.Config.Transport.Kind
	if c.transport != "" {
		kind = c.transport
	}
	tr, cleanup, err := newTransport(env, kind)
	if err != nil {
		return err
	}
	defer cleanup()

	var reg *prometheus.Registry
	var registerer prometheus.Registerer
	if c.metrics {
		reg = prometheus.NewRegistry()
		registerer = reg
	}
	pl, err := newPipeline(env, tr, registerer)
	if err != nil {
		return err
	}

	env.Logger.Debug("sending request",
		zap.String("method", req.Method()),
		zap.String("transport", kind))
	resp, err := pl.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fmt.Fprintf(env.Out, "HTTP %s\n", resp.Status())
	resp.Header.Range(func(name, value string) bool {
		fmt.Fprintf(env.Out, "%s: %s\n", name, value)
		return true
	})
	fmt.Fprintln(env.Out)
	if _, err := io.Copy(env.Out, resp.Body); err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if reg != nil {
		families, err := reg.Gather()
		if err != nil {
			return fmt.Errorf("failed to gather metrics: %w", err)
		}
		printMetrics(env.ErrOut, families)
	}
	return nil
}

func readData(data string) (io.ReadSeeker, error) {
	switch {
	case data == "":
		return nil, nil
	case strings.HasPrefix(data, "@"):
		b, err := os.ReadFile(data[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		return bytes.NewReader(b), nil
	default:
		return strings.NewReader(data), nil
	}
}

// printMetrics writes counters and histogram counts, one sample per line.
func printMetrics(w io.Writer, families []*dto.MetricFamily) {
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			sort.Strings(labels)
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				fmt.Fprintf(w, "%s %g\n", name, m.GetCounter().GetValue())
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				fmt.Fprintf(w, "%s count=%d sum=%g\n", name, h.GetSampleCount(), h.GetSampleSum())
			}
		}
	}
}

// WebSocketCommand exchanges text messages over a duplex connection. The
// handshake always runs on the native transport.
type WebSocketCommand struct {
	req      requestFlags
	messages []string
	timeout  time.Duration
}

func (c *WebSocketCommand) Name() string { return "ws" }
func (c *WebSocketCommand) Description() string { return "Open a WebSocket, send messages and print the replies" }
func (c *WebSocketCommand) Usage() string {
	return "ws --url URL [--message TEXT]... [--header name=value]..."
}

func (c *WebSocketCommand) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&c.req.url, "url", "", "ws:// or wss:// URL (required)")
	fs.StringArrayVarP(&c.req.headers, "header", "H", nil, "Handshake header as name=value (repeatable)")
	fs.StringArrayVarP(&c.messages, "message", "m", nil, "Text message to send (repeatable)")
	fs.DurationVar(&c.timeout, "reply-timeout", 30*time.Second, "How long to wait for each reply")
}

func (c *WebSocketCommand) Execute(ctx context.Context, env *Env, args []string) error {
	if c.req.url == "" {
		return errors.New("--url is required")
	}
	headers, err := parseHeaders(c.req.headers)
	if err != nil {
		return err
	}
	handshake := make(map[string]string, headers.Len())
	headers.Range(func(name, value string) bool {
		handshake[name] = value
		return true
	})

	tr, cleanup, err := newTransport(env, config.TransportNative)
	if err != nil {
		return err
	}
	defer cleanup()
	pl, err := newPipeline(env, tr, nil)
	if err != nil {
		return err
	}

	conn, err := websocket.Dial(ctx, pl, c.req.url, &websocket.Options{
		ReceiveBufferSize: env.Config.Transport.ReceiveBufferSize,
		Header:            handshake,
		Logger:            env.Logger,
	})
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	for _, msg := range c.messages {
		if err := conn.Send(ctx, websocket.FrameText, []byte(msg)); err != nil {
			return err
		}
		reply, closed, err := c.receiveMessage(ctx, conn)
		if err != nil {
			return err
		}
		if closed {
			status, _ := conn.PeerCloseStatus()
			fmt.Fprintf(env.Out, "closed by peer: %d %s\n", status.Code, status.Reason)
			return nil
		}
		fmt.Fprintf(env.Out, "< %s\n", reply)
	}

	closeCtx, cancel := context.WithTimeout(ctx, env.Config.Transport.CloseTimeout)
	defer cancel()
	status, err := conn.Close(closeCtx, 1000, "")
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "closed: %d %s\n", status.Code, status.Reason)
	return nil
}

// receiveMessage reassembles fragments into one message.
func (c *WebSocketCommand) receiveMessage(ctx context.Context, conn *websocket.Conn) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var msg []byte
	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			return nil, false, err
		}
		switch frame.Type {
		case websocket.FrameClosed:
			return nil, true, nil
		case websocket.FrameText, websocket.FrameBinary:
			return append(msg, frame.Data...), false, nil
		default:
			msg = append(msg, frame.Data...)
		}
	}
}
