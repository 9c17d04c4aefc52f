package native

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// requestState tracks one HTTP exchange. Fields are guarded by the handle
// lock.
type requestState struct {
	method string
	url    *url.URL

	sent      bool
	exchanged chan struct{} // closed once the response or failure is known
	received  bool
	resp      *http.Response
	err       error

	// upgraded is the WebSocket connection established by an upgrade
	// request, until WebSocketCompleteUpgrade takes it.
	upgraded *websocket.Conn

	reading bool
	eof     bool
}

// OpenRequest implements API.
func (s *Session) OpenRequest(method, rawURL string) (Handle, error) {
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return 0, ErrInvalidURL
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return 0, ErrUnrecognizedScheme
	}

	st, err := s.register(kindRequest)
	if err != nil {
		return 0, err
	}
	st.req = &requestState{method: method, url: u, exchanged: make(chan struct{})}
	s.logger.Debug("request opened",
		zap.Uint64("handle", uint64(st.id)),
		zap.String("method", method),
		zap.String("host", u.Host))
	return st.id, nil
}

// handshakeHeaders are generated by the WebSocket dialer itself.
var handshakeHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-WebSocket-Key",
	"Sec-WebSocket-Version",
	"Sec-WebSocket-Extensions",
	"Content-Length",
}

// headerValue looks name up case-insensitively; callers may hand over
// headers in their wire spelling rather than canonical form.
func headerValue(header http.Header, name string) string {
	for k, vs := range header {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func isUpgrade(header http.Header) bool {
	return strings.EqualFold(headerValue(header, "Upgrade"), "websocket")
}

// SendRequest implements API.
func (s *Session) SendRequest(h Handle, header http.Header, body []byte) error {
	st, err := s.begin(h, kindRequest, func(st *handle) error {
		if st.req.sent {
			return ErrIncorrectHandleState
		}
		st.req.sent = true
		return nil
	})
	if err != nil {
		return err
	}

	header = header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if isUpgrade(header) {
		go s.dialWebSocket(st, header)
	} else {
		go s.roundTrip(st, header, body)
	}
	return nil
}

func (s *Session) roundTrip(st *handle, header http.Header, body []byte) {
	r := st.req
	var once sync.Once
	sent := func(err error) {
		once.Do(func() {
			if err != nil {
				s.finish(st, failure(EventSendRequestComplete, err))
				return
			}
			s.finish(st, StatusInfo{Kind: EventSendRequestComplete})
		})
	}

	// The request is written once; the exchange goroutine keeps running
	// until the response header arrives, so it holds its own in-flight
	// count.
	st.inflight.Add(1)
	defer st.inflight.Done()

	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) { sent(info.Err) },
	}
	ctx := httptrace.WithClientTrace(st.ctx, trace)

	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url.String(), reader)
	if err != nil {
		s.settle(st, nil, err)
		sent(err)
		return
	}
	req.Header = header
	req.ContentLength = int64(len(body))
	if host := headerValue(header, "Host"); host != "" {
		req.Host = host
	}

	resp, err := s.opts.Client.Do(req)
	s.settle(st, resp, err)
	// No-op when the write was already reported.
	sent(err)
}

func (s *Session) dialWebSocket(st *handle, header http.Header) {
	u := *st.req.url
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	for k := range header {
		for _, name := range handshakeHeaders {
			if strings.EqualFold(k, name) {
				delete(header, k)
			}
		}
	}

	conn, resp, err := s.opts.Dialer.DialContext(st.ctx, u.String(), header)
	if err != nil && resp == nil {
		s.settle(st, nil, err)
		s.finish(st, failure(EventSendRequestComplete, err))
		return
	}

	// A rejected handshake still produced a response the caller can read.
	st.mu.Lock()
	st.req.upgraded = conn
	st.mu.Unlock()
	s.settle(st, resp, nil)
	s.finish(st, StatusInfo{Kind: EventSendRequestComplete})
}

// settle records the outcome of the exchange.
func (s *Session) settle(st *handle, resp *http.Response, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	select {
	case <-st.req.exchanged:
		return
	default:
	}
	st.req.resp, st.req.err = resp, err
	close(st.req.exchanged)
}

// ReceiveResponse implements API.
func (s *Session) ReceiveResponse(h Handle) error {
	st, err := s.begin(h, kindRequest, func(st *handle) error {
		if !st.req.sent || st.req.received {
			return ErrIncorrectHandleState
		}
		st.req.received = true
		return nil
	})
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-st.req.exchanged:
		case <-st.ctx.Done():
			s.finish(st, failure(EventHeadersAvailable, st.ctx.Err()))
			return
		}
		st.mu.Lock()
		resp, rerr := st.req.resp, st.req.err
		st.mu.Unlock()
		if rerr != nil {
			s.finish(st, failure(EventHeadersAvailable, rerr))
			return
		}
		if resp == nil {
			s.finish(st, StatusInfo{Kind: EventRequestError, Failed: EventHeadersAvailable, Code: ErrInvalidServerResponse})
			return
		}
		s.finish(st, StatusInfo{Kind: EventHeadersAvailable})
	}()
	return nil
}

// QueryHeaders implements API.
func (s *Session) QueryHeaders(h Handle) (int, http.Header, error) {
	st, err := s.lookup(h, kindRequest)
	if err != nil {
		return 0, nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closing {
		return 0, nil, ErrInvalidHandle
	}
	if !st.req.received || st.req.resp == nil {
		return 0, nil, ErrIncorrectHandleState
	}
	return st.req.resp.StatusCode, st.req.resp.Header.Clone(), nil
}

// ReadData implements API.
func (s *Session) ReadData(h Handle, buf []byte) error {
	if len(buf) == 0 {
		return ErrInvalidParameter
	}
	st, err := s.begin(h, kindRequest, func(st *handle) error {
		if !st.req.received || st.req.resp == nil || st.req.reading {
			return ErrIncorrectHandleState
		}
		st.req.reading = true
		return nil
	})
	if err != nil {
		return err
	}

	go func() {
		st.mu.Lock()
		body, eof := st.req.resp.Body, st.req.eof
		st.mu.Unlock()

		var (
			n    int
			rerr error
		)
		if !eof && body != nil {
			for n == 0 && rerr == nil {
				n, rerr = body.Read(buf)
			}
		}

		st.mu.Lock()
		st.req.reading = false
		if rerr == io.EOF || body == nil {
			st.req.eof = true
			rerr = nil
		}
		st.mu.Unlock()

		if rerr != nil {
			s.finish(st, failure(EventReadComplete, rerr))
			return
		}
		s.finish(st, StatusInfo{Kind: EventReadComplete, BytesTransferred: n})
	}()
	return nil
}
