package websocket

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"net/http"

	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
	"github.com/jeffersonwarrior/cloudpipe/sdk/transport/nativehttp"
)

// ErrUpgradeUnsupported is returned by Dial when the pipeline's transport
// cannot hand an upgraded connection over, i.e. it is not nativehttp.
var ErrUpgradeUnsupported = errors.New("websocket: transport does not support connection upgrades")

// Dial sends an upgrade request for rawURL through pl, so the pipeline's
// signing, logging and retry policies apply to the handshake, and converts
// the resulting connection into a Conn. A response other than 101 Switching
// Protocols is a ProtocolViolationError.
func Dial(ctx context.Context, pl corehttp.Pipeline, rawURL string, opts *Options) (*Conn, error) {
	req, err := corehttp.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if opts != nil {
		for name, value := range opts.Header {
			req.Header.Set(name, value)
		}
	}
	key, err := challengeKey()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", key)

	resp, err := pl.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &corehttp.ProtocolViolationError{
			Reason:   "upgrade rejected",
			Expected: "101 Switching Protocols",
			Actual:   resp.Status(),
		}
	}

	owned, ok := nativehttp.TakeUpgrade(resp)
	_ = resp.Body.Close()
	if !ok {
		return nil, ErrUpgradeUnsupported
	}
	return NewConn(ctx, owned, opts)
}

func challengeKey() (string, error) {
	var p [16]byte
	if _, err := rand.Read(p[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(p[:]), nil
}
