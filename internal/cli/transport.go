package cli

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jeffersonwarrior/cloudpipe/internal/config"
	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
	"github.com/jeffersonwarrior/cloudpipe/sdk/native"
	"github.com/jeffersonwarrior/cloudpipe/sdk/sharedkey"
	"github.com/jeffersonwarrior/cloudpipe/sdk/transport/nativehttp"
	"github.com/jeffersonwarrior/cloudpipe/sdk/transport/restyhttp"
	"github.com/jeffersonwarrior/cloudpipe/sdk/transport/stdhttp"
)

// newTransport builds the backend named by kind. The returned cleanup
// releases backend resources and is never nil.
func newTransport(env *Env, kind string) (corehttp.Transport, func(), error) {
	tc := env.Config.Transport
	switch kind {
	case config.TransportNative:
		session := native.NewSession(&native.SessionOptions{
			Client:       &http.Client{Timeout: tc.Timeout},
			CloseTimeout: tc.CloseTimeout,
			Logger:       env.Logger,
		})
		tr := nativehttp.New(session, &nativehttp.Options{
			ReadBufferSize: tc.ReadBufferSize,
			Logger:         env.Logger,
		})
		return tr, session.Close, nil
	case config.TransportStd:
		return stdhttp.New(&http.Client{Timeout: tc.Timeout}), func() {}, nil
	case config.TransportResty:
		return restyhttp.New(&restyhttp.Options{Logger: env.Logger}), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}

// newPipeline assembles the default pipeline over tr, signing every attempt
// when the config carries an account key.
func newPipeline(env *Env, tr corehttp.Transport, reg prometheus.Registerer) (corehttp.Pipeline, error) {
	opts := env.Config.ClientOptions()
	opts.Logger = env.Logger
	opts.Metrics = reg
	if env.Config.Signed() {
		cred, err := sharedkey.NewCredential(env.Config.Account.Name, env.Config.Account.Key)
		if err != nil {
			return corehttp.Pipeline{}, err
		}
		opts.PerRetryPolicies = append(opts.PerRetryPolicies, sharedkey.NewPolicy(cred))
	}
	return corehttp.NewDefaultPipeline(tr, opts)
}

// parseHeaders splits "name=value" or "name: value" flag values.
func parseHeaders(values []string) (corehttp.Headers, error) {
	h := corehttp.NewHeaders()
	for _, v := range values {
		i := strings.IndexAny(v, "=:")
		if i <= 0 || strings.TrimSpace(v[:i]) == "" {
			return h, fmt.Errorf("invalid header %q (want name=value)", v)
		}
		h.Set(strings.TrimSpace(v[:i]), strings.TrimSpace(v[i+1:]))
	}
	return h, nil
}
