// Package corehttp is the transport-agnostic HTTP execution core of the
// cloudpipe client library.
//
// A Pipeline runs an ordered chain of Policies in front of a Transport.
// Policies implement the cross-cutting behavior every service call needs:
// retries with exponential backoff and jitter, request ids, User-Agent
// telemetry, client-side rate limiting, hooks, structured logging with
// credential redaction, Prometheus metrics and response decompression.
// Authentication policies (see package sharedkey) plug in per attempt.
//
// Transports are interchangeable backends: stdhttp (net/http), restyhttp
// (resty) and nativehttp (the asynchronous native stack adapted through
// package bridge).
//
// Every failure is one of the typed errors in this package:
// TransportError, CancellationError, RetryExhaustedError,
// AuthenticationError, ProtocolViolationError and StateError.
//
// Example usage:
//
//	pl, err := corehttp.NewDefaultPipeline(stdhttp.New(nil), corehttp.ClientOptions{
//	    Retry:            corehttp.RetryOptions{MaxAttempts: 4},
//	    PerRetryPolicies: []corehttp.Policy{sharedkey.NewPolicy(cred)},
//	    Logger:           logger,
//	})
//	if err != nil {
//	    return err
//	}
//
//	req, _ := corehttp.NewRequest(http.MethodGet, "https://myaccount.blob.core.windows.net/container/blob", nil)
//	resp, err := pl.Do(ctx, req)
//	if err != nil {
//	    return err
//	}
//	defer resp.Body.Close()
package corehttp
