package corehttp

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. Collectors
// already registered with reg are reused, so several pipelines can share one
// registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudpipe",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Attempts sent to the transport, by method and result code.",
	}, []string{"method", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cloudpipe",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Time from handing an attempt to the transport until headers or failure.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	var err error
	if requests, err = register(reg, requests); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	return &Metrics{requests: requests, duration: duration}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Policy returns a policy recording one observation per attempt. Failed
// attempts are counted with code "error" or "cancelled".
func (m *Metrics) Policy() Policy {
	return PolicyFunc(func(ctx context.Context, req *Request, next Next) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		m.duration.WithLabelValues(req.Method()).Observe(time.Since(start).Seconds())

		code := "error"
		var ce *CancellationError
		switch {
		case err == nil:
			code = strconv.Itoa(resp.StatusCode)
		case errors.As(err, &ce):
			code = "cancelled"
		}
		m.requests.WithLabelValues(req.Method(), code).Inc()
		return resp, err
	})
}
