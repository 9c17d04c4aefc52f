package corehttp

import (
	"context"
	"errors"
)

// Next invokes the remainder of the pipeline.
type Next func(ctx context.Context, req *Request) (*Response, error)

// Policy is one stage of the pipeline. A policy may change the request
// before calling next, inspect or replace the response afterwards,
// short-circuit without calling next, or call next more than once.
//
// Policies are shared by every request sent through a pipeline and must
// not keep per-request state in their own fields.
type Policy interface {
	Do(ctx context.Context, req *Request, next Next) (*Response, error)
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(ctx context.Context, req *Request, next Next) (*Response, error)

// Do calls f(ctx, req, next).
func (f PolicyFunc) Do(ctx context.Context, req *Request, next Next) (*Response, error) {
	return f(ctx, req, next)
}

// Pipeline runs a fixed, ordered chain of policies terminating in a
// Transport. It is safe for concurrent use when its policies are.
type Pipeline struct {
	policies  []Policy
	transport Transport
}

// NewPipeline builds a pipeline that runs policies outer to inner before
// handing the request to transport. Nil policies are skipped.
func NewPipeline(transport Transport, policies ...Policy) Pipeline {
	kept := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if p != nil {
			kept = append(kept, p)
		}
	}
	return Pipeline{policies: kept, transport: transport}
}

// Do sends req through the pipeline.
func (p Pipeline) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("corehttp: nil request")
	}
	if p.transport == nil {
		return nil, errors.New("corehttp: pipeline has no transport")
	}
	if err := Cancelled(ctx, "pipeline"); err != nil {
		return nil, err
	}
	return p.next(0)(ctx, req)
}

func (p Pipeline) next(i int) Next {
	if i == len(p.policies) {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if err := Cancelled(ctx, "transport"); err != nil {
				return nil, err
			}
			return p.transport.Do(ctx, req)
		}
	}
	return func(ctx context.Context, req *Request) (*Response, error) {
		return p.policies[i].Do(ctx, req, p.next(i+1))
	}
}
