package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
	"github.com/jeffersonwarrior/cloudpipe/sdk/native"
)

// Notifier correlates the completions of one native handle with the
// goroutines waiting for them. At most one wait per event kind can be
// pending. A Notifier is safe for concurrent use.
type Notifier struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending map[native.EventKind]*Action
	stowed  map[native.EventKind]native.StatusInfo
}

// NewNotifier creates a notifier. logger may be nil.
func NewNotifier(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		logger:  logger.Named("bridge"),
		pending: make(map[native.EventKind]*Action),
		stowed:  make(map[native.EventKind]native.StatusInfo),
	}
}

// Callback is the native.StatusCallback to register for the handle.
func (n *Notifier) Callback(h native.Handle, info native.StatusInfo) {
	kind := info.Target()

	n.mu.Lock()
	a, ok := n.pending[kind]
	if ok {
		delete(n.pending, kind)
	}
	if ok && !a.orphaned {
		n.mu.Unlock()
		a.complete(info)
		return
	}

	// Nobody is waiting: the operation was abandoned, or never had a wait.
	switch {
	case info.Code == native.ErrOperationCancelled:
		n.mu.Unlock()
		n.logger.Debug("cancelled operation completed after its wait ended",
			zap.Uint64("handle", uint64(h)),
			zap.Stringer("event", kind))
	case info.Code != 0:
		n.stowed[kind] = info
		n.mu.Unlock()
		n.logger.Warn("stowing error of an abandoned operation",
			zap.Uint64("handle", uint64(h)),
			zap.Stringer("event", kind),
			zap.Uint32("code", uint32(info.Code)))
	default:
		n.stowed[kind] = info
		n.mu.Unlock()
		n.logger.Debug("stowing completion of an abandoned operation",
			zap.Uint64("handle", uint64(h)),
			zap.Stringer("event", kind))
	}
	if ok {
		a.finish()
	}
}

// WaitForAction starts work and blocks until the completion of kind
// arrives or ctx is done. work must start exactly one native operation
// completing with kind, or fail without starting it.
//
// The result is the completion's StatusInfo. Errors:
//   - *corehttp.TransportError when work fails, when the completion carries
//     an error code, or when an earlier abandoned operation of the same
//     kind left a stowed error (work is not started then)
//   - *corehttp.CancellationError when ctx is done first; the native
//     operation keeps running, abandoned
//   - *corehttp.StateError when another wait for kind is pending
//
// An abandoned operation of kind that is still running is waited out before
// work starts; its successful completion is dropped. Use AdoptAction when
// that completion is the caller's result. A completion that has already
// arrived wins over a context finishing at the same time.
func (n *Notifier) WaitForAction(ctx context.Context, work func() error, kind native.EventKind) (native.StatusInfo, error) {
	return n.wait(ctx, work, kind, false)
}

// AdoptAction is WaitForAction for operations whose results are
// interchangeable, such as receives: the completion of an abandoned
// operation of kind, whether still running or already stowed, is returned
// in place of starting work.
func (n *Notifier) AdoptAction(ctx context.Context, work func() error, kind native.EventKind) (native.StatusInfo, error) {
	return n.wait(ctx, work, kind, true)
}

func (n *Notifier) wait(ctx context.Context, work func() error, kind native.EventKind, adopt bool) (native.StatusInfo, error) {
	op := "wait for " + kind.String()

	n.mu.Lock()
	for {
		if info, ok := n.stowed[kind]; ok {
			delete(n.stowed, kind)
			if info.Code != 0 || adopt {
				n.mu.Unlock()
				return info, completionError(info)
			}
			n.logger.Debug("dropping completion of an abandoned operation", zap.Stringer("event", kind))
		}
		a, busy := n.pending[kind]
		if !busy {
			break
		}
		if !a.orphaned {
			n.mu.Unlock()
			return native.StatusInfo{}, &corehttp.StateError{Op: op, State: "wait already pending"}
		}
		if adopt {
			a.orphaned = false
			n.mu.Unlock()
			return n.await(ctx, a, op)
		}
		n.mu.Unlock()
		select {
		case <-a.finished:
		case <-ctx.Done():
			return native.StatusInfo{}, &corehttp.CancellationError{Op: op, Err: ctx.Err()}
		}
		n.mu.Lock()
	}
	if err := corehttp.Cancelled(ctx, op); err != nil {
		n.mu.Unlock()
		return native.StatusInfo{}, err
	}
	a := newAction(kind)
	n.pending[kind] = a
	n.mu.Unlock()

	if err := work(); err != nil {
		n.forget(a)
		return native.StatusInfo{}, &corehttp.TransportError{
			Op:    "native call",
			Event: kind.String(),
			Code:  codeOf(err),
			Err:   err,
		}
	}
	return n.await(ctx, a, op)
}

// await blocks on a's completion. When ctx ends first, a stays registered
// as abandoned so its completion is stowed rather than lost.
func (n *Notifier) await(ctx context.Context, a *Action, op string) (native.StatusInfo, error) {
	select {
	case info := <-a.done:
		return info, completionError(info)
	case <-ctx.Done():
		n.mu.Lock()
		if n.pending[a.kind] == a {
			a.orphaned = true
			n.mu.Unlock()
			n.logger.Debug("wait abandoned", zap.Stringer("event", a.kind), zap.Error(ctx.Err()))
			return native.StatusInfo{}, &corehttp.CancellationError{Op: op, Err: ctx.Err()}
		}
		n.mu.Unlock()
		// The callback already took the action; its send cannot block.
		info := <-a.done
		return info, completionError(info)
	}
}

// forget removes a from the pending table after its work failed to start.
func (n *Notifier) forget(a *Action) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending[a.kind] == a {
		delete(n.pending, a.kind)
	}
	a.finish()
}

// StowedError returns the error code stowed for kind, if any, without
// clearing it. Stowed successes are not reported.
func (n *Notifier) StowedError(kind native.EventKind) (native.Code, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	info, ok := n.stowed[kind]
	return info.Code, ok && info.Code != 0
}

// Pending reports whether a wait for kind is in progress. An abandoned
// operation still running does not count.
func (n *Notifier) Pending(kind native.EventKind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	a, ok := n.pending[kind]
	return ok && !a.orphaned
}

func completionError(info native.StatusInfo) error {
	if info.Code == 0 {
		return nil
	}
	var err error = info.Code
	if info.Cause != nil {
		err = fmt.Errorf("%w: %w", info.Code, info.Cause)
	}
	return &corehttp.TransportError{
		Op:    "native completion",
		Event: info.Target().String(),
		Code:  int(info.Code),
		Err:   err,
	}
}

func codeOf(err error) int {
	var code native.Code
	if errors.As(err, &code) {
		return int(code)
	}
	return 0
}

// IsOperationCancelled reports whether err is a completion that failed with
// native.ErrOperationCancelled.
func IsOperationCancelled(err error) bool {
	var te *corehttp.TransportError
	return errors.As(err, &te) && te.Code == int(native.ErrOperationCancelled)
}
