package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/jeffersonwarrior/cloudpipe/sdk/native"
)

// ReleaseTimeout bounds how long Release waits for the close confirmation.
const ReleaseTimeout = 10 * time.Second

// Owned is the exclusive owner of a native handle and the notifier
// registered for it.
type Owned struct {
	api      native.API
	handle   native.Handle
	notifier *Notifier

	once sync.Once
	err  error
}

// Own takes ownership of h, whose status callback must be n.Callback.
func Own(api native.API, h native.Handle, n *Notifier) *Owned {
	return &Owned{api: api, handle: h, notifier: n}
}

// API returns the native API the handle belongs to.
func (o *Owned) API() native.API { return o.api }

// Handle returns the native handle.
func (o *Owned) Handle() native.Handle { return o.handle }

// Notifier returns the handle's notifier.
func (o *Owned) Notifier() *Notifier { return o.notifier }

// Release closes the handle and waits for EventHandleClosing. Only the
// first call does the work; later calls return its result. The wait is
// bounded by ReleaseTimeout and survives cancellation of ctx, so a handle
// is never abandoned while callbacks for it may still run.
func (o *Owned) Release(ctx context.Context) error {
	o.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ReleaseTimeout)
		defer cancel()
		_, o.err = o.notifier.WaitForAction(ctx, func() error {
			return o.api.CloseHandle(o.handle)
		}, native.EventHandleClosing)
	})
	return o.err
}

// Scoped runs fn with o and releases o when fn returns, fails or panics,
// unless fn reports keep, handing ownership on. A release failure is
// returned when fn itself succeeded.
func Scoped(ctx context.Context, o *Owned, fn func(o *Owned) (keep bool, err error)) (err error) {
	keep := false
	defer func() {
		if keep {
			return
		}
		if rerr := o.Release(ctx); rerr != nil && err == nil {
			err = rerr
		}
	}()
	keep, err = fn(o)
	return err
}
