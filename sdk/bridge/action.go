package bridge

import (
	"sync"

	"github.com/jeffersonwarrior/cloudpipe/sdk/native"
)

// Action is one in-flight native operation awaiting its completion.
type Action struct {
	kind native.EventKind
	done chan native.StatusInfo

	// orphaned is set, under the notifier's lock, once the wait for the
	// operation was abandoned.
	orphaned bool
	finished chan struct{}
	once     sync.Once
}

func newAction(kind native.EventKind) *Action {
	return &Action{
		kind:     kind,
		done:     make(chan native.StatusInfo, 1),
		finished: make(chan struct{}),
	}
}

// complete hands info to the waiter. The notifier removes the action from
// its pending table before calling complete, so it runs at most once.
func (a *Action) complete(info native.StatusInfo) {
	a.done <- info
	a.finish()
}

// finish marks the operation over for waits queued behind it.
func (a *Action) finish() {
	a.once.Do(func() { close(a.finished) })
}
