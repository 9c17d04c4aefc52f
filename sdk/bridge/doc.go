// Package bridge turns the completion callbacks of package native into
// blocking calls that honor a context.
//
// A Notifier is registered as the status callback of one native handle.
// WaitForAction starts an operation and blocks until the matching
// completion arrives or the context is done. Each completion is consumed
// exactly once. Completions nobody waits for any more are either swallowed
// (ErrOperationCancelled, the expected result of giving up on a wait) or
// stowed and reported by the next wait for the same event kind.
//
// Owned wraps a handle whose release is two-phase: CloseHandle, then the
// EventHandleClosing confirmation. Scoped runs a function with an Owned
// handle and guarantees the release on every exit path.
package bridge
