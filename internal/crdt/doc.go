// Package crdt declares the black-box CRDT document and ephemeral-store
// contracts spec §1 treats as external (Loro or an equivalent runtime
// would sit behind these interfaces in production), plus one concrete
// in-memory implementation, memdoc, so the Synchronizer can be exercised
// end-to-end without a real CRDT binding.
package crdt

import "github.com/schoolai/loro-extended-core/internal/version"

// Unsubscribe cancels a previously registered observer.
type Unsubscribe func()

// Doc is the contract the Synchronizer requires of a document handle. All
// methods must be safe to call from the single Synchronizer goroutine;
// Doc implementations may use their own internal locking for concurrent
// local writers (e.g. application code calling Change from elsewhere).
// SubscribeLocalUpdates callbacks are invoked synchronously on the
// goroutine that called Change or Import; handing the event to the
// dispatch goroutine is the callback's job (the Synchronizer's callback
// enqueues a Msg, spec §5).
type Doc interface {
	// Version returns the document's current frontier.
	Version() version.Vector
	// Export returns the bytes representing everything not already
	// covered by from. An empty from yields a full snapshot, matching
	// spec §4.5.3's boundary rule.
	Export(from version.Vector) ([]byte, error)
	// Import merges previously-exported bytes. Merge must be idempotent:
	// re-importing identical bytes is a no-op (spec §8).
	Import(data []byte) error
	// SubscribeLocalUpdates registers a callback invoked after any local
	// commit (via Change) or any Import that actually advanced the
	// frontier. It does not fire for no-op imports.
	SubscribeLocalUpdates(cb func()) Unsubscribe
	// Change stages mutations via fn and commits them as one local edit.
	Change(fn func(Mutator)) error
	// View returns the document's current materialized value.
	View() map[string]interface{}
}

// Mutator is the scoped change function passed to Change; it stages field
// writes that are committed atomically when the function returns.
type Mutator interface {
	Set(key string, value interface{})
	Delete(key string)
}
