package repo

import "github.com/schoolai/loro-extended-core/internal/synchronizer"

// EphemeralHandle is a namespaced, short-lived presence store scoped to
// one document (spec §3 EphemeralStore, §9: "model as Map<Namespace,
// Store> with explicit lifecycle" rather than dynamic property access).
type EphemeralHandle struct {
	docID     string
	namespace string
	program   *synchronizer.Program
}

// SetLocal stages value as this process's own presence for the
// namespace and triggers hop-bounded gossip to every established channel
// (spec §4.5.5).
func (e *EphemeralHandle) SetLocal(value interface{}) {
	e.program.SetEphemeralLocal(e.docID, e.namespace, value)
}

// GetAllStates returns every live peer value currently known for this
// (doc, namespace).
func (e *EphemeralHandle) GetAllStates() map[string]interface{} {
	return e.program.EphemeralStates(e.docID, e.namespace)
}

// Subscribe registers cb to run whenever this store's state changes
// (local write, remote merge, or delete; with the default store an entry
// expiring does not run cb). The returned func
// cancels the subscription (spec §9: "explicit subscription type that
// returns an unsubscribe token; no global event bus").
func (e *EphemeralHandle) Subscribe(cb func()) func() {
	return e.program.SubscribeEphemeral(e.docID, e.namespace, cb)
}
