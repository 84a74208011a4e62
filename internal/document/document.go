// Package document owns the registry of locally-known documents: each
// entry pairs a CRDT handle with its namespaced ephemeral stores and the
// token that unsubscribes it from local-update notifications, born on
// first reference or first remote announcement and destroyed only on
// explicit deletion (spec §3).
package document

import (
	"fmt"
	"sort"
	"sync"

	"github.com/schoolai/loro-extended-core/internal/crdt"
)

// State is one document's registry entry.
type State struct {
	DocID            string
	Doc              crdt.Doc
	unsubscribe      crdt.Unsubscribe
	EphemeralStores  map[string]crdt.EphemeralStore
}

// EphemeralStore returns the store for namespace, creating it via newStore
// on first use. Per-(doc_id, namespace) stores are created lazily (spec
// §3's DocState definition).
func (s *State) EphemeralStore(namespace string, newStore func() crdt.EphemeralStore) crdt.EphemeralStore {
	if st, ok := s.EphemeralStores[namespace]; ok {
		return st
	}
	st := newStore()
	s.EphemeralStores[namespace] = st
	return st
}

// Registry is the process-wide map from DocId to State.
type Registry struct {
	mu   sync.Mutex
	docs map[string]*State
}

// NewRegistry constructs an empty document registry.
func NewRegistry() *Registry {
	return &Registry{docs: make(map[string]*State)}
}

// Get returns docID's state, if it already exists locally.
func (r *Registry) Get(docID string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.docs[docID]
	return s, ok
}

// Ensure returns docID's state, creating it (and subscribing onLocalChange
// to the new Doc's local updates) if it does not already exist. newDoc is
// only called on the creation path.
func (r *Registry) Ensure(docID string, newDoc func() crdt.Doc, onLocalChange func(docID string)) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.docs[docID]; ok {
		return s, false
	}

	doc := newDoc()
	s := &State{
		DocID:           docID,
		Doc:             doc,
		EphemeralStores: make(map[string]crdt.EphemeralStore),
	}
	s.unsubscribe = doc.SubscribeLocalUpdates(func() { onLocalChange(docID) })
	r.docs[docID] = s
	return s, true
}

// Delete removes docID's state, unsubscribing its local-update callback.
// Returns an error if docID is not known, matching Repo::delete's need to
// distinguish "already gone" from a successful deletion.
func (r *Registry) Delete(docID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.docs[docID]
	if !ok {
		return fmt.Errorf("document: delete: unknown doc %q", docID)
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	delete(r.docs, docID)
	return nil
}

// All returns every known doc id, sorted, for deterministic iteration
// (e.g. directory-response construction, heartbeat ephemeral rebroadcast).
func (r *Registry) All() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.docs))
	for id := range r.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
