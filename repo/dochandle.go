package repo

import (
	"errors"
	"time"

	"github.com/schoolai/loro-extended-core/internal/crdt"
	"github.com/schoolai/loro-extended-core/internal/synchronizer"
	"github.com/schoolai/loro-extended-core/internal/version"
)

// ErrSyncTimeout is returned by WaitForSync when the timeout elapses
// before every reachable peer reports Synced awareness (spec §7 Timeout).
var ErrSyncTimeout = errors.New("repo: wait for sync: timeout")

// waitForSyncPollInterval is how often WaitForSync re-checks ReadyStates
// while waiting; it is not a protocol timer, just a polling cadence for
// this synchronous convenience wrapper.
const waitForSyncPollInterval = 20 * time.Millisecond

// DocHandle is the concrete, reflection-free handle type spec §9 calls
// for in place of the source's proxy-based typed documents: explicit
// Change/DocView/Ephemeral/ReadyStates/WaitForSync methods, nothing more.
type DocHandle struct {
	docID   string
	program *synchronizer.Program
}

// DocID returns the document id this handle was obtained for.
func (h *DocHandle) DocID() string { return h.docID }

// Change stages fn's writes and commits them as one local edit, firing
// the propagation the Synchronizer's local-doc-change handler performs.
func (h *DocHandle) Change(fn func(crdt.Mutator)) error {
	return h.program.Change(h.docID, fn)
}

// DocView returns the document's current materialized value.
func (h *DocHandle) DocView() map[string]interface{} {
	return h.program.View(h.docID)
}

// Version returns the document's current frontier.
func (h *DocHandle) Version() version.Vector {
	return h.program.Version(h.docID)
}

// Ephemeral returns a handle to the namespaced ephemeral store scoped to
// this document (spec §6: "DocHandle::ephemeral(namespace)").
func (h *DocHandle) Ephemeral(namespace string) *EphemeralHandle {
	return &EphemeralHandle{docID: h.docID, namespace: namespace, program: h.program}
}

// ReadyStates returns the per-peer awareness view for this document
// (spec §3 ReadyState, §6 "DocHandle::ready_states").
func (h *DocHandle) ReadyStates() []synchronizer.ReadyState {
	return h.program.ReadyStates(h.docID)
}

// WaitForSync blocks until every currently-reachable peer (one with at
// least one live channel) reports Synced awareness of this document, or
// until timeout elapses, in which case it returns ErrSyncTimeout. A
// document with no reachable peers returns immediately (spec §7: user-
// facing APIs "never panic on network conditions").
func (h *DocHandle) WaitForSync(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if allReachablePeersSynced(h.program.ReadyStates(h.docID)) {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrSyncTimeout
		}
		time.Sleep(waitForSyncPollInterval)
	}
}

func allReachablePeersSynced(states []synchronizer.ReadyState) bool {
	for _, s := range states {
		if s.IsLocal || len(s.Channels) == 0 {
			continue
		}
		if s.Status != "synced" {
			return false
		}
	}
	return true
}
