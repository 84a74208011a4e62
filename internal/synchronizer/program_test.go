package synchronizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schoolai/loro-extended-core/internal/bridgeadapter"
	"github.com/schoolai/loro-extended-core/internal/crdt"
	"github.com/schoolai/loro-extended-core/internal/identity"
	"github.com/schoolai/loro-extended-core/internal/rules"
)

// newTestProgram builds a running Program identified by peerID, with a
// short heartbeat so heartbeat-driven behaviors (re-sync, directory
// re-announce) are exercisable within a test's timeout.
func newTestProgram(t *testing.T, peerID string) *Program {
	t.Helper()
	return newTestProgramWithRules(t, peerID, rules.NewDefault())
}

func newTestProgramWithRules(t *testing.T, peerID string, r rules.Rules) *Program {
	t.Helper()
	cfg := Config{
		OurIdentity:       identity.RepoIdentity{PeerID: peerID, Name: peerID, Type: identity.KindUser},
		Rules:             r,
		HeartbeatInterval: 30 * time.Millisecond,
		PendingTimeout:    20 * time.Millisecond,
		NewDoc: func(string) crdt.Doc {
			return crdt.NewMemDoc(peerID, func() int64 { return time.Now().UnixNano() })
		},
		NewEphemeralStore: func(string, string) crdt.EphemeralStore {
			return crdt.NewMemEphemeralStore(time.Now, 0)
		},
	}
	p := NewProgram(cfg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		_ = p.Shutdown()
		cancel()
	})
	p.Run(ctx)
	return p
}

func awaitTrue(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProgramFreshPairSyncsOverBridge(t *testing.T) {
	a := newTestProgram(t, "a")
	b := newTestProgram(t, "b")
	pair := bridgeadapter.NewPair("bridge-a", "bridge-b")

	require.NoError(t, a.Change("d1", func(m crdt.Mutator) { m.Set("text", "hello") }))

	require.NoError(t, a.AddAdapter(pair.Left))
	require.NoError(t, b.AddAdapter(pair.Right))

	awaitTrue(t, 2*time.Second, func() bool {
		view := b.View("d1")
		text, _ := view["text"].(string)
		return text == "hello"
	})
}

func TestProgramResumesFromVersionVectorOnReconnect(t *testing.T) {
	a := newTestProgram(t, "a")
	b := newTestProgram(t, "b")
	pair := bridgeadapter.NewPair("bridge-a", "bridge-b")

	require.NoError(t, a.Change("d1", func(m crdt.Mutator) { m.Set("k1", "v1") }))
	require.NoError(t, a.AddAdapter(pair.Left))
	require.NoError(t, b.AddAdapter(pair.Right))

	awaitTrue(t, 2*time.Second, func() bool {
		v, _ := b.View("d1")["k1"].(string)
		return v == "v1"
	})

	require.NoError(t, a.Change("d1", func(m crdt.Mutator) { m.Set("k2", "v2") }))

	awaitTrue(t, 2*time.Second, func() bool {
		v, _ := b.View("d1")["k2"].(string)
		return v == "v2"
	})
	// The first key must still be present: resuming sync from a version
	// vector must never re-request (or lose) data already transferred.
	v1, _ := b.View("d1")["k1"].(string)
	require.Equal(t, "v1", v1)
}

func TestProgramPermissionGateBlocksReveal(t *testing.T) {
	gated := rules.NewDefault()
	gated.Visibility = func(rules.Context) bool { return false }
	a := newTestProgramWithRules(t, "a", gated)
	b := newTestProgram(t, "b")

	pair := bridgeadapter.NewPair("bridge-a", "bridge-b")
	require.NoError(t, a.Change("secret", func(m crdt.Mutator) { m.Set("k", "v") }))

	require.NoError(t, a.AddAdapter(pair.Left))
	require.NoError(t, b.AddAdapter(pair.Right))

	// Give the bridge a few heartbeats' worth of time to (not) propagate.
	time.Sleep(150 * time.Millisecond)
	require.False(t, b.HasDoc("secret"), "a document gated by Visibility must never be announced to b")
}

func TestProgramEphemeralGossipsAcrossBridgePair(t *testing.T) {
	a := newTestProgram(t, "a")
	b := newTestProgram(t, "b")
	pair := bridgeadapter.NewPair("bridge-a", "bridge-b")

	require.NoError(t, a.Change("d1", func(m crdt.Mutator) { m.Set("k", "v") }))
	require.NoError(t, a.AddAdapter(pair.Left))
	require.NoError(t, b.AddAdapter(pair.Right))

	awaitTrue(t, 2*time.Second, func() bool {
		_, ok := b.View("d1")["k"]
		return ok
	})

	a.SetEphemeralLocal("d1", "cursor", map[string]interface{}{"line": float64(3)})

	awaitTrue(t, 2*time.Second, func() bool {
		states := b.EphemeralStates("d1", "cursor")
		_, ok := states["a"]
		return ok
	})
}

func TestProgramReadyStatesReportsLocalAndRemote(t *testing.T) {
	a := newTestProgram(t, "a")
	b := newTestProgram(t, "b")
	pair := bridgeadapter.NewPair("bridge-a", "bridge-b")

	require.NoError(t, a.Change("d1", func(m crdt.Mutator) { m.Set("k", "v") }))
	require.NoError(t, a.AddAdapter(pair.Left))
	require.NoError(t, b.AddAdapter(pair.Right))

	awaitTrue(t, 2*time.Second, func() bool {
		for _, rs := range a.ReadyStates("d1") {
			if !rs.IsLocal && rs.Status == "synced" {
				return true
			}
		}
		return false
	})

	var sawLocal bool
	for _, rs := range a.ReadyStates("d1") {
		if rs.IsLocal {
			sawLocal = true
			require.Equal(t, "synced", rs.Status)
		}
	}
	require.True(t, sawLocal, "ReadyStates must always include the local repo's own row")
}
