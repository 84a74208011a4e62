// Package rules implements the pure, side-effect-free permission gate every
// outbound (and some inbound) Synchronizer decisions pass through. Rules
// are composed as a record of function values rather than an inheritance
// hierarchy, per spec §9's design guidance.
package rules

import "github.com/schoolai/loro-extended-core/internal/identity"

// ChannelKind mirrors internal/channel.Kind without importing it, to keep
// this package a leaf dependency (spec §2's dependency order puts Rules
// first).
type ChannelKind string

const (
	Network       ChannelKind = "network"
	Storage       ChannelKind = "storage"
	Bridge        ChannelKind = "bridge"
	EphemeralOnly ChannelKind = "ephemeral-only"
)

// Context is the evaluation frame every predicate receives.
type Context struct {
	ChannelKind  ChannelKind
	AdapterType  string
	PeerIdentity identity.RepoIdentity
	DocID        string
	OurIdentity  identity.RepoIdentity
}

// Predicate is a pure boolean function of a Context.
type Predicate func(ctx Context) bool

// Rules bundles the three gates the Synchronizer consults. All three
// default to permissive (always true) except CanReveal, which is
// conservative by default for non-storage channels: see NewDefault.
type Rules struct {
	// Visibility gates whether a channel may learn a doc exists at all
	// (directory-response announcement).
	Visibility Predicate
	// CanReveal gates whether full document contents may be pushed to a
	// channel that has not already subscribed.
	CanReveal Predicate
	// CanReceive gates whether a channel's inbound writes are accepted.
	CanReceive Predicate
}

// Default implementations: permissive, matching spec §4.1's "default
// implementations return true".
func allowAll(Context) bool { return true }

// NewDefault returns a fully permissive Rules value: allowAll for all
// three predicates and every channel kind, which also means storage
// channels always reveal (spec §4.6: "CanReveal must default to true for
// storage channels so local changes are always persisted").
func NewDefault() Rules {
	return Rules{
		Visibility: allowAll,
		CanReveal:  allowAll,
		CanReceive: allowAll,
	}
}

// safe wraps a predicate so a panicking implementation fails closed (spec
// §4.1: "predicates never throw; if an implementation does, treat it as
// false"). onPanic, if non-nil, is invoked with the recovered value for
// logging before returning false.
func safe(p Predicate, onPanic func(interface{})) Predicate {
	if p == nil {
		return allowAll
	}
	return func(ctx Context) (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				if onPanic != nil {
					onPanic(r)
				}
				ok = false
			}
		}()
		return p(ctx)
	}
}

// Harden wraps every predicate in r with panic-to-false recovery. The
// Synchronizer calls this once when Rules are installed so callers never
// need to reason about fail-open panics.
func Harden(r Rules, onPanic func(interface{})) Rules {
	return Rules{
		Visibility: safe(r.Visibility, onPanic),
		CanReveal:  safe(r.CanReveal, onPanic),
		CanReceive: safe(r.CanReceive, onPanic),
	}
}

// And composes predicates with boolean AND, short-circuiting on the first
// false — the "combine by boolean algebra" composition spec §9 calls for.
func And(predicates ...Predicate) Predicate {
	return func(ctx Context) bool {
		for _, p := range predicates {
			if !p(ctx) {
				return false
			}
		}
		return true
	}
}

// Or composes predicates with boolean OR.
func Or(predicates ...Predicate) Predicate {
	return func(ctx Context) bool {
		for _, p := range predicates {
			if p(ctx) {
				return true
			}
		}
		return false
	}
}

// Not negates a predicate.
func Not(p Predicate) Predicate {
	return func(ctx Context) bool { return !p(ctx) }
}
