// Package repo is the thin public assembly spec §2/§6 calls the Repo
// Facade: it wires adapters, rules, identity and the Synchronizer
// Program together and exposes the Get/Has/Delete/AddAdapter surface
// external callers use, grounded on the teacher's knirvbase.New(opts)
// constructor + collection-adapter wrapper shape.
package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/schoolai/loro-extended-core/internal/adapter"
	"github.com/schoolai/loro-extended-core/internal/crdt"
	"github.com/schoolai/loro-extended-core/internal/identity"
	"github.com/schoolai/loro-extended-core/internal/logging"
	"github.com/schoolai/loro-extended-core/internal/monitoring"
	"github.com/schoolai/loro-extended-core/internal/rules"
	"github.com/schoolai/loro-extended-core/internal/synchronizer"
	"github.com/schoolai/loro-extended-core/internal/tracing"
)

// defaultEphemeralTTL bounds how long a presence entry survives without a
// touch before it is considered expired (spec §3 EphemeralStore).
const defaultEphemeralTTL = 30 * time.Second

// Options configures a Repo (spec §6: "Repo::new({ identity?, adapters,
// rules?, heartbeat_interval? })"), following the teacher's nested
// option-struct convention rather than functional options or a config
// file.
type Options struct {
	Identity          identity.RepoIdentity
	Adapters          []adapter.Adapter
	Rules             rules.Rules
	Signer            *identity.Signer
	HeartbeatInterval time.Duration
	PendingTimeout    time.Duration
	EphemeralMaxHops  uint8
	EphemeralTTL      time.Duration
	NewDoc            func(docID string) crdt.Doc
	NewEphemeralStore func(docID, namespace string) crdt.EphemeralStore
	Logger            *logging.Logger
	Metrics           *monitoring.Metrics
	// TracingServiceName, if non-empty, starts a Jaeger-exporting tracer
	// provider for this Repo's dispatch loop (internal/tracing). Empty
	// leaves the global no-op tracer provider in place, so StartSpan calls
	// elsewhere in the synchronizer remain cheap no-ops.
	TracingServiceName string
	TracingEndpoint    string
}

// Repo is the public handle applications hold: a Synchronizer Program
// plus the identity and logger it was built with.
type Repo struct {
	program  *synchronizer.Program
	identity identity.RepoIdentity
	logger   *logging.Logger
	cancel   context.CancelFunc
	tracer   *sdktrace.TracerProvider
}

// New constructs and starts a Repo: its dispatch loop begins running
// immediately, and every adapter in opts.Adapters is added before New
// returns.
func New(ctx context.Context, opts Options) (*Repo, error) {
	if opts.Identity.PeerID == "" {
		opts.Identity.PeerID = uuid.NewString()
	}
	if opts.Identity.Type == "" {
		opts.Identity.Type = identity.KindUser
	}
	if isZeroRules(opts.Rules) {
		opts.Rules = rules.NewDefault()
	}
	logger := opts.Logger
	if logger == nil {
		nop, _ := logging.NewLogger("error", "json")
		if nop == nil {
			nop = &logging.Logger{Logger: zap.NewNop()}
		}
		logger = nop
	}
	hardened := rules.Harden(opts.Rules, func(r interface{}) {
		logger.Warn("rule predicate panicked, treating as false", zap.Any("recovered", r))
	})

	newDoc := opts.NewDoc
	if newDoc == nil {
		peerID := opts.Identity.PeerID
		newDoc = func(string) crdt.Doc { return crdt.NewMemDoc(peerID, func() int64 { return time.Now().UnixNano() }) }
	}
	ttl := opts.EphemeralTTL
	if ttl <= 0 {
		ttl = defaultEphemeralTTL
	}
	newStore := opts.NewEphemeralStore
	if newStore == nil {
		newStore = func(string, string) crdt.EphemeralStore { return crdt.NewMemEphemeralStore(time.Now, ttl) }
	}

	cfg := synchronizer.Config{
		OurIdentity:       opts.Identity,
		Rules:             hardened,
		Signer:            opts.Signer,
		HeartbeatInterval: opts.HeartbeatInterval,
		PendingTimeout:    opts.PendingTimeout,
		NetworkHops:       opts.EphemeralMaxHops,
		NewDoc:            newDoc,
		NewEphemeralStore: newStore,
	}

	var tp *sdktrace.TracerProvider
	if opts.TracingServiceName != "" {
		var err error
		tp, err = tracing.InitTracer(opts.TracingServiceName, opts.TracingEndpoint)
		if err != nil {
			logger.Warn("tracer init failed, continuing without span export", zap.Error(err))
		}
	}

	program := synchronizer.NewProgram(cfg, logger, opts.Metrics)
	runCtx, cancel := context.WithCancel(ctx)
	program.Run(runCtx)

	r := &Repo{program: program, identity: opts.Identity, logger: logger, cancel: cancel, tracer: tp}
	for _, a := range opts.Adapters {
		if err := program.AddAdapter(a); err != nil {
			cancel()
			return nil, fmt.Errorf("repo: add adapter %q: %w", a.ID(), err)
		}
	}
	return r, nil
}

func isZeroRules(r rules.Rules) bool {
	return r.Visibility == nil && r.CanReveal == nil && r.CanReceive == nil
}

// Identity returns this repo's RepoIdentity.
func (r *Repo) Identity() identity.RepoIdentity { return r.identity }

// Get lazily creates (if needed) and returns a handle to docID.
func (r *Repo) Get(docID string) *DocHandle {
	ds := r.program.EnsureDoc(docID)
	_ = ds
	return &DocHandle{docID: docID, program: r.program}
}

// Has reports whether docID already has a local DocState, without
// creating one.
func (r *Repo) Has(docID string) bool { return r.program.HasDoc(docID) }

// Delete removes docID locally and broadcasts a delete message to every
// established channel (spec §6: "Repo::delete").
func (r *Repo) Delete(docID string) { r.program.DeleteDoc(docID) }

// AddAdapter registers and starts a new adapter.
func (r *Repo) AddAdapter(a adapter.Adapter) error { return r.program.AddAdapter(a) }

// RemoveAdapter stops and unregisters adapterID's adapter.
func (r *Repo) RemoveAdapter(adapterID string) error { return r.program.RemoveAdapter(adapterID) }

// Shutdown flushes and stops every adapter, then stops the dispatch loop.
// Idempotent.
func (r *Repo) Shutdown() error {
	err := r.program.Shutdown()
	r.cancel()
	if r.tracer != nil {
		_ = r.tracer.Shutdown(context.Background())
	}
	return err
}
