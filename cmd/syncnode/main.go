// Command syncnode is a demo process wiring a storage adapter and a
// network adapter into a Repo, analogous to the teacher's cmd/main.go:
// option struct -> New -> create/attach -> run. It ensures one document
// exists locally, serves it to any peer that connects over TCP, and
// persists every local edit to disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/schoolai/loro-extended-core/internal/adapter"
	"github.com/schoolai/loro-extended-core/internal/crdt"
	"github.com/schoolai/loro-extended-core/internal/identity"
	"github.com/schoolai/loro-extended-core/internal/logging"
	"github.com/schoolai/loro-extended-core/internal/monitoring"
	"github.com/schoolai/loro-extended-core/internal/netadapter"
	"github.com/schoolai/loro-extended-core/internal/storageadapter"
	"github.com/schoolai/loro-extended-core/repo"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "syncnode:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listenAddr = flag.String("listen", ":0", "address to accept network peers on")
		dialAddr   = flag.String("dial", "", "address of a remote syncnode to connect to")
		dataDir    = flag.String("data", "./syncnode-data", "directory for persisted documents")
		docID      = flag.String("doc", "demo", "document id to get and keep in sync")
		peerName   = flag.String("name", "syncnode", "this node's display name")
		logLevel   = flag.String("log-level", "info", "zap log level")
		traceAddr  = flag.String("trace-endpoint", "", "Jaeger collector endpoint; empty disables tracing")
	)
	flag.Parse()

	logger, err := logging.NewLogger(*logLevel, "console")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	metrics := monitoring.NewMetrics()

	store, err := storageadapter.NewDocStore(*dataDir, nil)
	if err != nil {
		return fmt.Errorf("open doc store: %w", err)
	}
	storageID := "storage-" + uuid.NewString()
	storageAdapter := storageadapter.New(storageID, store, logger.Logger,
		identity.RepoIdentity{PeerID: storageID, Name: "storage", Type: identity.KindService}, nil)

	netAdapter := netadapter.New("net-"+uuid.NewString(), logger.Logger)
	if err := netAdapter.Listen(*listenAddr); err != nil {
		return fmt.Errorf("listen on %s: %w", *listenAddr, err)
	}
	logger.Info("listening on " + netAdapter.Addr().String())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	r, err := repo.New(ctx, repo.Options{
		Identity:           identity.RepoIdentity{PeerID: uuid.NewString(), Name: *peerName, Type: identity.KindUser},
		Adapters:           []adapter.Adapter{storageAdapter, netAdapter},
		Logger:             logger,
		Metrics:            metrics,
		TracingServiceName: tracingServiceName(*traceAddr, *peerName),
		TracingEndpoint:    *traceAddr,
	})
	if err != nil {
		return fmt.Errorf("start repo: %w", err)
	}
	defer r.Shutdown()

	if *dialAddr != "" {
		if _, err := netAdapter.Dial(*dialAddr); err != nil {
			return fmt.Errorf("dial %s: %w", *dialAddr, err)
		}
	}

	handle := r.Get(*docID)
	if err := handle.Change(func(m crdt.Mutator) {
		m.Set("last_started_by", *peerName)
	}); err != nil {
		return fmt.Errorf("stamp startup edit: %w", err)
	}

	go reportReadiness(ctx, handle)

	<-ctx.Done()
	return nil
}

// tracingServiceName returns a non-empty service name iff traceAddr opts
// in to tracing, so repo.Options.TracingServiceName being empty stays the
// single source of truth for "tracing disabled".
func tracingServiceName(traceAddr, peerName string) string {
	if traceAddr == "" {
		return ""
	}
	return "syncnode-" + peerName
}

// reportReadiness periodically logs ReadyStates so an operator watching
// stdout can see sync progress without a separate inspection tool.
func reportReadiness(ctx context.Context, handle *repo.DocHandle) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, rs := range handle.ReadyStates() {
				fmt.Printf("ready-state doc=%s peer=%s status=%s channels=%d\n",
					handle.DocID(), rs.Identity.Name, rs.Status, len(rs.Channels))
			}
		}
	}
}
