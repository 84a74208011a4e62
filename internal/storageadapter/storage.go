// Package storageadapter implements storage as just another peer (spec
// §4.6): a file-backed Adapter that speaks the same wire protocol as a
// network peer over a single in-process channel, always eagerly syncs,
// never forwards ephemeral data, and persists snapshots under
// deterministic, frontier-derived keys so independent writers of the same
// logical state dedupe on disk instead of piling up duplicate blobs.
// Grounded on the teacher's internal/storage/storage.go FileStorage, with
// its per-collection/per-field document model collapsed to one blob per
// (doc_id, frontier) since a CRDT export is already opaque bytes.
package storageadapter

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/schoolai/loro-extended-core/internal/adapter"
	"github.com/schoolai/loro-extended-core/internal/channel"
	"github.com/schoolai/loro-extended-core/internal/identity"
	"github.com/schoolai/loro-extended-core/internal/storageadapter/pqc"
	"github.com/schoolai/loro-extended-core/internal/version"
	"github.com/schoolai/loro-extended-core/internal/wire"
)

// Adapter is a storage-backed Adapter: one process-local channel of kind
// channel.Storage, a single "service" peer. DocStore supplies the actual
// persisted bytes; Adapter owns only protocol behavior (spec §4.6).
type Adapter struct {
	id       string
	store    *DocStore
	logger   *zap.Logger
	identity identity.RepoIdentity
	signer   *identity.Signer

	mu               sync.Mutex
	cb               adapter.Callbacks
	open             bool
	started          bool
	storageChannelID channel.ID
}

// New constructs a storage adapter over store, declaring ident as its own
// identity during handshake (spec §4.6: storage peers "declare themselves
// a 'service' peer"). A zero ident defaults PeerID to id and Type to
// identity.KindService. signer may be nil, matching every other caller of
// identity.Signer in this codebase: a nil signer produces an unsigned
// (empty) assertion and Verify accepts it.
func New(id string, store *DocStore, logger *zap.Logger, ident identity.RepoIdentity, signer *identity.Signer) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ident.PeerID == "" {
		ident.PeerID = id
	}
	if ident.Type == "" {
		ident.Type = identity.KindService
	}
	return &Adapter{id: id, store: store, logger: logger.With(zap.String("adapter_id", id)), identity: ident, signer: signer}
}

func (a *Adapter) ID() string   { return a.id }
func (a *Adapter) Type() string { return "storage" }

func (a *Adapter) Start(cb adapter.Callbacks) error {
	a.mu.Lock()
	a.cb = cb
	a.started = true
	a.open = true
	a.storageChannelID = channel.NextID()
	id := a.storageChannelID
	a.mu.Unlock()

	if cb.OnChannelOpen != nil {
		cb.OnChannelOpen(id, channel.Storage, a.id, a.Type())
	}
	return nil
}

func (a *Adapter) Stop() error {
	a.mu.Lock()
	wasOpen := a.open
	a.open = false
	cb := a.cb
	id := a.storageChannelID
	a.mu.Unlock()

	if wasOpen && cb.OnChannelClose != nil {
		cb.OnChannelClose(id)
	}
	return nil
}

func (a *Adapter) Flush() error { return nil }

func (a *Adapter) Channels() []channel.ID {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return nil
	}
	return []channel.ID{a.storageChannelID}
}

func (a *Adapter) KindOf(id channel.ID) (channel.Kind, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open || id != a.storageChannelID {
		return "", false
	}
	return channel.Storage, true
}

// SendEstablishment handles establish-request/response the same way an
// established send does: storage has no real handshake latency, so it
// answers synchronously regardless of envelope kind.
func (a *Adapter) SendEstablishment(env adapter.EstablishmentEnvelope) (int, error) {
	return a.handle(env.Message)
}

func (a *Adapter) Send(env adapter.EstablishedEnvelope) (int, error) {
	return a.handle(env.Message)
}

// handle answers protocol messages addressed to storage directly,
// in-process, rather than round-tripping through a socket: storage
// responds to directory-request and sync-request by reading DocStore,
// and accepts sync/update/delete by writing it (spec §4.6).
func (a *Adapter) handle(msg wire.ChannelMsg) (int, error) {
	a.mu.Lock()
	open := a.open
	cb := a.cb
	id := a.storageChannelID
	a.mu.Unlock()
	if !open {
		return 0, nil
	}

	reply, err := a.respond(msg)
	if err != nil {
		return 0, err
	}
	if reply == nil {
		return 1, nil
	}
	if cb.OnReceive != nil {
		cb.OnReceive(id, *reply)
	}
	return 1, nil
}

func (a *Adapter) respond(msg wire.ChannelMsg) (*wire.ChannelMsg, error) {
	switch msg.Type {
	case wire.TypeDirectoryRequest:
		ids, err := a.store.List()
		if err != nil {
			return nil, err
		}
		return &wire.ChannelMsg{Type: wire.TypeDirectoryResponse, DirectoryResponse: &wire.DirectoryResponse{DocIDs: ids}}, nil

	case wire.TypeDirectoryResponse:
		// Storage behaves exactly like a network peer here (spec §4.6):
		// every announced doc id is eagerly sync-requested, mirroring
		// internal/synchronizer/update.go's onDirectoryResponse instead of
		// waiting for a local subscriber to ask for it.
		if msg.DirectoryResponse == nil || len(msg.DirectoryResponse.DocIDs) == 0 {
			return nil, nil
		}
		batch := make([]wire.ChannelMsg, 0, len(msg.DirectoryResponse.DocIDs))
		for _, docID := range msg.DirectoryResponse.DocIDs {
			reqV, ok := a.store.KnownVersion(docID)
			if !ok {
				reqV = version.New()
			}
			batch = append(batch, wire.ChannelMsg{Type: wire.TypeSyncRequest, SyncRequest: &wire.SyncRequest{
				DocID: docID, RequesterVersion: reqV, Bidirectional: true,
			}})
		}
		if len(batch) == 1 {
			return &batch[0], nil
		}
		return &wire.ChannelMsg{Type: wire.TypeBatch, Batch: batch}, nil

	case wire.TypeSyncRequest:
		req := msg.SyncRequest
		data, v, ok, err := a.store.Diff(req.DocID, req.RequesterVersion)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &wire.ChannelMsg{Type: wire.TypeSync, Sync: &wire.SyncMessage{
				DocID:        req.DocID,
				Transmission: wire.SyncTransmission{Kind: wire.Unavailable},
			}}, nil
		}
		kind := wire.Update
		if len(data) == 0 {
			kind = wire.UpToDate
		} else if req.RequesterVersion.IsEmpty() {
			kind = wire.Snapshot
		}
		return &wire.ChannelMsg{Type: wire.TypeSync, Sync: &wire.SyncMessage{
			DocID:        req.DocID,
			Transmission: wire.SyncTransmission{Kind: kind, Data: data, Version: v},
		}}, nil

	case wire.TypeSync:
		if msg.Sync.Transmission.Kind == wire.Snapshot || msg.Sync.Transmission.Kind == wire.Update {
			if err := a.store.Put(msg.Sync.DocID, msg.Sync.Transmission.Version, msg.Sync.Transmission.Data); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case wire.TypeDelete:
		if err := a.store.Delete(msg.Delete.DocID); err != nil {
			return nil, err
		}
		return nil, nil

	case wire.TypeEphemeral:
		// spec §4.6: ephemeral messages are never sent over storage channels.
		return nil, nil

	case wire.TypeEstablishRequest:
		assertion, err := a.signer.Sign(a.identity)
		if err != nil {
			return nil, err
		}
		return &wire.ChannelMsg{Type: wire.TypeEstablishResponse, EstablishResponse: &wire.EstablishResponse{
			Identity: a.identity, Assertion: assertion,
		}}, nil

	case wire.TypeBatch:
		for _, inner := range msg.Batch {
			if _, err := a.respond(inner); err != nil {
				return nil, err
			}
		}
		return nil, nil

	default:
		return nil, nil
	}
}

// DocStore is the file-backed persistence layer storageadapter.Adapter
// drives. One file per (doc_id, frontier) keyed by a deterministic
// blake2b digest of the sorted version vector, so re-persisting identical
// state from two independent writers lands on the same path instead of
// accumulating duplicates (the frontier-keyed idempotent dedup spec §4.6
// requires without prescribing a format).
type DocStore struct {
	baseDir string
	sealer  *pqc.Sealer

	mu      sync.Mutex
	latest  map[string]version.Vector // doc_id -> highest version persisted
}

// NewDocStore constructs a DocStore rooted at baseDir. A nil sealer
// disables encryption at rest.
func NewDocStore(baseDir string, sealer *pqc.Sealer) (*DocStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("storageadapter: create base dir: %w", err)
	}
	if sealer == nil {
		sealer = pqc.NewSealer(nil)
	}
	return &DocStore{baseDir: baseDir, sealer: sealer, latest: make(map[string]version.Vector)}, nil
}

func frontierKey(docID string, v version.Vector) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h, _ := blake2b.New256(nil)
	h.Write([]byte(docID))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		fmt.Fprintf(h, "%d", v[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *DocStore) docDir(docID string) string {
	return filepath.Join(s.baseDir, hex.EncodeToString([]byte(docID)))
}

// Put persists data as docID's state at version v, skipping the write
// entirely if this exact frontier was already persisted (idempotent
// dedup).
func (s *DocStore) Put(docID string, v version.Vector, data []byte) error {
	dir := s.docDir(docID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storageadapter: create doc dir: %w", err)
	}

	key := frontierKey(docID, v)
	path := filepath.Join(dir, key+".bin")
	if _, err := os.Stat(path); err == nil {
		return nil // already persisted, frontier-keyed dedup
	}

	sealed, err := s.sealer.Seal(data)
	if err != nil {
		return fmt.Errorf("storageadapter: seal: %w", err)
	}
	if err := os.WriteFile(path, sealed, 0o644); err != nil {
		return fmt.Errorf("storageadapter: write: %w", err)
	}

	s.mu.Lock()
	prev, ok := s.latest[docID]
	if !ok {
		s.latest[docID] = v.Clone()
	} else {
		s.latest[docID] = version.Merge(prev, v)
	}
	s.mu.Unlock()
	return nil
}

// Diff returns the bytes for docID's latest persisted state, the version
// it represents, and whether docID is known at all. from is only used to
// detect a caller that is already up to date: when from is at least the
// latest version, no bytes are returned. Otherwise DocStore returns its
// single latest blob, the same "selective sync disabled" simplification
// spec §4.6 allows for storage peers.
func (s *DocStore) Diff(docID string, from version.Vector) ([]byte, version.Vector, bool, error) {
	s.mu.Lock()
	v, ok := s.latest[docID]
	s.mu.Unlock()
	if !ok {
		return nil, nil, false, nil
	}
	if version.AtLeast(from, v) {
		return nil, v, true, nil
	}

	path := filepath.Join(s.docDir(docID), frontierKey(docID, v)+".bin")
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, false, fmt.Errorf("storageadapter: read: %w", err)
	}
	data, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, nil, false, fmt.Errorf("storageadapter: open: %w", err)
	}
	return data, v, true, nil
}

// KnownVersion returns docID's highest persisted version without touching
// disk, for building an eager sync-request's RequesterVersion.
func (s *DocStore) KnownVersion(docID string) (version.Vector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.latest[docID]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// List returns every doc id this store has ever persisted.
func (s *DocStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.latest))
	for id := range s.latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes all persisted state for docID.
func (s *DocStore) Delete(docID string) error {
	s.mu.Lock()
	delete(s.latest, docID)
	s.mu.Unlock()

	if err := os.RemoveAll(s.docDir(docID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storageadapter: delete: %w", err)
	}
	return nil
}
