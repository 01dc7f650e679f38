// Package carelog is an embedded, disconnection-tolerant clinical record
// store. Each replica owns a complete local copy, keeps protected fields
// sealed at rest, resolves concurrent edits under per-field merge policies,
// and hash-chains every access into a tamper-evident audit log. Replicas
// reconcile pairwise over a resumable chunked sync protocol and converge
// without any central coordinator.
package carelog

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	keyMetaIdentity = keyPrefixMeta + "identity"
	keyMetaSealSalt = keyPrefixMeta + "seal_salt"
)

// replicaMeta is the persisted replica identity.
type replicaMeta struct {
	ReplicaID string `json:"replica_id"`
	CreatedAt int64  `json:"created_at"`
}

// Replica is the top-level handle: one open clinical record replica with
// its store, audit chain, policy table, change feed, and sync engine wired
// together.
type Replica struct {
	config   Config
	identity *ReplicaIdentity
	backend  StorageBackend
	sealer   *PayloadSealer
	chain    *AuditChain
	store    *RecordStore
	policies *PolicyTable
	syncer   *SyncManager
	hub      *ChangeHub
	archive  StorageBackend

	stopCh  chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// Open opens (or creates) a replica from configuration. The replica ID and
// key-derivation salt are persisted on first open and recovered afterwards,
// so restarts keep the same identity and can open previously sealed
// payloads.
func Open(ctx context.Context, cfg Config) (*Replica, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var backend StorageBackend
	if cfg.Path != "" {
		sqlCfg := cfg.SQLite
		sqlCfg.Path = cfg.Path
		b, err := NewSQLiteBackend(sqlCfg)
		if err != nil {
			return nil, err
		}
		backend = b
	} else {
		backend = NewMemoryBackend()
	}

	r := &Replica{
		config:  cfg,
		backend: backend,
		stopCh:  make(chan struct{}),
	}

	replicaID, err := r.recoverIdentity(ctx, cfg.ReplicaID)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	r.identity = NewReplicaIdentity(replicaID)

	sealer, err := r.recoverSealer(ctx, cfg.Sealing)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	r.sealer = sealer

	chain, err := OpenAuditChain(ctx, backend, replicaID, cfg.Audit)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	r.chain = chain

	if cfg.PolicyPath != "" {
		table, err := LoadPolicyTableFile(cfg.PolicyPath)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		r.policies = table
	} else {
		r.policies = DefaultPolicyTable()
	}

	r.hub = NewChangeHub(cfg.ChangeBuffer)

	store, err := NewRecordStore(ctx, backend, sealer, chain, r.hub, r.identity, cfg.Store)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	r.store = store

	r.syncer = NewSyncManager(store, r.identity, r.policies, cfg.Sync)

	if cfg.Archive != nil {
		archive, err := NewS3Backend(*cfg.Archive)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		r.archive = archive
	}

	if cfg.PurgeInterval > 0 {
		r.wg.Add(1)
		go r.purgeLoop(cfg.PurgeInterval)
	}

	log.Printf("replica %s open (backend=%T, audit seq=%d)", replicaID, backend, chain.Seq())
	return r, nil
}

func (r *Replica) recoverIdentity(ctx context.Context, configured string) (string, error) {
	data, err := r.backend.Read(ctx, keyMetaIdentity)
	if err == nil {
		var meta replicaMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return "", err
		}
		if configured != "" && configured != meta.ReplicaID {
			return "", errors.New("configured replica ID does not match the persisted identity")
		}
		return meta.ReplicaID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	id := configured
	if id == "" {
		id = uuid.New().String()
	}
	data, err = json.Marshal(replicaMeta{ReplicaID: id, CreatedAt: nowMillis()})
	if err != nil {
		return "", err
	}
	if err := r.backend.Write(ctx, keyMetaIdentity, data); err != nil {
		return "", err
	}
	return id, nil
}

func (r *Replica) recoverSealer(ctx context.Context, cfg SealConfig) (*PayloadSealer, error) {
	if cfg.Salt == nil && cfg.Secret != "" {
		salt, err := r.backend.Read(ctx, keyMetaSealSalt)
		if err == nil {
			cfg.Salt = salt
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	sealer, err := NewPayloadSealer(cfg)
	if err != nil {
		return nil, err
	}
	if len(sealer.Salt()) > 0 {
		if err := r.backend.Write(ctx, keyMetaSealSalt, sealer.Salt()); err != nil {
			return nil, err
		}
	}
	return sealer, nil
}

func (r *Replica) purgeLoop(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			n, err := r.store.PurgeExpired(context.Background(), time.Now())
			if err != nil {
				log.Printf("replica %s: tombstone purge: %v", r.identity.ID, err)
				continue
			}
			if n > 0 {
				log.Printf("replica %s: purged %d expired tombstones", r.identity.ID, n)
			}
		}
	}
}

// ID returns the replica's identity.
func (r *Replica) ID() string {
	return r.identity.ID
}

// Put writes a record on behalf of an actor.
func (r *Replica) Put(ctx context.Context, actorID string, rec *Record) error {
	return r.store.Put(ctx, actorID, rec)
}

// Get reads a record on behalf of an actor.
func (r *Replica) Get(ctx context.Context, actorID, id string) (*Record, error) {
	return r.store.Get(ctx, actorID, id)
}

// Delete tombstones a record on behalf of an actor.
func (r *Replica) Delete(ctx context.Context, actorID, id string) error {
	return r.store.Delete(ctx, actorID, id)
}

// Scan iterates live records of a kind whose index fields match the filter.
func (r *Replica) Scan(ctx context.Context, actorID string, kind RecordKind, filter func(index map[string]string) bool) (*RecordIterator, error) {
	return r.store.Scan(ctx, actorID, kind, filter)
}

// Conflicts lists the open conflict markers awaiting manual review.
func (r *Replica) Conflicts(ctx context.Context, actorID string) ([]*ConflictMarker, error) {
	return r.store.Conflicts(ctx, actorID)
}

// Subscribe returns a change feed subscription, optionally filtered by
// record kind.
func (r *Replica) Subscribe(kinds ...RecordKind) *ChangeSubscription {
	return r.hub.Subscribe(kinds...)
}

// Sync runs one session against a peer over an established transport.
func (r *Replica) Sync(ctx context.Context, peerID string, transport Transport) error {
	return r.syncer.Sync(ctx, peerID, transport)
}

// SyncPeer dials a peer's WebSocket endpoint and syncs, retrying with
// backoff and resume on retryable failures.
func (r *Replica) SyncPeer(ctx context.Context, peerID, url string) error {
	return r.syncer.SyncWithRedial(ctx, peerID, func(ctx context.Context) (Transport, error) {
		return DialPeer(ctx, url)
	})
}

// Serve handles one inbound sync session as the responder.
func (r *Replica) Serve(ctx context.Context, transport Transport) error {
	return r.syncer.Serve(ctx, transport)
}

// SyncHandler returns an HTTP handler accepting inbound sync sessions.
func (r *Replica) SyncHandler() http.HandlerFunc {
	return SyncHandler(r.syncer.Serve)
}

// VerifyAudit verifies the audit chain from a sequence number (zero for the
// full chain).
func (r *Replica) VerifyAudit(ctx context.Context, fromSeq uint64) (*VerificationResult, error) {
	return r.chain.Verify(ctx, fromSeq)
}

// AuditTrail verifies and returns audit entries over [fromSeq, toSeq].
func (r *Replica) AuditTrail(ctx context.Context, fromSeq, toSeq uint64) (*AuditIterator, error) {
	return r.chain.VerifyAndExport(ctx, fromSeq, toSeq)
}

// ExportArchive mirrors all sealed records and the verified audit chain to
// the configured archive backend.
func (r *Replica) ExportArchive(ctx context.Context, actorID string) (int, error) {
	if r.archive == nil {
		return 0, errors.New("no archive backend configured")
	}
	return r.store.ExportArchive(ctx, actorID, r.archive)
}

// ReplicaStats aggregates statistics across subsystems.
type ReplicaStats struct {
	ReplicaID string     `json:"replica_id"`
	Store     StoreStats `json:"store"`
	Audit     AuditStats `json:"audit"`
	Sync      SyncStats  `json:"sync"`
}

// Stats returns current replica statistics.
func (r *Replica) Stats() ReplicaStats {
	return ReplicaStats{
		ReplicaID: r.identity.ID,
		Store:     r.store.Stats(),
		Audit:     r.chain.Stats(),
		Sync:      r.syncer.Stats(),
	}
}

// Close stops background work and closes the storage backends.
func (r *Replica) Close() error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	close(r.stopCh)
	r.wg.Wait()
	r.hub.Close()

	var err error
	if r.archive != nil {
		if cerr := r.archive.Close(); cerr != nil {
			err = cerr
		}
	}
	if cerr := r.backend.Close(); cerr != nil {
		err = cerr
	}
	return err
}
