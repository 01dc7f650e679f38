package carelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// RecordStoreConfig configures the encrypted record store.
type RecordStoreConfig struct {
	// TombstoneRetention is how long logically deleted records are kept
	// before physical purge. Never zero in production; the default is 90
	// days.
	TombstoneRetention time.Duration
}

// DefaultRecordStoreConfig returns sensible defaults.
func DefaultRecordStoreConfig() RecordStoreConfig {
	return RecordStoreConfig{
		TombstoneRetention: 90 * 24 * time.Hour,
	}
}

// RecordStore is the per-device encrypted record store. PHI payload fields
// are sealed at rest; cleartext index fields serve Scan queries. Every data
// operation appends to the audit chain in the same backend commit, so a
// failed audit append leaves the data untouched.
type RecordStore struct {
	backend  StorageBackend
	sealer   *PayloadSealer
	chain    *AuditChain
	hub      *ChangeHub
	identity *ReplicaIdentity
	config   RecordStoreConfig

	// snapMu serializes sync snapshots against writers: a write arriving
	// mid-negotiation is either fully included in the snapshot or fully
	// excluded, never half-reflected.
	snapMu sync.RWMutex

	// lockMu guards the per-record lock map. Writes to the same record ID
	// are serialized; different record IDs proceed independently.
	lockMu   sync.Mutex
	recLocks map[string]*sync.Mutex

	statsMu sync.Mutex
	stats   StoreStats
}

// StoreStats contains statistics about the record store.
type StoreStats struct {
	Puts      uint64 `json:"puts"`
	Gets      uint64 `json:"gets"`
	Deletes   uint64 `json:"deletes"`
	Merges    uint64 `json:"merges"`
	Conflicts uint64 `json:"conflicts"`
	Purged    uint64 `json:"purged"`
}

// NewRecordStore creates a record store bound to a replica identity and its
// audit chain, recovering the identity's revision clock from persisted
// records so a restart never reissues a revision.
func NewRecordStore(ctx context.Context, backend StorageBackend, sealer *PayloadSealer, chain *AuditChain, hub *ChangeHub, identity *ReplicaIdentity, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.TombstoneRetention <= 0 {
		cfg.TombstoneRetention = 90 * 24 * time.Hour
	}
	s := &RecordStore{
		backend:  backend,
		sealer:   sealer,
		chain:    chain,
		hub:      hub,
		identity: identity,
		config:   cfg,
		recLocks: make(map[string]*sync.Mutex),
	}

	keys, err := backend.List(ctx, keyPrefixRecord)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeIO, "list records on open", "", err)
	}
	for _, key := range keys {
		st, err := s.readStored(ctx, key)
		if err != nil {
			return nil, err
		}
		identity.Observe(st.Vector.Get(identity.ID))
	}

	return s, nil
}

func recordKey(id string) string {
	return keyPrefixRecord + id
}

func conflictKey(id string) string {
	return keyPrefixConflict + id
}

func (s *RecordStore) recLock(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.recLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.recLocks[id] = mu
	}
	return mu
}

func (s *RecordStore) readStored(ctx context.Context, key string) (*StoredRecord, error) {
	data, err := s.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	var st StoredRecord
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, newStoreError(StoreErrorTypeIO, "decode stored record", key, err)
	}
	return &st, nil
}

// commit seals and persists a record together with its audit entry and any
// additional writes, all in one atomic batch.
func (s *RecordStore) commit(ctx context.Context, actorID string, action AuditAction, rec *Record, extra ...BatchWrite) error {
	st, err := sealRecord(rec, s.sealer)
	if err != nil {
		return newStoreError(StoreErrorTypeIO, "seal record", rec.ID, err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return newStoreError(StoreErrorTypeIO, "encode stored record", rec.ID, err)
	}

	writes := append([]BatchWrite{{Key: recordKey(rec.ID), Data: data}}, extra...)

	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	if _, err := s.chain.Append(ctx, actorID, action, rec.ID, rec.Kind, writes...); err != nil {
		return err
	}
	return nil
}

// Put writes a record locally: the write is stamped with a fresh revision,
// sealed, audited, and committed atomically. Concurrent Puts to the same
// record ID are serialized.
func (s *RecordStore) Put(ctx context.Context, actorID string, rec *Record) error {
	if !ValidKind(rec.Kind) {
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	if rec.ID == "" {
		return errors.New("record ID is required")
	}

	mu := s.recLock(rec.ID)
	mu.Lock()
	defer mu.Unlock()

	action := AuditUpdate
	change := ChangeUpdated
	exists, err := s.backend.Exists(ctx, recordKey(rec.ID))
	if err != nil {
		return newStoreError(StoreErrorTypeIO, "check record", rec.ID, err)
	}
	if !exists {
		action = AuditCreate
		change = ChangeCreated
	}

	s.identity.Stamp(rec)

	if err := s.commit(ctx, actorID, action, rec); err != nil {
		return err
	}

	s.bumpStats(func(st *StoreStats) { st.Puts++ })
	s.hub.Publish(ChangeEvent{Type: change, RecordID: rec.ID, Kind: rec.Kind, At: rec.UpdatedAt})
	return nil
}

// Get reads and opens a record. The access is audited before the sealed
// payload is opened; a decryption failure is reported per record and is a
// distinct error from not-found.
func (s *RecordStore) Get(ctx context.Context, actorID, id string) (*Record, error) {
	st, err := s.readStored(ctx, recordKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newStoreError(StoreErrorTypeNotFound, "record not found", id, nil)
		}
		return nil, err
	}

	if _, err := s.chain.Append(ctx, actorID, AuditRead, id, st.Kind); err != nil {
		return nil, err
	}
	s.bumpStats(func(stats *StoreStats) { stats.Gets++ })

	return openRecord(st, s.sealer)
}

// Delete tombstones a record. The record is retained until the retention
// deadline; the tombstone replicates like any other write.
func (s *RecordStore) Delete(ctx context.Context, actorID, id string) error {
	mu := s.recLock(id)
	mu.Lock()
	defer mu.Unlock()

	st, err := s.readStored(ctx, recordKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return newStoreError(StoreErrorTypeNotFound, "record not found", id, nil)
		}
		return err
	}

	rec, err := openRecord(st, s.sealer)
	if err != nil {
		return err
	}
	rec.Tombstone = true
	rec.DeletedAt = nowMillis()
	s.identity.Stamp(rec)

	if err := s.commit(ctx, actorID, AuditDelete, rec); err != nil {
		return err
	}

	s.bumpStats(func(stats *StoreStats) { stats.Deletes++ })
	s.hub.Publish(ChangeEvent{Type: ChangeDeleted, RecordID: rec.ID, Kind: rec.Kind, At: rec.UpdatedAt})
	return nil
}

// RecordIterator is a finite, restartable cursor over scan results. A record
// whose sealed payload fails to open surfaces that error from Next without
// ending the iteration; callers skip it and continue.
type RecordIterator struct {
	store  *RecordStore
	ctx    context.Context
	keys   []string
	pos    int
	kind   RecordKind
	filter func(index map[string]string) bool
}

// Next returns the next matching record, or (nil, nil) when exhausted.
func (it *RecordIterator) Next() (*Record, error) {
	for it.pos < len(it.keys) {
		key := it.keys[it.pos]
		it.pos++

		st, err := it.store.readStored(it.ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Purged between List and Read.
				continue
			}
			return nil, err
		}
		if st.Tombstone || st.Kind != it.kind {
			continue
		}
		if it.filter != nil && !it.filter(st.Index) {
			continue
		}
		rec, err := openRecord(st, it.store.sealer)
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, nil
}

// Reset restarts the iteration from the beginning.
func (it *RecordIterator) Reset() {
	it.pos = 0
}

// Scan returns an iterator over live records of a kind whose cleartext index
// fields match the filter. Filtering never touches sealed content: that is
// the queryability half of the cleartext-index tradeoff.
func (s *RecordStore) Scan(ctx context.Context, actorID string, kind RecordKind, filter func(index map[string]string) bool) (*RecordIterator, error) {
	if !ValidKind(kind) {
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}

	keys, err := s.backend.List(ctx, keyPrefixRecord)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeIO, "list records", "", err)
	}

	if _, err := s.chain.Append(ctx, actorID, AuditRead, "scan", kind); err != nil {
		return nil, err
	}

	return &RecordIterator{
		store:  s,
		ctx:    ctx,
		keys:   keys,
		kind:   kind,
		filter: filter,
	}, nil
}

// Snapshot returns the raw stored form of every record, taken atomically
// with respect to local writes. The sync driver negotiates from this.
func (s *RecordStore) Snapshot(ctx context.Context) ([]*StoredRecord, error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	keys, err := s.backend.List(ctx, keyPrefixRecord)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeIO, "snapshot list", "", err)
	}
	out := make([]*StoredRecord, 0, len(keys))
	for _, key := range keys {
		st, err := s.readStored(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ApplyRemote integrates a record received from a peer. Dominant remote
// versions are applied as-is (idempotently: re-applying the same version is
// a no-op), dominated ones are ignored, and concurrent ones are resolved
// under the policy table. The returned outcome is non-nil only when a merge
// or conflict occurred.
func (s *RecordStore) ApplyRemote(ctx context.Context, actorID string, remote *StoredRecord, table *PolicyTable) (*MergeOutcome, error) {
	mu := s.recLock(remote.ID)
	mu.Lock()
	defer mu.Unlock()

	localStored, err := s.readStored(ctx, recordKey(remote.ID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if localStored == nil {
		if err := s.commitStored(ctx, actorID, AuditUpdate, remote); err != nil {
			return nil, err
		}
		s.hub.Publish(ChangeEvent{Type: ChangeCreated, RecordID: remote.ID, Kind: remote.Kind, At: remote.UpdatedAt})
		return nil, nil
	}

	switch localStored.Vector.Compare(remote.Vector) {
	case OrderingAfter, OrderingEqual:
		// Local already reflects the remote version.
		return nil, nil
	case OrderingBefore:
		if err := s.commitStored(ctx, actorID, AuditUpdate, remote); err != nil {
			return nil, err
		}
		s.hub.Publish(ChangeEvent{Type: ChangeUpdated, RecordID: remote.ID, Kind: remote.Kind, At: remote.UpdatedAt})
		return nil, nil
	}

	// Concurrent: open both versions and resolve.
	localRec, err := openRecord(localStored, s.sealer)
	if err != nil {
		return nil, err
	}
	remoteRec, err := openRecord(remote, s.sealer)
	if err != nil {
		return nil, err
	}

	outcome, err := Resolve(localRec, remoteRec, table)
	if err != nil {
		return nil, err
	}

	if outcome.Merged != nil {
		if err := s.commit(ctx, actorID, AuditMerge, outcome.Merged); err != nil {
			return nil, err
		}
		s.bumpStats(func(stats *StoreStats) { stats.Merges++ })
		s.hub.Publish(ChangeEvent{Type: ChangeMerged, RecordID: outcome.Merged.ID, Kind: outcome.Merged.Kind, At: outcome.Merged.UpdatedAt})
		return outcome, nil
	}

	// Manual review: persist the marker (with both inputs sealed) and the
	// review record in the same commit as the merge audit entry. The local
	// version stays in place until a reviewer decides. The marker ID is a
	// deterministic function of the pair, so a conflict already flagged in
	// an earlier round (or independently by the peer) is not re-minted --
	// re-running sync with no new writes leaves the record set unchanged.
	exists, err := s.backend.Exists(ctx, conflictKey(outcome.Conflict.ID))
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}
	markerWrite, err := s.sealConflict(outcome.Conflict)
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, actorID, AuditMerge, outcome.Review, markerWrite); err != nil {
		return nil, err
	}
	s.bumpStats(func(stats *StoreStats) { stats.Conflicts++ })
	s.hub.Publish(ChangeEvent{Type: ChangeConflict, RecordID: outcome.Conflict.RecordID, Kind: outcome.Conflict.Kind, At: outcome.Conflict.CreatedAt})
	return outcome, nil
}

// commitStored persists an already-sealed record received from a peer,
// coupled with its audit entry. Payloads are never re-encrypted in transit
// or on relay.
func (s *RecordStore) commitStored(ctx context.Context, actorID string, action AuditAction, st *StoredRecord) error {
	data, err := json.Marshal(st)
	if err != nil {
		return newStoreError(StoreErrorTypeIO, "encode stored record", st.ID, err)
	}
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	if _, err := s.chain.Append(ctx, actorID, action, st.ID, st.Kind, BatchWrite{Key: recordKey(st.ID), Data: data}); err != nil {
		return err
	}
	return nil
}

// storedConflict is the persisted form of a conflict marker: both inputs in
// their sealed form.
type storedConflict struct {
	ID             string        `json:"id"`
	RecordID       string        `json:"record_id"`
	Kind           RecordKind    `json:"kind"`
	Fields         []string      `json:"fields"`
	ReviewRecordID string        `json:"review_record_id"`
	CreatedAt      int64         `json:"created_at"`
	Local          *StoredRecord `json:"local"`
	Remote         *StoredRecord `json:"remote"`
}

func (s *RecordStore) sealConflict(marker *ConflictMarker) (BatchWrite, error) {
	localSt, err := sealRecord(marker.Local, s.sealer)
	if err != nil {
		return BatchWrite{}, newStoreError(StoreErrorTypeIO, "seal conflict local", marker.RecordID, err)
	}
	remoteSt, err := sealRecord(marker.Remote, s.sealer)
	if err != nil {
		return BatchWrite{}, newStoreError(StoreErrorTypeIO, "seal conflict remote", marker.RecordID, err)
	}
	sc := storedConflict{
		ID:             marker.ID,
		RecordID:       marker.RecordID,
		Kind:           marker.Kind,
		Fields:         marker.Fields,
		ReviewRecordID: marker.ReviewRecordID,
		CreatedAt:      marker.CreatedAt,
		Local:          localSt,
		Remote:         remoteSt,
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return BatchWrite{}, newStoreError(StoreErrorTypeIO, "encode conflict marker", marker.RecordID, err)
	}
	return BatchWrite{Key: conflictKey(marker.ID), Data: data}, nil
}

// Conflicts returns all open conflict markers with both inputs opened for
// review.
func (s *RecordStore) Conflicts(ctx context.Context, actorID string) ([]*ConflictMarker, error) {
	keys, err := s.backend.List(ctx, keyPrefixConflict)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeIO, "list conflicts", "", err)
	}

	var out []*ConflictMarker
	for _, key := range keys {
		data, err := s.backend.Read(ctx, key)
		if err != nil {
			return nil, err
		}
		var sc storedConflict
		if err := json.Unmarshal(data, &sc); err != nil {
			return nil, newStoreError(StoreErrorTypeIO, "decode conflict marker", key, err)
		}
		local, err := openRecord(sc.Local, s.sealer)
		if err != nil {
			return nil, err
		}
		remote, err := openRecord(sc.Remote, s.sealer)
		if err != nil {
			return nil, err
		}
		if _, err := s.chain.Append(ctx, actorID, AuditRead, sc.RecordID, sc.Kind); err != nil {
			return nil, err
		}
		out = append(out, &ConflictMarker{
			ID:             sc.ID,
			RecordID:       sc.RecordID,
			Kind:           sc.Kind,
			Fields:         sc.Fields,
			Local:          local,
			Remote:         remote,
			ReviewRecordID: sc.ReviewRecordID,
			CreatedAt:      sc.CreatedAt,
		})
	}
	return out, nil
}

// PurgeExpired physically removes tombstoned records whose retention
// deadline has passed. Audit entries are never purged here; they live under
// the audit chain's own compliance window.
func (s *RecordStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	keys, err := s.backend.List(ctx, keyPrefixRecord)
	if err != nil {
		return 0, newStoreError(StoreErrorTypeIO, "purge list", "", err)
	}

	deadline := now.Add(-s.config.TombstoneRetention).UnixMilli()
	purged := 0
	for _, key := range keys {
		st, err := s.readStored(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return purged, err
		}
		if !st.Tombstone || st.DeletedAt == 0 || st.DeletedAt > deadline {
			continue
		}

		mu := s.recLock(st.ID)
		mu.Lock()
		err = s.backend.Delete(ctx, key)
		mu.Unlock()
		if err != nil {
			return purged, newStoreError(StoreErrorTypeIO, "purge record", st.ID, err)
		}
		purged++
	}

	if purged > 0 {
		s.bumpStats(func(stats *StoreStats) { stats.Purged += uint64(purged) })
	}
	return purged, nil
}

// ExportArchive mirrors every sealed record and the verified audit chain to
// an archive backend (S3 on the central replica). Payloads stay sealed; the
// export itself is audited.
func (s *RecordStore) ExportArchive(ctx context.Context, actorID string, archive StorageBackend) (int, error) {
	records, err := s.Snapshot(ctx)
	if err != nil {
		return 0, err
	}

	exported := 0
	for _, st := range records {
		data, err := json.Marshal(st)
		if err != nil {
			return exported, newStoreError(StoreErrorTypeIO, "encode archive record", st.ID, err)
		}
		if err := archive.Write(ctx, recordKey(st.ID), data); err != nil {
			return exported, err
		}
		exported++
	}

	it, err := s.chain.VerifyAndExport(ctx, 1, 0)
	if err != nil {
		return exported, err
	}
	for entry := it.Next(); entry != nil; entry = it.Next() {
		data, _ := json.Marshal(entry)
		if err := archive.Write(ctx, auditKey(entry.Seq), data); err != nil {
			return exported, err
		}
	}

	if _, err := s.chain.Append(ctx, actorID, AuditExport, "archive", ""); err != nil {
		return exported, err
	}
	return exported, nil
}

func (s *RecordStore) bumpStats(fn func(*StoreStats)) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	fn(&s.stats)
}

// Stats returns current store statistics.
func (s *RecordStore) Stats() StoreStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}
