package carelog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditAction is the operation class recorded in an audit entry.
type AuditAction string

const (
	AuditCreate AuditAction = "create"
	AuditRead   AuditAction = "read"
	AuditUpdate AuditAction = "update"
	AuditDelete AuditAction = "delete"
	AuditExport AuditAction = "export"
	AuditMerge  AuditAction = "merge"
)

// AuditEntry is one link in the per-replica tamper-evident chain. Entries are
// append-only and immutable once written; they are retained for the full
// compliance window regardless of record retention.
type AuditEntry struct {
	ID           string      `json:"id"`
	Seq          uint64      `json:"seq"`
	Timestamp    int64       `json:"timestamp"` // unix nanoseconds
	ReplicaID    string      `json:"replica_id"`
	ActorID      string      `json:"actor_id"`
	Action       AuditAction `json:"action"`
	ResourceID   string      `json:"resource_id"`
	ResourceKind RecordKind  `json:"resource_kind"`
	PrevHash     string      `json:"prev_hash"`
	Hash         string      `json:"hash"`
}

// hashInput builds the canonical pre-image for the entry hash. Every field
// that must be tamper-evident participates, plus the previous entry's hash.
func (e *AuditEntry) hashInput() string {
	return strings.Join([]string{
		strconv.FormatUint(e.Seq, 10),
		strconv.FormatInt(e.Timestamp, 10),
		e.ReplicaID,
		e.ActorID,
		string(e.Action),
		e.ResourceID,
		string(e.ResourceKind),
		e.PrevHash,
	}, "|")
}

func computeHash(data string) string {
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// VerificationResult reports the outcome of a chain verification pass.
type VerificationResult struct {
	Valid       bool   `json:"valid"`
	TamperedSeq uint64 `json:"tampered_seq,omitempty"`
	TamperedID  string `json:"tampered_id,omitempty"`
	Checked     int    `json:"checked"`
}

// AuditChainConfig configures the audit chain.
type AuditChainConfig struct {
	// RetentionPeriod is the compliance retention window. Entries younger
	// than this are never deleted. Zero means retain forever.
	RetentionPeriod time.Duration

	// VerifyOnOpen controls boot-time verification. When true the chain is
	// re-verified incrementally from the last checkpoint before any append
	// is accepted.
	VerifyOnOpen bool
}

// DefaultAuditChainConfig returns sensible defaults.
func DefaultAuditChainConfig() AuditChainConfig {
	return AuditChainConfig{
		RetentionPeriod: 6 * 365 * 24 * time.Hour,
		VerifyOnOpen:    true,
	}
}

// auditCheckpoint is the persisted high-water mark of verified entries.
// Boot-time verification resumes from here instead of rescanning the full
// chain, keeping startup latency bounded.
type auditCheckpoint struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

const auditCheckpointKey = keyPrefixMeta + "audit_checkpoint"

// AuditChain is the per-replica append-only hash-linked access log. It is an
// explicit object owned by the record store, tied to replica registration;
// it is never torn down by process lifecycle, only by retention policy.
type AuditChain struct {
	backend   StorageBackend
	replicaID string
	config    AuditChainConfig

	mu       sync.Mutex
	seq      uint64
	lastHash string
	tampered bool
}

// OpenAuditChain opens (or starts) the chain for a replica, recovering the
// tail from storage. With VerifyOnOpen set, the persisted chain is verified
// from the last checkpoint; a detected tamper puts the chain into the halted
// state in which all appends fail with ErrChainTampered.
func OpenAuditChain(ctx context.Context, backend StorageBackend, replicaID string, cfg AuditChainConfig) (*AuditChain, error) {
	c := &AuditChain{
		backend:   backend,
		replicaID: replicaID,
		config:    cfg,
	}

	keys, err := backend.List(ctx, keyPrefixAudit)
	if err != nil {
		return nil, newAuditError(AuditErrorTypeAppend, "list audit entries", 0, err)
	}
	if len(keys) > 0 {
		last, err := c.readEntry(ctx, keys[len(keys)-1])
		if err != nil {
			return nil, err
		}
		c.seq = last.Seq
		c.lastHash = last.Hash
	}

	if cfg.VerifyOnOpen && len(keys) > 0 {
		result, err := c.verifyFromCheckpoint(ctx)
		if err != nil {
			return nil, err
		}
		if !result.Valid {
			c.mu.Lock()
			c.tampered = true
			c.mu.Unlock()
			log.Printf("carelog: audit chain for replica %s tampered at seq %d; appends halted", replicaID, result.TamperedSeq)
		}
	}

	return c, nil
}

func auditKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", keyPrefixAudit, seq)
}

func (c *AuditChain) readEntry(ctx context.Context, key string) (*AuditEntry, error) {
	data, err := c.backend.Read(ctx, key)
	if err != nil {
		return nil, newAuditError(AuditErrorTypeAppend, "read audit entry", 0, err)
	}
	var e AuditEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, newAuditError(AuditErrorTypeAppend, "decode audit entry", 0, err)
	}
	return &e, nil
}

func (c *AuditChain) readCheckpoint(ctx context.Context) (*auditCheckpoint, error) {
	data, err := c.backend.Read(ctx, auditCheckpointKey)
	if err != nil {
		return nil, err
	}
	var cp auditCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Append creates the next chain entry and persists it atomically together
// with any extra writes from the caller. The record store passes its data
// mutation here so that a failed audit append leaves the data uncommitted.
func (c *AuditChain) Append(ctx context.Context, actorID string, action AuditAction, resourceID string, resourceKind RecordKind, extra ...BatchWrite) (*AuditEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tampered {
		return nil, newAuditError(AuditErrorTypeTampered, "appends halted on tampered chain", c.seq, nil)
	}

	entry := &AuditEntry{
		ID:           uuid.NewString(),
		Seq:          c.seq + 1,
		Timestamp:    time.Now().UTC().UnixNano(),
		ReplicaID:    c.replicaID,
		ActorID:      actorID,
		Action:       action,
		ResourceID:   resourceID,
		ResourceKind: resourceKind,
		PrevHash:     c.lastHash,
	}
	entry.Hash = computeHash(entry.hashInput())

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, newAuditError(AuditErrorTypeAppend, "encode audit entry", entry.Seq, err)
	}

	writes := append([]BatchWrite{{Key: auditKey(entry.Seq), Data: data}}, extra...)
	if err := c.backend.WriteBatch(ctx, writes); err != nil {
		return nil, newAuditError(AuditErrorTypeAppend, "persist audit entry", entry.Seq, err)
	}

	c.seq = entry.Seq
	c.lastHash = entry.Hash
	return entry, nil
}

// Verify recomputes the chain from the given sequence number and reports the
// first entry whose persisted hash does not match its recomputed hash. The
// chain is tampered from that point forward.
func (c *AuditChain) Verify(ctx context.Context, fromSeq uint64) (*VerificationResult, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}

	prevHash := ""
	if fromSeq > 1 {
		prev, err := c.readEntry(ctx, auditKey(fromSeq-1))
		if err != nil {
			return nil, err
		}
		prevHash = prev.Hash
	}
	return c.verifyLinked(ctx, fromSeq, prevHash)
}

// verifyFromCheckpoint verifies the chain tail anchored on the persisted
// checkpoint hash rather than on the stored entry it points at. The entry at
// the checkpoint must still match the checkpointed hash, so a consistently
// rewritten verified prefix fails instead of passing as already-attested.
func (c *AuditChain) verifyFromCheckpoint(ctx context.Context) (*VerificationResult, error) {
	cp, err := c.readCheckpoint(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.Verify(ctx, 1)
		}
		return nil, newAuditError(AuditErrorTypeAppend, "read audit checkpoint", 0, err)
	}

	anchor, err := c.readEntry(ctx, auditKey(cp.Seq))
	if err != nil {
		return nil, err
	}
	if anchor.Hash != cp.Hash || anchor.Hash != computeHash(anchor.hashInput()) {
		return &VerificationResult{
			Valid:       false,
			TamperedSeq: anchor.Seq,
			TamperedID:  anchor.ID,
			Checked:     1,
		}, nil
	}
	return c.verifyLinked(ctx, cp.Seq+1, cp.Hash)
}

func (c *AuditChain) verifyLinked(ctx context.Context, fromSeq uint64, prevHash string) (*VerificationResult, error) {
	keys, err := c.backend.List(ctx, keyPrefixAudit)
	if err != nil {
		return nil, newAuditError(AuditErrorTypeAppend, "list audit entries", 0, err)
	}

	result := &VerificationResult{Valid: true}
	expectedSeq := fromSeq
	for _, key := range keys {
		if key < auditKey(fromSeq) {
			continue
		}
		entry, err := c.readEntry(ctx, key)
		if err != nil {
			return nil, err
		}
		result.Checked++

		if entry.Seq != expectedSeq || entry.PrevHash != prevHash || entry.Hash != computeHash(entry.hashInput()) {
			result.Valid = false
			result.TamperedSeq = entry.Seq
			result.TamperedID = entry.ID
			return result, nil
		}
		prevHash = entry.Hash
		expectedSeq = entry.Seq + 1
	}

	return result, nil
}

// Checkpoint verifies the chain from the last checkpoint and, when valid,
// advances the persisted checkpoint to the current tail.
func (c *AuditChain) Checkpoint(ctx context.Context) (*VerificationResult, error) {
	result, err := c.verifyFromCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		c.markTampered(result.TamperedSeq)
		return result, nil
	}

	c.mu.Lock()
	cp := auditCheckpoint{Seq: c.seq, Hash: c.lastHash}
	c.mu.Unlock()
	if cp.Seq == 0 {
		return result, nil
	}

	data, _ := json.Marshal(cp)
	if err := c.backend.Write(ctx, auditCheckpointKey, data); err != nil {
		return nil, newAuditError(AuditErrorTypeAppend, "persist audit checkpoint", cp.Seq, err)
	}
	return result, nil
}

func (c *AuditChain) markTampered(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tampered {
		c.tampered = true
		log.Printf("carelog: audit chain for replica %s tampered at seq %d; appends halted", c.replicaID, seq)
	}
}

// Tampered reports whether the chain has been marked tampered.
func (c *AuditChain) Tampered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tampered
}

// Seq returns the sequence number of the chain tail.
func (c *AuditChain) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// AuditIterator is a read-only cursor over a verified range of entries.
type AuditIterator struct {
	entries []AuditEntry
	pos     int
}

// Next returns the next entry, or nil when exhausted.
func (it *AuditIterator) Next() *AuditEntry {
	if it.pos >= len(it.entries) {
		return nil
	}
	e := it.entries[it.pos]
	it.pos++
	return &e
}

// Len returns the number of entries in the iterator.
func (it *AuditIterator) Len() int {
	return len(it.entries)
}

// VerifyAndExport verifies the chain over [fromSeq, toSeq] and returns an
// iterator over the verified entries for compliance tooling. toSeq of zero
// means the current tail. A tampered range fails with ErrChainTampered.
func (c *AuditChain) VerifyAndExport(ctx context.Context, fromSeq, toSeq uint64) (*AuditIterator, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	if toSeq == 0 {
		toSeq = c.Seq()
	}

	result, err := c.Verify(ctx, fromSeq)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		c.markTampered(result.TamperedSeq)
		return nil, newAuditError(AuditErrorTypeTampered, "export refused", result.TamperedSeq, nil)
	}

	var entries []AuditEntry
	for seq := fromSeq; seq <= toSeq; seq++ {
		entry, err := c.readEntry(ctx, auditKey(seq))
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return &AuditIterator{entries: entries}, nil
}

// AuditStats contains statistics about the audit chain.
type AuditStats struct {
	TotalEntries uint64 `json:"total_entries"`
	Tampered     bool   `json:"tampered"`
	LastHash     string `json:"last_hash"`
}

// Stats returns current chain statistics.
func (c *AuditChain) Stats() AuditStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return AuditStats{
		TotalEntries: c.seq,
		Tampered:     c.tampered,
		LastHash:     c.lastHash,
	}
}
