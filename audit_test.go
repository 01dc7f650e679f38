package carelog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func newTestChain(t *testing.T) (*AuditChain, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	chain, err := OpenAuditChain(context.Background(), backend, "replica-test", DefaultAuditChainConfig())
	if err != nil {
		t.Fatalf("OpenAuditChain failed: %v", err)
	}
	return chain, backend
}

func TestAuditChain_AppendAndVerify(t *testing.T) {
	chain, _ := newTestChain(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := chain.Append(ctx, "medic-1", AuditCreate, "rec-1", KindIncident); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
	if chain.Seq() != 5 {
		t.Errorf("Expected seq 5, got %d", chain.Seq())
	}

	result, err := chain.Verify(ctx, 1)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("Expected valid chain, tampered at seq %d", result.TamperedSeq)
	}
	if result.Checked != 5 {
		t.Errorf("Expected 5 entries checked, got %d", result.Checked)
	}
}

func TestAuditChain_DetectsTamper(t *testing.T) {
	chain, backend := newTestChain(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := chain.Append(ctx, "medic-1", AuditUpdate, "rec-1", KindIncident); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// Rewrite the actor of entry 3 behind the chain's back.
	data, err := backend.Read(ctx, auditKey(3))
	if err != nil {
		t.Fatalf("Read entry failed: %v", err)
	}
	var entry AuditEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("Decode entry failed: %v", err)
	}
	entry.ActorID = "intruder"
	data, _ = json.Marshal(entry)
	if err := backend.Write(ctx, auditKey(3), data); err != nil {
		t.Fatalf("Write tampered entry failed: %v", err)
	}

	result, err := chain.Verify(ctx, 1)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Valid {
		t.Fatal("Expected tamper detection")
	}
	if result.TamperedSeq != 3 {
		t.Errorf("Expected tamper at seq 3, got %d", result.TamperedSeq)
	}
}

func TestAuditChain_HaltsAfterTamper(t *testing.T) {
	chain, backend := newTestChain(t)
	ctx := context.Background()

	if _, err := chain.Append(ctx, "medic-1", AuditCreate, "rec-1", KindIncident); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	data, _ := backend.Read(ctx, auditKey(1))
	var entry AuditEntry
	_ = json.Unmarshal(data, &entry)
	entry.ResourceID = "rec-other"
	data, _ = json.Marshal(entry)
	_ = backend.Write(ctx, auditKey(1), data)

	// Reopen with verification: the chain must come up halted.
	reopened, err := OpenAuditChain(ctx, backend, "replica-test", DefaultAuditChainConfig())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if !reopened.Tampered() {
		t.Fatal("Expected reopened chain to be marked tampered")
	}
	if _, err := reopened.Append(ctx, "medic-1", AuditRead, "rec-1", KindIncident); !errors.Is(err, ErrChainTampered) {
		t.Errorf("Expected ErrChainTampered on halted chain, got %v", err)
	}
}

func TestAuditChain_CheckpointSkipsVerified(t *testing.T) {
	chain, _ := newTestChain(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := chain.Append(ctx, "medic-1", AuditCreate, "rec-1", KindIncident); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if _, err := chain.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	cp, err := chain.readCheckpoint(ctx)
	if err != nil {
		t.Fatalf("readCheckpoint failed: %v", err)
	}
	if cp.Seq != 4 {
		t.Errorf("Expected checkpoint at seq 4, got %d", cp.Seq)
	}

	// Later entries still verify from the checkpoint.
	if _, err := chain.Append(ctx, "medic-1", AuditUpdate, "rec-1", KindIncident); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	result, err := chain.Verify(ctx, cp.Seq+1)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Error("Expected valid chain from checkpoint")
	}
	if result.Checked != 1 {
		t.Errorf("Expected 1 entry checked from checkpoint, got %d", result.Checked)
	}
}

func TestAuditChain_CheckpointAnchorsPrefix(t *testing.T) {
	chain, backend := newTestChain(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := chain.Append(ctx, "medic-1", AuditCreate, "rec-1", KindIncident); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if _, err := chain.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	// Rewrite the whole verified prefix as a self-consistent forged chain:
	// every hash link recomputed, only the persisted checkpoint left alone.
	prevHash := ""
	for seq := uint64(1); seq <= 5; seq++ {
		data, err := backend.Read(ctx, auditKey(seq))
		if err != nil {
			t.Fatalf("Read entry %d failed: %v", seq, err)
		}
		var entry AuditEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			t.Fatalf("Decode entry %d failed: %v", seq, err)
		}
		entry.ActorID = "intruder"
		entry.PrevHash = prevHash
		entry.Hash = computeHash(entry.hashInput())
		prevHash = entry.Hash
		data, _ = json.Marshal(entry)
		if err := backend.Write(ctx, auditKey(seq), data); err != nil {
			t.Fatalf("Write forged entry %d failed: %v", seq, err)
		}
	}

	// The forged tail entry no longer matches the checkpointed hash, so
	// checkpoint-anchored verification must refuse it.
	result, err := chain.verifyFromCheckpoint(ctx)
	if err != nil {
		t.Fatalf("verifyFromCheckpoint failed: %v", err)
	}
	if result.Valid {
		t.Fatal("Expected forged prefix to fail checkpoint-anchored verification")
	}
	if result.TamperedSeq != 5 {
		t.Errorf("Expected tamper reported at checkpoint seq 5, got %d", result.TamperedSeq)
	}

	reopened, err := OpenAuditChain(ctx, backend, "replica-test", DefaultAuditChainConfig())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if !reopened.Tampered() {
		t.Error("Expected reopened chain to be marked tampered")
	}
}

func TestAuditChain_RecoverTailOnReopen(t *testing.T) {
	chain, backend := newTestChain(t)
	ctx := context.Background()

	last, err := chain.Append(ctx, "medic-1", AuditCreate, "rec-1", KindIncident)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	reopened, err := OpenAuditChain(ctx, backend, "replica-test", DefaultAuditChainConfig())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	entry, err := reopened.Append(ctx, "medic-1", AuditUpdate, "rec-1", KindIncident)
	if err != nil {
		t.Fatalf("Append after reopen failed: %v", err)
	}
	if entry.Seq != last.Seq+1 {
		t.Errorf("Expected seq %d after reopen, got %d", last.Seq+1, entry.Seq)
	}
	if entry.PrevHash != last.Hash {
		t.Error("Reopened chain lost its tail hash")
	}
}

func TestAuditChain_VerifyAndExport(t *testing.T) {
	chain, backend := newTestChain(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := chain.Append(ctx, "medic-1", AuditCreate, "rec-1", KindIncident); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	it, err := chain.VerifyAndExport(ctx, 0, 0)
	if err != nil {
		t.Fatalf("VerifyAndExport failed: %v", err)
	}
	if it.Len() != 3 {
		t.Errorf("Expected 3 exported entries, got %d", it.Len())
	}

	// A tampered chain refuses to export.
	data, _ := backend.Read(ctx, auditKey(2))
	var entry AuditEntry
	_ = json.Unmarshal(data, &entry)
	entry.ActorID = "intruder"
	data, _ = json.Marshal(entry)
	_ = backend.Write(ctx, auditKey(2), data)

	if _, err := chain.VerifyAndExport(ctx, 0, 0); !errors.Is(err, ErrChainTampered) {
		t.Errorf("Expected ErrChainTampered on export, got %v", err)
	}
}

func TestAuditChain_AtomicWithData(t *testing.T) {
	chain, backend := newTestChain(t)
	ctx := context.Background()

	_, err := chain.Append(ctx, "medic-1", AuditCreate, "rec-9", KindIncident,
		BatchWrite{Key: recordKey("rec-9"), Data: []byte(`{"id":"rec-9"}`)})
	if err != nil {
		t.Fatalf("Append with data failed: %v", err)
	}

	ok, err := backend.Exists(ctx, recordKey("rec-9"))
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !ok {
		t.Error("Data write did not land with the audit entry")
	}
}
