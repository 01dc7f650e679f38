package carelog

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

type syncTestReplica struct {
	identity *ReplicaIdentity
	store    *RecordStore
	manager  *SyncManager
}

func newSyncTestReplica(t *testing.T, id string, cfg SyncConfig) *syncTestReplica {
	t.Helper()
	backend := NewMemoryBackend()
	// Replicas of one deployment share the sealing key.
	sealer, err := NewPayloadSealer(SealConfig{Key: bytes.Repeat([]byte{0x42}, SealKeySize)})
	if err != nil {
		t.Fatalf("NewPayloadSealer failed: %v", err)
	}
	chain, err := OpenAuditChain(context.Background(), backend, id, DefaultAuditChainConfig())
	if err != nil {
		t.Fatalf("OpenAuditChain failed: %v", err)
	}
	identity := NewReplicaIdentity(id)
	store, err := NewRecordStore(context.Background(), backend, sealer, chain, NewChangeHub(16), identity, DefaultRecordStoreConfig())
	if err != nil {
		t.Fatalf("NewRecordStore failed: %v", err)
	}
	return &syncTestReplica{
		identity: identity,
		store:    store,
		manager:  NewSyncManager(store, identity, DefaultPolicyTable(), cfg),
	}
}

// syncOnce runs one initiator/responder session between a and b over an
// in-memory pipe.
func syncOnce(t *testing.T, a, b *syncTestReplica) error {
	t.Helper()
	ta, tb := Pipe()
	defer ta.Close()
	defer tb.Close()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- b.manager.Serve(context.Background(), tb)
	}()

	err := a.manager.Sync(context.Background(), b.identity.ID, ta)

	select {
	case serr := <-serveErr:
		if err == nil && serr != nil {
			return serr
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Responder did not finish")
	}
	return err
}

func mustPut(t *testing.T, r *syncTestReplica, rec *Record) {
	t.Helper()
	if err := r.store.Put(context.Background(), "medic", rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
}

func countRecords(t *testing.T, r *syncTestReplica, kind RecordKind) int {
	t.Helper()
	it, err := r.store.Scan(context.Background(), "medic", kind, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	n := 0
	for {
		rec, err := it.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if rec == nil {
			return n
		}
		n++
	}
}

func TestSync_Convergence(t *testing.T) {
	a := newSyncTestReplica(t, "replica-a", DefaultSyncConfig())
	b := newSyncTestReplica(t, "replica-b", DefaultSyncConfig())

	recA, _ := NewRecord(KindIncident, Payload{Index: map[string]string{"status": "open"}})
	recB, _ := NewRecord(KindIncident, Payload{Index: map[string]string{"status": "closed"}})
	mustPut(t, a, recA)
	mustPut(t, b, recB)

	if err := syncOnce(t, a, b); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if got := countRecords(t, a, KindIncident); got != 2 {
		t.Errorf("Expected 2 incidents on a, got %d", got)
	}
	if got := countRecords(t, b, KindIncident); got != 2 {
		t.Errorf("Expected 2 incidents on b, got %d", got)
	}
	if a.manager.PeerSyncState(b.identity.ID) != SyncIdle {
		t.Errorf("Expected idle state, got %v", a.manager.PeerSyncState(b.identity.ID))
	}
}

func TestSync_Idempotent(t *testing.T) {
	a := newSyncTestReplica(t, "replica-a", DefaultSyncConfig())
	b := newSyncTestReplica(t, "replica-b", DefaultSyncConfig())

	rec, _ := NewRecord(KindIncident, Payload{Index: map[string]string{"status": "open"}})
	mustPut(t, a, rec)

	if err := syncOnce(t, a, b); err != nil {
		t.Fatalf("First sync failed: %v", err)
	}
	statsA := a.manager.Stats()
	statsB := b.manager.Stats()

	if err := syncOnce(t, a, b); err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}
	if got := b.manager.Stats().RecordsReceived; got != statsB.RecordsReceived {
		t.Errorf("Second sync transferred records: %d -> %d", statsB.RecordsReceived, got)
	}
	if got := a.manager.Stats().RecordsSent; got != statsA.RecordsSent {
		t.Errorf("Second sync sent records: %d -> %d", statsA.RecordsSent, got)
	}
}

func TestSync_ConcurrentEditConverges(t *testing.T) {
	a := newSyncTestReplica(t, "replica-a", DefaultSyncConfig())
	b := newSyncTestReplica(t, "replica-b", DefaultSyncConfig())

	rec, _ := NewRecord(KindIncident, Payload{Index: map[string]string{"status": "open"}})
	mustPut(t, a, rec)
	if err := syncOnce(t, a, b); err != nil {
		t.Fatalf("Seed sync failed: %v", err)
	}

	// Diverge while disconnected.
	edited, err := a.store.Get(context.Background(), "medic", rec.ID)
	if err != nil {
		t.Fatalf("Get on a failed: %v", err)
	}
	edited.Payload.Index["status"] = "escalated"
	mustPut(t, a, edited)

	other, err := b.store.Get(context.Background(), "medic", rec.ID)
	if err != nil {
		t.Fatalf("Get on b failed: %v", err)
	}
	other.Payload.Index["status"] = "closed"
	time.Sleep(2 * time.Millisecond) // give b the later timestamp
	mustPut(t, b, other)

	if err := syncOnce(t, a, b); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	// The merge happened on one side; a second round carries it to the other.
	if err := syncOnce(t, a, b); err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}

	gotA, err := a.store.Get(context.Background(), "medic", rec.ID)
	if err != nil {
		t.Fatalf("Get on a failed: %v", err)
	}
	gotB, err := b.store.Get(context.Background(), "medic", rec.ID)
	if err != nil {
		t.Fatalf("Get on b failed: %v", err)
	}
	if gotA.Payload.Index["status"] != gotB.Payload.Index["status"] {
		t.Errorf("Replicas did not converge: %q vs %q", gotA.Payload.Index["status"], gotB.Payload.Index["status"])
	}
	if gotA.Vector.Compare(gotB.Vector) != OrderingEqual {
		t.Errorf("Vectors did not converge: %v vs %v", gotA.Vector, gotB.Vector)
	}
}

func TestSync_ManualConflictFlaggedOnce(t *testing.T) {
	a := newSyncTestReplica(t, "replica-a", DefaultSyncConfig())
	b := newSyncTestReplica(t, "replica-b", DefaultSyncConfig())
	ctx := context.Background()

	rec, _ := NewRecord(KindPatientContact, Payload{
		PHI:   map[string]string{"phone": "111"},
		Index: map[string]string{"status": "active"},
	})
	mustPut(t, a, rec)
	if err := syncOnce(t, a, b); err != nil {
		t.Fatalf("Seed sync failed: %v", err)
	}

	// Divergent edits to a manual-review field while disconnected.
	ra, err := a.store.Get(ctx, "medic", rec.ID)
	if err != nil {
		t.Fatalf("Get on a failed: %v", err)
	}
	ra.Payload.PHI["phone"] = "222"
	mustPut(t, a, ra)

	rb, err := b.store.Get(ctx, "medic", rec.ID)
	if err != nil {
		t.Fatalf("Get on b failed: %v", err)
	}
	rb.Payload.PHI["phone"] = "333"
	mustPut(t, b, rb)

	// Repeat rounds with no new writes must not grow the review queue:
	// the pair stays concurrent until a reviewer acts, but its conflict is
	// flagged exactly once on each side.
	for round := 1; round <= 3; round++ {
		if err := syncOnce(t, a, b); err != nil {
			t.Fatalf("Sync round %d failed: %v", round, err)
		}
	}

	for _, r := range []*syncTestReplica{a, b} {
		markers, err := r.store.Conflicts(ctx, "medic")
		if err != nil {
			t.Fatalf("Conflicts on %s failed: %v", r.identity.ID, err)
		}
		if len(markers) != 1 {
			t.Errorf("Expected 1 conflict marker on %s, got %d", r.identity.ID, len(markers))
		}
		if got := countRecords(t, r, KindConflictReview); got != 1 {
			t.Errorf("Expected 1 review record on %s, got %d", r.identity.ID, got)
		}
	}

	markersA, _ := a.store.Conflicts(ctx, "medic")
	markersB, _ := b.store.Conflicts(ctx, "medic")
	if markersA[0].ID != markersB[0].ID {
		t.Errorf("Replicas flagged different markers: %s vs %s", markersA[0].ID, markersB[0].ID)
	}
}

func TestSync_SecretSealedRecordsReadable(t *testing.T) {
	// Replicas provisioned with the same secret derive their keys under
	// independent salts; records sealed on one must still open on the other
	// after sync.
	secretReplica := func(id string) *syncTestReplica {
		t.Helper()
		backend := NewMemoryBackend()
		sealer, err := NewPayloadSealer(SealConfig{Secret: "field-clinic-7"})
		if err != nil {
			t.Fatalf("NewPayloadSealer failed: %v", err)
		}
		chain, err := OpenAuditChain(context.Background(), backend, id, DefaultAuditChainConfig())
		if err != nil {
			t.Fatalf("OpenAuditChain failed: %v", err)
		}
		identity := NewReplicaIdentity(id)
		store, err := NewRecordStore(context.Background(), backend, sealer, chain, NewChangeHub(16), identity, DefaultRecordStoreConfig())
		if err != nil {
			t.Fatalf("NewRecordStore failed: %v", err)
		}
		return &syncTestReplica{
			identity: identity,
			store:    store,
			manager:  NewSyncManager(store, identity, DefaultPolicyTable(), DefaultSyncConfig()),
		}
	}
	a := secretReplica("replica-a")
	b := secretReplica("replica-b")

	rec, _ := NewRecord(KindPatientContact, Payload{
		PHI:   map[string]string{"name": "Jane Doe", "phone": "555-0100"},
		Index: map[string]string{"status": "active"},
	})
	mustPut(t, a, rec)

	if err := syncOnce(t, a, b); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	got, err := b.store.Get(context.Background(), "medic", rec.ID)
	if err != nil {
		t.Fatalf("Get of synced sealed record failed: %v", err)
	}
	if got.Payload.PHI["name"] != "Jane Doe" {
		t.Errorf("Expected PHI to open on the receiving replica, got %q", got.Payload.PHI["name"])
	}

	// The concurrent-merge path opens peer-sealed payloads too.
	ra, err := a.store.Get(context.Background(), "medic", rec.ID)
	if err != nil {
		t.Fatalf("Get on a failed: %v", err)
	}
	ra.Payload.Index["status"] = "discharged"
	mustPut(t, a, ra)

	rb, err := b.store.Get(context.Background(), "medic", rec.ID)
	if err != nil {
		t.Fatalf("Get on b failed: %v", err)
	}
	rb.Payload.Index["status"] = "transferred"
	time.Sleep(2 * time.Millisecond)
	mustPut(t, b, rb)

	if err := syncOnce(t, a, b); err != nil {
		t.Fatalf("Divergent sync failed: %v", err)
	}
}

func TestSync_SessionExclusive(t *testing.T) {
	a := newSyncTestReplica(t, "replica-a", DefaultSyncConfig())

	p := a.manager.peer("replica-b")
	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()

	ta, _ := Pipe()
	defer ta.Close()
	if err := a.manager.Sync(context.Background(), "replica-b", ta); !errors.Is(err, ErrSessionActive) {
		t.Errorf("Expected ErrSessionActive, got %v", err)
	}
}

func TestSync_VersionMismatch(t *testing.T) {
	a := newSyncTestReplica(t, "replica-a", DefaultSyncConfig())

	ta, tb := Pipe()
	defer ta.Close()
	defer tb.Close()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.manager.Serve(context.Background(), tb)
	}()

	offer, err := newMessage(MessageNegotiate, negotiatePayload{
		Session:   "s1",
		ReplicaID: "replica-x",
		Version:   99,
	})
	if err != nil {
		t.Fatalf("newMessage failed: %v", err)
	}
	if err := ta.Send(context.Background(), offer); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case err := <-serveErr:
		if !errors.Is(err, ErrPeerVersionMismatch) {
			t.Errorf("Expected ErrPeerVersionMismatch, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Responder did not reject the offer")
	}
}

// flakyTransport drops the connection after a fixed number of chunk frames.
type flakyTransport struct {
	Transport
	chunksLeft int
}

func (f *flakyTransport) Send(ctx context.Context, msg *Message) error {
	if msg.Type == MessageChunk {
		if f.chunksLeft == 0 {
			_ = f.Transport.Close()
			return newSyncError(SyncErrorTypeNetwork, "link dropped", "", ErrNetworkTimeout)
		}
		f.chunksLeft--
	}
	return f.Transport.Send(ctx, msg)
}

func TestSync_ResumeAfterInterruption(t *testing.T) {
	cfg := DefaultSyncConfig()
	cfg.ChunkSize = 1
	a := newSyncTestReplica(t, "replica-a", cfg)
	b := newSyncTestReplica(t, "replica-b", cfg)

	for i := 0; i < 6; i++ {
		rec, _ := NewRecord(KindIncident, Payload{Index: map[string]string{"status": "open"}})
		mustPut(t, a, rec)
	}

	// First attempt dies after two of six chunks.
	ta, tb := Pipe()
	go func() { _ = b.manager.Serve(context.Background(), tb) }()
	err := a.manager.Sync(context.Background(), b.identity.ID, &flakyTransport{Transport: ta, chunksLeft: 2})
	if err == nil {
		t.Fatal("Expected the interrupted session to fail")
	}
	ta.Close()
	tb.Close()

	if got := countRecords(t, b, KindIncident); got != 2 {
		t.Fatalf("Expected 2 records applied before the drop, got %d", got)
	}

	// Second attempt resumes from the acknowledged chunk and finishes.
	if err := syncOnce(t, a, b); err != nil {
		t.Fatalf("Resumed sync failed: %v", err)
	}
	if got := countRecords(t, b, KindIncident); got != 6 {
		t.Errorf("Expected all 6 records after resume, got %d", got)
	}
	if a.manager.Stats().ChunksResumed == 0 {
		t.Error("Expected the second session to report resumed chunks")
	}
}
