package carelog

import (
	"sync"

	"github.com/google/uuid"
)

// ReplicaIdentity is the registration-time identity of one replica: a
// globally unique ID that is never reassigned, and the local revision clock.
type ReplicaIdentity struct {
	// ID is the globally unique replica identifier.
	ID string

	mu    sync.Mutex
	clock uint64
}

// NewReplicaIdentity creates an identity. An empty id generates a fresh UUID,
// which models first registration of a device.
func NewReplicaIdentity(id string) *ReplicaIdentity {
	if id == "" {
		id = uuid.NewString()
	}
	return &ReplicaIdentity{ID: id}
}

// NextRevision increments and returns the local revision counter.
func (ri *ReplicaIdentity) NextRevision() uint64 {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.clock++
	return ri.clock
}

// Clock returns the current revision counter without advancing it.
func (ri *ReplicaIdentity) Clock() uint64 {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.clock
}

// Observe raises the clock to at least rev. Called during recovery so a
// restarted replica never reissues a revision it already used.
func (ri *ReplicaIdentity) Observe(rev uint64) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if rev > ri.clock {
		ri.clock = rev
	}
}

// Stamp advances the clock and applies the new revision to a record: the
// record's revision and the replica's component of its version vector both
// move to the fresh value, which by construction dominates every ancestor
// this replica derived the record from.
func (ri *ReplicaIdentity) Stamp(rec *Record) {
	rev := ri.NextRevision()
	rec.Revision = rev
	if rec.Vector == nil {
		rec.Vector = NewVersionVector()
	}
	rec.Vector[ri.ID] = rev
	rec.UpdatedAt = nowMillis()
	rec.UpdatedBy = ri.ID
}
