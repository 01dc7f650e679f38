package carelog

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// RecordKind identifies the clinical document type of a record. The set is
// closed: unknown kinds are rejected at write time and at policy load time.
type RecordKind string

const (
	// KindIncident is a field incident report.
	KindIncident RecordKind = "incident"
	// KindPatientContact is a patient demographic and contact document.
	KindPatientContact RecordKind = "patient-contact"
	// KindVitalSigns is a vitals time-series document.
	KindVitalSigns RecordKind = "vital-signs"
	// KindTriageAssessment is a triage category and assessment document.
	KindTriageAssessment RecordKind = "triage-assessment"
	// KindConflictReview is the manual-review document a conflict marker
	// links to. It is created by the resolver, never by clinicians.
	KindConflictReview RecordKind = "conflict-review"
)

// KnownKinds returns all valid record kinds.
func KnownKinds() []RecordKind {
	return []RecordKind{
		KindIncident,
		KindPatientContact,
		KindVitalSigns,
		KindTriageAssessment,
		KindConflictReview,
	}
}

// ValidKind reports whether k is a member of the closed kind set.
func ValidKind(k RecordKind) bool {
	for _, known := range KnownKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// VitalsEntry is one measurement in a vitals time series. Entries are
// identified by ID so concurrent lists can be unioned without data loss.
type VitalsEntry struct {
	ID         string  `json:"id"`
	Timestamp  int64   `json:"timestamp"` // unix milliseconds
	Name       string  `json:"name"`      // e.g. "heart_rate", "spo2"
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	RecordedBy string  `json:"recorded_by"`
}

// Payload holds the record content in its open (decrypted) form.
//
// Index fields stay cleartext in storage and on the wire so Scan queries work
// without decryption; this is a deliberate confidentiality/queryability
// tradeoff. PHI fields and the vitals series are sealed at rest and in
// transit.
type Payload struct {
	// Index holds cleartext queryable metadata: status enums, assigned
	// facility codes, coarse timestamps. Never PHI.
	Index map[string]string `json:"index,omitempty"`

	// PHI holds protected health information scalar fields, sealed at rest.
	PHI map[string]string `json:"phi,omitempty"`

	// Vitals is the list-valued vitals series, sealed at rest. Merged under
	// the append policy: union by entry ID, sorted by timestamp.
	Vitals []VitalsEntry `json:"vitals,omitempty"`
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	out := Payload{}
	if p.Index != nil {
		out.Index = make(map[string]string, len(p.Index))
		for k, v := range p.Index {
			out.Index[k] = v
		}
	}
	if p.PHI != nil {
		out.PHI = make(map[string]string, len(p.PHI))
		for k, v := range p.PHI {
			out.PHI[k] = v
		}
	}
	if p.Vitals != nil {
		out.Vitals = make([]VitalsEntry, len(p.Vitals))
		copy(out.Vitals, p.Vitals)
	}
	return out
}

// Field returns the named scalar field from either map. Index and PHI share a
// namespace so the merge policy table addresses fields by name alone.
func (p Payload) Field(name string) (string, bool) {
	if v, ok := p.Index[name]; ok {
		return v, true
	}
	if v, ok := p.PHI[name]; ok {
		return v, true
	}
	return "", false
}

// fieldNames returns the union of scalar field names in both payloads, sorted.
func fieldNames(a, b Payload) []string {
	set := make(map[string]bool)
	for k := range a.Index {
		set[k] = true
	}
	for k := range a.PHI {
		set[k] = true
	}
	for k := range b.Index {
		set[k] = true
	}
	for k := range b.PHI {
		set[k] = true
	}
	names := make([]string, 0, len(set))
	for k := range set {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Record is a uniquely identified clinical document with causal metadata.
type Record struct {
	// ID is a stable UUID, never reused.
	ID string `json:"id"`

	// Kind is the document type.
	Kind RecordKind `json:"kind"`

	// Revision is the per-replica revision counter of the last writer.
	Revision uint64 `json:"revision"`

	// Vector maps replica ID to the highest revision from that replica
	// reflected in this record.
	Vector VersionVector `json:"vector"`

	// Payload is the open document content.
	Payload Payload `json:"payload"`

	// Tombstone marks logical deletion. The record is retained until the
	// configured retention deadline, never physically erased before it.
	Tombstone bool  `json:"tombstone,omitempty"`
	DeletedAt int64 `json:"deleted_at,omitempty"` // unix milliseconds

	// UpdatedAt and UpdatedBy describe the last mutation; they are the
	// inputs to the last-write-wins tie-break.
	UpdatedAt int64  `json:"updated_at"` // unix milliseconds
	UpdatedBy string `json:"updated_by"` // replica ID
}

// NewRecord creates an unstamped record of the given kind.
func NewRecord(kind RecordKind, payload Payload) (*Record, error) {
	if !ValidKind(kind) {
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
	return &Record{
		ID:      uuid.NewString(),
		Kind:    kind,
		Vector:  NewVersionVector(),
		Payload: payload,
	}, nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	out.Vector = r.Vector.Clone()
	out.Payload = r.Payload.Clone()
	return &out
}

// nowMillis returns the current wall clock in unix milliseconds.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// sealedContent is the portion of the payload that gets encrypted: everything
// except the cleartext index fields.
type sealedContent struct {
	PHI    map[string]string `json:"phi,omitempty"`
	Vitals []VitalsEntry     `json:"vitals,omitempty"`
}

// StoredRecord is the persisted and wire form of a record. The PHI content is
// an opaque sealed blob; only index fields and causal metadata are cleartext.
// Sync transfers this form without decrypting in transit.
type StoredRecord struct {
	ID        string            `json:"id"`
	Kind      RecordKind        `json:"kind"`
	Revision  uint64            `json:"revision"`
	Vector    VersionVector     `json:"vector"`
	Index     map[string]string `json:"index,omitempty"`
	Sealed    []byte            `json:"sealed,omitempty"`
	Tombstone bool              `json:"tombstone,omitempty"`
	DeletedAt int64             `json:"deleted_at,omitempty"`
	UpdatedAt int64             `json:"updated_at"`
	UpdatedBy string            `json:"updated_by"`
}

// sealRecord converts a record to its stored form, sealing PHI content.
func sealRecord(rec *Record, sealer *PayloadSealer) (*StoredRecord, error) {
	content := sealedContent{PHI: rec.Payload.PHI, Vitals: rec.Payload.Vitals}
	plaintext, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal sealed content: %w", err)
	}
	sealed, err := sealer.Seal(plaintext)
	if err != nil {
		return nil, err
	}
	return &StoredRecord{
		ID:        rec.ID,
		Kind:      rec.Kind,
		Revision:  rec.Revision,
		Vector:    rec.Vector.Clone(),
		Index:     rec.Payload.Index,
		Sealed:    sealed,
		Tombstone: rec.Tombstone,
		DeletedAt: rec.DeletedAt,
		UpdatedAt: rec.UpdatedAt,
		UpdatedBy: rec.UpdatedBy,
	}, nil
}

// openRecord converts a stored record back to its open form. A failed seal
// authentication surfaces as a decryption StoreError, never as not-found.
func openRecord(st *StoredRecord, sealer *PayloadSealer) (*Record, error) {
	rec := &Record{
		ID:        st.ID,
		Kind:      st.Kind,
		Revision:  st.Revision,
		Vector:    st.Vector.Clone(),
		Payload:   Payload{Index: st.Index},
		Tombstone: st.Tombstone,
		DeletedAt: st.DeletedAt,
		UpdatedAt: st.UpdatedAt,
		UpdatedBy: st.UpdatedBy,
	}
	if len(st.Sealed) == 0 {
		return rec, nil
	}
	plaintext, err := sealer.Open(st.Sealed)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeDecryption, "open sealed payload", st.ID, err)
	}
	var content sealedContent
	if err := json.Unmarshal(plaintext, &content); err != nil {
		return nil, newStoreError(StoreErrorTypeDecryption, "decode sealed payload", st.ID, err)
	}
	rec.Payload.PHI = content.PHI
	rec.Payload.Vitals = content.Vitals
	return rec, nil
}
