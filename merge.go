package carelog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// MergePolicy is the per-field rule for combining concurrent versions.
// The set is closed and resolved at configuration-load time; an unrecognized
// policy name fails the load instead of defaulting silently.
type MergePolicy int

const (
	// PolicyLastWriteWins picks the value from the record with the higher
	// (timestamp, replica ID) pair. The replica ID is the deterministic
	// final tie-break so every replica observing the same pair converges.
	PolicyLastWriteWins MergePolicy = iota
	// PolicyAppend unions list-valued fields by entry ID and re-sorts by
	// timestamp. No data loss.
	PolicyAppend
	// PolicyManualIfDifferent auto-resolves when both values are equal and
	// otherwise produces a conflict marker for clinician review. It trades
	// liveness for safety on clinically significant divergent edits.
	PolicyManualIfDifferent
)

// String returns the configuration name of the policy.
func (p MergePolicy) String() string {
	switch p {
	case PolicyLastWriteWins:
		return "last-write-wins"
	case PolicyAppend:
		return "append"
	case PolicyManualIfDifferent:
		return "manual-if-different"
	default:
		return "unknown"
	}
}

// ParseMergePolicy parses a policy name from configuration.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch s {
	case "last-write-wins":
		return PolicyLastWriteWins, nil
	case "append":
		return PolicyAppend, nil
	case "manual-if-different":
		return PolicyManualIfDifferent, nil
	default:
		return 0, fmt.Errorf("unrecognized merge policy %q", s)
	}
}

// vitalsField is the reserved name of the list-valued vitals series in the
// policy table. It is the only field the append policy applies to.
const vitalsField = "vitals"

// PolicyTable is the per-kind, per-field merge policy configuration.
type PolicyTable struct {
	defaultPolicy MergePolicy
	hasDefault    bool
	kinds         map[RecordKind]map[string]MergePolicy
}

// NewPolicyTable creates a table with the given default for unlisted fields.
// The shipped default is manual-if-different: the safe choice for clinical
// fields nobody thought to classify.
func NewPolicyTable(defaultPolicy MergePolicy) *PolicyTable {
	return &PolicyTable{
		defaultPolicy: defaultPolicy,
		hasDefault:    true,
		kinds:         make(map[RecordKind]map[string]MergePolicy),
	}
}

// NewStrictPolicyTable creates a table with no default: any unlisted field
// fails resolution with ErrPolicyMissing.
func NewStrictPolicyTable() *PolicyTable {
	return &PolicyTable{
		kinds: make(map[RecordKind]map[string]MergePolicy),
	}
}

// Set registers a policy for a field of a kind.
func (t *PolicyTable) Set(kind RecordKind, field string, policy MergePolicy) error {
	if !ValidKind(kind) {
		return fmt.Errorf("unknown record kind %q in policy table", kind)
	}
	if policy == PolicyAppend && field != vitalsField {
		return fmt.Errorf("append policy only applies to the %q list field, not %q", vitalsField, field)
	}
	if t.kinds[kind] == nil {
		t.kinds[kind] = make(map[string]MergePolicy)
	}
	t.kinds[kind][field] = policy
	return nil
}

// Lookup returns the policy for a field, falling back to the default when
// configured. Without a default, missing entries fail loud.
func (t *PolicyTable) Lookup(kind RecordKind, field string) (MergePolicy, error) {
	if fields, ok := t.kinds[kind]; ok {
		if p, ok := fields[field]; ok {
			return p, nil
		}
	}
	if t.hasDefault {
		return t.defaultPolicy, nil
	}
	return 0, &ConflictError{Field: field, Message: "no merge policy configured"}
}

// policyFile is the YAML schema of a policy table.
type policyFile struct {
	Default string                       `yaml:"default"`
	Kinds   map[string]map[string]string `yaml:"kinds"`
}

// LoadPolicyTable parses a policy table from YAML, failing fast on any
// unrecognized kind, field classification, or policy name.
func LoadPolicyTable(data []byte) (*PolicyTable, error) {
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy table: %w", err)
	}

	var table *PolicyTable
	if pf.Default != "" {
		def, err := ParseMergePolicy(pf.Default)
		if err != nil {
			return nil, fmt.Errorf("policy table default: %w", err)
		}
		if def == PolicyAppend {
			return nil, fmt.Errorf("policy table default: append only applies to the %q list field", vitalsField)
		}
		table = NewPolicyTable(def)
	} else {
		table = NewStrictPolicyTable()
	}

	for kindName, fields := range pf.Kinds {
		kind := RecordKind(kindName)
		for field, policyName := range fields {
			policy, err := ParseMergePolicy(policyName)
			if err != nil {
				return nil, fmt.Errorf("policy table kind %q field %q: %w", kindName, field, err)
			}
			if err := table.Set(kind, field, policy); err != nil {
				return nil, err
			}
		}
	}
	return table, nil
}

// LoadPolicyTableFile loads a policy table from a YAML file.
func LoadPolicyTableFile(path string) (*PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy table %s: %w", path, err)
	}
	return LoadPolicyTable(data)
}

// DefaultPolicyTable returns the shipped policy table: vitals series append,
// operational status fields last-write-wins, everything else manual review.
func DefaultPolicyTable() *PolicyTable {
	table := NewPolicyTable(PolicyManualIfDifferent)
	_ = table.Set(KindVitalSigns, vitalsField, PolicyAppend)
	_ = table.Set(KindVitalSigns, "status", PolicyLastWriteWins)
	_ = table.Set(KindIncident, "status", PolicyLastWriteWins)
	_ = table.Set(KindTriageAssessment, "triageCategory", PolicyLastWriteWins)
	_ = table.Set(KindTriageAssessment, "status", PolicyLastWriteWins)
	return table
}

// ConflictMarker retains both inputs of an unresolvable concurrent edit,
// linked to a manual-review record that syncs like any other record so the
// conflict reaches a reviewer wherever one is.
type ConflictMarker struct {
	ID             string     `json:"id"`
	RecordID       string     `json:"record_id"`
	Kind           RecordKind `json:"kind"`
	Fields         []string   `json:"fields"` // fields needing manual review, sorted
	Local          *Record    `json:"-"`
	Remote         *Record    `json:"-"`
	ReviewRecordID string     `json:"review_record_id"`
	CreatedAt      int64      `json:"created_at"` // unix milliseconds
}

// MergeOutcome is the result of resolving two concurrent record versions:
// either a merged record superseding both inputs, or a conflict marker with
// its review record.
type MergeOutcome struct {
	Merged   *Record
	Conflict *ConflictMarker
	Review   *Record
}

// lwwWinner picks the deterministic last-write winner of two records by the
// lexicographic (UpdatedAt, UpdatedBy) pair.
func lwwWinner(a, b *Record) *Record {
	if a.UpdatedAt != b.UpdatedAt {
		if a.UpdatedAt > b.UpdatedAt {
			return a
		}
		return b
	}
	if a.UpdatedBy > b.UpdatedBy {
		return a
	}
	return b
}

// mergeVitals unions two vitals series by entry ID and re-sorts by
// (timestamp, ID). Duplicated entry IDs keep one copy; nothing is lost.
func mergeVitals(a, b []VitalsEntry) []VitalsEntry {
	seen := make(map[string]VitalsEntry, len(a)+len(b))
	for _, e := range a {
		seen[e.ID] = e
	}
	for _, e := range b {
		if _, ok := seen[e.ID]; !ok {
			seen[e.ID] = e
		}
	}
	out := make([]VitalsEntry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// vitalsEqual compares two series entry-for-entry.
func vitalsEqual(a, b []VitalsEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Resolve merges two concurrent versions of the same record under the policy
// table, performed by the given replica. Preconditions: both records share an
// ID and kind, and neither version vector dominates the other — dominance
// cases are applied directly by the sync driver and never reach here.
//
// The outcome is fully deterministic: any replica resolving the same pair
// produces the identical merged record, vector included. Two replicas that
// merge independently therefore end up with equal versions and stop
// exchanging the record, which is what lets the system converge without a
// coordinator.
func Resolve(local, remote *Record, table *PolicyTable) (*MergeOutcome, error) {
	if local.ID != remote.ID {
		return nil, fmt.Errorf("resolve: record ID mismatch (%s vs %s)", local.ID, remote.ID)
	}
	if local.Kind != remote.Kind {
		return nil, fmt.Errorf("resolve: record kind mismatch for %s (%s vs %s)", local.ID, local.Kind, remote.Kind)
	}
	if !local.Vector.Concurrent(remote.Vector) {
		return nil, ErrNotConcurrent
	}

	// A concurrent delete against a concurrent edit is clinically
	// significant and always goes to manual review. Two concurrent deletes
	// merge into a single tombstone.
	if local.Tombstone != remote.Tombstone {
		return conflictOutcome(local, remote, []string{"tombstone"}), nil
	}

	winner := lwwWinner(local, remote)
	merged := Payload{}
	var conflicts []string

	for _, field := range fieldNames(local.Payload, remote.Payload) {
		policy, err := table.Lookup(local.Kind, field)
		if err != nil {
			var ce *ConflictError
			if errors.As(err, &ce) {
				ce.RecordID = local.ID
			}
			return nil, err
		}

		lv, lok := local.Payload.Field(field)
		rv, rok := remote.Payload.Field(field)

		var value string
		switch {
		case lok && !rok:
			value = lv
		case rok && !lok:
			value = rv
		case policy == PolicyLastWriteWins:
			value, _ = winner.Payload.Field(field)
		case lv == rv:
			value = lv
		default:
			// manual-if-different with genuinely divergent values.
			conflicts = append(conflicts, field)
			continue
		}

		setField(&merged, local.Payload, remote.Payload, field, value)
	}

	if len(local.Payload.Vitals) > 0 || len(remote.Payload.Vitals) > 0 {
		policy, err := table.Lookup(local.Kind, vitalsField)
		if err != nil {
			var ce *ConflictError
			if errors.As(err, &ce) {
				ce.RecordID = local.ID
			}
			return nil, err
		}
		switch policy {
		case PolicyAppend:
			merged.Vitals = mergeVitals(local.Payload.Vitals, remote.Payload.Vitals)
		case PolicyLastWriteWins:
			merged.Vitals = winner.Payload.Vitals
		case PolicyManualIfDifferent:
			if vitalsEqual(local.Payload.Vitals, remote.Payload.Vitals) {
				merged.Vitals = local.Payload.Vitals
			} else {
				conflicts = append(conflicts, vitalsField)
			}
		}
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return conflictOutcome(local, remote, conflicts), nil
	}

	// The joined vector dominates both inputs, so every peer accepts the
	// merge on the next round. No resolver increment: the merged record is
	// derived purely from its inputs, so independent resolutions of the same
	// pair coincide instead of spawning fresh concurrent versions.
	rec := &Record{
		ID:        local.ID,
		Kind:      local.Kind,
		Vector:    local.Vector.Merge(remote.Vector),
		Payload:   merged,
		Revision:  maxUint64(local.Revision, remote.Revision),
		UpdatedAt: winner.UpdatedAt,
		UpdatedBy: winner.UpdatedBy,
	}
	if local.Tombstone {
		rec.Tombstone = true
		rec.DeletedAt = maxInt64(local.DeletedAt, remote.DeletedAt)
	}
	return &MergeOutcome{Merged: rec}, nil
}

// conflictIdentity derives the marker and review-record IDs for a concurrent
// pair. The IDs are a pure function of the record and the two vectors,
// independent of input order, so every replica flagging the same pair mints
// the same marker instead of a fresh one per sync round.
func conflictIdentity(recordID string, a, b VersionVector) (markerID, reviewID string) {
	va, vb := string(a.Encode()), string(b.Encode())
	if vb < va {
		va, vb = vb, va
	}
	base := recordID + "|" + va + "|" + vb
	markerID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("conflict|"+base)).String()
	reviewID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("review|"+base)).String()
	return markerID, reviewID
}

// conflictOutcome builds the marker and its linked manual-review record.
// Both are deterministic derivations of the conflicting pair, never stamped
// with the flagging replica's clock: replicas that independently detect the
// same conflict end up with identical markers and review records, so repeat
// sync rounds exchange nothing new.
func conflictOutcome(local, remote *Record, fields []string) *MergeOutcome {
	markerID, reviewID := conflictIdentity(local.ID, local.Vector, remote.Vector)
	at := maxInt64(local.UpdatedAt, remote.UpdatedAt)

	review := &Record{
		ID:   reviewID,
		Kind: KindConflictReview,
		Payload: Payload{
			Index: map[string]string{
				"record_id":   local.ID,
				"record_kind": string(local.Kind),
				"fields":      joinFields(fields),
				"status":      "open",
			},
		},
		Vector:    local.Vector.Merge(remote.Vector),
		Revision:  1,
		UpdatedAt: at,
		UpdatedBy: lwwWinner(local, remote).UpdatedBy,
	}

	marker := &ConflictMarker{
		ID:             markerID,
		RecordID:       local.ID,
		Kind:           local.Kind,
		Fields:         fields,
		Local:          local.Clone(),
		Remote:         remote.Clone(),
		ReviewRecordID: review.ID,
		CreatedAt:      at,
	}
	return &MergeOutcome{Conflict: marker, Review: review}
}

// setField places a merged value into the payload map matching its source
// classification. A field either input held as PHI stays PHI.
func setField(dst *Payload, a, b Payload, field, value string) {
	_, aPHI := a.PHI[field]
	_, bPHI := b.PHI[field]
	if aPHI || bPHI {
		if dst.PHI == nil {
			dst.PHI = make(map[string]string)
		}
		dst.PHI[field] = value
		return
	}
	if dst.Index == nil {
		dst.Index = make(map[string]string)
	}
	dst.Index[field] = value
}

func joinFields(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
