package carelog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Ordering is the causal relationship between two version vectors.
type Ordering int

const (
	// OrderingBefore means the receiver causally precedes the argument.
	OrderingBefore Ordering = iota
	// OrderingAfter means the receiver causally follows the argument.
	OrderingAfter
	// OrderingEqual means both vectors are identical.
	OrderingEqual
	// OrderingConcurrent means neither vector dominates the other.
	OrderingConcurrent
)

// String returns a human-readable ordering name.
func (o Ordering) String() string {
	switch o {
	case OrderingBefore:
		return "before"
	case OrderingAfter:
		return "after"
	case OrderingEqual:
		return "equal"
	case OrderingConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VersionVector maps a replica ID to the highest revision from that replica
// reflected in a record. It is a plain value type: comparison and merging are
// pure functions with no hidden I/O, because conflict resolution and the sync
// driver call them repeatedly and must stay idempotent.
type VersionVector map[string]uint64

// NewVersionVector creates an empty version vector.
func NewVersionVector() VersionVector {
	return make(VersionVector)
}

// Clone returns a deep copy of the vector.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Get returns the revision recorded for a replica, zero if absent.
func (v VersionVector) Get(replicaID string) uint64 {
	return v[replicaID]
}

// Compare compares two vectors componentwise over the union of their keys.
// A missing key counts as zero.
func (v VersionVector) Compare(other VersionVector) Ordering {
	less, greater := false, false

	for replica, rev := range v {
		o := other[replica]
		if rev < o {
			less = true
		} else if rev > o {
			greater = true
		}
	}
	for replica, o := range other {
		if _, ok := v[replica]; ok {
			continue
		}
		if o > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return OrderingConcurrent
	case less:
		return OrderingBefore
	case greater:
		return OrderingAfter
	default:
		return OrderingEqual
	}
}

// Dominates returns true if v reflects everything other does.
func (v VersionVector) Dominates(other VersionVector) bool {
	ord := v.Compare(other)
	return ord == OrderingAfter || ord == OrderingEqual
}

// Concurrent returns true if neither vector dominates the other.
func (v VersionVector) Concurrent(other VersionVector) bool {
	return v.Compare(other) == OrderingConcurrent
}

// Merge returns a new vector holding the componentwise maximum of both.
func (v VersionVector) Merge(other VersionVector) VersionVector {
	out := v.Clone()
	for replica, rev := range other {
		if rev > out[replica] {
			out[replica] = rev
		}
	}
	return out
}

// Encode serializes the vector to bytes.
func (v VersionVector) Encode() []byte {
	data, _ := json.Marshal(v)
	return data
}

// DecodeVersionVector deserializes a vector from bytes.
func DecodeVersionVector(data []byte) (VersionVector, error) {
	v := NewVersionVector()
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode version vector: %w", err)
	}
	return v, nil
}

// String renders the vector in a stable replica-sorted form.
func (v VersionVector) String() string {
	replicas := make([]string, 0, len(v))
	for r := range v {
		replicas = append(replicas, r)
	}
	sort.Strings(replicas)

	var b strings.Builder
	b.WriteByte('{')
	for i, r := range replicas {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s:%d", r, v[r])
	}
	b.WriteByte('}')
	return b.String()
}
