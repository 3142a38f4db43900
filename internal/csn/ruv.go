package csn

import (
	"sort"
	"strings"
)

// RUV is a replica update vector: the greatest CSN seen per originating replica.
// Thread-safe operations should be handled by the caller.
type RUV map[uint16]CSN

// NewRUV creates an empty vector.
func NewRUV() RUV {
	return make(RUV)
}

// Covers reports whether the change identified by c is already reflected.
func (r RUV) Covers(c CSN) bool {
	max, ok := r[c.ReplicaID]
	return ok && !max.Less(c)
}

// Update raises the origin's entry to c when c is newer. Returns true if raised.
func (r RUV) Update(c CSN) bool {
	if r.Covers(c) {
		return false
	}
	r[c.ReplicaID] = c
	return true
}

// Merge takes the per-origin maximum of both vectors.
func (r RUV) Merge(other RUV) {
	for _, c := range other {
		r.Update(c)
	}
}

// Copy creates a deep copy of the vector.
func (r RUV) Copy() RUV {
	out := make(RUV, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Start returns the CSN a changelog scan must start after so that every change
// from an origin in local that other has not seen is visited.
func (r RUV) Start(local RUV) CSN {
	start := CSN{}
	first := true
	for rid := range local {
		peer := r[rid]
		if first || peer.Less(start) {
			start = peer
			first = false
		}
	}
	return start
}

// MinFloor returns the per-origin minimum across vectors. An origin missing from
// any vector is missing from the result, so nothing from it counts as covered.
func MinFloor(vectors ...RUV) RUV {
	if len(vectors) == 0 {
		return NewRUV()
	}
	out := vectors[0].Copy()
	for _, v := range vectors[1:] {
		for rid, c := range out {
			other, ok := v[rid]
			if !ok {
				delete(out, rid)
				continue
			}
			if other.Less(c) {
				out[rid] = other
			}
		}
	}
	return out
}

// Oldest returns the smallest CSN in the vector, or Zero when empty.
func (r RUV) Oldest() CSN {
	var min CSN
	first := true
	for _, c := range r {
		if first || c.Less(min) {
			min = c
			first = false
		}
	}
	return min
}

// String returns a deterministic representation ordered by replica ID.
func (r RUV) String() string {
	if len(r) == 0 {
		return "{}"
	}
	keys := make([]int, 0, len(r))
	for k := range r {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, r[uint16(k)].String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
