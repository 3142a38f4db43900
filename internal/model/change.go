package model

import (
	"strings"

	"github.com/clayne/389-ds-base/internal/csn"
)

// OpType defines the type of a replicated operation
type OpType string

const (
	OpAdd    OpType = "add"
	OpModify OpType = "modify"
	OpDelete OpType = "delete"
	OpModRDN OpType = "modrdn"
)

// Valid reports whether op is one of the four replicated operations.
func (op OpType) Valid() bool {
	switch op {
	case OpAdd, OpModify, OpDelete, OpModRDN:
		return true
	}
	return false
}

// ModType is the kind of a single attribute modification
type ModType string

const (
	ModAdd     ModType = "add"
	ModDelete  ModType = "delete"
	ModReplace ModType = "replace"
)

// Mod is one attribute modification. A ModDelete with no values removes the
// whole attribute.
type Mod struct {
	Type   ModType  `json:"type"`
	Attr   string   `json:"attr"`
	Values []string `json:"values,omitempty"`
}

// Attr is an attribute with its values, used by add payloads.
type Attr struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// ChangeRecord is an entry in the changelog. It is immutable once appended.
type ChangeRecord struct {
	CSN      csn.CSN `json:"csn"`
	Suffix   string  `json:"suffix"`
	Op       OpType  `json:"op"`
	TargetDN string  `json:"dn"`
	UniqueID string  `json:"nsuniqueid"`

	Attrs []Attr `json:"attrs,omitempty"` // add
	Mods  []Mod  `json:"mods,omitempty"`  // modify

	// modrdn
	NewRDN       string `json:"newrdn,omitempty"`
	DeleteOldRDN bool   `json:"deleteoldrdn,omitempty"`
	NewSuperior  string `json:"newsuperior,omitempty"`
}

// Origin returns the replica that created the change.
func (r *ChangeRecord) Origin() uint16 {
	return r.CSN.ReplicaID
}

// Clone returns a deep copy.
func (r *ChangeRecord) Clone() *ChangeRecord {
	out := *r
	if r.Attrs != nil {
		out.Attrs = make([]Attr, len(r.Attrs))
		for i, a := range r.Attrs {
			out.Attrs[i] = Attr{Name: a.Name, Values: append([]string(nil), a.Values...)}
		}
	}
	if r.Mods != nil {
		out.Mods = make([]Mod, len(r.Mods))
		for i, m := range r.Mods {
			out.Mods[i] = Mod{Type: m.Type, Attr: m.Attr, Values: append([]string(nil), m.Values...)}
		}
	}
	return &out
}

// Strip returns a copy of r without the named attributes in its add or modify
// payload. Attribute names are matched case-insensitively. The record itself is
// kept even if nothing is left, so the peer still advances its update vector.
func (r *ChangeRecord) Strip(names []string) *ChangeRecord {
	if len(names) == 0 || (r.Op != OpAdd && r.Op != OpModify) {
		return r
	}

	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[strings.ToLower(n)] = struct{}{}
	}

	out := r.Clone()
	attrs := out.Attrs[:0]
	for _, a := range out.Attrs {
		if _, ok := drop[strings.ToLower(a.Name)]; !ok {
			attrs = append(attrs, a)
		}
	}
	out.Attrs = attrs

	mods := out.Mods[:0]
	for _, m := range out.Mods {
		if _, ok := drop[strings.ToLower(m.Attr)]; !ok {
			mods = append(mods, m)
		}
	}
	out.Mods = mods
	return out
}

// ShipRequest carries a batch of changes from a supplier to a peer.
type ShipRequest struct {
	Suffix  string          `json:"suffix"`
	Sender  uint16          `json:"sender"`
	Records []*ChangeRecord `json:"records"`
}

// ShipResponse acknowledges a batch with the receiver's update vector.
type ShipResponse struct {
	RUV     csn.RUV `json:"ruv"`
	Applied int     `json:"applied"`
	Skipped int     `json:"skipped"`
	// Rejected counts records the receiver could not apply and dropped
	Rejected int `json:"rejected,omitempty"`
}
