package model

import (
	"sort"
	"strings"

	"github.com/clayne/389-ds-base/internal/csn"
)

const (
	AttrObjectClass  = "objectclass"
	AttrNsUniqueID   = "nsuniqueid"
	AttrNscpEntryDN  = "nscpentrydn"
	AttrReplConflict = "nsds5replconflict"
	ObjectTombstone  = "nstombstone"
)

// Value is one attribute value with its replication state. Deleted values are
// retained until purge so late operations can be ordered against them.
type Value struct {
	Value  string  `json:"value"`
	AddCSN csn.CSN `json:"add_csn"`
	DelCSN csn.CSN `json:"del_csn,omitempty"`
}

// Present reports whether the value is visible.
func (v Value) Present() bool {
	return v.DelCSN.Less(v.AddCSN)
}

// Attribute holds ordered values. DelCSN records the latest whole-attribute delete.
type Attribute struct {
	Name   string  `json:"name"`
	DelCSN csn.CSN `json:"del_csn,omitempty"`
	Values []Value `json:"values"`
}

func (a *Attribute) find(v string) int {
	for i := range a.Values {
		if strings.EqualFold(a.Values[i].Value, v) {
			return i
		}
	}
	return -1
}

func (a *Attribute) add(v string, c csn.CSN) {
	if i := a.find(v); i >= 0 {
		if c.After(a.Values[i].AddCSN) {
			a.Values[i].AddCSN = c
		}
		return
	}
	val := Value{Value: v, AddCSN: c}
	if c.Less(a.DelCSN) {
		val.DelCSN = a.DelCSN
	}
	a.Values = append(a.Values, val)
}

func (a *Attribute) delete(v string, c csn.CSN) {
	if i := a.find(v); i >= 0 {
		if c.After(a.Values[i].DelCSN) {
			a.Values[i].DelCSN = c
		}
		return
	}
	// Placeholder so an older add arriving later stays deleted.
	a.Values = append(a.Values, Value{Value: v, DelCSN: c})
}

func (a *Attribute) deleteAll(c csn.CSN, keep map[string]struct{}) {
	if c.After(a.DelCSN) {
		a.DelCSN = c
	}
	for i := range a.Values {
		if _, ok := keep[strings.ToLower(a.Values[i].Value)]; ok {
			continue
		}
		v := &a.Values[i]
		if v.AddCSN.Less(c) && c.After(v.DelCSN) {
			v.DelCSN = c
		}
	}
}

// Present returns the visible values in insertion order.
func (a *Attribute) Present() []string {
	out := make([]string, 0, len(a.Values))
	for _, v := range a.Values {
		if v.Present() {
			out = append(out, v.Value)
		}
	}
	return out
}

// Entry is a directory entry together with its replication state.
type Entry struct {
	DN        string       `json:"dn"`
	UniqueID  string       `json:"nsuniqueid"`
	Attrs     []*Attribute `json:"attrs"`
	AddCSN    csn.CSN      `json:"add_csn"`
	RDNCSN    csn.CSN      `json:"rdn_csn"`
	Tombstone bool         `json:"tombstone,omitempty"`
	DeleteCSN csn.CSN      `json:"delete_csn,omitempty"`
	Conflict  string       `json:"conflict,omitempty"`
}

// NewEntry builds an entry from an add payload, every value stamped with c.
func NewEntry(dn, uniqueID string, attrs []Attr, c csn.CSN) *Entry {
	e := &Entry{DN: dn, UniqueID: uniqueID, AddCSN: c, RDNCSN: c}
	for _, a := range attrs {
		e.AddValues(a.Name, a.Values, c)
	}
	return e
}

// Attr returns the named attribute, case-insensitively, or nil.
func (e *Entry) Attr(name string) *Attribute {
	for _, a := range e.Attrs {
		if strings.EqualFold(a.Name, name) {
			return a
		}
	}
	return nil
}

func (e *Entry) attr(name string) *Attribute {
	if a := e.Attr(name); a != nil {
		return a
	}
	a := &Attribute{Name: name}
	e.Attrs = append(e.Attrs, a)
	return a
}

// Get returns the visible values of name.
func (e *Entry) Get(name string) []string {
	a := e.Attr(name)
	if a == nil {
		return nil
	}
	return a.Present()
}

// Has reports whether name currently holds value.
func (e *Entry) Has(name, value string) bool {
	for _, v := range e.Get(name) {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

// AddValues adds values at c. A value deleted by a newer CSN stays deleted.
func (e *Entry) AddValues(name string, values []string, c csn.CSN) {
	a := e.attr(name)
	for _, v := range values {
		a.add(v, c)
	}
}

// DeleteValues deletes values at c; no values deletes the whole attribute.
func (e *Entry) DeleteValues(name string, values []string, c csn.CSN) {
	a := e.attr(name)
	if len(values) == 0 {
		a.deleteAll(c, nil)
		return
	}
	for _, v := range values {
		a.delete(v, c)
	}
}

// ReplaceValues makes values the attribute's content as of c.
func (e *Entry) ReplaceValues(name string, values []string, c csn.CSN) {
	a := e.attr(name)
	keep := make(map[string]struct{}, len(values))
	for _, v := range values {
		keep[strings.ToLower(v)] = struct{}{}
	}
	a.deleteAll(c, keep)
	for _, v := range values {
		a.add(v, c)
	}
}

// ApplyMod applies one modification at c.
func (e *Entry) ApplyMod(m Mod, c csn.CSN) {
	switch m.Type {
	case ModAdd:
		e.AddValues(m.Attr, m.Values, c)
	case ModDelete:
		e.DeleteValues(m.Attr, m.Values, c)
	case ModReplace:
		e.ReplaceValues(m.Attr, m.Values, c)
	}
}

// MakeTombstone marks the entry deleted at c.
func (e *Entry) MakeTombstone(c csn.CSN) {
	if e.Tombstone && !c.After(e.DeleteCSN) {
		return
	}
	e.Tombstone = true
	e.DeleteCSN = c
	e.AddValues(AttrObjectClass, []string{ObjectTombstone}, c)
	e.ReplaceValues(AttrNscpEntryDN, []string{e.DN}, c)
}

// PurgeState drops deleted values and emptied attributes whose deletion is
// older than before. Survivors keep their relative order. Returns the number
// of values removed.
func (e *Entry) PurgeState(before csn.CSN) int {
	removed := 0
	attrs := e.Attrs[:0]
	for _, a := range e.Attrs {
		vals := a.Values[:0]
		for _, v := range a.Values {
			if !v.Present() && v.DelCSN.Less(before) {
				removed++
				continue
			}
			vals = append(vals, v)
		}
		a.Values = vals
		if a.DelCSN.Less(before) {
			a.DelCSN = csn.Zero
		}
		if len(a.Values) == 0 && a.DelCSN.IsZero() {
			continue
		}
		attrs = append(attrs, a)
	}
	e.Attrs = attrs
	return removed
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	out := *e
	out.Attrs = make([]*Attribute, len(e.Attrs))
	for i, a := range e.Attrs {
		cp := *a
		cp.Values = append([]Value(nil), a.Values...)
		out.Attrs[i] = &cp
	}
	return &out
}

// Visible returns the entry's visible content keyed by lower-cased attribute
// name. Two replicas have converged on an entry when their Visible maps match.
func (e *Entry) Visible() map[string][]string {
	out := make(map[string][]string, len(e.Attrs))
	for _, a := range e.Attrs {
		if vals := a.Present(); len(vals) > 0 {
			out[strings.ToLower(a.Name)] = vals
		}
	}
	return out
}

// AttrNames returns the names of attributes with visible values, sorted.
func (e *Entry) AttrNames() []string {
	names := make([]string, 0, len(e.Attrs))
	for name := range e.Visible() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
