package ldaputil

import (
	"fmt"
	"strings"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// TombstoneFilter builds the internal search used to find the tombstone of dn.
// The DN is escaped so a literal '*' in a value is never read as a wildcard.
func TombstoneFilter(dn string) string {
	return fmt.Sprintf("(&(objectclass=nstombstone)(nscpentrydn=%s))", ldap.EscapeFilter(dn))
}

// UniqueIDFilter builds the internal search for an entry by nsuniqueid.
func UniqueIDFilter(uniqueID string) string {
	return fmt.Sprintf("(nsuniqueid=%s)", ldap.EscapeFilter(uniqueID))
}

// Getter returns the values of an attribute, case-insensitively.
type Getter func(attr string) []string

// Filter is a compiled LDAP search filter.
type Filter struct {
	raw    string
	packet *ber.Packet
}

// CompileFilter parses an RFC 4515 filter string.
func CompileFilter(filter string) (*Filter, error) {
	packet, err := ldap.CompileFilter(filter)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", filter, err)
	}
	return &Filter{raw: filter, packet: packet}, nil
}

func (f *Filter) String() string {
	return f.raw
}

// Wildcard reports whether the filter contains a substring component.
func (f *Filter) Wildcard() bool {
	return hasSubstrings(f.packet)
}

// Match evaluates the filter. Equality and substring matching are
// case-insensitive. Ordering and extensible matches never match.
func (f *Filter) Match(get Getter) bool {
	return match(f.packet, get)
}

func match(p *ber.Packet, get Getter) bool {
	switch int(p.Tag) {
	case ldap.FilterAnd:
		for _, child := range p.Children {
			if !match(child, get) {
				return false
			}
		}
		return true
	case ldap.FilterOr:
		for _, child := range p.Children {
			if match(child, get) {
				return true
			}
		}
		return false
	case ldap.FilterNot:
		return len(p.Children) == 1 && !match(p.Children[0], get)
	case ldap.FilterEqualityMatch:
		if len(p.Children) != 2 {
			return false
		}
		want := packetString(p.Children[1])
		for _, v := range get(packetString(p.Children[0])) {
			if strings.EqualFold(v, want) {
				return true
			}
		}
		return false
	case ldap.FilterPresent:
		return len(get(packetString(p))) > 0
	case ldap.FilterSubstrings:
		if len(p.Children) != 2 {
			return false
		}
		for _, v := range get(packetString(p.Children[0])) {
			if matchSubstrings(strings.ToLower(v), p.Children[1].Children) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchSubstrings(v string, parts []*ber.Packet) bool {
	pos := 0
	for i, part := range parts {
		s := strings.ToLower(packetString(part))
		switch int(part.Tag) {
		case ldap.FilterSubstringsInitial:
			if i != 0 || !strings.HasPrefix(v, s) {
				return false
			}
			pos = len(s)
		case ldap.FilterSubstringsAny:
			idx := strings.Index(v[pos:], s)
			if idx < 0 {
				return false
			}
			pos += idx + len(s)
		case ldap.FilterSubstringsFinal:
			if !strings.HasSuffix(v[pos:], s) {
				return false
			}
			pos = len(v)
		}
	}
	return true
}

func hasSubstrings(p *ber.Packet) bool {
	switch int(p.Tag) {
	case ldap.FilterSubstrings:
		return true
	case ldap.FilterAnd, ldap.FilterOr, ldap.FilterNot:
		for _, child := range p.Children {
			if hasSubstrings(child) {
				return true
			}
		}
	}
	return false
}

func packetString(p *ber.Packet) string {
	if s, ok := p.Value.(string); ok {
		return s
	}
	if p.Data != nil {
		return p.Data.String()
	}
	return ""
}
