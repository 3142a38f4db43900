package ldaputil

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Normalize returns the canonical form of a DN used for lookups: attribute types
// and values lower-cased, insignificant spaces removed, values re-escaped.
//
// Input:  "CN=John Doe, OU=People,dc=Example,dc=com"
// Output: "cn=john doe,ou=people,dc=example,dc=com"
func Normalize(dn string) (string, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return "", nil
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	return rebuild(parsed.RDNs, true), nil
}

// Parent returns the DN without its leftmost RDN. A single-RDN DN has the root
// as parent, returned as "".
func Parent(dn string) (string, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	if len(parsed.RDNs) <= 1 {
		return "", nil
	}
	return rebuild(parsed.RDNs[1:], false), nil
}

// RDN returns the leftmost RDN as a string, e.g. "cn=John Doe".
func RDN(dn string) (string, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}
	if len(parsed.RDNs) == 0 {
		return "", fmt.Errorf("DN cannot be empty")
	}
	return rebuild(parsed.RDNs[:1], false), nil
}

// RDNAttrs returns the type/value pairs of the leftmost RDN, unescaped.
func RDNAttrs(rdn string) ([]*ldap.AttributeTypeAndValue, error) {
	parsed, err := ldap.ParseDN(rdn)
	if err != nil {
		return nil, fmt.Errorf("invalid RDN syntax: %w", err)
	}
	if len(parsed.RDNs) == 0 {
		return nil, fmt.Errorf("RDN cannot be empty")
	}
	return parsed.RDNs[0].Attributes, nil
}

// Join places rdn under parent.
func Join(rdn, parent string) string {
	if parent == "" {
		return rdn
	}
	return rdn + "," + parent
}

// ConflictDN returns the DN a losing entry is renamed to during a naming
// conflict: nsuniqueid=<id>+<rdn>,<parent>.
func ConflictDN(uniqueID, dn string) (string, error) {
	rdn, err := RDN(dn)
	if err != nil {
		return "", err
	}
	parent, err := Parent(dn)
	if err != nil {
		return "", err
	}
	return Join(fmt.Sprintf("nsuniqueid=%s+%s", EscapeValue(uniqueID), rdn), parent), nil
}

// IsUnder reports whether dn equals base or is one of its descendants. Both
// must already be normalized.
func IsUnder(dn, base string) bool {
	if base == "" || dn == base {
		return true
	}
	return strings.HasSuffix(dn, ","+base)
}

// EscapeValue escapes an attribute value for use in a DN string (RFC 4514).
func EscapeValue(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		ch := v[i]
		switch {
		case ch == ',' || ch == '+' || ch == '"' || ch == '\\' || ch == '<' || ch == '>' || ch == ';':
			b.WriteByte('\\')
			b.WriteByte(ch)
		case ch == ' ' && (i == 0 || i == len(v)-1):
			b.WriteString("\\ ")
		case ch == '#' && i == 0:
			b.WriteString("\\#")
		case ch == 0:
			b.WriteString("\\00")
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func rebuild(rdns []*ldap.RelativeDN, lower bool) string {
	parts := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		attrs := make([]string, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			typ, val := attr.Type, attr.Value
			if lower {
				typ, val = strings.ToLower(typ), strings.ToLower(val)
			}
			attrs = append(attrs, typ+"="+EscapeValue(val))
		}
		parts = append(parts, strings.Join(attrs, "+"))
	}
	return strings.Join(parts, ",")
}
