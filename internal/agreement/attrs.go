package agreement

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/clayne/389-ds-base/internal/errors"
)

// Agreement attributes
const (
	AttrEnabled    = "nsds5ReplicaEnabled"
	AttrSchedule   = "nsds5ReplicaUpdateSchedule"
	AttrStripAttrs = "nsds5ReplicaStripAttrs"
	AttrBackoffMin = "nsds5ReplicaBackoffMin"
	AttrBackoffMax = "nsds5ReplicaBackoffMax"
	AttrHost       = "nsds5ReplicaHost"
	AttrPort       = "nsds5ReplicaPort"
	AttrRoot       = "nsds5ReplicaRoot"
)

// Replica attributes
const (
	AttrReplicaID           = "nsds5ReplicaId"
	AttrPurgeDelay          = "nsds5ReplicaPurgeDelay"
	AttrChangelogMaxAge     = "nsslapd-changelogmaxage"
	AttrChangelogMaxEntries = "nsslapd-changelogmaxentries"
)

// Modifications of these are accepted and have no effect.
var ignoredAttrs = map[string]struct{}{
	"modifiersname":   {},
	"modifytimestamp": {},
	"description":     {},
}

func isIgnored(attr string) bool {
	_, ok := ignoredAttrs[strings.ToLower(attr)]
	return ok
}

func notAllowed(attr string) error {
	return errors.Validation(fmt.Sprintf("Modification of %s attribute is not allowed", attr))
}

// ParseEnabled accepts "on" and "off", case-insensitively.
func ParseEnabled(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, errors.InvalidAttribute(AttrEnabled, v, "valid values are \"on\" or \"off\"")
}

func formatEnabled(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// parseSeconds reads a whole number of seconds greater than zero.
func parseSeconds(attr, v string) (time.Duration, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.InvalidAttribute(attr, v, "must be a number greater than zero")
	}
	return time.Duration(n) * time.Second, nil
}

// ParseAge reads a changelog max-age: a number followed by an optional unit
// s, m, h, d or w. A bare number is seconds; 0 disables age trimming.
func ParseAge(v string) (time.Duration, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return 0, fmt.Errorf("empty age")
	}
	unit := time.Second
	switch v[len(v)-1] {
	case 's':
		v = v[:len(v)-1]
	case 'm':
		unit, v = time.Minute, v[:len(v)-1]
	case 'h':
		unit, v = time.Hour, v[:len(v)-1]
	case 'd':
		unit, v = 24*time.Hour, v[:len(v)-1]
	case 'w':
		unit, v = 7*24*time.Hour, v[:len(v)-1]
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid age %q", v)
	}
	return time.Duration(n) * unit, nil
}

// SetAttr applies one attribute modification to a. It only checks the value's
// own syntax; cross-field rules are enforced by Validate.
func (a *Agreement) SetAttr(attr, value string) error {
	switch {
	case isIgnored(attr):
		return nil
	case strings.EqualFold(attr, AttrEnabled):
		enabled, err := ParseEnabled(value)
		if err != nil {
			return err
		}
		a.Enabled = enabled
	case strings.EqualFold(attr, AttrSchedule):
		if _, err := ParseSchedule(value); err != nil {
			return errors.InvalidAttribute(attr, value, err.Error())
		}
		a.Schedule = strings.TrimSpace(value)
	case strings.EqualFold(attr, AttrStripAttrs):
		a.StripAttrs = strings.Fields(value)
	case strings.EqualFold(attr, AttrBackoffMin):
		d, err := parseSeconds(AttrBackoffMin, value)
		if err != nil {
			return err
		}
		a.BackoffMin = d
	case strings.EqualFold(attr, AttrBackoffMax):
		d, err := parseSeconds(AttrBackoffMax, value)
		if err != nil {
			return err
		}
		a.BackoffMax = d
	case strings.EqualFold(attr, AttrHost):
		a.RemoteHost = strings.TrimSpace(value)
	case strings.EqualFold(attr, AttrPort):
		port, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return errors.InvalidAttribute(attr, value, "must be a port number")
		}
		a.RemotePort = port
	case strings.EqualFold(attr, AttrRoot):
		a.Suffix = strings.TrimSpace(value)
	default:
		return notAllowed(attr)
	}
	return nil
}

// GetAttr returns the attribute's current value in its attribute syntax.
func (a *Agreement) GetAttr(attr string) (string, error) {
	switch {
	case strings.EqualFold(attr, AttrEnabled):
		return formatEnabled(a.Enabled), nil
	case strings.EqualFold(attr, AttrSchedule):
		return a.Schedule, nil
	case strings.EqualFold(attr, AttrStripAttrs):
		return strings.Join(a.StripAttrs, " "), nil
	case strings.EqualFold(attr, AttrBackoffMin):
		return seconds(a.BackoffMin), nil
	case strings.EqualFold(attr, AttrBackoffMax):
		return seconds(a.BackoffMax), nil
	case strings.EqualFold(attr, AttrHost):
		return a.RemoteHost, nil
	case strings.EqualFold(attr, AttrPort):
		return strconv.Itoa(a.RemotePort), nil
	case strings.EqualFold(attr, AttrRoot):
		return a.Suffix, nil
	}
	return "", errors.NotFound(attr)
}
