package agreement

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"

	"github.com/clayne/389-ds-base/internal/errors"
	"github.com/clayne/389-ds-base/internal/ldaputil"
)

// ReplicaSettings are the replica-wide replication attributes of one suffix.
type ReplicaSettings struct {
	ReplicaID           uint16        `yaml:"replica_id" json:"replica_id"`
	Suffix              string        `yaml:"suffix" json:"suffix"`
	PurgeDelay          time.Duration `yaml:"purge_delay" json:"purge_delay" default:"168h"`
	BackoffMin          time.Duration `yaml:"backoff_min" json:"backoff_min" default:"3s"`
	BackoffMax          time.Duration `yaml:"backoff_max" json:"backoff_max" default:"5m"`
	ChangelogMaxAge     string        `yaml:"changelog_max_age" json:"changelog_max_age" default:"7d"`
	ChangelogMaxEntries int           `yaml:"changelog_max_entries" json:"changelog_max_entries" default:"0"`
}

// DefaultSettings returns settings for replicaID/suffix with every other field
// at its default.
func DefaultSettings(replicaID uint16, suffix string) ReplicaSettings {
	s := ReplicaSettings{ReplicaID: replicaID, Suffix: suffix}
	if err := defaults.Set(&s); err != nil {
		panic(fmt.Sprintf("invalid replica defaults: %v", err))
	}
	return s
}

// MaxAge returns the parsed changelog max-age.
func (s *ReplicaSettings) MaxAge() time.Duration {
	d, err := ParseAge(s.ChangelogMaxAge)
	if err != nil {
		return 0
	}
	return d
}

// ValidateSettings checks replica settings.
func ValidateSettings(s *ReplicaSettings) error {
	if s.ReplicaID == 0 || s.ReplicaID == 65535 {
		return errors.InvalidAttribute(AttrReplicaID, strconv.Itoa(int(s.ReplicaID)), "must be between 1 and 65534")
	}
	if _, err := ldaputil.Normalize(s.Suffix); err != nil || s.Suffix == "" {
		return errors.InvalidAttribute(AttrRoot, s.Suffix, "must be a valid DN")
	}
	if s.PurgeDelay < 0 {
		return errors.InvalidAttribute(AttrPurgeDelay, seconds(s.PurgeDelay), "must not be negative")
	}
	if s.BackoffMin <= 0 {
		return errors.InvalidAttribute(AttrBackoffMin, seconds(s.BackoffMin), "must be a number greater than zero")
	}
	if s.BackoffMax <= 0 {
		return errors.InvalidAttribute(AttrBackoffMax, seconds(s.BackoffMax), "must be a number greater than zero")
	}
	if s.BackoffMin > s.BackoffMax {
		return errors.InvalidAttribute(AttrBackoffMax, seconds(s.BackoffMax),
			fmt.Sprintf("must be greater than or equal to %s (%s)", AttrBackoffMin, seconds(s.BackoffMin)))
	}
	if _, err := ParseAge(s.ChangelogMaxAge); err != nil {
		return errors.InvalidAttribute(AttrChangelogMaxAge, s.ChangelogMaxAge, err.Error())
	}
	if s.ChangelogMaxEntries < 0 {
		return errors.InvalidAttribute(AttrChangelogMaxEntries, strconv.Itoa(s.ChangelogMaxEntries), "must not be negative")
	}
	return nil
}

// SetAttr applies one replica attribute modification, syntax only.
func (s *ReplicaSettings) SetAttr(attr, value string) error {
	switch {
	case isIgnored(attr):
		return nil
	case strings.EqualFold(attr, AttrReplicaID):
		n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 16)
		if err != nil {
			return errors.InvalidAttribute(attr, value, "must be between 1 and 65534")
		}
		s.ReplicaID = uint16(n)
	case strings.EqualFold(attr, AttrPurgeDelay):
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || n < 0 {
			return errors.InvalidAttribute(attr, value, "must be a number of seconds")
		}
		s.PurgeDelay = time.Duration(n) * time.Second
	case strings.EqualFold(attr, AttrBackoffMin):
		d, err := parseSeconds(AttrBackoffMin, value)
		if err != nil {
			return err
		}
		s.BackoffMin = d
	case strings.EqualFold(attr, AttrBackoffMax):
		d, err := parseSeconds(AttrBackoffMax, value)
		if err != nil {
			return err
		}
		s.BackoffMax = d
	case strings.EqualFold(attr, AttrChangelogMaxAge):
		if _, err := ParseAge(value); err != nil {
			return errors.InvalidAttribute(attr, value, err.Error())
		}
		s.ChangelogMaxAge = strings.TrimSpace(value)
	case strings.EqualFold(attr, AttrChangelogMaxEntries):
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return errors.InvalidAttribute(attr, value, "must be a non-negative number")
		}
		s.ChangelogMaxEntries = n
	default:
		return notAllowed(attr)
	}
	return nil
}

// GetAttr returns a replica attribute in its attribute syntax.
func (s *ReplicaSettings) GetAttr(attr string) (string, error) {
	switch {
	case strings.EqualFold(attr, AttrReplicaID):
		return strconv.Itoa(int(s.ReplicaID)), nil
	case strings.EqualFold(attr, AttrRoot):
		return s.Suffix, nil
	case strings.EqualFold(attr, AttrPurgeDelay):
		return seconds(s.PurgeDelay), nil
	case strings.EqualFold(attr, AttrBackoffMin):
		return seconds(s.BackoffMin), nil
	case strings.EqualFold(attr, AttrBackoffMax):
		return seconds(s.BackoffMax), nil
	case strings.EqualFold(attr, AttrChangelogMaxAge):
		return s.ChangelogMaxAge, nil
	case strings.EqualFold(attr, AttrChangelogMaxEntries):
		return strconv.Itoa(s.ChangelogMaxEntries), nil
	}
	return "", errors.NotFound(attr)
}

// ResetAttr restores attr to its default value.
func (s *ReplicaSettings) ResetAttr(attr string) error {
	def := DefaultSettings(s.ReplicaID, s.Suffix)
	switch {
	case strings.EqualFold(attr, AttrPurgeDelay):
		s.PurgeDelay = def.PurgeDelay
	case strings.EqualFold(attr, AttrBackoffMin):
		s.BackoffMin = def.BackoffMin
	case strings.EqualFold(attr, AttrBackoffMax):
		s.BackoffMax = def.BackoffMax
	case strings.EqualFold(attr, AttrChangelogMaxAge):
		s.ChangelogMaxAge = def.ChangelogMaxAge
	case strings.EqualFold(attr, AttrChangelogMaxEntries):
		s.ChangelogMaxEntries = def.ChangelogMaxEntries
	case isIgnored(attr):
	default:
		return notAllowed(attr)
	}
	return nil
}
