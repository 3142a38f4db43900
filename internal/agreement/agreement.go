package agreement

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/clayne/389-ds-base/internal/errors"
	"github.com/clayne/389-ds-base/internal/ldaputil"
)

// State is the administrative state of an agreement
type State string

const (
	StateActive State = "active"
	StatePaused State = "paused"
)

// Agreement describes replication from the local replica to one peer for one
// suffix. Zero backoff bounds inherit the replica settings.
type Agreement struct {
	ID              string        `yaml:"id" json:"id"`
	Name            string        `yaml:"name,omitempty" json:"name,omitempty"`
	ReplicaID       uint16        `yaml:"replica_id" json:"replica_id"`
	RemoteHost      string        `yaml:"remote_host" json:"remote_host"`
	RemotePort      int           `yaml:"remote_port" json:"remote_port"`
	RemoteReplicaID uint16        `yaml:"remote_replica_id" json:"remote_replica_id"`
	Suffix          string        `yaml:"suffix" json:"suffix"`
	Schedule        string        `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	StripAttrs      []string      `yaml:"strip_attrs,omitempty" json:"strip_attrs,omitempty"`
	BackoffMin      time.Duration `yaml:"backoff_min,omitempty" json:"backoff_min,omitempty"`
	BackoffMax      time.Duration `yaml:"backoff_max,omitempty" json:"backoff_max,omitempty"`
	State           State         `yaml:"state" json:"state"`
}

// Addr returns the peer's host:port.
func (a *Agreement) Addr() string {
	return net.JoinHostPort(a.RemoteHost, strconv.Itoa(a.RemotePort))
}

// Copy returns a deep copy.
func (a *Agreement) Copy() *Agreement {
	out := *a
	out.StripAttrs = append([]string(nil), a.StripAttrs...)
	return &out
}

// ParsedSchedule returns the parsed update schedule.
func (a *Agreement) ParsedSchedule() Schedule {
	s, err := ParseSchedule(a.Schedule)
	if err != nil {
		return Always
	}
	return s
}

// Validate checks a whole agreement. The first violation is returned as a
// Validation error naming the offending attribute.
func Validate(a *Agreement) error {
	if a.ID == "" {
		return errors.Validation("agreement id cannot be empty")
	}
	if a.RemoteHost == "" {
		return errors.InvalidAttribute(AttrHost, a.RemoteHost, "remote host cannot be empty")
	}
	if a.RemotePort <= 0 || a.RemotePort > 65535 {
		return errors.InvalidAttribute(AttrPort, strconv.Itoa(a.RemotePort), "must be between 1 and 65535")
	}
	if _, err := ldaputil.Normalize(a.Suffix); err != nil || a.Suffix == "" {
		return errors.InvalidAttribute(AttrRoot, a.Suffix, "must be a valid DN")
	}
	if a.ReplicaID != 0 && a.ReplicaID == a.RemoteReplicaID {
		return errors.Validation(fmt.Sprintf("agreement %s replicates replica %d to itself", a.ID, a.ReplicaID))
	}
	if _, err := ParseSchedule(a.Schedule); err != nil {
		return errors.InvalidAttribute(AttrSchedule, a.Schedule, err.Error())
	}
	if a.BackoffMin < 0 {
		return errors.InvalidAttribute(AttrBackoffMin, seconds(a.BackoffMin), "must be a positive number")
	}
	if a.BackoffMax < 0 {
		return errors.InvalidAttribute(AttrBackoffMax, seconds(a.BackoffMax), "must be a positive number")
	}
	if a.BackoffMin > 0 && a.BackoffMax > 0 && a.BackoffMin > a.BackoffMax {
		return errors.InvalidAttribute(AttrBackoffMax, seconds(a.BackoffMax),
			fmt.Sprintf("must be greater than or equal to %s (%s)", AttrBackoffMin, seconds(a.BackoffMin)))
	}
	switch a.State {
	case StateActive, StatePaused, "":
	default:
		return errors.Validation(fmt.Sprintf("unknown agreement state %q", a.State))
	}
	return nil
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
