package csn

import (
	"fmt"
	"strconv"
)

// CSN is a change sequence number. CSNs are totally ordered by
// (Timestamp, ReplicaID, Seq, Subseq).
type CSN struct {
	Timestamp uint64
	Seq       uint16
	ReplicaID uint16
	Subseq    uint16
}

// Zero is the unset CSN. It compares lower than every generated CSN.
var Zero CSN

// IsZero reports whether c is unset.
func (c CSN) IsZero() bool {
	return c == Zero
}

// Compare returns -1, 0 or +1.
func (c CSN) Compare(o CSN) int {
	switch {
	case c.Timestamp != o.Timestamp:
		return cmp64(c.Timestamp, o.Timestamp)
	case c.ReplicaID != o.ReplicaID:
		return cmp64(uint64(c.ReplicaID), uint64(o.ReplicaID))
	case c.Seq != o.Seq:
		return cmp64(uint64(c.Seq), uint64(o.Seq))
	default:
		return cmp64(uint64(c.Subseq), uint64(o.Subseq))
	}
}

func (c CSN) Less(o CSN) bool  { return c.Compare(o) < 0 }
func (c CSN) After(o CSN) bool { return c.Compare(o) > 0 }

// Max returns the greater of two CSNs.
func Max(a, b CSN) CSN {
	if a.Less(b) {
		return b
	}
	return a
}

// String renders the 20 hex digit form: timestamp, sequence, replica ID, subsequence.
func (c CSN) String() string {
	return fmt.Sprintf("%08x%04x%04x%04x", c.Timestamp, c.Seq, c.ReplicaID, c.Subseq)
}

// Parse reads the form produced by String. Timestamps wider than 32 bits
// produce longer strings; the trailing 12 digits are always fixed width.
func Parse(s string) (CSN, error) {
	if len(s) < 20 {
		return Zero, fmt.Errorf("invalid CSN %q: too short", s)
	}
	tail := len(s) - 12
	ts, err := strconv.ParseUint(s[:tail], 16, 64)
	if err != nil {
		return Zero, fmt.Errorf("invalid CSN %q: %w", s, err)
	}
	var parts [3]uint16
	for i := range parts {
		v, err := strconv.ParseUint(s[tail+4*i:tail+4*i+4], 16, 16)
		if err != nil {
			return Zero, fmt.Errorf("invalid CSN %q: %w", s, err)
		}
		parts[i] = uint16(v)
	}
	return CSN{Timestamp: ts, Seq: parts[0], ReplicaID: parts[1], Subseq: parts[2]}, nil
}

// MarshalText lets CSNs be used as JSON map keys and YAML scalars.
func (c CSN) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *CSN) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func cmp64(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
