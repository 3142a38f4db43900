package agreement

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a replication update window: "HHMM-HHMM D+" where each D is a
// weekday digit, 0 for Sunday through 6 for Saturday. Both bounds are
// inclusive. A window whose start is after its end runs past midnight and
// belongs to the day it starts on. The empty schedule is always open.
type Schedule struct {
	raw   string
	start int // minutes since midnight
	end   int
	days  [7]bool
}

// Always is the schedule that never closes.
var Always = Schedule{}

// ParseSchedule parses the nsds5ReplicaUpdateSchedule syntax.
func ParseSchedule(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return Always, nil
	}

	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Schedule{}, fmt.Errorf("schedule %q must be \"HHMM-HHMM DAYS\"", s)
	}

	bounds := strings.Split(fields[0], "-")
	if len(bounds) != 2 {
		return Schedule{}, fmt.Errorf("schedule %q has no time range", s)
	}
	start, err := parseHHMM(bounds[0])
	if err != nil {
		return Schedule{}, err
	}
	end, err := parseHHMM(bounds[1])
	if err != nil {
		return Schedule{}, err
	}

	sched := Schedule{raw: s, start: start, end: end}
	for _, ch := range fields[1] {
		if ch < '0' || ch > '6' {
			return Schedule{}, fmt.Errorf("schedule %q has invalid day %q", s, ch)
		}
		if sched.days[ch-'0'] {
			return Schedule{}, fmt.Errorf("schedule %q repeats day %q", s, ch)
		}
		sched.days[ch-'0'] = true
	}
	return sched, nil
}

func parseHHMM(s string) (int, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("time %q must be HHMM", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("time %q must be HHMM", s)
	}
	h, m := n/100, n%100
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("time %q out of range 0000-2359", s)
	}
	return h*60 + m, nil
}

// IsAlways reports whether the schedule never closes.
func (s Schedule) IsAlways() bool {
	return s.raw == ""
}

func (s Schedule) String() string {
	return s.raw
}

// Open reports whether replication may run at t (local time of t).
func (s Schedule) Open(t time.Time) bool {
	if s.IsAlways() {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	day := int(t.Weekday())
	if s.start <= s.end {
		return s.days[day] && m >= s.start && m <= s.end
	}
	prev := (day + 6) % 7
	return (s.days[day] && m >= s.start) || (s.days[prev] && m <= s.end)
}

// NextOpen returns the first minute boundary at or after t when the window is
// open, or the zero time when it never opens.
func (s Schedule) NextOpen(t time.Time) time.Time {
	return s.next(t, true)
}

// NextClose returns the first minute boundary after t when the window is
// closed, or the zero time when it never closes.
func (s Schedule) NextClose(t time.Time) time.Time {
	return s.next(t, false)
}

func (s Schedule) next(t time.Time, open bool) time.Time {
	if s.IsAlways() {
		if open {
			return t
		}
		return time.Time{}
	}
	if s.Open(t) == open {
		return t
	}
	cur := t.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < 8*24*60; i++ {
		if s.Open(cur) == open {
			return cur
		}
		cur = cur.Add(time.Minute)
	}
	return time.Time{}
}
