package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// CronSchedule is a parsed standard 5-field cron expression
// (minute hour day month weekday).
type CronSchedule struct {
	minute, hour, day, month, weekday fieldSet
	raw                               string
}

// fieldSet is the set of permitted values for one cron field.
type fieldSet map[int]bool

// ParseCron parses a 5-field cron expression. Supports `*`, lists (1,5),
// ranges (1-5), and steps (*/2). Weekday 0-6 is Sunday-Saturday.
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d", domain.ErrInvalidSchedule, len(fields))
	}
	ranges := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	sets := make([]fieldSet, 5)
	for i, f := range fields {
		set, err := parseField(f, ranges[i][0], ranges[i][1])
		if err != nil {
			return nil, fmt.Errorf("%w: field %d (%q): %v", domain.ErrInvalidSchedule, i, f, err)
		}
		sets[i] = set
	}
	return &CronSchedule{
		minute:  sets[0],
		hour:    sets[1],
		day:     sets[2],
		month:   sets[3],
		weekday: sets[4],
		raw:     expr,
	}, nil
}

func parseField(f string, lo, hi int) (fieldSet, error) {
	set := make(fieldSet)
	for _, part := range strings.Split(f, ",") {
		if err := parsePart(part, lo, hi, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func parsePart(part string, lo, hi int, set fieldSet) error {
	step := 1
	base := part
	if idx := strings.Index(part, "/"); idx >= 0 {
		base = part[:idx]
		s, err := strconv.Atoi(part[idx+1:])
		if err != nil || s <= 0 {
			return fmt.Errorf("invalid step %q", part[idx+1:])
		}
		step = s
	}

	var start, end int
	switch {
	case base == "*":
		start, end = lo, hi
	case strings.Contains(base, "-"):
		parts := strings.SplitN(base, "-", 2)
		a, err1 := strconv.Atoi(parts[0])
		b, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || a > b {
			return fmt.Errorf("invalid range %q", base)
		}
		start, end = a, b
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return fmt.Errorf("invalid value %q", base)
		}
		start, end = v, v
	}
	if start < lo || end > hi {
		return fmt.Errorf("value out of range [%d,%d]", lo, hi)
	}
	for v := start; v <= end; v += step {
		set[v] = true
	}
	return nil
}

// Matches reports whether t falls on this schedule, evaluated at minute
// resolution (seconds/nanoseconds ignored).
func (c *CronSchedule) Matches(t time.Time) bool {
	if !c.minute[t.Minute()] {
		return false
	}
	if !c.hour[t.Hour()] {
		return false
	}
	if !c.day[t.Day()] {
		return false
	}
	if !c.month[int(t.Month())] {
		return false
	}
	if !c.weekday[int(t.Weekday())] {
		return false
	}
	return true
}

// String returns the original expression.
func (c *CronSchedule) String() string { return c.raw }
