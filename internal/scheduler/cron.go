package scheduler

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// fieldSet holds the allowed values of one cron field as a bitmask.
type fieldSet uint64

func (f fieldSet) has(v int) bool { return f&(1<<uint(v)) != 0 }

// first returns the smallest member >= v, or -1.
func (f fieldSet) first(v int) int {
	rest := f >> uint(v)
	if rest == 0 {
		return -1
	}
	return v + bits.TrailingZeros64(uint64(rest))
}

// CronExpr is a parsed 5-field cron expression: minute, hour, day of month,
// month, day of week (0 = Sunday).
type CronExpr struct {
	raw                           string
	minute, hour, dom, month, dow fieldSet
	domAny, dowAny                bool
}

var cronFields = [5]struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseCron parses "*", "*/N", "N", "N-M", "N-M/S" and comma lists.
func ParseCron(expr string) (*CronExpr, error) {
	fields := strings.Fields(expr)
	if len(fields) != len(cronFields) {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}
	var sets [5]fieldSet
	for i, f := range fields {
		set, err := parseField(f, cronFields[i].min, cronFields[i].max)
		if err != nil {
			return nil, fmt.Errorf("cron: %s: %w", cronFields[i].name, err)
		}
		sets[i] = set
	}
	return &CronExpr{
		raw:    expr,
		minute: sets[0], hour: sets[1], dom: sets[2], month: sets[3], dow: sets[4],
		domAny: fields[2] == "*",
		dowAny: fields[4] == "*",
	}, nil
}

func (c *CronExpr) String() string { return c.raw }

// Matches reports whether t (truncated to the minute) fires the expression.
func (c *CronExpr) Matches(t time.Time) bool {
	return c.minute.has(t.Minute()) && c.hour.has(t.Hour()) &&
		c.month.has(int(t.Month())) && c.dayMatches(t)
}

// dayMatches applies the classic rule: when both day fields are restricted,
// either may match.
func (c *CronExpr) dayMatches(t time.Time) bool {
	dom, dow := c.dom.has(t.Day()), c.dow.has(int(t.Weekday()))
	switch {
	case c.domAny && c.dowAny:
		return true
	case c.domAny:
		return dow
	case c.dowAny:
		return dom
	}
	return dom || dow
}

// Next returns the first matching minute strictly after t, or the zero time
// when nothing matches within two years.
func (c *CronExpr) Next(t time.Time) time.Time {
	loc := t.Location()
	cur := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(2, 0, 0)

	for cur.Before(limit) {
		if !c.month.has(int(cur.Month())) {
			cur = time.Date(cur.Year(), cur.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !c.dayMatches(cur) {
			cur = time.Date(cur.Year(), cur.Month(), cur.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if h := c.hour.first(cur.Hour()); h != cur.Hour() {
			if h < 0 {
				cur = time.Date(cur.Year(), cur.Month(), cur.Day()+1, 0, 0, 0, 0, loc)
			} else {
				cur = time.Date(cur.Year(), cur.Month(), cur.Day(), h, 0, 0, 0, loc)
			}
			continue
		}
		if m := c.minute.first(cur.Minute()); m != cur.Minute() {
			if m < 0 {
				cur = time.Date(cur.Year(), cur.Month(), cur.Day(), cur.Hour()+1, 0, 0, 0, loc)
			} else {
				cur = time.Date(cur.Year(), cur.Month(), cur.Day(), cur.Hour(), m, 0, 0, loc)
			}
			continue
		}
		return cur
	}
	return time.Time{}
}

func parseField(field string, min, max int) (fieldSet, error) {
	var set fieldSet
	for _, part := range strings.Split(field, ",") {
		lo, hi, step, err := parseRange(part, min, max)
		if err != nil {
			return 0, err
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

// parseRange parses one list element into an inclusive range and step.
func parseRange(part string, min, max int) (lo, hi, step int, err error) {
	rng, stepStr, hasStep := strings.Cut(part, "/")
	step = 1
	if hasStep {
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid step %q", part)
		}
	}
	switch {
	case rng == "*":
		return min, max, step, nil
	case strings.Contains(rng, "-"):
		a, b, _ := strings.Cut(rng, "-")
		if lo, err = strconv.Atoi(a); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range start %q", a)
		}
		if hi, err = strconv.Atoi(b); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range end %q", b)
		}
	default:
		if hasStep {
			return 0, 0, 0, fmt.Errorf("step needs a range: %q", part)
		}
		if lo, err = strconv.Atoi(rng); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid value %q", rng)
		}
		hi = lo
	}
	if lo < min || hi > max || lo > hi {
		return 0, 0, 0, fmt.Errorf("%d-%d out of bounds [%d,%d]", lo, hi, min, max)
	}
	return lo, hi, step, nil
}
