package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSchedule is returned for malformed, overlapping, gapped or
// non-ascending schedule text.
var ErrInvalidSchedule = errors.New("invalid schedule")

const (
	dayStart = 0
	dayEnd   = 23*60 + 59 // last covered minute
)

// Entry is one priority bucket of an interval: sessions with priority >= the
// threshold (and below any higher threshold) count against Cap amperes.
type Entry struct {
	Threshold int
	Cap       int
}

// Interval covers the minutes [Start, End] of the day, both inclusive.
type Interval struct {
	Start   int // minute of day
	End     int // minute of day
	Entries []Entry // ascending by threshold, non-empty
}

// Schedule is a covering partition of the 24-hour day into intervals, each
// mapping priority thresholds to current caps.
//
// Text form: "HH:MM-HH:MM>PRIO=CAP[:PRIO=CAP]*;..." e.g.
// "00:00-16:59>0=48;17:00-20:59>0=0:5=48;21:00-23:59>0=32:5=48".
type Schedule struct {
	intervals []Interval
}

// Parse validates and builds a Schedule from its text form.
func Parse(text string) (*Schedule, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty schedule", ErrInvalidSchedule)
	}

	var intervals []Interval
	for _, token := range strings.Split(text, ";") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		iv, err := parseInterval(token)
		if err != nil {
			return nil, err
		}
		intervals = append(intervals, iv)
	}
	if len(intervals) == 0 {
		return nil, fmt.Errorf("%w: no intervals", ErrInvalidSchedule)
	}

	sort.Slice(intervals, func(i, j int) bool { return intervals[i].Start < intervals[j].Start })

	// Intervals must partition the day without overlap or gap.
	if intervals[0].Start != dayStart {
		return nil, fmt.Errorf("%w: day must start at 00:00, got %s", ErrInvalidSchedule, minuteStr(intervals[0].Start))
	}
	for i := 1; i < len(intervals); i++ {
		prev, cur := intervals[i-1], intervals[i]
		switch {
		case cur.Start <= prev.End:
			return nil, fmt.Errorf("%w: interval starting %s overlaps previous", ErrInvalidSchedule, minuteStr(cur.Start))
		case cur.Start != prev.End+1:
			return nil, fmt.Errorf("%w: gap between %s and %s", ErrInvalidSchedule, minuteStr(prev.End), minuteStr(cur.Start))
		}
	}
	if intervals[len(intervals)-1].End != dayEnd {
		return nil, fmt.Errorf("%w: day must end at 23:59, got %s", ErrInvalidSchedule, minuteStr(intervals[len(intervals)-1].End))
	}

	return &Schedule{intervals: intervals}, nil
}

func parseInterval(token string) (Interval, error) {
	span, values, ok := strings.Cut(token, ">")
	if !ok {
		return Interval{}, fmt.Errorf("%w: missing '>' in %q", ErrInvalidSchedule, token)
	}
	from, to, ok := strings.Cut(span, "-")
	if !ok {
		return Interval{}, fmt.Errorf("%w: missing '-' in %q", ErrInvalidSchedule, span)
	}
	start, err := parseMinute(from)
	if err != nil {
		return Interval{}, err
	}
	end, err := parseMinute(to)
	if err != nil {
		return Interval{}, err
	}
	if end < start {
		return Interval{}, fmt.Errorf("%w: interval %q ends before it starts", ErrInvalidSchedule, span)
	}

	var entries []Entry
	for _, pair := range strings.Split(values, ":") {
		prioStr, capStr, ok := strings.Cut(pair, "=")
		if !ok {
			return Interval{}, fmt.Errorf("%w: malformed entry %q", ErrInvalidSchedule, pair)
		}
		prio, err := strconv.Atoi(prioStr)
		if err != nil || prio < 0 {
			return Interval{}, fmt.Errorf("%w: bad priority %q", ErrInvalidSchedule, prioStr)
		}
		amps, err := strconv.Atoi(capStr)
		if err != nil || amps < 0 {
			return Interval{}, fmt.Errorf("%w: bad cap %q", ErrInvalidSchedule, capStr)
		}
		if len(entries) > 0 && prio <= entries[len(entries)-1].Threshold {
			return Interval{}, fmt.Errorf("%w: priorities not ascending in %q", ErrInvalidSchedule, token)
		}
		entries = append(entries, Entry{Threshold: prio, Cap: amps})
	}
	if len(entries) == 0 {
		return Interval{}, fmt.Errorf("%w: no priority entries in %q", ErrInvalidSchedule, token)
	}

	return Interval{Start: start, End: end, Entries: entries}, nil
}

func parseMinute(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, fmt.Errorf("%w: bad time %q", ErrInvalidSchedule, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: bad hour %q", ErrInvalidSchedule, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: bad minute %q", ErrInvalidSchedule, s)
	}
	return h*60 + m, nil
}

func minuteStr(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// at returns the interval covering t.
func (s *Schedule) at(t time.Time) Interval {
	minute := t.Hour()*60 + t.Minute()
	for _, iv := range s.intervals {
		if minute >= iv.Start && minute <= iv.End {
			return iv
		}
	}
	// Unreachable for a parsed schedule; keep the zero value path safe.
	return Interval{}
}

// CapAt returns the cap (in whole amperes) governing a session of the given
// priority at time t. A priority below every threshold returns 0: charging at
// that priority is disabled in that window.
func (s *Schedule) CapAt(t time.Time, priority int) int {
	iv := s.at(t)
	for i := len(iv.Entries) - 1; i >= 0; i-- {
		if priority >= iv.Entries[i].Threshold {
			return iv.Entries[i].Cap
		}
	}
	return 0
}

// MaxCap returns the cap of the highest threshold at time t, the overall
// budget of the interval.
func (s *Schedule) MaxCap(t time.Time) int {
	iv := s.at(t)
	if len(iv.Entries) == 0 {
		return 0
	}
	return iv.Entries[len(iv.Entries)-1].Cap
}

// Buckets returns the (threshold, cap) entries governing time t, highest
// threshold first. The allocator charges each connector against the first
// bucket whose threshold its priority reaches.
func (s *Schedule) Buckets(t time.Time) []Entry {
	iv := s.at(t)
	out := make([]Entry, len(iv.Entries))
	for i, e := range iv.Entries {
		out[len(iv.Entries)-1-i] = e
	}
	return out
}

// String reserializes the schedule in canonical text form. Parsing the result
// yields an equivalent schedule.
func (s *Schedule) String() string {
	var b strings.Builder
	for i, iv := range s.intervals {
		if i > 0 {
			b.WriteByte(';')
		}
		fmt.Fprintf(&b, "%s-%s>", minuteStr(iv.Start), minuteStr(iv.End))
		for j, e := range iv.Entries {
			if j > 0 {
				b.WriteByte(':')
			}
			fmt.Fprintf(&b, "%d=%d", e.Threshold, e.Cap)
		}
	}
	return b.String()
}
