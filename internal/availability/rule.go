// Package availability turns a specialist's weekly availability description,
// an urgency flag and a time-of-day preference into a single bookable slot.
//
// Every function in this package is pure: the current time is always passed
// in explicitly and nothing is cached between calls, so any number of
// bookings may be computed concurrently.
package availability

import (
	"fmt"
	"strconv"
	"strings"
)

// Weekday is a day of the week in the canonical Monday-first ordering.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayTokens = [...]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

func (d Weekday) String() string {
	if d < Monday || d > Sunday {
		return fmt.Sprintf("Weekday(%d)", int(d))
	}
	return weekdayTokens[d]
}

// MarshalText renders the weekday as its three-letter abbreviation.
func (d Weekday) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText accepts the three-letter abbreviation.
func (d *Weekday) UnmarshalText(text []byte) error {
	parsed, ok := ParseWeekday(string(text))
	if !ok {
		return fmt.Errorf("unknown weekday %q", text)
	}
	*d = parsed
	return nil
}

// ParseWeekday resolves a three-letter abbreviation such as "Mon".
// Matching is case-insensitive.
func ParseWeekday(token string) (Weekday, bool) {
	for i, t := range weekdayTokens {
		if strings.EqualFold(t, token) {
			return Weekday(i), true
		}
	}
	return 0, false
}

// ClockTime is a wall-clock time expressed in minutes since local midnight.
type ClockTime int

// EndOfDay is the only clock value past 23:59 and is valid as a window end.
const EndOfDay ClockTime = 24 * 60

// Clock builds a ClockTime from hours and minutes.
func Clock(hour, minute int) ClockTime {
	return ClockTime(hour*60 + minute)
}

func (c ClockTime) Hour() int   { return int(c) / 60 }
func (c ClockTime) Minute() int { return int(c) % 60 }

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// MarshalText renders the clock as HH:MM.
func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts HH:MM, including 24:00.
func (c *ClockTime) UnmarshalText(text []byte) error {
	parsed, err := parseClock(string(text), true)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Rule is one weekly availability window.
type Rule struct {
	Weekday Weekday   `json:"weekday"`
	Start   ClockTime `json:"start"`
	End     ClockTime `json:"end"`
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %s-%s", r.Weekday, r.Start, r.End)
}

// Schedule is the expanded set of rules parsed from one description string.
type Schedule struct {
	rules []Rule
}

// NewSchedule builds a schedule from already expanded rules.
func NewSchedule(rules ...Rule) Schedule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return Schedule{rules: out}
}

// Rules returns a copy of the rules in parse order.
func (s Schedule) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Len reports the number of expanded rules.
func (s Schedule) Len() int { return len(s.rules) }

// RulesFor returns the rules that apply to the given weekday, in parse order.
func (s Schedule) RulesFor(day Weekday) []Rule {
	var out []Rule
	for _, r := range s.rules {
		if r.Weekday == day {
			out = append(out, r)
		}
	}
	return out
}

// String serializes the schedule back into the description grammar with one
// clause per rule. ParseSchedule(s.String()) yields an equivalent schedule.
func (s Schedule) String() string {
	clauses := make([]string, len(s.rules))
	for i, r := range s.rules {
		clauses[i] = r.String()
	}
	return strings.Join(clauses, "; ")
}

// ScheduleParseError reports why a schedule description was rejected.
type ScheduleParseError struct {
	Clause string
	Reason string
}

func (e *ScheduleParseError) Error() string {
	if e.Clause == "" {
		return "invalid schedule: " + e.Reason
	}
	return fmt.Sprintf("invalid schedule clause %q: %s", e.Clause, e.Reason)
}

// ParseSchedule parses descriptions such as
// "Mon-Fri 09:00-17:00; Sat 10:00-14:00".
//
// Day ranges are inclusive and wrap around the end of the week, so "Fri-Mon"
// covers Friday through Monday. A blank description yields an empty schedule.
// Any malformed clause rejects the whole description.
func ParseSchedule(description string) (Schedule, error) {
	if strings.TrimSpace(description) == "" {
		return Schedule{}, nil
	}

	var rules []Rule
	for _, raw := range strings.Split(description, ";") {
		clause := strings.TrimSpace(raw)
		if clause == "" {
			return Schedule{}, &ScheduleParseError{Clause: raw, Reason: "empty clause"}
		}
		parsed, err := parseClause(clause)
		if err != nil {
			return Schedule{}, err
		}
		rules = append(rules, parsed...)
	}
	return Schedule{rules: rules}, nil
}

func parseClause(clause string) ([]Rule, error) {
	fields := strings.Fields(clause)
	if len(fields) != 2 {
		return nil, &ScheduleParseError{Clause: clause, Reason: "expected \"<days> <HH:MM-HH:MM>\""}
	}

	days, err := parseDays(fields[0])
	if err != nil {
		return nil, &ScheduleParseError{Clause: clause, Reason: err.Error()}
	}
	start, end, err := parseWindow(fields[1])
	if err != nil {
		return nil, &ScheduleParseError{Clause: clause, Reason: err.Error()}
	}

	rules := make([]Rule, 0, len(days))
	for _, d := range days {
		rules = append(rules, Rule{Weekday: d, Start: start, End: end})
	}
	return rules, nil
}

func parseDays(spec string) ([]Weekday, error) {
	first, last, isRange := strings.Cut(spec, "-")
	from, ok := ParseWeekday(first)
	if !ok {
		return nil, fmt.Errorf("unknown weekday %q", first)
	}
	if !isRange {
		return []Weekday{from}, nil
	}
	to, ok := ParseWeekday(last)
	if !ok {
		return nil, fmt.Errorf("unknown weekday %q", last)
	}

	days := []Weekday{from}
	for d := from; d != to; {
		d = (d + 1) % 7
		days = append(days, d)
	}
	return days, nil
}

func parseWindow(spec string) (ClockTime, ClockTime, error) {
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed time range %q", spec)
	}
	start, err := parseClock(first, false)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(last, true)
	if err != nil {
		return 0, 0, err
	}
	if start >= end {
		return 0, 0, fmt.Errorf("start %s is not before end %s", start, end)
	}
	return start, end, nil
}

// ParseClock parses a strict 24-hour "HH:MM" token. 24:00 is accepted only
// when isEnd is set.
func ParseClock(token string, isEnd bool) (ClockTime, error) {
	return parseClock(token, isEnd)
}

func parseClock(token string, isEnd bool) (ClockTime, error) {
	if len(token) != 5 || token[2] != ':' {
		return 0, fmt.Errorf("malformed time %q", token)
	}
	hour, err := strconv.Atoi(token[:2])
	if err != nil || !isDigits(token[:2]) {
		return 0, fmt.Errorf("malformed time %q", token)
	}
	minute, err := strconv.Atoi(token[3:])
	if err != nil || !isDigits(token[3:]) {
		return 0, fmt.Errorf("malformed time %q", token)
	}
	if minute > 59 {
		return 0, fmt.Errorf("time %q out of range", token)
	}
	if hour == 24 && minute == 0 && isEnd {
		return EndOfDay, nil
	}
	if hour > 23 {
		return 0, fmt.Errorf("time %q out of range", token)
	}
	return Clock(hour, minute), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
