package availability

import (
	"fmt"
	"strings"
	"time"
)

// TimePreference is the patient's preferred time of day.
type TimePreference string

const (
	PreferenceNone      TimePreference = "none"
	PreferenceMorning   TimePreference = "morning"
	PreferenceAfternoon TimePreference = "afternoon"
	PreferenceEvening   TimePreference = "evening"
)

// preferenceWindows are half-open [start, end) local clock windows.
var preferenceWindows = map[TimePreference][2]ClockTime{
	PreferenceMorning:   {Clock(6, 0), Clock(12, 0)},
	PreferenceAfternoon: {Clock(12, 0), Clock(18, 0)},
	PreferenceEvening:   {Clock(18, 0), EndOfDay},
}

// InvalidPreferenceError is returned for an unrecognised preference token.
type InvalidPreferenceError struct {
	Value string
}

func (e *InvalidPreferenceError) Error() string {
	return fmt.Sprintf("invalid time preference %q: must be one of morning, afternoon, evening, none", e.Value)
}

// ParsePreference validates a preference token. An empty token means none.
func ParsePreference(token string) (TimePreference, error) {
	switch p := TimePreference(strings.ToLower(strings.TrimSpace(token))); p {
	case "":
		return PreferenceNone, nil
	case PreferenceNone, PreferenceMorning, PreferenceAfternoon, PreferenceEvening:
		return p, nil
	default:
		return "", &InvalidPreferenceError{Value: token}
	}
}

// Window returns the clock window of the preference; ok is false for none.
func (p TimePreference) Window() (start, end ClockTime, ok bool) {
	w, ok := preferenceWindows[p]
	return w[0], w[1], ok
}

// Contains reports whether a clock time falls inside the preference window.
// Every clock time is inside PreferenceNone.
func (p TimePreference) Contains(c ClockTime) bool {
	start, end, ok := p.Window()
	if !ok {
		return true
	}
	return c >= start && c < end
}

// FilterByUrgency partitions candidates around the urgent window.
//
// Urgent requests keep slots dated within [today, today+windowDays-1];
// routine requests keep slots dated today+windowDays or later. When the
// partition would discard every candidate the filter is skipped and the input
// is returned unchanged with fellBack set.
func FilterByUrgency(slots []TimeSlot, urgent bool, windowDays int, today time.Time) (kept []TimeSlot, fellBack bool) {
	cutoff := startOfDay(today).AddDate(0, 0, windowDays)
	for _, s := range slots {
		inWindow := s.Date.Before(cutoff)
		if inWindow == urgent {
			kept = append(kept, s)
		}
	}
	return softFallback(slots, kept)
}

// FilterByPreference keeps slots whose start lies in the preference window.
// It falls back to the unfiltered input the same way FilterByUrgency does.
func FilterByPreference(slots []TimeSlot, pref TimePreference) (kept []TimeSlot, fellBack bool) {
	if _, _, ok := pref.Window(); !ok {
		return slots, false
	}
	for _, s := range slots {
		if pref.Contains(s.Start) {
			kept = append(kept, s)
		}
	}
	return softFallback(slots, kept)
}

func softFallback(in, kept []TimeSlot) ([]TimeSlot, bool) {
	if len(kept) == 0 && len(in) > 0 {
		return in, true
	}
	return kept, false
}

// SelectEarliest returns the chronologically first slot.
func SelectEarliest(slots []TimeSlot) (TimeSlot, bool) {
	if len(slots) == 0 {
		return TimeSlot{}, false
	}
	best := slots[0]
	for _, s := range slots[1:] {
		if s.Before(best) {
			best = s
		}
	}
	return best, true
}
