package availability

import (
	"errors"
	"testing"
	"time"
)

func slotOn(day, hour, minute int) TimeSlot {
	start := Clock(hour, minute)
	return TimeSlot{
		Date:  time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		Start: start,
		End:   start + 30,
	}
}

func TestParsePreference(t *testing.T) {
	tests := []struct {
		in   string
		want TimePreference
	}{
		{"morning", PreferenceMorning},
		{"Afternoon", PreferenceAfternoon},
		{" EVENING ", PreferenceEvening},
		{"none", PreferenceNone},
		{"", PreferenceNone},
	}
	for _, tt := range tests {
		got, err := ParsePreference(tt.in)
		if err != nil {
			t.Errorf("ParsePreference(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePreference(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParsePreference_Invalid(t *testing.T) {
	for _, in := range []string{"night", "am", "mornings"} {
		_, err := ParsePreference(in)
		var perr *InvalidPreferenceError
		if !errors.As(err, &perr) {
			t.Errorf("ParsePreference(%q) error = %v, want *InvalidPreferenceError", in, err)
		}
	}
}

func TestTimePreference_WindowBoundaries(t *testing.T) {
	tests := []struct {
		pref TimePreference
		at   ClockTime
		want bool
	}{
		{PreferenceMorning, Clock(5, 59), false},
		{PreferenceMorning, Clock(6, 0), true},
		{PreferenceMorning, Clock(11, 59), true},
		{PreferenceMorning, Clock(12, 0), false},
		{PreferenceAfternoon, Clock(12, 0), true},
		{PreferenceAfternoon, Clock(17, 59), true},
		{PreferenceAfternoon, Clock(18, 0), false},
		{PreferenceEvening, Clock(18, 0), true},
		{PreferenceEvening, Clock(23, 59), true},
		{PreferenceEvening, Clock(0, 0), false},
		{PreferenceNone, Clock(3, 0), true},
	}
	for _, tt := range tests {
		if got := tt.pref.Contains(tt.at); got != tt.want {
			t.Errorf("%s.Contains(%s) = %v, want %v", tt.pref, tt.at, got, tt.want)
		}
	}
}

func TestFilterByUrgency_Urgent(t *testing.T) {
	today := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	in := []TimeSlot{slotOn(15, 9, 0), slotOn(17, 9, 0), slotOn(18, 9, 0), slotOn(20, 9, 0)}

	kept, fellBack := FilterByUrgency(in, true, 3, today)
	if fellBack {
		t.Error("did not expect fallback")
	}
	if len(kept) != 2 {
		t.Fatalf("expected 2 urgent slots, got %d: %v", len(kept), kept)
	}
	for _, s := range kept {
		if s.Date.Day() > 17 {
			t.Errorf("urgent slot %s is outside the window", s)
		}
	}
}

func TestFilterByUrgency_Routine(t *testing.T) {
	today := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	in := []TimeSlot{slotOn(15, 9, 0), slotOn(17, 9, 0), slotOn(18, 9, 0), slotOn(20, 9, 0)}

	kept, fellBack := FilterByUrgency(in, false, 3, today)
	if fellBack {
		t.Error("did not expect fallback")
	}
	if len(kept) != 2 || kept[0].Date.Day() != 18 {
		t.Errorf("routine slots = %v, want 18th and 20th", kept)
	}
}

func TestFilterByUrgency_FallsBackWhenEmpty(t *testing.T) {
	today := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	in := []TimeSlot{slotOn(20, 10, 0), slotOn(20, 10, 30)}

	kept, fellBack := FilterByUrgency(in, true, 3, today)
	if !fellBack {
		t.Error("expected fallback")
	}
	if len(kept) != len(in) {
		t.Errorf("expected all %d slots back, got %d", len(in), len(kept))
	}
}

func TestFilterByUrgency_ZeroWindow(t *testing.T) {
	today := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	in := []TimeSlot{slotOn(15, 9, 0), slotOn(16, 9, 0)}

	kept, fellBack := FilterByUrgency(in, false, 0, today)
	if fellBack || len(kept) != 2 {
		t.Errorf("routine with zero window: kept %d, fellBack %v", len(kept), fellBack)
	}
	kept, fellBack = FilterByUrgency(in, true, 0, today)
	if !fellBack || len(kept) != 2 {
		t.Errorf("urgent with zero window: kept %d, fellBack %v", len(kept), fellBack)
	}
}

func TestFilterByUrgency_EmptyInput(t *testing.T) {
	kept, fellBack := FilterByUrgency(nil, true, 3, time.Now())
	if fellBack || len(kept) != 0 {
		t.Errorf("empty input: kept %v, fellBack %v", kept, fellBack)
	}
}

func TestFilterByPreference(t *testing.T) {
	in := []TimeSlot{slotOn(18, 9, 0), slotOn(18, 11, 30), slotOn(18, 12, 0), slotOn(18, 18, 30)}

	tests := []struct {
		pref TimePreference
		want int
	}{
		{PreferenceMorning, 2},
		{PreferenceAfternoon, 1},
		{PreferenceEvening, 1},
		{PreferenceNone, 4},
	}
	for _, tt := range tests {
		kept, fellBack := FilterByPreference(in, tt.pref)
		if fellBack {
			t.Errorf("%s: did not expect fallback", tt.pref)
		}
		if len(kept) != tt.want {
			t.Errorf("%s: kept %d, want %d", tt.pref, len(kept), tt.want)
		}
	}
}

func TestFilterByPreference_FallsBackWhenEmpty(t *testing.T) {
	in := []TimeSlot{slotOn(20, 10, 0), slotOn(20, 13, 30)}
	kept, fellBack := FilterByPreference(in, PreferenceEvening)
	if !fellBack {
		t.Error("expected fallback")
	}
	if len(kept) != 2 {
		t.Errorf("expected 2 slots back, got %d", len(kept))
	}
}

func TestFilters_MonotonicUnlessFallback(t *testing.T) {
	sched := mustParse(t, "Mon-Fri 07:00-20:00; Sat 10:00-14:00")
	now := monday(8, 0)
	all := GenerateSlots(sched, SlotOptions{Now: now, SlotDuration: 30 * time.Minute, HorizonDays: 30, LeadTime: time.Hour})

	for _, urgent := range []bool{true, false} {
		byUrgency, uFell := FilterByUrgency(all, urgent, 3, now)
		if !uFell && len(byUrgency) > len(all) {
			t.Errorf("urgency filter grew the set: %d > %d", len(byUrgency), len(all))
		}
		for _, pref := range []TimePreference{PreferenceMorning, PreferenceAfternoon, PreferenceEvening, PreferenceNone} {
			byPref, pFell := FilterByPreference(byUrgency, pref)
			if !pFell && len(byPref) > len(byUrgency) {
				t.Errorf("preference filter grew the set: %d > %d", len(byPref), len(byUrgency))
			}
			if pFell && len(byPref) != len(byUrgency) {
				t.Errorf("fallback must reinstate the full input")
			}
		}
	}
}

func TestSelectEarliest(t *testing.T) {
	in := []TimeSlot{slotOn(20, 9, 0), slotOn(18, 14, 0), slotOn(18, 9, 30), slotOn(19, 8, 0)}
	got, ok := SelectEarliest(in)
	if !ok {
		t.Fatal("expected a slot")
	}
	if got != slotOn(18, 9, 30) {
		t.Errorf("selected %s, want 2024-01-18 09:30", got)
	}
}

func TestSelectEarliest_Empty(t *testing.T) {
	if _, ok := SelectEarliest(nil); ok {
		t.Error("expected no slot for empty input")
	}
}
