package availability

import (
	"encoding/json"
	"sort"
	"time"
)

// DateLayout is the wire format for slot dates.
const DateLayout = "2006-01-02"

// TimeSlot is one concrete, bookable appointment window.
type TimeSlot struct {
	// Date is local midnight of the slot's calendar day.
	Date  time.Time
	Start ClockTime
	End   ClockTime
}

// StartsAt returns the absolute start instant of the slot.
func (s TimeSlot) StartsAt() time.Time { return s.at(s.Start) }

// EndsAt returns the absolute end instant of the slot.
func (s TimeSlot) EndsAt() time.Time { return s.at(s.End) }

// Weekday returns the canonical weekday of the slot's date.
func (s TimeSlot) Weekday() Weekday { return weekdayOf(s.Date) }

// Duration is the length of the slot.
func (s TimeSlot) Duration() time.Duration {
	return time.Duration(s.End-s.Start) * time.Minute
}

func (s TimeSlot) at(c ClockTime) time.Time {
	y, m, d := s.Date.Date()
	return time.Date(y, m, d, c.Hour(), c.Minute(), 0, 0, s.Date.Location())
}

// startExists reports whether the start label is a real wall-clock time on
// the slot's date in its location.
func (s TimeSlot) startExists() bool {
	t := s.StartsAt()
	return t.Hour() == s.Start.Hour() && t.Minute() == s.Start.Minute()
}

func (s TimeSlot) String() string {
	return s.Date.Format(DateLayout) + " " + s.Start.String() + "-" + s.End.String()
}

// Before orders slots by date, then start, then end.
func (s TimeSlot) Before(o TimeSlot) bool {
	if !s.Date.Equal(o.Date) {
		return s.Date.Before(o.Date)
	}
	if s.Start != o.Start {
		return s.Start < o.Start
	}
	return s.End < o.End
}

type slotJSON struct {
	Date    string    `json:"date"`
	Weekday Weekday   `json:"weekday"`
	Start   ClockTime `json:"start_time"`
	End     ClockTime `json:"end_time"`
}

func (s TimeSlot) MarshalJSON() ([]byte, error) {
	return json.Marshal(slotJSON{
		Date:    s.Date.Format(DateLayout),
		Weekday: s.Weekday(),
		Start:   s.Start,
		End:     s.End,
	})
}

// SlotOptions parameterise slot generation.
type SlotOptions struct {
	Now          time.Time
	SlotDuration time.Duration
	HorizonDays  int
	LeadTime     time.Duration
}

// GenerateSlots tiles every rule window over the horizon starting at the
// calendar day of opts.Now, in the location of opts.Now.
//
// Windows are cut into consecutive slots of opts.SlotDuration beginning at the
// window start; a trailing remainder shorter than the duration is dropped.
// On the current day only, slots starting before Now+LeadTime are discarded.
// Slots whose start falls in a wall-clock gap, such as the hour skipped when
// daylight saving time begins, are discarded too. The result is sorted by
// date, start and end.
//
// opts.SlotDuration must be a positive whole number of minutes; any other
// duration yields no slots.
func GenerateSlots(schedule Schedule, opts SlotOptions) []TimeSlot {
	if opts.SlotDuration <= 0 || opts.SlotDuration%time.Minute != 0 {
		return nil
	}
	step := ClockTime(opts.SlotDuration / time.Minute)
	if schedule.Len() == 0 || opts.HorizonDays <= 0 {
		return nil
	}

	today := startOfDay(opts.Now)
	earliest := opts.Now.Add(opts.LeadTime)

	var slots []TimeSlot
	for i := 0; i < opts.HorizonDays; i++ {
		day := today.AddDate(0, 0, i)
		rules := schedule.RulesFor(weekdayOf(day))
		if len(rules) == 0 {
			continue
		}

		var daySlots []TimeSlot
		for _, r := range rules {
			for start := r.Start; start+step <= r.End; start += step {
				slot := TimeSlot{Date: day, Start: start, End: start + step}
				if !slot.startExists() {
					continue
				}
				if i == 0 && slot.StartsAt().Before(earliest) {
					continue
				}
				daySlots = append(daySlots, slot)
			}
		}
		// Overlapping rules on the same weekday interleave.
		sort.SliceStable(daySlots, func(a, b int) bool {
			return daySlots[a].Before(daySlots[b])
		})
		slots = append(slots, daySlots...)
	}
	return slots
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func weekdayOf(t time.Time) Weekday {
	return Weekday((int(t.Weekday()) + 6) % 7)
}
