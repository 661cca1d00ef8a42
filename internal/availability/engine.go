package availability

import (
	"encoding/json"
	"fmt"
	"time"
)

// Defaults applied by DefaultConfig.
const (
	DefaultSlotDuration     = 30 * time.Minute
	DefaultHorizonDays      = 30
	DefaultUrgentWindowDays = 3
	DefaultLeadTime         = time.Hour
)

// Config holds the numeric knobs of a booking computation.
type Config struct {
	SlotDuration     time.Duration `json:"slot_duration"`
	HorizonDays      int           `json:"horizon_days"`
	UrgentWindowDays int           `json:"urgent_window_days"`
	LeadTime         time.Duration `json:"lead_time"`
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		SlotDuration:     DefaultSlotDuration,
		HorizonDays:      DefaultHorizonDays,
		UrgentWindowDays: DefaultUrgentWindowDays,
		LeadTime:         DefaultLeadTime,
	}
}

// ConfigurationError reports an unusable engine configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// Validate rejects configurations that cannot produce slots.
func (c Config) Validate() error {
	switch {
	case c.SlotDuration <= 0:
		return &ConfigurationError{Field: "slot_duration", Reason: "must be positive"}
	case c.SlotDuration%time.Minute != 0:
		return &ConfigurationError{Field: "slot_duration", Reason: "must be a whole number of minutes"}
	case c.HorizonDays <= 0:
		return &ConfigurationError{Field: "horizon_days", Reason: "must be positive"}
	case c.UrgentWindowDays < 0:
		return &ConfigurationError{Field: "urgent_window_days", Reason: "must not be negative"}
	case c.LeadTime < 0:
		return &ConfigurationError{Field: "lead_time", Reason: "must not be negative"}
	}
	return nil
}

// Identity is an opaque party reference echoed into the result.
type Identity struct {
	Name    string `json:"name,omitempty"`
	Contact string `json:"contact,omitempty"`
}

// Request fully determines one booking computation.
type Request struct {
	ScheduleDescription string
	Urgent              bool
	Preference          TimePreference
	Now                 time.Time
	Config              Config
	Patient             Identity
	Specialist          Identity
}

// Status is the terminal outcome of a booking attempt.
type Status string

const (
	StatusConfirmed       Status = "confirmed"
	StatusNoAvailability  Status = "no_availability"
	StatusInvalidSchedule Status = "invalid_schedule"
)

// Result is the booking outcome handed to the caller.
type Result struct {
	Status     Status
	Slot       *TimeSlot
	CreatedAt  time.Time
	Patient    Identity
	Specialist Identity
}

type resultJSON struct {
	Status            Status     `json:"status"`
	SelectedDate      string     `json:"selected_date,omitempty"`
	SelectedStartTime *ClockTime `json:"selected_start_time,omitempty"`
	SelectedEndTime   *ClockTime `json:"selected_end_time,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	Patient           Identity   `json:"patient_identity"`
	Specialist        Identity   `json:"specialist_identity"`
}

// MarshalJSON emits the flat selected_date / selected_*_time layout.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Status:     r.Status,
		CreatedAt:  r.CreatedAt,
		Patient:    r.Patient,
		Specialist: r.Specialist,
	}
	if r.Slot != nil {
		start, end := r.Slot.Start, r.Slot.End
		out.SelectedDate = r.Slot.Date.Format(DateLayout)
		out.SelectedStartTime = &start
		out.SelectedEndTime = &end
	}
	return json.Marshal(out)
}

// Assemble builds the booking result from the selector output.
func Assemble(slot TimeSlot, ok bool, patient, specialist Identity, createdAt time.Time) Result {
	r := Result{
		Status:     StatusNoAvailability,
		CreatedAt:  createdAt,
		Patient:    patient,
		Specialist: specialist,
	}
	if ok {
		r.Status = StatusConfirmed
		r.Slot = &slot
	}
	return r
}

// Plan records every stage of one booking computation.
type Plan struct {
	Schedule           Schedule   `json:"-"`
	Rules              []Rule     `json:"rules"`
	Candidates         []TimeSlot `json:"candidates"`
	UrgencyFiltered    []TimeSlot `json:"urgency_filtered"`
	UrgencyFallback    bool       `json:"urgency_fallback"`
	PreferenceFiltered []TimeSlot `json:"preference_filtered"`
	PreferenceFallback bool       `json:"preference_fallback"`
	Result             Result     `json:"result"`
	Messages           []string   `json:"messages"`
}

// Book runs the full pipeline and returns only the outcome.
//
// A malformed schedule yields a Result with StatusInvalidSchedule together
// with the *ScheduleParseError. An invalid Config yields a
// *ConfigurationError and a zero Result.
func Book(req Request) (Result, error) {
	plan, err := BuildPlan(req)
	return plan.Result, err
}

// BuildPlan runs parse, generate, urgency filter, preference filter and
// selection, keeping the intermediate candidate sets.
func BuildPlan(req Request) (Plan, error) {
	if err := req.Config.Validate(); err != nil {
		return Plan{}, err
	}
	pref := req.Preference
	if pref == "" {
		pref = PreferenceNone
	}
	if pref != PreferenceNone {
		if _, _, ok := pref.Window(); !ok {
			return Plan{}, &InvalidPreferenceError{Value: string(pref)}
		}
	}

	var plan Plan
	schedule, err := ParseSchedule(req.ScheduleDescription)
	if err != nil {
		plan.Result = Result{
			Status:     StatusInvalidSchedule,
			CreatedAt:  req.Now,
			Patient:    req.Patient,
			Specialist: req.Specialist,
		}
		plan.Messages = append(plan.Messages, err.Error())
		return plan, err
	}
	plan.Schedule = schedule
	plan.Rules = schedule.Rules()

	plan.Candidates = GenerateSlots(schedule, SlotOptions{
		Now:          req.Now,
		SlotDuration: req.Config.SlotDuration,
		HorizonDays:  req.Config.HorizonDays,
		LeadTime:     req.Config.LeadTime,
	})
	plan.Messages = append(plan.Messages,
		fmt.Sprintf("Generated %d candidate slots over %d days", len(plan.Candidates), req.Config.HorizonDays))

	plan.UrgencyFiltered, plan.UrgencyFallback = FilterByUrgency(
		plan.Candidates, req.Urgent, req.Config.UrgentWindowDays, req.Now)
	plan.Messages = append(plan.Messages, urgencyMessage(req.Urgent, req.Config.UrgentWindowDays, plan))

	plan.PreferenceFiltered, plan.PreferenceFallback = FilterByPreference(plan.UrgencyFiltered, pref)
	plan.Messages = append(plan.Messages, preferenceMessage(pref, plan))

	slot, ok := SelectEarliest(plan.PreferenceFiltered)
	plan.Result = Assemble(slot, ok, req.Patient, req.Specialist, req.Now)
	if ok {
		plan.Messages = append(plan.Messages, "Selected appointment on "+slot.String())
	} else {
		plan.Messages = append(plan.Messages, "No available slots")
	}
	return plan, nil
}

func urgencyMessage(urgent bool, windowDays int, plan Plan) string {
	label := "Not urgent"
	scope := fmt.Sprintf("on or after day %d", windowDays+1)
	if urgent {
		label = "Urgent"
		scope = fmt.Sprintf("within the first %d days", windowDays)
	}
	if plan.UrgencyFallback {
		return fmt.Sprintf("%s: no slots %s, keeping all %d candidates", label, scope, len(plan.UrgencyFiltered))
	}
	return fmt.Sprintf("%s: kept %d slots %s", label, len(plan.UrgencyFiltered), scope)
}

func preferenceMessage(pref TimePreference, plan Plan) string {
	if pref == PreferenceNone {
		return fmt.Sprintf("No time preference, using all %d slots", len(plan.PreferenceFiltered))
	}
	if plan.PreferenceFallback {
		return fmt.Sprintf("No %s slots, keeping all %d slots", pref, len(plan.PreferenceFiltered))
	}
	return fmt.Sprintf("Found %d available %s slots", len(plan.PreferenceFiltered), pref)
}
