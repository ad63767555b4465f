package query

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/triggerware/tw-go-client/twerrors"
)

// CalendarSpec names which minutes, hours, days, months and weekdays a
// polled query or delay schedule fires on, optionally localized to a
// timezone. Each non-timezone field is "*" or a comma-separated list
// of integers and hyphen-separated ranges within its domain (minutes
// 0-59, hours 0-23, days 1-31, months 1-12, weekdays 0-6). An empty
// field defaults to "*".
type CalendarSpec struct {
	Minutes  string
	Hours    string
	Days     string
	Months   string
	Weekdays string
	Timezone string
}

// calendarFieldBounds gives the inclusive [min,max] domain of each
// named calendar field.
var calendarFieldBounds = map[string][2]int{
	"minutes":  {0, 59},
	"hours":    {0, 23},
	"days":     {1, 31},
	"months":   {1, 12},
	"weekdays": {0, 6},
}

var calendarFieldRE = regexp.MustCompile(`^(\*|[0-9]+(-[0-9]+)?)(,(\*|[0-9]+(-[0-9]+)?))*$`)

// timezoneRE matches a tz-database zone name: one or more
// slash-separated components, each a run of letters allowing
// underscores between words (e.g. "America/New_York").
var timezoneRE = regexp.MustCompile(`^[A-Za-z]+(_[A-Za-z]+)*(/[A-Za-z]+(_[A-Za-z]+)*)*$`)

// validate rejects a CalendarSpec the server would refuse: a
// non-timezone field that isn't a comma-separated list of "*", "N" or
// "N-M" terms, a numeric term outside that field's domain, or a
// Timezone that doesn't match the tz-database name pattern or isn't
// known to the local tzdata.
func (cs CalendarSpec) validate() error {
	fields := map[string]string{
		"minutes":  orStar(cs.Minutes),
		"hours":    orStar(cs.Hours),
		"days":     orStar(cs.Days),
		"months":   orStar(cs.Months),
		"weekdays": orStar(cs.Weekdays),
	}
	for _, name := range []string{"minutes", "hours", "days", "months", "weekdays"} {
		f := fields[name]
		if !calendarFieldRE.MatchString(f) {
			return twerrors.New(twerrors.ErrSchedule, "calendar field %s %q is not a valid term list", name, f)
		}
		bounds := calendarFieldBounds[name]
		if err := checkCalendarFieldRange(f, bounds[0], bounds[1]); err != nil {
			return twerrors.New(twerrors.ErrSchedule, "calendar field %s %q: %v", name, f, err)
		}
	}
	if cs.Timezone != "" {
		if !timezoneRE.MatchString(cs.Timezone) {
			return twerrors.New(twerrors.ErrSchedule, "timezone %q does not match a tz-database name", cs.Timezone)
		}
		if _, err := time.LoadLocation(cs.Timezone); err != nil {
			return twerrors.New(twerrors.ErrSchedule, "timezone %q: %v", cs.Timezone, err)
		}
	}
	return nil
}

func orStar(field string) string {
	if field == "" {
		return "*"
	}
	return field
}

// checkCalendarFieldRange walks a comma-separated list of "*", "N" or
// "N-M" terms and rejects any N or M outside [min,max]. Shape is
// assumed already validated by calendarFieldRE.
func checkCalendarFieldRange(field string, min, max int) error {
	for _, term := range strings.Split(field, ",") {
		if term == "*" {
			continue
		}
		for _, numStr := range strings.SplitN(term, "-", 2) {
			n, err := strconv.Atoi(numStr)
			if err != nil {
				return err
			}
			if n < min || n > max {
				return twerrors.New(twerrors.ErrSchedule, "value %d out of range [%d,%d]", n, min, max)
			}
		}
	}
	return nil
}

// wire renders the calendar spec in the shape the server expects,
// defaulting unset non-timezone fields to "*" and omitting Timezone
// when unset.
func (cs CalendarSpec) wire() map[string]any {
	m := map[string]any{
		"minutes":  orStar(cs.Minutes),
		"hours":    orStar(cs.Hours),
		"days":     orStar(cs.Days),
		"months":   orStar(cs.Months),
		"weekdays": orStar(cs.Weekdays),
	}
	if cs.Timezone != "" {
		m["timezone"] = cs.Timezone
	}
	return m
}

// ScheduleEntry is one entry of a Schedule: either a positive-integer
// interval in seconds (IsInterval true) or a calendar spec.
type ScheduleEntry struct {
	IsInterval bool
	Interval   int
	Calendar   CalendarSpec
}

// IntervalEntry builds a ScheduleEntry that fires every seconds
// seconds.
func IntervalEntry(seconds int) ScheduleEntry {
	return ScheduleEntry{IsInterval: true, Interval: seconds}
}

// CalendarEntry builds a ScheduleEntry that fires on the times named
// by spec.
func CalendarEntry(spec CalendarSpec) ScheduleEntry {
	return ScheduleEntry{Calendar: spec}
}

func (e ScheduleEntry) validate() error {
	if e.IsInterval {
		if e.Interval <= 0 {
			return twerrors.New(twerrors.ErrSchedule, "interval %d is not a positive number of seconds", e.Interval)
		}
		return nil
	}
	return e.Calendar.validate()
}

func (e ScheduleEntry) wire() any {
	if e.IsInterval {
		return e.Interval
	}
	return e.Calendar.wire()
}

// Schedule describes how often a PolledQuery is re-run server-side, or
// when a delay schedule releases a cycle's changes: a list of entries,
// each either a fixed interval in seconds or a calendar spec. The
// server fires on the union of all entries.
type Schedule []ScheduleEntry

// Validate rejects a Schedule the server would refuse: an empty
// schedule, or any entry that fails its own validation.
func (s Schedule) Validate() error {
	if len(s) == 0 {
		return twerrors.New(twerrors.ErrSchedule, "schedule must have at least one entry")
	}
	for i, e := range s {
		if err := e.validate(); err != nil {
			return twerrors.Annotatef(err, "schedule entry %d", i)
		}
	}
	return nil
}

// wire renders the schedule as the list of entries the server expects.
func (s Schedule) wire() []any {
	out := make([]any, len(s))
	for i, e := range s {
		out[i] = e.wire()
	}
	return out
}
