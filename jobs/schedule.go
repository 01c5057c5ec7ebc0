package jobs

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// TriggerType selects the recurrence family of a schedule
type TriggerType int

const (
	// TriggerNotConfigured means the job has no schedule and never runs automatically
	TriggerNotConfigured TriggerType = iota
	// TriggerContinuously repeats every RepeatEvery, aligned on StartTime
	TriggerContinuously
	// TriggerDaily runs at StartTime on every selected day of the week
	TriggerDaily
	// TriggerWeekly runs at StartTime on the selected days of the selected weeks of the month
	TriggerWeekly
	// TriggerMonthly is TriggerWeekly restricted to the selected months
	TriggerMonthly
	// TriggerCron follows a standard cron expression
	TriggerCron
)

var triggerNames = map[TriggerType]string{
	TriggerNotConfigured: "not_configured",
	TriggerContinuously:  "continuously",
	TriggerDaily:         "daily",
	TriggerWeekly:        "weekly",
	TriggerMonthly:       "monthly",
	TriggerCron:          "cron",
}

func (t TriggerType) String() string {
	if name, ok := triggerNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the trigger type by name
func (t TriggerType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts a trigger name, case-insensitively
func (t *TriggerType) UnmarshalText(text []byte) error {
	parsed, err := ParseTriggerType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTriggerType parses a trigger type name such as "weekly"
func ParseTriggerType(s string) (TriggerType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TriggerNotConfigured, nil
	}
	for t, name := range triggerNames {
		if name == s {
			return t, nil
		}
	}
	return TriggerNotConfigured, errors.Newf("unknown trigger type %q", s)
}

// Days is a set of days of the week. Bit values are persisted and must not change.
type Days uint8

const (
	Sunday Days = 1 << iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday

	AllDays Days = 127
)

// DayOf returns the flag for a time.Weekday
func DayOf(wd time.Weekday) Days {
	return Days(1) << uint(wd)
}

// Has reports whether every bit of d is set
func (s Days) Has(d Days) bool {
	return d != 0 && s&d == d
}

// Weeks is a set of weeks of the month. Bit values are persisted and must not change.
type Weeks uint8

const (
	FirstWeek Weeks = 1 << iota
	SecondWeek
	ThirdWeek
	FourthWeek
	LastWeek

	AllWeeks Weeks = 31
)

// Has reports whether every bit of w is set
func (s Weeks) Has(w Weeks) bool {
	return w != 0 && s&w == w
}

// Months is a set of months of the year. Bit values are persisted and must not change.
type Months uint16

const (
	January Months = 1 << iota
	February
	March
	April
	May
	June
	July
	August
	September
	October
	November
	December

	AllMonths Months = 4095
)

// MonthOf returns the flag for a time.Month
func MonthOf(m time.Month) Months {
	return Months(1) << uint(m-1)
}

// Has reports whether every bit of m is set
func (s Months) Has(m Months) bool {
	return m != 0 && s&m == m
}

// Schedule describes when a job fires. StartTime is the offset from local midnight.
type Schedule struct {
	TriggerType    TriggerType   `json:"trigger_type" yaml:"trigger_type"`
	StartTime      time.Duration `json:"start_time" yaml:"start_time"`
	RepeatEvery    time.Duration `json:"repeat_every,omitempty" yaml:"repeat_every,omitempty"`
	TriggerDays    Days          `json:"trigger_days,omitempty" yaml:"trigger_days,omitempty"`
	TriggerWeeks   Weeks         `json:"trigger_weeks,omitempty" yaml:"trigger_weeks,omitempty"`
	TriggerMonths  Months        `json:"trigger_months,omitempty" yaml:"trigger_months,omitempty"`
	CronExpression string        `json:"cron_expression,omitempty" yaml:"cron_expression,omitempty"`
}

var weekNames = map[string]Weeks{
	"first": FirstWeek, "second": SecondWeek, "third": ThirdWeek,
	"fourth": FourthWeek, "last": LastWeek, "all": AllWeeks,
}

// ParseDays parses a comma separated list such as "mon,wed,fri" or "all"
func ParseDays(s string) (Days, error) {
	var out Days
	for _, part := range splitList(s) {
		if part == "all" {
			out |= AllDays
			continue
		}
		// "mon", "tues" and "monday" name a day; "monkey" does not
		found := false
		for d := time.Sunday; d <= time.Saturday; d++ {
			if len(part) >= 3 && strings.HasPrefix(strings.ToLower(d.String()), part) {
				out |= DayOf(d)
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Newf("unknown day %q", part)
		}
	}
	return out, nil
}

// ParseWeeks parses a comma separated list such as "first,last"
func ParseWeeks(s string) (Weeks, error) {
	var out Weeks
	for _, part := range splitList(s) {
		w, ok := weekNames[part]
		if !ok {
			return 0, errors.Newf("unknown week %q", part)
		}
		out |= w
	}
	return out, nil
}

// ParseMonths parses a comma separated list of month names or "all"
func ParseMonths(s string) (Months, error) {
	var out Months
	for _, part := range splitList(s) {
		if part == "all" {
			out |= AllMonths
			continue
		}
		found := false
		for m := time.January; m <= time.December; m++ {
			if strings.HasPrefix(strings.ToLower(m.String()), part) && len(part) >= 3 {
				out |= MonthOf(m)
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Newf("unknown month %q", part)
		}
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
