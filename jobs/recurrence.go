package jobs

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

const day = 24 * time.Hour

// minRepeatInterval is the smallest accepted RepeatEvery for continuous schedules
const minRepeatInterval = time.Second

// maxScanDays bounds the calendar scan of weekly and monthly schedules.
// Every satisfiable combination of flags matches within a few years.
const maxScanDays = 366 * 4

// NextRun is the result of a recurrence calculation
type NextRun struct {
	// Wait is the time left until the next trigger
	Wait time.Duration
	// At is now plus Wait
	At time.Time
	// Adjustments lists values that were out of range and were corrected
	Adjustments []string
}

// CalculateNextRun returns when a schedule fires next, relative to now.
// Comparisons happen in now's location. Schedules that cannot produce a
// trigger return an error wrapping ErrMisconfigured.
func CalculateNextRun(s Schedule, now time.Time) (NextRun, error) {
	var adjustments []string

	start := s.StartTime
	if start < 0 || start > day {
		adjustments = append(adjustments, "start time "+start.String()+" is outside a day and was reset to midnight")
		start = 0
	}

	var (
		wait time.Duration
		err  error
	)
	switch s.TriggerType {
	case TriggerContinuously:
		var note string
		wait, note = continuousWait(s, start, now)
		if note != "" {
			adjustments = append(adjustments, note)
		}
	case TriggerDaily:
		wait, err = dailyWait(s, start, now)
	case TriggerWeekly:
		wait, err = calendarWait(s, start, now, false)
	case TriggerMonthly:
		wait, err = calendarWait(s, start, now, true)
	case TriggerCron:
		wait, err = cronWait(s, now)
	case TriggerNotConfigured:
		err = errors.Wrap(ErrMisconfigured, "trigger type is not configured")
	default:
		err = errors.Wrapf(ErrMisconfigured, "unknown trigger type %d", int(s.TriggerType))
	}
	if err != nil {
		return NextRun{Adjustments: adjustments}, err
	}

	return NextRun{Wait: wait, At: now.Add(wait), Adjustments: adjustments}, nil
}

// NextRuns returns up to n consecutive fire times after now
func NextRuns(s Schedule, now time.Time, n int) ([]time.Time, error) {
	out := make([]time.Time, 0, n)
	cursor := now
	for len(out) < n {
		next, err := CalculateNextRun(s, cursor)
		if err != nil {
			return out, err
		}
		out = append(out, next.At)
		// step past the trigger so the same instant is not returned twice
		cursor = next.At.Add(time.Millisecond)
	}
	return out, nil
}

// startOfDay returns local midnight of the day k days after t's date
func startOfDay(t time.Time, k int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+k, 0, 0, 0, 0, t.Location())
}

func continuousWait(s Schedule, start time.Duration, now time.Time) (time.Duration, string) {
	offset := startOfDay(now, 0).Add(start).Sub(now)
	if offset < 0 {
		offset += day
	}
	if s.RepeatEvery == 0 {
		return offset, ""
	}

	var note string
	repeat := s.RepeatEvery
	if repeat < minRepeatInterval {
		note = "repeat interval " + repeat.String() + " is below the minimum and was raised to " + minRepeatInterval.String()
		repeat = minRepeatInterval
	}
	return offset % repeat, note
}

func dailyWait(s Schedule, start time.Duration, now time.Time) (time.Duration, error) {
	if s.TriggerDays&AllDays == 0 {
		return 0, errors.Wrap(ErrMisconfigured, "daily schedule has no trigger days")
	}

	k := 0
	if startOfDay(now, 0).Add(start).Before(now) {
		k = 1
	}
	for i := 0; i < 7; i, k = i+1, k+1 {
		date := startOfDay(now, k)
		if s.TriggerDays.Has(DayOf(date.Weekday())) {
			return date.Add(start).Sub(now), nil
		}
	}
	return 0, errors.Wrap(ErrMisconfigured, "daily schedule matches no day")
}

// calendarWait scans day by day for the first date matching the week and
// day selectors, and the month selector when restricted to months.
func calendarWait(s Schedule, start time.Duration, now time.Time, monthly bool) (time.Duration, error) {
	if monthly && s.TriggerMonths&AllMonths == 0 {
		return 0, errors.Wrap(ErrMisconfigured, "monthly schedule has no trigger months")
	}
	if s.TriggerWeeks&AllWeeks == 0 {
		return 0, errors.Wrap(ErrMisconfigured, "schedule has no trigger weeks")
	}
	if s.TriggerDays&AllDays == 0 {
		return 0, errors.Wrap(ErrMisconfigured, "schedule has no trigger days")
	}

	for k := 0; k < maxScanDays; k++ {
		date := startOfDay(now, k)
		if monthly && !s.TriggerMonths.Has(MonthOf(date.Month())) {
			// jump to the last day of this month; the loop steps onto the 1st
			k += daysInMonth(date) - date.Day()
			continue
		}
		if !matchesWeek(s, date) {
			continue
		}
		at := date.Add(start)
		if at.Before(now) {
			continue
		}
		return at.Sub(now), nil
	}
	return 0, errors.Wrap(ErrMisconfigured, "schedule matches no date")
}

func matchesWeek(s Schedule, date time.Time) bool {
	matched := s.TriggerWeeks.Has(weekFlag(date))
	if !matched && s.TriggerWeeks.Has(LastWeek) {
		matched = isLastWeekOfMonth(date) || isLastWeekdayOfMonth(date)
	}
	return matched && s.TriggerDays.Has(DayOf(date.Weekday()))
}

// WeekOfMonth numbers the Sunday-started calendar weeks of date's month from 1
func WeekOfMonth(date time.Time) int {
	first := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, date.Location())
	return (date.Day()-1+int(first.Weekday()))/7 + 1
}

// weekFlag maps weeks one to five onto their flags; a fifth week counts as Last
func weekFlag(date time.Time) Weeks {
	w := WeekOfMonth(date)
	if w < 1 || w > 5 {
		return 0
	}
	return Weeks(1) << uint(w-1)
}

func isLastWeekOfMonth(date time.Time) bool {
	last := time.Date(date.Year(), date.Month(), daysInMonth(date), 0, 0, 0, 0, date.Location())
	return WeekOfMonth(date) == WeekOfMonth(last)
}

// isLastWeekdayOfMonth reports whether no later date of the month shares date's weekday
func isLastWeekdayOfMonth(date time.Time) bool {
	return date.Day()+7 > daysInMonth(date)
}

func daysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

func cronWait(s Schedule, now time.Time) (time.Duration, error) {
	if s.CronExpression == "" {
		return 0, errors.Wrap(ErrMisconfigured, "cron schedule has no expression")
	}
	sched, err := cron.ParseStandard(s.CronExpression)
	if err != nil {
		return 0, errors.Wrapf(ErrMisconfigured, "invalid cron expression %q: %v", s.CronExpression, err)
	}
	next := sched.Next(now)
	if next.IsZero() {
		return 0, errors.Wrapf(ErrMisconfigured, "cron expression %q never fires", s.CronExpression)
	}
	return next.Sub(now), nil
}
