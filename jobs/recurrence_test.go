package jobs

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(year int, month time.Month, d, hour, min int) time.Time {
	return time.Date(year, month, d, hour, min, 0, 0, time.UTC)
}

func TestCalculateNextRun_Continuously(t *testing.T) {
	t.Run("wait stays below the repeat interval", func(t *testing.T) {
		repeats := []time.Duration{time.Second, 7 * time.Second, time.Minute, 90 * time.Minute, 5 * time.Hour}
		starts := []time.Duration{0, 30 * time.Minute, 9 * time.Hour, 23*time.Hour + 59*time.Minute}
		base := at(2026, time.February, 11, 0, 0)

		for _, repeat := range repeats {
			for _, start := range starts {
				for minute := 0; minute < 24*60; minute += 37 {
					now := base.Add(time.Duration(minute)*time.Minute + 13*time.Second)
					next, err := CalculateNextRun(Schedule{
						TriggerType: TriggerContinuously,
						StartTime:   start,
						RepeatEvery: repeat,
					}, now)
					require.NoError(t, err)
					assert.GreaterOrEqual(t, next.Wait, time.Duration(0))
					assert.Less(t, next.Wait, repeat, "repeat=%s start=%s now=%s", repeat, start, now)
				}
			}
		}
	})

	t.Run("aligned on the start time", func(t *testing.T) {
		next, err := CalculateNextRun(Schedule{
			TriggerType: TriggerContinuously,
			StartTime:   9*time.Hour + 5*time.Minute,
			RepeatEvery: 10 * time.Minute,
		}, at(2026, time.February, 11, 10, 0))
		require.NoError(t, err)
		assert.Equal(t, 5*time.Minute, next.Wait)
		assert.Equal(t, at(2026, time.February, 11, 10, 5), next.At)
	})

	t.Run("without repeat fires once a day", func(t *testing.T) {
		next, err := CalculateNextRun(Schedule{
			TriggerType: TriggerContinuously,
			StartTime:   9 * time.Hour,
		}, at(2026, time.February, 11, 10, 0))
		require.NoError(t, err)
		assert.Equal(t, 23*time.Hour, next.Wait)
	})

	t.Run("repeat below one second is raised", func(t *testing.T) {
		next, err := CalculateNextRun(Schedule{
			TriggerType: TriggerContinuously,
			RepeatEvery: 10 * time.Millisecond,
		}, at(2026, time.February, 11, 10, 0).Add(250*time.Millisecond))
		require.NoError(t, err)
		assert.Less(t, next.Wait, time.Second)
		assert.Len(t, next.Adjustments, 1)
	})
}

func TestCalculateNextRun_Daily(t *testing.T) {
	// 2026-02-11 is a Wednesday
	now := at(2026, time.February, 11, 10, 0)

	tests := []struct {
		name  string
		days  Days
		start time.Duration
		want  time.Time
	}{
		{"later today", Wednesday, 11 * time.Hour, at(2026, time.February, 11, 11, 0)},
		{"today already passed", Wednesday, 9 * time.Hour, at(2026, time.February, 18, 9, 0)},
		{"next selected day", Monday, 9 * time.Hour, at(2026, time.February, 16, 9, 0)},
		{"earliest of several days", Monday | Thursday | Saturday, 9 * time.Hour, at(2026, time.February, 12, 9, 0)},
		{"every day", AllDays, 9 * time.Hour, at(2026, time.February, 12, 9, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := CalculateNextRun(Schedule{
				TriggerType: TriggerDaily,
				StartTime:   tt.start,
				TriggerDays: tt.days,
			}, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, next.At)
			assert.True(t, tt.days.Has(DayOf(next.At.Weekday())))
		})
	}

	t.Run("earliest matching date for every day set", func(t *testing.T) {
		for days := Days(1); days <= AllDays; days++ {
			next, err := CalculateNextRun(Schedule{
				TriggerType: TriggerDaily,
				StartTime:   9 * time.Hour,
				TriggerDays: days,
			}, now)
			require.NoError(t, err)
			require.True(t, days.Has(DayOf(next.At.Weekday())))
			require.False(t, next.At.Before(now))

			for probe := at(2026, time.February, 11, 9, 0); probe.Before(next.At); probe = probe.AddDate(0, 0, 1) {
				if !probe.Before(now) {
					assert.False(t, days.Has(DayOf(probe.Weekday())), "skipped %s for days %07b", probe, days)
				}
			}
		}
	})
}

func TestCalculateNextRun_Weekly(t *testing.T) {
	monday9 := Schedule{
		TriggerType:  TriggerWeekly,
		StartTime:    9 * time.Hour,
		TriggerDays:  Monday,
		TriggerWeeks: FirstWeek,
	}

	t.Run("first week passed rolls to the following month", func(t *testing.T) {
		// Wednesday of the second week; February 2026 starts on a Sunday
		next, err := CalculateNextRun(monday9, at(2026, time.February, 11, 10, 0))
		require.NoError(t, err)
		assert.Equal(t, at(2026, time.March, 2, 9, 0), next.At)
	})

	t.Run("first week still ahead in the current month", func(t *testing.T) {
		next, err := CalculateNextRun(monday9, at(2026, time.February, 1, 10, 0))
		require.NoError(t, err)
		assert.Equal(t, at(2026, time.February, 2, 9, 0), next.At)
	})

	t.Run("first week without the day is skipped", func(t *testing.T) {
		// week one of April 2026 runs Wednesday 1st to Saturday 4th
		next, err := CalculateNextRun(monday9, at(2026, time.March, 3, 10, 0))
		require.NoError(t, err)
		assert.Equal(t, 1, WeekOfMonth(next.At))
		assert.Equal(t, time.Monday, next.At.Weekday())
		assert.True(t, next.At.After(at(2026, time.April, 4, 23, 0)))
	})

	t.Run("last week of the month", func(t *testing.T) {
		next, err := CalculateNextRun(Schedule{
			TriggerType:  TriggerWeekly,
			StartTime:    9 * time.Hour,
			TriggerDays:  Friday,
			TriggerWeeks: LastWeek,
		}, at(2026, time.February, 21, 10, 0))
		require.NoError(t, err)
		assert.Equal(t, at(2026, time.February, 27, 9, 0), next.At)
	})

	t.Run("last occurrence of the weekday outside the last calendar week", func(t *testing.T) {
		// the last calendar week of March 2026 is Sunday 29th to Tuesday 31st
		next, err := CalculateNextRun(Schedule{
			TriggerType:  TriggerWeekly,
			StartTime:    9 * time.Hour,
			TriggerDays:  Friday,
			TriggerWeeks: LastWeek,
		}, at(2026, time.March, 21, 10, 0))
		require.NoError(t, err)
		assert.Equal(t, at(2026, time.March, 27, 9, 0), next.At)
	})

	t.Run("several weeks", func(t *testing.T) {
		next, err := CalculateNextRun(Schedule{
			TriggerType:  TriggerWeekly,
			StartTime:    9 * time.Hour,
			TriggerDays:  Tuesday,
			TriggerWeeks: SecondWeek | FourthWeek,
		}, at(2026, time.February, 11, 10, 0))
		require.NoError(t, err)
		assert.Equal(t, at(2026, time.February, 24, 9, 0), next.At)
	})
}

func TestCalculateNextRun_Monthly(t *testing.T) {
	s := Schedule{
		TriggerType:   TriggerMonthly,
		StartTime:     9 * time.Hour,
		TriggerDays:   Monday,
		TriggerWeeks:  FirstWeek,
		TriggerMonths: February | June,
	}

	t.Run("skips months that are not selected", func(t *testing.T) {
		next, err := CalculateNextRun(s, at(2026, time.February, 11, 10, 0))
		require.NoError(t, err)
		assert.Equal(t, at(2026, time.June, 1, 9, 0), next.At)
	})

	t.Run("current month still ahead", func(t *testing.T) {
		next, err := CalculateNextRun(s, at(2026, time.January, 20, 10, 0))
		require.NoError(t, err)
		assert.Equal(t, at(2026, time.February, 2, 9, 0), next.At)
	})
}

func TestCalculateNextRun_Cron(t *testing.T) {
	next, err := CalculateNextRun(Schedule{
		TriggerType:    TriggerCron,
		CronExpression: "0 9 * * 1",
	}, at(2026, time.February, 11, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, at(2026, time.February, 16, 9, 0), next.At)

	next, err = CalculateNextRun(Schedule{
		TriggerType:    TriggerCron,
		CronExpression: "@hourly",
	}, at(2026, time.February, 11, 10, 20))
	require.NoError(t, err)
	assert.Equal(t, 40*time.Minute, next.Wait)
}

func TestCalculateNextRun_Misconfigured(t *testing.T) {
	now := at(2026, time.February, 11, 10, 0)
	schedules := map[string]Schedule{
		"not configured":     {},
		"unknown trigger":    {TriggerType: TriggerType(42)},
		"daily without days": {TriggerType: TriggerDaily},
		"weekly without weeks": {
			TriggerType: TriggerWeekly, TriggerDays: Monday,
		},
		"weekly without days": {
			TriggerType: TriggerWeekly, TriggerWeeks: FirstWeek,
		},
		"monthly without months": {
			TriggerType: TriggerMonthly, TriggerDays: Monday, TriggerWeeks: FirstWeek,
		},
		"daily with out of range bits": {TriggerType: TriggerDaily, TriggerDays: 128},
		"cron without expression":      {TriggerType: TriggerCron},
		"cron with bad expression":     {TriggerType: TriggerCron, CronExpression: "every tuesday"},
	}

	for name, s := range schedules {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := CalculateNextRun(s, now)
				assert.True(t, errors.Is(err, ErrMisconfigured), "got %v", err)
			})
		})
	}
}

func TestCalculateNextRun_StartTimeBeyondOneDay(t *testing.T) {
	next, err := CalculateNextRun(Schedule{
		TriggerType: TriggerDaily,
		StartTime:   30 * time.Hour,
		TriggerDays: AllDays,
	}, at(2026, time.February, 11, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, at(2026, time.February, 12, 0, 0), next.At)
	assert.Len(t, next.Adjustments, 1)
}

func TestNextRuns(t *testing.T) {
	runs, err := NextRuns(Schedule{
		TriggerType: TriggerDaily,
		StartTime:   9 * time.Hour,
		TriggerDays: Monday | Friday,
	}, at(2026, time.February, 11, 10, 0), 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		at(2026, time.February, 13, 9, 0),
		at(2026, time.February, 16, 9, 0),
		at(2026, time.February, 20, 9, 0),
	}, runs)
}

func TestWeekOfMonth(t *testing.T) {
	// February 2026 starts on a Sunday, April 2026 on a Wednesday
	assert.Equal(t, 1, WeekOfMonth(at(2026, time.February, 1, 0, 0)))
	assert.Equal(t, 1, WeekOfMonth(at(2026, time.February, 7, 0, 0)))
	assert.Equal(t, 2, WeekOfMonth(at(2026, time.February, 8, 0, 0)))
	assert.Equal(t, 4, WeekOfMonth(at(2026, time.February, 28, 0, 0)))
	assert.Equal(t, 1, WeekOfMonth(at(2026, time.April, 4, 0, 0)))
	assert.Equal(t, 2, WeekOfMonth(at(2026, time.April, 5, 0, 0)))
	assert.Equal(t, 5, WeekOfMonth(at(2026, time.April, 30, 0, 0)))
}

func TestParseFlags(t *testing.T) {
	days, err := ParseDays("mon, wed,Friday")
	require.NoError(t, err)
	assert.Equal(t, Monday|Wednesday|Friday, days)

	weeks, err := ParseWeeks("first,last")
	require.NoError(t, err)
	assert.Equal(t, FirstWeek|LastWeek, weeks)

	months, err := ParseMonths("jan,dec")
	require.NoError(t, err)
	assert.Equal(t, Months(2049), months)

	days, err = ParseDays("tues,thu,SATURDAY")
	require.NoError(t, err)
	assert.Equal(t, Tuesday|Thursday|Saturday, days)

	for _, junk := range []string{"someday", "monkey", "sunny", "mo", "fridays"} {
		_, err = ParseDays(junk)
		assert.Error(t, err, junk)
	}

	assert.Equal(t, Days(1), Sunday)
	assert.Equal(t, Days(64), Saturday)
	assert.Equal(t, Weeks(16), LastWeek)
	assert.Equal(t, Months(2048), December)
}
