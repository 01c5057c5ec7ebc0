package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/jobs"
	"github.com/spf13/cobra"
)

type nextOptions struct {
	trigger string
	days    string
	weeks   string
	months  string
	at      string
	every   time.Duration
	cron    string
	from    string
	count   int
}

func newNextCommand() *cobra.Command {
	opts := &nextOptions{}
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print the next fire times of a schedule",
		Example: `  jobsched next --type weekly --days mon --weeks first --at 09:00 -n 5
  jobsched next --type continuously --every 15m --at 08:00
  jobsched next --type cron --cron "30 2 * * 1-5"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			schedule, err := opts.schedule()
			if err != nil {
				return err
			}
			from := time.Now()
			if opts.from != "" {
				from, err = time.Parse(time.RFC3339, opts.from)
				if err != nil {
					return errors.Wrap(err, "invalid --from")
				}
			}
			return printNextRuns(cmd.OutOrStdout(), schedule, from, opts.count)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.trigger, "type", "daily", "Trigger type (continuously, daily, weekly, monthly, cron)")
	f.StringVar(&opts.days, "days", "all", "Days of the week, e.g. mon,wed,fri")
	f.StringVar(&opts.weeks, "weeks", "all", "Weeks of the month, e.g. first,last")
	f.StringVar(&opts.months, "months", "all", "Months of the year, e.g. jan,jul")
	f.StringVar(&opts.at, "at", "00:00", "Start time of day (HH:MM or HH:MM:SS)")
	f.DurationVar(&opts.every, "every", time.Hour, "Repeat interval of continuous schedules")
	f.StringVar(&opts.cron, "cron", "", "Cron expression of cron schedules")
	f.StringVar(&opts.from, "from", "", "Compute from this RFC3339 time instead of now")
	f.IntVarP(&opts.count, "count", "n", 5, "Number of fire times to print")
	return cmd
}

func (o *nextOptions) schedule() (jobs.Schedule, error) {
	trigger, err := jobs.ParseTriggerType(o.trigger)
	if err != nil {
		return jobs.Schedule{}, err
	}
	start, err := parseTimeOfDay(o.at)
	if err != nil {
		return jobs.Schedule{}, err
	}
	s := jobs.Schedule{TriggerType: trigger, StartTime: start}

	switch trigger {
	case jobs.TriggerContinuously:
		s.RepeatEvery = o.every
	case jobs.TriggerCron:
		s.CronExpression = o.cron
	case jobs.TriggerDaily, jobs.TriggerWeekly, jobs.TriggerMonthly:
		if s.TriggerDays, err = jobs.ParseDays(o.days); err != nil {
			return s, err
		}
		if s.TriggerWeeks, err = jobs.ParseWeeks(o.weeks); err != nil {
			return s, err
		}
		if s.TriggerMonths, err = jobs.ParseMonths(o.months); err != nil {
			return s, err
		}
	}
	return s, nil
}

// parseTimeOfDay converts "HH:MM[:SS]" to an offset from midnight
func parseTimeOfDay(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, errors.Newf("invalid time of day %q", s)
	}
	limits := []int{23, 59, 59}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var out time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, errors.Newf("invalid time of day %q", s)
		}
		out += time.Duration(n) * units[i]
	}
	return out, nil
}

func printNextRuns(w io.Writer, schedule jobs.Schedule, from time.Time, count int) error {
	if count <= 0 {
		return errors.New("count must be positive")
	}
	next, err := jobs.CalculateNextRun(schedule, from)
	if err != nil {
		return err
	}
	for _, note := range next.Adjustments {
		fmt.Fprintf(w, "note: %s\n", note)
	}
	runs, err := jobs.NextRuns(schedule, from, count)
	if err != nil {
		return err
	}
	for _, run := range runs {
		fmt.Fprintf(w, "%s  %s\n", run.Format(time.RFC3339), run.Weekday().String()[:3])
	}
	return nil
}
