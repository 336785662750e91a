package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"dispatchbot/internal/config"
)

type TriggerKind string

const (
	TriggerInterval TriggerKind = "interval"
	TriggerDaily    TriggerKind = "daily"
	TriggerCron     TriggerKind = "cron"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Trigger decides when a campaign fires. Build it with Interval, Daily or
// Cron.
type Trigger struct {
	Kind  TriggerKind
	Every time.Duration
	At    string // HH:MM for daily
	Cron  string

	sched cron.Schedule
}

func Interval(every time.Duration) (Trigger, error) {
	if every <= 0 {
		return Trigger{}, fmt.Errorf("interval must be > 0")
	}
	return Trigger{Kind: TriggerInterval, Every: every}, nil
}

// Daily fires once a day at HH:MM in the scheduler timezone.
func Daily(at string) (Trigger, error) {
	h, m, err := config.ParseDaily(at)
	if err != nil {
		return Trigger{}, err
	}
	sched, err := cronParser.Parse(fmt.Sprintf("%d %d * * *", m, h))
	if err != nil {
		return Trigger{}, err
	}
	if err := checkFires(sched); err != nil {
		return Trigger{}, fmt.Errorf("daily %q: %w", at, err)
	}
	return Trigger{Kind: TriggerDaily, At: fmt.Sprintf("%02d:%02d", h, m), sched: sched}, nil
}

// Cron fires on a standard 5-field expression or a descriptor (@daily).
func Cron(expr string) (Trigger, error) {
	expr = strings.TrimSpace(expr)
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	if err := checkFires(sched); err != nil {
		return Trigger{}, fmt.Errorf("cron %q: %w", expr, err)
	}
	return Trigger{Kind: TriggerCron, Cron: expr, sched: sched}, nil
}

// errNeverFires marks a schedule with no future occurrence (e.g. Feb 30).
var errNeverFires = errors.New("schedule never fires")

func checkFires(sched cron.Schedule) error {
	if sched.Next(time.Now()).IsZero() {
		return errNeverFires
	}
	return nil
}

// Next returns the first firing strictly after now, evaluated in loc. For
// intervals it is now+Every. A zero time means the trigger never fires.
func (t Trigger) Next(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	switch t.Kind {
	case TriggerInterval:
		return now.Add(t.Every)
	default:
		if t.sched == nil {
			return time.Time{}
		}
		return t.sched.Next(now.In(loc))
	}
}

func (t Trigger) String() string {
	switch t.Kind {
	case TriggerInterval:
		return "every " + t.Every.String()
	case TriggerDaily:
		return "daily at " + t.At
	case TriggerCron:
		return "cron " + t.Cron
	}
	return "unknown"
}

func (t Trigger) valid() bool {
	switch t.Kind {
	case TriggerInterval:
		return t.Every > 0
	case TriggerDaily, TriggerCron:
		return t.sched != nil
	}
	return false
}

// TriggerFromSpec converts a campaigns file entry.
func TriggerFromSpec(spec config.CampaignSpec) (Trigger, error) {
	switch {
	case spec.Interval > 0:
		return Interval(spec.Interval.D())
	case strings.TrimSpace(spec.Daily) != "":
		return Daily(spec.Daily)
	case strings.TrimSpace(spec.Cron) != "":
		return Cron(spec.Cron)
	}
	return Trigger{}, fmt.Errorf("no trigger")
}
