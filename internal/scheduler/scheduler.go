// Package scheduler runs broadcast campaigns (interval, daily, cron) and
// ad-hoc background broadcasts. Every task has its own context; waits are
// tick loops so a stop takes effect within one tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatchbot/internal/apperr"
	"dispatchbot/internal/metrics"
	"dispatchbot/internal/runtime/supervisor"
	"dispatchbot/internal/template"
	"dispatchbot/pkg/logx"
)

const (
	DefaultTick           = time.Second
	DefaultFailureBackoff = 60 * time.Second
)

// Campaign is a named scheduled broadcast.
type Campaign struct {
	Name     string
	Trigger  Trigger
	Messages []template.Outbound
}

// PassFunc performs one delivery pass of a campaign.
type PassFunc func(ctx context.Context, c Campaign) error

type Options struct {
	Tick           time.Duration
	FailureBackoff time.Duration
	Location       *time.Location
	Log            logx.Logger
	Metrics        *metrics.Metrics
}

// TaskStatus is a point-in-time view of one task.
type TaskStatus struct {
	Name      string
	AdHoc     bool
	Trigger   string
	StartedAt time.Time
	LastRun   time.Time
	NextRun   time.Time
	Passes    int
	Failures  int
	LastErr   string
}

type task struct {
	name     string
	adhoc    bool
	campaign Campaign
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	status TaskStatus
}

func (t *task) update(fn func(st *TaskStatus)) {
	t.mu.Lock()
	fn(&t.status)
	t.mu.Unlock()
}

func (t *task) snapshot() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

type Scheduler struct {
	sup     *supervisor.Supervisor
	pass    PassFunc
	tick    time.Duration
	backoff time.Duration
	loc     *time.Location
	log     logx.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

func New(parent context.Context, pass PassFunc, opt Options) *Scheduler {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	s := &Scheduler{
		sup:     supervisor.New(parent, supervisor.WithLogger(log)),
		pass:    pass,
		tick:    opt.Tick,
		backoff: opt.FailureBackoff,
		loc:     opt.Location,
		log:     log,
		metrics: opt.Metrics,
		now:     time.Now,
		tasks:   map[string]*task{},
	}
	if s.tick <= 0 {
		s.tick = DefaultTick
	}
	if s.backoff <= 0 {
		s.backoff = DefaultFailureBackoff
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	return s
}

// Start launches a campaign. Starting a running name is a validation error.
func (s *Scheduler) Start(c Campaign) error {
	if c.Name == "" {
		return apperr.Validation("scheduler.start", "campaign name is required")
	}
	if !c.Trigger.valid() {
		return apperr.Validation("scheduler.start", fmt.Sprintf("campaign %q has no valid trigger", c.Name))
	}
	if s.pass == nil {
		return apperr.Validation("scheduler.start", "no pass function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperr.New(apperr.KindStateConflict, "scheduler.start", "scheduler is stopped")
	}
	if _, ok := s.tasks[c.Name]; ok {
		return apperr.Validation("scheduler.start", fmt.Sprintf("campaign %q is already running", c.Name))
	}
	s.launchLocked(c.Name, c, false, s.runCampaign)
	s.log.Info("campaign started", logx.String("campaign", c.Name), logx.String("trigger", c.Trigger.String()))
	s.reportRunningLocked()
	return nil
}

// Go runs fn as a tracked ad-hoc task and returns its id. The task is
// cancelled by Stop(id) or StopAll.
func (s *Scheduler) Go(name string, fn func(ctx context.Context) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", apperr.New(apperr.KindStateConflict, "scheduler.go", "scheduler is stopped")
	}
	id := name + "-" + uuid.NewString()[:8]
	s.launchLocked(id, Campaign{}, true, func(ctx context.Context, t *task) error {
		t.update(func(st *TaskStatus) { st.LastRun = s.now(); st.Passes++ })
		err := s.guarded(id, func() error { return fn(ctx) })
		if err != nil && !errors.Is(err, context.Canceled) {
			t.update(func(st *TaskStatus) { st.Failures++; st.LastErr = err.Error() })
			s.log.Warn("background task failed", logx.String("task", id), logx.Err(err))
		}
		return nil
	})
	return id, nil
}

func (s *Scheduler) launchLocked(name string, c Campaign, adhoc bool, run func(ctx context.Context, t *task) error) {
	ctx, cancel := context.WithCancel(s.sup.Context())
	t := &task{
		name:     name,
		adhoc:    adhoc,
		campaign: c,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   TaskStatus{Name: name, AdHoc: adhoc, StartedAt: s.now()},
	}
	if !adhoc {
		t.status.Trigger = c.Trigger.String()
	}
	s.tasks[name] = t
	s.sup.Go(name, func(context.Context) error {
		defer close(t.done)
		defer s.forget(t)
		defer cancel()
		return run(ctx, t)
	})
}

// forget removes t unless the name was already reused by a newer task.
func (s *Scheduler) forget(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tasks[t.name]; ok && cur == t {
		delete(s.tasks, t.name)
		s.reportRunningLocked()
	}
}

// Stop cancels a running task. It returns false if nothing was running
// under that name. The task exits within one tick.
func (s *Scheduler) Stop(name string) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if ok {
		delete(s.tasks, name)
		s.reportRunningLocked()
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	if !t.adhoc {
		s.log.Info("campaign stopped", logx.String("campaign", name))
	}
	return true
}

// StopAll cancels every task and waits for them to exit or ctx to expire.
// The scheduler accepts no new tasks afterwards.
func (s *Scheduler) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for name, t := range s.tasks {
		t.cancel()
		delete(s.tasks, name)
	}
	s.reportRunningLocked()
	s.mu.Unlock()
	return s.sup.Stop(ctx)
}

// wait blocks until t has exited or ctx is done.
func (s *Scheduler) wait(ctx context.Context, t *task) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Snapshot lists running tasks, campaigns first, by name.
func (s *Scheduler) Snapshot() []TaskStatus {
	s.mu.Lock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].AdHoc != out[j].AdHoc {
			return !out[i].AdHoc
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Supervisor exposes goroutine stats for health output.
func (s *Scheduler) Supervisor() *supervisor.Supervisor { return s.sup }

// Replace makes the running campaign set equal to cs: campaigns missing
// from cs are stopped, changed ones restarted, new ones started. Ad-hoc
// tasks are left alone.
func (s *Scheduler) Replace(ctx context.Context, cs []Campaign) error {
	want := make(map[string]Campaign, len(cs))
	for _, c := range cs {
		want[c.Name] = c
	}

	var stopped []*task
	s.mu.Lock()
	for name, t := range s.tasks {
		if t.adhoc {
			continue
		}
		if c, ok := want[name]; ok && sameCampaign(t.campaign, c) {
			delete(want, name)
			continue
		}
		t.cancel()
		delete(s.tasks, name)
		stopped = append(stopped, t)
	}
	s.reportRunningLocked()
	s.mu.Unlock()

	for _, t := range stopped {
		if err := s.wait(ctx, t); err != nil {
			return err
		}
		s.log.Info("campaign stopped for reload", logx.String("campaign", t.name))
	}

	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if err := s.Start(want[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sameCampaign(a, b Campaign) bool {
	return a.Trigger.String() == b.Trigger.String() && reflect.DeepEqual(a.Messages, b.Messages)
}

func (s *Scheduler) reportRunningLocked() {
	n := 0
	for _, t := range s.tasks {
		if !t.adhoc {
			n++
		}
	}
	s.metrics.CampaignsRunning(n)
}

func (s *Scheduler) runCampaign(ctx context.Context, t *task) error {
	c := t.campaign
	log := s.log.With(logx.String("campaign", c.Name))
	for {
		if c.Trigger.Kind != TriggerInterval {
			next := c.Trigger.Next(s.now(), s.loc)
			if next.IsZero() {
				log.Error("campaign has no next run; stopping", logx.String("trigger", c.Trigger.String()), logx.Err(errNeverFires))
				return nil
			}
			t.update(func(st *TaskStatus) { st.NextRun = next })
			log.Debug("waiting for next run", logx.Time("next", next))
			if !s.waitUntil(ctx, next) {
				return nil
			}
		}

		t.update(func(st *TaskStatus) { st.LastRun = s.now(); st.Passes++ })
		err := s.guarded(c.Name, func() error { return s.pass(ctx, c) })
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			t.update(func(st *TaskStatus) { st.Failures++; st.LastErr = err.Error() })
			log.Error("campaign pass failed", logx.Err(err), logx.Duration("backoff", s.backoff))
			t.update(func(st *TaskStatus) { st.NextRun = s.now().Add(s.backoff) })
			if !s.waitFor(ctx, s.backoff) {
				return nil
			}
			continue
		}

		if c.Trigger.Kind == TriggerInterval {
			next := s.now().Add(c.Trigger.Every)
			t.update(func(st *TaskStatus) { st.NextRun = next })
			if !s.waitUntil(ctx, next) {
				return nil
			}
		}
	}
}

// guarded turns a panic in fn into an error.
func (s *Scheduler) guarded(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (s *Scheduler) waitFor(ctx context.Context, d time.Duration) bool {
	return s.waitUntil(ctx, s.now().Add(d))
}

// waitUntil sleeps in ticks until deadline. It returns false as soon as ctx
// is cancelled.
func (s *Scheduler) waitUntil(ctx context.Context, deadline time.Time) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return true
		}
		step := min(remaining, s.tick)
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}
