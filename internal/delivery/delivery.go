// Package delivery sends resolved messages through the gateway: single
// interactive replies with pacing, and rate-limited broadcast passes.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"dispatchbot/internal/apperr"
	"dispatchbot/internal/metrics"
	"dispatchbot/internal/template"
	"dispatchbot/internal/transport"
	"dispatchbot/pkg/logx"
)

const (
	ParseModeHTML = "HTML"

	defaultRatePerSec = 20
	maxJobHistory     = 50
	maxRetryAfter     = 30 * time.Second
)

type Options struct {
	RatePerSec int
	Pacing     time.Duration
	// ProgressEvery is how many recipients pass between progress callbacks.
	ProgressEvery int
	// Retries is how many extra attempts a failed broadcast send gets.
	Retries int
	Metrics *metrics.Metrics
	Log     logx.Logger
}

type Deliverer struct {
	gw            transport.Gateway
	limiter       *rate.Limiter
	pacing        time.Duration
	progressEvery int
	retries       int
	metrics       *metrics.Metrics
	log           logx.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	jobsMu sync.RWMutex
	jobs   map[string]*JobStatus
}

func New(gw transport.Gateway, opt Options) *Deliverer {
	rps := opt.RatePerSec
	if rps <= 0 {
		rps = defaultRatePerSec
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deliverer{
		gw:            gw,
		limiter:       rate.NewLimiter(rate.Limit(rps), rps),
		pacing:        opt.Pacing,
		progressEvery: opt.ProgressEvery,
		retries:       opt.Retries,
		metrics:       opt.Metrics,
		log:           log.With(logx.String("comp", "delivery")),
		sleep:         sleepCtx,
		jobs:          map[string]*JobStatus{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Send delivers msgs to one chat in order, honoring Delay (silent wait) and
// TypingDelay (typing indicator, then wait). It stops at the first failed
// message.
func (d *Deliverer) Send(ctx context.Context, to transport.ChatTarget, msgs []template.Outbound) error {
	for i, m := range msgs {
		if m.Delay > 0 {
			if err := d.sleep(ctx, m.Delay); err != nil {
				return err
			}
		}
		if m.TypingDelay > 0 {
			if err := d.gw.SendChatAction(ctx, to, transport.ActionTyping); err != nil {
				d.log.Debug("chat action failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
			}
			if err := d.sleep(ctx, m.TypingDelay); err != nil {
				return err
			}
		}
		if _, err := d.SendOne(ctx, to, m); err != nil {
			return apperr.Wrap(apperr.KindTransport, "delivery.send", fmt.Errorf("message %d to %d: %w", i, to.ChatID, err))
		}
	}
	return nil
}

// SendOne sends a single message without pacing. No-op messages succeed
// without touching the gateway.
func (d *Deliverer) SendOne(ctx context.Context, to transport.ChatTarget, m template.Outbound) (transport.MessageRef, error) {
	var (
		ref transport.MessageRef
		err error
	)
	opt := &transport.SendOptions{ParseMode: ParseModeHTML, Keyboard: m.Keyboard}
	switch {
	case m.Invoice != nil:
		ref, err = d.gw.SendInvoice(ctx, to, *m.Invoice)
	case m.Media != nil:
		ref, err = d.gw.SendPhoto(ctx, to, *m.Media, m.Text, opt)
	case m.IsNoop():
		return transport.MessageRef{}, nil
	default:
		ref, err = d.gw.SendText(ctx, to, m.Text, opt)
	}
	d.metrics.Send(err == nil)
	return ref, err
}

// Text sends an HTML text reply. It is the shortcut used by admin screens.
func (d *Deliverer) Text(ctx context.Context, to transport.ChatTarget, text string, kb *transport.Keyboard) (transport.MessageRef, error) {
	return d.SendOne(ctx, to, template.Outbound{Text: text, Keyboard: kb})
}

// Edit replaces the text of a message sent earlier.
func (d *Deliverer) Edit(ctx context.Context, ref transport.MessageRef, text string, kb *transport.Keyboard) error {
	return d.gw.EditText(ctx, ref, text, &transport.SendOptions{ParseMode: ParseModeHTML, Keyboard: kb})
}

func (d *Deliverer) Gateway() transport.Gateway { return d.gw }

// Progress is reported during a broadcast pass.
type Progress struct {
	Total  int
	Done   int
	Sent   int
	Failed int
}

type ProgressFunc func(Progress)

// Result summarizes one broadcast pass.
type Result struct {
	ID        string
	Name      string
	Total     int
	Sent      int
	Failed    int
	Took      time.Duration
	Cancelled bool
}

// Broadcast performs one pass over recipients in the given order. Each
// recipient is isolated: a failed or panicking send is counted and the pass
// moves on. Broadcasts ignore Delay and TypingDelay. A cancelled ctx stops
// the pass between recipients and returns the partial result with ctx.Err().
func (d *Deliverer) Broadcast(ctx context.Context, name string, recipients []int64, msgs []template.Outbound, progress ProgressFunc) (Result, error) {
	res := Result{ID: uuid.NewString(), Name: name, Total: len(recipients)}
	start := time.Now()
	st := d.trackJob(res)
	log := d.log.With(logx.String("broadcast", name), logx.String("run_id", res.ID))
	log.Info("broadcast pass started", logx.Int("recipients", res.Total))

	report := func() {
		done := res.Sent + res.Failed
		d.updateJob(st, res)
		if progress != nil && d.progressEvery > 0 && done%d.progressEvery == 0 && done < res.Total {
			progress(Progress{Total: res.Total, Done: done, Sent: res.Sent, Failed: res.Failed})
		}
	}

	var passErr error
	for i, id := range recipients {
		if err := ctx.Err(); err != nil {
			passErr = err
			break
		}
		if i > 0 && d.pacing > 0 {
			if err := d.sleep(ctx, d.pacing); err != nil {
				passErr = err
				break
			}
		}
		if err := d.limiter.Wait(ctx); err != nil {
			passErr = err
			break
		}
		if err := d.sendIsolated(ctx, id, msgs); err != nil {
			res.Failed++
			log.Debug("broadcast send failed", logx.Int64("chat_id", id), logx.Err(err))
		} else {
			res.Sent++
		}
		report()
	}

	res.Took = time.Since(start)
	res.Cancelled = passErr != nil
	d.finishJob(st, res)

	outcome := "done"
	if res.Cancelled {
		outcome = "cancelled"
	}
	d.metrics.BroadcastPass(name, outcome, res.Sent, res.Failed)
	log.Info("broadcast pass finished",
		logx.String("outcome", outcome),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Duration("took", res.Took),
	)
	return res, passErr
}

func (d *Deliverer) sendIsolated(ctx context.Context, chatID int64, msgs []template.Outbound) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	to := transport.ChatTarget{ChatID: chatID}
	for _, m := range msgs {
		if err := d.sendWithRetry(ctx, to, m); err != nil {
			return err
		}
	}
	return nil
}

// sendWithRetry retries transient failures. A flood-wait hint from the
// platform replaces the linear backoff, capped at maxRetryAfter.
func (d *Deliverer) sendWithRetry(ctx context.Context, to transport.ChatTarget, m template.Outbound) error {
	var last error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(200+100*attempt) * time.Millisecond
			if hint, ok := transport.RetryDelay(last); ok {
				wait = min(hint, maxRetryAfter)
			}
			if err := d.sleep(ctx, wait); err != nil {
				return err
			}
		}
		_, err := d.SendOne(ctx, to, m)
		if err == nil {
			return nil
		}
		last = err
		if transport.IsPermanent(err) {
			break
		}
	}
	return last
}

// JobStatus tracks a broadcast pass for status screens.
type JobStatus struct {
	ID        string
	Name      string
	Total     int
	Sent      int
	Failed    int
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
	Cancelled bool
}

func (d *Deliverer) trackJob(r Result) *JobStatus {
	st := &JobStatus{ID: r.ID, Name: r.Name, Total: r.Total, StartedAt: time.Now(), Running: true}
	d.jobsMu.Lock()
	defer d.jobsMu.Unlock()
	d.jobs[st.ID] = st
	if len(d.jobs) > maxJobHistory {
		var oldest *JobStatus
		for _, j := range d.jobs {
			if j.Running {
				continue
			}
			if oldest == nil || j.StartedAt.Before(oldest.StartedAt) {
				oldest = j
			}
		}
		if oldest != nil {
			delete(d.jobs, oldest.ID)
		}
	}
	return st
}

func (d *Deliverer) updateJob(st *JobStatus, r Result) {
	d.jobsMu.Lock()
	st.Sent, st.Failed = r.Sent, r.Failed
	d.jobsMu.Unlock()
}

func (d *Deliverer) finishJob(st *JobStatus, r Result) {
	d.jobsMu.Lock()
	st.Sent, st.Failed = r.Sent, r.Failed
	st.Running = false
	st.Cancelled = r.Cancelled
	st.DoneAt = time.Now()
	d.jobsMu.Unlock()
}

// Jobs returns recent broadcast passes, newest first.
func (d *Deliverer) Jobs() []JobStatus {
	d.jobsMu.RLock()
	out := make([]JobStatus, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, *j)
	}
	d.jobsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
