package admin

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"dispatchbot/internal/apperr"
	"dispatchbot/internal/router"
	"dispatchbot/pkg/tgui"
)

const recentJobs = 5

func (a *Admin) cmdStats(ctx context.Context, req *router.Request) error {
	active, err := a.store.CountActive(ctx)
	if err != nil {
		return err
	}
	total, err := a.store.CountTotal(ctx)
	if err != nil {
		return err
	}
	blocked, err := a.store.CountBlocked(ctx)
	if err != nil {
		return err
	}

	campaigns := 0
	for _, st := range a.sched.Snapshot() {
		if !st.AdHoc {
			campaigns++
		}
	}

	b := tgui.New().
		Title("📊", "Audience").
		KV("Active", tgui.Num(active)).
		KV("Blocked", tgui.Num(blocked)).
		KV("Total", tgui.Num(total)).
		KV("Campaigns running", tgui.Num(campaigns))

	jobs := a.del.Jobs()
	if len(jobs) > 0 {
		b.Blank().Section("Recent broadcasts")
		for i, j := range jobs {
			if i == recentJobs {
				break
			}
			state := "done " + humanize.RelTime(j.DoneAt, a.now(), "ago", "from now")
			switch {
			case j.Running:
				state = "running since " + humanize.Time(j.StartedAt)
			case j.Cancelled:
				state = "cancelled"
			}
			b.Line(fmt.Sprintf("• %s: %s sent, %s failed of %s (%s)",
				j.Name, tgui.Num(j.Sent), tgui.Num(j.Failed), tgui.Num(j.Total), state))
		}
	}
	_, err = a.reply(ctx, req, b.Build())
	return err
}

func parseUserArg(op string, args []string) (int64, error) {
	usage := "usage: /" + op + " <user_id>"
	if len(args) != 1 {
		return 0, apperr.Validation("admin."+op, usage)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.Validation("admin."+op, usage)
	}
	return id, nil
}

func (a *Admin) cmdBlock(ctx context.Context, req *router.Request) error {
	id, err := parseUserArg("block", req.Args)
	if err != nil {
		return err
	}
	if a.admins[id] {
		return apperr.Validation("admin.block", "Admins cannot be blocked.")
	}
	start := time.Now()
	created, err := a.store.Block(ctx, id)
	a.audit(ctx, req, "block", strconv.FormatInt(id, 10), boolInt(err == nil), boolInt(err != nil), err, time.Since(start), nil)
	if err != nil {
		return err
	}
	if !created {
		return a.say(ctx, req, fmt.Sprintf("User %d is already blocked.", id))
	}
	return a.say(ctx, req, fmt.Sprintf("User %d blocked.", id))
}

func (a *Admin) cmdUnblock(ctx context.Context, req *router.Request) error {
	id, err := parseUserArg("unblock", req.Args)
	if err != nil {
		return err
	}
	start := time.Now()
	removed, err := a.store.Unblock(ctx, id)
	a.audit(ctx, req, "unblock", strconv.FormatInt(id, 10), boolInt(err == nil), boolInt(err != nil), err, time.Since(start), nil)
	if err != nil {
		return err
	}
	if !removed {
		return a.say(ctx, req, fmt.Sprintf("User %d is not blocked.", id))
	}
	return a.say(ctx, req, fmt.Sprintf("User %d unblocked.", id))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
