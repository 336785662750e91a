package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"dispatchbot/internal/apperr"
	"dispatchbot/internal/router"
	"dispatchbot/internal/scheduler"
	"dispatchbot/pkg/tgui"
)

func (a *Admin) cmdCampaigns(ctx context.Context, req *router.Request) error {
	running := map[string]scheduler.TaskStatus{}
	for _, st := range a.sched.Snapshot() {
		if !st.AdHoc {
			running[st.Name] = st
		}
	}

	b := tgui.New().Title("🗓", "Campaigns")
	defs := a.catalog.List()
	if len(defs) == 0 {
		b.Line("No campaigns defined.")
	}
	for _, d := range defs {
		st, on := running[d.Name]
		delete(running, d.Name)
		b.RawLine(tgui.JoinH(" ", tgui.Raw("•"), tgui.Code(d.Name), tgui.Esc(d.Trigger.String())))
		switch {
		case on:
			b.Line("   " + taskLine(st, a.now()))
		case d.Disabled:
			b.Line("   stopped (disabled in file)")
		default:
			b.Line("   stopped")
		}
	}
	for name, st := range running {
		b.RawLine(tgui.JoinH(" ", tgui.Raw("•"), tgui.Code(name), tgui.Esc(st.Trigger)))
		b.Line("   " + taskLine(st, a.now()))
	}
	_, err := a.reply(ctx, req, b.Build())
	return err
}

func taskLine(st scheduler.TaskStatus, now time.Time) string {
	line := fmt.Sprintf("running, %d passes", st.Passes)
	if st.Failures > 0 {
		line += fmt.Sprintf(", %d failed", st.Failures)
	}
	if !st.LastRun.IsZero() {
		line += ", last " + humanize.RelTime(st.LastRun, now, "ago", "from now")
	}
	if !st.NextRun.IsZero() {
		line += ", next " + humanize.RelTime(st.NextRun, now, "ago", "from now")
	}
	if st.LastErr != "" {
		line += ", error: " + tgui.TruncRunes(st.LastErr, 80)
	}
	return line
}

func campaignArg(op string, args []string) (string, error) {
	if len(args) != 1 {
		return "", apperr.Validation("admin."+op, "usage: /"+op+" <name>")
	}
	return args[0], nil
}

func (a *Admin) cmdCampaignStart(ctx context.Context, req *router.Request) error {
	name, err := campaignArg("campaign_start", req.Args)
	if err != nil {
		return err
	}
	d, ok := a.catalog.Get(name)
	if !ok {
		return apperr.Validation("admin.campaign_start", fmt.Sprintf("unknown campaign %q; see /campaigns", name))
	}
	if err := a.sched.Start(d.Campaign); err != nil {
		return err
	}
	a.audit(ctx, req, "campaign_start", name, 1, 0, nil, 0, nil)
	return a.say(ctx, req, fmt.Sprintf("Campaign %s started (%s).", name, d.Trigger.String()))
}

func (a *Admin) cmdCampaignStop(ctx context.Context, req *router.Request) error {
	name, err := campaignArg("campaign_stop", req.Args)
	if err != nil {
		return err
	}
	if !a.sched.Stop(name) {
		return apperr.Validation("admin.campaign_stop", fmt.Sprintf("campaign %q is not running", name))
	}
	a.audit(ctx, req, "campaign_stop", name, 1, 0, nil, 0, nil)
	return a.say(ctx, req, fmt.Sprintf("Campaign %s stopped.", name))
}
