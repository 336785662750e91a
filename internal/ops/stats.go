package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"dispatchbot/internal/delivery"
	rtsup "dispatchbot/internal/runtime/supervisor"
	"dispatchbot/internal/scheduler"
	"dispatchbot/pkg/logx"
)

type AudienceStats struct {
	Active  int `json:"active"`
	Blocked int `json:"blocked"`
	Total   int `json:"total"`
}

type CampaignStats struct {
	Name     string    `json:"name"`
	AdHoc    bool      `json:"adhoc"`
	Trigger  string    `json:"trigger,omitempty"`
	Started  time.Time `json:"started_at"`
	LastRun  time.Time `json:"last_run,omitzero"`
	NextRun  time.Time `json:"next_run,omitzero"`
	Passes   int       `json:"passes"`
	Failures int       `json:"failures"`
	LastErr  string    `json:"last_err,omitempty"`
}

type BroadcastStats struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Total     int       `json:"total"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Running   bool      `json:"running"`
	Cancelled bool      `json:"cancelled"`
	StartedAt time.Time `json:"started_at"`
	DoneAt    time.Time `json:"done_at,omitzero"`
}

// Stats is the /stats document.
type Stats struct {
	Uptime      string                    `json:"uptime"`
	Audience    *AudienceStats            `json:"audience,omitempty"`
	Campaigns   []CampaignStats           `json:"campaigns"`
	Broadcasts  []BroadcastStats          `json:"broadcasts"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors,omitempty"`
	Errors      []string                  `json:"errors,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := Stats{
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Campaigns:  []CampaignStats{},
		Broadcasts: []BroadcastStats{},
	}

	if a := s.src.Audience; a != nil {
		var (
			as   AudienceStats
			errs []error
			err  error
		)
		if as.Active, err = a.CountActive(r.Context()); err != nil {
			errs = append(errs, err)
		}
		if as.Blocked, err = a.CountBlocked(r.Context()); err != nil {
			errs = append(errs, err)
		}
		if as.Total, err = a.CountTotal(r.Context()); err != nil {
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			st.Audience = &as
		}
		for _, e := range errs {
			s.log.Warn("stats audience query failed", logx.Err(e))
			st.Errors = append(st.Errors, "audience: "+e.Error())
		}
	}
	if s.src.Tasks != nil {
		for _, t := range s.src.Tasks() {
			st.Campaigns = append(st.Campaigns, campaignStats(t))
		}
	}
	if s.src.Jobs != nil {
		for _, j := range s.src.Jobs() {
			st.Broadcasts = append(st.Broadcasts, broadcastStats(j))
		}
	}
	if len(s.src.Supervisors) > 0 {
		st.Supervisors = make(map[string]rtsup.Snapshot, len(s.src.Supervisors))
		for name, sup := range s.src.Supervisors {
			st.Supervisors[name] = sup.Snapshot()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		s.log.Debug("stats encode failed", logx.Err(err))
	}
}

func campaignStats(t scheduler.TaskStatus) CampaignStats {
	return CampaignStats{
		Name:     t.Name,
		AdHoc:    t.AdHoc,
		Trigger:  t.Trigger,
		Started:  t.StartedAt,
		LastRun:  t.LastRun,
		NextRun:  t.NextRun,
		Passes:   t.Passes,
		Failures: t.Failures,
		LastErr:  t.LastErr,
	}
}

func broadcastStats(j delivery.JobStatus) BroadcastStats {
	return BroadcastStats{
		ID:        j.ID,
		Name:      j.Name,
		Total:     j.Total,
		Sent:      j.Sent,
		Failed:    j.Failed,
		Running:   j.Running,
		Cancelled: j.Cancelled,
		StartedAt: j.StartedAt,
		DoneAt:    j.DoneAt,
	}
}
