package config

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"dispatchbot/internal/apperr"
)

// CampaignsFile is the auxiliary file that defines scheduled broadcasts.
//
// Example (YAML):
//
//	campaigns:
//	  morning:
//	    daily: "09:00"
//	    template: promo
//	  reminder:
//	    interval: 6h
//	    message: "Don't forget to check /news"
type CampaignsFile struct {
	Campaigns map[string]CampaignSpec `json:"campaigns"`
}

// CampaignSpec has exactly one trigger (interval, daily or cron) and either
// an inline message or a reference to a named template.
type CampaignSpec struct {
	Interval Duration `json:"interval,omitempty"`
	Daily    string   `json:"daily,omitempty"`
	Cron     string   `json:"cron,omitempty"`

	Message  Payload `json:"message,omitempty"`
	Template string  `json:"template,omitempty"`

	Disabled bool `json:"disabled,omitempty"`
}

var (
	campaignNameRe = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)
	dailyRe        = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)
)

// ParseDaily splits "HH:MM" into hour and minute.
func ParseDaily(s string) (hour, minute int, err error) {
	m := dailyRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("invalid daily time %q (want HH:MM)", s)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	return hour, minute, nil
}

// LoadCampaigns reads and validates the campaigns file. A missing file
// returns an error satisfying errors.Is(err, fs.ErrNotExist); callers treat
// that as "no campaigns".
func LoadCampaigns(path string) (*CampaignsFile, error) {
	var f CampaignsFile
	if err := decodeFile(path, &f); err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "config.campaigns", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Names returns campaign names in sorted order.
func (f *CampaignsFile) Names() []string {
	if f == nil {
		return nil
	}
	out := make([]string, 0, len(f.Campaigns))
	for name := range f.Campaigns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (f *CampaignsFile) Validate() error {
	fail := func(format string, args ...any) error {
		return apperr.Config("config.campaigns", fmt.Sprintf(format, args...))
	}
	for _, name := range f.Names() {
		c := f.Campaigns[name]
		if !campaignNameRe.MatchString(name) {
			return fail("campaign %q: name must match [a-z0-9_]{1,32}", name)
		}
		triggers := 0
		if c.Interval > 0 {
			triggers++
		}
		if strings.TrimSpace(c.Daily) != "" {
			triggers++
			if _, _, err := ParseDaily(c.Daily); err != nil {
				return fail("campaign %q: %v", name, err)
			}
		}
		if strings.TrimSpace(c.Cron) != "" {
			triggers++
		}
		if triggers != 1 {
			return fail("campaign %q: exactly one of interval, daily or cron is required", name)
		}
		hasMsg := len(c.Message) > 0
		hasTpl := strings.TrimSpace(c.Template) != ""
		if hasMsg == hasTpl {
			return fail("campaign %q: exactly one of message or template is required", name)
		}
	}
	return nil
}
