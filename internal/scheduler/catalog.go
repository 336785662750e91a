package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"dispatchbot/internal/apperr"
	"dispatchbot/internal/config"
	"dispatchbot/internal/template"
)

// Definition is a campaign from the campaigns file, running or not.
type Definition struct {
	Campaign
	Disabled bool
}

// Compile turns the campaigns file into definitions, resolving inline
// messages and named templates. Errors are KindConfig.
func Compile(f *config.CampaignsFile, res *template.Resolver, named *template.Set) ([]Definition, error) {
	const op = "scheduler.compile"
	if f == nil {
		return nil, nil
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	out := make([]Definition, 0, len(f.Campaigns))
	for _, name := range f.Names() {
		spec := f.Campaigns[name]
		trig, err := TriggerFromSpec(spec)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfig, op, fmt.Errorf("campaigns.%s: %w", name, err))
		}
		var msgs []template.Outbound
		if tpl := strings.TrimSpace(spec.Template); tpl != "" {
			m, ok := named.Get(tpl)
			if !ok {
				return nil, apperr.Config(op, fmt.Sprintf("campaigns.%s: unknown template %q", name, tpl))
			}
			msgs = m
		} else {
			if msgs, err = res.Resolve(spec.Message); err != nil {
				return nil, apperr.Wrap(apperr.KindConfig, op, fmt.Errorf("campaigns.%s: %w", name, err))
			}
		}
		out = append(out, Definition{
			Campaign: Campaign{Name: name, Trigger: trig, Messages: msgs},
			Disabled: spec.Disabled,
		})
	}
	return out, nil
}

// Catalog holds the current campaign definitions so admins can start a
// stopped campaign by name.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewCatalog() *Catalog { return &Catalog{defs: map[string]Definition{}} }

// Enabled returns the campaigns of defs that are not disabled.
func Enabled(defs []Definition) []Campaign {
	out := make([]Campaign, 0, len(defs))
	for _, d := range defs {
		if !d.Disabled {
			out = append(out, d.Campaign)
		}
	}
	return out
}

// Set replaces the definitions and returns the enabled campaigns.
func (c *Catalog) Set(defs []Definition) []Campaign {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		m[d.Name] = d
	}
	c.mu.Lock()
	c.defs = m
	c.mu.Unlock()
	return Enabled(defs)
}

func (c *Catalog) Get(name string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[name]
	return d, ok
}

// List returns definitions sorted by name.
func (c *Catalog) List() []Definition {
	c.mu.RLock()
	out := make([]Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
