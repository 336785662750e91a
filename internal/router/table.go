package router

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"dispatchbot/internal/apperr"
	"dispatchbot/internal/config"
	"dispatchbot/internal/fsm"
	"dispatchbot/internal/template"
)

type RuleKind int

const (
	RuleCommand RuleKind = iota
	RuleButton
	RuleFallback
)

func (k RuleKind) String() string {
	switch k {
	case RuleCommand:
		return "command"
	case RuleButton:
		return "button"
	case RuleFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Rule is one routing table entry. A rule either delivers Messages, answers
// a tap for a Link, or runs Handle.
type Rule struct {
	Kind        RuleKind
	Key         string
	Description string
	Messages    []template.Outbound
	Link        string
	Handle      HandlerFunc
	AdminOnly   bool
	// Flows lists the states this command belongs to; issuing it does not
	// clear them.
	Flows   []fsm.Name
	Hidden  bool // not published in the command menu
	Timeout time.Duration
}

func (r *Rule) belongsTo(state fsm.Name) bool {
	for _, f := range r.Flows {
		if f == state {
			return true
		}
	}
	return false
}

// StateHandler receives input while a user is in State. OnMessage gets any
// non-command message; OnCallback gets flow:* taps with the token in
// Request.Command.
type StateHandler struct {
	State      fsm.Name
	OnMessage  HandlerFunc
	OnCallback HandlerFunc
}

// Notices are the fixed replies of the router and the block guard.
type Notices struct {
	UnknownCommand   []template.Outbound
	UseMenu          []template.Outbound
	Blocked          []template.Outbound
	Unconfigured     []template.Outbound
	PermissionDenied []template.Outbound
}

const (
	defaultUnknownCommand   = "Unknown command"
	defaultUseMenu          = "Please use the menu commands"
	defaultBlocked          = "You have been blocked."
	defaultUnconfigured     = "This button is not configured."
	defaultPermissionDenied = "You are not allowed to use this command."
	defaultHelpMissing      = "/help is not configured."
)

// Table is the immutable routing table built at startup.
type Table struct {
	commands map[string]*Rule
	order    []string
	buttons  map[string]*Rule
	states   map[fsm.Name]StateHandler
	notices  Notices
}

// BuildTable compiles the configured commands and buttons together with the
// built-in rules and flow handlers. Invalid or duplicate command names,
// collisions with built-ins and reserved button keys are configuration
// errors.
func BuildTable(cfg *config.Config, res *template.Resolver, builtins []Rule, states []StateHandler) (*Table, error) {
	const op = "router.build"
	t := &Table{
		commands: map[string]*Rule{},
		buttons:  map[string]*Rule{},
		states:   map[fsm.Name]StateHandler{},
	}

	for i := range builtins {
		b := builtins[i]
		name, ok := normalizeCommand(b.Key)
		if !ok {
			return nil, apperr.Config(op, fmt.Sprintf("built-in command %q: invalid name", b.Key))
		}
		if _, dup := t.commands[name]; dup {
			return nil, apperr.Config(op, fmt.Sprintf("built-in command /%s registered twice", name))
		}
		b.Kind = RuleCommand
		b.Key = name
		t.commands[name] = &b
	}

	keys := make([]string, 0, len(cfg.Commands))
	for k := range cfg.Commands {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	seen := map[string]string{}
	for _, raw := range keys {
		name, ok := normalizeCommand(raw)
		if !ok {
			return nil, apperr.Config(op, fmt.Sprintf("commands.%s: name must match [a-z0-9_]{1,32}", raw))
		}
		if prev, dup := seen[name]; dup {
			return nil, apperr.Config(op, fmt.Sprintf("commands.%s: duplicates commands.%s", raw, prev))
		}
		if _, builtin := t.commands[name]; builtin {
			return nil, apperr.Config(op, fmt.Sprintf("commands.%s: collides with built-in /%s", raw, name))
		}
		seen[name] = raw
		msgs, err := res.Resolve(cfg.Commands[raw])
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfig, op, fmt.Errorf("commands.%s: %w", raw, err))
		}
		t.commands[name] = &Rule{
			Kind:        RuleCommand,
			Key:         name,
			Description: template.Excerpt(msgs, 60),
			Messages:    msgs,
		}
	}
	if _, ok := t.commands["help"]; !ok {
		t.commands["help"] = &Rule{
			Kind:     RuleCommand,
			Key:      "help",
			Hidden:   true,
			Messages: []template.Outbound{{Text: template.Escape(defaultHelpMissing)}},
		}
	}
	for name := range t.commands {
		t.order = append(t.order, name)
	}
	sort.Strings(t.order)

	for raw, p := range cfg.Buttons {
		key := strings.TrimSpace(raw)
		switch {
		case key == "":
			return nil, apperr.Config(op, "buttons: empty key")
		case fsm.IsFlowToken(key):
			return nil, apperr.Config(op, fmt.Sprintf("buttons.%s: prefix %q is reserved", raw, fsm.CallbackPrefix))
		}
		if _, dup := t.buttons[key]; dup {
			return nil, apperr.Config(op, fmt.Sprintf("buttons.%s: duplicate key", raw))
		}
		rule := &Rule{Kind: RuleButton, Key: key}
		if link := p.Link(); link != "" {
			rule.Link = link
		} else {
			msgs, err := res.Resolve(p)
			if err != nil {
				return nil, apperr.Wrap(apperr.KindConfig, op, fmt.Errorf("buttons.%s: %w", raw, err))
			}
			rule.Messages = msgs
		}
		t.buttons[key] = rule
	}

	for _, sh := range states {
		if sh.State == fsm.None {
			return nil, apperr.Config(op, "state handler without a state")
		}
		if _, dup := t.states[sh.State]; dup {
			return nil, apperr.Config(op, fmt.Sprintf("state %s registered twice", sh.State))
		}
		t.states[sh.State] = sh
	}

	var err error
	if t.notices, err = buildNotices(cfg, res); err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, op, err)
	}
	return t, nil
}

func buildNotices(cfg *config.Config, res *template.Resolver) (Notices, error) {
	var (
		n   Notices
		err error
	)
	one := func(path string, p, legacy config.Payload, def string) ([]template.Outbound, error) {
		if len(p) == 0 {
			p = legacy
		}
		if len(p) == 0 {
			return []template.Outbound{{Text: template.Escape(def)}}, nil
		}
		msgs, err := res.Resolve(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return msgs, nil
	}
	m := cfg.Messages
	if n.UnknownCommand, err = one("messages.unknown_command", m.UnknownCommand, cfg.UnknownMessage, defaultUnknownCommand); err != nil {
		return n, err
	}
	if n.UseMenu, err = one("messages.use_menu", m.UseMenu, cfg.UnknownMessage, defaultUseMenu); err != nil {
		return n, err
	}
	if n.Blocked, err = one("messages.blocked", m.Blocked, nil, defaultBlocked); err != nil {
		return n, err
	}
	if n.Unconfigured, err = one("messages.unconfigured", m.Unconfigured, nil, defaultUnconfigured); err != nil {
		return n, err
	}
	if n.PermissionDenied, err = one("messages.permission_denied", m.PermissionDenied, nil, defaultPermissionDenied); err != nil {
		return n, err
	}
	return n, nil
}

func (t *Table) Command(name string) (*Rule, bool) {
	r, ok := t.commands[name]
	return r, ok
}

func (t *Table) Button(key string) (*Rule, bool) {
	r, ok := t.buttons[key]
	return r, ok
}

func (t *Table) State(name fsm.Name) (StateHandler, bool) {
	sh, ok := t.states[name]
	return sh, ok
}

func (t *Table) Notices() Notices { return t.notices }

// Commands returns command rules sorted by name.
func (t *Table) Commands() []*Rule {
	out := make([]*Rule, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.commands[name])
	}
	return out
}
