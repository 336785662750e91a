package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"dispatchbot/internal/apperr"
	"dispatchbot/pkg/logx"
)

// Effective holds parsed values with defaults applied.
type Effective struct {
	PollTimeout time.Duration

	StorageDriver string
	StoragePath   string
	BusyTimeout   time.Duration

	Workers        int
	QueueSize      int
	HandlerTimeout time.Duration
	FloodRate      float64
	FloodBurst     int

	RatePerSec     int
	Pacing         time.Duration
	Tick           time.Duration
	FailureBackoff time.Duration
	ProgressEvery  int
	Location       *time.Location

	OpsAddr string
}

const (
	DefaultPollTimeout    = 10 * time.Second
	DefaultHandlerTimeout = 30 * time.Second
	DefaultPacing         = 50 * time.Millisecond
	DefaultTick           = time.Second
	DefaultFailureBackoff = 60 * time.Second
)

// Effective parses durations and fills defaults.
func (c *Config) Effective() (Effective, error) {
	var (
		e   Effective
		err error
	)
	if e.PollTimeout, err = ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, DefaultPollTimeout); err != nil {
		return e, err
	}

	e.StorageDriver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if e.StorageDriver == "" {
		e.StorageDriver = "sqlite"
	}
	e.StoragePath = strings.TrimSpace(c.Storage.Path)
	if e.StoragePath == "" {
		e.StoragePath = "./data/bot.db"
	}
	if e.BusyTimeout, err = ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second); err != nil {
		return e, err
	}

	e.Workers = c.Dispatch.Workers
	if e.Workers <= 0 {
		e.Workers = 4
	}
	e.QueueSize = c.Dispatch.QueueSize
	if e.QueueSize <= 0 {
		e.QueueSize = 256
	}
	if e.HandlerTimeout, err = ParseDurationOrDefault("dispatch.handler_timeout", c.Dispatch.HandlerTimeout, DefaultHandlerTimeout); err != nil {
		return e, err
	}
	e.FloodRate = c.Dispatch.FloodRate
	e.FloodBurst = c.Dispatch.FloodBurst
	if e.FloodRate > 0 && e.FloodBurst <= 0 {
		e.FloodBurst = max(1, int(e.FloodRate*3))
	}

	e.RatePerSec = c.Broadcast.RatePerSec
	if e.RatePerSec <= 0 {
		e.RatePerSec = 20
	}
	if e.Pacing, err = ParseDurationField("broadcast.pacing", c.Broadcast.Pacing); err != nil {
		return e, err
	}
	if strings.TrimSpace(c.Broadcast.Pacing) == "" {
		e.Pacing = DefaultPacing
	}
	if e.Tick, err = ParseDurationOrDefault("broadcast.tick", c.Broadcast.Tick, DefaultTick); err != nil {
		return e, err
	}
	if e.FailureBackoff, err = ParseDurationOrDefault("broadcast.failure_backoff", c.Broadcast.FailureBackoff, DefaultFailureBackoff); err != nil {
		return e, err
	}
	e.ProgressEvery = c.Broadcast.ProgressEvery
	if e.ProgressEvery <= 0 {
		e.ProgressEvery = 25
	}
	e.Location = time.Local
	if tz := strings.TrimSpace(c.Broadcast.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return e, fmt.Errorf("broadcast.timezone: invalid %q: %w", tz, err)
		}
		e.Location = loc
	}

	e.OpsAddr = strings.TrimSpace(c.Ops.Addr)
	if e.OpsAddr == "" {
		e.OpsAddr = "127.0.0.1:9090"
	}
	return e, nil
}

// Validate checks required fields and cross-field rules. Command names and
// keyboards are validated when the routing table and templates are built.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return apperr.Config("config.validate", fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fail("telegram.token is required (or set BOT_TOKEN)")
	}
	for _, id := range c.Telegram.AdminIDs {
		if id <= 0 {
			return fail("telegram.admin_ids: invalid id %d", id)
		}
	}
	if len(c.Commands) == 0 {
		return fail("commands: at least one command is required")
	}
	if !logx.ValidLevel(c.Logging.Level) {
		return fail("logging.level: unknown level %q", c.Logging.Level)
	}
	if !logx.ValidLevel(c.Logging.Telegram.MinLevel) {
		return fail("logging.telegram.min_level: unknown level %q", c.Logging.Telegram.MinLevel)
	}
	if c.Logging.Telegram.Enabled && c.Telegram.LogChat == 0 {
		return fail("logging.telegram.enabled requires telegram.log_chat")
	}

	eff, err := c.Effective()
	if err != nil {
		return apperr.Wrap(apperr.KindConfig, "config.validate", err)
	}
	switch eff.StorageDriver {
	case "sqlite", "sqlite3", "memory":
	case "postgres", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fail("storage.dsn is required for driver %q", eff.StorageDriver)
		}
	default:
		return fail("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Dispatch.FloodRate < 0 {
		return fail("dispatch.flood_rate must be >= 0")
	}

	if c.Ops.Enabled {
		if _, _, err := net.SplitHostPort(eff.OpsAddr); err != nil {
			return fail("ops.addr: %v", err)
		}
	}

	seen := map[string]string{}
	for key, p := range c.Payments {
		switch {
		case strings.TrimSpace(p.Title) == "":
			return fail("payments.%s.title is required", key)
		case strings.TrimSpace(p.Payload) == "":
			return fail("payments.%s.payload is required", key)
		case p.Price <= 0:
			return fail("payments.%s.price must be > 0", key)
		}
		if other, dup := seen[p.Payload]; dup {
			return fail("payments.%s.payload %q duplicates payments.%s", key, p.Payload, other)
		}
		seen[p.Payload] = key
	}
	return nil
}
