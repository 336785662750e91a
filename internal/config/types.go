package config

// Config is the bot configuration file. It is read once at startup; only the
// campaigns file is reloaded while running.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Ops       OpsConfig       `json:"ops"`

	// CampaignsFile points at the scheduled campaigns definition. A missing
	// file means no campaigns.
	CampaignsFile string `json:"campaigns_file,omitempty"`

	Commands  map[string]Payload         `json:"commands"`
	Buttons   map[string]Payload         `json:"buttons,omitempty"`
	Templates map[string]Payload         `json:"templates,omitempty"`
	Payments  map[string]PaymentTemplate `json:"payments,omitempty"`
	Messages  MessagesConfig             `json:"messages,omitempty"`

	// UnknownMessage is the older single fallback reply. When set it is used
	// for both messages.unknown_command and messages.use_menu unless those
	// are set too.
	UnknownMessage Payload `json:"unknown_message,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string  `json:"poll_timeout,omitempty"`
	AdminIDs    []int64 `json:"admin_ids"`
	// LogChat receives WARN+ log lines when logging.telegram.enabled is set.
	LogChat   int64 `json:"log_chat,omitempty"`
	LogThread int   `json:"log_thread,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the audience/state store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/bot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/bot" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DispatchConfig sizes the inbound worker pool.
type DispatchConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`
	// FloodRate enables the per-user flood guard (events per second). 0 disables it.
	FloodRate  float64 `json:"flood_rate,omitempty"`
	FloodBurst int     `json:"flood_burst,omitempty"`
}

// BroadcastConfig controls fan-out pacing and campaign loops.
type BroadcastConfig struct {
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	Pacing         string `json:"pacing,omitempty"`
	Tick           string `json:"tick,omitempty"`
	FailureBackoff string `json:"failure_backoff,omitempty"`
	ProgressEvery  int    `json:"progress_every,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// OpsConfig controls the operational HTTP endpoint (health, stats, metrics).
//
// Binding to a non-loopback address requires a token unless allow_insecure
// is set.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type MessagesConfig struct {
	UnknownCommand   Payload `json:"unknown_command,omitempty"`
	UseMenu          Payload `json:"use_menu,omitempty"`
	Blocked          Payload `json:"blocked,omitempty"`
	Unconfigured     Payload `json:"unconfigured,omitempty"`
	PermissionDenied Payload `json:"permission_denied,omitempty"`
}

// PaymentTemplate describes one purchasable item. Price is in the smallest
// currency unit (stars for XTR).
type PaymentTemplate struct {
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	Payload       string  `json:"payload"`
	Price         int     `json:"price"`
	Currency      string  `json:"currency,omitempty"`
	Label         string  `json:"label,omitempty"`
	ProviderToken string  `json:"provider_token,omitempty"`
	Success       Payload `json:"success,omitempty"`
}
