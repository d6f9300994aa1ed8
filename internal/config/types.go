package config

// Config is the on-disk schema (JSON, or YAML coerced to JSON). Durations
// are Go duration strings; a trailing "d" counts days ("7d").
// Every field is optional: Resolve fills defaults and applies the
// environment on top.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Receipts  ReceiptsConfig  `json:"receipts"`
	Limiter   LimiterConfig   `json:"limiter"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Cleanup   CleanupConfig   `json:"cleanup"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type TelegramConfig struct {
	Token       string `json:"token,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  *bool           `json:"console,omitempty"` // default true
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above MinLevel to an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./positionbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/positionbot" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

// ReceiptsConfig enables the Redis delivery receipt cache when RedisURL is set.
type ReceiptsConfig struct {
	RedisURL string `json:"redis_url,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

type LimiterConfig struct {
	Interval    string `json:"interval,omitempty"`
	IntervalCap int    `json:"interval_cap,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
}

type DispatchConfig struct {
	Schedule             string `json:"schedule,omitempty"`
	Timeout              string `json:"timeout,omitempty"`
	BatchSize            int    `json:"batch_size,omitempty"`
	MaxAttempts          int    `json:"max_attempts,omitempty"`
	SendTimeout          string `json:"send_timeout,omitempty"`
	SendLease            string `json:"send_lease,omitempty"`
	PerRecipientInterval string `json:"per_recipient_interval,omitempty"`
}

type CleanupConfig struct {
	Schedule  string `json:"schedule,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
	Retention string `json:"retention,omitempty"`
}

type SchedulerConfig struct {
	Timezone    string `json:"timezone,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}
