package config

import (
	"errors"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Env holds environment overrides. Unset variables leave the file value in place.
type Env struct {
	BotToken            *string  `envconfig:"BOT_TOKEN"`
	TelegramAPIURL      *string  `envconfig:"TELEGRAM_API_URL"`
	DatabaseURL         *string  `envconfig:"DATABASE_URL"`
	DatabasePath        *string  `envconfig:"DATABASE_PATH"`
	RedisURL            *string  `envconfig:"REDIS_URL"`
	LogLevel            *string  `envconfig:"LOG_LEVEL"`
	LogChatID           *int64   `envconfig:"LOG_CHAT_ID"`
	LimiterInterval     Duration `envconfig:"LIMITER_INTERVAL"`
	LimiterIntervalCap  *int     `envconfig:"LIMITER_INTERVAL_CAP"`
	DispatchCron        *string  `envconfig:"DISPATCH_CRON"`
	CleanupCron         *string  `envconfig:"CLEANUP_CRON"`
	CleanupRetention    Duration `envconfig:"CLEANUP_RETENTION"`
	MaxAttempts         *int     `envconfig:"MAX_ATTEMPTS"`
	MessagesPerDispatch *int     `envconfig:"MESSAGES_PER_DISPATCH"`
	Timezone            *string  `envconfig:"SCHEDULER_TIMEZONE"`
}

// Duration decodes a bare integer as milliseconds and anything else with
// ParseDurationField.
type Duration struct {
	D   time.Duration
	Set bool
}

func (d *Duration) Decode(value string) error {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms < 0 {
			return errors.New("duration must be >= 0")
		}
		d.D, d.Set = time.Duration(ms)*time.Millisecond, true
		return nil
	}
	parsed, err := ParseDurationField("env", v)
	if err != nil {
		return err
	}
	d.D, d.Set = parsed, true
	return nil
}

// LoadDotEnv loads the given .env files (default ".env") into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func ReadEnv() (Env, error) {
	var e Env
	if err := envconfig.Process("", &e); err != nil {
		return Env{}, err
	}
	return e, nil
}

// apply copies set variables onto the file config. Structured values are
// converted back to strings so Resolve parses one representation.
func (e Env) apply(c *Config) {
	setStr := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setStr(&c.Telegram.Token, e.BotToken)
	setStr(&c.Telegram.APIURL, e.TelegramAPIURL)
	if e.DatabaseURL != nil {
		c.Storage.DSN = *e.DatabaseURL
		if c.Storage.Driver == "" {
			c.Storage.Driver = "postgres"
		}
	}
	setStr(&c.Storage.Path, e.DatabasePath)
	setStr(&c.Receipts.RedisURL, e.RedisURL)
	setStr(&c.Logging.Level, e.LogLevel)
	if e.LogChatID != nil {
		c.Logging.Telegram.ChatID = *e.LogChatID
		c.Logging.Telegram.Enabled = *e.LogChatID != 0
	}
	if e.LimiterInterval.Set {
		c.Limiter.Interval = e.LimiterInterval.D.String()
	}
	setInt(&c.Limiter.IntervalCap, e.LimiterIntervalCap)
	setStr(&c.Dispatch.Schedule, e.DispatchCron)
	setStr(&c.Cleanup.Schedule, e.CleanupCron)
	if e.CleanupRetention.Set {
		c.Cleanup.Retention = e.CleanupRetention.D.String()
	}
	setInt(&c.Dispatch.MaxAttempts, e.MaxAttempts)
	setInt(&c.Dispatch.BatchSize, e.MessagesPerDispatch)
	setStr(&c.Scheduler.Timezone, e.Timezone)
}
