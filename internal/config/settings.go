package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"positionbot/pkg/logx"
)

// Settings is the resolved, validated configuration the app runs with.
type Settings struct {
	Telegram  TelegramSettings
	Log       LogSettings
	Storage   StorageSettings
	Receipts  ReceiptsSettings
	Limiter   LimiterSettings
	Dispatch  DispatchSettings
	Cleanup   CleanupSettings
	Scheduler SchedulerSettings
}

type TelegramSettings struct {
	Token       string `validate:"required"`
	APIURL      string `validate:"omitempty,url"`
	HTTPTimeout time.Duration
}

type LogSettings struct {
	Level   string `validate:"required,loglevel"`
	Console bool
	File    struct {
		Enabled bool
		Path    string
	}
	Telegram struct {
		Enabled    bool
		ChatID     int64  `validate:"required_if=Enabled true"`
		MinLevel   string `validate:"required,loglevel"`
		RatePerSec int    `validate:"min=1"`
	}
}

type StorageSettings struct {
	Driver      string `validate:"oneof=sqlite postgres"`
	Path        string `validate:"required_if=Driver sqlite"`
	DSN         string `validate:"required_if=Driver postgres"`
	BusyTimeout time.Duration
	MaxConns    int32 `validate:"min=0"`
}

type ReceiptsSettings struct {
	RedisURL string `validate:"omitempty,url"`
	TTL      time.Duration
}

type LimiterSettings struct {
	Interval    time.Duration `validate:"gt=0"`
	IntervalCap int           `validate:"min=1"`
	Concurrency int           `validate:"min=0"`
}

type DispatchSettings struct {
	Schedule             string `validate:"required"`
	Timeout              time.Duration
	BatchSize            int           `validate:"min=1"`
	MaxAttempts          int           `validate:"min=1"`
	SendTimeout          time.Duration `validate:"gt=0"`
	SendLease            time.Duration
	PerRecipientInterval time.Duration
}

type CleanupSettings struct {
	Schedule  string `validate:"required"`
	Timeout   time.Duration
	Retention time.Duration `validate:"gt=0"`
}

type SchedulerSettings struct {
	Timezone    string `validate:"omitempty,timezone"`
	HistorySize int
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// loglevel accepts exactly the names the logger parses.
	if err := v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		return logx.ValidLevel(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// Resolve applies defaults and env overrides to c and validates the result.
// c is not modified.
func Resolve(c Config, env Env) (*Settings, error) {
	env.apply(&c)

	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	orInt := func(v, def int) int {
		if v == 0 {
			return def
		}
		return v
	}
	orStr := func(v, def string) string {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
		return def
	}

	s := &Settings{}
	s.Telegram.Token = strings.TrimSpace(c.Telegram.Token)
	s.Telegram.APIURL = strings.TrimSpace(c.Telegram.APIURL)
	s.Telegram.HTTPTimeout = dur("telegram.http_timeout", c.Telegram.HTTPTimeout, 15*time.Second)

	s.Log.Level = strings.ToLower(orStr(c.Logging.Level, "info"))
	s.Log.Console = c.Logging.Console == nil || *c.Logging.Console
	s.Log.File.Enabled = c.Logging.File.Enabled
	s.Log.File.Path = orStr(c.Logging.File.Path, "./positionbot.log")
	s.Log.Telegram.Enabled = c.Logging.Telegram.Enabled
	s.Log.Telegram.ChatID = c.Logging.Telegram.ChatID
	s.Log.Telegram.MinLevel = strings.ToLower(orStr(c.Logging.Telegram.MinLevel, "warn"))
	s.Log.Telegram.RatePerSec = orInt(c.Logging.Telegram.RatePerSec, 1)

	s.Storage.Driver = normalizeDriver(c.Storage.Driver)
	s.Storage.Path = orStr(c.Storage.Path, "./positionbot.db")
	s.Storage.DSN = strings.TrimSpace(c.Storage.DSN)
	s.Storage.BusyTimeout = dur("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
	s.Storage.MaxConns = c.Storage.MaxConns

	s.Receipts.RedisURL = strings.TrimSpace(c.Receipts.RedisURL)
	s.Receipts.TTL = dur("receipts.ttl", c.Receipts.TTL, 24*time.Hour)

	s.Limiter.Interval = dur("limiter.interval", c.Limiter.Interval, time.Second)
	s.Limiter.IntervalCap = orInt(c.Limiter.IntervalCap, 30)
	s.Limiter.Concurrency = c.Limiter.Concurrency

	s.Dispatch.Schedule = orStr(c.Dispatch.Schedule, "* * * * * *")
	s.Dispatch.Timeout = dur("dispatch.timeout", c.Dispatch.Timeout, 30*time.Second)
	s.Dispatch.BatchSize = orInt(c.Dispatch.BatchSize, 30)
	s.Dispatch.MaxAttempts = orInt(c.Dispatch.MaxAttempts, 5)
	s.Dispatch.SendTimeout = dur("dispatch.send_timeout", c.Dispatch.SendTimeout, 10*time.Second)
	s.Dispatch.SendLease = dur("dispatch.send_lease", c.Dispatch.SendLease, 5*time.Minute)
	s.Dispatch.PerRecipientInterval = dur("dispatch.per_recipient_interval", c.Dispatch.PerRecipientInterval, time.Second)

	s.Cleanup.Schedule = orStr(c.Cleanup.Schedule, "0 0 * * *")
	s.Cleanup.Timeout = dur("cleanup.timeout", c.Cleanup.Timeout, 5*time.Minute)
	s.Cleanup.Retention = dur("cleanup.retention", c.Cleanup.Retention, 7*24*time.Hour)

	s.Scheduler.Timezone = strings.TrimSpace(c.Scheduler.Timezone)
	s.Scheduler.HistorySize = c.Scheduler.HistorySize

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func normalizeDriver(d string) string {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "", "sqlite", "sqlite3":
		return "sqlite"
	case "postgres", "postgresql", "pgx":
		return "postgres"
	default:
		return strings.ToLower(strings.TrimSpace(d))
	}
}
