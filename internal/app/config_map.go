package app

import (
	"positionbot/internal/config"
	"positionbot/internal/dispatch"
	"positionbot/internal/ratelimit"
	"positionbot/internal/storage"
	"positionbot/internal/task/scheduler"
	"positionbot/internal/transport/telegram"
	"positionbot/pkg/logx"
)

func mapLogConfig(s *config.Settings) logx.Config {
	return logx.Config{
		Level:   s.Log.Level,
		Console: s.Log.Console,
		File: logx.FileConfig{
			Enabled: s.Log.File.Enabled,
			Path:    s.Log.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    s.Log.Telegram.Enabled,
			ChatID:     s.Log.Telegram.ChatID,
			MinLevel:   s.Log.Telegram.MinLevel,
			RatePerSec: s.Log.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(s *config.Settings) storage.Config {
	return storage.Config{
		Driver:      s.Storage.Driver,
		Path:        s.Storage.Path,
		DSN:         s.Storage.DSN,
		BusyTimeout: s.Storage.BusyTimeout,
		MaxConns:    s.Storage.MaxConns,
	}
}

func mapTelegramConfig(s *config.Settings) telegram.Config {
	return telegram.Config{
		Token:       s.Telegram.Token,
		APIURL:      s.Telegram.APIURL,
		HTTPTimeout: s.Telegram.HTTPTimeout,
	}
}

func mapLimiterConfig(s *config.Settings) ratelimit.Config {
	return ratelimit.Config{
		Interval:    s.Limiter.Interval,
		IntervalCap: s.Limiter.IntervalCap,
		Concurrency: s.Limiter.Concurrency,
	}
}

func mapDispatchConfig(s *config.Settings) dispatch.Config {
	return dispatch.Config{
		BatchSize:            s.Dispatch.BatchSize,
		SendLease:            s.Dispatch.SendLease,
		SendTimeout:          s.Dispatch.SendTimeout,
		PerRecipientInterval: s.Dispatch.PerRecipientInterval,
	}
}

func mapSchedulerConfig(s *config.Settings) scheduler.Config {
	return scheduler.Config{
		Timezone:    s.Scheduler.Timezone,
		HistorySize: s.Scheduler.HistorySize,
	}
}

// restartRequired lists changed sections that are only read at startup.
func restartRequired(prev, next *config.Settings) []string {
	if prev == nil || next == nil {
		return nil
	}
	var out []string
	if prev.Telegram != next.Telegram {
		out = append(out, "telegram")
	}
	if prev.Storage != next.Storage {
		out = append(out, "storage")
	}
	if prev.Receipts != next.Receipts {
		out = append(out, "receipts")
	}
	if prev.Limiter.Concurrency != next.Limiter.Concurrency {
		out = append(out, "limiter.concurrency")
	}
	if prev.Dispatch.SendTimeout != next.Dispatch.SendTimeout ||
		prev.Dispatch.SendLease != next.Dispatch.SendLease ||
		prev.Dispatch.PerRecipientInterval != next.Dispatch.PerRecipientInterval ||
		prev.Dispatch.MaxAttempts != next.Dispatch.MaxAttempts {
		out = append(out, "dispatch")
	}
	if prev.Cleanup.Retention != next.Cleanup.Retention {
		out = append(out, "cleanup.retention")
	}
	return out
}
