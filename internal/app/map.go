package app

import (
	"sort"
	"time"

	"cronpipe/internal/config"
	"cronpipe/internal/notify"
	logx "cronpipe/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

// jobEnv renders executor.env as sorted KEY=VALUE pairs.
func jobEnv(cfg *config.Config) []string {
	env := make([]string, 0, len(cfg.Executor.Env))
	for k, v := range cfg.Executor.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func relayConfig(cfg *config.Config) notify.RelayConfig {
	return notify.RelayConfig{
		OnFailure:   cfg.Notify.OnFailure,
		OnRecovery:  cfg.Notify.OnRecovery,
		DedupWindow: 10 * time.Minute,
	}
}

// sender builds the configured notification channel; nil when disabled.
func sender(cfg *config.Config, s config.Settings) (notify.Sender, error) {
	tg := cfg.Notify.Telegram
	if !tg.Enabled {
		return nil, nil
	}
	t, err := notify.NewTelegram(notify.TelegramConfig{
		Token:    tg.Token,
		ChatID:   tg.ChatID,
		ThreadID: tg.ThreadID,
		Timeout:  s.SendTimeout,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}
