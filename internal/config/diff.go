package config

import (
	"reflect"
	"strings"

	logx "cronpipe/pkg/logx"
)

// SummarizeChange compares two configs and returns:
//   - the changed sections that are applied live (logging, notify)
//   - safe log fields describing them (tokens are never included)
//   - the changed sections that only take effect after a restart
func SummarizeChange(oldCfg, newCfg *Config) (live []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging != newCfg.Logging {
		live = append(live, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
		)
	}

	ot, nt := oldCfg.Notify.Telegram, newCfg.Notify.Telegram
	if oldCfg.Notify != newCfg.Notify {
		live = append(live, "notify")
		attrs = append(attrs,
			logx.Bool("notify.telegram", nt.Enabled),
			logx.Bool("notify.token_changed", strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)),
			logx.Int64("notify.chat_id", nt.ChatID),
			logx.Bool("notify.on_failure", newCfg.Notify.OnFailure),
			logx.Bool("notify.on_recovery", newCfg.Notify.OnRecovery),
		)
	}

	static := []struct {
		name string
		a, b any
	}{
		{"pipelines", strings.TrimSpace(oldCfg.Pipelines), strings.TrimSpace(newCfg.Pipelines)},
		{"refresh", strings.TrimSpace(string(oldCfg.Refresh)), strings.TrimSpace(string(newCfg.Refresh))},
		{"timezone", strings.TrimSpace(oldCfg.Timezone), strings.TrimSpace(newCfg.Timezone)},
		{"watch", oldCfg.Watch, newCfg.Watch},
		{"state", oldCfg.State, newCfg.State},
		{"executor", oldCfg.Executor, newCfg.Executor},
		{"debug", oldCfg.Debug, newCfg.Debug},
	}
	for _, s := range static {
		if !reflect.DeepEqual(s.a, s.b) {
			restart = append(restart, s.name)
		}
	}
	return live, attrs, restart
}
