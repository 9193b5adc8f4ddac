package config

import (
	"reflect"

	"github.com/EternityForest/scullery/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs, plus
// log fields describing the new values. Secrets (debug.token) are never
// included, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var fields []logx.Field

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Workers != newCfg.Workers {
		changed = append(changed, "workers")
		fields = append(fields,
			logx.Int("workers.min", newCfg.Workers.MinWorkers),
			logx.Int("workers.max", newCfg.Workers.MaxWorkers),
		)
	}
	if oldCfg.Bus != newCfg.Bus {
		changed = append(changed, "bus")
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		fields = append(fields, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		fields = append(fields,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.AddrOrDefault()),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}
	if oldCfg.Journal != newCfg.Journal {
		changed = append(changed, "journal")
		fields = append(fields,
			logx.Bool("journal.enabled", newCfg.Journal.Enabled),
			logx.String("journal.driver", newCfg.Journal.DriverOrDefault()),
		)
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}
	return changed, fields
}
