package app

import (
	"time"

	"github.com/EternityForest/scullery/internal/config"
	"github.com/EternityForest/scullery/internal/eventbus"
	"github.com/EternityForest/scullery/internal/observability/debugsrv"
	"github.com/EternityForest/scullery/internal/storage"
	"github.com/EternityForest/scullery/internal/task/scheduler"
	"github.com/EternityForest/scullery/internal/task/workers"
	"github.com/EternityForest/scullery/pkg/logx"
)

// Configs reaching these functions have passed Validate, so duration fields
// parse and invalid values read as 0 (component default).

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapWorkers(cfg *config.Config) workers.Config {
	w := cfg.Workers
	return workers.Config{
		MinWorkers:      w.MinWorkers,
		MaxWorkers:      w.MaxWorkers,
		ShutdownTimeout: config.Duration(w.ShutdownTimeout),
		IdleTimeout:     config.Duration(w.IdleTimeout),
		RetireInterval:  config.Duration(w.RetireInterval),
		SpawnTimeout:    config.Duration(w.SpawnTimeout),
		ErrorLogEvery:   config.Duration(w.ErrorLogEvery),
	}
}

func mapBus(cfg *config.Config) eventbus.Config {
	return eventbus.Config{
		PatternCacheSize:  cfg.Bus.PatternCacheSize,
		CollectWarnWindow: config.Duration(cfg.Bus.CollectWarnWindow),
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	sc := cfg.Scheduler
	loc, err := sc.Location()
	if err != nil {
		loc = time.Local
	}
	return scheduler.Config{
		Slack:            config.Duration(sc.Slack),
		RecoveryInterval: config.Duration(sc.RecoveryInterval),
		RecoveryGrace:    config.Duration(sc.RecoveryGrace),
		PollInterval:     config.Duration(sc.PollInterval),
		Location:         loc,
	}
}

func mapDebug(cfg *config.Config) debugsrv.Config {
	d := cfg.Debug
	return debugsrv.Config{
		Enabled:       d.Enabled,
		Addr:          d.AddrOrDefault(),
		Prefix:        d.PrefixOrDefault(),
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   10 * time.Second,
		IdleTimeout:   time.Minute,
	}
}

func mapStorage(cfg *config.Config) (storage.Config, storage.RecorderConfig, bool) {
	j := cfg.Journal
	if !j.Enabled {
		return storage.Config{}, storage.RecorderConfig{}, false
	}
	path := j.Path
	if path == "" {
		path = "./journal"
	}
	return storage.Config{
			Driver:      j.DriverOrDefault(),
			Path:        path,
			BusyTimeout: time.Second,
		}, storage.RecorderConfig{
			Topic:      j.TopicOrDefault(),
			RatePerSec: j.RatePerSec,
			Burst:      j.Burst,
		}, true
}
