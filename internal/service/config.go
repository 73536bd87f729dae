package service

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/CZERTAINLY/CodeSniffer/internal/model"
)

const (
	DefaultInterval = 5 * time.Minute
	// MinInterval is the shortest delay between two sweeps.
	MinInterval = 1 * time.Minute
	// MaxParallelSources is the number of sources scanned at once.
	MaxParallelSources = 2
)

type Config struct {
	// CheckoutPath holds the working copies.
	CheckoutPath string
	Interval     time.Duration
	// Cron takes precedence over Interval when set.
	Cron cron.Schedule
}

// ConfigFrom maps the service section of the configuration file.
func ConfigFrom(svc model.Service) (Config, error) {
	cfg := Config{
		CheckoutPath: svc.CheckoutPath,
		Interval:     svc.Schedule.Interval.Std(),
	}
	if svc.Schedule.Cron != nil && *svc.Schedule.Cron != "" {
		schedule, err := model.ParseCron(*svc.Schedule.Cron)
		if err != nil {
			return Config{}, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		cfg.Cron = schedule
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.CheckoutPath == "" {
		c.CheckoutPath = filepath.Join(os.TempDir(), "sniffer-checkout")
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// delay returns the time to wait after a sweep finished at now.
func (c Config) delay(now time.Time) time.Duration {
	d := c.Interval
	if c.Cron != nil {
		d = c.Cron.Next(now).Sub(now)
	}
	return max(d, MinInterval)
}
