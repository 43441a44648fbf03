// Package config loads the plantcare settings file.
//
// On first start a settings file with defaults is written next to the
// binary's working directory. Every key can be overridden by an environment
// variable with the PLANTCARE_ prefix, e.g. PLANTCARE_SCHEDULER_INTERVAL=30s.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const DefaultPath = "./settings.yml"

type Settings struct {
	HTTP      HTTPSettings      `yaml:"http" mapstructure:"http"`
	Database  DatabaseSettings  `yaml:"database" mapstructure:"database"`
	Scheduler SchedulerSettings `yaml:"scheduler" mapstructure:"scheduler"`
	Watering  WateringSettings  `yaml:"watering" mapstructure:"watering"`
	Notify    NotifySettings    `yaml:"notify" mapstructure:"notify"`
	Logging   LoggingSettings   `yaml:"logging" mapstructure:"logging"`
	Sensors   SensorSettings    `yaml:"sensors" mapstructure:"sensors"`
}

type HTTPSettings struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
	// ManualRatePerSec limits manual start/stop requests per user.
	ManualRatePerSec int `yaml:"manualRatePerSec" mapstructure:"manualratepersec"`
	// Metrics exposes the Prometheus endpoint at /metrics.
	Metrics bool `yaml:"metrics" mapstructure:"metrics"`
}

type DatabaseSettings struct {
	// Driver is "sqlite" or "memory".
	Driver   string `yaml:"driver" mapstructure:"driver"`
	Path     string `yaml:"path" mapstructure:"path"`
	LogLevel string `yaml:"logLevel" mapstructure:"loglevel"`
}

type SchedulerSettings struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Interval and Cooldown are Go duration strings.
	Interval string `yaml:"interval" mapstructure:"interval"`
	Cooldown string `yaml:"cooldown" mapstructure:"cooldown"`
	// Timezone is an IANA name; empty means the host's local zone.
	Timezone     string `yaml:"timezone" mapstructure:"timezone"`
	StrictWindow bool   `yaml:"strictWindow" mapstructure:"strictwindow"`
	Workers      int    `yaml:"workers" mapstructure:"workers"`
}

type WateringSettings struct {
	ManualDelta           int `yaml:"manualDelta" mapstructure:"manualdelta"`
	ScheduleDelta         int `yaml:"scheduleDelta" mapstructure:"scheduledelta"`
	DefaultManualDuration int `yaml:"defaultManualDuration" mapstructure:"defaultmanualduration"`
}

type NotifySettings struct {
	Buffer      int              `yaml:"buffer" mapstructure:"buffer"`
	DedupWindow string           `yaml:"dedupWindow" mapstructure:"dedupwindow"`
	Telegram    TelegramSettings `yaml:"telegram" mapstructure:"telegram"`
}

type TelegramSettings struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	Token      string `yaml:"token" mapstructure:"token"`
	RatePerSec int    `yaml:"ratePerSec" mapstructure:"ratepersec"`
	// Chats maps a user id to the telegram chat that receives its events.
	Chats map[string]int64 `yaml:"chats" mapstructure:"chats"`
}

type LoggingSettings struct {
	Level   string `yaml:"level" mapstructure:"level"`
	Console bool   `yaml:"console" mapstructure:"console"`
	File    struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

type SensorSettings struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Interval string `yaml:"interval" mapstructure:"interval"`
}

var (
	DefaultSettings = Settings{
		HTTP: HTTPSettings{
			Addr:             ":3000",
			ManualRatePerSec: 2,
			Metrics:          true,
		},
		Database: DatabaseSettings{
			Driver:   "sqlite",
			Path:     "./db.sqlite",
			LogLevel: "warn",
		},
		Scheduler: SchedulerSettings{
			Enabled:  true,
			Interval: "1m",
			Cooldown: "60m",
			Workers:  4,
		},
		Watering: WateringSettings{
			ManualDelta:           20,
			ScheduleDelta:         15,
			DefaultManualDuration: 30,
		},
		Notify: NotifySettings{
			Buffer:      16,
			DedupWindow: "0s",
			Telegram: TelegramSettings{
				RatePerSec: 1,
				Chats:      map[string]int64{},
			},
		},
		Logging: LoggingSettings{
			Level:   "info",
			Console: true,
		},
		Sensors: SensorSettings{
			Enabled:  true,
			Interval: "30s",
		},
	}
)

// Load reads the settings at path. A missing file is created from
// DefaultSettings first. Keys absent from the file keep their defaults.
func Load(path string) (*Settings, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := WriteDefaults(path); err != nil {
			return nil, err
		}
	}

	defaults, err := yaml.Marshal(DefaultSettings)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("reading default settings: %w", err)
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	v.SetEnvPrefix("PLANTCARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func WriteDefaults(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(DefaultSettings)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *Settings) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(s.Database.Driver)) {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unknown driver %q", s.Database.Driver))
	}
	if _, err := s.Scheduler.IntervalDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.Scheduler.CooldownDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.Scheduler.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.Notify.DedupDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.Sensors.IntervalDuration(); err != nil {
		errs = append(errs, err)
	}
	if s.Watering.ManualDelta < 0 || s.Watering.ScheduleDelta < 0 {
		errs = append(errs, errors.New("watering: moisture deltas must be >= 0"))
	}
	if s.Watering.DefaultManualDuration < 0 {
		errs = append(errs, errors.New("watering.defaultManualDuration: must be >= 0"))
	}
	if s.Notify.Telegram.Enabled && strings.TrimSpace(s.Notify.Telegram.Token) == "" {
		errs = append(errs, errors.New("notify.telegram.token: required when telegram is enabled"))
	}

	return errors.Join(errs...)
}

func (s SchedulerSettings) IntervalDuration() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.interval", s.Interval, time.Minute)
}

func (s SchedulerSettings) CooldownDuration() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.cooldown", s.Cooldown, time.Hour)
}

func (s SchedulerSettings) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

func (s NotifySettings) DedupDuration() (time.Duration, error) {
	return ParseDurationField("notify.dedupWindow", s.DedupWindow)
}

func (s SensorSettings) IntervalDuration() (time.Duration, error) {
	return ParseDurationOrDefault("sensors.interval", s.Interval, 30*time.Second)
}
