// Package server wires the plantcare components together and exposes them
// over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/ZamarianPatrick/lazypig-plantcare/config"
	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
	"github.com/ZamarianPatrick/lazypig-plantcare/notify"
	"github.com/ZamarianPatrick/lazypig-plantcare/observability"
	"github.com/ZamarianPatrick/lazypig-plantcare/sensors"
	"github.com/ZamarianPatrick/lazypig-plantcare/store"
	"github.com/ZamarianPatrick/lazypig-plantcare/watering"
)

type Controller interface {
	Store() store.Store
	Scheduler() *watering.Scheduler
	Hub() *notify.Hub
	// Metrics is nil when metrics are disabled.
	Metrics() *observability.Metrics
	// Start launches the background work enabled in the settings. It returns
	// once everything is running.
	Start(ctx context.Context) error
	// Apply hot-swaps the settings that can change at runtime.
	Apply(settings *config.Settings)
	Close() error
}

type controller struct {
	log       logx.Logger
	settings  *config.Settings
	store     store.Store
	hub       *notify.Hub
	telegram  *notify.Telegram
	fanout    *notify.Fanout
	scheduler *watering.Scheduler
	metrics   *observability.Metrics

	sensorWorker   sensors.Worker
	sensorInterval time.Duration

	mutex   sync.Mutex
	tracked map[uint64]struct{}
}

// SchedulerConfig translates the settings into the scheduler's configuration.
func SchedulerConfig(s *config.Settings) (watering.Config, error) {
	interval, err := s.Scheduler.IntervalDuration()
	if err != nil {
		return watering.Config{}, err
	}
	cooldown, err := s.Scheduler.CooldownDuration()
	if err != nil {
		return watering.Config{}, err
	}
	loc, err := s.Scheduler.Location()
	if err != nil {
		return watering.Config{}, err
	}
	return watering.Config{
		Interval: interval,
		Location: loc,
		Workers:  s.Scheduler.Workers,
		Executor: watering.ExecutorConfig{
			ScheduleDelta:         s.Watering.ScheduleDelta,
			ManualDelta:           s.Watering.ManualDelta,
			DefaultManualDuration: s.Watering.DefaultManualDuration,
			Cooldown:              cooldown,
			StrictWindow:          s.Scheduler.StrictWindow,
		},
	}, nil
}

func telegramChats(s *config.Settings) (map[uint64]int64, error) {
	chats := make(map[uint64]int64, len(s.Notify.Telegram.Chats))
	for user, chat := range s.Notify.Telegram.Chats {
		id, err := strconv.ParseUint(user, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("notify.telegram.chats: user id %q: %w", user, err)
		}
		chats[id] = chat
	}
	return chats, nil
}

func NewController(settings *config.Settings, log logx.Logger) (Controller, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	schedulerCfg, err := SchedulerConfig(settings)
	if err != nil {
		return nil, err
	}
	dedup, err := settings.Notify.DedupDuration()
	if err != nil {
		return nil, err
	}
	sensorInterval, err := settings.Sensors.IntervalDuration()
	if err != nil {
		return nil, err
	}

	var metrics *observability.Metrics
	if settings.HTTP.Metrics {
		if metrics, err = observability.NewMetrics(); err != nil {
			return nil, err
		}
	}

	st, err := store.Open(store.Config{
		Driver:   settings.Database.Driver,
		Path:     settings.Database.Path,
		LogLevel: settings.Database.LogLevel,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = metrics.Shutdown(context.Background())
		return nil, err
	}

	c := &controller{
		log:            log,
		settings:       settings,
		store:          st,
		metrics:        metrics,
		hub:            notify.NewHub(settings.Notify.Buffer, log.With(logx.String("comp", "hub"))).WithMetrics(metrics),
		sensorWorker:   sensors.NewWorker(sensorInterval, log.With(logx.String("comp", "sensors"))),
		sensorInterval: sensorInterval,
		tracked:        make(map[uint64]struct{}),
	}

	sinks := []notify.Sink{c.hub}
	if settings.Notify.Telegram.Enabled {
		chats, err := telegramChats(settings)
		if err != nil {
			_ = st.Close()
			_ = metrics.Shutdown(context.Background())
			return nil, err
		}
		c.telegram, err = notify.NewTelegram(notify.TelegramConfig{
			Token:      settings.Notify.Telegram.Token,
			RatePerSec: settings.Notify.Telegram.RatePerSec,
			Chats:      chats,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = st.Close()
			_ = metrics.Shutdown(context.Background())
			return nil, err
		}
		c.telegram.WithMetrics(metrics)
		sinks = append(sinks, c.telegram)
	}
	c.fanout = notify.NewFanout(dedup, sinks...)
	c.scheduler = watering.NewScheduler(st, c.fanout, schedulerCfg, log.With(logx.String("comp", "scheduler"))).
		WithMetrics(metrics)

	return c, nil
}

func (c *controller) Store() store.Store { return c.store }
func (c *controller) Scheduler() *watering.Scheduler { return c.scheduler }
func (c *controller) Hub() *notify.Hub { return c.hub }
func (c *controller) Metrics() *observability.Metrics { return c.metrics }

func (c *controller) Start(ctx context.Context) error {
	if c.telegram != nil {
		go c.telegram.Run(ctx)
	}
	if c.settings.Scheduler.Enabled {
		if err := c.scheduler.Start(ctx); err != nil {
			return err
		}
	}
	if c.settings.Sensors.Enabled {
		if err := c.syncSensors(ctx); err != nil {
			c.log.Warn("attaching sensors failed", logx.Err(err))
		}
		c.ReadSensors(ctx)
		c.sensorWorker.Start(ctx)
		go c.resyncSensors(ctx)
	}
	return nil
}

func (c *controller) Apply(settings *config.Settings) {
	cfg, err := SchedulerConfig(settings)
	if err != nil {
		c.log.Warn("scheduler settings rejected", logx.Err(err))
	} else {
		c.scheduler.Apply(cfg)
	}
	if dedup, err := settings.Notify.DedupDuration(); err == nil {
		c.fanout.Apply(dedup)
	}
	if c.telegram != nil {
		if chats, err := telegramChats(settings); err == nil {
			c.telegram.SetChats(chats)
		}
	}
}

func (c *controller) Close() error {
	c.scheduler.Stop()
	c.sensorWorker.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.metrics.Shutdown(ctx); err != nil {
		c.log.Warn("shutting down metrics failed", logx.Err(err))
	}
	return c.store.Close()
}

// syncSensors attaches synthetic sensors to newly active plants and detaches
// them from plants that are gone or inactive.
func (c *controller) syncSensors(ctx context.Context) error {
	plants, err := c.store.ListActivePlants(ctx)
	if err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	active := make(map[uint64]struct{}, len(plants))
	for _, p := range plants {
		active[p.ID] = struct{}{}
		if _, ok := c.tracked[p.ID]; ok {
			continue
		}
		c.sensorWorker.
			Add(sensors.NewTemperatureFake(p.ID, float64(p.Temperature))).
			Add(sensors.NewHumidityFake(p.ID, float64(p.Humidity)))
		c.tracked[p.ID] = struct{}{}
	}
	for id := range c.tracked {
		if _, ok := active[id]; !ok {
			c.sensorWorker.Remove(id)
			delete(c.tracked, id)
		}
	}
	return nil
}

func (c *controller) resyncSensors(ctx context.Context) {
	ticker := time.NewTicker(c.sensorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.syncSensors(ctx); err != nil {
				c.log.Warn("attaching sensors failed", logx.Err(err))
			}
		}
	}
}

type environment struct {
	temperature, humidity int
	haveTemp, haveHumid   bool
	written               bool
	lastTemp, lastHumid   int
}

// ReadSensors stores environment readings whenever a plant's rounded
// temperature or humidity changed.
func (c *controller) ReadSensors(ctx context.Context) {
	go func() {
		ch := c.sensorWorker.DataChannel()
		states := make(map[uint64]*environment)

		for {
			var data sensors.SensorData
			select {
			case <-ctx.Done():
				return
			case data = <-ch:
			}

			state, ok := states[data.PlantID]
			if !ok {
				state = &environment{}
				states[data.PlantID] = state
			}
			value := int(math.Round(data.Value))
			switch data.SensorName {
			case sensors.NameTemperature:
				state.temperature, state.haveTemp = value, true
			case sensors.NameHumidity:
				state.humidity, state.haveHumid = value, true
			default:
				continue
			}
			if !state.haveTemp || !state.haveHumid {
				continue
			}
			if state.written && state.lastTemp == state.temperature && state.lastHumid == state.humidity {
				continue
			}

			err := c.store.UpdateEnvironment(ctx, data.PlantID, state.temperature, state.humidity)
			switch {
			case errors.Is(err, store.ErrNotFound):
				c.sensorWorker.Remove(data.PlantID)
				c.mutex.Lock()
				delete(c.tracked, data.PlantID)
				c.mutex.Unlock()
				delete(states, data.PlantID)
			case err != nil:
				c.log.Warn("storing environment failed", logx.Uint64("plant", data.PlantID), logx.Err(err))
			default:
				state.written = true
				state.lastTemp, state.lastHumid = state.temperature, state.humidity
			}
		}
	}()
}
