package watering

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
	"github.com/ZamarianPatrick/lazypig-plantcare/model"
	"github.com/ZamarianPatrick/lazypig-plantcare/notify"
	"github.com/ZamarianPatrick/lazypig-plantcare/observability"
	"github.com/ZamarianPatrick/lazypig-plantcare/store"
)

type Config struct {
	Interval time.Duration
	Location *time.Location
	Workers  int
	Executor ExecutorConfig
}

type Watered struct {
	ScheduleID    uint64 `json:"scheduleId"`
	PlantID       uint64 `json:"plantId"`
	MoistureAfter int    `json:"moistureAfter"`
}

// CycleReport summarizes one evaluation cycle.
type CycleReport struct {
	StartedAt time.Time `json:"startedAt"`
	Took      string    `json:"took"`
	Overdue   []uint64  `json:"overdue"`
	Watered   []Watered `json:"watered"`
	Skipped   []Skip    `json:"skipped"`
	Failed    []Skip    `json:"failed"`
}

// WindowStatus answers whether a plant is inside an active watering window.
type WindowStatus struct {
	PlantID    uint64     `json:"plantId"`
	InWindow   bool       `json:"inWindow"`
	ScheduleID uint64     `json:"scheduleId,omitempty"`
	EndsAt     *time.Time `json:"endsAt,omitempty"`
}

// Scheduler runs evaluation cycles: overdue detection followed by window
// evaluation and execution. Cycles never overlap.
type Scheduler struct {
	store    Store
	exec     *Executor
	notifier notify.Sink
	metrics  *observability.Metrics
	log      logx.Logger
	now      func() time.Time

	mu       sync.RWMutex
	interval time.Duration
	loc      *time.Location
	workers  int

	cycle sync.Mutex

	runMu  sync.Mutex
	c      *cron.Cron
	runCtx context.Context
}

func NewScheduler(st Store, notifier notify.Sink, cfg Config, log logx.Logger) *Scheduler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		store:    st,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
	s.exec = NewExecutor(st, notifier, cfg.Executor, log.With(logx.String("comp", "executor")))
	s.applyLocked(cfg)
	return s
}

// WithClock replaces the time source, for tests and dry runs.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	s.exec.now = now
	return s
}

// WithMetrics records cycles, waterings and skips on m.
func (s *Scheduler) WithMetrics(m *observability.Metrics) *Scheduler {
	s.metrics = m
	s.exec.metrics = m
	return s
}

func (s *Scheduler) Executor() *Executor { return s.exec }

func (s *Scheduler) applyLocked(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	s.interval = cfg.Interval
	s.loc = cfg.Location
	s.workers = cfg.Workers
	s.exec.Apply(cfg.Executor)
}

// Apply swaps the configuration. A running tick driver is restarted when the
// interval or the time zone changed.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	oldInterval, oldLoc := s.interval, s.loc
	s.applyLocked(cfg)
	restart := s.interval != oldInterval || s.loc.String() != oldLoc.String()
	s.mu.Unlock()

	if restart {
		s.runMu.Lock()
		if s.c != nil {
			<-s.c.Stop().Done()
			if err := s.startLocked(s.runCtx); err != nil {
				s.log.Error("restarting tick driver failed", logx.Err(err))
			}
		}
		s.runMu.Unlock()
	}
}

func (s *Scheduler) settings() (time.Duration, *time.Location, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval, s.loc, s.workers
}

// Start drives cycles every interval until ctx is done or Stop is called.
// A tick that fires while a cycle is still running is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.c != nil {
		return nil
	}
	if err := s.startLocked(ctx); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) startLocked(ctx context.Context) error {
	interval, loc, workers := s.settings()
	cl := logx.CronLogger(s.log)
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc("@every "+interval.String(), func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("registering tick: %w", err)
	}
	s.c = c
	s.runCtx = ctx
	c.Start()
	s.log.Info("scheduler started",
		logx.Duration("interval", interval), logx.String("tz", loc.String()), logx.Int("workers", workers))
	return nil
}

func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.cycle.TryLock() {
		s.log.Debug("previous cycle still running, tick skipped")
		return
	}
	defer s.cycle.Unlock()
	if _, err := s.runCycle(ctx); err != nil {
		s.log.Error("evaluation cycle failed", logx.Err(err))
	}
}

// RunOnce runs a single cycle, waiting for a running one to finish first.
func (s *Scheduler) RunOnce(ctx context.Context) (CycleReport, error) {
	s.cycle.Lock()
	defer s.cycle.Unlock()
	return s.runCycle(ctx)
}

func (s *Scheduler) runCycle(ctx context.Context) (CycleReport, error) {
	_, loc, workers := s.settings()
	cfg := s.exec.Config()
	began := time.Now()
	now := s.now().In(loc)
	report := CycleReport{
		StartedAt: now,
		Overdue:   []uint64{},
		Watered:   []Watered{},
		Skipped:   []Skip{},
		Failed:    []Skip{},
	}

	plants, plantsErr := s.store.ListActivePlants(ctx)
	schedules, schedulesErr := s.store.ListActiveSchedules(ctx)
	if plantsErr != nil && schedulesErr != nil {
		err := fmt.Errorf("store unreachable: %w", errors.Join(plantsErr, schedulesErr))
		s.metrics.CycleDone(ctx, now, 0, err)
		return report, err
	}

	if plantsErr != nil {
		s.log.Warn("listing plants failed, cycle limited", logx.Err(plantsErr))
	} else {
		s.detect(now, plants, &report)
	}

	switch {
	case schedulesErr != nil:
		s.log.Warn("listing schedules failed, windows not evaluated", logx.Err(schedulesErr))
	case plantsErr != nil:
		// without plants no schedule reference can be resolved
	default:
		byID := make(map[uint64]model.Plant, len(plants))
		for _, p := range plants {
			byID[p.ID] = p
		}
		candidates, skipped := EvaluateWindows(now, cfg.Cooldown, schedules, byID)
		for _, sk := range skipped {
			s.logSkip(sk)
		}
		report.Skipped = append(report.Skipped, skipped...)
		if cfg.StrictWindow {
			candidates = s.filterFired(ctx, now, candidates, &report)
		}
		s.execute(ctx, now, workers, candidates, &report)
	}

	s.log.Debug("cycle finished",
		logx.Int("overdue", len(report.Overdue)), logx.Int("watered", len(report.Watered)),
		logx.Int("skipped", len(report.Skipped)), logx.Int("failed", len(report.Failed)))
	report.Took = time.Since(began).String()
	s.observe(ctx, now, report)
	return report, nil
}

func (s *Scheduler) observe(ctx context.Context, now time.Time, report CycleReport) {
	if s.metrics == nil {
		return
	}
	for _, sk := range report.Skipped {
		s.metrics.Skipped(ctx, reasonOf(sk.Err))
	}
	for _, sk := range report.Failed {
		s.metrics.Failed(ctx, reasonOf(sk.Err))
	}
	s.metrics.CycleDone(ctx, now, len(report.Overdue), nil)
}

// reasonOf maps a skip error to a metric label.
func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrCooldown):
		return "cooldown"
	case errors.Is(err, ErrWindowClosed):
		return "window_closed"
	case errors.Is(err, ErrMissingReference), errors.Is(err, store.ErrNotFound):
		return "missing_reference"
	case errors.Is(err, ErrInvalidSchedule):
		return "invalid_schedule"
	case errors.Is(err, ErrInvalidInterval):
		return "invalid_interval"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func (s *Scheduler) detect(now time.Time, plants []model.Plant, report *CycleReport) {
	alerts, skipped := DetectOverdue(now, plants)
	for _, sk := range skipped {
		s.logSkip(sk)
	}
	report.Skipped = append(report.Skipped, skipped...)
	for _, a := range alerts {
		report.Overdue = append(report.Overdue, a.Plant.ID)
		s.notifier.Publish(a.Plant.OwnerID, notify.EventPlantNeedsWater, notify.PlantNeedsWater{
			PlantID:            a.Plant.ID,
			PlantName:          a.Plant.Name,
			PlantType:          string(a.Plant.Type),
			HoursSinceWatering: a.HoursSinceWatering,
		})
	}
}

func (s *Scheduler) filterFired(ctx context.Context, now time.Time, candidates []Candidate, report *CycleReport) []Candidate {
	day := Day(now)
	kept := candidates[:0]
	for _, c := range candidates {
		fired, err := s.store.WindowFired(ctx, c.Schedule.ID, day)
		switch {
		case err != nil:
			report.Failed = append(report.Failed, newSkip(c.Schedule.ID, c.Plant.ID, err))
			s.log.Warn("reading window marker failed", logx.Uint64("schedule", c.Schedule.ID), logx.Err(err))
		case fired:
			report.Skipped = append(report.Skipped, newSkip(c.Schedule.ID, c.Plant.ID, ErrWindowClosed))
		default:
			kept = append(kept, c)
		}
	}
	return kept
}

// execute waters the candidates on a bounded pool of workers. Candidates of
// the same plant serialize on the plant lock.
func (s *Scheduler) execute(ctx context.Context, now time.Time, workers int, candidates []Candidate, report *CycleReport) {
	if len(candidates) == 0 {
		return
	}
	if workers > len(candidates) {
		workers = len(candidates)
	}

	jobs := make(chan Candidate)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				updated, err := s.exec.WaterScheduled(ctx, c, now)
				mu.Lock()
				switch {
				case err == nil:
					report.Watered = append(report.Watered, Watered{ScheduleID: c.Schedule.ID, PlantID: c.Plant.ID, MoistureAfter: updated.SoilMoisture})
				case errors.Is(err, ErrCooldown), errors.Is(err, ErrMissingReference), errors.Is(err, store.ErrNotFound):
					report.Skipped = append(report.Skipped, newSkip(c.Schedule.ID, c.Plant.ID, err))
				default:
					report.Failed = append(report.Failed, newSkip(c.Schedule.ID, c.Plant.ID, err))
				}
				mu.Unlock()
				if err != nil {
					s.logSkip(newSkip(c.Schedule.ID, c.Plant.ID, err))
				}
			}
		}()
	}
	for _, c := range candidates {
		jobs <- c
	}
	close(jobs)
	wg.Wait()

	sort.Slice(report.Watered, func(i, j int) bool { return report.Watered[i].ScheduleID < report.Watered[j].ScheduleID })
}

func (s *Scheduler) logSkip(sk Skip) {
	fields := []logx.Field{logx.Uint64("plant", sk.PlantID), logx.Err(sk.Err)}
	if sk.ScheduleID != 0 {
		fields = append(fields, logx.Uint64("schedule", sk.ScheduleID))
	}
	switch {
	case transient(sk.Err):
		s.log.Debug("watering deferred to next cycle", fields...)
	case errors.Is(sk.Err, ErrInvalidSchedule), errors.Is(sk.Err, ErrInvalidInterval):
		s.log.Warn("invalid definition skipped", fields...)
	case errors.Is(sk.Err, ErrMissingReference), errors.Is(sk.Err, store.ErrNotFound):
		s.log.Warn("schedule references missing plant", fields...)
	default:
		s.log.Error("watering failed", fields...)
	}
}

// WindowStatus reports whether the plant is currently inside the window of
// one of its active schedules. Unknown plants yield store.ErrNotFound.
func (s *Scheduler) WindowStatus(ctx context.Context, plantID uint64) (WindowStatus, error) {
	_, loc, _ := s.settings()
	now := s.now().In(loc)
	status := WindowStatus{PlantID: plantID}

	p, err := s.store.GetPlant(ctx, plantID)
	if err != nil {
		return status, err
	}
	if !p.Active {
		return status, nil
	}
	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return status, err
	}
	for _, sch := range schedules {
		if sch.PlantID != plantID {
			continue
		}
		w, err := ParseWindow(sch)
		if err != nil || !w.Contains(now) {
			continue
		}
		end := w.EndOn(now)
		status.InWindow = true
		status.ScheduleID = sch.ID
		status.EndsAt = &end
		return status, nil
	}
	return status, nil
}
