// Package scheduler runs named periodic jobs on robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"botwatch/internal/eventbus"
	logx "botwatch/pkg/logx"
)

const (
	EventJobFailed = "scheduler.job_failed"
	EventJobDone   = "scheduler.job_done"
)

type Config struct {
	Timezone string // IANA name; empty means local time
	// Spread delays the first run of interval jobs by a random slice of
	// their interval (capped at 30s).
	Spread bool
}

type Job func(ctx context.Context) error

// JobResult is the Data of scheduler events.
type JobResult struct {
	Name string
	Took time.Duration
	Err  error
}

type def struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     Job
	entry   cron.EntryID
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser
	loc    *time.Location

	c    *cron.Cron
	ctx  context.Context
	defs map[string]*def

	timers map[string]*time.Timer
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*def{},
		timers: map[string]*time.Timer{},
	}
}

// Add registers (or replaces) the job called name. It runs on schedule once
// Start has been called; a run still in progress makes the next one skip.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, spec: ps, timeout: timeout, job: job}
	s.defs[name] = d
	if s.c != nil {
		s.registerLocked(d)
	}
	return nil
}

// After runs job once, delay from now. It is dropped by Stop.
func (s *Service) After(name string, delay, timeout time.Duration, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
	}
	s.timers[name] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, name)
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		s.run(ctx, name, timeout, job)
	})
}

// Remove unregisters name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	if d, ok := s.defs[name]; ok {
		if s.c != nil && d.entry != 0 {
			s.c.Remove(d.entry)
		}
		delete(s.defs, name)
		removed = true
	}
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
		removed = true
	}
	return removed
}

// Next returns the next planned run of name, or zero when unknown.
func (s *Service) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok || s.c == nil || d.entry == 0 {
		return time.Time{}
	}
	return s.c.Entry(d.entry).Next
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.location()
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
}

func (s *Service) registerLocked(d *def) {
	job := cron.FuncJob(func() { s.run(s.ctx, d.name, d.timeout, d.job) })
	switch d.spec.Kind {
	case SpecInterval:
		d.entry = s.c.Schedule(intervalSchedule(d.spec.Every, time.Now().In(s.loc), d.name, s.cfg.Spread), job)
	default:
		id, err := s.c.AddJob(d.spec.Cron, job)
		if err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec.Cron), logx.Err(err))
			return
		}
		d.entry = id
	}
	s.log.Debug("schedule registered", logx.String("name", d.name), logx.Time("next", s.c.Entry(d.entry).Next))
}

func (s *Service) run(parent context.Context, name string, timeout time.Duration, job Job) {
	if parent == nil || parent.Err() != nil {
		return
	}
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}
	start := time.Now()
	err := job(ctx)
	res := JobResult{Name: name, Took: time.Since(start), Err: err}
	if err != nil {
		s.log.Warn("job failed", logx.String("name", name), logx.Duration("took", res.Took), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: EventJobFailed, Time: time.Now(), Data: res})
		return
	}
	s.log.Debug("job done", logx.String("name", name), logx.Duration("took", res.Took))
	s.bus.Publish(eventbus.Event{Type: EventJobDone, Time: time.Now(), Data: res})
}

// Apply swaps config. A timezone change restarts cron with every job.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !tzChanged {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

// Stop halts triggering and waits for running jobs up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
