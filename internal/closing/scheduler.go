package closing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Scheduler fires the daily closing at a fixed wall-clock time. The next
// fire moment is recomputed from the clock after every run, so a long
// pause (suspend, container freeze) never causes drift or a burst of
// catch-up runs.
type Scheduler struct {
	calc   *Calculator
	log    *logrus.Logger
	loc    *time.Location
	hour   int
	minute int
	nowFn  func() time.Time

	mu       sync.Mutex
	running  bool
	inFlight bool
	cancel   context.CancelFunc
	lastRun  *RunRecord
	history  *runLog
	runs     int
	created  int
	failures int
}

// RunRecord is one scheduler execution, kept in the bounded run log.
type RunRecord struct {
	ID         string    `json:"id"`
	Day        string    `json:"day"`
	Trigger    string    `json:"trigger"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Status struct {
	Running  bool       `json:"running"`
	InFlight bool       `json:"in_flight"`
	NextFire *time.Time `json:"next_fire,omitempty"`
	LastRun  *RunRecord `json:"last_run,omitempty"`
}

type Stats struct {
	Runs     int `json:"runs"`
	Created  int `json:"created"`
	Failures int `json:"failures"`
}

func NewScheduler(calc *Calculator, logger *logrus.Logger, loc *time.Location, hour, minute, logCapacity int) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if loc == nil {
		loc = time.UTC
	}
	if hour < 0 || hour > 23 {
		hour = 23
	}
	if minute < 0 || minute > 59 {
		minute = 59
	}
	if logCapacity < 1 {
		logCapacity = 200
	}
	return &Scheduler{
		calc:    calc,
		log:     logger,
		loc:     loc,
		hour:    hour,
		minute:  minute,
		nowFn:   func() time.Time { return time.Now() },
		history: newRunLog(logCapacity),
	}
}

// Start launches the timer loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	go s.loop(ctx)
	s.log.WithFields(logrus.Fields{"hour": s.hour, "minute": s.minute}).Info("closing scheduler started")
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.cancel = nil
	s.running = false
	s.log.Info("closing scheduler stopped")
}

func (s *Scheduler) Restart() {
	s.Stop()
	s.Start()
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		wait := time.Until(s.nextFire())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			day := s.nowFn().In(s.loc)
			s.execute(ctx, day, "schedule")
		}
	}
}

// nextFire is the next HH:MM wall-clock moment in the scheduler's
// location, today if still ahead, otherwise tomorrow.
func (s *Scheduler) nextFire() time.Time {
	now := s.nowFn().In(s.loc)
	fire := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !fire.After(now) {
		fire = fire.Add(24 * time.Hour)
	}
	return fire
}

// RunNow triggers a closing for the current day, outside the timer.
func (s *Scheduler) RunNow(ctx context.Context) RunRecord {
	return s.execute(ctx, s.nowFn().In(s.loc), "manual")
}

// RunForDate triggers a closing for an arbitrary day, typically to backfill
// a missed one.
func (s *Scheduler) RunForDate(ctx context.Context, day time.Time) RunRecord {
	return s.execute(ctx, day.In(s.loc), "manual_date")
}

func (s *Scheduler) execute(ctx context.Context, day time.Time, trigger string) RunRecord {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		rec := RunRecord{
			ID:        uuid.NewString(),
			Day:       day.Format("2006-01-02"),
			Trigger:   trigger,
			Reason:    ReasonSkipped,
			Error:     "a run is already in flight",
			StartedAt: s.nowFn(),
		}
		rec.FinishedAt = rec.StartedAt
		s.log.WithField("trigger", trigger).Warn("closing run skipped, previous run still in flight")
		return rec
	}
	s.inFlight = true
	s.mu.Unlock()

	rec := RunRecord{
		ID:        uuid.NewString(),
		Day:       day.Format("2006-01-02"),
		Trigger:   trigger,
		StartedAt: s.nowFn(),
	}
	result := s.calc.RunForDay(ctx, day)
	rec.Reason = result.Reason
	rec.Error = result.Err
	rec.FinishedAt = s.nowFn()

	s.mu.Lock()
	s.inFlight = false
	s.runs++
	switch result.Reason {
	case ReasonCreated:
		s.created++
	case ReasonError:
		s.failures++
	}
	s.lastRun = &rec
	s.history.add(rec)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"run_id":  rec.ID,
		"day":     rec.Day,
		"trigger": trigger,
		"reason":  rec.Reason,
	}).Info("closing run finished")
	return rec
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{
		Running:  s.running,
		InFlight: s.inFlight,
		LastRun:  s.lastRun,
	}
	if s.running {
		next := s.nextFire()
		status.NextFire = &next
	}
	return status
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Runs: s.runs, Created: s.created, Failures: s.failures}
}

func (s *Scheduler) RunLog() []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.snapshot()
}

func (s *Scheduler) ClearRunLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.clear()
}

// runLog is a fixed-capacity ring buffer of run records, newest last. When
// full, the oldest record is overwritten.
type runLog struct {
	records []RunRecord
	next    int
	full    bool
}

func newRunLog(capacity int) *runLog {
	return &runLog{records: make([]RunRecord, capacity)}
}

func (l *runLog) add(rec RunRecord) {
	l.records[l.next] = rec
	l.next++
	if l.next == len(l.records) {
		l.next = 0
		l.full = true
	}
}

func (l *runLog) snapshot() []RunRecord {
	if !l.full {
		out := make([]RunRecord, l.next)
		copy(out, l.records[:l.next])
		return out
	}
	out := make([]RunRecord, 0, len(l.records))
	out = append(out, l.records[l.next:]...)
	out = append(out, l.records[:l.next]...)
	return out
}

func (l *runLog) clear() {
	l.next = 0
	l.full = false
}
