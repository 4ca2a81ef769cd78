package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/Toss-Online-Services/pgoptimizer/src/config"
	"github.com/Toss-Online-Services/pgoptimizer/src/db"
	"github.com/Toss-Online-Services/pgoptimizer/src/models"
)

// DefaultErrorBackoff is the pause after a failed cycle
const DefaultErrorBackoff = 5 * time.Minute

const (
	loggedSlowQueries = 3
	loggedQueryLength = 100
)

// State is the scheduler's position in its cycle
type State string

const (
	StateIdle         State = "idle"
	StateAnalyzing    State = "analyzing"
	StateScoring      State = "scoring"
	StateOptimizing   State = "optimizing"
	StateSkipping     State = "skipping"
	StateSleeping     State = "sleeping"
	StateErrorBackoff State = "error_backoff"
	StateStopped      State = "stopped"
)

// Analyzer collects and scores one analysis
type Analyzer interface {
	Collect(ctx context.Context, sessions db.SessionProvider) (*models.PerformanceAnalysisResult, error)
	Score(result *models.PerformanceAnalysisResult)
}

// Maintainer runs remediation on a single session
type Maintainer interface {
	Run(ctx context.Context, q db.Querier) (*models.MaintenanceReport, error)
}

// ScopeOpener opens the per-cycle connection scope
type ScopeOpener interface {
	OpenScope(parallel bool) db.CycleScope
}

// CycleReport summarizes one optimization cycle
type CycleReport struct {
	CycleID        string                            `json:"cycle_id" yaml:"cycle_id"`
	StartedAt      time.Time                         `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time                         `json:"finished_at" yaml:"finished_at"`
	Threshold      int                               `json:"threshold" yaml:"threshold"`
	Forced         bool                              `json:"forced" yaml:"forced"`
	BelowThreshold bool                              `json:"below_threshold" yaml:"below_threshold"`
	Optimized      bool                              `json:"optimized" yaml:"optimized"`
	SkipReason     string                            `json:"skip_reason,omitempty" yaml:"skip_reason,omitempty"`
	Analysis       *models.PerformanceAnalysisResult `json:"analysis,omitempty" yaml:"analysis,omitempty"`
	Maintenance    *models.MaintenanceReport         `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`
	Error          string                            `json:"error,omitempty" yaml:"error,omitempty"`
}

// Observer is notified after every cycle, successful or not
type Observer func(report CycleReport)

// Option configures a Scheduler
type Option func(*Scheduler)

// WithErrorBackoff overrides DefaultErrorBackoff
func WithErrorBackoff(d time.Duration) Option {
	return func(s *Scheduler) { s.errorBackoff = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithObserver registers an observer
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

// Scheduler drives the analyze, score and remediate loop
type Scheduler struct {
	cfg        config.OptimizationConfig
	engine     ScopeOpener
	analyzer   Analyzer
	maintainer Maintainer
	log        *logrus.Logger

	now          func() time.Time
	errorBackoff time.Duration
	schedule     cron.Schedule
	observers    []Observer

	// cycleSlot serializes cycles, background and on demand alike. Waiters
	// give up when their context is done.
	cycleSlot chan struct{}

	mu      sync.RWMutex
	state   State
	last    *CycleReport
	nextRun time.Time
}

// New creates a new Scheduler instance
func New(cfg config.OptimizationConfig, engine ScopeOpener, analyzer Analyzer, maintainer Maintainer, log *logrus.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		cfg:          cfg,
		engine:       engine,
		analyzer:     analyzer,
		maintainer:   maintainer,
		log:          log,
		now:          time.Now,
		errorBackoff: DefaultErrorBackoff,
		state:        StateIdle,
		cycleSlot:    make(chan struct{}, 1),
	}

	if cfg.Schedule != "" {
		schedule, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
		}
		s.schedule = schedule
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State returns the current state
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastReport returns the report of the most recent cycle, or nil
func (s *Scheduler) LastReport() *CycleReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	report := *s.last
	return &report
}

// NextRun returns when the background loop wakes up next. It is zero while
// a cycle is running.
func (s *Scheduler) NextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextRun
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run loops until ctx is cancelled. A failed cycle is logged and retried
// after the error backoff; Run itself only returns once ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("Optimization is disabled, scheduler not started")
		s.setState(StateStopped)
		return nil
	}

	s.log.WithFields(logrus.Fields{
		"interval":  s.cfg.Interval.String(),
		"schedule":  s.cfg.Schedule,
		"threshold": s.cfg.PerformanceThreshold,
	}).Info("Optimization scheduler started")
	defer s.setState(StateStopped)

	for {
		report, err := s.RunCycle(ctx)
		if ctx.Err() != nil {
			s.log.Info("Optimization scheduler stopped")
			return nil
		}

		wait := s.nextDelay()
		state := StateSleeping
		if err != nil {
			s.log.WithField("cycle_id", report.CycleID).WithError(err).
				Errorf("Optimization cycle failed, retrying in %s", s.errorBackoff)
			wait = s.errorBackoff
			state = StateErrorBackoff
		}

		s.mu.Lock()
		s.state = state
		s.nextRun = s.now().Add(wait)
		s.mu.Unlock()

		if !sleep(ctx, wait) {
			s.log.Info("Optimization scheduler stopped")
			return nil
		}
		s.setState(StateIdle)
	}
}

// nextDelay returns the time until the next cycle: the cron schedule when
// one is configured, the fixed interval otherwise.
func (s *Scheduler) nextDelay() time.Duration {
	if s.schedule == nil {
		return s.cfg.Interval
	}
	now := s.now()
	d := s.schedule.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RunCycle runs one cycle. Maintenance only happens when the score is below
// the threshold and the business-hours gate allows it.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleReport, error) {
	return s.cycle(ctx, false)
}

// ForceCycle runs one cycle and remediates regardless of the score and the
// business-hours gate.
func (s *Scheduler) ForceCycle(ctx context.Context) (*CycleReport, error) {
	return s.cycle(ctx, true)
}

func (s *Scheduler) cycle(ctx context.Context, force bool) (report *CycleReport, err error) {
	if err := s.acquireCycle(ctx); err != nil {
		return nil, err
	}
	defer s.releaseCycle()

	report = &CycleReport{
		CycleID:   uuid.NewString(),
		StartedAt: s.now(),
		Threshold: s.cfg.PerformanceThreshold,
		Forced:    force,
	}
	log := s.log.WithField("cycle_id", report.CycleID)

	s.mu.Lock()
	s.nextRun = time.Time{}
	s.mu.Unlock()

	defer func() {
		report.FinishedAt = s.now()
		if err != nil {
			report.Error = err.Error()
		}
		s.finish(*report)
	}()

	scope := s.engine.OpenScope(s.cfg.ParallelAnalysis)
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to release cycle sessions")
		}
	}()

	s.setState(StateAnalyzing)
	log.Info("Starting optimization cycle")

	result, err := s.analyzer.Collect(ctx, scope)
	if err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	s.setState(StateScoring)
	s.analyzer.Score(result)
	report.Analysis = result
	report.BelowThreshold = result.OverallScore < s.cfg.PerformanceThreshold

	log.WithFields(logrus.Fields{
		"score":     result.OverallScore,
		"threshold": s.cfg.PerformanceThreshold,
	}).Infof("Performance score: %d", result.OverallScore)
	s.logFindings(log, result)

	switch {
	case force:
		log.Warn("Forced optimization requested")
	case !report.BelowThreshold:
		s.setState(StateSkipping)
		report.SkipReason = "score at or above threshold"
		log.Info("Performance score is healthy, skipping optimization")
		return report, nil
	case !s.cfg.MaintenanceAllowed(s.now()):
		s.setState(StateSkipping)
		report.SkipReason = "inside business hours"
		log.Info("Performance score below threshold but maintenance is not allowed during business hours")
		return report, nil
	default:
		log.Warn("Performance score below threshold, running optimization")
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}

	s.setState(StateOptimizing)
	q, err := scope.Session(ctx, db.LaneMain)
	if err != nil {
		return report, err
	}

	maintenance, err := s.maintainer.Run(ctx, q)
	report.Maintenance = maintenance
	if err != nil {
		return report, fmt.Errorf("maintenance failed: %w", err)
	}
	report.Optimized = true

	return report, nil
}

// Analyze runs an on-demand analysis without remediation. It waits for a
// running cycle to finish first, or until ctx is done.
func (s *Scheduler) Analyze(ctx context.Context) (*models.PerformanceAnalysisResult, error) {
	if err := s.acquireCycle(ctx); err != nil {
		return nil, err
	}
	defer s.releaseCycle()

	scope := s.engine.OpenScope(s.cfg.ParallelAnalysis)
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			s.log.WithError(cerr).Warn("Failed to release analysis sessions")
		}
	}()

	result, err := s.analyzer.Collect(ctx, scope)
	if err != nil {
		return nil, err
	}
	s.analyzer.Score(result)
	return result, nil
}

func (s *Scheduler) acquireCycle(ctx context.Context) error {
	select {
	case s.cycleSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) releaseCycle() {
	<-s.cycleSlot
}

func (s *Scheduler) finish(report CycleReport) {
	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()

	for _, o := range s.observers {
		o(report)
	}
}

func (s *Scheduler) logFindings(log *logrus.Entry, result *models.PerformanceAnalysisResult) {
	if !result.QueryStatsAvailable {
		log.Info("Query statistics unavailable, slow query ranking skipped")
	}

	for i, q := range result.SlowQueries {
		if i == loggedSlowQueries {
			break
		}
		log.WithFields(logrus.Fields{
			"rank":         i + 1,
			"calls":        q.Calls,
			"mean_time_ms": q.MeanTimeMs,
			"total_time":   q.TotalTimeMs,
			"query":        models.TruncateQuery(q.Query, loggedQueryLength),
		}).Info("Slow query")
	}

	for _, rec := range result.IndexRecommendations {
		log.WithFields(logrus.Fields{
			"type":      rec.Type,
			"severity":  rec.Severity,
			"table":     rec.SchemaName + "." + rec.TableName,
			"index":     rec.IndexName,
			"statement": rec.SuggestedStatement,
		}).Info(rec.Description)
	}
}
