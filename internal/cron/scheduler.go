// Package cron runs persisted scheduled jobs on 6-field cron expressions.
// The scheduled_jobs table is the source of truth; the live trigger table
// held by the scheduler is a projection of it that Reload rebuilds.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/ontoti/internal/audit"
	"github.com/basket/ontoti/internal/otel"
	"github.com/basket/ontoti/internal/persistence"
	"github.com/basket/ontoti/internal/shared"
)

const (
	ActorScheduler    = "scheduler"
	ActionExecuteJob  = "execute_job"
	defaultStopWindow = 30 * time.Second

	// DefaultPollInterval is how often a started scheduler checks the job
	// table for changes committed by other processes.
	DefaultPollInterval = 2 * time.Second
)

var ErrInvalidCron = errors.New("invalid cron expression")

// cronParser accepts exactly six fields: second minute hour dom month dow.
var cronParser = cronlib.NewParser(
	cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ValidateCron parses expr with the 6-field parser.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(strings.TrimSpace(expr)); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidCron, expr, err)
	}
	return nil
}

// NextRunTime returns the first activation of expr after the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidCron, expr, err)
	}
	return sched.Next(after), nil
}

// Store is the job persistence the scheduler needs.
type Store interface {
	UpsertJob(ctx context.Context, job persistence.Job) (persistence.Job, error)
	GetJob(ctx context.Context, id string) (persistence.Job, error)
	ListJobs(ctx context.Context) ([]persistence.Job, error)
	SetJobEnabled(ctx context.Context, id string, enabled bool) error
	DeleteJob(ctx context.Context, id string) error
	JobsRevision(ctx context.Context) (string, error)
}

type Auditor interface {
	Append(ctx context.Context, actor, action string, payload any, result string) (persistence.AuditEvent, error)
}

// ChatFunc submits a message to the orchestrator.
type ChatFunc func(ctx context.Context, sessionID, text string) error

// HeartbeatFunc records a heartbeat on channel without calling generation.
type HeartbeatFunc func(ctx context.Context, channel string) error

type Config struct {
	Store     Store
	Audit     Auditor
	Chat      ChatFunc
	Heartbeat HeartbeatFunc
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otel.Metrics
	Location  *time.Location
	// PollInterval overrides DefaultPollInterval. Negative disables polling.
	PollInterval time.Duration
}

// Scheduler owns the live trigger table. Each job has at most one run in
// flight; a firing that arrives while the previous run is executing is
// dropped. Other processes may edit the same job table: a started scheduler
// reloads when the table's revision moves, and every firing re-reads its row.
type Scheduler struct {
	store     Store
	audit     Auditor
	chat      ChatFunc
	heartbeat HeartbeatFunc
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
	poll      time.Duration

	// opMu orders Reload and the job mutations, each spanning its store
	// access and the matching trigger table change.
	opMu     sync.Mutex
	revision string

	mu      sync.Mutex
	cron    *cronlib.Cron
	entries map[string]cronlib.EntryID
	running bool
	baseCtx context.Context
	cancel  context.CancelFunc
	polling chan struct{}

	// inflight survives Reload so a rebuilt trigger cannot overlap a run
	// started by its predecessor.
	inflight sync.Map // job id -> *atomic.Bool
}

func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Noop().Tracer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.MustNoopMetrics()
	}
	poll := cfg.PollInterval
	if poll == 0 {
		poll = DefaultPollInterval
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		store:     cfg.Store,
		audit:     cfg.Audit,
		chat:      cfg.Chat,
		heartbeat: cfg.Heartbeat,
		logger:    logger,
		tracer:    cfg.Tracer,
		metrics:   cfg.Metrics,
		poll:      poll,
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLocation(loc),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl)),
		),
		entries: make(map[string]cronlib.EntryID),
		baseCtx: context.Background(),
	}
}

// Start rebuilds the trigger table from the store and starts firing. Job
// runs inherit ctx values; cancelling ctx or calling Stop aborts them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	if s.poll > 0 {
		s.mu.Lock()
		s.polling = make(chan struct{})
		done, pollCtx := s.polling, s.baseCtx
		s.mu.Unlock()
		go s.watchStore(pollCtx, done)
	}
	s.logger.Info("cron scheduler started", "live_jobs", len(s.LiveJobIDs()))
	return nil
}

// watchStore reloads whenever the persisted job table changes under us.
func (s *Scheduler) watchStore(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rev, err := s.store.JobsRevision(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("cron: job table poll failed", "error", err)
			}
			continue
		}
		s.opMu.Lock()
		stale := rev != s.revision
		s.opMu.Unlock()
		if !stale {
			continue
		}
		s.logger.Info("cron: job table changed externally; reloading")
		if err := s.Reload(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("cron: reload after external change failed", "error", err)
		}
	}
}

// Stop halts triggering and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	polling := s.polling
	s.polling = nil
	s.mu.Unlock()

	done := s.cron.Stop()
	if cancel != nil {
		cancel()
	}
	if polling != nil {
		<-polling
	}
	select {
	case <-done.Done():
	case <-time.After(defaultStopWindow):
		s.logger.Warn("cron scheduler stop timed out waiting for running jobs")
	}
	s.logger.Info("cron scheduler stopped")
}

// Reload tears down every live trigger and re-derives the table from the
// persisted job list. Rows whose expression or payload no longer parses are
// skipped and logged.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	// Read the revision first so a write landing mid-reload triggers
	// another pass.
	rev, err := s.store.JobsRevision(ctx)
	if err != nil {
		return fmt.Errorf("reload jobs: %w", err)
	}
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("reload jobs: %w", err)
	}
	s.revision = rev

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		if err := s.addLocked(job); err != nil {
			s.logger.Error("cron: skipping unschedulable job", "job_id", job.ID, "error", err)
		}
	}
	s.logger.Info("cron: jobs reloaded", "persisted", len(jobs), "live", len(s.entries))
	return nil
}

// CreateJob validates and persists a new job, then installs its trigger when
// enabled. Invalid input is rejected before anything is written.
func (s *Scheduler) CreateJob(ctx context.Context, name, cronExpr string, payload Payload, enabled bool) (persistence.Job, error) {
	job, err := buildJob(shared.NewJobID(), name, cronExpr, payload, enabled)
	if err != nil {
		return persistence.Job{}, err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	saved, err := s.store.UpsertJob(ctx, job)
	if err != nil {
		return persistence.Job{}, err
	}
	if err := s.sync(saved); err != nil {
		return saved, err
	}
	s.logger.InfoContext(ctx, "cron: job created", "job_id", saved.ID, "cron", saved.Cron, "enabled", saved.Enabled)
	return saved, nil
}

// UpdateJob replaces the definition of an existing job.
func (s *Scheduler) UpdateJob(ctx context.Context, id, name, cronExpr string, payload Payload, enabled bool) (persistence.Job, error) {
	job, err := buildJob(id, name, cronExpr, payload, enabled)
	if err != nil {
		return persistence.Job{}, err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return persistence.Job{}, err
	}
	saved, err := s.store.UpsertJob(ctx, job)
	if err != nil {
		return persistence.Job{}, err
	}
	if err := s.sync(saved); err != nil {
		return saved, err
	}
	s.logger.InfoContext(ctx, "cron: job updated", "job_id", saved.ID, "cron", saved.Cron, "enabled", saved.Enabled)
	return saved, nil
}

// DeleteJob removes the persisted row and the live trigger.
func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.removeEntry(id)
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.inflight.Delete(id)
	s.logger.InfoContext(ctx, "cron: job deleted", "job_id", id)
	return nil
}

// PauseJob marks a job disabled and removes its live trigger.
func (s *Scheduler) PauseJob(ctx context.Context, id string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.store.SetJobEnabled(ctx, id, false); err != nil {
		return err
	}
	s.removeEntry(id)
	s.logger.InfoContext(ctx, "cron: job paused", "job_id", id)
	return nil
}

// ResumeJob marks a job enabled and re-derives its trigger from the store.
func (s *Scheduler) ResumeJob(ctx context.Context, id string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.store.SetJobEnabled(ctx, id, true); err != nil {
		return err
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := s.sync(job); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "cron: job resumed", "job_id", id)
	return nil
}

func (s *Scheduler) ListJobs(ctx context.Context) ([]persistence.Job, error) {
	return s.store.ListJobs(ctx)
}

// LiveJobIDs returns the ids that currently hold a trigger, sorted.
func (s *Scheduler) LiveJobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NextRun reports the next activation of a live job.
func (s *Scheduler) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(entryID).Next
	return next, !next.IsZero()
}

// RunJob executes a persisted job once, outside its schedule. It reports
// false when a run of the same job is already in flight.
func (s *Scheduler) RunJob(ctx context.Context, id string) (bool, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	return s.fire(ctx, job), nil
}

func buildJob(id, name, cronExpr string, payload Payload, enabled bool) (persistence.Job, error) {
	cronExpr = strings.TrimSpace(cronExpr)
	if err := ValidateCron(cronExpr); err != nil {
		return persistence.Job{}, err
	}
	raw, err := payload.Encode()
	if err != nil {
		return persistence.Job{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = id
	}
	return persistence.Job{ID: id, Name: name, Cron: cronExpr, Enabled: enabled, Payload: raw}, nil
}

// sync makes the live table agree with one persisted job.
func (s *Scheduler) sync(job persistence.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[job.ID]; ok {
		s.cron.Remove(entry)
		delete(s.entries, job.ID)
	}
	if !job.Enabled {
		return nil
	}
	return s.addLocked(job)
}

func (s *Scheduler) removeEntry(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
}

func (s *Scheduler) addLocked(job persistence.Job) error {
	if _, err := DecodePayload(job.Payload); err != nil {
		return err
	}
	id := job.ID
	entry, err := s.cron.AddFunc(job.Cron, func() {
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()
		s.fireScheduled(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidCron, job.Cron, err)
	}
	s.entries[job.ID] = entry
	return nil
}

func (s *Scheduler) flag(jobID string) *atomic.Bool {
	v, _ := s.inflight.LoadOrStore(jobID, new(atomic.Bool))
	return v.(*atomic.Bool)
}

// fireScheduled runs the current row for id. A trigger that outlived its
// row, or whose job was paused elsewhere, does nothing; the next reload
// drops it.
func (s *Scheduler) fireScheduled(ctx context.Context, id string) {
	job, err := s.store.GetJob(ctx, id)
	switch {
	case errors.Is(err, persistence.ErrJobNotFound):
		s.logger.InfoContext(ctx, "cron: skipping trigger for deleted job", "job_id", id)
		return
	case err != nil:
		s.logger.ErrorContext(ctx, "cron: job lookup failed", "job_id", id, "error", err)
		return
	case !job.Enabled:
		s.logger.InfoContext(ctx, "cron: skipping trigger for paused job", "job_id", id)
		return
	}
	s.fire(ctx, job)
}

// fire runs job unless a run of it is already in flight.
func (s *Scheduler) fire(ctx context.Context, job persistence.Job) bool {
	busy := s.flag(job.ID)
	if !busy.CompareAndSwap(false, true) {
		s.metrics.JobRunsCoalesced.Add(ctx, 1, metric.WithAttributes(otel.AttrJobID.String(job.ID)))
		s.logger.DebugContext(ctx, "cron: run coalesced, previous still executing", "job_id", job.ID)
		return false
	}
	defer busy.Store(false)
	s.execute(ctx, job)
	return true
}

// execute dispatches one run and audits its outcome. Errors and panics are
// recorded and never propagate to the cron runner.
func (s *Scheduler) execute(ctx context.Context, job persistence.Job) {
	start := time.Now()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	payload, err := DecodePayload(job.Payload)
	kind := payload.Kind
	if err != nil {
		kind = "unknown"
	}
	ctx, span := otel.StartSpan(ctx, s.tracer, "scheduler.execute_job",
		otel.AttrJobID.String(job.ID),
		otel.AttrJobKind.String(kind),
	)
	if err == nil {
		err = s.dispatch(ctx, payload)
	}

	result := audit.ResultOK
	auditPayload := map[string]any{"job_id": job.ID, "kind": kind}
	if err != nil {
		result = audit.ResultError
		auditPayload["error"] = err.Error()
		s.logger.ErrorContext(ctx, "cron: job failed", "job_id", job.ID, "kind", kind, "error", err)
	} else {
		s.logger.InfoContext(ctx, "cron: job executed", "job_id", job.ID, "kind", kind,
			"duration_ms", time.Since(start).Milliseconds())
	}
	if s.audit != nil {
		if _, aerr := s.audit.Append(ctx, ActorScheduler, ActionExecuteJob, auditPayload, result); aerr != nil {
			s.logger.ErrorContext(ctx, "cron: audit append failed", "job_id", job.ID, "error", aerr)
		}
	}
	s.metrics.JobRuns.Add(ctx, 1, metric.WithAttributes(
		otel.AttrJobKind.String(kind),
		otel.AttrResult.String(result),
	))
	span.SetAttributes(otel.AttrResult.String(result))
	otel.EndSpan(span, err)
}

func (s *Scheduler) dispatch(ctx context.Context, p Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	switch p.Kind {
	case KindChatMessage:
		if s.chat == nil {
			return errors.New("no chat handler configured")
		}
		session := p.SessionID
		if session == "" {
			session = DefaultChatSession
		}
		text := p.Text
		if text == "" {
			text = DefaultChatText
		}
		return s.chat(ctx, session, text)
	case KindHeartbeat:
		if s.heartbeat == nil {
			return errors.New("no heartbeat handler configured")
		}
		channel := p.Channel
		if channel == "" {
			channel = DefaultHeartbeatChannel
		}
		return s.heartbeat(ctx, channel)
	default:
		return fmt.Errorf("unknown job kind %q", p.Kind)
	}
}
