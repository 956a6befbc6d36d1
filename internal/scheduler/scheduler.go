// Package scheduler runs the periodic batch jobs. Every run, scheduled or manual, takes a
// Redis lock so only one instance of a job runs across the deployment.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tn-legal-rag/internal/cache"
	"tn-legal-rag/internal/metrics"
)

// ErrAlreadyRunning is returned when another process holds the job's lock
var ErrAlreadyRunning = errors.New("job already running")

const defaultTimeout = 30 * time.Minute

// Job is one named batch task
type Job struct {
	Name string
	// Schedule is a standard five-field cron expression; empty means manual only.
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Locker hands out the distributed job locks; *cache.Manager satisfies it
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (*cache.Lock, error)
}

// Scheduler owns the cron loop and the job registry
type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	jobs    map[string]Job
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *metrics.Collector
	logger  *zap.Logger
}

func New(locker Locker, m *metrics.Collector, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "scheduler"))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
		locker:  locker,
		jobs:    make(map[string]Job),
		ctx:     ctx,
		cancel:  cancel,
		metrics: m,
		logger:  logger,
	}
}

// Register adds a job and, when it has a schedule, puts it on the cron loop
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	if job.Timeout <= 0 {
		job.Timeout = defaultTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	if job.Schedule != "" {
		name := job.Name
		if _, err := s.cron.AddFunc(job.Schedule, func() {
			err := s.RunNow(s.ctx, name)
			if errors.Is(err, ErrAlreadyRunning) {
				s.logger.Info("skipping scheduled run, another instance holds the lock", zap.String("job", name))
			}
		}); err != nil {
			return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
		}
	}
	s.jobs[job.Name] = job
	return nil
}

// Jobs lists the registered job names
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs a job once under its lock. It returns ErrAlreadyRunning without
// running anything when the lock is held elsewhere.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	lock, err := s.locker.AcquireLock(ctx, "job:"+name, job.Timeout+time.Minute)
	if errors.Is(err, cache.ErrLockHeld) {
		s.metrics.RecordJob(name, "skipped")
		return ErrAlreadyRunning
	}
	if err != nil {
		s.metrics.RecordJob(name, "error")
		return fmt.Errorf("failed to acquire lock for job %s: %w", name, err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			s.logger.Warn("failed to release job lock", zap.String("job", name), zap.Error(err))
		}
	}()

	start := time.Now()
	s.logger.Info("job started", zap.String("job", name))
	if err := job.Run(ctx); err != nil {
		s.metrics.RecordJob(name, "error")
		s.logger.Error("job failed", zap.String("job", name), zap.Duration("duration", time.Since(start)), zap.Error(err))
		return err
	}
	s.metrics.RecordJob(name, "ok")
	s.logger.Info("job completed", zap.String("job", name), zap.Duration("duration", time.Since(start)))
	return nil
}

// Start begins the cron loop
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Strings("jobs", s.Jobs()))
}

// Stop halts scheduling, cancels running jobs and waits for them to return
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with jobs still running")
		return
	}
	s.logger.Info("scheduler stopped")
}

// cronLogger adapts zap to cron's logger
type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
