// Package scheduler drives classification runs, weekly posts and retention
// cleanup from a single wall-clock poll loop. Every job runs detached so
// the loop never waits on AI calls.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/topic-digest-bot/internal/classifier"
	"github.com/xaenox/topic-digest-bot/internal/metrics"
	"github.com/xaenox/topic-digest-bot/internal/models"
	"go.uber.org/zap"
)

// ErrBusy is returned when a classification run is already in progress.
var ErrBusy = errors.New("classification already in progress")

type Classifier interface {
	Run(ctx context.Context) (classifier.Report, error)
}

type Composer interface {
	Compose(ctx context.Context, kind models.PostKind) (*models.Post, error)
}

type Cleaner interface {
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}

type Config struct {
	PollInterval          time.Duration
	StartupClassification bool
	ClassifyAt            Slot
	// ClassifyInterval adds periodic runs on top of ClassifyAt; 0 disables.
	ClassifyInterval time.Duration
	AnnounceAt       Slot
	DigestAt         Slot
	CleanupAt        Slot
	RetentionDays    int
	Location         *time.Location
}

func DefaultConfig() Config {
	return Config{
		PollInterval:          30 * time.Second,
		StartupClassification: true,
		ClassifyAt:            MustParseSlot("02:00"),
		AnnounceAt:            MustParseSlot("Mon 10:00"),
		DigestAt:              MustParseSlot("Fri 19:00"),
		CleanupAt:             MustParseSlot("03:00"),
		RetentionDays:         7,
		Location:              time.Local,
	}
}

type Scheduler struct {
	classifier Classifier
	composer   Composer
	cleaner    Cleaner
	config     Config
	logger     *zap.Logger
	guard      *RunGuard
	now        func() time.Time
	wg         sync.WaitGroup

	mu           sync.Mutex
	started      bool
	fired        map[string]string
	lastClassify time.Time
}

func New(classifier Classifier, composer Composer, cleaner Cleaner, config Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = DefaultConfig().RetentionDays
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	return &Scheduler{
		classifier: classifier,
		composer:   composer,
		cleaner:    cleaner,
		config:     config,
		logger:     logger.Named("scheduler"),
		guard:      &RunGuard{},
		now:        time.Now,
		fired:      make(map[string]string),
	}
}

// Run polls the clock until ctx is cancelled, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started",
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Stringer("classify_at", s.config.ClassifyAt),
		zap.Stringer("announce_at", s.config.AnnounceAt),
		zap.Stringer("digest_at", s.config.DigestAt),
		zap.Stringer("cleanup_at", s.config.CleanupAt))

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.tick(ctx, s.now())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping, waiting for running jobs")
			s.Wait()
			return nil
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

// Wait blocks until every detached job has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// window is how long after a slot it may still fire.
func (s *Scheduler) window() time.Duration {
	if w := 2 * s.config.PollInterval; w > time.Minute {
		return w
	}
	return time.Minute
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	now = now.In(s.config.Location)
	window := s.window()

	s.mu.Lock()
	startup := !s.started
	s.started = true
	intervalDue := s.config.ClassifyInterval > 0 && now.Sub(s.lastClassify) >= s.config.ClassifyInterval
	s.mu.Unlock()

	if startup && s.config.StartupClassification {
		s.logger.Info("Running startup classification")
		s.triggerAt(ctx, now)
	} else if s.config.ClassifyAt.due(now, window) && !s.firedToday("classify", now) {
		if s.triggerAt(ctx, now) {
			s.markFired("classify", now)
		}
	} else if intervalDue {
		s.triggerAt(ctx, now)
	}

	if s.config.AnnounceAt.due(now, window) && s.claim("announce", now) {
		s.spawn(ctx, "announce", func(ctx context.Context) error {
			_, err := s.composer.Compose(ctx, models.PostAnnounce)
			return err
		})
	}
	if s.config.DigestAt.due(now, window) && s.claim("digest", now) {
		s.spawn(ctx, "digest", func(ctx context.Context) error {
			_, err := s.composer.Compose(ctx, models.PostDigest)
			return err
		})
	}
	if s.config.CleanupAt.due(now, window) && s.claim("cleanup", now) {
		s.spawn(ctx, "cleanup", func(ctx context.Context) error {
			_, err := s.Cleanup(ctx)
			return err
		})
	}
}

func (s *Scheduler) triggerAt(ctx context.Context, now time.Time) bool {
	if !s.TriggerClassification(ctx) {
		s.logger.Debug("Classification still running, skipping")
		return false
	}
	s.mu.Lock()
	s.lastClassify = now
	s.mu.Unlock()
	return true
}

func (s *Scheduler) firedToday(job string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired[job] == now.Format(time.DateOnly)
}

func (s *Scheduler) markFired(job string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fired[job] = now.Format(time.DateOnly)
}

// claim marks a job fired for today and reports whether it was not already.
func (s *Scheduler) claim(job string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := now.Format(time.DateOnly)
	if s.fired[job] == day {
		return false
	}
	s.fired[job] = day
	return true
}

// TriggerClassification starts a detached classification run. It returns
// false when a run is already in progress.
func (s *Scheduler) TriggerClassification(ctx context.Context) bool {
	release, ok := s.guard.TryAcquire()
	if !ok {
		metrics.SchedulerJobs.WithLabelValues("classify", "skipped").Inc()
		return false
	}
	s.spawn(ctx, "classify", func(ctx context.Context) error {
		defer release()
		_, err := s.classifier.Run(ctx)
		return err
	})
	return true
}

// RunClassification runs the engine in the caller's goroutine.
func (s *Scheduler) RunClassification(ctx context.Context) (classifier.Report, error) {
	release, ok := s.guard.TryAcquire()
	if !ok {
		return classifier.Report{}, ErrBusy
	}
	defer release()
	return s.classifier.Run(ctx)
}

// Classifying reports whether a classification run holds the guard.
func (s *Scheduler) Classifying() bool {
	return s.guard.Running()
}

// Cleanup purges messages older than the retention window.
func (s *Scheduler) Cleanup(ctx context.Context) (int64, error) {
	deleted, err := s.cleaner.CleanupOlderThan(ctx, s.config.RetentionDays)
	if err != nil {
		return 0, fmt.Errorf("error cleaning up messages: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("Old messages deleted",
			zap.Int64("deleted", deleted),
			zap.Int("retention_days", s.config.RetentionDays))
	} else {
		s.logger.Info("Nothing to clean up")
	}
	return deleted, nil
}

func (s *Scheduler) spawn(ctx context.Context, job string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		log := s.logger.With(zap.String("job", job), zap.String("job_id", uuid.NewString()))
		defer func() {
			if r := recover(); r != nil {
				log.Error("Job panicked", zap.Any("panic", r))
				metrics.SchedulerJobs.WithLabelValues(job, "error").Inc()
			}
		}()

		start := time.Now()
		log.Info("Job started")
		if err := fn(ctx); err != nil {
			log.Error("Job failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
			metrics.SchedulerJobs.WithLabelValues(job, "error").Inc()
			return
		}
		log.Info("Job finished", zap.Duration("duration", time.Since(start)))
		metrics.SchedulerJobs.WithLabelValues(job, "success").Inc()
	}()
}
