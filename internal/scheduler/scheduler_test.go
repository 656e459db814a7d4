package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/topic-digest-bot/internal/classifier"
	"github.com/xaenox/topic-digest-bot/internal/models"
	"go.uber.org/zap/zaptest"
)

type fakeClassifier struct {
	calls atomic.Int32
	block chan struct{}
	err   error
}

func (f *fakeClassifier) Run(ctx context.Context) (classifier.Report, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return classifier.Report{}, ctx.Err()
		}
	}
	return classifier.Report{Messages: 1}, f.err
}

type fakeComposer struct {
	mu    sync.Mutex
	kinds []models.PostKind
}

func (f *fakeComposer) Compose(ctx context.Context, kind models.PostKind) (*models.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	return &models.Post{Kind: kind}, nil
}

func (f *fakeComposer) composed() []models.PostKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PostKind(nil), f.kinds...)
}

type fakeCleaner struct {
	mu   sync.Mutex
	days []int
}

func (f *fakeCleaner) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.days = append(f.days, days)
	return 3, nil
}

func (f *fakeCleaner) calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.days...)
}

func newTestScheduler(t *testing.T, config Config) (*Scheduler, *fakeClassifier, *fakeComposer, *fakeCleaner) {
	t.Helper()
	cls, comp, clean := &fakeClassifier{}, &fakeComposer{}, &fakeCleaner{}
	config.Location = time.UTC
	return New(cls, comp, clean, config, zaptest.NewLogger(t)), cls, comp, clean
}

// 2026-03-02 is a Monday.
func at(day, hour, minute, second int) time.Time {
	return time.Date(2026, 3, day, hour, minute, second, 0, time.UTC)
}

func TestStartupClassificationRunsOnce(t *testing.T) {
	s, cls, _, _ := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()

	s.tick(ctx, at(4, 12, 0, 0))
	s.Wait()
	s.tick(ctx, at(4, 12, 0, 30))
	s.Wait()

	assert.Equal(t, int32(1), cls.calls.Load())
}

func TestStartupClassificationDisabled(t *testing.T) {
	config := DefaultConfig()
	config.StartupClassification = false
	s, cls, _, _ := newTestScheduler(t, config)

	s.tick(context.Background(), at(4, 12, 0, 0))
	s.Wait()

	assert.Zero(t, cls.calls.Load())
}

func TestClassificationDoesNotOverlap(t *testing.T) {
	s, cls, _, _ := newTestScheduler(t, DefaultConfig())
	cls.block = make(chan struct{})
	ctx := context.Background()

	require.True(t, s.TriggerClassification(ctx))
	assert.True(t, s.Classifying())
	assert.False(t, s.TriggerClassification(ctx))

	_, err := s.RunClassification(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	close(cls.block)
	s.Wait()
	assert.False(t, s.Classifying())
	assert.Equal(t, int32(1), cls.calls.Load())

	report, err := s.RunClassification(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Messages)
}

func TestGuardReleasedAfterFailure(t *testing.T) {
	s, cls, _, _ := newTestScheduler(t, DefaultConfig())
	cls.err = errors.New("store unavailable")
	ctx := context.Background()

	require.True(t, s.TriggerClassification(ctx))
	s.Wait()
	assert.False(t, s.Classifying())
	assert.True(t, s.TriggerClassification(ctx))
	s.Wait()

	_, err := s.RunClassification(ctx)
	assert.Error(t, err)
	assert.False(t, s.Classifying())
}

func TestDailyClassificationSlot(t *testing.T) {
	config := DefaultConfig()
	config.StartupClassification = false
	s, cls, _, _ := newTestScheduler(t, config)
	ctx := context.Background()

	s.tick(ctx, at(4, 1, 59, 50))
	s.Wait()
	assert.Zero(t, cls.calls.Load())

	s.tick(ctx, at(4, 2, 0, 10))
	s.Wait()
	s.tick(ctx, at(4, 2, 0, 40))
	s.Wait()
	assert.Equal(t, int32(1), cls.calls.Load())

	s.tick(ctx, at(5, 2, 0, 5))
	s.Wait()
	assert.Equal(t, int32(2), cls.calls.Load())
}

func TestClassificationInterval(t *testing.T) {
	config := DefaultConfig()
	config.StartupClassification = false
	config.ClassifyAt = Slot{}
	config.ClassifyInterval = time.Hour
	s, cls, _, _ := newTestScheduler(t, config)
	ctx := context.Background()

	s.tick(ctx, at(4, 12, 0, 0))
	s.Wait()
	s.tick(ctx, at(4, 12, 30, 0))
	s.Wait()
	assert.Equal(t, int32(1), cls.calls.Load())

	s.tick(ctx, at(4, 13, 0, 0))
	s.Wait()
	assert.Equal(t, int32(2), cls.calls.Load())
}

func TestWeeklyPostsFireOncePerSlot(t *testing.T) {
	config := DefaultConfig()
	config.StartupClassification = false
	s, _, comp, _ := newTestScheduler(t, config)
	ctx := context.Background()

	// Monday
	s.tick(ctx, at(2, 9, 59, 30))
	s.tick(ctx, at(2, 10, 0, 10))
	s.tick(ctx, at(2, 10, 0, 40))
	s.Wait()
	assert.Equal(t, []models.PostKind{models.PostAnnounce}, comp.composed())

	// Tuesday at the same time does nothing.
	s.tick(ctx, at(3, 10, 0, 10))
	// Friday
	s.tick(ctx, at(6, 19, 0, 5))
	s.tick(ctx, at(6, 19, 0, 35))
	s.Wait()
	assert.Equal(t, []models.PostKind{models.PostAnnounce, models.PostDigest}, comp.composed())

	// Next Monday fires again.
	s.tick(ctx, at(9, 10, 0, 0))
	s.Wait()
	assert.Len(t, comp.composed(), 3)
}

func TestCleanupUsesRetention(t *testing.T) {
	config := DefaultConfig()
	config.StartupClassification = false
	config.RetentionDays = 14
	s, _, _, clean := newTestScheduler(t, config)
	ctx := context.Background()

	s.tick(ctx, at(4, 3, 0, 20))
	s.tick(ctx, at(4, 3, 0, 50))
	s.Wait()
	assert.Equal(t, []int{14}, clean.calls())

	deleted, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
}

func TestRunStopsOnCancel(t *testing.T) {
	config := DefaultConfig()
	config.PollInterval = 10 * time.Millisecond
	s, cls, _, _ := newTestScheduler(t, config)
	cls.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.Classifying, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, s.Classifying())
}

func TestParseSlot(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "02:00", want: "02:00"},
		{in: "2:00", want: "02:00"},
		{in: "Mon 10:00", want: "Mon 10:00"},
		{in: "friday 19:30", want: "Fri 19:30"},
		{in: "30 19 * * 5", want: "30 19 * * 5"},
		{in: "off", want: "off"},
		{in: "", want: "off"},
		{in: "25:00", err: true},
		{in: "10:61", err: true},
		{in: "Someday 10:00", err: true},
		{in: "10", err: true},
		{in: "Mon 10:00 extra", err: true},
		{in: "61 * * * *", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSlot(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
			assert.Equal(t, tt.want != "off", got.Enabled())
		})
	}
}

func TestSlotDue(t *testing.T) {
	window := time.Minute
	weekly := MustParseSlot("Fri 19:30")
	cronWeekly := MustParseSlot("30 19 * * 5")

	for _, slot := range []Slot{weekly, cronWeekly} {
		assert.False(t, slot.due(at(6, 19, 29, 59), window))
		assert.True(t, slot.due(at(6, 19, 30, 0), window))
		assert.True(t, slot.due(at(6, 19, 30, 59), window))
		assert.False(t, slot.due(at(6, 19, 31, 0), window))
		assert.False(t, slot.due(at(5, 19, 30, 10), window), "thursday")
	}

	daily := MustParseSlot("02:00")
	assert.True(t, daily.due(at(3, 2, 0, 30), window))
	assert.True(t, daily.due(at(4, 2, 0, 30), window))
	assert.False(t, Slot{}.due(at(3, 2, 0, 30), window))
}

func TestRunGuard(t *testing.T) {
	var g RunGuard
	assert.False(t, g.Running())

	release, ok := g.TryAcquire()
	require.True(t, ok)
	assert.True(t, g.Running())

	_, ok = g.TryAcquire()
	assert.False(t, ok)

	release()
	release()
	assert.False(t, g.Running())

	again, ok := g.TryAcquire()
	require.True(t, ok)
	again()

	var wg sync.WaitGroup
	var acquired atomic.Int32
	hold, _ := g.TryAcquire()
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rel, ok := g.TryAcquire(); ok {
				acquired.Add(1)
				rel()
			}
		}()
	}
	wg.Wait()
	hold()
	assert.Equal(t, int32(0), acquired.Load())
}
