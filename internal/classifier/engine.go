// Package classifier assigns unprocessed messages to goal and blocker
// threads. Every message goes through reply inheritance, then batched
// semantic linking against the active threads of its topic, then batched
// classification as a possible new thread.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/topic-digest-bot/internal/metrics"
	"github.com/xaenox/topic-digest-bot/internal/models"
	"github.com/xaenox/topic-digest-bot/internal/storage"
	"go.uber.org/zap"
)

// Completer is the part of the AI gateway the engine needs.
type Completer interface {
	CompleteStructured(ctx context.Context, prompt string) (string, error)
}

type Store interface {
	storage.MessageStore
	storage.ThreadRegistry
}

type Config struct {
	BatchSize         int
	MaxContextThreads int
	AcceptThreshold   float64
	BatchPause        time.Duration
	ContextDays       int
	TitleMaxLen       int

	// A thread is shown to the linker by its newest ThreadContextMessages
	// texts, cut to the last ThreadContextChars runes.
	ThreadContextMessages int
	ThreadContextChars    int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:             5,
		MaxContextThreads:     15,
		AcceptThreshold:       0.6,
		BatchPause:            100 * time.Millisecond,
		ContextDays:           7,
		TitleMaxLen:           50,
		ThreadContextMessages: 3,
		ThreadContextChars:    500,
	}
}

// Outcome is the terminal state of a classified message.
type Outcome string

const (
	OutcomeInherited Outcome = "inherited"
	OutcomeLinked    Outcome = "linked"
	OutcomeNewThread Outcome = "new_thread"
	OutcomeOther     Outcome = "other"
	// OutcomeFailed leaves the message unprocessed for the next run.
	OutcomeFailed Outcome = "failed"
)

// Report summarizes one engine run.
type Report struct {
	RunID      string
	Messages   int
	Inherited  int
	Linked     int
	NewThreads int
	Other      int
	Failed     int
	Batches    int
	Fallbacks  int
	Duration   time.Duration
}

func (r *Report) record(o Outcome) {
	switch o {
	case OutcomeInherited:
		r.Inherited++
	case OutcomeLinked:
		r.Linked++
	case OutcomeNewThread:
		r.NewThreads++
	case OutcomeOther:
		r.Other++
	case OutcomeFailed:
		r.Failed++
	}
	metrics.ClassifiedMessages.WithLabelValues(string(o)).Inc()
}

type Engine struct {
	store  Store
	ai     Completer
	config Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewEngine(store Store, ai Completer, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxContextThreads <= 0 {
		config.MaxContextThreads = defaults.MaxContextThreads
	}
	if config.ContextDays <= 0 {
		config.ContextDays = defaults.ContextDays
	}
	if config.TitleMaxLen <= 0 {
		config.TitleMaxLen = defaults.TitleMaxLen
	}
	if config.ThreadContextMessages <= 0 {
		config.ThreadContextMessages = defaults.ThreadContextMessages
	}
	if config.ThreadContextChars <= 0 {
		config.ThreadContextChars = defaults.ThreadContextChars
	}

	return &Engine{
		store:  store,
		ai:     ai,
		config: config,
		logger: logger.Named("classifier"),
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run classifies every unprocessed message. Topics are handled one after
// another in order of their oldest pending message; batches within a topic
// run sequentially so threads created by one batch are offered to the next.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{RunID: uuid.NewString()}
	log := e.logger.With(zap.String("run_id", report.RunID))

	finish := func(err error) (Report, error) {
		report.Duration = time.Since(start)
		metrics.ClassifierRunDuration.Observe(report.Duration.Seconds())
		log.Info("Classification run finished",
			zap.Int("messages", report.Messages),
			zap.Int("inherited", report.Inherited),
			zap.Int("linked", report.Linked),
			zap.Int("new_threads", report.NewThreads),
			zap.Int("other", report.Other),
			zap.Int("failed", report.Failed),
			zap.Int("batches", report.Batches),
			zap.Int("fallbacks", report.Fallbacks),
			zap.Duration("duration", report.Duration),
			zap.Error(err))
		return report, err
	}

	messages, err := e.store.GetUnprocessed(ctx)
	if err != nil {
		return report, fmt.Errorf("error loading unprocessed messages: %w", err)
	}
	if len(messages) == 0 {
		log.Info("No unprocessed messages")
		return report, nil
	}
	report.Messages = len(messages)

	topics, byTopic := groupByTopic(messages)
	log.Info("Starting classification run",
		zap.Int("messages", len(messages)),
		zap.Int("topics", len(topics)))

	first := true
	for _, topicID := range topics {
		topicLog := log.With(zap.Int64("topic_id", topicID))
		for _, batch := range chunk(byTopic[topicID], e.config.BatchSize) {
			if !first {
				if err := e.sleep(ctx, e.config.BatchPause); err != nil {
					return finish(err)
				}
			}
			first = false
			if err := ctx.Err(); err != nil {
				return finish(err)
			}

			report.Batches++
			e.processBatch(ctx, topicLog, batch, &report)
		}
	}
	return finish(nil)
}

func groupByTopic(messages []*models.Message) ([]int64, map[int64][]*models.Message) {
	var order []int64
	byTopic := make(map[int64][]*models.Message)
	for _, m := range messages {
		if _, seen := byTopic[m.TopicID]; !seen {
			order = append(order, m.TopicID)
		}
		byTopic[m.TopicID] = append(byTopic[m.TopicID], m)
	}
	return order, byTopic
}

func chunk(messages []*models.Message, size int) [][]*models.Message {
	var batches [][]*models.Message
	for start := 0; start < len(messages); start += size {
		end := start + size
		if end > len(messages) {
			end = len(messages)
		}
		batches = append(batches, messages[start:end])
	}
	return batches
}

type memberKey struct {
	chatID    int64
	messageID int64
}

// processBatch resolves one batch of a single topic. A reply whose parent is
// still unresolved in the same batch waits until the parent is settled and
// then gets another chance to inherit.
func (e *Engine) processBatch(ctx context.Context, log *zap.Logger, batch []*models.Message, report *Report) {
	members := make(map[memberKey]*models.Message, len(batch))
	for _, m := range batch {
		members[memberKey{m.ChatID, m.MessageID}] = m
	}
	settled := make(map[int64]bool, len(batch))

	pending := batch
	for len(pending) > 0 {
		var toAI, waiting []*models.Message
		for _, m := range pending {
			if e.inherit(ctx, log, m, report) {
				settled[m.ID] = true
				continue
			}
			if m.ParentID != nil {
				if parent, ok := members[memberKey{m.ChatID, *m.ParentID}]; ok && !settled[parent.ID] {
					waiting = append(waiting, m)
					continue
				}
			}
			toAI = append(toAI, m)
		}

		if len(toAI) == 0 && len(waiting) == len(pending) {
			// replies waiting on each other
			toAI, waiting = waiting, nil
		}

		e.resolve(ctx, log, toAI, report)
		for _, m := range toAI {
			settled[m.ID] = true
		}
		pending = waiting
	}
}

// inherit implements reply inheritance. It reports whether the message was
// handled, which includes a failed store update.
func (e *Engine) inherit(ctx context.Context, log *zap.Logger, m *models.Message, report *Report) bool {
	if m.ParentID == nil {
		return false
	}

	parent, err := e.store.GetMessage(ctx, m.ChatID, *m.ParentID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn("Failed to load reply parent", zap.Int64("message_id", m.ID), zap.Error(err))
		}
		return false
	}
	if parent.ThreadID == nil {
		return false
	}
	if parent.TopicID != m.TopicID {
		log.Debug("Reply parent belongs to another topic",
			zap.Int64("message_id", m.ID),
			zap.Int64("parent_topic_id", parent.TopicID))
		return false
	}

	thread, err := e.store.GetThread(ctx, *parent.ThreadID)
	if err != nil {
		log.Warn("Failed to load parent thread",
			zap.Int64("message_id", m.ID),
			zap.Int64("thread_id", *parent.ThreadID),
			zap.Error(err))
		return false
	}

	if !e.store.UpdateThreadAssignment(ctx, m.ID, &thread.ID, thread.Label) {
		report.record(OutcomeFailed)
		return true
	}
	log.Info("Message inherited thread from reply parent",
		zap.Int64("message_id", m.ID),
		zap.Int64("thread_id", thread.ID))
	report.record(OutcomeInherited)
	return true
}

// resolve runs linking and new-entity classification for messages that
// could not inherit.
func (e *Engine) resolve(ctx context.Context, log *zap.Logger, msgs []*models.Message, report *Report) {
	if len(msgs) == 0 {
		return
	}

	threads := e.contextThreads(ctx, log, msgs[0].TopicID)
	unresolved := msgs
	if len(threads) > 0 {
		links, err := e.link(ctx, threads, msgs)
		if err != nil {
			log.Warn("Batched linking failed, processing messages individually",
				zap.Int("batch_size", len(msgs)),
				zap.Error(err))
			metrics.ClassifierBatches.WithLabelValues("link", "fallback").Inc()
			report.Fallbacks++
			e.resolveIndividually(ctx, log, threads, msgs, report)
			return
		}
		metrics.ClassifierBatches.WithLabelValues("link", "success").Inc()
		unresolved = e.applyLinks(ctx, log, threads, msgs, links, report)
	}

	if len(unresolved) == 0 {
		return
	}
	outcomes, err := e.classify(ctx, unresolved)
	if err != nil {
		log.Warn("Batched classification failed, processing messages individually",
			zap.Int("batch_size", len(unresolved)),
			zap.Error(err))
		metrics.ClassifierBatches.WithLabelValues("classify", "fallback").Inc()
		report.Fallbacks++
		for _, m := range unresolved {
			e.classifyOne(ctx, log, m, report)
		}
		return
	}
	metrics.ClassifierBatches.WithLabelValues("classify", "success").Inc()
	for i, m := range unresolved {
		e.applyClassification(ctx, log, m, outcomes[i], report)
	}
}

// resolveIndividually repeats all three steps for each message with single
// message AI calls. A failed linking call counts as unrelated.
func (e *Engine) resolveIndividually(ctx context.Context, log *zap.Logger, threads []*models.ThreadContext, msgs []*models.Message, report *Report) {
	for _, m := range msgs {
		if ctx.Err() != nil {
			return
		}
		if e.inherit(ctx, log, m, report) {
			continue
		}

		single := []*models.Message{m}
		links, err := e.link(ctx, threads, single)
		if err != nil {
			log.Warn("Linking failed, treating message as unrelated",
				zap.Int64("message_id", m.ID),
				zap.Error(err))
		} else if len(e.applyLinks(ctx, log, threads, single, links, report)) == 0 {
			continue
		}

		e.classifyOne(ctx, log, m, report)
	}
}

// classifyOne never applies a label from a failed call.
func (e *Engine) classifyOne(ctx context.Context, log *zap.Logger, m *models.Message, report *Report) {
	outcomes, err := e.classify(ctx, []*models.Message{m})
	if err != nil {
		log.Error("Classification failed, message stays unprocessed",
			zap.Int64("message_id", m.ID),
			zap.Error(err))
		report.record(OutcomeFailed)
		return
	}
	e.applyClassification(ctx, log, m, outcomes[0], report)
}

// contextThreads returns up to MaxContextThreads active threads of the topic,
// newest first.
func (e *Engine) contextThreads(ctx context.Context, log *zap.Logger, topicID int64) []*models.ThreadContext {
	threads, err := e.store.GetActiveThreadsWithMessages(ctx, topicID, e.config.ContextDays)
	if err != nil {
		log.Error("Failed to load active threads, skipping linking", zap.Error(err))
		return nil
	}
	if len(threads) > e.config.MaxContextThreads {
		threads = threads[:e.config.MaxContextThreads]
	}
	return threads
}

func messageIDs(msgs []*models.Message) []int64 {
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func (e *Engine) link(ctx context.Context, threads []*models.ThreadContext, msgs []*models.Message) ([]models.LinkOutcome, error) {
	raw, err := e.ai.CompleteStructured(ctx, buildLinkPrompt(threads, msgs, e.config.ThreadContextMessages, e.config.ThreadContextChars))
	if err != nil {
		return nil, err
	}
	return ParseLinks(raw, messageIDs(msgs)), nil
}

func (e *Engine) classify(ctx context.Context, msgs []*models.Message) ([]models.ClassificationOutcome, error) {
	raw, err := e.ai.CompleteStructured(ctx, buildClassifyPrompt(msgs))
	if err != nil {
		return nil, err
	}
	return ParseClassifications(raw, messageIDs(msgs)), nil
}

// applyLinks stores accepted links and returns the messages left unresolved.
// Only threads offered for the message's topic are accepted; the thread's
// label wins over anything the AI said.
func (e *Engine) applyLinks(ctx context.Context, log *zap.Logger, threads []*models.ThreadContext, msgs []*models.Message, links []models.LinkOutcome, report *Report) []*models.Message {
	offered := make(map[int64]bool, len(threads))
	for _, t := range threads {
		offered[t.ID] = true
	}

	var unresolved []*models.Message
	for i, m := range msgs {
		link := links[i]
		if !link.Related || link.ThreadID == nil {
			unresolved = append(unresolved, m)
			continue
		}
		if !offered[*link.ThreadID] {
			log.Warn("AI linked message to a thread outside its topic context",
				zap.Int64("message_id", m.ID),
				zap.Int64("thread_id", *link.ThreadID))
			unresolved = append(unresolved, m)
			continue
		}

		thread, err := e.store.GetThread(ctx, *link.ThreadID)
		if err != nil {
			log.Warn("Linked thread does not resolve",
				zap.Int64("message_id", m.ID),
				zap.Int64("thread_id", *link.ThreadID),
				zap.Error(err))
			unresolved = append(unresolved, m)
			continue
		}

		if !e.store.UpdateThreadAssignment(ctx, m.ID, &thread.ID, thread.Label) {
			report.record(OutcomeFailed)
			continue
		}
		log.Info("Message linked to thread",
			zap.Int64("message_id", m.ID),
			zap.Int64("thread_id", thread.ID),
			zap.Float64("confidence", link.Confidence))
		report.record(OutcomeLinked)
	}
	return unresolved
}

func (e *Engine) applyClassification(ctx context.Context, log *zap.Logger, m *models.Message, outcome models.ClassificationOutcome, report *Report) {
	if outcome.Label.Threadable() && outcome.Confidence > e.config.AcceptThreshold {
		title := strings.TrimSpace(outcome.Title)
		if title == "" || strings.EqualFold(title, "null") {
			title = models.Truncate(strings.TrimSpace(m.Text), e.config.TitleMaxLen)
		}

		threadID, err := e.store.CreateThread(ctx, title, outcome.Label)
		if err != nil {
			log.Error("Failed to create thread", zap.Int64("message_id", m.ID), zap.Error(err))
			report.record(OutcomeFailed)
			return
		}
		if !e.store.UpdateThreadAssignment(ctx, m.ID, &threadID, outcome.Label) {
			report.record(OutcomeFailed)
			return
		}
		log.Info("Created thread for message",
			zap.Int64("message_id", m.ID),
			zap.Int64("thread_id", threadID),
			zap.String("label", string(outcome.Label)),
			zap.Float64("confidence", outcome.Confidence))
		report.record(OutcomeNewThread)
		return
	}

	if !e.store.UpdateThreadAssignment(ctx, m.ID, nil, models.LabelOther) {
		report.record(OutcomeFailed)
		return
	}
	report.record(OutcomeOther)
}

// Stats describes classification progress over a window.
type Stats struct {
	Total       int
	Processed   int
	Unprocessed int
}

// Rate is the processed share in percent.
func (s Stats) Rate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Processed) / float64(s.Total) * 100
}

func (e *Engine) Stats(ctx context.Context, days int) (Stats, error) {
	messages, err := e.store.GetByPeriod(ctx, days)
	if err != nil {
		return Stats{}, fmt.Errorf("error loading messages: %w", err)
	}
	stats := Stats{Total: len(messages)}
	for _, m := range messages {
		if m.Processed {
			stats.Processed++
		} else {
			stats.Unprocessed++
		}
	}
	return stats, nil
}
