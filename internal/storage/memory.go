package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xaenox/topic-digest-bot/internal/models"
	"go.uber.org/zap"
)

type messageKey struct {
	chatID    int64
	messageID int64
}

// MemoryStorage keeps everything in process memory. Used for tests and
// for running without a database.
type MemoryStorage struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	now      func() time.Time
	messages map[int64]*models.Message
	keys     map[messageKey]int64
	threads  map[int64]*models.Thread
	sources  map[int64]*models.SourceTopic
	systems  map[string]*models.SystemTopic
	aiModels []models.AIModel
	prompts  map[string]string
	posts    map[int64]*models.Post

	nextMessageID int64
	nextThreadID  int64
	nextPostID    int64
}

func NewMemoryStorage(logger *zap.Logger) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStorage{
		logger:   logger.Named("memory_storage"),
		now:      time.Now,
		messages: make(map[int64]*models.Message),
		keys:     make(map[messageKey]int64),
		threads:  make(map[int64]*models.Thread),
		sources:  make(map[int64]*models.SourceTopic),
		systems:  make(map[string]*models.SystemTopic),
		prompts:  make(map[string]string),
		posts:    make(map[int64]*models.Post),
	}
}

// SetClock overrides the time source used for retention windows.
func (s *MemoryStorage) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStorage) cutoff(days int) time.Time {
	return s.now().Add(-time.Duration(days) * 24 * time.Hour)
}

// Message methods

func (s *MemoryStorage) SaveMessage(ctx context.Context, msg *models.Message) bool {
	if msg == nil || msg.MessageID <= 0 || strings.TrimSpace(msg.Text) == "" {
		s.logger.Error("Refusing to save invalid message")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey{chatID: msg.ChatID, messageID: msg.MessageID}
	if id, exists := s.keys[key]; exists {
		s.messages[id].Text = msg.Text
		msg.ID = id
		return true
	}

	s.nextMessageID++
	stored := *msg
	stored.ID = s.nextMessageID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.messages[stored.ID] = &stored
	s.keys[key] = stored.ID
	msg.ID = stored.ID
	return true
}

func (s *MemoryStorage) GetMessage(ctx context.Context, chatID, messageID int64) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.keys[messageKey{chatID: chatID, messageID: messageID}]
	if !exists {
		return nil, ErrNotFound
	}
	m := *s.messages[id]
	return &m, nil
}

func (s *MemoryStorage) GetUnprocessed(ctx context.Context) ([]*models.Message, error) {
	return s.filterMessages(func(m *models.Message) bool { return !m.Processed }), nil
}

func (s *MemoryStorage) GetByPeriod(ctx context.Context, days int) ([]*models.Message, error) {
	s.mu.RLock()
	cutoff := s.cutoff(days)
	s.mu.RUnlock()
	return s.filterMessages(func(m *models.Message) bool { return !m.CreatedAt.Before(cutoff) }), nil
}

func (s *MemoryStorage) GetByThread(ctx context.Context, threadID int64) ([]*models.Message, error) {
	return s.filterMessages(func(m *models.Message) bool {
		return m.ThreadID != nil && *m.ThreadID == threadID
	}), nil
}

// filterMessages returns copies ordered by creation time, then insertion order.
func (s *MemoryStorage) filterMessages(keep func(*models.Message) bool) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Message, 0)
	for _, m := range s.messages {
		if keep(m) {
			c := *m
			result = append(result, &c)
		}
	}
	sortMessages(result)
	return result
}

func sortMessages(msgs []*models.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func (s *MemoryStorage) UpdateThreadAssignment(ctx context.Context, id int64, threadID *int64, label models.Label) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.messages[id]
	if !exists {
		s.logger.Error("Failed to update thread assignment", zap.Int64("id", id), zap.Error(ErrNotFound))
		return false
	}
	if threadID != nil {
		tid := *threadID
		m.ThreadID = &tid
	} else {
		m.ThreadID = nil
	}
	m.Label = label
	m.Processed = true
	return true
}

func (s *MemoryStorage) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.cutoff(days)
	var deleted int64
	for id, m := range s.messages {
		if m.CreatedAt.Before(cutoff) {
			delete(s.messages, id)
			delete(s.keys, messageKey{chatID: m.ChatID, messageID: m.MessageID})
			deleted++
		}
	}
	return deleted, nil
}

// Thread methods

func (s *MemoryStorage) CreateThread(ctx context.Context, title string, label models.Label) (int64, error) {
	t, err := models.NewThread(title, label)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextThreadID++
	t.ID = s.nextThreadID
	t.CreatedAt = s.now()
	s.threads[t.ID] = t
	return t.ID, nil
}

func (s *MemoryStorage) GetThread(ctx context.Context, id int64) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.threads[id]
	if !exists {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *MemoryStorage) GetActiveThreads(ctx context.Context, days int) ([]*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.cutoff(days)
	seen := make(map[int64]bool)
	result := make([]*models.Thread, 0)
	for _, m := range s.messages {
		if m.ThreadID == nil || m.CreatedAt.Before(cutoff) || seen[*m.ThreadID] {
			continue
		}
		t, exists := s.threads[*m.ThreadID]
		if !exists || !t.Active {
			continue
		}
		seen[t.ID] = true
		c := *t
		result = append(result, &c)
	}
	sortThreads(result)
	return result, nil
}

func (s *MemoryStorage) GetActiveThreadsWithMessages(ctx context.Context, topicID int64, days int) ([]*models.ThreadContext, error) {
	s.mu.RLock()
	cutoff := s.cutoff(days)
	members := make([]*models.Message, 0)
	for _, m := range s.messages {
		if m.ThreadID != nil && m.TopicID == topicID && !m.CreatedAt.Before(cutoff) {
			c := *m
			members = append(members, &c)
		}
	}
	threads := make(map[int64]models.Thread)
	for _, m := range members {
		if t, exists := s.threads[*m.ThreadID]; exists && t.Active {
			threads[t.ID] = *t
		}
	}
	s.mu.RUnlock()

	sortMessages(members)
	byThread := make(map[int64]*models.ThreadContext)
	ordered := make([]*models.Thread, 0, len(threads))
	for id, t := range threads {
		t := t
		byThread[id] = &models.ThreadContext{Thread: t}
		ordered = append(ordered, &t)
	}
	for _, m := range members {
		if tc, exists := byThread[*m.ThreadID]; exists {
			tc.Messages = append(tc.Messages, m.Text)
		}
	}
	sortThreads(ordered)

	result := make([]*models.ThreadContext, 0, len(ordered))
	for _, t := range ordered {
		result = append(result, byThread[t.ID])
	}
	return result, nil
}

// sortThreads orders newest first.
func sortThreads(threads []*models.Thread) {
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].CreatedAt.Equal(threads[j].CreatedAt) {
			return threads[i].ID > threads[j].ID
		}
		return threads[i].CreatedAt.After(threads[j].CreatedAt)
	})
}

// Topic methods

func (s *MemoryStorage) AddSourceTopic(ctx context.Context, topicID int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sources[topicID] = &models.SourceTopic{TopicID: topicID, Name: name, CreatedAt: s.now()}
	return nil
}

func (s *MemoryStorage) RemoveSourceTopic(ctx context.Context, topicID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sources[topicID]; !exists {
		return false, nil
	}
	delete(s.sources, topicID)
	return true, nil
}

func (s *MemoryStorage) GetSourceTopics(ctx context.Context) ([]*models.SourceTopic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.SourceTopic, 0, len(s.sources))
	for _, t := range s.sources {
		c := *t
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TopicID < result[j].TopicID })
	return result, nil
}

func (s *MemoryStorage) IsSourceTopic(ctx context.Context, topicID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.sources[topicID]
	return exists, nil
}

func (s *MemoryStorage) SetSystemTopic(ctx context.Context, role string, topicID int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.systems[role] = &models.SystemTopic{Role: role, TopicID: topicID, Name: name, UpdatedAt: s.now()}
	return nil
}

func (s *MemoryStorage) GetSystemTopic(ctx context.Context, role string) (*models.SystemTopic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.systems[role]
	if !exists {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

// Model methods

func (s *MemoryStorage) AddModel(ctx context.Context, name, identifier string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.aiModels {
		if m.Name == name {
			return false, nil
		}
	}
	s.aiModels = append(s.aiModels, models.AIModel{Name: name, Identifier: identifier})
	return true, nil
}

func (s *MemoryStorage) RemoveModel(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.aiModels {
		if m.Name == name {
			s.aiModels = append(s.aiModels[:i], s.aiModels[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStorage) GetModels(ctx context.Context) ([]models.AIModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]models.AIModel(nil), s.aiModels...), nil
}

// Prompt methods

func (s *MemoryStorage) GetPrompt(ctx context.Context, promptType string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	text, exists := s.prompts[promptType]
	if !exists {
		return "", ErrNotFound
	}
	return text, nil
}

func (s *MemoryStorage) SetPrompt(ctx context.Context, promptType, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prompts[promptType] = text
	return nil
}

// Post methods

func (s *MemoryStorage) SavePost(ctx context.Context, post *models.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPostID++
	post.ID = s.nextPostID
	if post.Status == "" {
		post.Status = models.PostPending
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = s.now()
	}
	c := *post
	s.posts[c.ID] = &c
	return nil
}

func (s *MemoryStorage) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.posts[id]
	if !exists {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (s *MemoryStorage) UpdatePostText(ctx context.Context, id int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.posts[id]
	if !exists {
		return ErrNotFound
	}
	p.Text = text
	return nil
}

func (s *MemoryStorage) MarkPostPublished(ctx context.Context, id int64, publishedMessageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.posts[id]
	if !exists {
		return ErrNotFound
	}
	now := s.now()
	p.Status = models.PostPublished
	p.PublishedAt = &now
	p.PublishedMessageID = publishedMessageID
	return nil
}

func (s *MemoryStorage) GetLastPost(ctx context.Context, kind models.PostKind) (*models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *models.Post
	for _, p := range s.posts {
		if p.Kind != kind {
			continue
		}
		if last == nil || p.CreatedAt.After(last.CreatedAt) || (p.CreatedAt.Equal(last.CreatedAt) && p.ID > last.ID) {
			last = p
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	c := *last
	return &c, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
