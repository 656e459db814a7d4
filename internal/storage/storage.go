package storage

import (
	"context"
	"errors"

	"github.com/xaenox/topic-digest-bot/internal/models"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// MessageStore persists ingested messages and their classification state.
// SaveMessage and UpdateThreadAssignment never fail loudly: errors are logged
// and reported as false.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *models.Message) bool
	GetMessage(ctx context.Context, chatID, messageID int64) (*models.Message, error)
	GetUnprocessed(ctx context.Context) ([]*models.Message, error)
	GetByPeriod(ctx context.Context, days int) ([]*models.Message, error)
	GetByThread(ctx context.Context, threadID int64) ([]*models.Message, error)
	UpdateThreadAssignment(ctx context.Context, id int64, threadID *int64, label models.Label) bool
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}

// ThreadRegistry persists goal and blocker threads.
type ThreadRegistry interface {
	CreateThread(ctx context.Context, title string, label models.Label) (int64, error)
	GetThread(ctx context.Context, id int64) (*models.Thread, error)
	GetActiveThreads(ctx context.Context, days int) ([]*models.Thread, error)
	GetActiveThreadsWithMessages(ctx context.Context, topicID int64, days int) ([]*models.ThreadContext, error)
}

type TopicStore interface {
	AddSourceTopic(ctx context.Context, topicID int64, name string) error
	RemoveSourceTopic(ctx context.Context, topicID int64) (bool, error)
	GetSourceTopics(ctx context.Context) ([]*models.SourceTopic, error)
	IsSourceTopic(ctx context.Context, topicID int64) (bool, error)
	SetSystemTopic(ctx context.Context, role string, topicID int64, name string) error
	GetSystemTopic(ctx context.Context, role string) (*models.SystemTopic, error)
}

// ModelStore lists AI models in registration order.
type ModelStore interface {
	AddModel(ctx context.Context, name, identifier string) (bool, error)
	RemoveModel(ctx context.Context, name string) (bool, error)
	GetModels(ctx context.Context) ([]models.AIModel, error)
}

type PromptStore interface {
	GetPrompt(ctx context.Context, promptType string) (string, error)
	SetPrompt(ctx context.Context, promptType, text string) error
}

type PostStore interface {
	SavePost(ctx context.Context, post *models.Post) error
	GetPost(ctx context.Context, id int64) (*models.Post, error)
	UpdatePostText(ctx context.Context, id int64, text string) error
	MarkPostPublished(ctx context.Context, id int64, publishedMessageID int64) error
	GetLastPost(ctx context.Context, kind models.PostKind) (*models.Post, error)
}

type Storage interface {
	MessageStore
	ThreadRegistry
	TopicStore
	ModelStore
	PromptStore
	PostStore
	Close() error
}
