// Package bot is the Telegram transport: it ingests source topic messages,
// serves the admin command surface and publishes reviewed posts.
package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/topic-digest-bot/internal/classifier"
	"github.com/xaenox/topic-digest-bot/internal/digest"
	"github.com/xaenox/topic-digest-bot/internal/metrics"
	"github.com/xaenox/topic-digest-bot/internal/models"
	"github.com/xaenox/topic-digest-bot/internal/storage"
	"go.uber.org/zap"
)

// API is the subset of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

type Store interface {
	SaveMessage(ctx context.Context, msg *models.Message) bool
	storage.TopicStore
	storage.PromptStore
}

// ModelRegistry is the AI gateway's model list.
type ModelRegistry interface {
	Models() []models.AIModel
	AddModel(ctx context.Context, name, identifier string) (bool, error)
	RemoveModel(ctx context.Context, name string) (bool, error)
}

type Composer interface {
	Compose(ctx context.Context, kind models.PostKind) (*models.Post, error)
	Publish(ctx context.Context, postID int64, publisher digest.Publisher) (*models.Post, error)
	Edit(ctx context.Context, postID int64, text string) (*models.Post, error)
}

// Jobs is the scheduler surface shared with manual commands.
type Jobs interface {
	TriggerClassification(ctx context.Context) bool
	Classifying() bool
	Cleanup(ctx context.Context) (int64, error)
}

type StatsSource interface {
	Stats(ctx context.Context, days int) (classifier.Stats, error)
}

type Config struct {
	MainChatID    int64
	AdminChatID   int64
	PollTimeout   int
	RetentionDays int
}

type Deps struct {
	Store    Store
	Models   ModelRegistry
	Composer Composer
	Jobs     Jobs
	Stats    StatsSource
}

type Bot struct {
	api    API
	deps   Deps
	config Config
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewAPI connects to the Bot API with the given token, optionally through
// an HTTP proxy.
func NewAPI(token, proxyURL string) (*tgbotapi.BotAPI, error) {
	client := &http.Client{}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	}

	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return api, nil
}

func New(api API, deps Deps, config Config, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 30
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = 7
	}
	return &Bot{
		api:    api,
		deps:   deps,
		config: config,
		logger: logger.Named("bot"),
	}
}

// Start long-polls for updates until ctx is cancelled. Messages from source
// topics are saved in arrival order; commands and callbacks run detached.
func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info("Bot started",
		zap.Int64("main_chat_id", b.config.MainChatID),
		zap.Int64("admin_chat_id", b.config.AdminChatID))

	offset := 0
	for {
		updates, err := b.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("Bot stopping, waiting for handlers")
				b.wg.Wait()
				return nil
			}
			b.logger.Warn("Failed to get updates", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			b.handleUpdate(ctx, u)
		}
	}
}

// Wait blocks until detached handlers return.
func (b *Bot) Wait() {
	b.wg.Wait()
}

func (b *Bot) handleUpdate(ctx context.Context, u update) {
	switch {
	case u.CallbackQuery != nil:
		b.detach(ctx, func(ctx context.Context) { b.handleCallback(ctx, u.CallbackQuery) })
	case u.Message != nil && u.Message.IsCommand():
		msg := u.Message
		b.detach(ctx, func(ctx context.Context) { b.handleCommand(ctx, msg) })
	case u.Message != nil:
		b.ingest(ctx, u.Message)
	}
}

func (b *Bot) detach(ctx context.Context, fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("Handler panicked", zap.Any("panic", r))
			}
		}()
		fn(ctx)
	}()
}

// ingest saves a text message posted in a source topic of the main chat.
func (b *Bot) ingest(ctx context.Context, message *forumMessage) bool {
	if message.Chat == nil || message.Chat.ID != b.config.MainChatID {
		return false
	}
	topicID := message.topicID()
	if topicID == 0 || message.Text == "" {
		return false
	}

	ok, err := b.deps.Store.IsSourceTopic(ctx, topicID)
	if err != nil {
		b.logger.Error("Failed to check source topic", zap.Error(err), zap.Int64("topic_id", topicID))
		return false
	}
	if !ok {
		return false
	}

	msg, err := models.NewMessage(message.Chat.ID, topicID, int64(message.MessageID),
		message.Text, message.parentID(), message.Time())
	if err != nil {
		b.logger.Debug("Skipping message", zap.Error(err), zap.Int("message_id", message.MessageID))
		return false
	}
	if !b.deps.Store.SaveMessage(ctx, msg) {
		return false
	}

	metrics.IngestedMessages.Inc()
	b.logger.Debug("Message saved",
		zap.Int64("topic_id", topicID),
		zap.Int("message_id", message.MessageID))
	return true
}

// reply answers in the chat and topic the command came from.
func (b *Bot) reply(message *forumMessage, text string) {
	if _, err := b.sendToTopic(message.Chat.ID, message.topicID(), text); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

// PublishToTopic posts approved text into a topic of the main chat.
func (b *Bot) PublishToTopic(ctx context.Context, topicID int64, text string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id, err := b.sendToTopic(b.config.MainChatID, topicID, text)
	if err != nil {
		return 0, fmt.Errorf("error publishing to topic %d: %w", topicID, err)
	}
	return id, nil
}

var errNoAdminChat = errors.New("admin chat is not configured")
