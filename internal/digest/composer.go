// Package digest composes the weekly announce and digest posts. Posts are
// saved as pending and handed to a reviewer; nothing is published without
// an explicit approval.
package digest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/topic-digest-bot/internal/metrics"
	"github.com/xaenox/topic-digest-bot/internal/models"
	"github.com/xaenox/topic-digest-bot/internal/storage"
	"go.uber.org/zap"
)

var (
	ErrTopicNotConfigured = errors.New("system topic is not configured")
	ErrPromptMissing      = errors.New("prompt template is not configured")
	ErrNoActiveThreads    = errors.New("no active threads in the window")
	ErrNoMessages         = errors.New("no messages in the window")
	ErrAlreadyPublished   = errors.New("post is already published")
)

type Completer interface {
	Complete(ctx context.Context, prompt, preferredModel string) (string, error)
}

type Store interface {
	storage.MessageStore
	storage.ThreadRegistry
	storage.TopicStore
	storage.PromptStore
	storage.PostStore
}

// Reviewer receives pending posts, typically the admin chat.
type Reviewer interface {
	SendForReview(ctx context.Context, post *models.Post) error
}

// Publisher posts approved text into a topic of the main chat and returns
// the id of the published message.
type Publisher interface {
	PublishToTopic(ctx context.Context, topicID int64, text string) (int64, error)
}

type Config struct {
	WindowDays        int
	MaxThreadMessages int
	MaxExcerpts       int
	ExcerptChars      int
	PreferredModel    string
}

func DefaultConfig() Config {
	return Config{
		WindowDays:        7,
		MaxThreadMessages: 5,
		MaxExcerpts:       20,
		ExcerptChars:      300,
	}
}

type Composer struct {
	store    Store
	ai       Completer
	reviewer Reviewer
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewComposer(store Store, ai Completer, config Config, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.WindowDays <= 0 {
		config.WindowDays = defaults.WindowDays
	}
	if config.MaxThreadMessages <= 0 {
		config.MaxThreadMessages = defaults.MaxThreadMessages
	}
	if config.MaxExcerpts <= 0 {
		config.MaxExcerpts = defaults.MaxExcerpts
	}
	if config.ExcerptChars <= 0 {
		config.ExcerptChars = defaults.ExcerptChars
	}
	return &Composer{
		store:  store,
		ai:     ai,
		config: config,
		logger: logger.Named("digest"),
		now:    time.Now,
	}
}

// SetReviewer attaches the review channel. Without one, posts are only saved.
func (c *Composer) SetReviewer(r Reviewer) {
	c.reviewer = r
}

// Compose dispatches on the post kind.
func (c *Composer) Compose(ctx context.Context, kind models.PostKind) (*models.Post, error) {
	switch kind {
	case models.PostAnnounce:
		return c.ComposeAnnounce(ctx)
	case models.PostDigest:
		return c.ComposeDigest(ctx)
	}
	return nil, fmt.Errorf("unknown post kind %q", kind)
}

// ComposeAnnounce builds the weekly goals and blockers post from the threads
// active in the window.
func (c *Composer) ComposeAnnounce(ctx context.Context) (*models.Post, error) {
	post, err := c.composeAnnounce(ctx)
	c.observe(models.PostAnnounce, err)
	return post, err
}

func (c *Composer) composeAnnounce(ctx context.Context) (*models.Post, error) {
	topic, err := c.systemTopic(ctx, models.RoleAnnounce)
	if err != nil {
		return nil, err
	}

	threads, err := c.store.GetActiveThreads(ctx, c.config.WindowDays)
	if err != nil {
		return nil, fmt.Errorf("error loading active threads: %w", err)
	}
	entries := make([]threadEntry, 0, len(threads))
	for _, t := range threads {
		if !t.Label.Threadable() {
			continue
		}
		texts, err := c.threadMessages(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, threadEntry{thread: t, messages: texts})
	}
	if len(entries) == 0 {
		return nil, ErrNoActiveThreads
	}

	template, err := c.prompt(ctx, "announce")
	if err != nil {
		return nil, err
	}

	return c.generate(ctx, models.PostAnnounce, topic.TopicID, template+"\n\n"+announceContext(entries))
}

// ComposeDigest builds the weekly summary: per-topic excerpts, progress on
// the previous announce post, new goals and new blockers.
func (c *Composer) ComposeDigest(ctx context.Context) (*models.Post, error) {
	post, err := c.composeDigest(ctx)
	c.observe(models.PostDigest, err)
	return post, err
}

func (c *Composer) composeDigest(ctx context.Context) (*models.Post, error) {
	topic, err := c.systemTopic(ctx, models.RoleDigest)
	if err != nil {
		return nil, err
	}

	recent, err := c.store.GetByPeriod(ctx, c.config.WindowDays)
	if err != nil {
		return nil, fmt.Errorf("error loading recent messages: %w", err)
	}
	if len(recent) == 0 {
		return nil, ErrNoMessages
	}

	template, err := c.prompt(ctx, "digest")
	if err != nil {
		return nil, err
	}

	sources, err := c.store.GetSourceTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading source topics: %w", err)
	}
	names := make(map[int64]string, len(sources))
	for _, s := range sources {
		names[s.TopicID] = s.Name
	}

	var carryOver []goalStatus
	last, err := c.store.GetLastPost(ctx, models.PostAnnounce)
	switch {
	case err == nil:
		carryOver = goalProgress(listItems(last.Text), recent)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("error loading previous announce post: %w", err)
	}

	threads, err := c.store.GetActiveThreads(ctx, c.config.WindowDays)
	if err != nil {
		return nil, fmt.Errorf("error loading active threads: %w", err)
	}
	end := c.now()
	start := end.AddDate(0, 0, -c.config.WindowDays)
	var goals, blockers []*models.Thread
	for _, t := range threads {
		if t.CreatedAt.Before(start) {
			continue
		}
		switch t.Label {
		case models.LabelGoal:
			goals = append(goals, t)
		case models.LabelBlocker:
			blockers = append(blockers, t)
		}
	}

	dc := digestContext{
		start:     start,
		end:       end,
		excerpts:  excerptsByTopic(recent, names, c.config.MaxExcerpts, c.config.ExcerptChars),
		carryOver: carryOver,
		goals:     goals,
		blockers:  blockers,
	}
	return c.generate(ctx, models.PostDigest, topic.TopicID, template+"\n\n"+dc.String())
}

func (c *Composer) systemTopic(ctx context.Context, role string) (*models.SystemTopic, error) {
	topic, err := c.store.GetSystemTopic(ctx, role)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotConfigured, role)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading system topic: %w", err)
	}
	return topic, nil
}

func (c *Composer) prompt(ctx context.Context, promptType string) (string, error) {
	text, err := c.store.GetPrompt(ctx, promptType)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && text == "") {
		return "", fmt.Errorf("%w: %s", ErrPromptMissing, promptType)
	}
	if err != nil {
		return "", fmt.Errorf("error loading prompt: %w", err)
	}
	return text, nil
}

// threadMessages returns the first member texts of a thread inside the window.
func (c *Composer) threadMessages(ctx context.Context, threadID int64) ([]string, error) {
	members, err := c.store.GetByThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("error loading thread messages: %w", err)
	}
	cutoff := c.now().AddDate(0, 0, -c.config.WindowDays)
	texts := make([]string, 0, c.config.MaxThreadMessages)
	for _, m := range members {
		if m.CreatedAt.Before(cutoff) {
			continue
		}
		texts = append(texts, m.Text)
		if len(texts) == c.config.MaxThreadMessages {
			break
		}
	}
	return texts, nil
}

func (c *Composer) generate(ctx context.Context, kind models.PostKind, topicID int64, prompt string) (*models.Post, error) {
	text, err := c.ai.Complete(ctx, prompt, c.config.PreferredModel)
	if err != nil {
		return nil, fmt.Errorf("error generating %s post: %w", kind, err)
	}

	post := &models.Post{
		Kind:    kind,
		TopicID: topicID,
		Text:    text,
		Status:  models.PostPending,
	}
	if err := c.store.SavePost(ctx, post); err != nil {
		return nil, fmt.Errorf("error saving %s post: %w", kind, err)
	}

	c.logger.Info("Post composed",
		zap.String("kind", string(kind)),
		zap.Int64("post_id", post.ID),
		zap.Int64("topic_id", topicID))

	if c.reviewer != nil {
		if err := c.reviewer.SendForReview(ctx, post); err != nil {
			return post, fmt.Errorf("error sending post for review: %w", err)
		}
	}
	return post, nil
}

func (c *Composer) observe(kind models.PostKind, err error) {
	result := "success"
	if err != nil {
		result = "error"
		c.logger.Warn("Post not composed", zap.String("kind", string(kind)), zap.Error(err))
	}
	metrics.PostsComposed.WithLabelValues(string(kind), result).Inc()
}

// Publish posts an approved post into its system topic and marks it published.
func (c *Composer) Publish(ctx context.Context, postID int64, publisher Publisher) (*models.Post, error) {
	post, err := c.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.Status == models.PostPublished {
		return post, ErrAlreadyPublished
	}

	messageID, err := publisher.PublishToTopic(ctx, post.TopicID, post.Text)
	if err != nil {
		return nil, fmt.Errorf("error publishing post %d: %w", postID, err)
	}
	if err := c.store.MarkPostPublished(ctx, postID, messageID); err != nil {
		return nil, fmt.Errorf("error marking post %d published: %w", postID, err)
	}

	c.logger.Info("Post published",
		zap.Int64("post_id", postID),
		zap.Int64("topic_id", post.TopicID),
		zap.Int64("message_id", messageID))
	return c.store.GetPost(ctx, postID)
}

// Edit replaces the text of a pending post and sends it for review again.
func (c *Composer) Edit(ctx context.Context, postID int64, text string) (*models.Post, error) {
	post, err := c.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.Status == models.PostPublished {
		return post, ErrAlreadyPublished
	}
	if err := c.store.UpdatePostText(ctx, postID, text); err != nil {
		return nil, fmt.Errorf("error updating post %d: %w", postID, err)
	}
	post.Text = text

	if c.reviewer != nil {
		if err := c.reviewer.SendForReview(ctx, post); err != nil {
			return post, fmt.Errorf("error sending post for review: %w", err)
		}
	}
	return post, nil
}
