package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/xaenox/topic-digest-bot/internal/digest"
	"github.com/xaenox/topic-digest-bot/internal/models"
	"github.com/xaenox/topic-digest-bot/internal/storage"
	"go.uber.org/zap"
)

const helpText = `Available commands:
/start - Start the bot
/help - Show this help message
/get_chat_id - Show chat and topic ids

Topics:
/addtopic [name] - Watch the current topic
/deletetopic - Stop watching the current topic
/listtopics - List watched topics
/setannouncetopic [name] - Publish announcements to the current topic
/setdigesttopic [name] - Publish digests to the current topic
/showconfig - Show the current configuration

AI models:
/models - List AI models in fallback order
/add_model <name> <identifier> - Register a model
/remove_model <name> - Remove a model

Posts:
/setprompt <announce|digest> <text> - Set a post prompt
/prompt <announce|digest> - Show a post prompt
/test_post <announce|digest> - Compose a post for review
/editpost <id> <text> - Replace the text of a pending post

Maintenance:
/classify_now - Classify pending messages
/cleanup_messages - Delete messages past retention
/stats - Classification progress`

func (b *Bot) handleCommand(ctx context.Context, message *forumMessage) {
	command := message.Command()
	switch command {
	case "start":
		b.reply(message, "Hi! I watch the community topics, group discussions into goals and blockers "+
			"and prepare weekly posts for review.\nUse /help to see all available commands.")
		return
	case "help":
		b.reply(message, helpText)
		return
	case "get_chat_id":
		b.handleGetChatID(message)
		return
	}

	if !b.trusted(message.Chat.ID) {
		b.logger.Debug("Ignoring command from unknown chat",
			zap.String("command", command),
			zap.Int64("chat_id", message.Chat.ID))
		return
	}

	log := b.logger.With(zap.String("command", command))
	args := strings.TrimSpace(message.CommandArguments())

	switch command {
	case "addtopic":
		b.handleAddTopic(ctx, log, message, args)
	case "deletetopic":
		b.handleDeleteTopic(ctx, log, message)
	case "listtopics":
		b.handleListTopics(ctx, log, message)
	case "setannouncetopic":
		b.handleSetSystemTopic(ctx, log, message, models.RoleAnnounce, args)
	case "setdigesttopic":
		b.handleSetSystemTopic(ctx, log, message, models.RoleDigest, args)
	case "showconfig":
		b.handleShowConfig(ctx, message)
	case "models":
		b.handleModels(message)
	case "add_model":
		b.handleAddModel(ctx, log, message, args)
	case "remove_model":
		b.handleRemoveModel(ctx, log, message, args)
	case "setprompt":
		b.handleSetPrompt(ctx, log, message, args)
	case "prompt":
		b.handlePrompt(ctx, log, message, args)
	case "test_post":
		b.handleTestPost(ctx, message, args)
	case "editpost":
		b.handleEditPost(ctx, message, args)
	case "classify_now":
		b.handleClassifyNow(ctx, message)
	case "cleanup_messages":
		b.handleCleanup(ctx, log, message)
	case "stats":
		b.handleStats(ctx, log, message)
	default:
		b.reply(message, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) trusted(chatID int64) bool {
	return chatID == b.config.MainChatID || (b.config.AdminChatID != 0 && chatID == b.config.AdminChatID)
}

func (b *Bot) handleGetChatID(message *forumMessage) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Chat ID: %d\nChat type: %s\n", message.Chat.ID, message.Chat.Type)
	if title := message.Chat.Title; title != "" {
		fmt.Fprintf(&sb, "Chat title: %s\n", title)
	}
	if topicID := message.topicID(); topicID != 0 {
		fmt.Fprintf(&sb, "Topic ID: %d\n", topicID)
	}
	if message.From != nil {
		fmt.Fprintf(&sb, "Your user ID: %d\n", message.From.ID)
	}
	b.reply(message, sb.String())
}

// commandTopic returns the forum topic a topic command was sent from.
func (b *Bot) commandTopic(message *forumMessage) (int64, bool) {
	topicID := message.topicID()
	if message.Chat.ID != b.config.MainChatID || topicID == 0 {
		b.reply(message, "This command must be sent inside a topic of the main chat.")
		return 0, false
	}
	return topicID, true
}

// topicName prefers the explicit argument, then the topic title.
func topicName(message *forumMessage, arg string) string {
	if arg != "" {
		return arg
	}
	if r := message.ReplyToMessage; r != nil && r.ForumTopicCreated != nil && r.ForumTopicCreated.Name != "" {
		return r.ForumTopicCreated.Name
	}
	return "Untitled"
}

func (b *Bot) handleAddTopic(ctx context.Context, log *zap.Logger, message *forumMessage, args string) {
	topicID, ok := b.commandTopic(message)
	if !ok {
		return
	}
	name := topicName(message, args)
	if err := b.deps.Store.AddSourceTopic(ctx, topicID, name); err != nil {
		log.Error("Failed to add source topic", zap.Error(err), zap.Int64("topic_id", topicID))
		b.reply(message, "Failed to add the topic.")
		return
	}
	b.reply(message, fmt.Sprintf("Topic added to sources.\nID: %d\nName: %s", topicID, name))
}

func (b *Bot) handleDeleteTopic(ctx context.Context, log *zap.Logger, message *forumMessage) {
	topicID, ok := b.commandTopic(message)
	if !ok {
		return
	}
	removed, err := b.deps.Store.RemoveSourceTopic(ctx, topicID)
	if err != nil {
		log.Error("Failed to remove source topic", zap.Error(err), zap.Int64("topic_id", topicID))
		b.reply(message, "Failed to remove the topic.")
		return
	}
	if !removed {
		b.reply(message, fmt.Sprintf("Topic %d is not a source.", topicID))
		return
	}
	b.reply(message, fmt.Sprintf("Topic %d removed from sources.", topicID))
}

func (b *Bot) handleListTopics(ctx context.Context, log *zap.Logger, message *forumMessage) {
	topics, err := b.deps.Store.GetSourceTopics(ctx)
	if err != nil {
		log.Error("Failed to list source topics", zap.Error(err))
		b.reply(message, "Failed to list topics.")
		return
	}
	if len(topics) == 0 {
		b.reply(message, "No source topics yet. Use /addtopic inside a topic.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Source topics:\n")
	for _, t := range topics {
		fmt.Fprintf(&sb, "- %s (ID: %d)\n", t.Name, t.TopicID)
	}
	b.reply(message, sb.String())
}

func (b *Bot) handleSetSystemTopic(ctx context.Context, log *zap.Logger, message *forumMessage, role, args string) {
	topicID, ok := b.commandTopic(message)
	if !ok {
		return
	}
	name := topicName(message, args)
	if err := b.deps.Store.SetSystemTopic(ctx, role, topicID, name); err != nil {
		log.Error("Failed to set system topic", zap.Error(err), zap.String("role", role))
		b.reply(message, "Failed to set the topic.")
		return
	}
	b.reply(message, fmt.Sprintf("This topic now receives %s posts.\nID: %d\nName: %s", role, topicID, name))
}

func (b *Bot) handleShowConfig(ctx context.Context, message *forumMessage) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Main chat: %d\n", b.config.MainChatID)
	if b.config.AdminChatID != 0 {
		fmt.Fprintf(&sb, "Review chat: %d\n", b.config.AdminChatID)
	} else {
		sb.WriteString("Review chat: not configured\n")
	}
	fmt.Fprintf(&sb, "Retention: %d days\n", b.config.RetentionDays)

	sb.WriteString("\nSource topics:\n")
	topics, err := b.deps.Store.GetSourceTopics(ctx)
	switch {
	case err != nil:
		sb.WriteString("- unavailable\n")
	case len(topics) == 0:
		sb.WriteString("- none\n")
	default:
		for _, t := range topics {
			fmt.Fprintf(&sb, "- %s (ID: %d)\n", t.Name, t.TopicID)
		}
	}

	sb.WriteString("\nSystem topics:\n")
	for _, role := range []string{models.RoleAnnounce, models.RoleDigest} {
		topic, err := b.deps.Store.GetSystemTopic(ctx, role)
		if err != nil {
			fmt.Fprintf(&sb, "- %s: not configured\n", role)
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s (ID: %d)\n", role, topic.Name, topic.TopicID)
	}

	sb.WriteString("\nPrompts:\n")
	for _, kind := range []models.PostKind{models.PostAnnounce, models.PostDigest} {
		status := "set"
		if text, err := b.deps.Store.GetPrompt(ctx, string(kind)); err != nil || text == "" {
			status = "missing"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", kind, status)
	}

	fmt.Fprintf(&sb, "\nAI models: %d\n", len(b.deps.Models.Models()))
	b.reply(message, sb.String())
}

func (b *Bot) handleModels(message *forumMessage) {
	list := b.deps.Models.Models()
	if len(list) == 0 {
		b.reply(message, "No AI models registered. Use /add_model <name> <identifier>.")
		return
	}
	var sb strings.Builder
	sb.WriteString("AI models in fallback order:\n")
	for i, m := range list {
		fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, m.Name, m.Identifier)
	}
	b.reply(message, sb.String())
}

func (b *Bot) handleAddModel(ctx context.Context, log *zap.Logger, message *forumMessage, args string) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		b.reply(message, "Usage: /add_model <name> <identifier>\nExample: /add_model deepseek deepseek/deepseek-chat")
		return
	}
	added, err := b.deps.Models.AddModel(ctx, fields[0], fields[1])
	if err != nil {
		log.Error("Failed to add model", zap.Error(err), zap.String("model", fields[0]))
		b.reply(message, "Failed to add the AI model.")
		return
	}
	if !added {
		b.reply(message, fmt.Sprintf("AI model '%s' already exists.", fields[0]))
		return
	}
	b.reply(message, fmt.Sprintf("AI model '%s' added: %s", fields[0], fields[1]))
}

func (b *Bot) handleRemoveModel(ctx context.Context, log *zap.Logger, message *forumMessage, args string) {
	fields := strings.Fields(args)
	if len(fields) != 1 {
		b.reply(message, "Usage: /remove_model <name>\nExample: /remove_model deepseek")
		return
	}
	removed, err := b.deps.Models.RemoveModel(ctx, fields[0])
	if err != nil {
		log.Error("Failed to remove model", zap.Error(err), zap.String("model", fields[0]))
		b.reply(message, "Failed to remove the AI model.")
		return
	}
	if !removed {
		b.reply(message, fmt.Sprintf("AI model '%s' not found.", fields[0]))
		return
	}
	b.reply(message, fmt.Sprintf("AI model '%s' removed.", fields[0]))
}

// splitFirst separates the first word from the rest, keeping line breaks
// in the rest.
func splitFirst(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func (b *Bot) handleSetPrompt(ctx context.Context, log *zap.Logger, message *forumMessage, args string) {
	kindArg, text := splitFirst(args)
	kind, ok := models.ParsePostKind(kindArg)
	if !ok || text == "" {
		b.reply(message, "Usage: /setprompt <announce|digest> <text>")
		return
	}
	if err := b.deps.Store.SetPrompt(ctx, string(kind), text); err != nil {
		log.Error("Failed to save prompt", zap.Error(err), zap.String("kind", string(kind)))
		b.reply(message, "Failed to save the prompt.")
		return
	}
	b.reply(message, fmt.Sprintf("Prompt for %s posts saved.", kind))
}

func (b *Bot) handlePrompt(ctx context.Context, log *zap.Logger, message *forumMessage, args string) {
	kind, ok := models.ParsePostKind(args)
	if !ok {
		b.reply(message, "Usage: /prompt <announce|digest>")
		return
	}
	text, err := b.deps.Store.GetPrompt(ctx, string(kind))
	if errors.Is(err, storage.ErrNotFound) || (err == nil && text == "") {
		b.reply(message, fmt.Sprintf("No prompt for %s posts. Use /setprompt %s <text>.", kind, kind))
		return
	}
	if err != nil {
		log.Error("Failed to load prompt", zap.Error(err), zap.String("kind", string(kind)))
		b.reply(message, "Failed to load the prompt.")
		return
	}
	b.reply(message, fmt.Sprintf("Prompt for %s posts:\n\n%s", kind, text))
}

func (b *Bot) handleTestPost(ctx context.Context, message *forumMessage, args string) {
	kind, ok := models.ParsePostKind(args)
	if !ok {
		b.reply(message, "Usage: /test_post <announce|digest>")
		return
	}
	b.reply(message, fmt.Sprintf("Composing %s post...", kind))

	post, err := b.deps.Composer.Compose(ctx, kind)
	if err != nil {
		b.reply(message, composeFailure(kind, err))
		return
	}
	b.reply(message, fmt.Sprintf("Post #%d sent for review.", post.ID))
}

// composeFailure explains a failed compose in admin terms.
func composeFailure(kind models.PostKind, err error) string {
	switch {
	case errors.Is(err, digest.ErrTopicNotConfigured):
		if kind == models.PostDigest {
			return "The digest topic is not configured. Use /setdigesttopic inside the target topic."
		}
		return "The announce topic is not configured. Use /setannouncetopic inside the target topic."
	case errors.Is(err, digest.ErrPromptMissing):
		return fmt.Sprintf("No prompt for %s posts. Use /setprompt %s <text>.", kind, kind)
	case errors.Is(err, digest.ErrNoActiveThreads):
		return "No active goals or blockers this week, nothing to announce."
	case errors.Is(err, digest.ErrNoMessages):
		return "No messages this week, nothing to digest."
	}
	return fmt.Sprintf("Failed to compose the %s post: %v", kind, err)
}

func (b *Bot) handleEditPost(ctx context.Context, message *forumMessage, args string) {
	idArg, text := splitFirst(args)
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil || text == "" {
		b.reply(message, "Usage: /editpost <id> <text>")
		return
	}
	if _, err := b.deps.Composer.Edit(ctx, id, text); err != nil {
		b.reply(message, postFailure(id, err))
		return
	}
	b.reply(message, fmt.Sprintf("Post #%d updated and sent for review again.", id))
}

func postFailure(id int64, err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Sprintf("Post #%d not found.", id)
	case errors.Is(err, digest.ErrAlreadyPublished):
		return fmt.Sprintf("Post #%d is already published.", id)
	}
	return fmt.Sprintf("Failed to update post #%d: %v", id, err)
}

func (b *Bot) handleClassifyNow(ctx context.Context, message *forumMessage) {
	if !b.deps.Jobs.TriggerClassification(ctx) {
		b.reply(message, "Classification is already running.")
		return
	}
	b.reply(message, "Classification started.")
}

func (b *Bot) handleCleanup(ctx context.Context, log *zap.Logger, message *forumMessage) {
	deleted, err := b.deps.Jobs.Cleanup(ctx)
	if err != nil {
		log.Error("Failed to clean up messages", zap.Error(err))
		b.reply(message, "Failed to clean up messages.")
		return
	}
	b.reply(message, fmt.Sprintf("Cleanup done. Deleted messages: %d", deleted))
}

func (b *Bot) handleStats(ctx context.Context, log *zap.Logger, message *forumMessage) {
	stats, err := b.deps.Stats.Stats(ctx, b.config.RetentionDays)
	if err != nil {
		log.Error("Failed to load stats", zap.Error(err))
		b.reply(message, "Failed to load stats.")
		return
	}
	running := "idle"
	if b.deps.Jobs.Classifying() {
		running = "running"
	}
	b.reply(message, fmt.Sprintf("Messages in the last %d days: %d\nClassified: %d (%.1f%%)\nPending: %d\nClassifier: %s",
		b.config.RetentionDays, stats.Total, stats.Processed, stats.Rate(), stats.Unprocessed, running))
}
