package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/topic-digest-bot/internal/models"
	"go.uber.org/zap"
)

const (
	publishAction = "publish_post"
	editAction    = "edit_post"

	// reviewPreviewLen keeps the escaped preview under the message limit.
	reviewPreviewLen = 3500
)

// SendForReview posts a pending post to the admin chat with publish and
// edit buttons.
func (b *Bot) SendForReview(ctx context.Context, post *models.Post) error {
	if b.config.AdminChatID == 0 {
		return errNoAdminChat
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	text := fmt.Sprintf("*%s*\n\n%s",
		escapeMarkdown(fmt.Sprintf("New %s post #%d", post.Kind, post.ID)),
		escapeMarkdown(models.Truncate(post.Text, reviewPreviewLen)))

	msg := tgbotapi.NewMessage(b.config.AdminChatID, text)
	msg.ParseMode = "MarkdownV2"
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Publish", callbackData(publishAction, post.ID)),
			tgbotapi.NewInlineKeyboardButtonData("Edit", callbackData(editAction, post.ID)),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("error sending post %d for review: %w", post.ID, err)
	}
	return nil
}

func callbackData(action string, postID int64) string {
	return action + ":" + strconv.FormatInt(postID, 10)
}

func parseCallback(data string) (string, int64, bool) {
	action, idArg, ok := strings.Cut(data, ":")
	if !ok {
		return "", 0, false
	}
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return action, id, true
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Message == nil || q.Message.Chat == nil || b.config.AdminChatID == 0 || q.Message.Chat.ID != b.config.AdminChatID {
		b.answer(q, "Not allowed here")
		return
	}
	action, postID, ok := parseCallback(q.Data)
	if !ok {
		b.answer(q, "Unknown action")
		return
	}
	log := b.logger.With(zap.String("action", action), zap.Int64("post_id", postID))

	switch action {
	case publishAction:
		post, err := b.deps.Composer.Publish(ctx, postID, b)
		if err != nil {
			log.Error("Failed to publish post", zap.Error(err))
			b.answer(q, "Publishing failed")
			b.notifyAdmin(postFailure(postID, err))
			return
		}
		log.Info("Post published",
			zap.Int64("topic_id", post.TopicID),
			zap.Int64("message_id", post.PublishedMessageID))
		b.answer(q, "Published")
		b.clearButtons(q.Message)
		b.notifyAdmin(fmt.Sprintf("Post #%d published.", postID))
	case editAction:
		b.answer(q, "")
		b.notifyAdmin(fmt.Sprintf("Send /editpost %d <new text> to replace the text of post #%d.", postID, postID))
	default:
		b.answer(q, "Unknown action")
	}
}

func (b *Bot) answer(q *tgbotapi.CallbackQuery, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(q.ID, text)); err != nil {
		b.logger.Warn("Failed to answer callback", zap.Error(err))
	}
}

func (b *Bot) clearButtons(message *tgbotapi.Message) {
	edit := tgbotapi.NewEditMessageReplyMarkup(message.Chat.ID, message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	if _, err := b.api.Request(edit); err != nil {
		b.logger.Warn("Failed to clear review buttons", zap.Error(err))
	}
}

func (b *Bot) notifyAdmin(text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(b.config.AdminChatID, text)); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", b.config.AdminChatID))
	}
}

var markdownReplacer = strings.NewReplacer(
	`\`, `\\`, "_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
	"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
	"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
)

// escapeMarkdown escapes text for MarkdownV2.
func escapeMarkdown(text string) string {
	return markdownReplacer.Replace(text)
}
