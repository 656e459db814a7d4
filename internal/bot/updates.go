package bot

import (
	"context"
	"encoding/json"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// forumMessage adds the forum fields telegram-bot-api v5 does not decode.
type forumMessage struct {
	tgbotapi.Message
	MessageThreadID   int64         `json:"message_thread_id"`
	IsTopicMessage    bool          `json:"is_topic_message"`
	ReplyToMessage    *forumMessage `json:"reply_to_message"`
	ForumTopicCreated *forumTopic   `json:"forum_topic_created"`
}

type forumTopic struct {
	Name string `json:"name"`
}

// topicID returns the forum topic of the message, or 0 outside topics.
func (m *forumMessage) topicID() int64 {
	if !m.IsTopicMessage {
		return 0
	}
	return m.MessageThreadID
}

// parentID returns the replied-to message id. A reply to the topic root is
// how clients mark every message of a topic, so it does not count.
func (m *forumMessage) parentID() *int64 {
	if m.ReplyToMessage == nil {
		return nil
	}
	id := int64(m.ReplyToMessage.MessageID)
	if id == m.MessageThreadID || m.ReplyToMessage.ForumTopicCreated != nil {
		return nil
	}
	return &id
}

type update struct {
	UpdateID      int                     `json:"update_id"`
	Message       *forumMessage           `json:"message"`
	CallbackQuery *tgbotapi.CallbackQuery `json:"callback_query"`
}

func (b *Bot) getUpdates(ctx context.Context, offset int) ([]update, error) {
	params := tgbotapi.Params{}
	params.AddNonZero("offset", offset)
	params.AddNonZero("timeout", b.config.PollTimeout)
	if err := params.AddInterface("allowed_updates", []string{"message", "callback_query"}); err != nil {
		return nil, err
	}

	type result struct {
		resp *tgbotapi.APIResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := b.api.MakeRequest("getUpdates", params)
		done <- result{resp, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-done:
	}
	if r.err != nil {
		return nil, fmt.Errorf("error fetching updates: %w", r.err)
	}

	var updates []update
	if err := json.Unmarshal(r.resp.Result, &updates); err != nil {
		return nil, fmt.Errorf("error decoding updates: %w", err)
	}
	return updates, nil
}

// sendToTopic posts plain text into a forum topic and returns the new
// message id. A zero topic sends to the chat itself.
func (b *Bot) sendToTopic(chatID, topicID int64, text string) (int64, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero64("message_thread_id", topicID)
	params.AddNonEmpty("text", text)

	resp, err := b.api.MakeRequest("sendMessage", params)
	if err != nil {
		return 0, err
	}
	var sent tgbotapi.Message
	if err := json.Unmarshal(resp.Result, &sent); err != nil {
		return 0, fmt.Errorf("error decoding sent message: %w", err)
	}
	return int64(sent.MessageID), nil
}
