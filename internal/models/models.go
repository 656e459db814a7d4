package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Label is the classification assigned to every processed message.
type Label string

const (
	LabelGoal    Label = "goal"
	LabelBlocker Label = "blocker"
	LabelOther   Label = "other"
)

// ParseLabel normalizes an AI or database supplied label.
func ParseLabel(s string) (Label, bool) {
	switch Label(strings.ToLower(strings.TrimSpace(s))) {
	case LabelGoal:
		return LabelGoal, true
	case LabelBlocker:
		return LabelBlocker, true
	case LabelOther:
		return LabelOther, true
	}
	return "", false
}

// Threadable reports whether messages with this label live in a thread.
func (l Label) Threadable() bool {
	return l == LabelGoal || l == LabelBlocker
}

// Message represents an ingested chat message and its classification state
type Message struct {
	ID        int64     `json:"id"`
	MessageID int64     `json:"message_id"`
	ChatID    int64     `json:"chat_id"`
	TopicID   int64     `json:"topic_id"`
	ParentID  *int64    `json:"parent_id,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	ThreadID  *int64    `json:"thread_id,omitempty"`
	Label     Label     `json:"label,omitempty"`
	Processed bool      `json:"processed"`
}

// NewMessage builds an unprocessed message ready to be saved.
func NewMessage(chatID, topicID, messageID int64, text string, parentID *int64, createdAt time.Time) (*Message, error) {
	if messageID <= 0 {
		return nil, fmt.Errorf("invalid message id %d", messageID)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("message text is empty")
	}
	if parentID != nil && *parentID == messageID {
		parentID = nil
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return &Message{
		MessageID: messageID,
		ChatID:    chatID,
		TopicID:   topicID,
		ParentID:  parentID,
		Text:      text,
		CreatedAt: createdAt,
	}, nil
}

// Thread groups messages of one goal or blocker discussion.
type Thread struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Label     Label     `json:"label"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

// NewThread validates a thread before it is registered. Only goal and
// blocker labels spawn threads.
func NewThread(title string, label Label) (*Thread, error) {
	if !label.Threadable() {
		return nil, fmt.Errorf("label %q cannot own a thread", label)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("thread title is empty")
	}
	return &Thread{
		Title:     title,
		Label:     label,
		CreatedAt: time.Now(),
		Active:    true,
	}, nil
}

// ThreadContext is a thread annotated with member message texts of a window.
type ThreadContext struct {
	Thread
	Messages []string `json:"messages"`
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
