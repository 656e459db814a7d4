package models

import (
	"time"
)

type PostKind string

const (
	PostAnnounce PostKind = "announce"
	PostDigest   PostKind = "digest"
)

// ParsePostKind accepts the kind names and the legacy weekday aliases.
func ParsePostKind(s string) (PostKind, bool) {
	switch s {
	case "announce", "monday":
		return PostAnnounce, true
	case "digest", "friday":
		return PostDigest, true
	}
	return "", false
}

// Role returns the system topic role a post of this kind is published to.
func (k PostKind) Role() string {
	if k == PostDigest {
		return RoleDigest
	}
	return RoleAnnounce
}

type PostStatus string

const (
	PostPending   PostStatus = "pending"
	PostPublished PostStatus = "published"
)

// Post is an AI generated text waiting for (or past) reviewer approval.
type Post struct {
	ID                 int64      `json:"id"`
	Kind               PostKind   `json:"kind"`
	TopicID            int64      `json:"topic_id"`
	Text               string     `json:"text"`
	Status             PostStatus `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	PublishedAt        *time.Time `json:"published_at,omitempty"`
	PublishedMessageID int64      `json:"published_message_id,omitempty"`
}
