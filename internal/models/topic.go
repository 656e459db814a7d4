package models

import "time"

// System topic roles.
const (
	RoleAnnounce = "announce"
	RoleDigest   = "digest"
)

// SourceTopic is a forum topic whose messages are ingested.
type SourceTopic struct {
	TopicID   int64     `json:"topic_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// SystemTopic maps a publication role to a forum topic.
type SystemTopic struct {
	Role      string    `json:"role"`
	TopicID   int64     `json:"topic_id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AIModel maps a short registry name to a backend model identifier.
type AIModel struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
}
