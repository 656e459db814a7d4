package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xaenox/topic-digest-bot/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

type dialect string

const (
	dialectPostgres dialect = "postgres"
	dialectSQLite   dialect = "sqlite"
)

// SQLStorage implements Storage on top of database/sql. PostgreSQL and
// SQLite share the queries; only placeholders and the schema differ.
type SQLStorage struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
	now     func() time.Time
}

func newSQLStorage(db *sql.DB, d dialect, logger *zap.Logger) (*SQLStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLStorage{
		db:      db,
		dialect: d,
		logger:  logger.Named(string(d) + "_storage"),
		now:     time.Now,
	}
	if err := s.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}
	return s, nil
}

func (s *SQLStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations/" + string(s.dialect) + ".sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}
	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

// SetClock overrides the time source used for timestamps and windows.
func (s *SQLStorage) SetClock(now func() time.Time) {
	s.now = now
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQLStorage) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStorage) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStorage) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStorage) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStorage) cutoff(days int) int64 {
	return s.now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableLabel(l models.Label) any {
	if l == "" {
		return nil
	}
	return string(l)
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	x := v.Int64
	return &x
}

type scanner interface {
	Scan(dest ...any) error
}

// Message methods

const messageColumns = `id, message_id, chat_id, topic_id, parent_id, thread_id, label, text, created_at, processed`

func scanMessage(row scanner) (*models.Message, error) {
	var (
		m         models.Message
		parentID  sql.NullInt64
		threadID  sql.NullInt64
		label     sql.NullString
		createdAt int64
	)
	err := row.Scan(&m.ID, &m.MessageID, &m.ChatID, &m.TopicID, &parentID, &threadID, &label, &m.Text, &createdAt, &m.Processed)
	if err != nil {
		return nil, err
	}
	m.ParentID = int64Ptr(parentID)
	m.ThreadID = int64Ptr(threadID)
	m.Label = models.Label(label.String)
	m.CreatedAt = time.Unix(createdAt, 0)
	return &m, nil
}

func (s *SQLStorage) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLStorage) SaveMessage(ctx context.Context, msg *models.Message) bool {
	if msg == nil || msg.MessageID <= 0 || strings.TrimSpace(msg.Text) == "" {
		s.logger.Error("Refusing to save invalid message")
		return false
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	query := `
		INSERT INTO messages (message_id, chat_id, topic_id, parent_id, thread_id, label, text, created_at, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, message_id) DO UPDATE SET text = excluded.text
		RETURNING id`

	var id int64
	err := s.queryRow(ctx, query,
		msg.MessageID,
		msg.ChatID,
		msg.TopicID,
		nullableInt(msg.ParentID),
		nullableInt(msg.ThreadID),
		nullableLabel(msg.Label),
		msg.Text,
		createdAt.Unix(),
		msg.Processed,
	).Scan(&id)
	if err != nil {
		s.logger.Error("Failed to save message",
			zap.Error(err),
			zap.Int64("message_id", msg.MessageID),
			zap.Int64("topic_id", msg.TopicID))
		return false
	}
	msg.ID = id
	return true
}

func (s *SQLStorage) GetMessage(ctx context.Context, chatID, messageID int64) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE chat_id = ? AND message_id = ?`
	m, err := scanMessage(s.queryRow(ctx, query, chatID, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting message: %w", err)
	}
	return m, nil
}

func (s *SQLStorage) GetUnprocessed(ctx context.Context) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE processed = ?
		ORDER BY created_at ASC, id ASC`
	return s.queryMessages(ctx, query, false)
}

func (s *SQLStorage) GetByPeriod(ctx context.Context, days int) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE created_at >= ?
		ORDER BY created_at ASC, id ASC`
	return s.queryMessages(ctx, query, s.cutoff(days))
}

func (s *SQLStorage) GetByThread(ctx context.Context, threadID int64) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE thread_id = ?
		ORDER BY created_at ASC, id ASC`
	return s.queryMessages(ctx, query, threadID)
}

func (s *SQLStorage) UpdateThreadAssignment(ctx context.Context, id int64, threadID *int64, label models.Label) bool {
	query := `
		UPDATE messages
		SET thread_id = ?, label = ?, processed = ?
		WHERE id = ?`

	result, err := s.exec(ctx, query, nullableInt(threadID), nullableLabel(label), true, id)
	if err != nil {
		s.logger.Error("Failed to update thread assignment", zap.Error(err), zap.Int64("id", id))
		return false
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		s.logger.Error("Failed to get rows affected", zap.Error(err), zap.Int64("id", id))
		return false
	}
	if rowsAffected == 0 {
		s.logger.Error("Failed to update thread assignment", zap.Int64("id", id), zap.Error(ErrNotFound))
		return false
	}
	return true
}

func (s *SQLStorage) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	result, err := s.exec(ctx, `DELETE FROM messages WHERE created_at < ?`, s.cutoff(days))
	if err != nil {
		return 0, fmt.Errorf("error deleting old messages: %w", err)
	}
	return result.RowsAffected()
}

// Thread methods

func (s *SQLStorage) CreateThread(ctx context.Context, title string, label models.Label) (int64, error) {
	t, err := models.NewThread(title, label)
	if err != nil {
		return 0, err
	}

	var id int64
	query := `INSERT INTO threads (title, label, created_at, active) VALUES (?, ?, ?, ?) RETURNING id`
	if err := s.queryRow(ctx, query, t.Title, string(t.Label), s.now().Unix(), true).Scan(&id); err != nil {
		return 0, fmt.Errorf("error creating thread: %w", err)
	}
	return id, nil
}

func scanThread(row scanner) (*models.Thread, error) {
	var (
		t         models.Thread
		label     string
		createdAt int64
	)
	if err := row.Scan(&t.ID, &t.Title, &label, &createdAt, &t.Active); err != nil {
		return nil, err
	}
	t.Label = models.Label(label)
	t.CreatedAt = time.Unix(createdAt, 0)
	return &t, nil
}

func (s *SQLStorage) GetThread(ctx context.Context, id int64) (*models.Thread, error) {
	query := `SELECT id, title, label, created_at, active FROM threads WHERE id = ?`
	t, err := scanThread(s.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting thread: %w", err)
	}
	return t, nil
}

func (s *SQLStorage) GetActiveThreads(ctx context.Context, days int) ([]*models.Thread, error) {
	query := `
		SELECT DISTINCT t.id, t.title, t.label, t.created_at, t.active
		FROM threads t
		JOIN messages m ON m.thread_id = t.id
		WHERE t.active = ? AND m.created_at >= ?
		ORDER BY t.created_at DESC, t.id DESC`

	rows, err := s.query(ctx, query, true, s.cutoff(days))
	if err != nil {
		return nil, fmt.Errorf("error querying active threads: %w", err)
	}
	defer rows.Close()

	threads := make([]*models.Thread, 0)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (s *SQLStorage) GetActiveThreadsWithMessages(ctx context.Context, topicID int64, days int) ([]*models.ThreadContext, error) {
	query := `
		SELECT t.id, t.title, t.label, t.created_at, t.active, m.text
		FROM threads t
		JOIN messages m ON m.thread_id = t.id
		WHERE t.active = ? AND m.topic_id = ? AND m.created_at >= ?
		ORDER BY t.created_at DESC, t.id DESC, m.created_at ASC, m.id ASC`

	rows, err := s.query(ctx, query, true, topicID, s.cutoff(days))
	if err != nil {
		return nil, fmt.Errorf("error querying thread context: %w", err)
	}
	defer rows.Close()

	result := make([]*models.ThreadContext, 0)
	var current *models.ThreadContext
	for rows.Next() {
		var (
			t         models.Thread
			label     string
			createdAt int64
			text      string
		)
		if err := rows.Scan(&t.ID, &t.Title, &label, &createdAt, &t.Active, &text); err != nil {
			return nil, fmt.Errorf("error scanning thread context: %w", err)
		}
		if current == nil || current.ID != t.ID {
			t.Label = models.Label(label)
			t.CreatedAt = time.Unix(createdAt, 0)
			current = &models.ThreadContext{Thread: t}
			result = append(result, current)
		}
		current.Messages = append(current.Messages, text)
	}
	return result, rows.Err()
}

// Topic methods

func (s *SQLStorage) AddSourceTopic(ctx context.Context, topicID int64, name string) error {
	query := `
		INSERT INTO source_topics (topic_id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (topic_id) DO UPDATE SET name = excluded.name`
	if _, err := s.exec(ctx, query, topicID, name, s.now().Unix()); err != nil {
		return fmt.Errorf("error adding source topic: %w", err)
	}
	return nil
}

func (s *SQLStorage) RemoveSourceTopic(ctx context.Context, topicID int64) (bool, error) {
	result, err := s.exec(ctx, `DELETE FROM source_topics WHERE topic_id = ?`, topicID)
	if err != nil {
		return false, fmt.Errorf("error removing source topic: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *SQLStorage) GetSourceTopics(ctx context.Context) ([]*models.SourceTopic, error) {
	rows, err := s.query(ctx, `SELECT topic_id, name, created_at FROM source_topics ORDER BY topic_id`)
	if err != nil {
		return nil, fmt.Errorf("error querying source topics: %w", err)
	}
	defer rows.Close()

	topics := make([]*models.SourceTopic, 0)
	for rows.Next() {
		var (
			t         models.SourceTopic
			name      sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&t.TopicID, &name, &createdAt); err != nil {
			return nil, fmt.Errorf("error scanning source topic: %w", err)
		}
		t.Name = name.String
		t.CreatedAt = time.Unix(createdAt, 0)
		topics = append(topics, &t)
	}
	return topics, rows.Err()
}

func (s *SQLStorage) IsSourceTopic(ctx context.Context, topicID int64) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM source_topics WHERE topic_id = ?`, topicID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error checking source topic: %w", err)
	}
	return true, nil
}

func (s *SQLStorage) SetSystemTopic(ctx context.Context, role string, topicID int64, name string) error {
	query := `
		INSERT INTO system_topics (role, topic_id, name, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (role) DO UPDATE SET topic_id = excluded.topic_id, name = excluded.name, updated_at = excluded.updated_at`
	if _, err := s.exec(ctx, query, role, topicID, name, s.now().Unix()); err != nil {
		return fmt.Errorf("error setting system topic: %w", err)
	}
	return nil
}

func (s *SQLStorage) GetSystemTopic(ctx context.Context, role string) (*models.SystemTopic, error) {
	var (
		t         models.SystemTopic
		name      sql.NullString
		updatedAt int64
	)
	query := `SELECT role, topic_id, name, updated_at FROM system_topics WHERE role = ?`
	err := s.queryRow(ctx, query, role).Scan(&t.Role, &t.TopicID, &name, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting system topic: %w", err)
	}
	t.Name = name.String
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

// Model methods

func (s *SQLStorage) AddModel(ctx context.Context, name, identifier string) (bool, error) {
	query := `INSERT INTO ai_models (name, identifier) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`
	result, err := s.exec(ctx, query, name, identifier)
	if err != nil {
		return false, fmt.Errorf("error adding model: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *SQLStorage) RemoveModel(ctx context.Context, name string) (bool, error) {
	result, err := s.exec(ctx, `DELETE FROM ai_models WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("error removing model: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *SQLStorage) GetModels(ctx context.Context) ([]models.AIModel, error) {
	rows, err := s.query(ctx, `SELECT name, identifier FROM ai_models ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error querying models: %w", err)
	}
	defer rows.Close()

	result := make([]models.AIModel, 0)
	for rows.Next() {
		var m models.AIModel
		if err := rows.Scan(&m.Name, &m.Identifier); err != nil {
			return nil, fmt.Errorf("error scanning model: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// Prompt methods

func (s *SQLStorage) GetPrompt(ctx context.Context, promptType string) (string, error) {
	var text string
	err := s.queryRow(ctx, `SELECT text FROM prompts WHERE type = ?`, promptType).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("error getting prompt: %w", err)
	}
	return text, nil
}

func (s *SQLStorage) SetPrompt(ctx context.Context, promptType, text string) error {
	query := `
		INSERT INTO prompts (type, text) VALUES (?, ?)
		ON CONFLICT (type) DO UPDATE SET text = excluded.text`
	if _, err := s.exec(ctx, query, promptType, text); err != nil {
		return fmt.Errorf("error setting prompt: %w", err)
	}
	return nil
}

// Post methods

const postColumns = `id, kind, topic_id, text, status, created_at, published_at, published_message_id`

func scanPost(row scanner) (*models.Post, error) {
	var (
		p           models.Post
		kind        string
		status      string
		createdAt   int64
		publishedAt sql.NullInt64
		publishedID sql.NullInt64
	)
	if err := row.Scan(&p.ID, &kind, &p.TopicID, &p.Text, &status, &createdAt, &publishedAt, &publishedID); err != nil {
		return nil, err
	}
	p.Kind = models.PostKind(kind)
	p.Status = models.PostStatus(status)
	p.CreatedAt = time.Unix(createdAt, 0)
	if publishedAt.Valid {
		at := time.Unix(publishedAt.Int64, 0)
		p.PublishedAt = &at
	}
	p.PublishedMessageID = publishedID.Int64
	return &p, nil
}

func (s *SQLStorage) SavePost(ctx context.Context, post *models.Post) error {
	if post.Status == "" {
		post.Status = models.PostPending
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = s.now()
	}

	query := `
		INSERT INTO posts (kind, topic_id, text, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`
	err := s.queryRow(ctx, query, string(post.Kind), post.TopicID, post.Text, string(post.Status), post.CreatedAt.Unix()).Scan(&post.ID)
	if err != nil {
		return fmt.Errorf("error saving post: %w", err)
	}
	return nil
}

func (s *SQLStorage) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	p, err := scanPost(s.queryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting post: %w", err)
	}
	return p, nil
}

func (s *SQLStorage) UpdatePostText(ctx context.Context, id int64, text string) error {
	result, err := s.exec(ctx, `UPDATE posts SET text = ? WHERE id = ?`, text, id)
	if err != nil {
		return fmt.Errorf("error updating post text: %w", err)
	}
	return requireRow(result)
}

func (s *SQLStorage) MarkPostPublished(ctx context.Context, id int64, publishedMessageID int64) error {
	query := `
		UPDATE posts
		SET status = ?, published_at = ?, published_message_id = ?
		WHERE id = ?`
	result, err := s.exec(ctx, query, string(models.PostPublished), s.now().Unix(), publishedMessageID, id)
	if err != nil {
		return fmt.Errorf("error marking post published: %w", err)
	}
	return requireRow(result)
}

func (s *SQLStorage) GetLastPost(ctx context.Context, kind models.PostKind) (*models.Post, error) {
	query := `
		SELECT ` + postColumns + `
		FROM posts
		WHERE kind = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`
	p, err := scanPost(s.queryRow(ctx, query, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting last post: %w", err)
	}
	return p, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}
