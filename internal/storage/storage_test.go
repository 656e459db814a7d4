package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/topic-digest-bot/internal/models"
	"go.uber.org/zap/zaptest"
)

var baseTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type clocked interface {
	Storage
	SetClock(now func() time.Time)
}

func backends(t *testing.T) map[string]func(t *testing.T) clocked {
	return map[string]func(t *testing.T) clocked{
		"memory": func(t *testing.T) clocked {
			return NewMemoryStorage(zaptest.NewLogger(t))
		},
		"sqlite": func(t *testing.T) clocked {
			s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "bot.db"), zaptest.NewLogger(t))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s clocked)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			s.SetClock(func() time.Time { return baseTime })
			fn(t, s)
		})
	}
}

func saveMsg(t *testing.T, s Storage, topicID, messageID int64, text string, age time.Duration) *models.Message {
	t.Helper()
	m, err := models.NewMessage(-100, topicID, messageID, text, nil, baseTime.Add(-age))
	require.NoError(t, err)
	require.True(t, s.SaveMessage(context.Background(), m))
	return m
}

func TestSaveMessageUpsert(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clocked) {
		ctx := context.Background()
		first := saveMsg(t, s, 7, 1, "hello", time.Hour)
		second := saveMsg(t, s, 7, 1, "hello, edited", time.Hour)

		assert.Equal(t, first.ID, second.ID)

		got, err := s.GetMessage(ctx, -100, 1)
		require.NoError(t, err)
		assert.Equal(t, "hello, edited", got.Text)
		assert.False(t, got.Processed)

		unprocessed, err := s.GetUnprocessed(ctx)
		require.NoError(t, err)
		assert.Len(t, unprocessed, 1)
	})
}

func TestSaveMessageRejectsInvalid(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clocked) {
		assert.False(t, s.SaveMessage(context.Background(), &models.Message{ChatID: -100, MessageID: 1}))
		assert.False(t, s.SaveMessage(context.Background(), nil))
		assert.False(t, s.SaveMessage(context.Background(), &models.Message{ChatID: -100, TopicID: 7, MessageID: 2, Text: " \n\t "}))

		unprocessed, err := s.GetUnprocessed(context.Background())
		require.NoError(t, err)
		assert.Empty(t, unprocessed)
	})
}

func TestGetMessageNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clocked) {
		_, err := s.GetMessage(context.Background(), -100, 42)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGetUnprocessedOrderAndAssignment(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clocked) {
		ctx := context.Background()
		late := saveMsg(t, s, 7, 2, "second", time.Minute)
		early := saveMsg(t, s, 7, 1, "first", time.Hour)

		unprocessed, err := s.GetUnprocessed(ctx)
		require.NoError(t, err)
		require.Len(t, unprocessed, 2)
		assert.Equal(t, early.ID, unprocessed[0].ID)
		assert.Equal(t, late.ID, unprocessed[1].ID)

		threadID, err := s.CreateThread(ctx, "Ship the beta", models.LabelGoal)
		require.NoError(t, err)

		assert.True(t, s.UpdateThreadAssignment(ctx, early.ID, &threadID, models.LabelGoal))
		assert.True(t, s.UpdateThreadAssignment(ctx, late.ID, nil, models.LabelOther))
		assert.False(t, s.UpdateThreadAssignment(ctx, 9999, nil, models.LabelOther))

		unprocessed, err = s.GetUnprocessed(ctx)
		require.NoError(t, err)
		assert.Empty(t, unprocessed)

		got, err := s.GetMessage(ctx, -100, 1)
		require.NoError(t, err)
		require.NotNil(t, got.ThreadID)
		assert.Equal(t, threadID, *got.ThreadID)
		assert.Equal(t, models.LabelGoal, got.Label)

		other, err := s.GetMessage(ctx, -100, 2)
		require.NoError(t, err)
		assert.Nil(t, other.ThreadID)
		assert.Equal(t, models.LabelOther, other.Label)
		assert.True(t, other.Processed)

		members, err := s.GetByThread(ctx, threadID)
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Equal(t, "first", members[0].Text)
	})
}

func TestCreateThreadValidation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clocked) {
		ctx := context.Background()
		_, err := s.CreateThread(ctx, "chatter", models.LabelOther)
		assert.Error(t, err)
		_, err = s.CreateThread(ctx, "", models.LabelBlocker)
		assert.Error(t, err)

		id, err := s.CreateThread(ctx, "CI is broken", models.LabelBlocker)
		require.NoError(t, err)
		thread, err := s.GetThread(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "CI is broken", thread.Title)
		assert.Equal(t, models.LabelBlocker, thread.Label)
		assert.True(t, thread.Active)

		_, err = s.GetThread(ctx, id+100)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestActiveThreadsWithMessagesIsTopicScoped(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clocked) {
		ctx := context.Background()
		inTopic, err := s.CreateThread(ctx, "Launch docs", models.LabelGoal)
		require.NoError(t, err)
		otherTopic, err := s.CreateThread(ctx, "Hiring", models.LabelGoal)
		require.NoError(t, err)
		stale, err := s.CreateThread(ctx, "Old blocker", models.LabelBlocker)
		require.NoError(t, err)

		a := saveMsg(t, s, 7, 1, "docs draft ready", 2*time.Hour)
		b := saveMsg(t, s, 7, 2, "docs reviewed", time.Hour)
		c := saveMsg(t, s, 9, 3, "interviewing", time.Hour)
		d := saveMsg(t, s, 7, 4, "ancient", 30*24*time.Hour)

		require.True(t, s.UpdateThreadAssignment(ctx, a.ID, &inTopic, models.LabelGoal))
		require.True(t, s.UpdateThreadAssignment(ctx, b.ID, &inTopic, models.LabelGoal))
		require.True(t, s.UpdateThreadAssignment(ctx, c.ID, &otherTopic, models.LabelGoal))
		require.True(t, s.UpdateThreadAssignment(ctx, d.ID, &stale, models.LabelBlocker))

		contexts, err := s.GetActiveThreadsWithMessages(ctx, 7, 7)
		require.NoError(t, err)
		require.Len(t, contexts, 1)
		assert.Equal(t, inTopic, contexts[0].ID)
		assert.Equal(t, []string{"docs draft ready", "docs reviewed"}, contexts[0].Messages)

		active, err := s.GetActiveThreads(ctx, 7)
		require.NoError(t, err)
		ids := make([]int64, 0, len(active))
		for _, thread := range active {
			ids = append(ids, thread.ID)
		}
		assert.ElementsMatch(t, []int64{inTopic, otherTopic}, ids)
	})
}

func TestGetByPeriodAndCleanup(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clocked) {
		ctx := context.Background()
		saveMsg(t, s, 7, 1, "old", 40*24*time.Hour)
		saveMsg(t, s, 7, 2, "recent", 24*time.Hour)

		recent, err := s.GetByPeriod(ctx, 7)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "recent", recent[0].Text)

		deleted, err := s.CleanupOlderThan(ctx, 30)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = s.GetMessage(ctx, -100, 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTopics(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clocked) {
		ctx := context.Background()
		require.NoError(t, s.AddSourceTopic(ctx, 9, "hiring"))
		require.NoError(t, s.AddSourceTopic(ctx, 7, "product"))
		require.NoError(t, s.AddSourceTopic(ctx, 7, "product-renamed"))

		topics, err := s.GetSourceTopics(ctx)
		require.NoError(t, err)
		require.Len(t, topics, 2)
		assert.Equal(t, int64(7), topics[0].TopicID)
		assert.Equal(t, "product-renamed", topics[0].Name)

		ok, err := s.IsSourceTopic(ctx, 9)
		require.NoError(t, err)
		assert.True(t, ok)

		removed, err := s.RemoveSourceTopic(ctx, 9)
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = s.RemoveSourceTopic(ctx, 9)
		require.NoError(t, err)
		assert.False(t, removed)

		ok, err = s.IsSourceTopic(ctx, 9)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.GetSystemTopic(ctx, models.RoleDigest)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SetSystemTopic(ctx, models.RoleDigest, 11, "digest"))
		require.NoError(t, s.SetSystemTopic(ctx, models.RoleDigest, 12, "weekly"))
		sys, err := s.GetSystemTopic(ctx, models.RoleDigest)
		require.NoError(t, err)
		assert.Equal(t, int64(12), sys.TopicID)
		assert.Equal(t, "weekly", sys.Name)
	})
}

func TestModelsKeepRegistrationOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clocked) {
		ctx := context.Background()
		added, err := s.AddModel(ctx, "primary", "openai/gpt-4o-mini")
		require.NoError(t, err)
		assert.True(t, added)
		added, err = s.AddModel(ctx, "backup", "anthropic/claude-3-haiku")
		require.NoError(t, err)
		assert.True(t, added)
		added, err = s.AddModel(ctx, "primary", "something/else")
		require.NoError(t, err)
		assert.False(t, added)

		list, err := s.GetModels(ctx)
		require.NoError(t, err)
		assert.Equal(t, []models.AIModel{
			{Name: "primary", Identifier: "openai/gpt-4o-mini"},
			{Name: "backup", Identifier: "anthropic/claude-3-haiku"},
		}, list)

		removed, err := s.RemoveModel(ctx, "primary")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = s.RemoveModel(ctx, "primary")
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

func TestPrompts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clocked) {
		ctx := context.Background()
		_, err := s.GetPrompt(ctx, "announce")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SetPrompt(ctx, "announce", "v1"))
		require.NoError(t, s.SetPrompt(ctx, "announce", "v2"))
		text, err := s.GetPrompt(ctx, "announce")
		require.NoError(t, err)
		assert.Equal(t, "v2", text)
	})
}

func TestPosts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clocked) {
		ctx := context.Background()
		_, err := s.GetLastPost(ctx, models.PostDigest)
		assert.ErrorIs(t, err, ErrNotFound)

		older := &models.Post{Kind: models.PostDigest, TopicID: 11, Text: "week 1", CreatedAt: baseTime.Add(-7 * 24 * time.Hour)}
		require.NoError(t, s.SavePost(ctx, older))
		newer := &models.Post{Kind: models.PostDigest, TopicID: 11, Text: "week 2"}
		require.NoError(t, s.SavePost(ctx, newer))
		announce := &models.Post{Kind: models.PostAnnounce, TopicID: 10, Text: "plans"}
		require.NoError(t, s.SavePost(ctx, announce))

		assert.NotZero(t, newer.ID)
		assert.Equal(t, models.PostPending, newer.Status)

		last, err := s.GetLastPost(ctx, models.PostDigest)
		require.NoError(t, err)
		assert.Equal(t, newer.ID, last.ID)

		require.NoError(t, s.UpdatePostText(ctx, newer.ID, "week 2, edited"))
		require.NoError(t, s.MarkPostPublished(ctx, newer.ID, 555))

		got, err := s.GetPost(ctx, newer.ID)
		require.NoError(t, err)
		assert.Equal(t, "week 2, edited", got.Text)
		assert.Equal(t, models.PostPublished, got.Status)
		assert.Equal(t, int64(555), got.PublishedMessageID)
		require.NotNil(t, got.PublishedAt)

		assert.ErrorIs(t, s.UpdatePostText(ctx, 9999, "x"), ErrNotFound)
		assert.ErrorIs(t, s.MarkPostPublished(ctx, 9999, 1), ErrNotFound)
		_, err = s.GetPost(ctx, 9999)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRebind(t *testing.T) {
	pg := &SQLStorage{dialect: dialectPostgres}
	lite := &SQLStorage{dialect: dialectSQLite}

	q := "SELECT * FROM messages WHERE chat_id = ? AND message_id = ?"
	assert.Equal(t, "SELECT * FROM messages WHERE chat_id = $1 AND message_id = $2", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}
