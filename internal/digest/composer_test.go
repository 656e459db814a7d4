package digest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/topic-digest-bot/internal/models"
	"github.com/xaenox/topic-digest-bot/internal/storage"
	"go.uber.org/zap/zaptest"
)

type fakeAI struct {
	prompts []string
	reply   string
	err     error
}

func (f *fakeAI) Complete(ctx context.Context, prompt, preferredModel string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeReviewer struct {
	posts []models.Post
}

func (f *fakeReviewer) SendForReview(ctx context.Context, post *models.Post) error {
	f.posts = append(f.posts, *post)
	return nil
}

type fakePublisher struct {
	topicID int64
	text    string
	calls   int
}

func (f *fakePublisher) PublishToTopic(ctx context.Context, topicID int64, text string) (int64, error) {
	f.calls++
	f.topicID, f.text = topicID, text
	return 900 + int64(f.calls), nil
}

type fixture struct {
	t        *testing.T
	store    *storage.MemoryStorage
	ai       *fakeAI
	reviewer *fakeReviewer
	composer *Composer
	next     int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		store:    storage.NewMemoryStorage(zaptest.NewLogger(t)),
		ai:       &fakeAI{reply: "generated post"},
		reviewer: &fakeReviewer{},
	}
	f.composer = NewComposer(f.store, f.ai, DefaultConfig(), zaptest.NewLogger(t))
	f.composer.SetReviewer(f.reviewer)
	return f
}

func (f *fixture) message(topicID int64, text string, age time.Duration, threadID *int64, label models.Label) {
	f.t.Helper()
	f.next++
	m, err := models.NewMessage(-1001, topicID, f.next, text, nil, time.Now().Add(-age))
	require.NoError(f.t, err)
	require.True(f.t, f.store.SaveMessage(context.Background(), m))
	if threadID != nil {
		require.True(f.t, f.store.UpdateThreadAssignment(context.Background(), m.ID, threadID, label))
	}
}

func (f *fixture) thread(title string, label models.Label) *int64 {
	f.t.Helper()
	id, err := f.store.CreateThread(context.Background(), title, label)
	require.NoError(f.t, err)
	return &id
}

func (f *fixture) configure(role, promptType string, topicID int64) {
	f.t.Helper()
	ctx := context.Background()
	require.NoError(f.t, f.store.SetSystemTopic(ctx, role, topicID, role))
	require.NoError(f.t, f.store.SetPrompt(ctx, promptType, "Write the "+promptType+" post."))
}

func TestComposeAnnouncePreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.composer.ComposeAnnounce(ctx)
	assert.ErrorIs(t, err, ErrTopicNotConfigured)

	require.NoError(t, f.store.SetSystemTopic(ctx, models.RoleAnnounce, 10, "announce"))
	_, err = f.composer.ComposeAnnounce(ctx)
	assert.ErrorIs(t, err, ErrNoActiveThreads)

	f.message(1, "Ship v2", time.Hour, f.thread("Ship v2", models.LabelGoal), models.LabelGoal)
	_, err = f.composer.ComposeAnnounce(ctx)
	assert.ErrorIs(t, err, ErrPromptMissing)

	assert.Empty(t, f.ai.prompts)
	assert.Empty(t, f.reviewer.posts)
}

func TestComposeAnnounce(t *testing.T) {
	f := newFixture(t)
	f.configure(models.RoleAnnounce, "announce", 10)

	goal := f.thread("Ship v2", models.LabelGoal)
	for i := 1; i <= 6; i++ {
		f.message(1, fmt.Sprintf("v2 update %d", i), time.Duration(10-i)*time.Hour, goal, models.LabelGoal)
	}
	blocker := f.thread("No CI runners", models.LabelBlocker)
	f.message(2, "runners are gone", time.Hour, blocker, models.LabelBlocker)
	f.message(2, "plain chatter", time.Hour, nil, "")

	post, err := f.composer.ComposeAnnounce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.PostAnnounce, post.Kind)
	assert.Equal(t, int64(10), post.TopicID)
	assert.Equal(t, models.PostPending, post.Status)
	assert.Equal(t, "generated post", post.Text)

	require.Len(t, f.ai.prompts, 1)
	prompt := f.ai.prompts[0]
	assert.Contains(t, prompt, "Write the announce post.")
	assert.Contains(t, prompt, "Thread 'Ship v2' (goal): v2 update 1; v2 update 2; v2 update 3; v2 update 4; v2 update 5\n")
	assert.NotContains(t, prompt, "v2 update 6")
	assert.Contains(t, prompt, "Thread 'No CI runners' (blocker): runners are gone")
	assert.NotContains(t, prompt, "plain chatter")

	require.Len(t, f.reviewer.posts, 1)
	assert.Equal(t, post.ID, f.reviewer.posts[0].ID)

	saved, err := f.store.GetLastPost(context.Background(), models.PostAnnounce)
	require.NoError(t, err)
	assert.Equal(t, post.ID, saved.ID)
}

func TestComposeDigestPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.composer.ComposeDigest(ctx)
	assert.ErrorIs(t, err, ErrTopicNotConfigured)

	require.NoError(t, f.store.SetSystemTopic(ctx, models.RoleDigest, 11, "digest"))
	f.message(1, "too old", 10*24*time.Hour, nil, "")
	_, err = f.composer.ComposeDigest(ctx)
	assert.ErrorIs(t, err, ErrNoMessages)

	f.message(1, "fresh", time.Hour, nil, "")
	_, err = f.composer.ComposeDigest(ctx)
	assert.ErrorIs(t, err, ErrPromptMissing)
}

func TestComposeDigest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.configure(models.RoleDigest, "digest", 11)
	require.NoError(t, f.store.AddSourceTopic(ctx, 1, "product"))

	require.NoError(t, f.store.SavePost(ctx, &models.Post{
		Kind:    models.PostAnnounce,
		TopicID: 10,
		Text:    "Plans for the week:\n- Launch the mobile beta\n2. Hire a designer\nThanks!",
	}))

	goal := f.thread("Mobile beta launch", models.LabelGoal)
	f.message(1, "the mobile beta is live for testers", 2*time.Hour, goal, models.LabelGoal)
	blocker := f.thread("Staging database full", models.LabelBlocker)
	f.message(5, "staging db is out of disk", time.Hour, blocker, models.LabelBlocker)

	post, err := f.composer.ComposeDigest(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PostDigest, post.Kind)
	assert.Equal(t, int64(11), post.TopicID)

	prompt := f.ai.prompts[0]
	assert.Contains(t, prompt, "Write the digest post.")
	assert.Contains(t, prompt, "Period: "+time.Now().AddDate(0, 0, -7).Format("2006-01-02")+" to "+time.Now().Format("2006-01-02"))
	assert.Contains(t, prompt, "## product\n- the mobile beta is live for testers\n")
	assert.Contains(t, prompt, "## Topic 5\n- staging db is out of disk\n")
	assert.Contains(t, prompt, "- Launch the mobile beta: discussed this week\n")
	assert.Contains(t, prompt, "- Hire a designer: no updates this week\n")
	assert.Contains(t, prompt, "New goals:\n- Mobile beta launch\n")
	assert.Contains(t, prompt, "New blockers:\n- Staging database full\n")

	require.Len(t, f.reviewer.posts, 1)
}

func TestComposeAIFailureSavesNothing(t *testing.T) {
	f := newFixture(t)
	f.configure(models.RoleDigest, "digest", 11)
	f.message(1, "hello", time.Hour, nil, "")
	f.ai.err = errors.New("all AI models unavailable")

	_, err := f.composer.Compose(context.Background(), models.PostDigest)
	require.Error(t, err)

	_, err = f.store.GetLastPost(context.Background(), models.PostDigest)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, f.reviewer.posts)
}

func TestPublishAndEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	post := &models.Post{Kind: models.PostDigest, TopicID: 11, Text: "draft"}
	require.NoError(t, f.store.SavePost(ctx, post))

	edited, err := f.composer.Edit(ctx, post.ID, "final text")
	require.NoError(t, err)
	assert.Equal(t, "final text", edited.Text)
	require.Len(t, f.reviewer.posts, 1)
	assert.Equal(t, "final text", f.reviewer.posts[0].Text)

	publisher := &fakePublisher{}
	published, err := f.composer.Publish(ctx, post.ID, publisher)
	require.NoError(t, err)
	assert.Equal(t, int64(11), publisher.topicID)
	assert.Equal(t, "final text", publisher.text)
	assert.Equal(t, models.PostPublished, published.Status)
	assert.Equal(t, int64(901), published.PublishedMessageID)

	_, err = f.composer.Publish(ctx, post.ID, publisher)
	assert.ErrorIs(t, err, ErrAlreadyPublished)
	assert.Equal(t, 1, publisher.calls)

	_, err = f.composer.Edit(ctx, post.ID, "too late")
	assert.ErrorIs(t, err, ErrAlreadyPublished)

	_, err = f.composer.Publish(ctx, 999, publisher)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListItems(t *testing.T) {
	text := "Intro line\n- first goal\n* **second goal**\n• third\n1. fourth\n2) fifth\n-not a bullet\n"
	assert.Equal(t, []string{"first goal", "second goal", "third", "fourth", "fifth"}, listItems(text))
}

func TestGoalProgress(t *testing.T) {
	recent := []*models.Message{
		{Text: "Docs site migration finished yesterday"},
		{Text: "anyone up for lunch?"},
	}
	got := goalProgress([]string{"Migrate the docs site", "Find a sponsor", "docs site"}, recent)
	assert.Equal(t, []goalStatus{
		{goal: "Migrate the docs site", mentioned: true},
		{goal: "Find a sponsor", mentioned: false},
		{goal: "docs site", mentioned: true},
	}, got)
}
