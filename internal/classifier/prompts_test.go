package classifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xaenox/topic-digest-bot/internal/models"
)

func TestRecentContextKeepsNewestTexts(t *testing.T) {
	texts := []string{"kickoff", "draft schema", "schema reviewed", "migration merged"}

	assert.Equal(t, "draft schema | schema reviewed | migration merged", recentContext(texts, 3, 500))
	assert.Equal(t, "migration merged", recentContext(texts, 3, len("migration merged")))
	assert.Equal(t, "kickoff", recentContext(texts[:1], 3, 500))
	assert.Equal(t, "", recentContext(nil, 3, 500))
}

func TestLinkPromptShowsLatestThreadMessages(t *testing.T) {
	thread := &models.ThreadContext{
		Thread: models.Thread{ID: 12, Title: "Release v2", Label: models.LabelGoal},
		Messages: []string{
			"planning the release " + strings.Repeat("x", 600),
			"release notes drafted",
			"tagged rc1",
			"rc1 deployed to staging",
		},
	}
	batch := []*models.Message{{ID: 40, Text: "staging looks good"}}

	prompt := buildLinkPrompt([]*models.ThreadContext{thread}, batch, 3, 500)
	assert.Contains(t, prompt, "Thread 12 (goal): Release v2")
	assert.Contains(t, prompt, "Messages: release notes drafted | tagged rc1 | rc1 deployed to staging\n")
	assert.NotContains(t, prompt, "planning the release")
	assert.Contains(t, prompt, `[id=40] "staging looks good"`)
}
