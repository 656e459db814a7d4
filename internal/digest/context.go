package digest

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/xaenox/topic-digest-bot/internal/models"
)

type threadEntry struct {
	thread   *models.Thread
	messages []string
}

func announceContext(entries []threadEntry) string {
	var b strings.Builder
	b.WriteString("Active discussions:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "Thread '%s' (%s): %s\n", e.thread.Title, e.thread.Label, strings.Join(e.messages, "; "))
	}
	return b.String()
}

type goalStatus struct {
	goal      string
	mentioned bool
}

type topicExcerpts struct {
	name  string
	texts []string
}

type digestContext struct {
	start     time.Time
	end       time.Time
	excerpts  []topicExcerpts
	carryOver []goalStatus
	goals     []*models.Thread
	blockers  []*models.Thread
}

func (d digestContext) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Period: %s to %s\n", d.start.Format("2006-01-02"), d.end.Format("2006-01-02"))

	b.WriteString("\nDiscussions by topic:\n")
	for _, t := range d.excerpts {
		fmt.Fprintf(&b, "## %s\n", t.name)
		for _, text := range t.texts {
			fmt.Fprintf(&b, "- %s\n", text)
		}
	}

	if len(d.carryOver) > 0 {
		b.WriteString("\nGoals from the previous announcement:\n")
		for _, g := range d.carryOver {
			status := "no updates this week"
			if g.mentioned {
				status = "discussed this week"
			}
			fmt.Fprintf(&b, "- %s: %s\n", g.goal, status)
		}
	}

	writeThreads(&b, "New goals", d.goals)
	writeThreads(&b, "New blockers", d.blockers)
	return b.String()
}

func writeThreads(b *strings.Builder, heading string, threads []*models.Thread) {
	fmt.Fprintf(b, "\n%s:\n", heading)
	if len(threads) == 0 {
		b.WriteString("- none\n")
		return
	}
	for _, t := range threads {
		fmt.Fprintf(b, "- %s\n", t.Title)
	}
}

// excerptsByTopic groups message texts by topic, oldest topic activity first.
func excerptsByTopic(messages []*models.Message, names map[int64]string, perTopic, chars int) []topicExcerpts {
	var order []int64
	grouped := make(map[int64][]string)
	for _, m := range messages {
		if _, seen := grouped[m.TopicID]; !seen {
			order = append(order, m.TopicID)
		}
		if len(grouped[m.TopicID]) < perTopic {
			grouped[m.TopicID] = append(grouped[m.TopicID], models.Truncate(m.Text, chars))
		}
	}

	out := make([]topicExcerpts, 0, len(order))
	for _, id := range order {
		name := names[id]
		if name == "" {
			name = fmt.Sprintf("Topic %d", id)
		}
		out = append(out, topicExcerpts{name: name, texts: grouped[id]})
	}
	return out
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)

// listItems extracts bullet and numbered list entries from a post.
func listItems(text string) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		m := listMarker.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		item := strings.Trim(strings.TrimSpace(m[1]), "*_")
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

// goalProgress marks goals that recent messages appear to talk about. The
// match is textual: either the whole goal occurs in a message, or at least
// half of its significant words do.
func goalProgress(goals []string, recent []*models.Message) []goalStatus {
	bodies := make([]string, 0, len(recent))
	for _, m := range recent {
		bodies = append(bodies, strings.ToLower(m.Text))
	}

	out := make([]goalStatus, 0, len(goals))
	for _, g := range goals {
		out = append(out, goalStatus{goal: g, mentioned: mentioned(strings.ToLower(g), bodies)})
	}
	return out
}

func mentioned(goal string, bodies []string) bool {
	words := keywords(goal)
	for _, body := range bodies {
		if strings.Contains(body, goal) {
			return true
		}
		if len(words) == 0 {
			continue
		}
		hits := 0
		for _, w := range words {
			if strings.Contains(body, w) {
				hits++
			}
		}
		if hits*2 >= len(words) {
			return true
		}
	}
	return false
}

func keywords(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r))
	}) {
		if len([]rune(w)) < 4 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
