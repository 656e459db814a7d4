package classifier

import (
	"fmt"
	"strings"

	"github.com/xaenox/topic-digest-bot/internal/models"
)

const definitions = `DEFINITIONS:
"goal" is a new idea, project, research or task the community wants to accomplish or work through. It is a high-level, broad and long-term description of a desired result.
"blocker" is any event, problem or circumstance that hinders or prevents planned work on projects and reaching goals.
"other" is everything else: greetings, chatter, questions without a goal or a problem.
`

func writeMessages(b *strings.Builder, batch []*models.Message) {
	b.WriteString("\nMESSAGES:\n")
	for _, m := range batch {
		fmt.Fprintf(b, "[id=%d] %q\n", m.ID, m.Text)
	}
}

// recentContext joins the newest n texts and keeps the last chars runes.
func recentContext(texts []string, n, chars int) string {
	if len(texts) > n {
		texts = texts[len(texts)-n:]
	}
	joined := []rune(strings.Join(texts, " | "))
	if len(joined) > chars {
		joined = joined[len(joined)-chars:]
	}
	return string(joined)
}

func buildLinkPrompt(threads []*models.ThreadContext, batch []*models.Message, contextMessages, contextChars int) string {
	var b strings.Builder
	b.WriteString("You link new messages of an IT community chat to existing discussion threads by meaning.\n\n")
	b.WriteString(definitions)

	b.WriteString("\nACTIVE THREADS:\n")
	for _, t := range threads {
		fmt.Fprintf(&b, "Thread %d (%s): %s\n", t.ID, t.Label, t.Title)
		if len(t.Messages) > 0 {
			fmt.Fprintf(&b, "Messages: %s\n", recentContext(t.Messages, contextMessages, contextChars))
		}
	}

	writeMessages(&b, batch)

	b.WriteString(`
For every message decide whether it continues one of the active threads. Only use thread ids listed above.
Return a JSON array with exactly one object per message:
[{"message_id": <id>, "related": true | false, "thread_id": <thread id or null>, "confidence": <number from 0 to 1>}]
`)
	return b.String()
}

func buildClassifyPrompt(batch []*models.Message) string {
	var b strings.Builder
	b.WriteString("You classify messages of an IT community chat. Classify every message independently.\n\n")
	b.WriteString(definitions)

	writeMessages(&b, batch)

	b.WriteString(`
Return a JSON array with exactly one object per message:
[{"message_id": <id>, "classification": "goal" | "blocker" | "other", "confidence": <number from 0 to 1>, "title": "<short thread title, or null for other>"}]
`)
	return b.String()
}
