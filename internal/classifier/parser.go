package classifier

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xaenox/topic-digest-bot/internal/models"
)

// rawItem is one per-message verdict as recovered from an AI reply, before
// alignment with the requested message ids.
type rawItem struct {
	MessageID      int64
	HasID          bool
	Classification string
	Confidence     float64
	Title          string
	Related        bool
	ThreadID       *int64
}

// stage extracts items from a reply. ok=false hands over to the next stage.
type stage func(raw string) (items []rawItem, ok bool)

var stages = []stage{jsonStage, regexStage}

func extract(raw string) []rawItem {
	for _, s := range stages {
		if items, ok := s(raw); ok {
			return items
		}
	}
	return nil
}

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)\\s*```")

// cleanJSON strips code fences and surrounding prose.
func cleanJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		s = m[1]
	}

	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return s
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}

func jsonStage(raw string) ([]rawItem, bool) {
	cleaned := cleanJSON(raw)
	if cleaned == "" || !gjson.Valid(cleaned) {
		return nil, false
	}

	root := gjson.Parse(cleaned)
	var list []gjson.Result
	switch {
	case root.IsArray():
		list = root.Array()
	case root.IsObject():
		for _, key := range []string{"results", "messages", "items", "classifications"} {
			if nested := root.Get(key); nested.IsArray() {
				list = nested.Array()
				break
			}
		}
		if list == nil {
			list = []gjson.Result{root}
		}
	default:
		return nil, false
	}

	items := make([]rawItem, 0, len(list))
	for _, r := range list {
		if !r.IsObject() {
			continue
		}
		item := rawItem{
			Classification: r.Get("classification").String(),
			Confidence:     r.Get("confidence").Float(),
			Title:          strings.TrimSpace(r.Get("title").String()),
			Related:        r.Get("related").Bool(),
		}
		if id := r.Get("message_id"); id.Exists() && id.Type != gjson.Null {
			item.MessageID = id.Int()
			item.HasID = true
		}
		if tid := r.Get("thread_id"); tid.Exists() && tid.Type != gjson.Null {
			v := tid.Int()
			item.ThreadID = &v
		}
		items = append(items, item)
	}
	return items, len(items) > 0
}

var (
	objectPattern         = regexp.MustCompile(`\{[^{}]*\}`)
	messageIDPattern      = regexp.MustCompile(`["']?message_id["']?\s*:\s*["']?(\d+)`)
	classificationPattern = regexp.MustCompile(`["']?classification["']?\s*:\s*["']?(goal|blocker|other)`)
	confidencePattern     = regexp.MustCompile(`["']?confidence["']?\s*:\s*["']?([0-9]*\.?[0-9]+)`)
	titlePattern          = regexp.MustCompile(`["']title["']\s*:\s*(?:"((?:[^"\\]|\\.)*)"|'((?:[^'\\]|\\.)*)')`)
	relatedPattern        = regexp.MustCompile(`["']?related["']?\s*:\s*(?i:(true|false))`)
	threadIDPattern       = regexp.MustCompile(`["']?thread_id["']?\s*:\s*["']?(\d+)`)
)

// regexStage recovers fields from malformed JSON, one object-looking chunk
// at a time.
func regexStage(raw string) ([]rawItem, bool) {
	chunks := objectPattern.FindAllString(raw, -1)
	if len(chunks) == 0 {
		chunks = []string{raw}
	}

	items := make([]rawItem, 0, len(chunks))
	for _, chunk := range chunks {
		var item rawItem
		found := false
		if m := messageIDPattern.FindStringSubmatch(chunk); m != nil {
			if id, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				item.MessageID, item.HasID = id, true
			}
		}
		if m := classificationPattern.FindStringSubmatch(chunk); m != nil {
			item.Classification = m[1]
			found = true
		}
		if m := confidencePattern.FindStringSubmatch(chunk); m != nil {
			item.Confidence, _ = strconv.ParseFloat(m[1], 64)
		}
		if m := titlePattern.FindStringSubmatch(chunk); m != nil {
			// m[1] holds a double-quoted title, m[2] a single-quoted one.
			title := strings.ReplaceAll(m[2], `\'`, "'")
			if m[2] == "" {
				var err error
				if title, err = strconv.Unquote(`"` + m[1] + `"`); err != nil {
					title = m[1]
				}
			}
			item.Title = strings.TrimSpace(title)
		}
		if m := relatedPattern.FindStringSubmatch(chunk); m != nil {
			item.Related = strings.EqualFold(m[1], "true")
			found = true
		}
		if m := threadIDPattern.FindStringSubmatch(chunk); m != nil {
			if id, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				item.ThreadID = &id
			}
		}
		if found {
			items = append(items, item)
		}
	}
	return items, len(items) > 0
}

// align maps items onto the requested ids: by message_id when the item
// carries one, by position when it does not. Items naming an id that was
// not requested are dropped. Unmatched ids get -1.
func align(items []rawItem, ids []int64) []int {
	index := make(map[int64]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	slots := make([]int, len(ids))
	for i := range slots {
		slots[i] = -1
	}

	var positional []int
	for i, item := range items {
		if !item.HasID {
			positional = append(positional, i)
			continue
		}
		if slot, ok := index[item.MessageID]; ok && slots[slot] < 0 {
			slots[slot] = i
		}
	}

	for _, i := range positional {
		if i < len(slots) && slots[i] < 0 {
			slots[i] = i
		}
	}
	return slots
}

// ParseLinks turns a linking reply into one outcome per requested id.
func ParseLinks(raw string, ids []int64) []models.LinkOutcome {
	items := extract(raw)
	slots := align(items, ids)

	out := make([]models.LinkOutcome, len(ids))
	for i, id := range ids {
		if slots[i] < 0 {
			out[i] = models.DefaultLink(id)
			continue
		}
		item := items[slots[i]]
		out[i] = models.NewLinkOutcome(id, item.Related, item.ThreadID, item.Confidence)
	}
	return out
}

// ParseClassifications turns a classification reply into one outcome per
// requested id.
func ParseClassifications(raw string, ids []int64) []models.ClassificationOutcome {
	items := extract(raw)
	slots := align(items, ids)

	out := make([]models.ClassificationOutcome, len(ids))
	for i, id := range ids {
		if slots[i] < 0 {
			out[i] = models.DefaultClassification(id)
			continue
		}
		item := items[slots[i]]
		out[i] = models.NewClassificationOutcome(id, item.Classification, item.Confidence, item.Title)
	}
	return out
}
