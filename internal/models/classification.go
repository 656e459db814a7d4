package models

// ClassificationOutcome is the per-message verdict of new-entity classification.
type ClassificationOutcome struct {
	MessageID  int64   `json:"message_id"`
	Label      Label   `json:"classification"`
	Confidence float64 `json:"confidence"`
	Title      string  `json:"title,omitempty"`
}

// NewClassificationOutcome normalizes the label and clamps confidence to [0,1].
// Unknown labels become other.
func NewClassificationOutcome(messageID int64, label string, confidence float64, title string) ClassificationOutcome {
	l, ok := ParseLabel(label)
	if !ok {
		l = LabelOther
	}
	return ClassificationOutcome{
		MessageID:  messageID,
		Label:      l,
		Confidence: clamp(confidence),
		Title:      title,
	}
}

// DefaultClassification is the guaranteed-safe verdict.
func DefaultClassification(messageID int64) ClassificationOutcome {
	return ClassificationOutcome{MessageID: messageID, Label: LabelOther}
}

// LinkOutcome is the per-message verdict of semantic linking.
type LinkOutcome struct {
	MessageID  int64   `json:"message_id"`
	Related    bool    `json:"related"`
	ThreadID   *int64  `json:"thread_id,omitempty"`
	Confidence float64 `json:"confidence"`
}

// NewLinkOutcome builds a link verdict. A related verdict without a thread
// id is downgraded to unrelated.
func NewLinkOutcome(messageID int64, related bool, threadID *int64, confidence float64) LinkOutcome {
	if threadID == nil || *threadID <= 0 {
		related = false
		threadID = nil
	}
	return LinkOutcome{
		MessageID:  messageID,
		Related:    related,
		ThreadID:   threadID,
		Confidence: clamp(confidence),
	}
}

// DefaultLink is the guaranteed-safe "unrelated" verdict.
func DefaultLink(messageID int64) LinkOutcome {
	return LinkOutcome{MessageID: messageID}
}

func clamp(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
