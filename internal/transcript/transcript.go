// Package transcript keeps the ordered conversation for one document.
package transcript

import (
	"errors"
	"fmt"
	"time"

	"inkwell/api/internal/backend"
	"inkwell/api/internal/util"
)

var (
	ErrTurnNotFound = errors.New("turn not found")
	ErrNotStreaming = errors.New("turn is not streaming")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Kind string

const (
	KindMessage    Kind = "message"
	KindError      Kind = "error"
	KindAcceptance Kind = "acceptance"
)

type Turn struct {
	ID              string    `json:"id"`
	Role            Role      `json:"role"`
	Kind            Kind      `json:"kind"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"createdAt"`
	AttachedRangeID string    `json:"attachedRangeId,omitempty"`
	AttachedText    string    `json:"attachedText,omitempty"`
	FailureKind     string    `json:"failureKind,omitempty"`
	Streaming       bool      `json:"streaming,omitempty"`
}

// Focus is the highlighted range live when a user turn is appended.
type Focus struct {
	RangeID string
	Text    string
}

// Snapshot is the persisted form of a transcript.
type Snapshot struct {
	Turns        []Turn `json:"turns"`
	LastAttached string `json:"lastAttached,omitempty"`
}

type Transcript struct {
	turns        []Turn
	index        map[string]int
	lastAttached string
	now          func() time.Time
}

func New() *Transcript {
	return &Transcript{index: make(map[string]int), now: time.Now}
}

func (t *Transcript) append(turn Turn) Turn {
	turn.ID = util.NewID("turn")
	turn.CreatedAt = t.now().UTC()
	t.index[turn.ID] = len(t.turns)
	t.turns = append(t.turns, turn)
	return turn
}

// AppendUser adds a user message. The focus is attached only when its text
// differs from the last text that was attached, so follow-ups about the same
// highlight do not repeat it.
func (t *Transcript) AppendUser(content string, focus *Focus) Turn {
	turn := Turn{Role: RoleUser, Kind: KindMessage, Content: content}
	if focus != nil && focus.Text != "" && focus.Text != t.lastAttached {
		turn.AttachedRangeID = focus.RangeID
		turn.AttachedText = focus.Text
		t.lastAttached = focus.Text
	}
	return t.append(turn)
}

// ForgetAttachment lets the next highlight attach even if its text repeats.
func (t *Transcript) ForgetAttachment() {
	t.lastAttached = ""
}

func (t *Transcript) AppendAssistantPlaceholder() Turn {
	return t.append(Turn{Role: RoleAssistant, Kind: KindMessage, Streaming: true})
}

// Grow replaces the content of a streaming turn.
func (t *Transcript) Grow(turnID, content string) error {
	turn, err := t.streaming(turnID)
	if err != nil {
		return err
	}
	turn.Content = content
	return nil
}

// Freeze sets the final content and ends streaming.
func (t *Transcript) Freeze(turnID, content string) error {
	turn, err := t.streaming(turnID)
	if err != nil {
		return err
	}
	turn.Content = content
	turn.Streaming = false
	return nil
}

// Interrupt ends streaming and keeps whatever content was revealed.
func (t *Transcript) Interrupt(turnID string) error {
	turn, err := t.streaming(turnID)
	if err != nil {
		return err
	}
	turn.Streaming = false
	return nil
}

func (t *Transcript) streaming(turnID string) (*Turn, error) {
	i, ok := t.index[turnID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", turnID, ErrTurnNotFound)
	}
	turn := &t.turns[i]
	if !turn.Streaming {
		return nil, fmt.Errorf("%s: %w", turnID, ErrNotStreaming)
	}
	return turn, nil
}

// AppendFailure adds the assistant-side explanation of a failed request.
func (t *Transcript) AppendFailure(kind, message string) Turn {
	return t.append(Turn{Role: RoleAssistant, Kind: KindError, Content: message, FailureKind: kind})
}

func (t *Transcript) AppendAcceptance(appliedText string) Turn {
	return t.append(Turn{
		Role:    RoleAssistant,
		Kind:    KindAcceptance,
		Content: fmt.Sprintf("Applied suggestion: %q", appliedText),
	})
}

// SuggestionAnchor is the index of the turn a suggestion batch renders
// against: the last turn when it is an assistant turn and a batch exists.
// It returns -1 otherwise.
func (t *Transcript) SuggestionAnchor(hasBatch bool) int {
	if !hasBatch || len(t.turns) == 0 {
		return -1
	}
	last := len(t.turns) - 1
	if t.turns[last].Role != RoleAssistant {
		return -1
	}
	return last
}

func (t *Transcript) Get(turnID string) (Turn, bool) {
	i, ok := t.index[turnID]
	if !ok {
		return Turn{}, false
	}
	return t.turns[i], true
}

func (t *Transcript) Len() int { return len(t.turns) }

func (t *Transcript) Turns() []Turn {
	return append([]Turn(nil), t.turns...)
}

// History returns up to limit finished message turns, oldest first, in the
// shape the backend expects.
func (t *Transcript) History(limit int) []backend.HistoryMessage {
	out := make([]backend.HistoryMessage, 0)
	for _, turn := range t.turns {
		if turn.Kind != KindMessage || turn.Streaming || turn.Content == "" {
			continue
		}
		out = append(out, backend.HistoryMessage{Role: string(turn.Role), Content: turn.Content})
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (t *Transcript) Snapshot() Snapshot {
	return Snapshot{Turns: t.Turns(), LastAttached: t.lastAttached}
}

// Restore replaces the transcript with a snapshot. Turns saved mid-stream are
// restored as finished.
func (t *Transcript) Restore(s Snapshot) {
	t.turns = make([]Turn, 0, len(s.Turns))
	t.index = make(map[string]int, len(s.Turns))
	for _, turn := range s.Turns {
		turn.Streaming = false
		t.index[turn.ID] = len(t.turns)
		t.turns = append(t.turns, turn)
	}
	t.lastAttached = s.LastAttached
}
