// Package backend is the HTTP JSON client for the AI writing backend.
package backend

import "context"

// InteractionMode is how the assistant responds: conversationally or with
// direct text replacements.
type InteractionMode string

const (
	ModeChat   InteractionMode = "chat"
	ModeCoEdit InteractionMode = "co-edit"
)

func (m InteractionMode) Valid() bool {
	return m == ModeChat || m == ModeCoEdit
}

type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Preferences struct {
	Tone      string `json:"tone,omitempty"`
	Verbosity string `json:"verbosity,omitempty"`
}

type ChatRequest struct {
	Message            string           `json:"message"`
	DocumentText       string           `json:"documentText"`
	AuthorPersona      string           `json:"authorPersona"`
	HelpFocus          string           `json:"helpFocus"`
	ChatHistory        []HistoryMessage `json:"chatHistory"`
	LLMProvider        string           `json:"llmProvider"`
	UserPreferences    Preferences      `json:"userPreferences"`
	FeedbackOnPrevious string           `json:"feedbackOnPrevious,omitempty"`
	HighlightedText    string           `json:"highlightedText,omitempty"`
	HighlightID        string           `json:"highlightId,omitempty"`
	InteractionMode    InteractionMode  `json:"interactionMode"`
}

type ChatResponse struct {
	DialogueText  string `json:"dialogueText"`
	ThinkingTrail string `json:"thinkingTrail,omitempty"`
}

type SuggestRequest struct {
	ChatRequest
	Instruction string `json:"instruction"`
}

type Suggestion struct {
	ID          string  `json:"id"`
	Text        string  `json:"text"`
	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"`
	Category    string  `json:"category"`
}

type SuggestResponse struct {
	DialogueText   string       `json:"dialogueText"`
	Suggestions    []Suggestion `json:"suggestions"`
	HasSuggestions bool         `json:"hasSuggestions"`
	OriginalText   string       `json:"originalText"`
}

type AcceptRequest struct {
	SuggestionID     string `json:"suggestionId"`
	OriginalText     string `json:"originalText"`
	SuggestedText    string `json:"suggestedText"`
	FullDocumentText string `json:"fullDocumentText"`
	PositionHint     int    `json:"positionHint"`
}

type ReplacementInfo struct {
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Strategy string `json:"strategy,omitempty"`
}

type AcceptResponse struct {
	Success             bool            `json:"success"`
	UpdatedDocumentText string          `json:"updatedDocumentText"`
	ReplacementInfo     ReplacementInfo `json:"replacementInfo"`
	Error               string          `json:"error,omitempty"`
	DebugInfo           map[string]any  `json:"debugInfo,omitempty"`
}

type VoiceRequest struct {
	DocumentText string   `json:"documentText"`
	Characters   []string `json:"characters"`
}

type VoiceFlag struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Text       string  `json:"text"`
	Character  string  `json:"character"`
	Confidence float64 `json:"confidence"`
}

type VoiceResponse struct {
	Flags []VoiceFlag `json:"flags"`
}

// Client is the set of backend calls the editor core makes.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	Suggest(ctx context.Context, req SuggestRequest) (SuggestResponse, error)
	AcceptSuggestion(ctx context.Context, req AcceptRequest) (AcceptResponse, error)
	AnalyzeVoice(ctx context.Context, req VoiceRequest) (VoiceResponse, error)
}
