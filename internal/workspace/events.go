package workspace

import (
	"inkwell/api/internal/document"
	"inkwell/api/internal/transcript"
)

// TurnAppended fires for every new transcript turn.
type TurnAppended struct {
	Turn transcript.Turn `json:"turn"`
}

func (TurnAppended) Topic() string { return "transcript.appended" }

// TurnUpdated fires as a revealed turn grows and once more when it is frozen.
type TurnUpdated struct {
	Turn transcript.Turn `json:"turn"`
}

func (TurnUpdated) Topic() string { return "transcript.updated" }

type DocumentChanged struct {
	Source  string          `json:"source"`
	Version uint64          `json:"version"`
	Edits   []document.Edit `json:"edits"`
}

func (DocumentChanged) Topic() string { return "document.changed" }

// Banner is a persistent notice that needs out-of-band action.
type Banner struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type BannerRaised struct {
	Banner Banner `json:"banner"`
}

func (BannerRaised) Topic() string { return "banner.raised" }

type BannerDismissed struct{}

func (BannerDismissed) Topic() string { return "banner.dismissed" }

type ModeChanged struct {
	Mode string `json:"mode"`
}

func (ModeChanged) Topic() string { return "mode.changed" }

// VoiceFlagsUpdated reports how many flags from the latest analysis were placed.
type VoiceFlagsUpdated struct {
	Placed  int `json:"placed"`
	Dropped int `json:"dropped"`
}

func (VoiceFlagsUpdated) Topic() string { return "voice.updated" }
