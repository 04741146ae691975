package workspace

import (
	"inkwell/api/internal/backend"
	"inkwell/api/internal/highlight"
	"inkwell/api/internal/selection"
	"inkwell/api/internal/sequencer"
	"inkwell/api/internal/suggest"
	"inkwell/api/internal/transcript"
)

// State is a consistent view of a workspace taken on its loop.
type State struct {
	DocumentID  string                     `json:"documentId"`
	Title       string                     `json:"title"`
	Text        string                     `json:"text"`
	Version     uint64                     `json:"version"`
	Mode        backend.InteractionMode    `json:"mode"`
	Profile     Profile                    `json:"profile"`
	Ranges      []highlight.Range          `json:"ranges"`
	Decorations []highlight.Decoration     `json:"decorations"`
	Selection   *selection.Event           `json:"selection,omitempty"`
	Turns       []transcript.Turn          `json:"turns"`
	Suggestions SuggestionState            `json:"suggestions"`
	Pending     []sequencer.PendingRequest `json:"pending"`
	Revealing   *RevealState               `json:"revealing,omitempty"`
	Banner      *Banner                    `json:"banner,omitempty"`
}

type SuggestionState struct {
	State     suggest.State  `json:"state"`
	Batch     *suggest.Batch `json:"batch,omitempty"`
	Accepting string         `json:"accepting,omitempty"`
	// Anchor is the transcript index the batch renders after, -1 for none.
	Anchor int `json:"anchor"`
}

type RevealState struct {
	TurnID string `json:"turnId"`
	Shown  int    `json:"shown"`
	Total  int    `json:"total"`
}

func (w *Workspace) state() State {
	text := w.doc.Text()
	st := State{
		DocumentID:  w.cfg.DocumentID,
		Title:       w.cfg.Title,
		Text:        text,
		Version:     w.doc.Version(),
		Mode:        w.mode,
		Profile:     w.profile,
		Ranges:      w.tracker.All(),
		Decorations: w.tracker.Decorations(text),
		Turns:       w.transcript.Turns(),
		Pending:     make([]sequencer.PendingRequest, 0, 2),
	}
	if w.selection != nil {
		sel := *w.selection
		st.Selection = &sel
	}
	if w.banner != nil {
		b := *w.banner
		st.Banner = &b
	}

	batch, hasBatch := w.life.Batch()
	st.Suggestions = SuggestionState{
		State:     w.life.State(),
		Accepting: w.life.AcceptingOption(),
		Anchor:    w.transcript.SuggestionAnchor(hasBatch && len(batch.Options) > 0),
	}
	if hasBatch {
		st.Suggestions.Batch = &batch
	}

	if p, ok := w.chat.Pending(); ok {
		st.Pending = append(st.Pending, p)
	}
	if p, ok := w.voice.Pending(); ok {
		st.Pending = append(st.Pending, p)
	}
	if turnID := w.revealer.Target(); turnID != "" {
		shown, total := w.revealer.Progress()
		st.Revealing = &RevealState{TurnID: turnID, Shown: shown, Total: total}
	}
	return st
}
