package workspace

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"inkwell/api/internal/backend"
	"inkwell/api/internal/events"
	"inkwell/api/internal/search"
	"inkwell/api/internal/sequencer"
	"inkwell/api/internal/store"
	"inkwell/api/internal/suggest"
	"inkwell/api/internal/util"
)

// handler receives sequencer completions, reveal ticks and lifecycle events.
// Every method runs on the workspace loop.
type handler struct {
	w *Workspace
}

func (h *handler) HandleChat(req sequencer.PendingRequest, resp backend.ChatResponse) {
	w := h.w
	w.settleReveal()
	turn := w.transcript.AppendAssistantPlaceholder()
	w.bus.Publish(TurnAppended{Turn: turn})
	w.revealer.Start(resp.DialogueText, turn.ID)
}

// HandleSuggestions reveals the dialogue first; the batch is handed to the
// lifecycle once the reveal completes.
func (h *handler) HandleSuggestions(req sequencer.PendingRequest, resp backend.SuggestResponse) {
	w := h.w
	w.settleReveal()
	if strings.TrimSpace(resp.DialogueText) == "" {
		w.life.Receive(req.SequenceID, resp)
		return
	}
	turn := w.transcript.AppendAssistantPlaceholder()
	w.bus.Publish(TurnAppended{Turn: turn})
	w.deferred = &deferredBatch{requestID: req.SequenceID, turnID: turn.ID, resp: resp}
	w.revealer.Start(resp.DialogueText, turn.ID)
}

func (h *handler) HandleVoice(req sequencer.PendingRequest, resp backend.VoiceResponse) {
	w := h.w
	placed, dropped := w.placeVoiceFlags(req.Snapshot.DocumentText, resp.Flags)
	if dropped > 0 {
		w.logger.WithFields(logrus.Fields{"sequence_id": req.SequenceID, "dropped": dropped}).Info("workspace: voice flags no longer fit the document")
	}
	w.bus.Publish(VoiceFlagsUpdated{Placed: placed, Dropped: dropped})
}

func (h *handler) HandleFailure(req sequencer.PendingRequest, failure *sequencer.Failure) {
	w := h.w
	if req.Mode == sequencer.ModeSuggestionBatch {
		w.life.Fail(req.SequenceID)
	}
	w.raiseFailure(failure)
}

func (h *handler) RevealProgress(turnID, prefix string) {
	w := h.w
	if err := w.transcript.Grow(turnID, prefix); err != nil {
		w.logger.WithError(err).WithField("turn_id", turnID).Debug("workspace: reveal tick for a finished turn")
		return
	}
	w.publishTurn(turnID)
}

func (h *handler) RevealComplete(turnID, fullText string) {
	w := h.w
	if err := w.transcript.Freeze(turnID, fullText); err == nil {
		w.publishTurn(turnID)
	}
	if d := w.deferred; d != nil && d.turnID == turnID {
		w.deferred = nil
		w.life.Receive(d.requestID, d.resp)
	}
	w.saveTranscript()
}

func (h *handler) onEvent(ev events.Event) {
	switch e := ev.(type) {
	case suggest.Accepted:
		h.accepted(e)
	case suggest.AcceptFailed:
		h.w.raiseFailure(e.Failure)
	}
}

// accepted records the applied option. The body write was queued by the
// document change, so the revision and acceptance row follow it.
func (h *handler) accepted(e suggest.Accepted) {
	w := h.w
	turn := w.transcript.AppendAcceptance(e.Option.Text)
	w.bus.Publish(TurnAppended{Turn: turn})

	docID, body, author := w.cfg.DocumentID, w.doc.Text(), w.cfg.Author
	acc := store.Acceptance{
		ID:           util.NewID("acc"),
		DocumentID:   docID,
		BatchID:      e.Batch.ID,
		OptionID:     e.Option.ID,
		OriginalText: e.Batch.OriginalText,
		AppliedText:  e.Option.Text,
		Category:     e.Option.Category,
		RangeStart:   e.Replacement.Start,
		RangeEnd:     e.Replacement.End,
		Strategy:     e.Replacement.Strategy,
	}
	doc := search.DocumentRecord{ID: docID, Title: w.cfg.Title, Body: body, FolderID: w.cfg.FolderID}
	entry := w.logger.WithField("option_id", e.Option.ID)

	w.persist.enqueue("record acceptance", func(ctx context.Context) error {
		if w.deps.Revisions != nil {
			rev, err := w.deps.Revisions.Commit(docID, body, author, acceptanceMessage(e))
			if err != nil {
				entry.WithError(err).Warn("workspace: revision commit failed")
			} else {
				acc.Revision = rev.Hash
			}
		}
		if w.deps.Documents != nil {
			if err := w.deps.Documents.InsertAcceptance(ctx, acc); err != nil {
				return err
			}
		}
		if w.deps.Index != nil {
			w.deps.Index.IndexDocument(doc)
			w.deps.Index.IndexAcceptance(search.AcceptanceRecord{
				ID:           acc.ID,
				DocumentID:   docID,
				FolderID:     doc.FolderID,
				OriginalText: acc.OriginalText,
				AppliedText:  acc.AppliedText,
				Category:     acc.Category,
			})
		}
		return nil
	})
	w.saveTranscript()
}

func acceptanceMessage(e suggest.Accepted) string {
	subject := e.Option.Category
	if subject == "" {
		subject = "edit"
	}
	return fmt.Sprintf("Accept %s suggestion %s\n\n- %s\n+ %s", subject, e.Option.ID, e.Batch.OriginalText, e.Option.Text)
}
