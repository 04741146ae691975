// Package suggest runs the suggestion batch state machine for one document.
package suggest

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"inkwell/api/internal/backend"
	"inkwell/api/internal/document"
	"inkwell/api/internal/events"
	"inkwell/api/internal/highlight"
	"inkwell/api/internal/loop"
	"inkwell/api/internal/sequencer"
	"inkwell/api/internal/util"
)

var (
	ErrNoActiveRange   = errors.New("no highlighted text to suggest against")
	ErrNotCoEdit       = errors.New("suggestions require co-edit mode")
	ErrBusy            = errors.New("suggestions are already being generated or applied")
	ErrNoBatch         = errors.New("no suggestions are displayed")
	ErrUnknownOption   = errors.New("unknown suggestion option")
	ErrDocumentChanged = errors.New("document changed while the suggestion was being applied")
)

const documentChangedMessage = "The document changed while the suggestion was being applied. Check the highlighted text and try accepting again."

type State int

const (
	None State = iota
	Generating
	Displayed
	Accepting
)

func (s State) String() string {
	switch s {
	case Generating:
		return "generating"
	case Displayed:
		return "displayed"
	case Accepting:
		return "accepting"
	default:
		return "none"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Option struct {
	ID          string  `json:"id"`
	Text        string  `json:"text"`
	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"`
	Category    string  `json:"category"`
	Disabled    bool    `json:"disabled,omitempty"`
}

type Batch struct {
	ID               string   `json:"id"`
	Options          []Option `json:"options"`
	OriginalRangeID  string   `json:"originalRangeId"`
	OriginalText     string   `json:"originalText"`
	AcceptedOptionID string   `json:"acceptedOptionId,omitempty"`
}

type ClearReason string

const (
	ClearedByUser      ClearReason = "cleared"
	ClearedByHighlight ClearReason = "new_highlight"
	ClearedByEdit      ClearReason = "range_lost"
)

type StateChanged struct {
	From State
	To   State
}

func (StateChanged) Topic() string { return "suggestions.state" }

type BatchDisplayed struct {
	Batch Batch
}

func (BatchDisplayed) Topic() string { return "suggestions.displayed" }

type BatchCleared struct {
	BatchID string
	Reason  ClearReason
}

func (BatchCleared) Topic() string { return "suggestions.cleared" }

type Accepted struct {
	Batch       Batch
	Option      Option
	Replacement backend.ReplacementInfo
	Change      document.Change
}

func (Accepted) Topic() string { return "suggestions.accepted" }

type AcceptFailed struct {
	OptionID string
	Failure  *sequencer.Failure
}

func (AcceptFailed) Topic() string { return "suggestions.accept_failed" }

// Submitter starts the suggestion request; the sequencer satisfies it.
type Submitter interface {
	Submit(mode sequencer.Mode, req sequencer.Request) uint64
}

type Ranges interface {
	Get(id string) (highlight.Range, bool)
	Add(kind highlight.Kind, start, end int, sourceText string, meta highlight.Metadata) (string, error)
	Remove(id string) error
}

type Document interface {
	Text() string
	Version() uint64
	Replace(source document.Source, text string) document.Change
}

type Acceptor interface {
	AcceptSuggestion(ctx context.Context, req backend.AcceptRequest) (backend.AcceptResponse, error)
}

type Options struct {
	AcceptTimeout time.Duration
}

type Lifecycle struct {
	sched     loop.Scheduler
	submitter Submitter
	ranges    Ranges
	doc       Document
	acceptor  Acceptor
	bus       *events.Bus
	logger    logrus.FieldLogger
	opts      Options

	state     State
	batch     *Batch
	focusID   string
	requestID uint64
	accepting string
	acceptGen uint64
}

func New(sched loop.Scheduler, submitter Submitter, ranges Ranges, doc Document, acceptor Acceptor, bus *events.Bus, logger logrus.FieldLogger, opts Options) *Lifecycle {
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = 30 * time.Second
	}
	l := &Lifecycle{
		sched:     sched,
		submitter: submitter,
		ranges:    ranges,
		doc:       doc,
		acceptor:  acceptor,
		bus:       bus,
		logger:    logger,
		opts:      opts,
	}
	bus.Subscribe(l.onEvent)
	return l
}

func (l *Lifecycle) onEvent(ev events.Event) {
	switch e := ev.(type) {
	case highlight.RangeAdded:
		if e.Range.Kind == highlight.KindActive && (l.state == Displayed || l.state == Generating) {
			l.Clear(ClearedByHighlight)
		}
	case highlight.RangeRemoved:
		if l.state == Displayed && l.batch != nil && e.Range.ID == l.batch.OriginalRangeID && e.Reason == highlight.RemovedCollapse {
			l.Clear(ClearedByEdit)
		}
	}
}

func (l *Lifecycle) setState(next State) {
	if l.state == next {
		return
	}
	prev := l.state
	l.state = next
	l.bus.Publish(StateChanged{From: prev, To: next})
}

// Generate asks for replacement options for the focused range.
func (l *Lifecycle) Generate(focus highlight.Range, mode backend.InteractionMode, req backend.SuggestRequest) (uint64, error) {
	if l.state == Generating || l.state == Accepting {
		return 0, ErrBusy
	}
	if focus.ID == "" || focus.SourceText == "" {
		return 0, ErrNoActiveRange
	}
	if mode != backend.ModeCoEdit {
		return 0, ErrNotCoEdit
	}
	if l.batch != nil {
		// Regenerating over the displayed batch keeps its range as the focus.
		cleared := l.batch.ID
		l.batch = nil
		l.bus.Publish(BatchCleared{BatchID: cleared, Reason: ClearedByUser})
	}

	l.focusID = focus.ID
	req.HighlightedText = focus.SourceText
	req.HighlightID = focus.ID
	req.InteractionMode = mode
	l.setState(Generating)
	l.requestID = l.submitter.Submit(sequencer.ModeSuggestionBatch, sequencer.Request{Suggest: &req})
	return l.requestID, nil
}

// Receive installs the batch answering requestID. It reports whether the
// response was used.
func (l *Lifecycle) Receive(requestID uint64, resp backend.SuggestResponse) bool {
	entry := l.logger.WithField("sequence_id", requestID)
	if l.state != Generating || requestID != l.requestID {
		entry.Debug("suggest: ignoring batch for an abandoned request")
		return false
	}
	if len(resp.Suggestions) == 0 {
		l.setState(None)
		l.releaseFocus(true)
		return false
	}
	focus, ok := l.ranges.Get(l.focusID)
	if !ok {
		entry.WithField("range_id", l.focusID).Info("suggest: focused range lost before batch arrived")
		l.focusID = ""
		l.setState(None)
		return false
	}

	batch := &Batch{ID: util.NewID("sug"), OriginalText: focus.SourceText}
	for _, s := range resp.Suggestions {
		batch.Options = append(batch.Options, Option{
			ID:          s.ID,
			Text:        s.Text,
			Explanation: s.Explanation,
			Confidence:  s.Confidence,
			Category:    s.Category,
		})
	}

	l.focusID = ""
	_ = l.ranges.Remove(focus.ID)
	rangeID, err := l.ranges.Add(highlight.KindSuggestion, focus.Start, focus.End, focus.SourceText, highlight.Metadata{SuggestionID: batch.ID})
	if err != nil {
		entry.WithError(err).Warn("suggest: could not place suggestion range")
		l.setState(None)
		return false
	}
	batch.OriginalRangeID = rangeID
	l.batch = batch
	l.setState(Displayed)
	l.bus.Publish(BatchDisplayed{Batch: l.view()})
	return true
}

// Fail ends generation for requestID.
func (l *Lifecycle) Fail(requestID uint64) {
	if l.state == Generating && requestID == l.requestID {
		l.setState(None)
		l.releaseFocus(true)
	}
}

// Abandon drops a generation whose request has been superseded.
func (l *Lifecycle) Abandon() {
	if l.state == Generating {
		l.logger.WithField("sequence_id", l.requestID).Debug("suggest: generation abandoned")
		l.setState(None)
		l.releaseFocus(true)
	}
}

// releaseFocus ends a regeneration that produced no batch. A focus that was
// the previous batch's suggestion range is removed, and with restore it comes
// back as the active highlight over the same span. The state must already be
// None so the restored highlight does not clear anything.
func (l *Lifecycle) releaseFocus(restore bool) {
	id := l.focusID
	l.focusID = ""
	r, ok := l.ranges.Get(id)
	if !ok || r.Kind != highlight.KindSuggestion {
		return
	}
	_ = l.ranges.Remove(id)
	if !restore {
		return
	}
	if _, err := l.ranges.Add(highlight.KindActive, r.Start, r.End, r.SourceText, highlight.Metadata{}); err != nil {
		l.logger.WithError(err).WithField("range_id", id).Warn("suggest: could not restore highlight")
	}
}

// Accept applies optionID through the backend. The outcome arrives later as
// an Accepted or AcceptFailed event.
func (l *Lifecycle) Accept(optionID string) error {
	if l.state == Accepting {
		return ErrBusy
	}
	if l.state != Displayed || l.batch == nil {
		return ErrNoBatch
	}
	var option Option
	found := false
	for _, o := range l.batch.Options {
		if o.ID == optionID {
			option, found = o, true
			break
		}
	}
	if !found {
		return ErrUnknownOption
	}
	target, ok := l.ranges.Get(l.batch.OriginalRangeID)
	if !ok {
		l.Clear(ClearedByEdit)
		return ErrNoActiveRange
	}

	l.accepting = optionID
	l.acceptGen++
	gen := l.acceptGen
	version := l.doc.Version()
	req := backend.AcceptRequest{
		SuggestionID:     option.ID,
		OriginalText:     target.SourceText,
		SuggestedText:    option.Text,
		FullDocumentText: l.doc.Text(),
		PositionHint:     target.Start,
	}
	l.setState(Accepting)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.AcceptTimeout)
		defer cancel()
		resp, err := l.acceptor.AcceptSuggestion(ctx, req)
		l.sched.Post(func() { l.finishAccept(gen, version, option, resp, err) })
	}()
	return nil
}

func (l *Lifecycle) finishAccept(gen, version uint64, option Option, resp backend.AcceptResponse, err error) {
	entry := l.logger.WithField("option_id", option.ID)
	if gen != l.acceptGen || l.state != Accepting || l.batch == nil {
		entry.Debug("suggest: ignoring accept result for a cleared batch")
		return
	}
	l.accepting = ""

	var failure *sequencer.Failure
	switch {
	case err != nil:
		failure = sequencer.Classify(err, 0, 0)
	case l.doc.Version() != version:
		failure = &sequencer.Failure{
			Kind:    sequencer.KindBadRequest,
			Message: documentChangedMessage,
			Detail:  ErrDocumentChanged.Error(),
		}
	}
	if failure != nil {
		entry.WithField("kind", failure.Kind).Warn("suggest: accept failed")
		l.setState(Displayed)
		l.bus.Publish(AcceptFailed{OptionID: option.ID, Failure: failure})
		return
	}

	batch := *l.batch
	batch.AcceptedOptionID = option.ID
	l.batch = nil
	l.setState(None)

	change := l.doc.Replace(document.SourceSuggestion, resp.UpdatedDocumentText)
	_ = l.ranges.Remove(batch.OriginalRangeID)
	l.bus.Publish(Accepted{Batch: batch, Option: option, Replacement: resp.ReplacementInfo, Change: change})
}

// Clear drops whatever the lifecycle holds and returns to None.
func (l *Lifecycle) Clear(reason ClearReason) {
	if l.state == None {
		return
	}
	l.acceptGen++
	l.accepting = ""
	batch := l.batch
	l.batch = nil
	l.setState(None)
	l.releaseFocus(false)
	if batch == nil {
		return
	}
	_ = l.ranges.Remove(batch.OriginalRangeID)
	l.bus.Publish(BatchCleared{BatchID: batch.ID, Reason: reason})
}

func (l *Lifecycle) State() State { return l.state }

// Batch returns the displayed batch. While an option is being accepted the
// other options are marked disabled.
func (l *Lifecycle) Batch() (Batch, bool) {
	if l.batch == nil {
		return Batch{}, false
	}
	return l.view(), true
}

// AcceptingOption is the option being applied, empty otherwise.
func (l *Lifecycle) AcceptingOption() string { return l.accepting }

// PendingRequest is the sequence id of the running generation, zero otherwise.
func (l *Lifecycle) PendingRequest() uint64 {
	if l.state != Generating {
		return 0
	}
	return l.requestID
}

func (l *Lifecycle) view() Batch {
	out := *l.batch
	out.Options = make([]Option, len(l.batch.Options))
	for i, o := range l.batch.Options {
		o.Disabled = l.state == Accepting && o.ID != l.accepting
		out.Options[i] = o
	}
	return out
}
