// Package workspace coordinates one open document: its buffer, highlight
// ranges, selection, conversation, suggestions and voice analysis. All state
// lives on a single loop; callers reach it through Runner.Call.
package workspace

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"inkwell/api/internal/backend"
	"inkwell/api/internal/document"
	"inkwell/api/internal/events"
	"inkwell/api/internal/highlight"
	"inkwell/api/internal/loop"
	"inkwell/api/internal/reveal"
	"inkwell/api/internal/revisions"
	"inkwell/api/internal/search"
	"inkwell/api/internal/selection"
	"inkwell/api/internal/sequencer"
	"inkwell/api/internal/store"
	"inkwell/api/internal/suggest"
	"inkwell/api/internal/transcript"
)

var (
	ErrNotFound     = errors.New("workspace not found")
	ErrInvalidMode  = errors.New("unknown interaction mode")
	ErrEmptyMessage = errors.New("message is empty")
)

// Runner is the loop a workspace lives on.
type Runner interface {
	loop.Scheduler
	Call(ctx context.Context, fn func() error) error
}

type documentStore interface {
	UpdateDocumentBody(context.Context, string, string, int64) error
	InsertAcceptance(context.Context, store.Acceptance) error
}

type transcriptStore interface {
	SaveTranscript(context.Context, string, transcript.Snapshot) error
}

type revisionStore interface {
	Commit(string, string, string, string) (revisions.Revision, error)
}

type searchIndex interface {
	IndexDocument(search.DocumentRecord)
	IndexAcceptance(search.AcceptanceRecord)
}

// Deps are the collaborators of a workspace. Any of the stores may be nil.
type Deps struct {
	Client      backend.Client
	Documents   documentStore
	Transcripts transcriptStore
	Revisions   revisionStore
	Index       searchIndex
	Logger      logrus.FieldLogger
}

type Config struct {
	DocumentID        string
	Title             string
	FolderID          string
	Text              string
	Version           int64
	Mode              backend.InteractionMode
	Author            string
	LLMProvider       string
	HistoryLimit      int
	MaxPayloadChars   int
	BackendTimeout    time.Duration
	RevealInterval    time.Duration
	RevealChunk       int
	SelectionDebounce time.Duration
	SaveDelay         time.Duration
}

// Profile is the writer context sent with every conversational request.
type Profile struct {
	AuthorPersona string              `json:"authorPersona"`
	HelpFocus     string              `json:"helpFocus"`
	Preferences   backend.Preferences `json:"preferences"`
	LLMProvider   string              `json:"llmProvider,omitempty"`
}

type Message struct {
	Text     string `json:"text"`
	Feedback string `json:"feedback,omitempty"`
}

// deferredBatch is a suggestion response held back until its dialogue has
// been revealed.
type deferredBatch struct {
	requestID uint64
	turnID    string
	resp      backend.SuggestResponse
}

type Workspace struct {
	cfg    Config
	deps   Deps
	run    Runner
	logger logrus.FieldLogger
	bus    *events.Bus

	doc        *document.Buffer
	tracker    *highlight.Tracker
	watcher    *selection.Watcher
	transcript *transcript.Transcript
	chat       *sequencer.Sequencer
	voice      *sequencer.Sequencer
	revealer   *reveal.Revealer
	life       *suggest.Lifecycle
	persist    *persister

	mode      backend.InteractionMode
	profile   Profile
	raw       *selection.Raw
	selection *selection.Event
	banner    *Banner
	deferred  *deferredBatch
	saveTimer loop.Timer
	// baseVersion offsets buffer versions so stored versions keep increasing
	// across reopenings.
	baseVersion int64
}

// New builds a workspace on run. It must be called before run starts
// delivering callbacks for it, or from the loop itself.
func New(run Runner, cfg Config, deps Deps, restored *transcript.Snapshot) *Workspace {
	if !cfg.Mode.Valid() {
		cfg.Mode = backend.ModeChat
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.SaveDelay <= 0 {
		cfg.SaveDelay = 750 * time.Millisecond
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	logger = logger.WithField("document_id", cfg.DocumentID)

	w := &Workspace{
		cfg:         cfg,
		deps:        deps,
		run:         run,
		logger:      logger,
		bus:         events.NewBus(),
		doc:         document.New(cfg.Text),
		transcript:  transcript.New(),
		mode:        cfg.Mode,
		profile:     Profile{LLMProvider: cfg.LLMProvider},
		baseVersion: cfg.Version,
	}
	if restored != nil {
		w.transcript.Restore(*restored)
	}

	h := &handler{w: w}
	w.tracker = highlight.NewTracker(w.doc, w.bus)
	w.watcher = selection.NewWatcher(run, selection.SourceFunc(w.currentSelection), cfg.SelectionDebounce, w.onSelection)
	seqOpts := sequencer.Options{Timeout: cfg.BackendTimeout, MaxChars: cfg.MaxPayloadChars}
	w.chat = sequencer.New(run, deps.Client, h, logger.WithField("sequencer", "conversation"), seqOpts)
	w.voice = sequencer.New(run, deps.Client, h, logger.WithField("sequencer", "voice"), seqOpts)
	w.revealer = reveal.New(run, h, reveal.Options{Interval: cfg.RevealInterval, Chunk: cfg.RevealChunk})
	w.life = suggest.New(run, w.chat, w.tracker, w.doc, deps.Client, w.bus, logger, suggest.Options{AcceptTimeout: cfg.BackendTimeout})
	w.persist = newPersister(logger, cfg.BackendTimeout)

	w.doc.OnChange(w.onDocumentChange)
	w.bus.Subscribe(h.onEvent)
	return w
}

func (w *Workspace) ID() string { return w.cfg.DocumentID }

// Subscribe registers fn for every workspace event. fn runs on the loop and
// must not block.
func (w *Workspace) Subscribe(fn events.Handler) func() {
	return w.bus.Subscribe(fn)
}

// SubscribeFrom runs on the loop, so the returned state and the first
// delivered event are consistent.
func (w *Workspace) SubscribeFrom(ctx context.Context, fn events.Handler) (State, func(), error) {
	var (
		st    State
		unsub func()
	)
	err := w.run.Call(ctx, func() error {
		st = w.state()
		unsub = w.bus.Subscribe(fn)
		return nil
	})
	return st, unsub, err
}

// Select reports the surface's current selection and starts the debounce.
func (w *Workspace) Select(ctx context.Context, raw selection.Raw) error {
	return w.run.Call(ctx, func() error {
		w.raw = &raw
		w.watcher.Notify()
		return nil
	})
}

// SelectionChanged restarts the debounce without new selection data, as a
// bare selectionchange signal would.
func (w *Workspace) SelectionChanged(ctx context.Context) error {
	return w.run.Call(ctx, func() error {
		w.watcher.Notify()
		return nil
	})
}

func (w *Workspace) currentSelection() (selection.Raw, bool) {
	if w.raw == nil {
		return selection.Raw{}, false
	}
	return *w.raw, true
}

func (w *Workspace) onSelection(ev selection.Event) {
	if ev.Cleared() {
		w.selection = nil
		w.bus.Publish(ev)
		return
	}
	entry := w.logger.WithFields(logrus.Fields{"start": ev.Start, "end": ev.End})
	if got, ok := w.doc.Slice(ev.Start, ev.End); !ok || got != ev.Text {
		entry.Info("workspace: selection does not match the document, ignoring")
		w.selection = nil
		w.bus.Publish(selection.Event{})
		return
	}
	if _, err := w.tracker.Add(highlight.KindActive, ev.Start, ev.End, ev.Text, highlight.Metadata{}); err != nil {
		entry.WithError(err).Warn("workspace: could not place highlight")
		return
	}
	w.selection = &ev
	w.bus.Publish(ev)
}

// ClearHighlight removes the active discussion range.
func (w *Workspace) ClearHighlight(ctx context.Context) error {
	return w.run.Call(ctx, func() error {
		w.watcher.Cancel()
		w.raw = nil
		w.selection = nil
		w.tracker.RemoveAllOfKind(highlight.KindActive)
		w.transcript.ForgetAttachment()
		return nil
	})
}

// Edit applies user edits to the document.
func (w *Workspace) Edit(ctx context.Context, ops []document.Op) (uint64, error) {
	var version uint64
	err := w.run.Call(ctx, func() error {
		if _, err := w.doc.Apply(document.SourceUser, ops); err != nil {
			return err
		}
		version = w.doc.Version()
		return nil
	})
	return version, err
}

// ReplaceText swaps the whole document text, as a paste-over or reload would.
func (w *Workspace) ReplaceText(ctx context.Context, text string) (uint64, error) {
	var version uint64
	err := w.run.Call(ctx, func() error {
		w.doc.Replace(document.SourceUser, text)
		version = w.doc.Version()
		return nil
	})
	return version, err
}

func (w *Workspace) SetMode(ctx context.Context, mode backend.InteractionMode) error {
	if !mode.Valid() {
		return ErrInvalidMode
	}
	return w.run.Call(ctx, func() error {
		if w.mode == mode {
			return nil
		}
		w.mode = mode
		if mode == backend.ModeChat {
			w.life.Clear(suggest.ClearedByUser)
		}
		w.bus.Publish(ModeChanged{Mode: string(mode)})
		return nil
	})
}

func (w *Workspace) SetProfile(ctx context.Context, p Profile) error {
	return w.run.Call(ctx, func() error {
		if p.LLMProvider == "" {
			p.LLMProvider = w.cfg.LLMProvider
		}
		w.profile = p
		return nil
	})
}

// Send submits a writer message. In co-edit mode with a focused range it asks
// for a suggestion batch, otherwise for a conversational reply. The returned
// id identifies the backend request.
func (w *Workspace) Send(ctx context.Context, msg Message) (uint64, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return 0, ErrEmptyMessage
	}
	var id uint64
	err := w.run.Call(ctx, func() error {
		w.settleReveal()
		focus, hasFocus := w.focus()
		req := w.envelope(msg, focus)

		if sequencer.Route(w.mode, focus.SourceText) == sequencer.ModeSuggestionBatch {
			if st := w.life.State(); st == suggest.Generating || st == suggest.Accepting {
				return suggest.ErrBusy
			}
			w.appendUser(msg.Text, &focus)
			var err error
			id, err = w.life.Generate(focus, w.mode, backend.SuggestRequest{ChatRequest: req, Instruction: msg.Text})
			return err
		}

		w.life.Abandon()
		if hasFocus {
			w.appendUser(msg.Text, &focus)
		} else {
			w.appendUser(msg.Text, nil)
		}
		id = w.chat.Submit(sequencer.ModeChat, sequencer.Request{Chat: &req})
		return nil
	})
	return id, err
}

// focus is the range a message is about: the active highlight, or the range
// of the displayed suggestion batch.
func (w *Workspace) focus() (highlight.Range, bool) {
	if r, ok := w.tracker.Active(); ok {
		return r, true
	}
	if b, ok := w.life.Batch(); ok {
		if r, ok := w.tracker.Get(b.OriginalRangeID); ok {
			return r, true
		}
	}
	return highlight.Range{}, false
}

func (w *Workspace) envelope(msg Message, focus highlight.Range) backend.ChatRequest {
	provider := w.profile.LLMProvider
	if provider == "" {
		provider = w.cfg.LLMProvider
	}
	return backend.ChatRequest{
		Message:            msg.Text,
		DocumentText:       w.doc.Text(),
		AuthorPersona:      w.profile.AuthorPersona,
		HelpFocus:          w.profile.HelpFocus,
		ChatHistory:        w.transcript.History(w.cfg.HistoryLimit),
		LLMProvider:        provider,
		UserPreferences:    w.profile.Preferences,
		FeedbackOnPrevious: msg.Feedback,
		HighlightedText:    focus.SourceText,
		HighlightID:        focus.ID,
		InteractionMode:    w.mode,
	}
}

func (w *Workspace) appendUser(content string, focus *highlight.Range) {
	var f *transcript.Focus
	if focus != nil {
		f = &transcript.Focus{RangeID: focus.ID, Text: focus.SourceText}
	}
	turn := w.transcript.AppendUser(content, f)
	w.bus.Publish(TurnAppended{Turn: turn})
	w.saveTranscript()
}

// AcceptSuggestion starts applying an option of the displayed batch. The
// outcome arrives as a suggest.Accepted or suggest.AcceptFailed event.
func (w *Workspace) AcceptSuggestion(ctx context.Context, optionID string) error {
	return w.run.Call(ctx, func() error {
		return w.life.Accept(optionID)
	})
}

func (w *Workspace) ClearSuggestions(ctx context.Context) error {
	return w.run.Call(ctx, func() error {
		w.life.Clear(suggest.ClearedByUser)
		return nil
	})
}

// AnalyzeVoice asks the backend to flag passages by character voice.
func (w *Workspace) AnalyzeVoice(ctx context.Context, characters []string) (uint64, error) {
	var id uint64
	err := w.run.Call(ctx, func() error {
		req := backend.VoiceRequest{DocumentText: w.doc.Text(), Characters: characters}
		id = w.voice.Submit(sequencer.ModeVoiceAnalysis, sequencer.Request{Voice: &req})
		return nil
	})
	return id, err
}

func (w *Workspace) DismissBanner(ctx context.Context) error {
	return w.run.Call(ctx, func() error {
		if w.banner == nil {
			return nil
		}
		w.banner = nil
		w.bus.Publish(BannerDismissed{})
		return nil
	})
}

func (w *Workspace) State(ctx context.Context) (State, error) {
	var st State
	err := w.run.Call(ctx, func() error {
		st = w.state()
		return nil
	})
	return st, err
}

// Close stops pending timers, writes the latest body and transcript, and
// waits for queued persistence.
func (w *Workspace) Close(ctx context.Context) error {
	err := w.run.Call(ctx, func() error {
		w.watcher.Cancel()
		if _, ok := w.revealer.Stop(); ok {
			w.logger.Debug("workspace: reveal stopped on close")
		}
		if w.saveTimer != nil {
			w.saveTimer.Stop()
			w.saveTimer = nil
			w.saveBody()
		}
		w.saveTranscript()
		return nil
	})
	if err != nil && !errors.Is(err, loop.ErrClosed) {
		return err
	}
	flushErr := w.persist.flush(ctx)
	w.persist.close()
	return flushErr
}

// Flush waits until every write queued so far has run.
func (w *Workspace) Flush(ctx context.Context) error {
	return w.persist.flush(ctx)
}

func (w *Workspace) onDocumentChange(c document.Change) {
	w.tracker.Remap(c.Edits)
	w.bus.Publish(DocumentChanged{Source: c.Source.String(), Version: c.VersionAfter, Edits: c.Edits})

	if c.Source == document.SourceSuggestion {
		if w.saveTimer != nil {
			w.saveTimer.Stop()
			w.saveTimer = nil
		}
		w.saveBody()
		return
	}
	if w.saveTimer != nil {
		w.saveTimer.Stop()
	}
	w.saveTimer = w.run.AfterFunc(w.cfg.SaveDelay, func() {
		w.saveTimer = nil
		w.saveBody()
		w.indexDocument()
	})
}

func (w *Workspace) storedVersion() int64 {
	return w.baseVersion + int64(w.doc.Version())
}

func (w *Workspace) saveBody() {
	if w.deps.Documents == nil {
		return
	}
	id, body, version := w.cfg.DocumentID, w.doc.Text(), w.storedVersion()
	w.persist.enqueueLatest("save body", func(ctx context.Context) error {
		return w.deps.Documents.UpdateDocumentBody(ctx, id, body, version)
	})
}

func (w *Workspace) saveTranscript() {
	if w.deps.Transcripts == nil {
		return
	}
	id, snap := w.cfg.DocumentID, w.transcript.Snapshot()
	w.persist.enqueueLatest("save transcript", func(ctx context.Context) error {
		return w.deps.Transcripts.SaveTranscript(ctx, id, snap)
	})
}

func (w *Workspace) indexDocument() {
	if w.deps.Index == nil {
		return
	}
	rec := search.DocumentRecord{ID: w.cfg.DocumentID, Title: w.cfg.Title, Body: w.doc.Text(), FolderID: w.cfg.FolderID}
	w.persist.enqueueLatest("index document", func(context.Context) error {
		w.deps.Index.IndexDocument(rec)
		return nil
	})
}

// settleReveal ends a running reveal before anything new enters the
// transcript. A conversational reply keeps what was shown. A suggestion
// dialogue is completed and its batch delivered.
func (w *Workspace) settleReveal() {
	turnID, ok := w.revealer.Stop()
	if !ok {
		return
	}
	if d := w.deferred; d != nil && d.turnID == turnID {
		w.deferred = nil
		_ = w.transcript.Freeze(turnID, d.resp.DialogueText)
		w.publishTurn(turnID)
		w.life.Receive(d.requestID, d.resp)
	} else {
		_ = w.transcript.Interrupt(turnID)
		w.publishTurn(turnID)
	}
	w.saveTranscript()
}

func (w *Workspace) publishTurn(turnID string) {
	if turn, ok := w.transcript.Get(turnID); ok {
		w.bus.Publish(TurnUpdated{Turn: turn})
	}
}

func (w *Workspace) raiseFailure(f *sequencer.Failure) {
	turn := w.transcript.AppendFailure(string(f.Kind), f.Message)
	w.bus.Publish(TurnAppended{Turn: turn})
	if f.Banner() {
		b := Banner{Kind: string(f.Kind), Message: f.Message}
		w.banner = &b
		w.bus.Publish(BannerRaised{Banner: b})
	}
	w.saveTranscript()
}

// placeVoiceFlags replaces the voice ranges with flags computed against
// snapshot, moving them through whatever the writer typed since.
func (w *Workspace) placeVoiceFlags(snapshot string, flags []backend.VoiceFlag) (placed, dropped int) {
	w.tracker.RemoveAllOfKind(highlight.KindVoice)
	current := w.doc.Text()
	var edits []document.Edit
	if snapshot != current {
		edits = document.Diff(snapshot, current)
	}
	for _, f := range flags {
		if f.Text != "" {
			if got, ok := document.Slice(snapshot, f.Start, f.End); !ok || got != f.Text {
				dropped++
				continue
			}
		}
		start, end, ok := highlight.MapSpan(f.Start, f.End, edits)
		if !ok {
			dropped++
			continue
		}
		text, ok := w.doc.Slice(start, end)
		if !ok {
			dropped++
			continue
		}
		meta := highlight.Metadata{Character: f.Character, Confidence: f.Confidence}
		if _, err := w.tracker.Add(highlight.KindVoice, start, end, text, meta); err != nil {
			dropped++
			continue
		}
		placed++
	}
	return placed, dropped
}
