package workspace

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"inkwell/api/internal/backend"
	"inkwell/api/internal/document"
	"inkwell/api/internal/events"
	"inkwell/api/internal/highlight"
	"inkwell/api/internal/logging"
	"inkwell/api/internal/loop"
	"inkwell/api/internal/revisions"
	"inkwell/api/internal/search"
	"inkwell/api/internal/selection"
	"inkwell/api/internal/sequencer"
	"inkwell/api/internal/store"
	"inkwell/api/internal/suggest"
	"inkwell/api/internal/transcript"
)

type chatReply struct {
	resp backend.ChatResponse
	err  error
}

type suggestReply struct {
	resp backend.SuggestResponse
	err  error
}

type acceptReply struct {
	resp backend.AcceptResponse
	err  error
}

type voiceReply struct {
	resp backend.VoiceResponse
	err  error
}

// fakeClient blocks every call until the test releases a reply.
type fakeClient struct {
	mu          sync.Mutex
	chatGates   map[string]chan chatReply
	suggest     chan suggestReply
	accept      chan acceptReply
	voice       chan voiceReply
	suggestReqs []backend.SuggestRequest
	acceptReqs  []backend.AcceptRequest
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		chatGates: make(map[string]chan chatReply),
		suggest:   make(chan suggestReply, 1),
		accept:    make(chan acceptReply, 1),
		voice:     make(chan voiceReply, 1),
	}
}

func (f *fakeClient) chatGate(message string) chan chatReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate, ok := f.chatGates[message]
	if !ok {
		gate = make(chan chatReply, 1)
		f.chatGates[message] = gate
	}
	return gate
}

func (f *fakeClient) Chat(ctx context.Context, req backend.ChatRequest) (backend.ChatResponse, error) {
	select {
	case r := <-f.chatGate(req.Message):
		return r.resp, r.err
	case <-ctx.Done():
		return backend.ChatResponse{}, ctx.Err()
	}
}

func (f *fakeClient) Suggest(ctx context.Context, req backend.SuggestRequest) (backend.SuggestResponse, error) {
	f.mu.Lock()
	f.suggestReqs = append(f.suggestReqs, req)
	f.mu.Unlock()
	select {
	case r := <-f.suggest:
		return r.resp, r.err
	case <-ctx.Done():
		return backend.SuggestResponse{}, ctx.Err()
	}
}

func (f *fakeClient) AcceptSuggestion(ctx context.Context, req backend.AcceptRequest) (backend.AcceptResponse, error) {
	f.mu.Lock()
	f.acceptReqs = append(f.acceptReqs, req)
	f.mu.Unlock()
	select {
	case r := <-f.accept:
		return r.resp, r.err
	case <-ctx.Done():
		return backend.AcceptResponse{}, ctx.Err()
	}
}

func (f *fakeClient) AnalyzeVoice(ctx context.Context, req backend.VoiceRequest) (backend.VoiceResponse, error) {
	select {
	case r := <-f.voice:
		return r.resp, r.err
	case <-ctx.Done():
		return backend.VoiceResponse{}, ctx.Err()
	}
}

type bodySave struct {
	body    string
	version int64
}

type fakeStores struct {
	mu          sync.Mutex
	docs        map[string]store.Document
	loadErr     error
	saves       []bodySave
	acceptances []store.Acceptance
	transcripts map[string]transcript.Snapshot
	commits     []string
	ensured     []string
	indexedDocs []search.DocumentRecord
	indexedAccs []search.AcceptanceRecord
}

func newFakeStores() *fakeStores {
	return &fakeStores{
		docs:        make(map[string]store.Document),
		transcripts: make(map[string]transcript.Snapshot),
	}
}

func (f *fakeStores) GetDocument(_ context.Context, id string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return store.Document{}, f.loadErr
	}
	doc, ok := f.docs[id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStores) UpdateDocumentBody(_ context.Context, _ string, body string, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, bodySave{body: body, version: version})
	return nil
}

func (f *fakeStores) InsertAcceptance(_ context.Context, a store.Acceptance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acceptances = append(f.acceptances, a)
	return nil
}

func (f *fakeStores) SaveTranscript(_ context.Context, id string, snap transcript.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts[id] = snap
	return nil
}

func (f *fakeStores) LoadTranscript(_ context.Context, id string) (transcript.Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.transcripts[id]
	return snap, ok, nil
}

func (f *fakeStores) EnsureRepo(id, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, id)
	return nil
}

func (f *fakeStores) Commit(_, body, _, message string) (revisions.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, message)
	return revisions.Revision{Hash: "abc1234", Message: message}, nil
}

func (f *fakeStores) IndexDocument(doc search.DocumentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexedDocs = append(f.indexedDocs, doc)
}

func (f *fakeStores) IndexAcceptance(a search.AcceptanceRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexedAccs = append(f.indexedAccs, a)
}

type harness struct {
	ws     *Workspace
	loop   *loop.Manual
	client *fakeClient
	stores *fakeStores
	events []events.Event
}

func testConfig(text string) Config {
	return Config{
		DocumentID:        "doc_1",
		Title:             "Chapter One",
		Text:              text,
		Author:            "Avery Quinn",
		LLMProvider:       "anthropic",
		BackendTimeout:    5 * time.Second,
		RevealInterval:    16 * time.Millisecond,
		RevealChunk:       3,
		SelectionDebounce: 50 * time.Millisecond,
		SaveDelay:         500 * time.Millisecond,
	}
}

func newHarness(t *testing.T, text string) *harness {
	t.Helper()
	h := &harness{loop: loop.NewManual(), client: newFakeClient(), stores: newFakeStores()}
	deps := Deps{
		Client:      h.client,
		Documents:   h.stores,
		Transcripts: h.stores,
		Revisions:   h.stores,
		Index:       h.stores,
		Logger:      logging.Discard(),
	}
	h.ws = New(h.loop, testConfig(text), deps, nil)
	h.ws.Subscribe(func(ev events.Event) { h.events = append(h.events, ev) })
	t.Cleanup(func() { _ = h.ws.Close(context.Background()) })
	return h
}

func (h *harness) step(t *testing.T) {
	t.Helper()
	require.True(t, h.loop.Step(time.Second), "expected a completion on the loop")
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	st, err := h.ws.State(context.Background())
	require.NoError(t, err)
	return st
}

func (h *harness) topics() []string {
	out := make([]string, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Topic())
	}
	return out
}

func (h *harness) highlight(t *testing.T, text string, start int) {
	t.Helper()
	raw := selection.Raw{
		Text:      text,
		Start:     start,
		End:       start + len([]rune(text)),
		Bounds:    selection.Rect{Left: 100, Top: 200, Width: 80, Height: 18},
		Container: selection.Rect{Left: 0, Top: 0, Width: 800, Height: 1000},
	}
	require.NoError(t, h.ws.Select(context.Background(), raw))
	h.loop.Advance(50 * time.Millisecond)
}

func rangesOfKind(st State, kind highlight.Kind) []highlight.Range {
	var out []highlight.Range
	for _, r := range st.Ranges {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func threeOptions() backend.SuggestResponse {
	return backend.SuggestResponse{
		DialogueText:   "Here are three tighter options.",
		HasSuggestions: true,
		Suggestions: []backend.Suggestion{
			{ID: "opt1", Text: "the swift fox", Explanation: "Sharper adjective", Confidence: 0.8, Category: "style"},
			{ID: "opt2", Text: "the fox", Explanation: "Cut the modifier", Confidence: 0.7, Category: "concision"},
			{ID: "opt3", Text: "a quick fox", Explanation: "Indefinite article", Confidence: 0.5, Category: "grammar"},
		},
	}
}

func foxDocument() (string, int) {
	head := "Morning light crept across the valley, and "
	tail := " slipped between the birches without a sound."
	pad := strings.Repeat(" Then the field went quiet.", 10)
	text := (head + "the quick fox" + tail + pad)[:200]
	return text, len(head)
}

func TestSuggestionAcceptEndToEnd(t *testing.T) {
	ctx := context.Background()
	text, start := foxDocument()
	h := newHarness(t, text)

	require.NoError(t, h.ws.SetMode(ctx, backend.ModeCoEdit))
	h.highlight(t, "the quick fox", start)

	st := h.state(t)
	active := rangesOfKind(st, highlight.KindActive)
	require.Len(t, active, 1)
	require.Equal(t, start, active[0].Start)
	require.Equal(t, start+13, active[0].End)
	require.NotNil(t, st.Selection)

	id, err := h.ws.Send(ctx, Message{Text: "tighten this"})
	require.NoError(t, err)
	require.NotZero(t, id)
	require.Equal(t, suggest.Generating, h.state(t).Suggestions.State)

	_, err = h.ws.Send(ctx, Message{Text: "again"})
	require.ErrorIs(t, err, suggest.ErrBusy)

	h.client.suggest <- suggestReply{resp: threeOptions()}
	h.step(t)

	// The batch waits for its dialogue to finish revealing.
	st = h.state(t)
	require.Equal(t, suggest.Generating, st.Suggestions.State)
	require.NotNil(t, st.Revealing)
	require.Len(t, st.Turns, 2)
	require.Equal(t, "the quick fox", st.Turns[0].AttachedText)
	require.True(t, st.Turns[1].Streaming)

	h.loop.Advance(time.Second)
	st = h.state(t)
	require.Equal(t, suggest.Displayed, st.Suggestions.State)
	require.NotNil(t, st.Suggestions.Batch)
	require.Len(t, st.Suggestions.Batch.Options, 3)
	require.Equal(t, 1, st.Suggestions.Anchor)
	require.Equal(t, "Here are three tighter options.", st.Turns[1].Content)
	require.False(t, st.Turns[1].Streaming)
	require.Empty(t, rangesOfKind(st, highlight.KindActive))
	sugRanges := rangesOfKind(st, highlight.KindSuggestion)
	require.Len(t, sugRanges, 1)
	require.Equal(t, start, sugRanges[0].Start)
	require.Equal(t, st.Suggestions.Batch.ID, sugRanges[0].Metadata.SuggestionID)

	h.client.mu.Lock()
	require.Len(t, h.client.suggestReqs, 1)
	require.Equal(t, "the quick fox", h.client.suggestReqs[0].HighlightedText)
	require.Equal(t, "tighten this", h.client.suggestReqs[0].Instruction)
	require.Equal(t, backend.ModeCoEdit, h.client.suggestReqs[0].InteractionMode)
	h.client.mu.Unlock()

	require.NoError(t, h.ws.AcceptSuggestion(ctx, "opt2"))
	st = h.state(t)
	require.Equal(t, suggest.Accepting, st.Suggestions.State)
	require.Equal(t, "opt2", st.Suggestions.Accepting)
	for _, o := range st.Suggestions.Batch.Options {
		require.Equal(t, o.ID != "opt2", o.Disabled)
	}

	updated := text[:start] + "the fox" + text[start+13:]
	h.client.accept <- acceptReply{resp: backend.AcceptResponse{
		Success:             true,
		UpdatedDocumentText: updated,
		ReplacementInfo:     backend.ReplacementInfo{Start: start, End: start + 7, Strategy: "exact"},
	}}
	h.step(t)

	st = h.state(t)
	require.Equal(t, suggest.None, st.Suggestions.State)
	require.Nil(t, st.Suggestions.Batch)
	require.Equal(t, updated, st.Text)
	require.Equal(t, uint64(1), st.Version)
	require.Empty(t, rangesOfKind(st, highlight.KindActive))
	require.Empty(t, rangesOfKind(st, highlight.KindSuggestion))
	last := st.Turns[len(st.Turns)-1]
	require.Equal(t, transcript.KindAcceptance, last.Kind)
	require.Contains(t, last.Content, "the fox")

	h.client.mu.Lock()
	require.Len(t, h.client.acceptReqs, 1)
	require.Equal(t, "the quick fox", h.client.acceptReqs[0].OriginalText)
	require.Equal(t, "the fox", h.client.acceptReqs[0].SuggestedText)
	require.Equal(t, start, h.client.acceptReqs[0].PositionHint)
	h.client.mu.Unlock()

	require.NoError(t, h.ws.Flush(ctx))
	h.stores.mu.Lock()
	defer h.stores.mu.Unlock()
	require.Equal(t, []bodySave{{body: updated, version: 1}}, h.stores.saves)
	require.Len(t, h.stores.acceptances, 1)
	acc := h.stores.acceptances[0]
	require.Equal(t, "opt2", acc.OptionID)
	require.Equal(t, "the quick fox", acc.OriginalText)
	require.Equal(t, "abc1234", acc.Revision)
	require.Len(t, h.stores.commits, 1)
	require.Contains(t, h.stores.commits[0], "concision")
	require.Len(t, h.stores.indexedDocs, 1)
	require.Len(t, h.stores.indexedAccs, 1)
	require.Len(t, h.stores.transcripts["doc_1"].Turns, 3)
}

func TestStaleChatResponseIsDiscarded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A short draft.")

	_, err := h.ws.Send(ctx, Message{Text: "hello"})
	require.NoError(t, err)
	_, err = h.ws.Send(ctx, Message{Text: "world"})
	require.NoError(t, err)

	h.client.chatGate("world") <- chatReply{resp: backend.ChatResponse{DialogueText: "reply to world"}}
	h.step(t)
	h.client.chatGate("hello") <- chatReply{resp: backend.ChatResponse{DialogueText: "reply to hello"}}
	h.step(t)
	h.loop.Advance(time.Second)

	st := h.state(t)
	require.Len(t, st.Turns, 3)
	require.Equal(t, "hello", st.Turns[0].Content)
	require.Equal(t, "world", st.Turns[1].Content)
	require.Equal(t, "reply to world", st.Turns[2].Content)
	require.Empty(t, st.Pending)
}

func TestStaleFailureIsNotSurfaced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A short draft.")

	_, err := h.ws.Send(ctx, Message{Text: "hello"})
	require.NoError(t, err)
	_, err = h.ws.Send(ctx, Message{Text: "world"})
	require.NoError(t, err)

	h.client.chatGate("hello") <- chatReply{err: &backend.StatusError{Status: 500, Message: "boom"}}
	h.step(t)

	st := h.state(t)
	require.Len(t, st.Turns, 2)
	require.Len(t, st.Pending, 1)
}

func TestNewMessageInterruptsReveal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A short draft.")
	full := "The fox ran far into the woods tonight."

	_, err := h.ws.Send(ctx, Message{Text: "first"})
	require.NoError(t, err)
	h.client.chatGate("first") <- chatReply{resp: backend.ChatResponse{DialogueText: full}}
	h.step(t)
	h.loop.Advance(32 * time.Millisecond)

	_, err = h.ws.Send(ctx, Message{Text: "second"})
	require.NoError(t, err)

	st := h.state(t)
	require.Len(t, st.Turns, 3)
	partial := st.Turns[1]
	require.False(t, partial.Streaming)
	require.NotEmpty(t, partial.Content)
	require.Less(t, len(partial.Content), len(full))
	require.True(t, strings.HasPrefix(full, partial.Content))
	require.Nil(t, st.Revealing)

	h.loop.Advance(time.Second)
	st = h.state(t)
	require.Equal(t, partial.Content, st.Turns[1].Content)
}

func TestAuthFailureRaisesBanner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A short draft.")

	_, err := h.ws.Send(ctx, Message{Text: "hello"})
	require.NoError(t, err)
	h.client.chatGate("hello") <- chatReply{err: &backend.StatusError{Status: 401, Message: "expired"}}
	h.step(t)

	st := h.state(t)
	require.Len(t, st.Turns, 2)
	require.Equal(t, transcript.KindError, st.Turns[1].Kind)
	require.Equal(t, string(sequencer.KindAuth), st.Turns[1].FailureKind)
	require.NotNil(t, st.Banner)
	require.Equal(t, "auth", st.Banner.Kind)
	require.Contains(t, h.topics(), "banner.raised")

	require.NoError(t, h.ws.DismissBanner(ctx))
	require.Nil(t, h.state(t).Banner)
	require.Contains(t, h.topics(), "banner.dismissed")
}

func TestRateLimitFailureHasNoBanner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A short draft.")

	_, err := h.ws.Send(ctx, Message{Text: "hello"})
	require.NoError(t, err)
	h.client.chatGate("hello") <- chatReply{err: &backend.StatusError{Status: 429, Message: "slow down"}}
	h.step(t)

	st := h.state(t)
	require.Len(t, st.Turns, 2)
	require.Equal(t, string(sequencer.KindRateLimit), st.Turns[1].FailureKind)
	require.Nil(t, st.Banner)
}

func TestOversizedRequestAsksToShorten(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A short draft.")

	_, err := h.ws.Send(ctx, Message{Text: "hello"})
	require.NoError(t, err)
	h.client.chatGate("hello") <- chatReply{err: &backend.StatusError{Status: 413, Message: "payload too large"}}
	h.step(t)

	st := h.state(t)
	require.Len(t, st.Turns, 2)
	require.Equal(t, string(sequencer.KindBadRequest), st.Turns[1].FailureKind)
	require.Contains(t, st.Turns[1].Content, "Shorten your message")
	require.Nil(t, st.Banner)
}

func TestVoiceFlagsFollowEditsMadeDuringAnalysis(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "She said hello to the night.")

	_, err := h.ws.AnalyzeVoice(ctx, []string{"Mara"})
	require.NoError(t, err)
	_, err = h.ws.Edit(ctx, []document.Op{{Pos: 0, Insert: "Then "}})
	require.NoError(t, err)

	h.client.voice <- voiceReply{resp: backend.VoiceResponse{Flags: []backend.VoiceFlag{
		{Start: 9, End: 14, Text: "hello", Character: "Mara", Confidence: 0.9},
		{Start: 0, End: 3, Text: "Her", Character: "Mara", Confidence: 0.4},
	}}}
	h.step(t)

	st := h.state(t)
	voice := rangesOfKind(st, highlight.KindVoice)
	require.Len(t, voice, 1)
	require.Equal(t, 14, voice[0].Start)
	require.Equal(t, 19, voice[0].End)
	require.Equal(t, "hello", voice[0].SourceText)
	require.Equal(t, "Mara", voice[0].Metadata.Character)

	var deco *highlight.Decoration
	for i := range st.Decorations {
		if st.Decorations[i].Kind == highlight.KindVoice {
			deco = &st.Decorations[i]
		}
	}
	require.NotNil(t, deco)
	require.Equal(t, "voice-high", deco.Token)

	var update *VoiceFlagsUpdated
	for _, ev := range h.events {
		if e, ok := ev.(VoiceFlagsUpdated); ok {
			update = &e
		}
	}
	require.NotNil(t, update)
	require.Equal(t, 1, update.Placed)
	require.Equal(t, 1, update.Dropped)
}

func TestNewHighlightClearsDisplayedBatch(t *testing.T) {
	ctx := context.Background()
	text, start := foxDocument()
	h := newHarness(t, text)

	require.NoError(t, h.ws.SetMode(ctx, backend.ModeCoEdit))
	h.highlight(t, "the quick fox", start)
	_, err := h.ws.Send(ctx, Message{Text: "tighten this"})
	require.NoError(t, err)
	h.client.suggest <- suggestReply{resp: threeOptions()}
	h.step(t)
	h.loop.Advance(time.Second)
	require.Equal(t, suggest.Displayed, h.state(t).Suggestions.State)

	h.highlight(t, "Morning light", 0)

	st := h.state(t)
	require.Equal(t, suggest.None, st.Suggestions.State)
	require.Empty(t, rangesOfKind(st, highlight.KindSuggestion))
	require.Len(t, rangesOfKind(st, highlight.KindActive), 1)
	require.Contains(t, h.topics(), "suggestions.cleared")
}

// displayAndRegenerate shows a batch for the fox phrase, then asks for
// another one over the batch's range.
func displayAndRegenerate(t *testing.T, h *harness, start int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.ws.SetMode(ctx, backend.ModeCoEdit))
	h.highlight(t, "the quick fox", start)
	_, err := h.ws.Send(ctx, Message{Text: "tighten this"})
	require.NoError(t, err)
	h.client.suggest <- suggestReply{resp: threeOptions()}
	h.step(t)
	h.loop.Advance(time.Second)
	require.Equal(t, suggest.Displayed, h.state(t).Suggestions.State)

	_, err = h.ws.Send(ctx, Message{Text: "something else"})
	require.NoError(t, err)
	st := h.state(t)
	require.Equal(t, suggest.Generating, st.Suggestions.State)
	require.Nil(t, st.Suggestions.Batch)
	require.Len(t, rangesOfKind(st, highlight.KindSuggestion), 1)
}

func requireFoxHighlighted(t *testing.T, st State, start int) {
	t.Helper()
	require.Equal(t, suggest.None, st.Suggestions.State)
	require.Empty(t, rangesOfKind(st, highlight.KindSuggestion))
	active := rangesOfKind(st, highlight.KindActive)
	require.Len(t, active, 1)
	require.Equal(t, start, active[0].Start)
	require.Equal(t, start+13, active[0].End)
}

func TestRegenerateWithoutOptionsKeepsHighlight(t *testing.T) {
	text, start := foxDocument()
	h := newHarness(t, text)
	displayAndRegenerate(t, h, start)

	h.client.suggest <- suggestReply{resp: backend.SuggestResponse{DialogueText: "That line already works."}}
	h.step(t)
	h.loop.Advance(time.Second)

	requireFoxHighlighted(t, h.state(t), start)
}

func TestRegenerateFailureKeepsHighlight(t *testing.T) {
	text, start := foxDocument()
	h := newHarness(t, text)
	displayAndRegenerate(t, h, start)

	h.client.suggest <- suggestReply{err: &backend.StatusError{Status: 500, Message: "boom"}}
	h.step(t)

	st := h.state(t)
	requireFoxHighlighted(t, st, start)
	last := st.Turns[len(st.Turns)-1]
	require.Equal(t, transcript.KindError, last.Kind)
}

func TestRegenerateThenHighlightLeavesOneRange(t *testing.T) {
	text, start := foxDocument()
	h := newHarness(t, text)
	displayAndRegenerate(t, h, start)

	h.highlight(t, "Morning light", 0)

	st := h.state(t)
	require.Equal(t, suggest.None, st.Suggestions.State)
	require.Empty(t, rangesOfKind(st, highlight.KindSuggestion))
	active := rangesOfKind(st, highlight.KindActive)
	require.Len(t, active, 1)
	require.Equal(t, 0, active[0].Start)
}

func TestAcceptFailureKeepsBatch(t *testing.T) {
	ctx := context.Background()
	text, start := foxDocument()
	h := newHarness(t, text)

	require.NoError(t, h.ws.SetMode(ctx, backend.ModeCoEdit))
	h.highlight(t, "the quick fox", start)
	_, err := h.ws.Send(ctx, Message{Text: "tighten this"})
	require.NoError(t, err)
	h.client.suggest <- suggestReply{resp: threeOptions()}
	h.step(t)
	h.loop.Advance(time.Second)

	require.NoError(t, h.ws.AcceptSuggestion(ctx, "opt1"))
	h.client.accept <- acceptReply{err: &backend.StatusError{Status: 503, Message: "unavailable"}}
	h.step(t)

	st := h.state(t)
	require.Equal(t, suggest.Displayed, st.Suggestions.State)
	require.NotNil(t, st.Suggestions.Batch)
	require.Len(t, rangesOfKind(st, highlight.KindSuggestion), 1)
	require.Equal(t, text, st.Text)
	last := st.Turns[len(st.Turns)-1]
	require.Equal(t, transcript.KindError, last.Kind)
	require.Equal(t, string(sequencer.KindServer), last.FailureKind)
}

func TestAcceptAfterConcurrentEditIsRejected(t *testing.T) {
	ctx := context.Background()
	text, start := foxDocument()
	h := newHarness(t, text)

	require.NoError(t, h.ws.SetMode(ctx, backend.ModeCoEdit))
	h.highlight(t, "the quick fox", start)
	_, err := h.ws.Send(ctx, Message{Text: "tighten this"})
	require.NoError(t, err)
	h.client.suggest <- suggestReply{resp: threeOptions()}
	h.step(t)
	h.loop.Advance(time.Second)

	require.NoError(t, h.ws.AcceptSuggestion(ctx, "opt2"))
	_, err = h.ws.Edit(ctx, []document.Op{{Pos: 0, Insert: "Early. "}})
	require.NoError(t, err)
	h.client.accept <- acceptReply{resp: backend.AcceptResponse{Success: true, UpdatedDocumentText: "stale"}}
	h.step(t)

	st := h.state(t)
	require.Equal(t, suggest.Displayed, st.Suggestions.State)
	require.True(t, strings.HasPrefix(st.Text, "Early. Morning"))
	last := st.Turns[len(st.Turns)-1]
	require.Equal(t, string(sequencer.KindBadRequest), last.FailureKind)
}

func TestChatWithHighlightAttachesOnce(t *testing.T) {
	ctx := context.Background()
	text, start := foxDocument()
	h := newHarness(t, text)

	h.highlight(t, "the quick fox", start)
	_, err := h.ws.Send(ctx, Message{Text: "is this vivid?"})
	require.NoError(t, err)
	_, err = h.ws.Send(ctx, Message{Text: "and now?"})
	require.NoError(t, err)

	st := h.state(t)
	require.Len(t, st.Turns, 2)
	require.Equal(t, "the quick fox", st.Turns[0].AttachedText)
	require.Empty(t, st.Turns[1].AttachedText)
	require.Equal(t, suggest.None, st.Suggestions.State)
}

func TestSelectionMismatchIsIgnored(t *testing.T) {
	h := newHarness(t, "A short draft.")
	h.highlight(t, "draft words", 8)

	st := h.state(t)
	require.Empty(t, st.Ranges)
	require.Nil(t, st.Selection)
}

func TestShortSelectionClearsButKeepsRange(t *testing.T) {
	h := newHarness(t, "A short draft.")
	h.highlight(t, "short", 2)
	require.Len(t, h.state(t).Ranges, 1)

	h.highlight(t, "A", 0)
	st := h.state(t)
	require.Nil(t, st.Selection)
	require.Len(t, st.Ranges, 1)

	require.NoError(t, h.ws.ClearHighlight(context.Background()))
	require.Empty(t, h.state(t).Ranges)
}

func TestUserEditsAreSavedAfterQuietPeriod(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A short draft.")

	_, err := h.ws.Edit(ctx, []document.Op{{Pos: 13, Insert: " Revised"}})
	require.NoError(t, err)
	_, err = h.ws.ReplaceText(ctx, "A longer draft, revised.")
	require.NoError(t, err)
	h.loop.Advance(500 * time.Millisecond)
	require.NoError(t, h.ws.Flush(ctx))

	h.stores.mu.Lock()
	defer h.stores.mu.Unlock()
	require.Equal(t, []bodySave{{body: "A longer draft, revised.", version: 2}}, h.stores.saves)
	require.Len(t, h.stores.indexedDocs, 1)
	require.Equal(t, "Chapter One", h.stores.indexedDocs[0].Title)
}

func TestSetModeValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "A short draft.")

	require.ErrorIs(t, h.ws.SetMode(ctx, backend.InteractionMode("shout")), ErrInvalidMode)
	require.NoError(t, h.ws.SetMode(ctx, backend.ModeCoEdit))
	require.Equal(t, backend.ModeCoEdit, h.state(t).Mode)
	require.Contains(t, h.topics(), "mode.changed")

	_, err := h.ws.Send(ctx, Message{Text: "   "})
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestRegistryOpen(t *testing.T) {
	ctx := context.Background()
	stores := newFakeStores()
	stores.docs["doc_1"] = store.Document{ID: "doc_1", Title: "Chapter One", Body: "Once upon a time.", Version: 7}
	stores.transcripts["doc_1"] = transcript.Snapshot{Turns: []transcript.Turn{{ID: "turn_1", Role: transcript.RoleUser, Kind: transcript.KindMessage, Content: "hi"}}}

	reg := NewRegistry(testConfig(""), RegistryDeps{
		Deps: Deps{
			Client:      newFakeClient(),
			Documents:   stores,
			Transcripts: stores,
			Revisions:   stores,
			Index:       stores,
			Logger:      logging.Discard(),
		},
		Loader:    stores,
		History:   stores,
		Repos:     stores,
		NewRunner: func(logrus.FieldLogger) Runner { return loop.NewManual() },
	})

	ws, err := reg.Open(ctx, "doc_1")
	require.NoError(t, err)
	again, err := reg.Open(ctx, "doc_1")
	require.NoError(t, err)
	require.Same(t, ws, again)

	st, err := ws.State(ctx)
	require.NoError(t, err)
	require.Equal(t, "Once upon a time.", st.Text)
	require.Equal(t, "Chapter One", st.Title)
	require.Len(t, st.Turns, 1)
	require.Equal(t, []string{"doc_1"}, stores.ensured)

	_, err = ws.ReplaceText(ctx, "Once upon a midnight.")
	require.NoError(t, err)

	_, err = reg.Open(ctx, "doc_missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Get("doc_missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, reg.Close(ctx, "doc_1"))
	require.ErrorIs(t, reg.Close(ctx, "doc_1"), ErrNotFound)
	require.Empty(t, reg.OpenIDs())

	stores.mu.Lock()
	defer stores.mu.Unlock()
	require.Equal(t, []bodySave{{body: "Once upon a midnight.", version: 8}}, stores.saves)
}

func TestRegistryLoadFailure(t *testing.T) {
	stores := newFakeStores()
	stores.loadErr = errors.New("connection refused")
	reg := NewRegistry(testConfig(""), RegistryDeps{
		Deps:      Deps{Client: newFakeClient(), Logger: logging.Discard()},
		Loader:    stores,
		NewRunner: func(logrus.FieldLogger) Runner { return loop.NewManual() },
	})

	_, err := reg.Open(context.Background(), "doc_1")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

// slowLoader holds loads of doc_1 until released.
type slowLoader struct {
	*fakeStores
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (s *slowLoader) GetDocument(ctx context.Context, id string) (store.Document, error) {
	if id == "doc_1" {
		s.calls.Add(1)
		s.started <- struct{}{}
		<-s.release
	}
	return s.fakeStores.GetDocument(ctx, id)
}

func TestRegistryConcurrentOpenLoadsOnce(t *testing.T) {
	ctx := context.Background()
	stores := newFakeStores()
	stores.docs["doc_1"] = store.Document{ID: "doc_1", Title: "Chapter One", Body: "Once upon a time.", Version: 1}
	stores.docs["doc_2"] = store.Document{ID: "doc_2", Title: "Chapter Two", Body: "Later that day.", Version: 1}
	loader := &slowLoader{fakeStores: stores, started: make(chan struct{}, 4), release: make(chan struct{})}

	reg := NewRegistry(testConfig(""), RegistryDeps{
		Deps:   Deps{Client: newFakeClient(), Documents: stores, Logger: logging.Discard()},
		Loader: loader,
	})
	t.Cleanup(func() { _ = reg.CloseAll(context.Background()) })

	const openers = 3
	results := make(chan *Workspace, openers)
	errs := make(chan error, openers)
	for i := 0; i < openers; i++ {
		go func() {
			ws, err := reg.Open(ctx, "doc_1")
			errs <- err
			results <- ws
		}()
	}

	select {
	case <-loader.started:
	case <-time.After(time.Second):
		t.Fatal("load did not start")
	}

	// Other documents open while doc_1 is still loading.
	other, err := reg.Open(ctx, "doc_2")
	require.NoError(t, err)
	require.Equal(t, "doc_2", other.ID())
	require.Equal(t, []string{"doc_2"}, reg.OpenIDs())

	close(loader.release)
	var first *Workspace
	for i := 0; i < openers; i++ {
		require.NoError(t, <-errs)
		ws := <-results
		if first == nil {
			first = ws
		}
		require.Same(t, first, ws)
	}
	require.Equal(t, int32(1), loader.calls.Load())
	require.ElementsMatch(t, []string{"doc_1", "doc_2"}, reg.OpenIDs())
}
