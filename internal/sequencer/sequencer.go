// Package sequencer issues backend calls and applies only the newest one.
//
// There is no way to abort an in-flight call. Every Submit takes the next
// sequence id; a completion whose id is no longer current is dropped before it
// reaches any consumer, successful or not.
package sequencer

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"inkwell/api/internal/backend"
	"inkwell/api/internal/document"
	"inkwell/api/internal/loop"
)

var errMissingPayload = errors.New("request payload missing for mode")

type Mode string

const (
	ModeChat            Mode = "chat"
	ModeSuggestionBatch Mode = "suggestionBatch"
	ModeVoiceAnalysis   Mode = "voiceAnalysis"
)

// Route picks the call for a message: co-edit with a non-empty focused range
// asks for suggestions, everything else is a chat turn.
func Route(mode backend.InteractionMode, focusText string) Mode {
	if mode == backend.ModeCoEdit && focusText != "" {
		return ModeSuggestionBatch
	}
	return ModeChat
}

type Snapshot struct {
	DocumentText string `json:"documentText"`
	RangeText    string `json:"rangeText"`
}

type PendingRequest struct {
	SequenceID  uint64    `json:"sequenceId"`
	Mode        Mode      `json:"mode"`
	Snapshot    Snapshot  `json:"snapshot"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Request holds the payload for the submitted mode.
type Request struct {
	Chat    *backend.ChatRequest
	Suggest *backend.SuggestRequest
	Voice   *backend.VoiceRequest
}

func (r Request) snapshot() Snapshot {
	switch {
	case r.Chat != nil:
		return Snapshot{DocumentText: r.Chat.DocumentText, RangeText: r.Chat.HighlightedText}
	case r.Suggest != nil:
		return Snapshot{DocumentText: r.Suggest.DocumentText, RangeText: r.Suggest.HighlightedText}
	case r.Voice != nil:
		return Snapshot{DocumentText: r.Voice.DocumentText}
	}
	return Snapshot{}
}

// Chars is the payload size used to tell an oversized request from a malformed one.
func (r Request) Chars() int {
	switch {
	case r.Chat != nil:
		return document.Len(r.Chat.Message) + document.Len(r.Chat.DocumentText)
	case r.Suggest != nil:
		return document.Len(r.Suggest.Message) + document.Len(r.Suggest.DocumentText) + document.Len(r.Suggest.Instruction)
	case r.Voice != nil:
		return document.Len(r.Voice.DocumentText)
	}
	return 0
}

// Handler receives completions of live requests, on the scheduler.
type Handler interface {
	HandleChat(req PendingRequest, resp backend.ChatResponse)
	HandleSuggestions(req PendingRequest, resp backend.SuggestResponse)
	HandleVoice(req PendingRequest, resp backend.VoiceResponse)
	HandleFailure(req PendingRequest, failure *Failure)
}

type Options struct {
	Timeout  time.Duration
	MaxChars int
}

type Sequencer struct {
	sched   loop.Scheduler
	client  backend.Client
	handler Handler
	logger  logrus.FieldLogger
	opts    Options
	now     func() time.Time

	current uint64
	pending *PendingRequest
}

func New(sched loop.Scheduler, client backend.Client, handler Handler, logger logrus.FieldLogger, opts Options) *Sequencer {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Sequencer{
		sched:   sched,
		client:  client,
		handler: handler,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

type outcome struct {
	chat    backend.ChatResponse
	suggest backend.SuggestResponse
	voice   backend.VoiceResponse
}

// Submit starts a call and returns its sequence id without waiting. Any
// earlier request stops being live at this point.
func (s *Sequencer) Submit(mode Mode, req Request) uint64 {
	s.current++
	pending := PendingRequest{
		SequenceID:  s.current,
		Mode:        mode,
		Snapshot:    req.snapshot(),
		SubmittedAt: s.now(),
	}
	if s.pending != nil {
		s.logger.WithFields(logrus.Fields{
			"sequence_id": s.pending.SequenceID,
			"mode":        s.pending.Mode,
		}).Debug("sequencer: request superseded")
	}
	s.pending = &pending
	chars := req.Chars()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
		defer cancel()
		result, err := s.call(ctx, mode, req)
		s.sched.Post(func() { s.complete(pending, chars, result, err) })
	}()
	return pending.SequenceID
}

func (s *Sequencer) call(ctx context.Context, mode Mode, req Request) (outcome, error) {
	var result outcome
	var err error
	switch mode {
	case ModeChat:
		if req.Chat == nil {
			return result, errMissingPayload
		}
		result.chat, err = s.client.Chat(ctx, *req.Chat)
	case ModeSuggestionBatch:
		if req.Suggest == nil {
			return result, errMissingPayload
		}
		result.suggest, err = s.client.Suggest(ctx, *req.Suggest)
	case ModeVoiceAnalysis:
		if req.Voice == nil {
			return result, errMissingPayload
		}
		result.voice, err = s.client.AnalyzeVoice(ctx, *req.Voice)
	default:
		err = errMissingPayload
	}
	return result, err
}

func (s *Sequencer) complete(req PendingRequest, chars int, result outcome, err error) {
	entry := s.logger.WithFields(logrus.Fields{
		"sequence_id": req.SequenceID,
		"mode":        req.Mode,
	})
	if req.SequenceID != s.current {
		entry.WithField("current", s.current).Debug("sequencer: discarding stale completion")
		return
	}
	s.pending = nil

	if err != nil {
		failure := Classify(err, chars, s.opts.MaxChars)
		entry.WithField("kind", failure.Kind).WithError(err).Warn("sequencer: backend call failed")
		s.handler.HandleFailure(req, failure)
		return
	}
	switch req.Mode {
	case ModeChat:
		s.handler.HandleChat(req, result.chat)
	case ModeSuggestionBatch:
		s.handler.HandleSuggestions(req, result.suggest)
	case ModeVoiceAnalysis:
		s.handler.HandleVoice(req, result.voice)
	}
}

// Current is the id of the most recent submission, zero before the first.
func (s *Sequencer) Current() uint64 { return s.current }

// Live reports whether id is the newest submission.
func (s *Sequencer) Live(id uint64) bool { return id != 0 && id == s.current }

// Pending returns the live request while it is in flight.
func (s *Sequencer) Pending() (PendingRequest, bool) {
	if s.pending == nil {
		return PendingRequest{}, false
	}
	return *s.pending, true
}
