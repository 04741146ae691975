// Package reveal animates a complete assistant reply into its transcript turn.
package reveal

import (
	"time"

	"inkwell/api/internal/loop"
)

type State int

const (
	Idle State = iota
	Streaming
)

func (s State) String() string {
	if s == Streaming {
		return "streaming"
	}
	return "idle"
}

// Sink receives reveal output. RevealProgress carries the growing prefix;
// RevealComplete carries the exact full text and fires once per finished reveal.
type Sink interface {
	RevealProgress(turnID, prefix string)
	RevealComplete(turnID, fullText string)
}

type Options struct {
	Interval time.Duration
	Chunk    int
}

// Revealer drives at most one reveal at a time, one chunk per tick.
type Revealer struct {
	sched loop.Scheduler
	sink  Sink
	opts  Options

	state  State
	turnID string
	full   string
	runes  []rune
	shown  int
	timer  loop.Timer
	gen    uint64
}

func New(sched loop.Scheduler, sink Sink, opts Options) *Revealer {
	if opts.Interval <= 0 {
		opts.Interval = 16 * time.Millisecond
	}
	if opts.Chunk <= 0 {
		opts.Chunk = 3
	}
	return &Revealer{sched: sched, sink: sink, opts: opts}
}

// Start reveals fullText into turnID. A reveal already running is abandoned
// without a completion signal.
func (r *Revealer) Start(fullText, turnID string) {
	r.cancel()
	r.turnID = turnID
	r.full = fullText
	r.runes = []rune(fullText)
	r.shown = 0

	if len(r.runes) == 0 {
		r.finish()
		return
	}
	r.state = Streaming
	r.schedule()
}

// Stop abandons the running reveal and returns the turn it was writing, if any.
func (r *Revealer) Stop() (string, bool) {
	if r.state != Streaming {
		return "", false
	}
	turnID := r.turnID
	r.cancel()
	return turnID, true
}

func (r *Revealer) State() State { return r.state }

// Target is the turn being revealed, empty when idle.
func (r *Revealer) Target() string {
	if r.state != Streaming {
		return ""
	}
	return r.turnID
}

// Progress reports revealed and total rune counts of the current reveal.
func (r *Revealer) Progress() (int, int) {
	return r.shown, len(r.runes)
}

func (r *Revealer) cancel() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
	r.state = Idle
}

func (r *Revealer) schedule() {
	gen := r.gen
	r.timer = r.sched.AfterFunc(r.opts.Interval, func() { r.tick(gen) })
}

func (r *Revealer) tick(gen uint64) {
	// A tick that was already queued when its reveal got preempted.
	if gen != r.gen || r.state != Streaming {
		return
	}
	r.timer = nil
	r.shown += r.opts.Chunk
	if r.shown >= len(r.runes) {
		r.shown = len(r.runes)
		r.finish()
		return
	}
	r.sink.RevealProgress(r.turnID, string(r.runes[:r.shown]))
	r.schedule()
}

func (r *Revealer) finish() {
	r.state = Idle
	r.gen++
	r.sink.RevealComplete(r.turnID, r.full)
}
