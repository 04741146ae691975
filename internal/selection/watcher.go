// Package selection turns raw selection-change signals from the editing surface
// into settled, normalized selection events.
package selection

import (
	"strings"
	"time"

	"inkwell/api/internal/loop"
)

const (
	// MinLength is the trimmed length a selection must exceed to count.
	MinLength = 2

	popupWidth  = 320.0
	popupHeight = 44.0
	popupGap    = 8.0
	edgeMargin  = 12.0
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Rect) Right() float64  { return r.Left + r.Width }
func (r Rect) Bottom() float64 { return r.Top + r.Height }
func (r Rect) Empty() bool     { return r.Width <= 0 || r.Height <= 0 }

// Raw is what the editing surface reports about its current selection.
type Raw struct {
	Text      string `json:"text"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Bounds    Rect   `json:"bounds"`
	Container Rect   `json:"container"`
	// SidePanel is the companion panel region; nil when the panel is hidden.
	SidePanel *Rect `json:"sidePanel,omitempty"`
}

// Event is a settled selection. Empty Text means the selection was cleared.
type Event struct {
	Text   string `json:"text"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Anchor Point  `json:"anchor"`
}

func (e Event) Cleared() bool { return e.Text == "" }

func (Event) Topic() string { return "selection.changed" }

// Source reads the selection as it is right now.
type Source interface {
	CurrentSelection() (Raw, bool)
}

type SourceFunc func() (Raw, bool)

func (f SourceFunc) CurrentSelection() (Raw, bool) { return f() }

type Watcher struct {
	sched    loop.Scheduler
	source   Source
	debounce time.Duration
	emit     func(Event)
	timer    loop.Timer
	gen      uint64
}

func NewWatcher(sched loop.Scheduler, source Source, debounce time.Duration, emit func(Event)) *Watcher {
	return &Watcher{
		sched:    sched,
		source:   source,
		debounce: debounce,
		emit:     emit,
	}
}

// Notify records a raw selection-change signal. The selection is read once it
// has been quiet for the debounce delay.
func (w *Watcher) Notify() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = w.sched.AfterFunc(w.debounce, func() {
		if gen != w.gen {
			return
		}
		w.timer = nil
		w.settle()
	})
}

// Cancel drops a pending read.
func (w *Watcher) Cancel() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

func (w *Watcher) settle() {
	raw, ok := w.source.CurrentSelection()
	if !ok {
		w.emit(Event{})
		return
	}
	w.emit(Normalize(raw))
}

// Normalize converts a raw selection into an event without debouncing.
func Normalize(raw Raw) Event {
	if len([]rune(strings.TrimSpace(raw.Text))) <= MinLength {
		return Event{}
	}
	return Event{
		Text:   raw.Text,
		Start:  raw.Start,
		End:    raw.End,
		Anchor: Anchor(raw.Bounds, raw.Container, raw.SidePanel),
	}
}

// Anchor places the popup above the selection, clamped into the container and
// kept clear of a visible side panel.
func Anchor(bounds, container Rect, panel *Rect) Point {
	x := bounds.Left + bounds.Width/2 - popupWidth/2
	y := bounds.Top - popupHeight - popupGap
	if y < container.Top+edgeMargin {
		y = bounds.Bottom() + popupGap
	}

	minX := container.Left + edgeMargin
	maxX := container.Right() - popupWidth - edgeMargin
	if panel != nil && !panel.Empty() && panel.Left < container.Right() {
		if limit := panel.Left - popupWidth - edgeMargin; limit < maxX {
			maxX = limit
		}
	}
	if maxX < minX {
		maxX = minX
	}
	x = clamp(x, minX, maxX)

	maxY := container.Bottom() - popupHeight - edgeMargin
	minY := container.Top + edgeMargin
	if maxY < minY {
		maxY = minY
	}
	y = clamp(y, minY, maxY)
	return Point{X: x, Y: y}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
