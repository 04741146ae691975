// Package highlight tracks named text ranges over a live document and keeps
// them aligned with it as the text changes.
package highlight

import (
	"context"
	"errors"
	"fmt"
	"sort"

	assert "github.com/ZanzyTHEbar/assert-lib"

	"inkwell/api/internal/document"
	"inkwell/api/internal/events"
	"inkwell/api/internal/util"
)

var (
	ErrInvalidBounds = errors.New("invalid range bounds")
	ErrNotFound      = errors.New("range not found")
)

type Kind string

const (
	KindActive     Kind = "active"
	KindSuggestion Kind = "suggestion"
	KindVoice      Kind = "voice"
)

func (k Kind) Valid() bool {
	switch k {
	case KindActive, KindSuggestion, KindVoice:
		return true
	}
	return false
}

// Metadata is kind specific: voice flags carry a character and confidence,
// suggestion ranges the batch they belong to.
type Metadata struct {
	Character    string  `json:"character,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	SuggestionID string  `json:"suggestionId,omitempty"`
}

// Range is a half-open interval of rune offsets into the current document.
type Range struct {
	ID         string   `json:"id"`
	Kind       Kind     `json:"kind"`
	Start      int      `json:"start"`
	End        int      `json:"end"`
	SourceText string   `json:"sourceText"`
	Metadata   Metadata `json:"metadata"`
}

func (r Range) Len() int { return r.End - r.Start }

// RemovalReason explains why a range left the tracker.
type RemovalReason string

const (
	RemovedExplicit RemovalReason = "cleared"
	RemovedReplaced RemovalReason = "replaced"
	RemovedCollapse RemovalReason = "collapsed"
)

type RangeAdded struct {
	Range Range
}

func (RangeAdded) Topic() string { return "range.added" }

type RangeRemoved struct {
	Range  Range
	Reason RemovalReason
}

func (RangeRemoved) Topic() string { return "range.removed" }

// RangesRemapped reports the ranges that survived a document edit.
type RangesRemapped struct {
	Ranges []Range
}

func (RangesRemapped) Topic() string { return "range.remapped" }

// Document is the view of the text the tracker validates bounds against.
type Document interface {
	Len() int
}

type Tracker struct {
	doc    Document
	bus    *events.Bus
	ranges map[string]*Range
	order  []string
}

func NewTracker(doc Document, bus *events.Bus) *Tracker {
	return &Tracker{
		doc:    doc,
		bus:    bus,
		ranges: make(map[string]*Range),
	}
}

// Add registers a range. Adding an active range first removes the previous one.
func (t *Tracker) Add(kind Kind, start, end int, sourceText string, meta Metadata) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown range kind %q", kind)
	}
	if start < 0 || start >= end || end > t.doc.Len() {
		return "", fmt.Errorf("%w: [%d,%d) in document of length %d", ErrInvalidBounds, start, end, t.doc.Len())
	}
	if kind == KindActive {
		for _, existing := range t.OfKind(KindActive) {
			t.remove(existing.ID, RemovedReplaced)
		}
	}

	r := &Range{
		ID:         util.NewID("rng"),
		Kind:       kind,
		Start:      start,
		End:        end,
		SourceText: sourceText,
		Metadata:   meta,
	}
	t.ranges[r.ID] = r
	t.order = append(t.order, r.ID)
	t.bus.Publish(RangeAdded{Range: *r})
	return r.ID, nil
}

func (t *Tracker) Remove(id string) error {
	if _, ok := t.ranges[id]; !ok {
		return ErrNotFound
	}
	t.remove(id, RemovedExplicit)
	return nil
}

func (t *Tracker) RemoveAllOfKind(kind Kind) int {
	removed := 0
	for _, r := range t.OfKind(kind) {
		t.remove(r.ID, RemovedExplicit)
		removed++
	}
	return removed
}

func (t *Tracker) ClearAll() {
	for _, id := range append([]string(nil), t.order...) {
		t.remove(id, RemovedExplicit)
	}
}

func (t *Tracker) remove(id string, reason RemovalReason) {
	r, ok := t.ranges[id]
	if !ok {
		return
	}
	delete(t.ranges, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.bus.Publish(RangeRemoved{Range: *r, Reason: reason})
}

func (t *Tracker) Get(id string) (Range, bool) {
	r, ok := t.ranges[id]
	if !ok {
		return Range{}, false
	}
	return *r, true
}

// Active returns the single active discussion range, if any.
func (t *Tracker) Active() (Range, bool) {
	for _, id := range t.order {
		if r := t.ranges[id]; r.Kind == KindActive {
			return *r, true
		}
	}
	return Range{}, false
}

func (t *Tracker) OfKind(kind Kind) []Range {
	var out []Range
	for _, id := range t.order {
		if r := t.ranges[id]; r.Kind == kind {
			out = append(out, *r)
		}
	}
	return out
}

// All returns every range in insertion order.
func (t *Tracker) All() []Range {
	out := make([]Range, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.ranges[id])
	}
	return out
}

// Remap moves every range through the edits of a document change. It must run
// in the same loop callback as the mutation that produced the edits.
func (t *Tracker) Remap(edits []document.Edit) {
	if len(edits) == 0 {
		return
	}
	length := t.doc.Len()
	var collapsed []string
	for _, id := range t.order {
		r := t.ranges[id]
		start, end, ok := MapSpan(r.Start, r.End, edits)
		if !ok || end > length {
			collapsed = append(collapsed, id)
			continue
		}
		r.Start, r.End = start, end
	}
	for _, id := range collapsed {
		t.remove(id, RemovedCollapse)
	}

	ctx := context.TODO()
	for _, id := range t.order {
		r := t.ranges[id]
		assert.Assert(ctx, r.Start >= 0 && r.Start < r.End && r.End <= length, "range bounds must stay inside the document after remap")
	}
	t.bus.Publish(RangesRemapped{Ranges: t.All()})
}

// MapSpan moves [start, end) through edits with the same rules ranges follow.
// It reports false when the span collapses.
func MapSpan(start, end int, edits []document.Edit) (int, int, bool) {
	for _, e := range edits {
		start = mapStart(start, e)
		end = mapEnd(end, e)
	}
	if start < 0 || start >= end {
		return start, end, false
	}
	return start, end, true
}

// mapStart moves a start boundary; text inserted exactly at it lands before the range.
func mapStart(b int, e document.Edit) int {
	switch {
	case b < e.Pos:
		return b
	case e.Deleted == 0:
		return b + e.Inserted
	case b >= e.Pos+e.Deleted:
		return b + e.Delta()
	default:
		return e.Pos + e.Inserted
	}
}

// mapEnd moves an end boundary; text inserted exactly at it stays outside the range.
func mapEnd(b int, e document.Edit) int {
	switch {
	case b <= e.Pos:
		return b
	case b >= e.Pos+e.Deleted:
		return b + e.Delta()
	default:
		return e.Pos
	}
}

// Decoration is the render-layer projection of a range.
type Decoration struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

// Decorations projects the ranges onto snapshot without mutating anything.
// Ranges that do not fit the snapshot are left out.
func (t *Tracker) Decorations(snapshot string) []Decoration {
	length := document.Len(snapshot)
	out := make([]Decoration, 0, len(t.order))
	for _, id := range t.order {
		r := t.ranges[id]
		if r.Start < 0 || r.Start >= r.End || r.End > length {
			continue
		}
		out = append(out, Decoration{
			ID:      r.ID,
			Kind:    r.Kind,
			Start:   r.Start,
			End:     r.End,
			Token:   token(*r),
			Channel: channel(r.Kind),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

func channel(kind Kind) string {
	if kind == KindVoice {
		return "voice"
	}
	return "focus"
}

func token(r Range) string {
	switch r.Kind {
	case KindActive:
		return "hl-active"
	case KindSuggestion:
		return "hl-suggestion"
	case KindVoice:
		if r.Metadata.Confidence >= 0.75 {
			return "hl-voice hl-voice--strong"
		}
		return "hl-voice"
	}
	return ""
}
