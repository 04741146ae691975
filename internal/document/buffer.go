// Package document holds the live text of an open document and describes every
// mutation as position/delete/insert operations so highlight ranges can follow it.
package document

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var ErrOutOfBounds = errors.New("edit out of bounds")

// Source identifies where a change originated.
type Source uint8

const (
	SourceUser Source = iota
	SourceSuggestion
	SourceLoad
)

func (s Source) String() string {
	switch s {
	case SourceUser:
		return "user"
	case SourceSuggestion:
		return "suggestion"
	case SourceLoad:
		return "load"
	default:
		return "unknown"
	}
}

// Op is a requested mutation: delete Delete runes at Pos, then insert Insert there.
type Op struct {
	Pos    int    `json:"pos"`
	Delete int    `json:"delete"`
	Insert string `json:"insert"`
}

// Edit is the length-only description of an applied Op, in rune offsets.
// A list of edits is applied in order; each Pos refers to the text produced by
// the edits before it.
type Edit struct {
	Pos      int `json:"pos"`
	Deleted  int `json:"deleted"`
	Inserted int `json:"inserted"`
}

// Delta is the net length change of the edit.
func (e Edit) Delta() int { return e.Inserted - e.Deleted }

// Change is a versioned mutation payload delivered to listeners.
type Change struct {
	Source        Source
	VersionBefore uint64
	VersionAfter  uint64
	Edits         []Edit
}

type Buffer struct {
	text      []rune
	version   uint64
	listeners []func(Change)
}

func New(text string) *Buffer {
	return &Buffer{text: []rune(text)}
}

func (b *Buffer) Text() string    { return string(b.text) }
func (b *Buffer) Len() int        { return len(b.text) }
func (b *Buffer) Version() uint64 { return b.version }

// Slice returns the text in [start, end) or false when the bounds do not fit.
func (b *Buffer) Slice(start, end int) (string, bool) {
	return Slice(string(b.text), start, end)
}

// OnChange registers fn to run synchronously after every mutation, before the
// mutating call returns.
func (b *Buffer) OnChange(fn func(Change)) {
	b.listeners = append(b.listeners, fn)
}

// Apply performs ops in order. Nothing is changed if any op is out of bounds.
func (b *Buffer) Apply(source Source, ops []Op) (Change, error) {
	next := append([]rune(nil), b.text...)
	edits := make([]Edit, 0, len(ops))
	for i, op := range ops {
		if op.Pos < 0 || op.Delete < 0 || op.Pos > len(next) || op.Pos+op.Delete > len(next) {
			return Change{}, fmt.Errorf("op %d (pos=%d delete=%d len=%d): %w", i, op.Pos, op.Delete, len(next), ErrOutOfBounds)
		}
		insert := []rune(op.Insert)
		if op.Delete == 0 && len(insert) == 0 {
			continue
		}
		tail := append(insert, next[op.Pos+op.Delete:]...)
		next = append(next[:op.Pos], tail...)
		edits = append(edits, Edit{Pos: op.Pos, Deleted: op.Delete, Inserted: len(insert)})
	}
	return b.commit(source, next, edits), nil
}

// Replace swaps the whole text, describing the difference as edits.
func (b *Buffer) Replace(source Source, text string) Change {
	edits := Diff(string(b.text), text)
	return b.commit(source, []rune(text), edits)
}

func (b *Buffer) commit(source Source, next []rune, edits []Edit) Change {
	if len(edits) == 0 {
		return Change{Source: source, VersionBefore: b.version, VersionAfter: b.version}
	}
	change := Change{
		Source:        source,
		VersionBefore: b.version,
		Edits:         edits,
	}
	b.text = next
	b.version++
	change.VersionAfter = b.version
	for _, fn := range b.listeners {
		fn(change)
	}
	return change
}

// Slice returns text[start:end] in rune offsets.
func Slice(text string, start, end int) (string, bool) {
	if start < 0 || end < start {
		return "", false
	}
	runes := []rune(text)
	if end > len(runes) {
		return "", false
	}
	return string(runes[start:end]), true
}

// Len counts runes.
func Len(text string) int {
	return utf8.RuneCountInString(text)
}
