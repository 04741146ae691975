// Package export renders a workspace snapshot (annotated text plus the
// conversation) to HTML or PDF and optionally archives the result.
package export

import (
	"errors"
	"time"

	"inkwell/api/internal/highlight"
	"inkwell/api/internal/transcript"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat maps a query value to a Format. Empty means HTML.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "", FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request carries everything needed to render one export. Decorations use
// rune offsets into Text.
type Request struct {
	DocumentID        string
	Title             string
	Format            Format
	Text              string
	Decorations       []highlight.Decoration
	Turns             []transcript.Turn
	IncludeTranscript bool
	GeneratedAt       time.Time
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat    = errors.New("export format not supported")
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	ErrArchiveDisabled      = errors.New("export archive not configured")
)
