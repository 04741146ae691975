package export

import (
	"context"
	"strings"

	"github.com/ZanzyTHEbar/errbuilder-go"
)

// Archiver copies a rendered export to durable storage.
type Archiver interface {
	Store(ctx context.Context, documentID string, result *Result) (string, error)
}

type Service struct {
	pdf     PDFRenderer
	archive Archiver
}

// NewService builds an exporter. archive may be nil when object storage is not configured.
func NewService(pdf PDFRenderer, archive Archiver) *Service {
	return &Service{pdf: pdf, archive: archive}
}

func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	html, err := RenderHTML(req)
	if err != nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("render export html").
			WithCause(err)
	}

	name := sanitizeFilename(req.Title)
	switch req.Format {
	case FormatHTML, "":
		return &Result{Data: []byte(html), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		if s.pdf == nil {
			return nil, ErrPDFDependencyMissing
		}
		data, err := s.pdf.RenderPDF(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, ErrUnsupportedFormat
	}
}

// Archive renders req and uploads it, returning a download link.
func (s *Service) Archive(ctx context.Context, req Request) (string, error) {
	if s.archive == nil {
		return "", ErrArchiveDisabled
	}
	result, err := s.Export(ctx, req)
	if err != nil {
		return "", err
	}
	link, err := s.archive.Store(ctx, req.DocumentID, result)
	if err != nil {
		return "", errbuilder.New().
			WithCode(errbuilder.CodeUnavailable).
			WithMsg("archive export").
			WithCause(err)
	}
	return link, nil
}

func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
		if b.Len() >= 50 {
			break
		}
	}
	if b.Len() == 0 {
		return "document"
	}
	return b.String()
}
