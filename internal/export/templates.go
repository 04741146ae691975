package export

import (
	"bytes"
	"embed"
	"html/template"
	"sort"
	"strings"
	"time"

	"inkwell/api/internal/highlight"
	"inkwell/api/internal/transcript"
)

//go:embed templates/document.html
var templateFS embed.FS

var documentTemplate = template.Must(template.New("document.html").Funcs(template.FuncMap{
	"join": strings.Join,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/document.html"))

// Segment is a run of text that carries the same set of decoration tokens.
type Segment struct {
	Text    string
	Classes []string
}

type templateData struct {
	DocumentID  string
	Title       string
	GeneratedAt time.Time
	Segments    []Segment
	Turns       []transcript.Turn
}

// Annotate splits text at every decoration boundary. Decorations outside the
// text are skipped; overlapping decorations stack their tokens.
func Annotate(text string, decorations []highlight.Decoration) []Segment {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	cuts := map[int]bool{0: true, len(runes): true}
	valid := make([]highlight.Decoration, 0, len(decorations))
	for _, d := range decorations {
		if d.Start < 0 || d.Start >= d.End || d.End > len(runes) {
			continue
		}
		valid = append(valid, d)
		cuts[d.Start] = true
		cuts[d.End] = true
	}
	points := make([]int, 0, len(cuts))
	for p := range cuts {
		points = append(points, p)
	}
	sort.Ints(points)

	segments := make([]Segment, 0, len(points)-1)
	for i := 0; i+1 < len(points); i++ {
		from, to := points[i], points[i+1]
		var classes []string
		for _, d := range valid {
			if d.Start <= from && to <= d.End && d.Token != "" {
				classes = append(classes, d.Token)
			}
		}
		sort.Strings(classes)
		segments = append(segments, Segment{Text: string(runes[from:to]), Classes: classes})
	}
	return segments
}

// RenderHTML renders the export page for req.
func RenderHTML(req Request) (string, error) {
	data := templateData{
		DocumentID:  req.DocumentID,
		Title:       req.Title,
		GeneratedAt: req.GeneratedAt,
		Segments:    Annotate(req.Text, req.Decorations),
	}
	if data.Title == "" {
		data.Title = "Untitled"
	}
	if data.GeneratedAt.IsZero() {
		data.GeneratedAt = time.Now().UTC()
	}
	if req.IncludeTranscript {
		for _, turn := range req.Turns {
			if turn.Content == "" {
				continue
			}
			data.Turns = append(data.Turns, turn)
		}
	}

	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
