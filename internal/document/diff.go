package document

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff describes how to turn before into after as sequential edits.
func Diff(before, after string) []Edit {
	if before == after {
		return nil
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var edits []Edit
	pos := 0
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		if n == 0 {
			continue
		}
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffDelete:
			edits = appendEdit(edits, Edit{Pos: pos, Deleted: n})
		case diffmatchpatch.DiffInsert:
			edits = appendEdit(edits, Edit{Pos: pos, Inserted: n})
			pos += n
		}
	}
	return edits
}

// appendEdit folds a delete/insert pair at the same position into one replacement.
func appendEdit(edits []Edit, next Edit) []Edit {
	if len(edits) > 0 {
		last := &edits[len(edits)-1]
		if last.Pos+last.Inserted == next.Pos && next.Deleted == 0 && last.Inserted == 0 {
			last.Inserted += next.Inserted
			return edits
		}
	}
	return append(edits, next)
}
