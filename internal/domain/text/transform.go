package text

import (
	"fmt"
	"unicode/utf8"

	"github.com/collabdocs/collabdocs/internal/domain/collab"
)

// transformInsertDelete derives the bottom two sides of the OT diamond, where
// the top two sides are an insert and a delete.
func transformInsertDelete(a Insert, b Delete) (Insert, Delete) {
	n := utf8.RuneCountInString(a.Text)
	switch {
	case a.Pos <= b.Pos:
		// Insert before delete. Delete shifts forward.
		return a, Delete{Pos: b.Pos + n, Len: b.Len}
	case a.Pos >= b.Pos+b.Len:
		// Insert after delete. Insert shifts backward.
		return Insert{Pos: a.Pos - b.Len, Text: a.Text}, b
	default:
		// Insert inside the deleted range. The delete swallows the insert.
		return Insert{Pos: b.Pos}, Delete{Pos: b.Pos, Len: b.Len + n}
	}
}

// Transform turns (a, b), both made against the same document, into
// (a', b') such that a then b' equals b then a'. b wins insert ties.
func Transform(a, b collab.Step) (collab.Step, collab.Step, error) {
	switch ai := a.(type) {
	case Insert:
		switch bi := b.(type) {
		case Insert:
			if bi.Pos <= ai.Pos {
				return Insert{Pos: ai.Pos + utf8.RuneCountInString(bi.Text), Text: ai.Text}, b, nil
			}
			return a, Insert{Pos: bi.Pos + utf8.RuneCountInString(ai.Text), Text: bi.Text}, nil
		case Delete:
			ap, bp := transformInsertDelete(ai, bi)
			return ap, bp, nil
		}
	case Delete:
		switch bi := b.(type) {
		case Insert:
			ins, del := transformInsertDelete(bi, ai)
			return del, ins, nil
		case Delete:
			aEnd, bEnd := ai.Pos+ai.Len, bi.Pos+bi.Len
			if aEnd <= bi.Pos {
				return a, Delete{Pos: bi.Pos - ai.Len, Len: bi.Len}, nil
			} else if bEnd <= ai.Pos {
				return Delete{Pos: ai.Pos - bi.Len, Len: ai.Len}, b, nil
			}
			// Deletions overlap.
			pos := min(ai.Pos, bi.Pos)
			overlap := max(0, min(aEnd, bEnd)-max(ai.Pos, bi.Pos))
			return Delete{Pos: pos, Len: ai.Len - overlap}, Delete{Pos: pos, Len: bi.Len - overlap}, nil
		}
	}
	return nil, nil, fmt.Errorf("cannot transform %T against %T", a, b)
}

// TransformPatch transforms two step sequences made against the same
// document past each other.
func TransformPatch(a, b []collab.Step) ([]collab.Step, []collab.Step, error) {
	aNew, bNew := make([]collab.Step, len(a)), make([]collab.Step, len(b))
	copy(aNew, a)
	for i, bOp := range b {
		for j, aOp := range aNew {
			ap, bp, err := Transform(aOp, bOp)
			if err != nil {
				return nil, nil, err
			}
			aNew[j], bOp = ap, bp
		}
		bNew[i] = bOp
	}
	return aNew, bNew, nil
}
