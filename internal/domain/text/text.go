// Package text implements a plain-text document model with insert and
// delete steps and the operational transform needed to rebase them.
package text

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/collabdocs/collabdocs/internal/domain/collab"
)

const (
	stepInsert = "insert"
	stepDelete = "delete"
)

// Doc is a plain-text document. Positions and sizes are counted in runes.
type Doc struct {
	Text string `json:"text"`
}

func (d Doc) Size() int { return utf8.RuneCountInString(d.Text) }

// Insert places Text before the rune at Pos.
type Insert struct {
	Pos  int
	Text string
}

// Delete removes Len runes starting at Pos.
type Delete struct {
	Pos int
	Len int
}

func (op Insert) apply(s []rune) ([]rune, error) {
	if op.Pos < 0 || op.Pos > len(s) {
		return nil, errors.New("insert out of bounds")
	}
	out := make([]rune, 0, len(s)+utf8.RuneCountInString(op.Text))
	out = append(out, s[:op.Pos]...)
	out = append(out, []rune(op.Text)...)
	return append(out, s[op.Pos:]...), nil
}

func (op Delete) apply(s []rune) ([]rune, error) {
	if op.Pos < 0 || op.Len < 0 || op.Pos+op.Len > len(s) {
		return nil, errors.New("delete out of bounds")
	}
	out := make([]rune, 0, len(s)-op.Len)
	out = append(out, s[:op.Pos]...)
	return append(out, s[op.Pos+op.Len:]...), nil
}

type stepJSON struct {
	StepType string `json:"stepType"`
	Pos      int    `json:"pos"`
	Text     string `json:"text,omitempty"`
	Len      int    `json:"len,omitempty"`
}

// Model implements collab.Model for plain text.
type Model struct{}

var _ collab.Model = Model{}

func (Model) NewDoc() collab.Doc { return Doc{} }

func (Model) DecodeDoc(raw json.RawMessage) (collab.Doc, error) {
	var d Doc
	if len(raw) == 0 || string(raw) == "null" {
		return d, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if !utf8.ValidString(d.Text) {
		return nil, errors.New("document is not valid utf-8")
	}
	return d, nil
}

func (Model) EncodeDoc(doc collab.Doc) (json.RawMessage, error) {
	d, ok := doc.(Doc)
	if !ok {
		return nil, fmt.Errorf("unsupported document %T", doc)
	}
	return json.Marshal(d)
}

func (Model) DecodeStep(raw json.RawMessage) (collab.Step, error) {
	var s stepJSON
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s.Pos < 0 {
		return nil, fmt.Errorf("negative position %d", s.Pos)
	}
	switch s.StepType {
	case stepInsert:
		if !utf8.ValidString(s.Text) {
			return nil, errors.New("insert text is not valid utf-8")
		}
		return Insert{Pos: s.Pos, Text: s.Text}, nil
	case stepDelete:
		if s.Len < 0 {
			return nil, fmt.Errorf("negative length %d", s.Len)
		}
		return Delete{Pos: s.Pos, Len: s.Len}, nil
	default:
		return nil, fmt.Errorf("unknown step type %q", s.StepType)
	}
}

func (Model) EncodeStep(step collab.Step) (json.RawMessage, error) {
	switch op := step.(type) {
	case Insert:
		return json.Marshal(stepJSON{StepType: stepInsert, Pos: op.Pos, Text: op.Text})
	case Delete:
		return json.Marshal(stepJSON{StepType: stepDelete, Pos: op.Pos, Len: op.Len})
	default:
		return nil, fmt.Errorf("unsupported step %T", step)
	}
}

func (Model) Apply(doc collab.Doc, step collab.Step) (collab.Doc, error) {
	d, ok := doc.(Doc)
	if !ok {
		return nil, fmt.Errorf("unsupported document %T", doc)
	}
	var (
		out []rune
		err error
	)
	switch op := step.(type) {
	case Insert:
		out, err = op.apply([]rune(d.Text))
	case Delete:
		out, err = op.apply([]rune(d.Text))
	default:
		return nil, fmt.Errorf("unsupported step %T", step)
	}
	if err != nil {
		return nil, err
	}
	return Doc{Text: string(out)}, nil
}

func (Model) Rebase(local, remote []collab.Step) ([]collab.Step, error) {
	rebased, _, err := TransformPatch(local, remote)
	return rebased, err
}
