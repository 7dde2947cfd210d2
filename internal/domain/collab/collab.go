package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultHistoryLimit bounds the retrievable step history per document.
const DefaultHistoryLimit = 1000

const maxDocumentIDLength = 200

var (
	ErrVersionConflict   = errors.New("version not current")
	ErrInvalidVersion    = errors.New("invalid version")
	ErrHistoryGone       = errors.New("history no longer available")
	ErrStepApply         = errors.New("step application failed")
	ErrInvalidStep       = errors.New("invalid step")
	ErrInvalidDocumentID = errors.New("invalid document id")
	// ErrStaleSnapshot is returned by Repository.Save when a newer version
	// is already stored and nothing was written.
	ErrStaleSnapshot = errors.New("stored snapshot is newer")
)

// Doc is a materialized document produced by a Model.
type Doc interface {
	// Size reports the document length in content units.
	Size() int
}

// Step is an opaque edit operation understood by a Model.
type Step interface{}

// Model is the document algebra consumed by the step log and the client.
// Apply must be deterministic and report failure explicitly.
type Model interface {
	NewDoc() Doc
	DecodeDoc(raw json.RawMessage) (Doc, error)
	EncodeDoc(doc Doc) (json.RawMessage, error)
	DecodeStep(raw json.RawMessage) (Step, error)
	EncodeStep(step Step) (json.RawMessage, error)
	Apply(doc Doc, step Step) (Doc, error)
	// Rebase transforms local steps so they apply after remote steps.
	Rebase(local, remote []Step) ([]Step, error)
}

// Entry is one accepted step tagged with the client that submitted it.
type Entry struct {
	Step     Step
	ClientID int64
}

// ValidateDocumentID normalizes a document id from a request.
func ValidateDocumentID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxDocumentIDLength {
		return "", ErrInvalidDocumentID
	}
	return id, nil
}

// DecodeSteps decodes a batch of wire steps.
func DecodeSteps(model Model, raws []json.RawMessage) ([]Step, error) {
	steps := make([]Step, 0, len(raws))
	for i, raw := range raws {
		step, err := model.DecodeStep(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", ErrInvalidStep, i, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// EncodeSteps encodes steps for the wire or for storage.
func EncodeSteps(model Model, steps []Step) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(steps))
	for _, step := range steps {
		raw, err := model.EncodeStep(step)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
