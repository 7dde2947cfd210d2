package client

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/collabdocs/collabdocs/internal/domain/collab"
)

// NewClientID returns a random positive id that tags the steps a client
// submits so it can recognize them when they come back.
func NewClientID() int64 {
	u := uuid.New()
	return int64(binary.BigEndian.Uint64(u[:8]) >> 1)
}

// EditState is the local copy of a document: the last version confirmed by
// the server plus the local steps the server has not acknowledged yet.
// Values are immutable; every change returns a new EditState.
type EditState struct {
	model       collab.Model
	clientID    int64
	version     int
	base        collab.Doc
	doc         collab.Doc
	unconfirmed []collab.Step
}

func NewEditState(model collab.Model, doc collab.Doc, version int, clientID int64) *EditState {
	return &EditState{
		model:    model,
		clientID: clientID,
		version:  version,
		base:     doc,
		doc:      doc,
	}
}

// Version is the last server version this state has caught up to.
func (e *EditState) Version() int { return e.version }

// Doc is the document as the local user sees it, unconfirmed steps included.
func (e *EditState) Doc() collab.Doc { return e.doc }

// Confirmed is the document at Version, without local steps.
func (e *EditState) Confirmed() collab.Doc { return e.base }

func (e *EditState) ClientID() int64 { return e.clientID }

func (e *EditState) Unconfirmed() []collab.Step {
	return append([]collab.Step(nil), e.unconfirmed...)
}

// Apply records local steps on top of the current document.
func (e *EditState) Apply(steps ...collab.Step) (*EditState, error) {
	doc, err := applyAll(e.model, e.doc, steps)
	if err != nil {
		return nil, err
	}
	next := *e
	next.doc = doc
	next.unconfirmed = append(append(make([]collab.Step, 0, len(e.unconfirmed)+len(steps)), e.unconfirmed...), steps...)
	return &next, nil
}

// Receive merges steps the server accepted after Version. Leading steps
// tagged with this client's id confirm the oldest unconfirmed local steps;
// the rest are remote and the remaining local steps are rebased past them.
func (e *EditState) Receive(steps []collab.Step, clientIDs []int64) (*EditState, error) {
	if len(steps) != len(clientIDs) {
		return nil, fmt.Errorf("%d steps with %d client ids", len(steps), len(clientIDs))
	}
	ours := 0
	for ours < len(steps) && ours < len(e.unconfirmed) && clientIDs[ours] == e.clientID {
		ours++
	}

	base, err := applyAll(e.model, e.base, steps)
	if err != nil {
		return nil, fmt.Errorf("apply server steps at version %d: %w", e.version, err)
	}
	pending := append([]collab.Step(nil), e.unconfirmed[ours:]...)
	if remote := steps[ours:]; len(remote) > 0 && len(pending) > 0 {
		pending, err = e.model.Rebase(pending, remote)
		if err != nil {
			return nil, fmt.Errorf("rebase local steps: %w", err)
		}
	}
	doc, err := applyAll(e.model, base, pending)
	if err != nil {
		return nil, fmt.Errorf("reapply local steps: %w", err)
	}

	return &EditState{
		model:       e.model,
		clientID:    e.clientID,
		version:     e.version + len(steps),
		base:        base,
		doc:         doc,
		unconfirmed: pending,
	}, nil
}

// Sendable is a batch ready for submission.
type Sendable struct {
	Version  int
	Steps    []collab.Step
	ClientID int64
}

// Sendable reports the unconfirmed steps, if any.
func (e *EditState) Sendable() (Sendable, bool) {
	if len(e.unconfirmed) == 0 {
		return Sendable{}, false
	}
	return Sendable{
		Version:  e.version,
		Steps:    e.Unconfirmed(),
		ClientID: e.clientID,
	}, true
}

func applyAll(model collab.Model, doc collab.Doc, steps []collab.Step) (collab.Doc, error) {
	for i, step := range steps {
		next, err := model.Apply(doc, step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		doc = next
	}
	return doc, nil
}
