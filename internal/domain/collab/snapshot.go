package collab

import (
	"fmt"
	"time"
)

// Snapshot captures the log for persistence.
func (l *StepLog) Snapshot(model Model, documentID string, createdAt, now time.Time) (*Snapshot, error) {
	doc, err := model.EncodeDoc(l.doc)
	if err != nil {
		return nil, fmt.Errorf("encode doc: %w", err)
	}
	steps := make([]StoredStep, 0, len(l.history))
	for _, e := range l.history {
		raw, err := model.EncodeStep(e.Step)
		if err != nil {
			return nil, fmt.Errorf("encode step: %w", err)
		}
		steps = append(steps, StoredStep{Step: raw, ClientID: e.ClientID})
	}
	return &Snapshot{
		DocumentID: documentID,
		Doc:        doc,
		Version:    l.version,
		Steps:      steps,
		Users:      l.Observers(),
		CreatedAt:  createdAt,
		UpdatedAt:  now,
	}, nil
}

// RestoreSnapshot materializes a log from a persisted snapshot.
func RestoreSnapshot(model Model, snap *Snapshot, limit int) (*StepLog, error) {
	doc, err := model.DecodeDoc(snap.Doc)
	if err != nil {
		return nil, fmt.Errorf("decode doc: %w", err)
	}
	history := make([]Entry, 0, len(snap.Steps))
	for i, s := range snap.Steps {
		step, err := model.DecodeStep(s.Step)
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", i, err)
		}
		history = append(history, Entry{Step: step, ClientID: s.ClientID})
	}
	return RestoreStepLog(doc, snap.Version, history, snap.Users, limit)
}
