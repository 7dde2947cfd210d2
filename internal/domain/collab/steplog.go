package collab

import (
	"fmt"
	"sort"
)

// StepLog is the authoritative state of one document: its version, a
// bounded window of recently accepted steps and the materialized document.
// It is not safe for concurrent use; callers serialize access per document.
type StepLog struct {
	doc       Doc
	version   int
	history   []Entry
	limit     int
	observers map[string]struct{}
}

// NewStepLog starts a log at version 0 over doc.
func NewStepLog(doc Doc, limit int) *StepLog {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &StepLog{
		doc:       doc,
		limit:     limit,
		observers: make(map[string]struct{}),
	}
}

// RestoreStepLog rebuilds a log from persisted state. doc is the
// materialized document at version; history holds the most recent steps
// leading up to it.
func RestoreStepLog(doc Doc, version int, history []Entry, observers []string, limit int) (*StepLog, error) {
	if version < 0 {
		return nil, fmt.Errorf("negative version %d", version)
	}
	if len(history) > version {
		return nil, fmt.Errorf("history of %d steps exceeds version %d", len(history), version)
	}
	l := NewStepLog(doc, limit)
	l.version = version
	l.history = append([]Entry(nil), history...)
	l.trim()
	for _, o := range observers {
		l.AddObserver(o)
	}
	return l, nil
}

func (l *StepLog) Version() int { return l.version }

func (l *StepLog) Doc() Doc { return l.doc }

// History returns a copy of the retained window, oldest first.
func (l *StepLog) History() []Entry {
	return append([]Entry(nil), l.history...)
}

// AddObserver records a participant. Empty ids are ignored.
func (l *StepLog) AddObserver(id string) {
	if id == "" {
		return
	}
	l.observers[id] = struct{}{}
}

func (l *StepLog) ObserverCount() int { return len(l.observers) }

// Observers returns the known participants in sorted order.
func (l *StepLog) Observers() []string {
	out := make([]string, 0, len(l.observers))
	for o := range l.observers {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// Since returns the steps accepted after version, in acceptance order.
// A caught-up version yields an empty batch. Versions ahead of the log are
// invalid; versions older than the retained window are gone.
func (l *StepLog) Since(version int) ([]Entry, error) {
	if version < 0 || version > l.version {
		return nil, ErrInvalidVersion
	}
	if version == l.version {
		return []Entry{}, nil
	}
	start := len(l.history) - (l.version - version)
	if start < 0 {
		return nil, ErrHistoryGone
	}
	return append([]Entry(nil), l.history[start:]...), nil
}

// Append applies a batch submitted against expected. The batch is atomic:
// if any step fails to apply the log is left untouched.
func (l *StepLog) Append(model Model, expected int, steps []Step, clientID int64) (int, error) {
	if expected != l.version {
		return l.version, ErrVersionConflict
	}
	doc := l.doc
	for i, step := range steps {
		next, err := model.Apply(doc, step)
		if err != nil {
			return l.version, fmt.Errorf("%w: step %d: %v", ErrStepApply, i, err)
		}
		doc = next
	}
	l.doc = doc
	for _, step := range steps {
		l.history = append(l.history, Entry{Step: step, ClientID: clientID})
	}
	l.version += len(steps)
	l.trim()
	return l.version, nil
}

func (l *StepLog) trim() {
	if over := len(l.history) - l.limit; over > 0 {
		l.history = append([]Entry(nil), l.history[over:]...)
	}
}
