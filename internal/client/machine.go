package client

import (
	"fmt"
	"math"
	"time"

	"github.com/collabdocs/collabdocs/internal/domain/collab"
)

// Mode is the connection phase.
type Mode int

const (
	ModeStart Mode = iota
	ModePoll
	ModeSend
	ModeRecover
	ModeDetached
)

func (m Mode) String() string {
	switch m {
	case ModeStart:
		return "start"
	case ModePoll:
		return "poll"
	case ModeSend:
		return "send"
	case ModeRecover:
		return "recover"
	case ModeDetached:
		return "detached"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

const (
	DefaultSizeLimit       = 40000
	DefaultMinBackoff      = 200 * time.Millisecond
	DefaultMaxBackoff      = 60 * time.Second
	DefaultNoticeThreshold = time.Second
)

// State is what a connection knows. Edit is nil until the first load.
// Backoff survives recover episodes and is reset by any successful request.
type State struct {
	Edit    *EditState
	Mode    Mode
	Backoff time.Duration
	Users   int
}

// Event is an input to Machine.Reduce.
type Event interface{ isEvent() }

type (
	// Loaded carries a fresh document snapshot.
	Loaded struct {
		Doc     collab.Doc
		Version int
		Users   int
	}
	LoadFailed struct{ Err error }
	// Restart drops local state and reloads the document.
	Restart struct{}
	// LocalEdit carries steps the local user just made.
	LocalEdit struct{ Steps []collab.Step }

	// PollDone carries the answer of a long-poll; no steps means heartbeat.
	PollDone struct {
		Version   int
		Steps     []collab.Step
		ClientIDs []int64
		Users     int
	}
	PollFailed struct{ Err error }
	// SendDone acknowledges the batch submitted by the last SendSteps.
	SendDone struct {
		Version int
		Steps   []collab.Step
	}
	SendFailed     struct{ Err error }
	RecoverElapsed struct{}
)

func (Loaded) isEvent()         {}
func (LoadFailed) isEvent()     {}
func (Restart) isEvent()        {}
func (LocalEdit) isEvent()      {}
func (PollDone) isEvent()       {}
func (PollFailed) isEvent()     {}
func (SendDone) isEvent()       {}
func (SendFailed) isEvent()     {}
func (RecoverElapsed) isEvent() {}

// Command is a side effect requested by Machine.Reduce.
type Command interface{ isCommand() }

type (
	FetchDoc  struct{}
	PollSteps struct{ Version int }
	SendSteps struct {
		Version  int
		Steps    []collab.Step
		ClientID int64
	}
	// AbortRequest cancels the in-flight request; its answer must be dropped.
	AbortRequest struct{}
	StartTimer   struct{ Delay time.Duration }
	CancelTimer  struct{}
	Notify       struct{ Notice Notice }
)

func (FetchDoc) isCommand()     {}
func (PollSteps) isCommand()    {}
func (SendSteps) isCommand()    {}
func (AbortRequest) isCommand() {}
func (StartTimer) isCommand()   {}
func (CancelTimer) isCommand()  {}
func (Notify) isCommand()       {}

// NoticeKind classifies user-facing messages.
type NoticeKind int

const (
	// NoticeRetrying is transient: the connection keeps retrying.
	NoticeRetrying NoticeKind = iota
	// NoticeRestarting means local sync state is discarded and reloaded.
	NoticeRestarting
	// NoticeError is persistent until the user restarts.
	NoticeError
)

type Notice struct {
	Kind    NoticeKind
	Message string
}

// Machine is the client synchronization state machine. Reduce has no side
// effects; the commands it returns are carried out by a Connection.
type Machine struct {
	Model           collab.Model
	ClientID        int64
	SizeLimit       int
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
	NoticeThreshold time.Duration
}

func NewMachine(model collab.Model, clientID int64) Machine {
	return Machine{
		Model:           model,
		ClientID:        clientID,
		SizeLimit:       DefaultSizeLimit,
		MinBackoff:      DefaultMinBackoff,
		MaxBackoff:      DefaultMaxBackoff,
		NoticeThreshold: DefaultNoticeThreshold,
	}
}

// Reduce returns the state after ev and the commands to run. Answers that
// no longer match the current mode belong to a superseded request and are
// ignored.
func (m Machine) Reduce(s State, ev Event) (State, []Command) {
	switch ev := ev.(type) {
	case Restart:
		return State{Mode: ModeStart, Backoff: s.Backoff}, []Command{AbortRequest{}, CancelTimer{}, FetchDoc{}}

	case Loaded:
		if s.Mode != ModeStart {
			return s, nil
		}
		edit := NewEditState(m.Model, ev.Doc, ev.Version, m.ClientID)
		return State{Edit: edit, Mode: ModePoll, Users: ev.Users}, []Command{PollSteps{Version: ev.Version}}

	case LoadFailed:
		if s.Mode != ModeStart {
			return s, nil
		}
		return s, []Command{notify(NoticeError, "failed to load document: %v", ev.Err)}

	case LocalEdit:
		if s.Edit == nil {
			return s, nil
		}
		next, err := s.Edit.Apply(ev.Steps...)
		if err != nil {
			return s, []Command{notify(NoticeError, "local edit rejected: %v", err)}
		}
		return m.settle(s, next, false)

	case PollDone:
		if s.Mode != ModePoll {
			return s, nil
		}
		s.Backoff = 0
		s.Users = ev.Users
		if len(ev.Steps) == 0 {
			return m.settle(s, s.Edit, true)
		}
		next, err := s.Edit.Receive(ev.Steps, ev.ClientIDs)
		if err != nil {
			return m.restart(s, fmt.Sprintf("cannot merge remote steps: %v", err))
		}
		return m.settle(s, next, true)

	case PollFailed:
		if s.Mode != ModePoll {
			return s, nil
		}
		if IsStale(ev.Err) {
			return m.restart(s, "too far behind, restarting")
		}
		return m.recover(s, ev.Err)

	case SendDone:
		if s.Mode != ModeSend {
			return s, nil
		}
		s.Backoff = 0
		ids := make([]int64, len(ev.Steps))
		for i := range ids {
			ids[i] = m.ClientID
		}
		next, err := s.Edit.Receive(ev.Steps, ids)
		if err != nil {
			return m.restart(s, fmt.Sprintf("cannot confirm sent steps: %v", err))
		}
		return m.settle(s, next, true)

	case SendFailed:
		if s.Mode != ModeSend {
			return s, nil
		}
		switch {
		case IsConflict(ev.Err):
			s.Backoff = 0
			s.Mode = ModePoll
			return s, []Command{PollSteps{Version: s.Edit.Version()}}
		case IsStale(ev.Err):
			return m.restart(s, "version conflict, restarting")
		default:
			return m.recover(s, ev.Err)
		}

	case RecoverElapsed:
		if s.Mode != ModeRecover {
			return s, nil
		}
		s.Mode = ModePoll
		if send, ok := s.Edit.Sendable(); ok {
			s.Mode = ModeSend
			return s, []Command{sendSteps(send)}
		}
		return s, []Command{PollSteps{Version: s.Edit.Version()}}
	}
	return s, nil
}

// settle installs a new edit state and decides what the connection does
// next. requestDone is set when the state comes from a completed request.
func (m Machine) settle(s State, next *EditState, requestDone bool) (State, []Command) {
	send, sendable := next.Sendable()
	s.Edit = next

	switch {
	case next.Doc().Size() > m.SizeLimit:
		var cmds []Command
		if s.Mode != ModeDetached {
			cmds = []Command{AbortRequest{}, CancelTimer{}, notify(NoticeError, "document too big, detached")}
		}
		s.Mode = ModeDetached
		return s, cmds
	case s.Mode == ModeDetached:
		return s, nil
	case (s.Mode == ModePoll || requestDone) && sendable:
		s.Mode = ModeSend
		return s, []Command{AbortRequest{}, sendSteps(send)}
	case requestDone:
		s.Mode = ModePoll
		return s, []Command{PollSteps{Version: next.Version()}}
	default:
		return s, nil
	}
}

func (m Machine) restart(s State, reason string) (State, []Command) {
	next, cmds := m.Reduce(s, Restart{})
	return next, append([]Command{notify(NoticeRestarting, "%s", reason)}, cmds...)
}

// recover schedules a retry, or detaches when the failure will not go away
// by retrying.
func (m Machine) recover(s State, err error) (State, []Command) {
	if IsFatal(err) {
		s.Mode = ModeDetached
		return s, []Command{CancelTimer{}, notify(NoticeError, "%v", err)}
	}

	prev := s.Backoff
	next := m.MinBackoff
	if prev > 0 {
		next = prev * 2
		if next > m.MaxBackoff {
			next = m.MaxBackoff
		}
	}
	s.Mode = ModeRecover
	s.Backoff = next

	cmds := make([]Command, 0, 2)
	if next > m.NoticeThreshold && prev < m.NoticeThreshold {
		secs := int(math.Round(next.Seconds()))
		cmds = append(cmds, notify(NoticeRetrying, "connection issues, retrying in %ds", secs))
	}
	return s, append(cmds, StartTimer{Delay: next})
}

func sendSteps(send Sendable) SendSteps {
	return SendSteps{Version: send.Version, Steps: send.Steps, ClientID: send.ClientID}
}

func notify(kind NoticeKind, format string, args ...interface{}) Notify {
	return Notify{Notice: Notice{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}
