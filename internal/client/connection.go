package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/collabdocs/collabdocs/internal/api/wire"
	"github.com/collabdocs/collabdocs/internal/domain/collab"
)

// ErrClosed is returned by waits on a closed connection.
var ErrClosed = errors.New("connection closed")

// Options configures a Connection. Zero values use the defaults of
// NewMachine and a random client id.
type Options struct {
	ClientID  int64
	SizeLimit int
	// OnChange is called after every state change, outside any lock.
	OnChange func(State)
	// OnNotice receives user-facing messages.
	OnNotice func(Notice)
	Logger   zerolog.Logger
}

// Connection keeps one document in sync with the server. It runs the
// commands of a Machine: at most one request is in flight, superseded
// answers are dropped and no timer fires after Close.
type Connection struct {
	docID     string
	transport Transport
	machine   Machine
	onChange  func(State)
	onNotice  func(Notice)
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	closed   bool
	changed  chan struct{}
	reqSeq   uint64
	abortReq context.CancelFunc
	timer    *time.Timer
	timerSeq uint64
	wg       sync.WaitGroup
}

// NewConnection creates a connection for docID. Call Start to load it.
func NewConnection(docID string, transport Transport, model collab.Model, opts Options) *Connection {
	clientID := opts.ClientID
	if clientID == 0 {
		clientID = NewClientID()
	}
	machine := NewMachine(model, clientID)
	if opts.SizeLimit > 0 {
		machine.SizeLimit = opts.SizeLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		docID:     docID,
		transport: transport,
		machine:   machine,
		onChange:  opts.OnChange,
		onNotice:  opts.OnNotice,
		logger:    opts.Logger.With().Str("doc_id", docID).Int64("client_id", clientID).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		changed:   make(chan struct{}),
	}
}

// Start loads the document and begins syncing.
func (c *Connection) Start() { c.dispatch(Restart{}) }

// Restart discards local sync state and reloads. It is the only way out of
// ModeDetached.
func (c *Connection) Restart() { c.dispatch(Restart{}) }

// Edit applies local steps immediately and schedules them for submission.
func (c *Connection) Edit(steps ...collab.Step) { c.dispatch(LocalEdit{Steps: steps}) }

// State returns a snapshot of the connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitUntil blocks until cond holds for the connection state.
func (c *Connection) WaitUntil(ctx context.Context, cond func(State) bool) (State, error) {
	for {
		c.mu.Lock()
		s, closed, changed := c.state, c.closed, c.changed
		c.mu.Unlock()
		if cond(s) {
			return s, nil
		}
		if closed {
			return s, ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// Close aborts the in-flight request, stops timers and waits for request
// goroutines to finish. Safe to call more than once, but not from OnChange
// or OnNotice.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.abortLocked()
	c.stopTimerLocked()
	c.cancel()
	close(c.changed)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Connection) dispatch(ev Event) {
	c.dispatchIf(ev, func() bool { return true })
}

// dispatchIf reduces ev only if current still holds under the lock, so a
// superseded request or timer cannot slip an event in.
func (c *Connection) dispatchIf(ev Event, current func() bool) {
	c.mu.Lock()
	if c.closed || !current() {
		c.mu.Unlock()
		return
	}
	notices := c.reduceLocked(ev)
	state := c.state
	c.mu.Unlock()

	for _, n := range notices {
		c.logger.Info().Str("mode", state.Mode.String()).Msg(n.Message)
		if c.onNotice != nil {
			c.onNotice(n)
		}
	}
	if c.onChange != nil {
		c.onChange(state)
	}
}

// reduceLocked advances the machine and runs its commands. Notices are
// returned so callbacks run without the lock.
func (c *Connection) reduceLocked(ev Event) []Notice {
	prev := c.state.Mode
	next, cmds := c.machine.Reduce(c.state, ev)
	c.state = next
	if prev != next.Mode {
		c.logger.Debug().Str("from", prev.String()).Str("to", next.Mode.String()).Msg("mode changed")
	}

	var notices []Notice
	for _, cmd := range cmds {
		switch cmd := cmd.(type) {
		case FetchDoc:
			c.fetchLocked()
		case PollSteps:
			c.pollLocked(cmd.Version)
		case SendSteps:
			c.sendLocked(cmd)
		case AbortRequest:
			c.abortLocked()
		case StartTimer:
			c.startTimerLocked(cmd.Delay)
		case CancelTimer:
			c.stopTimerLocked()
		case Notify:
			notices = append(notices, cmd.Notice)
		}
	}

	close(c.changed)
	c.changed = make(chan struct{})
	return notices
}

// request runs fn in the background as the single in-flight request. Its
// resulting event is dropped if another request or an abort superseded it.
func (c *Connection) request(fn func(ctx context.Context) Event) {
	c.abortLocked()
	ctx, cancel := context.WithCancel(c.ctx)
	c.abortReq = cancel
	seq := c.reqSeq

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		ev := fn(ctx)
		c.dispatchIf(ev, func() bool {
			if seq != c.reqSeq {
				return false
			}
			c.abortReq = nil
			return true
		})
	}()
}

func (c *Connection) abortLocked() {
	if c.abortReq != nil {
		c.abortReq()
		c.abortReq = nil
	}
	c.reqSeq++
}

func (c *Connection) fetchLocked() {
	model := c.machine.Model
	c.request(func(ctx context.Context) Event {
		resp, err := c.transport.GetDoc(ctx, c.docID)
		if err != nil {
			return LoadFailed{Err: err}
		}
		doc, err := model.DecodeDoc(resp.Doc)
		if err != nil {
			return LoadFailed{Err: err}
		}
		return Loaded{Doc: doc, Version: resp.Version, Users: resp.Users}
	})
}

func (c *Connection) pollLocked(version int) {
	model := c.machine.Model
	c.request(func(ctx context.Context) Event {
		resp, err := c.transport.PollEvents(ctx, c.docID, version)
		if err != nil {
			return PollFailed{Err: err}
		}
		steps, err := collab.DecodeSteps(model, resp.Steps)
		if err != nil {
			return PollFailed{Err: err}
		}
		return PollDone{Version: resp.Version, Steps: steps, ClientIDs: resp.ClientIDs, Users: resp.Users}
	})
}

func (c *Connection) sendLocked(cmd SendSteps) {
	model := c.machine.Model
	c.request(func(ctx context.Context) Event {
		raws, err := collab.EncodeSteps(model, cmd.Steps)
		if err != nil {
			return SendFailed{Err: err}
		}
		resp, err := c.transport.SubmitEvents(ctx, c.docID, &wire.SubmitRequest{
			Version:  cmd.Version,
			Steps:    raws,
			ClientID: cmd.ClientID,
		})
		if err != nil {
			return SendFailed{Err: err}
		}
		return SendDone{Version: resp.Version, Steps: cmd.Steps}
	})
}

func (c *Connection) startTimerLocked(d time.Duration) {
	c.stopTimerLocked()
	seq := c.timerSeq
	c.timer = time.AfterFunc(d, func() {
		c.dispatchIf(RecoverElapsed{}, func() bool {
			if seq != c.timerSeq {
				return false
			}
			c.timer = nil
			return true
		})
	})
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}
