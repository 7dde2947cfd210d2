package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabdocs/collabdocs/internal/api/wire"
	"github.com/collabdocs/collabdocs/internal/domain/collab"
	"github.com/collabdocs/collabdocs/internal/domain/text"
)

// fakeServer is an in-process Transport backed by a StepLog.
type fakeServer struct {
	mu        sync.Mutex
	log       *collab.StepLog
	changed   chan struct{}
	failPolls int
	polls     int
	submits   int
	aborted   int
}

func newFakeServer(doc string) *fakeServer {
	return &fakeServer{
		log:     collab.NewStepLog(text.Doc{Text: doc}, collab.DefaultHistoryLimit),
		changed: make(chan struct{}),
	}
}

func (f *fakeServer) GetDoc(ctx context.Context, docID string) (*wire.DocResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := text.Model{}.EncodeDoc(f.log.Doc())
	if err != nil {
		return nil, err
	}
	return &wire.DocResponse{Doc: raw, Version: f.log.Version(), Users: 1}, nil
}

func (f *fakeServer) PollEvents(ctx context.Context, docID string, version int) (*wire.EventsResponse, error) {
	f.mu.Lock()
	f.polls++
	if f.failPolls > 0 {
		f.failPolls--
		f.mu.Unlock()
		return nil, &StatusError{Status: http.StatusServiceUnavailable}
	}
	for {
		entries, err := f.log.Since(version)
		if err != nil {
			f.mu.Unlock()
			return nil, &StatusError{Status: http.StatusGone, Code: wire.CodeHistoryGone}
		}
		if len(entries) > 0 {
			resp := &wire.EventsResponse{Version: f.log.Version(), Users: 1}
			for _, e := range entries {
				raw, _ := text.Model{}.EncodeStep(e.Step)
				resp.Steps = append(resp.Steps, raw)
				resp.ClientIDs = append(resp.ClientIDs, e.ClientID)
			}
			f.mu.Unlock()
			return resp, nil
		}
		ch := f.changed
		f.mu.Unlock()
		select {
		case <-ch:
			f.mu.Lock()
		case <-ctx.Done():
			f.mu.Lock()
			f.aborted++
			f.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

func (f *fakeServer) SubmitEvents(ctx context.Context, docID string, req *wire.SubmitRequest) (*wire.SubmitResponse, error) {
	steps, err := collab.DecodeSteps(text.Model{}, req.Steps)
	if err != nil {
		return nil, &StatusError{Status: http.StatusBadRequest, Code: wire.CodeInvalidParam}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	v, err := f.log.Append(text.Model{}, req.Version, steps, req.ClientID)
	if errors.Is(err, collab.ErrVersionConflict) {
		return nil, &StatusError{Status: http.StatusConflict, Code: wire.CodeVersionConflict}
	}
	if err != nil {
		return nil, &StatusError{Status: http.StatusInternalServerError, Code: wire.CodeInternal}
	}
	close(f.changed)
	f.changed = make(chan struct{})
	return &wire.SubmitResponse{Version: v}, nil
}

func (f *fakeServer) snapshot() (text.Doc, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.log.Doc().(text.Doc), f.log.Version()
}

func (f *fakeServer) counts() (polls, submits, aborted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls, f.submits, f.aborted
}

func startConnection(t *testing.T, srv Transport, opts Options) *Connection {
	t.Helper()
	c := NewConnection("doc", srv, text.Model{}, opts)
	t.Cleanup(c.Close)
	c.Start()
	waitFor(t, c, func(s State) bool { return s.Mode == ModePoll })
	return c
}

func waitFor(t *testing.T, c *Connection, cond func(State) bool) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := c.WaitUntil(ctx, cond)
	require.NoError(t, err, "last state: mode=%s", s.Mode)
	return s
}

func synced(version int) func(State) bool {
	return func(s State) bool {
		return s.Edit != nil && s.Mode == ModePoll && s.Edit.Version() == version && len(s.Edit.Unconfirmed()) == 0
	}
}

func TestConnection_EditReachesOtherClient(t *testing.T) {
	srv := newFakeServer("")
	a := startConnection(t, srv, Options{ClientID: 1})
	b := startConnection(t, srv, Options{ClientID: 2})

	a.Edit(text.Insert{Pos: 0, Text: "hello"})

	sa := waitFor(t, a, synced(1))
	sb := waitFor(t, b, synced(1))
	doc, version := srv.snapshot()
	assert.Equal(t, 1, version)
	assert.Equal(t, text.Doc{Text: "hello"}, doc)
	assert.Equal(t, doc, sa.Edit.Doc())
	assert.Equal(t, doc, sb.Edit.Doc())
}

func TestConnection_ConcurrentEditorsConverge(t *testing.T) {
	srv := newFakeServer("--")
	a := startConnection(t, srv, Options{ClientID: 1})
	b := startConnection(t, srv, Options{ClientID: 2})

	var wg sync.WaitGroup
	for _, c := range []struct {
		conn *Connection
		tag  string
	}{{a, "a"}, {b, "b"}} {
		wg.Add(1)
		go func(conn *Connection, tag string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if tag == "a" {
					conn.Edit(text.Insert{Pos: 0, Text: fmt.Sprint(i)})
				} else {
					n := conn.State().Edit.Doc().Size()
					conn.Edit(text.Insert{Pos: n, Text: fmt.Sprint(i)})
				}
				time.Sleep(time.Millisecond)
			}
		}(c.conn, c.tag)
	}
	wg.Wait()

	sa := waitFor(t, a, synced(20))
	sb := waitFor(t, b, synced(20))
	doc, version := srv.snapshot()
	assert.Equal(t, 20, version)
	assert.Equal(t, 22, doc.Size())
	assert.Equal(t, doc, sa.Edit.Doc())
	assert.Equal(t, doc, sb.Edit.Doc())
}

func TestConnection_RecoversFromTransientFailures(t *testing.T) {
	srv := newFakeServer("x")
	srv.failPolls = 2

	var mu sync.Mutex
	var modes []Mode
	var noticesSeen []Notice
	c := startConnection(t, srv, Options{
		ClientID: 1,
		OnChange: func(s State) {
			mu.Lock()
			modes = append(modes, s.Mode)
			mu.Unlock()
		},
		OnNotice: func(n Notice) {
			mu.Lock()
			noticesSeen = append(noticesSeen, n)
			mu.Unlock()
		},
	})

	require.Eventually(t, func() bool {
		polls, _, _ := srv.counts()
		return polls >= 3
	}, 5*time.Second, 10*time.Millisecond)
	waitFor(t, c, func(s State) bool { return s.Mode == ModePoll })
	c.Edit(text.Insert{Pos: 1, Text: "y"})
	s := waitFor(t, c, synced(1))
	assert.Equal(t, time.Duration(0), s.Backoff)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, modes, ModeRecover)
	assert.Empty(t, noticesSeen, "short outages stay silent")
	polls, _, _ := srv.counts()
	assert.GreaterOrEqual(t, polls, 3)
}

func TestConnection_CloseStopsNetworkAndTimers(t *testing.T) {
	srv := newFakeServer("")
	srv.failPolls = 1000
	c := NewConnection("doc", srv, text.Model{}, Options{ClientID: 1})
	c.Start()
	waitFor(t, c, func(s State) bool { return s.Mode == ModeRecover })

	c.Close()
	c.Close()
	before, _, _ := srv.counts()
	time.Sleep(500 * time.Millisecond)
	after, _, _ := srv.counts()
	assert.Equal(t, before, after)

	_, err := c.WaitUntil(context.Background(), func(s State) bool { return false })
	assert.ErrorIs(t, err, ErrClosed)

	// no effect after close
	c.Edit(text.Insert{Pos: 0, Text: "late"})
	_, submits, _ := srv.counts()
	assert.Equal(t, 0, submits)
}

func TestConnection_EditAbortsInflightPoll(t *testing.T) {
	srv := newFakeServer("")
	c := startConnection(t, srv, Options{ClientID: 1})
	require.Eventually(t, func() bool {
		polls, _, _ := srv.counts()
		return polls == 1
	}, time.Second, 5*time.Millisecond)

	c.Edit(text.Insert{Pos: 0, Text: "x"})
	waitFor(t, c, synced(1))

	_, submits, _ := srv.counts()
	assert.Equal(t, 1, submits)
	require.Eventually(t, func() bool {
		_, _, aborted := srv.counts()
		return aborted >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestConnection_SizeLimitDetaches(t *testing.T) {
	srv := newFakeServer("")
	var mu sync.Mutex
	var got []Notice
	c := startConnection(t, srv, Options{
		ClientID:  1,
		SizeLimit: 4,
		OnNotice: func(n Notice) {
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		},
	})

	c.Edit(text.Insert{Pos: 0, Text: "too long"})
	s := waitFor(t, c, func(s State) bool { return s.Mode == ModeDetached })
	assert.Equal(t, text.Doc{Text: "too long"}, s.Edit.Doc())

	time.Sleep(50 * time.Millisecond)
	_, submits, _ := srv.counts()
	assert.Equal(t, 0, submits)

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, NoticeError, got[0].Kind)
	mu.Unlock()

	c.Restart()
	s = waitFor(t, c, func(s State) bool { return s.Mode == ModePoll })
	assert.Equal(t, text.Doc{}, s.Edit.Doc())
}
