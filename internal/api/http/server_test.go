package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appCollab "github.com/collabdocs/collabdocs/internal/application/collab"
	"github.com/collabdocs/collabdocs/internal/api/wire"
	"github.com/collabdocs/collabdocs/internal/domain/text"
	"github.com/collabdocs/collabdocs/internal/infrastructure/memory"
	"github.com/collabdocs/collabdocs/internal/infrastructure/sse"
)

func newTestRouter(opts appCollab.Options) (http.Handler, *sse.Hub) {
	hub := sse.NewHub()
	svc := appCollab.NewService(memory.NewDocumentRepository(), text.Model{}, hub, opts, zerolog.Nop())
	return NewServer(svc, hub, zerolog.Nop()).Router(), hub
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const insertHello = `{"version":0,"clientID":11,"steps":[{"stepType":"insert","pos":0,"text":"hello"}]}`

func TestGetDoc(t *testing.T) {
	h, _ := newTestRouter(appCollab.Options{})

	rec := do(t, h, http.MethodGet, "/docs/notes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	resp := decode[wire.DocResponse](t, rec)
	assert.Equal(t, 0, resp.Version)
	assert.Equal(t, 1, resp.Users)
	assert.JSONEq(t, `{"text":""}`, string(resp.Doc))

	rec = do(t, h, http.MethodGet, "/docs/notes", "", "X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, 2, decode[wire.DocResponse](t, rec).Users)
}

func TestSubmitEvents(t *testing.T) {
	h, _ := newTestRouter(appCollab.Options{})

	rec := do(t, h, http.MethodPost, "/docs/notes/events", insertHello)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[wire.SubmitResponse](t, rec).Version)

	rec = do(t, h, http.MethodPost, "/docs/notes/events", insertHello)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, wire.CodeVersionConflict, decode[wire.ErrorResponse](t, rec).Error)

	rec = do(t, h, http.MethodGet, "/docs/notes", "")
	resp := decode[wire.DocResponse](t, rec)
	assert.Equal(t, 1, resp.Version)
	assert.JSONEq(t, `{"text":"hello"}`, string(resp.Doc))
}

func TestSubmitEventsRejectsBadInput(t *testing.T) {
	h, _ := newTestRouter(appCollab.Options{})

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed json", `{"version":`, http.StatusBadRequest, wire.CodeInvalidParam},
		{"unknown field", `{"version":0,"steps":[],"extra":1}`, http.StatusBadRequest, wire.CodeInvalidParam},
		{"unknown step type", `{"version":0,"steps":[{"stepType":"bold","pos":0}]}`, http.StatusBadRequest, wire.CodeInvalidParam},
		{"step out of range", `{"version":0,"steps":[{"stepType":"delete","pos":3,"len":2}]}`, http.StatusInternalServerError, wire.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/docs/bad/events", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[wire.ErrorResponse](t, rec).Error)
		})
	}

	rec := do(t, h, http.MethodGet, "/docs/bad", "")
	assert.Equal(t, 0, decode[wire.DocResponse](t, rec).Version)
}

func TestPollEvents(t *testing.T) {
	h, _ := newTestRouter(appCollab.Options{PollTimeout: 20 * time.Millisecond, HistoryLimit: 1})

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/docs/p/events", insertHello).Code)

	rec := do(t, h, http.MethodGet, "/docs/p/events?version=0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	ev := decode[wire.EventsResponse](t, rec)
	assert.Equal(t, 1, ev.Version)
	require.Len(t, ev.Steps, 1)
	assert.JSONEq(t, `{"stepType":"insert","pos":0,"text":"hello"}`, string(ev.Steps[0]))
	assert.Equal(t, []int64{11}, ev.ClientIDs)

	// caught up: heartbeat after the poll timeout
	rec = do(t, h, http.MethodGet, "/docs/p/events?version=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	ev = decode[wire.EventsResponse](t, rec)
	assert.Equal(t, 1, ev.Version)
	assert.NotNil(t, ev.Steps)
	assert.Empty(t, ev.Steps)

	rec = do(t, h, http.MethodGet, "/docs/p/events?version=9", "")
	require.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, wire.CodeInvalidVersion, decode[wire.ErrorResponse](t, rec).Error)

	rec = do(t, h, http.MethodGet, "/docs/p/events?version=x", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := `{"version":1,"clientID":12,"steps":[{"stepType":"insert","pos":5,"text":"!"}]}`
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/docs/p/events", body).Code)
	rec = do(t, h, http.MethodGet, "/docs/p/events?version=0", "")
	require.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, wire.CodeHistoryGone, decode[wire.ErrorResponse](t, rec).Error)
}

func TestPollReleasedBySubmit(t *testing.T) {
	h, _ := newTestRouter(appCollab.Options{PollTimeout: time.Minute})
	srv := httptest.NewServer(h)
	defer srv.Close()

	done := make(chan wire.EventsResponse, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/docs/live/events?version=0")
		if err != nil {
			return
		}
		defer resp.Body.Close()
		var ev wire.EventsResponse
		_ = json.NewDecoder(resp.Body).Decode(&ev)
		done <- ev
	}()

	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/docs", "")
		docs := decode[[]wire.DocSummary](t, rec)
		return len(docs) == 1 && docs[0].Waiting == 1
	}, time.Second, 5*time.Millisecond)

	resp, err := http.Post(srv.URL+"/docs/live/events", "application/json", strings.NewReader(insertHello))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case ev := <-done:
		assert.Equal(t, 1, ev.Version)
		assert.Len(t, ev.Steps, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("long poll not released")
	}
}

func TestListDocsAndHealth(t *testing.T) {
	h, _ := newTestRouter(appCollab.Options{})
	do(t, h, http.MethodGet, "/docs/b", "")
	do(t, h, http.MethodPost, "/docs/a/events", insertHello)

	rec := do(t, h, http.MethodGet, "/docs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	docs := decode[[]wire.DocSummary](t, rec)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, 1, docs[0].Version)
	assert.Equal(t, "b", docs[1].ID)

	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDocStream(t *testing.T) {
	h, hub := newTestRouter(appCollab.Options{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	rec := do(t, h, http.MethodGet, "/docs/stream", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/docs/stream?client_id=c1&doc_id=s", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	do(t, h, http.MethodPost, "/docs/other/events", insertHello)
	do(t, h, http.MethodPost, "/docs/s/events", insertHello)

	reader := bufio.NewReader(resp.Body)
	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}
	var msg sse.Message
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.Equal(t, "doc", msg.Event)
	assert.Equal(t, "s", msg.DocumentID)

	var ev wire.DocEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, wire.DocEvent{DocID: "s", Version: 1, Users: 1, ClientID: 11, Steps: 1}, ev)
}
