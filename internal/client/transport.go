package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/collabdocs/collabdocs/internal/api/wire"
)

// StatusError is a non-2xx answer from the document server.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("request failed: %d %s", e.Status, e.Message)
}

func statusOf(err error) (*StatusError, bool) {
	var se *StatusError
	ok := errors.As(err, &se)
	return se, ok
}

// IsConflict reports a submission lost to a concurrent writer.
func IsConflict(err error) bool {
	se, ok := statusOf(err)
	return ok && se.Status == http.StatusConflict
}

// IsStale reports that the client's version is unusable and it must reload.
func IsStale(err error) bool {
	se, ok := statusOf(err)
	if !ok {
		return false
	}
	if se.Status == http.StatusGone {
		return true
	}
	return se.Status == http.StatusBadRequest &&
		(se.Code == wire.CodeInvalidVersion || strings.Contains(strings.ToLower(se.Message), "invalid version"))
}

// IsFatal reports a client-class failure that retrying cannot fix.
func IsFatal(err error) bool {
	se, ok := statusOf(err)
	return ok && se.Status < 500 && !IsConflict(err) && !IsStale(err)
}

// Transport carries the sync protocol to a document server.
type Transport interface {
	GetDoc(ctx context.Context, docID string) (*wire.DocResponse, error)
	PollEvents(ctx context.Context, docID string, version int) (*wire.EventsResponse, error)
	SubmitEvents(ctx context.Context, docID string, req *wire.SubmitRequest) (*wire.SubmitResponse, error)
}

// HTTPTransport talks to the JSON API of cmd/server.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport returns a transport for baseURL. The client must not set
// a Timeout shorter than the server's long-poll timeout; nil uses a client
// without one and relies on request contexts.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (t *HTTPTransport) docURL(docID string, suffix string) string {
	return t.baseURL + "/docs/" + url.PathEscape(docID) + suffix
}

func (t *HTTPTransport) GetDoc(ctx context.Context, docID string) (*wire.DocResponse, error) {
	var out wire.DocResponse
	if err := t.do(ctx, http.MethodGet, t.docURL(docID, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *HTTPTransport) PollEvents(ctx context.Context, docID string, version int) (*wire.EventsResponse, error) {
	var out wire.EventsResponse
	u := t.docURL(docID, "/events") + "?version=" + strconv.Itoa(version)
	if err := t.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *HTTPTransport) SubmitEvents(ctx context.Context, docID string, req *wire.SubmitRequest) (*wire.SubmitResponse, error) {
	var out wire.SubmitResponse
	if err := t.do(ctx, http.MethodPost, t.docURL(docID, "/events"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDocs returns the server's active documents.
func (t *HTTPTransport) ListDocs(ctx context.Context) ([]wire.DocSummary, error) {
	var out []wire.DocSummary
	if err := t.do(ctx, http.MethodGet, t.baseURL+"/docs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, u string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		se := &StatusError{Status: resp.StatusCode}
		var e wire.ErrorResponse
		if data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); json.Unmarshal(data, &e) == nil {
			se.Code = e.Error
			se.Message = e.Message
		}
		return se
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, u, err)
	}
	return nil
}
