// Package wire holds the JSON bodies exchanged between the document server
// and its clients.
package wire

import "encoding/json"

// Error codes carried in ErrorResponse.Error.
const (
	CodeInvalidParam    = "INVALID_PARAM"
	CodeVersionConflict = "VERSION_CONFLICT"
	CodeHistoryGone     = "HISTORY_GONE"
	CodeInvalidVersion  = "INVALID_VERSION"
	CodeInternal        = "INTERNAL_ERROR"
	CodeNotFound        = "NOT_FOUND"
)

// DocResponse answers GET /docs/{id}.
type DocResponse struct {
	Doc     json.RawMessage `json:"doc"`
	Version int             `json:"version"`
	Users   int             `json:"users"`
}

// EventsResponse answers GET /docs/{id}/events. An empty Steps list is a
// heartbeat.
type EventsResponse struct {
	Version   int               `json:"version"`
	Steps     []json.RawMessage `json:"steps"`
	ClientIDs []int64           `json:"clientIDs"`
	Users     int               `json:"users"`
}

// SubmitRequest is the body of POST /docs/{id}/events.
type SubmitRequest struct {
	Version  int               `json:"version"`
	Steps    []json.RawMessage `json:"steps"`
	ClientID int64             `json:"clientID"`
}

// SubmitResponse acknowledges an accepted batch.
type SubmitResponse struct {
	Version int `json:"version"`
}

// DocSummary is one entry of GET /docs.
type DocSummary struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Users   int    `json:"users"`
	Waiting int    `json:"waiting"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// DocEvent is the data of a "doc" activity stream event.
type DocEvent struct {
	DocID    string `json:"docId"`
	Version  int    `json:"version"`
	Users    int    `json:"users"`
	ClientID int64  `json:"clientID"`
	Steps    int    `json:"steps"`
}
