package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	appCollab "github.com/collabdocs/collabdocs/internal/application/collab"
	"github.com/collabdocs/collabdocs/internal/api/wire"
	"github.com/collabdocs/collabdocs/internal/domain/collab"
	"github.com/collabdocs/collabdocs/internal/infrastructure/sse"
)

func (s *Server) listDocs(w http.ResponseWriter, r *http.Request) {
	docs := s.docs.ListDocuments()
	out := make([]wire.DocSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, wire.DocSummary{ID: d.ID, Version: d.Version, Users: d.Users, Waiting: d.Waiting})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) getDoc(w http.ResponseWriter, r *http.Request) {
	state, err := s.docs.GetDocument(r.Context(), chi.URLParam(r, "docId"), observerFromRequest(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	doc, err := s.docs.Model().EncodeDoc(state.Doc)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, wire.DocResponse{
		Doc:     doc,
		Version: state.Version,
		Users:   state.Users,
	})
}

// pollEvents answers immediately when the caller is behind and otherwise
// holds the request until new steps arrive or the poll times out.
func (s *Server) pollEvents(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("version")
	version, err := strconv.Atoi(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, wire.CodeInvalidParam, "invalid version")
		return
	}

	ev, err := s.docs.WaitForSteps(r.Context(), chi.URLParam(r, "docId"), version, observerFromRequest(r))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// the client went away; nobody is left to answer
			return
		}
		s.respondServiceError(w, r, err)
		return
	}
	steps, err := collab.EncodeSteps(s.docs.Model(), ev.Steps)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, wire.EventsResponse{
		Version:   ev.Version,
		Steps:     steps,
		ClientIDs: ev.ClientIDs,
		Users:     ev.Users,
	})
}

func (s *Server) submitEvents(w http.ResponseWriter, r *http.Request) {
	var req wire.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, wire.CodeInvalidParam, err.Error())
		return
	}
	steps, err := collab.DecodeSteps(s.docs.Model(), req.Steps)
	if err != nil {
		respondError(w, http.StatusBadRequest, wire.CodeInvalidParam, err.Error())
		return
	}

	version, err := s.docs.SubmitSteps(r.Context(), appCollab.SubmitInput{
		DocumentID: chi.URLParam(r, "docId"),
		Version:    req.Version,
		Steps:      steps,
		ClientID:   req.ClientID,
		Observer:   observerFromRequest(r),
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, wire.SubmitResponse{Version: version})
}

// docStream streams document activity from the shared SSE hub.
func (s *Server) docStream(w http.ResponseWriter, r *http.Request) {
	if s.sseHub == nil {
		respondError(w, http.StatusNotFound, wire.CodeNotFound, "activity stream disabled")
		return
	}
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		respondError(w, http.StatusBadRequest, wire.CodeInvalidParam, "client_id required")
		return
	}
	docFilter := strings.TrimSpace(r.URL.Query().Get("doc_id"))
	if docFilter != "" {
		id, err := collab.ValidateDocumentID(docFilter)
		if err != nil {
			respondError(w, http.StatusBadRequest, wire.CodeInvalidParam, err.Error())
			return
		}
		docFilter = id
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, wire.CodeInternal, "streaming not supported")
		return
	}

	client := sse.NewClient(clientID, docFilter)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.MessageChan:
			if !open {
				return
			}
			payload, _ := json.Marshal(msg)
			_, _ = w.Write([]byte("event: " + msg.Event + "\n"))
			_, _ = w.Write([]byte("id: " + msg.ID + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
