package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	appCollab "github.com/collabdocs/collabdocs/internal/application/collab"
	"github.com/collabdocs/collabdocs/internal/api/wire"
	"github.com/collabdocs/collabdocs/internal/domain/collab"
	"github.com/collabdocs/collabdocs/internal/infrastructure/sse"
)

// DefaultRequestTimeout bounds every request except long-polls and streams.
const DefaultRequestTimeout = 30 * time.Second

// Server holds dependencies for HTTP handlers.
type Server struct {
	docs           *appCollab.Service
	sseHub         *sse.Hub
	logger         zerolog.Logger
	requestTimeout time.Duration
}

// NewServer creates a new HTTP server. hub may be nil, which disables the
// activity stream.
func NewServer(docs *appCollab.Service, hub *sse.Hub, logger zerolog.Logger) *Server {
	return &Server{
		docs:           docs,
		sseHub:         hub,
		logger:         logger.With().Str("component", "http").Logger(),
		requestTimeout: DefaultRequestTimeout,
	}
}

// Router returns the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)

	r.Route("/docs", func(r chi.Router) {
		// Long-lived: the poll has its own deadline, the stream has none.
		r.Get("/stream", s.docStream)
		r.Get("/{docId}/events", s.pollEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout))
			r.Get("/", s.listDocs)
			r.Get("/{docId}", s.getDoc)
			r.Post("/{docId}/events", s.submitEvents)
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, wire.ErrorResponse{
		Error:   code,
		Message: message,
	})
}

// respondServiceError maps service errors onto the status codes clients
// branch on.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, collab.ErrVersionConflict):
		respondError(w, http.StatusConflict, wire.CodeVersionConflict, err.Error())
	case errors.Is(err, collab.ErrHistoryGone):
		respondError(w, http.StatusGone, wire.CodeHistoryGone, err.Error())
	case errors.Is(err, collab.ErrInvalidVersion):
		respondError(w, http.StatusGone, wire.CodeInvalidVersion, err.Error())
	case errors.Is(err, collab.ErrInvalidDocumentID), errors.Is(err, collab.ErrInvalidStep):
		respondError(w, http.StatusBadRequest, wire.CodeInvalidParam, err.Error())
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
		respondError(w, http.StatusInternalServerError, wire.CodeInternal, err.Error())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// observerFromRequest identifies a participant by address. RealIP has
// already replaced RemoteAddr with the forwarded client address if present.
func observerFromRequest(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
