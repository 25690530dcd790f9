// Package api provides the HTTP server and handlers.
package api

import (
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sensortree/sensortree/internal/config"
	"github.com/sensortree/sensortree/internal/dataset"
	"github.com/sensortree/sensortree/internal/events"
	"github.com/sensortree/sensortree/internal/logging"
	"github.com/sensortree/sensortree/internal/metrics"
	"github.com/sensortree/sensortree/internal/reveal"
	"github.com/sensortree/sensortree/internal/search"
	"github.com/sensortree/sensortree/pkg/models"
	"github.com/sensortree/sensortree/pkg/protocol"
)

// maxBodySize bounds request bodies; a search query is at most 100 characters.
const maxBodySize = 64 << 10

// Server is the HTTP server.
type Server struct {
	data        *dataset.Dataset
	search      *search.Service
	reveal      *reveal.Service
	broadcaster *events.Broadcaster
	config      *config.Config
	upgrader    websocket.Upgrader
}

// NewServer creates a new server. broadcaster may be nil, in which case
// /ws answers 503.
func NewServer(data *dataset.Dataset, broadcaster *events.Broadcaster, cfg *config.Config) *Server {
	s := &Server{
		data:        data,
		search:      search.New(data),
		reveal:      reveal.New(data),
		broadcaster: broadcaster,
		config:      cfg,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP handler with logging, metrics and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Tree browsing
	mux.HandleFunc("GET /api/nodes/root", s.delayed(s.handleRoots))
	// {id}/children and reveal-path/{id} overlap as patterns; dispatch by hand.
	mux.HandleFunc("GET /api/nodes/{first}/{second}", s.delayed(s.handleNodeRoute))
	mux.HandleFunc("GET /api/reveal-path/{id}", s.delayed(s.handleRevealPath))

	// Search
	mux.HandleFunc("POST /api/search", s.delayed(s.handleSearch))
	mux.HandleFunc("POST /api/nodes/search", s.delayed(s.handleSearch))

	// Live updates
	mux.HandleFunc("GET /ws", s.handleWS)

	// Metrics sits inside logging so it sees the pattern the mux sets on the
	// same request.
	return logging.Middleware(metrics.Middleware(s.cors(s.missingChildrenID(mux))))
}

// missingChildrenID answers /api/nodes//children itself. The mux would
// clean the empty segment away and redirect to another route.
func (s *Server) missingChildrenID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.TrimSuffix(r.URL.Path, "/") == "/api/nodes//children" {
			s.sendValidation(w, &models.ValidationError{Field: "id", Message: "Node ID is required."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
}

// ─── Tree ───────────────────────────────────────────────────────────────────

func (s *Server) handleRoots(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.data.Roots())
}

func (s *Server) handleNodeRoute(w http.ResponseWriter, r *http.Request) {
	first, second := r.PathValue("first"), r.PathValue("second")
	switch {
	case first == "reveal-path":
		s.revealPath(w, r, second)
	case second == "children":
		s.children(w, r, first)
	default:
		s.sendError(w, http.StatusNotFound, "no such route: "+r.URL.Path)
	}
}

func (s *Server) children(w http.ResponseWriter, r *http.Request, id string) {
	if !models.ValidID(id) {
		s.sendValidation(w, &models.ValidationError{Field: "id", Message: "Invalid node ID format."})
		return
	}
	nodes, ok := s.data.Children(id)
	if !ok {
		// Unknown parents list as empty rather than 404.
		nodes = []models.Node{}
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

// ─── Reveal ─────────────────────────────────────────────────────────────────

func (s *Server) handleRevealPath(w http.ResponseWriter, r *http.Request) {
	s.revealPath(w, r, r.PathValue("id"))
}

func (s *Server) revealPath(w http.ResponseWriter, r *http.Request, id string) {
	dto, err := s.reveal.RevealPath(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dto)
}

// ─── Search ─────────────────────────────────────────────────────────────────

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req protocol.SearchRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.sendCodedError(w, http.StatusBadRequest, protocol.CodeInvalidArgument, "cannot read request body", nil)
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendCodedError(w, http.StatusBadRequest, protocol.CodeInvalidArgument, "malformed request body", nil)
		return
	}

	results, err := s.search.Search(r.Context(), req.Query)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

// ─── Middleware ─────────────────────────────────────────────────────────────

// cors sets Access-Control-Allow-Origin on /api/ responses for configured
// origins and answers preflight requests.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// delayed applies the configured artificial latency before h runs.
func (s *Server) delayed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d := s.config.ResponseDelay; d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-r.Context().Done():
				t.Stop()
				return
			}
		}
		h(w, r)
	}
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.config.AllowedOrigins, "*") || slices.Contains(s.config.AllowedOrigins, origin)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.originAllowed(origin)
}

// ─── Responses ──────────────────────────────────────────────────────────────

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error("encode response", zap.Error(err))
		s.sendCodedError(w, http.StatusInternalServerError, protocol.CodeInternalError, "internal error", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

// sendServiceError maps a service error onto a status code and error body.
func (s *Server) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		s.sendValidation(w, verr)
	case errors.Is(err, models.ErrNotFound):
		s.sendCodedError(w, http.StatusNotFound, protocol.CodeEntityNotFound, err.Error(), nil)
	case errors.Is(err, models.ErrInvalidRequest):
		s.sendCodedError(w, http.StatusBadRequest, protocol.CodeInvalidArgument, err.Error(), nil)
	default:
		logging.WithContext(r.Context()).Error("request failed", zap.Error(err))
		s.sendCodedError(w, http.StatusInternalServerError, protocol.CodeInternalError, "An unexpected error occurred.", nil)
	}
}

func (s *Server) sendValidation(w http.ResponseWriter, verr *models.ValidationError) {
	s.sendCodedError(w, http.StatusBadRequest, protocol.CodeValidationFailed, "Validation failed",
		map[string]string{verr.Field: verr.Message})
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendCodedError(w, code, "", message, nil)
}

func (s *Server) sendCodedError(w http.ResponseWriter, code int, errorCode, message string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error:     message,
		Code:      code,
		ErrorCode: errorCode,
		Details:   details,
	})
}
