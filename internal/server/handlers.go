package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/oapi-codegen/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/internal/admission"
	"github.com/dgnsrekt/feedrelay/internal/event"
	"github.com/dgnsrekt/feedrelay/internal/publish"
	"github.com/dgnsrekt/feedrelay/internal/timeline"
	"github.com/dgnsrekt/feedrelay/internal/ws"
)

// Error codes returned in the "error" field.
const (
	errInvalidRequest = "invalid_request"
	errUnavailable    = "service_unavailable"
	errUnauthorized   = "unauthorized"
	errNotFound       = "not_found"
)

const maxEventBody = 1 << 20

type Config struct {
	AllowedOrigins []string
	// PublishToken enables POST /internal/events when set
	PublishToken string
	// TrustProxyHeaders lets RealIP rewrite the client address
	TrustProxyHeaders bool

	InstanceID   string
	CacheBackend string
	BusTransport string
}

type Server struct {
	reader    *timeline.Reader
	publisher *publish.Publisher
	hub       *ws.Hub
	admission *admission.Limiter
	cfg       Config
	logger    *zap.Logger
}

func NewServer(reader *timeline.Reader, publisher *publish.Publisher, hub *ws.Hub, limiter *admission.Limiter, cfg Config, logger *zap.Logger) *Server {
	return &Server{
		reader:    reader,
		publisher: publisher,
		hub:       hub,
		admission: limiter,
		cfg:       cfg,
		logger:    logger,
	}
}

type TimelineParams struct {
	Limit  *int    `json:"limit,omitempty"`
	Cursor *string `json:"cursor,omitempty"`
}

type TimelineResponse struct {
	Items      []timeline.PostView `json:"items"`
	NextCursor string              `json:"nextCursor,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status      string          `json:"status"`
	Instance    string          `json:"instance"`
	Connections int             `json:"connections"`
	Admission   admission.Stats `json:"admission"`
	Cache       string          `json:"cache,omitempty"`
	Bus         string          `json:"bus,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// getTimeline serves GET /timeline.
func (s *Server) getTimeline(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var params TimelineParams
	query := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &params.Limit); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidRequest, "limit must be an integer")
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "cursor", query, &params.Cursor); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidRequest, "malformed cursor")
		return
	}

	limit := timeline.DefaultLimit
	if params.Limit != nil {
		limit = *params.Limit
	}
	token := ""
	if params.Cursor != nil {
		token = *params.Cursor
	}

	page, err := s.reader.GetPage(ctx, limit, token)
	switch {
	case errors.Is(err, timeline.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	case err != nil:
		// details stay in the log
		writeError(w, http.StatusServiceUnavailable, errUnavailable, "")
		return
	}

	items := page.Posts
	if items == nil {
		items = []timeline.PostView{}
	}
	writeJSON(w, http.StatusOK, TimelineResponse{Items: items, NextCursor: page.NextCursor})
}

// publishEvent serves POST /internal/events.
func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBody)

	var env event.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidRequest, "malformed event envelope")
		return
	}
	e, err := event.Unwrap(env)
	if err != nil {
		writeError(w, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}

	res, err := s.publisher.Publish(r.Context(), e)
	if err != nil {
		writeError(w, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}

	s.logger.Debug("event published",
		zap.String("type", string(e.Type())),
		zap.String("postId", e.PostID()),
		zap.Int("local", res.Local),
		zap.Bool("remote", res.Remote),
	)
	writeJSON(w, http.StatusAccepted, res)
}

// requireToken checks the bearer token for internal routes.
func (s *Server) requireToken(next http.Handler) http.Handler {
	want := []byte(s.cfg.PublishToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeError(w, http.StatusUnauthorized, errUnauthorized, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getHealth serves GET /healthz.
func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Instance: s.cfg.InstanceID,
		Cache:    s.cfg.CacheBackend,
		Bus:      s.cfg.BusTransport,
	}
	if s.hub != nil {
		resp.Connections = s.hub.Count()
	}
	if s.admission != nil {
		resp.Admission = s.admission.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}
