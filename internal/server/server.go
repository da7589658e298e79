package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"go.uber.org/zap"

	"github.com/dgnsrekt/feedrelay/api"
)

// LoadSwagger parses and validates the embedded OpenAPI document.
func LoadSwagger() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	swagger, err := loader.LoadFromData(api.OpenAPISpec)
	if err != nil {
		return nil, fmt.Errorf("loading openapi document: %w", err)
	}
	if err := swagger.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validating openapi document: %w", err)
	}
	return swagger, nil
}

// NewRouter mounts the timeline API, the realtime endpoint and the
// operational routes. realtime may be nil to disable /ws.
func NewRouter(server *Server, realtime http.Handler, logger *zap.Logger) (http.Handler, error) {
	// Load the OpenAPI document for validation
	swagger, err := LoadSwagger()
	if err != nil {
		return nil, err
	}
	swagger.Servers = nil // Allow any host

	validator := oapimiddleware.OapiRequestValidatorWithOptions(swagger, &oapimiddleware.Options{
		ErrorHandler:          validationErrorHandler(logger),
		SilenceServersWarning: true,
	})

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	if server.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(server.cfg.AllowedOrigins))
	r.Use(zapLoggerMiddleware(logger))

	// Non-validated routes
	r.Get("/openapi.yaml", openapiHandler)
	r.Get("/healthz", server.getHealth)
	if realtime != nil {
		r.Method(http.MethodGet, "/ws", realtime)
	}

	// API routes with OpenAPI validation
	r.Group(func(apiRouter chi.Router) {
		apiRouter.Use(middleware.Compress(5))
		apiRouter.Use(validator)

		apiRouter.Get("/timeline", server.getTimeline)
	})

	// Internal publishing, token checked before the body is validated
	if server.cfg.PublishToken != "" {
		r.Group(func(internal chi.Router) {
			internal.Use(server.requireToken)
			internal.Use(validator)

			internal.Post("/internal/events", server.publishEvent)
		})
	}

	return r, nil
}

// validationErrorHandler keeps validator rejections in the API's error shape.
func validationErrorHandler(logger *zap.Logger) oapimiddleware.ErrorHandler {
	return func(w http.ResponseWriter, message string, statusCode int) {
		logger.Debug("request rejected by validator",
			zap.Int("status", statusCode),
			zap.String("reason", message),
		)
		code := errInvalidRequest
		if statusCode == http.StatusNotFound {
			code = errNotFound
		}
		if statusCode >= 500 {
			code = errUnavailable
		}
		writeError(w, statusCode, code, "")
	}
}

// corsMiddleware reflects allow-listed origins only.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	origins := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		origins[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if _, ok := origins[origin]; ok && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("requestID", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", maskCursor(r.URL.RawQuery)),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// maskCursor shortens cursor tokens in logged query strings.
func maskCursor(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	var parts []string
	for _, part := range strings.Split(rawQuery, "&") {
		if v, ok := strings.CutPrefix(part, "cursor="); ok && len(v) > 8 {
			part = "cursor=" + v[:8] + "..."
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "&")
}

func openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(api.OpenAPISpec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
