package ws

import (
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/feedrelay/internal/admission"
	"github.com/dgnsrekt/feedrelay/internal/session"
)

// HandlerConfig configures the realtime upgrade endpoint.
type HandlerConfig struct {
	// AllowedOrigins is matched exactly against the Origin header.
	AllowedOrigins []string
	// SessionCookie names the cookie carrying the optional session credential.
	SessionCookie string
	// UpgradeRate and UpgradeBurst bound handshake attempts per second across
	// the instance. A zero rate disables the limit.
	UpgradeRate  float64
	UpgradeBurst int
}

// Handler upgrades admitted requests to realtime connections.
type Handler struct {
	hub       *Hub
	admission *admission.Limiter
	resolver  session.Resolver
	origins   map[string]struct{}
	cookie    string
	attempts  *rate.Limiter
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

func NewHandler(hub *Hub, limiter *admission.Limiter, resolver session.Resolver, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if resolver == nil {
		resolver = session.Anonymous{}
	}

	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = struct{}{}
	}

	var attempts *rate.Limiter
	if cfg.UpgradeRate > 0 {
		burst := cfg.UpgradeBurst
		if burst <= 0 {
			burst = 1
		}
		attempts = rate.NewLimiter(rate.Limit(cfg.UpgradeRate), burst)
	}

	h := &Handler{
		hub:       hub,
		admission: limiter,
		resolver:  resolver,
		origins:   origins,
		cookie:    cfg.SessionCookie,
		attempts:  attempts,
		logger:    logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.originAllowed,
	}
	return h
}

func (h *Handler) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	_, ok := h.origins[origin]
	return ok
}

// remoteAddr returns the client host used as the admission key. RemoteAddr
// is the transport peer unless the router trusts proxy headers.
func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.originAllowed(r) {
		h.logger.Debug("websocket origin rejected", zap.String("origin", r.Header.Get("Origin")))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	if h.attempts != nil && !h.attempts.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	addr := remoteAddr(r)
	if !h.admission.TryAcquire(addr) {
		h.logger.Info("connection rejected by admission", zap.String("addr", addr))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	// admitted: from here every path must end in Open or Abort
	var identity *session.Identity
	if h.cookie != "" {
		if cookie, err := r.Cookie(h.cookie); err == nil {
			if id, ok := h.resolver.Resolve(r.Context(), cookie.Value); ok {
				identity = &id
			}
		}
	}
	client := h.hub.NewClient(addr, identity)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("addr", addr), zap.Error(err))
		client.Abort()
		return
	}

	if err := client.Open(conn); err != nil {
		h.logger.Debug("client not opened", zap.String("connID", client.ID()), zap.Error(err))
	}
}
