package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"fundingbot/internal/config"
)

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	provider Provider
	cfg      config.DashboardConfig
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(provider Provider, cfg config.DashboardConfig, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		provider: provider,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
		now:      time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg, r.Host)
		},
	}
	return h
}

// isOriginAllowed decides whether a browser at origin may open the event
// stream. Requests without an Origin header are not from a browser and are
// always allowed. With an allowlist configured only exact matches pass;
// without one, loopback origins and the server's own host pass.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		want := strings.TrimSuffix(origin, "/")
		for _, o := range cfg.AllowedOrigins {
			if strings.EqualFold(strings.TrimSuffix(o, "/"), want) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if isLoopback(u.Hostname()) {
		return true
	}
	return strings.EqualFold(u.Host, reqHost)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// HandleHealth returns a simple health check response
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSnapshot returns the current dashboard state
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildSnapshot(h.provider, h.now()))
}

// HandlePolicies lists the status of every request policy.
func (h *Handlers) HandlePolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.provider.Policies()
	out := make([]PolicyStatus, 0, len(policies))
	for _, p := range policies {
		out = append(out, NewPolicyStatus(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandlePolicy returns one policy's status.
func (h *Handlers) HandlePolicy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "exchange")
	p, ok := h.provider.Policy(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown exchange "+strconv.Quote(name))
		return
	}
	writeJSON(w, http.StatusOK, NewPolicyStatus(p))
}

// HandleResetPolicy zeroes a policy's counters. With ?breaker=true it also
// forces the circuit closed.
func (h *Handlers) HandleResetPolicy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "exchange")
	p, ok := h.provider.Policy(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown exchange "+strconv.Quote(name))
		return
	}

	resetBreaker := false
	if v := r.URL.Query().Get("breaker"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "breaker must be a boolean")
			return
		}
		resetBreaker = b
	}

	p.ResetMetrics()
	if resetBreaker {
		p.Breaker().Reset()
	}
	h.logger.Warn("policy reset via api",
		"exchange", name,
		"breaker", resetBreaker,
		"request_id", middleware.GetReqID(r.Context()),
	)
	h.hub.BroadcastEvent(DashboardEvent{
		Type:      EventReset,
		Timestamp: h.now(),
		Exchange:  name,
		Data:      ResetEvent{Breaker: resetBreaker},
	})
	writeJSON(w, http.StatusOK, NewPolicyStatus(p))
}

// HandleWebSocket upgrades the connection and creates a new WebSocket client.
// ?exchange=a,b limits the stream to those exchanges.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "origin", r.Header.Get("Origin"))
		return
	}

	// Send initial snapshot to the client
	snapshot := BuildSnapshot(h.provider, h.now())
	data, err := json.Marshal(DashboardEvent{
		Type:      EventSnapshot,
		Timestamp: snapshot.Timestamp,
		Data:      snapshot,
	})
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		conn.Close()
		return
	}

	NewClient(h.hub, conn, data, exchangeFilter(r.URL.Query().Get("exchange")))
}

// exchangeFilter splits a comma-separated ?exchange= value.
func exchangeFilter(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
