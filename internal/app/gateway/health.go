package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Health is the body of GET /health.
type Health struct {
	Service     string `json:"service"`
	NATS        string `json:"nats"`
	Connections int    `json:"connections"`
	Multirate   bool   `json:"multirate"`
	Database    string `json:"database"`
	Timestamp   string `json:"timestamp"`
}

const healthProbeTimeout = 2 * time.Second

// Handler serves /health and /debug/log; every other path is 404.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/debug/log", g.handleDebugLog)
	mux.HandleFunc("/", http.NotFound)
	return mux
}

// Health reports the liveness of the bus, the catalog and the driver set.
func (g *Gateway) Health(ctx context.Context) Health {
	h := Health{
		Service:     g.cfg.ServiceID,
		NATS:        "disconnected",
		Connections: g.sup.Len(),
		Multirate:   true,
		Database:    "disconnected",
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if g.bus.IsConnected() {
		h.NATS = "connected"
	}
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	if g.catalog.IsHealthy(ctx) {
		h.Database = "connected"
	}
	return h
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(g.Health(r.Context()))
}

func (g *Gateway) handleDebugLog(w http.ResponseWriter, r *http.Request) {
	g.logger.Info().Str("remote", r.RemoteAddr).Msg("debug log requested")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}` + "\n"))
}
