// Package server provides HTTP server construction for edu-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	MCPHandler http.Handler
	Logger     *slog.Logger
	// Version is reported by /healthz.
	Version string
}

// NewMux builds the HTTP mux with the MCP endpoint and a liveness endpoint.
// There is no auth layer; the listener is expected to be loopback.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/mcp", cfg.MCPHandler)
	mux.HandleFunc("/healthz", handleHealth(cfg.Version, cfg.Logger))

	return mux
}

func handleHealth(version string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": version}); err != nil && logger != nil {
			logger.Debug("writing health response", slog.String("error", err.Error()))
		}
	}
}
