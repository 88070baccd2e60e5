package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/boblangley/blockrecon/internal/db"
)

const probeTimeout = time.Second

// probe reports whether one dependency answers.
type probe struct {
	name  string
	check func(ctx context.Context) bool
}

// HealthServer serves liveness, readiness and per-service probes for the
// gRPC, MCP and graph backends.
type HealthServer struct {
	port   int
	probes []probe
	server *http.Server
	logger *slog.Logger
}

// HealthConfig holds configuration for the health check server. A zero
// GRPCPort or MCPPort reports that service as down; a nil DB reports the
// graph as up.
type HealthConfig struct {
	Port     int
	GRPCPort int
	MCPPort  int
	DB       *db.GraphDB
	Logger   *slog.Logger
}

// NewHealthServer creates a health check server.
func NewHealthServer(cfg HealthConfig) *HealthServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HealthServer{
		port: cfg.Port,
		probes: []probe{
			{name: "grpc", check: grpcProbe(cfg.GRPCPort)},
			{name: "mcp", check: tcpProbe(cfg.MCPPort)},
			{name: "db", check: graphProbe(cfg.DB)},
		},
		logger: logger,
	}
}

// Handler returns the health endpoints, for mounting on another mux.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handleHealth)
	mux.HandleFunc("/health", h.handleHealth)
	for _, p := range h.probes {
		mux.HandleFunc("/health/"+p.name, h.handleProbe(p))
	}
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		h.sendJSON(w, map[string]bool{"alive": true}, http.StatusOK)
	})
	return mux
}

// Start serves health requests until Stop.
func (h *HealthServer) Start() error {
	h.server = &http.Server{
		Addr:         net.JoinHostPort("0.0.0.0", strconv.Itoa(h.port)),
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	h.logger.Info("health server listening", "port", h.port)
	return h.server.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (h *HealthServer) Stop(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// runProbes checks every dependency concurrently.
func (h *HealthServer) runProbes(ctx context.Context) (map[string]bool, bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	results := make([]bool, len(h.probes))
	var wg sync.WaitGroup
	for i, p := range h.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.check(ctx)
		}()
	}
	wg.Wait()

	up := make(map[string]bool, len(h.probes))
	all := true
	for i, p := range h.probes {
		up[p.name] = results[i]
		all = all && results[i]
	}
	return up, all
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	up, all := h.runProbes(r.Context())

	services := make(map[string]string, len(up))
	for name, ok := range up {
		services[name] = upDownString(ok)
	}
	h.sendJSON(w, map[string]any{
		"status":   statusString(all),
		"services": services,
	}, statusCode(all))
}

func (h *HealthServer) handleProbe(p probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()
		ok := p.check(ctx)
		h.sendJSON(w, map[string]string{"status": upDownString(ok)}, statusCode(ok))
	}
}

func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	_, all := h.runProbes(r.Context())
	h.sendJSON(w, map[string]bool{"ready": all}, statusCode(all))
}

// grpcProbe issues a real GetStatistics call, so a listener that accepts but
// cannot serve still reports down.
func grpcProbe(port int) func(context.Context) bool {
	return func(ctx context.Context) bool {
		if port == 0 {
			return false
		}
		client, err := Dial(net.JoinHostPort("localhost", strconv.Itoa(port)))
		if err != nil {
			return false
		}
		defer client.Close()
		_, err = client.Statistics(ctx)
		return err == nil
	}
}

func tcpProbe(port int) func(context.Context) bool {
	return func(ctx context.Context) bool {
		if port == 0 {
			return false
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("localhost", strconv.Itoa(port)))
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

func graphProbe(graph *db.GraphDB) func(context.Context) bool {
	return func(ctx context.Context) bool {
		if graph == nil {
			return true
		}
		_, err := graph.Count(ctx, "Block")
		return err == nil
	}
}

func (h *HealthServer) sendJSON(w http.ResponseWriter, data any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode health response", "error", err)
	}
}

func statusString(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

func upDownString(ok bool) string {
	if ok {
		return "up"
	}
	return "down"
}

func statusCode(ok bool) int {
	if ok {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}
