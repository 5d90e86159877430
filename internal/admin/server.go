// Package admin exposes the loopback control surface the CLI talks to:
// bot lifecycle, reconcile triggers, health and P&L queries.
package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"autotrader/internal/bot"
	"autotrader/internal/core"
	"autotrader/internal/market"
	"autotrader/internal/trading"
)

// Deps are the daemon components the server fronts.
type Deps struct {
	Supervisor *bot.Supervisor
	Reconciler *trading.Reconciler
	Health     core.IHealthMonitor
	Store      core.Store
	Router     *market.Router
	Logger     core.ILogger
}

// Server is a plain JSON-over-HTTP listener. It binds to loopback by
// default; it carries no auth and must not be exposed publicly.
type Server struct {
	deps   Deps
	logger core.ILogger
	srv    *http.Server
	ln     net.Listener
}

func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: deps.Logger.WithField("component", "admin_server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/bots", s.handleListBots)
	mux.HandleFunc("POST /v1/bots/{id}/start", s.handleStartBot)
	mux.HandleFunc("POST /v1/bots/{id}/stop", s.handleStopBot)
	mux.HandleFunc("POST /v1/reconcile", s.handleReconcile)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/pnl/{pair}", s.handlePnL)

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start binds the listener and serves in the background. Binding eagerly
// surfaces address conflicts at boot instead of on first request.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		s.logger.Info("admin server listening", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server failed", "error", err.Error())
		}
	}()
	return nil
}

// Addr returns the bound address, useful when the port was 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.deps.Supervisor.Snapshots(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleStartBot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Supervisor.StartBot(r.Context(), id); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Supervisor.StopBot(r.Context(), id); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	s.deps.Reconciler.Trigger()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sweep scheduled"})
}

// HealthResponse is the /v1/health payload.
type HealthResponse struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Healthy:    s.deps.Health.IsHealthy(),
		Components: s.deps.Health.GetStatus(),
	}
	code := http.StatusOK
	if !resp.Healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	pair := r.PathValue("pair")
	fills, err := s.deps.Store.FillsByPair(r.Context(), pair)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	price, ok := s.deps.Router.LatestPrice(pair)
	if !ok && len(fills) > 0 {
		// No live tick yet; value open lots at the most recent fill price.
		price = fills[len(fills)-1].Price
	}
	s.writeJSON(w, http.StatusOK, trading.ComputePnL(pair, fills, price))
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
