package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dialtone/p3d/internal/metrics"
	"github.com/dialtone/p3d/internal/registry"
	"github.com/dialtone/p3d/internal/ringlog"
)

// Admin is the operator HTTP surface: Prometheus metrics, a health
// snapshot with host stats, and the recent-log tail.
type Admin struct {
	logger  zerolog.Logger
	addr    string
	metrics *metrics.Registry
	users   *registry.UserRegistry
	ring    *ringlog.Ring
	server  *Server

	startedAt time.Time
}

func NewAdmin(logger zerolog.Logger, addr string, m *metrics.Registry,
	users *registry.UserRegistry, ring *ringlog.Ring, srv *Server) *Admin {
	return &Admin{
		logger:    logger.With().Str("component", "admin").Logger(),
		addr:      addr,
		metrics:   m,
		users:     users,
		ring:      ring,
		server:    srv,
		startedAt: time.Now(),
	}
}

// Run serves until ctx cancels.
func (a *Admin) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/debug/logs", a.handleLogs)

	srv := &http.Server{
		Addr:              a.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info().Str("addr", a.addr).Msg("Admin listener up")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type healthResponse struct {
	Status         string  `json:"status"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Connections    int64   `json:"connections"`
	OnlineUsers    int     `json:"online_users"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
}

func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(a.startedAt).Seconds(),
		Connections:   a.server.OnlineCount(),
		OnlineUsers:   a.users.OnlineCount(),
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemUsedPercent = vm.UsedPercent
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (a *Admin) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if q := r.URL.Query().Get("n"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 {
			n = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.ring.GetLast(n))
}
