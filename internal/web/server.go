// Package web serves the read-only status view: JSON snapshots, Prometheus
// metrics and a WebSocket push feed. It never mutates engine state.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridtrader/internal/core"
	"gridtrader/internal/logging"
)

var (
	gridSizeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_size_percent",
		Help: "Current grid size per symbol",
	}, []string{"symbol"})

	basePriceGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_base_price",
		Help: "Current reference price per symbol",
	}, []string{"symbol"})

	currentPriceGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_current_price",
		Help: "Last observed price per symbol",
	}, []string{"symbol"})

	volatilityGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_volatility",
		Help: "Smoothed annualized volatility per symbol",
	}, []string{"symbol"})
)

func init() {
	prometheus.MustRegister(gridSizeGauge, basePriceGauge, currentPriceGauge, volatilityGauge)
}

const pushInterval = 5 * time.Second

// Server exposes engine snapshots over HTTP and WebSocket.
type Server struct {
	engines  map[string]core.EngineView
	log      logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]chan []core.EngineSnapshot
	srv     *http.Server
}

// NewServer creates a status server over the given engine views.
func NewServer(engines map[string]core.EngineView, logger logging.Logger) *Server {
	return &Server{
		engines: engines,
		log:     logger.WithField("component", "web"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed is read-only status data; origin checks stay open.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]chan []core.EngineSnapshot),
	}
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{Addr: addr, Handler: mux}
	s.log.Info("status server listening", "addr", addr)

	go s.pushLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) snapshots() []core.EngineSnapshot {
	out := make([]core.EngineSnapshot, 0, len(s.engines))
	for _, view := range s.engines {
		snap := view.Snapshot()
		out = append(out, snap)

		base, _ := snap.BasePrice.Float64()
		cur, _ := snap.CurrentPrice.Float64()
		gridSizeGauge.WithLabelValues(snap.Symbol).Set(snap.GridSize)
		basePriceGauge.WithLabelValues(snap.Symbol).Set(base)
		currentPriceGauge.WithLabelValues(snap.Symbol).Set(cur)
		volatilityGauge.WithLabelValues(snap.Symbol).Set(snap.Volatility)
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"engines": s.snapshots(),
		"time":    time.Now().Unix(),
	}); err != nil {
		s.log.Warn("status encode failed", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.mu.Lock()
	clients := len(s.clients)
	s.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clients,
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := uuid.New().String()
	ch := make(chan []core.EngineSnapshot, 4)
	s.mu.Lock()
	s.clients[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
	}()

	s.log.Debug("websocket client connected", "client_id", id)

	for snaps := range ch {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(snaps); err != nil {
			s.log.Debug("websocket client dropped", "client_id", id, "error", err)
			return
		}
	}
}

// pushLoop fans snapshots out to every connected client.
func (s *Server) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for id, ch := range s.clients {
				close(ch)
				delete(s.clients, id)
			}
			s.mu.Unlock()
			return
		case <-ticker.C:
			snaps := s.snapshots()
			s.mu.Lock()
			for _, ch := range s.clients {
				select {
				case ch <- snaps:
				default: // slow client, skip this push
				}
			}
			s.mu.Unlock()
		}
	}
}
