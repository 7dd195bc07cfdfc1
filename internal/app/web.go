// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relabs-tech/accel_producer/internal/imu"
	"github.com/relabs-tech/accel_producer/internal/sensors"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// AccelDevice is the driver surface the HTTP handlers need.
type AccelDevice interface {
	ScaleSetter
	Read(ctx context.Context) (imu.AccelSample, error)
}

type statsResponse struct {
	sensors.ProducerStats
	QueueLen int `json:"queue_len"`
	QueueCap int `json:"queue_cap"`
}

type scaleResponse struct {
	Scale  string `json:"scale"`
	RangeG int    `json:"range_g"`
}

// webServer serves the latest sample, scale control, producer stats and a
// websocket stream.
type webServer struct {
	dev    AccelDevice
	latest *LatestSample
	hub    *Hub
	stats  func() statsResponse
	log    *zap.SugaredLogger
}

func (s *webServer) routes(static fs.FS) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/accel", s.handleAccel)
	mux.HandleFunc("/api/scale", s.handleScale)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/read", s.handleRead)
	mux.HandleFunc("/ws", s.hub.ServeWS)
	if static != nil {
		mux.Handle("/", http.FileServer(http.FS(static)))
	}
	return mux
}

func (s *webServer) handleAccel(w http.ResponseWriter, r *http.Request) {
	sample, ok := s.latest.Get()
	if !ok {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, sample)
}

func (s *webServer) handleScale(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			RangeG int `json:"range_g"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
			return
		}
		scale, err := sensors.AccelScaleFromRange(req.RangeG)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.dev.SetScale(r.Context(), scale); err != nil {
			s.log.Warnf("web: set scale: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cur := s.dev.Scale()
	s.writeJSON(w, scaleResponse{Scale: cur.String(), RangeG: cur.RangeG()})
}

func (s *webServer) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.stats())
}

func (s *webServer) handleRead(w http.ResponseWriter, r *http.Request) {
	sample, err := s.dev.Read(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sensors.ErrBusTimeout) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.writeJSON(w, sample)
}

func (s *webServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnf("web: json encode error: %v", err)
	}
}

// serveHTTP runs srv until ctx is done, then shuts it down.
func serveHTTP(ctx context.Context, srv *http.Server, log *zap.SugaredLogger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("web: listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

const clientSendBuffer = 16

// Hub fans samples out to websocket clients. Slow clients miss samples.
type Hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	log     *zap.SugaredLogger
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{clients: make(map[*hubClient]struct{}), log: log}
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) Handle(s imu.AccelSample) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return nil
	}
	msg, err := json.Marshal(s)
	if err != nil {
		return err
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
	return nil
}

// Clients returns the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("web: websocket upgrade error: %v", err)
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	go h.writeLoop(c, done)

	// Reads only detect the close; clients send nothing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debugf("web: websocket closed: %v", err)
			}
			break
		}
	}
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(done)
	conn.Close()
}

func (h *Hub) writeLoop(c *hubClient, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}
