// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/relabs-tech/accel_producer/internal/config"
	"github.com/relabs-tech/accel_producer/internal/imu"
	"github.com/relabs-tech/accel_producer/internal/sensors"
)

// RegisterDevice is the register-level surface of the driver. Every call
// goes through the bus guard.
type RegisterDevice interface {
	ReadRegister(ctx context.Context, reg byte) (byte, error)
	WriteRegister(ctx context.Context, reg, value byte) error
	Read(ctx context.Context) (imu.AccelSample, error)
}

// RegisterCmd is a websocket request from the register debug page.
type RegisterCmd struct {
	Action  string `json:"action"` // "get_map", "read", "read_all", "write"
	Address string `json:"addr,omitempty"`
	Value   string `json:"value,omitempty"`
}

// RegisterResponse is sent back for every command.
type RegisterResponse struct {
	Type        string                 `json:"type"` // "register_data", "register_map", "error"
	Device      string                 `json:"device,omitempty"`
	Address     string                 `json:"addr,omitempty"`
	Value       string                 `json:"value,omitempty"`
	Registers   map[string]string      `json:"registers,omitempty"` // for bulk read
	Timestamp   string                 `json:"timestamp,omitempty"`
	Message     string                 `json:"message,omitempty"`
	RegisterMap []sensors.RegisterInfo `json:"register_map,omitempty"`
}

const registerDevice = "mpu6500"

// regRange is an inclusive register address range.
type regRange struct {
	lo, hi byte
}

// RegisterRanges is a set of writable register addresses.
type RegisterRanges []regRange

// ParseRegisterRanges parses "0x19-0x1D,0x6B". An empty string allows nothing.
func ParseRegisterRanges(s string) (RegisterRanges, error) {
	var out RegisterRanges
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		loStr, hiStr, isRange := strings.Cut(part, "-")
		lo, err := parseHexByte(loStr)
		if err != nil {
			return nil, fmt.Errorf("register range %q: %w", part, err)
		}
		hi := lo
		if isRange {
			if hi, err = parseHexByte(hiStr); err != nil {
				return nil, fmt.Errorf("register range %q: %w", part, err)
			}
		}
		if hi < lo {
			return nil, fmt.Errorf("register range %q: end before start", part)
		}
		out = append(out, regRange{lo: lo, hi: hi})
	}
	return out, nil
}

// Allows reports whether reg is inside one of the ranges.
func (r RegisterRanges) Allows(reg byte) bool {
	for _, rr := range r {
		if reg >= rr.lo && reg <= rr.hi {
			return true
		}
	}
	return false
}

// parseHexByte accepts "0x1C", "0X1c" or a decimal value.
func parseHexByte(s string) (byte, error) {
	v, err := cast.ToIntE(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 0xFF {
		return 0, fmt.Errorf("%q out of byte range", s)
	}
	return byte(v), nil
}

// RegisterDebugHandler serves the register debug websocket and a one-shot
// acceleration endpoint.
type RegisterDebugHandler struct {
	dev      RegisterDevice
	writable RegisterRanges
	log      *zap.SugaredLogger
}

func NewRegisterDebugHandler(dev RegisterDevice, writable RegisterRanges, log *zap.SugaredLogger) *RegisterDebugHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RegisterDebugHandler{dev: dev, writable: writable, log: log}
}

// registerDebugSession holds the state of one websocket connection.
type registerDebugSession struct {
	h    *RegisterDebugHandler
	conn *websocket.Conn
}

// ServeWS handles the websocket connection for register debugging.
func (h *RegisterDebugHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("register_debug: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	s := &registerDebugSession{h: h, conn: conn}

	// Send register map on connection
	if err := s.sendRegisterMap(); err != nil {
		h.log.Warnf("register_debug: error sending register map: %v", err)
		return
	}

	ctx := r.Context()
	for {
		var cmd RegisterCmd
		if err := conn.ReadJSON(&cmd); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				s.sendError("invalid JSON command")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warnf("register_debug: websocket error: %v", err)
			}
			return
		}

		switch cmd.Action {
		case "get_map":
			s.sendRegisterMap()
		case "read":
			s.handleRead(ctx, cmd)
		case "read_all":
			s.handleReadAll(ctx)
		case "write":
			s.handleWrite(ctx, cmd)
		case "":
			s.sendError("missing or invalid action field")
		default:
			s.sendError(fmt.Sprintf("unknown action: %s", cmd.Action))
		}
	}
}

func (s *registerDebugSession) handleRead(ctx context.Context, cmd RegisterCmd) {
	if cmd.Address == "" {
		s.sendError("missing addr field")
		return
	}
	addr, err := parseHexByte(cmd.Address)
	if err != nil {
		s.sendError(fmt.Sprintf("invalid address format: %s", cmd.Address))
		return
	}

	value, err := s.h.dev.ReadRegister(ctx, addr)
	if err != nil {
		s.sendError(fmt.Sprintf("read error: %v", err))
		return
	}

	s.conn.WriteJSON(RegisterResponse{
		Type:      "register_data",
		Device:    registerDevice,
		Address:   fmt.Sprintf("0x%02X", addr),
		Value:     fmt.Sprintf("0x%02X", value),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *registerDebugSession) handleReadAll(ctx context.Context) {
	regMap := make(map[string]string)
	for _, addr := range sensors.ReadableRegisters() {
		value, err := s.h.dev.ReadRegister(ctx, addr)
		if err != nil {
			s.sendError(fmt.Sprintf("read all error at 0x%02X: %v", addr, err))
			return
		}
		regMap[fmt.Sprintf("0x%02X", addr)] = fmt.Sprintf("0x%02X", value)
	}

	s.conn.WriteJSON(RegisterResponse{
		Type:      "register_data",
		Device:    registerDevice,
		Registers: regMap,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *registerDebugSession) handleWrite(ctx context.Context, cmd RegisterCmd) {
	if cmd.Address == "" || cmd.Value == "" {
		s.sendError("missing addr or value field")
		return
	}
	addr, err := parseHexByte(cmd.Address)
	if err != nil {
		s.sendError(fmt.Sprintf("invalid address format: %s", cmd.Address))
		return
	}
	value, err := parseHexByte(cmd.Value)
	if err != nil {
		s.sendError(fmt.Sprintf("invalid value format: %s", cmd.Value))
		return
	}
	if !s.h.writable.Allows(addr) {
		s.sendError(fmt.Sprintf("register 0x%02X not in allowed write ranges", addr))
		return
	}

	if err := s.h.dev.WriteRegister(ctx, addr, value); err != nil {
		s.sendError(fmt.Sprintf("write error: %v", err))
		return
	}
	s.h.log.Infof("register_debug: wrote 0x%02X to 0x%02X", value, addr)

	s.conn.WriteJSON(RegisterResponse{
		Type:      "register_data",
		Device:    registerDevice,
		Address:   fmt.Sprintf("0x%02X", addr),
		Value:     fmt.Sprintf("0x%02X", value),
		Timestamp: time.Now().Format(time.RFC3339),
		Message:   "write successful",
	})
}

func (s *registerDebugSession) sendRegisterMap() error {
	return s.conn.WriteJSON(RegisterResponse{
		Type:        "register_map",
		Device:      registerDevice,
		RegisterMap: sensors.MPU6500RegisterMap(),
	})
}

func (s *registerDebugSession) sendError(message string) {
	s.conn.WriteJSON(RegisterResponse{
		Type:    "error",
		Message: message,
	})
}

// HandleAccelData serves one guarded acceleration read as JSON.
func (h *RegisterDebugHandler) HandleAccelData(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sample, err := h.dev.Read(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sensors.ErrBusTimeout) {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(sample)
}

func serveRegisterDebugPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.ServeFileFS(w, r, webAssets(), "register_debug.html")
}

// RunRegisterDebug serves the register debug tool on REGISTER_DEBUG_PORT
// until ctx is done. The producer does not run; every access is on demand.
func RunRegisterDebug(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (err error) {
	writable, err := ParseRegisterRanges(cfg.RegisterDebugAllowedRanges)
	if err != nil {
		return err
	}

	clk := clock.New()
	bus, err := openBus(cfg, clk)
	if err != nil {
		return err
	}
	if c, ok := bus.(io.Closer); ok {
		defer func() { err = multierr.Append(err, c.Close()) }()
	}
	dev, err := newDevice(ctx, bus, cfg, clk, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, dev.Close(context.Background())) }()
	log.Infof("register_debug: %s, writable %s", dev, cfg.RegisterDebugAllowedRanges)

	h := NewRegisterDebugHandler(dev, writable, log)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/api/accel", h.HandleAccelData)
	mux.HandleFunc("/", serveRegisterDebugPage)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.RegisterDebugPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serveHTTP(ctx, srv, log)
}
