package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/microdevice-lab/legato-dash/internal/pump"
	"github.com/microdevice-lab/legato-dash/internal/runlog"
)

// Server polls the pump and broadcasts state to WebSocket clients, and
// exposes the control API the dashboard and CLI use. All pump access goes
// through the Driver, which serializes commands internally.
type Server struct {
	cfg    *Config
	drv    pump.Driver
	webFS  fs.FS
	runLog *runlog.Log
	logger *zap.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// Bookkeeping for the run log: captured when a run starts, written out
	// when the poll loop sees it end (or Stop preempts it).
	runMu     sync.Mutex
	runActive bool
	runStart  time.Time
	runEntry  runlog.Entry
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Pump  *pump.Snapshot `json:"pump"`
	Stamp int64          `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, drv pump.Driver, webFS fs.FS, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		drv:     drv,
		webFS:   webFS,
		runLog:  runlog.New(cfg.RunLog, logger),
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and the pump poll loop. It blocks until the
// context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go s.pollLoop(ctx)

	go func() {
		<-ctx.Done()
		s.runLog.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.logger.Info("listening", zap.String("addr", s.cfg.Server.ListenAddr))
	return srv.ListenAndServe()
}

// Handler builds the route table. Split from Run so tests can drive the
// API through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/run", s.handleRun)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/rate", s.handleRate)
	mux.HandleFunc("/api/volume", s.handleVolume)
	mux.HandleFunc("/api/direction", s.handleDirection)
	mux.HandleFunc("/api/force", s.handleForce)
	mux.HandleFunc("/api/footswitch", s.handleFootswitch)
	return mux
}

// writeErr maps driver failure classes onto HTTP statuses: caller mistakes
// are 4xx, pump-side trouble is 5xx.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pump.ErrValidation), errors.Is(err, pump.ErrNotRunning):
		status = http.StatusBadRequest
	case errors.Is(err, pump.ErrConnectivity):
		status = http.StatusServiceUnavailable
	case errors.Is(err, pump.ErrPostCondition), errors.Is(err, pump.ErrProtocol):
		status = http.StatusBadGateway
	}
	s.logger.Warn("api error", zap.Int("status", status), zap.Error(err))
	http.Error(w, err.Error(), status)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func postOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.drv.Snapshot())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !postOnly(w, r) {
		return
	}
	// Non-blocking: the poll loop observes completion and closes out the
	// run log entry. A blocking run would pin an HTTP handler for the
	// whole transfer.
	if err := s.drv.Run(false); err != nil {
		s.writeErr(w, err)
		return
	}
	s.noteRunStarted()
	writeOK(w)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !postOnly(w, r) {
		return
	}
	if err := s.drv.Stop(); err != nil {
		s.writeErr(w, err)
		return
	}
	s.noteRunEnded(runlog.OutcomeStopped)
	writeOK(w)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	if !postOnly(w, r) {
		return
	}
	var req struct {
		Direction string `json:"direction"`
		Value     int64  `json:"value"`
		Unit      string `json:"unit"`
		Bound     string `json:"bound"` // "min" or "max", instead of value+unit
	}
	if !decodeBody(w, r, &req) {
		return
	}
	dir := pump.Direction(req.Direction)
	var err error
	switch req.Bound {
	case "":
		err = s.drv.SetFlowRate(dir, req.Value, pump.RateUnit(req.Unit))
	case "min":
		err = s.drv.SetFlowRateBound(dir, pump.MinRate)
	case "max":
		err = s.drv.SetFlowRateBound(dir, pump.MaxRate)
	default:
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	if !postOnly(w, r) {
		return
	}
	var req struct {
		Value json.Number `json:"value"`
		Unit  string      `json:"unit"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	value, err := decimal.NewFromString(req.Value.String())
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.drv.SetTargetVolume(value, pump.VolumeUnit(req.Unit)); err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleDirection(w http.ResponseWriter, r *http.Request) {
	if !postOnly(w, r) {
		return
	}
	var req struct {
		Direction string `json:"direction"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.drv.SetRunDirection(pump.Direction(req.Direction)); err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleForce(w http.ResponseWriter, r *http.Request) {
	if !postOnly(w, r) {
		return
	}
	var req struct {
		Percent int `json:"percent"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.drv.SetForce(req.Percent); err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleFootswitch(w http.ResponseWriter, r *http.Request) {
	if !postOnly(w, r) {
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.drv.SetFootswitchMode(pump.FootswitchMode(req.Mode)); err != nil {
		s.writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.logger.Warn("config save failed", zap.Error(err))
		}
		writeOK(w)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 16),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Info("client connected", zap.Int("total", total))

	// New clients get the current state immediately rather than waiting
	// out a poll interval.
	if data, err := json.Marshal(Frame{Pump: s.drv.Snapshot(), Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.logger.Info("client disconnected", zap.Int("total", total))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// pollLoop periodically refreshes the pump state and broadcasts it. It is
// also what resolves non-blocking runs: each Refresh exchanges commands
// with the pump, which drains a pending completion notice, so the
// Running flag eventually flips without anyone blocking on the run.
func (s *Server) pollLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Pump.PollSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wasRunning := s.drv.Snapshot().Running
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.drv.Refresh(); err != nil {
				s.logger.Warn("refresh failed", zap.Error(err))
			}
			snap := s.drv.Snapshot()
			if wasRunning && !snap.Running {
				s.noteRunEnded(runlog.OutcomeCompleted)
			}
			wasRunning = snap.Running
			s.broadcast(Frame{Pump: snap, Stamp: time.Now().UnixMilli()})
		}
	}
}

// noteRunStarted captures the run parameters for the log entry written
// when the run ends.
func (s *Server) noteRunStarted() {
	snap := s.drv.Snapshot()
	rate, est := snap.InfuseRate, snap.InfuseSec
	if snap.Direction == string(pump.Withdraw) {
		rate, est = snap.WithdrawRate, snap.WithdrawSec
	}
	s.runMu.Lock()
	s.runActive = true
	s.runStart = time.Now()
	s.runEntry = runlog.Entry{
		Direction:    snap.Direction,
		Rate:         rate,
		TargetVolume: snap.TargetVolume,
		EstimatedSec: est,
	}
	s.runMu.Unlock()
}

func (s *Server) noteRunEnded(outcome runlog.Outcome) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.runActive {
		return
	}
	s.runActive = false
	e := s.runEntry
	e.Start = s.runStart
	e.End = time.Now()
	e.Outcome = outcome
	s.runLog.Record(e)
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
