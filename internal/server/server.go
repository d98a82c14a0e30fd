package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/veera-kit/internal/kit"
	"github.com/shaunagostinho/veera-kit/internal/lesson"
	"github.com/shaunagostinho/veera-kit/internal/logger"
	"github.com/shaunagostinho/veera-kit/internal/thresholds"
)

// Kit is the part of the protocol manager the bridge drives.
type Kit interface {
	SendClass(ctx context.Context, classNum int) (string, error)
	SendExperiment(ctx context.Context, expNum int) (string, error)
	SendThreshold(ctx context.Context, code string, value int) (string, error)
	SendRaw(ctx context.Context, body string) error
	Connected() bool
	Subscribe(buffer int, kinds ...kit.EventKind) *kit.Subscription
}

// Server bridges kit events and commands to HTTP and WebSocket clients.
type Server struct {
	cfg      *Config
	kit      Kit
	lesson   *lesson.Coordinator
	store    *thresholds.Store
	recorder *logger.Logger
	gatherer prometheus.Gatherer
	log      zerolog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// inboundMessage is what WebSocket clients send us.
type inboundMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Status is the snapshot sent on /api/status and to new WebSocket clients.
type Status struct {
	Type       string `json:"type"`
	Connected  bool   `json:"connected"`
	Class      int    `json:"class"`
	Experiment int    `json:"experiment"`
	Key        string `json:"key"`
	Recording  bool   `json:"recording"`
	Clients    int    `json:"clients"`
}

const rawSendTimeout = 2 * time.Second

// New creates a new Server. gatherer may be nil to disable /metrics.
func New(cfg *Config, k Kit, coord *lesson.Coordinator, store *thresholds.Store,
	rec *logger.Logger, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		kit:      k,
		lesson:   coord,
		store:    store,
		recorder: rec,
		gatherer: gatherer,
		log:      log.With().Str("component", "server").Logger(),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("GET /ws", s.handleWS)

	// Kit commands
	mux.HandleFunc("POST /api/class", s.handleClass)
	mux.HandleFunc("POST /api/experiment", s.handleExperiment)
	mux.HandleFunc("POST /api/threshold", s.handleThreshold)

	// Threshold tables
	mux.HandleFunc("GET /api/thresholds", s.handleThresholdKeys)
	mux.HandleFunc("POST /api/thresholds/reset-all", s.handleResetAll)
	mux.HandleFunc("GET /api/thresholds/{key}", s.handleGetThresholds)
	mux.HandleFunc("POST /api/thresholds/{key}", s.handleSetThresholds)
	mux.HandleFunc("POST /api/thresholds/{key}/reset", s.handleResetKey)
	mux.HandleFunc("POST /api/thresholds/{key}/send", s.handleSendKey)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/recording", s.handleRecording)
	mux.HandleFunc("GET /api/config", s.handleConfig)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run starts the HTTP server and the event fan-out.
func (s *Server) Run(ctx context.Context) error {
	sub := s.kit.Subscribe(256)
	go s.pump(ctx, sub)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// pump forwards every kit event to the WebSocket clients.
func (s *Server) pump(ctx context.Context, sub *kit.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			s.broadcast(ev)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Info().Int("clients", n).Msg("ws client connected")

	// Initial status so the client knows the link state and selection
	if data, err := json.Marshal(s.status()); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Info().Int("clients", n).Msg("ws client disconnected")
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handleClientMessage(data)
		}
	}()
}

func (s *Server) handleClientMessage(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug().Err(err).Msg("ignoring malformed ws message")
		return
	}
	switch msg.Type {
	case "send-to-kit":
		if msg.Message == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), rawSendTimeout)
		defer cancel()
		if err := s.kit.SendRaw(ctx, msg.Message); err != nil {
			s.log.Warn().Err(err).Str("message", msg.Message).Msg("send-to-kit failed")
		}
	default:
		s.log.Debug().Str("type", msg.Type).Msg("unknown ws message type")
	}
}

func (s *Server) broadcast(ev kit.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn().Err(err).Str("type", string(ev.Kind)).Str("frame", ev.Frame).Msg("event not encodable, skipped")
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

func (s *Server) status() Status {
	class, exp := s.lesson.Current()
	s.clientsMu.RLock()
	n := len(s.clients)
	s.clientsMu.RUnlock()
	return Status{
		Type:       "status",
		Connected:  s.kit.Connected(),
		Class:      class,
		Experiment: exp,
		Key:        thresholds.Key(class, exp),
		Recording:  s.recorder != nil && s.recorder.IsEnabled(),
		Clients:    n,
	}
}

func (s *Server) handleClass(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Class int `json:"class"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Class <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("class must be positive"))
		return
	}
	ack, err := s.kit.SendClass(r.Context(), req.Class)
	s.writeAck(w, ack, err)
}

func (s *Server) handleExperiment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Experiment int `json:"experiment"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Experiment <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("experiment must be positive"))
		return
	}
	ack, err := s.kit.SendExperiment(r.Context(), req.Experiment)
	s.writeAck(w, ack, err)
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	var e thresholds.Entry
	if !decodeBody(w, r, &e) {
		return
	}
	if err := thresholds.Validate([]thresholds.Entry{e}); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ack, err := s.kit.SendThreshold(r.Context(), e.Code, e.Value)
	s.writeAck(w, ack, err)
}

func (s *Server) handleThresholdKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":    s.store.Keys(),
		"current": s.lesson.CurrentKey(),
	})
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	active, ok := s.store.Active(key)
	if !ok {
		writeError(w, http.StatusNotFound, thresholds.ErrUnknownKey)
		return
	}
	defaults, _ := s.store.Default(key)
	writeJSON(w, http.StatusOK, map[string]any{
		"key":      key,
		"active":   active,
		"defaults": defaults,
		"sensors":  s.store.SensorCodes(key),
	})
}

func (s *Server) handleSetThresholds(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entries []thresholds.Entry `json:"entries"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	key := r.PathValue("key")
	if err := s.lesson.SetActive(r.Context(), key, req.Entries); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("set thresholds failed")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sent": len(req.Entries)})
}

func (s *Server) handleResetKey(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.lesson.ResetKey(r.Context(), key); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	active, _ := s.store.Active(key)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "active": active})
}

func (s *Server) handleSendKey(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if _, ok := s.store.Active(key); !ok {
		writeError(w, http.StatusNotFound, thresholds.ErrUnknownKey)
		return
	}
	n, err := s.lesson.SendFor(r.Context(), key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sent": n})
}

func (s *Server) handleResetAll(w http.ResponseWriter, r *http.Request) {
	if err := s.lesson.ResetAll(r.Context(), s.cfg.ResetGap()); err != nil {
		s.log.Warn().Err(err).Msg("reset-all failed")
		writeError(w, statusFor(err), err)
		return
	}
	s.log.Info().Msg("all thresholds reset to defaults")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if s.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("recorder not configured"))
		return
	}
	s.recorder.SetEnabled(req.Enabled)
	s.log.Info().Bool("enabled", req.Enabled).Msg("event recording toggled")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "recording": req.Enabled})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) writeAck(w http.ResponseWriter, ack string, err error) {
	if err != nil {
		s.log.Warn().Err(err).Msg("kit command failed")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ack": ack})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("bad request"))
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, thresholds.ErrUnknownKey):
		return http.StatusNotFound
	case errors.Is(err, thresholds.ErrInvalidEntry):
		return http.StatusBadRequest
	case errors.Is(err, kit.ErrAckTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, kit.ErrNotOpen), errors.Is(err, kit.ErrNotConnected), errors.Is(err, kit.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"ok": false, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
