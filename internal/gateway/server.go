package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/bluescan/internal/bt"
)

// Controller is the subset of *bt.Controller the gateway drives.
type Controller interface {
	StartScan(ctx context.Context, mode bt.TransportMode) error
	StopScan(ctx context.Context) error
	Connect(ctx context.Context, dev bt.DeviceRef, mode bt.TransportMode) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, text string) error
	Pair(ctx context.Context, address string) error
	Status() bt.Status
	Devices() []bt.DeviceRef
	Records() []string
}

const pingInterval = 20 * time.Second

// wsUpgrader leaves CheckOrigin nil so gorilla rejects browser origins
// other than the request host.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Server serves the /api/v1 routes.
type Server struct {
	ctrl Controller
	bus  *Bus
}

// NewRouter wires all /api/v1/* routes.
func NewRouter(ctrl Controller, bus *Bus) http.Handler {
	s := &Server{ctrl: ctrl, bus: bus}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/devices", s.devices)
	mux.HandleFunc("GET /api/v1/transcript", s.transcript)

	mux.HandleFunc("POST /api/v1/scan", s.startScan)
	mux.HandleFunc("DELETE /api/v1/scan", s.stopScan)

	mux.HandleFunc("POST /api/v1/connect", s.connect)
	mux.HandleFunc("POST /api/v1/disconnect", s.disconnect)
	mux.HandleFunc("POST /api/v1/send", s.send)
	mux.HandleFunc("POST /api/v1/pair", s.pair)

	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(mux)
}

// ListenAndServe serves handler on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}
	return Serve(ctx, ln, handler)
}

// Serve serves handler on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	slog.Info("[GATEWAY] listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return fmt.Errorf("gateway: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return nil
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) devices(w http.ResponseWriter, _ *http.Request) {
	devs := s.ctrl.Devices()
	if devs == nil {
		devs = []bt.DeviceRef{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devs})
}

func (s *Server) transcript(w http.ResponseWriter, _ *http.Request) {
	recs := s.ctrl.Records()
	if recs == nil {
		recs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

type scanRequest struct {
	Mode string `json:"mode"`
}

type connectRequest struct {
	Address string `json:"address"`
	Mode    string `json:"mode"`
}

type sendRequest struct {
	Text string `json:"text"`
}

type pairRequest struct {
	Address string `json:"address"`
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decode(w, r, &req) {
		return
	}
	mode, err := bt.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ctrl.StartScan(r.Context(), mode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scanning": true, "mode": mode.String()})
}

func (s *Server) stopScan(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StopScan(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Address == "" {
		http.Error(w, "address required", http.StatusBadRequest)
		return
	}
	mode, err := bt.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ctrl.Connect(r.Context(), s.lookup(req.Address), mode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"address": bt.NormalizeAddress(req.Address), "mode": mode.String()})
}

// lookup prefers the discovered ref so its name carries through events.
func (s *Server) lookup(address string) bt.DeviceRef {
	want := bt.DeviceRef{Address: address}
	for _, d := range s.ctrl.Devices() {
		if d.Same(want) {
			return d
		}
	}
	return want
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Disconnect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctrl.Send(r.Context(), req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"bytes": len(req.Text)})
}

func (s *Server) pair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Address == "" {
		http.Error(w, "address required", http.StatusBadRequest)
		return
	}
	if err := s.ctrl.Pair(r.Context(), req.Address); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"address": bt.NormalizeAddress(req.Address)})
}

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[GATEWAY] ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	ch, unsub := s.bus.Subscribe()
	defer unsub()

	// The read side only handles control frames and notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "")) //nolint:errcheck
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				slog.Debug("[GATEWAY] ws write", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		slog.Debug("[GATEWAY] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.code,
			"duration", time.Since(start),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("gateway: response writer cannot hijack")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bt.ErrSessionBusy), errors.Is(err, bt.ErrAlreadyScanning):
		return http.StatusConflict
	case errors.Is(err, bt.ErrPairingRequired):
		return http.StatusPreconditionFailed
	case errors.Is(err, bt.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, bt.ErrAdapterDisabled), errors.Is(err, bt.ErrNotConnected),
		errors.Is(err, bt.ErrNoWritableCharacteristic), errors.Is(err, bt.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
