// Package websocket is the transport boundary: it upgrades HTTP requests,
// routes chargers by URL path and the admin API via /api, and shuttles raw
// frames between connections and their handlers.
package websocket

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz-csms/internal/api"
	"github.com/charging-platform/balanz-csms/internal/chargepoint"
	"github.com/charging-platform/balanz-csms/internal/logger"
	"github.com/charging-platform/balanz-csms/internal/model"
)

// Config carries the listener and websocket policy knobs.
type Config struct {
	Addr      string
	Port      int
	CertChain string
	CertKey   string

	// PingTimeout drives both the ping cadence (half the timeout) and the
	// read deadline.
	PingTimeout time.Duration

	WriteTimeout   time.Duration
	MaxMessageSize int64

	// HTTPAuth enforces Basic auth against the charger's stored hash.
	HTTPAuth bool
	// HTTPAuthViaProtocol accepts hex-encoded credentials smuggled in the
	// Sec-WebSocket-Protocol list. Dev-only workaround for browser clients
	// that cannot set an Authorization header.
	HTTPAuthViaProtocol bool
}

// Server accepts charger and admin connections on one listener.
type Server struct {
	cfg      Config
	reg      *model.Registry
	mgr      *chargepoint.Manager
	api      *api.Server
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu    sync.Mutex
	conns map[string]*chargerConn

	httpServer *http.Server
}

// NewServer builds the transport server.
func NewServer(cfg Config, reg *model.Registry, mgr *chargepoint.Manager, apiSrv *api.Server, log *logger.Logger) *Server {
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1 << 20
	}
	s := &Server{
		cfg:   cfg,
		reg:   reg,
		mgr:   mgr,
		api:   apiSrv,
		log:   log.Named("transport"),
		conns: make(map[string]*chargerConn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{"ocpp1.6"},
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return s
}

// Handler returns the HTTP handler serving both chargers and the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serve)
	return mux
}

// Run serves until ctx is cancelled. A bind failure is returned immediately
// so main can exit with the configured code.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Addr, strconv.Itoa(s.cfg.Port))
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.log.Info().Str("addr", addr).Bool("tls", s.cfg.CertChain != "").Msg("Listening")

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.CertChain != "" {
			errCh <- s.httpServer.ServeTLS(listener, s.cfg.CertChain, s.cfg.CertKey)
		} else {
			errCh <- s.httpServer.Serve(listener)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.closeAll()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Disconnect force-closes a charger connection. The reader goroutine takes
// care of detaching from the manager.
func (s *Server) Disconnect(chargerID string) {
	s.mu.Lock()
	conn, ok := s.conns[chargerID]
	s.mu.Unlock()
	if ok {
		s.log.Info().Str("charger_id", chargerID).Msg("Force closing connection")
		conn.Close()
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*chargerConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	if path == "api" {
		s.serveAPI(w, r)
		return
	}
	if path == "" || strings.Contains(path, "/") {
		http.Error(w, "invalid path", http.StatusNotFound)
		return
	}
	s.serveCharger(w, r, path)
}

// ---------------------------------------------------------------------------
// Charger connections

func (s *Server) serveCharger(w http.ResponseWriter, r *http.Request, chargerID string) {
	if !s.checkChargerAuth(r, chargerID) {
		s.log.Warn().Str("charger_id", chargerID).Msg("Rejected connection, Basic auth failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Str("charger_id", chargerID).Msg("Upgrade failed")
		return
	}

	conn := newChargerConn(ws, chargerID, s.cfg, s.log)
	if _, err := s.mgr.Attach(chargerID, conn, time.Now()); err != nil {
		s.log.Warn().Err(err).Str("charger_id", chargerID).Msg("Connection refused")
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[chargerID] = conn
	s.mu.Unlock()

	go conn.writeLoop()
	go s.readLoop(conn)
}

// checkChargerAuth validates HTTP Basic credentials against the charger's
// stored hash. Chargers without a hash yet pass through; the manager rolls
// them a key after boot.
func (s *Server) checkChargerAuth(r *http.Request, chargerID string) bool {
	if !s.cfg.HTTPAuth {
		return true
	}
	want, ok := s.reg.ChargerAuthSHA(chargerID)
	if !ok || want == "" {
		return true
	}

	auth := r.Header.Get("Authorization")
	if auth == "" && s.cfg.HTTPAuthViaProtocol {
		auth = authFromProtocols(r.Header.Get("Sec-WebSocket-Protocol"))
	}
	if auth == "" {
		return false
	}
	return model.SHA256Hex(auth) == want
}

// authFromProtocols recovers Basic credentials from a hex-encoded
// pseudo-subprotocol entry.
func authFromProtocols(header string) string {
	for _, prot := range strings.Split(header, ",") {
		prot = strings.TrimSpace(prot)
		if prot == "" || strings.HasPrefix(prot, "ocpp") {
			continue
		}
		raw, err := hex.DecodeString(prot)
		if err != nil {
			continue
		}
		return "Basic " + base64.StdEncoding.EncodeToString(raw)
	}
	return ""
}

func (s *Server) readLoop(conn *chargerConn) {
	defer func() {
		s.mu.Lock()
		if s.conns[conn.chargerID] == conn {
			delete(s.conns, conn.chargerID)
		}
		s.mu.Unlock()
		s.mgr.Detach(conn.chargerID)
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Str("charger_id", conn.chargerID).Msg("Connection lost")
			}
			return
		}
		if msgType == websocket.TextMessage {
			s.mgr.HandleMessage(conn.chargerID, data)
		}
	}
}

// chargerConn serializes all writes to one websocket through a channel so
// OCPP replies, outbound calls and pings never interleave.
type chargerConn struct {
	ws        *websocket.Conn
	chargerID string
	cfg       Config
	log       zerolog.Logger

	sendCh    chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newChargerConn(ws *websocket.Conn, chargerID string, cfg Config, log zerolog.Logger) *chargerConn {
	c := &chargerConn{
		ws:        ws,
		chargerID: chargerID,
		cfg:       cfg,
		log:       log,
		sendCh:    make(chan []byte, 64),
		done:      make(chan struct{}),
	}
	ws.SetReadLimit(cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(cfg.PingTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PingTimeout))
	})
	return c
}

// Send queues one frame for delivery. Implements chargepoint.Conn.
func (c *chargerConn) Send(data []byte) error {
	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("connection to %s closed", c.chargerID)
	default:
		return fmt.Errorf("send queue full for %s", c.chargerID)
	}
}

// Close tears the connection down. Implements chargepoint.Conn.
func (c *chargerConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
	return nil
}

func (c *chargerConn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Str("charger_id", c.chargerID).Msg("Write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Admin API connections

func (s *Server) serveAPI(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("API upgrade failed")
		return
	}
	defer ws.Close()

	s.log.Info().Str("remote", r.RemoteAddr).Msg("API client connected")
	cs := s.api.NewSession()
	ctx := r.Context()

	var writeMu sync.Mutex
	for {
		ws.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout * 4))
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			s.log.Info().Str("remote", r.RemoteAddr).Msg("API client disconnected")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		reply := s.api.Handle(ctx, cs, data)

		writeMu.Lock()
		ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		err = ws.WriteMessage(websocket.TextMessage, reply)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}
