package chargepoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz-csms/internal/logger"
	"github.com/charging-platform/balanz-csms/internal/metrics"
	"github.com/charging-platform/balanz-csms/internal/model"
	"github.com/charging-platform/balanz-csms/internal/ocpp"
)

// Conn is the write half of a charger connection, provided by the transport.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Sinks receive model changes for history logging, event publishing and
// live-state mirroring. Nil functions are skipped.
type Sinks struct {
	SessionClosed  func(s *model.Session)
	ConnectorState func(chargerID string, connectorID int, status ocpp.ChargePointStatus, offer int)
	ChargerOnline  func(chargerID string, online bool)
}

// Config carries the charge point policy knobs.
type Config struct {
	HeartbeatInterval   time.Duration
	TransactionInterval time.Duration
	CallTimeout         time.Duration
	MinAllocation       int
	UsageWindow         time.Duration
	IssueAuthKey        bool
	AuthKeyDelay        time.Duration
	ChargersCSV         string
}

// Manager owns one ChargePoint per connected charger and dispatches OCPP
// traffic between the transport and the model registry.
type Manager struct {
	log   zerolog.Logger
	cfg   Config
	reg   *model.Registry
	sinks Sinks

	mu     sync.RWMutex
	points map[string]*ChargePoint
}

// NewManager builds a charge point manager.
func NewManager(cfg Config, reg *model.Registry, log *logger.Logger, sinks Sinks) *Manager {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	return &Manager{
		log:    log.Named("csms"),
		cfg:    cfg,
		reg:    reg,
		sinks:  sinks,
		points: make(map[string]*ChargePoint),
	}
}

// ChargePoint is the OCPP endpoint of one connected charger. Outbound calls
// are paired with their CallResult by messageId.
type ChargePoint struct {
	id  string
	mgr *Manager

	connMu sync.Mutex
	conn   Conn

	pendingMu sync.Mutex
	pending   map[string]*pendingCall
}

type pendingCall struct {
	action ocpp.Action
	done   chan callOutcome
}

type callOutcome struct {
	payload json.RawMessage
	err     error
}

// Attach registers a new connection for a charger. Duplicate connections
// are refused; unknown chargers are refused unless autoregistration creates
// them.
func (m *Manager) Attach(id string, conn Conn, now time.Time) (*ChargePoint, error) {
	if !m.reg.ChargerConnected(id, now) {
		return nil, fmt.Errorf("unknown charger %s", id)
	}

	m.mu.Lock()
	if _, ok := m.points[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("charger %s already connected", id)
	}
	cp := &ChargePoint{id: id, mgr: m, conn: conn, pending: make(map[string]*pendingCall)}
	m.points[id] = cp
	m.mu.Unlock()

	metrics.ActiveConnections.Inc()
	if m.sinks.ChargerOnline != nil {
		m.sinks.ChargerOnline(id, true)
	}
	m.log.Info().Str("charger_id", id).Msg("Charger connected")

	if m.cfg.IssueAuthKey {
		go m.issueAuthKey(cp)
	}
	return cp, nil
}

// Detach drops the charge point after its connection closed.
func (m *Manager) Detach(id string) {
	m.mu.Lock()
	cp, ok := m.points[id]
	if ok {
		delete(m.points, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	cp.failPending(fmt.Errorf("charger %s disconnected", id))
	m.reg.ChargerDisconnected(id)
	metrics.ActiveConnections.Dec()
	if m.sinks.ChargerOnline != nil {
		m.sinks.ChargerOnline(id, false)
	}
	m.log.Info().Str("charger_id", id).Msg("Charger detached")
}

// CloseOrphanedSessions force-closes transactions whose charger vanished in
// a model reload. Closed sessions flow through the session sink with reason
// config_reload, like any other closure. Returns the number closed.
func (m *Manager) CloseOrphanedSessions(now time.Time) int {
	closed := 0
	for _, txID := range m.reg.SessionsForMissingChargers() {
		s, err := m.reg.StopTransaction(txID, -1, "", "config_reload", now)
		if err != nil {
			continue
		}
		closed++
		m.log.Warn().
			Int("transaction_id", txID).
			Str("charger_id", s.ChargerID).
			Str("session_id", s.ID).
			Msg("Charger removed by reload, closing session")
		if m.sinks.SessionClosed != nil {
			m.sinks.SessionClosed(s)
		}
	}
	return closed
}

// Point returns the charge point for a connected charger.
func (m *Manager) Point(id string) (*ChargePoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.points[id]
	return cp, ok
}

// ConnectedIDs lists currently attached chargers.
func (m *Manager) ConnectedIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.points))
	for id := range m.points {
		out = append(out, id)
	}
	return out
}

// HandleMessage processes one inbound OCPP-J frame from a charger. Malformed
// frames are answered with a CallError; an unparseable envelope closes the
// connection (protocol error).
func (m *Manager) HandleMessage(id string, data []byte) {
	cp, ok := m.Point(id)
	if !ok {
		return
	}
	m.reg.Touch(id, time.Now())

	frame, err := ocpp.UnmarshalFrame(data)
	if err != nil {
		m.log.Warn().Str("charger_id", id).Err(err).Msg("Dropping malformed frame, closing connection")
		cp.close()
		return
	}

	switch frame.Type {
	case ocpp.Call:
		metrics.MessagesReceived.WithLabelValues(string(frame.Action)).Inc()
		cp.handleCall(frame)
	case ocpp.CallResult, ocpp.CallError:
		cp.handleReply(frame)
	}
}

func (cp *ChargePoint) close() {
	cp.connMu.Lock()
	defer cp.connMu.Unlock()
	if cp.conn != nil {
		cp.conn.Close()
	}
}

func (cp *ChargePoint) send(data []byte) error {
	cp.connMu.Lock()
	defer cp.connMu.Unlock()
	if cp.conn == nil {
		return fmt.Errorf("charger %s not connected", cp.id)
	}
	return cp.conn.Send(data)
}

func (cp *ChargePoint) sendResult(id string, payload interface{}) {
	data, err := ocpp.MarshalCallResult(id, payload)
	if err != nil {
		cp.mgr.log.Error().Err(err).Str("charger_id", cp.id).Msg("Failed to marshal CallResult")
		return
	}
	if err := cp.send(data); err != nil {
		cp.mgr.log.Warn().Err(err).Str("charger_id", cp.id).Msg("Failed to send CallResult")
	}
}

func (cp *ChargePoint) sendError(id string, code ocpp.ErrorCode, description string) {
	data, err := ocpp.MarshalCallError(id, code, description, nil)
	if err != nil {
		return
	}
	if err := cp.send(data); err != nil {
		cp.mgr.log.Warn().Err(err).Str("charger_id", cp.id).Msg("Failed to send CallError")
	}
}

// Call issues an outbound OCPP call and waits for the paired reply or the
// call timeout. The raw response payload is returned for typed decoding.
func (cp *ChargePoint) Call(ctx context.Context, action ocpp.Action, payload interface{}) (json.RawMessage, error) {
	msgID := uuid.New().String()
	data, err := ocpp.MarshalCall(msgID, action, payload)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{action: action, done: make(chan callOutcome, 1)}
	cp.pendingMu.Lock()
	cp.pending[msgID] = pc
	cp.pendingMu.Unlock()
	defer func() {
		cp.pendingMu.Lock()
		delete(cp.pending, msgID)
		cp.pendingMu.Unlock()
	}()

	if err := cp.send(data); err != nil {
		metrics.CallsSent.WithLabelValues(string(action), "send_error").Inc()
		return nil, err
	}

	timer := time.NewTimer(cp.mgr.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case out := <-pc.done:
		if out.err != nil {
			metrics.CallsSent.WithLabelValues(string(action), "error").Inc()
			return nil, out.err
		}
		metrics.CallsSent.WithLabelValues(string(action), "ok").Inc()
		return out.payload, nil
	case <-timer.C:
		metrics.CallsSent.WithLabelValues(string(action), "timeout").Inc()
		return nil, fmt.Errorf("%s to %s timed out", action, cp.id)
	case <-ctx.Done():
		metrics.CallsSent.WithLabelValues(string(action), "canceled").Inc()
		return nil, ctx.Err()
	}
}

// CallInto issues a call and decodes the CallResult payload into out.
func (cp *ChargePoint) CallInto(ctx context.Context, action ocpp.Action, payload, out interface{}) error {
	raw, err := cp.Call(ctx, action, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return ocpp.DecodePayload(raw, out)
}

func (cp *ChargePoint) handleReply(frame *ocpp.Frame) {
	cp.pendingMu.Lock()
	pc, ok := cp.pending[frame.ID]
	if ok {
		delete(cp.pending, frame.ID)
	}
	cp.pendingMu.Unlock()
	if !ok {
		cp.mgr.log.Warn().Str("charger_id", cp.id).Str("message_id", frame.ID).Msg("Reply for unknown call")
		return
	}

	if frame.Type == ocpp.CallError {
		pc.done <- callOutcome{err: fmt.Errorf("%s rejected %s: %s (%s)", cp.id, pc.action, frame.ErrorCode, frame.ErrorDescription)}
		return
	}
	pc.done <- callOutcome{payload: frame.Payload}
}

func (cp *ChargePoint) failPending(err error) {
	cp.pendingMu.Lock()
	defer cp.pendingMu.Unlock()
	for id, pc := range cp.pending {
		pc.done <- callOutcome{err: err}
		delete(cp.pending, id)
	}
}
