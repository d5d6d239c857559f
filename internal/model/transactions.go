package model

import (
	"fmt"
	"sort"
	"time"

	"github.com/charging-platform/balanz-csms/internal/metrics"
	"github.com/charging-platform/balanz-csms/internal/ocpp"
)

// ---------------------------------------------------------------------------
// Connection lifecycle

// ChargerConnected marks a charger online. Unknown chargers are created via
// autoregistration when enabled; otherwise false is returned and the
// connection should be refused.
func (r *Registry) ChargerConnected(id string, now time.Time) bool {
	r.mu.Lock()
	c, ok := r.chargers[id]
	r.mu.Unlock()
	if !ok {
		if !r.Autoregister(id) {
			return false
		}
		r.mu.Lock()
		c = r.chargers[id]
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c.Connected = true
	c.ConnectedAt = now
	c.LastSeen = now
	c.ProfilesInitialized = false
	c.Backoff = false
	return true
}

// ChargerDisconnected marks a charger offline. Connector statuses drop to
// Unknown so their offers leave the allocation totals; live sessions stay
// until the transaction timeout reaps them.
func (r *Registry) ChargerDisconnected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chargers[id]
	if !ok {
		return
	}
	c.Connected = false
	c.ProfilesInitialized = false
	for _, conn := range c.Connectors {
		conn.Status = ocpp.StatusUnknown
		conn.BlockingInstalled = false
	}
	r.log.Infof("Charger %s disconnected", id)
}

// ChargerBooted records BootNotification metadata.
func (r *Registry) ChargerBooted(id, vendor, model, serial, fwVersion, meterType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chargers[id]
	if !ok {
		return
	}
	c.Vendor = vendor
	c.Model = model
	c.SerialNumber = serial
	c.FirmwareVersion = fwVersion
	c.MeterType = meterType
}

// Touch updates the last-seen timestamp used by the watchdog.
func (r *Registry) Touch(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.chargers[id]; ok {
		c.LastSeen = now
	}
}

// StaleChargers returns connected chargers silent for longer than stale.
func (r *Registry) StaleChargers(now time.Time, stale time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, c := range r.chargers {
		if c.Connected && now.Sub(c.LastSeen) > stale {
			out = append(out, id)
		}
	}
	return out
}

// SetBackoff marks or clears the one-cycle allocator back-off after a
// failed profile call.
func (r *Registry) SetBackoff(id string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.chargers[id]; ok {
		c.Backoff = on
	}
}

// SetProfilesInitialized records that the baseline profiles are installed.
func (r *Registry) SetProfilesInitialized(id string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.chargers[id]; ok {
		c.ProfilesInitialized = on
	}
}

// SetBlockingInstalled tracks the 0 A blocking profile per connector.
func (r *Registry) SetBlockingInstalled(chargerID string, connectorID int, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn := r.connectorLocked(chargerID, connectorID); conn != nil {
		conn.BlockingInstalled = on
	}
}

func (r *Registry) connectorLocked(chargerID string, connectorID int) *Connector {
	c, ok := r.chargers[chargerID]
	if !ok {
		return nil
	}
	return c.Connectors[connectorID]
}

// ---------------------------------------------------------------------------
// Status and meter updates

// SetConnectorStatus applies a StatusNotification. Connector 0 mirrors to
// every connector (charger-level notification). Unseen connector indexes on
// a known charger are created on the fly.
func (r *Registry) SetConnectorStatus(chargerID string, connectorID int, status ocpp.ChargePointStatus, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chargers[chargerID]
	if !ok {
		return
	}
	c.LastSeen = now
	if connectorID == 0 {
		for _, conn := range c.Connectors {
			conn.Status = status
			r.dropIdleOfferLocked(conn, now)
		}
		return
	}
	conn := c.Connectors[connectorID]
	if conn == nil {
		conn = &Connector{ChargerID: chargerID, ID: connectorID, Status: ocpp.StatusUnknown}
		c.Connectors[connectorID] = conn
		r.log.Warnf("Charger %s reported unknown connector %d, creating it", chargerID, connectorID)
	}
	if conn.Status != status {
		r.log.Debugf("Charger %s connector %d status %s -> %s", chargerID, connectorID, conn.Status, status)
	}
	conn.Status = status
	r.dropIdleOfferLocked(conn, now)
}

// chargeableStatus reports whether a connector in this status may hold a
// non-zero offer without a live session (EV plugged in, transaction not
// started yet).
func chargeableStatus(status ocpp.ChargePointStatus) bool {
	switch status {
	case ocpp.StatusPreparing, ocpp.StatusCharging, ocpp.StatusSuspendedEV, ocpp.StatusSuspendedEVSE:
		return true
	}
	return false
}

// dropIdleOfferLocked zeroes a leftover offer when a session-less connector
// leaves the chargeable states, e.g. the EV unplugged after a grant but
// before StartTransaction. Connectors outside those states hold offer 0.
func (r *Registry) dropIdleOfferLocked(conn *Connector, now time.Time) {
	if conn.Session != nil || conn.Offer == 0 || chargeableStatus(conn.Status) {
		return
	}
	r.log.Infof("Charger %s connector %d dropped offer %dA, status %s without a session",
		conn.ChargerID, conn.ID, conn.Offer, conn.Status)
	conn.Offer = 0
	conn.LastOfferChange = now
	conn.SuspendUntil = time.Time{}
}

// ConnectorOffer returns the installed offer of a connector.
func (r *Registry) ConnectorOffer(chargerID string, connectorID int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn := r.connectorLocked(chargerID, connectorID)
	if conn == nil {
		return 0, false
	}
	return conn.Offer, true
}

// ConnectorStatus returns the current status of a connector.
func (r *Registry) ConnectorStatus(chargerID string, connectorID int) (ocpp.ChargePointStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn := r.connectorLocked(chargerID, connectorID)
	if conn == nil {
		return ocpp.StatusUnknown, false
	}
	return conn.Status, true
}

// RecordMeter folds a MeterValues reading into the live session: rolling
// current samples, cumulative energy, and the charger-reported offer. A
// reported offer that disagrees with the installed one is adopted.
func (r *Registry) RecordMeter(chargerID string, connectorID int, amps float64, energyWh float64, offered *int, now time.Time, window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.connectorLocked(chargerID, connectorID)
	if conn == nil || conn.Session == nil {
		return
	}
	if c, ok := r.chargers[chargerID]; ok {
		c.LastSeen = now
	}
	s := conn.Session
	if amps >= 0 {
		s.RecordUsage(now, amps, window)
	}
	if energyWh >= 0 {
		s.RecordEnergy(energyWh)
	}
	if offered != nil && *offered != conn.Offer {
		r.log.Warnf("Charger %s connector %d reports offer %dA, expected %dA, adopting", chargerID, connectorID, *offered, conn.Offer)
		conn.Offer = *offered
	}
}

// ---------------------------------------------------------------------------
// Authorization and transactions

// Authorize evaluates an idTag. Unknown tags are Invalid, blocked tags are
// Blocked. A tag already charging elsewhere is rejected with ConcurrentTx
// unless the concurrency policy allows it.
func (r *Registry) Authorize(idTag string) ocpp.IdTagInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tags[idTag]
	if !ok {
		return ocpp.IdTagInfo{Status: ocpp.AuthorizationInvalid}
	}
	if t.Status == TagBlocked {
		return ocpp.IdTagInfo{Status: ocpp.AuthorizationBlocked}
	}
	if !r.opt.AllowConcurrentTag {
		for _, s := range r.transactions {
			if s.IDTag == idTag {
				return ocpp.IdTagInfo{Status: ocpp.AuthorizationConcurrentTx}
			}
		}
	}
	info := ocpp.IdTagInfo{Status: ocpp.AuthorizationAccepted}
	if t.ParentID != "" {
		p := t.ParentID
		info.ParentIdTag = &p
	}
	return info
}

// resolvePriorityLocked runs the override chain: config default, then the
// charger default, then the tag override when higher.
func (r *Registry) resolvePriorityLocked(c *Charger, t *Tag) int {
	p := r.opt.DefaultPriority
	if c.Priority != nil {
		p = *c.Priority
	}
	if t != nil && t.Priority != nil && *t.Priority > p {
		p = *t.Priority
	}
	return p
}

// StartTransaction opens a session on a connector. The returned transaction
// id is echoed to the charger; a rejected tag yields (0, info, nil) and no
// session.
func (r *Registry) StartTransaction(chargerID string, connectorID int, idTag string, meterStart float64, now time.Time) (int, ocpp.IdTagInfo, error) {
	info := r.Authorize(idTag)

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chargers[chargerID]
	if !ok {
		return 0, ocpp.IdTagInfo{Status: ocpp.AuthorizationInvalid}, fmt.Errorf("%w: charger %s", ErrNotFound, chargerID)
	}
	conn := c.Connectors[connectorID]
	if conn == nil {
		return 0, ocpp.IdTagInfo{Status: ocpp.AuthorizationInvalid}, fmt.Errorf("%w: connector %s/%d", ErrNotFound, chargerID, connectorID)
	}
	if info.Status != ocpp.AuthorizationAccepted {
		return 0, info, nil
	}
	if conn.Session != nil {
		return 0, ocpp.IdTagInfo{Status: ocpp.AuthorizationConcurrentTx},
			fmt.Errorf("%w: connector %s/%d already has session %s", ErrIntegrity, chargerID, connectorID, conn.Session.ID)
	}

	t := r.tags[idTag]
	userName := ""
	if t != nil {
		userName = t.UserName
	}
	r.nextTx++
	txID := r.nextTx
	s := NewSession(c, connectorID, txID, idTag, userName, r.resolvePriorityLocked(c, t), meterStart, now)
	conn.Session = s
	r.transactions[txID] = s
	metrics.ActiveSessions.Inc()
	r.log.Infof("Started session %s tx=%d on %s/%d tag=%s priority=%d", s.ID, txID, chargerID, connectorID, idTag, s.Priority)
	return txID, info, nil
}

// AdoptSession reconstructs a session for an unknown transaction id, e.g.
// meter values arriving after a process restart. The session carries the
// charger defaults and starts accounting from the given meter reading.
func (r *Registry) AdoptSession(chargerID string, connectorID, txID int, meterStart float64, now time.Time) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chargers[chargerID]
	if !ok {
		return nil
	}
	conn := c.Connectors[connectorID]
	if conn == nil {
		return nil
	}
	if conn.Session != nil {
		return conn.Session
	}
	s := NewSession(c, connectorID, txID, "", "", r.resolvePriorityLocked(c, nil), meterStart, now)
	conn.Session = s
	r.transactions[txID] = s
	if txID >= r.nextTx {
		r.nextTx = txID + 1
	}
	metrics.ActiveSessions.Inc()
	r.log.Warnf("Adopted unknown transaction %d on %s/%d", txID, chargerID, connectorID)
	return s
}

// SessionByTransaction looks up a live session.
func (r *Registry) SessionByTransaction(txID int) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.transactions[txID]
	return s, ok
}

// MayStop reports whether stopIDTag is allowed to stop the session: same
// tag, or a member of the same parent tag group.
func (r *Registry) MayStop(s *Session, stopIDTag string) bool {
	if stopIDTag == "" || stopIDTag == s.IDTag {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	start, stop := r.tags[s.IDTag], r.tags[stopIDTag]
	if start == nil || stop == nil {
		return false
	}
	if stop.Status == TagBlocked {
		return false
	}
	return start.ParentID != "" && start.ParentID == stop.ParentID
}

// StopTransaction closes the session for a transaction id and detaches it
// from its connector. The closed session is returned for history logging.
// meterStop < 0 keeps the last metered energy (forced closure).
func (r *Registry) StopTransaction(txID int, meterStop float64, stopIDTag, reason string, now time.Time) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.transactions[txID]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %d", ErrNotFound, txID)
	}
	delete(r.transactions, txID)

	finalOffer := 0
	if c, ok := r.chargers[s.ChargerID]; ok {
		if conn := c.Connectors[s.ConnectorID]; conn != nil && conn.Session == s {
			finalOffer = conn.Offer
			conn.Session = nil
			conn.Offer = 0
			conn.LastOfferChange = now
			conn.SuspendUntil = time.Time{}
		}
	}
	s.Close(now, meterStop, stopIDTag, reason, finalOffer)
	metrics.ActiveSessions.Dec()
	r.log.Infof("Closed session %s tx=%d reason=%s energy=%skWh", s.ID, txID, reason, KwhStr(s.EnergyWh))
	return s, nil
}

// ExpiredTransactions returns transaction ids whose charger is offline and
// whose last activity predates the timeout. Used by the watchdog.
func (r *Registry) ExpiredTransactions(now time.Time, timeout time.Duration) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []int
	for txID, s := range r.transactions {
		c, ok := r.chargers[s.ChargerID]
		if !ok {
			out = append(out, txID)
			continue
		}
		if !c.Connected && now.Sub(c.LastSeen) > timeout {
			out = append(out, txID)
		}
	}
	return out
}

// LiveSessions returns copies of all running sessions, sorted by start
// time then session id.
func (r *Registry) LiveSessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.transactions))
	for _, s := range r.transactions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SessionsForMissingChargers returns transactions whose charger no longer
// exists after a reload; callers force-close them with reason config_reload.
func (r *Registry) SessionsForMissingChargers() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []int
	for txID, s := range r.transactions {
		if _, ok := r.chargers[s.ChargerID]; !ok {
			out = append(out, txID)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Allocator bookkeeping

// CommitOffer records a successfully installed offer.
func (r *Registry) CommitOffer(chargerID string, connectorID, offer int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.connectorLocked(chargerID, connectorID)
	if conn == nil {
		return
	}
	conn.Offer = offer
	conn.LastOfferChange = now
	if offer > 0 {
		conn.SuspendUntil = time.Time{}
	}
	if conn.Session != nil {
		conn.Session.RecordOffer(now, offer)
	}
}

// MarkSuspended applies unused-offer reclamation bookkeeping: the session
// is counted as suspended and allocation is deferred until the deadline.
func (r *Registry) MarkSuspended(chargerID string, connectorID int, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.connectorLocked(chargerID, connectorID)
	if conn == nil {
		return
	}
	conn.SuspendUntil = until
	if conn.Session != nil {
		conn.Session.Suspensions++
	}
}

// SetPlateau pins the observed EV ceiling for the live session.
func (r *Registry) SetPlateau(chargerID string, connectorID, plateau int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.connectorLocked(chargerID, connectorID)
	if conn == nil || conn.Session == nil {
		return
	}
	if conn.Session.Plateau == 0 || plateau < conn.Session.Plateau {
		conn.Session.Plateau = plateau
		r.log.Debugf("Charger %s connector %d plateau %dA", chargerID, connectorID, plateau)
	}
}

// SetSessionPriority overrides the priority of a live session (admin API).
func (r *Registry) SetSessionPriority(txID, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.transactions[txID]
	if !ok {
		return fmt.Errorf("%w: transaction %d", ErrNotFound, txID)
	}
	s.Priority = priority
	return nil
}
