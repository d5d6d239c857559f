package model

import (
	"time"
)

// UsageSample is one per-connector current reading (max across phases).
type UsageSample struct {
	Time time.Time
	Amps float64
}

// OfferEntry is one step of a session's offer history. A nil Offer records
// the pre-allocation state ("None" in CSV output).
type OfferEntry struct {
	Time  time.Time
	Offer *int
}

// Session is one charging transaction between StartTransaction and
// StopTransaction.
type Session struct {
	ID            string
	ChargerID     string
	ChargerAlias  string
	GroupID       string
	ConnectorID   int
	TransactionID int

	IDTag     string
	UserName  string
	StopIDTag string
	Priority  int

	StartTime time.Time
	EndTime   time.Time
	Reason    string

	MeterStart float64 // Wh, cumulative register at start
	MeterStop  float64 // Wh
	EnergyWh   float64 // MeterStop - MeterStart while live: latest - start

	// Plateau is the inferred EV ceiling in whole amperes; 0 means none
	// observed yet. Sticky for the remainder of the session.
	Plateau int

	// Suspensions counts unused-offer reclamations of this session, used
	// to pick the re-evaluation delay.
	Suspensions int

	usage   []UsageSample
	History []OfferEntry
}

// NewSession opens a session for a transaction. The session id combines the
// charger id and the wall-clock start, matching the history CSV keying.
func NewSession(c *Charger, connectorID, transactionID int, idTag, userName string, priority int, meterStart float64, start time.Time) *Session {
	return &Session{
		ID:            c.ID + "-" + start.Format("2006-01-02-15:04:05"),
		ChargerID:     c.ID,
		ChargerAlias:  c.Alias,
		GroupID:       c.GroupID,
		ConnectorID:   connectorID,
		TransactionID: transactionID,
		IDTag:         idTag,
		UserName:      userName,
		Priority:      priority,
		StartTime:     start,
		MeterStart:    meterStart,
		History:       []OfferEntry{{Time: start, Offer: nil}},
	}
}

// RecordOffer appends an offer transition to the session history.
func (s *Session) RecordOffer(t time.Time, offer int) {
	o := offer
	s.History = append(s.History, OfferEntry{Time: t, Offer: &o})
}

// RecordUsage adds a current sample and drops samples older than window.
func (s *Session) RecordUsage(t time.Time, amps float64, window time.Duration) {
	s.usage = append(s.usage, UsageSample{Time: t, Amps: amps})
	cutoff := t.Add(-window)
	i := 0
	for i < len(s.usage) && s.usage[i].Time.Before(cutoff) {
		i++
	}
	// Keep one sample beyond the cutoff so the window stays covered.
	if i > 0 {
		s.usage = s.usage[i-1:]
	}
}

// RecordEnergy updates the live cumulative energy from a meter register.
func (s *Session) RecordEnergy(registerWh float64) {
	if registerWh >= s.MeterStart {
		s.EnergyWh = registerWh - s.MeterStart
	}
}

// MaxUsage returns the rolling maximum current over the last window ending
// at now, and whether the samples actually span the full window. An empty
// window is never considered covered.
func (s *Session) MaxUsage(now time.Time, window time.Duration) (max float64, covered bool) {
	if len(s.usage) == 0 {
		return 0, false
	}
	cutoff := now.Add(-window)
	covered = !s.usage[0].Time.After(cutoff) && s.StartTime.Before(cutoff)
	for _, u := range s.usage {
		if u.Time.Before(cutoff) {
			continue
		}
		if u.Amps > max {
			max = u.Amps
		}
	}
	return max, covered
}

// Close finalizes the session. MeterStop of -1 keeps the last live energy
// value (forced closure without a StopTransaction).
func (s *Session) Close(end time.Time, meterStop float64, stopIDTag, reason string, finalOffer int) {
	s.EndTime = end
	s.StopIDTag = stopIDTag
	s.Reason = reason
	if meterStop >= 0 {
		s.MeterStop = meterStop
		s.EnergyWh = meterStop - s.MeterStart
	} else {
		s.MeterStop = s.MeterStart + s.EnergyWh
	}
	s.RecordOffer(end, finalOffer)
}

// Duration is the wall-clock length of the session.
func (s *Session) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}
