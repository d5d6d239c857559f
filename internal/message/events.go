// Package message publishes model events to Kafka for downstream billing
// and analytics consumers.
package message

import (
	"encoding/json"
	"time"

	"github.com/charging-platform/balanz-csms/internal/model"
	"github.com/charging-platform/balanz-csms/internal/ocpp"
)

// Event type names carried in the "type" field.
const (
	TypeSessionClosed  = "session.closed"
	TypeOfferChanged   = "offer.changed"
	TypeChargerOnline  = "charger.online"
	TypeChargerOffline = "charger.offline"
)

// Event is one message on the event topic. ChargerID doubles as the
// partition key so per-charger ordering is preserved.
type Event struct {
	Type      string      `json:"type"`
	ChargerID string      `json:"charger_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

func (e Event) toJSON() ([]byte, error) {
	return json.Marshal(e)
}

// SessionClosedData is the payload of a session.closed event.
type SessionClosedData struct {
	SessionID     string  `json:"session_id"`
	TransactionID int     `json:"transaction_id"`
	ConnectorID   int     `json:"connector_id"`
	GroupID       string  `json:"group_id"`
	IDTag         string  `json:"id_tag"`
	UserName      string  `json:"user_name,omitempty"`
	StartTime     string  `json:"start_time"`
	EndTime       string  `json:"end_time"`
	Duration      string  `json:"duration"`
	EnergyKwh     string  `json:"energy_kwh"`
	EnergyWh      float64 `json:"energy_wh"`
	StopReason    string  `json:"stop_reason"`
}

// SessionClosed builds the event for a finished charging session.
func SessionClosed(s *model.Session) Event {
	return Event{
		Type:      TypeSessionClosed,
		ChargerID: s.ChargerID,
		Timestamp: s.EndTime,
		Data: SessionClosedData{
			SessionID:     s.ID,
			TransactionID: s.TransactionID,
			ConnectorID:   s.ConnectorID,
			GroupID:       s.GroupID,
			IDTag:         s.IDTag,
			UserName:      s.UserName,
			StartTime:     model.TimeStr(s.StartTime),
			EndTime:       model.TimeStr(s.EndTime),
			Duration:      model.DurationStr(s.Duration()),
			EnergyKwh:     model.KwhStr(s.EnergyWh),
			EnergyWh:      s.EnergyWh,
			StopReason:    s.Reason,
		},
	}
}

// OfferChangedData is the payload of an offer.changed event.
type OfferChangedData struct {
	ConnectorID int    `json:"connector_id"`
	Status      string `json:"status"`
	Offer       int    `json:"offer"`
}

// OfferChanged builds the event for a committed offer change or connector
// status transition.
func OfferChanged(chargerID string, connectorID int, status ocpp.ChargePointStatus, offer int) Event {
	return Event{
		Type:      TypeOfferChanged,
		ChargerID: chargerID,
		Timestamp: time.Now(),
		Data: OfferChangedData{
			ConnectorID: connectorID,
			Status:      string(status),
			Offer:       offer,
		},
	}
}

// ChargerConnection builds the event for a charger going online or offline.
func ChargerConnection(chargerID string, online bool) Event {
	typ := TypeChargerOffline
	if online {
		typ = TypeChargerOnline
	}
	return Event{Type: typ, ChargerID: chargerID, Timestamp: time.Now()}
}
