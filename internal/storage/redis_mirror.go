// Package storage mirrors live charger state into Redis so dashboards and
// other services can read it without talking to the CSMS.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Mirror is a write-only view of charger state in Redis. Failures are
// reported to the caller; the CSMS keeps running without the mirror.
type Mirror struct {
	Client *redis.Client
	Prefix string
}

// NewMirror connects and pings the Redis backend.
func NewMirror(addr, password string, db int) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &Mirror{Client: client, Prefix: "balanz:"}, nil
}

// ConnectorState is the JSON value stored per connector.
type ConnectorState struct {
	Status    string    `json:"status"`
	Offer     int       `json:"offer"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetChargerOnline records a charger connection; going offline removes the
// key so stale entries cannot linger after a crash.
func (m *Mirror) SetChargerOnline(ctx context.Context, chargerID string, online bool) error {
	key := m.Prefix + "charger:" + chargerID
	if !online {
		return m.Client.Del(ctx, key).Err()
	}
	return m.Client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), 0).Err()
}

// SetConnectorState records the live status and offer of one connector.
func (m *Mirror) SetConnectorState(ctx context.Context, chargerID string, connectorID int, state ConnectorState) error {
	key := fmt.Sprintf("%sconnector:%s:%d", m.Prefix, chargerID, connectorID)
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return m.Client.Set(ctx, key, payload, 0).Err()
}

// Close releases the Redis connection.
func (m *Mirror) Close() error {
	return m.Client.Close()
}
