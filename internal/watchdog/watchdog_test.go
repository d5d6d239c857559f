package watchdog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/balanz-csms/internal/logger"
	"github.com/charging-platform/balanz-csms/internal/model"
	"github.com/charging-platform/balanz-csms/internal/ocpp"
)

type fakeConns struct {
	mu      sync.Mutex
	dropped []string
}

func (f *fakeConns) Disconnect(id string) {
	f.mu.Lock()
	f.dropped = append(f.dropped, id)
	f.mu.Unlock()
}

type fakeWaker struct{ woken int }

func (f *fakeWaker) Wake() { f.woken++ }

func testWatchdog(t *testing.T) (*Watchdog, *model.Registry, *fakeConns, *fakeWaker, *[]*model.Session) {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	reg := model.NewRegistry(model.Options{}, log)
	require.NoError(t, reg.LoadGroups([]model.GroupRecord{{ID: "G", MaxAllocation: "00:00-23:59>0=24"}}))
	require.NoError(t, reg.AddCharger(model.ChargerRecord{ID: "CH-1", GroupID: "G", NoConnectors: 1, ConnMax: 32}))
	require.NoError(t, reg.AddTag(model.Tag{ID: "TAG-A", Status: model.TagActivated}))

	conns := &fakeConns{}
	waker := &fakeWaker{}
	var closed []*model.Session
	w := New(Config{
		Interval: time.Minute,
		Stale:    500 * time.Second,
		Timeout:  3600 * time.Second,
	}, reg, conns, waker, func(s *model.Session) { closed = append(closed, s) }, log)
	return w, reg, conns, waker, &closed
}

func TestSweepDropsSilentChargers(t *testing.T) {
	w, reg, conns, _, _ := testWatchdog(t)
	start := time.Now().Add(-10 * time.Minute)
	require.True(t, reg.ChargerConnected("CH-1", start))

	w.sweep(start.Add(400 * time.Second))
	assert.Empty(t, conns.dropped, "still within the stale window")

	w.sweep(start.Add(600 * time.Second))
	assert.Equal(t, []string{"CH-1"}, conns.dropped)
}

func TestSweepClosesStaleTransactions(t *testing.T) {
	w, reg, _, waker, closed := testWatchdog(t)
	start := time.Now().Add(-2 * time.Hour)
	require.True(t, reg.ChargerConnected("CH-1", start))
	reg.SetConnectorStatus("CH-1", 1, ocpp.StatusCharging, start)
	tx, _, err := reg.StartTransaction("CH-1", 1, "TAG-A", 100, start)
	require.NoError(t, err)
	reg.RecordMeter("CH-1", 1, 8, 1600, nil, start.Add(time.Minute), 300*time.Second)
	reg.ChargerDisconnected("CH-1")

	// Charger gone but timeout not yet reached: session survives.
	w.sweep(start.Add(30 * time.Minute))
	assert.Empty(t, *closed)
	_, ok := reg.SessionByTransaction(tx)
	assert.True(t, ok)

	// Past the timeout the session is closed with the stale reason and the
	// allocator is woken to rebalance the freed capacity.
	w.sweep(start.Add(2 * time.Hour))
	require.Len(t, *closed, 1)
	s := (*closed)[0]
	assert.Equal(t, "stale", s.Reason)
	assert.Equal(t, 1500.0, s.EnergyWh, "live meter value kept when no meter stop arrives")
	assert.Equal(t, 1, waker.woken)

	_, ok = reg.SessionByTransaction(tx)
	assert.False(t, ok)
}
