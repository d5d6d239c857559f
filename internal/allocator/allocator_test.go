package allocator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/balanz-csms/internal/logger"
	"github.com/charging-platform/balanz-csms/internal/model"
	"github.com/charging-platform/balanz-csms/internal/ocpp"
	"github.com/charging-platform/balanz-csms/internal/schedule"
)

func testConfig() Config {
	return Config{
		RunInterval:                  5 * time.Second,
		IntervalsFull:                12,
		MinAllocation:                6,
		MaxOfferIncrease:             3,
		MinOfferIncreaseInterval:     115 * time.Second,
		WaitAfterReduce:              5 * time.Second,
		MarginLower:                  0.8,
		MarginIncrease:               1.0,
		UsageThreshold:               2,
		UsageMonitoringInterval:      300 * time.Second,
		SuspendedAllocationTimeout:   300 * time.Second,
		SuspendedDelayedTime:         3600 * time.Second,
		SuspendedDelayedTimeNotFirst: 10800 * time.Second,
		EnergyThreshold:              1000,
	}
}

func mustSchedule(t *testing.T, text string) *schedule.Schedule {
	t.Helper()
	s, err := schedule.Parse(text)
	require.NoError(t, err)
	return s
}

// snapshotBuilder assembles hand-written snapshots for planning tests.
type snapshotBuilder struct {
	snap *model.Snapshot
}

func newSnapshot(now time.Time) *snapshotBuilder {
	return &snapshotBuilder{snap: &model.Snapshot{
		Time:     now,
		Groups:   map[string]*model.GroupView{},
		Chargers: map[string]*model.ChargerView{},
	}}
}

func (b *snapshotBuilder) group(id, parent string, sched *schedule.Schedule) *snapshotBuilder {
	b.snap.Groups[id] = &model.GroupView{ID: id, ParentID: parent, Schedule: sched}
	return b
}

func (b *snapshotBuilder) charger(id, groupID string, connMax, priority int, conns ...*model.ConnectorView) *snapshotBuilder {
	for _, c := range conns {
		c.ChargerID = id
	}
	b.snap.Chargers[id] = &model.ChargerView{
		ID: id, GroupID: groupID, ConnMax: connMax, Priority: priority,
		Connected: true, ProfilesInitialized: true, Connectors: conns,
	}
	return b
}

func charging(id, offer, tx int, usage float64, lastChange time.Time) *model.ConnectorView {
	return &model.ConnectorView{
		ID: id, Status: ocpp.StatusCharging, Offer: offer,
		TransactionID: tx, SessionID: "s", Priority: 1,
		RollingMax: usage, WindowCovered: true, LastOfferChange: lastChange,
	}
}

func planOne(t *testing.T, snap *model.Snapshot, now time.Time) (reduce, grow []model.OfferChange) {
	t.Helper()
	reduce, grow = NewPlanner(testConfig()).Plan(snap, now)
	checkCapInvariant(t, snap, now, reduce, grow)
	return reduce, grow
}

// checkCapInvariant verifies that offers after applying the planned changes
// respect every allocation group cap: each connector counts against the
// bucket its priority reaches, and the interval budget bounds the total.
func checkCapInvariant(t *testing.T, snap *model.Snapshot, now time.Time, lists ...[]model.OfferChange) {
	t.Helper()
	type conn struct {
		offer, prio int
		groupID     string
	}
	var conns []conn
	idx := map[string]map[int]int{}
	for id, charger := range snap.Chargers {
		if !charger.Connected {
			continue
		}
		idx[id] = map[int]int{}
		for _, c := range charger.Connectors {
			p := charger.Priority
			if c.HasSession() {
				p = c.Priority
			}
			idx[id][c.ID] = len(conns)
			conns = append(conns, conn{offer: c.Offer, prio: p, groupID: charger.GroupID})
		}
	}
	for _, list := range lists {
		for _, ch := range list {
			if m, ok := idx[ch.ChargerID]; ok {
				conns[m[ch.ConnectorID]].offer = ch.Offer
			}
		}
	}

	for _, g := range snap.Groups {
		if g.Schedule == nil {
			continue
		}
		buckets := g.Schedule.Buckets(now)
		used := make([]int, len(buckets))
		total := 0
		for _, c := range conns {
			if c.offer == 0 || !governedBy(snap, c.groupID, g.ID) {
				continue
			}
			matched := false
			for i, b := range buckets {
				if c.prio >= b.Threshold {
					used[i] += c.offer
					matched = true
					break
				}
			}
			assert.True(t, matched, "group %s: offer at priority %d below every threshold", g.ID, c.prio)
			total += c.offer
		}
		for i, b := range buckets {
			assert.LessOrEqual(t, used[i], b.Cap, "group %s bucket %d=%d exceeded", g.ID, b.Threshold, b.Cap)
		}
		if len(buckets) > 0 {
			assert.LessOrEqual(t, total, buckets[0].Cap, "group %s budget exceeded", g.ID)
		}
	}
}

func governedBy(snap *model.Snapshot, groupID, allocGroupID string) bool {
	for _, g := range snap.AllocationChain(groupID) {
		if g.ID == allocGroupID {
			return true
		}
	}
	return false
}

func TestFirstOfferIsMinimum(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := newSnapshot(now).
		group("RR2", "", mustSchedule(t, "00:00-23:59>0=24")).
		charger("RR2-01", "RR2", 32, 1, &model.ConnectorView{
			ID: 1, Status: ocpp.StatusSuspendedEVSE, BlockingInstalled: true,
		}).snap

	reduce, grow := planOne(t, snap, now)
	assert.Empty(t, reduce)
	require.Len(t, grow, 1)
	assert.Equal(t, 6, grow[0].Offer)
	assert.Equal(t, 0, grow[0].TransactionID, "no transaction yet, blocking profile path")
}

func TestGrowthStepBounded(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		name      string
		offer     int
		usage     float64
		age       time.Duration
		wantOffer int
		wantGrow  bool
	}{
		{"step from 6 to 9", 6, 5.8, 120 * time.Second, 9, true},
		{"step from 9 to 12", 9, 8.5, 120 * time.Second, 12, true},
		{"too soon to increase", 6, 5.8, 60 * time.Second, 0, false},
		{"usage too low to increase", 9, 6.0, 120 * time.Second, 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			snap := newSnapshot(now).
				group("RR2", "", mustSchedule(t, "00:00-23:59>0=24")).
				charger("RR2-01", "RR2", 32, 1,
					charging(1, tc.offer, 100, tc.usage, now.Add(-tc.age))).snap

			reduce, grow := planOne(t, snap, now)
			assert.Empty(t, reduce)
			if !tc.wantGrow {
				assert.Empty(t, grow)
				return
			}
			require.Len(t, grow, 1)
			assert.Equal(t, tc.wantOffer, grow[0].Offer)
			assert.Equal(t, 100, grow[0].TransactionID)
		})
	}
}

func TestPriorityGating(t *testing.T) {
	sched := mustSchedule(t, "00:00-16:59>0=48;17:00-20:59>0=0:5=48;21:00-23:59>0=32:5=48")
	now := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	lowPrio := charging(1, 6, 101, 5.8, now.Add(-200*time.Second))
	highPrio := charging(1, 6, 102, 5.8, now.Add(-200*time.Second))
	highPrio.Priority = 5

	snap := newSnapshot(now).
		group("RR1", "", sched).
		charger("RR1-01", "RR1", 32, 1, lowPrio).
		charger("RR1-02", "RR1", 32, 1, highPrio).snap

	reduce, grow := planOne(t, snap, now)
	require.Len(t, reduce, 1)
	assert.Equal(t, "RR1-01", reduce[0].ChargerID)
	assert.Equal(t, 0, reduce[0].Offer, "priority 1 disabled in this window")
	require.Len(t, grow, 1)
	assert.Equal(t, "RR1-02", grow[0].ChargerID)
	assert.Equal(t, 9, grow[0].Offer, "priority 5 keeps growing")
}

func TestReductionToJustAboveUsage(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := newSnapshot(now).
		group("RR2", "", mustSchedule(t, "00:00-23:59>0=24")).
		charger("RR2-01", "RR2", 32, 1,
			charging(1, 16, 100, 10.0, now.Add(-400*time.Second))).snap

	reduce, grow := planOne(t, snap, now)
	assert.Empty(t, grow)
	require.Len(t, reduce, 1)
	assert.Equal(t, 11, reduce[0].Offer, "smallest integer strictly above 10.0")
	assert.Equal(t, 11, reduce[0].Plateau, "ceiling pinned for the session")
}

func TestReductionNeedsCoveredWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	conn := charging(1, 16, 100, 10.0, now.Add(-400*time.Second))
	conn.WindowCovered = false
	snap := newSnapshot(now).
		group("RR2", "", mustSchedule(t, "00:00-23:59>0=24")).
		charger("RR2-01", "RR2", 32, 1, conn).snap

	reduce, _ := planOne(t, snap, now)
	assert.Empty(t, reduce, "young sample window must not trigger reductions")
}

func TestUnusedReclamation(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	for _, tc := range []struct {
		name      string
		energyWh  float64
		topOfHour bool
		wantUntil time.Time
	}{
		{"first session, delayed start", 200, false, now.Add(3600 * time.Second)},
		{"energy threshold crossed", 1500, false, now.Add(10800 * time.Second)},
		{"top of hour alignment", 200, true, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC).Add(-150 * time.Second)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conn := &model.ConnectorView{
				ID: 1, Status: ocpp.StatusSuspendedEV, Offer: 6,
				TransactionID: 100, SessionID: "s", Priority: 1,
				RollingMax: 0.5, WindowCovered: true,
				LastOfferChange: now.Add(-400 * time.Second),
				EnergyWh:        tc.energyWh,
			}
			snap := newSnapshot(now).
				group("RR2", "", mustSchedule(t, "00:00-23:59>0=24")).
				charger("RR2-01", "RR2", 32, 1, conn).snap

			cfg := testConfig()
			cfg.SuspendTopOfHour = tc.topOfHour
			reduce, grow := NewPlanner(cfg).Plan(snap, now)
			assert.Empty(t, grow)
			require.Len(t, reduce, 1)
			assert.Equal(t, 0, reduce[0].Offer)
			assert.True(t, reduce[0].Suspend)
			assert.Equal(t, tc.wantUntil.Unix(), reduce[0].SuspendUntil.Unix())
		})
	}
}

func TestSuspendedEVKeepsOfferDuringGrace(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	conn := &model.ConnectorView{
		ID: 1, Status: ocpp.StatusSuspendedEV, Offer: 6,
		TransactionID: 100, SessionID: "s", Priority: 1,
		RollingMax: 0.5, WindowCovered: true,
		LastOfferChange: now.Add(-100 * time.Second),
	}
	snap := newSnapshot(now).
		group("RR2", "", mustSchedule(t, "00:00-23:59>0=24")).
		charger("RR2-01", "RR2", 32, 1, conn).snap

	reduce, grow := planOne(t, snap, now)
	assert.Empty(t, reduce, "grace period not yet over")
	assert.Empty(t, grow)
}

func TestSuspendedConnectorStaysParked(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	conn := &model.ConnectorView{
		ID: 1, Status: ocpp.StatusSuspendedEVSE, Offer: 0,
		BlockingInstalled: true,
		SuspendUntil:      now.Add(30 * time.Minute),
	}
	snap := newSnapshot(now).
		group("RR2", "", mustSchedule(t, "00:00-23:59>0=24")).
		charger("RR2-01", "RR2", 32, 1, conn).snap

	reduce, grow := planOne(t, snap, now)
	assert.Empty(t, reduce)
	assert.Empty(t, grow, "no offer before the suspend deadline")

	// After the deadline the connector competes again.
	later := now.Add(31 * time.Minute)
	snap.Time = later
	reduce, grow = planOne(t, snap, later)
	assert.Empty(t, reduce)
	require.Len(t, grow, 1)
	assert.Equal(t, 6, grow[0].Offer)
}

func TestGroupBudgetConflict(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	old := now.Add(-200 * time.Second)
	b := newSnapshot(now).group("RR2", "", mustSchedule(t, "00:00-23:59>0=24"))
	for i, id := range []string{"RR2-01", "RR2-02", "RR2-03", "RR2-04"} {
		b.charger(id, "RR2", 32, 1, charging(1, 6, 100+i, 5.8, old))
	}

	reduce, grow := planOne(t, b.snap, now)
	assert.Empty(t, reduce)
	assert.Empty(t, grow, "cap exhausted at four minimum offers")

	// One charger disconnects: its offer leaves the totals and the other
	// three split the freed capacity.
	b.snap.Chargers["RR2-04"].Connected = false
	reduce, grow = planOne(t, b.snap, now)
	assert.Empty(t, reduce)
	require.Len(t, grow, 3)
	for _, ch := range grow {
		assert.Equal(t, 8, ch.Offer, "24 A split evenly across three connectors")
	}
}

func TestNestedGroupCapsCompound(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := newSnapshot(now).
		group("Site", "", mustSchedule(t, "00:00-23:59>0=48")).
		group("Garage", "Site", mustSchedule(t, "00:00-23:59>0=10")).
		charger("G-01", "Garage", 32, 1,
			charging(1, 6, 100, 5.8, now.Add(-200*time.Second))).snap

	_, grow := planOne(t, snap, now)
	require.Len(t, grow, 1)
	assert.Equal(t, 9, grow[0].Offer)

	// The inner 10 A cap binds before the outer 48 A one.
	snap.Chargers["G-01"].Connectors[0].Offer = 9
	snap.Chargers["G-01"].Connectors[0].RollingMax = 8.5
	_, grow = planOne(t, snap, now)
	require.Len(t, grow, 1)
	assert.Equal(t, 10, grow[0].Offer)
}

func TestIdempotentWhenNothingChanges(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := newSnapshot(now).
		group("RR2", "", mustSchedule(t, "00:00-23:59>0=24")).
		charger("RR2-01", "RR2", 32, 1,
			charging(1, 6, 100, 5.8, now.Add(-200*time.Second))).snap

	_, grow := planOne(t, snap, now)
	require.Len(t, grow, 1)

	// Commit the change into the snapshot the way the registry would, then
	// re-plan: nothing further to do.
	conn := snap.Chargers["RR2-01"].Connectors[0]
	conn.Offer = grow[0].Offer
	conn.LastOfferChange = now
	reduce, grow := planOne(t, snap, now)
	assert.Empty(t, reduce)
	assert.Empty(t, grow)
}

func TestFairnessOldestOfferFirst(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	// Cap 13: both minimums fit but only one ampere of growth remains.
	older := charging(1, 6, 101, 5.8, now.Add(-300*time.Second))
	newer := charging(1, 6, 102, 5.8, now.Add(-120*time.Second))
	snap := newSnapshot(now).
		group("RR2", "", mustSchedule(t, "00:00-23:59>0=13")).
		charger("RR2-01", "RR2", 32, 1, newer).
		charger("RR2-02", "RR2", 32, 1, older).snap

	_, grow := planOne(t, snap, now)
	require.Len(t, grow, 1)
	assert.Equal(t, "RR2-02", grow[0].ChargerID, "oldest offer grows first")
	assert.Equal(t, 7, grow[0].Offer)
}

func TestSuspendedGroupFrozen(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b := newSnapshot(now).
		group("RR2", "", mustSchedule(t, "00:00-23:59>0=24")).
		charger("RR2-01", "RR2", 32, 1,
			charging(1, 16, 100, 10.0, now.Add(-400*time.Second)))
	b.snap.Groups["RR2"].Suspended = true

	reduce, grow := planOne(t, b.snap, now)
	assert.Empty(t, reduce, "suspended groups keep their offers untouched")
	assert.Empty(t, grow)
}

func TestReplugAfterAbandonedGrant(t *testing.T) {
	log, err := logger.New(&logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	reg := model.NewRegistry(model.Options{}, log)
	require.NoError(t, reg.LoadGroups([]model.GroupRecord{
		{ID: "RR2", MaxAllocation: "00:00-23:59>0=24"},
	}))
	require.NoError(t, reg.AddCharger(model.ChargerRecord{
		ID: "RR2-01", GroupID: "RR2", NoConnectors: 1, ConnMax: 32,
	}))
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.True(t, reg.ChargerConnected("RR2-01", now))
	reg.SetProfilesInitialized("RR2-01", true)
	reg.SetBlockingInstalled("RR2-01", 1, true)

	p := NewPlanner(testConfig())

	// First EV plugs in and gets the starter grant installed.
	reg.SetConnectorStatus("RR2-01", 1, ocpp.StatusPreparing, now)
	_, grow := p.Plan(reg.Snapshot(now, 300*time.Second), now)
	require.Len(t, grow, 1)
	require.Equal(t, testConfig().MinAllocation, grow[0].Offer)
	reg.CommitOffer("RR2-01", 1, grow[0].Offer, now)
	reg.SetBlockingInstalled("RR2-01", 1, false)

	// It unplugs without starting a transaction, then the next EV arrives.
	later := now.Add(2 * time.Minute)
	reg.SetConnectorStatus("RR2-01", 1, ocpp.StatusAvailable, later)
	reg.SetBlockingInstalled("RR2-01", 1, true)
	replug := later.Add(time.Minute)
	reg.SetConnectorStatus("RR2-01", 1, ocpp.StatusPreparing, replug)

	_, grow = p.Plan(reg.Snapshot(replug, 300*time.Second), replug)
	require.Len(t, grow, 1, "second EV gets its starter grant")
	assert.Equal(t, "RR2-01", grow[0].ChargerID)
	assert.Equal(t, 1, grow[0].ConnectorID)
	assert.Equal(t, testConfig().MinAllocation, grow[0].Offer)
}
