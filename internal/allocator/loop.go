package allocator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz-csms/internal/logger"
	"github.com/charging-platform/balanz-csms/internal/metrics"
	"github.com/charging-platform/balanz-csms/internal/model"
)

// Adapter is the slice of the OCPP layer the loop drives. Implemented by
// chargepoint.Manager.
type Adapter interface {
	InitializeProfiles(ctx context.Context, chargerID string, connectorIDs []int) error
	RefreshStatus(ctx context.Context, chargerID string, connectorIDs []int)
	ReinstateBlocking(ctx context.Context, chargerID string, connectorID int) error
	ApplyOfferChange(ctx context.Context, change model.OfferChange, blockingInstalled bool, now time.Time) error
}

// Loop runs the periodic allocation cycle: plan on a snapshot, commit
// reductions, wait, commit growth. Most cycles only handle urgent work;
// every IntervalsFull cycles a full rebalance runs regardless.
type Loop struct {
	cfg     Config
	reg     *model.Registry
	adapter Adapter
	planner *Planner
	log     zerolog.Logger
	wake    chan struct{}
}

// NewLoop builds the allocator loop.
func NewLoop(cfg Config, reg *model.Registry, adapter Adapter, log *logger.Logger) *Loop {
	return &Loop{
		cfg:     cfg,
		reg:     reg,
		adapter: adapter,
		planner: NewPlanner(cfg),
		log:     log.Named("balanz"),
		wake:    make(chan struct{}, 1),
	}
}

// Wake requests an immediate full cycle, used by the watchdog after forced
// session closures and by the admin API after priority overrides.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drives the allocation loop until the context is canceled. A zero or
// negative run interval disables smart charging entirely.
func (l *Loop) Run(ctx context.Context) {
	if l.cfg.RunInterval <= 0 {
		l.log.Warn().Msg("Smart charging disabled (run_interval is 0)")
		return
	}

	// Let chargers connect and report before the first cycle.
	select {
	case <-time.After(l.cfg.FirstWait):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(l.cfg.RunInterval)
	defer ticker.Stop()

	count := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
			count = 0
			l.runOnce(ctx, "urgent")
		case <-ticker.C:
			count++
			if l.cfg.IntervalsFull > 1 && count%l.cfg.IntervalsFull != 0 {
				if !l.urgentWork() {
					continue
				}
				l.runOnce(ctx, "urgent")
				continue
			}
			l.runOnce(ctx, "full")
		}
	}
}

// urgentWork reports whether anything needs attention before the next full
// cycle: chargers awaiting baseline profiles, connectors with the blocking
// profile missing, or freshly plugged-in EVs waiting for a first offer.
func (l *Loop) urgentWork() bool {
	snap := l.reg.Snapshot(time.Now(), l.cfg.UsageMonitoringInterval)
	for _, charger := range snap.Chargers {
		if !charger.Connected {
			continue
		}
		if !charger.ProfilesInitialized {
			return true
		}
		for _, conn := range charger.Connectors {
			if !conn.BlockingInstalled {
				return true
			}
			c := candidate{view: conn}
			if c.awaitingStart() && conn.Offer == 0 && c.suspendExpired(snap.Time) && conn.BlockingInstalled {
				return true
			}
		}
	}
	return false
}

func (l *Loop) runOnce(ctx context.Context, kind string) {
	metrics.AllocatorRuns.WithLabelValues(kind).Inc()
	now := time.Now()
	snap := l.reg.Snapshot(now, l.cfg.UsageMonitoringInterval)

	// Chargers that failed a profile call last cycle sit this one out.
	skip := map[string]bool{}
	for id, charger := range snap.Chargers {
		if charger.Backoff {
			skip[id] = true
			l.reg.SetBackoff(id, false)
		}
	}

	if l.initChargers(ctx, snap, skip) {
		// Give freshly initialized chargers a beat to report status
		// before balancing against stale state.
		return
	}
	l.fixBlocking(ctx, snap, skip)

	// Re-snapshot: the fixups above may have installed offers.
	now = time.Now()
	snap = l.reg.Snapshot(now, l.cfg.UsageMonitoringInterval)
	reduce, grow := l.planner.Plan(snap, now)
	if len(reduce) == 0 && len(grow) == 0 {
		return
	}
	l.log.Debug().Int("reduce", len(reduce)).Int("grow", len(grow)).Msg("Allocation changes planned")

	l.commit(ctx, snap, reduce, skip, now)
	if len(reduce) > 0 && len(grow) > 0 {
		// Freed capacity must be confirmed before it is handed out again.
		select {
		case <-time.After(l.cfg.WaitAfterReduce):
		case <-ctx.Done():
			return
		}
	}
	l.commit(ctx, snap, grow, skip, now)
}

// initChargers installs baseline profiles on connected chargers that lack
// them and asks for a status refresh. Returns true when any charger was
// (re)initialized this cycle.
func (l *Loop) initChargers(ctx context.Context, snap *model.Snapshot, skip map[string]bool) bool {
	touched := false
	for _, charger := range snap.ChargersSorted() {
		if !charger.Connected || charger.ProfilesInitialized || skip[charger.ID] {
			continue
		}
		touched = true
		ids := connectorIDs(charger)
		if err := l.adapter.InitializeProfiles(ctx, charger.ID, ids); err != nil {
			l.log.Warn().Err(err).Str("charger_id", charger.ID).Msg("Profile initialization failed")
			l.reg.SetBackoff(charger.ID, true)
			continue
		}
		l.adapter.RefreshStatus(ctx, charger.ID, ids)
	}
	return touched
}

// fixBlocking repairs the blocking profile where it is missing: idle
// connectors get it back directly; connectors whose transaction started
// behind a cleared blocking profile first get a TxProfile at the minimum so
// re-arming cannot interrupt the session.
func (l *Loop) fixBlocking(ctx context.Context, snap *model.Snapshot, skip map[string]bool) {
	for _, charger := range snap.ChargersSorted() {
		if !charger.Connected || !charger.ProfilesInitialized || skip[charger.ID] {
			continue
		}
		for _, conn := range charger.Connectors {
			if conn.BlockingInstalled {
				continue
			}
			switch {
			case conn.HasSession():
				change := model.OfferChange{
					ChargerID:     conn.ChargerID,
					ConnectorID:   conn.ID,
					TransactionID: conn.TransactionID,
					Offer:         l.cfg.MinAllocation,
				}
				if err := l.adapter.ApplyOfferChange(ctx, change, false, snap.Time); err != nil {
					l.log.Warn().Err(err).Str("charger_id", conn.ChargerID).Int("connector_id", conn.ID).
						Msg("TxProfile handover failed")
					continue
				}
				if err := l.adapter.ReinstateBlocking(ctx, conn.ChargerID, conn.ID); err != nil {
					l.log.Warn().Err(err).Str("charger_id", conn.ChargerID).Int("connector_id", conn.ID).
						Msg("Blocking profile re-arm failed")
				}
			case !eligibleStatus(conn.Status):
				if err := l.adapter.ReinstateBlocking(ctx, conn.ChargerID, conn.ID); err != nil {
					l.log.Warn().Err(err).Str("charger_id", conn.ChargerID).Int("connector_id", conn.ID).
						Msg("Blocking profile re-arm failed")
				}
			}
		}
	}
}

func (l *Loop) commit(ctx context.Context, snap *model.Snapshot, changes []model.OfferChange, skip map[string]bool, now time.Time) {
	for _, change := range changes {
		if skip[change.ChargerID] {
			continue
		}
		blocking := false
		if charger := snap.Chargers[change.ChargerID]; charger != nil {
			for _, conn := range charger.Connectors {
				if conn.ID == change.ConnectorID {
					blocking = conn.BlockingInstalled
					break
				}
			}
		}
		if err := l.adapter.ApplyOfferChange(ctx, change, blocking, now); err != nil {
			l.log.Warn().Err(err).
				Str("charger_id", change.ChargerID).
				Int("connector_id", change.ConnectorID).
				Int("offer", change.Offer).
				Msg("Offer change failed")
			skip[change.ChargerID] = true
			continue
		}
		if change.Plateau > 0 {
			l.reg.SetPlateau(change.ChargerID, change.ConnectorID, change.Plateau)
		}
	}
}

func connectorIDs(charger *model.ChargerView) []int {
	ids := make([]int, 0, len(charger.Connectors))
	for _, conn := range charger.Connectors {
		ids = append(ids, conn.ID)
	}
	return ids
}
