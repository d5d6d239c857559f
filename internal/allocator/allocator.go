// Package allocator implements the smart-charging allocation algorithm.
// Planning is a pure function over a registry snapshot; the periodic loop
// in loop.go commits the resulting offer changes through the OCPP adapter.
package allocator

import (
	"math"
	"sort"
	"time"

	"github.com/charging-platform/balanz-csms/internal/model"
	"github.com/charging-platform/balanz-csms/internal/ocpp"
	"github.com/charging-platform/balanz-csms/internal/schedule"
)

// Config carries the allocation tuning knobs.
type Config struct {
	RunInterval   time.Duration
	IntervalsFull int
	FirstWait     time.Duration

	MinAllocation            int
	MaxOfferIncrease         int
	MinOfferIncreaseInterval time.Duration
	WaitAfterReduce          time.Duration

	MarginLower    float64
	MarginIncrease float64

	UsageThreshold          float64
	UsageMonitoringInterval time.Duration

	SuspendedAllocationTimeout   time.Duration
	SuspendedDelayedTime         time.Duration
	SuspendedDelayedTimeNotFirst time.Duration
	EnergyThreshold              float64
	SuspendTopOfHour             bool
}

// Planner computes offer changes from snapshots. It holds no mutable state,
// so Plan may be called concurrently.
type Planner struct {
	cfg Config
}

// NewPlanner builds a planner.
func NewPlanner(cfg Config) *Planner {
	return &Planner{cfg: cfg}
}

// candidate is the per-connector working state of one planning run.
type candidate struct {
	view  *model.ConnectorView
	chain []*model.GroupView // enclosing allocation groups, nearest first

	connMax  int
	priority int

	alloc   int
	max     int // demand ceiling for this run
	done    bool
	suspend bool
	until   time.Time
	plateau int // new EV ceiling detected this run, 0 if none
}

// bucketUsage tracks consumed capacity per priority bucket of one allocation
// group. Entries are ordered highest threshold first; a connector charges
// the first bucket its priority reaches.
type bucketUsage struct {
	entries []schedule.Entry
	used    []int
	total   int
	budget  int // cap of the highest bucket, the interval's overall budget
}

type capTracker map[string]*bucketUsage

func newCapTracker() capTracker { return make(capTracker) }

func (t capTracker) group(g *model.GroupView, now time.Time) *bucketUsage {
	if u, ok := t[g.ID]; ok {
		return u
	}
	entries := g.Schedule.Buckets(now)
	u := &bucketUsage{entries: entries, used: make([]int, len(entries))}
	if len(entries) > 0 {
		u.budget = entries[0].Cap
	}
	t[g.ID] = u
	return u
}

func (u *bucketUsage) bucket(priority int) int {
	for i, e := range u.entries {
		if priority >= e.Threshold {
			return i
		}
	}
	return -1
}

// headroom returns the amperes still grantable to the candidate: the
// tightest of the matching bucket and the overall budget, across every
// enclosing allocation group.
func (t capTracker) headroom(c *candidate, now time.Time) int {
	room := math.MaxInt
	for _, g := range c.chain {
		u := t.group(g, now)
		i := u.bucket(c.priority)
		if i < 0 {
			return 0
		}
		if r := u.entries[i].Cap - u.used[i]; r < room {
			room = r
		}
		if r := u.budget - u.total; r < room {
			room = r
		}
	}
	if room < 0 {
		return 0
	}
	return room
}

func (t capTracker) charge(c *candidate, amps int, now time.Time) {
	for _, g := range c.chain {
		u := t.group(g, now)
		if i := u.bucket(c.priority); i >= 0 {
			u.used[i] += amps
		}
		u.total += amps
	}
}

func eligibleStatus(s ocpp.ChargePointStatus) bool {
	switch s {
	case ocpp.StatusPreparing, ocpp.StatusCharging, ocpp.StatusSuspendedEV, ocpp.StatusSuspendedEVSE:
		return true
	}
	return false
}

// awaitingStart reports whether the connector is waiting for its first offer:
// plugged in but unable to start a transaction while the blocking profile
// holds it at 0 A.
func (c *candidate) awaitingStart() bool {
	return !c.view.HasSession() &&
		(c.view.Status == ocpp.StatusSuspendedEVSE || c.view.Status == ocpp.StatusPreparing)
}

func (c *candidate) suspendExpired(now time.Time) bool {
	return c.view.SuspendUntil.IsZero() || !now.Before(c.view.SuspendUntil)
}

// Plan computes the offer changes for one allocation cycle. Reductions are
// returned first and must be committed before the growth list. Offers equal
// to the installed value are omitted, so an unchanged snapshot plans nothing.
func (p *Planner) Plan(snap *model.Snapshot, now time.Time) (reduce, grow []model.OfferChange) {
	cands := p.gather(snap)
	if len(cands) == 0 {
		return nil, nil
	}

	tracker := newCapTracker()
	p.reductions(cands, now)
	for _, c := range cands {
		if c.done && c.alloc > 0 {
			tracker.charge(c, c.alloc, now)
		}
	}
	p.demands(cands, now)
	p.starters(cands, tracker, now)
	p.allocate(cands, tracker, now)

	for _, c := range cands {
		if !c.done || c.alloc == c.view.Offer {
			continue
		}
		change := model.OfferChange{
			ChargerID:     c.view.ChargerID,
			ConnectorID:   c.view.ID,
			TransactionID: c.view.TransactionID,
			Offer:         c.alloc,
			Suspend:       c.suspend,
			SuspendUntil:  c.until,
			Plateau:       c.plateau,
		}
		if c.alloc < c.view.Offer {
			reduce = append(reduce, change)
		} else {
			grow = append(grow, change)
		}
	}
	sortChanges(reduce)
	sortChanges(grow)
	return reduce, grow
}

// gather collects the connectors competing for capacity: connected chargers
// governed by an unsuspended allocation group, connectors in a state that
// wants current.
func (p *Planner) gather(snap *model.Snapshot) []*candidate {
	var cands []*candidate
	for _, charger := range snap.ChargersSorted() {
		if !charger.Connected {
			continue
		}
		chain := snap.AllocationChain(charger.GroupID)
		if len(chain) == 0 || snap.SuspendedGroup(charger.GroupID) {
			continue
		}
		for _, conn := range charger.Connectors {
			if !eligibleStatus(conn.Status) {
				continue
			}
			prio := charger.Priority
			if conn.HasSession() {
				prio = conn.Priority
			}
			cands = append(cands, &candidate{
				view:     conn,
				chain:    chain,
				connMax:  charger.ConnMax,
				priority: prio,
			})
		}
	}
	return cands
}

// reductions decides which connectors give capacity back: suspended EVs past
// the grace period, connectors parked until their suspend deadline, and
// sessions demonstrably using less than they were offered.
func (p *Planner) reductions(cands []*candidate, now time.Time) {
	for _, c := range cands {
		v := c.view
		switch {
		case v.Status == ocpp.StatusSuspendedEV && v.RollingMax < p.cfg.UsageThreshold:
			// The EV stopped drawing. Keep the offer briefly in case it
			// resumes, then reclaim and park the connector.
			if v.LastOfferChange.IsZero() || now.Sub(v.LastOfferChange) <= p.cfg.SuspendedAllocationTimeout {
				continue
			}
			c.alloc = 0
			c.done = true
			c.suspend = true
			c.until = p.suspendDeadline(v, now)

		case v.Status == ocpp.StatusSuspendedEVSE && !c.suspendExpired(now):
			c.alloc = 0
			c.done = true

		case v.Status == ocpp.StatusCharging && v.HasSession() &&
			v.WindowCovered &&
			now.Sub(v.LastOfferChange) > p.cfg.UsageMonitoringInterval &&
			v.RollingMax >= float64(p.cfg.MinAllocation) &&
			v.RollingMax <= float64(v.Offer)-p.cfg.MarginLower &&
			v.Offer >= p.cfg.MinAllocation &&
			!(v.Plateau > 0 && justAbove(v.RollingMax) > v.Plateau):
			// Stable usage below the offer: shrink to just above it and pin
			// the ceiling for the rest of the session.
			c.alloc = justAbove(v.RollingMax)
			if c.alloc < p.cfg.MinAllocation {
				c.alloc = p.cfg.MinAllocation
			}
			c.done = true
			if v.Plateau == 0 || c.alloc < v.Plateau {
				c.plateau = c.alloc
			}
		}
	}
}

// suspendDeadline picks how long a reclaimed connector stays parked. A
// session that already moved real energy is assumed complete and parked
// long; a fresh one is likely a delayed start and retried sooner.
func (p *Planner) suspendDeadline(v *model.ConnectorView, now time.Time) time.Time {
	if v.EnergyWh >= p.cfg.EnergyThreshold {
		return now.Add(p.cfg.SuspendedDelayedTimeNotFirst)
	}
	if p.cfg.SuspendTopOfHour {
		return topOfHour(now, p.cfg.SuspendedAllocationTimeout)
	}
	return now.Add(p.cfg.SuspendedDelayedTime)
}

// justAbove returns the smallest whole ampere strictly greater than usage.
func justAbove(usage float64) int {
	return int(math.Floor(usage)) + 1
}

// topOfHour returns a deadline half an interval before the next full hour,
// so the retry lands around the moment tariffs typically switch.
func topOfHour(now time.Time, interval time.Duration) time.Time {
	next := now.Truncate(time.Hour)
	if next.Before(now) {
		next = next.Add(time.Hour)
	}
	return next.Add(-interval / 2)
}

// demands computes the per-connector ceiling for this run. Growth is
// stepped: at most MaxOfferIncrease above the installed offer, only after
// MinOfferIncreaseInterval, and only when usage tracks the current offer.
func (p *Planner) demands(cands []*candidate, now time.Time) {
	minA := p.cfg.MinAllocation
	for _, c := range cands {
		if c.done {
			continue
		}
		v := c.view
		switch {
		case v.Status == ocpp.StatusSuspendedEV:
			c.max = minA
		case v.Offer == 0 || !v.HasSession():
			c.max = minA
		default:
			switch {
			case now.Sub(v.LastOfferChange) < p.cfg.MinOfferIncreaseInterval:
				c.max = v.Offer
			case float64(v.Offer)-v.RollingMax < p.cfg.MarginIncrease:
				c.max = v.Offer + p.cfg.MaxOfferIncrease
			default:
				c.max = v.Offer
			}
			if v.Plateau > 0 && v.Plateau < c.max {
				c.max = v.Plateau
			}
		}
		if c.max > c.connMax {
			c.max = c.connMax
		}
	}
}

// starters hands the minimum allocation to connectors waiting for their
// first offer, ahead of any priority ordering. A connector without a
// transaction cannot be controlled via TxProfile, so getting it started is
// the most urgent use of capacity.
func (p *Planner) starters(cands []*candidate, tracker capTracker, now time.Time) {
	minA := p.cfg.MinAllocation
	for _, c := range cands {
		if c.done || !c.awaitingStart() || !c.suspendExpired(now) {
			continue
		}
		if tracker.headroom(c, now) >= minA {
			c.alloc = minA
			tracker.charge(c, minA, now)
			c.done = true
		}
	}
}

// allocate distributes the remaining capacity priority by priority: confirm
// the minimum for running connectors, start any leftover waiters, then grow
// round-robin one ampere at a time up to each connector's ceiling.
func (p *Planner) allocate(cands []*candidate, tracker capTracker, now time.Time) {
	minA := p.cfg.MinAllocation

	prioSet := map[int]bool{}
	for _, c := range cands {
		if !c.done {
			prioSet[c.priority] = true
		}
	}
	priorities := make([]int, 0, len(prioSet))
	for prio := range prioSet {
		priorities = append(priorities, prio)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	for _, prio := range priorities {
		var list []*candidate
		for _, c := range cands {
			if !c.done && c.priority == prio {
				list = append(list, c)
			}
		}
		// Fairness: oldest offer change first, then charger and connector id.
		sort.Slice(list, func(i, j int) bool {
			a, b := list[i].view, list[j].view
			if !a.LastOfferChange.Equal(b.LastOfferChange) {
				return a.LastOfferChange.Before(b.LastOfferChange)
			}
			if a.ChargerID != b.ChargerID {
				return a.ChargerID < b.ChargerID
			}
			return a.ID < b.ID
		})

		// Connectors that cannot even take the minimum lose their offer.
		for _, c := range list {
			if c.max < minA {
				c.alloc = 0
				c.done = true
			}
		}

		// Confirm the minimum for already-running connectors first, then
		// admit waiters. Whoever does not fit drops to 0.
		for _, pass := range []bool{true, false} {
			for _, c := range list {
				if c.done || (c.view.Offer > 0) != pass {
					continue
				}
				if tracker.headroom(c, now) >= minA {
					c.alloc = minA
					tracker.charge(c, minA, now)
				} else {
					c.alloc = 0
					c.done = true
				}
			}
		}

		// Round-robin growth in whole amperes.
		for progress := true; progress; {
			progress = false
			for _, c := range list {
				if c.done {
					continue
				}
				if c.alloc >= c.max {
					c.done = true
					continue
				}
				if tracker.headroom(c, now) >= 1 {
					c.alloc++
					tracker.charge(c, 1, now)
					progress = true
				} else {
					c.done = true
				}
			}
		}
		for _, c := range list {
			c.done = true
		}
	}
}

func sortChanges(changes []model.OfferChange) {
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].ChargerID != changes[j].ChargerID {
			return changes[i].ChargerID < changes[j].ChargerID
		}
		return changes[i].ConnectorID < changes[j].ConnectorID
	})
}
