package model

import (
	"sort"
	"time"

	"github.com/charging-platform/balanz-csms/internal/ocpp"
	"github.com/charging-platform/balanz-csms/internal/schedule"
)

// Snapshot is the immutable copy-on-read view the allocator (and read-only
// API commands) consume. Built under the read lock every tick; never shares
// memory with the registry.
type Snapshot struct {
	Time     time.Time
	Groups   map[string]*GroupView
	Chargers map[string]*ChargerView
}

type GroupView struct {
	ID          string
	ParentID    string
	Description string
	Schedule    *schedule.Schedule
	Suspended   bool
}

type ChargerView struct {
	ID                  string
	Alias               string
	GroupID             string
	ConnMax             int
	Priority            int // charger default, sessions may override
	Connected           bool
	Backoff             bool
	ProfilesInitialized bool
	FirmwareVersion     string
	LastSeen            time.Time
	Connectors          []*ConnectorView // sorted by connector id
}

// ConnectorView flattens connector plus live-session state, with the
// rolling usage statistics pre-computed so planning needs no further access
// to the registry.
type ConnectorView struct {
	ChargerID         string
	ID                int
	Status            ocpp.ChargePointStatus
	Offer             int
	LastOfferChange   time.Time
	BlockingInstalled bool
	SuspendUntil      time.Time

	// Live-session fields; zero values when idle.
	SessionID     string
	TransactionID int
	Priority      int
	Plateau       int
	EnergyWh      float64
	Suspensions   int
	SessionStart  time.Time

	// RollingMax is the maximum observed phase current over the usage
	// monitoring window; WindowCovered reports whether samples span it.
	RollingMax    float64
	WindowCovered bool
}

// HasSession reports whether a transaction is live on the connector.
func (v *ConnectorView) HasSession() bool {
	return v.SessionID != ""
}

// OfferChange is one allocator decision to be committed through the OCPP
// adapter.
type OfferChange struct {
	ChargerID     string
	ConnectorID   int
	TransactionID int // >0 installs a TxProfile, else the default path
	Offer         int

	// Suspend marks unused-offer reclamation: offer drops to 0, the
	// blocking profile is reinstalled and re-evaluation waits until
	// SuspendUntil.
	Suspend      bool
	SuspendUntil time.Time

	// Plateau pins the observed EV ceiling on the session after the
	// change is committed. Zero means no new ceiling was detected.
	Plateau int
}

// Reduction reports whether the change lowers the installed offer.
func (oc *OfferChange) Reduction(current int) bool {
	return oc.Offer < current
}

// Snapshot builds a deep copy of the allocation-relevant state. The usage
// window is evaluated against now for every live session.
func (r *Registry) Snapshot(now time.Time, window time.Duration) *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &Snapshot{
		Time:     now,
		Groups:   make(map[string]*GroupView, len(r.groups)),
		Chargers: make(map[string]*ChargerView, len(r.chargers)),
	}
	for id, g := range r.groups {
		snap.Groups[id] = &GroupView{
			ID:          g.ID,
			ParentID:    g.ParentID,
			Description: g.Description,
			Schedule:    g.MaxAllocation,
			Suspended:   g.Suspended,
		}
	}
	for id, c := range r.chargers {
		prio := r.opt.DefaultPriority
		if c.Priority != nil {
			prio = *c.Priority
		}
		cv := &ChargerView{
			ID:                  c.ID,
			Alias:               c.Alias,
			GroupID:             c.GroupID,
			ConnMax:             c.ConnMax,
			Priority:            prio,
			Connected:           c.Connected,
			Backoff:             c.Backoff,
			ProfilesInitialized: c.ProfilesInitialized,
			FirmwareVersion:     c.FirmwareVersion,
			LastSeen:            c.LastSeen,
		}
		for _, conn := range c.Connectors {
			v := &ConnectorView{
				ChargerID:         conn.ChargerID,
				ID:                conn.ID,
				Status:            conn.Status,
				Offer:             conn.Offer,
				LastOfferChange:   conn.LastOfferChange,
				BlockingInstalled: conn.BlockingInstalled,
				SuspendUntil:      conn.SuspendUntil,
			}
			if s := conn.Session; s != nil {
				v.SessionID = s.ID
				v.TransactionID = s.TransactionID
				v.Priority = s.Priority
				v.Plateau = s.Plateau
				v.EnergyWh = s.EnergyWh
				v.Suspensions = s.Suspensions
				v.SessionStart = s.StartTime
				v.RollingMax, v.WindowCovered = s.MaxUsage(now, window)
			}
			cv.Connectors = append(cv.Connectors, v)
		}
		sort.Slice(cv.Connectors, func(i, j int) bool { return cv.Connectors[i].ID < cv.Connectors[j].ID })
		snap.Chargers[id] = cv
	}
	return snap
}

// AllocationGroup returns the nearest allocation-group ancestor governing a
// group, following parent links from the group itself.
func (s *Snapshot) AllocationGroup(groupID string) *GroupView {
	for g := s.Groups[groupID]; g != nil; g = s.Groups[g.ParentID] {
		if g.Schedule != nil {
			return g
		}
		if g.ParentID == "" {
			return nil
		}
	}
	return nil
}

// AllocationChain returns every allocation group enclosing groupID, nearest
// first. Caps compound through the whole chain.
func (s *Snapshot) AllocationChain(groupID string) []*GroupView {
	var out []*GroupView
	for g := s.Groups[groupID]; g != nil; g = s.Groups[g.ParentID] {
		if g.Schedule != nil {
			out = append(out, g)
		}
		if g.ParentID == "" {
			break
		}
	}
	return out
}

// Suspended reports whether any group on the path from groupID to the root
// has allocation suspended.
func (s *Snapshot) SuspendedGroup(groupID string) bool {
	for g := s.Groups[groupID]; g != nil; g = s.Groups[g.ParentID] {
		if g.Suspended {
			return true
		}
		if g.ParentID == "" {
			break
		}
	}
	return false
}

// ChargersSorted returns charger views in id order, for deterministic
// iteration.
func (s *Snapshot) ChargersSorted() []*ChargerView {
	out := make([]*ChargerView, 0, len(s.Chargers))
	for _, c := range s.Chargers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
