package model

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charging-platform/balanz-csms/internal/logger"
	"github.com/charging-platform/balanz-csms/internal/ocpp"
	"github.com/charging-platform/balanz-csms/internal/schedule"
)

// Options carries the registry's policy knobs, resolved from config once at
// startup.
type Options struct {
	DefaultPriority    int
	DefaultConnMax     int
	Autoregister       bool
	AutoregisterGroup  string
	AllowConcurrentTag bool
}

// Registry is the single owner of all mutable model state. Every mutation
// happens under one write lock; readers take snapshots.
type Registry struct {
	mu  sync.RWMutex
	log *logger.Logger
	opt Options

	groups   map[string]*Group
	chargers map[string]*Charger
	tags     map[string]*Tag
	users    map[string]*User
	firmware map[string]*Firmware

	// Live sessions indexed by OCPP transaction id.
	transactions map[int]*Session
	nextTx       int
}

// NewRegistry builds an empty registry.
func NewRegistry(opt Options, log *logger.Logger) *Registry {
	if opt.DefaultPriority == 0 {
		opt.DefaultPriority = 1
	}
	if opt.DefaultConnMax == 0 {
		opt.DefaultConnMax = 32
	}
	return &Registry{
		log:          log,
		opt:          opt,
		groups:       make(map[string]*Group),
		chargers:     make(map[string]*Charger),
		tags:         make(map[string]*Tag),
		users:        make(map[string]*User),
		firmware:     make(map[string]*Firmware),
		transactions: make(map[int]*Session),
		nextTx:       int(time.Now().Unix() % 100000),
	}
}

// ---------------------------------------------------------------------------
// Groups

// GroupRecord is the CSV form of a group.
type GroupRecord struct {
	ID            string
	ParentID      string
	Description   string
	MaxAllocation string // schedule text, empty for structural groups
}

func buildGroup(rec GroupRecord) (*Group, error) {
	g := &Group{ID: rec.ID, ParentID: rec.ParentID, Description: rec.Description}
	if rec.MaxAllocation != "" {
		sched, err := schedule.Parse(rec.MaxAllocation)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", rec.ID, err)
		}
		g.MaxAllocation = sched
	}
	return g, nil
}

// detectCycle walks parent links from every node; the walk must terminate
// within len(groups) steps.
func detectCycle(groups map[string]*Group) error {
	for id, g := range groups {
		seen := 0
		for p := g.ParentID; p != ""; seen++ {
			if seen > len(groups) {
				return fmt.Errorf("%w: group cycle involving %s", ErrIntegrity, id)
			}
			next, ok := groups[p]
			if !ok {
				return fmt.Errorf("%w: group %s references unknown parent %s", ErrIntegrity, id, p)
			}
			p = next.ParentID
		}
	}
	return nil
}

// LoadGroups replaces the group set atomically. Suspension flags survive for
// groups that still exist. Chargers whose group vanished are rejected.
func (r *Registry) LoadGroups(recs []GroupRecord) error {
	next := make(map[string]*Group, len(recs))
	for _, rec := range recs {
		if _, ok := next[rec.ID]; ok {
			return fmt.Errorf("%w: group %s", ErrDuplicate, rec.ID)
		}
		g, err := buildGroup(rec)
		if err != nil {
			return err
		}
		next[rec.ID] = g
	}
	if err := detectCycle(next); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.chargers {
		if _, ok := next[c.GroupID]; !ok {
			return fmt.Errorf("%w: charger %s belongs to vanished group %s", ErrIntegrity, c.ID, c.GroupID)
		}
	}
	for id, g := range next {
		if old, ok := r.groups[id]; ok {
			g.Suspended = old.Suspended
		}
	}
	r.groups = next
	r.log.Infof("Loaded %d groups", len(next))
	return nil
}

// UpdateGroup changes description and/or schedule of an existing group.
// Nil leaves a field untouched; an empty schedule string clears it.
func (r *Registry) UpdateGroup(id string, description, maxAllocation *string) error {
	var sched *schedule.Schedule
	if maxAllocation != nil && *maxAllocation != "" {
		var err error
		if sched, err = schedule.Parse(*maxAllocation); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	if description != nil {
		g.Description = *description
	}
	if maxAllocation != nil {
		g.MaxAllocation = sched
	}
	return nil
}

// SetBalanzState suspends or resumes allocation for a group subtree.
func (r *Registry) SetBalanzState(id string, suspend bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	g.Suspended = suspend
	r.log.Infof("Group %s allocation suspended=%v", id, suspend)
	return nil
}

// ---------------------------------------------------------------------------
// Chargers

// ChargerRecord is the CSV form of a charger.
type ChargerRecord struct {
	ID           string
	Alias        string
	GroupID      string
	NoConnectors int
	Priority     *int
	Description  string
	ConnMax      int
	AuthSHA      string
}

func (r *Registry) buildCharger(rec ChargerRecord) (*Charger, error) {
	if _, ok := r.groups[rec.GroupID]; !ok {
		return nil, fmt.Errorf("%w: charger %s references unknown group %s", ErrIntegrity, rec.ID, rec.GroupID)
	}
	if rec.NoConnectors < 1 {
		rec.NoConnectors = 1
	}
	connMax := rec.ConnMax
	if connMax <= 0 {
		connMax = r.opt.DefaultConnMax
	}
	c := &Charger{
		ID:          rec.ID,
		Alias:       rec.Alias,
		GroupID:     rec.GroupID,
		Description: rec.Description,
		ConnMax:     connMax,
		Priority:    rec.Priority,
		AuthSHA:     rec.AuthSHA,
		Connectors:  make(map[int]*Connector, rec.NoConnectors),
	}
	for i := 1; i <= rec.NoConnectors; i++ {
		c.Connectors[i] = &Connector{ChargerID: rec.ID, ID: i, Status: ocpp.StatusUnknown}
	}
	return c, nil
}

// AddCharger creates a charger with its connectors.
func (r *Registry) AddCharger(rec ChargerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chargers[rec.ID]; ok {
		return fmt.Errorf("%w: charger %s", ErrDuplicate, rec.ID)
	}
	c, err := r.buildCharger(rec)
	if err != nil {
		return err
	}
	r.chargers[rec.ID] = c
	return nil
}

// LoadChargers replaces the charger set atomically. Chargers that survive
// the reload keep their runtime state (connections, sessions, offers) and
// only take alias, priority, description, conn_max and auth from the CSV.
// Chargers absent from the new set are removed; their live sessions become
// orphans for the caller to close via SessionsForMissingChargers.
func (r *Registry) LoadChargers(recs []ChargerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*Charger, len(recs))
	for _, rec := range recs {
		if _, ok := next[rec.ID]; ok {
			return fmt.Errorf("%w: charger %s", ErrDuplicate, rec.ID)
		}
		if c, ok := r.chargers[rec.ID]; ok {
			c.Alias = rec.Alias
			c.Priority = rec.Priority
			c.Description = rec.Description
			if rec.ConnMax > 0 {
				c.ConnMax = rec.ConnMax
			}
			c.AuthSHA = rec.AuthSHA
			next[rec.ID] = c
			continue
		}
		c, err := r.buildCharger(rec)
		if err != nil {
			return err
		}
		next[rec.ID] = c
	}
	for id := range r.chargers {
		if _, ok := next[id]; !ok {
			r.log.Warnf("Charger %s removed by reload", id)
		}
	}
	r.chargers = next
	r.log.Infof("Loaded %d chargers", len(next))
	return nil
}

// UpdateCharger changes the mutable fields of an existing charger.
func (r *Registry) UpdateCharger(id string, alias, description *string, priority *int, connMax *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chargers[id]
	if !ok {
		return fmt.Errorf("%w: charger %s", ErrNotFound, id)
	}
	if alias != nil {
		c.Alias = *alias
	}
	if description != nil {
		c.Description = *description
	}
	if priority != nil {
		c.Priority = priority
	}
	if connMax != nil && *connMax > 0 {
		c.ConnMax = *connMax
	}
	return nil
}

// DeleteCharger removes a charger. Rejected while a session is live.
func (r *Registry) DeleteCharger(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chargers[id]
	if !ok {
		return fmt.Errorf("%w: charger %s", ErrNotFound, id)
	}
	for _, conn := range c.Connectors {
		if conn.Session != nil {
			return fmt.Errorf("%w: charger %s has a live session", ErrIntegrity, id)
		}
	}
	delete(r.chargers, id)
	return nil
}

// DeleteGroup removes a group. Rejected while chargers or child groups
// reference it.
func (r *Registry) DeleteGroup(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[id]; !ok {
		return fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	for _, c := range r.chargers {
		if c.GroupID == id {
			return fmt.Errorf("%w: group %s contains charger %s", ErrIntegrity, id, c.ID)
		}
	}
	for _, g := range r.groups {
		if g.ParentID == id {
			return fmt.Errorf("%w: group %s has child group %s", ErrIntegrity, id, g.ID)
		}
	}
	delete(r.groups, id)
	return nil
}

// ResolveCharger finds a charger by id, falling back to alias. Id wins when
// both match.
func (r *Registry) ResolveCharger(idOrAlias string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.chargers[idOrAlias]; ok {
		return idOrAlias, true
	}
	for _, c := range r.chargers {
		if c.Alias == idOrAlias {
			return c.ID, true
		}
	}
	return "", false
}

// Autoregister creates an unknown charger with defaults if the config
// allows it. Returns false when autoregistration is disabled.
func (r *Registry) Autoregister(id string) bool {
	if !r.opt.Autoregister {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chargers[id]; ok {
		return true
	}
	c, err := r.buildCharger(ChargerRecord{
		ID:      id,
		Alias:   id,
		GroupID: r.opt.AutoregisterGroup,
	})
	if err != nil {
		r.log.ErrorWithErr(err, "Autoregister failed")
		return false
	}
	r.chargers[id] = c
	r.log.Infof("Autoregistered charger %s in group %s", id, r.opt.AutoregisterGroup)
	return true
}

// ChargerAuthSHA returns the stored HTTP auth hash for a charger.
func (r *Registry) ChargerAuthSHA(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chargers[id]
	if !ok {
		return "", false
	}
	return c.AuthSHA, true
}

// SetChargerAuthSHA stores the expected HTTP auth hash after an
// AuthorizationKey rollout.
func (r *Registry) SetChargerAuthSHA(id, sha string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chargers[id]
	if !ok {
		return fmt.Errorf("%w: charger %s", ErrNotFound, id)
	}
	c.AuthSHA = sha
	return nil
}

// ---------------------------------------------------------------------------
// Tags

// AddTag creates a tag.
func (r *Registry) AddTag(t Tag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tags[t.ID]; ok {
		return fmt.Errorf("%w: tag %s", ErrDuplicate, t.ID)
	}
	if t.Status == "" {
		t.Status = TagActivated
	}
	r.tags[t.ID] = &t
	return nil
}

// UpdateTag changes the mutable fields of an existing tag. Blocking a
// parent tag with active members is permitted with a warning.
func (r *Registry) UpdateTag(id string, userName, parentID, description *string, status *TagStatus, priority *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tags[id]
	if !ok {
		return fmt.Errorf("%w: tag %s", ErrNotFound, id)
	}
	if userName != nil {
		t.UserName = *userName
	}
	if parentID != nil {
		t.ParentID = *parentID
	}
	if description != nil {
		t.Description = *description
	}
	if status != nil {
		if *status == TagBlocked && r.tagInUseLocked(id) {
			r.log.Warnf("Blocking tag %s while it has a live session", id)
		}
		t.Status = *status
	}
	if priority != nil {
		t.Priority = priority
	}
	return nil
}

// DeleteTag removes a tag.
func (r *Registry) DeleteTag(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tags[id]; !ok {
		return fmt.Errorf("%w: tag %s", ErrNotFound, id)
	}
	delete(r.tags, id)
	return nil
}

// ReloadTags replaces the whole tag set.
func (r *Registry) ReloadTags(tags []Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*Tag, len(tags))
	for i := range tags {
		t := tags[i]
		if t.Status == "" {
			t.Status = TagActivated
		}
		next[t.ID] = &t
	}
	r.tags = next
	r.log.Infof("Loaded %d tags", len(tags))
}

// TagList returns a copy of all tags, sorted by id.
func (r *Registry) TagList() []Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tag, 0, len(r.tags))
	for _, t := range r.tags {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) tagInUseLocked(id string) bool {
	for _, s := range r.transactions {
		if s.IDTag == id {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Users

// AddUser creates an API user. Password is hashed with the user id.
func (r *Registry) AddUser(id, password, description string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrIntegrity, role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; ok {
		return fmt.Errorf("%w: user %s", ErrDuplicate, id)
	}
	r.users[id] = &User{ID: id, Role: role, Description: description, AuthSHA: SHA256Hex(id + password)}
	return nil
}

// UpdateUser changes password, role and/or description of a user.
func (r *Registry) UpdateUser(id string, password *string, role *Role, description *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	if password != nil {
		u.AuthSHA = SHA256Hex(id + *password)
	}
	if role != nil {
		if !role.Valid() {
			return fmt.Errorf("%w: unknown role %q", ErrIntegrity, *role)
		}
		u.Role = *role
	}
	if description != nil {
		u.Description = *description
	}
	return nil
}

// DeleteUser removes a user.
func (r *Registry) DeleteUser(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	delete(r.users, id)
	return nil
}

// LoadUsers loads the users CSV, adding users not already present.
func (r *Registry) LoadUsers(users []User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range users {
		u := users[i]
		if _, ok := r.users[u.ID]; !ok {
			r.users[u.ID] = &u
		}
	}
	r.log.Infof("Loaded %d users", len(users))
}

// UserList returns a copy of all users, sorted by id. AuthSHA is omitted.
func (r *Registry) UserList() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		c := *u
		c.AuthSHA = ""
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckAuth validates a login token (user_id + password concatenated)
// against the stored hashes. Returns the matching user and role.
func (r *Registry) CheckAuth(token string) (string, Role, bool) {
	sha := SHA256Hex(token)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.AuthSHA == sha {
			return u.ID, u.Role, true
		}
	}
	return "", "", false
}

// ---------------------------------------------------------------------------
// Firmware

// LoadFirmware replaces the firmware catalogue.
func (r *Registry) LoadFirmware(fws []Firmware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*Firmware, len(fws))
	for i := range fws {
		f := fws[i]
		next[f.ID] = &f
	}
	r.firmware = next
}

// FirmwareFor returns the image a charger should upgrade to, matching
// vendor and model, where the current version is listed in
// upgrade_from_versions and differs from the target.
func (r *Registry) FirmwareFor(vendor, model, version string) (Firmware, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.firmware {
		if f.Vendor != vendor || f.Model != model || f.Version == version {
			continue
		}
		if f.UpgradeFromVersions == "" || containsField(f.UpgradeFromVersions, version) {
			return *f, true
		}
	}
	return Firmware{}, false
}

func containsField(list, v string) bool {
	for _, f := range splitList(list) {
		if f == v {
			return true
		}
	}
	return false
}
