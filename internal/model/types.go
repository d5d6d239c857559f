package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/charging-platform/balanz-csms/internal/ocpp"
	"github.com/charging-platform/balanz-csms/internal/schedule"
)

// Sentinel errors for registry operations. API handlers map these to
// CallError frames; they never crash the allocator loop.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
	ErrIntegrity = errors.New("integrity violation")
)

// Role is an admin API user type, ordered by capability.
type Role string

const (
	RoleStatus          Role = "Status"
	RoleAnalysis        Role = "Analysis"
	RoleSessionPriority Role = "SessionPriority"
	RoleTags            Role = "Tags"
	RoleAdmin           Role = "Admin"
)

var roleRank = map[Role]int{
	RoleStatus:          0,
	RoleAnalysis:        1,
	RoleSessionPriority: 2,
	RoleTags:            3,
	RoleAdmin:           4,
}

// AtLeast reports whether r grants the capabilities of required.
func (r Role) AtLeast(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Group is a node of the group tree. A group with a MaxAllocation schedule
// is an allocation group; others are structural only.
type Group struct {
	ID            string
	ParentID      string
	Description   string
	MaxAllocation *schedule.Schedule

	// Suspended freezes the allocator for this subtree (SetBalanzState).
	Suspended bool
}

// IsAllocationGroup reports whether the group carries an allocation schedule.
func (g *Group) IsAllocationGroup() bool {
	return g.MaxAllocation != nil
}

// Charger is a physical charge point with 1..N connectors.
type Charger struct {
	ID          string
	Alias       string
	GroupID     string
	Description string
	ConnMax     int  // per-connector current cap, whole amperes
	Priority    *int // default session priority, nil if unset
	AuthSHA     string

	Connectors map[int]*Connector

	// Boot metadata, filled from the last BootNotification.
	Vendor          string
	Model           string
	SerialNumber    string
	FirmwareVersion string
	MeterType       string

	// Runtime connection state.
	Connected   bool
	ConnectedAt time.Time
	LastSeen    time.Time

	// ProfilesInitialized is set once the baseline charging profiles
	// (minimum + blocking) have been installed after a (re)connect.
	ProfilesInitialized bool

	// Backoff skips the charger for one allocator cycle after a failed
	// or timed-out profile call.
	Backoff bool
}

// TagStatus is the lifecycle state of an RFID tag.
type TagStatus string

const (
	TagActivated TagStatus = "Activated"
	TagBlocked   TagStatus = "Blocked"
)

// Tag is an authorization token. Members of the same parent tag may stop
// each other's sessions.
type Tag struct {
	ID          string
	UserName    string
	ParentID    string
	Description string
	Status      TagStatus
	Priority    *int // overrides the charger default if set and higher
}

// User is an admin API account. AuthSHA is SHA-256(user_id + password).
type User struct {
	ID          string
	Role        Role
	Description string
	AuthSHA     string
}

// Firmware is a firmware image description used for UpdateFirmware rollout.
type Firmware struct {
	ID                  string
	Vendor              string
	Model               string
	Version             string
	MeterType           string
	URL                 string
	UpgradeFromVersions string
}

// Connector is one outlet of a charger, owned 1:1 by its parent.
type Connector struct {
	ChargerID string
	ID        int

	Status          ocpp.ChargePointStatus
	Offer           int // installed allocation, whole amperes, 0 = none
	LastOfferChange time.Time

	// BlockingInstalled tracks whether the 0 A blocking profile is in
	// effect for this connector.
	BlockingInstalled bool

	// SuspendUntil defers allocation after unused-offer reclamation.
	SuspendUntil time.Time

	Session *Session // live session, nil if idle
}

// SHA256Hex returns the lowercase hex SHA-256 of s, the hashing used for
// both charger AuthorizationKeys and API user credentials.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// TimeStr formats a timestamp for CSV output; zero renders as N/A.
func TimeStr(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.Format("2006-01-02 15:04:05")
}

// DurationStr renders a duration as HH:MM:SS (hours may exceed two digits).
func DurationStr(d time.Duration) string {
	secs := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}

// KwhStr formats Wh as kWh with three decimals.
func KwhStr(wh float64) string {
	return fmt.Sprintf("%.3f", wh/1000.0)
}
