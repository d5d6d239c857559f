// Package api implements the admin websocket API. It speaks the same
// [2, id, command, payload] framing as OCPP-J, served on the /api path.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz-csms/internal/chargepoint"
	"github.com/charging-platform/balanz-csms/internal/logger"
	"github.com/charging-platform/balanz-csms/internal/model"
	"github.com/charging-platform/balanz-csms/internal/ocpp"
)

// API-specific CallError codes, alongside the standard OCPP-J ones.
const (
	errNotLoggedIn   ocpp.ErrorCode = "NotLoggedIn"
	errNotAuthorized ocpp.ErrorCode = "NotAuthorized"
)

// Waker pokes the allocator after a command that changes its inputs.
type Waker interface {
	Wake()
}

// Config carries the file paths the API persists to and call policy.
type Config struct {
	Version     string
	StartTime   time.Time
	GroupsCSV   string
	ChargersCSV string
	TagsCSV     string
	UsersCSV    string
	SessionCSV  string
	UsageWindow time.Duration
	CallTimeout time.Duration
}

// Server handles admin API commands. One Server serves all connections;
// per-connection login state lives in ClientSession.
type Server struct {
	cfg   Config
	reg   *model.Registry
	mgr   *chargepoint.Manager
	waker Waker
	logs  *logger.Logger
	audit *logger.AuditLogger
	log   zerolog.Logger
}

// New builds the API server. waker and audit may be nil.
func New(cfg Config, reg *model.Registry, mgr *chargepoint.Manager, waker Waker, logs *logger.Logger, audit *logger.AuditLogger) *Server {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.UsageWindow == 0 {
		cfg.UsageWindow = 5 * time.Minute
	}
	return &Server{
		cfg:   cfg,
		reg:   reg,
		mgr:   mgr,
		waker: waker,
		logs:  logs,
		audit: audit,
		log:   logs.Named("api"),
	}
}

// ClientSession is the login state of one API connection.
type ClientSession struct {
	UserID string
	Role   model.Role

	loggedIn bool
}

// NewSession returns a fresh, not yet logged in connection state.
func (s *Server) NewSession() *ClientSession {
	return &ClientSession{}
}

// cmdError aborts a command with a CallError reply.
type cmdError struct {
	code ocpp.ErrorCode
	desc string
}

func (e *cmdError) Error() string { return string(e.code) + ": " + e.desc }

func failf(code ocpp.ErrorCode, desc string) *cmdError {
	return &cmdError{code: code, desc: desc}
}

// minRole is the weakest role allowed to run each command. Commands not
// listed require Admin.
var minRole = map[string]model.Role{
	"GetStatus":         model.RoleStatus,
	"DrawAll":           model.RoleStatus,
	"GetSessions":       model.RoleAnalysis,
	"GetGroups":         model.RoleAnalysis,
	"GetChargers":       model.RoleAnalysis,
	"GetTags":           model.RoleAnalysis,
	"SetChargePriority": model.RoleSessionPriority,
	"SetBalanzState":    model.RoleSessionPriority,
	"CreateTag":         model.RoleTags,
	"UpdateTag":         model.RoleTags,
	"DeleteTag":         model.RoleTags,
	"ReloadTags":        model.RoleTags,
}

// Handle processes one inbound frame and returns the reply to send. The
// reply is never nil; malformed input gets a CallError.
func (s *Server) Handle(ctx context.Context, cs *ClientSession, data []byte) []byte {
	frame, err := ocpp.UnmarshalFrame(data)
	if err != nil || frame.Type != ocpp.Call {
		s.log.Error().Err(err).Msg("Malformed API call")
		return s.errorReply("-1", ocpp.ErrorFormationViolation, "expected a Call frame")
	}
	command := string(frame.Action)

	// Login stays out of the logs (credentials), DrawAll is just noisy.
	if command != "Login" && command != "DrawAll" {
		s.log.Debug().Str("command", command).Str("user", cs.UserID).Msg("API command")
	}

	if command != "Login" && !cs.loggedIn {
		return s.errorReply(frame.ID, errNotLoggedIn, "login required")
	}
	required, ok := minRole[command]
	if !ok {
		required = model.RoleAdmin
	}
	if command != "Login" && !cs.Role.AtLeast(required) {
		return s.errorReply(frame.ID, errNotAuthorized, "role "+string(cs.Role)+" may not run "+command)
	}

	payload, cerr := s.dispatch(ctx, cs, command, frame.Payload)
	if cerr != nil {
		return s.errorReply(frame.ID, cerr.code, cerr.desc)
	}
	return s.resultReply(frame.ID, payload)
}

func (s *Server) dispatch(ctx context.Context, cs *ClientSession, command string, payload json.RawMessage) (interface{}, *cmdError) {
	switch command {
	case "Login":
		return s.cmdLogin(cs, payload)
	case "GetStatus":
		return s.cmdGetStatus()
	case "DrawAll":
		return s.cmdDrawAll()
	case "GetSessions":
		return s.cmdGetSessions(payload)
	case "GetGroups":
		return s.cmdGetGroups()
	case "GetChargers":
		return s.cmdGetChargers(payload)
	case "GetTags":
		return s.cmdGetTags()
	case "GetUsers":
		return s.cmdGetUsers()
	case "SetChargePriority":
		return s.cmdSetChargePriority(cs, payload)
	case "SetBalanzState":
		return s.cmdSetBalanzState(cs, payload)
	case "CreateTag":
		return s.cmdCreateTag(cs, payload)
	case "UpdateTag":
		return s.cmdUpdateTag(cs, payload)
	case "DeleteTag":
		return s.cmdDeleteTag(cs, payload)
	case "ReloadTags":
		return s.cmdReloadTags(cs)
	case "CreateCharger":
		return s.cmdCreateCharger(cs, payload)
	case "UpdateCharger":
		return s.cmdUpdateCharger(cs, payload)
	case "DeleteCharger":
		return s.cmdDeleteCharger(cs, payload)
	case "ResetChargerAuth":
		return s.cmdResetChargerAuth(cs, payload)
	case "ReloadChargers":
		return s.cmdReloadChargers(cs)
	case "UpdateGroup":
		return s.cmdUpdateGroup(cs, payload)
	case "ReloadGroups":
		return s.cmdReloadGroups(cs)
	case "CreateUser":
		return s.cmdCreateUser(cs, payload)
	case "UpdateUser":
		return s.cmdUpdateUser(cs, payload)
	case "DeleteUser":
		return s.cmdDeleteUser(cs, payload)
	case "SetLogLevel":
		return s.cmdSetLogLevel(cs, payload)
	case "Reset":
		return s.cmdReset(ctx, cs, payload)
	case "RemoteStartTransaction":
		return s.cmdRemoteStart(ctx, cs, payload)
	case "RemoteStopTransaction":
		return s.cmdRemoteStop(ctx, cs, payload)
	case "GetConfiguration":
		return s.cmdGetConfiguration(ctx, payload)
	case "ChangeConfiguration":
		return s.cmdChangeConfiguration(ctx, cs, payload)
	case "TriggerMessage":
		return s.cmdTriggerMessage(ctx, payload)
	case "ClearDefaultProfiles":
		return s.cmdClearDefaultProfiles(ctx, cs, payload)
	case "UpdateFirmware":
		return s.cmdUpdateFirmware(ctx, cs, payload)
	default:
		return nil, failf(ocpp.ErrorGenericError, "invalid command "+command)
	}
}

// decode unmarshals a command payload; an empty payload decodes to zero
// values so commands with all-optional arguments work without one.
func decode(payload json.RawMessage, target interface{}) *cmdError {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return failf(ocpp.ErrorFormationViolation, "bad payload: "+err.Error())
	}
	return nil
}

func (s *Server) resultReply(id string, payload interface{}) []byte {
	data, err := ocpp.MarshalCallResult(id, payload)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal API result")
		data, _ = ocpp.MarshalCallError(id, ocpp.ErrorInternalError, "marshal failure", nil)
	}
	return data
}

func (s *Server) errorReply(id string, code ocpp.ErrorCode, desc string) []byte {
	data, _ := ocpp.MarshalCallError(id, code, desc, nil)
	return data
}

// recordAudit writes one audit line for a privileged command.
func (s *Server) recordAudit(cs *ClientSession, command, detail string) {
	s.audit.Record(cs.UserID, command, detail)
}

func (s *Server) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}

// statusAccepted is the stock reply of mutating commands.
var statusAccepted = map[string]string{"status": "Accepted"}
