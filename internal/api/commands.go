package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charging-platform/balanz-csms/internal/model"
	"github.com/charging-platform/balanz-csms/internal/ocpp"
)

func (s *Server) cmdLogin(cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, failf(errNotLoggedIn, "token required")
	}
	userID, role, ok := s.reg.CheckAuth(req.Token)
	if !ok {
		return nil, failf(errNotLoggedIn, "invalid credentials")
	}
	cs.UserID = userID
	cs.Role = role
	cs.loggedIn = true
	s.log.Info().Str("user", userID).Str("role", string(role)).Msg("API login")
	return map[string]interface{}{"user_type": role}, nil
}

func (s *Server) cmdGetStatus() (interface{}, *cmdError) {
	snap := s.reg.Snapshot(time.Now(), s.cfg.UsageWindow)
	return map[string]interface{}{
		"version":     s.cfg.Version,
		"starttime":   model.TimeStr(s.cfg.StartTime),
		"no_groups":   len(snap.Groups),
		"no_chargers": len(snap.Chargers),
		"no_tags":     len(s.reg.TagList()),
		"no_sessions": len(s.reg.LiveSessions()),
	}, nil
}

func (s *Server) cmdDrawAll() (interface{}, *cmdError) {
	now := time.Now()
	snap := s.reg.Snapshot(now, s.cfg.UsageWindow)
	return map[string]string{"drawing": drawAll(snap, now)}, nil
}

// sessionExternal is the wire form of a live session.
type sessionExternal struct {
	SessionID     string  `json:"session_id"`
	ChargerID     string  `json:"charger_id"`
	ChargerAlias  string  `json:"charger_alias,omitempty"`
	GroupID       string  `json:"group_id"`
	ConnectorID   int     `json:"connector_id"`
	TransactionID int     `json:"transaction_id"`
	IDTag         string  `json:"id_tag"`
	UserName      string  `json:"user_name,omitempty"`
	Priority      int     `json:"priority"`
	StartTime     string  `json:"start_time"`
	EnergyWh      float64 `json:"energy_wh"`
	EnergyKwh     string  `json:"energy_kwh"`
}

func (s *Server) cmdGetSessions(payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		ChargerID string `json:"charger_id"`
		GroupID   string `json:"group_id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	snap := s.reg.Snapshot(time.Now(), s.cfg.UsageWindow)

	out := make([]sessionExternal, 0)
	for _, sess := range s.reg.LiveSessions() {
		if req.ChargerID != "" && sess.ChargerID != req.ChargerID {
			continue
		}
		if req.GroupID != "" && !groupInSubtree(snap, sess.GroupID, req.GroupID) {
			continue
		}
		out = append(out, sessionExternal{
			SessionID:     sess.ID,
			ChargerID:     sess.ChargerID,
			ChargerAlias:  sess.ChargerAlias,
			GroupID:       sess.GroupID,
			ConnectorID:   sess.ConnectorID,
			TransactionID: sess.TransactionID,
			IDTag:         sess.IDTag,
			UserName:      sess.UserName,
			Priority:      sess.Priority,
			StartTime:     model.TimeStr(sess.StartTime),
			EnergyWh:      sess.EnergyWh,
			EnergyKwh:     model.KwhStr(sess.EnergyWh),
		})
	}
	return out, nil
}

func (s *Server) cmdGetGroups() (interface{}, *cmdError) {
	snap := s.reg.Snapshot(time.Now(), s.cfg.UsageWindow)
	out := make([]map[string]interface{}, 0, len(snap.Groups))
	for _, g := range snap.Groups {
		sched := ""
		if g.Schedule != nil {
			sched = g.Schedule.String()
		}
		out = append(out, map[string]interface{}{
			"group_id":       g.ID,
			"parent_id":      g.ParentID,
			"description":    g.Description,
			"max_allocation": sched,
			"suspended":      g.Suspended,
		})
	}
	return out, nil
}

// connectorExternal is the wire form of one connector of a charger.
type connectorExternal struct {
	ConnectorID   int     `json:"connector_id"`
	Status        string  `json:"status"`
	Offer         int     `json:"offer"`
	TransactionID int     `json:"transaction_id,omitempty"`
	IDTag         string  `json:"id_tag,omitempty"`
	Priority      int     `json:"priority,omitempty"`
	Usage         float64 `json:"usage"`
	EnergyWh      float64 `json:"energy_wh,omitempty"`
}

type chargerExternal struct {
	ChargerID       string              `json:"charger_id"`
	Alias           string              `json:"alias,omitempty"`
	GroupID         string              `json:"group_id"`
	Description     string              `json:"description,omitempty"`
	Priority        int                 `json:"priority"`
	ConnMax         int                 `json:"conn_max"`
	Connected       bool                `json:"connected"`
	FirmwareVersion string              `json:"firmware_version,omitempty"`
	LastSeen        string              `json:"last_seen"`
	Connectors      []connectorExternal `json:"connectors"`
}

func (s *Server) cmdGetChargers(payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		ChargerID string `json:"charger_id"`
		GroupID   string `json:"group_id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ChargerID != "" {
		if id, ok := s.reg.ResolveCharger(req.ChargerID); ok {
			req.ChargerID = id
		}
	}

	snap := s.reg.Snapshot(time.Now(), s.cfg.UsageWindow)
	out := make([]chargerExternal, 0)
	for _, c := range snap.ChargersSorted() {
		if req.ChargerID != "" && c.ID != req.ChargerID {
			continue
		}
		if req.GroupID != "" && !groupInSubtree(snap, c.GroupID, req.GroupID) {
			continue
		}
		ext := chargerExternal{
			ChargerID:       c.ID,
			Alias:           c.Alias,
			GroupID:         c.GroupID,
			Priority:        c.Priority,
			ConnMax:         c.ConnMax,
			Connected:       c.Connected,
			FirmwareVersion: c.FirmwareVersion,
			LastSeen:        model.TimeStr(c.LastSeen),
		}
		for _, conn := range c.Connectors {
			ext.Connectors = append(ext.Connectors, connectorExternal{
				ConnectorID:   conn.ID,
				Status:        string(conn.Status),
				Offer:         conn.Offer,
				TransactionID: conn.TransactionID,
				Priority:      conn.Priority,
				Usage:         conn.RollingMax,
				EnergyWh:      conn.EnergyWh,
			})
		}
		out = append(out, ext)
	}
	return out, nil
}

func (s *Server) cmdGetTags() (interface{}, *cmdError) {
	tags := s.reg.TagList()
	out := make([]map[string]interface{}, 0, len(tags))
	for _, t := range tags {
		entry := map[string]interface{}{
			"id_tag":        t.ID,
			"user_name":     t.UserName,
			"parent_id_tag": t.ParentID,
			"description":   t.Description,
			"status":        t.Status,
		}
		if t.Priority != nil {
			entry["priority"] = *t.Priority
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Server) cmdGetUsers() (interface{}, *cmdError) {
	users := s.reg.UserList()
	out := make([]map[string]interface{}, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]interface{}{
			"user_id":     u.ID,
			"user_type":   u.Role,
			"description": u.Description,
		})
	}
	return out, nil
}

func (s *Server) cmdSetChargePriority(cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		ChargerID   string `json:"charger_id"`
		Alias       string `json:"alias"`
		ConnectorID int    `json:"connector_id"`
		Priority    *int   `json:"priority"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Priority == nil {
		return nil, failf(ocpp.ErrorGenericError, "priority required")
	}
	chargerID, cerr := s.resolveCharger(req.ChargerID, req.Alias)
	if cerr != nil {
		return nil, cerr
	}
	if req.ConnectorID == 0 {
		req.ConnectorID = 1
	}

	snap := s.reg.Snapshot(time.Now(), s.cfg.UsageWindow)
	conn := findConnector(snap, chargerID, req.ConnectorID)
	if conn == nil {
		return nil, failf(ocpp.ErrorGenericError, "no such connector")
	}
	if conn.TransactionID == 0 {
		return nil, failf(ocpp.ErrorGenericError, "connector not in transaction")
	}
	if err := s.reg.SetSessionPriority(conn.TransactionID, *req.Priority); err != nil {
		return nil, mapModelError(err)
	}
	s.recordAudit(cs, "SetChargePriority",
		fmt.Sprintf("charger %s connector %d priority %d", chargerID, req.ConnectorID, *req.Priority))
	s.wake()
	return statusAccepted, nil
}

func (s *Server) cmdSetBalanzState(cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		GroupID string `json:"group_id"`
		Suspend bool   `json:"suspend"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.GroupID == "" {
		return nil, failf(ocpp.ErrorGenericError, "group_id required")
	}
	if err := s.reg.SetBalanzState(req.GroupID, req.Suspend); err != nil {
		return nil, mapModelError(err)
	}
	s.recordAudit(cs, "SetBalanzState", fmt.Sprintf("group %s suspend %v", req.GroupID, req.Suspend))
	s.wake()
	return statusAccepted, nil
}

// ---------------------------------------------------------------------------
// Tags

type tagPayload struct {
	IDTag       string  `json:"id_tag"`
	UserName    *string `json:"user_name"`
	ParentIDTag *string `json:"parent_id_tag"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	Priority    *int    `json:"priority"`
}

func (s *Server) cmdCreateTag(cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req tagPayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.IDTag == "" {
		return nil, failf(ocpp.ErrorGenericError, "id_tag required")
	}
	t := model.Tag{ID: strings.ToUpper(req.IDTag), Priority: req.Priority}
	if req.UserName != nil {
		t.UserName = *req.UserName
	}
	if req.ParentIDTag != nil {
		t.ParentID = *req.ParentIDTag
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.Status != nil {
		t.Status = model.TagStatus(*req.Status)
	}
	if err := s.reg.AddTag(t); err != nil {
		return nil, mapModelError(err)
	}
	if err := s.reg.SaveTagsFile(s.cfg.TagsCSV); err != nil {
		return nil, failf(ocpp.ErrorInternalError, err.Error())
	}
	s.recordAudit(cs, "CreateTag", fmt.Sprintf("tag %s user %q", t.ID, t.UserName))
	return statusAccepted, nil
}

func (s *Server) cmdUpdateTag(cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req tagPayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.IDTag == "" {
		return nil, failf(ocpp.ErrorGenericError, "id_tag required")
	}
	id := strings.ToUpper(req.IDTag)
	var status *model.TagStatus
	if req.Status != nil {
		st := model.TagStatus(*req.Status)
		status = &st
	}
	if err := s.reg.UpdateTag(id, req.UserName, req.ParentIDTag, req.Description, status, req.Priority); err != nil {
		return nil, mapModelError(err)
	}
	if err := s.reg.SaveTagsFile(s.cfg.TagsCSV); err != nil {
		return nil, failf(ocpp.ErrorInternalError, err.Error())
	}
	s.recordAudit(cs, "UpdateTag", "tag "+id)
	return statusAccepted, nil
}

func (s *Server) cmdDeleteTag(cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req tagPayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.IDTag == "" {
		return nil, failf(ocpp.ErrorGenericError, "id_tag required")
	}
	id := strings.ToUpper(req.IDTag)
	if err := s.reg.DeleteTag(id); err != nil {
		return nil, mapModelError(err)
	}
	if err := s.reg.SaveTagsFile(s.cfg.TagsCSV); err != nil {
		return nil, failf(ocpp.ErrorInternalError, err.Error())
	}
	s.recordAudit(cs, "DeleteTag", "tag "+id)
	return statusAccepted, nil
}

func (s *Server) cmdReloadTags(cs *ClientSession) (interface{}, *cmdError) {
	if err := s.reg.LoadTagsFile(s.cfg.TagsCSV); err != nil {
		return nil, failf(ocpp.ErrorInternalError, err.Error())
	}
	s.recordAudit(cs, "ReloadTags", s.cfg.TagsCSV)
	return statusAccepted, nil
}

// ---------------------------------------------------------------------------
// Chargers and groups

func (s *Server) cmdCreateCharger(cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		ChargerID    string `json:"charger_id"`
		Alias        string `json:"alias"`
		GroupID      string `json:"group_id"`
		Description  string `json:"description"`
		Priority     *int   `json:"priority"`
		NoConnectors int    `json:"no_connectors"`
		ConnMax      int    `json:"conn_max"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ChargerID == "" || req.GroupID == "" {
		return nil, failf(ocpp.ErrorGenericError, "charger_id and group_id required")
	}
	if req.NoConnectors == 0 {
		req.NoConnectors = 1
	}
	err := s.reg.AddCharger(model.ChargerRecord{
		ID:           req.ChargerID,
		Alias:        req.Alias,
		GroupID:      req.GroupID,
		NoConnectors: req.NoConnectors,
		Priority:     req.Priority,
		Description:  req.Description,
		ConnMax:      req.ConnMax,
	})
	if err != nil {
		return nil, mapModelError(err)
	}
	if err := s.reg.SaveChargersFile(s.cfg.ChargersCSV); err != nil {
		return nil, failf(ocpp.ErrorInternalError, err.Error())
	}
	s.recordAudit(cs, "CreateCharger",
		fmt.Sprintf("charger %s (%s) in group %s conn_max %d", req.ChargerID, req.Alias, req.GroupID, req.ConnMax))
	return statusAccepted, nil
}

func (s *Server) cmdUpdateCharger(cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		ChargerID   string  `json:"charger_id"`
		Alias       *string `json:"alias"`
		Description *string `json:"description"`
		Priority    *int    `json:"priority"`
		ConnMax     *int    `json:"conn_max"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ChargerID == "" {
		return nil, failf(ocpp.ErrorGenericError, "charger_id required")
	}
	if err := s.reg.UpdateCharger(req.ChargerID, req.Alias, req.Description, req.Priority, req.ConnMax); err != nil {
		return nil, mapModelError(err)
	}
	if err := s.reg.SaveChargersFile(s.cfg.ChargersCSV); err != nil {
		return nil, failf(ocpp.ErrorInternalError, err.Error())
	}
	s.recordAudit(cs, "UpdateCharger", "charger "+req.ChargerID)
	return statusAccepted, nil
}

func (s *Server) cmdDeleteCharger(cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		ChargerID string `json:"charger_id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ChargerID == "" {
		return nil, failf(ocpp.ErrorGenericError, "charger_id required")
	}
	if err := s.reg.DeleteCharger(req.ChargerID); err != nil {
		return nil, mapModelError(err)
	}
	if err := s.reg.SaveChargersFile(s.cfg.ChargersCSV); err != nil {
		return nil, failf(ocpp.ErrorInternalError, err.Error())
	}
	s.recordAudit(cs, "DeleteCharger", "charger "+req.ChargerID)
	return statusAccepted, nil
}

func (s *Server) cmdResetChargerAuth(cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		ChargerID string `json:"charger_id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ChargerID == "" {
		return nil, failf(ocpp.ErrorGenericError, "charger_id required")
	}
	if err := s.reg.SetChargerAuthSHA(req.ChargerID, ""); err != nil {
		return nil, mapModelError(err)
	}
	if err := s.reg.SaveChargersFile(s.cfg.ChargersCSV); err != nil {
		return nil, failf(ocpp.ErrorInternalError, err.Error())
	}
	s.recordAudit(cs, "ResetChargerAuth", "charger "+req.ChargerID)
	return statusAccepted, nil
}

func (s *Server) cmdReloadChargers(cs *ClientSession) (interface{}, *cmdError) {
	if err := s.reg.LoadChargersFile(s.cfg.ChargersCSV); err != nil {
		return nil, failf(ocpp.ErrorInternalError, err.Error())
	}
	// Chargers dropped by the reload may leave live sessions behind.
	if closed := s.mgr.CloseOrphanedSessions(time.Now()); closed > 0 {
		s.log.Warn().Int("sessions", closed).Msg("Closed sessions orphaned by charger reload")
	}
	s.recordAudit(cs, "ReloadChargers", s.cfg.ChargersCSV)
	s.wake()
	return statusAccepted, nil
}

func (s *Server) cmdUpdateGroup(cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		GroupID       string  `json:"group_id"`
		Description   *string `json:"description"`
		MaxAllocation *string `json:"max_allocation"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.GroupID == "" {
		return nil, failf(ocpp.ErrorGenericError, "group_id required")
	}
	if err := s.reg.UpdateGroup(req.GroupID, req.Description, req.MaxAllocation); err != nil {
		return nil, mapModelError(err)
	}
	if err := s.reg.SaveGroupsFile(s.cfg.GroupsCSV); err != nil {
		return nil, failf(ocpp.ErrorInternalError, err.Error())
	}
	s.recordAudit(cs, "UpdateGroup", "group "+req.GroupID)
	s.wake()
	return statusAccepted, nil
}

func (s *Server) cmdReloadGroups(cs *ClientSession) (interface{}, *cmdError) {
	if err := s.reg.LoadGroupsFile(s.cfg.GroupsCSV); err != nil {
		return nil, failf(ocpp.ErrorInternalError, err.Error())
	}
	s.recordAudit(cs, "ReloadGroups", s.cfg.GroupsCSV)
	s.wake()
	return statusAccepted, nil
}

// ---------------------------------------------------------------------------
// Users and logging

func (s *Server) cmdCreateUser(cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		UserID      string `json:"user_id"`
		Password    string `json:"password"`
		UserType    string `json:"user_type"`
		Description string `json:"description"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" || req.Password == "" {
		return nil, failf(ocpp.ErrorGenericError, "user_id and password required")
	}
	if err := s.reg.AddUser(req.UserID, req.Password, req.Description, model.Role(req.UserType)); err != nil {
		return nil, mapModelError(err)
	}
	if err := s.reg.SaveUsersFile(s.cfg.UsersCSV); err != nil {
		return nil, failf(ocpp.ErrorInternalError, err.Error())
	}
	s.recordAudit(cs, "CreateUser", fmt.Sprintf("user %s role %s", req.UserID, req.UserType))
	return statusAccepted, nil
}

func (s *Server) cmdUpdateUser(cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		UserID      string  `json:"user_id"`
		Password    *string `json:"password"`
		UserType    *string `json:"user_type"`
		Description *string `json:"description"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, failf(ocpp.ErrorGenericError, "user_id required")
	}
	var role *model.Role
	if req.UserType != nil {
		r := model.Role(*req.UserType)
		role = &r
	}
	if err := s.reg.UpdateUser(req.UserID, req.Password, role, req.Description); err != nil {
		return nil, mapModelError(err)
	}
	if err := s.reg.SaveUsersFile(s.cfg.UsersCSV); err != nil {
		return nil, failf(ocpp.ErrorInternalError, err.Error())
	}
	s.recordAudit(cs, "UpdateUser", "user "+req.UserID)
	return statusAccepted, nil
}

func (s *Server) cmdDeleteUser(cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, failf(ocpp.ErrorGenericError, "user_id required")
	}
	if err := s.reg.DeleteUser(req.UserID); err != nil {
		return nil, mapModelError(err)
	}
	if err := s.reg.SaveUsersFile(s.cfg.UsersCSV); err != nil {
		return nil, failf(ocpp.ErrorInternalError, err.Error())
	}
	s.recordAudit(cs, "DeleteUser", "user "+req.UserID)
	return statusAccepted, nil
}

func (s *Server) cmdSetLogLevel(cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		Component string `json:"component"`
		LogLevel  string `json:"loglevel"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Component == "" || req.LogLevel == "" {
		return nil, failf(ocpp.ErrorGenericError, "component and loglevel required")
	}
	if err := s.logs.SetLevel(req.Component, req.LogLevel); err != nil {
		return nil, failf(ocpp.ErrorGenericError, err.Error())
	}
	s.recordAudit(cs, "SetLogLevel", req.Component+"="+req.LogLevel)
	return statusAccepted, nil
}

// ---------------------------------------------------------------------------
// Shared helpers

// resolveCharger maps a charger id or alias payload to a known charger id.
func (s *Server) resolveCharger(chargerID, alias string) (string, *cmdError) {
	ref := chargerID
	if ref == "" {
		ref = alias
	}
	if ref == "" {
		return "", failf(ocpp.ErrorGenericError, "charger_id required")
	}
	id, ok := s.reg.ResolveCharger(ref)
	if !ok {
		return "", failf(ocpp.ErrorGenericError, "no such charger "+ref)
	}
	return id, nil
}

// groupInSubtree reports whether groupID equals ancestorID or sits below it.
func groupInSubtree(snap *model.Snapshot, groupID, ancestorID string) bool {
	for id := groupID; id != ""; {
		if id == ancestorID {
			return true
		}
		g, ok := snap.Groups[id]
		if !ok {
			return false
		}
		id = g.ParentID
	}
	return false
}

func findConnector(snap *model.Snapshot, chargerID string, connectorID int) *model.ConnectorView {
	c, ok := snap.Chargers[chargerID]
	if !ok {
		return nil
	}
	for _, conn := range c.Connectors {
		if conn.ID == connectorID {
			return conn
		}
	}
	return nil
}

// mapModelError turns registry sentinel errors into API error codes.
func mapModelError(err error) *cmdError {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return failf(ocpp.ErrorGenericError, err.Error())
	case errors.Is(err, model.ErrDuplicate):
		return failf(ocpp.ErrorGenericError, err.Error())
	case errors.Is(err, model.ErrIntegrity):
		return failf(ocpp.ErrorFormationViolation, err.Error())
	default:
		return failf(ocpp.ErrorInternalError, err.Error())
	}
}
