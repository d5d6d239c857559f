package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charging-platform/balanz-csms/internal/chargepoint"
	"github.com/charging-platform/balanz-csms/internal/ocpp"
)

// chargerRef is the common payload of commands aimed at one charger.
type chargerRef struct {
	ChargerID string `json:"charger_id"`
	Alias     string `json:"alias"`
}

// connectedPoint resolves a charger reference to its live OCPP endpoint.
func (s *Server) connectedPoint(ref chargerRef) (*chargepoint.ChargePoint, string, *cmdError) {
	id, cerr := s.resolveCharger(ref.ChargerID, ref.Alias)
	if cerr != nil {
		return nil, "", cerr
	}
	cp, ok := s.mgr.Point(id)
	if !ok {
		return nil, "", failf(ocpp.ErrorGenericError, "charger "+id+" not connected")
	}
	return cp, id, nil
}

func (s *Server) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}

func (s *Server) cmdReset(ctx context.Context, cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		chargerRef
		Type string `json:"type"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	cp, id, cerr := s.connectedPoint(req.chargerRef)
	if cerr != nil {
		return nil, cerr
	}
	typ := ocpp.ResetTypeSoft
	if req.Type == string(ocpp.ResetTypeHard) {
		typ = ocpp.ResetTypeHard
	}

	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := cp.Reset(cctx, typ); err != nil {
		return nil, failf(ocpp.ErrorGenericError, err.Error())
	}
	s.recordAudit(cs, "Reset", fmt.Sprintf("charger %s type %s", id, typ))
	return statusAccepted, nil
}

func (s *Server) cmdRemoteStart(ctx context.Context, cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		chargerRef
		IDTag       string `json:"id_tag"`
		ConnectorID int    `json:"connector_id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.IDTag == "" {
		return nil, failf(ocpp.ErrorGenericError, "id_tag required")
	}
	cp, id, cerr := s.connectedPoint(req.chargerRef)
	if cerr != nil {
		return nil, cerr
	}

	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := cp.RemoteStart(cctx, req.IDTag, req.ConnectorID); err != nil {
		return nil, failf(ocpp.ErrorGenericError, err.Error())
	}
	s.recordAudit(cs, "RemoteStartTransaction",
		fmt.Sprintf("charger %s connector %d tag %s", id, req.ConnectorID, req.IDTag))
	return statusAccepted, nil
}

func (s *Server) cmdRemoteStop(ctx context.Context, cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		chargerRef
		TransactionID int `json:"transaction_id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.TransactionID == 0 {
		return nil, failf(ocpp.ErrorGenericError, "transaction_id required")
	}
	cp, id, cerr := s.connectedPoint(req.chargerRef)
	if cerr != nil {
		return nil, cerr
	}

	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := cp.RemoteStop(cctx, req.TransactionID); err != nil {
		return nil, failf(ocpp.ErrorGenericError, err.Error())
	}
	s.recordAudit(cs, "RemoteStopTransaction",
		fmt.Sprintf("charger %s transaction %d", id, req.TransactionID))
	return statusAccepted, nil
}

func (s *Server) cmdGetConfiguration(ctx context.Context, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		chargerRef
		Key []string `json:"key"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	cp, _, cerr := s.connectedPoint(req.chargerRef)
	if cerr != nil {
		return nil, cerr
	}

	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	resp, err := cp.GetConfiguration(cctx, req.Key)
	if err != nil {
		return nil, failf(ocpp.ErrorGenericError, err.Error())
	}
	return map[string]interface{}{
		"configuration_key": resp.ConfigurationKey,
		"unknown_key":       resp.UnknownKey,
	}, nil
}

func (s *Server) cmdChangeConfiguration(ctx context.Context, cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		chargerRef
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Key == "" {
		return nil, failf(ocpp.ErrorGenericError, "key required")
	}
	cp, id, cerr := s.connectedPoint(req.chargerRef)
	if cerr != nil {
		return nil, cerr
	}

	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := cp.ChangeConfiguration(cctx, req.Key, req.Value); err != nil {
		return nil, failf(ocpp.ErrorGenericError, err.Error())
	}
	s.recordAudit(cs, "ChangeConfiguration", fmt.Sprintf("charger %s %s=%s", id, req.Key, req.Value))
	return statusAccepted, nil
}

func (s *Server) cmdTriggerMessage(ctx context.Context, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		chargerRef
		RequestedMessage string `json:"requested_message"`
		ConnectorID      *int   `json:"connector_id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.RequestedMessage == "" {
		return nil, failf(ocpp.ErrorGenericError, "requested_message required")
	}
	cp, _, cerr := s.connectedPoint(req.chargerRef)
	if cerr != nil {
		return nil, cerr
	}

	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := cp.TriggerMessage(cctx, ocpp.Action(req.RequestedMessage), req.ConnectorID); err != nil {
		return nil, failf(ocpp.ErrorGenericError, err.Error())
	}
	return statusAccepted, nil
}

// cmdClearDefaultProfiles wipes the charging profiles of a charger. The
// charger is marked uninitialized so the allocator reinstalls the baseline
// on its next pass.
func (s *Server) cmdClearDefaultProfiles(ctx context.Context, cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req chargerRef
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	cp, id, cerr := s.connectedPoint(req)
	if cerr != nil {
		return nil, cerr
	}

	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := cp.ClearDefaultProfiles(cctx); err != nil {
		return nil, failf(ocpp.ErrorGenericError, err.Error())
	}
	s.reg.SetProfilesInitialized(id, false)
	s.recordAudit(cs, "ClearDefaultProfiles", "charger "+id)
	s.wake()
	return statusAccepted, nil
}

func (s *Server) cmdUpdateFirmware(ctx context.Context, cs *ClientSession, payload json.RawMessage) (interface{}, *cmdError) {
	var req struct {
		chargerRef
		Location string `json:"location"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Location == "" {
		return nil, failf(ocpp.ErrorGenericError, "location required")
	}
	cp, id, cerr := s.connectedPoint(req.chargerRef)
	if cerr != nil {
		return nil, cerr
	}

	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := cp.UpdateFirmware(cctx, req.Location); err != nil {
		return nil, failf(ocpp.ErrorGenericError, err.Error())
	}
	s.recordAudit(cs, "UpdateFirmware", fmt.Sprintf("charger %s url %s", id, req.Location))
	return statusAccepted, nil
}
