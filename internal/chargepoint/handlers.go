package chargepoint

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/charging-platform/balanz-csms/internal/ocpp"
)

func (cp *ChargePoint) handleCall(frame *ocpp.Frame) {
	payload := ocpp.NewRequestPayload(frame.Action)
	if payload == nil {
		cp.sendError(frame.ID, ocpp.ErrorNotImplemented, "action not supported")
		return
	}
	if err := ocpp.DecodePayload(frame.Payload, payload); err != nil {
		fe, _ := err.(*ocpp.FrameError)
		code := ocpp.ErrorFormationViolation
		if fe != nil {
			code = fe.Code
		}
		cp.sendError(frame.ID, code, err.Error())
		return
	}

	now := time.Now()
	switch req := payload.(type) {
	case *ocpp.BootNotificationRequest:
		cp.sendResult(frame.ID, cp.handleBoot(req, now))
	case *ocpp.HeartbeatRequest:
		cp.sendResult(frame.ID, &ocpp.HeartbeatResponse{CurrentTime: ocpp.Now()})
	case *ocpp.AuthorizeRequest:
		cp.sendResult(frame.ID, &ocpp.AuthorizeResponse{IdTagInfo: cp.mgr.reg.Authorize(req.IdTag)})
	case *ocpp.StartTransactionRequest:
		cp.sendResult(frame.ID, cp.handleStartTransaction(req, now))
	case *ocpp.StopTransactionRequest:
		cp.sendResult(frame.ID, cp.handleStopTransaction(req, now))
	case *ocpp.StatusNotificationRequest:
		cp.handleStatusNotification(req, now)
		cp.sendResult(frame.ID, &ocpp.StatusNotificationResponse{})
	case *ocpp.MeterValuesRequest:
		cp.handleMeterValues(req, now)
		cp.sendResult(frame.ID, &ocpp.MeterValuesResponse{})
	case *ocpp.FirmwareStatusNotificationRequest:
		cp.mgr.log.Info().Str("charger_id", cp.id).Str("status", string(req.Status)).Msg("Firmware status")
		cp.sendResult(frame.ID, &ocpp.FirmwareStatusNotificationResponse{})
	case *ocpp.DataTransferRequest:
		cp.sendResult(frame.ID, &ocpp.DataTransferResponse{Status: ocpp.DataTransferStatusRejected})
	default:
		cp.sendError(frame.ID, ocpp.ErrorNotImplemented, "action not supported")
	}
}

func (cp *ChargePoint) handleBoot(req *ocpp.BootNotificationRequest, now time.Time) *ocpp.BootNotificationResponse {
	m := cp.mgr
	serial, fw, meter := strDeref(req.ChargePointSerialNumber), strDeref(req.FirmwareVersion), strDeref(req.MeterType)
	m.reg.ChargerBooted(cp.id, req.ChargePointVendor, req.ChargePointModel, serial, fw, meter)
	m.reg.SetProfilesInitialized(cp.id, false)
	m.log.Info().
		Str("charger_id", cp.id).
		Str("vendor", req.ChargePointVendor).
		Str("model", req.ChargePointModel).
		Str("firmware", fw).
		Msg("Boot notification")

	go cp.postBoot(req.ChargePointVendor, req.ChargePointModel, fw)

	return &ocpp.BootNotificationResponse{
		Status:      ocpp.RegistrationAccepted,
		CurrentTime: ocpp.Now(),
		Interval:    int(m.cfg.HeartbeatInterval.Seconds()),
	}
}

// postBoot aligns charger configuration with our expectations and checks
// for a pending firmware upgrade. Failures are logged only; chargers vary
// wildly in which keys they accept.
func (cp *ChargePoint) postBoot(vendor, model, fwVersion string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*cp.mgr.cfg.CallTimeout)
	defer cancel()

	interval := strconv.Itoa(int(cp.mgr.cfg.TransactionInterval.Seconds()))
	if err := cp.ChangeConfiguration(ctx, "MeterValueSampleInterval", interval); err != nil {
		cp.mgr.log.Warn().Err(err).Str("charger_id", cp.id).Msg("MeterValueSampleInterval not accepted")
	}

	if img, ok := cp.mgr.reg.FirmwareFor(vendor, model, fwVersion); ok {
		cp.mgr.log.Info().Str("charger_id", cp.id).Str("firmware_id", img.ID).Msg("Starting firmware update")
		if err := cp.UpdateFirmware(ctx, img.URL); err != nil {
			cp.mgr.log.Warn().Err(err).Str("charger_id", cp.id).Msg("UpdateFirmware failed")
		}
	}
}

func (cp *ChargePoint) handleStartTransaction(req *ocpp.StartTransactionRequest, now time.Time) *ocpp.StartTransactionResponse {
	txID, info, err := cp.mgr.reg.StartTransaction(cp.id, req.ConnectorId, req.IdTag, float64(req.MeterStart), now)
	if err != nil {
		cp.mgr.log.Warn().Err(err).Str("charger_id", cp.id).Int("connector_id", req.ConnectorId).Msg("StartTransaction refused")
	}
	return &ocpp.StartTransactionResponse{IdTagInfo: info, TransactionId: txID}
}

func (cp *ChargePoint) handleStopTransaction(req *ocpp.StopTransactionRequest, now time.Time) *ocpp.StopTransactionResponse {
	m := cp.mgr
	s, ok := m.reg.SessionByTransaction(req.TransactionId)
	if !ok {
		m.log.Warn().Str("charger_id", cp.id).Int("transaction_id", req.TransactionId).Msg("Stop for unknown transaction")
		return &ocpp.StopTransactionResponse{}
	}

	stopTag := strDeref(req.IdTag)
	if !m.reg.MayStop(s, stopTag) {
		m.log.Warn().Str("charger_id", cp.id).Str("id_tag", stopTag).Msg("Stop refused for foreign tag")
		return &ocpp.StopTransactionResponse{IdTagInfo: &ocpp.IdTagInfo{Status: ocpp.AuthorizationInvalid}}
	}

	reason := string(ocpp.ReasonLocal)
	if req.Reason != nil {
		reason = string(*req.Reason)
	}
	closed, err := m.reg.StopTransaction(req.TransactionId, float64(req.MeterStop), stopTag, reason, now)
	if err != nil {
		m.log.Warn().Err(err).Int("transaction_id", req.TransactionId).Msg("StopTransaction failed")
		return &ocpp.StopTransactionResponse{}
	}
	if m.sinks.SessionClosed != nil {
		m.sinks.SessionClosed(closed)
	}

	// Re-arm the blocking profile so the next EV waits for an allocation.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
		defer cancel()
		if err := cp.SetBlockingProfile(ctx, closed.ConnectorID); err != nil {
			m.log.Warn().Err(err).Str("charger_id", cp.id).Msg("Failed to re-arm blocking profile")
		}
	}()

	resp := &ocpp.StopTransactionResponse{}
	if stopTag != "" {
		info := m.reg.Authorize(stopTag)
		if info.Status == ocpp.AuthorizationConcurrentTx {
			info.Status = ocpp.AuthorizationAccepted
		}
		resp.IdTagInfo = &info
	}
	return resp
}

func (cp *ChargePoint) handleStatusNotification(req *ocpp.StatusNotificationRequest, now time.Time) {
	m := cp.mgr
	m.reg.SetConnectorStatus(cp.id, req.ConnectorId, req.Status, now)
	if req.Status == ocpp.StatusFaulted {
		m.log.Warn().
			Str("charger_id", cp.id).
			Int("connector_id", req.ConnectorId).
			Str("error_code", string(req.ErrorCode)).
			Str("info", strDeref(req.Info)).
			Msg("Connector faulted")
	}
	if m.sinks.ConnectorState != nil && req.ConnectorId > 0 {
		offer, _ := m.reg.ConnectorOffer(cp.id, req.ConnectorId)
		m.sinks.ConnectorState(cp.id, req.ConnectorId, req.Status, offer)
	}
}

// handleMeterValues extracts the samples the allocator consumes: the
// maximum per-phase Current.Import, the cumulative energy register, and the
// charger-reported Current.Offered.
func (cp *ChargePoint) handleMeterValues(req *ocpp.MeterValuesRequest, now time.Time) {
	m := cp.mgr
	amps, energy := -1.0, -1.0
	var offered *int

	for _, mv := range req.MeterValue {
		for _, sv := range mv.SampledValue {
			measurand := ocpp.MeasurandEnergyActiveImportRegister
			if sv.Measurand != nil {
				measurand = *sv.Measurand
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(sv.Value), 64)
			if err != nil {
				continue
			}
			switch measurand {
			case ocpp.MeasurandCurrentImport:
				if v > amps {
					amps = v
				}
			case ocpp.MeasurandEnergyActiveImportRegister:
				if sv.Unit != nil && *sv.Unit == "kWh" {
					v *= 1000
				}
				energy = v
			case ocpp.MeasurandCurrentOffered:
				o := int(v)
				offered = &o
			}
		}
	}

	if req.TransactionId != nil {
		if _, ok := m.reg.SessionByTransaction(*req.TransactionId); !ok {
			start := energy
			if start < 0 {
				start = 0
			}
			m.reg.AdoptSession(cp.id, req.ConnectorId, *req.TransactionId, start, now)
		}
	}
	m.reg.RecordMeter(cp.id, req.ConnectorId, amps, energy, offered, now, m.cfg.UsageWindow)
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
