package chargepoint

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/charging-platform/balanz-csms/internal/metrics"
	"github.com/charging-platform/balanz-csms/internal/model"
	"github.com/charging-platform/balanz-csms/internal/ocpp"
)

// Fixed charging profile ids. The base profile admits the minimum rate on
// every connector; the blocking profile shadows it with 0 A until the
// allocator grants capacity; the Tx profile carries the granted offer.
const (
	baseProfileID     = 1
	blockingProfileID = 2
	txProfileID       = 3

	baseStackLevel     = 0
	blockingStackLevel = 1
	txStackLevel       = 3
)

func singlePeriodSchedule(limit float64) ocpp.ChargingSchedule {
	return ocpp.ChargingSchedule{
		ChargingRateUnit:       ocpp.RateUnitA,
		ChargingSchedulePeriod: []ocpp.ChargingSchedulePeriod{{StartPeriod: 0, Limit: limit}},
	}
}

func (cp *ChargePoint) setDefaultProfile(ctx context.Context, profileID, connectorID, stackLevel int, limit float64) error {
	req := &ocpp.SetChargingProfileRequest{
		ConnectorId: connectorID,
		CsChargingProfiles: ocpp.ChargingProfile{
			ChargingProfileId:      profileID,
			StackLevel:             stackLevel,
			ChargingProfilePurpose: ocpp.PurposeTxDefaultProfile,
			ChargingProfileKind:    ocpp.KindAbsolute,
			ChargingSchedule:       singlePeriodSchedule(limit),
		},
	}
	var resp ocpp.SetChargingProfileResponse
	if err := cp.CallInto(ctx, ocpp.ActionSetChargingProfile, req, &resp); err != nil {
		return err
	}
	if resp.Status != ocpp.ChargingProfileStatusAccepted {
		return fmt.Errorf("charger %s rejected profile %d: %s", cp.id, profileID, resp.Status)
	}
	return nil
}

// ClearDefaultProfiles removes every TxDefaultProfile on the charger.
func (cp *ChargePoint) ClearDefaultProfiles(ctx context.Context) error {
	purpose := ocpp.PurposeTxDefaultProfile
	var resp ocpp.ClearChargingProfileResponse
	return cp.CallInto(ctx, ocpp.ActionClearChargingProfile,
		&ocpp.ClearChargingProfileRequest{ChargingProfilePurpose: &purpose}, &resp)
}

// SetBaseProfile installs the minimum-rate profile on connector 0, covering
// all connectors.
func (cp *ChargePoint) SetBaseProfile(ctx context.Context) error {
	return cp.setDefaultProfile(ctx, baseProfileID, 0, baseStackLevel, float64(cp.mgr.cfg.MinAllocation))
}

// SetBlockingProfile installs the 0 A profile on one connector, shadowing
// the base profile by stack level.
func (cp *ChargePoint) SetBlockingProfile(ctx context.Context, connectorID int) error {
	if err := cp.setDefaultProfile(ctx, blockingProfileID, connectorID, blockingStackLevel, 0); err != nil {
		return err
	}
	cp.mgr.reg.SetBlockingInstalled(cp.id, connectorID, true)
	return nil
}

// ClearBlockingProfile removes the 0 A profile, exposing the base profile
// so the transaction can start at the minimum rate.
func (cp *ChargePoint) ClearBlockingProfile(ctx context.Context, connectorID int) error {
	id := blockingProfileID
	var resp ocpp.ClearChargingProfileResponse
	err := cp.CallInto(ctx, ocpp.ActionClearChargingProfile,
		&ocpp.ClearChargingProfileRequest{Id: &id, ConnectorId: &connectorID}, &resp)
	if err != nil {
		return err
	}
	cp.mgr.reg.SetBlockingInstalled(cp.id, connectorID, false)
	return nil
}

// SetTxProfile installs or overwrites the transaction profile carrying the
// granted offer.
func (cp *ChargePoint) SetTxProfile(ctx context.Context, connectorID, transactionID int, limit float64) error {
	req := &ocpp.SetChargingProfileRequest{
		ConnectorId: connectorID,
		CsChargingProfiles: ocpp.ChargingProfile{
			ChargingProfileId:      txProfileID,
			TransactionId:          &transactionID,
			StackLevel:             txStackLevel,
			ChargingProfilePurpose: ocpp.PurposeTxProfile,
			ChargingProfileKind:    ocpp.KindAbsolute,
			ChargingSchedule:       singlePeriodSchedule(limit),
		},
	}
	var resp ocpp.SetChargingProfileResponse
	if err := cp.CallInto(ctx, ocpp.ActionSetChargingProfile, req, &resp); err != nil {
		return err
	}
	if resp.Status != ocpp.ChargingProfileStatusAccepted {
		return fmt.Errorf("charger %s rejected tx profile: %s", cp.id, resp.Status)
	}
	return nil
}

// InitializeProfiles drives a freshly connected charger to the known
// baseline: no default profiles, minimum profile on connector 0, blocking
// profile on every connector.
func (m *Manager) InitializeProfiles(ctx context.Context, chargerID string, connectorIDs []int) error {
	cp, ok := m.Point(chargerID)
	if !ok {
		return fmt.Errorf("charger %s not connected", chargerID)
	}
	if err := cp.ClearDefaultProfiles(ctx); err != nil {
		return err
	}
	if err := cp.SetBaseProfile(ctx); err != nil {
		return err
	}
	for _, connID := range connectorIDs {
		if err := cp.SetBlockingProfile(ctx, connID); err != nil {
			return err
		}
	}
	m.reg.SetProfilesInitialized(chargerID, true)
	m.log.Info().Str("charger_id", chargerID).Msg("Baseline profiles installed")
	return nil
}

// RefreshStatus asks a charger to re-report connector states and meter
// readings, typically after a reconnect. Failures are logged only.
func (m *Manager) RefreshStatus(ctx context.Context, chargerID string, connectorIDs []int) {
	cp, ok := m.Point(chargerID)
	if !ok {
		return
	}
	for _, connID := range connectorIDs {
		if err := cp.TriggerStatusNotification(ctx, connID); err != nil {
			m.log.Warn().Err(err).Str("charger_id", chargerID).Int("connector_id", connID).Msg("Status trigger failed")
		}
	}
	if err := cp.TriggerMeterValues(ctx); err != nil {
		m.log.Warn().Err(err).Str("charger_id", chargerID).Msg("Meter values trigger failed")
	}
}

// ReinstateBlocking reinstalls the blocking profile on one connector.
func (m *Manager) ReinstateBlocking(ctx context.Context, chargerID string, connectorID int) error {
	cp, ok := m.Point(chargerID)
	if !ok {
		return fmt.Errorf("charger %s not connected", chargerID)
	}
	return cp.SetBlockingProfile(ctx, connectorID)
}

// ApplyOfferChange translates one allocator decision into profile calls and
// records the result. Failures set the per-charger back-off and leave the
// installed offer untouched; the next cycle retries.
func (m *Manager) ApplyOfferChange(ctx context.Context, change model.OfferChange, blockingInstalled bool, now time.Time) error {
	cp, ok := m.Point(change.ChargerID)
	if !ok {
		return fmt.Errorf("charger %s not connected", change.ChargerID)
	}
	prior, _ := m.reg.ConnectorOffer(change.ChargerID, change.ConnectorID)

	err := func() error {
		if change.Offer <= 0 {
			// Removal or reclamation: zero the transaction limit and
			// re-arm the blocking profile.
			if change.TransactionID > 0 {
				if err := cp.SetTxProfile(ctx, change.ConnectorID, change.TransactionID, 0); err != nil {
					return err
				}
			}
			return cp.SetBlockingProfile(ctx, change.ConnectorID)
		}

		if blockingInstalled {
			if err := cp.ClearBlockingProfile(ctx, change.ConnectorID); err != nil {
				return err
			}
		}
		if change.TransactionID > 0 {
			return cp.SetTxProfile(ctx, change.ConnectorID, change.TransactionID, float64(change.Offer))
		}
		// No transaction yet: the exposed base profile carries the
		// minimum rate until StartTransaction arrives.
		return nil
	}()
	if err != nil {
		m.reg.SetBackoff(change.ChargerID, true)
		return err
	}

	m.reg.CommitOffer(change.ChargerID, change.ConnectorID, change.Offer, now)
	if change.Suspend {
		m.reg.MarkSuspended(change.ChargerID, change.ConnectorID, change.SuspendUntil)
	}
	if m.sinks.ConnectorState != nil {
		status, _ := m.reg.ConnectorStatus(change.ChargerID, change.ConnectorID)
		m.sinks.ConnectorState(change.ChargerID, change.ConnectorID, status, change.Offer)
	}
	direction := "grow"
	if change.Offer == 0 {
		direction = "remove"
	} else if change.Reduction(prior) {
		direction = "reduce"
	}
	metrics.OfferChanges.WithLabelValues(direction).Inc()
	return nil
}

// ChangeConfiguration sets one configuration key on the charger.
func (cp *ChargePoint) ChangeConfiguration(ctx context.Context, key, value string) error {
	var resp ocpp.ChangeConfigurationResponse
	if err := cp.CallInto(ctx, ocpp.ActionChangeConfiguration,
		&ocpp.ChangeConfigurationRequest{Key: key, Value: value}, &resp); err != nil {
		return err
	}
	if resp.Status != ocpp.ConfigurationStatusAccepted && resp.Status != ocpp.ConfigurationStatusRebootRequired {
		return fmt.Errorf("charger %s rejected %s: %s", cp.id, key, resp.Status)
	}
	return nil
}

// GetConfiguration reads configuration keys from the charger.
func (cp *ChargePoint) GetConfiguration(ctx context.Context, keys []string) (*ocpp.GetConfigurationResponse, error) {
	var resp ocpp.GetConfigurationResponse
	if err := cp.CallInto(ctx, ocpp.ActionGetConfiguration,
		&ocpp.GetConfigurationRequest{Key: keys}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TriggerStatusNotification asks the charger to re-report one connector.
func (cp *ChargePoint) TriggerStatusNotification(ctx context.Context, connectorID int) error {
	var resp ocpp.TriggerMessageResponse
	return cp.CallInto(ctx, ocpp.ActionTriggerMessage,
		&ocpp.TriggerMessageRequest{RequestedMessage: ocpp.ActionStatusNotification, ConnectorId: &connectorID}, &resp)
}

// TriggerMeterValues asks the charger for a fresh meter reading.
func (cp *ChargePoint) TriggerMeterValues(ctx context.Context) error {
	var resp ocpp.TriggerMessageResponse
	return cp.CallInto(ctx, ocpp.ActionTriggerMessage,
		&ocpp.TriggerMessageRequest{RequestedMessage: ocpp.ActionMeterValues}, &resp)
}

// UpdateFirmware starts a firmware download on the charger.
func (cp *ChargePoint) UpdateFirmware(ctx context.Context, url string) error {
	var resp ocpp.UpdateFirmwareResponse
	return cp.CallInto(ctx, ocpp.ActionUpdateFirmware,
		&ocpp.UpdateFirmwareRequest{Location: url, RetrieveDate: ocpp.Now()}, &resp)
}

// Reset reboots the charger.
func (cp *ChargePoint) Reset(ctx context.Context, typ ocpp.ResetType) error {
	var resp ocpp.ResetResponse
	if err := cp.CallInto(ctx, ocpp.ActionReset, &ocpp.ResetRequest{Type: typ}, &resp); err != nil {
		return err
	}
	if resp.Status != ocpp.ResetStatusAccepted {
		return fmt.Errorf("charger %s rejected reset: %s", cp.id, resp.Status)
	}
	return nil
}

// RemoteStart asks the charger to begin a transaction for the tag.
func (cp *ChargePoint) RemoteStart(ctx context.Context, idTag string, connectorID int) error {
	var resp ocpp.RemoteStartTransactionResponse
	req := &ocpp.RemoteStartTransactionRequest{IdTag: idTag}
	if connectorID > 0 {
		req.ConnectorId = &connectorID
	}
	if err := cp.CallInto(ctx, ocpp.ActionRemoteStartTransaction, req, &resp); err != nil {
		return err
	}
	if resp.Status != ocpp.RemoteStartStopStatusAccepted {
		return fmt.Errorf("charger %s rejected remote start: %s", cp.id, resp.Status)
	}
	return nil
}

// RemoteStop asks the charger to end the transaction.
func (cp *ChargePoint) RemoteStop(ctx context.Context, transactionID int) error {
	var resp ocpp.RemoteStopTransactionResponse
	if err := cp.CallInto(ctx, ocpp.ActionRemoteStopTransaction,
		&ocpp.RemoteStopTransactionRequest{TransactionId: transactionID}, &resp); err != nil {
		return err
	}
	if resp.Status != ocpp.RemoteStartStopStatusAccepted {
		return fmt.Errorf("charger %s rejected remote stop: %s", cp.id, resp.Status)
	}
	return nil
}

// TriggerMessage asks the charger to send the given message type.
func (cp *ChargePoint) TriggerMessage(ctx context.Context, requested ocpp.Action, connectorID *int) error {
	var resp ocpp.TriggerMessageResponse
	if err := cp.CallInto(ctx, ocpp.ActionTriggerMessage,
		&ocpp.TriggerMessageRequest{RequestedMessage: requested, ConnectorId: connectorID}, &resp); err != nil {
		return err
	}
	if resp.Status != ocpp.TriggerMessageStatusAccepted {
		return fmt.Errorf("charger %s rejected trigger %s: %s", cp.id, requested, resp.Status)
	}
	return nil
}

// genAuthKey returns a 16 character AuthorizationKey.
func genAuthKey() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// issueAuthKey rolls a fresh AuthorizationKey to the charger after the
// configured delay (some chargers reboot on key change, so this must not
// race the boot sequence). The expected HTTP Basic hash is stored on the
// charger record and the chargers CSV is rewritten.
func (m *Manager) issueAuthKey(cp *ChargePoint) {
	time.Sleep(m.cfg.AuthKeyDelay)
	if _, ok := m.Point(cp.id); !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
	defer cancel()

	key := genAuthKey()
	if err := cp.ChangeConfiguration(ctx, "AuthorizationKey", key); err != nil {
		m.log.Warn().Err(err).Str("charger_id", cp.id).Msg("AuthorizationKey rollout failed")
		return
	}

	b64 := base64.StdEncoding.EncodeToString([]byte(cp.id + ":" + key))
	if err := m.reg.SetChargerAuthSHA(cp.id, model.SHA256Hex("Basic "+b64)); err != nil {
		m.log.Error().Err(err).Str("charger_id", cp.id).Msg("Failed to store auth hash")
		return
	}
	if m.cfg.ChargersCSV != "" {
		if err := m.reg.SaveChargersFile(m.cfg.ChargersCSV); err != nil {
			m.log.Error().Err(err).Msg("Failed to rewrite chargers CSV")
		}
	}
	m.log.Info().Str("charger_id", cp.id).Msg("AuthorizationKey issued")
}
