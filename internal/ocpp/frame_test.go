package ocpp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalCall(t *testing.T) {
	raw := `[2,"19223201","BootNotification",{"chargePointVendor":"VendorX","chargePointModel":"SingleSocketCharger"}]`

	f, err := UnmarshalFrame([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, Call, f.Type)
	assert.Equal(t, "19223201", f.ID)
	assert.Equal(t, ActionBootNotification, f.Action)

	payload := NewRequestPayload(f.Action)
	require.NotNil(t, payload)
	require.NoError(t, DecodePayload(f.Payload, payload))

	req := payload.(*BootNotificationRequest)
	assert.Equal(t, "VendorX", req.ChargePointVendor)
	assert.Equal(t, "SingleSocketCharger", req.ChargePointModel)
}

func TestUnmarshalCallResult(t *testing.T) {
	raw := `[3,"19223201",{"status":"Accepted"}]`

	f, err := UnmarshalFrame([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, CallResult, f.Type)

	payload := NewResponsePayload(ActionSetChargingProfile)
	require.NoError(t, DecodePayload(f.Payload, payload))
	assert.Equal(t, ChargingProfileStatusAccepted, payload.(*SetChargingProfileResponse).Status)
}

func TestUnmarshalCallError(t *testing.T) {
	raw := `[4,"162376037","NotSupported","SetChargingProfile not supported",{}]`

	f, err := UnmarshalFrame([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, CallError, f.Type)
	assert.Equal(t, ErrorNotSupported, f.ErrorCode)
	assert.Equal(t, "SetChargingProfile not supported", f.ErrorDescription)
}

func TestUnmarshalMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not an array", `{"hello":"world"}`},
		{"too short", `[2,"id"]`},
		{"bad type", `[9,"id",{}]`},
		{"call missing payload", `[2,"id","Heartbeat"]`},
		{"result with extra element", `[3,"id",{},{}]`},
		{"non-string id", `[2,42,"Heartbeat",{}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalFrame([]byte(tt.raw))
			require.Error(t, err)
			var fe *FrameError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, ErrorProtocolError, fe.Code)
		})
	}
}

func TestMarshalCallRoundTrip(t *testing.T) {
	limit := 16.0
	req := SetChargingProfileRequest{
		ConnectorId: 1,
		CsChargingProfiles: ChargingProfile{
			ChargingProfileId:      3,
			StackLevel:             3,
			ChargingProfilePurpose: PurposeTxProfile,
			ChargingProfileKind:    KindAbsolute,
			ChargingSchedule: ChargingSchedule{
				ChargingRateUnit: RateUnitA,
				ChargingSchedulePeriod: []ChargingSchedulePeriod{
					{StartPeriod: 0, Limit: limit},
				},
			},
		},
	}

	data, err := MarshalCall("uid-1", ActionSetChargingProfile, req)
	require.NoError(t, err)

	f, err := UnmarshalFrame(data)
	require.NoError(t, err)
	assert.Equal(t, Call, f.Type)
	assert.Equal(t, ActionSetChargingProfile, f.Action)

	var decoded SetChargingProfileRequest
	require.NoError(t, DecodePayload(f.Payload, &decoded))
	assert.Equal(t, req, decoded)
}

func TestMarshalCallErrorAlwaysFiveElements(t *testing.T) {
	data, err := MarshalCallError("id-9", ErrorNotImplemented, "unknown action", nil)
	require.NoError(t, err)

	var elems []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &elems))
	assert.Len(t, elems, 5)
	assert.JSONEq(t, `{}`, string(elems[4]))
}

func TestDecodePayloadValidation(t *testing.T) {
	// chargePointModel is required.
	raw := json.RawMessage(`{"chargePointVendor":"VendorX"}`)
	var req BootNotificationRequest
	err := DecodePayload(raw, &req)
	require.Error(t, err)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrorTypeConstraintViolation, fe.Code)
}

func TestDateTimeUnmarshal(t *testing.T) {
	var dt DateTime
	require.NoError(t, json.Unmarshal([]byte(`"2026-03-01T12:30:45Z"`), &dt))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC), dt.Time)

	// Some chargers omit the timezone suffix.
	require.NoError(t, json.Unmarshal([]byte(`"2026-03-01T12:30:45"`), &dt))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC), dt.Time)
}

func TestNewRequestPayloadUnknownAction(t *testing.T) {
	assert.Nil(t, NewRequestPayload(Action("Frobnicate")))
	assert.Nil(t, NewResponsePayload(Action("Frobnicate")))
}
