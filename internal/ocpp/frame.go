package ocpp

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// FrameError describes a malformed or unexpected OCPP-J frame.
type FrameError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *FrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *FrameError) Unwrap() error { return e.Cause }

// Frame is a decoded OCPP-J array. Action is set for Calls only; ErrorCode,
// ErrorDescription and ErrorDetails for CallErrors only.
type Frame struct {
	Type             MessageType
	ID               string
	Action           Action
	Payload          json.RawMessage
	ErrorCode        ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// MarshalCall encodes [2, id, action, payload].
func MarshalCall(id string, action Action, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal([]interface{}{Call, id, action, payload})
}

// MarshalCallResult encodes [3, id, payload].
func MarshalCallResult(id string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal([]interface{}{CallResult, id, payload})
}

// MarshalCallError encodes [4, id, code, description, details]. A nil details
// is sent as an empty object, as required by the OCPP-J spec.
func MarshalCallError(id string, code ErrorCode, description string, details interface{}) ([]byte, error) {
	if details == nil {
		details = struct{}{}
	}
	return json.Marshal([]interface{}{CallError, id, code, description, details})
}

// UnmarshalFrame decodes a raw OCPP-J array into a Frame. Errors are
// *FrameError with a code suitable for a CallError reply.
func UnmarshalFrame(data []byte) (*Frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, &FrameError{Code: ErrorProtocolError, Message: "message is not a JSON array", Cause: err}
	}
	if len(elems) < 3 {
		return nil, &FrameError{Code: ErrorProtocolError, Message: "message array too short"}
	}

	var msgType int
	if err := json.Unmarshal(elems[0], &msgType); err != nil {
		return nil, &FrameError{Code: ErrorProtocolError, Message: "message type is not a number", Cause: err}
	}
	var id string
	if err := json.Unmarshal(elems[1], &id); err != nil {
		return nil, &FrameError{Code: ErrorProtocolError, Message: "message id is not a string", Cause: err}
	}

	f := &Frame{Type: MessageType(msgType), ID: id}
	switch f.Type {
	case Call:
		if len(elems) != 4 {
			return nil, &FrameError{Code: ErrorProtocolError, Message: "Call must have exactly 4 elements"}
		}
		var action string
		if err := json.Unmarshal(elems[2], &action); err != nil {
			return nil, &FrameError{Code: ErrorProtocolError, Message: "action is not a string", Cause: err}
		}
		f.Action = Action(action)
		f.Payload = elems[3]

	case CallResult:
		if len(elems) != 3 {
			return nil, &FrameError{Code: ErrorProtocolError, Message: "CallResult must have exactly 3 elements"}
		}
		f.Payload = elems[2]

	case CallError:
		if len(elems) != 4 && len(elems) != 5 {
			return nil, &FrameError{Code: ErrorProtocolError, Message: "CallError must have 4 or 5 elements"}
		}
		var code string
		if err := json.Unmarshal(elems[2], &code); err != nil {
			return nil, &FrameError{Code: ErrorProtocolError, Message: "error code is not a string", Cause: err}
		}
		f.ErrorCode = ErrorCode(code)
		if err := json.Unmarshal(elems[3], &f.ErrorDescription); err != nil {
			return nil, &FrameError{Code: ErrorProtocolError, Message: "error description is not a string", Cause: err}
		}
		if len(elems) == 5 {
			f.ErrorDetails = elems[4]
		}

	default:
		return nil, &FrameError{Code: ErrorProtocolError, Message: fmt.Sprintf("invalid message type %d", msgType)}
	}
	return f, nil
}

var validate = validator.New()

// DecodePayload unmarshals and validates a payload into target. Validation
// failures map to TypeConstraintViolation so callers can answer with a
// well-formed CallError.
func DecodePayload(data json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return &FrameError{Code: ErrorFormationViolation, Message: "failed to unmarshal payload", Cause: err}
	}
	if err := validate.Struct(target); err != nil {
		if _, ok := err.(*validator.InvalidValidationError); ok {
			return nil // non-struct payloads carry no rules
		}
		return &FrameError{Code: ErrorTypeConstraintViolation, Message: "payload validation failed", Cause: err}
	}
	return nil
}

// requestFactories instantiates the typed request payload for each action a
// charger may send to us.
var requestFactories = map[Action]func() interface{}{
	ActionAuthorize:                  func() interface{} { return &AuthorizeRequest{} },
	ActionBootNotification:           func() interface{} { return &BootNotificationRequest{} },
	ActionDataTransfer:               func() interface{} { return &DataTransferRequest{} },
	ActionFirmwareStatusNotification: func() interface{} { return &FirmwareStatusNotificationRequest{} },
	ActionHeartbeat:                  func() interface{} { return &HeartbeatRequest{} },
	ActionMeterValues:                func() interface{} { return &MeterValuesRequest{} },
	ActionStartTransaction:           func() interface{} { return &StartTransactionRequest{} },
	ActionStatusNotification:         func() interface{} { return &StatusNotificationRequest{} },
	ActionStopTransaction:            func() interface{} { return &StopTransactionRequest{} },
}

// responseFactories instantiates the typed response payload for each action
// we may send to a charger, so a CallResult can be decoded against the
// pending call's action.
var responseFactories = map[Action]func() interface{}{
	ActionChangeAvailability:     func() interface{} { return &ChangeAvailabilityResponse{} },
	ActionChangeConfiguration:    func() interface{} { return &ChangeConfigurationResponse{} },
	ActionClearCache:             func() interface{} { return &ClearCacheResponse{} },
	ActionClearChargingProfile:   func() interface{} { return &ClearChargingProfileResponse{} },
	ActionDataTransfer:           func() interface{} { return &DataTransferResponse{} },
	ActionGetCompositeSchedule:   func() interface{} { return &GetCompositeScheduleResponse{} },
	ActionGetConfiguration:       func() interface{} { return &GetConfigurationResponse{} },
	ActionRemoteStartTransaction: func() interface{} { return &RemoteStartTransactionResponse{} },
	ActionRemoteStopTransaction:  func() interface{} { return &RemoteStopTransactionResponse{} },
	ActionReset:                  func() interface{} { return &ResetResponse{} },
	ActionSetChargingProfile:     func() interface{} { return &SetChargingProfileResponse{} },
	ActionTriggerMessage:         func() interface{} { return &TriggerMessageResponse{} },
	ActionUnlockConnector:        func() interface{} { return &UnlockConnectorResponse{} },
	ActionUpdateFirmware:         func() interface{} { return &UpdateFirmwareResponse{} },
}

// NewRequestPayload returns a fresh request payload for the action, or nil
// for actions this server does not accept.
func NewRequestPayload(action Action) interface{} {
	if f, ok := requestFactories[action]; ok {
		return f()
	}
	return nil
}

// NewResponsePayload returns a fresh response payload for the action, or nil
// for actions this server never issues.
func NewResponsePayload(action Action) interface{} {
	if f, ok := responseFactories[action]; ok {
		return f()
	}
	return nil
}
