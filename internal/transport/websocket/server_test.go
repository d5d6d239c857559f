package websocket

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/balanz-csms/internal/api"
	"github.com/charging-platform/balanz-csms/internal/chargepoint"
	"github.com/charging-platform/balanz-csms/internal/logger"
	"github.com/charging-platform/balanz-csms/internal/model"
	"github.com/charging-platform/balanz-csms/internal/ocpp"
)

type fixture struct {
	srv *Server
	mgr *chargepoint.Manager
	reg *model.Registry
	ts  *httptest.Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	reg := model.NewRegistry(model.Options{DefaultConnMax: 32}, log)
	require.NoError(t, reg.LoadGroups([]model.GroupRecord{
		{ID: "G", MaxAllocation: "00:00-23:59>0=24"},
	}))
	require.NoError(t, reg.AddCharger(model.ChargerRecord{
		ID: "CH-1", Alias: "one", GroupID: "G", NoConnectors: 1, ConnMax: 32,
	}))
	require.NoError(t, reg.AddUser("admin", "secret", "", model.RoleAdmin))

	mgr := chargepoint.NewManager(chargepoint.Config{
		HeartbeatInterval: 300 * time.Second,
		MinAllocation:     6,
	}, reg, log, chargepoint.Sinks{})
	apiSrv := api.New(api.Config{Version: "test"}, reg, mgr, nil, log, nil)

	srv := NewServer(cfg, reg, mgr, apiSrv, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{srv: srv, mgr: mgr, reg: reg, ts: ts}
}

func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + path
}

func dialCharger(t *testing.T, f *fixture, chargerID string) *gws.Conn {
	t.Helper()
	dialer := gws.Dialer{Subprotocols: []string{"ocpp1.6"}}
	conn, _, err := dialer.Dial(f.wsURL("/"+chargerID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrameOfType reads frames until one of the wanted type arrives. The
// server may interleave its own Calls (post-boot configuration) with
// replies.
func readFrameOfType(t *testing.T, conn *gws.Conn, want ocpp.MessageType) *ocpp.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		frame, err := ocpp.UnmarshalFrame(data)
		require.NoError(t, err)
		if frame.Type == want {
			return frame
		}
	}
	t.Fatalf("no frame of type %d received", want)
	return nil
}

func TestChargerBootOverSocket(t *testing.T) {
	f := newFixture(t, Config{PingTimeout: 60 * time.Second})

	conn := dialCharger(t, f, "CH-1")
	assert.Equal(t, "ocpp1.6", conn.Subprotocol())

	data, err := ocpp.MarshalCall("m1", ocpp.ActionBootNotification, &ocpp.BootNotificationRequest{
		ChargePointVendor: "acme",
		ChargePointModel:  "one",
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, data))

	frame := readFrameOfType(t, conn, ocpp.CallResult)
	var resp ocpp.BootNotificationResponse
	require.NoError(t, ocpp.DecodePayload(frame.Payload, &resp))
	assert.Equal(t, ocpp.RegistrationAccepted, resp.Status)
}

func TestDuplicateConnectionRefused(t *testing.T) {
	f := newFixture(t, Config{PingTimeout: 60 * time.Second})

	dialCharger(t, f, "CH-1")
	require.Eventually(t, func() bool {
		_, ok := f.mgr.Point("CH-1")
		return ok
	}, time.Second, 10*time.Millisecond)

	dialer := gws.Dialer{Subprotocols: []string{"ocpp1.6"}}
	second, _, err := dialer.Dial(f.wsURL("/CH-1"), nil)
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	require.Error(t, err)
	assert.True(t, gws.IsCloseError(err, gws.ClosePolicyViolation), "got %v", err)
}

func TestUnknownChargerRefused(t *testing.T) {
	f := newFixture(t, Config{PingTimeout: 60 * time.Second})

	dialer := gws.Dialer{Subprotocols: []string{"ocpp1.6"}}
	conn, _, err := dialer.Dial(f.wsURL("/GHOST"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, gws.IsCloseError(err, gws.ClosePolicyViolation), "got %v", err)
}

func TestBasicAuthEnforced(t *testing.T) {
	f := newFixture(t, Config{PingTimeout: 60 * time.Second, HTTPAuth: true})

	creds := "Basic " + base64.StdEncoding.EncodeToString([]byte("CH-1:key"))
	require.NoError(t, f.reg.SetChargerAuthSHA("CH-1", model.SHA256Hex(creds)))

	dialer := gws.Dialer{Subprotocols: []string{"ocpp1.6"}}
	_, resp, err := dialer.Dial(f.wsURL("/CH-1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"Authorization": []string{creds}}
	conn, _, err := dialer.Dial(f.wsURL("/CH-1"), header)
	require.NoError(t, err)
	conn.Close()
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, Config{PingTimeout: 60 * time.Second})

	conn := dialCharger(t, f, "CH-1")
	require.Eventually(t, func() bool {
		_, ok := f.mgr.Point("CH-1")
		return ok
	}, time.Second, 10*time.Millisecond)

	f.srv.Disconnect("CH-1")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool {
		_, ok := f.mgr.Point("CH-1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestAPILoginOverSocket(t *testing.T) {
	f := newFixture(t, Config{PingTimeout: 60 * time.Second})

	dialer := gws.Dialer{}
	conn, _, err := dialer.Dial(f.wsURL("/api"), nil)
	require.NoError(t, err)
	defer conn.Close()

	data, err := ocpp.MarshalCall("1", "Login", map[string]string{"token": "adminsecret"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := ocpp.UnmarshalFrame(reply)
	require.NoError(t, err)
	require.Equal(t, ocpp.CallResult, frame.Type)

	var got map[string]interface{}
	require.NoError(t, ocpp.DecodePayload(frame.Payload, &got))
	assert.Equal(t, "Admin", got["user_type"])
}
