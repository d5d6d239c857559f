package api_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/balanz-csms/internal/api"
	"github.com/charging-platform/balanz-csms/internal/chargepoint"
	"github.com/charging-platform/balanz-csms/internal/logger"
	"github.com/charging-platform/balanz-csms/internal/model"
	"github.com/charging-platform/balanz-csms/internal/ocpp"
)

type fakeWaker struct {
	woken int
}

func (f *fakeWaker) Wake() { f.woken++ }

type fixture struct {
	srv   *api.Server
	reg   *model.Registry
	waker *fakeWaker
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	reg := model.NewRegistry(model.Options{DefaultPriority: 1, DefaultConnMax: 32}, log)
	require.NoError(t, reg.LoadGroups([]model.GroupRecord{
		{ID: "SITE", Description: "site root", MaxAllocation: "00:00-23:59>0=48"},
		{ID: "GARAGE", ParentID: "SITE", Description: "garage"},
	}))
	require.NoError(t, reg.AddCharger(model.ChargerRecord{
		ID: "CH-1", Alias: "one", GroupID: "GARAGE", NoConnectors: 1, ConnMax: 32,
	}))
	require.NoError(t, reg.AddTag(model.Tag{ID: "TAG-A", UserName: "alice"}))
	require.NoError(t, reg.AddUser("admin", "secret", "", model.RoleAdmin))
	require.NoError(t, reg.AddUser("viewer", "look", "", model.RoleStatus))
	require.NoError(t, reg.AddUser("ops", "shift", "", model.RoleSessionPriority))

	mgr := chargepoint.NewManager(chargepoint.Config{MinAllocation: 6}, reg, log, chargepoint.Sinks{})
	waker := &fakeWaker{}
	dir := t.TempDir()
	srv := api.New(api.Config{
		Version:     "1.0.0",
		StartTime:   time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		GroupsCSV:   filepath.Join(dir, "groups.csv"),
		ChargersCSV: filepath.Join(dir, "chargers.csv"),
		TagsCSV:     filepath.Join(dir, "tags.csv"),
		UsersCSV:    filepath.Join(dir, "users.csv"),
	}, reg, mgr, waker, log, nil)

	return &fixture{srv: srv, reg: reg, waker: waker, dir: dir}
}

// call sends one command frame and decodes the reply.
func call(t *testing.T, f *fixture, cs *api.ClientSession, command string, payload interface{}) *ocpp.Frame {
	t.Helper()
	data, err := ocpp.MarshalCall("1", ocpp.Action(command), payload)
	require.NoError(t, err)
	reply := f.srv.Handle(context.Background(), cs, data)
	frame, err := ocpp.UnmarshalFrame(reply)
	require.NoError(t, err)
	return frame
}

func login(t *testing.T, f *fixture, token string) *api.ClientSession {
	t.Helper()
	cs := f.srv.NewSession()
	frame := call(t, f, cs, "Login", map[string]string{"token": token})
	require.Equal(t, ocpp.CallResult, frame.Type)
	return cs
}

func resultMap(t *testing.T, frame *ocpp.Frame) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, ocpp.DecodePayload(frame.Payload, &out))
	return out
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	cs := f.srv.NewSession()
	frame := call(t, f, cs, "Login", map[string]string{"token": "adminwrong"})
	assert.Equal(t, ocpp.CallError, frame.Type)
	assert.Equal(t, ocpp.ErrorCode("NotLoggedIn"), frame.ErrorCode)

	frame = call(t, f, cs, "Login", map[string]string{"token": "adminsecret"})
	require.Equal(t, ocpp.CallResult, frame.Type)
	assert.Equal(t, "Admin", resultMap(t, frame)["user_type"])
	assert.Equal(t, "admin", cs.UserID)
}

func TestCommandsRequireLogin(t *testing.T) {
	f := newFixture(t)

	cs := f.srv.NewSession()
	frame := call(t, f, cs, "GetStatus", nil)
	assert.Equal(t, ocpp.CallError, frame.Type)
	assert.Equal(t, ocpp.ErrorCode("NotLoggedIn"), frame.ErrorCode)
}

func TestRoleGating(t *testing.T) {
	f := newFixture(t)
	cs := login(t, f, "viewerlook")

	cases := []struct {
		command string
		allowed bool
	}{
		{"GetStatus", true},
		{"DrawAll", true},
		{"GetChargers", false},
		{"CreateTag", false},
		{"SetBalanzState", false},
		{"DeleteUser", false},
	}
	for _, tc := range cases {
		t.Run(tc.command, func(t *testing.T) {
			frame := call(t, f, cs, tc.command, nil)
			if tc.allowed {
				assert.Equal(t, ocpp.CallResult, frame.Type)
			} else {
				require.Equal(t, ocpp.CallError, frame.Type)
				assert.Equal(t, ocpp.ErrorCode("NotAuthorized"), frame.ErrorCode)
			}
		})
	}
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	cs := login(t, f, "adminsecret")

	got := resultMap(t, call(t, f, cs, "GetStatus", nil))
	assert.Equal(t, "1.0.0", got["version"])
	assert.Equal(t, "2026-03-01 08:00:00", got["starttime"])
	assert.Equal(t, float64(2), got["no_groups"])
	assert.Equal(t, float64(1), got["no_chargers"])
	assert.Equal(t, float64(1), got["no_tags"])
	assert.Equal(t, float64(0), got["no_sessions"])
}

func TestTagLifecycle(t *testing.T) {
	f := newFixture(t)
	cs := login(t, f, "adminsecret")

	frame := call(t, f, cs, "CreateTag", map[string]interface{}{
		"id_tag": "tag-b", "user_name": "bob", "priority": 3,
	})
	require.Equal(t, ocpp.CallResult, frame.Type)

	// Tag ids are normalized to upper case.
	frame = call(t, f, cs, "GetTags", nil)
	require.Equal(t, ocpp.CallResult, frame.Type)
	var tags []map[string]interface{}
	require.NoError(t, ocpp.DecodePayload(frame.Payload, &tags))
	require.Len(t, tags, 2)
	assert.Equal(t, "TAG-B", tags[1]["id_tag"])
	assert.Equal(t, "bob", tags[1]["user_name"])

	// Mutations are persisted to the tags CSV.
	raw, err := os.ReadFile(filepath.Join(f.dir, "tags.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "TAG-B")

	frame = call(t, f, cs, "CreateTag", map[string]interface{}{"id_tag": "TAG-B"})
	require.Equal(t, ocpp.CallError, frame.Type)
	assert.Equal(t, ocpp.ErrorGenericError, frame.ErrorCode)

	frame = call(t, f, cs, "DeleteTag", map[string]interface{}{"id_tag": "TAG-B"})
	require.Equal(t, ocpp.CallResult, frame.Type)
}

func TestSetChargePriority(t *testing.T) {
	f := newFixture(t)
	cs := login(t, f, "opsshift")

	frame := call(t, f, cs, "SetChargePriority", map[string]interface{}{
		"charger_id": "CH-1", "connector_id": 1, "priority": 5,
	})
	require.Equal(t, ocpp.CallError, frame.Type)
	assert.Contains(t, frame.ErrorDescription, "not in transaction")

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, info, err := f.reg.StartTransaction("CH-1", 1, "TAG-A", 0, now)
	require.NoError(t, err)
	require.Equal(t, ocpp.AuthorizationAccepted, info.Status)

	frame = call(t, f, cs, "SetChargePriority", map[string]interface{}{
		"alias": "one", "connector_id": 1, "priority": 5,
	})
	require.Equal(t, ocpp.CallResult, frame.Type)
	assert.Equal(t, 5, f.reg.LiveSessions()[0].Priority)
	assert.Equal(t, 1, f.waker.woken)
}

func TestSetBalanzState(t *testing.T) {
	f := newFixture(t)
	cs := login(t, f, "opsshift")

	frame := call(t, f, cs, "SetBalanzState", map[string]interface{}{
		"group_id": "SITE", "suspend": true,
	})
	require.Equal(t, ocpp.CallResult, frame.Type)
	snap := f.reg.Snapshot(time.Now(), 5*time.Minute)
	assert.True(t, snap.Groups["SITE"].Suspended)

	frame = call(t, f, cs, "SetBalanzState", map[string]interface{}{
		"group_id": "NOPE", "suspend": true,
	})
	require.Equal(t, ocpp.CallError, frame.Type)
	assert.Equal(t, ocpp.ErrorGenericError, frame.ErrorCode)
}

func TestUpdateGroup(t *testing.T) {
	f := newFixture(t)
	cs := login(t, f, "adminsecret")

	frame := call(t, f, cs, "UpdateGroup", map[string]interface{}{
		"group_id": "SITE", "max_allocation": "00:00-23:59>0=32",
	})
	require.Equal(t, ocpp.CallResult, frame.Type)
	snap := f.reg.Snapshot(time.Now(), 5*time.Minute)
	assert.Equal(t, 32, snap.Groups["SITE"].Schedule.MaxCap(time.Now()))
	assert.Equal(t, 1, f.waker.woken)

	raw, err := os.ReadFile(filepath.Join(f.dir, "groups.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "00:00-23:59>0=32")

	frame = call(t, f, cs, "UpdateGroup", map[string]interface{}{
		"group_id": "SITE", "max_allocation": "garbage",
	})
	assert.Equal(t, ocpp.CallError, frame.Type)
}

func TestGetChargersGroupFilter(t *testing.T) {
	f := newFixture(t)
	cs := login(t, f, "adminsecret")

	// GARAGE sits below SITE, so filtering on SITE finds the charger too.
	for _, group := range []string{"GARAGE", "SITE"} {
		frame := call(t, f, cs, "GetChargers", map[string]string{"group_id": group})
		require.Equal(t, ocpp.CallResult, frame.Type)
		var chargers []map[string]interface{}
		require.NoError(t, ocpp.DecodePayload(frame.Payload, &chargers))
		require.Len(t, chargers, 1, "group %s", group)
		assert.Equal(t, "CH-1", chargers[0]["charger_id"])
	}

	frame := call(t, f, cs, "GetChargers", map[string]string{"group_id": "NOPE"})
	require.Equal(t, ocpp.CallResult, frame.Type)
	var none []map[string]interface{}
	require.NoError(t, ocpp.DecodePayload(frame.Payload, &none))
	assert.Empty(t, none)
}

func TestPassThroughRequiresConnection(t *testing.T) {
	f := newFixture(t)
	cs := login(t, f, "adminsecret")

	frame := call(t, f, cs, "Reset", map[string]string{"charger_id": "CH-1", "type": "Soft"})
	require.Equal(t, ocpp.CallError, frame.Type)
	assert.Contains(t, frame.ErrorDescription, "not connected")

	frame = call(t, f, cs, "Reset", map[string]string{"charger_id": "GHOST"})
	require.Equal(t, ocpp.CallError, frame.Type)
	assert.Contains(t, frame.ErrorDescription, "no such charger")
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	cs := login(t, f, "adminsecret")

	frame := call(t, f, cs, "FlipTable", nil)
	require.Equal(t, ocpp.CallError, frame.Type)
	assert.Equal(t, ocpp.ErrorGenericError, frame.ErrorCode)
	assert.Contains(t, frame.ErrorDescription, "FlipTable")
}

func TestMalformedFrame(t *testing.T) {
	f := newFixture(t)
	cs := f.srv.NewSession()

	reply := f.srv.Handle(context.Background(), cs, []byte(`{"not":"an array"}`))
	frame, err := ocpp.UnmarshalFrame(reply)
	require.NoError(t, err)
	assert.Equal(t, ocpp.CallError, frame.Type)
	assert.Equal(t, ocpp.ErrorFormationViolation, frame.ErrorCode)
}

func TestDrawAll(t *testing.T) {
	f := newFixture(t)
	cs := login(t, f, "viewerlook")

	got := resultMap(t, call(t, f, cs, "DrawAll", nil))
	drawing, ok := got["drawing"].(string)
	require.True(t, ok)
	assert.Contains(t, drawing, "Group SITE")
	assert.Contains(t, drawing, "CH-1 (one)/NC")
}

func TestCreateUserAndLogin(t *testing.T) {
	f := newFixture(t)
	cs := login(t, f, "adminsecret")

	frame := call(t, f, cs, "CreateUser", map[string]string{
		"user_id": "night", "password": "owl", "user_type": "Analysis",
	})
	require.Equal(t, ocpp.CallResult, frame.Type)

	fresh := login(t, f, "nightowl")
	assert.Equal(t, model.RoleAnalysis, fresh.Role)

	frame = call(t, f, cs, "CreateUser", map[string]string{
		"user_id": "odd", "password": "pw", "user_type": "Overlord",
	})
	require.Equal(t, ocpp.CallError, frame.Type)
}

func TestReloadChargersClosesOrphans(t *testing.T) {
	f := newFixture(t)
	cs := login(t, f, "adminsecret")

	now := time.Now()
	require.True(t, f.reg.ChargerConnected("CH-1", now))
	f.reg.SetConnectorStatus("CH-1", 1, ocpp.StatusPreparing, now)
	_, info, err := f.reg.StartTransaction("CH-1", 1, "TAG-A", 0, now)
	require.NoError(t, err)
	require.Equal(t, ocpp.AuthorizationAccepted, info.Status)

	// The reloaded CSV no longer lists CH-1.
	csv := "charger_id,alias,group_id,no_connectors,priority,description,conn_max,auth_sha\n" +
		"CH-2,two,GARAGE,1,,,32,\n"
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "chargers.csv"), []byte(csv), 0o644))

	frame := call(t, f, cs, "ReloadChargers", nil)
	require.Equal(t, ocpp.CallResult, frame.Type)

	snap := f.reg.Snapshot(time.Now(), time.Minute)
	assert.NotContains(t, snap.Chargers, "CH-1")
	assert.Contains(t, snap.Chargers, "CH-2")
	assert.Empty(t, f.reg.LiveSessions(), "orphaned transaction closed by the reload")
	assert.Positive(t, f.waker.woken)
}
