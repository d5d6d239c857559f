package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadChargersFile(t *testing.T) {
	dir := t.TempDir()
	groups := writeFile(t, dir, "groups.csv",
		"group_id,parent_id,description,max_allocation\n"+
			"Site,,Root,\n"+
			"RR2,Site,Rear row,00:00-23:59>0=24\n")
	chargers := writeFile(t, dir, "chargers.csv",
		"charger_id,alias,group_id,no_connectors,priority,description,conn_max,auth_sha\n"+
			"RR2-01,Bay 1,RR2,2,,Dual socket,32.0,\n"+
			"RR2-02,Bay 2,RR2,1,3,,16,abc123\n")

	r := testRegistry(t, Options{})
	require.NoError(t, r.LoadGroupsFile(groups))
	require.NoError(t, r.LoadChargersFile(chargers))

	snap := r.Snapshot(time.Now(), time.Minute)
	c1 := snap.Chargers["RR2-01"]
	require.NotNil(t, c1)
	assert.Equal(t, "Bay 1", c1.Alias)
	assert.Equal(t, 32, c1.ConnMax, "float conn_max truncated to whole amperes")
	assert.Len(t, c1.Connectors, 2)
	assert.Equal(t, 24, snap.Groups["RR2"].Schedule.MaxCap(time.Now()))

	sha, ok := r.ChargerAuthSHA("RR2-02")
	require.True(t, ok)
	assert.Equal(t, "abc123", sha)
}

func TestChargersFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := seedRegistry(t, Options{})
	require.NoError(t, r.SetChargerAuthSHA("RR2-01", "deadbeef"))

	path := filepath.Join(dir, "chargers.csv")
	require.NoError(t, r.SaveChargersFile(path))

	other := testRegistry(t, Options{})
	require.NoError(t, other.LoadGroups([]GroupRecord{{ID: "Site"}, {ID: "RR2", ParentID: "Site"}}))
	require.NoError(t, other.LoadChargersFile(path))

	sha, ok := other.ChargerAuthSHA("RR2-01")
	require.True(t, ok)
	assert.Equal(t, "deadbeef", sha)
	snap := other.Snapshot(time.Now(), time.Minute)
	assert.Len(t, snap.Chargers["RR2-01"].Connectors, 2)
}

func TestLoadTagsAndUsersFiles(t *testing.T) {
	dir := t.TempDir()
	tags := writeFile(t, dir, "tags.csv",
		"id_tag,user_name,parent_id_tag,description,status,priority\n"+
			"TAG-1,alice,FAM,,Activated,5\n"+
			"TAG-2,bob,,,Blocked,\n")
	users := writeFile(t, dir, "users.csv",
		"user_id,user_type,description,auth_sha\n"+
			"ops,Admin,Operations,"+SHA256Hex("opssecret")+"\n"+
			"view,Status,,"+SHA256Hex("viewpw")+"\n")

	r := testRegistry(t, Options{})
	require.NoError(t, r.LoadTagsFile(tags))
	require.NoError(t, r.LoadUsersFile(users))

	info := r.Authorize("TAG-1")
	require.NotNil(t, info.ParentIdTag)
	assert.Equal(t, "FAM", *info.ParentIdTag)

	_, role, ok := r.CheckAuth("opssecret")
	require.True(t, ok)
	assert.Equal(t, RoleAdmin, role)
	_, role, ok = r.CheckAuth("viewpw")
	require.True(t, ok)
	assert.Equal(t, RoleStatus, role)
}

func TestLoadUsersFileRejectsUnknownRole(t *testing.T) {
	dir := t.TempDir()
	users := writeFile(t, dir, "users.csv",
		"user_id,user_type,description,auth_sha\nops,Root,,abc\n")
	r := testRegistry(t, Options{})
	assert.ErrorIs(t, r.LoadUsersFile(users), ErrIntegrity)
}

func TestFirmwareCatalogue(t *testing.T) {
	dir := t.TempDir()
	fw := writeFile(t, dir, "firmware.csv",
		"firmware_id,charge_point_vendor,charge_point_model,firmware_version,meter_type,url,upgrade_from_versions\n"+
			"fw-2,VendorX,ModelA,2.0,,https://fw.example/2.0.bin,1.0;1.1\n")

	r := testRegistry(t, Options{})
	require.NoError(t, r.LoadFirmwareFile(fw))

	img, ok := r.FirmwareFor("VendorX", "ModelA", "1.1")
	require.True(t, ok)
	assert.Equal(t, "fw-2", img.ID)

	_, ok = r.FirmwareFor("VendorX", "ModelA", "2.0")
	assert.False(t, ok, "already on target version")
	_, ok = r.FirmwareFor("VendorX", "ModelA", "0.9")
	assert.False(t, ok, "not an upgradeable version")

	// Missing file is tolerated.
	require.NoError(t, r.LoadFirmwareFile(filepath.Join(dir, "missing.csv")))
}
