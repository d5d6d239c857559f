package model

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// CSV persistence for the registry entities. Formats:
//
//	groups.csv   group_id,parent_id,description,max_allocation
//	chargers.csv charger_id,alias,group_id,no_connectors,priority,description,conn_max,auth_sha
//	tags.csv     id_tag,user_name,parent_id_tag,description,status,priority
//	users.csv    user_id,user_type,description,auth_sha
//	firmware.csv firmware_id,charge_point_vendor,charge_point_model,firmware_version,meter_type,url,upgrade_from_versions

func readCSVRows(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[strings.TrimSpace(col)] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func writeCSVRows(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func intField(row map[string]string, key string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(row[key]))
	return n
}

func intPtrField(row map[string]string, key string) *int {
	s := strings.TrimSpace(row[key])
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

// floatAsInt accepts "32" or "32.0" and returns whole amperes.
func floatAsInt(row map[string]string, key string) int {
	s := strings.TrimSpace(row[key])
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(f)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadGroupsFile reads and applies the groups CSV.
func (r *Registry) LoadGroupsFile(path string) error {
	rows, err := readCSVRows(path)
	if err != nil {
		return err
	}
	recs := make([]GroupRecord, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, GroupRecord{
			ID:            row["group_id"],
			ParentID:      strings.TrimSpace(row["parent_id"]),
			Description:   row["description"],
			MaxAllocation: strings.TrimSpace(row["max_allocation"]),
		})
	}
	return r.LoadGroups(recs)
}

// SaveGroupsFile rewrites the groups CSV from the registry.
func (r *Registry) SaveGroupsFile(path string) error {
	r.mu.RLock()
	var rows [][]string
	for _, g := range r.groups {
		sched := ""
		if g.MaxAllocation != nil {
			sched = g.MaxAllocation.String()
		}
		rows = append(rows, []string{g.ID, g.ParentID, g.Description, sched})
	}
	r.mu.RUnlock()
	sortRows(rows)
	return writeCSVRows(path, []string{"group_id", "parent_id", "description", "max_allocation"}, rows)
}

// LoadChargersFile reads and applies the chargers CSV.
func (r *Registry) LoadChargersFile(path string) error {
	rows, err := readCSVRows(path)
	if err != nil {
		return err
	}
	recs := make([]ChargerRecord, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, ChargerRecord{
			ID:           row["charger_id"],
			Alias:        row["alias"],
			GroupID:      strings.TrimSpace(row["group_id"]),
			NoConnectors: intField(row, "no_connectors"),
			Priority:     intPtrField(row, "priority"),
			Description:  row["description"],
			ConnMax:      floatAsInt(row, "conn_max"),
			AuthSHA:      strings.TrimSpace(row["auth_sha"]),
		})
	}
	return r.LoadChargers(recs)
}

// SaveChargersFile rewrites the chargers CSV, persisting issued auth keys.
func (r *Registry) SaveChargersFile(path string) error {
	r.mu.RLock()
	var rows [][]string
	for _, c := range r.chargers {
		prio := ""
		if c.Priority != nil {
			prio = strconv.Itoa(*c.Priority)
		}
		rows = append(rows, []string{
			c.ID, c.Alias, c.GroupID, strconv.Itoa(len(c.Connectors)),
			prio, c.Description, strconv.Itoa(c.ConnMax), c.AuthSHA,
		})
	}
	r.mu.RUnlock()
	sortRows(rows)
	return writeCSVRows(path,
		[]string{"charger_id", "alias", "group_id", "no_connectors", "priority", "description", "conn_max", "auth_sha"},
		rows)
}

// LoadTagsFile reads and replaces the tag set.
func (r *Registry) LoadTagsFile(path string) error {
	rows, err := readCSVRows(path)
	if err != nil {
		return err
	}
	tags := make([]Tag, 0, len(rows))
	for _, row := range rows {
		tags = append(tags, Tag{
			ID:          row["id_tag"],
			UserName:    row["user_name"],
			ParentID:    strings.TrimSpace(row["parent_id_tag"]),
			Description: row["description"],
			Status:      TagStatus(strings.TrimSpace(row["status"])),
			Priority:    intPtrField(row, "priority"),
		})
	}
	r.ReloadTags(tags)
	return nil
}

// SaveTagsFile rewrites the tags CSV.
func (r *Registry) SaveTagsFile(path string) error {
	r.mu.RLock()
	var rows [][]string
	for _, t := range r.tags {
		prio := ""
		if t.Priority != nil {
			prio = strconv.Itoa(*t.Priority)
		}
		rows = append(rows, []string{t.ID, t.UserName, t.ParentID, t.Description, string(t.Status), prio})
	}
	r.mu.RUnlock()
	sortRows(rows)
	return writeCSVRows(path,
		[]string{"id_tag", "user_name", "parent_id_tag", "description", "status", "priority"}, rows)
}

// LoadUsersFile reads the users CSV.
func (r *Registry) LoadUsersFile(path string) error {
	rows, err := readCSVRows(path)
	if err != nil {
		return err
	}
	users := make([]User, 0, len(rows))
	for _, row := range rows {
		role := Role(strings.TrimSpace(row["user_type"]))
		if !role.Valid() {
			return fmt.Errorf("%w: user %s has unknown role %q", ErrIntegrity, row["user_id"], role)
		}
		users = append(users, User{
			ID:          row["user_id"],
			Role:        role,
			Description: row["description"],
			AuthSHA:     strings.TrimSpace(row["auth_sha"]),
		})
	}
	r.LoadUsers(users)
	return nil
}

// SaveUsersFile rewrites the users CSV.
func (r *Registry) SaveUsersFile(path string) error {
	r.mu.RLock()
	var rows [][]string
	for _, u := range r.users {
		rows = append(rows, []string{u.ID, string(u.Role), u.Description, u.AuthSHA})
	}
	r.mu.RUnlock()
	sortRows(rows)
	return writeCSVRows(path, []string{"user_id", "user_type", "description", "auth_sha"}, rows)
}

// LoadFirmwareFile reads the firmware catalogue. A missing file is not an
// error; firmware rollout is optional.
func (r *Registry) LoadFirmwareFile(path string) error {
	rows, err := readCSVRows(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.log.Warnf("Firmware file %s not found, rollout disabled", path)
			return nil
		}
		return err
	}
	fws := make([]Firmware, 0, len(rows))
	for _, row := range rows {
		fws = append(fws, Firmware{
			ID:                  row["firmware_id"],
			Vendor:              row["charge_point_vendor"],
			Model:               row["charge_point_model"],
			Version:             row["firmware_version"],
			MeterType:           row["meter_type"],
			URL:                 row["url"],
			UpgradeFromVersions: row["upgrade_from_versions"],
		})
	}
	r.LoadFirmware(fws)
	return nil
}

func sortRows(rows [][]string) {
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
}
