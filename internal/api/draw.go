package api

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charging-platform/balanz-csms/internal/model"
)

// drawAll renders the whole model as indented text, one group per block.
// The output is meant for terminals and the monitoring UI, not parsing.
func drawAll(snap *model.Snapshot, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Groups status as of %s\n", model.TimeStr(now))

	groupIDs := make([]string, 0, len(snap.Groups))
	for id := range snap.Groups {
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)

	for _, gid := range groupIDs {
		drawGroup(&b, snap, snap.Groups[gid], now)
	}
	return b.String()
}

func drawGroup(b *strings.Builder, snap *model.Snapshot, g *model.GroupView, now time.Time) {
	allocation := "-"
	if g.Schedule != nil {
		allocation = fmt.Sprintf("%d A", g.Schedule.MaxCap(now))
	}

	var usage float64
	var offered int
	chargers := make([]*model.ChargerView, 0)
	for _, c := range snap.ChargersSorted() {
		if c.GroupID != g.ID {
			continue
		}
		chargers = append(chargers, c)
		for _, conn := range c.Connectors {
			usage += conn.RollingMax
			offered += conn.Offer
		}
	}

	fmt.Fprintf(b, "Group %s (%s), max_allocation: %s, usage: %.2f, offered: %d A",
		g.ID, g.Description, allocation, usage, offered)
	if g.Suspended {
		b.WriteString(" [suspended]")
	}
	b.WriteString("\n")

	for _, c := range chargers {
		drawCharger(b, c)
	}
}

func drawCharger(b *strings.Builder, c *model.ChargerView) {
	state := "NC"
	if c.Connected {
		state = "C"
	}
	alias := ""
	if c.Alias != "" {
		alias = " (" + c.Alias + ")"
	}
	fmt.Fprintf(b, " |- %s%s/%s, priority: %d, firmware: %s, updated: %s, conn_max: %d A\n",
		c.ID, alias, state, c.Priority, c.FirmwareVersion, model.TimeStr(c.LastSeen), c.ConnMax)

	for _, conn := range c.Connectors {
		drawConnector(b, conn)
	}
}

func drawConnector(b *strings.Builder, conn *model.ConnectorView) {
	fmt.Fprintf(b, " |  > %d: status: %s, offer: %d A", conn.ID, conn.Status, conn.Offer)
	if conn.TransactionID != 0 {
		fmt.Fprintf(b, ", pri: %d, usage: %.1f, tx: %d, start: %s, energy: %.0f Wh",
			conn.Priority, conn.RollingMax, conn.TransactionID,
			model.TimeStr(conn.SessionStart), conn.EnergyWh)
		if conn.Plateau != 0 {
			fmt.Fprintf(b, ", max_ev: %d", conn.Plateau)
		}
		if !conn.SuspendUntil.IsZero() {
			fmt.Fprintf(b, ", suspend_until: %s", model.TimeStr(conn.SuspendUntil))
		}
	}
	b.WriteString("\n")
}
