package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "balanz.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[host]\n"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host.Addr)
	assert.Equal(t, 9999, cfg.Host.Port)
	assert.Equal(t, 60*time.Second, cfg.Host.PingTimeout)
	assert.False(t, cfg.Host.HTTPAuth)
	assert.Equal(t, 0, cfg.Host.MetricsPort)

	assert.Equal(t, 300*time.Second, cfg.CSMS.HeartbeatInterval)
	assert.Equal(t, 3600*time.Second, cfg.CSMS.TransactionTimeout)

	assert.Equal(t, 5*time.Second, cfg.Balanz.RunInterval)
	assert.Equal(t, 12, cfg.Balanz.IntervalsFull)
	assert.Equal(t, 6, cfg.Balanz.MinAllocation)
	assert.Equal(t, 115*time.Second, cfg.Balanz.MinOfferIncreaseInterval)
	assert.Equal(t, 0.8, cfg.Balanz.MarginLower)
	assert.Equal(t, 1000, cfg.Balanz.EnergyThreshold)
	assert.False(t, cfg.Balanz.SuspendTopOfHour)

	assert.Equal(t, "config/users.csv", cfg.API.UsersCSV)
	assert.Equal(t, "audit_log.txt", cfg.History.AuditFile)
	assert.Empty(t, cfg.History.KafkaBrokers)
	assert.False(t, cfg.TLSEnabled())
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[logging]
root = debug
balanz = info

[host]
addr = 127.0.0.1
port = 8080
http_auth = true
metrics_port = 9100

[balanz]
run_interval = 10
min_allocation = 8
suspend_top_of_hour = true

[history]
kafka_brokers = k1:9092, k2:9092
redis_addr = localhost:6379
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging["root"])
	assert.Equal(t, "info", cfg.Logging["balanz"])
	assert.Equal(t, "127.0.0.1:8080", cfg.GetServerAddr())
	assert.True(t, cfg.Host.HTTPAuth)
	assert.Equal(t, 9100, cfg.Host.MetricsPort)
	assert.Equal(t, 10*time.Second, cfg.Balanz.RunInterval)
	assert.Equal(t, 8, cfg.Balanz.MinAllocation)
	assert.True(t, cfg.Balanz.SuspendTopOfHour)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.History.KafkaBrokers)
	assert.Equal(t, "localhost:6379", cfg.History.RedisAddr)
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(writeConfig(t, "[balanz]\nmin_allocation = 0\n"))
	assert.ErrorContains(t, err, "min_allocation")

	_, err = Load(writeConfig(t, "[balanz]\nintervals_full = -1\n"))
	assert.ErrorContains(t, err, "intervals_full")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.ini"))
	assert.Error(t, err)
}
