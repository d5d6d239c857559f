package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the typed view of the INI configuration file. Unknown keys are
// ignored; missing keys take the registered defaults.
type Config struct {
	Logging map[string]string
	Host    HostConfig
	API     APIConfig
	Ext     ExtServerConfig
	CSMS    CSMSConfig
	Balanz  BalanzConfig
	Model   ModelConfig
	History HistoryConfig
}

// HostConfig covers the [host] section: listener, TLS and charger auth.
type HostConfig struct {
	Addr                string
	Port                int
	CertChain           string
	CertKey             string
	PingTimeout         time.Duration
	WatchdogInterval    time.Duration
	WatchdogStale       time.Duration
	HTTPAuth            bool
	HTTPAuthDelay       time.Duration
	HTTPAuthViaProtocol bool // dev-only hack, never enable in production
	MetricsPort         int  // 0 disables the Prometheus endpoint
}

// APIConfig covers the [api] section.
type APIConfig struct {
	UsersCSV string
}

// ExtServerConfig covers the [ext-server] section. LC/proxy forwarding is not
// implemented; a configured server is logged and ignored.
type ExtServerConfig struct {
	Server string
}

// CSMSConfig covers the [csms] section.
type CSMSConfig struct {
	HeartbeatInterval   time.Duration
	TransactionInterval time.Duration
	TransactionTimeout  time.Duration
	AllowConcurrentTag  bool
}

// BalanzConfig covers the [balanz] section: every tunable of the allocator.
type BalanzConfig struct {
	RunInterval                  time.Duration
	IntervalsFull                int
	FirstWait                    time.Duration
	MinAllocation                int
	DefaultMaxAllocation         int
	MaxOfferIncrease             int
	MinOfferIncreaseInterval     time.Duration
	WaitAfterReduce              time.Duration
	MarginLower                  float64
	MarginIncrease               float64
	UsageThreshold               float64
	UsageMonitoringInterval      time.Duration
	SuspendedAllocationTimeout   time.Duration
	SuspendedDelayedTime         time.Duration
	SuspendedDelayedTimeNotFirst time.Duration
	EnergyThreshold              int
	SuspendTopOfHour             bool
}

// ModelConfig covers the [model] section: CSV locations and autoregistration.
type ModelConfig struct {
	GroupsCSV               string
	ChargersCSV             string
	TagsCSV                 string
	FirmwareCSV             string
	ChargerAutoregister     bool
	ChargerAutoregisterGroup string
}

// HistoryConfig covers the [history] section: session CSV, audit log and the
// optional Kafka / Redis sinks.
type HistoryConfig struct {
	SessionCSV   string
	AuditFile    string
	KafkaBrokers []string
	KafkaTopic   string
	RedisAddr    string
	RedisDB      int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host.addr", "0.0.0.0")
	v.SetDefault("host.port", 9999)
	v.SetDefault("host.ping_timeout", 60)
	v.SetDefault("host.watchdog_interval", 60)
	v.SetDefault("host.watchdog_stale", 500)
	v.SetDefault("host.http_auth", false)
	v.SetDefault("host.http_auth_delay", 30)
	v.SetDefault("host.http_auth_via_protocol", false)
	v.SetDefault("host.metrics_port", 0)

	v.SetDefault("api.users_csv", "config/users.csv")

	v.SetDefault("csms.heartbeat_interval", 300)
	v.SetDefault("csms.transaction_interval", 60)
	v.SetDefault("csms.transaction_timeout", 3600)
	v.SetDefault("csms.allow_concurrent_tag", false)

	v.SetDefault("balanz.run_interval", 5)
	v.SetDefault("balanz.intervals_full", 12)
	v.SetDefault("balanz.first_wait", 30)
	v.SetDefault("balanz.min_allocation", 6)
	v.SetDefault("balanz.default_max_allocation", 32)
	v.SetDefault("balanz.max_offer_increase", 3)
	v.SetDefault("balanz.min_offer_increase_interval", 115)
	v.SetDefault("balanz.wait_after_reduce", 5)
	v.SetDefault("balanz.margin_lower", 0.8)
	v.SetDefault("balanz.margin_increase", 1.0)
	v.SetDefault("balanz.usage_threshold", 2.0)
	v.SetDefault("balanz.usage_monitoring_interval", 300)
	v.SetDefault("balanz.suspended_allocation_timeout", 300)
	v.SetDefault("balanz.suspended_delayed_time", 3600)
	v.SetDefault("balanz.suspended_delayed_time_not_first", 10800)
	v.SetDefault("balanz.energy_threshold", 1000)
	v.SetDefault("balanz.suspend_top_of_hour", false)

	v.SetDefault("model.groups_csv", "config/groups.csv")
	v.SetDefault("model.chargers_csv", "config/chargers.csv")
	v.SetDefault("model.tags_csv", "config/tags.csv")
	v.SetDefault("model.firmware_csv", "")
	v.SetDefault("model.charger_autoregister", false)
	v.SetDefault("model.charger_autoregister_group", "")

	v.SetDefault("history.session_csv", "")
	v.SetDefault("history.audit_file", "audit_log.txt")
	v.SetDefault("history.kafka_brokers", "")
	v.SetDefault("history.kafka_topic", "balanz-events")
	v.SetDefault("history.redis_addr", "")
	v.SetDefault("history.redis_db", 0)
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}

// Load reads the INI file at path and returns the typed configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{
		Logging: v.GetStringMapString("logging"),
		Host: HostConfig{
			Addr:                v.GetString("host.addr"),
			Port:                v.GetInt("host.port"),
			CertChain:           v.GetString("host.cert_chain"),
			CertKey:             v.GetString("host.cert_key"),
			PingTimeout:         seconds(v, "host.ping_timeout"),
			WatchdogInterval:    seconds(v, "host.watchdog_interval"),
			WatchdogStale:       seconds(v, "host.watchdog_stale"),
			HTTPAuth:            v.GetBool("host.http_auth"),
			HTTPAuthDelay:       seconds(v, "host.http_auth_delay"),
			HTTPAuthViaProtocol: v.GetBool("host.http_auth_via_protocol"),
			MetricsPort:         v.GetInt("host.metrics_port"),
		},
		API: APIConfig{
			UsersCSV: v.GetString("api.users_csv"),
		},
		Ext: ExtServerConfig{
			Server: v.GetString("ext-server.server"),
		},
		CSMS: CSMSConfig{
			HeartbeatInterval:   seconds(v, "csms.heartbeat_interval"),
			TransactionInterval: seconds(v, "csms.transaction_interval"),
			TransactionTimeout:  seconds(v, "csms.transaction_timeout"),
			AllowConcurrentTag:  v.GetBool("csms.allow_concurrent_tag"),
		},
		Balanz: BalanzConfig{
			RunInterval:                  seconds(v, "balanz.run_interval"),
			IntervalsFull:                v.GetInt("balanz.intervals_full"),
			FirstWait:                    seconds(v, "balanz.first_wait"),
			MinAllocation:                v.GetInt("balanz.min_allocation"),
			DefaultMaxAllocation:         v.GetInt("balanz.default_max_allocation"),
			MaxOfferIncrease:             v.GetInt("balanz.max_offer_increase"),
			MinOfferIncreaseInterval:     seconds(v, "balanz.min_offer_increase_interval"),
			WaitAfterReduce:              seconds(v, "balanz.wait_after_reduce"),
			MarginLower:                  v.GetFloat64("balanz.margin_lower"),
			MarginIncrease:               v.GetFloat64("balanz.margin_increase"),
			UsageThreshold:               v.GetFloat64("balanz.usage_threshold"),
			UsageMonitoringInterval:      seconds(v, "balanz.usage_monitoring_interval"),
			SuspendedAllocationTimeout:   seconds(v, "balanz.suspended_allocation_timeout"),
			SuspendedDelayedTime:         seconds(v, "balanz.suspended_delayed_time"),
			SuspendedDelayedTimeNotFirst: seconds(v, "balanz.suspended_delayed_time_not_first"),
			EnergyThreshold:              v.GetInt("balanz.energy_threshold"),
			SuspendTopOfHour:             v.GetBool("balanz.suspend_top_of_hour"),
		},
		Model: ModelConfig{
			GroupsCSV:                v.GetString("model.groups_csv"),
			ChargersCSV:              v.GetString("model.chargers_csv"),
			TagsCSV:                  v.GetString("model.tags_csv"),
			FirmwareCSV:              v.GetString("model.firmware_csv"),
			ChargerAutoregister:      v.GetBool("model.charger_autoregister"),
			ChargerAutoregisterGroup: v.GetString("model.charger_autoregister_group"),
		},
		History: HistoryConfig{
			SessionCSV:   v.GetString("history.session_csv"),
			AuditFile:    v.GetString("history.audit_file"),
			KafkaBrokers: splitNonEmpty(v.GetString("history.kafka_brokers")),
			KafkaTopic:   v.GetString("history.kafka_topic"),
			RedisAddr:    v.GetString("history.redis_addr"),
			RedisDB:      v.GetInt("history.redis_db"),
		},
	}

	if cfg.Balanz.MinAllocation <= 0 {
		return nil, fmt.Errorf("balanz.min_allocation must be positive, got %d", cfg.Balanz.MinAllocation)
	}
	if cfg.Balanz.IntervalsFull <= 0 {
		return nil, fmt.Errorf("balanz.intervals_full must be positive, got %d", cfg.Balanz.IntervalsFull)
	}
	return cfg, nil
}

// GetServerAddr returns the host:port the OCPP/API server listens on.
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host.Addr, c.Host.Port)
}

// TLSEnabled reports whether both certificate files are configured.
func (c *Config) TLSEnabled() bool {
	return c.Host.CertChain != "" && c.Host.CertKey != ""
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
