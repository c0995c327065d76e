package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dbehnke/issi-ptt/pkg/ptt"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	RFSS     RFSSConfig      `mapstructure:"rfss"`
	PTT      PTTConfig       `mapstructure:"ptt"`
	Sessions []SessionConfig `mapstructure:"sessions"`
	Capture  CaptureConfig   `mapstructure:"capture"`
	Web      WebConfig       `mapstructure:"web"`
	Logging  LoggingConfig   `mapstructure:"logging"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
}

// RFSSConfig identifies the local RFSS and bounds its RTP resources
type RFSSConfig struct {
	WACN           uint32 `mapstructure:"wacn"`
	SystemID       uint16 `mapstructure:"system_id"`
	DomainName     string `mapstructure:"domain_name"`
	Host           string `mapstructure:"host"` // Local address sessions bind to
	PortRangeStart int    `mapstructure:"port_range_start"`
	PortRangeEnd   int    `mapstructure:"port_range_end"`
	MaxPorts       int    `mapstructure:"max_ports"` // -1 for unlimited

	AdvancedResourceManagement bool `mapstructure:"advanced_resource_management"`
}

// PTTConfig holds the protocol timers, all in milliseconds
type PTTConfig struct {
	HeartbeatMs    int  `mapstructure:"heartbeat_ms"`
	MuteProgressMs int  `mapstructure:"mute_progress_ms"`
	RequestMs      int  `mapstructure:"request_ms"`
	UnmuteMs       int  `mapstructure:"unmute_ms"`
	MuteEndLossMs  int  `mapstructure:"mute_end_loss_ms"`
	EndLossMs      int  `mapstructure:"end_loss_ms"`
	FirstPacketMs  int  `mapstructure:"first_packet_ms"`
	WaitTimeoutMs  int  `mapstructure:"wait_timeout_ms"`
	RequestRetries int  `mapstructure:"request_retries"`
	SendDelayMs    int  `mapstructure:"send_delay_ms"`
	TestMode       bool `mapstructure:"test_mode"` // Create sessions as test sessions
	// HeartbeatQueryInterval is how often the daemon sends heartbeat queries, in seconds
	HeartbeatQueryInterval int `mapstructure:"heartbeat_query_interval"`
}

// SessionConfig is one static call leg created at startup
type SessionConfig struct {
	Name         string `mapstructure:"name"`
	Role         string `mapstructure:"role"`      // SMF or MMF
	LinkType     string `mapstructure:"link_type"` // e.g. GROUP_SERVING
	Port         int    `mapstructure:"port"`      // 0 scans the port range
	RemoteHost   string `mapstructure:"remote_host"`
	RemotePort   int    `mapstructure:"remote_port"`
	RemoteDomain string `mapstructure:"remote_domain"`

	// MMF only
	Arbitration string `mapstructure:"arbitration"` // GRANT, DENY, WAIT_THEN_GRANT, WAIT_THEN_DENY
	WaitMs      int    `mapstructure:"wait_ms"`

	// SMF only
	RequestTimeout string `mapstructure:"request_timeout"` // FAIL or TRANSMIT
}

// SessionPolicy is the parsed arbitration and local policy of a session
type SessionPolicy struct {
	Role              ptt.Role
	LinkType          ptt.LinkType
	Arbitration       ptt.ArbitrationPolicy
	Wait              time.Duration
	TransmitOnTimeout bool
}

// CaptureConfig holds packet capture storage configuration
type CaptureConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	DBPath            string `mapstructure:"db_path"`
	RetentionHours    int    `mapstructure:"retention_hours"`     // 0 keeps everything
	StaleSpurtSeconds int    `mapstructure:"stale_spurt_seconds"` // Spurts idle this long are closed
}

// WebConfig holds web dashboard configuration
type WebConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled    bool             `mapstructure:"enabled"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig holds Prometheus metrics configuration
type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	setDefaults()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/issi-ptt")
	}

	// ISSI_RFSS_SYSTEM_ID overrides rfss.system_id
	viper.SetEnvPrefix("ISSI")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is OK, use defaults
		} else if os.IsNotExist(err) {
			// File explicitly specified but doesn't exist - that's also OK
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// RFSS defaults
	viper.SetDefault("rfss.wacn", 0xBEE00)
	viper.SetDefault("rfss.system_id", 0x001)
	viper.SetDefault("rfss.domain_name", "rfss.local")
	viper.SetDefault("rfss.host", "0.0.0.0")
	viper.SetDefault("rfss.port_range_start", 25000)
	viper.SetDefault("rfss.port_range_end", 25200)
	viper.SetDefault("rfss.max_ports", -1)
	viper.SetDefault("rfss.advanced_resource_management", false)

	// PTT timer defaults
	t := ptt.DefaultTimers()
	viper.SetDefault("ptt.heartbeat_ms", t.Heartbeat.Milliseconds())
	viper.SetDefault("ptt.mute_progress_ms", t.MuteProgress.Milliseconds())
	viper.SetDefault("ptt.request_ms", t.Request.Milliseconds())
	viper.SetDefault("ptt.unmute_ms", t.Unmute.Milliseconds())
	viper.SetDefault("ptt.mute_end_loss_ms", t.MuteEndLoss.Milliseconds())
	viper.SetDefault("ptt.end_loss_ms", t.EndLoss.Milliseconds())
	viper.SetDefault("ptt.first_packet_ms", t.FirstPacket.Milliseconds())
	viper.SetDefault("ptt.wait_timeout_ms", t.WaitTimeout.Milliseconds())
	viper.SetDefault("ptt.request_retries", t.RequestRetries)
	viper.SetDefault("ptt.send_delay_ms", t.SendDelay.Milliseconds())
	viper.SetDefault("ptt.test_mode", false)
	viper.SetDefault("ptt.heartbeat_query_interval", 30)

	// Capture defaults
	viper.SetDefault("capture.enabled", true)
	viper.SetDefault("capture.db_path", "data/issi-ptt.db")
	viper.SetDefault("capture.retention_hours", 72)
	viper.SetDefault("capture.stale_spurt_seconds", 30)

	// Web defaults
	viper.SetDefault("web.enabled", true)
	viper.SetDefault("web.host", "0.0.0.0")
	viper.SetDefault("web.port", 8080)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.prometheus.enabled", true)
	viper.SetDefault("metrics.prometheus.port", 9090)
	viper.SetDefault("metrics.prometheus.path", "/metrics")
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Timers converts the ptt section to protocol timers
func (c *PTTConfig) Timers() ptt.Timers {
	return ptt.Timers{
		Heartbeat:      ms(c.HeartbeatMs),
		MuteProgress:   ms(c.MuteProgressMs),
		Request:        ms(c.RequestMs),
		Unmute:         ms(c.UnmuteMs),
		MuteEndLoss:    ms(c.MuteEndLossMs),
		EndLoss:        ms(c.EndLossMs),
		FirstPacket:    ms(c.FirstPacketMs),
		WaitTimeout:    ms(c.WaitTimeoutMs),
		RequestRetries: c.RequestRetries,
		SendDelay:      ms(c.SendDelayMs),
	}
}

// Policy parses the session's role, link type, arbitration and request timeout policy
func (c *SessionConfig) Policy() (SessionPolicy, error) {
	var p SessionPolicy

	switch strings.ToUpper(c.Role) {
	case "SMF":
		p.Role = ptt.RoleSMF
	case "MMF":
		p.Role = ptt.RoleMMF
	default:
		return p, fmt.Errorf("invalid role %q (must be SMF or MMF)", c.Role)
	}

	lt, err := ptt.ParseLinkType(c.LinkType)
	if err != nil {
		return p, err
	}
	p.LinkType = lt

	if p.Arbitration, err = ptt.ParseArbitrationPolicy(c.Arbitration); err != nil {
		return p, err
	}
	p.Wait = ms(c.WaitMs)

	switch strings.ToUpper(c.RequestTimeout) {
	case "", "FAIL":
	case "TRANSMIT":
		p.TransmitOnTimeout = true
	default:
		return p, fmt.Errorf("invalid request_timeout %q (must be FAIL or TRANSMIT)", c.RequestTimeout)
	}
	return p, nil
}
