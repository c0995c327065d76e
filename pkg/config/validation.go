package config

import (
	"fmt"
	"strings"
)

// validate validates the configuration
func validate(cfg *Config) error {
	// Validate RFSS config
	if cfg.RFSS.SystemID > 0xFFF {
		return fmt.Errorf("rfss.system_id must fit in 12 bits")
	}
	if cfg.RFSS.WACN > 0xFFFFF {
		return fmt.Errorf("rfss.wacn must fit in 20 bits")
	}
	if cfg.RFSS.PortRangeStart <= 0 || cfg.RFSS.PortRangeEnd > 65535 || cfg.RFSS.PortRangeStart > cfg.RFSS.PortRangeEnd {
		return fmt.Errorf("rfss port range %d-%d is invalid", cfg.RFSS.PortRangeStart, cfg.RFSS.PortRangeEnd)
	}
	if cfg.RFSS.PortRangeStart%2 != 0 {
		return fmt.Errorf("rfss.port_range_start must be even")
	}
	if cfg.RFSS.MaxPorts < -1 {
		return fmt.Errorf("rfss.max_ports must be -1 (unlimited) or at least 0")
	}

	// Validate PTT timers
	if err := cfg.PTT.Timers().Validate(); err != nil {
		return fmt.Errorf("ptt: %w", err)
	}
	if cfg.PTT.HeartbeatQueryInterval < 0 {
		return fmt.Errorf("ptt.heartbeat_query_interval must not be negative")
	}

	// Validate capture config
	if cfg.Capture.Enabled && cfg.Capture.DBPath == "" {
		return fmt.Errorf("capture.db_path is required when capture is enabled")
	}
	if cfg.Capture.RetentionHours < 0 {
		return fmt.Errorf("capture.retention_hours must not be negative")
	}

	// Validate web config
	if cfg.Web.Enabled {
		if cfg.Web.Port <= 0 || cfg.Web.Port > 65535 {
			return fmt.Errorf("web.port must be between 1 and 65535")
		}
	}

	// Validate logging config
	switch strings.ToLower(cfg.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	// Validate static sessions
	names := make(map[string]bool)
	for i, s := range cfg.Sessions {
		name := s.Name
		if name == "" {
			return fmt.Errorf("session %d: name is required", i)
		}
		if names[name] {
			return fmt.Errorf("session %s: duplicate name", name)
		}
		names[name] = true

		if _, err := s.Policy(); err != nil {
			return fmt.Errorf("session %s: %w", name, err)
		}
		if s.Port < 0 || s.Port > 65535 {
			return fmt.Errorf("session %s: port must be between 0 and 65535", name)
		}
		if s.RemoteHost == "" {
			return fmt.Errorf("session %s: remote_host is required", name)
		}
		if s.RemotePort <= 0 || s.RemotePort > 65535 {
			return fmt.Errorf("session %s: remote_port must be between 1 and 65535", name)
		}
		if s.WaitMs < 0 {
			return fmt.Errorf("session %s: wait_ms must not be negative", name)
		}
	}

	return nil
}
