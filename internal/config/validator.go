package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateGameServer(&cfg.GameServer, result)
	validateMasterServer(&cfg.MasterServer, result)
	validateMasterClient(&cfg.MasterClient, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)
	validateTimers(&cfg.Timers, result)

	return result
}

func validateGameServer(gs *GameServerConfig, result *ValidationResult) {
	validatePort(gs.Port, "game_server.port", result)
	validateIP(gs.BindIP, "game_server.bind_ip", result)

	if gs.MaxClients < 1 || gs.MaxClients > 255 {
		result.AddError("game_server.max_clients", "must be between 1 and 255")
	}
	if strings.TrimSpace(gs.Name) == "" {
		result.AddWarning("game_server.name", "empty server name, a default will be used")
	}
	if gs.Mode < 0 || gs.Mode > 255 {
		result.AddError("game_server.mode", "mode must fit in one byte")
	}
	if gs.SnapshotIntervalMs < 10 {
		result.AddWarning("game_server.snapshot_interval_ms",
			"snapshot interval below 10ms may saturate client links")
	}

	if !gs.Advertise {
		return
	}
	if strings.TrimSpace(gs.MasterHost) == "" {
		result.AddError("game_server.master_host", "master host is required when advertising")
	}
	validatePort(gs.MasterPort, "game_server.master_port", result)
	if gs.HeartbeatIntervalSec < 1 {
		result.AddError("game_server.heartbeat_interval_sec", "heartbeat interval must be at least 1s")
	}
}

func validateMasterServer(ms *MasterServerConfig, result *ValidationResult) {
	validatePort(ms.Port, "master_server.port", result)
	validateIP(ms.BindIP, "master_server.bind_ip", result)

	if ms.MaxServers < 1 {
		result.AddError("master_server.max_servers", "must allow at least 1 server")
	}
	if ms.MaxServers > 4096 {
		result.AddWarning("master_server.max_servers",
			fmt.Sprintf("high capacity (%d): list responses carry at most 255 entries", ms.MaxServers))
	}
	if ms.HeartbeatTimeoutSec < 1 {
		result.AddError("master_server.heartbeat_timeout_sec", "heartbeat timeout must be at least 1s")
	}
	if ms.CleanupIntervalSec < 1 {
		result.AddError("master_server.cleanup_interval_sec", "cleanup interval must be at least 1s")
	}
	if ms.CleanupIntervalSec > ms.HeartbeatTimeoutSec {
		result.AddWarning("master_server.cleanup_interval_sec",
			"cleanup interval longer than heartbeat timeout delays expiry")
	}
	if ms.RateLimit <= 0 {
		result.AddWarning("master_server.rate_limit",
			"rate limiting is disabled, this may expose the master to floods")
	}
	if ms.HistoryEnabled && strings.TrimSpace(ms.HistoryPath) == "" {
		result.AddError("master_server.history_path", "history path is required when history is enabled")
	}
}

func validateMasterClient(mc *MasterClientConfig, result *ValidationResult) {
	if strings.TrimSpace(mc.Host) == "" {
		result.AddError("master_client.host", "master host is required")
	}
	validatePort(mc.Port, "master_client.port", result)
	if mc.TimeoutMs < 100 {
		result.AddWarning("master_client.timeout_ms", "timeout below 100ms will usually fall back")
	}
}

func validateAPI(api *APIConfig, result *ValidationResult) {
	if !api.Enabled {
		return
	}
	validatePort(api.Port, "api.port", result)
	if api.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	if api.TLSEnabled && (strings.TrimSpace(api.TLSCertFile) == "" || strings.TrimSpace(api.TLSKeyFile) == "") {
		result.AddError("api.tls_cert_file", "certificate and key paths are required when TLS is enabled")
	}
	for _, entry := range api.IPWhitelist {
		if _, _, err := net.ParseCIDR(entry); err == nil {
			continue
		}
		if net.ParseIP(entry) == nil {
			result.AddError("api.ip_whitelist", fmt.Sprintf("invalid IP or CIDR: %s", entry))
		}
	}
}

func validateMQTT(mq *MQTTConfig, result *ValidationResult) {
	if !mq.Enabled {
		return
	}
	if strings.TrimSpace(mq.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if mq.Port < 1 || mq.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.TickRate < 1 || timers.TickRate > 1000 {
		result.AddError("timers.tick_rate_hz", "tick rate must be between 1 and 1000")
	}
	if timers.GeneralHealthInterval < 10 {
		result.AddWarning("timers.general_health_interval_sec",
			"health interval less than 10s may cause excessive logging")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 0 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 0-65535)", port))
		return
	}
	if port > 0 && port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

func validateIP(ip, field string, result *ValidationResult) {
	if ip == "" {
		return
	}
	if net.ParseIP(ip) == nil {
		result.AddError(field, fmt.Sprintf("invalid IP address: %s", ip))
	}
}

// IsPortAvailable checks if a UDP port is available for binding.
func IsPortAvailable(port int) bool {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
