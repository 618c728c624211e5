// Package config handles configuration loading, validation, and persistence
// for the fragnet game server, master server and tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir     = "config"
	DefaultConfigFile    = "config.json"
	DefaultServerCfgFile = "server.cfg"
	DefaultGamePort      = 26015
	DefaultMasterPort    = 26000
	DefaultAPIPort       = 5080
	DefaultMasterHost    = "127.0.0.1"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	GameServer   GameServerConfig   `json:"game_server"`
	MasterServer MasterServerConfig `json:"master_server"`
	MasterClient MasterClientConfig `json:"master_client"`
	API          APIConfig          `json:"api"`
	MQTT         MQTTConfig         `json:"mqtt"`
	Logging      LoggingConfig      `json:"logging"`
	Timers       TimerConfig        `json:"timers"`
}

// GameServerConfig configures the game server process.
type GameServerConfig struct {
	BindIP     string `json:"bind_ip"`
	Port       int    `json:"port"`
	MaxClients int    `json:"max_clients"`
	Name       string `json:"name"`
	Mode       int    `json:"mode"`

	// Master registration
	Advertise            bool   `json:"advertise"`
	PublicAddress        string `json:"public_address"`
	MasterHost           string `json:"master_host"`
	MasterPort           int    `json:"master_port"`
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec"`

	SnapshotIntervalMs int `json:"snapshot_interval_ms"`
}

// MasterServerConfig configures the master server process.
type MasterServerConfig struct {
	BindIP              string  `json:"bind_ip"`
	Port                int     `json:"port"`
	MaxServers          int     `json:"max_servers"`
	HeartbeatTimeoutSec int     `json:"heartbeat_timeout_sec"`
	CleanupIntervalSec  int     `json:"cleanup_interval_sec"`
	RateLimit           float64 `json:"rate_limit"`
	RateBurst           int     `json:"rate_burst"`

	// Registry history
	HistoryEnabled       bool   `json:"history_enabled"`
	HistoryPath          string `json:"history_path"`
	HistoryRetentionDays int    `json:"history_retention_days"`
}

// MasterClientConfig configures server list requests.
type MasterClientConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	TimeoutMs  int    `json:"timeout_ms"`
	MaxEntries int    `json:"max_entries"`
}

// APIConfig holds the status API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	BindIP         string   `json:"bind_ip"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	IPWhitelist    []string `json:"ip_whitelist"` // IPs or CIDRs; empty allows all
	RateLimitRPS   int      `json:"rate_limit_rps"`

	// TLS; missing files are replaced by a generated self-signed pair.
	TLSEnabled  bool   `json:"tls_enabled"`
	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// TimerConfig holds the tick loop and periodic task settings.
type TimerConfig struct {
	TickRate              int `json:"tick_rate_hz"`
	LagWarnMs             int `json:"lag_warn_ms"`
	GeneralHealthInterval int `json:"general_health_interval_sec"`
	HistoryPruneInterval  int `json:"history_prune_interval_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GameServer: GameServerConfig{
			BindIP:               "0.0.0.0",
			Port:                 DefaultGamePort,
			MaxClients:           8,
			Name:                 "fragnet server",
			MasterHost:           DefaultMasterHost,
			MasterPort:           DefaultMasterPort,
			HeartbeatIntervalSec: 10,
			SnapshotIntervalMs:   50,
		},
		MasterServer: MasterServerConfig{
			BindIP:               "0.0.0.0",
			Port:                 DefaultMasterPort,
			MaxServers:           128,
			HeartbeatTimeoutSec:  30,
			CleanupIntervalSec:   5,
			RateLimit:            20,
			RateBurst:            40,
			HistoryEnabled:       true,
			HistoryPath:          filepath.Join("data", "history.db"),
			HistoryRetentionDays: 7,
		},
		MasterClient: MasterClientConfig{
			Host:       DefaultMasterHost,
			Port:       DefaultMasterPort,
			TimeoutMs:  1500,
			MaxEntries: 64,
		},
		API: APIConfig{
			Enabled:      true,
			BindIP:       "127.0.0.1",
			Port:         DefaultAPIPort,
			RateLimitRPS: 50,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        1883,
			TopicPrefix: "fragnet",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
		Timers: TimerConfig{
			TickRate:              60,
			LagWarnMs:             100,
			GeneralHealthInterval: 60,
			HistoryPruneInterval:  3600,
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always lists every option.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetGameServer returns a copy of the game server section.
func (c *Config) GetGameServer() GameServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.GameServer
}

// SetGameServer updates the game server section.
func (c *Config) SetGameServer(gs GameServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GameServer = gs
}

// GetMasterServer returns a copy of the master server section.
func (c *Config) GetMasterServer() MasterServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MasterServer
}

// GetMasterClient returns a copy of the master client section.
func (c *Config) GetMasterClient() MasterClientConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MasterClient
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// Dir returns the directory holding config.json and server.cfg.
func (c *Config) Dir() string {
	return filepath.Dir(c.path)
}

// IsFirstRun returns true if the game server has never been named.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.GameServer.Name == "" || c.GameServer.Name == DefaultConfig().GameServer.Name
}

func (g GameServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(g.HeartbeatIntervalSec) * time.Second
}

func (g GameServerConfig) SnapshotInterval() time.Duration {
	return time.Duration(g.SnapshotIntervalMs) * time.Millisecond
}

func (m MasterServerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(m.HeartbeatTimeoutSec) * time.Second
}

func (m MasterServerConfig) CleanupInterval() time.Duration {
	return time.Duration(m.CleanupIntervalSec) * time.Second
}

func (m MasterServerConfig) HistoryRetention() time.Duration {
	return time.Duration(m.HistoryRetentionDays) * 24 * time.Hour
}

func (m MasterClientConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// TickInterval returns the fixed update period for server loops.
func (t TimerConfig) TickInterval() time.Duration {
	if t.TickRate <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(t.TickRate)
}

func (t TimerConfig) LagWarn() time.Duration {
	return time.Duration(t.LagWarnMs) * time.Millisecond
}
