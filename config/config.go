package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "alert-relay"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "ALERT_RELAY_DATA_DIR"

	// RadioBackendBlueZ drives a local Bluetooth adapter through BlueZ.
	RadioBackendBlueZ = "bluez"
	// RadioBackendLAN carries the relay profile over TCP with mDNS discovery.
	RadioBackendLAN = "lan"
	// RadioBackendFake is an in-process radio with no peers, for demos.
	RadioBackendFake = "fake"

	// DefaultBluezAdapter is the adapter used when none is configured.
	DefaultBluezAdapter = "hci0"
	// DefaultLANListenAddress lets the OS pick the relay port.
	DefaultLANListenAddress = ":0"
	// DefaultAPIListenAddress keeps the local API on loopback.
	DefaultAPIListenAddress = "127.0.0.1:8087"
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"

	configFileName = "config.json"
	logFileName    = "alert-relay.log"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	RadioBackend     string `json:"radio_backend"`
	BluezAdapter     string `json:"bluez_adapter"`
	LANListenAddress string `json:"lan_listen_address"`
	APIListenAddress string `json:"api_listen_address"`
	LogLevel         string `json:"log_level"`
	LogFile          string `json:"log_file"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If ALERT_RELAY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path and the data directory.
func LoadOrCreate() (*DeviceConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

// ApplyEnvOverrides applies process-level overrides that are never persisted.
func ApplyEnvOverrides(cfg *DeviceConfig) error {
	if backend := os.Getenv("ALERT_RELAY_RADIO"); backend != "" {
		mode := normalizeRadioBackend(backend)
		if mode == "" {
			return fmt.Errorf("invalid ALERT_RELAY_RADIO %q, must be one of: %s, %s, %s", backend, RadioBackendBlueZ, RadioBackendLAN, RadioBackendFake)
		}
		cfg.RadioBackend = mode
	}
	if adapter := os.Getenv("ALERT_RELAY_BLUEZ_ADAPTER"); adapter != "" {
		cfg.BluezAdapter = adapter
	}
	if addr := os.Getenv("ALERT_RELAY_API_ADDR"); addr != "" {
		cfg.APIListenAddress = addr
	}
	if level := os.Getenv("ALERT_RELAY_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	return nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceID:         uuid.NewString(),
		DeviceName:       defaultDeviceName(),
		RadioBackend:     defaultRadioBackend(),
		BluezAdapter:     DefaultBluezAdapter,
		LANListenAddress: DefaultLANListenAddress,
		APIListenAddress: DefaultAPIListenAddress,
		LogLevel:         DefaultLogLevel,
		LogFile:          filepath.Join(dataDir, "logs", logFileName),
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Alert Relay Device"
}

// BlueZ only exists on Linux; elsewhere the LAN transport is the only real radio.
func defaultRadioBackend() string {
	if runtime.GOOS == "linux" {
		return RadioBackendBlueZ
	}
	return RadioBackendLAN
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	backend := normalizeRadioBackend(cfg.RadioBackend)
	if backend == "" {
		backend = defaultRadioBackend()
	}
	if cfg.RadioBackend != backend {
		cfg.RadioBackend = backend
		updated = true
	}

	if cfg.BluezAdapter == "" {
		cfg.BluezAdapter = DefaultBluezAdapter
		updated = true
	}

	if cfg.LANListenAddress == "" {
		cfg.LANListenAddress = DefaultLANListenAddress
		updated = true
	}

	if cfg.APIListenAddress == "" {
		cfg.APIListenAddress = DefaultAPIListenAddress
		updated = true
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(dataDir, "logs", logFileName)
		updated = true
	}

	return updated
}

func normalizeRadioBackend(backend string) string {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case RadioBackendBlueZ:
		return RadioBackendBlueZ
	case RadioBackendLAN:
		return RadioBackendLAN
	case RadioBackendFake:
		return RadioBackendFake
	default:
		return ""
	}
}
