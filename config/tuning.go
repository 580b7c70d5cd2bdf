package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"alertrelay/radio"
)

// TuningFileName is the optional YAML file in the data directory.
const TuningFileName = "radio.yaml"

// Tuning holds the radio and relay timing knobs.
type Tuning struct {
	Scan       ScanTuning       `yaml:"scan"`
	Listen     ListenTuning     `yaml:"listen"`
	Connection ConnectionTuning `yaml:"connection"`
	Ingest     IngestTuning     `yaml:"ingest"`
	API        APITuning        `yaml:"api"`
	Layout     radio.Layout     `yaml:"layout"`
}

// ScanTuning bounds one discovery session.
type ScanTuning struct {
	WindowSec int `yaml:"windowSec"`
}

// ListenTuning spaces listen sweeps.
type ListenTuning struct {
	IntervalSec int `yaml:"intervalSec"`
}

// ConnectionTuning holds per-link timeouts and the write size cap.
type ConnectionTuning struct {
	ConnectTimeoutSec    int `yaml:"connectTimeoutSec"`
	WriteTimeoutSec      int `yaml:"writeTimeoutSec"`
	DisconnectTimeoutSec int `yaml:"disconnectTimeoutSec"`
	MaxWriteSize         int `yaml:"maxWriteSize"`
}

// IngestTuning bounds inbound payloads per peer.
type IngestTuning struct {
	RatePerSec float64 `yaml:"ratePerSec"`
	Burst      int     `yaml:"burst"`
}

// APITuning bounds compose requests per client.
type APITuning struct {
	ComposeRequests  int `yaml:"composeRequests"`
	ComposeWindowSec int `yaml:"composeWindowSec"`
}

// LoadTuning returns defaults overlaid by dataDir/radio.yaml (if present),
// the file named by ALERT_RELAY_TUNING (if set) and environment overrides.
func LoadTuning(dataDir string) (*Tuning, error) {
	tuning := DefaultTuning()

	if err := loadTuningFile(tuning, filepath.Join(dataDir, TuningFileName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", TuningFileName, err)
	}

	if path := os.Getenv("ALERT_RELAY_TUNING"); path != "" {
		if err := loadTuningFile(tuning, path); err != nil {
			return nil, fmt.Errorf("load tuning from %s: %w", path, err)
		}
	}

	if err := applyTuningEnvOverrides(tuning); err != nil {
		return nil, err
	}

	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("tuning validation failed: %w", err)
	}
	return tuning, nil
}

// DefaultTuning returns the built-in values.
func DefaultTuning() *Tuning {
	return &Tuning{
		Scan:   ScanTuning{WindowSec: 10},
		Listen: ListenTuning{IntervalSec: 30},
		Connection: ConnectionTuning{
			ConnectTimeoutSec:    15,
			WriteTimeoutSec:      10,
			DisconnectTimeoutSec: 5,
			MaxWriteSize:         0,
		},
		Ingest: IngestTuning{RatePerSec: 5, Burst: 10},
		API:    APITuning{ComposeRequests: 10, ComposeWindowSec: 60},
		Layout: radio.DefaultLayout(),
	}
}

func loadTuningFile(tuning *Tuning, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, tuning)
}

func applyTuningEnvOverrides(tuning *Tuning) error {
	overrides := []struct {
		name string
		dst  *int
	}{
		{"ALERT_RELAY_SCAN_WINDOW_SEC", &tuning.Scan.WindowSec},
		{"ALERT_RELAY_LISTEN_INTERVAL_SEC", &tuning.Listen.IntervalSec},
		{"ALERT_RELAY_CONNECT_TIMEOUT_SEC", &tuning.Connection.ConnectTimeoutSec},
		{"ALERT_RELAY_MAX_WRITE_SIZE", &tuning.Connection.MaxWriteSize},
	}
	for _, o := range overrides {
		raw := os.Getenv(o.name)
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", o.name, raw, err)
		}
		*o.dst = value
	}
	return nil
}

// Validate checks ranges and the characteristic layout.
func (t *Tuning) Validate() error {
	if t.Scan.WindowSec <= 0 || t.Scan.WindowSec > 60 {
		return fmt.Errorf("scan window %d seconds is outside range [1, 60]", t.Scan.WindowSec)
	}
	if t.Listen.IntervalSec < t.Scan.WindowSec {
		return fmt.Errorf("listen interval %d seconds is shorter than the scan window", t.Listen.IntervalSec)
	}
	if t.Connection.ConnectTimeoutSec <= 0 || t.Connection.WriteTimeoutSec <= 0 || t.Connection.DisconnectTimeoutSec <= 0 {
		return errors.New("connection timeouts must be positive")
	}
	if t.Connection.MaxWriteSize < 0 || t.Connection.MaxWriteSize > radio.DefaultMaxWriteSize {
		return fmt.Errorf("max write size %d is outside range [0, %d]", t.Connection.MaxWriteSize, radio.DefaultMaxWriteSize)
	}
	if t.Ingest.RatePerSec <= 0 || t.Ingest.Burst <= 0 {
		return errors.New("ingest rate and burst must be positive")
	}
	if t.API.ComposeRequests <= 0 || t.API.ComposeWindowSec <= 0 {
		return errors.New("api compose limits must be positive")
	}

	for name, value := range map[string]string{
		"service":  t.Layout.Service,
		"inbox":    t.Layout.Inbox,
		"announce": t.Layout.Announce,
	} {
		if _, err := uuid.Parse(value); err != nil {
			return fmt.Errorf("layout %s uuid %q: %w", name, value, err)
		}
	}
	if radio.SameUUID(t.Layout.Inbox, t.Layout.Announce) {
		return errors.New("layout inbox and announce characteristics must differ")
	}
	return nil
}

// ScanWindow returns the discovery window.
func (t *Tuning) ScanWindow() time.Duration {
	return time.Duration(t.Scan.WindowSec) * time.Second
}

// ListenInterval returns the listen sweep interval.
func (t *Tuning) ListenInterval() time.Duration {
	return time.Duration(t.Listen.IntervalSec) * time.Second
}

// ConnectTimeout returns the per-attempt connect timeout.
func (t *Tuning) ConnectTimeout() time.Duration {
	return time.Duration(t.Connection.ConnectTimeoutSec) * time.Second
}

// WriteTimeout returns the per-write timeout.
func (t *Tuning) WriteTimeout() time.Duration {
	return time.Duration(t.Connection.WriteTimeoutSec) * time.Second
}

// DisconnectTimeout returns the disconnect timeout.
func (t *Tuning) DisconnectTimeout() time.Duration {
	return time.Duration(t.Connection.DisconnectTimeoutSec) * time.Second
}

// ComposeWindow returns the API compose rate window.
func (t *Tuning) ComposeWindow() time.Duration {
	return time.Duration(t.API.ComposeWindowSec) * time.Second
}
