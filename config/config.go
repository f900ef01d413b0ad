package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go_service_manager/logger"
)

// Defaults applied when the config file omits a value.
const (
	DefaultServiceTTL           = 30 * 24 * time.Hour
	DefaultLayerTTL             = 30 * 24 * time.Hour
	DefaultCMReconnectTimeout   = 10 * time.Second
	DefaultMonitoringPollPeriod = 35 * time.Second
	DefaultMonitoringAvgWindow  = 35 * time.Second
	DefaultServiceAlertPriority = 4
	DefaultSystemAlertPriority  = 3
	DefaultLogMaxPartSize       = 64 * 1024
	DefaultLogMaxPartCount      = 80
	DefaultCertStorage          = "/var/aos/crypt/sm/"
	DefaultMigrationPath        = "/usr/share/aos/servicemanager/migration"
	maxAlertPriorityLevel       = 7
	minAlertPriorityLevel       = 0
	defaultRemoveOutdatedPeriod = 24 * time.Hour
)

// Duration is a time.Duration that unmarshals from JSON strings, accepting
// Go duration syntax plus a "d" suffix for days ("30d").
type Duration struct {
	time.Duration
}

// UnmarshalJSON parses "35s", "10m", "30d" or a bare nanosecond count.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var value interface{}

	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}

	switch v := value.(type) {
	case float64:
		d.Duration = time.Duration(v)
		return nil

	case string:
		parsed, err := parseDuration(v)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil

	default:
		return fmt.Errorf("invalid duration: %s", string(data))
	}
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func parseDuration(value string) (time.Duration, error) {
	if strings.HasSuffix(value, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(value, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %s", value)
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}

	return time.ParseDuration(value)
}

// LauncherConfig configures the instance launcher.
type LauncherConfig struct {
	HostBinds  []string `json:"hostBinds"`
	Hosts      []Host   `json:"hosts"`
	StorageDir string   `json:"storageDir"`
	StateDir   string   `json:"stateDir"`
}

// Host is a static hosts entry added to every instance.
type Host struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
}

// SMClientConfig configures the connection to the communication manager.
type SMClientConfig struct {
	CMServerURL        string   `json:"cmServerUrl"`
	CMReconnectTimeout Duration `json:"cmReconnectTimeout"`
}

// MonitoringConfig configures the resource monitor.
type MonitoringConfig struct {
	PollPeriod    Duration `json:"pollPeriod"`
	AverageWindow Duration `json:"averageWindow"`
}

// LoggingConfig configures log part pagination.
type LoggingConfig struct {
	MaxPartSize  uint64 `json:"maxPartSize"`
	MaxPartCount uint64 `json:"maxPartCount"`
}

// JournalAlertsConfig configures the journal alerts provider.
type JournalAlertsConfig struct {
	Filter               []string `json:"filter"`
	ServiceAlertPriority int      `json:"serviceAlertPriority"`
	SystemAlertPriority  int      `json:"systemAlertPriority"`
}

// MigrationConfig configures database schema migration paths.
type MigrationConfig struct {
	MigrationPath       string `json:"migrationPath"`
	MergedMigrationPath string `json:"mergedMigrationPath"`
}

// Config is the service manager configuration.
type Config struct {
	WorkingDir            string   `json:"workingDir"`
	IAMPublicServerURL    string   `json:"iamPublicServerUrl"`
	IAMProtectedServerURL string   `json:"iamProtectedServerUrl"`
	CertStorage           string   `json:"certStorage"`
	CACert                string   `json:"caCert"`
	NodeConfigFile        string   `json:"nodeConfigFile"`
	ServicesDir           string   `json:"servicesDir"`
	LayersDir             string   `json:"layersDir"`
	DownloadDir           string   `json:"downloadDir"`
	ServicesPartLimit     uint     `json:"servicesPartLimit"`
	LayersPartLimit       uint     `json:"layersPartLimit"`
	ServiceTTL            Duration `json:"serviceTtl"`
	LayerTTL              Duration `json:"layerTtl"`
	RemoveOutdatedPeriod  Duration `json:"removeOutdatedPeriod"`

	Launcher      LauncherConfig      `json:"launcher"`
	SMClient      SMClientConfig      `json:"smClient"`
	Monitoring    MonitoringConfig    `json:"monitoring"`
	Logging       LoggingConfig       `json:"logging"`
	JournalAlerts JournalAlertsConfig `json:"journalAlerts"`
	Migration     MigrationConfig     `json:"migration"`
}

// ParseConfig reads and validates the config file, substituting defaults.
func ParseConfig(fileName string) (*Config, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("error reading configuration: %w", err)
	}

	config := &Config{
		ServiceTTL:  Duration{DefaultServiceTTL},
		LayerTTL:    Duration{DefaultLayerTTL},
		CertStorage: DefaultCertStorage,
		JournalAlerts: JournalAlertsConfig{
			ServiceAlertPriority: DefaultServiceAlertPriority,
			SystemAlertPriority:  DefaultSystemAlertPriority,
		},
	}

	if err = json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}

	if config.WorkingDir == "" {
		return nil, fmt.Errorf("workingDir is required")
	}

	applyDefaults(config)

	return config, nil
}

func applyDefaults(config *Config) {
	workingDir := config.WorkingDir

	if config.NodeConfigFile == "" {
		config.NodeConfigFile = filepath.Join(workingDir, "aos_node.cfg")
	}
	if config.ServicesDir == "" {
		config.ServicesDir = filepath.Join(workingDir, "services")
	}
	if config.LayersDir == "" {
		config.LayersDir = filepath.Join(workingDir, "layers")
	}
	if config.DownloadDir == "" {
		config.DownloadDir = filepath.Join(workingDir, "downloads")
	}
	if config.RemoveOutdatedPeriod.Duration == 0 {
		config.RemoveOutdatedPeriod = Duration{defaultRemoveOutdatedPeriod}
	}

	if config.Launcher.StorageDir == "" {
		config.Launcher.StorageDir = filepath.Join(workingDir, "storages")
	}
	if config.Launcher.StateDir == "" {
		config.Launcher.StateDir = filepath.Join(workingDir, "states")
	}

	if config.SMClient.CMReconnectTimeout.Duration == 0 {
		config.SMClient.CMReconnectTimeout = Duration{DefaultCMReconnectTimeout}
	}

	if config.Monitoring.PollPeriod.Duration == 0 {
		config.Monitoring.PollPeriod = Duration{DefaultMonitoringPollPeriod}
	}
	if config.Monitoring.AverageWindow.Duration == 0 {
		config.Monitoring.AverageWindow = Duration{DefaultMonitoringAvgWindow}
	}

	if config.Logging.MaxPartSize == 0 {
		config.Logging.MaxPartSize = DefaultLogMaxPartSize
	}
	if config.Logging.MaxPartCount == 0 {
		config.Logging.MaxPartCount = DefaultLogMaxPartCount
	}

	config.JournalAlerts.ServiceAlertPriority = clampPriority(
		config.JournalAlerts.ServiceAlertPriority, DefaultServiceAlertPriority, "service")
	config.JournalAlerts.SystemAlertPriority = clampPriority(
		config.JournalAlerts.SystemAlertPriority, DefaultSystemAlertPriority, "system")

	if config.Migration.MigrationPath == "" {
		config.Migration.MigrationPath = DefaultMigrationPath
	}
	if config.Migration.MergedMigrationPath == "" {
		config.Migration.MergedMigrationPath = filepath.Join(workingDir, "mergedMigration")
	}
}

func clampPriority(value, fallback int, kind string) int {
	if value < minAlertPriorityLevel || value > maxAlertPriorityLevel {
		logger.InfoLogger().Printf("Default value is set for %s alert priority: value=%d", kind, fallback)
		return fallback
	}
	return value
}
