// Package config loads ripcord configuration.
//
// Source layering, last writer wins:
//   - compiled defaults
//   - YAML config file (thresholds, services, SSH and reboot settings)
//   - .env file and process environment
//
// vCenter credentials are accepted from the environment only. The YAML file
// never carries them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all settings for a run.
type Config struct {
	// Inventory is the managed-host file.
	Inventory string `yaml:"inventory"`

	Workflow WorkflowConfig `yaml:"workflow"`
	SSH      SSHConfig      `yaml:"ssh"`
	Ifix     IfixConfig     `yaml:"ifix"`
	Report   ReportConfig   `yaml:"report"`
	Log      LogConfig      `yaml:"log"`

	// VCenter comes from the environment only.
	VCenter VCenterConfig `yaml:"-"`

	// EnvOverrides tracks which settings the environment overrode.
	EnvOverrides map[string]bool `yaml:"-"`
}

// WorkflowConfig controls the patch cycle. Delays and timeouts are seconds
// in the file and converted after load.
type WorkflowConfig struct {
	// CheckOnly is parsed strictly: only an explicit false/no/0 arms a real
	// run. See ParseCheckOnly.
	CheckOnly    string   `yaml:"checkOnly"`
	BatchSize    int      `yaml:"batchSize"`
	MinFreeBytes int64    `yaml:"minFreeBytes"`
	Mountpoints  []string `yaml:"mountpoints"`
	Services     []string `yaml:"services"`

	RebootPreDelaySeconds  int `yaml:"rebootPreDelaySeconds"`
	RebootPostDelaySeconds int `yaml:"rebootPostDelaySeconds"`
	RebootTimeoutSeconds   int `yaml:"rebootTimeoutSeconds"`

	RebootPreDelay  time.Duration `yaml:"-"`
	RebootPostDelay time.Duration `yaml:"-"`
	RebootTimeout   time.Duration `yaml:"-"`
}

// SSHConfig controls the remote executor.
type SSHConfig struct {
	User           string `yaml:"user"`
	Port           int    `yaml:"port"`
	KeyPath        string `yaml:"keyPath"`
	KnownHostsPath string `yaml:"knownHostsPath"`

	ConnectTimeoutSeconds int           `yaml:"connectTimeoutSeconds"`
	ConnectTimeout        time.Duration `yaml:"-"`
}

// IfixConfig controls the AIX interim-fix cycle.
type IfixConfig struct {
	RepoURL              string `yaml:"repoURL"`
	StagingDir           string `yaml:"stagingDir"`
	AutoReboot           bool   `yaml:"autoReboot"`
	MaxPagingUsedPercent int    `yaml:"maxPagingUsedPercent"`
}

// ReportConfig controls run reporting.
type ReportConfig struct {
	// HistoryPath enables JSONL run history when set.
	HistoryPath string `yaml:"historyPath"`
	// PushgatewayURL enables a metrics push after the batch when set.
	PushgatewayURL string `yaml:"pushgatewayURL"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// VCenterConfig holds the platform endpoint and credentials.
type VCenterConfig struct {
	Host        string
	User        string
	Password    string
	Fingerprint string
	Insecure    bool
}

var configPaths = []string{
	"/etc/ripcord/ripcord.yml",
	"/etc/ripcord/ripcord.yaml",
	"./ripcord.yml",
	"./ripcord.yaml",
}

// Defaults returns the compiled-in configuration.
func Defaults() *Config {
	return &Config{
		Inventory: "hosts.yaml",
		Workflow: WorkflowConfig{
			BatchSize:       4,
			MinFreeBytes:    1 << 30, // 1 GiB per mount point
			Mountpoints:     []string{"/", "/var"},
			RebootPreDelay:  10 * time.Second,
			RebootPostDelay: 30 * time.Second,
			RebootTimeout:   10 * time.Minute,
		},
		SSH: SSHConfig{
			User:           "root",
			Port:           22,
			ConnectTimeout: 10 * time.Second,
		},
		Ifix: IfixConfig{
			StagingDir: "/var/tmp/ripcord",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		EnvOverrides: make(map[string]bool),
	}
}

// Load builds the configuration. A non-empty path names the config file
// explicitly and must exist; otherwise the default locations are searched and
// all may be absent.
func Load(path string) (*Config, error) {
	// .env first so every env read below sees it. Missing files are fine.
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded environment from .env in current directory")
	}

	cfg := Defaults()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	} else {
		for _, candidate := range configPaths {
			err := cfg.loadFile(candidate)
			if err == nil {
				break
			}
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.applyFileDurations()

	log.Info().Str("file", path).Msg("Loaded configuration file")
	return nil
}

// applyFileDurations converts the second-granularity file fields onto the
// runtime durations, keeping defaults where the file is silent.
func (c *Config) applyFileDurations() {
	if c.Workflow.RebootPreDelaySeconds > 0 {
		c.Workflow.RebootPreDelay = time.Duration(c.Workflow.RebootPreDelaySeconds) * time.Second
	}
	if c.Workflow.RebootPostDelaySeconds > 0 {
		c.Workflow.RebootPostDelay = time.Duration(c.Workflow.RebootPostDelaySeconds) * time.Second
	}
	if c.Workflow.RebootTimeoutSeconds > 0 {
		c.Workflow.RebootTimeout = time.Duration(c.Workflow.RebootTimeoutSeconds) * time.Second
	}
	if c.SSH.ConnectTimeoutSeconds > 0 {
		c.SSH.ConnectTimeout = time.Duration(c.SSH.ConnectTimeoutSeconds) * time.Second
	}
}

// applyEnvOverrides layers the environment over file settings. Each override
// is logged; vCenter credentials are env-only and never logged.
func (c *Config) applyEnvOverrides() {
	if c.EnvOverrides == nil {
		c.EnvOverrides = make(map[string]bool)
	}

	if inventory := os.Getenv("RIPCORD_INVENTORY"); inventory != "" {
		c.Inventory = inventory
		c.EnvOverrides["inventory"] = true
		log.Info().Str("file", inventory).Msg("Inventory path overridden by RIPCORD_INVENTORY")
	}
	if batch := os.Getenv("RIPCORD_BATCH_SIZE"); batch != "" {
		if n, err := strconv.Atoi(batch); err == nil && n > 0 {
			c.Workflow.BatchSize = n
			c.EnvOverrides["batchSize"] = true
			log.Info().Int("batchSize", n).Msg("Batch size overridden by RIPCORD_BATCH_SIZE")
		} else {
			log.Warn().Str("value", batch).Msg("Ignoring invalid RIPCORD_BATCH_SIZE")
		}
	}
	if level := os.Getenv("RIPCORD_LOG_LEVEL"); level != "" {
		c.Log.Level = level
		c.EnvOverrides["logLevel"] = true
	}
	if format := os.Getenv("RIPCORD_LOG_FORMAT"); format != "" {
		c.Log.Format = format
		c.EnvOverrides["logFormat"] = true
	}
	if file := os.Getenv("RIPCORD_LOG_FILE"); file != "" {
		c.Log.File = file
		c.EnvOverrides["logFile"] = true
	}
	if history := os.Getenv("RIPCORD_HISTORY_FILE"); history != "" {
		c.Report.HistoryPath = history
		c.EnvOverrides["historyPath"] = true
	}
	if gateway := os.Getenv("RIPCORD_PUSHGATEWAY_URL"); gateway != "" {
		c.Report.PushgatewayURL = gateway
		c.EnvOverrides["pushgatewayURL"] = true
	}
	if repo := os.Getenv("RIPCORD_IFIX_REPO_URL"); repo != "" {
		c.Ifix.RepoURL = repo
		c.EnvOverrides["ifixRepoURL"] = true
		log.Info().Str("url", repo).Msg("Ifix repository overridden by RIPCORD_IFIX_REPO_URL")
	}
	if user := os.Getenv("RIPCORD_SSH_USER"); user != "" {
		c.SSH.User = user
		c.EnvOverrides["sshUser"] = true
		log.Info().Str("user", user).Msg("SSH user overridden by RIPCORD_SSH_USER")
	}
	if key := os.Getenv("RIPCORD_SSH_KEY"); key != "" {
		c.SSH.KeyPath = key
		c.EnvOverrides["sshKey"] = true
	}

	c.VCenter = VCenterConfig{
		Host:        os.Getenv("RIPCORD_VCENTER_HOST"),
		User:        os.Getenv("RIPCORD_VCENTER_USER"),
		Password:    os.Getenv("RIPCORD_VCENTER_PASSWORD"),
		Fingerprint: os.Getenv("RIPCORD_VCENTER_FINGERPRINT"),
	}
	if insecure := os.Getenv("RIPCORD_VCENTER_INSECURE"); insecure != "" {
		c.VCenter.Insecure = insecure == "true" || insecure == "1"
		if c.VCenter.Insecure {
			log.Warn().Msg("vCenter TLS verification disabled by RIPCORD_VCENTER_INSECURE")
		}
	}
}

// Validate rejects settings no run should start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Inventory) == "" {
		return fmt.Errorf("inventory path must not be empty")
	}
	if c.Workflow.BatchSize < 1 {
		return fmt.Errorf("workflow.batchSize must be at least 1, got %d", c.Workflow.BatchSize)
	}
	if c.Workflow.MinFreeBytes < 0 {
		return fmt.Errorf("workflow.minFreeBytes must not be negative, got %d", c.Workflow.MinFreeBytes)
	}
	if c.Workflow.RebootTimeout <= 0 {
		return fmt.Errorf("workflow.rebootTimeout must be positive, got %s", c.Workflow.RebootTimeout)
	}
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port must be a valid port, got %d", c.SSH.Port)
	}
	if c.Ifix.MaxPagingUsedPercent < 0 || c.Ifix.MaxPagingUsedPercent > 100 {
		return fmt.Errorf("ifix.maxPagingUsedPercent must be within 0-100, got %d", c.Ifix.MaxPagingUsedPercent)
	}
	return nil
}

// RequireVCenter checks that the platform credentials are present. Commands
// that talk to vCenter call this; the ifix cycle does not.
func (c *Config) RequireVCenter() error {
	var missing []string
	if c.VCenter.Host == "" {
		missing = append(missing, "RIPCORD_VCENTER_HOST")
	}
	if c.VCenter.User == "" {
		missing = append(missing, "RIPCORD_VCENTER_USER")
	}
	if c.VCenter.Password == "" {
		missing = append(missing, "RIPCORD_VCENTER_PASSWORD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("vCenter credentials missing from environment: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ParseCheckOnly interprets a check-only setting. Only an explicit
// false/no/0 (case-insensitive) arms a real run. The empty string is the
// default dry-run; anything unrecognized is dry-run with recognized=false so
// callers can warn.
func ParseCheckOnly(raw string) (checkOnly bool, recognized bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "false", "no", "0":
		return false, true
	case "", "true", "yes", "1":
		return true, true
	default:
		return true, false
	}
}
