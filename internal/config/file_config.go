package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"yana.yaml",
	"yana.yml",
	"yana.toml",
	".yana.yaml",
	".yana.yml",
	".yana.toml",
}

type FileConfig struct {
	DSN      string              `yaml:"dsn" toml:"dsn"`
	LogLevel string              `yaml:"log_level" toml:"log_level"`
	Server   ServerFileConfig    `yaml:"server" toml:"server"`
	Worker   WorkerFileConfig    `yaml:"worker" toml:"worker"`
	Beat     BeatFileConfig      `yaml:"beat" toml:"beat"`
	Preview  PreviewFileConfig   `yaml:"preview" toml:"preview"`
	Retain   RetentionFileConfig `yaml:"retention" toml:"retention"`
}

type WorkerFileConfig struct {
	DSN              string `yaml:"dsn" toml:"dsn"`
	NodeID           string `yaml:"node_id" toml:"node_id"`
	Count            *int   `yaml:"count" toml:"count"`
	Disable          *bool  `yaml:"disable" toml:"disable"`
	PollInterval     string `yaml:"poll_interval" toml:"poll_interval"`
	Lease            string `yaml:"lease" toml:"lease"`
	ReclaimInterval  string `yaml:"reclaim_interval" toml:"reclaim_interval"`
	RetryBackoffBase string `yaml:"retry_backoff_base" toml:"retry_backoff_base"`
	RetryBackoffMax  string `yaml:"retry_backoff_max" toml:"retry_backoff_max"`
	ShutdownTimeout  string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type BeatFileConfig struct {
	DSN      string `yaml:"dsn" toml:"dsn"`
	Interval string `yaml:"interval" toml:"interval"`
}

type PreviewFileConfig struct {
	Timeout string `yaml:"timeout" toml:"timeout"`
}

type RetentionFileConfig struct {
	TaskDays      *int `yaml:"task_days" toml:"task_days"`
	ExecutionDays *int `yaml:"execution_days" toml:"execution_days"`
}

type ServerFileConfig struct {
	Addr           string   `yaml:"addr" toml:"addr"`
	AuthToken      string   `yaml:"auth_token" toml:"auth_token"`
	AllowCIDRs     []string `yaml:"allow_cidrs" toml:"allow_cidrs"`
	AuthLimit      *int     `yaml:"auth_limit" toml:"auth_limit"`
	AuthWindow     string   `yaml:"auth_window" toml:"auth_window"`
	AuthMaxEntries *int     `yaml:"auth_max_entries" toml:"auth_max_entries"`
	TLSCert        string   `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey         string   `yaml:"tls_key" toml:"tls_key"`
	TLSClientCA    string   `yaml:"tls_client_ca" toml:"tls_client_ca"`
}

// ResolveConfigPath finds the config file: the --config flag wins, then
// YANA_CONFIG, then the first default filename present in the working
// directory. Empty means "no config file", which is fine.
func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("YANA_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.DSN != "" {
		cfg.DatabaseURL = fileCfg.DSN
	}
	if fileCfg.LogLevel != "" {
		cfg.LogLevel = fileCfg.LogLevel
	}

	if fileCfg.Worker.DSN != "" {
		cfg.DatabaseURL = fileCfg.Worker.DSN
	}
	if fileCfg.Worker.NodeID != "" {
		cfg.NodeID = fileCfg.Worker.NodeID
	}
	if fileCfg.Worker.Count != nil {
		cfg.WorkerCount = *fileCfg.Worker.Count
	}
	if fileCfg.Worker.Disable != nil {
		cfg.DisableWorkers = *fileCfg.Worker.Disable
	}
	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"worker.poll_interval", fileCfg.Worker.PollInterval, &cfg.PollInterval},
		{"worker.lease", fileCfg.Worker.Lease, &cfg.LeaseDuration},
		{"worker.reclaim_interval", fileCfg.Worker.ReclaimInterval, &cfg.ReclaimInterval},
		{"worker.retry_backoff_base", fileCfg.Worker.RetryBackoffBase, &cfg.RetryBackoffBase},
		{"worker.retry_backoff_max", fileCfg.Worker.RetryBackoffMax, &cfg.RetryBackoffMax},
		{"worker.shutdown_timeout", fileCfg.Worker.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"beat.interval", fileCfg.Beat.Interval, &cfg.BeatInterval},
		{"preview.timeout", fileCfg.Preview.Timeout, &cfg.PreviewTimeout},
		{"server.auth_window", fileCfg.Server.AuthWindow, &cfg.AuthWindow},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := parseDurationField(d.field, d.value)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}

	if fileCfg.Beat.DSN != "" {
		cfg.DatabaseURL = fileCfg.Beat.DSN
	}
	if fileCfg.Retain.TaskDays != nil {
		cfg.TaskRetentionDays = *fileCfg.Retain.TaskDays
	}
	if fileCfg.Retain.ExecutionDays != nil {
		cfg.ExecutionRetentionDays = *fileCfg.Retain.ExecutionDays
	}

	if fileCfg.Server.Addr != "" {
		cfg.HTTPAddr = fileCfg.Server.Addr
	}
	if fileCfg.Server.AuthToken != "" {
		cfg.AuthToken = fileCfg.Server.AuthToken
	}
	if len(fileCfg.Server.AllowCIDRs) > 0 {
		cfg.AllowCIDRs = append([]string{}, fileCfg.Server.AllowCIDRs...)
	}
	if fileCfg.Server.AuthLimit != nil {
		cfg.AuthLimit = *fileCfg.Server.AuthLimit
	}
	if fileCfg.Server.AuthMaxEntries != nil {
		cfg.AuthMaxEntries = *fileCfg.Server.AuthMaxEntries
	}
	if fileCfg.Server.TLSCert != "" {
		cfg.TLSCert = fileCfg.Server.TLSCert
	}
	if fileCfg.Server.TLSKey != "" {
		cfg.TLSKey = fileCfg.Server.TLSKey
	}
	if fileCfg.Server.TLSClientCA != "" {
		cfg.TLSClientCA = fileCfg.Server.TLSClientCA
	}

	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
