package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config carries every tunable of the job subsystem. Precedence is
// defaults, then config file, then environment, then flags; Load applies
// the first three and BindFlags lets the command line win.
type Config struct {
	DatabaseURL string
	NodeID      string
	LogLevel    string

	// Worker pool.
	WorkerCount      int           // pool size (WORKER_COUNT)
	DisableWorkers   bool          // run handlers inline at enqueue time
	PollInterval     time.Duration // fallback sweep between wake signals
	LeaseDuration    time.Duration // claim lease; heartbeats renew at a third of this
	ReclaimInterval  time.Duration // expired-lease sweep cadence
	RetryBackoffBase time.Duration // 0 retries immediately
	RetryBackoffMax  time.Duration
	ShutdownTimeout  time.Duration

	// Beat scheduler.
	BeatInterval time.Duration

	// Retention sweeps.
	TaskRetentionDays      int
	ExecutionRetentionDays int

	// Feed preview.
	PreviewTimeout time.Duration

	// Operator HTTP server.
	HTTPAddr       string
	AuthToken      string
	AllowCIDRs     []string
	AuthLimit      int
	AuthWindow     time.Duration
	AuthMaxEntries int
	TLSCert        string
	TLSKey         string
	TLSClientCA    string
}

func defaults() *Config {
	return &Config{
		LogLevel:               "info",
		WorkerCount:            4,
		PollInterval:           time.Second,
		LeaseDuration:          5 * time.Minute,
		ReclaimInterval:        time.Minute,
		RetryBackoffBase:       time.Second,
		RetryBackoffMax:        5 * time.Minute,
		ShutdownTimeout:        30 * time.Second,
		BeatInterval:           15 * time.Second,
		TaskRetentionDays:      30,
		ExecutionRetentionDays: 90,
		PreviewTimeout:         120 * time.Second,
		HTTPAddr:               ":8080",
		AuthLimit:              10,
		AuthWindow:             time.Minute,
		AuthMaxEntries:         1024,
	}
}

// Load builds a Config from defaults, an optional config file, and the
// environment. DATABASE_URL may be empty here; commands that touch the
// database call Validate first.
func Load(args []string) (*Config, error) {
	cfg := defaults()

	path, err := ResolveConfigPath(args)
	if err != nil {
		return nil, err
	}
	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if cfg.NodeID == "" {
		hostname, _ := os.Hostname()
		cfg.NodeID = fmt.Sprintf("yana-%s-%s", hostname, uuid.NewString()[:8])
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto the config. Invalid
// numeric values are errors; invalid durations fall back to the current
// value so a stray setting cannot stall startup.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 {
			return fmt.Errorf("invalid WORKER_COUNT: %q", v)
		}
		c.WorkerCount = n
	}
	if v := os.Getenv("DISABLE_WORKERS"); v != "" {
		c.DisableWorkers = ParseTruthy(v)
	}

	c.PollInterval = durationFromEnv("POLL_INTERVAL", c.PollInterval)
	c.LeaseDuration = durationFromEnv("LEASE_DURATION", c.LeaseDuration)
	c.ReclaimInterval = durationFromEnv("RECLAIM_INTERVAL", c.ReclaimInterval)
	c.RetryBackoffBase = durationFromEnv("RETRY_BACKOFF_BASE", c.RetryBackoffBase)
	c.RetryBackoffMax = durationFromEnv("RETRY_BACKOFF_MAX", c.RetryBackoffMax)
	c.ShutdownTimeout = durationFromEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.BeatInterval = durationFromEnv("BEAT_INTERVAL", c.BeatInterval)
	c.PreviewTimeout = durationFromEnv("PREVIEW_TIMEOUT", c.PreviewTimeout)
	c.AuthWindow = durationFromEnv("AUTH_WINDOW", c.AuthWindow)

	if v := os.Getenv("TASK_RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return fmt.Errorf("invalid TASK_RETENTION_DAYS: %q", v)
		}
		c.TaskRetentionDays = n
	}
	if v := os.Getenv("EXECUTION_RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return fmt.Errorf("invalid EXECUTION_RETENTION_DAYS: %q", v)
		}
		c.ExecutionRetentionDays = n
	}

	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("ALLOW_CIDRS"); v != "" {
		c.AllowCIDRs = splitList(v)
	}
	if v := os.Getenv("AUTH_LIMIT"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 {
			return fmt.Errorf("invalid AUTH_LIMIT: %q", v)
		}
		c.AuthLimit = n
	}
	if v := os.Getenv("TLS_CERT"); v != "" {
		c.TLSCert = v
	}
	if v := os.Getenv("TLS_KEY"); v != "" {
		c.TLSKey = v
	}
	if v := os.Getenv("TLS_CLIENT_CA"); v != "" {
		c.TLSClientCA = v
	}
	return nil
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Database connection string")
	fs.StringVar(&c.NodeID, "node-id", c.NodeID, "Unique node ID used for task claims")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.IntVar(&c.WorkerCount, "workers", c.WorkerCount, "Worker pool size")
	fs.BoolVar(&c.DisableWorkers, "disable-workers", c.DisableWorkers, "Run handlers inline at enqueue time (debug mode)")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Fallback sweep interval for the dispatch loop")
	fs.DurationVar(&c.LeaseDuration, "lease", c.LeaseDuration, "Task claim lease duration")
	fs.DurationVar(&c.ReclaimInterval, "reclaim-interval", c.ReclaimInterval, "Expired-lease reclaim interval")
	fs.DurationVar(&c.RetryBackoffBase, "retry-backoff-base", c.RetryBackoffBase, "Base delay before a failed task is retried (0 retries immediately)")
	fs.DurationVar(&c.RetryBackoffMax, "retry-backoff-max", c.RetryBackoffMax, "Upper bound on the retry delay")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for in-flight tasks on shutdown")
	fs.DurationVar(&c.BeatInterval, "beat-interval", c.BeatInterval, "Schedule sweep interval for the beat loop")
	fs.IntVar(&c.TaskRetentionDays, "task-retention-days", c.TaskRetentionDays, "Terminal tasks older than this are pruned")
	fs.IntVar(&c.ExecutionRetentionDays, "execution-retention-days", c.ExecutionRetentionDays, "Schedule executions older than this are pruned")
	fs.DurationVar(&c.PreviewTimeout, "preview-timeout", c.PreviewTimeout, "Overall deadline for the feed preview ladder")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "Operator HTTP listen address")
	fs.StringVar(&c.AuthToken, "auth-token", c.AuthToken, "Bearer token for the operator API (empty disables)")
	fs.Func("allow-cidrs", "Comma-separated CIDR allowlist for the operator API", func(v string) error {
		c.AllowCIDRs = splitList(v)
		return nil
	})
}

// Validate checks the fields every database-backed command needs.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}
	if c.LeaseDuration < 10*time.Second {
		return fmt.Errorf("lease duration must be at least 10s")
	}
	if c.RetryBackoffMax < c.RetryBackoffBase {
		return fmt.Errorf("retry-backoff-max must be >= retry-backoff-base")
	}
	return nil
}

// ParseTruthy reports whether an environment value means "on".
func ParseTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// durationFromEnv accepts Go duration strings and bare seconds.
func durationFromEnv(name string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
