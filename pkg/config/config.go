package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port      int    `yaml:"port"`
	Env       string `yaml:"env"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	UploadBaseDir     string `yaml:"uploadBaseDir"`
	WorkspaceRoot     string `yaml:"workspaceRoot"`
	StatusUpdateURL   string `yaml:"statusUpdateUrl"`
	CompletionURL     string `yaml:"completionUrl"`
	SecretDatasetPath string `yaml:"secretDatasetPath"`

	GradingCommand        []string `yaml:"gradingCommand"`
	GradingTimeoutSeconds int      `yaml:"gradingTimeoutSeconds"`

	MaxConcurrentJobs    int    `yaml:"maxConcurrentJobs"`
	JobQueueSize         int    `yaml:"jobQueueSize"`
	ShutdownMode         string `yaml:"shutdownMode"`
	ShutdownGraceSeconds int    `yaml:"shutdownGraceSeconds"`
	// ShutdownFlushSeconds is how long canceled jobs get to send their
	// completion callback once the grace period is over.
	ShutdownFlushSeconds int    `yaml:"shutdownFlushSeconds"`

	CallbackTimeoutSeconds     int    `yaml:"callbackTimeoutSeconds"`
	CallbackMaxRetries         int    `yaml:"callbackMaxRetries"`
	CallbackBackoffPolicy      string `yaml:"callbackBackoffPolicy"`
	CallbackBackoffBaseSeconds int    `yaml:"callbackBackoffBaseSeconds"`
	CallbackBackoffMaxSeconds  int    `yaml:"callbackBackoffMaxSeconds"`
	CallbackHmacSecret         string `yaml:"callbackHmacSecret"`

	ArchiveMaxEntries int   `yaml:"archiveMaxEntries"`
	ArchiveMaxBytes   int64 `yaml:"archiveMaxBytes"`

	RedisAddr             string `yaml:"redisAddr"`
	RedisPassword         string `yaml:"redisPassword"`
	WorkspaceLeaseSeconds int    `yaml:"workspaceLeaseSeconds"`

	StaleWorkspaceSeconds int `yaml:"staleWorkspaceSeconds"`
	SweepIntervalSeconds  int `yaml:"sweepIntervalSeconds"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Tracing   TracingConfig   `yaml:"tracing"`

	// Profiles overlay the base settings; APP_ENV picks one.
	Profiles map[string]Profile `yaml:"profiles"`
	Profile  string             `yaml:"-"`
}

// Profile holds the settings that differ between deployments of the same grader.
type Profile struct {
	UploadBaseDir     string   `yaml:"uploadBaseDir"`
	WorkspaceRoot     string   `yaml:"workspaceRoot"`
	StatusUpdateURL   string   `yaml:"statusUpdateUrl"`
	CompletionURL     string   `yaml:"completionUrl"`
	SecretDatasetPath string   `yaml:"secretDatasetPath"`
	GradingCommand    []string `yaml:"gradingCommand"`
	RedisAddr         string   `yaml:"redisAddr"`
}

type RateLimitConfig struct {
	Evaluate RateLimitBucketConfig `yaml:"evaluate"`
}

type RateLimitBucketConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	OTLPInsecure bool    `yaml:"otlpInsecure"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

const (
	ShutdownWait    = "wait"
	ShutdownAbandon = "abandon"
)

func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return finish(&c), nil
}

// LoadConfigOptional behaves like LoadConfig but treats an empty path or a
// missing file as an empty document.
func LoadConfigOptional(filePath string) (*Config, error) {
	if strings.TrimSpace(filePath) == "" {
		return finish(&Config{}), nil
	}
	cfg, err := LoadConfig(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(&Config{}), nil
	}
	return cfg, err
}

func finish(c *Config) *Config {
	c.applyProfile(os.Getenv("APP_ENV"))
	c.applyEnv()
	c.applyDefaults()
	log.Printf("Grader Config: {Port:%d Profile:%s Uploads:%s Workspaces:%s Timeout:%ds Jobs:%d Redis:%q}\n",
		c.Port, c.Profile, c.UploadBaseDir, c.WorkspaceRoot, c.GradingTimeoutSeconds, c.MaxConcurrentJobs, c.RedisAddr)
	return c
}

func (c *Config) applyProfile(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "local"
	}
	c.Profile = name
	if c.Env == "" {
		c.Env = name
	}
	p, ok := c.Profiles[name]
	if !ok {
		return
	}
	if p.UploadBaseDir != "" {
		c.UploadBaseDir = p.UploadBaseDir
	}
	if p.WorkspaceRoot != "" {
		c.WorkspaceRoot = p.WorkspaceRoot
	}
	if p.StatusUpdateURL != "" {
		c.StatusUpdateURL = p.StatusUpdateURL
	}
	if p.CompletionURL != "" {
		c.CompletionURL = p.CompletionURL
	}
	if p.SecretDatasetPath != "" {
		c.SecretDatasetPath = p.SecretDatasetPath
	}
	if len(p.GradingCommand) > 0 {
		c.GradingCommand = p.GradingCommand
	}
	if p.RedisAddr != "" {
		c.RedisAddr = p.RedisAddr
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("UPLOAD_BASE_DIR"); v != "" {
		c.UploadBaseDir = v
	}
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		c.WorkspaceRoot = v
	}
	if v := os.Getenv("STATUS_UPDATE_URL"); v != "" {
		c.StatusUpdateURL = v
	}
	if v := os.Getenv("COMPLETION_URL"); v != "" {
		c.CompletionURL = v
	}
	if v := os.Getenv("SECRET_DATASET_PATH"); v != "" {
		c.SecretDatasetPath = v
	}
	if v := os.Getenv("GRADING_COMMAND"); v != "" {
		c.GradingCommand = strings.Fields(v)
	}
	if v := os.Getenv("GRADING_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GradingTimeoutSeconds = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("CALLBACK_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CallbackMaxRetries = n
		}
	}
	if v := os.Getenv("CALLBACK_HMAC_SECRET"); v != "" {
		c.CallbackHmacSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("OTEL_TRACES_ENABLED"); v != "" {
		c.Tracing.Enabled = parseBool(v)
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.UploadBaseDir == "" {
		c.UploadBaseDir = "./uploads"
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = "grading_temp"
	}
	if c.StatusUpdateURL == "" {
		c.StatusUpdateURL = "http://localhost:8080/api/internal/submissions/{submissionId}/running"
	}
	if c.CompletionURL == "" {
		c.CompletionURL = "http://localhost:8080/api/internal/submissions/{submissionId}/complete"
	}
	if len(c.GradingCommand) == 0 {
		c.GradingCommand = []string{"python3", "grading_script.py", "{workspace}"}
	}
	if c.GradingTimeoutSeconds <= 0 {
		c.GradingTimeoutSeconds = 600
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 4
	}
	if c.JobQueueSize <= 0 {
		c.JobQueueSize = 64
	}
	if c.ShutdownMode == "" {
		c.ShutdownMode = ShutdownWait
	}
	if c.ShutdownGraceSeconds <= 0 {
		c.ShutdownGraceSeconds = c.GradingTimeoutSeconds + 30
	}
	if c.CallbackTimeoutSeconds <= 0 {
		c.CallbackTimeoutSeconds = 10
	}
	if c.CallbackMaxRetries < 0 {
		c.CallbackMaxRetries = 0
	}
	if c.ShutdownFlushSeconds <= 0 {
		// every queued job still sends two callbacks after cancellation
		rounds := c.JobQueueSize/c.MaxConcurrentJobs + 1
		c.ShutdownFlushSeconds = rounds * 2 * c.CallbackTimeoutSeconds * (c.CallbackMaxRetries + 1)
	}
	if c.CallbackBackoffPolicy == "" {
		c.CallbackBackoffPolicy = "exp_full_jitter"
	}
	if c.CallbackBackoffBaseSeconds <= 0 {
		c.CallbackBackoffBaseSeconds = 1
	}
	if c.CallbackBackoffMaxSeconds <= 0 {
		c.CallbackBackoffMaxSeconds = 30
	}
	if c.ArchiveMaxEntries <= 0 {
		c.ArchiveMaxEntries = 10000
	}
	if c.ArchiveMaxBytes <= 0 {
		c.ArchiveMaxBytes = 1 << 30
	}
	if c.WorkspaceLeaseSeconds <= 0 {
		c.WorkspaceLeaseSeconds = c.GradingTimeoutSeconds + 120
	}
	if c.StaleWorkspaceSeconds <= 0 {
		c.StaleWorkspaceSeconds = 2 * c.GradingTimeoutSeconds
	}
	if c.SweepIntervalSeconds <= 0 {
		c.SweepIntervalSeconds = 300
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "codegrade"
	}
}

func (c *Config) GradingTimeout() time.Duration {
	return time.Duration(c.GradingTimeoutSeconds) * time.Second
}

func (c *Config) ShutdownFlush() time.Duration {
	return time.Duration(c.ShutdownFlushSeconds) * time.Second
}

func (c *Config) CallbackTimeout() time.Duration {
	return time.Duration(c.CallbackTimeoutSeconds) * time.Second
}

func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.UploadBaseDir) == "" {
		errs = append(errs, "uploadBaseDir is required")
	}
	if strings.TrimSpace(c.WorkspaceRoot) == "" {
		errs = append(errs, "workspaceRoot is required")
	}
	for name, raw := range map[string]string{"statusUpdateUrl": c.StatusUpdateURL, "completionUrl": c.CompletionURL} {
		u, err := url.Parse(strings.ReplaceAll(raw, "{submissionId}", "0"))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, name+" must be a valid http(s) URL")
		}
	}
	if len(c.GradingCommand) == 0 || strings.TrimSpace(c.GradingCommand[0]) == "" {
		errs = append(errs, "gradingCommand is required")
	}
	if c.ShutdownMode != ShutdownWait && c.ShutdownMode != ShutdownAbandon {
		errs = append(errs, "shutdownMode must be \"wait\" or \"abandon\"")
	}
	if c.CallbackMaxRetries < 0 {
		errs = append(errs, "callbackMaxRetries must be >= 0")
	}
	env := strings.ToLower(strings.TrimSpace(c.Env))
	if env == "prod" && strings.TrimSpace(c.CallbackHmacSecret) == "" {
		log.Println("Warning: callbackHmacSecret not set, callbacks are unsigned")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func parseBool(v string) bool {
	v = strings.TrimSpace(strings.ToLower(v))
	return v == "true" || v == "1" || v == "yes" || v == "y" || v == "on"
}
