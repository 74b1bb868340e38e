// Package config defines the genq daemon configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mohans/genq/adapter"
	"github.com/mohans/genq/artifact"
	"github.com/mohans/genq/processor"
)

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	LogLevel  string          `yaml:"log_level"`
	Retention time.Duration   `yaml:"retention"`
	Processor ProcessorConfig `yaml:"processor"`
	Services  ServicesConfig  `yaml:"services"`
	Artifacts ArtifactConfig  `yaml:"artifacts"`
	Journal   JournalConfig   `yaml:"journal"`
	Events    EventsConfig    `yaml:"events"`
	Sweep     SweepConfig     `yaml:"sweep"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr"` // listen address, e.g. ":3000"
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds the durable store connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProcessorConfig is shared by every domain processor.
type ProcessorConfig struct {
	DequeueTimeout time.Duration `yaml:"dequeue_timeout"`
	ErrorBackoff   time.Duration `yaml:"error_backoff"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

// Endpoint is one remote operation.
type Endpoint struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Adapter converts e for the adapter clients.
func (e Endpoint) Adapter() adapter.Endpoint {
	return adapter.Endpoint{URL: e.URL, Timeout: e.Timeout}
}

// ServicesConfig locates the external generation services. An empty URL
// leaves the kinds that need it without a pipeline.
type ServicesConfig struct {
	JobSubmit     Endpoint             `yaml:"job_submit"`
	JobPoll       Endpoint             `yaml:"job_poll"`
	JobPolls      processor.PollPolicy `yaml:"job_polls"`
	TTSPreprocess Endpoint             `yaml:"tts_preprocess"`
	TTSInvoke     Endpoint             `yaml:"tts_invoke"`
	Whisper       Endpoint             `yaml:"whisper"`
	VideoSubmit   Endpoint             `yaml:"video_submit"`
	VideoQuery    Endpoint             `yaml:"video_query"`
	VideoPolls    processor.PollPolicy `yaml:"video_polls"`
	// VideoResultRoot prefixes result paths reported by the video service.
	VideoResultRoot string `yaml:"video_result_root"`
	// VideoAudioBaseURL is where the video service fetches synthesized audio.
	VideoAudioBaseURL string `yaml:"video_audio_base_url"`
}

// Artifact backends.
const (
	BackendNone  = "none"
	BackendLocal = "local"
	BackendS3    = "s3"
)

// ArtifactConfig selects where synthesized audio is written and where
// generated videos are read back from.
type ArtifactConfig struct {
	Backend      string            `yaml:"backend"` // none, local or s3
	LocalPath    string            `yaml:"local_path"`
	LocalBaseURL string            `yaml:"local_base_url"`
	S3           artifact.S3Config `yaml:"s3"`
	// VideoDir is the local directory holding files under VideoResultRoot.
	VideoDir string `yaml:"video_dir"`
}

// JournalConfig enables the sqlite lifecycle journal when DSN is set.
type JournalConfig struct {
	DSN string `yaml:"dsn"`
}

// EventsConfig enables NATS lifecycle events when URL is set.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Prefix  string `yaml:"prefix"`
}

// SweepConfig controls the retention sweep.
type SweepConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Queue    string        `yaml:"queue"`
}

// Default returns a config matching the reference docker deployment.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Addr: ":3000", ShutdownTimeout: 10 * time.Second},
		Redis:     RedisConfig{Addr: "redis:6379"},
		LogLevel:  "info",
		Retention: 24 * time.Hour,
		Processor: ProcessorConfig{
			DequeueTimeout: time.Second,
			ErrorBackoff:   5 * time.Second,
			DrainTimeout:   30 * time.Second,
		},
		Services: ServicesConfig{
			JobSubmit:         Endpoint{Timeout: 30 * time.Second},
			JobPoll:           Endpoint{Timeout: 10 * time.Second},
			JobPolls:          processor.PollPolicy{Interval: 2 * time.Second, MaxAttempts: 150, MaxErrors: 5},
			TTSPreprocess:     Endpoint{URL: "http://heygem-tts:8080/v1/preprocess_and_tran", Timeout: time.Minute},
			TTSInvoke:         Endpoint{URL: "http://heygem-tts:8080/v1/invoke", Timeout: 2 * time.Minute},
			Whisper:           Endpoint{URL: "http://heygem-whisper:3001/transcribe", Timeout: 3 * time.Minute},
			VideoSubmit:       Endpoint{URL: "http://heygem-gen-video:8383/easy/submit", Timeout: 30 * time.Second},
			VideoQuery:        Endpoint{URL: "http://heygem-gen-video:8383/easy/query", Timeout: 10 * time.Second},
			VideoPolls:        processor.DefaultPollPolicy(),
			VideoResultRoot:   "/data/heygem_data/face2face/temp",
			VideoAudioBaseURL: "http://nginx-proxy/audios",
		},
		Artifacts: ArtifactConfig{
			Backend:      BackendLocal,
			LocalPath:    "/data/heygem_data/face2face/temp",
			LocalBaseURL: "http://nginx-proxy/audios",
			S3:           artifact.S3Config{Region: "us-east-1"},
			VideoDir:     "/data/heygem_data/face2face/temp",
		},
		Events: EventsConfig{Prefix: "genq.task"},
		Sweep:  SweepConfig{Enabled: true, Interval: 10 * time.Minute, Queue: "maintenance"},
	}
}

// Load reads an optional .env file, then the YAML file at path (skipped
// when path is empty), then applies environment overrides.
func Load(path string) (*Config, error) {
	// Load .env file if it exists (ignore error if file doesn't exist)
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "GENQ_HTTP_ADDR")
	if port := os.Getenv("PORT"); port != "" && os.Getenv("GENQ_HTTP_ADDR") == "" {
		c.Server.Addr = ":" + port
	}
	setString(&c.LogLevel, "GENQ_LOG_LEVEL")

	setString(&c.Redis.Addr, "REDIS_ADDR")
	if host := os.Getenv("REDIS_HOST"); host != "" && os.Getenv("REDIS_ADDR") == "" {
		c.Redis.Addr = host + ":" + getEnv("REDIS_PORT", "6379")
	}
	setString(&c.Redis.Password, "REDIS_PASSWORD")

	setString(&c.Services.JobSubmit.URL, "GENQ_JOB_SUBMIT_URL")
	setString(&c.Services.JobPoll.URL, "GENQ_JOB_POLL_URL")
	setString(&c.Services.TTSPreprocess.URL, "TTS_PREPROCESS_URL")
	setString(&c.Services.TTSInvoke.URL, "TTS_INVOKE_URL")
	setString(&c.Services.Whisper.URL, "WHISPER_URL")
	setString(&c.Services.VideoSubmit.URL, "HEYGEM_SUBMIT_URL")
	setString(&c.Services.VideoQuery.URL, "HEYGEM_QUERY_URL")
	setString(&c.Services.VideoResultRoot, "HEYGEM_RESULT_ROOT")
	setString(&c.Services.VideoAudioBaseURL, "HEYGEM_AUDIO_BASE_URL")

	setString(&c.Artifacts.Backend, "GENQ_ARTIFACT_BACKEND")
	setString(&c.Artifacts.LocalPath, "GENQ_ARTIFACT_DIR")
	setString(&c.Artifacts.LocalBaseURL, "GENQ_ARTIFACT_BASE_URL")
	setString(&c.Artifacts.VideoDir, "GENQ_VIDEO_DIR")
	setString(&c.Artifacts.S3.Bucket, "S3_BUCKET")
	setString(&c.Artifacts.S3.Region, "S3_REGION")
	setString(&c.Artifacts.S3.AccessKeyID, "S3_ACCESS_KEY_ID")
	setString(&c.Artifacts.S3.SecretAccessKey, "S3_SECRET_ACCESS_KEY")
	setString(&c.Artifacts.S3.Endpoint, "S3_ENDPOINT") // optional for MinIO/custom S3
	setString(&c.Artifacts.S3.PublicURL, "S3_PUBLIC_URL")

	setString(&c.Journal.DSN, "GENQ_JOURNAL_DSN")
	setString(&c.Events.NATSURL, "NATS_URL")
	setString(&c.Events.Prefix, "GENQ_EVENTS_PREFIX")

	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	if v := os.Getenv("GENQ_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GENQ_RETENTION: %w", err)
		}
		c.Retention = d
	}
	if v := os.Getenv("GENQ_SWEEP_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GENQ_SWEEP_ENABLED: %w", err)
		}
		c.Sweep.Enabled = b
	}
	return nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be positive, got %s", c.Retention)
	}
	if c.Processor.DequeueTimeout < time.Second {
		// BRPOP timeouts have one second resolution
		return fmt.Errorf("processor.dequeue_timeout must be at least 1s, got %s", c.Processor.DequeueTimeout)
	}
	switch c.Artifacts.Backend {
	case "", BackendNone:
	case BackendLocal:
		if c.Artifacts.LocalPath == "" {
			return errors.New("artifacts.local_path is required for the local backend")
		}
	case BackendS3:
		if c.Artifacts.S3.Bucket == "" {
			return errors.New("artifacts.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("artifacts.backend %q is not one of none, local, s3", c.Artifacts.Backend)
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return errors.New("sweep.interval must be positive when the sweep is enabled")
	}
	return nil
}

// ParseLevel maps a level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log_level %q is not one of debug, info, warn, error", s)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
