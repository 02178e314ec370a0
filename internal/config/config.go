package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/livekit/protocol/livekit"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// ErrMissing is returned when a required setting is empty.
var ErrMissing = errors.New("required setting missing")

// Config holds the configuration for the worker
type Config struct {
	// LiveKit configuration
	LiveKitURL         string
	LiveKitAPIKey      string
	LiveKitAPISecret   string
	AgentName          string
	Namespace          string
	JobType            livekit.JobType
	DrainTimeout       time.Duration
	MaxConcurrentJobs  int
	LogLevel           string
	PProfAddr          string
	LoadUpdateInterval time.Duration
	JobTimeout         time.Duration

	// Feed configuration
	FeedRetention   int
	LossyTopics     []string
	MetricsAddr     string
	RedisAddr       string
	FeedTopicPrefix string
}

// Load loads configuration from .env, environment variables and args, in
// that order of increasing precedence.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	// Set defaults
	cfg.JobType = livekit.JobType_JT_ROOM
	cfg.DrainTimeout = 30 * time.Second
	cfg.MaxConcurrentJobs = 8
	cfg.LogLevel = "info"
	cfg.LoadUpdateInterval = 5 * time.Second
	cfg.JobTimeout = 2 * time.Hour
	cfg.FeedTopicPrefix = "feed"

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "failed to load .env file")
		}
	}

	// Load from environment
	cfg.LiveKitURL = getEnv("LIVEKIT_URL", "")
	cfg.LiveKitAPIKey = getEnv("LIVEKIT_API_KEY", "")
	cfg.LiveKitAPISecret = getEnv("LIVEKIT_API_SECRET", "")
	cfg.AgentName = getEnv("LK_AGENT_NAME", "")
	cfg.Namespace = getEnv("LK_NAMESPACE", "")
	cfg.PProfAddr = getEnv("LK_PPROF_ADDR", "")
	cfg.LogLevel = getEnv("LK_LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsAddr = getEnv("FEED_METRICS_ADDR", "")
	cfg.RedisAddr = getEnv("FEED_REDIS_ADDR", "")
	cfg.FeedTopicPrefix = getEnv("FEED_TOPIC_PREFIX", cfg.FeedTopicPrefix)
	cfg.LossyTopics = splitList(getEnv("FEED_LOSSY_TOPICS", ""))

	jobType := getEnv("LK_JOB_TYPE", "")
	cfg.DrainTimeout = getDuration("LK_DRAIN_TIMEOUT", cfg.DrainTimeout)
	cfg.LoadUpdateInterval = getDuration("LK_LOAD_UPDATE_INTERVAL", cfg.LoadUpdateInterval)
	cfg.JobTimeout = getDuration("LK_JOB_TIMEOUT", cfg.JobTimeout)
	cfg.MaxConcurrentJobs = getPositiveInt("LK_MAX_CONCURRENT_JOBS", cfg.MaxConcurrentJobs)
	if n, err := strconv.Atoi(getEnv("FEED_RETENTION", "")); err == nil && n >= 0 {
		cfg.FeedRetention = n
	}

	// Override with flags
	fs := pflag.NewFlagSet("coralie-feed-worker", pflag.ContinueOnError)
	fs.StringVar(&cfg.LiveKitURL, "url", cfg.LiveKitURL, "LiveKit server URL")
	fs.StringVar(&cfg.LiveKitAPIKey, "api-key", cfg.LiveKitAPIKey, "LiveKit API key")
	fs.StringVar(&cfg.LiveKitAPISecret, "api-secret", cfg.LiveKitAPISecret, "LiveKit API secret")
	fs.StringVar(&cfg.AgentName, "agent-name", cfg.AgentName, "Agent name")
	fs.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "Namespace")
	fs.StringVar(&jobType, "job-type", jobType, "Job type (JT_ROOM or JT_PUBLISHER)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.StringVar(&cfg.PProfAddr, "pprof-addr", cfg.PProfAddr, "pprof HTTP server address")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "Drain timeout")
	fs.IntVar(&cfg.MaxConcurrentJobs, "max-jobs", cfg.MaxConcurrentJobs, "Maximum concurrent jobs")
	fs.DurationVar(&cfg.JobTimeout, "job-timeout", cfg.JobTimeout, "Maximum time a job can run")
	fs.IntVar(&cfg.FeedRetention, "feed-retention", cfg.FeedRetention, "Data messages kept per room (0 = unbounded)")
	fs.StringSliceVar(&cfg.LossyTopics, "lossy-topics", cfg.LossyTopics, "Data topics published lossy")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics address")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for feed export (empty = in-process)")
	fs.StringVar(&cfg.FeedTopicPrefix, "topic-prefix", cfg.FeedTopicPrefix, "Feed export topic prefix")
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}

	if jobType != "" {
		switch jobType {
		case "JT_ROOM":
			cfg.JobType = livekit.JobType_JT_ROOM
		case "JT_PUBLISHER":
			cfg.JobType = livekit.JobType_JT_PUBLISHER
		default:
			return nil, errors.Errorf("invalid job type: %s (must be JT_ROOM or JT_PUBLISHER)", jobType)
		}
	}

	// Validate required fields
	if cfg.LiveKitURL == "" {
		return nil, errors.Wrap(ErrMissing, "LIVEKIT_URL")
	}
	if cfg.LiveKitAPIKey == "" {
		return nil, errors.Wrap(ErrMissing, "LIVEKIT_API_KEY")
	}
	if cfg.LiveKitAPISecret == "" {
		return nil, errors.Wrap(ErrMissing, "LIVEKIT_API_SECRET")
	}
	if cfg.FeedRetention < 0 {
		return nil, errors.Errorf("invalid feed retention: %d", cfg.FeedRetention)
	}
	if cfg.MaxConcurrentJobs <= 0 {
		return nil, errors.Errorf("invalid max concurrent jobs: %d (must be > 0)", cfg.MaxConcurrentJobs)
	}
	if cfg.LoadUpdateInterval <= 0 {
		return nil, errors.Errorf("invalid load update interval: %s (must be > 0)", cfg.LoadUpdateInterval)
	}
	if cfg.JobTimeout <= 0 {
		return nil, errors.Errorf("invalid job timeout: %s (must be > 0)", cfg.JobTimeout)
	}
	if cfg.DrainTimeout < 0 {
		return nil, errors.Errorf("invalid drain timeout: %s", cfg.DrainTimeout)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return d
	}
	return defaultValue
}

func getPositiveInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(getEnv(key, "")); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
