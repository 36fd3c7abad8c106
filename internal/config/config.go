package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/runningpoem30/videoTranscoding/pkg/models"
)

// Config holds all configuration for the pipeline binaries. Each binary
// reads only the sections it needs.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Storage    StorageConfig
	Queue      QueueConfig
	Transcoder TranscoderConfig
	Run        RunConfig
	Dispatcher DispatcherConfig
	Launcher   LauncherConfig
	Bridge     BridgeConfig
	Auth       AuthConfig
	Logging    LoggingConfig
	Metrics    MetricsConfig
	Tracing    TracingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int
	RateLimitBurst  int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration. An empty Host disables run status
// tracking.
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	StatusTTL time.Duration
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UploadBucket    string
	Region          string
	UseSSL          bool
	PresignExpiry   time.Duration

	// Sources larger than DownloadPartSize are fetched with
	// DownloadParallel concurrent range requests.
	DownloadPartSize int64
	DownloadParallel int
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	Vhost      string
	MaxRetries int
	RetryDelay time.Duration
}

// URL returns the AMQP connection URL.
func (c QueueConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", c.User, c.Password, c.Host, c.Port, c.Vhost)
}

// TranscoderConfig holds encoder configuration
type TranscoderConfig struct {
	FFmpegPath      string
	FFprobePath     string
	Preset          string
	SegmentSeconds  int
	ScratchDir      string
	UploadParallel  int
	StagedPublish   bool
	StderrTailLines int
	Ladder          models.Ladder
}

// RunConfig carries the worker's run invocation parameters.
type RunConfig struct {
	SourceBucket string
	SourceKey    string
	DestBucket   string
}

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	DestBucket string
}

// LauncherConfig selects and configures the run scheduler.
type LauncherConfig struct {
	Backend        string // ecs, process
	Cluster        string
	TaskDefinition string
	ContainerName  string
	Subnets        []string
	SecurityGroups []string
	Region         string
	WorkerPath     string
	MaxConcurrent  int
}

// BridgeConfig holds notification bridge configuration
type BridgeConfig struct {
	AuthToken string
}

// AuthConfig holds bearer token configuration
type AuthConfig struct {
	JWTSecret string
}

// LoggingConfig mirrors logging.Config
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// MetricsConfig holds metrics configuration. The worker pushes to
// PushgatewayURL when set; long-running binaries serve on Port.
type MetricsConfig struct {
	Port           int
	PushgatewayURL string
}

// TracingConfig holds tracing configuration. An empty endpoint disables
// span reporting.
type TracingConfig struct {
	ServiceName       string
	CollectorEndpoint string
}

// Load reads configuration from an optional file, a .env file if present,
// and environment variables. Environment keys are the upper-cased config
// keys with dots replaced by underscores (storage.endpoint -> STORAGE_ENDPOINT).
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindRunEnv(v); err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(config.Transcoder.Ladder) == 0 {
		config.Transcoder.Ladder = models.DefaultLadder()
	}

	return &config, nil
}

// bindRunEnv maps the worker's invocation environment onto run.* keys.
func bindRunEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"run.sourceBucket": models.EnvSourceBucket,
		"run.sourceKey":    models.EnvSourceKey,
		"run.destBucket":   models.EnvDestBucket,
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("server.rateLimitRPS", 5)
	v.SetDefault("server.rateLimitBurst", 10)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "streams")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// Redis defaults
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.statusTTL", "24h")

	// Storage defaults
	v.SetDefault("storage.endpoint", "s3.amazonaws.com")
	v.SetDefault("storage.accessKeyID", "")
	v.SetDefault("storage.secretAccessKey", "")
	v.SetDefault("storage.uploadBucket", "zylar-raw-videos")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", true)
	v.SetDefault("storage.presignExpiry", "1h")
	v.SetDefault("storage.downloadPartSize", 16*1024*1024)
	v.SetDefault("storage.downloadParallel", 4)

	// Queue defaults
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")
	v.SetDefault("queue.maxRetries", 5)
	v.SetDefault("queue.retryDelay", "1m")

	// Transcoder defaults
	v.SetDefault("transcoder.ffmpegPath", "ffmpeg")
	v.SetDefault("transcoder.ffprobePath", "ffprobe")
	v.SetDefault("transcoder.preset", "veryfast")
	v.SetDefault("transcoder.segmentSeconds", 10)
	v.SetDefault("transcoder.scratchDir", os.TempDir())
	v.SetDefault("transcoder.uploadParallel", 8)
	v.SetDefault("transcoder.stagedPublish", true)
	v.SetDefault("transcoder.stderrTailLines", 40)

	// Run parameters have no defaults; the worker fails fast without them.
	v.SetDefault("run.sourceBucket", "")
	v.SetDefault("run.sourceKey", "")
	v.SetDefault("run.destBucket", "")

	v.SetDefault("dispatcher.destBucket", "zylar-processed-videos")

	// Launcher defaults
	v.SetDefault("launcher.backend", "ecs")
	v.SetDefault("launcher.cluster", "")
	v.SetDefault("launcher.taskDefinition", "zylar-transcoder")
	v.SetDefault("launcher.containerName", "zylar-transcoder")
	v.SetDefault("launcher.subnets", []string{})
	v.SetDefault("launcher.securityGroups", []string{})
	v.SetDefault("launcher.region", "")
	v.SetDefault("launcher.workerPath", "worker")
	v.SetDefault("launcher.maxConcurrent", 2)

	v.SetDefault("bridge.authToken", "")
	v.SetDefault("auth.jwtSecret", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.pushgatewayURL", "")

	v.SetDefault("tracing.serviceName", "transcoding-pipeline")
	v.SetDefault("tracing.collectorEndpoint", "")
}
