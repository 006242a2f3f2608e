package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"trackingest/model"
)

// Blob backends.
const (
	BlobFS     = "fs"
	BlobMinio  = "minio"
	BlobS3     = "s3"
	BlobMemory = "memory"
)

// Metadata backends.
const (
	MetadataMemory   = "memory"
	MetadataMySQL    = "mysql"
	MetadataSQLite   = "sqlite"
	MetadataPostgres = "postgres"
)

// Job status backends.
const (
	JobsMemory = "memory"
	JobsRedis  = "redis"
)

// Config stores the application configuration. Values come from an optional
// TOML file first, then from the environment (a .env file is honored).
type Config struct {
	// Pipeline
	WaveformResolution   int      `toml:"waveform_resolution"`
	TranscodeBitrateKbps int      `toml:"transcode_bitrate_kbps"`
	MaxTitleLength       int      `toml:"max_title_length"`
	MaxUploadBytes       int64    `toml:"max_upload_bytes"`
	FFmpegPath           string   `toml:"ffmpeg_path"`
	TranscodeTimeout     Duration `toml:"transcode_timeout"`
	ScratchDir           string   `toml:"scratch_dir"`
	WorkerCount          int      `toml:"worker_count"`
	QueueSize            int      `toml:"queue_size"`
	BatchConcurrency     int      `toml:"batch_concurrency"`
	ReapAfter            Duration `toml:"reap_after"`

	// HTTP
	HTTPAddr string `toml:"http_addr"`

	// Blob store
	BlobBackend    string `toml:"blob_backend"`
	BlobRoot       string `toml:"blob_root"`
	MinioEndpoint  string `toml:"minio_endpoint"`
	MinioAccessKey string `toml:"minio_access_key"`
	MinioSecretKey string `toml:"minio_secret_key"`
	MinioBucket    string `toml:"minio_bucket"`
	MinioUseSSL    bool   `toml:"minio_use_ssl"`
	MinioRegion    string `toml:"minio_region"`
	S3Endpoint     string `toml:"s3_endpoint"`
	S3Region       string `toml:"s3_region"`
	S3AccessKey    string `toml:"s3_access_key"`
	S3SecretKey    string `toml:"s3_secret_key"`
	S3Bucket       string `toml:"s3_bucket"`

	// Metadata store
	MetadataBackend string `toml:"metadata_backend"`
	DBHost          string `toml:"db_host"`
	DBPort          string `toml:"db_port"`
	DBUser          string `toml:"db_user"`
	DBPassword      string `toml:"db_password"`
	DBName          string `toml:"db_name"`
	DBSSLMode       string `toml:"db_ssl_mode"`
	SQLitePath      string `toml:"sqlite_path"`

	// Job status
	JobBackend    string   `toml:"job_backend"`
	JobTTL        Duration `toml:"job_ttl"`
	RedisHost     string   `toml:"redis_host"`
	RedisPort     string   `toml:"redis_port"`
	RedisPassword string   `toml:"redis_password"`
	RedisDB       int      `toml:"redis_db"`

	// Logging
	LogLevel      string `toml:"log_level"`
	LogFile       string `toml:"log_file"`
	LogMaxSize    int    `toml:"log_max_size"`
	LogMaxBackups int    `toml:"log_max_backups"`
	LogMaxAge     int    `toml:"log_max_age"`
	LogCompress   bool   `toml:"log_compress"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		WaveformResolution:   200,
		TranscodeBitrateKbps: 320,
		MaxTitleLength:       125,
		MaxUploadBytes:       100 << 20, // 100MB
		FFmpegPath:           "ffmpeg",
		TranscodeTimeout:     Duration{5 * time.Minute},
		ScratchDir:           os.TempDir(),
		WorkerCount:          2,
		QueueSize:            16,
		BatchConcurrency:     2,
		ReapAfter:            Duration{time.Hour},

		HTTPAddr: ":8080",

		BlobBackend: BlobFS,
		BlobRoot:    "uploads",
		MinioBucket: "tracks",
		MinioRegion: "us-east-1",
		S3Region:    "auto",

		MetadataBackend: MetadataSQLite,
		DBHost:          "127.0.0.1",
		DBPort:          "3306",
		DBUser:          "root",
		DBName:          "tracks",
		DBSSLMode:       "disable",
		SQLitePath:      "tracks.db",

		JobBackend: JobsMemory,
		JobTTL:     Duration{24 * time.Hour},
		RedisHost:  "127.0.0.1",
		RedisPort:  "6379",

		LogLevel:      "info",
		LogMaxSize:    100,
		LogMaxBackups: 3,
		LogMaxAge:     28,
	}
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			return v
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback Duration) Duration {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := time.ParseDuration(value); err == nil {
			return Duration{v}
		}
	}
	return fallback
}

// Duration reads "90s" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads the TOML file at path (if it exists), then applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on existing environment variables and defaults.")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("config file %s not found", path)
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.WaveformResolution = getEnvInt("WAVEFORM_RESOLUTION", c.WaveformResolution)
	c.TranscodeBitrateKbps = getEnvInt("TRANSCODE_BITRATE_KBPS", c.TranscodeBitrateKbps)
	c.MaxTitleLength = getEnvInt("MAX_TITLE_LENGTH", c.MaxTitleLength)
	c.MaxUploadBytes = getEnvInt64("MAX_UPLOAD_BYTES", c.MaxUploadBytes)
	c.FFmpegPath = getEnv("FFMPEG_PATH", c.FFmpegPath)
	c.TranscodeTimeout = getEnvDuration("TRANSCODE_TIMEOUT", c.TranscodeTimeout)
	c.ScratchDir = getEnv("SCRATCH_DIR", c.ScratchDir)
	c.WorkerCount = getEnvInt("WORKER_COUNT", c.WorkerCount)
	c.QueueSize = getEnvInt("QUEUE_SIZE", c.QueueSize)
	c.BatchConcurrency = getEnvInt("BATCH_CONCURRENCY", c.BatchConcurrency)
	c.ReapAfter = getEnvDuration("REAP_AFTER", c.ReapAfter)

	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)

	c.BlobBackend = getEnv("BLOB_BACKEND", c.BlobBackend)
	c.BlobRoot = getEnv("BLOB_ROOT", c.BlobRoot)
	c.MinioEndpoint = getEnv("MINIO_ENDPOINT", c.MinioEndpoint)
	c.MinioAccessKey = getEnv("MINIO_ACCESS_KEY", c.MinioAccessKey)
	c.MinioSecretKey = getEnv("MINIO_SECRET_KEY", c.MinioSecretKey)
	c.MinioBucket = getEnv("MINIO_BUCKET", c.MinioBucket)
	c.MinioUseSSL = getEnvBool("MINIO_USE_SSL", c.MinioUseSSL)
	c.MinioRegion = getEnv("MINIO_REGION", c.MinioRegion)
	c.S3Endpoint = getEnv("S3_ENDPOINT", c.S3Endpoint)
	c.S3Region = getEnv("S3_REGION", c.S3Region)
	c.S3AccessKey = getEnv("S3_ACCESS_KEY_ID", c.S3AccessKey)
	c.S3SecretKey = getEnv("S3_SECRET_ACCESS_KEY", c.S3SecretKey)
	c.S3Bucket = getEnv("S3_BUCKET", c.S3Bucket)

	c.MetadataBackend = getEnv("METADATA_BACKEND", c.MetadataBackend)
	c.DBHost = getEnv("DB_HOST", c.DBHost)
	c.DBPort = getEnv("DB_PORT", c.DBPort)
	c.DBUser = getEnv("DB_USER", c.DBUser)
	c.DBPassword = getEnv("DB_PASSWORD", c.DBPassword)
	c.DBName = getEnv("DB_NAME", c.DBName)
	c.DBSSLMode = getEnv("DB_SSL_MODE", c.DBSSLMode)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)

	c.JobBackend = getEnv("JOB_BACKEND", c.JobBackend)
	c.JobTTL = getEnvDuration("JOB_TTL", c.JobTTL)
	c.RedisHost = getEnv("REDIS_HOST", c.RedisHost)
	c.RedisPort = getEnv("REDIS_PORT", c.RedisPort)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.LogMaxSize = getEnvInt("LOG_MAX_SIZE", c.LogMaxSize)
	c.LogMaxBackups = getEnvInt("LOG_MAX_BACKUPS", c.LogMaxBackups)
	c.LogMaxAge = getEnvInt("LOG_MAX_AGE", c.LogMaxAge)
	c.LogCompress = getEnvBool("LOG_COMPRESS", c.LogCompress)
}

func (c *Config) normalize() {
	c.BlobBackend = strings.ToLower(strings.TrimSpace(c.BlobBackend))
	c.MetadataBackend = strings.ToLower(strings.TrimSpace(c.MetadataBackend))
	c.JobBackend = strings.ToLower(strings.TrimSpace(c.JobBackend))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.WaveformResolution <= 0 {
		errs = append(errs, fmt.Errorf("waveform_resolution must be positive, got %d", c.WaveformResolution))
	}
	if c.TranscodeBitrateKbps < 32 || c.TranscodeBitrateKbps > 320 {
		errs = append(errs, fmt.Errorf("transcode_bitrate_kbps must be within 32..320, got %d", c.TranscodeBitrateKbps))
	}
	if c.MaxTitleLength <= 0 || c.MaxTitleLength > model.MaxTitleColumn {
		errs = append(errs, fmt.Errorf("max_title_length must be within 1..%d, got %d", model.MaxTitleColumn, c.MaxTitleLength))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	if c.TranscodeTimeout.Duration <= 0 {
		errs = append(errs, errors.New("transcode_timeout must be positive"))
	}
	if c.WorkerCount <= 0 || c.QueueSize <= 0 || c.BatchConcurrency <= 0 {
		errs = append(errs, errors.New("worker_count, queue_size and batch_concurrency must be positive"))
	}

	switch c.BlobBackend {
	case BlobFS:
		if c.BlobRoot == "" {
			errs = append(errs, errors.New("blob_root is required for the fs backend"))
		}
	case BlobMinio:
		if c.MinioEndpoint == "" || c.MinioBucket == "" {
			errs = append(errs, errors.New("minio_endpoint and minio_bucket are required for the minio backend"))
		}
	case BlobS3:
		if c.S3Endpoint == "" || c.S3Bucket == "" {
			errs = append(errs, errors.New("s3_endpoint and s3_bucket are required for the s3 backend"))
		}
	case BlobMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown blob_backend %q", c.BlobBackend))
	}

	switch c.MetadataBackend {
	case MetadataMemory, MetadataMySQL, MetadataPostgres:
	case MetadataSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown metadata_backend %q", c.MetadataBackend))
	}

	switch c.JobBackend {
	case JobsMemory, JobsRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown job_backend %q", c.JobBackend))
	}

	return errors.Join(errs...)
}

// MySQLDSN returns the go-sql-driver DSN.
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// PostgresDSN returns a libpq-style URL for pgx.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedisAddr is host:port.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}
