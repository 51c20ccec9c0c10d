package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	LogsDir  string `yaml:"logsDir"`

	// StoreBackend is "postgres" (default) or "memory".
	StoreBackend  string `yaml:"storeBackend"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	// StorageBackend is "minio" (default) or "local".
	StorageBackend      string `yaml:"storageBackend"`
	MinioEndpoint       string `yaml:"minioEndpoint"`
	MinioPublicEndpoint string `yaml:"minioPublicEndpoint"`
	MinioAccessKey      string `yaml:"minioAccessKey"`
	MinioSecretKey      string `yaml:"minioSecretKey"`
	MinioBucket         string `yaml:"minioBucket"`
	MinioUseSSL         bool   `yaml:"minioUseSSL"`
	LocalStorageDir     string `yaml:"localStorageDir"`
	// ServeLocalFiles mounts localStorageDir at /files without any
	// authentication. Development only.
	ServeLocalFiles bool   `yaml:"serveLocalFiles"`
	PublicBaseURL   string `yaml:"publicBaseURL"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`

	MaxAttachments         int `yaml:"maxAttachments"`
	MaxAttachmentMB        int `yaml:"maxAttachmentMB"`
	MaxContentRunes        int `yaml:"maxContentRunes"`
	PresignExpiryMinutes   int `yaml:"presignExpiryMinutes"`
	ProjectionConcurrency  int `yaml:"projectionConcurrency"`
	SendRateLimitPerMinute int `yaml:"sendRateLimitPerMinute"`

	CleanupQueueName   string `yaml:"cleanupQueueName"`
	CleanupQueueGroup  string `yaml:"cleanupQueueGroup"`
	CleanupConcurrency int    `yaml:"cleanupConcurrency"`
	CleanupMaxRetries  int    `yaml:"cleanupMaxRetries"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"PORT":                    &cfg.Port,
		"LOG_LEVEL":               &cfg.LogLevel,
		"LOGS_DIR":                &cfg.LogsDir,
		"STORE_BACKEND":           &cfg.StoreBackend,
		"DATABASE_URL":            &cfg.DatabaseURL,
		"REDIS_ADDR":              &cfg.RedisAddr,
		"REDIS_PASSWORD":          &cfg.RedisPassword,
		"STORAGE_BACKEND":         &cfg.StorageBackend,
		"MINIO_ENDPOINT":          &cfg.MinioEndpoint,
		"MINIO_PUBLIC_ENDPOINT":   &cfg.MinioPublicEndpoint,
		"MINIO_ACCESS_KEY":        &cfg.MinioAccessKey,
		"MINIO_SECRET_KEY":        &cfg.MinioSecretKey,
		"MINIO_BUCKET":            &cfg.MinioBucket,
		"LOCAL_STORAGE_DIR":       &cfg.LocalStorageDir,
		"PUBLIC_BASE_URL":         &cfg.PublicBaseURL,
		"AMQP_URL":                &cfg.AMQPURL,
		"AMQP_EXCHANGE":           &cfg.AMQPExchange,
		"FLOWNOTE_JWT_SECRET":     &cfg.JWTSecret,
		"FLOWNOTE_JWT_ISSUER":     &cfg.JWTIssuer,
		"FLOWNOTE_JWT_AUDIENCE":   &cfg.JWTAudience,
		"FLOWNOTE_JWT_LEEWAY":     &cfg.JWTLeeway,
		"MESSAGING_CLEANUP_QUEUE": &cfg.CleanupQueueName,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"MESSAGING_MAX_ATTACHMENTS":            &cfg.MaxAttachments,
		"MESSAGING_MAX_ATTACHMENT_MB":          &cfg.MaxAttachmentMB,
		"MESSAGING_MAX_CONTENT_RUNES":          &cfg.MaxContentRunes,
		"MESSAGING_PRESIGN_EXPIRY_MINUTES":     &cfg.PresignExpiryMinutes,
		"MESSAGING_PROJECTION_CONCURRENCY":     &cfg.ProjectionConcurrency,
		"MESSAGING_SEND_RATE_LIMIT_PER_MINUTE": &cfg.SendRateLimitPerMinute,
		"MESSAGING_CLEANUP_CONCURRENCY":        &cfg.CleanupConcurrency,
		"MESSAGING_CLEANUP_MAX_RETRIES":        &cfg.CleanupMaxRetries,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	bools := map[string]*bool{
		"MINIO_USE_SSL":     &cfg.MinioUseSSL,
		"SERVE_LOCAL_FILES": &cfg.ServeLocalFiles,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = "postgres"
	}
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "minio"
	}
	if cfg.CleanupQueueName == "" {
		cfg.CleanupQueueName = "flownote:messaging:cleanup"
	}
	if cfg.CleanupQueueGroup == "" {
		cfg.CleanupQueueGroup = "messaging-cleanup"
	}
	if cfg.SendRateLimitPerMinute == 0 {
		cfg.SendRateLimitPerMinute = 30
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StoreBackend {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storeBackend %q (postgres or memory)", cfg.StoreBackend)
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	switch cfg.StorageBackend {
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required (set in config.yaml or MINIO_*)")
		}
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: minio credentials are required (set MINIO_ACCESS_KEY + MINIO_SECRET_KEY)")
		}
	case "local":
		if cfg.LocalStorageDir == "" {
			return errors.New("config: localStorageDir is required when storageBackend=local")
		}
	default:
		return fmt.Errorf("config: unknown storageBackend %q (minio or local)", cfg.StorageBackend)
	}
	if cfg.ServeLocalFiles && cfg.StorageBackend != "local" {
		return errors.New("config: serveLocalFiles requires storageBackend=local")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or FLOWNOTE_JWT_SECRET)")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	if cfg.MaxAttachments < 0 || cfg.MaxAttachmentMB < 0 || cfg.MaxContentRunes < 0 {
		return errors.New("config: message limits must be >= 0")
	}
	if cfg.SendRateLimitPerMinute < 0 {
		return errors.New("config: sendRateLimitPerMinute must be >= 0")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseJWTLeeway parses a duration such as "30s". Empty means the default.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("config: invalid jwtLeeway %q: %w", leewayStr, err)
	}
	if d < 0 {
		return 0, errors.New("config: jwtLeeway must be >= 0")
	}
	return d, nil
}
