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
	JWTTTL      string `yaml:"jwtTTL"`

	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
	TrustedProxies     []string `yaml:"trustedProxies"`

	MaxPrintMB              int `yaml:"maxPrintMB"`
	PresignExpiryMinutes    int `yaml:"presignExpiryMinutes"`
	LoginRateLimitPerMinute int `yaml:"loginRateLimitPerMinute"`

	// Admin accounts cannot self-register; this one is created at startup
	// when its email is not taken yet.
	SeedAdminEmail    string `yaml:"seedAdminEmail"`
	SeedAdminPassword string `yaml:"seedAdminPassword"`
	SeedAdminName     string `yaml:"seedAdminName"`
	SeedAdminSchoolID string `yaml:"seedAdminSchoolId"`
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
		"PORT":                  &cfg.Port,
		"LOG_LEVEL":             &cfg.LogLevel,
		"LOGS_DIR":              &cfg.LogsDir,
		"STORE_BACKEND":         &cfg.StoreBackend,
		"DATABASE_URL":          &cfg.DatabaseURL,
		"REDIS_ADDR":            &cfg.RedisAddr,
		"REDIS_PASSWORD":        &cfg.RedisPassword,
		"STORAGE_BACKEND":       &cfg.StorageBackend,
		"MINIO_ENDPOINT":        &cfg.MinioEndpoint,
		"MINIO_PUBLIC_ENDPOINT": &cfg.MinioPublicEndpoint,
		"MINIO_ACCESS_KEY":      &cfg.MinioAccessKey,
		"MINIO_SECRET_KEY":      &cfg.MinioSecretKey,
		"MINIO_BUCKET":          &cfg.MinioBucket,
		"LOCAL_STORAGE_DIR":     &cfg.LocalStorageDir,
		"AMQP_URL":              &cfg.AMQPURL,
		"AMQP_EXCHANGE":         &cfg.AMQPExchange,
		"PUBLIC_BASE_URL":       &cfg.PublicBaseURL,
		"FLOWNOTE_JWT_SECRET":   &cfg.JWTSecret,
		"FLOWNOTE_JWT_ISSUER":   &cfg.JWTIssuer,
		"FLOWNOTE_JWT_AUDIENCE": &cfg.JWTAudience,
		"FLOWNOTE_JWT_LEEWAY":   &cfg.JWTLeeway,
		"FLOWNOTE_JWT_TTL":      &cfg.JWTTTL,
		"SEED_ADMIN_EMAIL":      &cfg.SeedAdminEmail,
		"SEED_ADMIN_PASSWORD":   &cfg.SeedAdminPassword,
		"SEED_ADMIN_NAME":       &cfg.SeedAdminName,
		"SEED_ADMIN_SCHOOL_ID":  &cfg.SeedAdminSchoolID,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"SCHOOL_MAX_PRINT_MB":                &cfg.MaxPrintMB,
		"SCHOOL_PRESIGN_EXPIRY_MINUTES":      &cfg.PresignExpiryMinutes,
		"SCHOOL_LOGIN_RATE_LIMIT_PER_MINUTE": &cfg.LoginRateLimitPerMinute,
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
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
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
	if cfg.LoginRateLimitPerMinute == 0 {
		cfg.LoginRateLimitPerMinute = 10
	}
	if cfg.SeedAdminName == "" {
		cfg.SeedAdminName = "Administrator"
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
	if _, err := ParseJWTTTL(cfg.JWTTTL); err != nil {
		return err
	}
	if cfg.MaxPrintMB < 0 || cfg.PresignExpiryMinutes < 0 {
		return errors.New("config: print limits must be >= 0")
	}
	if cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: loginRateLimitPerMinute must be >= 0")
	}
	if (cfg.SeedAdminEmail == "") != (cfg.SeedAdminPassword == "") {
		return errors.New("config: seedAdminEmail and seedAdminPassword must be set together")
	}
	if cfg.SeedAdminEmail != "" && cfg.SeedAdminSchoolID == "" {
		return errors.New("config: seedAdminSchoolId is required with seedAdminEmail")
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

// ParseJWTTTL parses the access-token lifetime. Empty means the default.
func ParseJWTTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("config: invalid jwtTTL %q: %w", ttlStr, err)
	}
	if d <= 0 {
		return 0, errors.New("config: jwtTTL must be > 0")
	}
	return d, nil
}
