package infra

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv               string
	Port                 string
	StoreDriver          string
	DatabaseURL          string
	DBMaxConns           int
	LogLevel             string
	JWTSecret            string
	StoragePath          string
	StorageBaseURL       string
	ImageSourceAllowlist []string
	GeoIPDBPath          string
	RedisURL             string
	CORSAllowedOrigins   []string
	HTTPReadTimeout      time.Duration
	HTTPWriteTimeout     time.Duration
	HTTPIdleTimeout      time.Duration
	RateLimitPerMin      int
	EmbeddedWorker       bool
	DefaultLocale        string
	// DevSeedUser and DevSeedCoins fund one user when STORE_DRIVER=memory.
	DevSeedUser          string
	DevSeedCoins         int64

	ProviderPrimary       string
	ProviderRatePerMinute int
	HFAPIToken            string
	HFBaseURL             string
	HFModel               string
	QwenAPIKey            string
	QwenBaseURL           string
	QwenModel             string
	LocalFallbackURL      string

	ExecutorMaxAttempts      int
	ExecutorTransientBackoff time.Duration
	ExecutorMaxBackoff       time.Duration
	ImageTimeout             time.Duration
	DispatchMaxInFlight      int
	DispatchMaxPerUser       int
	DispatchPollInterval     time.Duration
	WatchdogCeiling          time.Duration
	WatchdogSchedule         string
	RetryMaxTotalAttempts    int
	MaxBatchSize             int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               port,
		StoreDriver:        strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DBMaxConns:         getEnvInt("DB_MAX_CONNS", 10),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		StoragePath:        getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:     strings.TrimRight(getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"), "/"),
		GeoIPDBPath:        os.Getenv("GEOIP_DB_PATH"),
		RedisURL:           os.Getenv("REDIS_URL"),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		EmbeddedWorker:     getEnvBool("EMBEDDED_WORKER", true),
		DefaultLocale:      getEnv("DEFAULT_LOCALE", "en"),
		DevSeedUser:        os.Getenv("DEV_SEED_USER"),
		DevSeedCoins:       int64(getEnvInt("DEV_SEED_COINS", 0)),

		ProviderPrimary:       strings.ToLower(getEnv("PROVIDER_PRIMARY", "huggingface")),
		ProviderRatePerMinute: getEnvInt("PROVIDER_RATE_PER_MINUTE", 60),
		HFAPIToken:            os.Getenv("HF_API_TOKEN"),
		HFBaseURL:             getEnv("HF_BASE_URL", "https://api-inference.huggingface.co/models"),
		HFModel:               getEnv("HF_MODEL", "auto"),
		QwenAPIKey:            os.Getenv("QWEN_API_KEY"),
		QwenBaseURL:           getEnv("QWEN_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
		QwenModel:             getEnv("QWEN_MODEL", "qwen-image-edit"),
		LocalFallbackURL:      getEnvAllowEmpty("LOCAL_FALLBACK_URL", "http://127.0.0.1:5001"),

		ExecutorMaxAttempts:      getEnvInt("EXECUTOR_MAX_ATTEMPTS", 3),
		ExecutorTransientBackoff: getEnvDuration("EXECUTOR_TRANSIENT_BACKOFF", 2*time.Second),
		ExecutorMaxBackoff:       getEnvDuration("EXECUTOR_MAX_BACKOFF", 2*time.Minute),
		ImageTimeout:             getEnvDuration("IMAGE_TIMEOUT", 5*time.Minute),
		DispatchMaxInFlight:      getEnvInt("DISPATCH_MAX_INFLIGHT", 5),
		DispatchMaxPerUser:       getEnvInt("DISPATCH_MAX_INFLIGHT_PER_USER", 2),
		DispatchPollInterval:     getEnvDuration("DISPATCH_POLL_INTERVAL", 2*time.Second),
		WatchdogCeiling:          getEnvDuration("WATCHDOG_CEILING", 10*time.Minute),
		WatchdogSchedule:         getEnv("WATCHDOG_SCHEDULE", "@every 1m"),
		RetryMaxTotalAttempts:    getEnvInt("RETRY_MAX_TOTAL_ATTEMPTS", 9),
		MaxBatchSize:             getEnvInt("MAX_BATCH_SIZE", 1000),
	}
	cfg.ImageSourceAllowlist = buildAllowlist(cfg.StorageBaseURL, os.Getenv("IMAGE_SOURCE_HOST_ALLOWLIST"))

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("STORE_DRIVER %q is not supported", cfg.StoreDriver)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.ImageTimeout >= cfg.WatchdogCeiling {
		return nil, fmt.Errorf("WATCHDOG_CEILING (%s) must exceed IMAGE_TIMEOUT (%s)", cfg.WatchdogCeiling, cfg.ImageTimeout)
	}

	return cfg, nil
}

// buildAllowlist returns the sorted, de-duplicated hosts input images may be
// fetched from. Without an explicit list it returns nil, which allows any
// host; an explicit list always admits the storage host as well.
func buildAllowlist(storageBaseURL, extra string) []string {
	explicit := splitList(extra)
	if len(explicit) == 0 {
		return nil
	}
	set := map[string]struct{}{}
	if u, err := url.Parse(storageBaseURL); err == nil && u.Hostname() != "" {
		set[strings.ToLower(u.Hostname())] = struct{}{}
	}
	for _, host := range explicit {
		set[strings.ToLower(host)] = struct{}{}
	}
	hosts := make([]string, 0, len(set))
	for host := range set {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// getEnvAllowEmpty distinguishes an unset variable from one explicitly set
// to the empty string.
func getEnvAllowEmpty(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
