package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	CORSOrigin    string
	PublicURL     string
	SiteName      string
	JWTSecret     string
	// Comment lifecycle
	Secret               string
	Salt                 string
	ConfirmEmail         bool
	ConfirmMaxAge        time.Duration
	SendHTMLEmail        bool
	MaxThreadLevel       int
	MaxThreadLevelByType map[string]int
	ModerateTypes        []string
	TargetTables         map[string]string
	FanoutConcurrency    int
	// SMTP Configuration
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	// Optional backends, disabled when empty
	RedisURL       string
	RabbitMQURL    string
	MeiliURL       string
	MeiliMasterKey string
	LogLevel       string
	LogFormat      string
}

// Load reads an optional .env file and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	cfg := Config{
		Addr:              getenv("API_ADDR", ":8787"),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		MigrationsDir:     getenv("COMMENTS_MIGRATIONS_DIR", ""),
		CORSOrigin:        getenv("CORS_ORIGIN", "*"),
		PublicURL:         strings.TrimRight(getenv("COMMENTS_PUBLIC_URL", "http://localhost:8787"), "/"),
		SiteName:          getenv("COMMENTS_SITE_NAME", "Threadline"),
		JWTSecret:         getenv("JWT_SECRET", "threadline-dev-jwt-secret"),
		Secret:            getenv("COMMENTS_SECRET", "threadline-dev-secret"),
		Salt:              getenv("COMMENTS_SALT", "threadline"),
		ConfirmEmail:      getenvBool("COMMENTS_CONFIRM_EMAIL", true),
		ConfirmMaxAge:     time.Duration(getenvInt("COMMENTS_CONFIRM_MAX_AGE_SECONDS", 0)) * time.Second,
		SendHTMLEmail:     getenvBool("COMMENTS_SEND_HTML_EMAIL", true),
		MaxThreadLevel:    getenvInt("COMMENTS_MAX_THREAD_LEVEL", 0),
		ModerateTypes:     splitList(getenv("COMMENTS_MODERATE_TYPES", "")),
		FanoutConcurrency: getenvInt("FANOUT_CONCURRENCY", 4),
		// SMTP - empty by default, email disabled if not configured
		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenvInt("SMTP_PORT", 587),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "Threadline"),
		RedisURL:       getenv("REDIS_URL", ""),
		RabbitMQURL:    getenv("RABBITMQ_URL", ""),
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogFormat:      getenv("LOG_FORMAT", "json"),
	}

	var err error
	if cfg.MaxThreadLevelByType, err = parseLevels(getenv("COMMENTS_MAX_THREAD_LEVEL_BY_TYPE", "")); err != nil {
		return Config{}, fmt.Errorf("COMMENTS_MAX_THREAD_LEVEL_BY_TYPE: %w", err)
	}
	if cfg.TargetTables, err = parsePairs(getenv("COMMENTS_TARGET_TABLES", "")); err != nil {
		return Config{}, fmt.Errorf("COMMENTS_TARGET_TABLES: %w", err)
	}
	if cfg.MaxThreadLevel < 0 {
		return Config{}, fmt.Errorf("COMMENTS_MAX_THREAD_LEVEL must not be negative")
	}
	return cfg, nil
}

// parsePairs reads "key:value,key:value".
func parsePairs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range splitList(raw) {
		key, value, ok := strings.Cut(item, ":")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("malformed entry %q", item)
		}
		out[key] = value
	}
	return out, nil
}

func parseLevels(raw string) (map[string]int, error) {
	pairs, err := parsePairs(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(pairs))
	for key, value := range pairs {
		level, err := strconv.Atoi(value)
		if err != nil || level < 0 {
			return nil, fmt.Errorf("invalid level %q for %s", value, key)
		}
		out[key] = level
	}
	return out, nil
}

func splitList(raw string) []string {
	out := make([]string, 0)
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
