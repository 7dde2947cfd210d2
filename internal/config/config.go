package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers accepted in STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverBolt     = "bolt"
)

// Config holds service configuration.
type Config struct {
	ServerAddr string
	LogLevel   string

	StoreDriver   string
	DatabaseURL   string
	MigrationsDir string
	RunMigrations bool
	MongoURI      string
	MongoDatabase string
	BoltPath      string

	HistoryLimit    int
	LongPollTimeout time.Duration
	StoreTimeout    time.Duration
	DocIdleTTL      time.Duration
	EvictInterval   time.Duration
}

// Load reads an optional .env file from the working directory and then the
// environment. Variables already set win over the file.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is ignored.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "collabdocs")
		pass := getenv("POSTGRES_PASSWORD", "collabdocs")
		db := getenv("POSTGRES_DB", "collabdocs")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	cfg := &Config{
		ServerAddr:      getenv("SERVER_ADDR", "0.0.0.0:8080"),
		LogLevel:        strings.ToLower(getenv("LOG_LEVEL", "info")),
		StoreDriver:     strings.ToLower(getenv("STORE_DRIVER", DriverMemory)),
		DatabaseURL:     dsn,
		MigrationsDir:   getenv("MIGRATIONS_DIR", "internal/migrations"),
		RunMigrations:   parseBool(getenv("RUN_MIGRATIONS", "true"), true),
		MongoURI:        getenv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:   getenv("MONGO_DATABASE", "collabdocs"),
		BoltPath:        getenv("BOLT_PATH", "collabdocs.db"),
		HistoryLimit:    parseInt(getenv("HISTORY_LIMIT", ""), 1000),
		LongPollTimeout: parseDuration(getenv("LONGPOLL_TIMEOUT", "5m"), 5*time.Minute),
		StoreTimeout:    parseDuration(getenv("STORE_TIMEOUT", "5s"), 5*time.Second),
		DocIdleTTL:      parseDuration(getenv("DOC_IDLE_TTL", "0"), 0),
		EvictInterval:   parseDuration(getenv("EVICT_INTERVAL", "1m"), time.Minute),
	}

	switch cfg.StoreDriver {
	case DriverMemory, DriverPostgres, DriverMongo, DriverBolt:
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.HistoryLimit <= 0 {
		return nil, fmt.Errorf("HISTORY_LIMIT must be positive, got %d", cfg.HistoryLimit)
	}
	if cfg.EvictInterval <= 0 {
		return nil, fmt.Errorf("EVICT_INTERVAL must be positive, got %s", cfg.EvictInterval)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
