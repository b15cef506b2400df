// Package config loads runtime configuration from the environment,
// following the teacher's flat-struct, defaults-inline style
// (internal/config/config.go in the retrieved pack) rather than a config
// file or a struct-tag binding library.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Role selects which loops a process starts (spec.md §6.4 RUNTIME_ROLE).
type Role string

const (
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
	RoleAll    Role = "all"
)

type Config struct {
	DBBackend string // "sqlite" | "mongodb"
	DBURI     string
	DBName    string
	DBPath    string

	DataDir string

	RuntimeRole Role

	MaxJobs        int
	ProviderLimits map[string]int

	QueuePollInterval   time.Duration
	StaleJobTimeout     time.Duration
	HeartbeatInterval   time.Duration

	APIKey        string
	CORSOrigins   []string
	MaxRequestMB  int

	MetricsEnabled bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WorkerID string

	// Per-provider credentials and endpoints, opaque to the core
	// (spec.md §6.4): every PROVIDER_*-prefixed env var is passed through
	// unparsed so a future Provider implementation can read it.
	ProviderEnv map[string]string
}

func Load() Config {
	dbBackend := strings.ToLower(getEnv("DB_BACKEND", "sqlite"))

	dataDir := getEnv("DATA_DIR", "./data")

	role := Role(strings.ToLower(getEnv("RUNTIME_ROLE", "all")))
	switch role {
	case RoleAPI, RoleWorker, RoleAll:
	default:
		role = RoleAll
	}

	maxJobs := getEnvInt("MAX_JOBS", 4)

	redisDB := getEnvInt("REDIS_DB", 0)

	workerID := getEnv("WORKER_ID", "")
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	cfg := Config{
		DBBackend: dbBackend,
		DBURI:     getEnv("DB_URI", ""),
		DBName:    getEnv("DB_NAME", "nimbuschain_fetch"),
		DBPath:    getEnv("DB_PATH", "./nimbuschain_fetch.db"),

		DataDir: dataDir,

		RuntimeRole: role,

		MaxJobs:        maxJobs,
		ProviderLimits: parseProviderLimits(getEnv("PROVIDER_LIMITS", "")),

		QueuePollInterval: getEnvSeconds("QUEUE_POLL_SECONDS", 2),
		StaleJobTimeout:   getEnvSeconds("STALE_JOB_SECONDS", 120),
		HeartbeatInterval: getEnvSeconds("HEARTBEAT_SECONDS", 15),

		APIKey:       getEnv("API_KEY", ""),
		CORSOrigins:  splitAndTrim(getEnv("CORS_ORIGINS", "")),
		MaxRequestMB: getEnvInt("MAX_REQUEST_MB", 10),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		WorkerID: workerID,

		ProviderEnv: collectPrefixed("PROVIDER_"),
	}

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defSeconds)) * time.Second
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitAndTrim(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseProviderLimits parses "copernicus=2,usgs=1" into a map.
func parseProviderLimits(v string) map[string]int {
	out := make(map[string]int)
	for _, pair := range splitAndTrim(v) {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			continue
		}
		out[strings.TrimSpace(kv[0])] = n
	}
	return out
}

func collectPrefixed(prefix string) map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.HasPrefix(parts[0], prefix) {
			out[parts[0]] = parts[1]
		}
	}
	return out
}
