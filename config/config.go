package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	ServerPort  string
	LogLevel    string
	LogFormat   string
	BackendURL  string

	SecurityLogDir string
	SyncWrites     bool

	BlocklistPath            string
	BlocklistRefreshInterval time.Duration
	BlocklistEphemeral       bool

	SuspiciousThreshold int
	HighRiskThreshold   int
	AnalysisMaxRecords  int
	AnalysisInterval    time.Duration
	AnalysisAutoBlock   bool

	AdminToken     string
	AdminJWTSecret string

	SignatureSecret      string
	UserAgentPrefix      string
	SuspiciousGradeFloor float64
	TrustProxyHeaders    bool
	AllowedOrigins       []string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RateLimitMax    int
	RateLimitWindow int

	KafkaBrokers      []string
	KafkaEventsTopic  string
	KafkaIntentsTopic string
	KafkaGroupID      string
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	_ = godotenv.Load()

	env := getEnv("APP_ENV", "development")
	logDir := getEnv("SECURITY_LOG_DIR", "./logs")

	return &Config{
		Environment: env,
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		BackendURL:  getEnv("BACKEND_URL", "http://localhost:5000"),

		SecurityLogDir: logDir,
		SyncWrites:     getEnvBool("SECURITY_SYNC_WRITES", false),

		BlocklistPath:            getEnv("BLOCKLIST_PATH", filepath.Join(logDir, "ip_blocklist.json")),
		BlocklistRefreshInterval: getEnvDuration("BLOCKLIST_REFRESH_INTERVAL", 5*time.Minute),
		BlocklistEphemeral:       getEnvBool("BLOCKLIST_EPHEMERAL", env == "test"),

		SuspiciousThreshold: getEnvInt("SUSPICIOUS_THRESHOLD", 5),
		HighRiskThreshold:   getEnvInt("HIGH_RISK_THRESHOLD", 10),
		AnalysisMaxRecords:  getEnvInt("ANALYSIS_MAX_RECORDS", 1000000),
		AnalysisInterval:    getEnvDuration("ANALYSIS_INTERVAL", 0),
		AnalysisAutoBlock:   getEnvBool("ANALYSIS_AUTO_BLOCK", false),

		AdminToken:     getEnv("ADMIN_TOKEN", ""),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		SignatureSecret:      getEnv("GESTNOTE_SECRET", ""),
		UserAgentPrefix:      getEnv("EXPECTED_USER_AGENT_PREFIX", "GestNoteRanking/"),
		SuspiciousGradeFloor: getEnvFloat("SUSPICIOUS_GRADE_FLOOR", 19.5),
		TrustProxyHeaders:    getEnvBool("TRUST_PROXY_HEADERS", false),
		AllowedOrigins:       getEnvList("ALLOWED_ORIGINS", []string{"*"}),

		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow: getEnvInt("RATE_LIMIT_WINDOW", 60),

		KafkaBrokers:      getEnvList("KAFKA_BROKERS", nil),
		KafkaEventsTopic:  getEnv("KAFKA_EVENTS_TOPIC", "security-events"),
		KafkaIntentsTopic: getEnv("KAFKA_INTENTS_TOPIC", "security-intents"),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "ranking-guard"),
	}
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	if c.KafkaEnabled() && c.KafkaEventsTopic == c.KafkaIntentsTopic {
		return fmt.Errorf("KAFKA_EVENTS_TOPIC and KAFKA_INTENTS_TOPIC must differ (both %q)", c.KafkaEventsTopic)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go duration strings ("5m") or plain seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
