package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the planboard service
// ⭐ SSOT: every environment variable is read here and nowhere else
type Config struct {
	// Server
	Port string `validate:"required"`
	Env  string `validate:"oneof=development staging production"`

	// USEF participant settings
	USEF USEFConfig

	// Storage backend: memory or postgres
	Store    string `validate:"oneof=memory postgres"`
	Database DatabaseConfig

	// Redis
	Redis RedisConfig

	// Outbound delivery
	Sender SenderConfig

	// Scheduler
	Schedules ScheduleConfig

	// Logging
	LogLevel  string
	LogFormat string

	// Monitoring
	MetricsEnabled bool
}

// USEFConfig holds the participant and market settings used by the planboard
type USEFConfig struct {
	Domain   string `validate:"required,hostname"`
	Role     string `validate:"oneof=AGR BRP DSO CRO MDC"`
	TimeZone string `validate:"required"`
	Currency string `validate:"required,len=3,uppercase"`

	// PTU and DTU lengths in minutes
	PtuDuration int `validate:"min=1,max=1440"`
	DtuSize     int `validate:"min=1"`

	// Gate closure, expressed in PTUs
	GateClosurePtus         int `validate:"min=0"`
	IntradayGateClosurePtus int `validate:"min=0"`

	// Wall clock time (HH:MM) after which the next day's plan phase closes
	DayAheadGateClosureTime string `validate:"required"`

	MeterDataQueryExpiration time.Duration `validate:"gt=0"`
	FlexOfferExpiration      time.Duration `validate:"gt=0"`

	MDCDomains       []string
	EndpointTemplate string `validate:"required"`
	PBCStepsFile     string
}

// Location returns the configured time zone. Load has already verified it exists.
func (u USEFConfig) Location() *time.Location {
	loc, err := time.LoadLocation(u.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL string

	// Connection Pool
	MaxConns        int `validate:"min=1"`
	MinConns        int `validate:"min=0"`
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// BackoffConfig is the retry policy for one message precedence
type BackoffConfig struct {
	MaxRetries          int           `validate:"min=0"`
	InitialInterval     time.Duration `validate:"gt=0"`
	MaxInterval         time.Duration `validate:"gtefield=InitialInterval"`
	Multiplier          float64       `validate:"gte=1"`
	RandomizationFactor float64       `validate:"gte=0,lte=1"`
}

// SenderConfig holds outbound message delivery configuration
type SenderConfig struct {
	Timeout       time.Duration `validate:"gt=0"`
	Routine       BackoffConfig
	Transactional BackoffConfig
	Critical      BackoffConfig

	// Per recipient domain, per second
	RateLimit int `validate:"min=1"`
}

// ScheduleConfig holds cron expressions (with seconds) for the periodic jobs
type ScheduleConfig struct {
	PtuPhase         string `validate:"required"`
	PlaceFlexOrders  string `validate:"required"`
	InitiateSettle   string `validate:"required"`
	FinalizeSweep    string `validate:"required"`
	ExpireDocuments  string `validate:"required"`
	JobMaxRetries    int    `validate:"min=0"`
	JobRetryInterval time.Duration
}

// Load reads configuration from environment variables
// ⭐ SSOT: the only function calling os.Getenv()
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		// Server
		Port: getEnv("PORT", "8089"),
		Env:  getEnv("ENV", "development"),

		USEF: USEFConfig{
			Domain:                   getEnv("USEF_DOMAIN", "dso.usef-example.com"),
			Role:                     strings.ToUpper(getEnv("USEF_ROLE", "DSO")),
			TimeZone:                 getEnv("USEF_TIME_ZONE", "Europe/Amsterdam"),
			Currency:                 getEnv("USEF_CURRENCY", "EUR"),
			PtuDuration:              getEnvAsInt("USEF_PTU_DURATION", 15),
			DtuSize:                  getEnvAsInt("USEF_DTU_SIZE", 5),
			GateClosurePtus:          getEnvAsInt("USEF_GATE_CLOSURE_PTUS", 8),
			IntradayGateClosurePtus:  getEnvAsInt("USEF_INTRADAY_GATE_CLOSURE_PTUS", 8),
			DayAheadGateClosureTime:  getEnv("USEF_DAY_AHEAD_GATE_CLOSURE_TIME", "14:00"),
			MeterDataQueryExpiration: getEnvAsDuration("USEF_METER_DATA_QUERY_EXPIRATION", "24h"),
			FlexOfferExpiration:      getEnvAsDuration("USEF_FLEX_OFFER_EXPIRATION", "4h"),
			MDCDomains:               getEnvAsList("USEF_MDC_DOMAINS", ""),
			EndpointTemplate:         getEnv("USEF_ENDPOINT_TEMPLATE", "https://%s/USEF/2015/SignedMessage"),
			PBCStepsFile:             getEnv("USEF_PBC_STEPS_FILE", ""),
		},

		Store: getEnv("STORE", "memory"),

		// Database
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		// Redis
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		Sender: SenderConfig{
			Timeout:       getEnvAsDuration("SENDER_TIMEOUT", "30s"),
			Routine:       getBackoff("SENDER_ROUTINE", 3, "5s", "1m"),
			Transactional: getBackoff("SENDER_TRANSACTIONAL", 5, "2s", "2m"),
			Critical:      getBackoff("SENDER_CRITICAL", 10, "1s", "5m"),
			RateLimit:     getEnvAsInt("SENDER_RATE_LIMIT", 10),
		},

		Schedules: ScheduleConfig{
			PtuPhase:         getEnv("SCHEDULE_PTU_PHASE", "0 * * * * *"),
			PlaceFlexOrders:  getEnv("SCHEDULE_PLACE_FLEX_ORDERS", "0 */15 * * * *"),
			InitiateSettle:   getEnv("SCHEDULE_INITIATE_SETTLEMENT", "0 0 6 1 * *"),
			FinalizeSweep:    getEnv("SCHEDULE_FINALIZE_SWEEP", "0 0 * * * *"),
			ExpireDocuments:  getEnv("SCHEDULE_EXPIRE_DOCUMENTS", "0 */5 * * * *"),
			JobMaxRetries:    getEnvAsInt("SCHEDULE_JOB_MAX_RETRIES", 3),
			JobRetryInterval: getEnvAsDuration("SCHEDULE_JOB_RETRY_INTERVAL", "1m"),
		},

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Monitoring
		MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks field rules and the cross-field constraints between them
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if 1440%c.USEF.PtuDuration != 0 {
		return fmt.Errorf("USEF_PTU_DURATION must divide a 1440 minute day, got %d", c.USEF.PtuDuration)
	}
	if c.USEF.PtuDuration%c.USEF.DtuSize != 0 {
		return fmt.Errorf("USEF_DTU_SIZE (%d) must divide USEF_PTU_DURATION (%d)", c.USEF.DtuSize, c.USEF.PtuDuration)
	}
	if _, err := time.LoadLocation(c.USEF.TimeZone); err != nil {
		return fmt.Errorf("USEF_TIME_ZONE %q: %w", c.USEF.TimeZone, err)
	}
	if _, err := time.Parse("15:04", c.USEF.DayAheadGateClosureTime); err != nil {
		return fmt.Errorf("USEF_DAY_AHEAD_GATE_CLOSURE_TIME must be HH:MM: %w", err)
	}
	if !strings.Contains(c.USEF.EndpointTemplate, "%s") {
		return fmt.Errorf("USEF_ENDPOINT_TEMPLATE must contain %%s for the recipient domain")
	}
	if c.Store == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE=postgres")
	}

	return nil
}

// LoadEnvFile loads an explicit env file before Load. Variables already
// set in the environment keep their value.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	paths := []string{
		".env",
		"backend/.env",
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getBackoff(prefix string, retries int, initial, max string) BackoffConfig {
	return BackoffConfig{
		MaxRetries:          getEnvAsInt(prefix+"_MAX_RETRIES", retries),
		InitialInterval:     getEnvAsDuration(prefix+"_INITIAL_INTERVAL", initial),
		MaxInterval:         getEnvAsDuration(prefix+"_MAX_INTERVAL", max),
		Multiplier:          getEnvAsFloat(prefix+"_MULTIPLIER", 2.0),
		RandomizationFactor: getEnvAsFloat(prefix+"_RANDOMIZATION_FACTOR", 0.5),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}

// getEnvAsList splits a comma separated value, dropping empty entries
func getEnvAsList(key string, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	if raw == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
