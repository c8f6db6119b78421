package config

import (
	"fmt"
	"time"
)

// Config is everything one clinic instance needs. It is built once in main and passed down.
type Config struct {
	Host string
	Port string

	LogLevel  string
	LogFormat string

	JWTSecret     string
	BasicAuthUser string
	BasicAuthPass string

	DBDSN        string
	PatientTable string
	Redis        RedisConfig

	Clinic Clinic
}

type Clinic struct {
	Timezone *time.Location
	Rooms    int

	CallTimeout   time.Duration
	TimeoutAction string // no_show | recall
	ScanInterval  time.Duration

	ReplayBuffer      int
	ReplayWindow      time.Duration
	SubscriberBuffer  int
	HeartbeatInterval time.Duration

	OpenAt  string
	CloseAt string

	StoreDriver    string // memory | mysql
	SequenceDriver string // memory | redis
	JournalEnabled bool
}

// Load reads the environment (after LoadEnv) into a Config.
func Load() (*Config, error) {
	tzName := GetEnv("CLINIC_TIMEZONE", "Asia/Jakarta")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", tzName, err)
	}

	cfg := &Config{
		Host:          GetEnv("APP_HOST", ""),
		Port:          GetEnv("APP_PORT", "8080"),
		LogLevel:      GetEnv("LOG_LEVEL", "info"),
		LogFormat:     GetEnv("LOG_FORMAT", "json"),
		JWTSecret:     GetEnv("JWT_SECRET", ""),
		BasicAuthUser: GetEnv("BASIC_AUTH_USER", ""),
		BasicAuthPass: GetEnv("BASIC_AUTH_PASS", ""),
		DBDSN:         GetEnv("DB_DSN", ""),
		PatientTable:  GetEnv("PATIENT_TABLE", ""),
		Redis: RedisConfig{
			Addr:     GetEnv("REDIS_ADDR", "localhost:6379"),
			Password: GetEnv("REDIS_PASSWORD", ""),
			DB:       GetEnvInt("REDIS_DB", 0),
		},
		Clinic: Clinic{
			Timezone:          loc,
			Rooms:             GetEnvInt("CLINIC_ROOMS", 1),
			CallTimeout:       GetEnvDuration("CALL_TIMEOUT", 5*time.Minute),
			TimeoutAction:     GetEnv("TIMEOUT_ACTION", "no_show"),
			ScanInterval:      GetEnvDuration("TIMEOUT_SCAN_INTERVAL", 15*time.Second),
			ReplayBuffer:      GetEnvInt("REPLAY_BUFFER", 256),
			ReplayWindow:      GetEnvDuration("REPLAY_WINDOW", 30*time.Minute),
			SubscriberBuffer:  GetEnvInt("SUBSCRIBER_BUFFER", 64),
			HeartbeatInterval: GetEnvDuration("HEARTBEAT_INTERVAL", 20*time.Second),
			OpenAt:            GetEnv("CLINIC_OPEN_AT", "07:00"),
			CloseAt:           GetEnv("CLINIC_CLOSE_AT", "21:00"),
			StoreDriver:       GetEnv("STORE_DRIVER", "memory"),
			SequenceDriver:    GetEnv("SEQUENCE_DRIVER", "memory"),
			JournalEnabled:    GetEnvBool("JOURNAL_ENABLED", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Clinic.Rooms < 1 {
		return fmt.Errorf("CLINIC_ROOMS must be at least 1, got %d", c.Clinic.Rooms)
	}
	switch c.Clinic.TimeoutAction {
	case "no_show", "recall":
	default:
		return fmt.Errorf("TIMEOUT_ACTION must be no_show or recall, got %q", c.Clinic.TimeoutAction)
	}
	switch c.Clinic.StoreDriver {
	case "memory":
	case "mysql":
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required for STORE_DRIVER=mysql")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Clinic.StoreDriver)
	}
	switch c.Clinic.SequenceDriver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown SEQUENCE_DRIVER %q", c.Clinic.SequenceDriver)
	}
	return nil
}

// NeedsRedis reports whether any component is backed by Redis.
func (c *Config) NeedsRedis() bool {
	return c.Clinic.SequenceDriver == "redis" || c.Clinic.JournalEnabled
}
