package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Values that must never reach production.
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"internal-service-secret":              true,
	"":                                     true,
}

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	JWT            JWTConfig
	Hypervisor     HypervisorConfig
	Provisioning   ProvisioningConfig
	Guest          GuestConfig
	Notification   NotificationConfig
	Lease          LeaseConfig
	Logging        LoggingConfig
	InternalSecret string
}

type ServerConfig struct {
	Port            string
	Mode            string
	ShutdownTimeout time.Duration
	// Per-user request budget on the user API.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

type JWTConfig struct {
	SecretKey string
}

// HypervisorConfig points at the vSphere-style automation API.
type HypervisorConfig struct {
	URL                string
	Username           string
	Password           string
	InsecureSkipVerify bool
	DefaultNetwork     string
	RequestTimeout     time.Duration
}

type ProvisioningConfig struct {
	PollInterval time.Duration
	PollAttempts int
	RetryDelay   time.Duration
	RetryTimeout time.Duration
}

type GuestConfig struct {
	LinuxAdminUser   string
	WindowsAdminUser string
	DefaultPassword  string
	SSHPort          int
	PortWaitTimeout  time.Duration
	PortWaitInterval time.Duration
	CommandTimeout   time.Duration
}

type NotificationConfig struct {
	ServiceURL string
}

type LeaseConfig struct {
	// Cron spec for the expired-lease report.
	SweepSchedule string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment, optionally seeded by a .env file.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("SERVER_PORT", "8006"),
			Mode:               getEnv("GIN_MODE", "release"),
			ShutdownTimeout:    getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			RateLimitPerSecond: getEnvFloat("RATE_LIMIT_PER_SECOND", 1),
			RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 30),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "saas_user"),
			Password: getEnv("DB_PASSWORD", "saas_pass"),
			DBName:   getEnv("DB_NAME", "saas_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 25)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 5)),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET_KEY", ""),
		},
		Hypervisor: HypervisorConfig{
			URL:                getEnv("HYPERVISOR_URL", "https://vcenter.local"),
			Username:           getEnv("HYPERVISOR_USERNAME", ""),
			Password:           getEnv("HYPERVISOR_PASSWORD", ""),
			InsecureSkipVerify: getEnvBool("HYPERVISOR_INSECURE_SKIP_VERIFY", false),
			DefaultNetwork:     getEnv("HYPERVISOR_DEFAULT_NETWORK", ""),
			RequestTimeout:     getEnvDuration("HYPERVISOR_REQUEST_TIMEOUT", 60*time.Second),
		},
		Provisioning: ProvisioningConfig{
			PollInterval: getEnvDuration("PROVISION_POLL_INTERVAL", 10*time.Second),
			PollAttempts: getEnvInt("PROVISION_POLL_ATTEMPTS", 12),
			RetryDelay:   getEnvDuration("PROVISION_RETRY_DELAY", 5*time.Minute),
			RetryTimeout: getEnvDuration("PROVISION_RETRY_TIMEOUT", 10*time.Minute),
		},
		Guest: GuestConfig{
			LinuxAdminUser:   getEnv("GUEST_LINUX_ADMIN_USER", "root"),
			WindowsAdminUser: getEnv("GUEST_WINDOWS_ADMIN_USER", "Administrator"),
			DefaultPassword:  getEnv("GUEST_DEFAULT_PASSWORD", ""),
			SSHPort:          getEnvInt("GUEST_SSH_PORT", 22),
			PortWaitTimeout:  getEnvDuration("GUEST_PORT_TIMEOUT", 3*time.Minute),
			PortWaitInterval: getEnvDuration("GUEST_PORT_INTERVAL", 5*time.Second),
			CommandTimeout:   getEnvDuration("GUEST_COMMAND_TIMEOUT", 10*time.Minute),
		},
		Notification: NotificationConfig{
			ServiceURL: getEnv("NOTIFICATION_SERVICE_URL", "http://localhost:8007"),
		},
		Lease: LeaseConfig{
			SweepSchedule: getEnv("LEASE_SWEEP_SCHEDULE", "@every 5m"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		InternalSecret: getEnv("INTERNAL_SECRET", ""),
	}

	return cfg
}

// Validate rejects configurations that are unsafe or cannot provision anything.
func (c *Config) Validate() error {
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("INTERNAL_SECRET must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long")
	}

	if c.Hypervisor.Username == "" || c.Hypervisor.Password == "" {
		return fmt.Errorf("HYPERVISOR_USERNAME and HYPERVISOR_PASSWORD are required")
	}
	if c.Guest.DefaultPassword == "" {
		return fmt.Errorf("GUEST_DEFAULT_PASSWORD is required")
	}
	if c.Provisioning.PollAttempts < 1 {
		return fmt.Errorf("PROVISION_POLL_ATTEMPTS must be at least 1")
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
