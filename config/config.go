package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-wide configuration, read once at startup and
// read-only afterwards.
type Config struct {
	ServerPort  int
	Environment string
	Database    DatabaseConfig
	JWT         JWTConfig
	Auth        AuthConfig
	Mailer      MailerConfig
	MQ          MQConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	UseSSL   bool
}

type JWTConfig struct {
	// Secret signs session tokens. Required outside dev.
	Secret string

	// ExpireDays is the session token TTL and cookie lifetime in days.
	ExpireDays int
}

type AuthConfig struct {
	// BcryptCost is the password hashing work factor.
	BcryptCost int

	// VerificationTTL bounds how long an email-verification token stays
	// redeemable; ResetTTL does the same for password-reset tokens.
	VerificationTTL time.Duration
	ResetTTL        time.Duration

	// BaseURL is the public origin used to build emailed links.
	BaseURL string
}

type MailerConfig struct {
	// Backend selects the mail transport: "smtp" or "log".
	Backend  string
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

type MQConfig struct {
	// Backend selects the event broker: "none", "rabbitmq", or "pubsub".
	Backend  string
	RabbitMQ RabbitMQConfig
	PubSub   PubSubConfig
}

type RabbitMQConfig struct {
	URL             string
	QueueDurable    bool
	QueueAutoDelete bool
}

type PubSubConfig struct {
	ProjectID       string
	CredentialsFile string
}

// IsProduction reports whether the process runs in production mode.
// It controls the Secure attribute on the session cookie.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func LoadConfig() Config {
	if os.Getenv("ENV") == "dev" {
		godotenv.Load()
	}

	return Config{
		ServerPort:  getEnvInt("SERVER_PORT", 8080),
		Environment: getEnv("ENV", "dev"),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "dealspot"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "dealspot_db"),
			UseSSL:   getEnvBool("DB_USE_SSL", false),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", ""),
			ExpireDays: getEnvInt("JWT_EXPIRE_DAYS", 30),
		},
		Auth: AuthConfig{
			BcryptCost:      getEnvInt("BCRYPT_COST", 12),
			VerificationTTL: getEnvDuration("VERIFICATION_TOKEN_TTL", 24*time.Hour),
			ResetTTL:        getEnvDuration("RESET_TOKEN_TTL", time.Hour),
			BaseURL:         getEnv("APP_BASE_URL", "http://localhost:8080"),
		},
		Mailer: MailerConfig{
			Backend:  getEnv("MAILER_BACKEND", "log"),
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "no-reply@dealspot.example"),
			Timeout:  getEnvDuration("SMTP_TIMEOUT", 10*time.Second),
		},
		MQ: MQConfig{
			Backend: getEnv("MQ_BACKEND", "none"),
			RabbitMQ: RabbitMQConfig{
				URL:             getEnv("RABBITMQ_URL", ""),
				QueueDurable:    getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
				QueueAutoDelete: getEnvBool("RABBITMQ_QUEUE_AUTODELETE", false),
			},
			PubSub: PubSubConfig{
				ProjectID:       getEnv("PUBSUB_PROJECT_ID", ""),
				CredentialsFile: getEnv("PUBSUB_CREDENTIALS_FILE", ""),
			},
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		fmt.Sscanf(valueStr, "%d", &value)
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}
