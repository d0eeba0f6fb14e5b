package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/authority/internal/mail"
	"github.com/example/authority/internal/password"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "CONFIG_PATH"

	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"

	AdapterPostgres = "postgres"
	AdapterSQLite   = "sqlite"
	AdapterMemory   = "memory"

	MailSMTP = "smtp"
	MailLog  = "log"
)

type Config struct {
	Port       string `yaml:"port"`
	Env        string `yaml:"env"`
	DBAdapter  string `yaml:"db_adapter"`
	SQLiteFile string `yaml:"sqlite_file"`
	// PostgreSQL connection settings
	PostgresDSN      string `yaml:"postgres_dsn"`
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     string `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	AppBaseURL    string `yaml:"app_base_url"`
	MailTransport string `yaml:"mail_transport"`
	SMTPHost      string `yaml:"smtp_host"`
	SMTPPort      int    `yaml:"smtp_port"`
	SMTPUser      string `yaml:"smtp_user"`
	SMTPPassword  string `yaml:"smtp_password"`
	SMTPFromEmail string `yaml:"smtp_from_email"`
	SMTPFromName  string `yaml:"smtp_from_name"`
	// SMTPTLS is mandatory, opportunistic or none.
	SMTPTLS string `yaml:"smtp_tls"`

	// BcryptCost overrides the tier default when non-zero.
	BcryptCost    int           `yaml:"bcrypt_cost"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	LogLevel           string   `yaml:"log_level"`
	LogFormat          string   `yaml:"log_format"`
}

func defaults() *Config {
	return &Config{
		Port:             "8080",
		Env:              EnvDevelopment,
		DBAdapter:        AdapterPostgres,
		SQLiteFile:       "./data/authority.db",
		PostgresHost:     "localhost",
		PostgresPort:     "5432",
		PostgresUser:     "authority",
		PostgresPassword: "authority",
		PostgresDB:       "authority",
		PostgresSSLMode:  "disable",
		AppBaseURL:       "http://localhost:3000",
		MailTransport:    MailSMTP,
		SMTPHost:         "localhost",
		SMTPPort:         1025,
		SMTPFromEmail:    "noreply@authority.local",
		SMTPFromName:     "Authority",
		SMTPTLS:          mail.TLSOpportunistic,
		SweepInterval:    time.Hour,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// Production reports whether the process runs in the production tier.
func (c *Config) Production() bool { return c.Env == EnvProduction }

// PasswordCost is the bcrypt cost for this tier unless overridden.
func (c *Config) PasswordCost() int {
	if c.BcryptCost > 0 {
		return c.BcryptCost
	}
	if c.Production() {
		return password.ProductionCost
	}
	return password.DevelopmentCost
}

// SecureCookies reports whether session cookies carry the Secure flag.
func (c *Config) SecureCookies() bool { return c.Production() }

// New resolves configuration from defaults, then the YAML file named by
// CONFIG_PATH, then environment variables.
func New() (*Config, error) {
	c := defaults()

	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	c.Port = getenv("PORT", c.Port)
	c.Env = getenv("APP_ENV", getenv("NODE_ENV", getenv("ENV", c.Env)))
	c.DBAdapter = getenv("DB_ADAPTER", c.DBAdapter)
	c.SQLiteFile = getenv("SQLITE_FILE", c.SQLiteFile)

	c.PostgresDSN = getenv("POSTGRES_DSN", c.PostgresDSN)
	c.PostgresHost = getenv("POSTGRES_HOST", getenv("DB_HOST", c.PostgresHost))
	c.PostgresPort = getenv("POSTGRES_PORT", getenv("DB_PORT", c.PostgresPort))
	c.PostgresUser = getenv("POSTGRES_USER", getenv("DB_USER", c.PostgresUser))
	c.PostgresPassword = getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", c.PostgresPassword))
	c.PostgresDB = getenv("POSTGRES_DB", getenv("DB_NAME", c.PostgresDB))
	c.PostgresSSLMode = getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", c.PostgresSSLMode))

	c.AppBaseURL = getenv("APP_BASE_URL", c.AppBaseURL)
	c.MailTransport = getenv("MAIL_TRANSPORT", c.MailTransport)
	c.SMTPHost = getenv("SMTP_HOST", c.SMTPHost)
	c.SMTPUser = getenv("SMTP_USER", c.SMTPUser)
	c.SMTPPassword = getenv("SMTP_PASSWORD", c.SMTPPassword)
	c.SMTPFromEmail = getenv("SMTP_FROM_EMAIL", c.SMTPFromEmail)
	c.SMTPFromName = getenv("SMTP_FROM_NAME", c.SMTPFromName)
	c.SMTPTLS = getenv("SMTP_TLS", c.SMTPTLS)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getenv("LOG_FORMAT", c.LogFormat)

	if v := os.Getenv("SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SMTP_PORT: %s", v)
		}
		c.SMTPPort = port
	}
	if v := os.Getenv("BCRYPT_COST"); v != "" {
		cost, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BCRYPT_COST: %s", v)
		}
		c.BcryptCost = cost
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
		}
		c.SweepInterval = d
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORSAllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSAllowedOrigins = append(c.CORSAllowedOrigins, o)
			}
		}
	}
	return nil
}

func (c *Config) validate() error {
	c.Env = strings.ToLower(c.Env)
	switch c.Env {
	case "prod":
		c.Env = EnvProduction
	case "dev", "":
		c.Env = EnvDevelopment
	case EnvDevelopment, EnvTest, EnvProduction:
	default:
		return fmt.Errorf("invalid APP_ENV: %s", c.Env)
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}

	switch c.DBAdapter {
	case AdapterPostgres:
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case AdapterSQLite:
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case AdapterMemory:
	default:
		return fmt.Errorf("unknown DB_ADAPTER: %s", c.DBAdapter)
	}

	switch c.MailTransport {
	case MailSMTP:
		if c.SMTPHost == "" {
			return errors.New("SMTP_HOST must be set when MAIL_TRANSPORT=smtp")
		}
		switch c.SMTPTLS {
		case mail.TLSMandatory, mail.TLSOpportunistic, mail.TLSNone:
		default:
			return fmt.Errorf("unknown SMTP_TLS: %s (supported: mandatory, opportunistic, none)", c.SMTPTLS)
		}
	case MailLog:
	default:
		return fmt.Errorf("unknown MAIL_TRANSPORT: %s", c.MailTransport)
	}

	if c.SweepInterval < 0 {
		return fmt.Errorf("invalid SWEEP_INTERVAL: %s", c.SweepInterval)
	}
	return nil
}
