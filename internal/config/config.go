package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth"     validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker"   validate:"required"`
	Scanner  ScannerConfig  `mapstructure:"scanner"  validate:"required"`
}

// ServerConfig contains all HTTP server related settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret"             validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// WorkerConfig contains the job processor settings.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency" validate:"required,gt=0,lte=64"`
	MaxRetries  int `mapstructure:"max_retries" validate:"required,gt=0,lte=10"`
}

// ScannerConfig contains the overdue task scanner settings.
type ScannerConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes" validate:"required,gt=0"`
	BatchSize       int `mapstructure:"batch_size"       validate:"required,gt=0,lte=1000"`
}
