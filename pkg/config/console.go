package config

import "time"

// ConsoleConfig holds runtime configuration for the sandbox console daemon.
type ConsoleConfig struct {
	Environment        string
	Addr               string
	SandboxIdentifier  string
	StackName          string
	AWSRegion          string
	DataDir            string
	StaticDir          string
	SandboxCommand     string
	SandboxArgs        string
	LogPollInterval    time.Duration
	MaxLogSizeMB       int
	DedupWindowSize    int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	ShutdownGrace      time.Duration
}

// LoadConsoleConfig constructs a ConsoleConfig from environment variables.
func LoadConsoleConfig() ConsoleConfig {
	return ConsoleConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("CONSOLE_ADDR", ":3017"),
		SandboxIdentifier:  GetString("SANDBOX_IDENTIFIER", ""),
		StackName:          GetString("SANDBOX_STACK_NAME", ""),
		AWSRegion:          GetString("AWS_REGION", ""),
		DataDir:            GetString("CONSOLE_DATA_DIR", ".sandbox-console"),
		StaticDir:          GetString("CONSOLE_STATIC_DIR", ""),
		SandboxCommand:     GetString("SANDBOX_COMMAND", "npx"),
		SandboxArgs:        GetString("SANDBOX_ARGS", "ampx sandbox"),
		LogPollInterval:    GetDuration("LOG_POLL_INTERVAL", 3*time.Second),
		MaxLogSizeMB:       GetInt("MAX_LOG_SIZE_MB", 50),
		DedupWindowSize:    GetInt("EVENT_DEDUP_WINDOW", 100),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		ShutdownGrace:      GetDuration("SHUTDOWN_GRACE", 10*time.Second),
	}
}
