package config

import "time"

// CortexConfig holds runtime configuration for the cortex daemon.
type CortexConfig struct {
	Environment       string
	LogLevel          string
	Addr              string
	StateDir          string
	SpecPath          string
	SweepInterval     time.Duration
	StaleAfter        time.Duration
	ObserveBuffer     int
	ShutdownTimeout   time.Duration
	BootstrapConfigs  bool
	AllowAnonymousIDs bool
}

// LoadCortexConfig constructs a CortexConfig from environment variables.
func LoadCortexConfig() CortexConfig {
	return CortexConfig{
		Environment:       GetString("APP_ENV", "development"),
		LogLevel:          GetString("LOG_LEVEL", "info"),
		Addr:              GetString("CORTEX_ADDR", ":7420"),
		StateDir:          GetString("CORTEX_STATE_DIR", ""),
		SpecPath:          GetString("CORTEX_SPEC_PATH", ""),
		SweepInterval:     GetSeconds("CORTEX_SWEEP_SECONDS", 30),
		StaleAfter:        GetSeconds("CORTEX_STALE_SECONDS", 300),
		ObserveBuffer:     GetInt("CORTEX_OBSERVE_BUFFER", 64),
		ShutdownTimeout:   GetSeconds("CORTEX_SHUTDOWN_TIMEOUT_SECONDS", 10),
		BootstrapConfigs:  GetBool("CORTEX_BOOTSTRAP_CONFIGS", true),
		AllowAnonymousIDs: GetBool("CORTEX_ALLOW_ANONYMOUS_IDS", true),
	}
}
