// Package config reads daemon settings from the environment. Both the
// cortex and neuron daemons are configured exclusively through env vars
// so they can run unchanged under systemd, containers, or a dev shell.
package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// GetString returns the value of key, or fallback when the variable is unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt parses key as a base-10 integer. Malformed values are logged
// and the fallback is used instead of failing startup.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool parses key with strconv.ParseBool semantics.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetSeconds reads key as a whole number of seconds. All interval knobs
// in the fabric use second granularity on the wire.
func GetSeconds(key string, fallback int) time.Duration {
	return time.Duration(GetInt(key, fallback)) * time.Second
}
