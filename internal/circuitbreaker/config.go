package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// BreakerConfig represents tunable configuration for one breaker
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// RedisConfig returns the Redis breaker configuration from environment variables.
// Redis backs the supersession registry, so the breaker recovers fast: a slow
// open-state timeout would turn every liveness check into a false negative.
func RedisConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      getEnvUint32("CB_REDIS_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_REDIS_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_REDIS_TIMEOUT", 10*time.Second),
		FailureThreshold: getEnvUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_REDIS_SUCCESS_THRESHOLD", 2),
	}
}

// DatabaseConfig returns the PostgreSQL breaker configuration from environment variables
func DatabaseConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      getEnvUint32("CB_DB_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("CB_DB_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("CB_DB_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("CB_DB_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_DB_SUCCESS_THRESHOLD", 2),
	}
}

// HTTPConfig returns the outbound HTTP breaker configuration from environment
// variables. Covers the vector store and other HTTP sidecars.
func HTTPConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      getEnvUint32("CB_HTTP_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("CB_HTTP_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_HTTP_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_HTTP_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_HTTP_SUCCESS_THRESHOLD", 2),
	}
}

// ToConfig converts BreakerConfig to a breaker Config
func (bc BreakerConfig) ToConfig() Config {
	return Config{
		MaxRequests:      bc.MaxRequests,
		Interval:         bc.Interval,
		Timeout:          bc.Timeout,
		FailureThreshold: bc.FailureThreshold,
		SuccessThreshold: bc.SuccessThreshold,
		OnStateChange:    nil, // Set by the wrapper
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
