package config

import "time"

// BrokerConfig controls progress publication and the replay cache.
type BrokerConfig struct {
	// ThrottleInterval is the per-job cooldown for non-milestone publishes.
	ThrottleInterval time.Duration

	// CacheSize is the per-job replay window: older events are trimmed.
	CacheSize int

	// CacheTTL is the whole-stream time-to-live, measured from the newest
	// append.
	CacheTTL time.Duration
}

// DefaultBrokerConfig returns the built-in broker defaults.
func DefaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		ThrottleInterval: 500 * time.Millisecond,
		CacheSize:        1000,
		CacheTTL:         time.Hour,
	}
}

func (c *BrokerConfig) loadEnv() error {
	if err := getEnvDuration("BROKER_THROTTLE_INTERVAL", &c.ThrottleInterval); err != nil {
		return err
	}
	if err := getEnvInt("BROKER_CACHE_SIZE", &c.CacheSize); err != nil {
		return err
	}
	return getEnvDuration("BROKER_CACHE_TTL", &c.CacheTTL)
}
