package config

import "time"

// StreamConfig controls the client-facing transports.
type StreamConfig struct {
	// SSEKeepalive is the interval between keepalive frames on event streams.
	SSEKeepalive time.Duration

	// WSWriteTimeout bounds each push-socket write; a client that cannot
	// drain within it is disconnected.
	WSWriteTimeout time.Duration

	// SubscribePerSecond and SubscribeBurst bound resubscription attempts
	// per subject and job.
	SubscribePerSecond float64
	SubscribeBurst     int
}

// DefaultStreamConfig returns the built-in transport defaults.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		SSEKeepalive:       30 * time.Second,
		WSWriteTimeout:     10 * time.Second,
		SubscribePerSecond: 1,
		SubscribeBurst:     5,
	}
}

func (c *StreamConfig) loadEnv() error {
	if err := getEnvDuration("STREAM_SSE_KEEPALIVE", &c.SSEKeepalive); err != nil {
		return err
	}
	if err := getEnvDuration("STREAM_WS_WRITE_TIMEOUT", &c.WSWriteTimeout); err != nil {
		return err
	}
	if err := getEnvFloat("STREAM_SUBSCRIBE_PER_SECOND", &c.SubscribePerSecond); err != nil {
		return err
	}
	return getEnvInt("STREAM_SUBSCRIBE_BURST", &c.SubscribeBurst)
}
