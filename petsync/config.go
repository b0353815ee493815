// ABOUTME: Configuration structs for the remote client and sync scheduler.
package petsync

import "time"

// RemoteConfig controls the remote synchronization client.
type RemoteConfig struct {
	BaseURL   string
	DeviceID  string        // stable per device/account
	AuthToken string        // bearer token for the sync server
	Timeout   time.Duration // per-request timeout, default 15s
	Retry     RetryConfig   // zero value uses defaults
}

// GetRetryConfig returns Retry config or defaults if not set.
func (c RemoteConfig) GetRetryConfig() RetryConfig {
	if c.Retry.MaxAttempts == 0 {
		return DefaultRetryConfig()
	}
	return c.Retry
}

// SchedulerConfig controls the periodic sync scheduler.
type SchedulerConfig struct {
	Interval    time.Duration // time between automatic passes, default 60s
	StatusReset time.Duration // delay before Completed/Failed revert to Idle, default 5s
}

// DefaultSchedulerConfig returns the standard cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:    60 * time.Second,
		StatusReset: 5 * time.Second,
	}
}

func (c SchedulerConfig) interval() time.Duration {
	if c.Interval <= 0 {
		return 60 * time.Second
	}
	return c.Interval
}

func (c SchedulerConfig) statusReset() time.Duration {
	if c.StatusReset <= 0 {
		return 5 * time.Second
	}
	return c.StatusReset
}

