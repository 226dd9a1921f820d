package resilience

import "time"

// Defaults sized for one local webhook receiver. A wake notice older than a
// few seconds is useless, so the retry budget stays small.
const (
	DefaultThreshold         = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultHalfOpenSuccesses = 1

	DefaultMaxRetries   = 3
	DefaultBaseDelay    = 200 * time.Millisecond
	DefaultMaxDelay     = 2 * time.Second
	DefaultJitterFactor = 0.2
)

// Config tunes a Breaker. Zero fields take the package defaults.
type Config struct {
	Threshold         int           // consecutive failures that open the circuit
	ResetTimeout      time.Duration // open period before a probe is admitted
	HalfOpenSuccesses int           // probes that must pass to close again
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() Config { return Config{}.withDefaults() }

func (c Config) withDefaults() Config {
	c.Threshold = positive(c.Threshold, DefaultThreshold)
	c.ResetTimeout = positive(c.ResetTimeout, DefaultResetTimeout)
	c.HalfOpenSuccesses = positive(c.HalfOpenSuccesses, DefaultHalfOpenSuccesses)
	return c
}

// RetryConfig tunes Retry. A nil IsRetryable retries only transient errors.
type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	IsRetryable  func(error) bool
}

// DefaultRetryConfig returns a RetryConfig with every field at its default.
func DefaultRetryConfig() RetryConfig { return RetryConfig{JitterFactor: DefaultJitterFactor}.withDefaults() }

func (c RetryConfig) withDefaults() RetryConfig {
	c.MaxRetries = positive(c.MaxRetries, DefaultMaxRetries)
	c.BaseDelay = positive(c.BaseDelay, DefaultBaseDelay)
	c.MaxDelay = positive(c.MaxDelay, DefaultMaxDelay)
	c.JitterFactor = max(c.JitterFactor, 0)
	if c.IsRetryable == nil {
		c.IsRetryable = IsTransient
	}
	return c
}

func positive[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}
