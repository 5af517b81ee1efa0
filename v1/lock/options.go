package lock

import "time"

const (
	defaultBasePath     = "/lock"
	defaultRetries      = 3
	defaultRetryBackoff = 50 * time.Millisecond
	maxRetryBackoff     = time.Second
	// defaultWaitTimeout bounds a single predecessor wait. It is a safety net
	// against notifications lost across reconnects, not a lock deadline.
	defaultWaitTimeout = time.Second
	// cleanupTimeout bounds the deletion of an abandoned node.
	cleanupTimeout = 5 * time.Second
)

type config struct {
	basePath     string
	retries      int
	retryBackoff time.Duration
	waitTimeout  time.Duration
	tracing      bool
}

func defaultConfig() config {
	return config{
		basePath:     defaultBasePath,
		retries:      defaultRetries,
		retryBackoff: defaultRetryBackoff,
		waitTimeout:  defaultWaitTimeout,
	}
}

// Option configures a Session and the locks created on it.
type Option func(*config)

// WithBasePath sets the persistent node below which every resource gets its
// group root. Defaults to "/lock".
func WithBasePath(p string) Option {
	return func(c *config) {
		c.basePath = p
	}
}

// WithRetries sets how many times an operation failing with a connection
// loss is retried before the error is surfaced. Zero disables retries.
func WithRetries(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithRetryBackoff sets the initial backoff between retries. It doubles on
// every attempt up to one second.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.retryBackoff = d
		}
	}
}

// WithWaitTimeout sets the upper bound of a single wait on a predecessor.
// When it elapses the lock state is re-evaluated; the caller is not failed.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.waitTimeout = d
		}
	}
}

// WithTracing enables OpenTelemetry spans for Lock and Unlock.
func WithTracing() Option {
	return func(c *config) {
		c.tracing = true
	}
}
