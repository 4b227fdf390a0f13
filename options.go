package slabcache

import "log/slog"

type config struct {
	secure bool
	logger *slog.Logger
}

func defaultConfig() config {
	return config{}
}

// Option configures a Cache at construction time.
type Option func(*config)

// WithSecure zeroes object memory on Free, before the free-list node is
// overlaid on it.
func WithSecure() Option {
	return func(c *config) {
		c.secure = true
	}
}

// WithLogger sets a structured logger for slab lifecycle events. Slab
// allocation and reclamation are logged at debug level; the default is no
// logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}
