package verity

import (
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds overrides applied on top of the environment config.
type resolvedOptions struct {
	port            int
	databaseURL     string
	logger          *slog.Logger
	version         string
	shutdownTimeout time.Duration
	mockEngine      bool
}

// WithPort overrides the TCP port from config (VERITY_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the task store location from config (DATABASE_URL env var).
// postgres://… selects Postgres; sqlite:… or file:… selects SQLite.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithShutdownTimeout bounds how long Run waits for in-flight requests and
// analyses after its context is cancelled. Defaults to 30s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.shutdownTimeout = d }
}

// WithMockEngine forces the built-in mock analysis even when OPENAI_API_KEY
// is set.
func WithMockEngine() Option {
	return func(o *resolvedOptions) { o.mockEngine = true }
}

func resolve(opts []Option) resolvedOptions {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.version == "" {
		o.version = "dev"
	}
	if o.shutdownTimeout <= 0 {
		o.shutdownTimeout = defaultShutdownTimeout
	}
	return o
}
