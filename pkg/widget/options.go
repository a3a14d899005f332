package widget

import (
	"log/slog"
	"time"

	"github.com/lightforgemedia/go-supportchat/pkg/client"
	"github.com/lightforgemedia/go-supportchat/pkg/session"
)

const (
	defaultTypingTimeout    = 2 * time.Second
	defaultMaxMessageLength = 2000
	defaultMaxUploadSize    = 5 << 20
	defaultRequestTimeout   = 10 * time.Second
	defaultReconnectMin     = 500 * time.Millisecond
	defaultReconnectMax     = 10 * time.Second
	defaultEventBuffer      = 64
)

type config struct {
	logger           *slog.Logger
	store            session.Store
	storageKey       string
	sessionTTL       time.Duration
	typingTimeout    time.Duration
	maxMessageLength int
	maxUploadSize    int
	requestTimeout   time.Duration
	reconnectMin     time.Duration
	reconnectMax     time.Duration
	eventBuffer      int
	clientName       string
	clientOptions    []client.Option
	now              func() time.Time
}

func defaultConfig() config {
	return config{
		logger:           slog.Default(),
		storageKey:       session.DefaultKey,
		sessionTTL:       session.DefaultTTL,
		typingTimeout:    defaultTypingTimeout,
		maxMessageLength: defaultMaxMessageLength,
		maxUploadSize:    defaultMaxUploadSize,
		requestTimeout:   defaultRequestTimeout,
		reconnectMin:     defaultReconnectMin,
		reconnectMax:     defaultReconnectMax,
		eventBuffer:      defaultEventBuffer,
		clientName:       "support-widget",
		now:              time.Now,
	}
}

// Option configures a Widget.
type Option func(*config)

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStore sets where the chat session is persisted. Defaults to a
// MemoryStore.
func WithStore(store session.Store) Option {
	return func(c *config) {
		c.store = store
	}
}

func WithStorageKey(key string) Option {
	return func(c *config) {
		if key != "" {
			c.storageKey = key
		}
	}
}

// WithSessionTTL sets how long a stored session stays resumable.
func WithSessionTTL(ttl time.Duration) Option {
	return func(c *config) {
		if ttl > 0 {
			c.sessionTTL = ttl
		}
	}
}

// WithTypingTimeout sets the idle time after which the typing indicator is
// switched off.
func WithTypingTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.typingTimeout = d
		}
	}
}

func WithMaxMessageLength(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxMessageLength = n
		}
	}
}

func WithMaxUploadSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxUploadSize = n
		}
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithReconnectDelay bounds the transport's reconnect backoff.
func WithReconnectDelay(minDelay, maxDelay time.Duration) Option {
	return func(c *config) {
		if minDelay > 0 {
			c.reconnectMin = minDelay
		}
		if maxDelay > 0 {
			c.reconnectMax = maxDelay
		}
	}
}

// WithEventBuffer sets the per-subscriber event buffer.
func WithEventBuffer(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.eventBuffer = n
		}
	}
}

// WithClientName sets the name the transport registers with.
func WithClientName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.clientName = name
		}
	}
}

// WithClientOptions passes extra options to the underlying transport client.
func WithClientOptions(opts ...client.Option) Option {
	return func(c *config) {
		c.clientOptions = append(c.clientOptions, opts...)
	}
}

// WithClock replaces time.Now for session timestamps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}
