package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultClientSendBuffer   = 16
	defaultClientReqTimeout   = 10 * time.Second
	defaultWriteClientTimeout = 5 * time.Second
	defaultReadLimit          = 1 << 20
	// Client-initiated pings are disabled by default; the server pings.
	libraryDefaultClientPingInterval = 0 * time.Second
	defaultReconnectAttempts         = 0
	defaultReconnectDelayMin         = 1 * time.Second
	defaultReconnectDelayMax         = 30 * time.Second
)

type subscription struct {
	topic   string
	handler any
}

type clientConfig struct {
	logger                *slog.Logger
	dialOptions           *websocket.DialOptions
	defaultRequestTimeout time.Duration
	writeTimeout          time.Duration
	pingInterval          time.Duration
	readLimit             int64
	autoReconnect         bool
	reconnectAttempts     int // 0 means unlimited
	reconnectDelayMin     time.Duration
	reconnectDelayMax     time.Duration
	clientID              string
	clientName            string
	clientType            string
	clientURL             string
	onConnect             func()
	onDisconnect          func(error)
	subscriptions         []subscription
	parent                context.Context
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.config.logger = logger
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Client) {
		c.config.dialOptions = opts
	}
}

// WithDefaultRequestTimeout bounds requests whose context carries no earlier
// deadline. It also bounds the dial.
func WithDefaultRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.defaultRequestTimeout = timeout
		}
	}
}

// WithWriteTimeout sets the timeout for writing one frame.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.writeTimeout = timeout
		}
	}
}

// WithClientPingInterval enables client-initiated pings. interval <= 0 disables them.
func WithClientPingInterval(interval time.Duration) Option {
	return func(c *Client) {
		c.config.pingInterval = interval
	}
}

// WithReadLimit sets the largest frame, in bytes, accepted from the server.
func WithReadLimit(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.config.readLimit = n
		}
	}
}

// WithAutoReconnect enables automatic reconnection with exponential backoff
// and jitter. maxAttempts = 0 retries forever.
func WithAutoReconnect(maxAttempts int, minDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.config.autoReconnect = true
		c.config.reconnectAttempts = maxAttempts
		if minDelay > 0 {
			c.config.reconnectDelayMin = minDelay
		}
		if maxDelay > 0 {
			c.config.reconnectDelayMax = maxDelay
		}
		if c.config.reconnectDelayMax < c.config.reconnectDelayMin {
			c.config.reconnectDelayMax = c.config.reconnectDelayMin
		}
	}
}

// WithClientID sets the id sent as client_id and during registration.
// It stays the same across reconnects. Defaults to a random UUID.
func WithClientID(id string) Option {
	return func(c *Client) {
		c.config.clientID = id
	}
}

// WithClientName sets a custom name for the client.
func WithClientName(name string) Option {
	return func(c *Client) {
		c.config.clientName = name
	}
}

// WithClientType sets the client type.
func WithClientType(clientType string) Option {
	return func(c *Client) {
		c.config.clientType = clientType
	}
}

// WithClientURL sets the client URL.
func WithClientURL(url string) Option {
	return func(c *Client) {
		c.config.clientURL = url
	}
}

// WithOnConnect registers a callback run on the dispatch goroutine after every
// successful connect, once registration and re-subscription are done.
func WithOnConnect(fn func()) Option {
	return func(c *Client) {
		c.config.onConnect = fn
	}
}

// WithOnDisconnect registers a callback run on the dispatch goroutine when an
// established connection drops. It is not called after Close.
func WithOnDisconnect(fn func(error)) Option {
	return func(c *Client) {
		c.config.onDisconnect = fn
	}
}

// WithSubscription registers a subscription before the first dial so that no
// publish can arrive ahead of its handler. handler has the same shape as for
// Subscribe.
func WithSubscription(topic string, handler any) Option {
	return func(c *Client) {
		c.config.subscriptions = append(c.config.subscriptions, subscription{topic: topic, handler: handler})
	}
}

// WithContext sets a parent context; cancelling it closes the client.
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
//	defer cancel()
//	cli, err := client.Connect("ws://localhost:8080/ws", client.WithContext(ctx))
func WithContext(ctx context.Context) Option {
	return func(c *Client) {
		if ctx != nil {
			c.config.parent = ctx
		}
	}
}

// Options contains configuration values for ConnectWithOptions.
type Options struct {
	Logger                *slog.Logger
	DialOptions           *websocket.DialOptions
	DefaultRequestTimeout time.Duration
	WriteTimeout          time.Duration
	PingInterval          time.Duration
	ReadLimit             int64
	AutoReconnect         bool
	ReconnectAttempts     int
	ReconnectDelayMin     time.Duration
	ReconnectDelayMax     time.Duration
	ClientID              string
	ClientName            string
	ClientType            string
	ClientURL             string
	OnConnect             func()
	OnDisconnect          func(error)
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:                slog.Default(),
		DialOptions:           &websocket.DialOptions{HTTPClient: http.DefaultClient},
		DefaultRequestTimeout: defaultClientReqTimeout,
		WriteTimeout:          defaultWriteClientTimeout,
		PingInterval:          libraryDefaultClientPingInterval,
		ReadLimit:             defaultReadLimit,
		ReconnectAttempts:     defaultReconnectAttempts,
		ReconnectDelayMin:     defaultReconnectDelayMin,
		ReconnectDelayMax:     defaultReconnectDelayMax,
	}
}

// ConnectWithOptions validates opts and connects. Extra functional options are
// applied after the struct values.
func ConnectWithOptions(urlStr string, opts Options, extraOpts ...Option) (*Client, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	fns := []Option{
		WithLogger(opts.Logger),
		WithDialOptions(opts.DialOptions),
		WithDefaultRequestTimeout(opts.DefaultRequestTimeout),
		WithWriteTimeout(opts.WriteTimeout),
		WithClientPingInterval(opts.PingInterval),
		WithReadLimit(opts.ReadLimit),
		WithClientID(opts.ClientID),
		WithClientName(opts.ClientName),
		WithClientType(opts.ClientType),
		WithClientURL(opts.ClientURL),
		WithOnConnect(opts.OnConnect),
		WithOnDisconnect(opts.OnDisconnect),
	}
	if opts.AutoReconnect {
		fns = append(fns, WithAutoReconnect(opts.ReconnectAttempts, opts.ReconnectDelayMin, opts.ReconnectDelayMax))
	}
	return Connect(urlStr, append(fns, extraOpts...)...)
}

func validateOptions(opts Options) error {
	switch {
	case opts.DefaultRequestTimeout < 0:
		return errors.New("DefaultRequestTimeout must be non-negative")
	case opts.WriteTimeout < 0:
		return errors.New("WriteTimeout must be non-negative")
	case opts.ReadLimit < 0:
		return errors.New("ReadLimit must be non-negative")
	case opts.ReconnectAttempts < 0:
		return errors.New("ReconnectAttempts must be non-negative")
	case opts.ReconnectDelayMin < 0 || opts.ReconnectDelayMax < 0:
		return errors.New("reconnect delays must be non-negative")
	}
	return nil
}
