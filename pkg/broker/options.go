package broker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultClientSendBuffer     = 16
	defaultRequestQueue         = 64
	defaultWriteTimeout         = 10 * time.Second
	libraryDefaultPingInterval  = 30 * time.Second
	defaultServerRequestTimeout = 10 * time.Second
	defaultReadLimit            = 1 << 20
	defaultRateLimit            = 20
	defaultRateBurst            = 40
	slowClientDropThreshold     = 3
)

type brokerConfig struct {
	logger               *slog.Logger
	acceptOptions        *websocket.AcceptOptions
	clientSendBuffer     int
	requestQueue         int
	writeTimeout         time.Duration
	pingInterval         time.Duration // 0 means default, <0 disables
	serverRequestTimeout time.Duration
	readLimit            int64
	rateLimit            float64 // envelopes per second; <=0 disables
	rateBurst            int
	onConnect            func(ClientHandle)
	onDisconnect         func(ClientHandle)
	relayFilter          func(topic string) bool // nil relays every unhandled topic
}

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.config.logger = logger
		}
	}
}

// WithAcceptOptions provides custom websocket.AcceptOptions.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(b *Broker) {
		b.config.acceptOptions = opts
	}
}

// WithClientSendBuffer sets the buffer size for outgoing messages per client.
// A client that lets the buffer overflow three times is disconnected.
func WithClientSendBuffer(size int) Option {
	return func(b *Broker) {
		if size > 0 {
			b.config.clientSendBuffer = size
		}
	}
}

// WithRequestQueue sets how many inbound requests and publishes may wait for
// the per-connection worker before new ones are rejected.
func WithRequestQueue(size int) Option {
	return func(b *Broker) {
		if size > 0 {
			b.config.requestQueue = size
		}
	}
}

// WithPingInterval sets the server-initiated ping interval.
// interval < 0 disables pings, 0 uses the default of 30s.
func WithPingInterval(interval time.Duration) Option {
	return func(b *Broker) {
		b.config.pingInterval = interval
	}
}

// WithWriteTimeout sets the write timeout for sending messages to clients.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(b *Broker) {
		if timeout > 0 {
			b.config.writeTimeout = timeout
		}
	}
}

// WithServerRequestTimeout sets the timeout for server-initiated requests to clients.
func WithServerRequestTimeout(timeout time.Duration) Option {
	return func(b *Broker) {
		if timeout > 0 {
			b.config.serverRequestTimeout = timeout
		}
	}
}

// WithReadLimit sets the largest frame, in bytes, accepted from a client.
func WithReadLimit(n int64) Option {
	return func(b *Broker) {
		if n > 0 {
			b.config.readLimit = n
		}
	}
}

// WithRateLimit sets the per-connection token bucket applied to inbound
// requests and publishes. perSecond <= 0 disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(b *Broker) {
		b.config.rateLimit = perSecond
		if burst > 0 {
			b.config.rateBurst = burst
		}
	}
}

// WithOnConnect registers a callback run after a connection is accepted.
func WithOnConnect(fn func(ClientHandle)) Option {
	return func(b *Broker) {
		b.config.onConnect = fn
	}
}

// WithOnDisconnect registers a callback run after a connection is removed.
func WithOnDisconnect(fn func(ClientHandle)) Option {
	return func(b *Broker) {
		b.config.onDisconnect = fn
	}
}

// WithClientRelay restricts which client publishes are fanned out to
// subscribers. Publishes on topics with a HandleClientPublish handler are
// never relayed; for the rest, allow decides. A nil allow relays everything.
func WithClientRelay(allow func(topic string) bool) Option {
	return func(b *Broker) {
		b.config.relayFilter = allow
	}
}

// Options contains configuration values for creating a Broker using NewWithOptions.
// All fields have reasonable defaults provided by DefaultOptions().
type Options struct {
	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// AcceptOptions configures the WebSocket accept behavior.
	AcceptOptions *websocket.AcceptOptions

	// ClientSendBuffer sets the buffer size for outgoing messages per client.
	ClientSendBuffer int

	// RequestQueue bounds the inbound queue of the per-connection worker.
	RequestQueue int

	WriteTimeout time.Duration

	// PingInterval: 0 for the default (30s), negative to disable.
	PingInterval time.Duration

	ServerRequestTimeout time.Duration

	// ReadLimit is the maximum inbound frame size in bytes.
	ReadLimit int64

	// RateLimit is inbound envelopes per second per connection; 0 disables.
	RateLimit float64
	RateBurst int
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:               slog.Default(),
		AcceptOptions:        &websocket.AcceptOptions{},
		ClientSendBuffer:     defaultClientSendBuffer,
		RequestQueue:         defaultRequestQueue,
		WriteTimeout:         defaultWriteTimeout,
		PingInterval:         libraryDefaultPingInterval,
		ServerRequestTimeout: defaultServerRequestTimeout,
		ReadLimit:            defaultReadLimit,
		RateLimit:            defaultRateLimit,
		RateBurst:            defaultRateBurst,
	}
}

// NewWithOptions creates a new Broker using an Options struct. Additional
// functional options are applied afterwards and override struct values.
//
//	opts := broker.DefaultOptions()
//	opts.PingInterval = 15 * time.Second
//	b, err := broker.NewWithOptions(opts, broker.WithOnDisconnect(hub.unbind))
func NewWithOptions(opts Options, extraOpts ...Option) (*Broker, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	optionFns := []Option{
		WithLogger(opts.Logger),
		WithAcceptOptions(opts.AcceptOptions),
		WithRateLimit(opts.RateLimit, opts.RateBurst),
	}
	if opts.ClientSendBuffer > 0 {
		optionFns = append(optionFns, WithClientSendBuffer(opts.ClientSendBuffer))
	}
	if opts.RequestQueue > 0 {
		optionFns = append(optionFns, WithRequestQueue(opts.RequestQueue))
	}
	if opts.WriteTimeout > 0 {
		optionFns = append(optionFns, WithWriteTimeout(opts.WriteTimeout))
	}
	if opts.PingInterval != 0 {
		optionFns = append(optionFns, WithPingInterval(opts.PingInterval))
	}
	if opts.ServerRequestTimeout > 0 {
		optionFns = append(optionFns, WithServerRequestTimeout(opts.ServerRequestTimeout))
	}
	if opts.ReadLimit > 0 {
		optionFns = append(optionFns, WithReadLimit(opts.ReadLimit))
	}
	optionFns = append(optionFns, extraOpts...)

	return New(optionFns...)
}

func validateOptions(opts Options) error {
	switch {
	case opts.ClientSendBuffer < 0:
		return errors.New("ClientSendBuffer must be non-negative")
	case opts.RequestQueue < 0:
		return errors.New("RequestQueue must be non-negative")
	case opts.WriteTimeout < 0:
		return errors.New("WriteTimeout must be non-negative")
	case opts.ServerRequestTimeout < 0:
		return errors.New("ServerRequestTimeout must be non-negative")
	case opts.ReadLimit < 0:
		return errors.New("ReadLimit must be non-negative")
	case opts.RateLimit < 0:
		return errors.New("RateLimit must be non-negative")
	case opts.RateBurst < 0:
		return errors.New("RateBurst must be non-negative")
	}
	return nil
}
