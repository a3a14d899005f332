package chatserver

import (
	"errors"
	"fmt"
	"time"
)

// Config configures the demo chat backend.
type Config struct {
	// Addr is the listen address used by ListenAndServe.
	Addr string
	// HistoryLimit caps the messages kept per chat; older ones are dropped.
	HistoryLimit int
	// MaxUploadSize is the largest accepted attachment in bytes.
	MaxUploadSize int
	// MaxMessageLength caps message text in runes.
	MaxMessageLength int
	// MaxNameLength caps customer and agent names in runes.
	MaxNameLength int

	// AutoReply enables the demo agent that greets new customers.
	AutoReply      bool
	AutoReplyDelay time.Duration
	AutoReplyName  string

	// RateLimit and RateBurst bound requests per connection per second.
	// Zero RateLimit disables limiting.
	RateLimit float64
	RateBurst int

	// AllowedOrigins lists the page origins allowed to open the WebSocket,
	// as host patterns ("shop.example.com", "*.example.com"). The server's
	// own origin is always allowed.
	AllowedOrigins []string

	// AssetsDir serves widget.js from disk instead of the embedded copy and
	// watches it for changes.
	AssetsDir string
}

// DefaultConfig returns the configuration used by the chatserver binary.
func DefaultConfig() Config {
	return Config{
		Addr:             ":8080",
		HistoryLimit:     200,
		MaxUploadSize:    5 << 20,
		MaxMessageLength: 2000,
		MaxNameLength:    80,
		AutoReply:        true,
		AutoReplyDelay:   1500 * time.Millisecond,
		AutoReplyName:    "Support Bot",
		RateLimit:        20,
		RateBurst:        40,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("history limit must be positive, got %d", c.HistoryLimit))
	}
	if c.MaxUploadSize <= 0 {
		errs = append(errs, fmt.Errorf("max upload size must be positive, got %d", c.MaxUploadSize))
	}
	if c.MaxMessageLength <= 0 {
		errs = append(errs, fmt.Errorf("max message length must be positive, got %d", c.MaxMessageLength))
	}
	if c.MaxNameLength <= 0 {
		errs = append(errs, fmt.Errorf("max name length must be positive, got %d", c.MaxNameLength))
	}
	if c.AutoReply && c.AutoReplyDelay < 0 {
		errs = append(errs, fmt.Errorf("auto reply delay must be non-negative, got %s", c.AutoReplyDelay))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must be non-negative, got %v", c.RateLimit))
	}
	return errors.Join(errs...)
}

// readLimit is the largest frame a connection may send: an upload is base64
// inside a JSON envelope.
func (c Config) readLimit() int64 {
	return int64(c.MaxUploadSize)*4/3 + 64<<10
}
