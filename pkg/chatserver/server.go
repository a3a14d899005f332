// Package chatserver is the demo support chat backend: an in-memory hub of
// chats served over the broker, plus the HTTP routes that host the widget
// script and uploaded files.
package chatserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/lightforgemedia/go-supportchat/assets"
	"github.com/lightforgemedia/go-supportchat/pkg/broker"
	"github.com/lightforgemedia/go-supportchat/pkg/filewatcher"
	"github.com/lightforgemedia/go-supportchat/pkg/hotreload"
	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
)

// Server ties the broker, the hub and the HTTP routes together.
type Server struct {
	cfg    Config
	logger *slog.Logger

	broker   *broker.Broker
	hub      *Hub
	script   *assets.Script
	router   chi.Router
	reloader *hotreload.HotReload
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	logger     *slog.Logger
	brokerOpts []broker.Option
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *serverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBrokerOptions passes extra options to the broker.
func WithBrokerOptions(opts ...broker.Option) Option {
	return func(o *serverOptions) {
		o.brokerOpts = append(o.brokerOpts, opts...)
	}
}

// New builds a server from cfg. Call StartDevReload to watch AssetsDir.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("chatserver config: %w", err)
	}
	o := serverOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{cfg: cfg, logger: o.logger}
	brokerOpts := []broker.Option{
		broker.WithLogger(o.logger),
		broker.WithReadLimit(cfg.readLimit()),
		broker.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		broker.WithClientRelay(func(topic string) bool { return !protocol.ServerOwned(topic) }),
		broker.WithAcceptOptions(&websocket.AcceptOptions{OriginPatterns: cfg.AllowedOrigins}),
		broker.WithOnDisconnect(func(ch broker.ClientHandle) {
			s.hub.Disconnect(ch.ID())
		}),
	}
	b, err := broker.New(append(brokerOpts, o.brokerOpts...)...)
	if err != nil {
		return nil, err
	}
	s.broker = b
	s.hub = NewHub(cfg, brokerSender{b: b}, o.logger)
	if err := s.registerHandlers(); err != nil {
		return nil, err
	}

	s.script = assets.NewScript(assets.WithDir(cfg.AssetsDir), assets.WithLogger(o.logger))
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler  { return s.router }
func (s *Server) Broker() *broker.Broker { return s.broker }
func (s *Server) Hub() *Hub              { return s.hub }

// StartDevReload watches AssetsDir for widget script changes. Each change
// drops the cached script and publishes a reload notice to widgets.
func (s *Server) StartDevReload() error {
	if s.cfg.AssetsDir == "" {
		return errors.New("chatserver: dev reload needs an assets dir")
	}
	fw, err := filewatcher.New(
		filewatcher.WithLogger(s.logger),
		filewatcher.WithDirs(s.cfg.AssetsDir),
		filewatcher.WithPatterns(assets.WidgetScript),
	)
	if err != nil {
		return err
	}
	hr, err := hotreload.New(
		hotreload.WithLogger(s.logger),
		hotreload.WithPublisher(s.broker),
		hotreload.WithFileWatcher(fw),
		hotreload.WithInvalidator(s.script),
	)
	if err != nil {
		fw.Stop()
		return err
	}
	if err := hr.Start(); err != nil {
		fw.Stop()
		return err
	}
	s.reloader = hr
	return nil
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("chat server listening", "addr", s.cfg.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// Broker first: hijacked WebSocket connections are not closed by
	// http.Server.Shutdown.
	shutdownErr := s.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	return shutdownErr
}

// Shutdown stops the dev reloader, pending auto-replies and all connections.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.reloader != nil {
		if err := s.reloader.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	s.hub.Close()
	if err := s.broker.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("chat server stopped")
	return errors.Join(errs...)
}
