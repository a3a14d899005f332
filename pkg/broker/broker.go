// Package broker is the server side of the chat transport: it accepts
// WebSocket connections, dispatches client requests to typed handlers and
// pushes publishes to connected clients.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
	"github.com/lightforgemedia/go-supportchat/pkg/wire"
)

// Broker manages client connections and message routing.
type Broker struct {
	config brokerConfig

	clientsMu      sync.RWMutex
	managedClients map[string]*managedClient // server id -> client
	sessionIndexMu sync.RWMutex
	sessionIndex   map[string]*managedClient // client-provided id -> client

	handlersMu      sync.RWMutex
	requestHandlers map[string]*wire.Handler
	publishHandlers map[string]*wire.Handler

	publishSubscribersMu sync.RWMutex
	publishSubscribers   map[string]map[*managedClient]struct{}

	clientsWG    sync.WaitGroup
	shutdownOnce sync.Once
	shutdownChan chan struct{}
	mainCtx      context.Context
	mainCancel   context.CancelFunc
}

// New creates a new Broker.
func New(opts ...Option) (*Broker, error) {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	b := &Broker{
		config: brokerConfig{
			logger:               slog.Default(),
			clientSendBuffer:     defaultClientSendBuffer,
			requestQueue:         defaultRequestQueue,
			writeTimeout:         defaultWriteTimeout,
			serverRequestTimeout: defaultServerRequestTimeout,
			readLimit:            defaultReadLimit,
			rateLimit:            defaultRateLimit,
			rateBurst:            defaultRateBurst,
		},
		managedClients:     make(map[string]*managedClient),
		sessionIndex:       make(map[string]*managedClient),
		requestHandlers:    make(map[string]*wire.Handler),
		publishHandlers:    make(map[string]*wire.Handler),
		publishSubscribers: make(map[string]map[*managedClient]struct{}),
		shutdownChan:       make(chan struct{}),
		mainCtx:            mainCtx,
		mainCancel:         mainCancel,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.config.pingInterval == 0 {
		b.config.pingInterval = libraryDefaultPingInterval
	} else if b.config.pingInterval < 0 {
		b.config.pingInterval = 0
	}
	if b.config.acceptOptions == nil {
		b.config.acceptOptions = &websocket.AcceptOptions{}
	}

	if err := b.HandleClientRequest(protocol.TopicClientRegister, b.handleRegister); err != nil {
		mainCancel()
		return nil, err
	}

	b.config.logger.Info("broker initialized",
		"ping_interval", b.config.pingInterval,
		"send_buffer", b.config.clientSendBuffer,
		"rate_limit", b.config.rateLimit)
	return b, nil
}

func (b *Broker) handleRegister(ch ClientHandle, req protocol.ClientRegistration) (protocol.ClientRegistrationResponse, error) {
	mc, ok := ch.(*managedClient)
	if !ok {
		return protocol.ClientRegistrationResponse{}, fmt.Errorf("unexpected client handle %T", ch)
	}

	mc.mu.Lock()
	oldClientID := mc.clientID
	if req.ClientID != "" {
		mc.clientID = req.ClientID
	}
	if req.ClientName != "" {
		mc.name = req.ClientName
	}
	if req.ClientType != "" {
		mc.clientType = req.ClientType
	}
	if req.ClientURL != "" {
		mc.clientURL = req.ClientURL
	}
	clientID, name, clientType := mc.clientID, mc.name, mc.clientType
	mc.mu.Unlock()

	b.sessionIndexMu.Lock()
	if cur, ok := b.sessionIndex[oldClientID]; ok && cur == mc && oldClientID != clientID {
		delete(b.sessionIndex, oldClientID)
	}
	b.sessionIndex[clientID] = mc
	b.sessionIndexMu.Unlock()

	mc.logger.Info("client registered", "client_id", clientID, "name", name, "type", clientType)
	return protocol.ClientRegistrationResponse{
		ServerAssignedID: mc.id,
		ClientName:       name,
		ServerTime:       time.Now().Format(time.RFC3339),
	}, nil
}

// UpgradeHandler returns an http.HandlerFunc to handle WebSocket upgrade requests.
func (b *Broker) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-b.shutdownChan:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		conn, err := websocket.Accept(w, r, b.config.acceptOptions)
		if err != nil {
			b.config.logger.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
			return
		}
		conn.SetReadLimit(b.config.readLimit)

		clientProvidedID := r.URL.Query().Get("client_id")
		if clientProvidedID == "" {
			clientProvidedID = wire.NewID()
		}
		serverAssignedID := wire.NewID()

		limit := rate.Inf
		if b.config.rateLimit > 0 {
			limit = rate.Limit(b.config.rateLimit)
		}

		clientCtx, clientCancel := context.WithCancel(b.mainCtx)
		mc := &managedClient{
			id:                    serverAssignedID,
			clientID:              clientProvidedID,
			name:                  "client-" + clientProvidedID[:min(8, len(clientProvidedID))],
			clientType:            "unknown",
			clientURL:             r.Header.Get("Referer"),
			remoteAddr:            r.RemoteAddr,
			conn:                  conn,
			broker:                b,
			send:                  make(chan *wire.Envelope, b.config.clientSendBuffer),
			inbox:                 make(chan *wire.Envelope, b.config.requestQueue),
			limiter:               rate.NewLimiter(limit, b.config.rateBurst),
			ctx:                   clientCtx,
			cancel:                clientCancel,
			activeSubscriptions:   make(map[string]struct{}),
			pendingServerRequests: make(map[string]chan *wire.Envelope),
			logger:                b.config.logger.With("conn", serverAssignedID),
		}

		b.addClient(mc)
		mc.logger.Info("client connected", "remote", r.RemoteAddr)
		if b.config.onConnect != nil {
			b.config.onConnect(mc)
		}

		b.clientsWG.Add(1)
		go mc.writePump()
		go mc.worker()
		go func() {
			defer b.clientsWG.Done()
			mc.readPump()
		}()
		if b.config.pingInterval > 0 {
			go mc.pingLoop()
		}
	}
}

func (b *Broker) addClient(mc *managedClient) {
	b.clientsMu.Lock()
	b.managedClients[mc.id] = mc
	b.clientsMu.Unlock()

	b.sessionIndexMu.Lock()
	b.sessionIndex[mc.clientID] = mc
	b.sessionIndexMu.Unlock()
}

func (b *Broker) removeClient(mc *managedClient) {
	mc.cancel()

	b.clientsMu.Lock()
	if _, exists := b.managedClients[mc.id]; !exists {
		b.clientsMu.Unlock()
		return
	}
	delete(b.managedClients, mc.id)
	b.clientsMu.Unlock()

	b.publishSubscribersMu.Lock()
	mc.activeSubscriptionsMu.Lock()
	for topic := range mc.activeSubscriptions {
		if subs, ok := b.publishSubscribers[topic]; ok {
			delete(subs, mc)
			if len(subs) == 0 {
				delete(b.publishSubscribers, topic)
			}
		}
	}
	mc.activeSubscriptionsMu.Unlock()
	b.publishSubscribersMu.Unlock()

	clientID := mc.ClientID()
	b.sessionIndexMu.Lock()
	if cur, ok := b.sessionIndex[clientID]; ok && cur == mc {
		delete(b.sessionIndex, clientID)
	}
	b.sessionIndexMu.Unlock()

	mc.conn.CloseNow()
	mc.logger.Info("client disconnected", "client_id", clientID)

	if b.config.onDisconnect != nil {
		b.config.onDisconnect(mc)
	}
}

// HandleClientRequest registers a handler for a request topic.
// handlerFunc must be func(ClientHandle, Req) (Resp, error) or
// func(ClientHandle, Req) error. Requests from one connection are handled one
// at a time in arrival order.
func (b *Broker) HandleClientRequest(topic string, handlerFunc any) error {
	return b.register(b.requestHandlers, "request", topic, handlerFunc)
}

// HandleClientPublish registers a handler for publishes sent by clients on
// topic. handlerFunc must be func(ClientHandle, Msg) error. Handled publishes
// are consumed by the handler and are not fanned out to subscribers.
func (b *Broker) HandleClientPublish(topic string, handlerFunc any) error {
	return b.register(b.publishHandlers, "publish", topic, handlerFunc)
}

func (b *Broker) register(into map[string]*wire.Handler, kind, topic string, handlerFunc any) error {
	h, err := wire.NewHandler(handlerFunc)
	if err != nil {
		return fmt.Errorf("broker %s handler %q: %w", kind, topic, err)
	}
	if !h.WithPeer {
		return fmt.Errorf("broker %s handler %q: first argument must be a ClientHandle", kind, topic)
	}

	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	if _, exists := into[topic]; exists {
		return fmt.Errorf("broker: %s handler already registered for topic %q", kind, topic)
	}
	into[topic] = h
	b.config.logger.Debug("registered handler", "kind", kind, "topic", topic)
	return nil
}

func (b *Broker) handler(into map[string]*wire.Handler, topic string) *wire.Handler {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	return into[topic]
}

// Publish sends a message to all clients subscribed to topic.
func (b *Broker) Publish(ctx context.Context, topic string, payloadData any) error {
	select {
	case <-b.mainCtx.Done():
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	env, err := wire.NewEnvelope("", wire.TypePublish, topic, payloadData, nil)
	if err != nil {
		return fmt.Errorf("broker publish: %w", err)
	}

	b.publishSubscribersMu.RLock()
	subscribers := make([]*managedClient, 0, len(b.publishSubscribers[topic]))
	for mc := range b.publishSubscribers[topic] {
		subscribers = append(subscribers, mc)
	}
	b.publishSubscribersMu.RUnlock()

	for _, mc := range subscribers {
		mc.trySend(env)
	}
	if len(subscribers) > 0 {
		b.config.logger.Debug("published", "topic", topic, "subscribers", len(subscribers))
	}
	return nil
}

// GetClient retrieves a handle to a connected client by its server-assigned ID.
func (b *Broker) GetClient(id string) (ClientHandle, error) {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	mc, ok := b.managedClients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	return mc, nil
}

// GetClientBySessionID retrieves a handle to a connected client by its client-provided ID.
func (b *Broker) GetClientBySessionID(clientID string) (ClientHandle, error) {
	b.sessionIndexMu.RLock()
	mc, ok := b.sessionIndex[clientID]
	b.sessionIndexMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: client id %s", ErrClientNotFound, clientID)
	}
	return mc, nil
}

// IterateClients calls f for a snapshot of connected clients until f returns false.
func (b *Broker) IterateClients(f func(ClientHandle) bool) {
	b.clientsMu.RLock()
	snapshot := make([]ClientHandle, 0, len(b.managedClients))
	for _, mc := range b.managedClients {
		snapshot = append(snapshot, mc)
	}
	b.clientsMu.RUnlock()

	for _, ch := range snapshot {
		if !f(ch) {
			return
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.managedClients)
}

// Context returns the broker's main context, which is cancelled on Shutdown.
func (b *Broker) Context() context.Context {
	return b.mainCtx
}

// Shutdown closes every connection and waits until their read loops exit or
// ctx is done.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.config.logger.Info("broker shutting down", "clients", b.ClientCount())
		close(b.shutdownChan)
		b.mainCancel()
	})

	done := make(chan struct{})
	go func() {
		b.clientsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.config.logger.Info("broker shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broker shutdown with %d clients remaining: %w", b.ClientCount(), ctx.Err())
	}
}
