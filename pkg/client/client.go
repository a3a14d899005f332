// Package client is the Go side of the chat transport: it dials the broker,
// registers, reconnects with backoff and delivers server publishes in order.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
	"github.com/lightforgemedia/go-supportchat/pkg/wire"
)

// connection is the state of one dialed socket. A reconnect creates a new one.
type connection struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	send   chan *wire.Envelope
	wg     sync.WaitGroup
}

// Client is a WebSocket client for the chat broker.
type Client struct {
	config   clientConfig
	urlStr   string
	clientID string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	cur       *connection
	connected bool
	serverID  string

	pendingMu sync.Mutex
	pending   map[string]chan *wire.Envelope

	handlersMu      sync.RWMutex
	subscriptions   map[string]*wire.Handler
	requestHandlers map[string]*wire.Handler

	dispatch *dispatcher

	closedMu     sync.Mutex
	closed       bool
	reconnecting bool
}

// Connect creates a client and dials urlStr. With auto-reconnect enabled a
// failed first dial is not an error: the client is returned and keeps
// retrying in the background.
func Connect(urlStr string, opts ...Option) (*Client, error) {
	c := &Client{
		config: clientConfig{
			logger:                slog.Default(),
			defaultRequestTimeout: defaultClientReqTimeout,
			writeTimeout:          defaultWriteClientTimeout,
			pingInterval:          libraryDefaultClientPingInterval,
			readLimit:             defaultReadLimit,
			reconnectDelayMin:     defaultReconnectDelayMin,
			reconnectDelayMax:     defaultReconnectDelayMax,
			parent:                context.Background(),
		},
		urlStr:          urlStr,
		pending:         make(map[string]chan *wire.Envelope),
		subscriptions:   make(map[string]*wire.Handler),
		requestHandlers: make(map[string]*wire.Handler),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.clientID = c.config.clientID
	if c.clientID == "" {
		c.clientID = wire.NewID()
	}
	if c.config.dialOptions == nil {
		c.config.dialOptions = &websocket.DialOptions{HTTPClient: http.DefaultClient}
	}
	for _, s := range c.config.subscriptions {
		if err := c.addSubscription(s.topic, s.handler); err != nil {
			return nil, err
		}
	}
	if _, err := url.Parse(urlStr); err != nil {
		return nil, fmt.Errorf("client: invalid url %q: %w", urlStr, err)
	}

	c.ctx, c.cancel = context.WithCancel(c.config.parent)
	c.dispatch = newDispatcher()
	go func() {
		<-c.ctx.Done()
		c.Close()
	}()

	if err := c.establishConnection(); err != nil {
		if !c.config.autoReconnect {
			c.Close()
			return nil, fmt.Errorf("client: initial connection failed: %w", err)
		}
		c.config.logger.Info("initial connection failed, retrying", "url", urlStr, "error", err)
		c.startReconnect()
	}
	return c, nil
}

func (c *Client) dialURL() string {
	u, err := url.Parse(c.urlStr)
	if err != nil {
		return c.urlStr
	}
	q := u.Query()
	q.Set("client_id", c.clientID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) establishConnection() error {
	if c.isClosed() {
		return ErrClosed
	}

	dialCtx, dialCancel := context.WithTimeout(c.ctx, c.config.defaultRequestTimeout)
	ws, httpResp, err := websocket.Dial(dialCtx, c.dialURL(), c.config.dialOptions)
	dialCancel()
	if err != nil {
		if httpResp != nil {
			return fmt.Errorf("dial %s: %w (status %s)", c.urlStr, err, httpResp.Status)
		}
		return fmt.Errorf("dial %s: %w", c.urlStr, err)
	}
	ws.SetReadLimit(c.config.readLimit)

	cn := &connection{ws: ws, send: make(chan *wire.Envelope, defaultClientSendBuffer)}
	cn.ctx, cn.cancel = context.WithCancel(c.ctx)

	c.mu.Lock()
	c.cur = cn
	c.mu.Unlock()

	cn.wg.Add(2)
	go c.readPump(cn)
	go c.writePump(cn)
	if c.config.pingInterval > 0 {
		cn.wg.Add(1)
		go c.pingLoop(cn)
	}

	if err := c.register(cn); err != nil {
		cn.cancel()
		ws.Close(websocket.StatusInternalError, "registration failed")
		return fmt.Errorf("register: %w", err)
	}
	c.resubscribeAll(cn)

	c.mu.Lock()
	if c.cur != cn || cn.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrConnectionLost
	}
	c.connected = true
	c.mu.Unlock()

	c.config.logger.Info("connected", "url", c.urlStr, "id", c.ID())
	if fn := c.config.onConnect; fn != nil {
		c.dispatch.enqueue(fn)
	}
	return nil
}

func (c *Client) register(cn *connection) error {
	name := c.config.clientName
	if name == "" {
		name = "client-" + c.clientID[:min(8, len(c.clientID))]
	}
	clientType := c.config.clientType
	if clientType == "" {
		clientType = "generic"
	}
	reg := protocol.ClientRegistration{
		ClientID:   c.clientID,
		ClientName: name,
		ClientType: clientType,
		ClientURL:  c.config.clientURL,
	}
	var resp protocol.ClientRegistrationResponse
	if err := c.roundTrip(c.ctx, cn, protocol.TopicClientRegister, reg, &resp); err != nil {
		return err
	}
	c.mu.Lock()
	c.serverID = resp.ServerAssignedID
	c.mu.Unlock()
	return nil
}

func (c *Client) resubscribeAll(cn *connection) {
	c.handlersMu.RLock()
	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	c.handlersMu.RUnlock()

	for _, topic := range topics {
		if err := c.enqueueOn(cn, &wire.Envelope{ID: wire.NewID(), Type: wire.TypeSubscribeRequest, Topic: topic}); err != nil {
			c.config.logger.Warn("resubscribe failed", "topic", topic, "error", err)
		}
	}
}

func (c *Client) startReconnect() {
	c.closedMu.Lock()
	if c.closed || c.reconnecting {
		c.closedMu.Unlock()
		return
	}
	c.reconnecting = true
	c.closedMu.Unlock()
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	done := func() {
		c.closedMu.Lock()
		c.reconnecting = false
		c.closedMu.Unlock()
	}

	delay := c.config.reconnectDelayMin
	for attempt := 1; ; attempt++ {
		if c.config.reconnectAttempts > 0 && attempt > c.config.reconnectAttempts {
			c.config.logger.Warn("giving up reconnecting", "attempts", c.config.reconnectAttempts)
			done()
			go c.Close()
			return
		}

		wait := delay
		if jitterRange := int64(delay / 4); jitterRange > 0 {
			wait += time.Duration(rand.Int63n(jitterRange))
		}
		timer := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			done()
			return
		case <-timer.C:
		}

		err := c.establishConnection()
		if err == nil {
			done()
			// The new connection may already have dropped while this loop
			// still owned the reconnecting flag.
			if !c.Connected() && c.config.autoReconnect {
				c.startReconnect()
			}
			return
		}
		if errors.Is(err, ErrClosed) {
			done()
			return
		}
		c.config.logger.Info("reconnect attempt failed", "attempt", attempt, "error", err)

		delay *= 2
		if delay > c.config.reconnectDelayMax {
			delay = c.config.reconnectDelayMax
		}
	}
}

func (c *Client) readPump(cn *connection) {
	var readErr error
	defer func() {
		cn.cancel()
		cn.ws.CloseNow()
		cn.wg.Done()

		c.mu.Lock()
		wasConnected := c.cur == cn && c.connected
		if c.cur == cn {
			c.cur = nil
			c.connected = false
		}
		c.mu.Unlock()

		if c.isClosed() {
			return
		}
		if wasConnected {
			c.config.logger.Info("disconnected", "error", readErr)
			if fn := c.config.onDisconnect; fn != nil {
				err := readErr
				c.dispatch.enqueue(func() { fn(err) })
			}
		}
		if c.config.autoReconnect {
			c.startReconnect()
		}
	}()

	for {
		var env wire.Envelope
		if err := wsjson.Read(cn.ctx, cn.ws, &env); err != nil {
			readErr = err
			return
		}

		switch env.Type {
		case wire.TypeResponse, wire.TypeError:
			c.pendingMu.Lock()
			ch, ok := c.pending[env.ID]
			c.pendingMu.Unlock()
			if !ok {
				c.config.logger.Debug("unsolicited response", "id", env.ID, "topic", env.Topic)
				continue
			}
			select {
			case ch <- &env:
			default:
			}
		case wire.TypePublish:
			c.handlersMu.RLock()
			h, ok := c.subscriptions[env.Topic]
			c.handlersMu.RUnlock()
			if !ok {
				continue
			}
			e := env
			c.dispatch.enqueue(func() { c.invokeSubscription(h, &e) })
		case wire.TypeRequest:
			c.handlersMu.RLock()
			h, ok := c.requestHandlers[env.Topic]
			c.handlersMu.RUnlock()
			if !ok {
				_ = c.enqueueOn(cn, wire.NewErrorEnvelope(env.ID, env.Topic, http.StatusNotFound, "client has no handler for topic: "+env.Topic))
				continue
			}
			e := env
			go c.invokeServerRequest(cn, h, &e)
		case wire.TypeSubscriptionAck:
			c.config.logger.Debug("subscription ack", "topic", env.Topic)
		default:
			c.config.logger.Info("unknown envelope type", "type", env.Type)
		}
	}
}

func (c *Client) invokeSubscription(h *wire.Handler, env *wire.Envelope) {
	if _, err := h.Call(nil, env); err != nil {
		c.config.logger.Warn("subscription handler failed", "topic", env.Topic, "error", err)
	}
}

func (c *Client) invokeServerRequest(cn *connection, h *wire.Handler, env *wire.Envelope) {
	resp, err := h.Call(nil, env)
	var out *wire.Envelope
	if err != nil {
		out = &wire.Envelope{ID: env.ID, Type: wire.TypeError, Topic: env.Topic, Error: wire.ToPayload(err)}
	} else if out, err = wire.NewEnvelope(env.ID, wire.TypeResponse, env.Topic, resp, nil); err != nil {
		out = wire.NewErrorEnvelope(env.ID, env.Topic, http.StatusInternalServerError, "client failed to encode response")
	}
	if err := c.enqueueOn(cn, out); err != nil {
		c.config.logger.Debug("drop server request response", "topic", env.Topic, "error", err)
	}
}

func (c *Client) writePump(cn *connection) {
	defer cn.wg.Done()
	for {
		select {
		case env := <-cn.send:
			ctx, cancel := context.WithTimeout(cn.ctx, c.config.writeTimeout)
			err := wsjson.Write(ctx, cn.ws, env)
			cancel()
			if err != nil {
				c.config.logger.Debug("write failed", "error", err)
				cn.cancel()
				return
			}
		case <-cn.ctx.Done():
			return
		}
	}
}

func (c *Client) pingLoop(cn *connection) {
	defer cn.wg.Done()
	ticker := time.NewTicker(c.config.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(cn.ctx, c.config.pingInterval/2)
			err := cn.ws.Ping(ctx)
			cancel()
			if err != nil {
				c.config.logger.Info("ping failed", "error", err)
				cn.cancel()
				return
			}
		case <-cn.ctx.Done():
			return
		}
	}
}

// enqueueOn queues env for writing on cn, waiting at most the write timeout.
func (c *Client) enqueueOn(cn *connection, env *wire.Envelope) error {
	timer := time.NewTimer(c.config.writeTimeout)
	defer timer.Stop()
	select {
	case cn.send <- env:
		return nil
	case <-cn.ctx.Done():
		return ErrConnectionLost
	case <-timer.C:
		return fmt.Errorf("client: send queue full for topic %q", env.Topic)
	}
}

// current returns the established connection or nil.
func (c *Client) current() *connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return nil
	}
	return c.cur
}

func (c *Client) isClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

// Connected reports whether a registered connection is currently up.
func (c *Client) Connected() bool {
	return c.current() != nil
}

// ID returns the id the server assigned to the current connection.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverID
}

// ClientID returns the stable id this client registers with.
func (c *Client) ClientID() string {
	return c.clientID
}

// Close stops reconnecting, closes the connection and the dispatch goroutine.
// Callbacks queued but not yet run are dropped.
func (c *Client) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.closedMu.Unlock()

	c.mu.Lock()
	cn := c.cur
	c.cur = nil
	c.connected = false
	c.mu.Unlock()

	if cn != nil {
		cn.ws.Close(websocket.StatusNormalClosure, "client closed")
		cn.cancel()
		cn.wg.Wait()
	}
	c.cancel()
	c.dispatch.stop()
	c.config.logger.Debug("client closed", "client_id", c.clientID)
	return nil
}
