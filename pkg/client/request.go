package client

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/lightforgemedia/go-supportchat/pkg/wire"
)

// Request sends one request on the current connection and decodes the
// response into respPtr (which may be nil). It is never retried: if the
// client is not connected, or the connection drops before the response, the
// request fails. A server error response is returned as a *wire.StatusError.
func (c *Client) Request(ctx context.Context, topic string, req any, respPtr any) error {
	if c.isClosed() {
		return ErrClosed
	}
	cn := c.current()
	if cn == nil {
		return ErrNotConnected
	}
	return c.roundTrip(ctx, cn, topic, req, respPtr)
}

func (c *Client) roundTrip(ctx context.Context, cn *connection, topic string, req any, respPtr any) error {
	if respPtr != nil {
		if rv := reflect.ValueOf(respPtr); rv.Kind() != reflect.Ptr || rv.IsNil() {
			return fmt.Errorf("client: response target must be a non-nil pointer, got %T", respPtr)
		}
	}

	id := wire.NewID()
	env, err := wire.NewEnvelope(id, wire.TypeRequest, topic, req, nil)
	if err != nil {
		return err
	}

	ch := make(chan *wire.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	timeout := c.config.defaultRequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case cn.send <- env:
	case <-cn.ctx.Done():
		return fmt.Errorf("%s: %w", topic, ErrConnectionLost)
	case <-reqCtx.Done():
		return fmt.Errorf("%s: %w", topic, reqCtx.Err())
	}

	select {
	case resp := <-ch:
		if err := resp.Err(); err != nil {
			return fmt.Errorf("%s: %w", topic, err)
		}
		if respPtr != nil {
			if err := resp.DecodePayload(respPtr); err != nil {
				return fmt.Errorf("%s: decode response: %w", topic, err)
			}
		}
		return nil
	case <-cn.ctx.Done():
		return fmt.Errorf("%s: %w", topic, ErrConnectionLost)
	case <-reqCtx.Done():
		return fmt.Errorf("%s: %w", topic, reqCtx.Err())
	}
}

// GenericRequest sends a request and decodes the response into a new T.
// reqData is optional; with none a null payload is sent.
func GenericRequest[T any](cli *Client, ctx context.Context, topic string, reqData ...any) (*T, error) {
	var payload any
	if len(reqData) > 0 {
		payload = reqData[0]
	}
	var resp T
	if err := cli.Request(ctx, topic, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Publish sends a fire-and-forget message on the current connection.
func (c *Client) Publish(topic string, payloadData any) error {
	if c.isClosed() {
		return ErrClosed
	}
	cn := c.current()
	if cn == nil {
		return ErrNotConnected
	}
	env, err := wire.NewEnvelope("", wire.TypePublish, topic, payloadData, nil)
	if err != nil {
		return err
	}
	return c.enqueueOn(cn, env)
}

// Subscribe registers a handler for publishes on topic.
// handlerFunc must be func(Msg) error or func(*Msg) error. Handlers run on
// the dispatch goroutine, one at a time, in arrival order, and must not block
// on Request.
func (c *Client) Subscribe(topic string, handlerFunc any) (unsubscribe func(), err error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if err := c.addSubscription(topic, handlerFunc); err != nil {
		return nil, err
	}
	if cn := c.current(); cn != nil {
		if err := c.enqueueOn(cn, &wire.Envelope{ID: wire.NewID(), Type: wire.TypeSubscribeRequest, Topic: topic}); err != nil {
			c.config.logger.Warn("subscribe request not sent, will retry on reconnect", "topic", topic, "error", err)
		}
	}

	return func() {
		c.handlersMu.Lock()
		delete(c.subscriptions, topic)
		c.handlersMu.Unlock()
		if cn := c.current(); cn != nil {
			_ = c.enqueueOn(cn, &wire.Envelope{ID: wire.NewID(), Type: wire.TypeUnsubscribeRequest, Topic: topic})
		}
	}, nil
}

func (c *Client) addSubscription(topic string, handlerFunc any) error {
	h, err := wire.NewHandler(handlerFunc)
	if err != nil {
		return fmt.Errorf("client subscribe %q: %w", topic, err)
	}
	if h.WithPeer || h.RespType != nil {
		return fmt.Errorf("client subscribe %q: handler must be func(Msg) error, got %s", topic, h.Func.Type())
	}

	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if _, exists := c.subscriptions[topic]; exists {
		return fmt.Errorf("client: already subscribed to topic %q", topic)
	}
	c.subscriptions[topic] = h
	return nil
}

// HandleServerRequest registers a handler for requests initiated by the server.
// handlerFunc must be func(Req) (Resp, error) or func(Req) error.
func (c *Client) HandleServerRequest(topic string, handlerFunc any) error {
	if c.isClosed() {
		return ErrClosed
	}
	h, err := wire.NewHandler(handlerFunc)
	if err != nil {
		return fmt.Errorf("client HandleServerRequest %q: %w", topic, err)
	}
	if h.WithPeer {
		return fmt.Errorf("client HandleServerRequest %q: handler must take a single request argument", topic)
	}

	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if _, exists := c.requestHandlers[topic]; exists {
		return fmt.Errorf("client: handler already registered for server requests on topic %q", topic)
	}
	c.requestHandlers[topic] = h
	return nil
}
