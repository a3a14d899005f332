package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"github.com/lightforgemedia/go-supportchat/pkg/wire"
)

// managedClient is the broker's side of one connection.
type managedClient struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn
	broker     *Broker
	send       chan *wire.Envelope // outgoing, drained by writePump
	inbox      chan *wire.Envelope // requests and publishes, drained by worker
	limiter    *rate.Limiter
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	clientID   string
	name       string
	clientType string
	clientURL  string

	activeSubscriptionsMu sync.Mutex
	activeSubscriptions   map[string]struct{}

	pendingServerRequestsMu sync.Mutex
	pendingServerRequests   map[string]chan *wire.Envelope

	droppedMu       sync.Mutex
	droppedMessages int
}

func (mc *managedClient) ID() string               { return mc.id }
func (mc *managedClient) RemoteAddr() string       { return mc.remoteAddr }
func (mc *managedClient) Context() context.Context { return mc.ctx }

func (mc *managedClient) ClientID() string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.clientID
}

func (mc *managedClient) Name() string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.name
}

func (mc *managedClient) ClientType() string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.clientType
}

func (mc *managedClient) ClientURL() string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.clientURL
}

func (mc *managedClient) SendClientRequest(ctx context.Context, topic string, requestData any, responsePayloadPtr any, timeout time.Duration) error {
	if err := mc.alive(); err != nil {
		return err
	}
	if responsePayloadPtr != nil {
		rv := reflect.ValueOf(responsePayloadPtr)
		if rv.Kind() != reflect.Ptr || rv.IsNil() {
			return fmt.Errorf("response target must be a non-nil pointer, got %T", responsePayloadPtr)
		}
	}

	correlationID := wire.NewID()
	reqEnv, err := wire.NewEnvelope(correlationID, wire.TypeRequest, topic, requestData, nil)
	if err != nil {
		return err
	}

	respChan := make(chan *wire.Envelope, 1)
	mc.pendingServerRequestsMu.Lock()
	mc.pendingServerRequests[correlationID] = respChan
	mc.pendingServerRequestsMu.Unlock()
	defer func() {
		mc.pendingServerRequestsMu.Lock()
		delete(mc.pendingServerRequests, correlationID)
		mc.pendingServerRequestsMu.Unlock()
	}()

	sendTimer := time.NewTimer(mc.broker.config.writeTimeout)
	defer sendTimer.Stop()
	select {
	case mc.send <- reqEnv:
	case <-mc.ctx.Done():
		return fmt.Errorf("%w: %s", ErrClientGone, mc.id)
	case <-sendTimer.C:
		return fmt.Errorf("timeout queueing request %q to client %s", topic, mc.id)
	case <-ctx.Done():
		return ctx.Err()
	}

	if timeout <= 0 {
		timeout = mc.broker.config.serverRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case respEnv := <-respChan:
		if err := respEnv.Err(); err != nil {
			return fmt.Errorf("client %s request %q: %w", mc.id, topic, err)
		}
		if responsePayloadPtr != nil {
			if err := respEnv.DecodePayload(responsePayloadPtr); err != nil {
				return fmt.Errorf("decode response from client %s: %w", mc.id, err)
			}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("request %q to client %s timed out after %v", topic, mc.id, timeout)
	case <-mc.ctx.Done():
		return fmt.Errorf("%w: %s", ErrClientGone, mc.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mc *managedClient) Send(ctx context.Context, topic string, payloadData any) error {
	if err := mc.alive(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := wire.NewEnvelope("", wire.TypePublish, topic, payloadData, nil)
	if err != nil {
		return err
	}
	if !mc.trySend(env) {
		return fmt.Errorf("client %s: send buffer full", mc.id)
	}
	return nil
}

func (mc *managedClient) alive() error {
	select {
	case <-mc.broker.mainCtx.Done():
		return ErrShuttingDown
	case <-mc.ctx.Done():
		return fmt.Errorf("%w: %s", ErrClientGone, mc.id)
	default:
		return nil
	}
}

func (mc *managedClient) readPump() {
	defer mc.broker.removeClient(mc)

	for {
		var env wire.Envelope
		if err := wsjson.Read(mc.ctx, mc.conn, &env); err != nil {
			status := websocket.CloseStatus(err)
			if errors.Is(err, context.Canceled) || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				mc.logger.Debug("read loop closing", "error", err)
			} else {
				mc.logger.Info("read error", "error", err, "status", status)
			}
			return
		}

		switch env.Type {
		case wire.TypeRequest:
			if !mc.limiter.Allow() {
				mc.trySend(wire.NewErrorEnvelope(env.ID, env.Topic, http.StatusTooManyRequests, "rate limit exceeded"))
				continue
			}
			mc.enqueue(&env)
		case wire.TypePublish:
			if env.Topic == "" {
				continue
			}
			if !mc.limiter.Allow() {
				mc.logger.Debug("publish dropped by rate limit", "topic", env.Topic)
				continue
			}
			mc.enqueue(&env)
		case wire.TypeResponse, wire.TypeError:
			mc.pendingServerRequestsMu.Lock()
			ch, ok := mc.pendingServerRequests[env.ID]
			mc.pendingServerRequestsMu.Unlock()
			if !ok {
				mc.logger.Debug("unsolicited response", "id", env.ID)
				continue
			}
			select {
			case ch <- &env:
			default:
			}
		case wire.TypeSubscribeRequest:
			mc.handleSubscribeRequest(&env)
		case wire.TypeUnsubscribeRequest:
			mc.handleUnsubscribeRequest(&env)
		default:
			mc.logger.Info("unknown envelope type", "type", env.Type)
		}
	}
}

func (mc *managedClient) enqueue(env *wire.Envelope) {
	select {
	case mc.inbox <- env:
	default:
		if env.Type == wire.TypeRequest {
			mc.trySend(wire.NewErrorEnvelope(env.ID, env.Topic, http.StatusServiceUnavailable, "request queue full"))
		}
		mc.logger.Warn("inbox full, envelope rejected", "type", env.Type, "topic", env.Topic)
	}
}

// worker processes inbound requests and publishes strictly in arrival order.
func (mc *managedClient) worker() {
	for {
		select {
		case <-mc.ctx.Done():
			return
		case env := <-mc.inbox:
			if env.Type == wire.TypeRequest {
				mc.handleClientRequest(env)
			} else {
				mc.handleClientPublish(env)
			}
		}
	}
}

func (mc *managedClient) handleClientRequest(reqEnv *wire.Envelope) {
	h := mc.broker.handler(mc.broker.requestHandlers, reqEnv.Topic)
	if h == nil {
		mc.trySend(wire.NewErrorEnvelope(reqEnv.ID, reqEnv.Topic, http.StatusNotFound, "no handler for topic: "+reqEnv.Topic))
		return
	}

	resp, err := mc.call(h, reqEnv)
	if err != nil {
		payload := wire.ToPayload(err)
		if payload.Code >= http.StatusInternalServerError {
			mc.logger.Error("request handler failed", "topic", reqEnv.Topic, "error", err)
		} else {
			mc.logger.Debug("request rejected", "topic", reqEnv.Topic, "code", payload.Code, "error", err)
		}
		mc.trySend(&wire.Envelope{ID: reqEnv.ID, Type: wire.TypeError, Topic: reqEnv.Topic, Error: payload})
		return
	}

	respEnv, err := wire.NewEnvelope(reqEnv.ID, wire.TypeResponse, reqEnv.Topic, resp, nil)
	if err != nil {
		mc.logger.Error("encode response", "topic", reqEnv.Topic, "error", err)
		respEnv = wire.NewErrorEnvelope(reqEnv.ID, reqEnv.Topic, http.StatusInternalServerError, "server error creating response")
	}
	mc.trySend(respEnv)
}

func (mc *managedClient) handleClientPublish(env *wire.Envelope) {
	if h := mc.broker.handler(mc.broker.publishHandlers, env.Topic); h != nil {
		if _, err := mc.call(h, env); err != nil {
			mc.logger.Debug("publish handler failed", "topic", env.Topic, "error", err)
		}
		return
	}
	if allow := mc.broker.config.relayFilter; allow != nil && !allow(env.Topic) {
		mc.logger.Warn("client publish not relayed", "topic", env.Topic)
		return
	}
	if err := mc.broker.Publish(mc.ctx, env.Topic, env.Payload); err != nil {
		mc.logger.Debug("forward publish", "topic", env.Topic, "error", err)
	}
}

// call runs h and turns a handler panic into a 500.
func (mc *managedClient) call(h *wire.Handler, env *wire.Envelope) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = wire.Errorf(http.StatusInternalServerError, "handler panic: %v", r)
		}
	}()
	return h.Call(mc, env)
}

func (mc *managedClient) handleSubscribeRequest(env *wire.Envelope) {
	topic := env.Topic
	if topic == "" {
		mc.trySend(wire.NewErrorEnvelope(env.ID, "", http.StatusBadRequest, "subscription topic cannot be empty"))
		return
	}

	mc.activeSubscriptionsMu.Lock()
	mc.activeSubscriptions[topic] = struct{}{}
	mc.activeSubscriptionsMu.Unlock()

	b := mc.broker
	b.publishSubscribersMu.Lock()
	if _, ok := b.publishSubscribers[topic]; !ok {
		b.publishSubscribers[topic] = make(map[*managedClient]struct{})
	}
	b.publishSubscribers[topic][mc] = struct{}{}
	b.publishSubscribersMu.Unlock()

	ack, _ := wire.NewEnvelope(env.ID, wire.TypeSubscriptionAck, topic, map[string]string{"status": "subscribed", "topic": topic}, nil)
	mc.trySend(ack)
}

func (mc *managedClient) handleUnsubscribeRequest(env *wire.Envelope) {
	topic := env.Topic
	if topic == "" {
		return
	}

	mc.activeSubscriptionsMu.Lock()
	delete(mc.activeSubscriptions, topic)
	mc.activeSubscriptionsMu.Unlock()

	b := mc.broker
	b.publishSubscribersMu.Lock()
	if subs, ok := b.publishSubscribers[topic]; ok {
		delete(subs, mc)
		if len(subs) == 0 {
			delete(b.publishSubscribers, topic)
		}
	}
	b.publishSubscribersMu.Unlock()

	ack, _ := wire.NewEnvelope(env.ID, wire.TypeSubscriptionAck, topic, map[string]string{"status": "unsubscribed", "topic": topic}, nil)
	mc.trySend(ack)
}

// trySend queues env without blocking. A client whose buffer overflows
// slowClientDropThreshold times is disconnected.
func (mc *managedClient) trySend(env *wire.Envelope) bool {
	select {
	case mc.send <- env:
		return true
	case <-mc.ctx.Done():
		return false
	default:
	}

	mc.droppedMu.Lock()
	mc.droppedMessages++
	dropped := mc.droppedMessages
	mc.droppedMu.Unlock()

	mc.logger.Warn("send buffer full, envelope dropped", "type", env.Type, "topic", env.Topic, "dropped", dropped)
	if dropped >= slowClientDropThreshold {
		mc.logger.Warn("disconnecting slow client", "dropped", dropped)
		go mc.broker.removeClient(mc)
	}
	return false
}

func (mc *managedClient) writePump() {
	for {
		select {
		case message := <-mc.send:
			writeCtx, cancel := context.WithTimeout(mc.ctx, mc.broker.config.writeTimeout)
			err := wsjson.Write(writeCtx, mc.conn, message)
			cancel()
			if err != nil {
				mc.logger.Debug("write error, closing", "error", err)
				mc.conn.CloseNow()
				return
			}
		case <-mc.ctx.Done():
			return
		}
	}
}

func (mc *managedClient) pingLoop() {
	interval := mc.broker.config.pingInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(mc.ctx, interval/2)
			err := mc.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if mc.ctx.Err() == nil {
					mc.logger.Info("ping failed, closing", "error", err)
					mc.conn.Close(websocket.StatusPolicyViolation, "ping failure")
				}
				return
			}
		case <-mc.ctx.Done():
			return
		}
	}
}
