// Package widget is the headless customer side of the support chat. It owns
// the chat session lifecycle: persisting and resuming the session across
// reconnects, optimistic sends reconciled against server acknowledgements,
// typing debounce and upload-then-send sequencing. Rendering is left to the
// embedder, which subscribes to events or polls View.
package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lightforgemedia/go-supportchat/pkg/client"
	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
	"github.com/lightforgemedia/go-supportchat/pkg/session"
)

// State is the screen the widget shows.
type State string

const (
	StateConnecting State = "connecting"
	StateStartForm  State = "start-form"
	StateActive     State = "active"
	StateEnded      State = "ended"
	StateClosed     State = "closed"
)

// MessageStatus tracks delivery of a message shown in the widget.
type MessageStatus string

const (
	StatusUploading MessageStatus = "uploading"
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusFailed    MessageStatus = "failed"
)

// Message is one line of the conversation as the widget shows it.
// Optimistic messages have an empty ID and a TempID until acknowledged.
type Message struct {
	ID         string
	TempID     string
	Seq        int64
	Sender     protocol.Sender
	SenderName string
	Text       string
	Attachment *protocol.Attachment
	Status     MessageStatus
	Error      string
	SentAt     time.Time

	order int64
}

// Key returns the server id if known and the temporary id otherwise.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// View is a snapshot of everything the widget renders.
type View struct {
	State         State
	Connected     bool
	CustomerID    string
	ChatSessionID string
	CustomerName  string
	AgentName     string
	AgentTyping   bool
	Typing        bool
	Banner        string
	Messages      []Message
}

// Widget drives one customer's chat. It is safe for concurrent use.
type Widget struct {
	cfg    config
	logger *slog.Logger
	store  session.Store
	bus    *eventBus

	ctx    context.Context
	cancel context.CancelFunc

	cliMu sync.RWMutex
	cli   *client.Client
	ready chan struct{}

	mu          sync.Mutex
	state       State
	connected   bool
	connGen     uint64
	chatGen     uint64
	sess        session.Session
	messages    []*Message
	byID        map[string]*Message
	byTemp      map[string]*Message
	nextOrder   int64
	agentName   string
	agentTyping bool
	banner      string
	starting    bool

	typing      bool
	typingGen   uint64
	typingTimer *time.Timer

	emitMu sync.Mutex
}

// New creates a widget in the Connecting state. Call Open to dial the backend.
func New(opts ...Option) *Widget {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.store == nil {
		cfg.store = session.NewMemoryStore()
	}
	w := &Widget{
		cfg:    cfg,
		logger: cfg.logger.With("component", "widget"),
		store:  cfg.store,
		bus:    newEventBus(cfg.eventBuffer),
		ready:  make(chan struct{}),
		state:  StateConnecting,
		byID:   make(map[string]*Message),
		byTemp: make(map[string]*Message),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

// Open dials the chat backend at url. The transport reconnects on its own;
// every (re)connect restores the stored session. A failed first dial is not
// an error: the widget stays Connecting while the transport retries.
func (w *Widget) Open(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.cliMu.Lock()
	defer w.cliMu.Unlock()
	select {
	case <-w.ready:
		return ErrAlreadyOpen
	default:
	}
	if w.ctx.Err() != nil {
		return ErrClosed
	}

	opts := []client.Option{
		client.WithLogger(w.cfg.logger),
		client.WithContext(w.ctx),
		client.WithClientType(protocol.ClientTypeWidget),
		client.WithClientName(w.cfg.clientName),
		client.WithDefaultRequestTimeout(w.cfg.requestTimeout),
		client.WithAutoReconnect(0, w.cfg.reconnectMin, w.cfg.reconnectMax),
		client.WithSubscription(protocol.TopicChatMessage, w.onMessage),
		client.WithSubscription(protocol.TopicAgentTyping, w.onAgentTyping),
		client.WithSubscription(protocol.TopicAgentJoined, w.onAgentJoined),
		client.WithSubscription(protocol.TopicChatEnded, w.onChatEnded),
		client.WithSubscription(protocol.TopicWidgetReload, w.onWidgetReload),
		client.WithOnConnect(w.onConnect),
		client.WithOnDisconnect(w.onDisconnect),
	}
	opts = append(opts, w.cfg.clientOptions...)

	cli, err := client.Connect(url, opts...)
	if err != nil {
		close(w.ready)
		return fmt.Errorf("widget open: %w", err)
	}
	w.cli = cli
	close(w.ready)
	w.logger.Info("widget opened", "url", url)
	return nil
}

// transport waits for Open to finish and returns the client, or nil.
// Connect hooks fire before Open returns, hence the wait.
func (w *Widget) transport(ctx context.Context) *client.Client {
	select {
	case <-w.ready:
	case <-w.ctx.Done():
		return nil
	case <-ctx.Done():
		return nil
	}
	w.cliMu.RLock()
	defer w.cliMu.RUnlock()
	return w.cli
}

func (w *Widget) request(ctx context.Context, topic string, req, resp any) error {
	cli := w.transport(ctx)
	if cli == nil {
		if w.ctx.Err() != nil {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrNotOpen
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.requestTimeout)
	defer cancel()
	return cli.Request(ctx, topic, req, resp)
}

func (w *Widget) publish(topic string, payload any) {
	cli := w.transport(w.ctx)
	if cli == nil {
		return
	}
	if err := cli.Publish(topic, payload); err != nil {
		w.logger.Debug("publish dropped", "topic", topic, "error", err)
	}
}

// Subscribe returns a channel of events of the given kinds (all kinds when
// none are given). Read from it until it is closed, or call cancel.
func (w *Widget) Subscribe(kinds ...EventKind) (<-chan Event, func()) {
	return w.bus.subscribe(kinds...)
}

// View returns a snapshot of the widget.
func (w *Widget) View() View {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.viewLocked()
}

// State returns the current state.
func (w *Widget) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Widget) viewLocked() View {
	v := View{
		State:         w.state,
		Connected:     w.connected,
		CustomerID:    w.sess.CustomerID,
		ChatSessionID: w.sess.ChatSessionID,
		CustomerName:  w.sess.CustomerName,
		AgentName:     w.agentName,
		AgentTyping:   w.agentTyping,
		Typing:        w.typing,
		Banner:        w.banner,
		Messages:      make([]Message, len(w.messages)),
	}
	for i, m := range w.messages {
		v.Messages[i] = *m
		if m.Attachment != nil {
			att := *m.Attachment
			v.Messages[i].Attachment = &att
		}
	}
	return v
}

func (w *Widget) emit(kinds ...EventKind) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	v := w.View()
	for _, k := range kinds {
		w.bus.publish(Event{Kind: k, View: v})
	}
}

// DismissError clears the error banner.
func (w *Widget) DismissError() {
	w.mu.Lock()
	had := w.banner != ""
	w.banner = ""
	w.mu.Unlock()
	if had {
		w.emit(EventBanner)
	}
}

func (w *Widget) setBanner(text string) {
	w.mu.Lock()
	w.banner = text
	w.mu.Unlock()
	w.emit(EventBanner)
}

// Close stops timers, the transport and event delivery. The stored session is
// kept so a later widget can resume it.
func (w *Widget) Close() error {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return nil
	}
	w.state = StateClosed
	w.connected = false
	w.stopTypingLocked()
	w.mu.Unlock()

	w.cancel()
	w.cliMu.RLock()
	cli := w.cli
	w.cliMu.RUnlock()
	var err error
	if cli != nil {
		err = cli.Close()
	}
	w.bus.shutdown(Event{Kind: EventState, View: w.View()})
	w.logger.Info("widget closed")
	return err
}

// onConnect runs on the transport's dispatch goroutine, so the resume
// request is issued from its own goroutine.
func (w *Widget) onConnect() {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return
	}
	w.connected = true
	w.connGen++
	gen := w.connGen
	w.mu.Unlock()
	w.emit(EventState)

	go w.restore(gen)
}

func (w *Widget) onDisconnect(err error) {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return
	}
	w.connected = false
	w.connGen++
	w.agentTyping = false
	w.stopTypingLocked()
	if w.state != StateEnded {
		w.state = StateConnecting
	}
	w.mu.Unlock()
	w.logger.Info("widget disconnected", "error", err)
	w.emit(EventState, EventTyping)
}

// restore decides what to show after a connect: the start form, or the
// resumed chat from the stored session.
func (w *Widget) restore(gen uint64) {
	w.mu.Lock()
	ended := w.state == StateEnded
	w.mu.Unlock()
	if ended {
		return
	}

	sess, err := session.LoadValid(w.ctx, w.store, w.cfg.storageKey, w.cfg.now(), w.cfg.sessionTTL)
	if errors.Is(err, session.ErrNoSession) {
		w.mu.Lock()
		if w.connGen != gen || w.state != StateConnecting {
			w.mu.Unlock()
			return
		}
		w.resetChatLocked()
		w.state = StateStartForm
		w.mu.Unlock()
		w.emit(EventState, EventMessages)
		return
	}
	if err != nil {
		w.logger.Error("loading stored session failed", "error", err)
		w.setBanner(BannerResumeFailed)
		return
	}
	if err := w.resume(w.ctx, sess, gen); err != nil {
		w.logger.Warn("resume failed", "chat", sess.ChatSessionID, "error", err)
	}
}

func (w *Widget) isCurrentConn(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connGen == gen && w.state != StateClosed
}

func (w *Widget) resetChatLocked() {
	w.sess = session.Session{}
	w.messages = nil
	w.byID = make(map[string]*Message)
	w.byTemp = make(map[string]*Message)
	w.agentName = ""
	w.agentTyping = false
	w.chatGen++
}

// insertLocked appends an optimistic or received message and keeps the list
// ordered: server messages by seq, then unacknowledged ones by creation.
func (w *Widget) insertLocked(m *Message) {
	w.nextOrder++
	m.order = w.nextOrder
	w.messages = append(w.messages, m)
	if m.ID != "" {
		w.byID[m.ID] = m
	}
	if m.TempID != "" {
		w.byTemp[m.TempID] = m
	}
	w.sortLocked()
}

func (w *Widget) sortLocked() {
	sort.SliceStable(w.messages, func(i, j int) bool {
		a, b := w.messages[i], w.messages[j]
		switch {
		case a.Seq > 0 && b.Seq > 0:
			return a.Seq < b.Seq
		case a.Seq > 0:
			return true
		case b.Seq > 0:
			return false
		default:
			return a.order < b.order
		}
	})
}

// reconcileLocked applies a server message. A message whose TempID matches a
// local entry resolves that entry; a server id seen before is ignored.
// It reports whether anything changed.
func (w *Widget) reconcileLocked(sm protocol.Message) bool {
	if sm.ChatSessionID == "" || sm.ChatSessionID != w.sess.ChatSessionID {
		return false
	}
	if _, seen := w.byID[sm.ID]; seen {
		return false
	}
	if sm.TempID != "" {
		if local, ok := w.byTemp[sm.TempID]; ok {
			local.ID = sm.ID
			local.Seq = sm.Seq
			local.Text = sm.Text
			local.SenderName = sm.SenderName
			if sm.Attachment != nil {
				local.Attachment = sm.Attachment
			}
			local.SentAt = sm.SentAt
			wasFailed := local.Status == StatusFailed
			local.Status = StatusSent
			local.Error = ""
			w.byID[sm.ID] = local
			w.sortLocked()
			if wasFailed && w.banner == BannerSendFailed && !w.anyFailedLocked() {
				w.banner = ""
			}
			return true
		}
	}
	w.insertLocked(&Message{
		ID:         sm.ID,
		TempID:     sm.TempID,
		Seq:        sm.Seq,
		Sender:     sm.Sender,
		SenderName: sm.SenderName,
		Text:       sm.Text,
		Attachment: sm.Attachment,
		Status:     StatusSent,
		SentAt:     sm.SentAt,
	})
	return true
}

func (w *Widget) anyFailedLocked() bool {
	for _, m := range w.messages {
		if m.Status == StatusFailed {
			return true
		}
	}
	return false
}

func (w *Widget) saveSession(ctx context.Context, s session.Session) {
	if err := w.store.Save(ctx, w.cfg.storageKey, s); err != nil {
		w.logger.Error("saving session failed", "error", err)
	}
}

func (w *Widget) clearSession(ctx context.Context) {
	if err := w.store.Clear(ctx, w.cfg.storageKey); err != nil {
		w.logger.Error("clearing session failed", "error", err)
	}
}

// touchSession refreshes the stored timestamp of the current chat.
func (w *Widget) touchSession(ctx context.Context, chatID string) {
	w.mu.Lock()
	if w.sess.ChatSessionID != chatID || w.state != StateActive {
		w.mu.Unlock()
		return
	}
	w.sess = w.sess.Touch(w.cfg.now())
	s := w.sess
	w.mu.Unlock()
	w.saveSession(ctx, s)
}
