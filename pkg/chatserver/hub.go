package chatserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
	"github.com/lightforgemedia/go-supportchat/pkg/wire"
)

// Sender delivers server pushes. The broker implements it in production.
type Sender interface {
	// SendTo pushes to a single connection.
	SendTo(ctx context.Context, connID, topic string, payload any) error
	// Broadcast pushes to every connection subscribed to topic.
	Broadcast(ctx context.Context, topic string, payload any) error
}

type chat struct {
	id           string
	customerID   string
	customerName string
	email        string
	status       protocol.ChatStatus
	agentName    string
	messages     []protocol.Message
	nextSeq      int64
	startedAt    time.Time
	lastActivity time.Time
	endedAt      *time.Time
	autoReplied  bool

	customers map[string]struct{} // customer connection ids
	agents    map[string]string   // agent connection id -> agent name
}

type storedFile struct {
	att    protocol.Attachment
	chatID string
	data   []byte
}

// Hub is the in-memory state of all chats. Every method takes the id of the
// calling connection; pushes to other connections go through the Sender
// after the hub lock is released.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	sender   Sender
	sanitize *sanitizer
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	chats    map[string]*chat
	bindings map[string]string // customer connection id -> chat id
	agents   map[string]map[string]struct{}
	files    map[string]*storedFile
}

// NewHub creates a hub that pushes through sender.
func NewHub(cfg Config, sender Sender, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		cfg:      cfg,
		logger:   logger.With("component", "hub"),
		sender:   sender,
		sanitize: newSanitizer(),
		now:      wire.Now,
		chats:    make(map[string]*chat),
		bindings: make(map[string]string),
		agents:   make(map[string]map[string]struct{}),
		files:    make(map[string]*storedFile),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// Close stops pending auto-replies.
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
}

type push struct {
	conns   []string
	topic   string
	payload any
}

func (h *Hub) deliver(pushes ...push) {
	for _, p := range pushes {
		for _, id := range p.conns {
			if err := h.sender.SendTo(h.ctx, id, p.topic, p.payload); err != nil {
				h.logger.Debug("push failed", "conn", id, "topic", p.topic, "error", err)
			}
		}
	}
}

func (c *chat) customerConns() []string {
	ids := make([]string, 0, len(c.customers))
	for id := range c.customers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *chat) agentConns(except string) []string {
	ids := make([]string, 0, len(c.agents))
	for id := range c.agents {
		if id != except {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *chat) snapshot() protocol.ChatSnapshot {
	msgs := make([]protocol.Message, len(c.messages))
	copy(msgs, c.messages)
	return protocol.ChatSnapshot{
		CustomerID:    c.customerID,
		ChatSessionID: c.id,
		CustomerName:  c.customerName,
		Status:        c.status,
		AgentName:     c.agentName,
		StartedAt:     c.startedAt,
		EndedAt:       c.endedAt,
		Messages:      msgs,
	}
}

func (c *chat) summary() protocol.ChatSummary {
	return protocol.ChatSummary{
		ChatSessionID: c.id,
		CustomerName:  c.customerName,
		Status:        c.status,
		AgentName:     c.agentName,
		MessageCount:  len(c.messages),
		Online:        len(c.customers) > 0,
		StartedAt:     c.startedAt,
		LastActivity:  c.lastActivity,
	}
}

// appendLocked assigns the next seq and stores m, dropping the oldest
// messages past the history limit.
func (h *Hub) appendLocked(c *chat, m protocol.Message) protocol.Message {
	c.nextSeq++
	m.ID = wire.NewID()
	m.ChatSessionID = c.id
	m.Seq = c.nextSeq
	m.SentAt = h.now()
	c.messages = append(c.messages, m)
	if over := len(c.messages) - h.cfg.HistoryLimit; over > 0 {
		c.messages = append(c.messages[:0:0], c.messages[over:]...)
	}
	c.lastActivity = m.SentAt
	return m
}

func (h *Hub) bindLocked(connID string, c *chat) {
	if prev, ok := h.bindings[connID]; ok && prev != c.id {
		if old := h.chats[prev]; old != nil {
			delete(old.customers, connID)
		}
	}
	h.bindings[connID] = c.id
	c.customers[connID] = struct{}{}
}

// boundChatLocked returns the chat connID is bound to if it is chatID.
func (h *Hub) boundChatLocked(connID, chatID string) (*chat, error) {
	if h.bindings[connID] != chatID || chatID == "" {
		return nil, wire.Errorf(http.StatusForbidden, "connection is not bound to chat %q", chatID)
	}
	c, ok := h.chats[chatID]
	if !ok {
		return nil, wire.Errorf(http.StatusNotFound, "chat %q not found", chatID)
	}
	return c, nil
}

// StartChat creates a customer and a chat and binds the connection to it.
func (h *Hub) StartChat(connID string, req protocol.StartChatRequest) (protocol.ChatSnapshot, error) {
	name := h.sanitize.name(req.CustomerName, h.cfg.MaxNameLength)
	if name == "" {
		return protocol.ChatSnapshot{}, wire.Errorf(http.StatusBadRequest, "customer name is required")
	}
	text := h.sanitize.text(req.InitialMessage, h.cfg.MaxMessageLength)

	now := h.now()
	c := &chat{
		id:           wire.NewID(),
		customerID:   wire.NewID(),
		customerName: name,
		email:        h.sanitize.name(req.Email, h.cfg.MaxNameLength),
		status:       protocol.ChatActive,
		startedAt:    now,
		lastActivity: now,
		customers:    make(map[string]struct{}),
		agents:       make(map[string]string),
	}

	h.mu.Lock()
	h.chats[c.id] = c
	h.bindLocked(connID, c)
	var autoReply bool
	if text != "" {
		h.appendLocked(c, protocol.Message{Sender: protocol.SenderCustomer, SenderName: name, Text: text})
		autoReply = h.claimAutoReplyLocked(c)
	}
	snap := c.snapshot()
	summary := c.summary()
	h.mu.Unlock()

	h.logger.Info("chat started", "chat", c.id, "customer", c.customerID, "conn", connID)
	if err := h.sender.Broadcast(h.ctx, protocol.TopicChatStarted, protocol.ChatStartedEvent{Chat: summary}); err != nil {
		h.logger.Debug("chat_started broadcast failed", "error", err)
	}
	if autoReply {
		h.scheduleAutoReply(c.id)
	}
	return snap, nil
}

// ResumeChat rebinds a connection to an existing chat after a reconnect or a
// page reload. Ended chats are returned but not bound.
func (h *Hub) ResumeChat(connID string, req protocol.ResumeRequest) (protocol.ChatSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.chats[req.ChatSessionID]
	if !ok {
		return protocol.ChatSnapshot{}, wire.Errorf(http.StatusNotFound, "chat %q not found", req.ChatSessionID)
	}
	if c.customerID != req.CustomerID {
		return protocol.ChatSnapshot{}, wire.Errorf(http.StatusForbidden, "chat %q belongs to another customer", req.ChatSessionID)
	}
	if c.status == protocol.ChatActive {
		h.bindLocked(connID, c)
	}
	return c.snapshot(), nil
}

// Validate reports whether a stored session still refers to a chat.
func (h *Hub) Validate(req protocol.ValidateRequest) protocol.ValidateResponse {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.chats[req.ChatSessionID]
	if !ok || c.customerID != req.CustomerID {
		return protocol.ValidateResponse{Valid: false}
	}
	return protocol.ValidateResponse{Valid: true, Status: c.status}
}

// SendCustomer stores a customer message and fans it out. A repeated TempID
// returns the stored message instead of storing a second copy.
func (h *Hub) SendCustomer(connID string, req protocol.SendRequest) (protocol.SendAck, error) {
	text := h.sanitize.text(req.Text, h.cfg.MaxMessageLength)

	h.mu.Lock()
	c, err := h.boundChatLocked(connID, req.ChatSessionID)
	if err != nil {
		h.mu.Unlock()
		return protocol.SendAck{}, err
	}
	if c.status != protocol.ChatActive {
		h.mu.Unlock()
		return protocol.SendAck{}, wire.Errorf(http.StatusConflict, "chat %q has ended", c.id)
	}
	if req.TempID != "" {
		for _, m := range c.messages {
			if m.TempID == req.TempID {
				h.mu.Unlock()
				return protocol.SendAck{TempID: req.TempID, Message: m}, nil
			}
		}
	}

	var att *protocol.Attachment
	if req.AttachmentID != "" {
		f, ok := h.files[req.AttachmentID]
		if !ok || f.chatID != c.id {
			h.mu.Unlock()
			return protocol.SendAck{}, wire.Errorf(http.StatusBadRequest, "unknown attachment %q", req.AttachmentID)
		}
		a := f.att
		att = &a
	}
	if text == "" && att == nil {
		h.mu.Unlock()
		return protocol.SendAck{}, wire.Errorf(http.StatusBadRequest, "message is empty")
	}

	m := h.appendLocked(c, protocol.Message{
		Sender:     protocol.SenderCustomer,
		SenderName: c.customerName,
		Text:       text,
		Attachment: att,
		TempID:     req.TempID,
	})
	autoReply := h.claimAutoReplyLocked(c)
	customers := c.customerConns()
	agents := c.agentConns("")
	h.mu.Unlock()

	ev := protocol.MessageEvent{Message: m}
	h.deliver(
		push{conns: customers, topic: protocol.TopicChatMessage, payload: ev},
		push{conns: agents, topic: protocol.TopicChatMessage, payload: ev},
	)
	if autoReply {
		h.scheduleAutoReply(c.id)
	}
	return protocol.SendAck{TempID: req.TempID, Message: m}, nil
}

// Upload stores an attachment for a later SendCustomer.
func (h *Hub) Upload(connID string, req protocol.UploadRequest) (protocol.Attachment, error) {
	if len(req.Data) == 0 {
		return protocol.Attachment{}, wire.Errorf(http.StatusBadRequest, "file is empty")
	}
	if len(req.Data) > h.cfg.MaxUploadSize {
		return protocol.Attachment{}, wire.Errorf(http.StatusRequestEntityTooLarge, "file is %d bytes, limit is %d", len(req.Data), h.cfg.MaxUploadSize)
	}
	name := h.sanitize.name(path.Base("/"+req.Name), h.cfg.MaxNameLength)
	if name == "" || name == "/" {
		name = "file"
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(req.Data)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.boundChatLocked(connID, req.ChatSessionID)
	if err != nil {
		return protocol.Attachment{}, err
	}
	if c.status != protocol.ChatActive {
		return protocol.Attachment{}, wire.Errorf(http.StatusConflict, "chat %q has ended", c.id)
	}
	id := wire.NewID()
	att := protocol.Attachment{
		ID:          id,
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(req.Data)),
		URL:         "/files/" + id,
	}
	h.files[id] = &storedFile{att: att, chatID: c.id, data: req.Data}
	c.lastActivity = h.now()
	h.logger.Info("file uploaded", "chat", c.id, "file", id, "size", att.Size)
	return att, nil
}

// File returns an uploaded attachment and its bytes.
func (h *Hub) File(id string) (protocol.Attachment, []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[id]
	if !ok {
		return protocol.Attachment{}, nil, false
	}
	return f.att, f.data, true
}

// EndByCustomer ends the chat the connection is bound to.
func (h *Hub) EndByCustomer(connID string, req protocol.EndChatRequest) (protocol.EndChatResponse, error) {
	h.mu.Lock()
	c, err := h.boundChatLocked(connID, req.ChatSessionID)
	h.mu.Unlock()
	if err != nil {
		return protocol.EndChatResponse{}, err
	}
	return h.end(c.id, protocol.SenderCustomer)
}

func (h *Hub) end(chatID string, by protocol.Sender) (protocol.EndChatResponse, error) {
	h.mu.Lock()
	c, ok := h.chats[chatID]
	if !ok {
		h.mu.Unlock()
		return protocol.EndChatResponse{}, wire.Errorf(http.StatusNotFound, "chat %q not found", chatID)
	}
	if c.status == protocol.ChatEnded {
		h.mu.Unlock()
		return protocol.EndChatResponse{}, wire.Errorf(http.StatusConflict, "chat %q has already ended", chatID)
	}
	now := h.now()
	c.status = protocol.ChatEnded
	c.endedAt = &now
	text := "The chat has ended."
	if by == protocol.SenderAgent {
		text = "The agent has ended the chat."
	}
	m := h.appendLocked(c, protocol.Message{Sender: protocol.SenderSystem, Text: text})
	dropped := h.dropFilesLocked(chatID)
	customers := c.customerConns()
	agents := c.agentConns("")
	h.mu.Unlock()

	h.logger.Info("chat ended", "chat", chatID, "by", by, "files_dropped", dropped)
	msg := protocol.MessageEvent{Message: m}
	ended := protocol.ChatEndedEvent{ChatSessionID: chatID, EndedAt: now, EndedBy: by}
	all := append(customers, agents...)
	h.deliver(
		push{conns: all, topic: protocol.TopicChatMessage, payload: msg},
		push{conns: all, topic: protocol.TopicChatEnded, payload: ended},
	)
	return protocol.EndChatResponse{ChatSessionID: chatID, EndedAt: now}, nil
}

// dropFilesLocked forgets the uploads of an ended chat. Their download URLs
// answer 404 from then on.
func (h *Hub) dropFilesLocked(chatID string) int {
	n := 0
	for id, f := range h.files {
		if f.chatID == chatID {
			delete(h.files, id)
			n++
		}
	}
	return n
}

// CustomerTyping relays the customer's typing indicator to joined agents.
func (h *Hub) CustomerTyping(connID string, ev protocol.TypingEvent) error {
	h.mu.Lock()
	c, err := h.boundChatLocked(connID, ev.ChatSessionID)
	if err != nil || c.status != protocol.ChatActive {
		h.mu.Unlock()
		return err
	}
	agents := c.agentConns("")
	name := c.customerName
	h.mu.Unlock()

	h.deliver(push{conns: agents, topic: protocol.TopicCustomerTyping, payload: protocol.CustomerTypingEvent{
		ChatSessionID: ev.ChatSessionID,
		CustomerName:  name,
		Typing:        ev.Typing,
	}})
	return nil
}

// ListChats returns chat summaries, most recently active first.
func (h *Hub) ListChats(includeEnded bool) []protocol.ChatSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.ChatSummary, 0, len(h.chats))
	for _, c := range h.chats {
		if c.status == protocol.ChatEnded && !includeEnded {
			continue
		}
		out = append(out, c.summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ChatSessionID < out[j].ChatSessionID
	})
	return out
}

// JoinAgent attaches an agent connection to a chat. The first join under a
// new agent name is announced to the customer.
func (h *Hub) JoinAgent(connID, agentName string, req protocol.AgentJoinRequest) (protocol.ChatSnapshot, error) {
	agentName = h.sanitize.name(agentName, h.cfg.MaxNameLength)
	if agentName == "" {
		agentName = "Agent"
	}

	h.mu.Lock()
	c, ok := h.chats[req.ChatSessionID]
	if !ok {
		h.mu.Unlock()
		return protocol.ChatSnapshot{}, wire.Errorf(http.StatusNotFound, "chat %q not found", req.ChatSessionID)
	}
	if c.status != protocol.ChatActive {
		h.mu.Unlock()
		return protocol.ChatSnapshot{}, wire.Errorf(http.StatusConflict, "chat %q has ended", c.id)
	}
	c.agents[connID] = agentName
	if h.agents[connID] == nil {
		h.agents[connID] = make(map[string]struct{})
	}
	h.agents[connID][c.id] = struct{}{}

	var pushes []push
	if c.agentName != agentName {
		c.agentName = agentName
		m := h.appendLocked(c, protocol.Message{Sender: protocol.SenderSystem, Text: fmt.Sprintf("%s joined the chat.", agentName)})
		customers := c.customerConns()
		pushes = append(pushes,
			push{conns: customers, topic: protocol.TopicAgentJoined, payload: protocol.AgentJoinedEvent{ChatSessionID: c.id, AgentName: agentName}},
			push{conns: append(customers, c.agentConns(connID)...), topic: protocol.TopicChatMessage, payload: protocol.MessageEvent{Message: m}},
		)
	}
	snap := c.snapshot()
	h.mu.Unlock()

	h.logger.Info("agent joined", "chat", c.id, "agent", agentName, "conn", connID)
	h.deliver(pushes...)
	return snap, nil
}

func (h *Hub) joinedChatLocked(connID, chatID string) (*chat, error) {
	c, ok := h.chats[chatID]
	if !ok {
		return nil, wire.Errorf(http.StatusNotFound, "chat %q not found", chatID)
	}
	if _, joined := c.agents[connID]; !joined {
		return nil, wire.Errorf(http.StatusForbidden, "agent has not joined chat %q", chatID)
	}
	return c, nil
}

// SendAgent stores an agent message and fans it out to the customer and the
// other agents.
func (h *Hub) SendAgent(connID string, req protocol.AgentSendRequest) (protocol.MessageEvent, error) {
	text := h.sanitize.text(req.Text, h.cfg.MaxMessageLength)
	if text == "" {
		return protocol.MessageEvent{}, wire.Errorf(http.StatusBadRequest, "message is empty")
	}

	h.mu.Lock()
	c, err := h.joinedChatLocked(connID, req.ChatSessionID)
	if err != nil {
		h.mu.Unlock()
		return protocol.MessageEvent{}, err
	}
	if c.status != protocol.ChatActive {
		h.mu.Unlock()
		return protocol.MessageEvent{}, wire.Errorf(http.StatusConflict, "chat %q has ended", c.id)
	}
	m := h.appendLocked(c, protocol.Message{Sender: protocol.SenderAgent, SenderName: c.agents[connID], Text: text})
	customers := c.customerConns()
	agents := c.agentConns(connID)
	h.mu.Unlock()

	ev := protocol.MessageEvent{Message: m}
	h.deliver(
		push{conns: customers, topic: protocol.TopicChatMessage, payload: ev},
		push{conns: agents, topic: protocol.TopicChatMessage, payload: ev},
	)
	return ev, nil
}

// EndByAgent ends a chat the agent has joined.
func (h *Hub) EndByAgent(connID string, req protocol.EndChatRequest) (protocol.EndChatResponse, error) {
	h.mu.Lock()
	_, err := h.joinedChatLocked(connID, req.ChatSessionID)
	h.mu.Unlock()
	if err != nil {
		return protocol.EndChatResponse{}, err
	}
	return h.end(req.ChatSessionID, protocol.SenderAgent)
}

// AgentTyping relays an agent's typing indicator to the customer.
func (h *Hub) AgentTyping(connID string, ev protocol.TypingEvent) error {
	h.mu.Lock()
	c, err := h.joinedChatLocked(connID, ev.ChatSessionID)
	if err != nil || c.status != protocol.ChatActive {
		h.mu.Unlock()
		return err
	}
	customers := c.customerConns()
	name := c.agents[connID]
	h.mu.Unlock()

	h.deliver(push{conns: customers, topic: protocol.TopicAgentTyping, payload: protocol.AgentTypingEvent{
		ChatSessionID: ev.ChatSessionID,
		AgentName:     name,
		Typing:        ev.Typing,
	}})
	return nil
}

// Disconnect forgets every binding of a closed connection.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if chatID, ok := h.bindings[connID]; ok {
		if c := h.chats[chatID]; c != nil {
			delete(c.customers, connID)
		}
		delete(h.bindings, connID)
	}
	for chatID := range h.agents[connID] {
		if c := h.chats[chatID]; c != nil {
			delete(c.agents, connID)
		}
	}
	delete(h.agents, connID)
}

// Stats is a point-in-time count for health checks.
type Stats struct {
	Chats       int `json:"chats"`
	ActiveChats int `json:"activeChats"`
	Files       int `json:"files"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Stats{Chats: len(h.chats), Files: len(h.files)}
	for _, c := range h.chats {
		if c.status == protocol.ChatActive {
			s.ActiveChats++
		}
	}
	return s
}
