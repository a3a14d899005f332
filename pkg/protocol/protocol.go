// Package protocol lists the topics and payloads spoken between the support
// chat widget, agent consoles and the chat backend.
package protocol

import (
	"strings"
	"time"
)

// System topics.
const (
	TopicClientRegister = "system:register"
	TopicWidgetReload   = "system:widget_reload"
)

// Customer topics.
const (
	TopicChatStart    = "chat:start"
	TopicChatResume   = "chat:resume"
	TopicChatValidate = "chat:validate"
	TopicChatSend     = "chat:send"
	TopicChatEnd      = "chat:end"
	TopicChatTyping   = "chat:typing"
	TopicFileUpload   = "file:upload"

	// Pushed by the server.
	TopicChatMessage    = "chat:message"
	TopicAgentTyping    = "chat:agent_typing"
	TopicAgentJoined    = "chat:agent_joined"
	TopicChatEnded      = "chat:ended"
	TopicChatStarted    = "agent:chat_started"
	TopicCustomerTyping = "agent:customer_typing"
)

// Agent topics.
const (
	TopicAgentList      = "agent:list"
	TopicAgentJoin      = "agent:join"
	TopicAgentSend      = "agent:send"
	TopicAgentEnd       = "agent:end"
	TopicAgentTypingSet = "agent:typing"
)

// ServerOwned reports whether topic belongs to the chat backend. Clients may
// send requests on these topics but their publishes are never relayed.
func ServerOwned(topic string) bool {
	for _, prefix := range []string{"system:", "chat:", "agent:", "file:"} {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

// Client types sent during registration.
const (
	ClientTypeWidget = "widget"
	ClientTypeAgent  = "agent"
)

// ChatStatus is the server-side lifecycle of a chat session.
type ChatStatus string

const (
	ChatActive ChatStatus = "active"
	ChatEnded  ChatStatus = "ended"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderAgent    Sender = "agent"
	SenderSystem   Sender = "system"
)

// ClientRegistration is sent by every client right after connecting.
type ClientRegistration struct {
	ClientID   string `json:"clientId"`
	ClientName string `json:"clientName"`
	ClientType string `json:"clientType"`
	ClientURL  string `json:"clientUrl,omitempty"`
}

// ClientRegistrationResponse carries the id the server assigned to the connection.
type ClientRegistrationResponse struct {
	ServerAssignedID string `json:"serverAssignedId"`
	ClientName       string `json:"clientName"`
	ServerTime       string `json:"serverTime"`
}

// Attachment describes an uploaded file.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

// Message is one chat line as stored by the server.
type Message struct {
	ID            string      `json:"id"`
	ChatSessionID string      `json:"chatSessionId"`
	Seq           int64       `json:"seq"`
	Sender        Sender      `json:"sender"`
	SenderName    string      `json:"senderName,omitempty"`
	Text          string      `json:"text,omitempty"`
	Attachment    *Attachment `json:"attachment,omitempty"`
	TempID        string      `json:"tempId,omitempty"`
	SentAt        time.Time   `json:"sentAt"`
}

// ChatSnapshot is the full state of a chat returned on start, resume and join.
type ChatSnapshot struct {
	CustomerID    string     `json:"customerId"`
	ChatSessionID string     `json:"chatSessionId"`
	CustomerName  string     `json:"customerName"`
	Status        ChatStatus `json:"status"`
	AgentName     string     `json:"agentName,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	Messages      []Message  `json:"messages"`
}

// ChatSummary is a row of the agent chat list.
type ChatSummary struct {
	ChatSessionID string     `json:"chatSessionId"`
	CustomerName  string     `json:"customerName"`
	Status        ChatStatus `json:"status"`
	AgentName     string     `json:"agentName,omitempty"`
	MessageCount  int        `json:"messageCount"`
	Online        bool       `json:"online"`
	StartedAt     time.Time  `json:"startedAt"`
	LastActivity  time.Time  `json:"lastActivity"`
}

type StartChatRequest struct {
	CustomerName   string `json:"customerName"`
	Email          string `json:"email,omitempty"`
	InitialMessage string `json:"initialMessage,omitempty"`
}

type ResumeRequest struct {
	CustomerID    string `json:"customerId"`
	ChatSessionID string `json:"chatSessionId"`
}

type ValidateRequest struct {
	CustomerID    string `json:"customerId"`
	ChatSessionID string `json:"chatSessionId"`
}

type ValidateResponse struct {
	Valid  bool       `json:"valid"`
	Status ChatStatus `json:"status,omitempty"`
}

type SendRequest struct {
	TempID        string `json:"tempId"`
	ChatSessionID string `json:"chatSessionId"`
	Text          string `json:"text,omitempty"`
	AttachmentID  string `json:"attachmentId,omitempty"`
}

// SendAck acknowledges a customer message; TempID echoes the request.
type SendAck struct {
	TempID  string  `json:"tempId"`
	Message Message `json:"message"`
}

type UploadRequest struct {
	TempID        string `json:"tempId"`
	ChatSessionID string `json:"chatSessionId"`
	Name          string `json:"name"`
	ContentType   string `json:"contentType"`
	Data          []byte `json:"data"`
}

type EndChatRequest struct {
	ChatSessionID string `json:"chatSessionId"`
}

type EndChatResponse struct {
	ChatSessionID string    `json:"chatSessionId"`
	EndedAt       time.Time `json:"endedAt"`
}

type TypingEvent struct {
	ChatSessionID string `json:"chatSessionId"`
	Typing        bool   `json:"typing"`
}

type MessageEvent struct {
	Message Message `json:"message"`
}

type AgentTypingEvent struct {
	ChatSessionID string `json:"chatSessionId"`
	AgentName     string `json:"agentName,omitempty"`
	Typing        bool   `json:"typing"`
}

type AgentJoinedEvent struct {
	ChatSessionID string `json:"chatSessionId"`
	AgentName     string `json:"agentName"`
}

type ChatEndedEvent struct {
	ChatSessionID string    `json:"chatSessionId"`
	EndedAt       time.Time `json:"endedAt"`
	EndedBy       Sender    `json:"endedBy"`
}

type ChatStartedEvent struct {
	Chat ChatSummary `json:"chat"`
}

type CustomerTypingEvent struct {
	ChatSessionID string `json:"chatSessionId"`
	CustomerName  string `json:"customerName"`
	Typing        bool   `json:"typing"`
}

type AgentListRequest struct {
	IncludeEnded bool `json:"includeEnded,omitempty"`
}

type AgentListResponse struct {
	Chats []ChatSummary `json:"chats"`
}

type AgentJoinRequest struct {
	ChatSessionID string `json:"chatSessionId"`
}

type AgentSendRequest struct {
	ChatSessionID string `json:"chatSessionId"`
	Text          string `json:"text"`
}

type WidgetReloadEvent struct {
	File string `json:"file"`
}
