package chatserver

import (
	"fmt"
	"time"

	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
)

// claimAutoReplyLocked reports whether the demo agent should answer c now.
// It answers once per chat, and only while no human agent has joined.
func (h *Hub) claimAutoReplyLocked(c *chat) bool {
	if !h.cfg.AutoReply || c.autoReplied || len(c.agents) > 0 {
		return false
	}
	c.autoReplied = true
	return true
}

// scheduleAutoReply shows the demo agent typing and then posts a greeting.
func (h *Hub) scheduleAutoReply(chatID string) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		typingFor := h.cfg.AutoReplyDelay
		if !h.autoReplyStep(chatID, typingFor/3, func(c *chat) []push {
			return []push{{
				conns:   c.customerConns(),
				topic:   protocol.TopicAgentTyping,
				payload: protocol.AgentTypingEvent{ChatSessionID: c.id, AgentName: h.cfg.AutoReplyName, Typing: true},
			}}
		}) {
			return
		}

		h.autoReplyStep(chatID, typingFor-typingFor/3, func(c *chat) []push {
			if c.agentName == "" {
				c.agentName = h.cfg.AutoReplyName
			}
			m := h.appendLocked(c, protocol.Message{
				Sender:     protocol.SenderAgent,
				SenderName: h.cfg.AutoReplyName,
				Text:       fmt.Sprintf("Thanks for reaching out, %s! An agent will be with you shortly.", c.customerName),
			})
			ev := protocol.MessageEvent{Message: m}
			return []push{
				{conns: c.customerConns(), topic: protocol.TopicChatMessage, payload: ev},
				{conns: c.agentConns(""), topic: protocol.TopicChatMessage, payload: ev},
			}
		})
	}()
}

// autoReplyStep waits d, then runs fn on the chat if it is still active and
// delivers what fn returns. It reports whether the reply should continue.
func (h *Hub) autoReplyStep(chatID string, d time.Duration, fn func(*chat) []push) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.ctx.Done():
		return false
	case <-timer.C:
	}

	h.mu.Lock()
	c, ok := h.chats[chatID]
	if !ok || c.status != protocol.ChatActive {
		h.mu.Unlock()
		return false
	}
	pushes := fn(c)
	h.mu.Unlock()
	h.deliver(pushes...)
	return true
}
