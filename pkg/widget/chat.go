package widget

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
	"github.com/lightforgemedia/go-supportchat/pkg/session"
	"github.com/lightforgemedia/go-supportchat/pkg/wire"
)

// StartChat submits the start form. The new session is persisted before the
// widget switches to Active.
func (w *Widget) StartChat(ctx context.Context, name, email, initialMessage string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	initialMessage = strings.TrimSpace(initialMessage)
	if len([]rune(initialMessage)) > w.cfg.maxMessageLength {
		return ErrMessageTooLong
	}

	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.state != StateStartForm || w.starting {
		w.mu.Unlock()
		return fmt.Errorf("start chat in state %s: %w", w.state, ErrWrongState)
	}
	w.starting = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.starting = false
		w.mu.Unlock()
	}()

	req := protocol.StartChatRequest{
		CustomerName:   name,
		Email:          strings.TrimSpace(email),
		InitialMessage: initialMessage,
	}
	var snap protocol.ChatSnapshot
	if err := w.request(ctx, protocol.TopicChatStart, req, &snap); err != nil {
		w.setBanner(BannerStartFailed)
		return fmt.Errorf("start chat: %w", err)
	}

	sess := session.Session{
		CustomerID:    snap.CustomerID,
		ChatSessionID: snap.ChatSessionID,
		CustomerName:  snap.CustomerName,
		Timestamp:     w.cfg.now(),
	}
	w.saveSession(ctx, sess)

	w.mu.Lock()
	if w.state != StateStartForm {
		// The connection dropped while starting; the reconnect resumes
		// the session that was just stored.
		w.mu.Unlock()
		return nil
	}
	w.resetChatLocked()
	w.sess = sess
	w.applySnapshotLocked(snap)
	w.state = StateActive
	w.banner = ""
	w.mu.Unlock()
	w.logger.Info("chat started", "chat", snap.ChatSessionID)
	w.emit(EventState, EventMessages, EventAgent, EventBanner)
	return nil
}

func (w *Widget) applySnapshotLocked(snap protocol.ChatSnapshot) {
	if snap.AgentName != "" {
		w.agentName = snap.AgentName
	}
	for _, m := range snap.Messages {
		w.reconcileLocked(m)
	}
}

// resume asks the server for the stored chat and switches to it. gen is the
// connection generation the request belongs to; results for an older
// connection are dropped.
func (w *Widget) resume(ctx context.Context, sess session.Session, gen uint64) error {
	req := protocol.ResumeRequest{CustomerID: sess.CustomerID, ChatSessionID: sess.ChatSessionID}
	var snap protocol.ChatSnapshot
	err := w.request(ctx, protocol.TopicChatResume, req, &snap)
	if !w.isCurrentConn(gen) {
		return err
	}
	if err != nil {
		switch wire.StatusCode(err) {
		case http.StatusNotFound, http.StatusForbidden:
			w.clearSession(ctx)
			w.toStartForm()
			return nil
		case 0:
			// Transport failure: the next connect tries again.
			return err
		default:
			w.setBanner(BannerResumeFailed)
			return err
		}
	}

	if snap.Status == protocol.ChatEnded {
		w.clearSession(ctx)
	} else {
		sess.CustomerName = snap.CustomerName
		sess = sess.Touch(w.cfg.now())
		w.saveSession(ctx, sess)
	}

	w.mu.Lock()
	if w.connGen != gen || w.state == StateClosed {
		w.mu.Unlock()
		return nil
	}
	if w.sess.ChatSessionID != snap.ChatSessionID {
		w.resetChatLocked()
	}
	w.sess = sess
	w.applySnapshotLocked(snap)
	if snap.Status == protocol.ChatEnded {
		w.state = StateEnded
		w.chatGen++
	} else {
		w.state = StateActive
	}
	w.mu.Unlock()
	w.logger.Info("chat resumed", "chat", snap.ChatSessionID, "status", snap.Status, "messages", len(snap.Messages))
	w.emit(EventState, EventMessages, EventAgent, EventBanner)
	return nil
}

func (w *Widget) toStartForm() {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return
	}
	w.stopTypingLocked()
	w.resetChatLocked()
	w.state = StateStartForm
	w.mu.Unlock()
	w.emit(EventState, EventMessages, EventAgent)
}

// VisibilityChanged re-checks the stored session when the embedding page
// becomes visible again. Another tab may have ended or replaced the chat, or
// the session may have expired while hidden.
func (w *Widget) VisibilityChanged(ctx context.Context, visible bool) error {
	if !visible {
		return nil
	}
	w.mu.Lock()
	state, connected, gen, chatID := w.state, w.connected, w.connGen, w.sess.ChatSessionID
	w.mu.Unlock()
	if state == StateClosed {
		return ErrClosed
	}
	if !connected {
		return nil
	}

	sess, err := session.LoadValid(ctx, w.store, w.cfg.storageKey, w.cfg.now(), w.cfg.sessionTTL)
	if errors.Is(err, session.ErrNoSession) {
		if state == StateActive || state == StateConnecting {
			w.toStartForm()
		}
		return nil
	}
	if err != nil {
		return err
	}

	var resp protocol.ValidateResponse
	req := protocol.ValidateRequest{CustomerID: sess.CustomerID, ChatSessionID: sess.ChatSessionID}
	if err := w.request(ctx, protocol.TopicChatValidate, req, &resp); err != nil {
		return fmt.Errorf("validate session: %w", err)
	}
	switch {
	case !resp.Valid:
		w.clearSession(ctx)
		w.toStartForm()
	case resp.Status == protocol.ChatEnded:
		w.clearSession(ctx)
		if state == StateActive && chatID == sess.ChatSessionID {
			w.endLocal(sess.ChatSessionID)
		} else {
			w.toStartForm()
		}
	case state != StateActive || chatID != sess.ChatSessionID:
		return w.resume(ctx, sess, gen)
	}
	return nil
}

// EndChat ends the active chat. The stored session is cleared.
func (w *Widget) EndChat(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.state != StateActive {
		w.mu.Unlock()
		return fmt.Errorf("end chat in state %s: %w", w.state, ErrWrongState)
	}
	chatID := w.sess.ChatSessionID
	wasTyping := w.stopTypingLocked()
	w.mu.Unlock()
	if wasTyping {
		w.publish(protocol.TopicChatTyping, protocol.TypingEvent{ChatSessionID: chatID, Typing: false})
		w.emit(EventTyping)
	}

	var resp protocol.EndChatResponse
	err := w.request(ctx, protocol.TopicChatEnd, protocol.EndChatRequest{ChatSessionID: chatID}, &resp)
	switch code := wire.StatusCode(err); {
	case err == nil, code == http.StatusNotFound, code == http.StatusConflict:
	default:
		w.setBanner(BannerEndFailed)
		return fmt.Errorf("end chat: %w", err)
	}
	w.clearSession(ctx)
	w.endLocal(chatID)
	return nil
}

// endLocal moves the chat identified by chatID to Ended.
func (w *Widget) endLocal(chatID string) {
	w.mu.Lock()
	if w.state != StateActive || w.sess.ChatSessionID != chatID {
		w.mu.Unlock()
		return
	}
	w.stopTypingLocked()
	w.state = StateEnded
	w.agentTyping = false
	w.chatGen++
	w.mu.Unlock()
	w.logger.Info("chat ended", "chat", chatID)
	w.emit(EventState, EventTyping)
}

// NewChat leaves the Ended screen for an empty start form.
func (w *Widget) NewChat() error {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.state != StateEnded {
		w.mu.Unlock()
		return fmt.Errorf("new chat in state %s: %w", w.state, ErrWrongState)
	}
	w.resetChatLocked()
	w.banner = ""
	if w.connected {
		w.state = StateStartForm
	} else {
		w.state = StateConnecting
	}
	w.mu.Unlock()
	w.emit(EventState, EventMessages, EventAgent, EventBanner)
	return nil
}

func (w *Widget) onMessage(ev protocol.MessageEvent) error {
	w.mu.Lock()
	changed := w.state != StateClosed && w.reconcileLocked(ev.Message)
	if changed && ev.Message.Sender == protocol.SenderAgent {
		w.agentTyping = false
		if ev.Message.SenderName != "" {
			w.agentName = ev.Message.SenderName
		}
	}
	w.mu.Unlock()
	if changed {
		w.emit(EventMessages, EventTyping, EventBanner)
	}
	return nil
}

func (w *Widget) onAgentTyping(ev protocol.AgentTypingEvent) error {
	w.mu.Lock()
	if w.state != StateActive || ev.ChatSessionID != w.sess.ChatSessionID {
		w.mu.Unlock()
		return nil
	}
	w.agentTyping = ev.Typing
	if ev.AgentName != "" {
		w.agentName = ev.AgentName
	}
	w.mu.Unlock()
	w.emit(EventTyping)
	return nil
}

func (w *Widget) onAgentJoined(ev protocol.AgentJoinedEvent) error {
	w.mu.Lock()
	if ev.ChatSessionID != w.sess.ChatSessionID {
		w.mu.Unlock()
		return nil
	}
	w.agentName = ev.AgentName
	w.mu.Unlock()
	w.emit(EventAgent)
	return nil
}

func (w *Widget) onChatEnded(ev protocol.ChatEndedEvent) error {
	w.mu.Lock()
	current := w.state == StateActive && ev.ChatSessionID == w.sess.ChatSessionID
	w.mu.Unlock()
	if !current {
		return nil
	}
	w.clearSession(w.ctx)
	w.endLocal(ev.ChatSessionID)
	return nil
}

func (w *Widget) onWidgetReload(ev protocol.WidgetReloadEvent) error {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	w.bus.publish(Event{Kind: EventReload, View: w.View(), File: ev.File})
	return nil
}
