package widget

import (
	"context"
	"fmt"
	"strings"

	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
	"github.com/lightforgemedia/go-supportchat/pkg/wire"
)

// Send posts a text message. The message is shown at once as pending under a
// temporary id and resolved when the server acknowledges it. There is exactly
// one attempt: on failure the message is marked failed and the error banner is
// set. The temporary id is returned.
func (w *Widget) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if len([]rune(text)) > w.cfg.maxMessageLength {
		return "", ErrMessageTooLong
	}

	w.mu.Lock()
	if err := w.requireActiveLocked("send"); err != nil {
		w.mu.Unlock()
		return "", err
	}
	tempID := wire.NewTempID()
	w.insertLocked(&Message{
		TempID:     tempID,
		Sender:     protocol.SenderCustomer,
		SenderName: w.sess.CustomerName,
		Text:       text,
		Status:     StatusPending,
		SentAt:     w.cfg.now(),
	})
	chatID := w.sess.ChatSessionID
	wasTyping := w.stopTypingLocked()
	w.mu.Unlock()

	if wasTyping {
		w.publish(protocol.TopicChatTyping, protocol.TypingEvent{ChatSessionID: chatID, Typing: false})
		w.emit(EventMessages, EventTyping)
	} else {
		w.emit(EventMessages)
	}

	req := protocol.SendRequest{TempID: tempID, ChatSessionID: chatID, Text: text}
	return tempID, w.deliver(ctx, req)
}

// SendFile uploads data and then sends it as a message with an optional
// caption. The upload and the send are each attempted once. If the chat is
// no longer the active one when the upload completes, nothing is sent.
func (w *Widget) SendFile(ctx context.Context, name, contentType string, data []byte, caption string) (string, error) {
	caption = strings.TrimSpace(caption)
	if len(data) == 0 {
		return "", ErrEmptyFile
	}
	if len([]rune(caption)) > w.cfg.maxMessageLength {
		return "", ErrMessageTooLong
	}
	if len(data) > w.cfg.maxUploadSize {
		w.setBanner(BannerFileTooLarge)
		return "", ErrFileTooLarge
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.mu.Lock()
	if err := w.requireActiveLocked("send file"); err != nil {
		w.mu.Unlock()
		return "", err
	}
	tempID := wire.NewTempID()
	w.insertLocked(&Message{
		TempID:     tempID,
		Sender:     protocol.SenderCustomer,
		SenderName: w.sess.CustomerName,
		Text:       caption,
		Attachment: &protocol.Attachment{Name: name, ContentType: contentType, Size: int64(len(data))},
		Status:     StatusUploading,
		SentAt:     w.cfg.now(),
	})
	chatID := w.sess.ChatSessionID
	chatGen := w.chatGen
	w.mu.Unlock()
	w.emit(EventMessages)

	upload := protocol.UploadRequest{
		TempID:        tempID,
		ChatSessionID: chatID,
		Name:          name,
		ContentType:   contentType,
		Data:          data,
	}
	var att protocol.Attachment
	if err := w.request(ctx, protocol.TopicFileUpload, upload, &att); err != nil {
		w.fail(tempID, err.Error(), BannerUploadFailed)
		return tempID, fmt.Errorf("upload %s: %w", name, err)
	}

	w.mu.Lock()
	if w.state != StateActive || w.chatGen != chatGen {
		w.failLocked(tempID, ErrChatEndedUpload.Error())
		w.banner = BannerChatEndedFile
		w.mu.Unlock()
		w.emit(EventMessages, EventBanner)
		return tempID, ErrChatEndedUpload
	}
	if m, ok := w.byTemp[tempID]; ok && m.Status == StatusUploading {
		m.Attachment = &att
		m.Status = StatusPending
	}
	w.mu.Unlock()
	w.emit(EventMessages)

	req := protocol.SendRequest{TempID: tempID, ChatSessionID: chatID, Text: caption, AttachmentID: att.ID}
	return tempID, w.deliver(ctx, req)
}

// deliver issues the single chat:send attempt for a pending message.
func (w *Widget) deliver(ctx context.Context, req protocol.SendRequest) error {
	var ack protocol.SendAck
	if err := w.request(ctx, protocol.TopicChatSend, req, &ack); err != nil {
		w.fail(req.TempID, err.Error(), BannerSendFailed)
		return fmt.Errorf("send: %w", err)
	}
	if ack.Message.TempID == "" {
		ack.Message.TempID = req.TempID
	}

	w.mu.Lock()
	changed := w.reconcileLocked(ack.Message)
	w.mu.Unlock()
	if changed {
		w.emit(EventMessages)
	}
	w.touchSession(ctx, req.ChatSessionID)
	return nil
}

func (w *Widget) fail(tempID, reason, banner string) {
	w.mu.Lock()
	changed := w.failLocked(tempID, reason)
	if changed {
		w.banner = banner
	}
	w.mu.Unlock()
	if changed {
		w.emit(EventMessages, EventBanner)
	}
}

// failLocked marks an unresolved message failed. A message the server already
// delivered back to us stays sent.
func (w *Widget) failLocked(tempID, reason string) bool {
	m, ok := w.byTemp[tempID]
	if !ok || m.Status == StatusSent || m.Status == StatusFailed {
		return false
	}
	m.Status = StatusFailed
	m.Error = reason
	return true
}

func (w *Widget) requireActiveLocked(op string) error {
	switch w.state {
	case StateClosed:
		return ErrClosed
	case StateActive:
		return nil
	default:
		return fmt.Errorf("%s in state %s: %w", op, w.state, ErrWrongState)
	}
}
