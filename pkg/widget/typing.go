package widget

import (
	"time"

	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
)

// Typing reports a keystroke. The server hears typing=true once per burst and
// typing=false after the typing timeout passes without another keystroke.
func (w *Widget) Typing() {
	w.mu.Lock()
	if w.state != StateActive || !w.connected {
		w.mu.Unlock()
		return
	}
	chatID := w.sess.ChatSessionID
	started := !w.typing
	w.typing = true
	w.typingGen++
	gen := w.typingGen
	if w.typingTimer != nil {
		w.typingTimer.Stop()
	}
	w.typingTimer = time.AfterFunc(w.cfg.typingTimeout, func() { w.typingExpired(gen, chatID) })
	w.mu.Unlock()

	if started {
		w.publish(protocol.TopicChatTyping, protocol.TypingEvent{ChatSessionID: chatID, Typing: true})
		w.emit(EventTyping)
	}
}

func (w *Widget) typingExpired(gen uint64, chatID string) {
	w.mu.Lock()
	if w.typingGen != gen || !w.typing {
		w.mu.Unlock()
		return
	}
	w.typing = false
	w.typingTimer = nil
	w.mu.Unlock()

	w.publish(protocol.TopicChatTyping, protocol.TypingEvent{ChatSessionID: chatID, Typing: false})
	w.emit(EventTyping)
}

// stopTypingLocked cancels the debounce timer and reports whether the
// indicator was on, in which case the caller publishes typing=false.
func (w *Widget) stopTypingLocked() bool {
	w.typingGen++
	if w.typingTimer != nil {
		w.typingTimer.Stop()
		w.typingTimer = nil
	}
	was := w.typing
	w.typing = false
	return was
}
