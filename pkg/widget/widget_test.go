package widget_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
	"github.com/lightforgemedia/go-supportchat/pkg/session"
	"github.com/lightforgemedia/go-supportchat/pkg/testutil"
	"github.com/lightforgemedia/go-supportchat/pkg/widget"
	"github.com/lightforgemedia/go-supportchat/pkg/wire"
)

const waitTimeout = 3 * time.Second

func openWidget(t *testing.T, url string, opts ...widget.Option) *widget.Widget {
	t.Helper()
	base := []widget.Option{
		widget.WithLogger(testutil.DefaultLogger),
		widget.WithRequestTimeout(2 * time.Second),
		widget.WithReconnectDelay(20*time.Millisecond, 100*time.Millisecond),
	}
	w := widget.New(append(base, opts...)...)
	t.Cleanup(func() { w.Close() })
	require.NoError(t, w.Open(context.Background(), url))
	return w
}

func waitState(t *testing.T, w *widget.Widget, want widget.State) {
	t.Helper()
	require.Eventually(t, func() bool { return w.State() == want }, waitTimeout, 10*time.Millisecond,
		"widget state: want %s, have %s", want, w.State())
}

func waitView(t *testing.T, w *widget.Widget, desc string, cond func(widget.View) bool) widget.View {
	t.Helper()
	var v widget.View
	require.Eventually(t, func() bool {
		v = w.View()
		return cond(v)
	}, waitTimeout, 10*time.Millisecond, desc)
	return v
}

func findMessage(v widget.View, text string) (widget.Message, int) {
	var found widget.Message
	n := 0
	for _, m := range v.Messages {
		if m.Text == text {
			found = m
			n++
		}
	}
	return found, n
}

func TestWidgetStartChatAndSend(t *testing.T) {
	srv := testutil.NewChatServer(t, testutil.FastConfig())
	store := session.NewMemoryStore()
	w := openWidget(t, srv.WSURL, widget.WithStore(store))
	waitState(t, w, widget.StateStartForm)

	ctx := context.Background()
	require.NoError(t, w.StartChat(ctx, "  Ada  ", "ada@example.com", "I need help"))
	v := w.View()
	assert.Equal(t, widget.StateActive, v.State)
	assert.Equal(t, "Ada", v.CustomerName)
	require.NotEmpty(t, v.ChatSessionID)

	stored, err := store.Load(ctx, session.DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, v.ChatSessionID, stored.ChatSessionID)
	assert.Equal(t, v.CustomerID, stored.CustomerID)

	tempID, err := w.Send(ctx, "hello there")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tempID, wire.TempIDPrefix))

	// The ack and the chat:message push describe the same message.
	v = waitView(t, w, "message sent", func(v widget.View) bool {
		m, _ := findMessage(v, "hello there")
		return m.Status == widget.StatusSent
	})
	m, n := findMessage(v, "hello there")
	assert.Equal(t, 1, n)
	assert.Equal(t, tempID, m.TempID)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, int64(2), m.Seq)

	first, _ := findMessage(v, "I need help")
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, "I need help", v.Messages[0].Text)
}

func TestWidgetStateValidation(t *testing.T) {
	srv := testutil.NewChatServer(t, testutil.FastConfig())
	w := openWidget(t, srv.WSURL, widget.WithMaxMessageLength(10), widget.WithMaxUploadSize(4))
	waitState(t, w, widget.StateStartForm)
	ctx := context.Background()

	_, err := w.Send(ctx, "hi")
	assert.ErrorIs(t, err, widget.ErrWrongState)
	assert.ErrorIs(t, w.EndChat(ctx), widget.ErrWrongState)
	assert.ErrorIs(t, w.NewChat(), widget.ErrWrongState)
	assert.ErrorIs(t, w.StartChat(ctx, "   ", "", ""), widget.ErrEmptyName)

	require.NoError(t, w.StartChat(ctx, "Ada", "", ""))
	assert.ErrorIs(t, w.StartChat(ctx, "Ada", "", ""), widget.ErrWrongState)

	_, err = w.Send(ctx, "   ")
	assert.ErrorIs(t, err, widget.ErrEmptyMessage)
	_, err = w.Send(ctx, "this is far too long")
	assert.ErrorIs(t, err, widget.ErrMessageTooLong)
	_, err = w.SendFile(ctx, "a.bin", "", []byte("12345"), "")
	assert.ErrorIs(t, err, widget.ErrFileTooLarge)
	assert.Equal(t, widget.BannerFileTooLarge, w.View().Banner)
	_, err = w.SendFile(ctx, "a.bin", "", nil, "")
	assert.ErrorIs(t, err, widget.ErrEmptyFile)
	assert.Empty(t, w.View().Messages)

	w.DismissError()
	assert.Empty(t, w.View().Banner)
}

func TestWidgetResumesStoredSession(t *testing.T) {
	srv := testutil.NewChatServer(t, testutil.FastConfig())
	store := session.NewMemoryStore()
	ctx := context.Background()

	first := openWidget(t, srv.WSURL, widget.WithStore(store))
	waitState(t, first, widget.StateStartForm)
	require.NoError(t, first.StartChat(ctx, "Ada", "", ""))
	_, err := first.Send(ctx, "before reload")
	require.NoError(t, err)
	chatID := first.View().ChatSessionID
	require.NoError(t, first.Close())

	// A new widget with the same storage picks the chat up again.
	second := openWidget(t, srv.WSURL, widget.WithStore(store))
	waitState(t, second, widget.StateActive)
	v := second.View()
	assert.Equal(t, chatID, v.ChatSessionID)
	m, n := findMessage(v, "before reload")
	assert.Equal(t, 1, n)
	assert.Equal(t, widget.StatusSent, m.Status)

	// The resumed connection is bound again and can send.
	_, err = second.Send(ctx, "after reload")
	require.NoError(t, err)
}

func TestWidgetExpiredSessionShowsStartForm(t *testing.T) {
	srv := testutil.NewChatServer(t, testutil.FastConfig())
	store := session.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Save(ctx, session.DefaultKey, session.Session{
		CustomerID:    "cust",
		ChatSessionID: "chat",
		CustomerName:  "Ada",
		Timestamp:     now.Add(-25 * time.Hour),
	}))

	w := openWidget(t, srv.WSURL, widget.WithStore(store), widget.WithClock(func() time.Time { return now }))
	waitState(t, w, widget.StateStartForm)
	_, err := store.Load(ctx, session.DefaultKey)
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestWidgetUnknownSessionIsCleared(t *testing.T) {
	srv := testutil.NewChatServer(t, testutil.FastConfig())
	store := session.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, session.DefaultKey, session.Session{
		CustomerID:    "cust",
		ChatSessionID: "no-such-chat",
		Timestamp:     time.Now(),
	}))

	w := openWidget(t, srv.WSURL, widget.WithStore(store))
	waitState(t, w, widget.StateStartForm)
	_, err := store.Load(ctx, session.DefaultKey)
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestWidgetAgentConversation(t *testing.T) {
	srv := testutil.NewChatServer(t, testutil.FastConfig())
	store := session.NewMemoryStore()
	ctx := context.Background()
	w := openWidget(t, srv.WSURL, widget.WithStore(store))
	waitState(t, w, widget.StateStartForm)
	require.NoError(t, w.StartChat(ctx, "Ada", "", "hello?"))
	chatID := w.View().ChatSessionID

	agent := testutil.NewAgentClient(t, srv.WSURL, "Grace")
	var snap protocol.ChatSnapshot
	require.NoError(t, agent.Request(ctx, protocol.TopicAgentJoin, protocol.AgentJoinRequest{ChatSessionID: chatID}, &snap))
	assert.Equal(t, "hello?", snap.Messages[0].Text)

	waitView(t, w, "agent joined", func(v widget.View) bool { return v.AgentName == "Grace" })

	require.NoError(t, agent.Publish(protocol.TopicAgentTypingSet, protocol.TypingEvent{ChatSessionID: chatID, Typing: true}))
	waitView(t, w, "agent typing", func(v widget.View) bool { return v.AgentTyping })

	require.NoError(t, agent.Request(ctx, protocol.TopicAgentSend, protocol.AgentSendRequest{ChatSessionID: chatID, Text: "Hi Ada"}, nil))
	v := waitView(t, w, "agent message", func(v widget.View) bool {
		_, n := findMessage(v, "Hi Ada")
		return n == 1
	})
	assert.False(t, v.AgentTyping)
	m, _ := findMessage(v, "Hi Ada")
	assert.Equal(t, protocol.SenderAgent, m.Sender)
	assert.Equal(t, "Grace", m.SenderName)

	// Agent ends the chat: the widget shows Ended and forgets the session.
	require.NoError(t, agent.Request(ctx, protocol.TopicAgentEnd, protocol.EndChatRequest{ChatSessionID: chatID}, nil))
	waitState(t, w, widget.StateEnded)
	_, err := store.Load(ctx, session.DefaultKey)
	assert.ErrorIs(t, err, session.ErrNoSession)

	_, err = w.Send(ctx, "too late")
	assert.ErrorIs(t, err, widget.ErrWrongState)

	require.NoError(t, w.NewChat())
	v = w.View()
	assert.Equal(t, widget.StateStartForm, v.State)
	assert.Empty(t, v.Messages)
	assert.Empty(t, v.ChatSessionID)
}

func TestWidgetEndChat(t *testing.T) {
	srv := testutil.NewChatServer(t, testutil.FastConfig())
	store := session.NewMemoryStore()
	ctx := context.Background()
	w := openWidget(t, srv.WSURL, widget.WithStore(store))
	waitState(t, w, widget.StateStartForm)
	require.NoError(t, w.StartChat(ctx, "Ada", "", ""))

	require.NoError(t, w.EndChat(ctx))
	assert.Equal(t, widget.StateEnded, w.State())
	_, err := store.Load(ctx, session.DefaultKey)
	assert.ErrorIs(t, err, session.ErrNoSession)
	waitView(t, w, "system message", func(v widget.View) bool {
		for _, m := range v.Messages {
			if m.Sender == protocol.SenderSystem {
				return true
			}
		}
		return false
	})
}

func TestWidgetSendFile(t *testing.T) {
	srv := testutil.NewChatServer(t, testutil.FastConfig())
	ctx := context.Background()
	w := openWidget(t, srv.WSURL)
	waitState(t, w, widget.StateStartForm)
	require.NoError(t, w.StartChat(ctx, "Ada", "", ""))

	data := []byte("screenshot bytes")
	tempID, err := w.SendFile(ctx, "screen.png", "image/png", data, "see attached")
	require.NoError(t, err)

	v := waitView(t, w, "file sent", func(v widget.View) bool {
		m, _ := findMessage(v, "see attached")
		return m.Status == widget.StatusSent
	})
	m, n := findMessage(v, "see attached")
	require.Equal(t, 1, n)
	assert.Equal(t, tempID, m.TempID)
	require.NotNil(t, m.Attachment)
	assert.Equal(t, "screen.png", m.Attachment.Name)
	assert.EqualValues(t, len(data), m.Attachment.Size)

	resp, err := http.Get(srv.URL + m.Attachment.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, body)
}

func TestWidgetEvents(t *testing.T) {
	srv := testutil.NewChatServer(t, testutil.FastConfig())
	w := widget.New(widget.WithLogger(testutil.DefaultLogger))
	t.Cleanup(func() { w.Close() })

	events, cancel := w.Subscribe(widget.EventState)
	defer cancel()
	require.NoError(t, w.Open(context.Background(), srv.WSURL))

	timeout := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event channel closed early")
			if ev.View.State == widget.StateStartForm {
				return
			}
		case <-timeout:
			t.Fatal("no start-form state event")
		}
	}
}

func TestWidgetSubscribeAfterCloseIsClosed(t *testing.T) {
	w := widget.New()
	require.NoError(t, w.Close())
	events, cancel := w.Subscribe()
	defer cancel()
	_, ok := <-events
	assert.False(t, ok)
	assert.Equal(t, widget.StateClosed, w.State())
	assert.ErrorIs(t, w.Open(context.Background(), "ws://127.0.0.1:1"), widget.ErrClosed)
}

// scriptedChat answers the customer topics like a minimal backend and lets
// each test override single topics.
type scriptedChat struct {
	mu        sync.Mutex
	overrides map[string]func(env *wire.Envelope) *wire.Envelope
	seq       int64
}

func (s *scriptedChat) on(topic string, fn func(env *wire.Envelope) *wire.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overrides == nil {
		s.overrides = make(map[string]func(env *wire.Envelope) *wire.Envelope)
	}
	s.overrides[topic] = fn
}

func (s *scriptedChat) snapshot() protocol.ChatSnapshot {
	return protocol.ChatSnapshot{
		CustomerID:    "cust-1",
		ChatSessionID: "chat-1",
		CustomerName:  "Ada",
		Status:        protocol.ChatActive,
		StartedAt:     time.Now(),
	}
}

func (s *scriptedChat) handle(env *wire.Envelope) *wire.Envelope {
	s.mu.Lock()
	fn := s.overrides[env.Topic]
	s.mu.Unlock()
	if fn != nil {
		return fn(env)
	}
	if env.Type != wire.TypeRequest {
		return nil
	}
	switch env.Topic {
	case protocol.TopicChatStart, protocol.TopicChatResume:
		return testutil.Respond(env, s.snapshot())
	case protocol.TopicChatValidate:
		return testutil.Respond(env, protocol.ValidateResponse{Valid: true, Status: protocol.ChatActive})
	case protocol.TopicChatSend:
		var req protocol.SendRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return testutil.RespondError(env, http.StatusBadRequest, err.Error())
		}
		return testutil.Respond(env, protocol.SendAck{TempID: req.TempID, Message: s.message(req)})
	case protocol.TopicChatEnd:
		return testutil.Respond(env, protocol.EndChatResponse{ChatSessionID: "chat-1", EndedAt: time.Now()})
	}
	return testutil.RespondError(env, http.StatusNotFound, "unknown topic")
}

func (s *scriptedChat) message(req protocol.SendRequest) protocol.Message {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	return protocol.Message{
		ID:            wire.NewID(),
		ChatSessionID: req.ChatSessionID,
		Seq:           seq,
		Sender:        protocol.SenderCustomer,
		Text:          req.Text,
		TempID:        req.TempID,
		SentAt:        time.Now(),
	}
}

func startScripted(t *testing.T, opts ...widget.Option) (*widget.Widget, *testutil.MockServer, *scriptedChat, session.Store) {
	t.Helper()
	script := &scriptedChat{}
	ms := testutil.NewMockServer(t, script.handle)
	store := session.NewMemoryStore()
	w := openWidget(t, ms.WSURL, append([]widget.Option{widget.WithStore(store)}, opts...)...)
	waitState(t, w, widget.StateStartForm)
	require.NoError(t, w.StartChat(context.Background(), "Ada", "", ""))
	return w, ms, script, store
}

func TestWidgetSendFailureIsNotRetried(t *testing.T) {
	w, ms, script, _ := startScripted(t)
	script.on(protocol.TopicChatSend, func(env *wire.Envelope) *wire.Envelope {
		return testutil.RespondError(env, http.StatusInternalServerError, "boom")
	})

	tempID, err := w.Send(context.Background(), "will fail")
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, wire.StatusCode(err))

	v := w.View()
	m, n := findMessage(v, "will fail")
	require.Equal(t, 1, n)
	assert.Equal(t, tempID, m.TempID)
	assert.Equal(t, widget.StatusFailed, m.Status)
	assert.Empty(t, m.ID)
	assert.Equal(t, widget.BannerSendFailed, v.Banner)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, ms.Received(protocol.TopicChatSend), 1)

	w.DismissError()
	assert.Empty(t, w.View().Banner)
}

func TestWidgetPushBeforeAckReconciles(t *testing.T) {
	w, ms, script, _ := startScripted(t)
	script.on(protocol.TopicChatSend, func(env *wire.Envelope) *wire.Envelope {
		var req protocol.SendRequest
		assert.NoError(t, json.Unmarshal(env.Payload, &req))
		m := script.message(req)
		assert.NoError(t, ms.Push(protocol.TopicChatMessage, protocol.MessageEvent{Message: m}))
		return testutil.Respond(env, protocol.SendAck{TempID: req.TempID, Message: m})
	})

	_, err := w.Send(context.Background(), "one copy")
	require.NoError(t, err)
	v := waitView(t, w, "sent", func(v widget.View) bool {
		m, _ := findMessage(v, "one copy")
		return m.Status == widget.StatusSent
	})
	_, n := findMessage(v, "one copy")
	assert.Equal(t, 1, n)
}

func TestWidgetMessagesOrderedBySeq(t *testing.T) {
	w, ms, _, _ := startScripted(t)
	push := func(seq int64, text string) {
		require.NoError(t, ms.Push(protocol.TopicChatMessage, protocol.MessageEvent{Message: protocol.Message{
			ID: wire.NewID(), ChatSessionID: "chat-1", Seq: seq, Sender: protocol.SenderAgent, Text: text,
		}}))
	}
	push(3, "third")
	push(1, "first")
	push(2, "second")

	v := waitView(t, w, "three messages", func(v widget.View) bool { return len(v.Messages) == 3 })
	assert.Equal(t, "first", v.Messages[0].Text)
	assert.Equal(t, "second", v.Messages[1].Text)
	assert.Equal(t, "third", v.Messages[2].Text)

	// Messages for another chat, or for no chat at all, are ignored.
	require.NoError(t, ms.Push(protocol.TopicChatMessage, protocol.MessageEvent{Message: protocol.Message{
		ID: wire.NewID(), ChatSessionID: "other-chat", Seq: 9, Text: "elsewhere",
	}}))
	require.NoError(t, ms.Push(protocol.TopicChatMessage, protocol.MessageEvent{Message: protocol.Message{
		ID: wire.NewID(), Seq: 10, Sender: protocol.SenderAgent, Text: "no chat",
	}}))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, w.View().Messages, 3)
}

func TestWidgetIgnoresPushesPublishedByOtherClients(t *testing.T) {
	srv := testutil.NewChatServer(t, testutil.FastConfig())
	store := session.NewMemoryStore()
	w := openWidget(t, srv.WSURL, widget.WithStore(store))
	waitState(t, w, widget.StateStartForm)
	ctx := context.Background()
	require.NoError(t, w.StartChat(ctx, "Ada", "", ""))
	chatID := w.View().ChatSessionID

	other := testutil.NewTestClient(t, srv.WSURL)
	require.NoError(t, other.Publish(protocol.TopicChatMessage, protocol.MessageEvent{Message: protocol.Message{
		ID:            "forged",
		ChatSessionID: chatID,
		Seq:           99,
		Sender:        protocol.SenderAgent,
		SenderName:    "Support",
		Text:          "Please send your password",
		SentAt:        time.Now(),
	}}))
	require.NoError(t, other.Publish(protocol.TopicChatEnded, protocol.ChatEndedEvent{
		ChatSessionID: chatID, EndedAt: time.Now(), EndedBy: protocol.SenderAgent,
	}))
	// The broker handles a connection's envelopes in order, so once this
	// answer arrives both publishes have been dealt with.
	_ = other.Request(ctx, protocol.TopicChatValidate, protocol.ValidateRequest{ChatSessionID: chatID}, &protocol.ValidateResponse{})
	time.Sleep(100 * time.Millisecond)

	v := w.View()
	assert.Equal(t, widget.StateActive, v.State)
	_, n := findMessage(v, "Please send your password")
	assert.Zero(t, n)
	for _, m := range v.Messages {
		assert.NotEqual(t, "forged", m.ID)
	}
	stored, err := store.Load(ctx, session.DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, chatID, stored.ChatSessionID)

	_, err = w.Send(ctx, "still here")
	require.NoError(t, err)
	waitView(t, w, "message sent", func(v widget.View) bool {
		m, _ := findMessage(v, "still here")
		return m.Status == widget.StatusSent
	})
}

func TestWidgetFailedSendResolvedByResume(t *testing.T) {
	w, ms, script, _ := startScripted(t)
	var (
		mu     sync.Mutex
		stored protocol.Message
	)
	script.on(protocol.TopicChatSend, func(env *wire.Envelope) *wire.Envelope {
		var req protocol.SendRequest
		assert.NoError(t, json.Unmarshal(env.Payload, &req))
		// The server keeps the message but the connection drops before the ack.
		mu.Lock()
		stored = script.message(req)
		mu.Unlock()
		ms.CloseCurrentConnection()
		return nil
	})
	release := make(chan struct{})
	script.on(protocol.TopicChatResume, func(env *wire.Envelope) *wire.Envelope {
		select {
		case <-release:
		case <-time.After(waitTimeout):
		}
		snap := script.snapshot()
		mu.Lock()
		snap.Messages = []protocol.Message{stored}
		mu.Unlock()
		return testutil.Respond(env, snap)
	})

	tempID, err := w.Send(context.Background(), "lost ack")
	require.Error(t, err)
	v := w.View()
	m, n := findMessage(v, "lost ack")
	require.Equal(t, 1, n)
	assert.Equal(t, widget.StatusFailed, m.Status)
	assert.Equal(t, widget.BannerSendFailed, v.Banner)
	close(release)

	v = waitView(t, w, "resolved by resume", func(v widget.View) bool {
		m, _ := findMessage(v, "lost ack")
		return m.Status == widget.StatusSent
	})
	mu.Lock()
	want := stored
	mu.Unlock()
	m, n = findMessage(v, "lost ack")
	assert.Equal(t, 1, n)
	assert.Equal(t, tempID, m.TempID)
	assert.Equal(t, want.ID, m.ID)
	assert.Equal(t, want.Seq, m.Seq)
	assert.Empty(t, m.Error)
	assert.Empty(t, v.Banner, "send banner clears once no message is failed")
	assert.Len(t, ms.Received(protocol.TopicChatSend), 1)
}

func TestWidgetCloseWithStalledSubscriber(t *testing.T) {
	w, ms, _, _ := startScripted(t, widget.WithEventBuffer(2))
	_, cancel := w.Subscribe()
	defer cancel()

	for seq := int64(1); seq <= 20; seq++ {
		require.NoError(t, ms.Push(protocol.TopicChatMessage, protocol.MessageEvent{Message: protocol.Message{
			ID: wire.NewID(), ChatSessionID: "chat-1", Seq: seq, Sender: protocol.SenderAgent, Text: "ping",
		}}))
	}
	time.Sleep(100 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- w.Close() }()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("Close blocked on a subscriber that stopped reading")
	}
	assert.Equal(t, widget.StateClosed, w.State())
}

func TestWidgetUploadRacesChatEnd(t *testing.T) {
	w, ms, script, _ := startScripted(t)
	started := make(chan struct{})
	release := make(chan struct{})
	script.on(protocol.TopicFileUpload, func(env *wire.Envelope) *wire.Envelope {
		close(started)
		<-release
		return testutil.Respond(env, protocol.Attachment{ID: "file-1", Name: "a.txt", URL: "/files/file-1"})
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := w.SendFile(context.Background(), "a.txt", "text/plain", []byte("data"), "")
		errCh <- err
	}()

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("upload never reached the server")
	}
	v := w.View()
	require.Len(t, v.Messages, 1)
	assert.Equal(t, widget.StatusUploading, v.Messages[0].Status)

	require.NoError(t, ms.Push(protocol.TopicChatEnded, protocol.ChatEndedEvent{ChatSessionID: "chat-1", EndedAt: time.Now(), EndedBy: protocol.SenderAgent}))
	waitState(t, w, widget.StateEnded)
	close(release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, widget.ErrChatEndedUpload)
	case <-time.After(waitTimeout):
		t.Fatal("SendFile did not return")
	}
	v = w.View()
	assert.Equal(t, widget.StatusFailed, v.Messages[0].Status)
	assert.Equal(t, widget.ErrChatEndedUpload.Error(), v.Messages[0].Error)
	assert.Empty(t, ms.Received(protocol.TopicChatSend))
}

func typingValues(t *testing.T, ms *testutil.MockServer) []bool {
	t.Helper()
	var out []bool
	for _, env := range ms.Received(protocol.TopicChatTyping) {
		var ev protocol.TypingEvent
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		out = append(out, ev.Typing)
	}
	return out
}

func TestWidgetTypingDebounce(t *testing.T) {
	w, ms, _, _ := startScripted(t, widget.WithTypingTimeout(150*time.Millisecond))

	for i := 0; i < 5; i++ {
		w.Typing()
		time.Sleep(20 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(typingValues(t, ms)) >= 1 }, waitTimeout, 10*time.Millisecond)
	assert.True(t, w.View().Typing)

	require.Eventually(t, func() bool { return len(typingValues(t, ms)) == 2 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, []bool{true, false}, typingValues(t, ms))
	assert.False(t, w.View().Typing)

	// Sending stops the indicator straight away.
	w.Typing()
	_, err := w.Send(context.Background(), "done typing")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(typingValues(t, ms)) == 4 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, []bool{true, false, true, false}, typingValues(t, ms))

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, typingValues(t, ms), 4, "expired timer must not publish again")
}

func TestWidgetVisibilityInvalidSession(t *testing.T) {
	w, _, script, store := startScripted(t)
	script.on(protocol.TopicChatValidate, func(env *wire.Envelope) *wire.Envelope {
		return testutil.Respond(env, protocol.ValidateResponse{Valid: false})
	})

	require.NoError(t, w.VisibilityChanged(context.Background(), false))
	assert.Equal(t, widget.StateActive, w.State())

	require.NoError(t, w.VisibilityChanged(context.Background(), true))
	assert.Equal(t, widget.StateStartForm, w.State())
	_, err := store.Load(context.Background(), session.DefaultKey)
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestWidgetVisibilityEndedElsewhere(t *testing.T) {
	w, _, script, store := startScripted(t)
	script.on(protocol.TopicChatValidate, func(env *wire.Envelope) *wire.Envelope {
		return testutil.Respond(env, protocol.ValidateResponse{Valid: true, Status: protocol.ChatEnded})
	})

	require.NoError(t, w.VisibilityChanged(context.Background(), true))
	assert.Equal(t, widget.StateEnded, w.State())
	_, err := store.Load(context.Background(), session.DefaultKey)
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestWidgetVisibilityExpiredSession(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	w, ms, _, store := startScripted(t, widget.WithClock(clock))

	mu.Lock()
	now = now.Add(25 * time.Hour)
	mu.Unlock()

	require.NoError(t, w.VisibilityChanged(context.Background(), true))
	assert.Equal(t, widget.StateStartForm, w.State())
	_, err := store.Load(context.Background(), session.DefaultKey)
	assert.ErrorIs(t, err, session.ErrNoSession)
	assert.Empty(t, ms.Received(protocol.TopicChatValidate))
}

func TestWidgetReconnectResumes(t *testing.T) {
	w, ms, _, _ := startScripted(t)
	require.Equal(t, 1, ms.Connections())

	ms.CloseCurrentConnection()
	require.Eventually(t, func() bool { return ms.Connections() == 2 }, waitTimeout, 10*time.Millisecond)
	waitView(t, w, "active and connected", func(v widget.View) bool {
		return v.State == widget.StateActive && v.Connected
	})
	assert.NotEmpty(t, ms.Received(protocol.TopicChatResume))
}

func TestWidgetResumeForbiddenClearsSession(t *testing.T) {
	w, ms, script, store := startScripted(t)
	script.on(protocol.TopicChatResume, func(env *wire.Envelope) *wire.Envelope {
		return testutil.RespondError(env, http.StatusForbidden, "not yours")
	})

	ms.CloseCurrentConnection()
	waitState(t, w, widget.StateStartForm)
	_, err := store.Load(context.Background(), session.DefaultKey)
	assert.ErrorIs(t, err, session.ErrNoSession)
	assert.Empty(t, w.View().Messages)
}

func TestWidgetResumeServerErrorSetsBanner(t *testing.T) {
	w, ms, script, store := startScripted(t)
	script.on(protocol.TopicChatResume, func(env *wire.Envelope) *wire.Envelope {
		return testutil.RespondError(env, http.StatusInternalServerError, "database down")
	})

	ms.CloseCurrentConnection()
	v := waitView(t, w, "resume banner", func(v widget.View) bool { return v.Banner == widget.BannerResumeFailed })
	assert.Equal(t, widget.StateConnecting, v.State)
	_, err := store.Load(context.Background(), session.DefaultKey)
	assert.NoError(t, err, "session is kept for the next attempt")
}

func TestWidgetReloadEvent(t *testing.T) {
	w, ms, _, _ := startScripted(t)
	events, cancel := w.Subscribe(widget.EventReload)
	defer cancel()

	require.NoError(t, ms.Push(protocol.TopicWidgetReload, protocol.WidgetReloadEvent{File: "widget.js"}))
	select {
	case ev := <-events:
		assert.Equal(t, widget.EventReload, ev.Kind)
		assert.Equal(t, "widget.js", ev.File)
	case <-time.After(waitTimeout):
		t.Fatal("no reload event")
	}
}
