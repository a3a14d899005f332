// Package browser_tests drives widget.js in headless Chrome against the demo
// backend. The tests skip when no browser is installed.
package browser_tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
	"github.com/lightforgemedia/go-supportchat/pkg/testutil"
)

const (
	pageTimeout = 10 * time.Second

	jsState      = `() => { const r = document.querySelector(".sc-widget"); return r ? r.getAttribute("data-state") : ""; }`
	jsStoredChat = `() => { const s = JSON.parse(localStorage.getItem("supportchat.session") || "null"); return s ? s.chatSessionId : ""; }`
	jsSentCount  = `(text) => String([...document.querySelectorAll(".sc-msg.sc-sent")].filter(n => n.textContent === text).length)`
	jsTotalCount = `(text) => String([...document.querySelectorAll(".sc-msg")].filter(n => n.textContent === text).length)`
	jsAgeSession = `(hours) => { const s = JSON.parse(localStorage.getItem("supportchat.session")); s.timestamp = new Date(Date.now() - hours * 3600 * 1000).toISOString(); localStorage.setItem("supportchat.session", JSON.stringify(s)); return ""; }`
	jsMarkPage   = `() => { window.__marked = "yes"; return ""; }`
	jsPageMarked = `() => window.__marked || "no"`
	jsBannerText = `() => document.querySelector(".sc-banner").textContent`
)

type widgetPage struct {
	*testutil.RodPage
	srv *testutil.ChatServer
}

func openWidgetPage(t *testing.T) *widgetPage {
	t.Helper()
	browser := testutil.NewRodBrowser(t)

	cfg := testutil.FastConfig()
	cfg.AllowedOrigins = testutil.LocalOrigins
	srv := testutil.NewChatServer(t, cfg)
	host := testutil.NewWidgetHost(t, srv)

	p := &widgetPage{RodPage: browser.MustPage(host.URL), srv: srv}
	p.WaitEval("start form", jsState, "start-form", pageTimeout)
	return p
}

func (p *widgetPage) startChat(t *testing.T, name string) string {
	t.Helper()
	p.Input(".sc-start input", name).Click(".sc-start button")
	p.WaitEval("chat active", jsState, "active", pageTimeout)
	chatID, err := p.Eval(jsStoredChat)
	require.NoError(t, err)
	require.NotEmpty(t, chatID)
	return chatID
}

func (p *widgetPage) send(text string) {
	p.Input(".sc-input", text).Enter(".sc-input")
}

func (p *widgetPage) countSent(t *testing.T, text string) string {
	t.Helper()
	got, err := p.Page().Eval(jsSentCount, text)
	require.NoError(t, err)
	return got.Value.Str()
}

func TestWidgetScriptSendReconciles(t *testing.T) {
	p := openWidgetPage(t)
	chatID := p.startChat(t, "Ada")

	p.send("hello from the browser")
	require.NoError(t, testutil.WaitFor(t, "message sent", pageTimeout, func() bool {
		return p.countSent(t, "hello from the browser") == "1"
	}))
	// the ack and the chat:message push arrive for the same message
	time.Sleep(200 * time.Millisecond)
	total, err := p.Page().Eval(jsTotalCount, "hello from the browser")
	require.NoError(t, err)
	assert.Equal(t, "1", total.Value.Str())

	chats := p.srv.Hub().ListChats(false)
	require.Len(t, chats, 1)
	assert.Equal(t, chatID, chats[0].ChatSessionID)
	assert.Equal(t, 1, chats[0].MessageCount)
}

func TestWidgetScriptResumesAfterReload(t *testing.T) {
	p := openWidgetPage(t)
	chatID := p.startChat(t, "Ada")
	p.send("before reload")
	require.NoError(t, testutil.WaitFor(t, "message sent", pageTimeout, func() bool {
		return p.countSent(t, "before reload") == "1"
	}))

	p.Reload()
	p.WaitEval("resumed", jsState, "active", pageTimeout)
	require.NoError(t, testutil.WaitFor(t, "history restored", pageTimeout, func() bool {
		return p.countSent(t, "before reload") == "1"
	}))
	stored, err := p.Eval(jsStoredChat)
	require.NoError(t, err)
	assert.Equal(t, chatID, stored)
	assert.Len(t, p.srv.Hub().ListChats(false), 1, "no second chat was started")
}

func TestWidgetScriptExpiredSession(t *testing.T) {
	p := openWidgetPage(t)
	p.startChat(t, "Ada")

	_, err := p.Page().Eval(jsAgeSession, 25)
	require.NoError(t, err)
	p.Reload()
	p.WaitEval("start form after expiry", jsState, "start-form", pageTimeout)
	stored, err := p.Eval(jsStoredChat)
	require.NoError(t, err)
	assert.Empty(t, stored)

	banner, err := p.Eval(jsBannerText)
	require.NoError(t, err)
	assert.Empty(t, banner)
}

func TestWidgetScriptReloadsOnWidgetChange(t *testing.T) {
	p := openWidgetPage(t)
	_, err := p.Eval(jsMarkPage)
	require.NoError(t, err)

	// The subscribe request follows registration; publish until the reload lands.
	require.NoError(t, testutil.WaitFor(t, "page reloaded", pageTimeout, func() bool {
		require.NoError(t, p.srv.Broker().Publish(context.Background(), protocol.TopicWidgetReload, protocol.WidgetReloadEvent{File: "widget.js"}))
		time.Sleep(100 * time.Millisecond)
		marked, err := p.Eval(jsPageMarked)
		return err == nil && marked == "no"
	}))
	p.WaitEval("start form after reload", jsState, "start-form", pageTimeout)
}
