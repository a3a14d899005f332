package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
	"github.com/lightforgemedia/go-supportchat/pkg/widget"
)

const helpText = `Commands:
  /start <name> [message]  open a chat
  /file <path> [caption]   send a file
  /hide, /show             simulate the page being hidden and shown
  /end                     end the chat
  /new                     start over after a chat ended
  /dismiss                 clear the error banner
  /quit                    leave (the chat can be resumed later)
Anything else is sent as a message.`

var errQuit = errors.New("quit")

// console maps terminal lines onto widget calls and prints widget events.
type console struct {
	w   *widget.Widget
	out io.Writer

	mu      sync.Mutex
	printed map[string]widget.MessageStatus
	state   widget.State
	banner  string
}

func newConsole(w *widget.Widget, out io.Writer) *console {
	return &console{w: w, out: out, printed: make(map[string]widget.MessageStatus)}
}

func (c *console) readLoop(ctx context.Context, sc *bufio.Scanner) error {
	for sc.Scan() {
		err := c.handleLine(ctx, sc.Text())
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			c.printf("! %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return sc.Err()
}

func (c *console) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := c.w.Send(ctx, line)
		return err
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/start":
		name, msg, _ := strings.Cut(rest, " ")
		return c.w.StartChat(ctx, name, "", msg)
	case "/file":
		path, caption, _ := strings.Cut(rest, " ")
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = c.w.SendFile(ctx, filepath.Base(path), mime.TypeByExtension(filepath.Ext(path)), data, caption)
		return err
	case "/hide":
		return c.w.VisibilityChanged(ctx, false)
	case "/show":
		return c.w.VisibilityChanged(ctx, true)
	case "/end":
		return c.w.EndChat(ctx)
	case "/new":
		return c.w.NewChat()
	case "/dismiss":
		c.w.DismissError()
		return nil
	case "/help":
		c.printf("%s\n", helpText)
		return nil
	case "/quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

// render prints state changes, new messages and banners until ctx ends or
// the widget closes.
func (c *console) render(ctx context.Context) {
	events, cancel := c.w.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.show(ev)
		}
	}
}

func (c *console) show(ev widget.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := ev.View

	switch ev.Kind {
	case widget.EventReload:
		fmt.Fprintf(c.out, "* widget script %s changed\n", ev.File)
		return
	case widget.EventTyping:
		if v.AgentTyping {
			name := v.AgentName
			if name == "" {
				name = "Support"
			}
			fmt.Fprintf(c.out, "* %s is typing...\n", name)
		}
	}

	if v.State != c.state {
		c.state = v.State
		fmt.Fprintf(c.out, "* %s\n", describeState(v))
	}
	if v.Banner != c.banner {
		c.banner = v.Banner
		if v.Banner != "" {
			fmt.Fprintf(c.out, "! %s\n", v.Banner)
		}
	}
	if len(v.Messages) == 0 {
		clear(c.printed)
	}
	for _, m := range v.Messages {
		key := m.TempID
		if key == "" {
			key = m.ID
		}
		prev, seen := c.printed[key]
		if seen && prev == m.Status {
			continue
		}
		c.printed[key] = m.Status
		if seen && m.Status == widget.StatusSent {
			continue
		}
		fmt.Fprintln(c.out, formatMessage(m))
	}
}

func describeState(v widget.View) string {
	switch v.State {
	case widget.StateStartForm:
		return "ready: /start <name> to open a chat"
	case widget.StateActive:
		return fmt.Sprintf("chatting as %s", v.CustomerName)
	case widget.StateEnded:
		return "chat ended: /new to start another"
	default:
		return string(v.State)
	}
}

func formatMessage(m widget.Message) string {
	who := string(m.Sender)
	switch {
	case m.SenderName != "":
		who = m.SenderName
	case m.Sender == protocol.SenderCustomer:
		who = "you"
	}
	text := m.Text
	if m.Attachment != nil {
		text = strings.TrimSpace(fmt.Sprintf("[%s] %s", m.Attachment.Name, text))
	}
	line := fmt.Sprintf("%s: %s", who, text)
	switch m.Status {
	case widget.StatusUploading:
		line += " (uploading)"
	case widget.StatusPending:
		line += " (sending)"
	case widget.StatusFailed:
		line += fmt.Sprintf(" (failed: %s)", m.Error)
	}
	return line
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
