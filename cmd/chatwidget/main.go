// Command chatwidget is a terminal front end for the support chat widget.
// It keeps its session in a SQLite file so a restart resumes the chat.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lightforgemedia/go-supportchat/internal/logging"
	"github.com/lightforgemedia/go-supportchat/pkg/session"
	"github.com/lightforgemedia/go-supportchat/pkg/widget"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		url        string
		sessionDB  string
		sessionTTL time.Duration
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:           "chatwidget",
		Short:         "Chat with support from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(cmd.ErrOrStderr(), logLevel, "text")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var store session.Store = session.NewMemoryStore()
			if sessionDB != "" {
				db, err := session.OpenSQLiteStore(sessionDB)
				if err != nil {
					return err
				}
				defer db.Close()
				store = db
			}

			w := widget.New(
				widget.WithLogger(logger),
				widget.WithStore(store),
				widget.WithSessionTTL(sessionTTL),
				widget.WithClientName("chatwidget-cli"),
			)
			defer w.Close()

			c := newConsole(w, cmd.OutOrStdout())
			go c.render(ctx)
			if err := w.Open(ctx, url); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), helpText)
			return c.readLoop(ctx, bufio.NewScanner(cmd.InOrStdin()))
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&url, "url", envString("SUPPORTCHAT_URL", "ws://localhost:8080/ws"), "chat backend WebSocket URL (env SUPPORTCHAT_URL)")
	fs.StringVar(&sessionDB, "session-db", envString("SUPPORTCHAT_SESSION_DB", "chatwidget.db"), "SQLite file for the chat session, empty keeps it in memory")
	fs.DurationVar(&sessionTTL, "session-ttl", session.DefaultTTL, "how long an idle session can be resumed")
	fs.StringVar(&logLevel, "log-level", "warn", "debug, info, warn or error")
	return cmd
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
