// Command chatserver runs the demo support chat backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lightforgemedia/go-supportchat/internal/logging"
	"github.com/lightforgemedia/go-supportchat/pkg/chatserver"
)

type flags struct {
	addr           string
	autoReply      bool
	autoReplyDelay time.Duration
	historyLimit   int
	maxUpload      int
	rateLimit      float64
	rateBurst      int
	assetsDir      string
	origins        []string
	logLevel       string
	logFormat      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	def := chatserver.DefaultConfig()
	f := &flags{}

	cmd := &cobra.Command{
		Use:           "chatserver",
		Short:         "Demo backend for the support chat widget",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	fs := cmd.PersistentFlags()
	fs.StringVar(&f.addr, "addr", envString("SUPPORTCHAT_ADDR", def.Addr), "listen address (env SUPPORTCHAT_ADDR)")
	fs.BoolVar(&f.autoReply, "auto-reply", envBool("SUPPORTCHAT_AUTO_REPLY", def.AutoReply), "greet new customers with the demo agent (env SUPPORTCHAT_AUTO_REPLY)")
	fs.DurationVar(&f.autoReplyDelay, "auto-reply-delay", def.AutoReplyDelay, "how long the demo agent types before replying")
	fs.IntVar(&f.historyLimit, "history-limit", envInt("SUPPORTCHAT_HISTORY_LIMIT", def.HistoryLimit), "messages kept per chat (env SUPPORTCHAT_HISTORY_LIMIT)")
	fs.IntVar(&f.maxUpload, "max-upload", envInt("SUPPORTCHAT_MAX_UPLOAD", def.MaxUploadSize), "largest attachment in bytes (env SUPPORTCHAT_MAX_UPLOAD)")
	fs.Float64Var(&f.rateLimit, "rate-limit", def.RateLimit, "requests per second per connection, 0 disables")
	fs.IntVar(&f.rateBurst, "rate-burst", def.RateBurst, "request burst per connection")
	fs.StringSliceVar(&f.origins, "allowed-origin", envList("SUPPORTCHAT_ALLOWED_ORIGINS"), "page origin allowed to embed the widget, repeatable (env SUPPORTCHAT_ALLOWED_ORIGINS, comma separated)")
	fs.StringVar(&f.assetsDir, "assets-dir", os.Getenv("SUPPORTCHAT_ASSETS_DIR"), "serve and watch widget.js from this directory (env SUPPORTCHAT_ASSETS_DIR)")
	fs.StringVar(&f.logLevel, "log-level", envString("SUPPORTCHAT_LOG_LEVEL", "info"), "debug, info, warn or error (env SUPPORTCHAT_LOG_LEVEL)")
	fs.StringVar(&f.logFormat, "log-format", envString("SUPPORTCHAT_LOG_FORMAT", "text"), "text or json (env SUPPORTCHAT_LOG_FORMAT)")

	cmd.AddCommand(newWidgetCmd())
	return cmd
}

func (f *flags) config() chatserver.Config {
	cfg := chatserver.DefaultConfig()
	cfg.Addr = f.addr
	cfg.AutoReply = f.autoReply
	cfg.AutoReplyDelay = f.autoReplyDelay
	cfg.HistoryLimit = f.historyLimit
	cfg.MaxUploadSize = f.maxUpload
	cfg.RateLimit = f.rateLimit
	cfg.RateBurst = f.rateBurst
	cfg.AssetsDir = f.assetsDir
	cfg.AllowedOrigins = f.origins
	return cfg
}

func run(ctx context.Context, f *flags) error {
	logger, err := logging.New(os.Stdout, f.logLevel, f.logFormat)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := chatserver.New(f.config(), chatserver.WithLogger(logger))
	if err != nil {
		return err
	}
	if f.assetsDir != "" {
		if err := srv.StartDevReload(); err != nil {
			return fmt.Errorf("dev reload: %w", err)
		}
		logger.Info("watching widget script", "dir", f.assetsDir)
	}
	return srv.ListenAndServe(ctx)
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}
