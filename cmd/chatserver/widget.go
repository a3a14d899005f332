package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lightforgemedia/go-supportchat/assets"
)

// newWidgetCmd exports the widget script for hosting on a CDN or another
// web server.
func newWidgetCmd() *cobra.Command {
	var (
		src    string
		out    string
		minify bool
	)
	cmd := &cobra.Command{
		Use:   "widget",
		Short: "Write the widget script to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := assets.Source()
			if src != "" {
				data, err = os.ReadFile(src)
			}
			if err != nil {
				return fmt.Errorf("read widget source: %w", err)
			}
			srcSize := len(data)
			if minify {
				if data, err = assets.Minify(data); err != nil {
					return err
				}
			}
			if dir := filepath.Dir(out); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes, source %d bytes)\n", out, len(data), srcSize)
			return nil
		},
	}
	cmd.Flags().StringVar(&src, "src", "", "widget source to read instead of the embedded copy")
	cmd.Flags().StringVarP(&out, "out", "o", assets.WidgetScript, "output file")
	cmd.Flags().BoolVar(&minify, "minify", true, "minify the script")
	return cmd
}
