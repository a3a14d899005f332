// Package assets holds the embeddable widget script served to host pages.
package assets

import (
	"embed"
	"io/fs"
)

//go:embed dist/widget.js
var distFiles embed.FS

// WidgetScript is the file name of the widget script, both embedded and on disk.
const WidgetScript = "widget.js"

// FS returns the embedded files rooted at dist.
func FS() fs.FS {
	sub, err := fs.Sub(distFiles, "dist")
	if err != nil {
		panic(err)
	}
	return sub
}

// Source returns the unminified embedded widget script.
func Source() ([]byte, error) {
	return distFiles.ReadFile("dist/" + WidgetScript)
}
