// Package webui embeds the compiled map page assets.
package webui

import (
	"embed"
	"io/fs"
)

// distFS contains the built map page under webui/dist.
//
//go:embed dist
var distFS embed.FS

// DistFS returns an fs.FS rooted at the embedded dist directory.
func DistFS() (fs.FS, error) {
	return fs.Sub(distFS, "dist")
}

// IndexHTML returns the embedded map page.
func IndexHTML() ([]byte, error) {
	return distFS.ReadFile("dist/index.html")
}
