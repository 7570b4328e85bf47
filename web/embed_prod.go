//go:build prod

package web

import (
	"io/fs"
	"log/slog"
)

// Assets is the embedded filesystem; prod builds never touch the source tree.
var Assets fs.FS = FS

func init() {
	slog.Debug("serving web assets from embedded filesystem", "build_tag", "prod")
}
