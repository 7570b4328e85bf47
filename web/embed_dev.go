//go:build !prod

package web

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// Assets serves templates straight from the source tree so edits show up
// without a rebuild. A binary moved away from its checkout falls back to the
// embedded copy.
var Assets fs.FS = FS

func init() {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return
	}
	dir := filepath.Dir(file)
	if _, err := os.Stat(filepath.Join(dir, HomeTemplate)); err != nil {
		return
	}
	Assets = os.DirFS(dir)
}
