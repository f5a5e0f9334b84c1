// Package web holds the upload page served at / and its assets under /static.
package web

import (
	"embed"
	"io/fs"
)

//go:embed index.html static
var files embed.FS

// IndexHTML returns the upload page.
func IndexHTML() ([]byte, error) {
	return files.ReadFile("index.html")
}

// Static returns the asset tree rooted at the static directory.
func Static() fs.FS {
	sub, err := fs.Sub(files, "static")
	if err != nil {
		panic(err) // the directory is embedded at build time
	}
	return sub
}
