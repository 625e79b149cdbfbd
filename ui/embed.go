// Package ui embeds the dashboard assets for the web interface.
package ui

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed all:public
var publicFS embed.FS

// dashboard serves static assets, with index.html for extensionless paths.
type dashboard struct {
	fsys  fs.FS
	files http.Handler
}

// Handler returns an http.Handler that serves the embedded dashboard.
func Handler() (http.Handler, error) {
	fsys, err := fs.Sub(publicFS, "public")
	if err != nil {
		return nil, err
	}
	if _, err := fs.Stat(fsys, "index.html"); err != nil {
		return nil, err
	}
	return &dashboard{fsys: fsys, files: http.FileServer(http.FS(fsys))}, nil
}

func (d *dashboard) isFile(name string) bool {
	info, err := fs.Stat(d.fsys, strings.TrimPrefix(name, "/"))
	return err == nil && !info.IsDir()
}

func (d *dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := path.Clean(r.URL.Path)

	if !d.isFile(p) && !strings.Contains(path.Base(p), ".") {
		r.URL.Path = "/"
	}
	if r.URL.Path == "/" {
		// The page is tiny; always revalidate so a redeploy takes effect.
		w.Header().Set("Cache-Control", "no-cache")
	}

	d.files.ServeHTTP(w, r)
}
