package webserver

import (
	"embed"
	"io/fs"
	"net/http"
)

// 内置控制页
//
//go:embed ui
var uiFiles embed.FS

// uiFS 以 ui/ 为根
var uiFS = mustSub(uiFiles, "ui")

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

// GetStaticFileHandler serves the embedded control page assets
func GetStaticFileHandler() http.Handler {
	return http.FileServer(http.FS(uiFS))
}

// GetStaticFileContent reads one embedded asset
func GetStaticFileContent(name string) ([]byte, error) {
	return fs.ReadFile(uiFS, name)
}
