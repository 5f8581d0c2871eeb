package webserver

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

// setupRoutes 重建路由：中间件、基础路由、组件路由、内置控制页
func (ws *WebServer) setupRoutes() {
	ws.router = mux.NewRouter()

	// 只有在server存在时才设置Handler
	if ws.server != nil {
		ws.server.Handler = ws.router
	}

	ws.router.Use(ws.recoverMiddleware)
	if ws.config.EnableCORS {
		ws.router.Use(ws.corsMiddleware)
	}
	ws.router.Use(ws.loggingMiddleware)

	ws.setupBasicRoutes()

	if err := ws.setupComponentRoutes(); err != nil {
		ws.logger.Errorf("Component routes setup failed: %v", err)
		// 服务器照常启动，错误通过该路由暴露
		ws.router.HandleFunc("/api/component-routes-error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, fmt.Sprintf("Component routes setup failed: %v", err), http.StatusInternalServerError)
		}).Methods(http.MethodGet)
	}

	ws.setupStaticRoutes()
}

func (ws *WebServer) setupBasicRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods(http.MethodGet)
	ws.router.HandleFunc("/api/version", ws.handleVersion).Methods(http.MethodGet)
	ws.router.HandleFunc("/api/components", ws.handleComponentList).Methods(http.MethodGet)
	ws.router.HandleFunc("/api/components/{name}", ws.handleComponentStats).Methods(http.MethodGet)
}

func (ws *WebServer) setupStaticRoutes() {
	static := GetStaticFileHandler()
	ws.router.PathPrefix("/static/").Handler(http.StripPrefix("/static/", static))
	ws.router.HandleFunc("/", ws.handleIndex).Methods(http.MethodGet)
}

// handleIndex 返回内置的控制页
func (ws *WebServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	content, err := GetStaticFileContent("index.html")
	if err != nil {
		http.Error(w, "Failed to load embedded HTML file", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(content)
}
