package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/doc-translator/internal/api/handlers/translation"
	"github.com/aliskhannn/doc-translator/internal/api/middleware"
)

// Setup registers the probes and the translation API on a new engine.
func Setup(h *translation.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)

	api := r.Group("/api")
	api.Use(middleware.Owner())

	api.POST("/upload", h.Upload)                  // storing a PDF upload
	api.POST("/translate", h.Translate)            // submitting an upload for translation
	api.GET("/translate/status/:id", h.Status)     // task snapshot
	api.GET("/translate/stream/:id", h.Stream)     // live progress (SSE)
	api.GET("/translate/history", h.History)       // caller's tasks, newest first
	api.DELETE("/translate/history/:id", h.Delete) // deleting a task
	api.GET("/translate/download/:id", h.Download) // result artifact
	api.GET("/translate/stats", h.Stats)           // limiter and queue occupancy

	return r
}
