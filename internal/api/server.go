package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kiroproxy/kiro-proxy/internal/logging"
)

// NewServer builds the gin engine exposing all client-facing endpoints
// (spec.md §6), wired with the same request logging and panic recovery
// middleware used by the rest of this codebase.
func NewServer(h *Handler) *gin.Engine {
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	engine.GET("/healthz", h.Healthz)
	engine.POST("/internal/accounts/:id/restore", h.RestoreAccount)

	engine.POST("/v1/chat/completions", h.ChatCompletions)
	engine.GET("/v1/models", h.ListModels)
	engine.POST("/v1/messages", h.Messages)
	engine.POST("/v1/messages/count_tokens", h.CountTokens)
	engine.POST("/v1/models/*action", h.GenerateContent)

	return engine
}
