package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	sdktranslator "github.com/kiroproxy/kiro-proxy/sdk/translator"
)

// Messages handles POST /v1/messages.
func (h *Handler) Messages(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, "claude", err)
		return
	}
	model := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()

	if !stream {
		out, execErr := h.ExecuteNonStream(c.Request.Context(), sdktranslator.FormatClaude, "claude", model, body)
		if execErr != nil {
			writeError(c, "claude", execErr)
			return
		}
		c.Data(http.StatusOK, "application/json", out)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, canFlush := c.Writer.(http.Flusher)

	execErr := h.ExecuteStream(c.Request.Context(), sdktranslator.FormatClaude, "claude", model, body, StreamCallbacks{
		OnChunk: func(frame string) {
			_, _ = io.WriteString(c.Writer, frame)
			if canFlush {
				flusher.Flush()
			}
		},
	})
	if execErr != nil {
		_, errBody, _ := errorStatusAndBody("claude", execErr)
		_, _ = io.WriteString(c.Writer, "event: error\ndata: "+string(errBody)+"\n\n")
		if canFlush {
			flusher.Flush()
		}
	}
}

// CountTokens handles POST /v1/messages/count_tokens.
func (h *Handler) CountTokens(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, "claude", err)
		return
	}
	model := gjson.GetBytes(body, "model").String()

	out, execErr := h.ExecuteCount(c.Request.Context(), sdktranslator.FormatClaude, "claude", model, body)
	if execErr != nil {
		writeError(c, "claude", execErr)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}
