package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	sdktranslator "github.com/kiroproxy/kiro-proxy/sdk/translator"
)

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handler) ChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, "openai", err)
		return
	}
	model := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()

	if !stream {
		out, execErr := h.ExecuteNonStream(c.Request.Context(), sdktranslator.FormatOpenAI, "openai", model, body)
		if execErr != nil {
			writeError(c, "openai", execErr)
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

	execErr := h.ExecuteStream(c.Request.Context(), sdktranslator.FormatOpenAI, "openai", model, body, StreamCallbacks{
		OnChunk: func(frame string) {
			_, _ = io.WriteString(c.Writer, frame)
			if canFlush {
				flusher.Flush()
			}
		},
	})
	if execErr != nil {
		_, body, _ := errorStatusAndBody("openai", execErr)
		_, _ = io.WriteString(c.Writer, "data: "+string(body)+"\n\n")
	} else {
		_, _ = io.WriteString(c.Writer, "data: [DONE]\n\n")
	}
	if canFlush {
		flusher.Flush()
	}
}

// ListModels handles GET /v1/models.
func (h *Handler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, openAIModelList())
}
