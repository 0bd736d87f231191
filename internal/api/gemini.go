package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	sdktranslator "github.com/kiroproxy/kiro-proxy/sdk/translator"
)

// GenerateContent handles POST /v1/models/{model}:generateContent, routed
// through a wildcard "action" path parameter so the colon-separated
// model:method suffix can be split manually (gin's router treats ':' as a
// param delimiter, so it cannot be matched as a literal route segment).
func (h *Handler) GenerateContent(c *gin.Context) {
	var request struct {
		Action string `uri:"action" binding:"required"`
	}
	if err := c.ShouldBindUri(&request); err != nil {
		writeError(c, "gemini", err)
		return
	}
	parts := strings.SplitN(strings.TrimPrefix(request.Action, "/"), ":", 2)
	if len(parts) != 2 {
		writeError(c, "gemini", errBadGeminiAction)
		return
	}
	model, method := parts[0], parts[1]
	if method != "generateContent" {
		writeError(c, "gemini", errUnsupportedGeminiMethod)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, "gemini", err)
		return
	}

	out, execErr := h.ExecuteNonStream(c.Request.Context(), sdktranslator.FormatGemini, "gemini", model, body)
	if execErr != nil {
		writeError(c, "gemini", execErr)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

var (
	errBadGeminiAction         = geminiActionError("malformed action path, expected model:method")
	errUnsupportedGeminiMethod = geminiActionError("unsupported method, only generateContent is implemented")
)

type geminiActionError string

func (e geminiActionError) Error() string { return string(e) }

func (e geminiActionError) StatusCode() int { return http.StatusBadRequest }
