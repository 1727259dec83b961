package sse

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Done is the final frame of every stream.
const Done = "[DONE]"

// Stream relays ch as server-sent events:
//
//	data: <token>\n\n
//
// A token spanning several lines is sent as one data line per line with the
// line breaks kept in the payload. The stream ends with "data: [DONE]" once ch
// closes, or early when the client goes away. It returns the relayed text.
func Stream(c *gin.Context, ch <-chan string) string {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return ""
	}

	var text strings.Builder
	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return text.String()
		case msg, open := <-ch:
			if !open {
				_, _ = c.Writer.WriteString("data: " + Done + "\n\n")
				flusher.Flush()
				return text.String()
			}
			text.WriteString(msg)
			writeEvent(c.Writer, msg)
			flusher.Flush()
		}
	}
}

func writeEvent(w gin.ResponseWriter, msg string) {
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		if i < len(lines)-1 {
			line += "\n"
		}
		_, _ = w.WriteString("data: " + line + "\n")
	}
	_, _ = w.WriteString("\n")
}
