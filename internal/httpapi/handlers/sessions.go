package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-genjobs/internal/common"
)

var ssePingInterval = 15 * time.Second

type createSessionReq struct {
	Title string `json:"title"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	uid, ok := userRef(c)
	if !ok {
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.Sessions.NewSession(c.Request.Context(), uid, req.Title)
	if err != nil {
		h.fail(c, err, 40402)
		return
	}
	common.OK(c, gin.H{"sessionRef": sess.SessionRef})
}

// SessionEvents streams job snapshots of one session as server-sent events.
func (h *Handler) SessionEvents(c *gin.Context) {
	uid, ok := userRef(c)
	if !ok {
		return
	}
	sessionRef := strings.TrimSpace(c.Param("sessionRef"))

	allowed, err := h.Sessions.CanAccess(c.Request.Context(), uid, sessionRef)
	if err != nil {
		h.fail(c, err, 40402)
		return
	}
	if !allowed {
		common.Fail(c, http.StatusNotFound, 40402, "session not found")
		return
	}

	ctx := c.Request.Context()
	events, cancel, err := h.Events.Subscribe(ctx, sessionRef)
	if err != nil {
		h.fail(c, err, 40402)
		return
	}
	defer cancel()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50002, "streaming not supported")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	write := func(event string, data []byte) {
		fmt.Fprintf(c.Writer, "event: %s\n", event)
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		flusher.Flush()
	}
	write("ready", mustJSON(gin.H{"type": "ready", "sessionRef": sessionRef}))

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				return
			}
			write("job", raw)
		case <-ticker.C:
			write("ping", mustJSON(gin.H{"type": "ping", "ts": time.Now().Unix()}))
		}
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","message":"json marshal failed"}`)
	}
	return b
}
