package httpapi

import (
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/fleetmux/fleetmux/internal/event"
	"github.com/fleetmux/fleetmux/internal/metrics"
)

// wsEvents streams hub events to a websocket client. The subjects query
// parameter narrows the feed ("worker/alice,swarm/x9"); absent means
// everything. The client is read-only: its read side is drained only to
// detect close.
func (s *Server) wsEvents(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-host tooling connects from any origin
	})
	if err != nil {
		s.log.Warn("websocket accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	var subjects []string
	if q := c.Query("subjects"); q != "" {
		for _, sub := range strings.Split(q, ",") {
			if sub = strings.TrimSpace(sub); sub != "" {
				subjects = append(subjects, sub)
			}
		}
	}
	if len(subjects) == 0 {
		subjects = []string{event.SubjectAll}
	}

	sub := s.hub.Subscribe(subjects...)
	defer sub.Close()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	// CloseRead returns a context that ends when the peer closes or
	// sends anything unexpected.
	ctx := conn.CloseRead(c.Request.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}
