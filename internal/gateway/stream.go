package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/basket/plangraph/internal/bus"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// streamFilter narrows the event stream to one execution or plan.
type streamFilter struct {
	executionID string
	planID      string
}

func (f streamFilter) match(ev bus.Event) bool {
	var execID, planID string
	switch p := ev.Payload.(type) {
	case bus.PlanStepEvent:
		execID, planID = p.ExecutionID, p.PlanID
	case bus.PlanExecutionEvent:
		execID, planID = p.ExecutionID, p.PlanID
	case bus.PlanEngineEvent:
		planID = p.PlanID
	}
	if f.executionID != "" && execID != f.executionID {
		return false
	}
	if f.planID != "" && planID != f.planID {
		return false
	}
	return true
}

// handleWS implements GET /ws. Every plan.* bus event is written as a JSON
// text frame {"topic", "payload"}. The optional execution_id and plan_id
// query parameters filter the stream. Engine events carry no execution id
// and are dropped by an execution_id filter.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming not available: event bus not configured")
		return
	}
	filter := streamFilter{
		executionID: r.URL.Query().Get("execution_id"),
		planID:      r.URL.Query().Get("plan_id"),
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin handshakes are always accepted by the library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("ws: accept failed", "error", err)
		return
	}

	sub := s.cfg.Bus.Subscribe(bus.TopicPlanPrefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	// The stream is one-way; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws: client connected", "execution_id", filter.executionID, "plan_id", filter.planID)
	defer func() {
		s.logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !filter.match(ev) {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				s.logger.Debug("ws: write failed", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev bus.Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
