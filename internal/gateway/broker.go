package gateway

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/metric"

	"github.com/deepfates/haven/internal/acp"
	"github.com/deepfates/haven/internal/bus"
	"github.com/deepfates/haven/internal/otel"
)

// subscribe registers c for push delivery on a session. mark is the seq
// the client has already seen; an existing higher mark is kept so a
// re-subscribe never replays. The first subscription starts the client's
// bus forwarder.
func (s *Server) subscribe(c *client, sessionID string, mark int64) {
	if s.cfg.Bus == nil {
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if prev, ok := c.sessions[sessionID]; !ok || mark > prev {
		c.sessions[sessionID] = mark
	}
	if c.busSub == nil {
		c.busSub = s.cfg.Bus.Subscribe("session.")
		var busCtx context.Context
		busCtx, c.busCancel = context.WithCancel(context.Background())
		go s.forwardBusEvents(busCtx, c)
	}
}

// forwardBusEvents turns bus nudges into client notifications. Event
// bodies are re-read from the store above the client's high-water mark,
// so a dropped nudge only delays delivery and never loses an event, and
// each client sees a session's events exactly once, in seq order.
func (s *Server) forwardBusEvents(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.busSub.Ch():
			if !ok {
				return
			}
			switch payload := ev.Payload.(type) {
			case bus.EventsAppended:
				s.pushUpdates(ctx, c, payload.SessionID)
			case bus.StatusChanged:
				if !c.subscribedTo(payload.SessionID) {
					continue
				}
				s.push(ctx, c, "session/status_changed", statusNote{
					SessionID:  payload.SessionID,
					Status:     payload.Status,
					ExitReason: payload.ExitReason,
				})
			case bus.PermissionRequested:
				if !c.subscribedTo(payload.SessionID) {
					continue
				}
				c.routePending(payload.RequestID, payload.SessionID)
				s.push(ctx, c, "session/request", requestNote{
					SessionID: payload.SessionID,
					RequestID: json.RawMessage(payload.RequestID),
					Request:   payload.Request,
				})
			case bus.SessionArchived:
				c.dropSession(payload.SessionID)
			}
		}
	}
}

func (s *Server) pushUpdates(ctx context.Context, c *client, sessionID string) {
	c.subMu.Lock()
	mark, subscribed := c.sessions[sessionID]
	c.subMu.Unlock()
	if !subscribed {
		return
	}

	events, err := s.cfg.Store.ListEvents(ctx, sessionID, mark)
	if err != nil || len(events) == 0 {
		return
	}
	updates := make([]eventView, 0, len(events))
	maxSeq := mark
	for _, ev := range events {
		updates = append(updates, eventView{Seq: ev.Seq, UpdateType: ev.Type, Payload: ev.Payload})
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}
	s.push(ctx, c, "session/updated", updatedNote{SessionID: sessionID, Updates: updates})

	c.subMu.Lock()
	if still, ok := c.sessions[sessionID]; ok && maxSeq > still {
		c.sessions[sessionID] = maxSeq
	}
	c.subMu.Unlock()
}

func (s *Server) push(ctx context.Context, c *client, method string, params any) {
	err := c.write(ctx, rpcResponse{
		JSONRPC: acp.JSONRPCVersion,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		s.log.Debug("ws: push failed", "method", method, "error", err)
		return
	}
	s.metrics.NotifyFanout.Add(ctx, 1, metric.WithAttributes(otel.AttrMethod.String(method)))
}

func (c *client) subscribedTo(sessionID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	_, ok := c.sessions[sessionID]
	return ok
}

// dropSession unsubscribes the client from an archived session and clears
// any permission routes that pointed at it.
func (c *client) dropSession(sessionID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.sessions, sessionID)
	for key, sid := range c.pendingRoutes {
		if sid == sessionID {
			delete(c.pendingRoutes, key)
		}
	}
}
