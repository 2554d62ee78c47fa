package server

import (
	"context"
	"net/http"
	"strings"

	"codeloop/internal/logging"
	"codeloop/internal/orchestrator"
	"codeloop/internal/sandbox"
	"codeloop/internal/transport"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// handleWebSocket runs one conversation turn per received message. Turns
// without a conversation ID continue the connection's conversation.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	if err := sandbox.ValidateProject(project); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", "error", err)
		return
	}
	sink := transport.NewWebSocket(conn)
	defer sink.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	incoming := readMessages(ctx, cancel, conn)

	conversationID := uuid.NewString()
	for {
		var body messageRequest
		select {
		case <-ctx.Done():
			return
		case m, ok := <-incoming:
			if !ok {
				return
			}
			body = m
		}

		if strings.TrimSpace(body.Content) == "" {
			if err := sink.Send(ctx, transport.Event{
				Type: transport.Error,
				Data: transport.ErrorData{Message: "content is required"},
			}); err != nil {
				return
			}
			continue
		}
		if body.ConversationID != "" {
			conversationID = body.ConversationID
		}
		taskID := uuid.NewString()
		runCtx, done := s.track(ctx, taskID)
		s.run(runCtx, orchestrator.Request{
			TaskID:         taskID,
			ConversationID: conversationID,
			Project:        project,
			Content:        body.Content,
		}, keepOpen{sink})
		done()
	}
}

// readMessages decodes client frames until the connection fails, then
// cancels ctx so a running turn stops.
func readMessages(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) <-chan messageRequest {
	out := make(chan messageRequest)
	go func() {
		defer close(out)
		defer cancel()
		for {
			var m messageRequest
			if err := conn.ReadJSON(&m); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logging.Debug("websocket read ended", "error", err)
				}
				return
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// keepOpen leaves the connection open when a turn closes its sink.
type keepOpen struct {
	transport.Sink
}

func (keepOpen) Close() error { return nil }
