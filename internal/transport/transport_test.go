package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnceClosesInnerOnce(t *testing.T) {
	rec := NewRecorder()
	s := Once(rec)
	assert.Same(t, s, Once(s))

	require.NoError(t, s.Send(context.Background(), Event{Type: AIStart}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, rec.Closes())
	assert.ErrorIs(t, s.Send(context.Background(), Event{Type: AIContent}), ErrClosed)
	assert.Equal(t, []Kind{AIStart}, rec.Kinds())
}

func TestSSEFraming(t *testing.T) {
	w := httptest.NewRecorder()
	s, err := NewSSE(w)
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), Event{Type: AIContent, Data: AIContentData{Delta: "hi"}}))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send(context.Background(), Event{Type: AIContent}), ErrClosed)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "data: {\"type\":\"ai_content\",\"data\":{\"delta\":\"hi\"}}\n\n", w.Body.String())
}

func TestJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLines(&buf)
	require.NoError(t, s.Send(context.Background(), Event{Type: ToolCallOutput, Data: ToolCallOutputData{CallID: "c", Chunk: "x\n"}}))
	require.NoError(t, s.Send(context.Background(), Event{Type: Error, Data: ErrorData{Message: "boom"}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"tool_call_output","data":{"call_id":"c","chunk":"x\n"}}`, lines[0])
	assert.JSONEq(t, `{"type":"error","data":{"message":"boom"}}`, lines[1])
}

func TestWebSocketSink(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := NewWebSocket(conn)
		s.Send(r.Context(), Event{Type: AIStart, Data: AIStartData{Round: 1}})
		s.Send(r.Context(), Event{Type: AIComplete, Data: AICompleteData{Content: "done"}})
		s.Close()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var got []map[string]any
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		got = append(got, m)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "ai_start", got[0]["type"])
	assert.Equal(t, "ai_complete", got[1]["type"])
	assert.Equal(t, "done", got[1]["data"].(map[string]any)["content"])
}

func TestRecorderFailOn(t *testing.T) {
	rec := NewRecorder()
	rec.FailOn = map[Kind]error{AIContent: assert.AnError}

	assert.ErrorIs(t, rec.Send(context.Background(), Event{Type: AIContent}), assert.AnError)
	assert.NoError(t, rec.Send(context.Background(), Event{Type: AIStart}))
	assert.Len(t, rec.Filter(AIContent), 1)
	assert.Len(t, rec.Events(), 2)
}
