package store

import (
	"context"
	"path/filepath"
	"testing"

	"codeloop/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "codeloop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{"memory": NewMemory(), "sqlite": sq}
}

func TestTaskLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateTask(ctx, Task{ID: "t1", ConversationID: "c1", Project: "demo"}))
			assert.Error(t, s.CreateTask(ctx, Task{ID: "t1", ConversationID: "c1", Project: "demo"}))

			task, err := s.GetTask(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, TaskQueued, task.Status)
			assert.Empty(t, task.ToolCalls)

			require.NoError(t, s.StartTask(ctx, "t1"))
			require.NoError(t, s.AppendToolCall(ctx, "t1", ToolCall{ID: "a", Tool: "glob", Status: "pending"}))
			require.NoError(t, s.AppendToolCall(ctx, "t1", ToolCall{ID: "b", Tool: "grep", Status: "pending"}))
			require.NoError(t, s.UpdateToolCall(ctx, "t1", ToolCall{ID: "a", Tool: "glob", Status: "completed", Result: "x.go"}))
			// replaying a write is harmless
			require.NoError(t, s.UpdateToolCall(ctx, "t1", ToolCall{ID: "a", Tool: "glob", Status: "completed", Result: "x.go"}))
			require.NoError(t, s.UpdateProgress(ctx, "t1", Progress{Percentage: 50, TotalSteps: 2, CompletedSteps: 1, CurrentStep: "grep"}))

			task, err = s.GetTask(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, TaskProcessing, task.Status)
			require.Len(t, task.ToolCalls, 2)
			assert.Equal(t, "completed", task.ToolCalls[0].Status)
			assert.Equal(t, "x.go", task.ToolCalls[0].Result)
			assert.Equal(t, "grep", task.ToolCalls[1].Tool)
			assert.Equal(t, Progress{Percentage: 50, TotalSteps: 2, CompletedSteps: 1, CurrentStep: "grep"}, task.Progress)

			require.NoError(t, s.CompleteTask(ctx, "t1", "all done"))
			task, err = s.GetTask(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, TaskCompleted, task.Status)
			assert.Equal(t, "all done", task.Result)
			assert.True(t, task.Status.Terminal())
		})
	}
}

func TestTaskFailAndCancel(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateTask(ctx, Task{ID: "f", ConversationID: "c", Project: "p"}))
			require.NoError(t, s.CreateTask(ctx, Task{ID: "x", ConversationID: "c", Project: "p"}))

			require.NoError(t, s.FailTask(ctx, "f", "boom"))
			require.NoError(t, s.CancelTask(ctx, "x"))

			f, err := s.GetTask(ctx, "f")
			require.NoError(t, err)
			assert.Equal(t, TaskFailed, f.Status)
			assert.Equal(t, "boom", f.Error)

			x, err := s.GetTask(ctx, "x")
			require.NoError(t, err)
			assert.Equal(t, TaskCancelled, x.Status)

			_, err = s.GetTask(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.StartTask(ctx, "missing"), ErrNotFound)
			assert.ErrorIs(t, s.AppendToolCall(ctx, "missing", ToolCall{ID: "a"}), ErrNotFound)
		})
	}
}

func TestSetPartPadsGaps(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateMessage(ctx, Message{ID: "a1", ConversationID: "c1", Role: RoleAssistant}))

			require.NoError(t, s.SetPart(ctx, "a1", 0, TextPart("first")))
			require.NoError(t, s.SetPart(ctx, "a1", 3, TextPart("fourth")))

			msg, err := s.GetMessage(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, []Part{TextPart("first"), TextPart(""), TextPart(""), TextPart("fourth")}, msg.Parts)

			require.NoError(t, s.SetPart(ctx, "a1", 1, TextPart("second")))
			msg, err = s.GetMessage(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, []Part{TextPart("first"), TextPart("second"), TextPart(""), TextPart("fourth")}, msg.Parts)
		})
	}
}

func TestMessageParts(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateMessage(ctx, Message{
				ID: "u1", ConversationID: "c1", Role: RoleUser,
				Parts: []Part{TextPart("hi")}, Content: "hi",
			}))
			require.NoError(t, s.CreateMessage(ctx, Message{ID: "a1", ConversationID: "c1", TaskID: "t1", Role: RoleAssistant}))

			require.NoError(t, s.SetPart(ctx, "a1", 0, TextPart("Sure, ")))
			require.NoError(t, s.SetPart(ctx, "a1", 1, ToolCallPart(ToolCall{ID: "x", Tool: "list_directory", Status: "pending"})))
			require.NoError(t, s.SetPart(ctx, "a1", 1, ToolCallPart(ToolCall{ID: "x", Tool: "list_directory", Status: "completed"})))
			assert.Error(t, s.SetPart(ctx, "a1", -1, TextPart("negative")))
			assert.ErrorIs(t, s.SetPart(ctx, "nope", 0, TextPart("x")), ErrNotFound)

			require.NoError(t, s.FinalizeMessage(ctx, "a1", "Sure, ", map[string]string{"error": "boom"}))
			require.NoError(t, s.FinalizeMessage(ctx, "a1", "Sure, ", map[string]string{"model": "m"}))

			msg, err := s.GetMessage(ctx, "a1")
			require.NoError(t, err)
			require.Len(t, msg.Parts, 2)
			assert.Equal(t, PartText, msg.Parts[0].Type)
			assert.Equal(t, "Sure, ", msg.Parts[0].Text)
			require.NotNil(t, msg.Parts[1].ToolCall)
			assert.Equal(t, "completed", msg.Parts[1].ToolCall.Status)
			assert.Equal(t, "Sure, ", msg.Content)
			assert.Equal(t, map[string]string{"error": "boom", "model": "m"}, msg.Metadata)

			msgs, err := s.ListMessages(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, "u1", msgs[0].ID)
			assert.Equal(t, []Part{TextPart("hi")}, msgs[0].Parts)
			assert.Equal(t, "a1", msgs[1].ID)

			none, err := s.ListMessages(ctx, "other")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestOpen(t *testing.T) {
	s, err := Open(config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(config.StoreConfig{Path: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	_, err = Open(config.StoreConfig{Driver: "postgres"})
	assert.Error(t, err)
}
