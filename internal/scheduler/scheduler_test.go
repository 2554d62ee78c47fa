package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"codeloop/internal/client"
	"codeloop/internal/tools"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeExecutor struct {
	calls []string
	fn    func(ctx context.Context, req client.ToolCallRequest) (client.ToolCallResponse, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, req client.ToolCallRequest) (client.ToolCallResponse, error) {
	f.calls = append(f.calls, req.Name)
	return f.fn(ctx, req)
}

func ok(req client.ToolCallRequest, text string) client.ToolCallResponse {
	return client.ToolCallResponse{CallID: req.CallID, ResponseParts: []*genai.Part{genai.NewPartFromText(text)}}
}

type recordLog struct {
	records []Record
	chunks  []string
}

func (l *recordLog) OnRecord(rec Record)           { l.records = append(l.records, rec) }
func (l *recordLog) OnOutput(callID, chunk string) { l.chunks = append(l.chunks, callID+":"+chunk) }

func TestRecordAdvance(t *testing.T) {
	now := time.Now()
	rec := NewRecord("c1", "glob", nil)

	require.NoError(t, rec.Advance(StatusRunning, now))
	assert.Equal(t, now, rec.StartedAt)
	require.NoError(t, rec.Advance(StatusCompleted, now.Add(time.Second)))
	assert.Equal(t, time.Second, rec.Duration())

	for _, to := range []Status{StatusPending, StatusRunning, StatusFailed, StatusCompleted, "bogus"} {
		assert.ErrorIs(t, rec.Advance(to, now), ErrInvalidTransition, to)
	}
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestRunOneFailingAmongMany(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, req client.ToolCallRequest) (client.ToolCallResponse, error) {
		switch req.CallID {
		case "2":
			return client.ToolCallResponse{
				CallID:        req.CallID,
				ResponseParts: []*genai.Part{genai.NewPartFromText("file not found: x")},
				Error:         "file not found: x",
			}, nil
		case "3":
			return client.ToolCallResponse{}, errors.New("handler exploded")
		}
		return ok(req, "out-"+req.CallID), nil
	}}
	obs := &recordLog{}
	s := New(exec, obs)

	batch, err := s.Run(context.Background(), []client.ToolCallRequest{
		{CallID: "1", Name: "ls"},
		{CallID: "2", Name: "read_file"},
		{CallID: "3", Name: "grep"},
		{CallID: "4", Name: "bash"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"list_directory", "read_file", "grep", "run_shell_command"}, exec.calls)

	require.Len(t, batch, 4)
	assert.Equal(t, "1", batch[0].ID)
	assert.Equal(t, "list_directory", batch[0].Name)
	assert.Equal(t, map[string]any{"output": "out-1"}, batch[0].Response)
	assert.Equal(t, map[string]any{"error": "file not found: x"}, batch[1].Response)
	assert.Equal(t, map[string]any{"error": "handler exploded"}, batch[2].Response)
	assert.Equal(t, map[string]any{"output": "out-4"}, batch[3].Response)
	assert.Equal(t, "list_directory(ok), read_file(failed), grep(failed), run_shell_command(ok)", batch.String())

	// pending, running, terminal for every call
	require.Len(t, obs.records, 12)
	var statuses []Status
	for _, r := range obs.records[:3] {
		statuses = append(statuses, r.Status)
	}
	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusCompleted}, statuses)
	assert.Equal(t, StatusFailed, obs.records[5].Status)
	assert.Equal(t, StatusFailed, obs.records[8].Status)
	assert.Equal(t, StatusCompleted, obs.records[11].Status)
	assert.Equal(t, "run_shell_command", obs.records[11].Tool)

	parts := batch.Parts()
	require.Len(t, parts, 4)
	assert.Same(t, batch[2], parts[2].FunctionResponse)
}

func TestRunStreamsOutput(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, req client.ToolCallRequest) (client.ToolCallResponse, error) {
		cb := tools.GetStreamingCallback(ctx)
		require.NotNil(t, cb)
		cb("one\n")
		cb("two\n")
		return ok(req, "one\ntwo\n"), nil
	}}
	obs := &recordLog{}

	_, err := New(exec, obs).Run(context.Background(), []client.ToolCallRequest{{CallID: "s", Name: "run_shell_command"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"s:one\n", "s:two\n"}, obs.chunks)
	last := obs.records[len(obs.records)-1]
	assert.Equal(t, "one\ntwo\n", last.StreamingOutput)
	assert.Equal(t, "one\ntwo\n", last.Result)
}

func TestRunStopsBetweenCallsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &fakeExecutor{fn: func(ctx context.Context, req client.ToolCallRequest) (client.ToolCallResponse, error) {
		cancel()
		return ok(req, "done"), nil
	}}

	batch, err := New(exec, nil).Run(ctx, []client.ToolCallRequest{{CallID: "1", Name: "glob"}, {CallID: "2", Name: "glob"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, batch, 1)
	assert.Equal(t, []string{"glob"}, exec.calls)
}
