// Package scheduler runs the tool calls of one model round in order and
// assembles their function responses for the continuation request.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"codeloop/internal/client"
	"codeloop/internal/logging"
	"codeloop/internal/tools"

	"google.golang.org/genai"
)

// Executor runs one tool call. *tools.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, req client.ToolCallRequest) (client.ToolCallResponse, error)
}

// Observer is told about every record transition and output chunk.
type Observer interface {
	OnRecord(rec Record)
	OnOutput(callID, chunk string)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Record func(rec Record)
	Output func(callID, chunk string)
}

func (o ObserverFuncs) OnRecord(rec Record) {
	if o.Record != nil {
		o.Record(rec)
	}
}

func (o ObserverFuncs) OnOutput(callID, chunk string) {
	if o.Output != nil {
		o.Output(callID, chunk)
	}
}

// Batch is the ordered set of function responses for one round.
type Batch []*genai.FunctionResponse

// Parts wraps the batch as content parts for the next request.
func (b Batch) Parts() []*genai.Part {
	parts := make([]*genai.Part, 0, len(b))
	for _, fr := range b {
		parts = append(parts, &genai.Part{FunctionResponse: fr})
	}
	return parts
}

// Scheduler executes pending tool calls sequentially.
type Scheduler struct {
	executor Executor
	observer Observer
	now      func() time.Time
}

// New returns a scheduler. observer may be nil.
func New(executor Executor, observer Observer) *Scheduler {
	if observer == nil {
		observer = ObserverFuncs{}
	}
	return &Scheduler{executor: executor, observer: observer, now: time.Now}
}

// Run executes pending in arrival order. A failing call is recorded and
// reported in the batch; it never stops the calls after it. Run returns
// early only when ctx ends between calls.
func (s *Scheduler) Run(ctx context.Context, pending []client.ToolCallRequest) (Batch, error) {
	batch := make(Batch, 0, len(pending))
	for _, req := range pending {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		rec := s.runOne(ctx, req)
		batch = append(batch, functionResponse(rec))
	}
	return batch, nil
}

func (s *Scheduler) runOne(ctx context.Context, req client.ToolCallRequest) Record {
	req.Name = tools.Canonicalize(req.Name)
	rec := NewRecord(req.CallID, req.Name, req.Args)
	s.observer.OnRecord(rec)

	s.advance(&rec, StatusRunning)
	s.observer.OnRecord(rec)

	var mu sync.Mutex
	var streamed strings.Builder
	callCtx := tools.ContextWithStreamingCallback(ctx, func(chunk string) {
		mu.Lock()
		streamed.WriteString(chunk)
		mu.Unlock()
		s.observer.OnOutput(req.CallID, chunk)
	})

	resp, err := s.executor.Execute(callCtx, req)

	mu.Lock()
	rec.StreamingOutput = streamed.String()
	mu.Unlock()

	switch {
	case err != nil:
		rec.Error = err.Error()
		rec.Result = rec.Error
		s.advance(&rec, StatusFailed)
	case resp.Error != "":
		rec.Error = resp.Error
		rec.Result = resp.Text()
		rec.ResultDisplay = resp.ResultDisplay
		s.advance(&rec, StatusFailed)
	default:
		rec.Result = resp.Text()
		rec.ResultDisplay = resp.ResultDisplay
		s.advance(&rec, StatusCompleted)
	}

	logging.Debug("tool call finished",
		"call_id", rec.ID,
		"tool", rec.Tool,
		"status", rec.Status,
		"duration", rec.Duration())
	s.observer.OnRecord(rec)
	return rec
}

func (s *Scheduler) advance(rec *Record, to Status) {
	if err := rec.Advance(to, s.now()); err != nil {
		logging.Error("tool call record", "call_id", rec.ID, "error", err)
	}
}

// functionResponse builds the model-facing response for a finished record.
func functionResponse(rec Record) *genai.FunctionResponse {
	response := map[string]any{}
	if rec.Status == StatusFailed {
		response["error"] = rec.Error
		if rec.Result != "" && rec.Result != rec.Error {
			response["output"] = rec.Result
		}
	} else {
		response["output"] = rec.Result
	}
	return &genai.FunctionResponse{
		ID:       rec.ID,
		Name:     rec.Tool,
		Response: response,
	}
}

// String describes the batch for logs.
func (b Batch) String() string {
	names := make([]string, 0, len(b))
	for _, fr := range b {
		_, failed := fr.Response["error"]
		status := "ok"
		if failed {
			status = "failed"
		}
		names = append(names, fmt.Sprintf("%s(%s)", fr.Name, status))
	}
	return strings.Join(names, ", ")
}
