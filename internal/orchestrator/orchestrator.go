// Package orchestrator drives one conversation turn: it streams the model's
// reply, runs the tool calls it asks for, feeds the results back, and
// repeats until the model stops calling tools.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"codeloop/internal/audit"
	"codeloop/internal/client"
	"codeloop/internal/config"
	"codeloop/internal/drain"
	"codeloop/internal/logging"
	"codeloop/internal/ratelimit"
	"codeloop/internal/sandbox"
	"codeloop/internal/scheduler"
	"codeloop/internal/security"
	"codeloop/internal/store"
	"codeloop/internal/stream"
	"codeloop/internal/tools"
	"codeloop/internal/transport"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// ApologyText ends the assistant message of a failed conversation.
const ApologyText = "I apologize, but I encountered an error while processing your request. Please try again."

// ErrMaxRounds is returned when the model keeps calling tools past the limit.
var ErrMaxRounds = errors.New("maximum tool rounds exceeded")

// Request is one user message to process.
type Request struct {
	// TaskID and ConversationID are generated when empty.
	TaskID         string
	ConversationID string
	Project        string
	Content        string
}

// Outcome summarizes a finished Run.
type Outcome struct {
	TaskID         string
	ConversationID string
	MessageID      string
	Status         store.TaskStatus
	Content        string
	Rounds         int
}

// Options tune the loop. Zero values take defaults.
type Options struct {
	MaxRounds         int
	SystemInstruction string
	Drain             drain.Options
}

// Workspaces hands out the sandbox of a project. *sandbox.Manager
// implements it.
type Workspaces interface {
	Get(ctx context.Context, project string) (*sandbox.Sandbox, error)
}

// Orchestrator runs conversations. It is safe for concurrent use; each Run
// gets its own AI client, drain controller and tool executor.
type Orchestrator struct {
	clients    client.Factory
	workspaces Workspaces
	store      store.Store
	audit      *audit.Logger
	limiter    *ratelimit.Limiter
	redactor   *security.SecretRedactor

	mu   sync.RWMutex
	opts Options
}

// New creates an orchestrator.
func New(clients client.Factory, workspaces Workspaces, st store.Store, opts Options) *Orchestrator {
	return &Orchestrator{
		clients:    clients,
		workspaces: workspaces,
		store:      st,
		redactor:   security.NewSecretRedactor(),
		opts:       withDefaults(opts),
	}
}

// OptionsFromConfig maps the configuration onto loop options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxRounds:         cfg.Orchestrator.MaxRounds,
		SystemInstruction: cfg.Model.SystemInstruction,
		Drain: drain.Options{
			Timeout:          cfg.Drain.CommandTimeout,
			IdleTimeout:      cfg.Drain.IdleTimeout,
			BackgroundWindow: cfg.Drain.BackgroundWindow,
		},
	}
}

func withDefaults(opts Options) Options {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = config.DefaultMaxRounds
	}
	return opts
}

// SetAuditLogger records every tool execution to logger.
func (o *Orchestrator) SetAuditLogger(logger *audit.Logger) {
	o.audit = logger
}

// SetLimiter throttles opening AI streams with l.
func (o *Orchestrator) SetLimiter(l *ratelimit.Limiter) {
	o.limiter = l
}

// SetOptions replaces the options used by conversations started later.
func (o *Orchestrator) SetOptions(opts Options) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opts = withDefaults(opts)
}

// Options returns the current options.
func (o *Orchestrator) Options() Options {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.opts
}

// Run processes req, reporting progress to sink. sink is closed exactly
// once before Run returns. A cancelled conversation returns
// stream.ErrCancelled; a failed one returns its cause.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink transport.Sink) (Outcome, error) {
	sink = transport.Once(sink)
	defer func() {
		if err := sink.Close(); err != nil {
			logging.Warn("failed to close transport", "error", err)
		}
	}()

	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	c := &conversation{
		o:    o,
		req:  req,
		sink: sink,
		opts: o.Options(),
		bg:   context.WithoutCancel(ctx),
		log: logging.With(
			"task_id", req.TaskID,
			"conversation_id", req.ConversationID,
			"project", req.Project),
		calls:   make(map[string]int),
		unsaved: make(map[int]store.Part),
	}
	c.outcome = Outcome{TaskID: req.TaskID, ConversationID: req.ConversationID}

	if strings.TrimSpace(req.Content) == "" {
		err := errors.New("message content is empty")
		c.notify(transport.Error, transport.ErrorData{Message: err.Error()})
		return c.outcome, err
	}
	if err := sandbox.ValidateProject(req.Project); err != nil {
		c.notify(transport.Error, transport.ErrorData{Message: err.Error()})
		return c.outcome, err
	}

	err := c.run(ctx)
	switch {
	case err == nil:
		c.complete()
		return c.outcome, nil
	case isCancellation(ctx, err):
		c.cancel()
		return c.outcome, stream.ErrCancelled
	default:
		c.fail(err)
		return c.outcome, err
	}
}

// isCancellation reports whether err ends the run as cancelled. Any error
// observed after ctx ended counts.
func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, stream.ErrCancelled) || errors.Is(err, context.Canceled) || ctx.Err() != nil
}

// conversation is the state of one Run.
type conversation struct {
	o    *Orchestrator
	req  Request
	sink transport.Sink
	opts Options
	// bg outlives cancellation so final writes still land.
	bg  context.Context
	log *slog.Logger

	outcome Outcome
	interp  *stream.Interpreter

	messageID string
	parts     int
	// unsaved holds parts whose store write failed, by sequence.
	unsaved map[int]store.Part
	// calls maps call IDs to their log index.
	calls    map[string]int
	progress store.Progress
}

func (c *conversation) run(ctx context.Context) error {
	history := c.priorHistory()

	if err := c.o.store.CreateTask(c.bg, store.Task{
		ID:             c.req.TaskID,
		ConversationID: c.req.ConversationID,
		Project:        c.req.Project,
		Status:         store.TaskQueued,
	}); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	c.persist("start task", c.o.store.StartTask(c.bg, c.req.TaskID))

	userMsgID := uuid.NewString()
	c.notify(transport.UserMessage, transport.UserMessageData{
		ConversationID: c.req.ConversationID,
		TaskID:         c.req.TaskID,
		MessageID:      userMsgID,
		Content:        c.req.Content,
	})
	c.persist("create user message", c.o.store.CreateMessage(c.bg, store.Message{
		ID:             userMsgID,
		ConversationID: c.req.ConversationID,
		TaskID:         c.req.TaskID,
		Role:           store.RoleUser,
		Parts:          []store.Part{store.TextPart(c.req.Content)},
		Content:        c.req.Content,
	}))

	sb, err := c.o.workspaces.Get(ctx, c.req.Project)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}

	cl, err := c.o.clients(ctx)
	if err != nil {
		return fmt.Errorf("create AI client: %w", err)
	}
	defer cl.Close()

	ctrl := drain.NewController(c.opts.Drain)
	executor := tools.NewExecutor(tools.NewDefaultRegistry(sb, ctrl), ctrl)
	if c.o.audit != nil {
		executor.SetAuditLogger(c.o.audit, c.req.ConversationID, c.req.Project)
	}

	cl.SetTools(executor.Registry().GeminiTools())
	if c.opts.SystemInstruction != "" {
		cl.SetSystemInstruction(c.opts.SystemInstruction)
	}
	if len(history) > 0 {
		cl.SetHistory(history)
	}

	c.interp = stream.NewInterpreter(stream.NewLog(), c.streamHandler())
	sched := scheduler.New(executor, c)

	payload := []*genai.Part{genai.NewPartFromText(c.req.Content)}
	for round := 1; ; round++ {
		if round > c.opts.MaxRounds {
			return fmt.Errorf("%w (%d)", ErrMaxRounds, c.opts.MaxRounds)
		}
		c.outcome.Rounds = round
		c.ensureMessage()
		c.notify(transport.AIStart, transport.AIStartData{Round: round, MessageID: c.messageID})

		events, err := c.openStream(ctx, cl, payload, fmt.Sprintf("%s-%d", c.req.TaskID, round))
		if err != nil {
			return err
		}
		result, err := c.interp.Run(ctx, events)
		if err != nil {
			return err
		}
		c.interp.Flush()
		if len(result.Pending) == 0 {
			c.log.Debug("conversation finished", "rounds", round)
			return nil
		}

		c.log.Info("executing tool calls", "round", round, "count", len(result.Pending))
		batch, err := sched.Run(ctx, result.Pending)
		if err != nil {
			return err
		}
		c.log.Debug("tool batch completed", "batch", batch.String())
		payload = batch.Parts()
	}
}

func (c *conversation) openStream(ctx context.Context, cl client.Client, payload []*genai.Part, promptID string) (<-chan client.StreamEvent, error) {
	if err := c.o.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	events, err := cl.SendMessageStream(ctx, payload, promptID)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return events, nil
}

func (c *conversation) streamHandler() stream.Handler {
	return stream.Handler{
		OnContent: func(delta string) {
			c.notify(transport.AIContent, transport.AIContentData{Delta: delta})
		},
		OnText: func(index int, text string) {
			c.setPart(index, store.TextPart(text))
		},
		OnToolCall: func(index int, call client.ToolCallRequest) {
			name := tools.Canonicalize(call.Name)
			c.calls[call.CallID] = index
			c.notify(transport.ToolCallStart, transport.ToolCallStartData{
				CallID: call.CallID,
				Tool:   name,
				Params: call.Args,
			})
			pending := store.ToolCall{
				ID:     call.CallID,
				Tool:   name,
				Params: call.Args,
				Status: string(scheduler.StatusPending),
			}
			c.setPart(index, store.ToolCallPart(pending))
			c.persist("append tool call", c.o.store.AppendToolCall(c.bg, c.req.TaskID, pending))
			c.progress.TotalSteps++
			c.updateProgress()
		},
		OnToolResult: func(index int, resp client.ToolCallResponse) {
			c.log.Debug("provider answered tool call", "call_id", resp.CallID)
		},
	}
}

// OnRecord persists a tool call transition.
func (c *conversation) OnRecord(rec scheduler.Record) {
	tc := toolCallFromRecord(rec)
	if rec.Status == scheduler.StatusPending {
		c.persist("append tool call", c.o.store.AppendToolCall(c.bg, c.req.TaskID, tc))
		return
	}

	if rec.Status.Terminal() {
		c.notify(transport.ToolCallEnd, transport.ToolCallEndData{
			CallID:        rec.ID,
			Tool:          rec.Tool,
			Status:        string(rec.Status),
			Result:        rec.Result,
			ResultDisplay: rec.ResultDisplay,
			Error:         rec.Error,
			DurationMs:    rec.Duration().Milliseconds(),
		})
		c.interp.Log().SetResult(client.ToolCallResponse{
			CallID:        rec.ID,
			ResponseParts: []*genai.Part{genai.NewPartFromText(rec.Result)},
			ResultDisplay: rec.ResultDisplay,
			Error:         rec.Error,
		})
		c.progress.CompletedSteps++
		c.progress.CurrentStep = ""
	} else {
		c.progress.CurrentStep = rec.Tool
	}

	c.persist("update tool call", c.o.store.UpdateToolCall(c.bg, c.req.TaskID, tc))
	if idx, ok := c.calls[rec.ID]; ok {
		c.setPart(idx, store.ToolCallPart(tc))
	}
	c.updateProgress()
}

// OnOutput relays a shell output chunk.
func (c *conversation) OnOutput(callID, chunk string) {
	c.notify(transport.ToolCallOutput, transport.ToolCallOutputData{CallID: callID, Chunk: chunk})
}

func (c *conversation) complete() {
	c.interp.Flush()
	content := c.interp.Log().Text()
	c.outcome.Status = store.TaskCompleted
	c.outcome.Content = content
	c.outcome.MessageID = c.messageID

	c.progress.Percentage = 100
	c.progress.CurrentStep = ""
	c.updateProgress()
	c.persist("finalize message", c.o.store.FinalizeMessage(c.bg, c.messageID, content, nil))
	c.persist("complete task", c.o.store.CompleteTask(c.bg, c.req.TaskID, content))

	c.log.Info("conversation completed", "rounds", c.outcome.Rounds)
	c.notify(transport.AIComplete, transport.AICompleteData{
		TaskID:    c.req.TaskID,
		MessageID: c.messageID,
		Content:   content,
	})
}

func (c *conversation) cancel() {
	c.outcome.Status = store.TaskCancelled
	if c.interp != nil {
		c.interp.Flush()
		c.outcome.Content = c.interp.Log().Text()
	}
	if c.messageID != "" {
		c.outcome.MessageID = c.messageID
		c.persist("finalize message", c.o.store.FinalizeMessage(c.bg, c.messageID, c.outcome.Content, nil))
	}
	c.persist("cancel task", c.o.store.CancelTask(c.bg, c.req.TaskID))
	c.log.Info("conversation cancelled", "rounds", c.outcome.Rounds)
}

func (c *conversation) fail(cause error) {
	message := c.o.redactor.Redact(cause.Error())
	c.log.Error("conversation failed", "error", message, "rounds", c.outcome.Rounds)
	c.outcome.Status = store.TaskFailed

	var content string
	if c.interp != nil {
		c.interp.Flush()
		content = c.interp.Log().Text()
	}
	if _, err := c.o.store.GetTask(c.bg, c.req.TaskID); err == nil {
		c.ensureMessage()
		c.setPart(c.parts, store.TextPart(ApologyText))
		if content != "" {
			content += "\n\n"
		}
		content += ApologyText
		c.persist("finalize message", c.o.store.FinalizeMessage(c.bg, c.messageID, content,
			map[string]string{"error": message}))
		c.persist("fail task", c.o.store.FailTask(c.bg, c.req.TaskID, message))
		c.outcome.MessageID = c.messageID
	}
	c.outcome.Content = content

	c.notify(transport.Error, transport.ErrorData{TaskID: c.req.TaskID, Message: message})
}

// ensureMessage creates the assistant message on first use.
func (c *conversation) ensureMessage() {
	if c.messageID != "" {
		return
	}
	c.messageID = uuid.NewString()
	c.persist("create assistant message", c.o.store.CreateMessage(c.bg, store.Message{
		ID:             c.messageID,
		ConversationID: c.req.ConversationID,
		TaskID:         c.req.TaskID,
		Role:           store.RoleAssistant,
	}))
}

// setPart persists part at seq. Parts whose write failed are retried, lowest
// sequence first, before every later write.
func (c *conversation) setPart(seq int, part store.Part) {
	c.ensureMessage()
	if seq >= c.parts {
		c.parts = seq + 1
	}
	c.unsaved[seq] = part
	for _, s := range slices.Sorted(maps.Keys(c.unsaved)) {
		if err := c.o.store.SetPart(c.bg, c.messageID, s, c.unsaved[s]); err != nil {
			c.log.Warn("failed to persist message part", "seq", s, "error", err)
			continue
		}
		delete(c.unsaved, s)
	}
}

func (c *conversation) updateProgress() {
	if c.progress.TotalSteps > 0 && c.progress.Percentage < 100 {
		c.progress.Percentage = c.progress.CompletedSteps * 100 / c.progress.TotalSteps
	}
	c.persist("update progress", c.o.store.UpdateProgress(c.bg, c.req.TaskID, c.progress))
}

// notify sends ev; a failed send is logged and never stops the loop.
func (c *conversation) notify(kind transport.Kind, data any) {
	if err := c.sink.Send(c.bg, transport.Event{Type: kind, Data: data}); err != nil {
		c.log.Warn("failed to send event", "type", kind, "error", err)
	}
}

func (c *conversation) persist(op string, err error) {
	if err != nil {
		c.log.Warn("store write failed", "op", op, "error", err)
	}
}

func toolCallFromRecord(rec scheduler.Record) store.ToolCall {
	return store.ToolCall{
		ID:              rec.ID,
		Tool:            rec.Tool,
		Params:          rec.Params,
		Status:          string(rec.Status),
		Result:          rec.Result,
		ResultDisplay:   rec.ResultDisplay,
		Error:           rec.Error,
		StreamingOutput: rec.StreamingOutput,
		StartedAt:       rec.StartedAt,
		CompletedAt:     rec.CompletedAt,
	}
}

var _ scheduler.Observer = (*conversation)(nil)
