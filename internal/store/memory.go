package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store.
type Memory struct {
	mu       sync.RWMutex
	tasks    map[string]Task
	messages map[string]Message
	order    []string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[string]Task),
		messages: make(map[string]Message),
	}
}

func (m *Memory) CreateTask(ctx context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskQueued
	}
	task.ToolCalls = append([]ToolCall(nil), task.ToolCalls...)
	m.tasks[task.ID] = task
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	task.ToolCalls = append([]ToolCall(nil), task.ToolCalls...)
	return task, nil
}

func (m *Memory) updateTask(id string, fn func(*Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	fn(&task)
	task.UpdatedAt = time.Now()
	m.tasks[id] = task
	return nil
}

func (m *Memory) StartTask(ctx context.Context, id string) error {
	return m.updateTask(id, func(t *Task) { t.Status = TaskProcessing })
}

func (m *Memory) AppendToolCall(ctx context.Context, taskID string, tc ToolCall) error {
	return m.updateTask(taskID, func(t *Task) { t.ToolCalls = upsertToolCall(t.ToolCalls, tc) })
}

func (m *Memory) UpdateToolCall(ctx context.Context, taskID string, tc ToolCall) error {
	return m.AppendToolCall(ctx, taskID, tc)
}

func (m *Memory) UpdateProgress(ctx context.Context, taskID string, p Progress) error {
	return m.updateTask(taskID, func(t *Task) { t.Progress = p })
}

func (m *Memory) CompleteTask(ctx context.Context, id, result string) error {
	return m.updateTask(id, func(t *Task) {
		t.Status = TaskCompleted
		t.Result = result
	})
}

func (m *Memory) FailTask(ctx context.Context, id, message string) error {
	return m.updateTask(id, func(t *Task) {
		t.Status = TaskFailed
		t.Error = message
	})
}

func (m *Memory) CancelTask(ctx context.Context, id string) error {
	return m.updateTask(id, func(t *Task) { t.Status = TaskCancelled })
}

func (m *Memory) CreateMessage(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messages[msg.ID]; exists {
		return fmt.Errorf("message %s already exists", msg.ID)
	}
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	msg.Parts = append([]Part(nil), msg.Parts...)
	m.messages[msg.ID] = msg
	m.order = append(m.order, msg.ID)
	return nil
}

func (m *Memory) GetMessage(ctx context.Context, id string) (Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return copyMessage(msg), nil
}

func (m *Memory) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for _, id := range m.order {
		if msg := m.messages[id]; msg.ConversationID == conversationID {
			out = append(out, copyMessage(msg))
		}
	}
	return out, nil
}

func (m *Memory) updateMessage(id string, fn func(*Message) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err := fn(&msg); err != nil {
		return err
	}
	msg.UpdatedAt = time.Now()
	m.messages[id] = msg
	return nil
}

func (m *Memory) SetPart(ctx context.Context, messageID string, seq int, part Part) error {
	return m.updateMessage(messageID, func(msg *Message) error {
		parts, err := setPart(msg.Parts, seq, part)
		if err != nil {
			return err
		}
		msg.Parts = parts
		return nil
	})
}

func (m *Memory) FinalizeMessage(ctx context.Context, messageID, content string, metadata map[string]string) error {
	return m.updateMessage(messageID, func(msg *Message) error {
		msg.Content = content
		msg.Metadata = mergeMetadata(msg.Metadata, metadata)
		return nil
	})
}

func (m *Memory) Close() error {
	return nil
}

func copyMessage(msg Message) Message {
	msg.Parts = append([]Part(nil), msg.Parts...)
	msg.Metadata = mergeMetadata(nil, msg.Metadata)
	return msg
}
