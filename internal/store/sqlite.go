package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	project         TEXT NOT NULL,
	status          TEXT NOT NULL,
	progress        TEXT NOT NULL DEFAULT '{}',
	tool_calls      TEXT NOT NULL DEFAULT '[]',
	result          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	task_id         TEXT NOT NULL DEFAULT '',
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS message_parts (
	message_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (message_id, seq)
);
`

// SQLite is a Store backed by a single SQLite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection to serialize writes
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateTask(ctx context.Context, task Task) error {
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.Status == "" {
		task.Status = TaskQueued
	}
	progress, err := json.Marshal(task.Progress)
	if err != nil {
		return err
	}
	calls, err := marshalToolCalls(task.ToolCalls)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, conversation_id, project, status, progress, tool_calls, result, error, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ConversationID, task.Project, string(task.Status), string(progress), calls,
		task.Result, task.Error, task.CreatedAt.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var status, progress, calls string
	var created, updated int64
	if err := row.Scan(&t.ID, &t.ConversationID, &t.Project, &status, &progress, &calls,
		&t.Result, &t.Error, &created, &updated); err != nil {
		return Task{}, err
	}
	t.Status = TaskStatus(status)
	if err := json.Unmarshal([]byte(progress), &t.Progress); err != nil {
		return Task{}, fmt.Errorf("decode progress: %w", err)
	}
	if err := json.Unmarshal([]byte(calls), &t.ToolCalls); err != nil {
		return Task{}, fmt.Errorf("decode tool calls: %w", err)
	}
	t.CreatedAt = time.Unix(0, created)
	t.UpdatedAt = time.Unix(0, updated)
	return t, nil
}

const taskColumns = `id, conversation_id, project, status, progress, tool_calls, result, error, created_at, updated_at`

func (s *SQLite) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// updateTask runs set (a "col = ?, ..." fragment) against one task.
func (s *SQLite) updateTask(ctx context.Context, id, set string, args ...any) error {
	args = append(args, time.Now().UnixNano(), id)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) StartTask(ctx context.Context, id string) error {
	return s.updateTask(ctx, id, `status = ?`, string(TaskProcessing))
}

func (s *SQLite) AppendToolCall(ctx context.Context, taskID string, tc ToolCall) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT tool_calls FROM tasks WHERE id = ?`, taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	var calls []ToolCall
	if err := json.Unmarshal([]byte(raw), &calls); err != nil {
		return fmt.Errorf("decode tool calls: %w", err)
	}
	encoded, err := marshalToolCalls(upsertToolCall(calls, tc))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET tool_calls = ?, updated_at = ? WHERE id = ?`,
		encoded, time.Now().UnixNano(), taskID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) UpdateToolCall(ctx context.Context, taskID string, tc ToolCall) error {
	return s.AppendToolCall(ctx, taskID, tc)
}

func (s *SQLite) UpdateProgress(ctx context.Context, taskID string, p Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.updateTask(ctx, taskID, `progress = ?`, string(data))
}

func (s *SQLite) CompleteTask(ctx context.Context, id, result string) error {
	return s.updateTask(ctx, id, `status = ?, result = ?`, string(TaskCompleted), result)
}

func (s *SQLite) FailTask(ctx context.Context, id, message string) error {
	return s.updateTask(ctx, id, `status = ?, error = ?`, string(TaskFailed), message)
}

func (s *SQLite) CancelTask(ctx context.Context, id string) error {
	return s.updateTask(ctx, id, `status = ?`, string(TaskCancelled))
}

func (s *SQLite) CreateMessage(ctx context.Context, msg Message) error {
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	meta, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages(id, conversation_id, task_id, role, content, metadata, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.TaskID, string(msg.Role), msg.Content, meta,
		msg.CreatedAt.UnixNano(), now.UnixNano()); err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	for i, p := range msg.Parts {
		if err := writePart(ctx, tx, msg.ID, i, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const messageColumns = `id, conversation_id, task_id, role, content, metadata, created_at, updated_at`

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var role, meta string
	var created, updated int64
	if err := row.Scan(&m.ID, &m.ConversationID, &m.TaskID, &role, &m.Content, &meta, &created, &updated); err != nil {
		return Message{}, err
	}
	m.Role = Role(role)
	if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
		return Message{}, fmt.Errorf("decode metadata: %w", err)
	}
	if len(m.Metadata) == 0 {
		m.Metadata = nil
	}
	m.CreatedAt = time.Unix(0, created)
	m.UpdatedAt = time.Unix(0, updated)
	return m, nil
}

func (s *SQLite) loadParts(ctx context.Context, msg *Message) error {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM message_parts WHERE message_id = ? ORDER BY seq`, msg.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return err
		}
		var p Part
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return fmt.Errorf("decode part: %w", err)
		}
		msg.Parts = append(msg.Parts, p)
	}
	return rows.Err()
}

func (s *SQLite) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Message{}, err
	}
	if err := s.loadParts(ctx, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *SQLite) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at, rowid`, conversationID)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// The pool has one connection; release it before loading parts.
	rows.Close()

	for i := range msgs {
		if err := s.loadParts(ctx, &msgs[i]); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func (s *SQLite) SetPart(ctx context.Context, messageID string, seq int, part Part) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, messageID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_parts WHERE message_id = ?`, messageID).Scan(&count); err != nil {
		return err
	}
	if seq < 0 {
		return fmt.Errorf("part %d out of range", seq)
	}
	for gap := count; gap < seq; gap++ {
		if err := writePart(ctx, tx, messageID, gap, placeholderPart); err != nil {
			return err
		}
	}
	if err := writePart(ctx, tx, messageID, seq, part); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET updated_at = ? WHERE id = ?`, time.Now().UnixNano(), messageID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) FinalizeMessage(ctx context.Context, messageID, content string, metadata map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM messages WHERE id = ?`, messageID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	var existing map[string]string
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	meta, err := marshalMetadata(mergeMetadata(existing, metadata))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET content = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		content, meta, time.Now().UnixNano(), messageID); err != nil {
		return err
	}
	return tx.Commit()
}

func writePart(ctx context.Context, tx *sql.Tx, messageID string, seq int, part Part) error {
	data, err := json.Marshal(part)
	if err != nil {
		return fmt.Errorf("encode part: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO message_parts(message_id, seq, data) VALUES(?, ?, ?)
		 ON CONFLICT(message_id, seq) DO UPDATE SET data = excluded.data`,
		messageID, seq, string(data))
	return err
}

func marshalToolCalls(calls []ToolCall) (string, error) {
	if calls == nil {
		calls = []ToolCall{}
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return "", fmt.Errorf("encode tool calls: %w", err)
	}
	return string(data), nil
}

func marshalMetadata(meta map[string]string) (string, error) {
	if meta == nil {
		meta = map[string]string{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}
