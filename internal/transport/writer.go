package transport

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// JSONLines writes one JSON object per event, for terminals and pipes.
type JSONLines struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closed bool
}

// NewJSONLines writes events to w. Close does not close w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w)}
}

func (j *JSONLines) Send(ctx context.Context, ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.enc.Encode(ev)
}

func (j *JSONLines) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

// Recorder keeps every event in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	closes int
	// FailOn makes Send return an error for these kinds, after recording.
	FailOn map[Kind]error
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Send(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.FailOn[ev.Type]
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return nil
}

// Events returns the recorded events in order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the recorded event types in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Type
	}
	return kinds
}

// Filter returns the recorded events of kind k.
func (r *Recorder) Filter(k Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == k {
			out = append(out, ev)
		}
	}
	return out
}

// Closes returns how many times Close was called.
func (r *Recorder) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}
