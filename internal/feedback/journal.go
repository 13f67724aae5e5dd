// Package feedback tells the user what the engine is doing: sound cues and
// the recording LED for every turn, and an optional append-only journal of
// turns and replies.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/pushtalk/internal/observe"
	"github.com/MrWong99/pushtalk/internal/turn"
)

// Record is a single journal entry.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	Kind        string    `json:"kind"` // "turn" or "reply"
	TurnID      uint64    `json:"turn_id,omitempty"`
	HeldMS      int64     `json:"held_ms,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	AudioBytes  int       `json:"audio_bytes,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
	Error       string    `json:"error,omitempty"`
	Text        string    `json:"text,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
}

// Journal persists records as JSON lines in a local file. Thread-safe.
type Journal struct {
	mu   sync.Mutex
	path string
}

// NewJournal creates a Journal that appends to path. The file is created on
// the first write.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// SaveTurn appends a record for a finished turn. The trace ID of the span in
// ctx, if any, is stored with it.
func (j *Journal) SaveTurn(ctx context.Context, t turn.Turn) error {
	r := Record{
		TraceID:     observe.CorrelationID(ctx),
		Kind:        "turn",
		TurnID:      t.ID,
		HeldMS:      t.Held.Milliseconds(),
		Outcome:     string(t.Outcome),
		AudioBytes:  t.AudioBytes,
		Interrupted: t.Interrupted,
	}
	if t.Err != nil {
		r.Error = t.Err.Error()
	}
	return j.append(r)
}

// SaveReply appends the assistant's text reply.
func (j *Journal) SaveReply(ctx context.Context, text string) error {
	return j.append(Record{Kind: "reply", Text: text, TraceID: observe.CorrelationID(ctx)})
}

func (j *Journal) append(r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	r.Timestamp = time.Now().UTC()
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("feedback: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("feedback: open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("feedback: write journal: %w", err)
	}
	return nil
}
