// Package worker runs background work: the contract scheduler and the
// enrichment sub-worker processes together with the line protocol they speak.
package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/contract-indexer/internal/service"
)

// Kind is the prefix of a protocol line
type Kind string

const (
	// KindTask carries an assignment to the sub-worker
	KindTask Kind = "TASK"
	// KindStop asks the sub-worker to abandon work and exit
	KindStop Kind = "STOP"
	// KindProgress carries cumulative stats from the sub-worker
	KindProgress Kind = "PROGRESS"
	// KindResult ends one assignment
	KindResult Kind = "RESULT"
)

// Result is the final report of one assignment
type Result struct {
	Stats service.ChunkStats `json:"stats"`
	Error string             `json:"error,omitempty"`
}

// Message is one line of the protocol: KIND:{json}
type Message struct {
	Kind     Kind
	Task     *service.Assignment
	Progress *service.ChunkStats
	Result   *Result
}

func (m Message) payload() interface{} {
	switch m.Kind {
	case KindTask:
		return m.Task
	case KindProgress:
		return m.Progress
	case KindResult:
		return m.Result
	default:
		return struct{}{}
	}
}

// Marshal renders the message as a single line without the newline
func (m Message) Marshal() ([]byte, error) {
	body, err := json.Marshal(m.payload())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", m.Kind, err)
	}
	line := make([]byte, 0, len(m.Kind)+1+len(body))
	line = append(line, m.Kind...)
	line = append(line, ':')
	return append(line, body...), nil
}

// ParseLine decodes a protocol line. ok is false for lines that do not carry
// a known prefix, which callers treat as log noise.
func ParseLine(line string) (msg Message, ok bool, err error) {
	line = strings.TrimSpace(line)
	prefix, body, found := strings.Cut(line, ":")
	if !found {
		return Message{}, false, nil
	}

	msg.Kind = Kind(prefix)
	switch msg.Kind {
	case KindTask:
		msg.Task = &service.Assignment{}
		err = json.Unmarshal([]byte(body), msg.Task)
	case KindProgress:
		msg.Progress = &service.ChunkStats{}
		err = json.Unmarshal([]byte(body), msg.Progress)
	case KindResult:
		msg.Result = &Result{}
		err = json.Unmarshal([]byte(body), msg.Result)
	case KindStop:
	default:
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, true, fmt.Errorf("failed to decode %s line: %w", msg.Kind, err)
	}
	return msg, true, nil
}

// Encoder writes messages one per line. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an encoder over w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes m followed by a newline
func (e *Encoder) Encode(m Message) error {
	line, err := m.Marshal()
	if err != nil {
		return err
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(line)
	return err
}
