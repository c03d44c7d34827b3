// Package stream delivers layer records from a run to a consumer, ending each run with a sentinel.
package stream

import (
	"context"
	"sync"

	"github.com/strataviz/strata/pkg/record"
)

type MessageType string

const (
	MessageRecord MessageType = "record"
	// MessageEnd is the sentinel that ends a run.
	MessageEnd MessageType = "end"
)

type Message struct {
	Type   MessageType         `json:"type"`
	RunID  string              `json:"run_id"`
	Record *record.LayerRecord `json:"record,omitempty"`
	// Error is set on an end message when the run failed.
	Error string `json:"error,omitempty"`
}

func (m Message) IsEnd() bool { return m.Type == MessageEnd }

// Source yields messages in emission order.
type Source interface {
	Next(ctx context.Context) (Message, error)
}

// Dispatcher is an unbounded FIFO of messages. Emitting never blocks the producer.
type Dispatcher struct {
	mu       sync.Mutex
	queue    []Message
	runID    string
	finished bool
	// notify has room for one wakeup; a pending wakeup is never lost.
	notify chan struct{}
}

var _ Source = (*Dispatcher)(nil)

func NewDispatcher() *Dispatcher {
	return &Dispatcher{notify: make(chan struct{}, 1)}
}

// Begin starts a new run, dropping anything still queued from earlier runs.
func (d *Dispatcher) Begin(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = nil
	d.runID = runID
	d.finished = false
}

// Emit queues rec for run runID. It is dropped if runID is not the current run or the run has
// finished.
func (d *Dispatcher) Emit(runID string, rec *record.LayerRecord) bool {
	return d.push(Message{Type: MessageRecord, RunID: runID, Record: rec})
}

// Finish queues the end sentinel for run runID. Only the first call for the current run has an effect;
// a sentinel for a run that Begin has already replaced is dropped.
func (d *Dispatcher) Finish(runID string, err error) bool {
	m := Message{Type: MessageEnd, RunID: runID}
	if err != nil {
		m.Error = err.Error()
	}
	return d.push(m)
}

func (d *Dispatcher) push(m Message) bool {
	d.mu.Lock()
	if d.finished || m.RunID != d.runID {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, m)
	if m.IsEnd() {
		d.finished = true
	}
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until a message is available or ctx is done.
func (d *Dispatcher) Next(ctx context.Context) (Message, error) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			m := d.queue[0]
			d.queue[0] = Message{}
			d.queue = d.queue[1:]
			more := len(d.queue) > 0
			d.mu.Unlock()
			if more {
				select {
				case d.notify <- struct{}{}:
				default:
				}
			}
			return m, nil
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-d.notify:
		}
	}
}

// Pending returns the number of queued messages.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
