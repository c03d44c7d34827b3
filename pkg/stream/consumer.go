package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/strataviz/strata/pkg/record"
)

var (
	// ErrTimeoutExceeded means no end sentinel arrived within the run timeout.
	ErrTimeoutExceeded = errors.New("timed out waiting for the run to finish")
	// ErrRunFailed means the run ended with an error.
	ErrRunFailed = errors.New("run failed")
)

const (
	DefaultBatchWindow = 50 * time.Millisecond
	DefaultTimeout     = 120 * time.Second
)

// Consumer reads one run from a Source, grouping records that arrive close together into batches.
type Consumer struct {
	Source Source
	// RunID, if set, drops messages from any other run.
	RunID string
	// BatchWindow is how long a batch stays open after its first record.
	BatchWindow time.Duration
	// Timeout bounds the whole run; after it the run is reported failed even if the backend is still working.
	Timeout time.Duration
}

// Result summarizes a consumed run.
type Result struct {
	RunID   string
	Records int
	Batches int
}

// Consume delivers batches to onBatch until the end sentinel, the timeout, or ctx is done.
// Records received before a failure are always delivered. Consume takes nothing from Source past the
// end sentinel, so one Source can be consumed run after run.
func (c *Consumer) Consume(ctx context.Context, onBatch func(batch []*record.LayerRecord)) (*Result, error) {
	log := klog.FromContext(ctx)

	window := c.BatchWindow
	if window <= 0 {
		window = DefaultBatchWindow
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The reader fetches one message per request.
	requests := make(chan struct{}, 1)
	messages := make(chan Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-requests:
			case <-ctx.Done():
				return
			}
			m, err := c.Source.Next(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case messages <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	result := &Result{RunID: c.RunID}
	var batch []*record.LayerRecord
	var flushTimer *time.Timer
	var flushC <-chan time.Time
	flush := func() {
		if flushTimer != nil {
			flushTimer.Stop()
			flushTimer, flushC = nil, nil
		}
		if len(batch) == 0 {
			return
		}
		result.Batches++
		onBatch(batch)
		batch = nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	requests <- struct{}{}
	for {
		select {
		case m := <-messages:
			if c.RunID != "" && m.RunID != c.RunID {
				log.V(2).Info("dropping message from another run", "run", m.RunID)
				requests <- struct{}{}
				continue
			}
			if result.RunID == "" {
				result.RunID = m.RunID
			}
			if m.IsEnd() {
				flush()
				if m.Error != "" {
					return result, fmt.Errorf("%w: %s", ErrRunFailed, m.Error)
				}
				return result, nil
			}
			requests <- struct{}{}
			if m.Record == nil {
				continue
			}
			batch = append(batch, m.Record)
			result.Records++
			if flushTimer == nil {
				flushTimer = time.NewTimer(window)
				flushC = flushTimer.C
			}

		case <-flushC:
			flushTimer, flushC = nil, nil
			flush()

		case <-deadline.C:
			flush()
			log.Info("warning: run did not finish in time", "timeout", timeout, "records", result.Records)
			return result, ErrTimeoutExceeded

		case err := <-readErr:
			flush()
			return result, fmt.Errorf("reading stream: %w", err)
		}
	}
}
