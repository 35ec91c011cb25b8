package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Sink persists execution records.
type Sink interface {
	LogExecution(ctx context.Context, exec *Execution) error
}

// Reader queries execution records.
type Reader interface {
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)
}

// HistoryWriter writes execution records off the request path with retry.
type HistoryWriter struct {
	sinks   []Sink
	ch      chan *Execution
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
	backoff time.Duration
	onDrop  func()
}

// NewHistoryWriter fans every record out to each sink. onDrop, when set, is
// called for each record that could not be written.
func NewHistoryWriter(bufferSize int, onDrop func(), sinks ...Sink) *HistoryWriter {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	return &HistoryWriter{
		sinks:   sinks,
		ch:      make(chan *Execution, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
		onDrop:  onDrop,
	}
}

func (w *HistoryWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log queues exec without blocking. Records are dropped when the buffer is
// full or the writer has been flushed.
func (w *HistoryWriter) Log(exec *Execution) {
	select {
	case <-w.done:
		w.drop(exec, "history writer closed, dropping record")
		return
	default:
	}
	select {
	case w.ch <- exec:
	default:
		w.drop(exec, "history buffer full, dropping record")
	}
}

// Flush stops the writer after draining queued records, waiting at most timeout.
func (w *HistoryWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("history writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("history writer flush timed out")
	}
}

func (w *HistoryWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case exec := <-w.ch:
			w.write(exec)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case exec := <-w.ch:
					w.write(exec)
				default:
					return
				}
			}
		}
	}
}

func (w *HistoryWriter) write(exec *Execution) {
	for _, sink := range w.sinks {
		if !w.writeWithRetry(sink, exec) {
			w.drop(exec, "")
		}
	}
}

func (w *HistoryWriter) writeWithRetry(sink Sink, exec *Execution) bool {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := sink.LogExecution(ctx, exec)
		cancel()

		if err == nil {
			return true
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("exec_id", exec.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("history write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("exec_id", exec.ID).
				Msg("history write failed permanently after retries")
		}
	}
	return false
}

func (w *HistoryWriter) drop(exec *Execution, msg string) {
	if msg != "" {
		log.Warn().Str("exec_id", exec.ID).Msg(msg)
	}
	if w.onDrop != nil {
		w.onDrop()
	}
}
