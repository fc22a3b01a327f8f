package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HistoryWriter persists command records asynchronously so execution paths
// never block on the database. Records are dropped (with a warning) when the
// buffer is full rather than stalling a response.
type HistoryWriter struct {
	store Store
	ch    chan *CommandRecord
	wg    sync.WaitGroup
	done  chan struct{}
}

func NewHistoryWriter(store Store, bufferSize int) *HistoryWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &HistoryWriter{
		store: store,
		ch:    make(chan *CommandRecord, bufferSize),
		done:  make(chan struct{}),
	}
}

func (w *HistoryWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

func (w *HistoryWriter) Log(rec *CommandRecord) {
	select {
	case w.ch <- rec:
	default:
		log.Warn().
			Int64("assessment_id", rec.AssessmentID).
			Msg("history buffer full, dropping command record")
	}
}

// Flush stops the writer and drains buffered records, waiting at most timeout.
func (w *HistoryWriter) Flush(timeout time.Duration) {
	close(w.done)

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
		case rec := <-w.ch:
			w.writeWithRetry(rec)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case rec := <-w.ch:
					w.writeWithRetry(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *HistoryWriter) writeWithRetry(rec *CommandRecord) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.LogCommand(ctx, rec)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Int64("assessment_id", rec.AssessmentID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("history write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Int64("assessment_id", rec.AssessmentID).
				Msg("history write failed permanently after retries")
		}
	}
}
