// Package ledger hands concluded matches to the external ledger writer.
// Dispatch is fire-and-forget: callers never wait for the ledger.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"pongarena/broker/internal/logging"
)

// ErrClosed is returned by Close when in-flight writes outlive the deadline.
var ErrClosed = errors.New("ledger dispatcher closed")

// Record is the fixed argument tuple of recordMatch.
type Record struct {
	LogID      int64           `json:"logId"`
	Players    json.RawMessage `json:"players"`
	Room       json.RawMessage `json:"room"`
	FinalState json.RawMessage `json:"finalState"`
	MatchType  string          `json:"matchType"`
}

// NewRecord marshals the JSON parts of a record.
func NewRecord(logID int64, players, room, finalState any, matchType string) (Record, error) {
	rec := Record{LogID: logID, MatchType: matchType}
	var err error
	if rec.Players, err = json.Marshal(players); err != nil {
		return Record{}, err
	}
	if rec.Room, err = json.Marshal(room); err != nil {
		return Record{}, err
	}
	if rec.FinalState, err = json.Marshal(finalState); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Recorder writes one record and returns the ledger reference, if any.
type Recorder interface {
	RecordMatch(ctx context.Context, rec Record) (string, error)
}

// NopRecorder discards records.
type NopRecorder struct{}

// RecordMatch implements Recorder.
func (NopRecorder) RecordMatch(context.Context, Record) (string, error) { return "", nil }

// CompletionFunc observes a successful write.
type CompletionFunc func(ctx context.Context, logID int64, address string) error

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds each write.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithLogger overrides the dispatcher logger.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.log = logger
		}
	}
}

// WithCompletion stores the returned reference, typically on the game log.
func WithCompletion(fn CompletionFunc) Option {
	return func(d *Dispatcher) { d.onRecorded = fn }
}

// Dispatcher launches recorder calls on their own goroutines.
type Dispatcher struct {
	recorder   Recorder
	timeout    time.Duration
	log        *logging.Logger
	onRecorded CompletionFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher wraps recorder. A nil recorder discards everything.
func NewDispatcher(recorder Recorder, opts ...Option) *Dispatcher {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	d := &Dispatcher{recorder: recorder, timeout: 2 * time.Minute, log: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch starts the write and returns immediately.
func (d *Dispatcher) Dispatch(rec Record) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warn("ledger dispatch after close", logging.Int64("log_id", rec.LogID))
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		started := time.Now()
		address, err := d.recorder.RecordMatch(ctx, rec)
		if err != nil {
			d.log.Warn("ledger write failed", logging.Int64("log_id", rec.LogID), logging.Error(err))
			return
		}
		d.log.Info("ledger write finished",
			logging.Int64("log_id", rec.LogID),
			logging.String("address", address),
			logging.Duration("elapsed", time.Since(started)),
		)
		if address != "" && d.onRecorded != nil {
			if err := d.onRecorded(ctx, rec.LogID, address); err != nil {
				d.log.Warn("store ledger address", logging.Int64("log_id", rec.LogID), logging.Error(err))
			}
		}
	}()
}

// Close refuses new records and waits for in-flight ones until ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrClosed, ctx.Err())
	}
}
