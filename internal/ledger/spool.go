package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alecgard/metergate/internal/call"
)

// BatchInserter is the interface used by Spool to persist outcomes.
// It exists to allow testing without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, outcomes []call.Outcome) error
}

// SpoolMetrics is an optional interface for reporting spool state.
type SpoolMetrics interface {
	SetSpoolSize(n int)
	IncSpoolFlush(status string)
}

// Spool holds outcomes whose synchronous append failed and retries them in
// batches until they are durable. Rows keep their original ids, so a retry
// that raced a late success is harmless. It is safe for concurrent use.
type Spool struct {
	store         BatchInserter
	buffer        []call.Outcome
	mu            sync.Mutex
	flushMu       sync.Mutex
	batchSize     int
	flushInterval time.Duration
	maxBuffered   int
	metrics       SpoolMetrics
	kick          chan struct{} // wakes Start when a batch is ready
	done          chan struct{}
	stopOnce      sync.Once
}

// NewSpool creates a Spool that flushes to store when the buffer reaches
// batchSize or every flushInterval, whichever comes first.
func NewSpool(store BatchInserter, batchSize int, flushInterval time.Duration) *Spool {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Spool{
		store:         store,
		buffer:        make([]call.Outcome, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		maxBuffered:   batchSize * 100,
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// SetMetrics sets the optional metrics recorder.
func (s *Spool) SetMetrics(m SpoolMetrics) {
	s.metrics = m
}

// Start flushes buffered outcomes on a timer. It blocks until Stop is called
// or the context is cancelled.
func (s *Spool) Start(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Flush()
		case <-s.kick:
			s.Flush()
		case <-ctx.Done():
			s.Flush()
			return
		case <-s.done:
			s.Flush()
			return
		}
	}
}

// Record queues an outcome for a durable retry. It never waits on the
// store: a full batch only wakes the Start loop.
func (s *Spool) Record(o call.Outcome) {
	s.mu.Lock()
	if len(s.buffer) >= s.maxBuffered {
		// Drop the oldest row rather than grow without bound while the
		// database is down.
		dropped := s.buffer[0]
		s.buffer = s.buffer[1:]
		slog.Error("ledger spool full, dropping outcome",
			"outcome_id", dropped.ID, "tenant_id", dropped.TenantID, "cost_micros", dropped.CostMicros)
	}
	s.buffer = append(s.buffer, o)
	n := len(s.buffer)
	shouldFlush := n >= s.batchSize
	s.mu.Unlock()

	s.reportSize(n)
	if shouldFlush {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of outcomes awaiting a durable write.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Flush drains the buffer and writes it to the store. A failed batch is put
// back at the front of the buffer for the next attempt.
func (s *Spool) Flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = make([]call.Outcome, 0, s.batchSize)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.store.BatchInsert(ctx, batch); err != nil {
		slog.Error("failed to flush ledger spool", "count", len(batch), "error", err)
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		n := len(s.buffer)
		s.mu.Unlock()
		s.reportFlush("error")
		s.reportSize(n)
		return
	}

	slog.Info("ledger spool flushed", "count", len(batch))
	s.reportFlush("success")
	s.reportSize(s.Len())
}

// Stop signals the background goroutine to exit and performs a final flush.
func (s *Spool) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Spool) reportSize(n int) {
	if s.metrics != nil {
		s.metrics.SetSpoolSize(n)
	}
}

func (s *Spool) reportFlush(status string) {
	if s.metrics != nil {
		s.metrics.IncSpoolFlush(status)
	}
}
