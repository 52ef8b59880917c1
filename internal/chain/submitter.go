package chain

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/dexloom/lloom/internal/store"
)

// Submitter defaults per the protocol.
const (
	DefaultBatchSize     = 10
	DefaultBatchInterval = 300 * time.Second
	DefaultMaxRetries    = 5

	retryBackoffBase = 10 * time.Second
	retryBackoffMax  = 10 * time.Minute
)

// UsageSubmitter is the chain surface the submitter drives. Satisfied by
// *Client; narrowed so tests can fake it.
type UsageSubmitter interface {
	SubmitUsage(ctx context.Context, rec store.UsageRecord) (common.Hash, error)
}

// Submitter is the single long-running task that drains the durable usage
// queue onto the chain. Records leave the queue only after a confirmed
// submission or after dead-lettering with operator-visible evidence.
type Submitter struct {
	chain      UsageSubmitter
	queue      *store.UsageQueue
	deadLetter *store.DeadLetterLog
	log        *zap.Logger

	batchSize  int
	interval   time.Duration
	maxRetries int

	backoffBase time.Duration
	backoffMax  time.Duration

	wake chan struct{}

	// retry state, owned by the Run goroutine
	attempts map[uint64]int
	notDue   map[uint64]time.Time
}

// NewSubmitter wires the submitter to its queue and dead-letter log.
func NewSubmitter(chain UsageSubmitter, queue *store.UsageQueue, dlq *store.DeadLetterLog, batchSize int, interval time.Duration, maxRetries int, log *zap.Logger) *Submitter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if interval <= 0 {
		interval = DefaultBatchInterval
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Submitter{
		chain:       chain,
		queue:       queue,
		deadLetter:  dlq,
		log:         log,
		batchSize:   batchSize,
		interval:    interval,
		maxRetries:  maxRetries,
		backoffBase: retryBackoffBase,
		backoffMax:  retryBackoffMax,
		wake:        make(chan struct{}, 1),
		attempts:    make(map[uint64]int),
		notDue:      make(map[uint64]time.Time),
	}
}

// Notify nudges the submitter after an enqueue; callers invoke it when the
// queue depth reaches the batch threshold. Non-blocking.
func (s *Submitter) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the batch loop until ctx is cancelled, then makes one final
// flush pass so shutdown does not strand confirmable records.
func (s *Submitter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("submitter started",
		zap.Int("batch_size", s.batchSize),
		zap.Duration("interval", s.interval),
	)

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s.processBatch(flushCtx)
			cancel()
			s.log.Info("submitter stopped", zap.Int("pending", s.queue.Len()))
			return
		case <-ticker.C:
			s.processBatch(ctx)
		case <-s.wake:
			if s.queue.Len() >= s.batchSize {
				s.processBatch(ctx)
			}
		}
	}
}

// processBatch takes up to batchSize due records in enqueue order and
// submits them one by one. Within a batch, order is preserved; records
// parked for retry re-enter later batches.
func (s *Submitter) processBatch(ctx context.Context) {
	batch := s.queue.Peek(s.batchSize + len(s.notDue))
	if len(batch) == 0 {
		return
	}

	now := time.Now()
	submitted := 0
	for _, q := range batch {
		if submitted >= s.batchSize {
			break
		}
		if due, parked := s.notDue[q.Seq]; parked && now.Before(due) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		submitted++
		s.submitOne(ctx, q)
	}
}

func (s *Submitter) submitOne(ctx context.Context, q store.Queued) {
	txHash, err := s.chain.SubmitUsage(ctx, q.Record)
	switch {
	case err == nil:
		s.confirm(q, txHash, "confirmed")

	case errors.Is(err, ErrNonceConsumed):
		// Already settled on-chain (duplicate submission); success for dedup.
		s.confirm(q, txHash, "already settled")

	default:
		s.attempts[q.Seq]++
		n := s.attempts[q.Seq]
		if n > s.maxRetries {
			s.deadLetterRecord(q, err, n)
			return
		}
		backoff := s.backoffBase << (n - 1)
		if backoff > s.backoffMax {
			backoff = s.backoffMax
		}
		s.notDue[q.Seq] = time.Now().Add(backoff)
		s.log.Warn("submission failed, retry scheduled",
			zap.String("client", q.Record.Client.Hex()),
			zap.Uint64("nonce", q.Record.Request.Nonce),
			zap.Int("attempt", n),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
	}
}

func (s *Submitter) confirm(q store.Queued, txHash common.Hash, outcome string) {
	if err := s.queue.Ack(q.Seq); err != nil {
		// The record will be re-submitted after restart and deduped by the
		// contract nonce; losing the ack is safe, losing the record is not.
		s.log.Error("ack failed after confirmation", zap.Uint64("seq", q.Seq), zap.Error(err))
	}
	delete(s.attempts, q.Seq)
	delete(s.notDue, q.Seq)
	s.log.Info("usage record "+outcome,
		zap.String("tx", txHash.Hex()),
		zap.String("client", q.Record.Client.Hex()),
		zap.Uint64("nonce", q.Record.Request.Nonce),
		zap.String("total_cost", q.Record.TotalCost.String()),
	)
}

func (s *Submitter) deadLetterRecord(q store.Queued, cause error, attempts int) {
	if err := s.deadLetter.Append(q.Record, cause.Error(), attempts); err != nil {
		// Cannot evidence the failure; keep the record queued rather than
		// drop it silently.
		s.log.Error("dead-letter append failed, record stays queued",
			zap.Uint64("seq", q.Seq), zap.Error(err))
		return
	}
	if err := s.queue.Ack(q.Seq); err != nil {
		s.log.Error("ack failed after dead-letter", zap.Uint64("seq", q.Seq), zap.Error(err))
	}
	delete(s.attempts, q.Seq)
	delete(s.notDue, q.Seq)
	s.log.Error("usage record dead-lettered — operator action required",
		zap.String("client", q.Record.Client.Hex()),
		zap.Uint64("nonce", q.Record.Request.Nonce),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
}
