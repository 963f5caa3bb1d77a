// Durable retry queue in front of the provider registry.
//
// The queue exists for the deployments where delivery targets come and go:
// the merge service restarts, the spool volume remounts, the e-signature
// platform rate-limits. Enqueued requests are journaled before the first
// attempt, retried on a fixed delay, and settled in the journal once they
// deliver or exhaust their attempts. Reopening the queue replays the
// journal and resumes whatever was still outstanding, so a daemon restart
// never drops a finished document.

package delivery

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrQueueClosed rejects operations on a closed queue.
var ErrQueueClosed = errors.New("delivery: queue is closed")

// QueueConfig holds queue configuration.
type QueueConfig struct {
	// Path is the journal file backing the queue.
	Path string

	// Attempts is how many times a job is tried before it is marked
	// failed. Defaults to 3.
	Attempts int

	// RetryDelay is the wait between attempts. Defaults to 30s.
	RetryDelay time.Duration

	// OnReceipt is called for every settlement receipt, including the
	// per-provider receipts of a successful delivery.
	OnReceipt func(*Receipt)

	// OnError is called for journal trouble the queue survives, such as
	// a settlement record that could not be written.
	OnError func(error)
}

// Queue retries deliveries through a registry until they stick.
type Queue struct {
	reg      *Registry
	journal  *Journal
	attempts int
	delay    time.Duration

	onReceipt func(*Receipt)
	onError   func(error)

	mu      sync.Mutex
	pending []job
	closed  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type job struct {
	seq uint64
	req *Request
}

// NewQueue opens the journal, replays outstanding jobs and starts the
// delivery worker.
func NewQueue(reg *Registry, cfg QueueConfig) (*Queue, error) {
	journal, err := OpenJournal(cfg.Path)
	if err != nil {
		return nil, err
	}

	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		reg:       reg,
		journal:   journal,
		attempts:  attempts,
		delay:     delay,
		onReceipt: cfg.OnReceipt,
		onError:   cfg.OnError,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := q.recover(); err != nil {
		cancel()
		journal.Close()
		return nil, err
	}

	q.wg.Add(1)
	go q.worker()
	return q, nil
}

// recover rebuilds the pending set from the journal: queued records minus
// the ones a later settlement record resolves. The journal is compacted to
// just the survivors so it does not grow without bound.
func (q *Queue) recover() error {
	records, err := q.journal.Replay()
	if err != nil {
		return err
	}

	outstanding := make(map[uint64]Record)
	var order []uint64
	for _, rec := range records {
		switch rec.Type {
		case RecordQueued:
			outstanding[rec.Seq] = rec
			order = append(order, rec.Seq)
		case RecordDelivered, RecordFailed:
			if len(rec.Payload) == 8 {
				delete(outstanding, binary.BigEndian.Uint64(rec.Payload))
			}
		}
	}

	var keep []Record
	for _, seq := range order {
		rec, ok := outstanding[seq]
		if !ok {
			continue
		}
		var req Request
		if err := json.Unmarshal(rec.Payload, &req); err != nil {
			// A request this queue wrote should always decode; drop
			// records it cannot act on.
			continue
		}
		keep = append(keep, rec)
		q.pending = append(q.pending, job{seq: seq, req: &req})
	}

	if len(keep) != len(records) {
		if err := q.journal.Compact(keep); err != nil {
			return fmt.Errorf("compact journal: %w", err)
		}
	}
	return nil
}

// Enqueue journals a delivery request and returns a queued receipt. The
// actual delivery happens on the worker goroutine.
func (q *Queue) Enqueue(req *Request) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	seq, err := q.journal.Append(RecordQueued, payload)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	q.pending = append(q.pending, job{seq: seq, req: req})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return &Receipt{
		Provider:   "queue",
		DocumentID: req.DocumentID,
		Status:     StatusQueued,
		Detail:     fmt.Sprintf("delivery queued as job %d", seq),
		Timestamp:  time.Now().UTC(),
	}, nil
}

// Pending returns the number of jobs awaiting delivery.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		j, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}
		q.process(j)

		select {
		case <-q.ctx.Done():
			return
		default:
		}
	}
}

func (q *Queue) next() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return job{}, false
	}
	j := q.pending[0]
	q.pending = q.pending[1:]
	return j, true
}

// process tries a job until it delivers or runs out of attempts. A
// shutdown mid-job leaves the queued record unsettled, so the job is
// replayed when the queue reopens.
func (q *Queue) process(j job) {
	var lastErr error

	for attempt := 1; attempt <= q.attempts; attempt++ {
		receipts, err := q.reg.Deliver(q.ctx, j.req)
		if err == nil {
			q.settle(j.seq, RecordDelivered)
			for _, r := range receipts {
				q.emit(r)
			}
			return
		}
		lastErr = err

		if attempt < q.attempts {
			select {
			case <-time.After(q.delay):
			case <-q.ctx.Done():
				return
			}
		}
	}

	q.settle(j.seq, RecordFailed)
	q.emit(&Receipt{
		Provider:   "queue",
		DocumentID: j.req.DocumentID,
		Status:     StatusFailed,
		Detail:     fmt.Sprintf("gave up after %d attempts: %v", q.attempts, lastErr),
		Timestamp:  time.Now().UTC(),
	})
}

func (q *Queue) settle(seq uint64, rt RecordType) {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, seq)
	if _, err := q.journal.Append(rt, payload); err != nil {
		// The job outcome stands; a lost settlement record only means
		// the job is retried once more after a restart.
		if q.onError != nil {
			q.onError(fmt.Errorf("journal settlement for job %d: %w", seq, err))
		}
	}
}

func (q *Queue) emit(r *Receipt) {
	if q.onReceipt != nil {
		q.onReceipt(r)
	}
}

// Close stops the worker and closes the journal. Outstanding jobs stay
// journaled and resume when the queue is reopened.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return q.journal.Close()
}
