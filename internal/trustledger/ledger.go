package trustledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/aaron031291/grace-2-sub022/internal/signing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds ledger tuning.
type Config struct {
	// MaxRetries is how many times a failed store write is retried.
	MaxRetries int
	// RetryBackoff is the delay before the first retry; it doubles after each.
	RetryBackoff time.Duration
	// PageSize bounds how many entries a lazy read fetches per store call.
	PageSize int
}

// AppendRecordFunc is an optional callback invoked after every durable append.
type AppendRecordFunc func(e *LogEntry)

// Ledger is the single writer for one ledger instance. It owns the tail
// (next sequence number and last hash) and serialises every append through
// one critical section: read tail, compute entry, publish.
type Ledger struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	synced   bool
	nextSeq  int64
	lastHash string

	onAppend AppendRecordFunc
}

// New creates a Ledger on top of store.
func New(store Store, cfg Config, logger *zap.Logger) *Ledger {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 256
	}
	return &Ledger{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetAppendRecorder configures the post-append callback.
func (l *Ledger) SetAppendRecorder(fn AppendRecordFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAppend = fn
}

// Append canonicalises the payload, links a new entry to the tail and makes
// it durable. Store failures are retried with exponential backoff; when the
// retries are exhausted an *AppendFailure is returned and nothing is
// published.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (*LogEntry, error) {
	if req.TrustScore != nil && (*req.TrustScore < 0 || *req.TrustScore > 1) {
		return nil, ErrInvalidTrustScore
	}
	if req.EventType == "" {
		return nil, ErrEventTypeRequired
	}
	payload, err := signing.Canonicalize(req.Payload)
	if err != nil {
		return nil, &signing.EncodingError{Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	delay := l.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		entry, err := l.tryAppend(ctx, req, payload)
		if err == nil {
			if l.onAppend != nil {
				l.onAppend(entry)
			}
			l.logger.Debug("ledger entry appended",
				zap.Int64("seq", entry.Sequence),
				zap.String("event_type", entry.EventType),
				zap.String("actor", entry.Actor),
			)
			return entry.clone(), nil
		}
		if errors.Is(err, ErrSequenceConflict) {
			l.synced = false
		}
		if attempt > l.cfg.MaxRetries {
			return nil, &AppendFailure{Attempts: attempt, Err: err}
		}

		l.logger.Warn("ledger append failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, &AppendFailure{Attempts: attempt, Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// tryAppend performs one append attempt. Callers hold l.mu.
func (l *Ledger) tryAppend(ctx context.Context, req AppendRequest, payload []byte) (*LogEntry, error) {
	if !l.synced {
		if err := l.syncTail(ctx); err != nil {
			return nil, err
		}
	}

	entry := &LogEntry{
		EntryID:        uuid.NewString(),
		Sequence:       l.nextSeq,
		PrevHash:       l.lastHash,
		Timestamp:      l.now().UTC().Truncate(time.Microsecond),
		EventType:      req.EventType,
		Actor:          req.Actor,
		Resource:       req.Resource,
		Payload:        payload,
		TrustScore:     req.TrustScore,
		GovernanceTier: req.GovernanceTier,
	}
	entry.Hash = hashEntry(entry)

	if err := l.store.Append(ctx, entry); err != nil {
		return nil, err
	}
	l.nextSeq = entry.Sequence + 1
	l.lastHash = entry.Hash
	return entry, nil
}

// syncTail reloads the tail from the store. Callers hold l.mu.
func (l *Ledger) syncTail(ctx context.Context) error {
	tail, err := l.store.Tail(ctx)
	if err != nil {
		return fmt.Errorf("read ledger tail: %w", err)
	}
	if tail == nil {
		l.nextSeq, l.lastHash = 0, GenesisHash
	} else {
		l.nextSeq, l.lastHash = tail.Sequence+1, tail.Hash
	}
	l.synced = true
	return nil
}

// ReadRange returns a lazy, ordered iterator over entries start..end
// inclusive. Each range over the iterator restarts from start. Entries past
// the current tail are simply absent.
func (l *Ledger) ReadRange(ctx context.Context, start, end int64) (iter.Seq2[*LogEntry, error], error) {
	if start < 0 || end < start {
		return nil, &RangeError{Start: start, End: end}
	}
	return func(yield func(*LogEntry, error) bool) {
		next := start
		for next <= end {
			limit := int(min(int64(l.cfg.PageSize), end-next+1))
			page, err := l.store.Range(ctx, next, limit)
			if err != nil {
				yield(nil, fmt.Errorf("read ledger range from %d: %w", next, err))
				return
			}
			if len(page) == 0 {
				return
			}
			for _, e := range page {
				if e.Sequence > end {
					return
				}
				if !yield(e, nil) {
					return
				}
				next = e.Sequence + 1
			}
		}
	}, nil
}

// Collect drains a ReadRange iterator into a slice.
func Collect(entries iter.Seq2[*LogEntry, error]) ([]*LogEntry, error) {
	var out []*LogEntry
	for e, err := range entries {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Get returns the entry at seq.
func (l *Ledger) Get(ctx context.Context, seq int64) (*LogEntry, error) {
	if seq < 0 {
		return nil, &RangeError{Start: seq, End: seq}
	}
	return l.store.Get(ctx, seq)
}

// Len returns the number of entries in the ledger.
func (l *Ledger) Len(ctx context.Context) (int64, error) {
	tail, err := l.store.Tail(ctx)
	if err != nil {
		return 0, fmt.Errorf("read ledger tail: %w", err)
	}
	if tail == nil {
		return 0, nil
	}
	return tail.Sequence + 1, nil
}

// Root returns the hash of the most recent entry, or GenesisHash when empty.
func (l *Ledger) Root(ctx context.Context) (string, error) {
	tail, err := l.store.Tail(ctx)
	if err != nil {
		return "", fmt.Errorf("read ledger tail: %w", err)
	}
	if tail == nil {
		return GenesisHash, nil
	}
	return tail.Hash, nil
}
