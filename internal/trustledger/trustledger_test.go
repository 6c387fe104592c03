package trustledger_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aaron031291/grace-2-sub022/internal/trustledger"
	"go.uber.org/zap"
)

var ctx = context.Background()

func newLedger(store trustledger.Store) *trustledger.Ledger {
	return trustledger.New(store, trustledger.Config{RetryBackoff: time.Millisecond, PageSize: 2}, zap.NewNop())
}

func appendN(t *testing.T, l *trustledger.Ledger, n int) []*trustledger.LogEntry {
	t.Helper()
	out := make([]*trustledger.LogEntry, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(ctx, trustledger.AppendRequest{
			EventType: "task_executed",
			Actor:     "worker",
			Resource:  "queue/default",
			Payload:   map[string]any{"i": i},
		})
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, e)
	}
	return out
}

func TestAppend_firstEntryChainsFromGenesis(t *testing.T) {
	l := newLedger(trustledger.NewMemoryStore())

	e, err := l.Append(ctx, trustledger.AppendRequest{EventType: "boot", Actor: "system"})
	if err != nil {
		t.Fatal(err)
	}
	if e.Sequence != 0 {
		t.Errorf("first sequence: got %d, want 0", e.Sequence)
	}
	if e.PrevHash != trustledger.GenesisHash {
		t.Errorf("first prev_hash: got %q, want GenesisHash", e.PrevHash)
	}
	if e.EntryID == "" || len(e.Hash) != 64 {
		t.Errorf("entry not fully populated: %+v", e)
	}
	if string(e.Payload) != "null" {
		t.Errorf("nil payload: got %s, want null", e.Payload)
	}
}

func TestAppend_concurrentSequencesAreContiguous(t *testing.T) {
	l := newLedger(trustledger.NewMemoryStore())
	const n = 200

	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := l.Append(ctx, trustledger.AppendRequest{
				EventType: "task_executed",
				Actor:     "worker",
				Payload:   map[string]int{"i": i},
			})
			if err != nil {
				t.Error(err)
				return
			}
			seqs <- e.Sequence
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool, n)
	for s := range seqs {
		if seen[s] {
			t.Fatalf("duplicate sequence %d", s)
		}
		seen[s] = true
	}
	for i := int64(0); i < n; i++ {
		if !seen[i] {
			t.Errorf("sequence %d missing", i)
		}
	}

	res, err := l.VerifyChain(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ChainIntegrity || res.VerifiedEntries != n {
		t.Errorf("chain after concurrent appends: %+v", res)
	}
}

func TestAppend_rejectsTrustScoreOutOfRange(t *testing.T) {
	l := newLedger(trustledger.NewMemoryStore())
	bad := 1.5
	_, err := l.Append(ctx, trustledger.AppendRequest{EventType: "x", TrustScore: &bad})
	if !errors.Is(err, trustledger.ErrInvalidTrustScore) {
		t.Errorf("expected ErrInvalidTrustScore, got %v", err)
	}
}

func TestAppend_payloadIsCanonical(t *testing.T) {
	l := newLedger(trustledger.NewMemoryStore())
	e, err := l.Append(ctx, trustledger.AppendRequest{
		EventType: "consent_granted",
		Payload:   map[string]any{"scope": "email", "granted": true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"granted":true,"scope":"email"}`; string(e.Payload) != want {
		t.Errorf("payload: got %s, want %s", e.Payload, want)
	}
}

func TestVerifyChain_emptyLedger(t *testing.T) {
	l := newLedger(trustledger.NewMemoryStore())
	res, err := l.VerifyChain(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ChainIntegrity || res.TotalEntries != 0 || len(res.Issues) != 0 {
		t.Errorf("empty ledger: %+v", res)
	}
}

func TestVerifyChain_fromMidChain(t *testing.T) {
	l := newLedger(trustledger.NewMemoryStore())
	appendN(t, l, 5)

	res, err := l.VerifyChain(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ChainIntegrity || res.TotalEntries != 2 || res.ToSequence != 4 {
		t.Errorf("partial verify: %+v", res)
	}

	if _, err := l.VerifyChain(ctx, -1); err == nil {
		t.Error("expected RangeError for negative start")
	}
}

func TestReadRange_errors(t *testing.T) {
	l := newLedger(trustledger.NewMemoryStore())
	cases := []struct{ start, end int64 }{{-1, 3}, {5, 4}}
	for _, c := range cases {
		_, err := l.ReadRange(ctx, c.start, c.end)
		var rangeErr *trustledger.RangeError
		if !errors.As(err, &rangeErr) {
			t.Errorf("ReadRange(%d, %d): expected *RangeError, got %v", c.start, c.end, err)
		}
	}
}

func TestReadRange_lazyAndRestartable(t *testing.T) {
	l := newLedger(trustledger.NewMemoryStore())
	appendN(t, l, 5)

	seq, err := l.ReadRange(ctx, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	for pass := 0; pass < 2; pass++ {
		got, err := trustledger.Collect(seq)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 || got[0].Sequence != 1 || got[2].Sequence != 3 {
			t.Errorf("pass %d: unexpected entries %v", pass, got)
		}
	}

	// Stopping early must not read further.
	for e, err := range seq {
		if err != nil {
			t.Fatal(err)
		}
		if e.Sequence != 1 {
			t.Errorf("first entry: got %d, want 1", e.Sequence)
		}
		break
	}

	// A range past the tail yields only existing entries.
	past, _ := l.ReadRange(ctx, 3, 100)
	got, err := trustledger.Collect(past)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("range past tail: got %d entries, want 2", len(got))
	}
}

func TestEndToEnd_threeEvents(t *testing.T) {
	l := newLedger(trustledger.NewMemoryStore())
	events := []string{"boot", "consent_granted", "task_executed"}
	for _, ev := range events {
		if _, err := l.Append(ctx, trustledger.AppendRequest{EventType: ev, Actor: "system"}); err != nil {
			t.Fatal(err)
		}
	}

	seq, err := l.ReadRange(ctx, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	got, err := trustledger.Collect(seq)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	prev := trustledger.GenesisHash
	for i, e := range got {
		if e.EventType != events[i] {
			t.Errorf("entry %d: event %q, want %q", i, e.EventType, events[i])
		}
		if e.PrevHash != prev {
			t.Errorf("entry %d: prev_hash not linked", i)
		}
		prev = e.Hash
	}

	res, err := l.VerifyChain(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.VerifiedEntries != 3 || !res.ChainIntegrity {
		t.Errorf("verify: %+v", res)
	}

	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != got[2].Hash {
		t.Errorf("Root(): got %q, want %q", root, got[2].Hash)
	}
	if n, _ := l.Len(ctx); n != 3 {
		t.Errorf("Len(): got %d, want 3", n)
	}
}

// flakyStore fails the first failures Append calls.
type flakyStore struct {
	*trustledger.MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) Append(ctx context.Context, e *trustledger.LogEntry) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("disk unavailable")
	}
	return s.MemoryStore.Append(ctx, e)
}

func TestAppend_retriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: trustledger.NewMemoryStore(), failures: 2}
	l := newLedger(store)

	e, err := l.Append(ctx, trustledger.AppendRequest{EventType: "boot"})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if e.Sequence != 0 || store.calls != 3 {
		t.Errorf("seq=%d calls=%d", e.Sequence, store.calls)
	}
}

func TestAppend_exhaustedRetriesReturnAppendFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: trustledger.NewMemoryStore(), failures: 100}
	l := trustledger.New(store, trustledger.Config{MaxRetries: 2, RetryBackoff: time.Millisecond}, zap.NewNop())

	_, err := l.Append(ctx, trustledger.AppendRequest{EventType: "boot"})
	var failure *trustledger.AppendFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *AppendFailure, got %v", err)
	}
	if failure.Attempts != 3 {
		t.Errorf("attempts: got %d, want 3", failure.Attempts)
	}
	if n, _ := l.Len(ctx); n != 0 {
		t.Errorf("failed append left %d entries", n)
	}
}

func TestAppend_resyncsAfterForeignWriter(t *testing.T) {
	store := trustledger.NewMemoryStore()
	a := newLedger(store)
	b := newLedger(store)

	// Interleave two writers so each holds a stale tail at least once.
	appendN(t, a, 2)
	appendN(t, b, 1)
	appendN(t, a, 1)

	e, err := b.Append(ctx, trustledger.AppendRequest{EventType: "late"})
	if err != nil {
		t.Fatal(err)
	}
	if e.Sequence != 4 {
		t.Errorf("resynced sequence: got %d, want 4", e.Sequence)
	}
	res, err := a.VerifyChain(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ChainIntegrity {
		t.Errorf("chain broken after resync: %+v", res.Issues)
	}
}

func TestFileStore_survivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger", "entries.jsonl")
	store, err := trustledger.OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	entries := appendN(t, newLedger(store), 3)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := trustledger.OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	l := newLedger(reopened)

	e, err := l.Append(ctx, trustledger.AppendRequest{EventType: "boot", Payload: map[string]string{"html": "<b>&</b>"}})
	if err != nil {
		t.Fatal(err)
	}
	if e.Sequence != 3 || e.PrevHash != entries[2].Hash {
		t.Errorf("append after reopen: seq=%d prev=%q", e.Sequence, e.PrevHash)
	}
	res, err := l.VerifyChain(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ChainIntegrity || res.VerifiedEntries != 4 {
		t.Errorf("verify after reopen: %+v", res)
	}
}

func TestSQLiteStore_roundTrip(t *testing.T) {
	store, err := trustledger.OpenSQLiteStore(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	l := newLedger(store)
	score := 0.75
	first, err := l.Append(ctx, trustledger.AppendRequest{
		EventType: "consent_granted", Actor: "user-1", TrustScore: &score, GovernanceTier: "tier-2",
	})
	if err != nil {
		t.Fatal(err)
	}
	appendN(t, l, 2)

	got, err := l.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Hash != first.Hash || got.TrustScore == nil || *got.TrustScore != score || got.GovernanceTier != "tier-2" {
		t.Errorf("stored entry differs: %+v", got)
	}
	if !got.Timestamp.Equal(first.Timestamp) {
		t.Errorf("timestamp: got %v, want %v", got.Timestamp, first.Timestamp)
	}

	res, err := l.VerifyChain(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ChainIntegrity || res.VerifiedEntries != 3 {
		t.Errorf("verify: %+v", res)
	}

	if _, err := l.Get(ctx, 42); !errors.Is(err, trustledger.ErrNotFound) {
		t.Errorf("Get past tail: expected ErrNotFound, got %v", err)
	}
}

// midScanStore runs onRange once, before the first page is read.
type midScanStore struct {
	trustledger.Store
	once    sync.Once
	onRange func()
}

func (s *midScanStore) Range(ctx context.Context, from int64, limit int) ([]*trustledger.LogEntry, error) {
	s.once.Do(s.onRange)
	return s.Store.Range(ctx, from, limit)
}

func TestVerifyChain_boundedToTailAtStart(t *testing.T) {
	store := &midScanStore{Store: trustledger.NewMemoryStore()}
	l := newLedger(store)
	appendN(t, l, 4)

	store.onRange = func() { appendN(t, l, 5) }

	res, err := l.VerifyChain(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.ToSequence != 3 || res.TotalEntries != 4 || res.VerifiedEntries != 4 {
		t.Errorf("scan left the captured tail: %+v", res)
	}
	if !res.ChainIntegrity {
		t.Errorf("issues: %+v", res.Issues)
	}
	if n, _ := l.Len(ctx); n != 9 {
		t.Errorf("appends during verification: len %d, want 9", n)
	}
}

func TestVerifyChain_concurrentWithAppends(t *testing.T) {
	l := newLedger(trustledger.NewMemoryStore())
	appendN(t, l, 3)

	stop := make(chan struct{})
	var (
		wg       sync.WaitGroup
		appended atomic.Int64
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := l.Append(ctx, trustledger.AppendRequest{EventType: "task_executed", Actor: "worker"}); err != nil {
					t.Error(err)
					return
				}
				appended.Add(1)
			}
		}()
	}

	for i := 0; i < 20; i++ {
		before, err := l.Len(ctx)
		if err != nil {
			t.Fatal(err)
		}
		res, err := l.VerifyChain(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		after, err := l.Len(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if res.ToSequence < before-1 || res.ToSequence > after-1 {
			t.Errorf("run %d: to_sequence %d outside [%d, %d]", i, res.ToSequence, before-1, after-1)
		}
		if !res.ChainIntegrity || res.TotalEntries != res.ToSequence+1 || res.VerifiedEntries != res.TotalEntries {
			t.Errorf("run %d: %+v", i, res)
		}
	}
	close(stop)
	wg.Wait()

	if n, _ := l.Len(ctx); n != 3+appended.Load() {
		t.Errorf("len %d, want %d", n, 3+appended.Load())
	}
}

func TestFileStore_discardsTornFinalLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.jsonl")
	store, err := trustledger.OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	entries := appendN(t, newLedger(store), 3)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	// A crash mid-write leaves half a line without its newline.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"entry_id":"torn","sequence_number":3,"prev_h`); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := trustledger.OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen with torn line: %v", err)
	}
	defer reopened.Close()

	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if after.Size() != info.Size() {
		t.Errorf("torn line not truncated: size %d, want %d", after.Size(), info.Size())
	}
	l := newLedger(reopened)
	if n, _ := l.Len(ctx); n != 3 {
		t.Fatalf("len after reopen: got %d, want 3", n)
	}
	e, err := l.Append(ctx, trustledger.AppendRequest{EventType: "boot"})
	if err != nil {
		t.Fatal(err)
	}
	if e.Sequence != 3 || e.PrevHash != entries[2].Hash {
		t.Errorf("append after truncation: seq=%d prev=%q", e.Sequence, e.PrevHash)
	}
	res, err := l.VerifyChain(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ChainIntegrity || res.VerifiedEntries != 4 {
		t.Errorf("verify after truncation: %+v", res)
	}
}
