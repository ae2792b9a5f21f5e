package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type countingResolver struct {
	mu          sync.Mutex
	completes   int
	abandons    int
	completeErr error
}

func (r *countingResolver) Complete(ctx context.Context, info EntryInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completeErr != nil {
		return r.completeErr
	}
	r.completes++
	return nil
}

func (r *countingResolver) Abandon(ctx context.Context, info EntryInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandons++
	return nil
}

func TestEntryResolvesExactlyOnce(t *testing.T) {
	resolver := &countingResolver{}
	entry := NewEntry(EntryInfo{ID: "e-1", Attempts: 1}, "payload", resolver)

	if err := entry.Complete(context.Background()); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := entry.Complete(context.Background()); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved on second complete, got %v", err)
	}
	if err := entry.Abandon(context.Background()); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved on abandon after complete, got %v", err)
	}
	if resolver.completes != 1 || resolver.abandons != 0 {
		t.Fatalf("unexpected resolver calls: completes=%d abandons=%d", resolver.completes, resolver.abandons)
	}
	if !entry.IsCompleted() || entry.IsAbandoned() || !entry.IsResolved() {
		t.Fatal("unexpected entry state after complete")
	}
	if entry.ID() != "e-1" || entry.Value() != "payload" || entry.Attempts() != 1 {
		t.Fatal("unexpected entry accessors")
	}
}

func TestEntryFailedResolutionStaysPending(t *testing.T) {
	resolver := &countingResolver{completeErr: errors.New("backend down")}
	entry := NewEntry(EntryInfo{ID: "e-2"}, 1, resolver)

	if err := entry.Complete(context.Background()); err == nil {
		t.Fatal("expected complete error")
	}
	if entry.IsResolved() {
		t.Fatal("entry must stay pending after a failed resolution")
	}
	if err := entry.Abandon(context.Background()); err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}
	if !entry.IsAbandoned() {
		t.Fatal("expected abandoned entry")
	}
}

func TestEntryConcurrentResolution(t *testing.T) {
	resolver := &countingResolver{}
	entry := NewEntry(EntryInfo{ID: "e-3"}, struct{}{}, resolver)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = entry.Complete(context.Background())
			} else {
				_ = entry.Abandon(context.Background())
			}
		}(i)
	}
	wg.Wait()

	if total := resolver.completes + resolver.abandons; total != 1 {
		t.Fatalf("expected exactly one backend resolution, got %d", total)
	}
}

func TestJSONCodec(t *testing.T) {
	type payload struct {
		Invoice string `json:"invoice"`
	}
	codec := JSONCodec[payload]{}
	data, err := codec.Encode(payload{Invoice: "inv-1"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(data) != `{"invoice":"inv-1"}` {
		t.Fatalf("unexpected encoding %s", data)
	}
	if _, err := codec.Decode([]byte("{")); !errors.Is(err, ErrCodec) {
		t.Fatalf("expected ErrCodec, got %v", err)
	}
}

func TestStatsPending(t *testing.T) {
	if got := (Stats{Queued: 2, Working: 3, Deadletter: 7}).Pending(); got != 5 {
		t.Fatalf("Pending() = %d, want 5", got)
	}
}
