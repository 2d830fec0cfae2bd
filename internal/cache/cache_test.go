package cache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestFingerprintNormalization(t *testing.T) {
	a := Fingerprint("What is   the capital of France?")
	b := Fingerprint("what is the CAPITAL of france?")
	if a != b {
		t.Errorf("normalized queries should share a fingerprint: %s != %s", a, b)
	}
	c := Fingerprint("what is the capital of germany?")
	if a == c {
		t.Error("distinct queries should not collide")
	}
}

func TestCacheable(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"What is the capital of France?", true},
		{"Explain the CAP theorem", true},
		{"write a function to reverse a list", false},
		{"please fix the bug in handler.go", false},
		{"refactor this module", false},
		{"look at project config.yaml and summarize", false},
		{"/halt", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := Cacheable(tt.query); got != tt.want {
				t.Errorf("Cacheable(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

// vectorWithSimilarity builds a unit vector whose cosine similarity to the
// unit x-axis vector is exactly sim.
func vectorWithSimilarity(sim float64) []float32 {
	y := math.Sqrt(1 - sim*sim)
	return []float32{float32(sim), float32(y), 0}
}

func TestMemoryStoreThresholdBoundary(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0.95, zap.NewNop())

	base := []float32{1, 0, 0}
	if err := store.Put(ctx, Fingerprint("stored query"), base, "stored answer"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	tests := []struct {
		name    string
		sim     float64
		wantHit bool
	}{
		{"exactly at threshold", 0.95, true},
		{"just below threshold", 0.9499, false},
		{"well above threshold", 0.99, true},
		{"well below threshold", 0.5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := vectorWithSimilarity(tt.sim)
			_, hit, err := store.Lookup(ctx, Fingerprint("probe"), probe)
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if hit != tt.wantHit {
				t.Errorf("similarity %.4f: hit = %v, want %v", tt.sim, hit, tt.wantHit)
			}
		})
	}
}

func TestMemoryStoreExactFingerprintBypass(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0.95, zap.NewNop())

	fp := Fingerprint("identical query")
	if err := store.Put(ctx, fp, []float32{1, 0, 0}, "answer"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Even a garbage embedding hits when the fingerprint matches exactly.
	entry, hit, err := store.Lookup(ctx, fp, []float32{0, 1, 0})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !hit {
		t.Fatal("exact fingerprint should hit regardless of embedding")
	}
	if entry.Response != "answer" {
		t.Errorf("Response = %q, want %q", entry.Response, "answer")
	}
}

func TestMemoryStoreHitCountIncrements(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0.95, zap.NewNop())

	fp := Fingerprint("counted query")
	if err := store.Put(ctx, fp, []float32{1, 0, 0}, "answer"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	for want := int64(1); want <= 3; want++ {
		entry, hit, err := store.Lookup(ctx, fp, []float32{1, 0, 0})
		if err != nil || !hit {
			t.Fatalf("Lookup %d: hit=%v err=%v", want, hit, err)
		}
		if entry.HitCount != want {
			t.Errorf("HitCount = %d, want %d", entry.HitCount, want)
		}
	}
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0.95, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			fp := Fingerprint(fmt.Sprintf("query %d", n%4))
			emb := []float32{float32(n%4 + 1), 0, 0}
			if err := store.Put(ctx, fp, emb, fmt.Sprintf("answer %d", n)); err != nil {
				t.Errorf("Put: %v", err)
			}
			if _, _, err := store.Lookup(ctx, fp, emb); err != nil {
				t.Errorf("Lookup: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := store.Len(); got != 4 {
		t.Errorf("Len = %d, want 4", got)
	}
}

func TestMemoryStoreMissOnEmpty(t *testing.T) {
	store := NewMemoryStore(0.95, zap.NewNop())
	_, hit, err := store.Lookup(context.Background(), Fingerprint("anything"), []float32{1, 0, 0})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit {
		t.Error("empty store should never hit")
	}
}
