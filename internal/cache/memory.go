package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nidhogg/tierflow/internal/embedding"
	"go.uber.org/zap"
)

// MemoryStore is an in-process Store for single-node deployments and
// tests. Entries are held fully constructed before publication, so readers
// never observe partial writes.
type MemoryStore struct {
	threshold float64
	mu        sync.RWMutex
	entries   map[string]*memoryEntry
	logger    *zap.Logger
}

type memoryEntry struct {
	embedding []float32
	response  string
	createdAt time.Time
	hits      atomic.Int64
}

// NewMemoryStore creates an empty in-memory cache with the given
// similarity threshold.
func NewMemoryStore(threshold float64, logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		threshold: threshold,
		entries:   make(map[string]*memoryEntry),
		logger:    logger,
	}
}

// Lookup scans stored embeddings for the nearest neighbour and returns it
// when similarity meets the threshold. Exact fingerprint matches win
// without a scan.
func (s *MemoryStore) Lookup(_ context.Context, fingerprint string, emb []float32) (*Entry, bool, error) {
	s.mu.RLock()

	var (
		bestFP    string
		bestEntry *memoryEntry
		bestScore float64
	)
	if e, ok := s.entries[fingerprint]; ok {
		bestFP, bestEntry, bestScore = fingerprint, e, 1.0
	} else {
		for fp, e := range s.entries {
			if score := embedding.Cosine(emb, e.embedding); score > bestScore {
				bestFP, bestEntry, bestScore = fp, e, score
			}
		}
	}
	s.mu.RUnlock()

	if bestEntry == nil || bestScore < s.threshold {
		return nil, false, nil
	}

	hits := bestEntry.hits.Add(1)
	s.logger.Debug("cache hit",
		zap.String("fingerprint", bestFP[:12]),
		zap.Float64("similarity", bestScore),
		zap.Int64("hits", hits))

	return &Entry{
		Fingerprint: bestFP,
		Embedding:   bestEntry.embedding,
		Response:    bestEntry.response,
		CreatedAt:   bestEntry.createdAt,
		HitCount:    hits,
	}, true, nil
}

// Put stores a query/response pair. The last writer for a fingerprint wins.
func (s *MemoryStore) Put(_ context.Context, fingerprint string, emb []float32, response string) error {
	entry := &memoryEntry{
		embedding: append([]float32(nil), emb...),
		response:  response,
		createdAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.entries[fingerprint] = entry
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
