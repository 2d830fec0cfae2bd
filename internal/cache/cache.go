package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

// Entry is a stored query/response pair. Entries are append-only: nothing
// mutates after creation except the hit counter.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Embedding   []float32 `json:"-"`
	Response    string    `json:"response"`
	CreatedAt   time.Time `json:"created_at"`
	HitCount    int64     `json:"hit_count"`
}

// Store is the semantic response cache shared by all sessions.
//
// Lookup returns an entry only when some stored embedding has cosine
// similarity at or above the store's threshold; a hit increments the
// entry's hit counter. Put is append-only and atomic from the reader's
// perspective; concurrent writes for one fingerprint are last-writer-wins.
type Store interface {
	Lookup(ctx context.Context, fingerprint string, embedding []float32) (*Entry, bool, error)
	Put(ctx context.Context, fingerprint string, embedding []float32, response string) error
}

// Fingerprint returns the content hash of a normalized query.
func Fingerprint(query string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Dynamic requests never hit the cache: their answers depend on state the
// cache cannot see (files, code under edit, CLI side effects).
var nonCacheablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(code|implement|write|debug|fix|refactor)`),
	regexp.MustCompile(`(?i)(file|project).*\.(py|go|ts|js|yaml|json|md)`),
	regexp.MustCompile(`^/`),
}

// Cacheable reports whether a query is eligible for cache lookup/storage.
func Cacheable(query string) bool {
	for _, re := range nonCacheablePatterns {
		if re.MatchString(query) {
			return false
		}
	}
	return true
}
