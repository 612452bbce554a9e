package core

import (
	"fmt"

	"PerpRisk/internal/observability"

	lru "github.com/hashicorp/golang-lru"
)

// IdempotencyChecker implements two-tier deduplication of instruction keys.
// Tier 1 keeps the committed result in memory so a retry returns it unchanged;
// tier 2 only knows that a key was committed.
type IdempotencyChecker struct {
	// Tier 1: in-memory LRU, composite key -> committed result
	cache *lru.Cache

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(instruction string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) (*IdempotencyChecker, error) {
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("idempotency cache: %w", err)
	}
	return &IdempotencyChecker{
		cache:     cache,
		dbChecker: dbChecker,
		metrics:   metrics,
	}, nil
}

func compositeKey(instruction, idempotencyKey string) string {
	return instruction + ":" + idempotencyKey
}

// Lookup returns the committed result for a key. known is true when the key
// was committed; result is nil when only tier 2 remembers it.
func (ic *IdempotencyChecker) Lookup(instruction, idempotencyKey string) (result any, known bool) {
	if idempotencyKey == "" {
		return nil, false
	}
	key := compositeKey(instruction, idempotencyKey)

	// Tier 1: LRU check (hot path)
	if v, ok := ic.cache.Get(key); ok {
		ic.recordDuplicate(instruction, "lru")
		return v, true
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(instruction, idempotencyKey)
		if err != nil {
			// a failed lookup must not block the instruction
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
			return nil, false
		}
		if isDup {
			ic.recordDuplicate(instruction, "postgres")
			return nil, true
		}
	}

	return nil, false
}

// MarkProcessed remembers the committed result for a key.
func (ic *IdempotencyChecker) MarkProcessed(instruction, idempotencyKey string, result any) {
	if idempotencyKey == "" {
		return
	}
	ic.cache.Add(compositeKey(instruction, idempotencyKey), result)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.cache.Len()))
	}
}

// Warm loads recently committed keys (from Postgres on restart) into the LRU
// without results; a hit on them reports a duplicate with no cached result.
func (ic *IdempotencyChecker) Warm(instruction string, keys []string) {
	for _, k := range keys {
		ic.cache.ContainsOrAdd(compositeKey(instruction, k), nil)
	}
}

// Size returns current number of entries
func (ic *IdempotencyChecker) Size() int {
	return ic.cache.Len()
}

func (ic *IdempotencyChecker) recordDuplicate(instruction, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(instruction, tier).Inc()
	}
}
