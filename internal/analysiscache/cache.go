// Package analysiscache holds normalized analysis results keyed by image
// fingerprint for a bounded time. Entries are never served after they expire.
package analysiscache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/raine/food-vision/internal/nutrition"
)

// DefaultTTL is how long an analysis stays cached.
const DefaultTTL = 30 * time.Minute

var lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "analysis_cache_lookups_total",
	Help: "Analysis cache lookups by backend and result (hit, miss, expired).",
}, []string{"backend", "result"})

// Cache stores analysis results. Implementations are safe for concurrent use;
// concurrent Puts for one fingerprint are last-writer-wins.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (nutrition.Result, bool)
	Put(ctx context.Context, fingerprint string, result nutrition.Result)
	Evict(ctx context.Context, fingerprint string)
}

// Entry is one cached result. Entries are replaced wholesale, never mutated.
type Entry struct {
	Fingerprint string           `json:"fingerprint"`
	Payload     nutrition.Result `json:"payload"`
	CreatedAt   time.Time        `json:"createdAt"`
	ExpiresAt   time.Time        `json:"expiresAt"`
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}
