// Package classification implements the ensemble intent classifier, its
// result cache and the deterministic keyword fallback.
package classification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"assistant_server/core/domain"
	"assistant_server/core/port/out"
)

const classCacheKeyPrefix = "classify:result:"

// ResultCache memoizes classification results for semantically identical
// inputs. The key is bounded by calendar day and caller timezone so that
// time-relative phrasing ("tomorrow") is never served across a day
// boundary.
type ResultCache struct {
	store         out.KVStore
	ttl           time.Duration
	minConfidence float64
	log           zerolog.Logger
}

// NewResultCache creates a classification result cache. Only results at or
// above minConfidence are written.
func NewResultCache(store out.KVStore, ttl time.Duration, minConfidence float64, log zerolog.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &ResultCache{
		store:         store,
		ttl:           ttl,
		minConfidence: minConfidence,
		log:           log.With().Str("component", "class_cache").Logger(),
	}
}

// Key derives the deterministic cache key from normalized text, the
// calendar day in the caller's timezone and the timezone name itself.
func (c *ResultCache) Key(text string, loc *time.Location, now time.Time) string {
	day := now.In(loc).Format("2006-01-02")
	h := sha256.New()
	h.Write([]byte(normalizeText(text)))
	h.Write([]byte{'|'})
	h.Write([]byte(day))
	h.Write([]byte{'|'})
	h.Write([]byte(loc.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached result for a key, if any. Lookups never block
// message processing: on any store problem the caller proceeds to
// computation.
func (c *ResultCache) Get(ctx context.Context, key string) (*domain.ClassificationResult, bool) {
	data, err := c.store.Get(ctx, classCacheKeyPrefix+key)
	if err != nil {
		if err != out.ErrNotFound {
			c.log.Warn().Err(err).Msg("classification cache lookup failed")
		}
		return nil, false
	}

	var res domain.ClassificationResult
	if err := json.Unmarshal(data, &res); err != nil {
		c.log.Warn().Err(err).Msg("corrupt classification cache entry dropped")
		_ = c.store.Delete(ctx, classCacheKeyPrefix+key)
		return nil, false
	}
	res.Source = domain.SourceCache
	return &res, true
}

// Put stores a result if it clears the confidence floor. Degraded results
// are never cached; they should be recomputed once the degradation clears.
func (c *ResultCache) Put(ctx context.Context, key string, res *domain.ClassificationResult) {
	if res == nil || res.Degraded || res.Confidence < c.minConfidence {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, classCacheKeyPrefix+key, data, c.ttl); err != nil {
		c.log.Warn().Err(err).Msg("classification cache write failed")
	}
}

// normalizeText lowercases and collapses whitespace so trivially different
// phrasings of the same question share a key.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
