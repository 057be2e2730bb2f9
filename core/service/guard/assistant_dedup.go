// Package guard implements the self-protecting admission layers of the
// inbound pipeline: deduplication, crash-loop detection and budget ceilings.
package guard

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"assistant_server/core/port/out"
)

const dedupKeyPrefix = "dedup:msg:"

// DedupCache gates message admission. Each admitted message ID leaves a
// marker in the shared store; redeliveries within the marker TTL are
// rejected. Marking happens before pipeline handoff so two near-simultaneous
// deliveries of the same ID cannot both be admitted.
type DedupCache struct {
	store out.KVStore
	ttl   time.Duration
	log   zerolog.Logger
}

// NewDedupCache creates a dedup cache. TTL should exceed plausible
// redelivery windows (hours) but must stay bounded.
func NewDedupCache(store out.KVStore, ttl time.Duration, log zerolog.Logger) *DedupCache {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &DedupCache{
		store: store,
		ttl:   ttl,
		log:   log.With().Str("component", "dedup").Logger(),
	}
}

// Admit returns true exactly once per message ID within the TTL window.
// The check-and-mark is a single atomic set-if-absent on the store.
//
// On store failure it fails closed: a dropped message will be redelivered
// by the at-least-once transport, a duplicate side effect would not be
// undone.
func (d *DedupCache) Admit(ctx context.Context, messageID string) bool {
	marker := []byte(time.Now().UTC().Format(time.RFC3339))

	created, err := d.store.SetNX(ctx, dedupKeyPrefix+messageID, marker, d.ttl)
	if err != nil {
		d.log.Error().Err(err).Str("message_id", messageID).
			Msg("dedup store unreachable, rejecting message for redelivery")
		return false
	}
	if !created {
		d.log.Debug().Str("message_id", messageID).Msg("duplicate delivery dropped")
	}
	return created
}
