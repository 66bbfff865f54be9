package usecase

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phenrril/ecomcore/internal/domain"
)

const (
	keyCategoryTree        = "category_tree_full"
	keyCategoryRoots       = "category_roots"
	keyCategoryDescendants = "category_descendants_"
	keyProductDetail       = "product_detail_"
	keyProductRelated      = "product_related_"
	keyProductSearch       = "product_search_"
	keyProductSearchGen    = "product_search_gen"
)

// readThrough wraps an optional cache. Cache failures are logged and treated
// as misses; they never fail the request.
type readThrough struct {
	c   domain.Cache
	ttl time.Duration
}

func (r readThrough) get(ctx context.Context, key string, dst any) bool {
	if r.c == nil {
		return false
	}
	ok, err := r.c.Get(ctx, key, dst)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache get")
		return false
	}
	return ok
}

func (r readThrough) set(ctx context.Context, key string, v any, ttl time.Duration) {
	if r.c == nil {
		return
	}
	if err := r.c.Set(ctx, key, v, ttl); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache set")
	}
}

func (r readThrough) del(ctx context.Context, keys ...string) {
	if r.c == nil || len(keys) == 0 {
		return
	}
	if err := r.c.Delete(ctx, keys...); err != nil {
		log.Warn().Err(err).Strs("keys", keys).Msg("cache delete")
	}
}

func (r readThrough) incr(ctx context.Context, key string) int64 {
	if r.c == nil {
		return 0
	}
	n, err := r.c.Incr(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache incr")
		return 0
	}
	return n
}

// dropProducts removes the detail and related entries of the given slugs and
// bumps the search generation so cached listings go stale.
func (r readThrough) dropProducts(ctx context.Context, slugs ...string) {
	keys := make([]string, 0, 2*len(slugs))
	seen := map[string]bool{}
	for _, s := range slugs {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		keys = append(keys, keyProductDetail+s, keyProductRelated+s)
	}
	r.del(ctx, keys...)
	r.incr(ctx, keyProductSearchGen)
}

// publish sends events after the surrounding transaction committed. Broker
// failures are logged only.
func publish(ctx context.Context, pub domain.EventPublisher, events ...domain.Event) {
	if pub == nil || len(events) == 0 {
		return
	}
	if err := pub.Publish(ctx, events...); err != nil {
		for _, ev := range events {
			log.Error().Err(err).Str("topic", ev.Topic).Str("key", ev.Key).Msg("publish event")
		}
	}
}
