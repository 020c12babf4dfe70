// Package classify derives cache metadata from an outgoing GraphQL query.
//
// Classify inspects the query text and its variables and returns the set of
// invalidation tags and the re-fetch interval its result may be reused for.
// It is a pure function: no I/O, no hidden state, and the same input always
// yields the same Classification.
//
// # Categories
//
// The lower-cased query text is matched against an ordered list of
// categories and the first match wins:
//
//	schedule   60s     anime, anime-schedule
//	detail     86400s  anime, anime-detail, anime-<id>
//	trending   600s    anime, anime-trending
//	popular    600s    anime, anime-popular
//	seasonal   3600s   anime, anime-seasonal, anime-season-<season>-<year>
//	top-rated  3600s   anime, anime-top-rated
//	search     600s    anime, anime-search
//	default    600s    anime
//
// Matching is plain substring containment, so a query that mentions both
// "trending" and "season" is classified as trending because that category
// is evaluated first. Callers wanting a different category must shape the
// query text accordingly.
//
// # Usage
//
//	cls := classify.Classify(query, map[string]any{"id": 5})
//	cache.Set(ctx, key, &cache.CacheEntry{
//		Data:    data,
//		Tags:    cls.Tags,
//		Expires: time.Now().Add(cls.TTL()),
//	})
package classify
