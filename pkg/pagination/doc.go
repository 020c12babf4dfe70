// Package pagination fetches every page of a paginated AniList query.
//
// AniList wraps list queries in a Page object whose pageInfo reports the
// last page. The fetcher asks for page 1 to learn lastPage, then requests
// the remaining pages concurrently through the client, so they land in the
// same batch windows and reach the upstream as a few coalesced POSTs.
//
// Example usage:
//
//	fetcher := pagination.NewBatchFetcher(anilistClient, pagination.DefaultConfig())
//	pages, err := fetcher.FetchAllPages(ctx, `query Seasonal($page: Int, $season: MediaSeason, $seasonYear: Int) {
//	  Page(page: $page, perPage: 50) {
//	    pageInfo { lastPage }
//	    media(season: $season, seasonYear: $seasonYear) { id }
//	  }
//	}`, map[string]any{"season": "WINTER", "seasonYear": 2025})
//
// The batch fetcher:
//   - Fetches page 1 to determine lastPage
//   - Caps the page count at MaxPages
//   - Fetches the rest with at most MaxConcurrency queries in flight
//   - Returns the pages fetched so far together with the first error
package pagination
