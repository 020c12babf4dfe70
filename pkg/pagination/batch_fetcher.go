package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrNoPageInfo is returned when page 1 carries no pageInfo.lastPage.
var ErrNoPageInfo = errors.New("response has no pageInfo.lastPage")

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of pages in flight.
	// Matching the batcher's window size lets one window carry them all.
	MaxConcurrency int

	// Timeout per page fetch
	Timeout time.Duration

	// MaxPages caps how many pages are fetched, 0 means no cap
	MaxPages int

	// PageVariable is the query variable holding the page number
	PageVariable string
}

// DefaultConfig returns safe default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		Timeout:        15 * time.Second,
		MaxPages:       100,
		PageVariable:   "page",
	}
}

// Querier runs a single GraphQL query and returns its data document.
// *client.Client satisfies it.
type Querier interface {
	Query(ctx context.Context, query string, vars map[string]any) (json.RawMessage, error)
}

// PageInfo is the pagination block of an AniList Page.
type PageInfo struct {
	Total       int  `json:"total"`
	CurrentPage int  `json:"currentPage"`
	LastPage    int  `json:"lastPage"`
	HasNextPage bool `json:"hasNextPage"`
	PerPage     int  `json:"perPage"`
}

// BatchFetcher handles parallel fetching of multiple pages
type BatchFetcher struct {
	querier Querier
	config  Config
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(querier Querier, config Config) *BatchFetcher {
	defaults := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.PageVariable == "" {
		config.PageVariable = defaults.PageVariable
	}

	return &BatchFetcher{
		querier: querier,
		config:  config,
	}
}

// FetchAllPages fetches all pages of query. vars must not contain the page
// variable; it is set per page. Returns map of pageNumber -> data document.
func (bf *BatchFetcher) FetchAllPages(ctx context.Context, query string, vars map[string]any) (map[int]json.RawMessage, error) {
	start := time.Now()

	firstPage, err := bf.fetchPage(ctx, query, vars, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch first page: %w", err)
	}

	info, err := ExtractPageInfo(firstPage)
	if err != nil {
		return nil, err
	}

	totalPages := info.LastPage
	if bf.config.MaxPages > 0 && totalPages > bf.config.MaxPages {
		log.Warn().
			Int("last_page", totalPages).
			Int("max_pages", bf.config.MaxPages).
			Msg("Capping page count")
		totalPages = bf.config.MaxPages
	}

	results := map[int]json.RawMessage{1: firstPage}
	if totalPages <= 1 {
		log.Info().
			Int("pages", 1).
			Dur("duration", time.Since(start)).
			Msg("Fetch complete (single page)")
		return results, nil
	}

	log.Info().
		Int("total_pages", totalPages).
		Msg("Starting parallel page fetch")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bf.config.MaxConcurrency)

	for page := 2; page <= totalPages; page++ {
		page := page
		g.Go(func() error {
			data, err := bf.fetchPage(gctx, query, vars, page)
			if err != nil {
				log.Warn().
					Err(err).
					Int("page", page).
					Msg("Page fetch failed")
				return fmt.Errorf("page %d: %w", page, err)
			}

			mu.Lock()
			results[page] = data
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Warn().
			Err(err).
			Int("fetched_pages", len(results)).
			Int("total_pages", totalPages).
			Msg("Returning partial results")
		return results, fmt.Errorf("partial data: %d/%d pages: %w", len(results), totalPages, err)
	}

	log.Info().
		Int("pages", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return results, nil
}

func (bf *BatchFetcher) fetchPage(ctx context.Context, query string, vars map[string]any, page int) (json.RawMessage, error) {
	pageVars := make(map[string]any, len(vars)+1)
	maps.Copy(pageVars, vars)
	pageVars[bf.config.PageVariable] = page

	pageCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	defer cancel()

	return bf.querier.Query(pageCtx, query, pageVars)
}

// ExtractPageInfo finds the pageInfo block of the first top-level field
// that has one, e.g. {"Page": {"pageInfo": {...}}}.
func ExtractPageInfo(data json.RawMessage) (PageInfo, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return PageInfo{}, fmt.Errorf("decode page: %w", err)
	}

	for _, raw := range fields {
		var page struct {
			PageInfo *PageInfo `json:"pageInfo"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			continue
		}
		if page.PageInfo != nil && page.PageInfo.LastPage > 0 {
			return *page.PageInfo, nil
		}
	}

	return PageInfo{}, ErrNoPageInfo
}
