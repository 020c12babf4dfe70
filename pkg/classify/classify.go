package classify

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// UnknownOperation is the operation name used when the query is anonymous.
const UnknownOperation = "unknown"

// TagAll is attached to every classification so all cached results can be
// invalidated at once.
const TagAll = "anime"

// Category names.
const (
	CategorySchedule = "schedule"
	CategoryDetail   = "detail"
	CategoryTrending = "trending"
	CategoryPopular  = "popular"
	CategorySeasonal = "seasonal"
	CategoryTopRated = "top-rated"
	CategorySearch   = "search"
	CategoryDefault  = "default"
)

// Revalidation intervals in seconds.
const (
	RevalidateSchedule = 60
	RevalidateDetail   = 86400
	RevalidateShort    = 600
	RevalidateSeasonal = 3600
	RevalidateTopRated = 3600
)

var (
	operationPattern = regexp.MustCompile(`^\s*(query|mutation|subscription)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	detailPattern    = regexp.MustCompile(`media\s*\(\s*id\s*:`)
)

// Classification is the cache metadata derived for a query.
type Classification struct {
	// Category is the name of the category that matched.
	Category string

	// Operation is the operation name, or UnknownOperation.
	Operation string

	// Tags is sorted and free of duplicates.
	Tags []string

	// RevalidateSeconds is how long a result may be reused.
	RevalidateSeconds int
}

// TTL returns the revalidation interval as a duration.
func (c Classification) TTL() time.Duration {
	return time.Duration(c.RevalidateSeconds) * time.Second
}

// HasTag reports whether tag is part of the classification.
func (c Classification) HasTag(tag string) bool {
	i := sort.SearchStrings(c.Tags, tag)
	return i < len(c.Tags) && c.Tags[i] == tag
}

// category is one entry of the ordered predicate chain.
type category struct {
	name       string
	revalidate int
	match      func(text string) bool
	tags       func(vars map[string]any) []string
}

// categories is evaluated in order; the first match wins.
var categories = []category{
	{
		name:       CategorySchedule,
		revalidate: RevalidateSchedule,
		match:      containsAny("schedule", "upcoming", "not_yet_released"),
		tags:       staticTags("anime-schedule"),
	},
	{
		name:       CategoryDetail,
		revalidate: RevalidateDetail,
		match: func(text string) bool {
			return detailPattern.MatchString(text) || strings.Contains(text, "byid")
		},
		tags: func(vars map[string]any) []string {
			tags := []string{"anime-detail"}
			if id, ok := varString(vars, "id"); ok {
				tags = append(tags, "anime-"+id)
			}
			return tags
		},
	},
	{
		name:       CategoryTrending,
		revalidate: RevalidateShort,
		match:      containsAny("trending"),
		tags:       staticTags("anime-trending"),
	},
	{
		name:       CategoryPopular,
		revalidate: RevalidateShort,
		match:      containsAny("popular"),
		tags:       staticTags("anime-popular"),
	},
	{
		name:       CategorySeasonal,
		revalidate: RevalidateSeasonal,
		match:      containsAny("season"),
		tags: func(vars map[string]any) []string {
			tags := []string{"anime-seasonal"}
			season, okSeason := varString(vars, "season")
			year, okYear := varString(vars, "seasonYear")
			if okSeason && okYear {
				tags = append(tags, "anime-season-"+season+"-"+year)
			}
			return tags
		},
	},
	{
		name:       CategoryTopRated,
		revalidate: RevalidateTopRated,
		match:      containsAny("score_desc", "toprated", "top_rated", "top-rated"),
		tags:       staticTags("anime-top-rated"),
	},
	{
		name:       CategorySearch,
		revalidate: RevalidateShort,
		match:      containsAny("search"),
		tags:       staticTags("anime-search"),
	},
}

var defaultCategory = category{
	name:       CategoryDefault,
	revalidate: RevalidateShort,
	match:      func(string) bool { return true },
	tags:       staticTags(),
}

// Classify derives the cache classification for a query and its variables.
func Classify(query string, variables map[string]any) Classification {
	text := strings.ToLower(query)

	matched := defaultCategory
	for _, c := range categories {
		if c.match(text) {
			matched = c
			break
		}
	}

	return Classification{
		Category:          matched.name,
		Operation:         OperationName(query),
		Tags:              normalizeTags(append([]string{TagAll}, matched.tags(variables)...)),
		RevalidateSeconds: matched.revalidate,
	}
}

// OperationName extracts the operation name from a leading
// "query|mutation|subscription Name" declaration.
func OperationName(query string) string {
	m := operationPattern.FindStringSubmatch(query)
	if m == nil {
		return UnknownOperation
	}
	return m[2]
}

func containsAny(needles ...string) func(string) bool {
	return func(text string) bool {
		for _, n := range needles {
			if strings.Contains(text, n) {
				return true
			}
		}
		return false
	}
}

func staticTags(tags ...string) func(map[string]any) []string {
	return func(map[string]any) []string {
		return tags
	}
}

func normalizeTags(tags []string) []string {
	sort.Strings(tags)
	out := tags[:0]
	for i, t := range tags {
		if i > 0 && t == tags[i-1] {
			continue
		}
		out = append(out, t)
	}
	return out
}
