// Package scrape is the seam between the aggregation core and the
// per-source scraper adapters. Adapters register themselves by name the
// way database/sql drivers do; the core resolves one per feed and talks
// to it only through the interfaces here.
package scrape

import (
	"context"
	"encoding/json"

	"github.com/fa-krug/Yana-sub000/internal/feeds"
)

// Aggregator is the contract every scraper adapter implements.
// Initialize binds the instance to one feed for one run and is called
// before any other method.
type Aggregator interface {
	// Initialize receives the feed, the force flag, and the feed's
	// adapter-specific options, passed through opaque.
	Initialize(ctx context.Context, feed *feeds.Feed, forceRefresh bool, options json.RawMessage) error

	// Aggregate fetches candidate articles. limit <= 0 means no ceiling.
	Aggregate(ctx context.Context, limit int) ([]feeds.RawArticle, error)

	// CollectFeedIcon returns an icon URL or data URI. Empty with a nil
	// error means the source offers none.
	CollectFeedIcon(ctx context.Context) (string, error)
}

// ThumbnailExtractor resolves a thumbnail from an article URL when the
// candidate itself carries none.
type ThumbnailExtractor interface {
	ExtractThumbnail(ctx context.Context, articleURL string) (string, error)
}

// DynamicLimiter computes a per-run fetch ceiling, e.g. from a remaining
// daily post budget. A failure here means "no limit", never a fatal run.
type DynamicLimiter interface {
	DynamicLimit(ctx context.Context, forceRefresh bool) (int, error)
}

// ExistingURLFilter receives the URLs already stored for the feed so the
// adapter can skip fetching full content for known items.
type ExistingURLFilter interface {
	SetExistingURLs(urls map[string]struct{})
}

// ArticleFetcher refetches a single article by URL. Adapters without it
// get a bounded Aggregate scan matched by URL instead.
type ArticleFetcher interface {
	FetchArticle(ctx context.Context, url string) (*feeds.RawArticle, error)
}
