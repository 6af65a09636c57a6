// Package aggregate orchestrates feed aggregation: the task handlers,
// the duplicate-detection reconciler that turns scraper candidates into
// stored articles, the thumbnail chain, and the feed preview ladder.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fa-krug/Yana-sub000/internal/feeds"
	"github.com/fa-krug/Yana-sub000/internal/queue"
	"github.com/fa-krug/Yana-sub000/internal/scrape"
	"github.com/fa-krug/Yana-sub000/internal/worker"
)

// Task types handled by this package.
const (
	TaskAggregateFeed    = "aggregate_feed"
	TaskAggregateArticle = "aggregate_article"
	TaskFetchIcon        = "fetch_icon"
	TaskRefreshFeeds     = "refresh_feeds"
)

// refetchScanLimit bounds the Aggregate call the single-article path
// falls back to when the adapter has no FetchArticle hook.
const refetchScanLimit = 50

// FeedStore is the slice of the feeds store the aggregation path uses.
type FeedStore interface {
	GetFeed(ctx context.Context, id int64) (*feeds.Feed, error)
	ListFeeds(ctx context.Context) ([]*feeds.Feed, error)
	UpdateFeedIcon(ctx context.Context, id int64, icon string) error
	TouchRefreshed(ctx context.Context, id int64) error
}

// ArticleStore is the slice the reconciler and the single-article reload
// use.
type ArticleStore interface {
	GetArticle(ctx context.Context, id int64) (*feeds.Article, error)
	GetArticleByURL(ctx context.Context, feedID int64, url string) (*feeds.Article, error)
	ListArticleURLs(ctx context.Context, feedID int64) (map[string]struct{}, error)
	TitleExists(ctx context.Context, feedID int64, normalizedTitle string) (bool, error)
	CreateArticle(ctx context.Context, a *feeds.Article) (*feeds.Article, error)
	UpdateArticle(ctx context.Context, a *feeds.Article) (*feeds.Article, error)
}

// Enqueuer is the slice of the queue service refresh_feeds uses to spawn
// per-feed aggregation tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload json.RawMessage, opts *queue.EnqueueOptions) (*queue.Task, error)
}

// Orchestrator owns the aggregation task handlers.
type Orchestrator struct {
	feeds    FeedStore
	articles ArticleStore
	saver    *Saver
	queue    Enqueuer
	resolve  func(name string) (scrape.Aggregator, error)
	logger   *slog.Logger
}

type OrchestratorOptions struct {
	// Resolver maps a feed's aggregator name to an adapter instance.
	// Defaults to the scrape registry.
	Resolver func(name string) (scrape.Aggregator, error)
}

func NewOrchestrator(feedStore FeedStore, articleStore ArticleStore, saver *Saver, enq Enqueuer, logger *slog.Logger, opts OrchestratorOptions) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	resolve := opts.Resolver
	if resolve == nil {
		resolve = scrape.New
	}
	return &Orchestrator{
		feeds:    feedStore,
		articles: articleStore,
		saver:    saver,
		queue:    enq,
		resolve:  resolve,
		logger:   logger.With("component", "aggregate"),
	}
}

// RegisterHandlers binds every aggregation task type onto the registry.
func (o *Orchestrator) RegisterHandlers(reg *worker.Registry) {
	reg.Register(TaskAggregateFeed, o.AggregateFeed)
	reg.Register(TaskAggregateArticle, o.AggregateArticle)
	reg.Register(TaskFetchIcon, o.FetchIcon)
	reg.Register(TaskRefreshFeeds, o.RefreshFeeds)
}

type aggregateFeedPayload struct {
	FeedID       int64 `json:"feedId"`
	ForceRefresh bool  `json:"forceRefresh"`
}

type aggregateFeedResult struct {
	ArticlesCreated int `json:"articlesCreated"`
	ArticlesUpdated int `json:"articlesUpdated"`
}

type aggregateArticlePayload struct {
	ArticleID int64 `json:"articleId"`
}

type fetchIconPayload struct {
	FeedID int64 `json:"feedId"`
	Force  bool  `json:"force"`
}

type refreshFeedsPayload struct {
	Force bool `json:"force"`
}

type refreshFeedsResult struct {
	FeedsQueued int `json:"feedsQueued"`
}

func successResult() (json.RawMessage, error) {
	return json.RawMessage(`{"success":true}`), nil
}

// AggregateFeed runs one full aggregation pass for a feed.
func (o *Orchestrator) AggregateFeed(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p aggregateFeedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if p.FeedID == 0 {
		return nil, errors.New("feedId is required")
	}
	feed, err := o.feeds.GetFeed(ctx, p.FeedID)
	if err != nil {
		return nil, err
	}
	scraper, err := o.resolve(feed.Aggregator)
	if err != nil {
		return nil, err
	}

	// The skip-set lets the adapter avoid refetching full content for
	// known items. Under force it stays empty so everything is refetched.
	var known map[string]struct{}
	if !p.ForceRefresh {
		known, err = o.articles.ListArticleURLs(ctx, feed.ID)
		if err != nil {
			return nil, err
		}
	}

	if err := scraper.Initialize(ctx, feed, p.ForceRefresh, feed.Options); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", feed.Aggregator, err)
	}
	if filter, ok := scraper.(scrape.ExistingURLFilter); ok && known != nil {
		filter.SetExistingURLs(known)
	}

	limit := 0
	if limiter, ok := scraper.(scrape.DynamicLimiter); ok {
		n, err := limiter.DynamicLimit(ctx, p.ForceRefresh)
		if err != nil {
			o.logger.Warn("dynamic limit failed, fetching without ceiling", "feed_id", feed.ID, "error", err)
		} else {
			limit = n
		}
	}

	candidates, err := scraper.Aggregate(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", feed.Aggregator, err)
	}

	o.collectIcon(ctx, feed, scraper)

	stats := o.saver.SaveAll(ctx, feed, scraper, p.ForceRefresh, candidates)
	if err := o.feeds.TouchRefreshed(ctx, feed.ID); err != nil {
		o.logger.Warn("failed to stamp refreshed_at", "feed_id", feed.ID, "error", err)
	}
	o.logger.Info("feed aggregated", "feed_id", feed.ID, "candidates", len(candidates),
		"created", stats.Created, "updated", stats.Updated,
		"skipped", stats.Skipped, "errored", stats.Errored)
	return json.Marshal(aggregateFeedResult{ArticlesCreated: stats.Created, ArticlesUpdated: stats.Updated})
}

// AggregateArticle refetches one article and overwrites the stored row,
// so a manual reload ends up byte-identical to what bulk aggregation
// would have written.
func (o *Orchestrator) AggregateArticle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p aggregateArticlePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if p.ArticleID == 0 {
		return nil, errors.New("articleId is required")
	}
	article, err := o.articles.GetArticle(ctx, p.ArticleID)
	if err != nil {
		return nil, err
	}
	feed, err := o.feeds.GetFeed(ctx, article.FeedID)
	if err != nil {
		return nil, err
	}
	scraper, err := o.resolve(feed.Aggregator)
	if err != nil {
		return nil, err
	}
	if err := scraper.Initialize(ctx, feed, true, feed.Options); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", feed.Aggregator, err)
	}
	candidate, err := o.fetchOne(ctx, scraper, article.URL)
	if err != nil {
		return nil, err
	}
	if _, err := o.saver.Overwrite(ctx, feed, scraper, article, *candidate); err != nil {
		return nil, err
	}
	o.logger.Info("article reloaded", "article_id", article.ID, "feed_id", feed.ID)
	return successResult()
}

// fetchOne gets a fresh candidate for one URL, preferring the adapter's
// single-article hook over a bounded scan.
func (o *Orchestrator) fetchOne(ctx context.Context, scraper scrape.Aggregator, url string) (*feeds.RawArticle, error) {
	if fetcher, ok := scraper.(scrape.ArticleFetcher); ok {
		candidate, err := fetcher.FetchArticle(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("fetch article: %w", err)
		}
		if candidate == nil {
			return nil, fmt.Errorf("no candidate found for %s", url)
		}
		return candidate, nil
	}
	candidates, err := scraper.Aggregate(ctx, refetchScanLimit)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	for i := range candidates {
		if candidates[i].URL == url {
			return &candidates[i], nil
		}
	}
	return nil, fmt.Errorf("no candidate found for %s", url)
}

// FetchIcon refreshes a feed's icon. With the icon already present and
// force unset this is a no-op success.
func (o *Orchestrator) FetchIcon(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p fetchIconPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if p.FeedID == 0 {
		return nil, errors.New("feedId is required")
	}
	feed, err := o.feeds.GetFeed(ctx, p.FeedID)
	if err != nil {
		return nil, err
	}
	if feed.Icon != "" && !p.Force {
		return successResult()
	}
	scraper, err := o.resolve(feed.Aggregator)
	if err != nil {
		return nil, err
	}
	if err := scraper.Initialize(ctx, feed, p.Force, feed.Options); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", feed.Aggregator, err)
	}
	o.collectIcon(ctx, feed, scraper)
	return successResult()
}

// RefreshFeeds enqueues one aggregation task per stored feed. The beat
// schedule runs it periodically.
func (o *Orchestrator) RefreshFeeds(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p refreshFeedsPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	all, err := o.feeds.ListFeeds(ctx)
	if err != nil {
		return nil, err
	}
	queued := 0
	for _, feed := range all {
		body, err := json.Marshal(aggregateFeedPayload{FeedID: feed.ID, ForceRefresh: p.Force})
		if err != nil {
			return nil, err
		}
		if _, err := o.queue.Enqueue(ctx, TaskAggregateFeed, body, nil); err != nil {
			o.logger.Error("failed to enqueue feed refresh", "feed_id", feed.ID, "error", err)
			continue
		}
		queued++
	}
	o.logger.Info("feeds queued for refresh", "count", queued, "force", p.Force)
	return json.Marshal(refreshFeedsResult{FeedsQueued: queued})
}

// collectIcon asks the scraper for an icon and stores it when non-empty
// and changed. Failures never fail the surrounding task.
func (o *Orchestrator) collectIcon(ctx context.Context, feed *feeds.Feed, scraper scrape.Aggregator) {
	icon, err := scraper.CollectFeedIcon(ctx)
	if err != nil {
		o.logger.Warn("icon collection failed", "feed_id", feed.ID, "error", err)
		return
	}
	if icon == "" || icon == feed.Icon {
		return
	}
	if err := o.feeds.UpdateFeedIcon(ctx, feed.ID, icon); err != nil {
		o.logger.Warn("failed to store feed icon", "feed_id", feed.ID, "error", err)
	}
}
