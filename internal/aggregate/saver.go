package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fa-krug/Yana-sub000/internal/feeds"
	"github.com/fa-krug/Yana-sub000/internal/scrape"
)

// recencyWindow keeps a scraper that suddenly reaches deep history from
// flooding the store with old entries.
const recencyWindow = 2 // months

// SaveStats reports one reconciliation batch. Created and Updated are
// the task-result contract; Skipped and Errored feed metrics and logs.
type SaveStats struct {
	Created int
	Updated int
	Skipped int
	Errored int
}

type saveOutcome int

const (
	outcomeCreated saveOutcome = iota
	outcomeUpdated
	outcomeSkipped
)

// Saver persists reconciled candidates. One failing candidate never
// aborts the rest of the batch.
type Saver struct {
	articles ArticleStore
	detector Detector
	thumbs   *ThumbnailResolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewSaver wires the reconciler. A nil detector gets the URL/title
// heuristic; a nil resolver gets the default chain.
func NewSaver(articles ArticleStore, detector Detector, thumbs *ThumbnailResolver, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	if thumbs == nil {
		thumbs = NewThumbnailResolver(logger)
	}
	if detector == nil {
		detector = NewHeuristicDetector(articles)
	}
	return &Saver{articles: articles, detector: detector, thumbs: thumbs, logger: logger, now: time.Now}
}

// SaveAll runs every candidate through the duplicate policy and persists
// the survivors.
func (s *Saver) SaveAll(ctx context.Context, feed *feeds.Feed, scraper scrape.Aggregator, forceRefresh bool, candidates []feeds.RawArticle) SaveStats {
	var stats SaveStats
	cutoff := s.now().AddDate(0, -recencyWindow, 0)
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			s.logger.Warn("aggregation batch interrupted", "feed_id", feed.ID, "error", ctx.Err())
			break
		}
		outcome, err := s.saveOne(ctx, feed, scraper, forceRefresh, candidate, cutoff)
		if err != nil {
			stats.Errored++
			articlesErrored.Inc()
			s.logger.Error("article save failed", "feed_id", feed.ID, "url", candidate.URL, "error", err)
			continue
		}
		switch outcome {
		case outcomeCreated:
			stats.Created++
			articlesCreated.Inc()
		case outcomeUpdated:
			stats.Updated++
			articlesUpdated.Inc()
		case outcomeSkipped:
			stats.Skipped++
			articlesSkipped.Inc()
		}
	}
	return stats
}

func (s *Saver) saveOne(ctx context.Context, feed *feeds.Feed, scraper scrape.Aggregator, forceRefresh bool, candidate feeds.RawArticle, cutoff time.Time) (saveOutcome, error) {
	if candidate.URL == "" {
		return 0, errors.New("candidate has no url")
	}
	if candidate.Published != nil && !candidate.Published.IsZero() && candidate.Published.Before(cutoff) {
		s.logger.Debug("stale candidate skipped", "feed_id", feed.ID, "url", candidate.URL,
			"published", candidate.Published)
		return outcomeSkipped, nil
	}

	match, err := s.detector.Detect(ctx, feed, candidate, forceRefresh)
	if err != nil {
		return 0, fmt.Errorf("duplicate check: %w", err)
	}
	switch match.Decision {
	case DecisionSkip:
		s.logger.Debug("duplicate candidate skipped", "feed_id", feed.ID, "url", candidate.URL,
			"reason", match.Reason)
		return outcomeSkipped, nil

	case DecisionUpdate:
		row := buildRow(feed.ID, match.Existing, candidate)
		row.Thumbnail = s.thumbs.Resolve(ctx, scraper, candidate)
		if _, err := s.articles.UpdateArticle(ctx, row); err != nil {
			return 0, err
		}
		return outcomeUpdated, nil

	case DecisionCreate:
		row := buildRow(feed.ID, nil, candidate)
		row.Thumbnail = s.thumbs.Resolve(ctx, scraper, candidate)

		// The duplicate check and the insert are not one transaction; a
		// concurrent run may have stored the URL in between. Re-check,
		// and let the unique constraint catch what the re-check misses.
		if _, err := s.articles.GetArticleByURL(ctx, feed.ID, candidate.URL); err == nil {
			s.logger.Debug("candidate inserted by concurrent run", "feed_id", feed.ID, "url", candidate.URL)
			return outcomeSkipped, nil
		} else if !errors.Is(err, feeds.ErrArticleNotFound) {
			return 0, err
		}
		if _, err := s.articles.CreateArticle(ctx, row); err != nil {
			if errors.Is(err, feeds.ErrDuplicateURL) {
				s.logger.Debug("candidate inserted by concurrent run", "feed_id", feed.ID, "url", candidate.URL)
				return outcomeSkipped, nil
			}
			return 0, err
		}
		return outcomeCreated, nil
	}
	return 0, fmt.Errorf("unexpected duplicate decision %v", match.Decision)
}

// Overwrite replaces a stored article's fields with a fresh candidate,
// through the same thumbnail chain the bulk path uses. The single-item
// reload handler uses it so both paths write identical rows.
func (s *Saver) Overwrite(ctx context.Context, feed *feeds.Feed, scraper scrape.Aggregator, existing *feeds.Article, candidate feeds.RawArticle) (*feeds.Article, error) {
	row := buildRow(feed.ID, existing, candidate)
	row.Thumbnail = s.thumbs.Resolve(ctx, scraper, candidate)
	updated, err := s.articles.UpdateArticle(ctx, row)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// buildRow maps a candidate onto a storable row. With existing non-nil
// the row keeps its identity and overwrites everything else in place.
func buildRow(feedID int64, existing *feeds.Article, candidate feeds.RawArticle) *feeds.Article {
	row := &feeds.Article{FeedID: feedID, URL: candidate.URL}
	if existing != nil {
		row.ID = existing.ID
		row.FeedID = existing.FeedID
		row.URL = existing.URL
	}
	row.Title = candidate.Title
	row.Content = candidate.Content
	row.Author = candidate.Author
	row.ExternalID = candidate.ExternalID
	row.Score = candidate.Score
	row.MediaURL = candidate.MediaURL
	row.MediaType = candidate.MediaType
	row.DurationSeconds = candidate.Duration
	row.ViewCount = candidate.ViewCount
	row.PublishedAt = candidate.Published
	return row
}
