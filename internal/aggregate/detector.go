package aggregate

import (
	"context"
	"errors"

	"github.com/fa-krug/Yana-sub000/internal/feeds"
)

// Decision is the reconciler's verdict for one candidate.
type Decision int

const (
	DecisionCreate Decision = iota
	DecisionUpdate
	DecisionSkip
)

func (d Decision) String() string {
	switch d {
	case DecisionCreate:
		return "create"
	case DecisionUpdate:
		return "update"
	case DecisionSkip:
		return "skip"
	}
	return "unknown"
}

// Match carries the verdict plus the stored row to overwrite when the
// verdict is update.
type Match struct {
	Decision Decision
	Existing *feeds.Article
	Reason   string // set on skip, for logs
}

// Detector decides whether a candidate duplicates a stored article.
type Detector interface {
	Detect(ctx context.Context, feed *feeds.Feed, candidate feeds.RawArticle, forceRefresh bool) (Match, error)
}

// HeuristicDetector is the default URL/title heuristic. A same-feed URL
// match updates only when it backfills missing content (or under force);
// a same-feed normalised-title match skips; anything else creates.
type HeuristicDetector struct {
	articles ArticleStore
}

func NewHeuristicDetector(articles ArticleStore) *HeuristicDetector {
	return &HeuristicDetector{articles: articles}
}

func (d *HeuristicDetector) Detect(ctx context.Context, feed *feeds.Feed, candidate feeds.RawArticle, forceRefresh bool) (Match, error) {
	existing, err := d.articles.GetArticleByURL(ctx, feed.ID, candidate.URL)
	switch {
	case err == nil:
		if forceRefresh {
			return Match{Decision: DecisionUpdate, Existing: existing}, nil
		}
		if existing.Content == "" && candidate.Content != "" {
			return Match{Decision: DecisionUpdate, Existing: existing}, nil
		}
		return Match{Decision: DecisionSkip, Existing: existing, Reason: "url already stored"}, nil
	case !errors.Is(err, feeds.ErrArticleNotFound):
		return Match{}, err
	}

	if title := feeds.NormalizeTitle(candidate.Title); title != "" {
		exists, err := d.articles.TitleExists(ctx, feed.ID, title)
		if err != nil {
			return Match{}, err
		}
		if exists {
			return Match{Decision: DecisionSkip, Reason: "title already stored"}, nil
		}
	}
	return Match{Decision: DecisionCreate}, nil
}
