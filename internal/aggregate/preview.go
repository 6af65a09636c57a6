package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fa-krug/Yana-sub000/internal/feeds"
	"github.com/fa-krug/Yana-sub000/internal/scrape"
)

// previewLimits is the candidate-ceiling ladder. Shallow samples are
// cheap on most sources; each rung deepens only after an empty result.
var previewLimits = []int{1, 5, 10, 25, 50}

// DefaultPreviewTimeout is the wall-clock budget for a whole ladder run.
const DefaultPreviewTimeout = 120 * time.Second

// ErrPreviewEmpty means the scraper worked but produced no articles at
// any rung of the ladder.
var ErrPreviewEmpty = errors.New("feed returned no articles")

// Preview samples a prospective feed before it is saved. The feed does
// not need to exist in the store. Returns the first candidate found,
// ErrPreviewEmpty when every rung comes back empty, or a timeout-kind
// error when the deadline elapses first.
func (o *Orchestrator) Preview(ctx context.Context, feed *feeds.Feed, timeout time.Duration) (*feeds.RawArticle, error) {
	if timeout <= 0 {
		timeout = DefaultPreviewTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scraper, err := o.resolve(feed.Aggregator)
	if err != nil {
		return nil, err
	}
	if err := scraper.Initialize(ctx, feed, false, feed.Options); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", feed.Aggregator, err)
	}

	for _, limit := range previewLimits {
		candidates, err := aggregateWithDeadline(ctx, scraper, limit)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &scrape.Error{Kind: scrape.KindTimeout, Op: "preview", Err: err}
		}
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			candidate := candidates[0]
			return &candidate, nil
		}
	}
	return nil, ErrPreviewEmpty
}

// aggregateWithDeadline races the adapter call against the context. An
// adapter that ignores cancellation keeps running until it notices; its
// late result is discarded.
func aggregateWithDeadline(ctx context.Context, scraper scrape.Aggregator, limit int) ([]feeds.RawArticle, error) {
	type result struct {
		candidates []feeds.RawArticle
		err        error
	}
	done := make(chan result, 1)
	go func() {
		candidates, err := scraper.Aggregate(ctx, limit)
		done <- result{candidates, err}
	}()
	select {
	case res := <-done:
		return res.candidates, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
