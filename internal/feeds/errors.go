package feeds

import "errors"

var (
	ErrFeedNotFound    = errors.New("feed not found")
	ErrArticleNotFound = errors.New("article not found")

	// ErrDuplicateURL surfaces an articles (feed_id, url) unique violation
	// so callers can absorb the concurrent-insert race as a skip.
	ErrDuplicateURL = errors.New("article url already stored for feed")
)
