package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the SQLSTATE for a unique-constraint failure.
const uniqueViolation = "23505"

// Store owns the feeds and articles tables.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const feedColumns = `
	id, title, url, site_url, kind, aggregator, options, icon,
	max_daily_posts, refreshed_at, created_at, updated_at`

func scanFeed(row pgx.Row) (*Feed, error) {
	var f Feed
	err := row.Scan(
		&f.ID, &f.Title, &f.URL, &f.SiteURL, &f.Kind, &f.Aggregator, &f.Options, &f.Icon,
		&f.MaxDailyPosts, &f.RefreshedAt, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateFeed persists a new feed. Kind defaults to article and Options to
// an empty object.
func (s *Store) CreateFeed(ctx context.Context, f *Feed) (*Feed, error) {
	if f.Title == "" || f.URL == "" || f.Aggregator == "" {
		return nil, errors.New("feed requires title, url and aggregator")
	}
	kind := f.Kind
	if kind == "" {
		kind = KindArticle
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown feed kind %q", kind)
	}
	options := f.Options
	if len(options) == 0 {
		options = json.RawMessage(`{}`)
	}
	query := `
		INSERT INTO feeds (title, url, site_url, kind, aggregator, options, icon, max_daily_posts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING` + feedColumns
	created, err := scanFeed(s.pool.QueryRow(ctx, query,
		f.Title, f.URL, f.SiteURL, kind, f.Aggregator, options, f.Icon, f.MaxDailyPosts))
	if err != nil {
		return nil, fmt.Errorf("insert feed: %w", err)
	}
	return created, nil
}

// GetFeed fetches one feed by id.
func (s *Store) GetFeed(ctx context.Context, id int64) (*Feed, error) {
	query := `SELECT` + feedColumns + ` FROM feeds WHERE id = $1`
	feed, err := scanFeed(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFeedNotFound
		}
		return nil, err
	}
	return feed, nil
}

// ListFeeds returns all feeds, oldest first.
func (s *Store) ListFeeds(ctx context.Context) ([]*Feed, error) {
	query := `SELECT` + feedColumns + ` FROM feeds ORDER BY id ASC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, feed)
	}
	return out, rows.Err()
}

// UpdateFeedIcon stores a collected icon on the feed.
func (s *Store) UpdateFeedIcon(ctx context.Context, id int64, icon string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE feeds SET icon = $2, updated_at = NOW() WHERE id = $1`, id, icon)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrFeedNotFound
	}
	return nil
}

// TouchRefreshed stamps the feed's refreshed_at after a successful
// aggregation run.
func (s *Store) TouchRefreshed(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE feeds SET refreshed_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrFeedNotFound
	}
	return nil
}

const articleColumns = `
	id, feed_id, title, url, content, author, external_id, score,
	thumbnail, media_url, media_type, duration_seconds, view_count,
	published_at, created_at, updated_at`

func scanArticle(row pgx.Row) (*Article, error) {
	var a Article
	err := row.Scan(
		&a.ID, &a.FeedID, &a.Title, &a.URL, &a.Content, &a.Author, &a.ExternalID, &a.Score,
		&a.Thumbnail, &a.MediaURL, &a.MediaType, &a.DurationSeconds, &a.ViewCount,
		&a.PublishedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateArticle inserts a new article row. A (feed_id, url) unique
// violation comes back as ErrDuplicateURL; the reconciler treats that as
// a concurrent run having won the insert race.
func (s *Store) CreateArticle(ctx context.Context, a *Article) (*Article, error) {
	query := `
		INSERT INTO articles (feed_id, title, url, content, author, external_id,
			score, thumbnail, media_url, media_type, duration_seconds, view_count, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING` + articleColumns
	created, err := scanArticle(s.pool.QueryRow(ctx, query,
		a.FeedID, a.Title, a.URL, a.Content, a.Author, a.ExternalID,
		a.Score, a.Thumbnail, a.MediaURL, a.MediaType, a.DurationSeconds, a.ViewCount, a.PublishedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateURL, a.URL)
		}
		return nil, fmt.Errorf("insert article: %w", err)
	}
	return created, nil
}

// UpdateArticle overwrites the mutable fields of an existing row in
// place. Identity (feed, url) and created_at are never touched.
func (s *Store) UpdateArticle(ctx context.Context, a *Article) (*Article, error) {
	query := `
		UPDATE articles
		SET title = $2, content = $3, author = $4, external_id = $5,
		    score = $6, thumbnail = $7, media_url = $8, media_type = $9,
		    duration_seconds = $10, view_count = $11, published_at = $12,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING` + articleColumns
	updated, err := scanArticle(s.pool.QueryRow(ctx, query,
		a.ID, a.Title, a.Content, a.Author, a.ExternalID,
		a.Score, a.Thumbnail, a.MediaURL, a.MediaType, a.DurationSeconds, a.ViewCount, a.PublishedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrArticleNotFound
		}
		return nil, fmt.Errorf("update article: %w", err)
	}
	return updated, nil
}

// GetArticle fetches one article by id.
func (s *Store) GetArticle(ctx context.Context, id int64) (*Article, error) {
	query := `SELECT` + articleColumns + ` FROM articles WHERE id = $1`
	article, err := scanArticle(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrArticleNotFound
		}
		return nil, err
	}
	return article, nil
}

// GetArticleByURL looks up an article by its natural key within a feed.
func (s *Store) GetArticleByURL(ctx context.Context, feedID int64, url string) (*Article, error) {
	query := `SELECT` + articleColumns + ` FROM articles WHERE feed_id = $1 AND url = $2`
	article, err := scanArticle(s.pool.QueryRow(ctx, query, feedID, url))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrArticleNotFound
		}
		return nil, err
	}
	return article, nil
}

// ListArticleURLs returns the set of URLs already stored for a feed. The
// aggregation path hands it to scrapers so known items can be skipped.
func (s *Store) ListArticleURLs(ctx context.Context, feedID int64) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT url FROM articles WHERE feed_id = $1`, feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	urls := make(map[string]struct{})
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, err
		}
		urls[url] = struct{}{}
	}
	return urls, rows.Err()
}

// TitleExists reports whether the feed already stores an article with the
// same normalised title. The SQL expression mirrors NormalizeTitle.
func (s *Store) TitleExists(ctx context.Context, feedID int64, normalizedTitle string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM articles
			WHERE feed_id = $1
			  AND regexp_replace(lower(btrim(title)), '\s+', ' ', 'g') = $2
		)`
	var exists bool
	if err := s.pool.QueryRow(ctx, query, feedID, normalizedTitle).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}
