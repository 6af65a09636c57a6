// Package feeds holds the feed and article models plus their Postgres
// store. Scraper adapters produce RawArticle candidates; the aggregation
// reconciler decides which of them become stored Article rows.
package feeds

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind tells the aggregation layer what sort of source a feed is.
type Kind string

const (
	KindArticle Kind = "article"
	KindYouTube Kind = "youtube"
	KindPodcast Kind = "podcast"
	KindReddit  Kind = "reddit"
)

// Valid reports whether k is one of the known feed kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindArticle, KindYouTube, KindPodcast, KindReddit:
		return true
	}
	return false
}

// Feed is a configured content source. Aggregator names the scraper
// adapter that fetches it; Options carries adapter-specific settings the
// core never interprets.
type Feed struct {
	ID            int64           `json:"id"`
	Title         string          `json:"title"`
	URL           string          `json:"url"`
	SiteURL       string          `json:"siteUrl,omitempty"`
	Kind          Kind            `json:"kind"`
	Aggregator    string          `json:"aggregator"`
	Options       json.RawMessage `json:"options,omitempty"`
	Icon          string          `json:"icon,omitempty"`
	MaxDailyPosts int             `json:"maxDailyPosts"`
	RefreshedAt   *time.Time      `json:"refreshedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Article is a stored row. (feed_id, url) is the natural key; the UNIQUE
// constraint on it backs the reconciler's insert-race net.
type Article struct {
	ID              int64      `json:"id"`
	FeedID          int64      `json:"feedId"`
	Title           string     `json:"title"`
	URL             string     `json:"url"`
	Content         string     `json:"content,omitempty"`
	Author          string     `json:"author,omitempty"`
	ExternalID      string     `json:"externalId,omitempty"`
	Score           *int       `json:"score,omitempty"`
	Thumbnail       string     `json:"thumbnail,omitempty"`
	MediaURL        string     `json:"mediaUrl,omitempty"`
	MediaType       string     `json:"mediaType,omitempty"`
	DurationSeconds *int       `json:"durationSeconds,omitempty"`
	ViewCount       *int64     `json:"viewCount,omitempty"`
	PublishedAt     *time.Time `json:"publishedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// RawArticle is a scraper-produced candidate. It is never persisted as-is;
// the reconciler turns it into a create, an in-place update, or nothing.
type RawArticle struct {
	Title        string     `json:"title"`
	URL          string     `json:"url"`
	Published    *time.Time `json:"published,omitempty"`
	Content      string     `json:"content,omitempty"`
	Author       string     `json:"author,omitempty"`
	ExternalID   string     `json:"externalId,omitempty"`
	Score        *int       `json:"score,omitempty"`
	ThumbnailURL string     `json:"thumbnailUrl,omitempty"`
	MediaURL     string     `json:"mediaUrl,omitempty"`
	MediaType    string     `json:"mediaType,omitempty"`
	Duration     *int       `json:"duration,omitempty"`
	ViewCount    *int64     `json:"viewCount,omitempty"`
}

// NormalizeTitle lowercases and collapses whitespace runs so the duplicate
// heuristic and the store's title lookup compare titles the same way.
func NormalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
