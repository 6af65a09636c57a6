package aggregate

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fa-krug/Yana-sub000/internal/feeds"
	"github.com/fa-krug/Yana-sub000/internal/scrape"
)

const (
	defaultThumbnailMaxBytes = 512 * 1024
	thumbnailFetchTimeout    = 15 * time.Second
)

// ThumbnailResolver runs the thumbnail chain for a candidate: a data URI
// on the candidate is taken verbatim, an external URL is fetched and
// embedded size-capped, then the scraper's extractor hook, then the first
// image already embedded in the content. First success wins; exhaustion
// leaves the thumbnail empty and is never an error.
type ThumbnailResolver struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

func NewThumbnailResolver(logger *slog.Logger) *ThumbnailResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThumbnailResolver{
		client:   &http.Client{Timeout: thumbnailFetchTimeout},
		maxBytes: defaultThumbnailMaxBytes,
		logger:   logger,
	}
}

// Resolve walks the chain for one candidate.
func (r *ThumbnailResolver) Resolve(ctx context.Context, scraper scrape.Aggregator, candidate feeds.RawArticle) string {
	if candidate.ThumbnailURL != "" {
		if embedded, ok := r.embed(ctx, candidate.ThumbnailURL); ok {
			return embedded
		}
	}
	if extractor, ok := scraper.(scrape.ThumbnailExtractor); ok {
		url, err := extractor.ExtractThumbnail(ctx, candidate.URL)
		switch {
		case err != nil:
			r.logger.Debug("thumbnail extractor failed", "article_url", candidate.URL, "error", err)
		case url != "":
			if embedded, ok := r.embed(ctx, url); ok {
				return embedded
			}
		}
	}
	return firstEmbeddedImage(candidate.Content)
}

// embed turns a thumbnail reference into a data URI. Already-embedded
// URIs pass through; external URLs are fetched.
func (r *ThumbnailResolver) embed(ctx context.Context, url string) (string, bool) {
	if isDataURI(url) {
		return url, true
	}
	embedded, err := r.fetchAsDataURI(ctx, url)
	if err != nil {
		r.logger.Debug("thumbnail fetch failed", "url", url, "error", err)
		return "", false
	}
	return embedded, true
}

func (r *ThumbnailResolver) fetchAsDataURI(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(body)) > r.maxBytes {
		return "", fmt.Errorf("thumbnail exceeds %d bytes", r.maxBytes)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(body)
	}
	mime, _, _ = strings.Cut(mime, ";")
	mime = strings.TrimSpace(mime)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("content type %q is not an image", mime)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(body), nil
}

func isDataURI(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// firstEmbeddedImage pulls the first data-URI image out of rendered
// content, typically an <img> the scraper inlined while processing.
func firstEmbeddedImage(content string) string {
	idx := strings.Index(content, "data:image/")
	if idx < 0 {
		return ""
	}
	rest := content[idx:]
	end := strings.IndexFunc(rest, func(c rune) bool {
		switch c {
		case '"', '\'', ')', '>', ' ', '\n', '\t':
			return true
		}
		return false
	})
	if end >= 0 {
		rest = rest[:end]
	}
	marker := strings.Index(rest, ";base64,")
	if marker < 0 || marker+len(";base64,") >= len(rest) {
		return ""
	}
	return rest
}
