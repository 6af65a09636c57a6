package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/fa-krug/Yana-sub000/internal/feeds"
)

type fakeAggregator struct {
	articles []feeds.RawArticle
}

func (f *fakeAggregator) Initialize(ctx context.Context, feed *feeds.Feed, forceRefresh bool, options json.RawMessage) error {
	return nil
}

func (f *fakeAggregator) Aggregate(ctx context.Context, limit int) ([]feeds.RawArticle, error) {
	return f.articles, nil
}

func (f *fakeAggregator) CollectFeedIcon(ctx context.Context) (string, error) {
	return "", nil
}

func TestRegisterAndNew(t *testing.T) {
	Register("test-basic", func() Aggregator { return &fakeAggregator{} })

	first, err := New("test-basic")
	if err != nil {
		t.Fatalf("failed to resolve aggregator: %v", err)
	}
	second, err := New("test-basic")
	if err != nil {
		t.Fatalf("failed to resolve aggregator: %v", err)
	}
	if first == second {
		t.Error("expected New to build a fresh instance per call")
	}
}

func TestNewUnknown(t *testing.T) {
	_, err := New("nobody-registered-this")
	if !errors.Is(err, ErrUnknownAggregator) {
		t.Errorf("expected ErrUnknownAggregator, got %v", err)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("test-dup", func() Aggregator { return &fakeAggregator{} })
	defer func() {
		if recover() == nil {
			t.Error("expected duplicate Register to panic")
		}
	}()
	Register("test-dup", func() Aggregator { return &fakeAggregator{} })
}

func TestRegisterNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected nil factory to panic")
		}
	}()
	Register("test-nil", nil)
}

func TestNames(t *testing.T) {
	Register("test-names-b", func() Aggregator { return &fakeAggregator{} })
	Register("test-names-a", func() Aggregator { return &fakeAggregator{} })

	names := Names()
	if !sort.StringsAreSorted(names) {
		t.Errorf("expected sorted names, got %v", names)
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	if !seen["test-names-a"] || !seen["test-names-b"] {
		t.Errorf("expected registered names in %v", names)
	}
}
