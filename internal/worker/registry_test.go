package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/fa-krug/Yana-sub000/internal/queue"
)

func TestRegistryRun(t *testing.T) {
	reg := NewRegistry()
	reg.Register("aggregate_feed", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"articlesCreated":1}`), nil
	})

	out, err := reg.Run(context.Background(), &queue.Task{ID: 1, Type: "aggregate_feed"})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"articlesCreated":1}` {
		t.Errorf("unexpected result %s", out)
	}
}

func TestRegistryUnknownType(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Run(context.Background(), &queue.Task{ID: 1, Type: "transmogrify"})
	if err == nil || !strings.Contains(err.Error(), "unknown task type") {
		t.Errorf("expected unknown task type error, got %v", err)
	}
}

func TestRegistryHandlerError(t *testing.T) {
	reg := NewRegistry()
	want := errors.New("feed gone")
	reg.Register("aggregate_feed", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, want
	})

	_, err := reg.Run(context.Background(), &queue.Task{Type: "aggregate_feed"})
	if !errors.Is(err, want) {
		t.Errorf("expected handler error, got %v", err)
	}
}

func TestRegistryRecoversPanic(t *testing.T) {
	reg := NewRegistry()
	reg.Register("aggregate_feed", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		panic("nil feed")
	})

	_, err := reg.Run(context.Background(), &queue.Task{Type: "aggregate_feed"})
	if err == nil || !strings.Contains(err.Error(), "panic: nil feed") {
		t.Errorf("expected recovered panic error, got %v", err)
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	h := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) { return nil, nil }
	reg.Register("fetch_icon", h)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	reg.Register("fetch_icon", h)
}

func TestRegistryTypes(t *testing.T) {
	reg := NewRegistry()
	h := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) { return nil, nil }
	reg.Register("fetch_icon", h)
	reg.Register("aggregate_feed", h)

	types := reg.Types()
	if len(types) != 2 || types[0] != "aggregate_feed" || types[1] != "fetch_icon" {
		t.Errorf("unexpected types %v", types)
	}
}
