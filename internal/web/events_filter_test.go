package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fa-krug/Yana-sub000/internal/events"
)

func TestEventFilterMatches(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/events?type=aggregate_feed&status=failed&task_id=42", nil)
	filter, err := parseEventFilter(req)
	if err != nil {
		t.Fatalf("parse filter: %v", err)
	}
	event := events.Event{
		TaskID:   42,
		TaskType: "aggregate_feed",
		Status:   "failed",
	}
	if !filter.Matches(event) {
		t.Fatalf("expected filter to match")
	}
	if filter.Matches(events.Event{TaskID: 42, TaskType: "fetch_icon", Status: "failed"}) {
		t.Fatalf("expected type mismatch to fail")
	}
	if filter.Matches(events.Event{TaskID: 42, TaskType: "aggregate_feed", Status: "completed"}) {
		t.Fatalf("expected status mismatch to fail")
	}
	if filter.Matches(events.Event{TaskID: 7, TaskType: "aggregate_feed", Status: "failed"}) {
		t.Fatalf("expected task mismatch to fail")
	}
}

func TestEventFilterEmptyMatchesEverything(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	filter, err := parseEventFilter(req)
	if err != nil {
		t.Fatalf("parse filter: %v", err)
	}
	if !filter.Matches(events.Event{TaskID: 1, TaskType: "fetch_icon", Status: "pending"}) {
		t.Fatalf("expected empty filter to match")
	}
}

func TestEventFilterInvalidTaskID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/events?task_id=not-a-number", nil)
	if _, err := parseEventFilter(req); err == nil {
		t.Fatalf("expected error for invalid task_id")
	}
}
