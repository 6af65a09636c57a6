package queue

import "testing"

func TestTaskStatusValues(t *testing.T) {
	tests := map[string]struct {
		got  TaskStatus
		want TaskStatus
	}{
		"pending":   {got: StatusPending, want: "pending"},
		"running":   {got: StatusRunning, want: "running"},
		"completed": {got: StatusCompleted, want: "completed"},
		"failed":    {got: StatusFailed, want: "failed"},
	}

	for name, tt := range tests {
		if tt.got != tt.want {
			t.Fatalf("%s: expected %q, got %q", name, tt.want, tt.got)
		}
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	tests := map[TaskStatus]bool{
		StatusPending:   false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusFailed:    true,
	}
	for status, want := range tests {
		if got := status.Terminal(); got != want {
			t.Errorf("%s: expected terminal=%v, got %v", status, want, got)
		}
	}
	if TaskStatus("bogus").Valid() {
		t.Error("expected bogus status to be invalid")
	}
}

func TestPageNormalized(t *testing.T) {
	tests := map[string]struct {
		in   Page
		want Page
	}{
		"zero defaults":  {in: Page{}, want: Page{Limit: 50}},
		"cap at max":     {in: Page{Limit: 10000}, want: Page{Limit: 500}},
		"negative reset": {in: Page{Limit: -1, Offset: -5}, want: Page{Limit: 50}},
		"passthrough":    {in: Page{Limit: 20, Offset: 40}, want: Page{Limit: 20, Offset: 40}},
	}
	for name, tt := range tests {
		if got := tt.in.normalized(); got != tt.want {
			t.Errorf("%s: expected %+v, got %+v", name, tt.want, got)
		}
	}
}

func TestErrorString(t *testing.T) {
	var task Task
	if task.ErrorString() != "" {
		t.Errorf("expected empty string for nil error, got %q", task.ErrorString())
	}
	msg := "boom"
	task.Error = &msg
	if task.ErrorString() != "boom" {
		t.Errorf("expected boom, got %q", task.ErrorString())
	}
}
