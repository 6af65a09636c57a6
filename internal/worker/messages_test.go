package worker

import (
	"encoding/json"
	"testing"

	"github.com/fa-krug/Yana-sub000/internal/queue"
)

// The message shapes are the wire contract with any out-of-process
// worker; the keys must stay stable.

func TestProcessTaskMessageShape(t *testing.T) {
	msg := newProcessTask(&queue.Task{
		ID:      7,
		Type:    "aggregate_feed",
		Payload: json.RawMessage(`{"feedId":1,"forceRefresh":false}`),
	})
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != "process_task" {
		t.Errorf("expected type process_task, got %v", decoded["type"])
	}
	task, ok := decoded["task"].(map[string]any)
	if !ok {
		t.Fatalf("missing task object in %s", raw)
	}
	if task["id"].(float64) != 7 || task["type"] != "aggregate_feed" {
		t.Errorf("unexpected task envelope %v", task)
	}
	payload, ok := task["payload"].(map[string]any)
	if !ok || payload["feedId"].(float64) != 1 {
		t.Errorf("unexpected payload %v", task["payload"])
	}
}

func TestResultMessageShapes(t *testing.T) {
	raw, err := json.Marshal(completeResult(7, json.RawMessage(`{"success":true}`)))
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != "task_complete" || decoded["taskId"].(float64) != 7 {
		t.Errorf("unexpected completion message %s", raw)
	}
	if _, hasErr := decoded["error"]; hasErr {
		t.Error("completion message must omit error")
	}

	raw, err = json.Marshal(failedResult(7, "boom"))
	if err != nil {
		t.Fatal(err)
	}
	decoded = map[string]any{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != "task_failed" || decoded["error"] != "boom" {
		t.Errorf("unexpected failure message %s", raw)
	}
	if _, hasResult := decoded["result"]; hasResult {
		t.Error("failure message must omit result")
	}
}
