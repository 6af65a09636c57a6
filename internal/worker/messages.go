package worker

import (
	"encoding/json"

	"github.com/fa-krug/Yana-sub000/internal/queue"
)

// Message types exchanged between the pool and its worker processes.
const (
	MsgProcessTask  = "process_task"
	MsgTaskComplete = "task_complete"
	MsgTaskFailed   = "task_failed"
)

// TaskEnvelope is the task body carried by a process_task message.
type TaskEnvelope struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ProcessTask tells a worker process to execute one task.
type ProcessTask struct {
	Type string       `json:"type"`
	Task TaskEnvelope `json:"task"`
}

// Result is a worker process reporting one outcome: task_complete with a
// result, or task_failed with an error string.
type Result struct {
	Type   string          `json:"type"`
	TaskID int64           `json:"taskId"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func newProcessTask(task *queue.Task) ProcessTask {
	return ProcessTask{
		Type: MsgProcessTask,
		Task: TaskEnvelope{ID: task.ID, Type: task.Type, Payload: task.Payload},
	}
}

func completeResult(taskID int64, result json.RawMessage) Result {
	return Result{Type: MsgTaskComplete, TaskID: taskID, Result: result}
}

func failedResult(taskID int64, errMsg string) Result {
	return Result{Type: MsgTaskFailed, TaskID: taskID, Error: errMsg}
}
