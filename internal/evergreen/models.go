package evergreen

import (
	"time"
)

// Task status values reported by the Evergreen API.
const (
	TaskSucceeded    = "success"
	TaskFailed       = "failed"
	TaskUndispatched = "undispatched"
	TaskSystemFailed = "system-failed"
)

// Version represents one analyzed commit's build matrix in Evergreen.
type Version struct {
	ID         string    `json:"version_id"`
	Revision   string    `json:"revision"`
	Project    string    `json:"project"`
	CreateTime time.Time `json:"create_time"`
}

// Build represents one build variant's set of tasks within a version.
type Build struct {
	ID           string   `json:"_id"`
	VersionID    string   `json:"version"`
	DisplayName  string   `json:"display_name"`
	BuildVariant string   `json:"build_variant"`
	TaskIDs      []string `json:"tasks"`
}

// Task represents one named unit of work within a build.
type Task struct {
	ID           string `json:"task_id"`
	DisplayName  string `json:"display_name"`
	BuildVariant string `json:"build_variant"`
	Activated    bool   `json:"activated"`
	Status       string `json:"status"`
}

// IsSuccess reports whether the task finished with a passing status.
func (t Task) IsSuccess() bool {
	return t.Status == TaskSucceeded
}
