// Package flips detects task flips in an Evergreen project's version
// history: tasks that failed with the same status in two consecutive
// versions and then changed status in the following version. These
// usually indicate flaky or revision-specific breakage rather than a
// persistent regression.
package flips

import (
	"strings"

	"github.com/dbradf/evgflip/internal/evergreen"
)

// Result maps revision -> build variant -> flipped task display names.
// Only revisions with at least one flip appear.
type Result map[string]map[string][]string

// flipList is the outcome of analyzing a single version.
type flipList struct {
	revision     string
	flippedTasks map[string][]string
}

// workItem is one analysis unit: a version and its two window neighbors.
type workItem struct {
	version     *evergreen.Version
	versionPrev *evergreen.Version
	versionNext *evergreen.Version
}

// filterEmptyValues drops variants with no flipped tasks.
func filterEmptyValues(m map[string][]string) map[string][]string {
	filtered := make(map[string][]string, len(m))
	for variant, tasks := range m {
		if len(tasks) > 0 {
			filtered[variant] = tasks
		}
	}
	return filtered
}

// analyzableBuild reports whether a build participates in flip analysis.
// Variants whose display name starts with "!" are disabled by convention.
func analyzableBuild(build evergreen.Build) bool {
	return !strings.HasPrefix(build.DisplayName, "!")
}

// taskMap indexes tasks by display name. Display names are unique
// within a build; duplicates resolve last-write-wins.
func taskMap(tasks []evergreen.Task) map[string]evergreen.Task {
	m := make(map[string]evergreen.Task, len(tasks))
	for _, task := range tasks {
		m[task.DisplayName] = task
	}
	return m
}

// isTaskFlip reports whether the task flipped in the current version,
// given name-indexed task maps for the same variant in the previous and
// next versions.
func isTaskFlip(task evergreen.Task, tasksPrev, tasksNext map[string]evergreen.Task) bool {
	if !task.Activated || task.IsSuccess() {
		return false
	}

	taskPrev, ok := tasksPrev[task.DisplayName]
	if !ok || taskPrev.Status != task.Status {
		// this only failed once, don't count it.
		return false
	}

	taskNext, ok := tasksNext[task.DisplayName]
	if !ok || taskNext.Status == task.Status {
		// this was already failing, don't count it.
		return false
	}

	return true
}
