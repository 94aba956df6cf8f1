package flips

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dbradf/evgflip/internal/evergreen"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves versions, builds, and tasks from memory.
type fakeAPI struct {
	versions []evergreen.Version
	builds   map[string][]evergreen.Build // version ID -> builds
	tasks    map[string][]evergreen.Task  // build ID -> tasks

	iterErrAt int // version index at which iteration fails (-1: never)
	iterErr   error
	buildsErr error

	buildCalls atomic.Int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		builds:    make(map[string][]evergreen.Build),
		tasks:     make(map[string][]evergreen.Task),
		iterErrAt: -1,
	}
}

func (f *fakeAPI) VersionsByProject(ctx context.Context, project string) evergreen.VersionIterator {
	return &sliceIterator{api: f}
}

func (f *fakeAPI) BuildsForVersion(ctx context.Context, versionID string) ([]evergreen.Build, error) {
	f.buildCalls.Add(1)
	if f.buildsErr != nil {
		return nil, f.buildsErr
	}
	return f.builds[versionID], nil
}

func (f *fakeAPI) BuildForVariant(ctx context.Context, versionID, variant string) (*evergreen.Build, error) {
	for _, build := range f.builds[versionID] {
		if build.BuildVariant == variant {
			return &build, nil
		}
	}
	return nil, fmt.Errorf("no build for variant %s in version %s", variant, versionID)
}

func (f *fakeAPI) TasksForBuild(ctx context.Context, buildID string) ([]evergreen.Task, error) {
	return f.tasks[buildID], nil
}

type sliceIterator struct {
	api *fakeAPI
	pos int
}

func (it *sliceIterator) Next(ctx context.Context) (*evergreen.Version, error) {
	if it.api.iterErr != nil && it.pos == it.api.iterErrAt {
		return nil, it.api.iterErr
	}
	if it.pos >= len(it.api.versions) {
		return nil, nil
	}
	v := it.api.versions[it.pos]
	it.pos++
	return &v, nil
}

// addVersion registers a version with one build per variant. Tasks are
// given as ordered (name, status) pairs; all tasks are activated.
func (f *fakeAPI) addVersion(id, revision string, createTime time.Time, variants map[string][][2]string) {
	f.versions = append(f.versions, evergreen.Version{
		ID:         id,
		Revision:   revision,
		CreateTime: createTime,
	})
	for variant, taskSpecs := range variants {
		buildID := id + "_" + variant
		displayName := variant
		f.builds[id] = append(f.builds[id], evergreen.Build{
			ID:           buildID,
			VersionID:    id,
			DisplayName:  displayName,
			BuildVariant: variant,
		})
		for _, spec := range taskSpecs {
			f.tasks[buildID] = append(f.tasks[buildID], evergreen.Task{
				ID:           buildID + "_" + spec[0],
				DisplayName:  spec[0],
				BuildVariant: variant,
				Activated:    true,
				Status:       spec[1],
			})
		}
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestFindReportsIsolatedFlip(t *testing.T) {
	baseTime := time.Date(2020, 4, 1, 12, 0, 0, 0, time.UTC)
	api := newFakeAPI()
	api.addVersion("v_prev", "prevrev", baseTime, map[string][][2]string{
		"linux": {{"A", evergreen.TaskFailed}, {"B", evergreen.TaskFailed}},
	})
	api.addVersion("v_cur", "abc123", baseTime, map[string][][2]string{
		"linux": {{"A", evergreen.TaskFailed}, {"B", evergreen.TaskSucceeded}},
	})
	api.addVersion("v_next", "nextrev", baseTime, map[string][][2]string{
		"linux": {{"A", evergreen.TaskSucceeded}, {"B", evergreen.TaskSucceeded}},
	})

	finder := NewFinder(api, testLogger())
	result, err := finder.Find(context.Background(), "my-project", baseTime.Add(-time.Hour))

	require.NoError(t, err)
	assert.Equal(t, Result{"abc123": {"linux": []string{"A"}}}, result)
}

func TestFindSkipsDisabledVariants(t *testing.T) {
	baseTime := time.Date(2020, 4, 1, 12, 0, 0, 0, time.UTC)
	flipPattern := [][2]string{{"A", evergreen.TaskFailed}}
	api := newFakeAPI()
	api.addVersion("v_prev", "prevrev", baseTime, map[string][][2]string{
		"!windows-debug": flipPattern,
	})
	api.addVersion("v_cur", "abc123", baseTime, map[string][][2]string{
		"!windows-debug": flipPattern,
	})
	api.addVersion("v_next", "nextrev", baseTime, map[string][][2]string{
		"!windows-debug": {{"A", evergreen.TaskSucceeded}},
	})

	finder := NewFinder(api, testLogger())
	result, err := finder.Find(context.Background(), "my-project", baseTime.Add(-time.Hour))

	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestFindLookBackBeforeAllVersions(t *testing.T) {
	baseTime := time.Date(2020, 4, 1, 12, 0, 0, 0, time.UTC)
	api := newFakeAPI()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("v%d", i)
		api.addVersion(id, "rev"+id, baseTime.Add(-time.Duration(i)*time.Hour), map[string][][2]string{
			"linux": {{"A", evergreen.TaskFailed}},
		})
	}

	finder := NewFinder(api, testLogger())
	result, err := finder.Find(context.Background(), "my-project", baseTime.Add(time.Hour))

	require.NoError(t, err)
	assert.Empty(t, result)
	assert.Zero(t, api.buildCalls.Load(), "no work items should be scheduled")
}

func TestFindTooFewVersions(t *testing.T) {
	baseTime := time.Date(2020, 4, 1, 12, 0, 0, 0, time.UTC)
	api := newFakeAPI()
	api.addVersion("v0", "rev0", baseTime, map[string][][2]string{
		"linux": {{"A", evergreen.TaskFailed}},
	})
	api.addVersion("v1", "rev1", baseTime, map[string][][2]string{
		"linux": {{"A", evergreen.TaskFailed}},
	})

	finder := NewFinder(api, testLogger())
	result, err := finder.Find(context.Background(), "my-project", baseTime.Add(-time.Hour))

	require.NoError(t, err)
	assert.Empty(t, result)
	assert.Zero(t, api.buildCalls.Load())
}

func TestFindMergesMultipleRevisions(t *testing.T) {
	baseTime := time.Date(2020, 4, 1, 12, 0, 0, 0, time.UTC)
	alpha := []string{
		evergreen.TaskFailed, evergreen.TaskFailed, evergreen.TaskSucceeded,
		evergreen.TaskSucceeded, evergreen.TaskSucceeded,
	}
	beta := []string{
		evergreen.TaskSucceeded, evergreen.TaskFailed, evergreen.TaskFailed,
		evergreen.TaskFailed, evergreen.TaskSucceeded,
	}

	api := newFakeAPI()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("v%d", i)
		api.addVersion(id, "rev"+id, baseTime.Add(-time.Duration(i)*time.Hour), map[string][][2]string{
			"linux": {{"alpha", alpha[i]}, {"beta", beta[i]}},
		})
	}

	finder := NewFinder(api, testLogger())
	result, err := finder.Find(context.Background(), "my-project", baseTime.Add(-24*time.Hour))

	require.NoError(t, err)
	assert.Equal(t, Result{
		"revv1": {"linux": []string{"alpha"}},
		"revv3": {"linux": []string{"beta"}},
	}, result)
}

func TestFindPreservesTaskOrder(t *testing.T) {
	baseTime := time.Date(2020, 4, 1, 12, 0, 0, 0, time.UTC)
	failing := [][2]string{{"zeta", evergreen.TaskFailed}, {"alpha", evergreen.TaskFailed}}
	recovered := [][2]string{{"zeta", evergreen.TaskSucceeded}, {"alpha", evergreen.TaskSucceeded}}

	api := newFakeAPI()
	api.addVersion("v_prev", "prevrev", baseTime, map[string][][2]string{"linux": failing})
	api.addVersion("v_cur", "abc123", baseTime, map[string][][2]string{"linux": failing})
	api.addVersion("v_next", "nextrev", baseTime, map[string][][2]string{"linux": recovered})

	finder := NewFinder(api, testLogger())
	result, err := finder.Find(context.Background(), "my-project", baseTime.Add(-time.Hour))

	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha"}, result["abc123"]["linux"])
}

func TestFindStopsAtLookBackCutoff(t *testing.T) {
	baseTime := time.Date(2020, 4, 1, 12, 0, 0, 0, time.UTC)
	api := newFakeAPI()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("v%d", i)
		// Versions get older as the stream advances; v3 and later fall
		// outside the look-back window.
		createTime := baseTime.Add(-time.Duration(i) * 24 * time.Hour)
		api.addVersion(id, "rev"+id, createTime, map[string][][2]string{
			"linux": {{"alpha", evergreen.TaskFailed}},
		})
	}

	finder := NewFinder(api, testLogger())
	cutoff := baseTime.Add(-2*24*time.Hour - time.Hour)
	result, err := finder.Find(context.Background(), "my-project", cutoff)

	require.NoError(t, err)
	assert.Empty(t, result)
	// Middles v1 and v2 are analyzed; scheduling stops at v3.
	assert.Equal(t, int64(2), api.buildCalls.Load())
}

func TestFindPropagatesIterationError(t *testing.T) {
	baseTime := time.Date(2020, 4, 1, 12, 0, 0, 0, time.UTC)
	api := newFakeAPI()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("v%d", i)
		api.addVersion(id, "rev"+id, baseTime, map[string][][2]string{
			"linux": {{"alpha", evergreen.TaskSucceeded}},
		})
	}
	api.iterErr = errors.New("connection reset")
	api.iterErrAt = 2

	finder := NewFinder(api, testLogger())
	result, err := finder.Find(context.Background(), "my-project", baseTime.Add(-time.Hour))

	require.Error(t, err)
	assert.ErrorIs(t, err, api.iterErr)
	assert.Nil(t, result)
}

func TestFindPropagatesAnalysisError(t *testing.T) {
	baseTime := time.Date(2020, 4, 1, 12, 0, 0, 0, time.UTC)
	api := newFakeAPI()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("v%d", i)
		api.addVersion(id, "rev"+id, baseTime, map[string][][2]string{
			"linux": {{"alpha", evergreen.TaskSucceeded}},
		})
	}
	api.buildsErr = errors.New("service unavailable")

	finder := NewFinder(api, testLogger())
	result, err := finder.Find(context.Background(), "my-project", baseTime.Add(-time.Hour))

	require.Error(t, err)
	assert.ErrorIs(t, err, api.buildsErr)
	assert.Nil(t, result)
}

func TestWithWorkers(t *testing.T) {
	finder := NewFinder(newFakeAPI(), testLogger(), WithWorkers(4))
	assert.Equal(t, 4, finder.workers)

	finder = NewFinder(newFakeAPI(), testLogger(), WithWorkers(0))
	assert.Equal(t, DefaultWorkers, finder.workers)
}
