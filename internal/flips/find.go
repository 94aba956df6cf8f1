package flips

import (
	"context"
	"fmt"
	"time"

	"github.com/dbradf/evgflip/internal/evergreen"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the default size of the analysis worker pool.
const DefaultWorkers = 16

// API is the slice of the Evergreen API the finder consumes. Each call
// issues a blocking network request; the finder performs no retries.
type API interface {
	VersionsByProject(ctx context.Context, project string) evergreen.VersionIterator
	BuildsForVersion(ctx context.Context, versionID string) ([]evergreen.Build, error)
	BuildForVariant(ctx context.Context, versionID, variant string) (*evergreen.Build, error)
	TasksForBuild(ctx context.Context, buildID string) ([]evergreen.Task, error)
}

// Finder analyzes a project's version history for task flips.
type Finder struct {
	api     API
	logger  *logrus.Logger
	workers int
}

// Option configures a Finder.
type Option func(*Finder)

// WithWorkers sets the size of the analysis worker pool.
func WithWorkers(n int) Option {
	return func(f *Finder) {
		if n > 0 {
			f.workers = n
		}
	}
}

// NewFinder creates a flip finder backed by the given API client.
func NewFinder(api API, logger *logrus.Logger, opts ...Option) *Finder {
	f := &Finder{
		api:     api,
		logger:  logger,
		workers: DefaultWorkers,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Find walks the project's version history newest-first, sliding a
// window of three versions over it, and analyzes each window's middle
// version for task flips. Scheduling stops at the first version created
// before lookBack; in-flight analyses still run to completion. Results
// are collected in window order, so the output is deterministic for a
// deterministic history.
//
// Any version iteration or analysis error fails the whole call.
func (f *Finder) Find(ctx context.Context, project string, lookBack time.Time) (Result, error) {
	f.logger.WithField("project", project).Debug("Starting flip detection")
	iterator := f.api.VersionsByProject(ctx, project)

	// Scheduled work items run to completion even if a sibling fails;
	// the first error still fails the whole call once collected.
	var g errgroup.Group
	g.SetLimit(f.workers)

	var (
		slots        []*flipList
		wprev, wcur  *evergreen.Version
		iterationErr error
	)

	for {
		v, err := iterator.Next(ctx)
		if err != nil {
			iterationErr = fmt.Errorf("iterate versions for project %s: %w", project, err)
			break
		}
		if v == nil {
			break
		}

		if wprev != nil && wcur != nil {
			versionPrev, version, versionNext := wprev, wcur, v
			log := f.logger.WithField("version", version.ID)
			if version.CreateTime.Before(lookBack) {
				log.WithField("create_time", version.CreateTime).Debug("Reached look-back cutoff")
				break
			}

			item := workItem{version: version, versionPrev: versionPrev, versionNext: versionNext}
			slot := &flipList{}
			slots = append(slots, slot)
			g.Go(func() error {
				fl, err := f.flipsForVersion(ctx, item, log)
				if err != nil {
					return err
				}
				*slot = fl
				return nil
			})
		}

		wprev, wcur = wcur, v
	}

	if iterationErr != nil {
		_ = g.Wait()
		return nil, iterationErr
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make(Result)
	for _, fl := range slots {
		if len(fl.flippedTasks) > 0 {
			result[fl.revision] = fl.flippedTasks
		}
	}
	return result, nil
}

// flipsForVersion collects the flipped tasks for every analyzable build
// variant in the work item's version.
func (f *Finder) flipsForVersion(ctx context.Context, item workItem, log *logrus.Entry) (flipList, error) {
	log.Debug("Analyzing version")

	builds, err := f.api.BuildsForVersion(ctx, item.version.ID)
	if err != nil {
		return flipList{}, fmt.Errorf("fetch builds for version %s: %w", item.version.ID, err)
	}

	flippedTasks := make(map[string][]string, len(builds))
	for _, build := range builds {
		if !analyzableBuild(build) {
			continue
		}
		flipped, err := f.flipsForBuild(ctx, build, item.versionPrev, item.versionNext)
		if err != nil {
			return flipList{}, err
		}
		flippedTasks[build.BuildVariant] = flipped
	}

	return flipList{
		revision:     item.version.Revision,
		flippedTasks: filterEmptyValues(flippedTasks),
	}, nil
}

// flipsForBuild returns the display names of the build's tasks that
// flipped, in the build's task enumeration order.
func (f *Finder) flipsForBuild(ctx context.Context, build evergreen.Build, versionPrev, versionNext *evergreen.Version) ([]string, error) {
	buildPrev, err := f.api.BuildForVariant(ctx, versionPrev.ID, build.BuildVariant)
	if err != nil {
		return nil, fmt.Errorf("fetch previous build for variant %s: %w", build.BuildVariant, err)
	}
	buildNext, err := f.api.BuildForVariant(ctx, versionNext.ID, build.BuildVariant)
	if err != nil {
		return nil, fmt.Errorf("fetch next build for variant %s: %w", build.BuildVariant, err)
	}

	tasks, err := f.api.TasksForBuild(ctx, build.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch tasks for build %s: %w", build.ID, err)
	}
	tasksPrev, err := f.api.TasksForBuild(ctx, buildPrev.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch tasks for build %s: %w", buildPrev.ID, err)
	}
	tasksNext, err := f.api.TasksForBuild(ctx, buildNext.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch tasks for build %s: %w", buildNext.ID, err)
	}

	prevByName := taskMap(tasksPrev)
	nextByName := taskMap(tasksNext)

	var flipped []string
	for _, task := range tasks {
		if isTaskFlip(task, prevByName, nextByName) {
			flipped = append(flipped, task.DisplayName)
		}
	}
	return flipped, nil
}
