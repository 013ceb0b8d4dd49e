// Package pipeline runs one acquisition through loading, header repair,
// mosaic assembly and staging.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"fitsproc/internal/models"
	"fitsproc/pkg/config"
	"fitsproc/pkg/fitsfile"
	"fitsproc/pkg/header"
	"fitsproc/pkg/mosaic"
	"fitsproc/pkg/quadrant"
	"fitsproc/pkg/stager"
)

// OutcomeSink receives every finished outcome.
type OutcomeSink interface {
	Publish(ctx context.Context, outcome models.ProcessingOutcome) error
}

// StageFlags enable individual steps.
type StageFlags struct {
	Geometry      bool
	Time          bool
	Temperature   bool
	Miscellaneous bool
	Mosaic        bool
}

// Options are fixed for the lifetime of a Worker.
type Options struct {
	Stages      StageFlags
	Mosaic      mosaic.Options
	QuadrantMap quadrant.Map
	Site        header.Site
	Stager      stager.Options
}

// OptionsFromConfig maps the server configuration onto worker options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Stages: StageFlags{
			Geometry:      cfg.Stages.Geometry,
			Time:          cfg.Stages.Time,
			Temperature:   cfg.Stages.Temperature,
			Miscellaneous: cfg.Stages.Miscellaneous,
			Mosaic:        cfg.Stages.Mosaic,
		},
		Mosaic: mosaic.Options{
			OverscanSkip: cfg.Mosaic.OverscanSkip,
			RowMargin:    cfg.Mosaic.RowMargin,
		},
		QuadrantMap: quadrant.Default,
		Site:        header.KittPeak,
		Stager: stager.Options{
			ProcessedRoot:  cfg.Paths.ProcessedRoot,
			RepositoryRoot: cfg.Paths.RepositoryRoot,
		},
	}
}

// Worker processes files. It holds no per-file state and is safe for
// concurrent use.
type Worker struct {
	opts   Options
	stages []header.Stage
	stager *stager.Stager
	load   func(path string) (*models.RawImage, error)
	sink   OutcomeSink
	logger *slog.Logger
}

// NewWorker creates a Worker. sink may be nil.
func NewWorker(opts Options, sink OutcomeSink, logger *slog.Logger) (*Worker, error) {
	if err := opts.QuadrantMap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quadrant map: %w", err)
	}

	var stages []header.Stage
	if opts.Stages.Geometry {
		stages = append(stages, header.Geometry(opts.QuadrantMap))
	}
	if opts.Stages.Time {
		stages = append(stages, header.Time(opts.Site))
	}
	if opts.Stages.Temperature {
		stages = append(stages, header.Temperature())
	}
	if opts.Stages.Miscellaneous {
		stages = append(stages, header.Miscellaneous(opts.Site))
	}

	return &Worker{
		opts:   opts,
		stages: stages,
		stager: stager.New(opts.Stager, logger),
		load:   fitsfile.Load,
		sink:   sink,
		logger: logger.With("component", "worker"),
	}, nil
}

// Process handles one file end to end. Only a load failure stops the file
// early; every other failure is counted in the outcome and processing
// continues. A panic is fatal to the file only.
func (w *Worker) Process(ctx context.Context, path string) (outcome models.ProcessingOutcome) {
	start := time.Now()
	outcome = models.ProcessingOutcome{TaskID: uuid.NewString(), Path: path}
	log := w.logger.With("task", outcome.TaskID, "file", path)
	log.Info("processing started")

	defer func() {
		if r := recover(); r != nil {
			outcome.ErrorCount++
			outcome.Logf("panic: %v", r)
			log.Error("processing panicked", "panic", r)
		}
		outcome.Duration = time.Since(start)
		log.Info("processing finished",
			"unique_name", outcome.UniqueName,
			"errors", outcome.ErrorCount,
			"duration", outcome.Duration)
		w.publish(ctx, log, outcome)
	}()

	img, err := w.load(path)
	if err != nil {
		outcome.ErrorCount++
		outcome.Logf("load: failed: %v", err)
		log.Error("failed to load image", "error", err)
		return outcome
	}
	outcome.Logf("load: ok")

	lines, failures := header.Run(img, w.stages, log)
	outcome.StageLog = append(outcome.StageLog, lines...)
	if failures > 0 {
		log.Warn("header repair incomplete", "failed_stages", failures)
	}

	if w.opts.Stages.Mosaic {
		estimates, err := mosaic.Assemble(img, w.opts.QuadrantMap, w.opts.Mosaic)
		if err != nil {
			outcome.ErrorCount++
			outcome.Logf("mosaic: failed: %v", err)
			log.Error("mosaic assembly failed", "error", err)
		} else {
			outcome.Logf("mosaic: ok")
			for _, e := range estimates {
				log.Debug("bias estimate", "quadrant", e.Quadrant.String(), "median", e.Median, "stddev", e.StdDev)
			}
		}
	}

	res := w.stager.WithLogger(log).Stage(img, filepath.Base(path))
	outcome.UniqueName = res.UniqueName
	outcome.ProcessedPath = res.ProcessedPath
	outcome.RepositoryPath = res.RepositoryPath
	outcome.ErrorCount += res.Errors
	outcome.StageLog = append(outcome.StageLog, res.Log...)
	return outcome
}

func (w *Worker) publish(ctx context.Context, log *slog.Logger, outcome models.ProcessingOutcome) {
	if w.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("outcome sink panicked", "panic", r)
		}
	}()
	if err := w.sink.Publish(ctx, outcome); err != nil {
		log.Warn("failed to publish outcome", "error", err)
	}
}
