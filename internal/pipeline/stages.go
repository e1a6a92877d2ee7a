package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"clipforge/internal/analyze"
	"clipforge/internal/fetch"
	"clipforge/internal/job"
	"clipforge/internal/media"
	"clipforge/internal/objectstore"
	"clipforge/internal/services"
	"clipforge/internal/transcribe"
)

// Stage names are persisted in failed_stage and surfaced by the status CLI.
const (
	StageDownload   = "download"
	StageTranscribe = "transcribe"
	StageAnalyze    = "analyze"
	StageRender     = "render"
	StageUpload     = "upload"
)

// ExhaustPolicy decides what happens when a stage runs out of attempts.
type ExhaustPolicy int

const (
	// ExhaustFail marks the job failed.
	ExhaustFail ExhaustPolicy = iota
	// ExhaustSkip marks the job degraded and continues with the next stage.
	ExhaustSkip
)

// Stage is one unit of pipeline work with its progress window and failure
// behavior.
type Stage struct {
	Name string
	// StartPercent and EndPercent bound the job progress this stage owns.
	StartPercent float64
	EndPercent   float64
	// MaxAttempts caps in-place retries for transient failures. Zero means
	// one attempt.
	MaxAttempts int
	// MaxDuration bounds a single attempt. An attempt still running at the
	// limit is a fatal stage failure, never retried. Zero defers to the
	// runner's global bound.
	MaxDuration time.Duration
	OnExhausted ExhaustPolicy
	// Precheck validates the incoming state before the first attempt.
	Precheck func(*State) error
	Execute  func(ctx context.Context, state *State) error
}

// Fetcher is the retrieval engine surface the download stage needs.
type Fetcher interface {
	Fetch(ctx context.Context, locator, qualityHint, destDir string) (fetch.Result, error)
}

// ArtifactSaver persists intermediate records; the runner provides it from
// the job store.
type ArtifactSaver func(ctx context.Context, kind job.ArtifactKind, payload string) error

// Deps bundles the external services stages call.
type Deps struct {
	Fetcher     Fetcher
	Transcriber transcribe.Transcriber
	Planner     analyze.Planner
	Renderer    media.Renderer
	Uploader    objectstore.Uploader
}

// StagesFor returns the stage sequence for a job kind. GIF jobs skip
// transcription entirely since their selection is visual.
func StagesFor(kind job.Kind, deps Deps, save ArtifactSaver) []Stage {
	stages := []Stage{downloadStage(deps)}
	if kind != job.KindGIF {
		stages = append(stages, transcribeStage(deps, save))
	}
	stages = append(stages,
		analyzeStage(kind, deps, save),
		renderStage(kind, deps),
		uploadStage(deps),
	)
	return stages
}

func downloadStage(deps Deps) Stage {
	return Stage{
		Name:         StageDownload,
		StartPercent: 0,
		EndPercent:   15,
		MaxAttempts:  1, // the engine runs its own escalation ladder
		MaxDuration:  30 * time.Minute,
		OnExhausted:  ExhaustFail,
		Execute: func(ctx context.Context, state *State) error {
			destDir := filepath.Join(state.WorkDir, "source")
			result, err := deps.Fetcher.Fetch(ctx, state.Job.SourceRef, "", destDir)
			if err != nil {
				return err
			}
			state.SourcePath = result.Path
			state.DurationSec = result.Metadata.DurationSec
			state.Result.Title = result.Metadata.Title
			return nil
		},
	}
}

func transcribeStage(deps Deps, save ArtifactSaver) Stage {
	return Stage{
		Name:         StageTranscribe,
		StartPercent: 15,
		EndPercent:   45,
		MaxAttempts:  3,
		MaxDuration:  20 * time.Minute,
		OnExhausted:  ExhaustSkip,
		Precheck:     func(s *State) error { return s.requireSource(StageTranscribe) },
		Execute: func(ctx context.Context, state *State) error {
			transcript, err := deps.Transcriber.Transcribe(ctx, state.SourcePath)
			if err != nil {
				return err
			}
			state.Transcript = transcript
			if save != nil {
				if payload, err := json.Marshal(transcript); err == nil {
					if err := save(ctx, job.ArtifactTranscript, string(payload)); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

func analyzeStage(kind job.Kind, deps Deps, save ArtifactSaver) Stage {
	return Stage{
		Name:         StageAnalyze,
		StartPercent: 45,
		EndPercent:   65,
		MaxAttempts:  3,
		MaxDuration:  10 * time.Minute,
		OnExhausted:  ExhaustFail,
		Precheck:     func(s *State) error { return s.requireSource(StageAnalyze) },
		Execute: func(ctx context.Context, state *State) error {
			req := analyze.Request{Kind: kind, DurationSec: state.DurationSec}
			if state.Transcript != nil {
				req.Transcript = state.Transcript.Timestamped()
			}
			plan, err := deps.Planner.Plan(ctx, req)
			if err != nil {
				return err
			}
			state.Plan = plan
			if plan.Title != "" {
				state.Result.Title = plan.Title
			}
			if save != nil {
				if payload, err := json.Marshal(plan); err == nil {
					if err := save(ctx, job.ArtifactEditPlan, string(payload)); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

func renderStage(kind job.Kind, deps Deps) Stage {
	return Stage{
		Name:         StageRender,
		StartPercent: 65,
		EndPercent:   90,
		MaxAttempts:  2,
		MaxDuration:  45 * time.Minute,
		OnExhausted:  ExhaustFail,
		Precheck: func(s *State) error {
			if err := s.requireSource(StageRender); err != nil {
				return err
			}
			return s.requirePlan(StageRender)
		},
		Execute: func(ctx context.Context, state *State) error {
			spec := media.RenderSpec{
				Kind:       kind,
				InputPath:  state.SourcePath,
				OutputDir:  filepath.Join(state.WorkDir, "render"),
				TopText:    state.Plan.TopText,
				BottomText: state.Plan.BottomText,
			}
			segments := state.Plan.Segments
			if kind != job.KindTrailer && len(segments) > 1 {
				segments = segments[:1]
			}
			for _, segment := range segments {
				spec.Segments = append(spec.Segments, media.Segment{
					StartSec: segment.StartSec,
					EndSec:   segment.EndSec,
				})
			}

			outputPath, err := deps.Renderer.Render(ctx, spec)
			if err != nil {
				return err
			}
			state.OutputPath = outputPath

			var total float64
			for _, segment := range spec.Segments {
				total += segment.Duration()
			}
			state.Result.DurationSec = total
			state.Result.ContentType = objectstore.ContentTypeFor(outputPath)
			return nil
		},
	}
}

func uploadStage(deps Deps) Stage {
	return Stage{
		Name:         StageUpload,
		StartPercent: 90,
		EndPercent:   100,
		MaxAttempts:  3,
		MaxDuration:  15 * time.Minute,
		OnExhausted:  ExhaustFail,
		Precheck:     func(s *State) error { return s.requireOutput(StageUpload) },
		Execute: func(ctx context.Context, state *State) error {
			if deps.Uploader == nil {
				return services.Wrap(services.ErrConfiguration, StageUpload, "execute",
					"no object store configured", objectstore.ErrNotConfigured)
			}
			key := objectstore.DerivativeKey(state.Job.ID, filepath.Base(state.OutputPath))
			object, err := deps.Uploader.Upload(ctx, state.OutputPath, key)
			if err != nil {
				return err
			}
			state.Result.OutputKey = object.Key
			if state.Result.ContentType == "" {
				state.Result.ContentType = object.ContentType
			}
			return nil
		},
	}
}

func validateStages(stages []Stage) error {
	previousEnd := 0.0
	for _, stage := range stages {
		if stage.EndPercent <= stage.StartPercent {
			return fmt.Errorf("stage %s has empty progress window", stage.Name)
		}
		if stage.StartPercent < previousEnd {
			return fmt.Errorf("stage %s progress window overlaps previous stage", stage.Name)
		}
		previousEnd = stage.EndPercent
	}
	return nil
}
