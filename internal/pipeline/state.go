package pipeline

import (
	"fmt"

	"clipforge/internal/analyze"
	"clipforge/internal/job"
	"clipforge/internal/services"
	"clipforge/internal/transcribe"
)

// State is the typed baton handed from stage to stage. Stages declare which
// fields they need; the runner validates those declarations at every
// boundary so a wiring mistake surfaces as a named error instead of a nil
// dereference three stages later.
type State struct {
	Job       *job.Job
	LockToken string
	// WorkDir is the per-attempt scratch directory. Everything a stage
	// writes goes under it.
	WorkDir string

	// SourcePath and SourceInfo are set by the download stage.
	SourcePath  string
	DurationSec float64

	// Transcript is set by the transcribe stage, nil when skipped.
	Transcript *transcribe.Transcript

	// Plan is set by the analyze stage.
	Plan *analyze.EditPlan

	// OutputPath is set by the render stage.
	OutputPath string

	// Result accumulates what Complete persists.
	Result job.Result
}

func (s *State) requireSource(stage string) error {
	if s.SourcePath == "" {
		return services.Wrap(services.ErrValidation, stage, "precheck", "no source file from download stage", nil)
	}
	return nil
}

func (s *State) requirePlan(stage string) error {
	if s.Plan == nil || len(s.Plan.Segments) == 0 {
		return services.Wrap(services.ErrValidation, stage, "precheck", "no edit plan from analysis stage", nil)
	}
	return nil
}

func (s *State) requireOutput(stage string) error {
	if s.OutputPath == "" {
		return services.Wrap(services.ErrValidation, stage, "precheck", "no rendered output from render stage", nil)
	}
	return nil
}

func (s *State) markDegraded() {
	s.Result.Degraded = true
	if s.Job != nil {
		s.Job.Degraded = true
	}
}

func stepLabel(stage string) string {
	switch stage {
	case StageDownload:
		return "Downloading source"
	case StageTranscribe:
		return "Transcribing audio"
	case StageAnalyze:
		return "Analyzing content"
	case StageRender:
		return "Rendering derivative"
	case StageUpload:
		return "Uploading output"
	default:
		return fmt.Sprintf("Running %s", stage)
	}
}
