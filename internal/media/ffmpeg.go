// Package media wraps the ffmpeg and ffprobe command-line tools for
// derivative rendering. Each job kind maps to one argument builder so the
// command line stays inspectable in tests without spawning a process.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"clipforge/internal/job"
	"clipforge/internal/services"
)

var commandContext = exec.CommandContext

// stderrTailBytes bounds how much tool output is kept for error reporting.
const stderrTailBytes = 2048

// Segment is a source time range included in the output.
type Segment struct {
	StartSec float64
	EndSec   float64
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 {
	return s.EndSec - s.StartSec
}

// RenderSpec describes one derivative to produce.
type RenderSpec struct {
	Kind      job.Kind
	InputPath string
	OutputDir string
	Segments  []Segment
	// TopText and BottomText caption meme output.
	TopText    string
	BottomText string
	// GIF tuning.
	GIFWidth int
	GIFFPS   int
	// FontFile overrides the caption font.
	FontFile string
}

// Info is the subset of ffprobe output the pipeline uses.
type Info struct {
	DurationSec float64
	Width       int
	Height      int
}

// Renderer produces derivative files. The pipeline depends on this
// interface so tests can substitute a recorder.
type Renderer interface {
	Probe(ctx context.Context, path string) (Info, error)
	Render(ctx context.Context, spec RenderSpec) (string, error)
}

// Option configures the CLI renderer.
type Option func(*CLI)

// WithBinary overrides the ffmpeg binary name.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.ffmpeg = binary
		}
	}
}

// WithProbeBinary overrides the ffprobe binary name.
func WithProbeBinary(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.ffprobe = binary
		}
	}
}

// CLI shells out to ffmpeg and ffprobe.
type CLI struct {
	ffmpeg  string
	ffprobe string
}

// NewCLI constructs a renderer using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// Probe reads container metadata from the source file.
func (c *CLI) Probe(ctx context.Context, path string) (Info, error) {
	if path == "" {
		return Info{}, errors.New("probe path required")
	}
	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "format=duration:stream=width,height",
		"-of", "json",
		path,
	}
	cmd := commandContext(ctx, c.ffprobe, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Info{}, toolError("ffprobe", stderr.Bytes(), err)
	}

	var payload struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		return Info{}, services.Wrap(services.ErrExternalTool, "media", "probe", "decode ffprobe output", err)
	}

	info := Info{}
	if payload.Format.Duration != "" {
		duration, err := strconv.ParseFloat(payload.Format.Duration, 64)
		if err != nil {
			return Info{}, services.Wrap(services.ErrExternalTool, "media", "probe", "parse duration", err)
		}
		info.DurationSec = duration
	}
	if len(payload.Streams) > 0 {
		info.Width = payload.Streams[0].Width
		info.Height = payload.Streams[0].Height
	}
	return info, nil
}

// Render produces the derivative for the spec and returns its path.
func (c *CLI) Render(ctx context.Context, spec RenderSpec) (string, error) {
	outputPath, args, err := BuildRenderArgs(spec)
	if err != nil {
		return "", err
	}
	// ffmpeg refuses to create missing output directories.
	if err := os.MkdirAll(spec.OutputDir, 0o755); err != nil {
		return "", services.Wrap(services.ErrExternalTool, "media", "render", "create output directory", err)
	}

	cmd := commandContext(ctx, c.ffmpeg, args...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", toolError("ffmpeg", stderr.Bytes(), err)
	}
	return outputPath, nil
}

// BuildRenderArgs maps a spec to the output path and full ffmpeg argument
// list. Exposed for tests.
func BuildRenderArgs(spec RenderSpec) (string, []string, error) {
	if spec.InputPath == "" {
		return "", nil, errors.New("input path required")
	}
	if spec.OutputDir == "" {
		return "", nil, errors.New("output directory required")
	}
	if len(spec.Segments) == 0 {
		return "", nil, errors.New("at least one segment required")
	}
	for _, segment := range spec.Segments {
		if segment.Duration() <= 0 {
			return "", nil, fmt.Errorf("segment %.2f-%.2f has no duration", segment.StartSec, segment.EndSec)
		}
	}

	switch spec.Kind {
	case job.KindClip:
		return clipArgs(spec)
	case job.KindTrailer:
		return trailerArgs(spec)
	case job.KindGIF:
		return gifArgs(spec)
	case job.KindMeme:
		return memeArgs(spec)
	default:
		return "", nil, fmt.Errorf("no renderer for kind %q", spec.Kind)
	}
}

// clipArgs cuts a single segment and re-encodes for precise boundaries.
func clipArgs(spec RenderSpec) (string, []string, error) {
	if len(spec.Segments) != 1 {
		return "", nil, fmt.Errorf("clip takes exactly one segment, got %d", len(spec.Segments))
	}
	segment := spec.Segments[0]
	outputPath := filepath.Join(spec.OutputDir, "clip.mp4")
	args := []string{
		"-hide_banner", "-y",
		"-ss", formatSeconds(segment.StartSec),
		"-i", spec.InputPath,
		"-t", formatSeconds(segment.Duration()),
		"-c:v", "libx264", "-preset", "veryfast", "-crf", "20",
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
		outputPath,
	}
	return outputPath, args, nil
}

// trailerArgs concatenates several segments through a filter graph.
func trailerArgs(spec RenderSpec) (string, []string, error) {
	outputPath := filepath.Join(spec.OutputDir, "trailer.mp4")

	var filter strings.Builder
	for i, segment := range spec.Segments {
		fmt.Fprintf(&filter, "[0:v]trim=start=%s:end=%s,setpts=PTS-STARTPTS[v%d];",
			formatSeconds(segment.StartSec), formatSeconds(segment.EndSec), i)
		fmt.Fprintf(&filter, "[0:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS[a%d];",
			formatSeconds(segment.StartSec), formatSeconds(segment.EndSec), i)
	}
	for i := range spec.Segments {
		fmt.Fprintf(&filter, "[v%d][a%d]", i, i)
	}
	fmt.Fprintf(&filter, "concat=n=%d:v=1:a=1[outv][outa]", len(spec.Segments))

	args := []string{
		"-hide_banner", "-y",
		"-i", spec.InputPath,
		"-filter_complex", filter.String(),
		"-map", "[outv]", "-map", "[outa]",
		"-c:v", "libx264", "-preset", "veryfast", "-crf", "20",
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
		outputPath,
	}
	return outputPath, args, nil
}

// gifArgs cuts one segment and converts it through a generated palette so
// the result avoids the default dithered 256-color banding.
func gifArgs(spec RenderSpec) (string, []string, error) {
	if len(spec.Segments) != 1 {
		return "", nil, fmt.Errorf("gif takes exactly one segment, got %d", len(spec.Segments))
	}
	segment := spec.Segments[0]
	width := spec.GIFWidth
	if width <= 0 {
		width = 480
	}
	fps := spec.GIFFPS
	if fps <= 0 {
		fps = 12
	}
	outputPath := filepath.Join(spec.OutputDir, "out.gif")
	filter := fmt.Sprintf(
		"fps=%d,scale=%d:-1:flags=lanczos,split[s0][s1];[s0]palettegen[p];[s1][p]paletteuse",
		fps, width,
	)
	args := []string{
		"-hide_banner", "-y",
		"-ss", formatSeconds(segment.StartSec),
		"-i", spec.InputPath,
		"-t", formatSeconds(segment.Duration()),
		"-filter_complex", filter,
		outputPath,
	}
	return outputPath, args, nil
}

// memeArgs cuts one segment and burns top/bottom captions into the frame.
func memeArgs(spec RenderSpec) (string, []string, error) {
	if len(spec.Segments) != 1 {
		return "", nil, fmt.Errorf("meme takes exactly one segment, got %d", len(spec.Segments))
	}
	if spec.TopText == "" && spec.BottomText == "" {
		return "", nil, errors.New("meme needs at least one caption")
	}
	segment := spec.Segments[0]
	outputPath := filepath.Join(spec.OutputDir, "meme.mp4")

	font := spec.FontFile
	if font == "" {
		font = "/usr/share/fonts/truetype/dejavu/DejaVuSans-Bold.ttf"
	}

	var filters []string
	if spec.TopText != "" {
		filters = append(filters, drawtext(font, spec.TopText, "h*0.05"))
	}
	if spec.BottomText != "" {
		filters = append(filters, drawtext(font, spec.BottomText, "h*0.85"))
	}

	args := []string{
		"-hide_banner", "-y",
		"-ss", formatSeconds(segment.StartSec),
		"-i", spec.InputPath,
		"-t", formatSeconds(segment.Duration()),
		"-vf", strings.Join(filters, ","),
		"-c:v", "libx264", "-preset", "veryfast", "-crf", "20",
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
		outputPath,
	}
	return outputPath, args, nil
}

func drawtext(font, text, y string) string {
	return fmt.Sprintf(
		"drawtext=fontfile=%s:text='%s':fontcolor=white:borderw=3:bordercolor=black:fontsize=h/12:x=(w-text_w)/2:y=%s",
		font, escapeDrawtext(text), y,
	)
}

// escapeDrawtext quotes the characters drawtext treats specially.
func escapeDrawtext(text string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`:`, `\:`,
		`%`, `\%`,
	)
	return replacer.Replace(text)
}

func formatSeconds(value float64) string {
	return strconv.FormatFloat(value, 'f', 3, 64)
}

// toolError attaches the stderr tail so operators can see why a render died
// without digging for scratch files.
func toolError(tool string, stderr []byte, err error) error {
	tail := strings.TrimSpace(string(stderr))
	if len(tail) > stderrTailBytes {
		tail = tail[len(tail)-stderrTailBytes:]
	}
	message := fmt.Sprintf("%s failed", tool)
	if tail != "" {
		message = fmt.Sprintf("%s failed: %s", tool, tail)
	}
	return services.Wrap(services.ErrExternalTool, "media", "render", message, err)
}

var _ Renderer = (*CLI)(nil)
