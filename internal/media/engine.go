// Package media drives ffmpeg to cut clips and burn captions. Every call works
// in its own temporary directory and removes it before returning.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clippie/backend/internal/quota"
	"github.com/clippie/backend/pkg/storage"
)

var (
	ErrTranscodeFailed    = errors.New("transcode failed")
	ErrSubtitleBurnFailed = errors.New("subtitle burn failed")
	ErrInvalidRange       = errors.New("invalid time range")
)

const (
	watermarkFilter = "drawtext=text='Clippie':fontcolor=white:fontsize=24:alpha=0.7:x=10:y=10"
	videoCodec      = "libx264"
	videoPreset     = "fast"
	videoCRF        = "22"
	clipContentType = "video/mp4"
)

// BlobStore is the subset of object storage the engine needs.
type BlobStore interface {
	GetObjectStream(ctx context.Context, bucket, key string) (io.ReadCloser, string, error)
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64, publicRead bool) (string, error)
}

// Buckets names where sources, clips and caption tracks live.
type Buckets struct {
	Videos    string
	Clips     string
	Subtitles string
}

// Config holds binary locations and the temp root.
type Config struct {
	FFmpegBin  string
	FFprobeBin string
	TempDir    string
}

// ExtractRequest describes one ranged cut.
type ExtractRequest struct {
	SourceKey  string
	Start      float64
	End        float64
	Resolution quota.Resolution
	Watermark  bool
}

// Engine is the transform engine.
type Engine struct {
	blobs   BlobStore
	runner  Runner
	buckets Buckets
	cfg     Config
	logger  *zap.Logger
}

// NewEngine creates a transform engine.
func NewEngine(blobs BlobStore, runner Runner, buckets Buckets, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	if cfg.FFprobeBin == "" {
		cfg.FFprobeBin = "ffprobe"
	}
	return &Engine{blobs: blobs, runner: runner, buckets: buckets, cfg: cfg, logger: logger}
}

// ExtractRange cuts [Start, End) out of the source, scales it to the resolution
// tier and uploads the result. It returns the clip's object key.
func (e *Engine) ExtractRange(ctx context.Context, req ExtractRequest) (string, error) {
	if !(req.Start >= 0) || !(req.End > req.Start) {
		return "", fmt.Errorf("%w: %w: start=%v end=%v", ErrTranscodeFailed, ErrInvalidRange, req.Start, req.End)
	}
	dir, err := e.workDir("extract")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscodeFailed, err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input"+filepath.Ext(req.SourceKey))
	if err := e.fetch(ctx, e.buckets.Videos, req.SourceKey, input); err != nil {
		return "", fmt.Errorf("%w: download source: %w", ErrTranscodeFailed, err)
	}
	output := filepath.Join(dir, "output.mp4")
	if _, err := e.runner.Run(ctx, e.cfg.FFmpegBin, ExtractArgs(input, output, req)...); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscodeFailed, err)
	}
	key := storage.ClipKey(uuid.New().String())
	if err := e.store(ctx, e.buckets.Clips, key, clipContentType, output); err != nil {
		return "", fmt.Errorf("%w: upload clip: %w", ErrTranscodeFailed, err)
	}
	e.logger.Info("clip extracted",
		zap.String("source_key", req.SourceKey),
		zap.String("output_key", key),
		zap.Float64("duration", req.End-req.Start),
		zap.String("resolution", string(req.Resolution)),
		zap.Bool("watermark", req.Watermark),
	)
	return key, nil
}

// BurnSubtitles hard-burns the caption track into the clip and uploads the
// re-encoded video under a new key, which it returns.
func (e *Engine) BurnSubtitles(ctx context.Context, clipKey, captionKey string, style Style) (string, error) {
	dir, err := e.workDir("burn")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubtitleBurnFailed, err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input.mp4")
	if err := e.fetch(ctx, e.buckets.Clips, clipKey, input); err != nil {
		return "", fmt.Errorf("%w: download clip: %w", ErrSubtitleBurnFailed, err)
	}
	captions := filepath.Join(dir, "captions.srt")
	if err := e.fetch(ctx, e.buckets.Subtitles, captionKey, captions); err != nil {
		return "", fmt.Errorf("%w: download captions: %w", ErrSubtitleBurnFailed, err)
	}
	output := filepath.Join(dir, "output.mp4")
	if _, err := e.runner.Run(ctx, e.cfg.FFmpegBin, BurnArgs(input, captions, output, style)...); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubtitleBurnFailed, err)
	}
	key := storage.ClipKey(uuid.New().String() + "-subtitled")
	if err := e.store(ctx, e.buckets.Clips, key, clipContentType, output); err != nil {
		return "", fmt.Errorf("%w: upload clip: %w", ErrSubtitleBurnFailed, err)
	}
	e.logger.Info("subtitles burned", zap.String("clip_key", clipKey), zap.String("output_key", key))
	return key, nil
}

// ExtractAudioRange returns the [start, end) audio of the source as mono MP3.
func (e *Engine) ExtractAudioRange(ctx context.Context, sourceKey string, start, end float64) ([]byte, error) {
	if !(start >= 0) || !(end > start) {
		return nil, fmt.Errorf("%w: start=%v end=%v", ErrInvalidRange, start, end)
	}
	dir, err := e.workDir("audio")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input"+filepath.Ext(sourceKey))
	if err := e.fetch(ctx, e.buckets.Videos, sourceKey, input); err != nil {
		return nil, fmt.Errorf("download source: %w", err)
	}
	output := filepath.Join(dir, "audio.mp3")
	if _, err := e.runner.Run(ctx, e.cfg.FFmpegBin, AudioArgs(input, output, start, end)...); err != nil {
		return nil, fmt.Errorf("extract audio: %w", err)
	}
	audio, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return audio, nil
}

// Probe returns the duration in seconds of the media at location, which may be
// a local path or a URL ffprobe can open.
func (e *Engine) Probe(ctx context.Context, location string) (float64, error) {
	out, err := e.runner.Run(ctx, e.cfg.FFprobeBin, ProbeArgs(location)...)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	return ParseProbeDuration(out)
}

// ExtractArgs builds the ffmpeg arguments for a ranged cut. Seeking is done
// with -ss before the input and -t for the length so fractional bounds do not drift.
func ExtractArgs(input, output string, req ExtractRequest) []string {
	w, h := req.Resolution.Dimensions()
	filters := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", w, h),
		fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2", w, h),
		"setsar=1",
	}
	if req.Watermark {
		filters = append(filters, watermarkFilter)
	}
	return []string{
		"-y",
		"-ss", seconds(req.Start),
		"-i", input,
		"-t", seconds(req.End - req.Start),
		"-vf", strings.Join(filters, ","),
		"-c:v", videoCodec,
		"-preset", videoPreset,
		"-crf", videoCRF,
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		output,
	}
}

// BurnArgs builds the ffmpeg arguments that render captions onto a clip.
func BurnArgs(input, captions, output string, style Style) []string {
	filter := fmt.Sprintf("subtitles=filename='%s':force_style='%s'", escapeFilterValue(captions), style.ForceStyle())
	return []string{
		"-y",
		"-i", input,
		"-vf", filter,
		"-c:v", videoCodec,
		"-preset", videoPreset,
		"-crf", videoCRF,
		"-pix_fmt", "yuv420p",
		"-c:a", "copy",
		"-movflags", "+faststart",
		output,
	}
}

// AudioArgs builds the ffmpeg arguments for speech-to-text audio.
func AudioArgs(input, output string, start, end float64) []string {
	return []string{
		"-y",
		"-ss", seconds(start),
		"-i", input,
		"-t", seconds(end - start),
		"-vn",
		"-ac", "1",
		"-c:a", "libmp3lame",
		"-b:a", "128k",
		output,
	}
}

// ProbeArgs builds the ffprobe arguments that print the container format as JSON.
func ProbeArgs(location string) []string {
	return []string{"-v", "quiet", "-print_format", "json", "-show_format", location}
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ParseProbeDuration reads format.duration from ffprobe JSON output.
func ParseProbeDuration(out []byte) (float64, error) {
	var p probeOutput
	if err := json.Unmarshal(out, &p); err != nil {
		return 0, fmt.Errorf("decode ffprobe output: %w", err)
	}
	if p.Format.Duration == "" {
		return 0, errors.New("ffprobe output has no duration")
	}
	d, err := strconv.ParseFloat(p.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", p.Format.Duration, err)
	}
	if !(d > 0) {
		return 0, fmt.Errorf("non-positive duration %v", d)
	}
	return d, nil
}

func (e *Engine) workDir(prefix string) (string, error) {
	dir, err := os.MkdirTemp(e.cfg.TempDir, prefix+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	return dir, nil
}

func (e *Engine) fetch(ctx context.Context, bucket, key, path string) error {
	body, _, err := e.blobs.GetObjectStream(ctx, bucket, key)
	if err != nil {
		return err
	}
	defer body.Close()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (e *Engine) store(ctx context.Context, bucket, key, contentType, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return errors.New("empty output")
	}
	_, err = e.blobs.Upload(ctx, bucket, key, contentType, f, info.Size(), false)
	return err
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// escapeFilterValue escapes a path for use inside a quoted filtergraph option.
func escapeFilterValue(s string) string {
	return strings.ReplaceAll(s, `'`, `'\''`)
}
