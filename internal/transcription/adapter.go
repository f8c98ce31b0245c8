// Package transcription turns a time range of a source video into plain text.
// It is best-effort: callers get a Result and decide what a failure means.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrTranscriptionFailed = errors.New("transcription failed")

// DefaultLanguage is used when a request names none.
const DefaultLanguage = "en"

// AudioSource extracts the audio of a source video range.
type AudioSource interface {
	ExtractAudioRange(ctx context.Context, sourceKey string, start, end float64) ([]byte, error)
}

// SpeechToText converts audio to text.
type SpeechToText interface {
	Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error)
}

// Result is the outcome of a transcription attempt. Err is nil only when Text is usable.
type Result struct {
	Text     string
	Language string
	Err      error
}

// OK reports whether the transcription produced text.
func (r Result) OK() bool {
	return r.Err == nil && r.Text != ""
}

var (
	errEmptyAudio = errors.New("empty audio")
	errNoSpeech   = errors.New("no speech recognised")
)

func failed(language, stage string, err error) Result {
	return Result{Language: language, Err: fmt.Errorf("%w: %s: %w", ErrTranscriptionFailed, stage, err)}
}

// Adapter wires an audio source to a speech-to-text service.
type Adapter struct {
	audio   AudioSource
	stt     SpeechToText
	timeout time.Duration
	logger  *zap.Logger
}

// NewAdapter creates a transcription adapter. A zero timeout means no extra deadline.
func NewAdapter(audio AudioSource, stt SpeechToText, timeout time.Duration, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{audio: audio, stt: stt, timeout: timeout, logger: logger}
}

// TranscribeRange extracts [start, end) audio from the source video and
// transcribes it. It never panics or returns a bare error; see Result.
func (a *Adapter) TranscribeRange(ctx context.Context, sourceKey string, start, end float64, language string) Result {
	language = strings.TrimSpace(language)
	if language == "" {
		language = DefaultLanguage
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	audio, err := a.audio.ExtractAudioRange(ctx, sourceKey, start, end)
	if err != nil {
		return failed(language, "audio", err)
	}
	if len(audio) == 0 {
		return failed(language, "audio", errEmptyAudio)
	}

	text, err := a.stt.Transcribe(ctx, audio, "audio.mp3", language)
	if err != nil {
		return failed(language, "speech to text", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return failed(language, "speech to text", errNoSpeech)
	}

	a.logger.Debug("transcribed range",
		zap.String("source_key", sourceKey),
		zap.Float64("start", start),
		zap.Float64("end", end),
		zap.Int("chars", len(text)),
	)
	return Result{Text: text, Language: language}
}
