// Package media wraps the ffmpeg/ffprobe binaries: duration probing and
// conversion of arbitrary media into the 16kHz mono WAV the ASR engine eats.
package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"trbot/internal/progress"
	"trbot/pkg/logx"
)

// ConvertProgress receives conversion progress. percentKnown is false when
// the source duration could not be probed; note then says why.
type ConvertProgress func(percent int, percentKnown bool, note string)

type FFmpeg struct {
	FFmpegPath  string // default "ffmpeg"
	FFprobePath string // default "ffprobe"

	log logx.Logger
}

func NewFFmpeg(log logx.Logger) *FFmpeg {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FFmpeg{log: log}
}

func (f *FFmpeg) ffmpeg() string {
	if f.FFmpegPath != "" {
		return f.FFmpegPath
	}
	return "ffmpeg"
}

func (f *FFmpeg) ffprobe() string {
	if f.FFprobePath != "" {
		return f.FFprobePath
	}
	return "ffprobe"
}

// DurationSeconds probes the container duration. Returns 0 when the file has
// no usable duration (streams, some voice containers).
func (f *FFmpeg) DurationSeconds(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.ffprobe(),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		f.log.Debug("ffprobe failed", logx.String("path", path), logx.Err(err))
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		f.log.Debug("ffprobe parse error", logx.String("path", path), logx.Err(err))
		return 0, fmt.Errorf("ffprobe %s: parse duration: %w", path, err)
	}
	f.log.Debug("ffprobe duration", logx.String("path", path), logx.Float64("seconds", dur))
	return dur, nil
}

// ConvertToWAV transcodes input into 16kHz mono PCM WAV, reporting progress
// parsed from ffmpeg's machine-readable "-progress pipe:1" stream. A non-zero
// exit is a conversion failure.
func (f *FFmpeg) ConvertToWAV(ctx context.Context, inputPath, outputPath string, onProgress ConvertProgress) error {
	if onProgress == nil {
		onProgress = func(int, bool, string) {}
	}

	dur, err := f.DurationSeconds(ctx, inputPath)
	if err != nil || dur <= 0 {
		dur = 0
		f.log.Debug("convert: duration unknown", logx.String("input", inputPath))
		onProgress(0, false, progress.NoteUnknown)
	}

	f.log.Debug("convert", logx.String("input", inputPath), logx.String("output", outputPath))
	cmd := exec.CommandContext(ctx, f.ffmpeg(),
		"-y",
		"-i", inputPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		outputPath,
		"-progress", "pipe:1",
		"-nostats",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	lastPct := -1
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		pct, end, ok := parseProgressLine(sc.Text(), dur)
		switch {
		case end:
			onProgress(100, true, "")
		case ok && pct != lastPct:
			lastPct = pct
			onProgress(pct, true, "")
		}
	}

	if err := cmd.Wait(); err != nil {
		f.log.Error("ffmpeg failed",
			logx.String("input", inputPath),
			logx.String("output", outputPath),
			logx.Err(err))
		return fmt.Errorf("ffmpeg %s: %w", inputPath, err)
	}
	f.log.Debug("convert done", logx.String("output", outputPath))
	return nil
}

// parseProgressLine interprets one line of ffmpeg's -progress output.
// out_time_ms is microseconds despite the name.
func parseProgressLine(line string, durationSec float64) (pct int, end bool, ok bool) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "progress=") {
		return 0, strings.HasSuffix(line, "end"), false
	}
	if durationSec <= 0 || !strings.HasPrefix(line, "out_time_ms=") {
		return 0, false, false
	}
	us, err := strconv.ParseInt(strings.TrimPrefix(line, "out_time_ms="), 10, 64)
	if err != nil {
		return 0, false, false
	}
	sec := float64(us) / 1e6
	pct = int(sec / durationSec * 100)
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}
	return pct, false, true
}
