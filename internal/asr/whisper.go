package asr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"trbot/pkg/logx"
)

// WhisperCLI shells out to a whisper.cpp command-line binary. Segments are
// parsed from the timestamped transcript lines on stdout; the detected
// language from the diagnostics on stderr.
type WhisperCLI struct {
	BinPath      string // default "whisper-cli"
	ModelPath    string
	VADModelPath string // enables --vad when set and opts.VAD is true

	log logx.Logger
}

func NewWhisperCLI(binPath, modelPath string, log logx.Logger) *WhisperCLI {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &WhisperCLI{BinPath: binPath, ModelPath: modelPath, log: log}
}

func (w *WhisperCLI) bin() string {
	if w.BinPath != "" {
		return w.BinPath
	}
	return "whisper-cli"
}

func (w *WhisperCLI) buildArgs(wavPath string, opts Options) []string {
	args := []string{
		"-m", w.ModelPath,
		"-f", wavPath,
	}
	lang := strings.TrimSpace(strings.ToLower(opts.Language))
	if lang == "" {
		lang = "auto"
	}
	args = append(args, "-l", lang)
	if opts.VAD && w.VADModelPath != "" {
		args = append(args, "--vad", "--vad-model", w.VADModelPath)
	}
	return args
}

func (w *WhisperCLI) Transcribe(ctx context.Context, wavPath string, opts Options, onSegment func(Segment)) (Result, error) {
	if onSegment == nil {
		onSegment = func(Segment) {}
	}

	args := w.buildArgs(wavPath, opts)
	w.log.Debug("whisper-cli start",
		logx.String("model", w.ModelPath),
		logx.String("wav", wavPath),
		logx.String("lang", opts.Language))

	cmd := exec.CommandContext(ctx, w.bin(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("whisper-cli stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("whisper-cli start: %w", err)
	}

	var chunks []string
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		seg, ok := parseSegmentLine(sc.Text())
		if !ok {
			continue
		}
		chunks = append(chunks, seg.Text)
		onSegment(seg)
	}

	if err := cmd.Wait(); err != nil {
		w.log.Error("whisper-cli failed",
			logx.String("wav", wavPath),
			logx.String("stderr", tail(stderr.String(), 500)),
			logx.Err(err))
		return Result{}, fmt.Errorf("whisper-cli %s: %w", wavPath, err)
	}

	res := Result{Text: strings.TrimSpace(strings.Join(chunks, ""))}
	if lang := strings.TrimSpace(strings.ToLower(opts.Language)); lang != "" && lang != "auto" {
		res.Language = lang
	} else {
		res.Language = parseDetectedLanguage(stderr.String())
	}
	w.log.Debug("whisper-cli done",
		logx.String("wav", wavPath),
		logx.String("detected_lang", res.Language),
		logx.Int("text_len", len(res.Text)))
	return res, nil
}

// Transcript lines look like:
//
//	[00:01:02.480 --> 00:01:05.120]   so that is the plan.
var segmentRe = regexp.MustCompile(`^\[(\d{2}):(\d{2}):(\d{2})\.(\d{3}) --> (\d{2}):(\d{2}):(\d{2})\.(\d{3})\]\s?(.*)$`)

func parseSegmentLine(line string) (Segment, bool) {
	m := segmentRe.FindStringSubmatch(line)
	if m == nil {
		return Segment{}, false
	}
	h, _ := strconv.Atoi(m[5])
	min, _ := strconv.Atoi(m[6])
	sec, _ := strconv.Atoi(m[7])
	ms, _ := strconv.Atoi(m[8])
	end := float64(h)*3600 + float64(min)*60 + float64(sec) + float64(ms)/1000
	return Segment{Text: m[9], End: end}, true
}

var detectedLangRe = regexp.MustCompile(`auto-detected language: ([a-z]{2,3})`)

func parseDetectedLanguage(stderr string) string {
	m := detectedLangRe.FindStringSubmatch(stderr)
	if m == nil {
		return ""
	}
	return m[1]
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
