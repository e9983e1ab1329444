// Package pipeline runs one transcription job through its stages:
// download, convert, transcribe, then a final authoritative edit (or one
// bounded error edit). The transport client, transcoder and ASR engine are
// injected so the stage machinery is testable without binaries or network.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/shirou/gopsutil/v3/disk"

	"trbot/internal/asr"
	"trbot/internal/media"
	"trbot/internal/progress"
	"trbot/internal/scheduler"
	"trbot/internal/storage"
	"trbot/internal/transport"
	"trbot/pkg/logx"
)

// Updater is the slice of the scheduler the pipeline needs.
type Updater interface {
	Request(key scheduler.Key, text string, meta scheduler.Meta)
	DispatchAuthoritative(ctx context.Context, key scheduler.Key, edit transport.Edit) error
}

// Transcoder converts source media to WAV and probes durations.
type Transcoder interface {
	DurationSeconds(ctx context.Context, path string) (float64, error)
	ConvertToWAV(ctx context.Context, inputPath, outputPath string, onProgress media.ConvertProgress) error
}

// EngineSource resolves a model name to a ready ASR engine.
type EngineSource interface {
	Get(modelName string) (asr.Engine, error)
}

type Config struct {
	// TempDir hosts per-job workspaces.
	TempDir string
	// MinFreeDiskBytes aborts a job before download when the temp dir's
	// filesystem has less free space. Default 512 MiB.
	MinFreeDiskBytes uint64
}

const defaultMinFreeDisk = 512 << 20

// Job is one transcription request against a bot-owned status message.
type Job struct {
	ChatID    int64
	MessageID int // the status message the job edits in place
	Media     transport.MediaInfo

	Model       string
	LangForce   string   // force decoding language; empty = auto
	LangAllowed []string // auto-detect restricted to this set (annotation only)
	TZ          string

	ChatLabel   string
	MessageDate time.Time

	// Resume skips the initial authoritative edit: the status message
	// already shows this job's progress from a previous run.
	Resume bool
	// Quiet suppresses all intermediate updates; only the final result (or
	// error) is written. Used by quality-upgrade re-runs.
	Quiet bool
}

func (j Job) key() scheduler.Key {
	return scheduler.Key{ChatID: j.ChatID, MessageID: j.MessageID}
}

func (j Job) meta() scheduler.Meta {
	m := scheduler.Meta{ChatLabel: j.ChatLabel}
	if !j.MessageDate.IsZero() {
		m.MessageDate = progress.FormatTime(j.MessageDate, j.TZ)
	}
	return m
}

func (j Job) kind() string {
	switch {
	case j.Quiet:
		return "upgrade"
	case j.Resume:
		return "resume"
	default:
		return "transcribe"
	}
}

// Runner executes jobs. One Runner serves the whole process.
type Runner struct {
	cfg        Config
	client     transport.Client
	updates    Updater
	transcoder Transcoder
	engines    EngineSource
	store      storage.Store // may be nil
	registry   *Registry
	log        logx.Logger

	// diskFree is swappable in tests.
	diskFree func(path string) (uint64, error)
}

func NewRunner(
	cfg Config,
	client transport.Client,
	updates Updater,
	transcoder Transcoder,
	engines EngineSource,
	store storage.Store,
	registry *Registry,
	log logx.Logger,
) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.TempDir == "" {
		cfg.TempDir = "./.tmp"
	}
	if cfg.MinFreeDiskBytes == 0 {
		cfg.MinFreeDiskBytes = defaultMinFreeDisk
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Runner{
		cfg:        cfg,
		client:     client,
		updates:    updates,
		transcoder: transcoder,
		engines:    engines,
		store:      store,
		registry:   registry,
		log:        log,
		diskFree: func(path string) (uint64, error) {
			u, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return u.Free, nil
		},
	}
}

// Registry exposes the live job registry for listings.
func (r *Runner) Registry() *Registry { return r.registry }

// jobState accumulates what one Run needs across stages.
type jobState struct {
	job   Job
	jobID string
	dir   string
	log   logx.Logger

	snap progress.Snapshot
}

// Run executes the whole job. The returned error describes a stage failure
// that was already reported to the chat; a nil return covers both success
// and the silent aborts (target message no longer editable).
func (r *Runner) Run(ctx context.Context, job Job) error {
	jobID := shortuuid.New()
	prefix := "job_"
	if job.Quiet {
		prefix = "upgrade_"
	}
	dir := filepath.Join(r.cfg.TempDir, prefix+strconv.FormatInt(job.ChatID, 10)+"_"+strconv.Itoa(job.MessageID))

	st := &jobState{
		job:   job,
		jobID: jobID,
		dir:   dir,
		log: r.log.With(
			logx.String("job_id", jobID),
			logx.String("kind", job.kind()),
			logx.Int64("chat_id", job.ChatID),
			logx.String("chat", job.ChatLabel),
			logx.Int("msg_id", job.MessageID),
			logx.String("model", job.Model),
		),
	}

	st.log.Info("transcription job started", logx.Bool("resume", job.Resume))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(dir)
		st.log.Debug("workspace removed", logx.String("dir", dir))
	}()

	remove := r.registry.Add(JobInfo{
		ID:        jobID,
		Kind:      job.kind(),
		ChatID:    job.ChatID,
		MessageID: job.MessageID,
		ChatLabel: job.ChatLabel,
		Model:     job.Model,
	})
	defer remove()

	if err := r.preflight(st); err != nil {
		r.reportFailure(ctx, st, err)
		return err
	}

	// Initial authoritative edit claims the status message. Failure here
	// means the message is gone or closed to us; the job aborts silently.
	st.snap = progress.Snapshot{Stage: progress.StageDownload, Percent: 0, PercentKnown: true}
	if job.Resume || job.Quiet {
		st.log.Debug("skipping initial authoritative edit")
		if !job.Quiet {
			r.pushLow(st)
		}
	} else {
		if err := r.updates.DispatchAuthoritative(ctx, job.key(), transport.Edit{Text: progress.BuildText(st.snap)}); err != nil {
			st.log.Info("status message not editable, aborting", logx.Err(err))
			r.recordAbort(ctx, st, err)
			return nil
		}
	}
	r.record(ctx, st, progress.BuildText(st.snap))

	text, err := r.runStages(ctx, st)
	if err != nil {
		r.reportFailure(ctx, st, err)
		return err
	}

	// Final authoritative edit.
	final := ComposeFinal(text, job.Model)
	if PlainLen(final) <= transport.MaxMessageLen {
		st.log.Info("sending final message inline")
		if err := r.updates.DispatchAuthoritative(ctx, job.key(), final); err != nil {
			st.log.Info("final edit failed, aborting without error message", logx.Err(err))
			r.recordAbort(ctx, st, err)
			return nil
		}
	} else {
		st.log.Info("final message too long, attaching as file", logx.Int("text_len", len(text)))
		txtPath := filepath.Join(dir, "transcription.txt")
		if err := os.WriteFile(txtPath, []byte(text), 0o600); err != nil {
			r.reportFailure(ctx, st, fmt.Errorf("write transcript file: %w", err))
			return err
		}
		attach := ComposeFinal(AttachPlaceholder, job.Model)
		attach.Attachment = txtPath
		if err := r.updates.DispatchAuthoritative(ctx, job.key(), attach); err != nil {
			st.log.Info("final edit (file) failed, aborting", logx.Err(err))
			r.recordAbort(ctx, st, err)
			return nil
		}
	}

	r.record(ctx, st, final.Text+"\n"+clipRunes(final.Quote, 1000))
	st.log.Info("transcription job completed")
	return nil
}

func (r *Runner) runStages(ctx context.Context, st *jobState) (string, error) {
	job := st.job
	srcPath := filepath.Join(st.dir, "source")
	wavPath := filepath.Join(st.dir, "audio.wav")

	// --- DOWNLOAD ---
	downloadStart := time.Now()
	lastPct := -1
	onDownload := func(done, total int64) {
		if total <= 0 {
			total = job.Media.Size
		}
		pct, known := progress.PercentOf(done, total)
		if !known {
			st.snap = progress.Snapshot{Stage: progress.StageDownload, Note: progress.NoteUnknown}
			r.pushLow(st)
			return
		}
		doneAt := ""
		if eta, ok := progress.ETA(pct, time.Since(downloadStart)); ok {
			doneAt = progress.FormatTime(time.Now().Add(eta), job.TZ)
		}
		st.snap = progress.Snapshot{Stage: progress.StageDownload, Percent: pct, PercentKnown: true, DoneAt: doneAt}
		if pct != lastPct {
			lastPct = pct
			r.pushLow(st)
		}
	}
	if _, err := r.client.DownloadMedia(ctx, job.Media.FileID, srcPath, onDownload); err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	st.log.Debug("download done", logx.String("path", srcPath))
	st.setStage(progress.StageDownload, 100, progress.FormatTime(time.Now(), job.TZ))
	r.pushLow(st)

	// --- CONVERT ---
	st.setStage(progress.StageConvert, 0, "")
	r.pushLow(st)
	r.record(ctx, st, progress.BuildText(st.snap))

	onConvert := func(pct int, known bool, note string) {
		st.snap = progress.Snapshot{Stage: progress.StageConvert, Percent: pct, PercentKnown: known, Note: note}
		r.pushLow(st)
	}
	if err := r.transcoder.ConvertToWAV(ctx, srcPath, wavPath, onConvert); err != nil {
		return "", fmt.Errorf("convert media: %w", err)
	}
	st.log.Debug("convert done", logx.String("path", wavPath))
	st.setStage(progress.StageConvert, 100, progress.FormatTime(time.Now(), job.TZ))
	r.pushLow(st)

	// --- TRANSCRIBE ---
	st.setStage(progress.StageTranscribe, 0, "")
	r.pushLow(st)
	r.record(ctx, st, progress.BuildText(st.snap))

	duration, err := r.transcoder.DurationSeconds(ctx, wavPath)
	if err != nil || duration <= 0 {
		duration = 0
	}

	engine, err := r.engines.Get(job.Model)
	if err != nil {
		return "", fmt.Errorf("load model %s: %w", job.Model, err)
	}

	transcribeStart := time.Now()
	lastPct = -1
	onSegment := func(seg asr.Segment) {
		if duration <= 0 {
			return
		}
		pct := int(seg.End / duration * 100)
		if pct < 0 {
			pct = 0
		}
		if pct > 99 {
			pct = 99
		}
		if pct == lastPct {
			return
		}
		lastPct = pct
		doneAt := ""
		if eta, ok := progress.ETA(pct, time.Since(transcribeStart)); ok {
			doneAt = progress.FormatTime(time.Now().Add(eta), job.TZ)
		}
		st.snap = progress.Snapshot{Stage: progress.StageTranscribe, Percent: pct, PercentKnown: true, DoneAt: doneAt}
		r.pushLow(st)
	}

	res, err := engine.Transcribe(ctx, wavPath, asr.Options{Language: job.LangForce, VAD: true}, onSegment)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	st.log.Debug("transcribe done",
		logx.String("detected_lang", res.Language),
		logx.Int("text_len", len(res.Text)))

	text := res.Text
	if len(job.LangAllowed) > 0 && res.Language != "" && !contains(job.LangAllowed, res.Language) {
		text = strings.TrimSpace(text + "\n\n[detected_language=" + res.Language +
			" not_in_allowed=" + strings.Join(job.LangAllowed, ",") + "]")
	}

	st.setStage(progress.StageTranscribe, 100, progress.FormatTime(time.Now(), job.TZ))
	r.pushLow(st)
	return text, nil
}

// preflight refuses to start when the workspace filesystem is nearly full.
// The WAV intermediate alone can be an order of magnitude larger than the
// source media.
func (r *Runner) preflight(st *jobState) error {
	free, err := r.diskFree(r.cfg.TempDir)
	if err != nil {
		st.log.Debug("disk preflight skipped", logx.Err(err))
		return nil
	}
	need := r.cfg.MinFreeDiskBytes
	if sz := uint64(st.job.Media.Size); sz > 0 && need < 4*sz {
		need = 4 * sz
	}
	if free < need {
		return fmt.Errorf("not enough free disk space in %s: %d bytes free, %d required",
			r.cfg.TempDir, free, need)
	}
	return nil
}

func (r *Runner) pushLow(st *jobState) {
	if st.job.Quiet {
		return
	}
	r.updates.Request(st.job.key(), progress.BuildText(st.snap), st.job.meta())
}

// reportFailure makes the single bounded error edit. A cancelled context
// means shutdown; the unfinished status stays for the resume scanner.
func (r *Runner) reportFailure(ctx context.Context, st *jobState, jobErr error) {
	st.log.Error("transcription job failed", logx.Err(jobErr))
	if ctx.Err() != nil {
		return
	}
	text := FormatError(jobErr)
	if err := r.updates.DispatchAuthoritative(ctx, st.job.key(), transport.Edit{Text: text}); err != nil {
		st.log.Debug("error edit failed", logx.Err(err))
	}
	r.record(ctx, st, text)
}

// recordAbort overwrites the stored status of a job abandoned because its
// message is gone. The stored text would otherwise stay at an unfinished
// stage and the scanner would re-run the job on every scan. A cancelled
// context means shutdown, not a dead message; the unfinished status stays
// so the job can resume.
func (r *Runner) recordAbort(ctx context.Context, st *jobState, editErr error) {
	if ctx.Err() != nil {
		return
	}
	r.record(ctx, st, FormatError(editErr))
}

func (r *Runner) record(ctx context.Context, st *jobState, text string) {
	if r.store == nil {
		return
	}
	rec := storage.StatusRecord{
		ChatID:    st.job.ChatID,
		MessageID: st.job.MessageID,
		JobID:     st.jobID,
		Text:      clipRunes(text, transport.MaxMessageLen),
		FileID:    st.job.Media.FileID,
		MediaKind: string(st.job.Media.Kind),
		ChatLabel: st.job.ChatLabel,
		UpdatedAt: time.Now(),
	}
	if err := r.store.PutStatus(ctx, rec); err != nil {
		st.log.Debug("status record failed", logx.Err(err))
	}
}

func (st *jobState) setStage(stage progress.Stage, pct int, doneAt string) {
	st.snap = progress.Snapshot{Stage: stage, Percent: pct, PercentKnown: true, DoneAt: doneAt}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func clipRunes(s string, limit int) string {
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}
