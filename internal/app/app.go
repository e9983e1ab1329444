// Package app wires the bot together: transport adapter, edit scheduler,
// transcription pipeline, subscriptions, storage and the resume scanner.
// It owns the inbound update loop and the graceful-shutdown sequence.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"trbot/internal/asr"
	"trbot/internal/command"
	"trbot/internal/config"
	"trbot/internal/media"
	"trbot/internal/pipeline"
	"trbot/internal/resume"
	rtsup "trbot/internal/runtime/supervisor"
	"trbot/internal/scheduler"
	"trbot/internal/storage"
	"trbot/internal/subs"
	"trbot/internal/transport"
	"trbot/internal/transport/telegram"
	"trbot/pkg/logx"
)

type App struct {
	cfg    *config.Config
	mgr    *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	adapter *telegram.Adapter
	sched   *scheduler.Scheduler
	runner  *pipeline.Runner
	scanner *resume.Scanner
	subs    *subs.Store
	store   storage.Store

	// jobs tracks in-flight transcription jobs for the stop grace period.
	jobs sync.WaitGroup
}

// New builds the full application from a committed config.
func New(cfg *config.Config, mgr *config.Manager, logSvc *logx.Service, log logx.Logger) (*App, error) {
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.PollTimeout(),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	var storeCfg storage.Config
	if cfg.Storage != nil {
		busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		storeCfg = storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, BusyTimeout: busy}
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	subStore, err := subs.Load(cfg.SubscriptionsFile(), log.With(logx.String("comp", "subs")))
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}

	sched := scheduler.New(
		scheduler.Config{Interval: cfg.EditInterval()},
		adapter,
		log.With(logx.String("comp", "scheduler")),
	)

	engines := asr.NewModelCache(
		cfg.WhisperBin(),
		cfg.WhisperModelDir(),
		cfg.Whisper.VADModelPath,
		log.With(logx.String("comp", "asr")),
	)

	transcoder := media.NewFFmpeg(log.With(logx.String("comp", "ffmpeg")))

	pipeCfg := pipeline.Config{TempDir: cfg.TempDir()}
	if cfg.Pipeline.MinFreeDiskMB > 0 {
		pipeCfg.MinFreeDiskBytes = uint64(cfg.Pipeline.MinFreeDiskMB) << 20
	}
	runner := pipeline.NewRunner(
		pipeCfg,
		adapter,
		sched,
		transcoder,
		engines,
		store,
		pipeline.NewRegistry(),
		log.With(logx.String("comp", "pipeline")),
	)

	var scanner *resume.Scanner
	if cfg.Resume.Enabled {
		scanner = resume.NewScanner(resume.Config{
			Lookback:     cfg.ResumeLookback(),
			Concurrency:  cfg.Resume.Concurrency,
			RescanCron:   cfg.Resume.RescanCron,
			DefaultModel: cfg.DefaultModel(),
			DefaultLang:  cfg.DefaultLang(),
			TZ:           cfg.Timezone(),
		}, store, adapter, runner, log.With(logx.String("comp", "resume")))
	}

	return &App{
		cfg:     cfg,
		mgr:     mgr,
		logSvc:  logSvc,
		log:     log,
		adapter: adapter,
		sched:   sched,
		runner:  runner,
		scanner: scanner,
		subs:    subStore,
		store:   store,
	}, nil
}

// Run blocks until ctx is cancelled, then drains in-flight jobs for the
// configured stop grace period before tearing the process down.
func (a *App) Run(ctx context.Context) error {
	// Jobs get their own context so shutdown can keep them alive through
	// the grace period after the main context is gone.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	sup := rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "app"))))

	if err := a.adapter.Start(ctx); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}

	sup.Go("scheduler", func(c context.Context) error {
		return a.sched.Run(c)
	})
	if a.mgr != nil {
		sup.Go("config.watch", func(c context.Context) error {
			return a.mgr.Watch(c)
		})
		ch := a.mgr.Subscribe(1)
		defer a.mgr.Unsubscribe(ch)
		sup.Go0("config.apply", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case cfg, ok := <-ch:
					if !ok {
						return
					}
					a.applyConfig(cfg)
				}
			}
		})
	}
	if a.scanner != nil {
		// Resume jobs run under jobCtx so the grace period covers them.
		sup.Go("resume", func(context.Context) error {
			return a.scanner.Run(jobCtx)
		})
	}
	sup.Go0("updates", func(c context.Context) {
		a.updateLoop(c, jobCtx)
	})

	<-ctx.Done()
	a.log.Info("shutdown requested", logx.Duration("grace", a.cfg.StopGracePeriod()))

	a.shutdown(cancelJobs)

	wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("components stopped with error", logx.Err(err))
	}

	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("stopped")
	return nil
}

// shutdown waits for in-flight jobs up to the grace period, then cancels
// whatever is left. Unfinished jobs leave their status message behind for
// the resume scanner.
func (a *App) shutdown(cancelJobs context.CancelFunc) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.adapter.Stop(stopCtx)

	done := make(chan struct{})
	go func() {
		a.jobs.Wait()
		close(done)
	}()
	grace := time.NewTimer(a.cfg.StopGracePeriod())
	defer grace.Stop()
	select {
	case <-done:
		a.log.Info("all jobs finished")
	case <-grace.C:
		a.log.Warn("grace period expired, cancelling remaining jobs",
			logx.Int("running", a.runner.Registry().Len()))
	}
	cancelJobs()
	<-done
}

// applyConfig handles a hot-reloaded config. Only logging settings take
// effect without a restart; everything else is reported and deferred.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if a.logSvc != nil {
		a.logSvc.Apply(logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		})
	}
	a.log.Info("config reloaded", logx.String("level", cfg.Logging.Level))
	if cfg.EditInterval() != a.cfg.EditInterval() || cfg.Telegram.Token != a.cfg.Telegram.Token {
		a.log.Warn("scheduler/transport settings changed; restart required to apply")
	}
}

func (a *App) updateLoop(ctx, jobCtx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-a.adapter.Updates():
			m := up.Message
			if m == nil {
				continue
			}
			if cmd, ok := command.Parse(m.Text); ok {
				a.handleCommand(ctx, jobCtx, m, cmd)
				continue
			}
			a.maybeAutoTranscribe(ctx, jobCtx, m)
		}
	}
}

func (a *App) allowed(fromID int64) bool {
	owners := a.cfg.Telegram.OwnerUserIDs
	if len(owners) == 0 {
		return true
	}
	for _, id := range owners {
		if id == fromID {
			return true
		}
	}
	return false
}

func (a *App) reply(ctx context.Context, m *transport.Message, text string) {
	if _, err := a.adapter.SendReply(ctx, m.ChatID, m.ID, text, false); err != nil {
		a.log.Warn("reply failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}
}

// replyAuthoritative creates a bot-owned reply and fills it through the
// scheduler's authoritative path, so listings get the same flood handling
// and clipping as final transcription edits.
func (a *App) replyAuthoritative(ctx context.Context, m *transport.Message, text string) {
	ref, err := a.adapter.SendReply(ctx, m.ChatID, m.ID, "…", false)
	if err != nil {
		a.log.Warn("reply failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
		return
	}
	key := scheduler.Key{ChatID: ref.ChatID, MessageID: ref.MessageID}
	if err := a.sched.DispatchAuthoritative(ctx, key, transport.Edit{Text: text}); err != nil {
		a.log.Warn("listing edit failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}
}

func (a *App) handleCommand(ctx, jobCtx context.Context, m *transport.Message, cmd *command.Command) {
	if !a.allowed(m.FromID) {
		a.log.Debug("command from non-owner ignored",
			logx.Int64("chat_id", m.ChatID),
			logx.Int64("from_id", m.FromID),
			logx.String("cmd", cmd.Name))
		return
	}
	log := a.log.With(
		logx.Int64("chat_id", m.ChatID),
		logx.String("chat", m.ChatLabel),
		logx.String("cmd", cmd.Name),
	)

	switch {
	case cmd.ShowTasks:
		a.replyAuthoritative(ctx, m, a.runner.Registry().TasksText())
		return
	case cmd.ShowList:
		if cmd.Format == "json" {
			body, err := a.subs.JSON()
			if err != nil {
				a.reply(ctx, m, "failed to render subscription list")
				return
			}
			a.replyAuthoritative(ctx, m, body)
		} else {
			a.replyAuthoritative(ctx, m, a.subs.ListText())
		}
		return
	case cmd.Help:
		a.replyAuthoritative(ctx, m, command.HelpText())
		return
	}

	if cmd.HasSubscriptionArgs() {
		a.applySubscription(ctx, m, cmd, log)
		return
	}
	if cmd.DestructMessage {
		a.deleteCommandMessage(ctx, m, log)
		return
	}

	// Transcription proper: the command must reply to a media message.
	target := m.ReplyTo
	if target == nil || target.Media == nil {
		a.reply(ctx, m, "Reply to a voice, video or audio message with this command. See /tr help=True.")
		return
	}
	a.startJob(ctx, jobCtx, m.ChatID, target, cmd, false, log)
}

func (a *App) applySubscription(ctx context.Context, m *transport.Message, cmd *command.Command, log logx.Logger) {
	var err error
	if cmd.Subscribe != nil {
		err = a.subs.SetAll(m.ChatID, m.ChatLabel, *cmd.Subscribe)
	} else {
		err = a.subs.Update(m.ChatID, m.ChatLabel, func(f *subs.Flags) {
			if cmd.SubscribeRecordAudio != nil {
				f.RecordAudio = *cmd.SubscribeRecordAudio
			}
			if cmd.SubscribeRecordVideo != nil {
				f.RecordVideo = *cmd.SubscribeRecordVideo
			}
			if cmd.SubscribeAudio != nil {
				f.Audio = *cmd.SubscribeAudio
			}
			if cmd.SubscribeVideo != nil {
				f.Video = *cmd.SubscribeVideo
			}
		})
	}
	if err != nil {
		log.Error("subscription update failed", logx.Err(err))
		a.reply(ctx, m, "Failed to save subscription settings.")
		return
	}
	log.Info("subscription updated")

	if cmd.DestructMessage {
		a.deleteCommandMessage(ctx, m, log)
		return
	}
	f, _ := a.subs.Get(m.ChatID)
	if f.Any() {
		a.reply(ctx, m, "Subscription saved. New media in this chat will be transcribed automatically.")
	} else {
		a.reply(ctx, m, "Subscription removed for this chat.")
	}
}

func (a *App) deleteCommandMessage(ctx context.Context, m *transport.Message, log logx.Logger) {
	ref := transport.MessageRef{ChatID: m.ChatID, MessageID: m.ID}
	if err := a.adapter.DeleteMessage(ctx, ref); err != nil {
		log.Debug("command message delete failed", logx.Err(err))
	}
}

func (a *App) maybeAutoTranscribe(ctx, jobCtx context.Context, m *transport.Message) {
	if m.Media == nil || !a.subs.Enabled(m.ChatID, m.Media.Kind) {
		return
	}
	log := a.log.With(
		logx.Int64("chat_id", m.ChatID),
		logx.String("chat", m.ChatLabel),
		logx.String("media", string(m.Media.Kind)),
	)
	log.Info("auto-transcription triggered by subscription")
	cmd := &command.Command{Name: "/tr"}
	a.startJob(ctx, jobCtx, m.ChatID, m, cmd, true, log)
}

// startJob creates the bot-owned status message and launches the pipeline.
func (a *App) startJob(ctx, jobCtx context.Context, chatID int64, target *transport.Message, cmd *command.Command, silent bool, log logx.Logger) {
	model := strings.TrimSpace(cmd.Model)
	if model == "" {
		model = a.cfg.DefaultModel()
	}
	force, langAllowed := command.NormalizeLang(cmd.Lang, a.cfg.DefaultLang())
	tz := strings.TrimSpace(cmd.TZ)
	if tz == "" {
		tz = a.cfg.Timezone()
	}

	ref, err := a.adapter.SendReply(ctx, chatID, target.ID, "…", silent)
	if err != nil {
		log.Warn("failed to create status message", logx.Err(err))
		return
	}

	job := pipeline.Job{
		ChatID:      chatID,
		MessageID:   ref.MessageID,
		Media:       *target.Media,
		Model:       model,
		LangForce:   force,
		LangAllowed: langAllowed,
		TZ:          tz,
		ChatLabel:   target.ChatLabel,
		MessageDate: target.Date,
	}

	a.jobs.Add(1)
	go func() {
		defer a.jobs.Done()
		if err := a.runner.Run(jobCtx, job); err != nil {
			log.Warn("job finished with error", logx.Err(err))
		}
	}()
}
