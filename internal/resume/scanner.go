package resume

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"trbot/internal/command"
	"trbot/internal/pipeline"
	"trbot/internal/storage"
	"trbot/internal/transport"
	"trbot/pkg/logx"
)

type Config struct {
	// Lookback excludes records older than this. Default 7 days.
	Lookback time.Duration
	// Concurrency bounds simultaneous resume jobs; upgrades get their own
	// equal allotment. Default 3.
	Concurrency int
	// SpawnDelay paces job launches. Default 100ms.
	SpawnDelay time.Duration
	// RescanCron optionally repeats the scan on a standard cron spec.
	RescanCron string

	DefaultModel string
	DefaultLang  string
	TZ           string
}

func (c Config) withDefaults() Config {
	if c.Lookback <= 0 {
		c.Lookback = 7 * 24 * time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.SpawnDelay <= 0 {
		c.SpawnDelay = 100 * time.Millisecond
	}
	return c
}

// JobRunner is the slice of the pipeline the scanner needs.
type JobRunner interface {
	Run(ctx context.Context, job pipeline.Job) error
}

// MediaResolver re-checks that recorded media is still downloadable.
type MediaResolver interface {
	MediaExists(ctx context.Context, fileID string) (bool, error)
}

type Scanner struct {
	cfg    Config
	store  storage.Store
	client MediaResolver
	runner JobRunner
	log    logx.Logger
}

func NewScanner(cfg Config, store storage.Store, client MediaResolver, runner JobRunner, log logx.Logger) *Scanner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scanner{cfg: cfg.withDefaults(), store: store, client: client, runner: runner, log: log}
}

// Run performs the startup scan and, when a rescan cron spec is configured,
// repeats it on that schedule until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	if err := s.Scan(ctx); err != nil {
		s.log.Warn("startup scan failed", logx.Err(err))
	}
	if s.cfg.RescanCron == "" {
		return nil
	}
	sched, err := cron.ParseStandard(s.cfg.RescanCron)
	if err != nil {
		return fmt.Errorf("parse rescan cron %q: %w", s.cfg.RescanCron, err)
	}
	for {
		next := sched.Next(time.Now())
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if err := s.Scan(ctx); err != nil {
			s.log.Warn("rescan failed", logx.Err(err))
		}
	}
}

// Scan walks the status-message log inside the lookback window, classifies
// each record and launches the resulting jobs. It returns after every
// launched job has finished.
func (s *Scanner) Scan(ctx context.Context) error {
	if s.store == nil {
		s.log.Debug("scan skipped: storage disabled")
		return nil
	}
	cutoff := time.Now().Add(-s.cfg.Lookback)
	s.log.Info("scan starting",
		logx.Duration("lookback", s.cfg.Lookback),
		logx.Int("concurrency", s.cfg.Concurrency),
		logx.Time("cutoff", cutoff))

	recs, err := s.store.RecentStatuses(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("read status log: %w", err)
	}

	resumeSem := make(chan struct{}, s.cfg.Concurrency)
	upgradeSem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	var resumed, upgraded, skipped int

	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		action := Classify(rec.Text, s.cfg.DefaultModel)
		if action == ActionNone {
			continue
		}
		if rec.FileID == "" {
			s.log.Debug("candidate has no media reference", logx.String("key", rec.Key()))
			skipped++
			continue
		}
		ok, err := s.client.MediaExists(ctx, rec.FileID)
		if err != nil || !ok {
			s.log.Debug("candidate media no longer resolvable",
				logx.String("key", rec.Key()),
				logx.Err(err))
			skipped++
			continue
		}

		sem := resumeSem
		if action == ActionUpgrade {
			sem = upgradeSem
			upgraded++
		} else {
			resumed++
		}
		job := s.buildJob(rec, action)

		wg.Add(1)
		go func(job pipeline.Job, sem chan struct{}) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			if err := s.runner.Run(ctx, job); err != nil {
				s.log.Warn("scan job failed",
					logx.Int64("chat_id", job.ChatID),
					logx.Int("msg_id", job.MessageID),
					logx.Err(err))
			}
		}(job, sem)

		// Pace launches so the burst of edits stays polite.
		t := time.NewTimer(s.cfg.SpawnDelay)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}

	wg.Wait()
	s.log.Info("scan finished",
		logx.Int("resumed", resumed),
		logx.Int("upgraded", upgraded),
		logx.Int("skipped", skipped))
	return nil
}

func (s *Scanner) buildJob(rec storage.StatusRecord, action Action) pipeline.Job {
	force, allowed := command.NormalizeLang("", s.cfg.DefaultLang)
	job := pipeline.Job{
		ChatID:      rec.ChatID,
		MessageID:   rec.MessageID,
		Media:       transport.MediaInfo{Kind: transport.MediaKind(rec.MediaKind), FileID: rec.FileID},
		Model:       s.cfg.DefaultModel,
		LangForce:   force,
		LangAllowed: allowed,
		TZ:          s.cfg.TZ,
		ChatLabel:   rec.ChatLabel,
	}
	switch action {
	case ActionResume:
		job.Resume = true
	case ActionUpgrade:
		job.Quiet = true
	}
	return job
}
