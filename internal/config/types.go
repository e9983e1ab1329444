package config

import (
	"errors"
	"strings"
	"time"
)

// Config is the full bot configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "2m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Whisper   WhisperConfig   `json:"whisper"`
	Resume    ResumeConfig    `json:"resume"`
	Storage   *StorageConfig  `json:"storage,omitempty"`

	// SubscriptionsPath is the auto-transcription subscription file.
	// Default: "./tr_subscriptions.json".
	SubscriptionsPath string `json:"subscriptions_path,omitempty"`

	// StopGrace is how long shutdown waits for in-flight jobs before
	// cancelling them. Default "30m".
	StopGrace string `json:"stop_grace,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via the TRBOT_TOKEN env var.
	Token string `json:"token"`
	// OwnerUserIDs restricts commands to these senders. Empty means anyone.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// PollTimeout is the long-poll timeout. Default "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the low-priority edit pacing.
type SchedulerConfig struct {
	// EditInterval is the global minimum spacing between low-priority
	// message edits. Default "120s".
	EditInterval string `json:"edit_interval,omitempty"`
}

type PipelineConfig struct {
	// DefaultModel used when /tr has no model argument. Default "large".
	DefaultModel string `json:"default_model,omitempty"`
	// DefaultLang used when /tr has no lang argument. Default "ru".
	DefaultLang string `json:"default_lang,omitempty"`
	// Timezone for timestamps in status messages. Default "Europe/Moscow".
	Timezone string `json:"timezone,omitempty"`
	// TempDir hosts per-job workspaces. Default "./.tmp".
	TempDir string `json:"temp_dir,omitempty"`
	// MinFreeDiskMB refuses new jobs below this free space. Default 512.
	MinFreeDiskMB int64 `json:"min_free_disk_mb,omitempty"`
}

type WhisperConfig struct {
	// BinPath is the whisper-cli binary. Default "whisper-cli".
	BinPath string `json:"bin_path,omitempty"`
	// ModelDir holds ggml-<model>.bin files. Default "./.models".
	ModelDir string `json:"model_dir,omitempty"`
	// VADModelPath enables voice-activity filtering when set.
	VADModelPath string `json:"vad_model_path,omitempty"`
}

type ResumeConfig struct {
	Enabled bool `json:"enabled"`
	// Lookback excludes older status records from the startup scan.
	// Default "168h" (7 days).
	Lookback string `json:"lookback,omitempty"`
	// Concurrency bounds simultaneous resume (and, separately, upgrade)
	// jobs. Default 3.
	Concurrency int `json:"concurrency,omitempty"`
	// RescanCron optionally repeats the scan (standard cron spec).
	RescanCron string `json:"rescan_cron,omitempty"`
}

// StorageConfig controls the status-message log persistence.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./trbot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// Validate checks the parts that cannot be defaulted.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required (or set TRBOT_TOKEN)")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.edit_interval", c.Scheduler.EditInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("resume.lookback", c.Resume.Lookback); err != nil {
		return err
	}
	if _, err := ParseDurationField("stop_grace", c.StopGrace); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

// Effective values with defaults applied.

func (c *Config) PollTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
	return d
}

func (c *Config) EditInterval() time.Duration {
	d, _ := ParseDurationOrDefault("scheduler.edit_interval", c.Scheduler.EditInterval, 120*time.Second)
	return d
}

func (c *Config) ResumeLookback() time.Duration {
	d, _ := ParseDurationOrDefault("resume.lookback", c.Resume.Lookback, 7*24*time.Hour)
	return d
}

func (c *Config) StopGracePeriod() time.Duration {
	d, _ := ParseDurationOrDefault("stop_grace", c.StopGrace, 30*time.Minute)
	return d
}

func (c *Config) DefaultModel() string {
	if v := strings.TrimSpace(c.Pipeline.DefaultModel); v != "" {
		return v
	}
	return "large"
}

func (c *Config) DefaultLang() string {
	if v := strings.TrimSpace(c.Pipeline.DefaultLang); v != "" {
		return v
	}
	return "ru"
}

func (c *Config) Timezone() string {
	if v := strings.TrimSpace(c.Pipeline.Timezone); v != "" {
		return v
	}
	return "Europe/Moscow"
}

func (c *Config) TempDir() string {
	if v := strings.TrimSpace(c.Pipeline.TempDir); v != "" {
		return v
	}
	return "./.tmp"
}

func (c *Config) SubscriptionsFile() string {
	if v := strings.TrimSpace(c.SubscriptionsPath); v != "" {
		return v
	}
	return "./tr_subscriptions.json"
}

func (c *Config) WhisperBin() string {
	if v := strings.TrimSpace(c.Whisper.BinPath); v != "" {
		return v
	}
	return "whisper-cli"
}

func (c *Config) WhisperModelDir() string {
	if v := strings.TrimSpace(c.Whisper.ModelDir); v != "" {
		return v
	}
	return "./.models"
}
