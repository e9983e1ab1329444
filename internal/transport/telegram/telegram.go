// Package telegram adapts the Bot API (via telebot) to the transport
// contract the core consumes. It maps inbound messages onto
// transport.Update, renders outbound edits (expandable quote, document
// attachment) and translates API failures onto the transport error taxonomy.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "trbot/internal/runtime/supervisor"
	"trbot/internal/transport"
	logx "trbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// UpdateBuffer sizes the inbound update channel. Default 256.
	UpdateBuffer int
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	updates chan transport.Update

	// limiter paces all outbound API calls; the scheduler's own interval
	// governs low-priority edits, this guards everything else too.
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// droppedUpdates counts inbound updates dropped because the consumer
	// was slower than the poll loop. Logged periodically, not per update.
	droppedUpdates uint64

	labelMu sync.RWMutex
	labels  map[int64]string
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	buffer := cfg.UpdateBuffer
	if buffer <= 0 {
		buffer = 256
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		updates: make(chan transport.Update, buffer),
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 3),
		labels:  map[int64]string{},
	}
	a.registerHandlers()
	return a, nil
}

// Updates is the inbound event stream. Closed never; drained by the app loop.
func (a *Adapter) Updates() <-chan transport.Update { return a.updates }

func (a *Adapter) registerHandlers() {
	forward := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		a.rememberLabel(m.Chat)
		a.sendUpdate(transport.Update{Message: mapMessage(m)})
		return nil
	}
	for _, ev := range []string{tele.OnText, tele.OnVoice, tele.OnVideoNote, tele.OnAudio, tele.OnVideo} {
		a.bot.Handle(ev, forward)
	}
}

func mapMessage(m *tele.Message) *transport.Message {
	out := &transport.Message{
		ID:        m.ID,
		ChatID:    m.Chat.ID,
		ChatLabel: chatLabel(m.Chat),
		FromID:    m.Sender.ID,
		Text:      m.Text,
		Date:      m.Time(),
		Media:     mediaInfo(m),
	}
	if out.Text == "" {
		out.Text = m.Caption
	}
	if m.ReplyTo != nil && m.ReplyTo.Chat != nil && m.ReplyTo.Sender != nil {
		out.ReplyTo = mapMessage(m.ReplyTo)
	} else if m.ReplyTo != nil {
		// Forwarded/channel replies can miss the sender; keep what we can.
		out.ReplyTo = &transport.Message{
			ID:     m.ReplyTo.ID,
			ChatID: m.Chat.ID,
			Text:   m.ReplyTo.Text,
			Date:   m.ReplyTo.Time(),
			Media:  mediaInfo(m.ReplyTo),
		}
	}
	return out
}

func mediaInfo(m *tele.Message) *transport.MediaInfo {
	switch {
	case m.Voice != nil:
		return &transport.MediaInfo{Kind: transport.MediaVoice, FileID: m.Voice.FileID, Size: m.Voice.FileSize}
	case m.VideoNote != nil:
		return &transport.MediaInfo{Kind: transport.MediaVideoNote, FileID: m.VideoNote.FileID, Size: m.VideoNote.FileSize}
	case m.Audio != nil:
		return &transport.MediaInfo{Kind: transport.MediaAudio, FileID: m.Audio.FileID, Size: m.Audio.FileSize}
	case m.Video != nil:
		return &transport.MediaInfo{Kind: transport.MediaVideo, FileID: m.Video.FileID, Size: m.Video.FileSize}
	default:
		return nil
	}
}

func chatLabel(c *tele.Chat) string {
	switch {
	case c == nil:
		return ""
	case c.Title != "":
		return c.Title
	case c.Username != "":
		return "@" + c.Username
	case c.FirstName != "" || c.LastName != "":
		return strings.TrimSpace(c.FirstName + " " + c.LastName)
	default:
		return fmt.Sprintf("chat %d", c.ID)
	}
}

func (a *Adapter) rememberLabel(c *tele.Chat) {
	if c == nil {
		return
	}
	label := chatLabel(c)
	a.labelMu.Lock()
	a.labels[c.ID] = label
	a.labelMu.Unlock()
}

func (a *Adapter) ChatLabel(chatID int64) string {
	a.labelMu.RLock()
	label := a.labels[chatID]
	a.labelMu.RUnlock()
	if label == "" {
		return fmt.Sprintf("chat %d", chatID)
	}
	return label
}

func (a *Adapter) sendUpdate(up transport.Update) {
	select {
	case a.updates <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped updates.
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
				}
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// telebot's Start() is a long-running loop; run it under a restart loop
	// so the adapter self-heals when it exits unexpectedly.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
	}
	// telebot Stop is expected to be fast; run it async just in case.
	go a.bot.Stop()

	if sup == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// renderHTML composes the HTML body for an edit: escaped text, and the
// quote (when present) as an expandable blockquote below it.
func renderHTML(e transport.Edit) string {
	var b strings.Builder
	b.WriteString(html.EscapeString(e.Text))
	if e.Quote != "" {
		b.WriteString("\n<blockquote expandable>")
		b.WriteString(html.EscapeString(e.Quote))
		b.WriteString("</blockquote>")
	}
	return b.String()
}

func (a *Adapter) EditMessage(ctx context.Context, ref transport.MessageRef, edit transport.Edit) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	msg := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}

	if edit.Attachment != "" {
		doc := &tele.Document{
			File:     tele.FromDisk(edit.Attachment),
			FileName: "transcription.txt",
			Caption:  renderHTML(edit),
		}
		_, err := a.bot.EditMedia(msg, doc, &tele.SendOptions{ParseMode: tele.ModeHTML})
		return mapError(err)
	}

	_, err := a.bot.Edit(msg, renderHTML(edit), &tele.SendOptions{ParseMode: tele.ModeHTML})
	return mapError(err)
}

func (a *Adapter) SendReply(ctx context.Context, chatID int64, replyTo int, text string, silent bool) (transport.MessageRef, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return transport.MessageRef{}, err
	}
	chat := &tele.Chat{ID: chatID}
	opts := &tele.SendOptions{DisableNotification: silent}
	if replyTo != 0 {
		opts.ReplyTo = &tele.Message{ID: replyTo, Chat: chat}
	}
	msg, err := a.bot.Send(chat, text, opts)
	if err != nil {
		return transport.MessageRef{}, mapError(err)
	}
	return transport.MessageRef{ChatID: chatID, MessageID: msg.ID}, nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	err := a.bot.Delete(&tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}})
	return mapError(err)
}

func (a *Adapter) DownloadMedia(ctx context.Context, fileID, destPath string, onProgress transport.ProgressFunc) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	f, err := a.bot.FileByID(fileID)
	if err != nil {
		return "", mapError(err)
	}
	rc, err := a.bot.File(&f)
	if err != nil {
		return "", mapError(err)
	}
	defer rc.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	total := f.FileSize
	cw := &countingWriter{w: out, total: total, onProgress: onProgress, ctx: ctx}
	if _, err := io.Copy(cw, rc); err != nil {
		os.Remove(destPath)
		return "", err
	}
	if onProgress != nil {
		onProgress(cw.done, total)
	}
	return destPath, nil
}

func (a *Adapter) MediaExists(ctx context.Context, fileID string) (bool, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return false, err
	}
	_, err := a.bot.FileByID(fileID)
	if err == nil {
		return true, nil
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == 400 {
		return false, nil
	}
	return false, mapError(err)
}

type countingWriter struct {
	w          io.Writer
	ctx        context.Context
	done       int64
	total      int64
	onProgress transport.ProgressFunc
	lastReport time.Time
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.w.Write(p)
	c.done += int64(n)
	// Throttle callbacks; the scheduler coalesces anyway but there is no
	// point computing text thousands of times per file.
	if c.onProgress != nil && time.Since(c.lastReport) >= 250*time.Millisecond {
		c.lastReport = time.Now()
		c.onProgress(c.done, c.total)
	}
	return n, err
}

// mapError translates telebot failures onto the transport error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &transport.FloodError{RetryAfter: time.Duration(fe.RetryAfter) * time.Second, Err: err}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "message is not modified"):
		return transport.ErrNotModified
	case strings.Contains(msg, "message can't be edited"),
		strings.Contains(msg, "message to edit not found"),
		strings.Contains(msg, "message to delete not found"):
		return transport.ErrNotEditable
	}
	return err
}
