// Package scheduler owns all outbound status-message edits.
//
// Low-priority progress updates are coalesced per target message and paced
// by a global minimum interval. Authoritative (high-priority) edits bypass
// pacing, cancel any queued low-priority state for their target, and are the
// only edits allowed to attach files or quote formatting.
//
// All mutable state (pending texts, queue membership, cancellations) is
// owned by a single state goroutine and reached through a typed command
// channel, so entry points are safe from any goroutine.
package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"trbot/internal/transport"
	"trbot/pkg/logx"
)

// Key identifies the target message of an update.
type Key struct {
	ChatID    int64
	MessageID int
}

func (k Key) String() string {
	return strconv.FormatInt(k.ChatID, 10) + "/" + strconv.Itoa(k.MessageID)
}

// Meta carries display-only context for logs.
type Meta struct {
	ChatLabel   string
	MessageDate string
}

func (m Meta) chatLabel(k Key) string {
	if m.ChatLabel != "" {
		return m.ChatLabel
	}
	return strconv.FormatInt(k.ChatID, 10)
}

type Config struct {
	// Interval is the global minimum spacing between low-priority edits.
	Interval time.Duration
	// QueueSize bounds the dispatch queue. Defaults to 1024.
	QueueSize int
}

type cmdKind int

const (
	cmdRequest cmdKind = iota
	cmdCancel
	cmdDequeued
	cmdTake
)

type command struct {
	kind cmdKind
	key  Key
	text string
	meta Meta
	done chan struct{}
	take chan takeResult
}

type takeResult struct {
	text      string
	meta      Meta
	ok        bool
	cancelled bool
}

type Scheduler struct {
	client   transport.Client
	log      logx.Logger
	interval time.Duration

	cmds  chan command
	queue chan Key

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(cfg Config, client transport.Client, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = 1024
	}
	return &Scheduler{
		client:   client,
		log:      log,
		interval: interval,
		cmds:     make(chan command, 64),
		queue:    make(chan Key, qs),
		stopped:  make(chan struct{}),
	}
}

// Run hosts the state and dispatch loops until ctx is cancelled. No further
// low-priority edits are dispatched after it returns; authoritative edits
// keep working.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.stopOnce.Do(func() { close(s.stopped) })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.stateLoop(ctx)
	}()
	s.dispatchLoop(ctx)
	wg.Wait()
	return nil
}

// Request enqueues or replaces the pending low-priority text for key.
// At most one queue slot exists per key; repeated requests between
// dispatches only overwrite the stored text.
func (s *Scheduler) Request(key Key, text string, meta Meta) {
	select {
	case s.cmds <- command{kind: cmdRequest, key: key, text: text, meta: meta}:
	case <-s.stopped:
		s.log.Debug("request after shutdown dropped", logx.String("key", key.String()))
	}
}

// CancelAndClear drops any pending low-priority state for key and marks it
// cancelled so that an already-fetched update is never applied. It is
// idempotent and must be called before every authoritative edit (the
// scheduler does this itself in DispatchAuthoritative).
func (s *Scheduler) CancelAndClear(key Key) {
	done := make(chan struct{})
	select {
	case s.cmds <- command{kind: cmdCancel, key: key, done: done}:
	case <-s.stopped:
		return
	}
	select {
	case <-done:
	case <-s.stopped:
	}
}

// DispatchAuthoritative performs an edit immediately, bypassing the pacing
// interval. A flood rejection is retried once after the hinted delay; a
// not-modified response counts as success. Any other failure is returned to
// the caller.
func (s *Scheduler) DispatchAuthoritative(ctx context.Context, key Key, edit transport.Edit) error {
	s.CancelAndClear(key)
	edit.Text = clip(edit.Text, transport.MaxMessageLen)
	s.log.Debug("authoritative edit",
		logx.String("key", key.String()),
		logx.Bool("attachment", edit.Attachment != ""))
	return s.editWithFloodRetry(ctx, key, edit)
}

// stateLoop owns the pending/in-queue/cancelled maps.
func (s *Scheduler) stateLoop(ctx context.Context) {
	pending := map[Key]string{}
	meta := map[Key]Meta{}
	inQueue := map[Key]bool{}
	cancelled := map[Key]bool{}

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.cmds:
			switch c.kind {
			case cmdRequest:
				pending[c.key] = c.text
				meta[c.key] = c.meta
				if inQueue[c.key] {
					s.log.Debug("updated pending edit (already queued)",
						logx.String("key", c.key.String()),
						logx.String("chat", c.meta.chatLabel(c.key)))
					continue
				}
				select {
				case s.queue <- c.key:
					inQueue[c.key] = true
					s.log.Debug("enqueued low-priority edit",
						logx.String("key", c.key.String()),
						logx.String("chat", c.meta.chatLabel(c.key)))
				default:
					delete(pending, c.key)
					delete(meta, c.key)
					s.log.Warn("dispatch queue full; dropping update",
						logx.String("key", c.key.String()))
				}

			case cmdCancel:
				delete(pending, c.key)
				delete(meta, c.key)
				delete(inQueue, c.key)
				cancelled[c.key] = true
				s.log.Debug("cleared and cancelled", logx.String("key", c.key.String()))
				if c.done != nil {
					close(c.done)
				}

			case cmdDequeued:
				delete(inQueue, c.key)

			case cmdTake:
				var res takeResult
				if text, ok := pending[c.key]; ok {
					delete(pending, c.key)
					res.text = text
					res.ok = true
					// A cancellation that landed while this key waited for its
					// dispatch slot wins over the fetched text. The entry is
					// consumed the first time it is observed here.
					if cancelled[c.key] {
						delete(cancelled, c.key)
						delete(meta, c.key)
						res.cancelled = true
					} else {
						res.meta = meta[c.key]
						delete(meta, c.key)
					}
				}
				c.take <- res
			}
		}
	}
}

// dispatchLoop pulls keys off the FIFO queue and paces edits. The pending
// text is fetched only after the pacing sleep so a cancellation during the
// sleep is honored.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	var last time.Time
	for {
		var key Key
		select {
		case <-ctx.Done():
			return
		case key = <-s.queue:
		}
		if !s.post(ctx, command{kind: cmdDequeued, key: key}) {
			return
		}

		if !last.IsZero() {
			if wait := s.interval - time.Since(last); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
		}

		res, ok := s.take(ctx, key)
		if !ok {
			return
		}
		if !res.ok {
			continue
		}
		if res.cancelled {
			s.log.Debug("skip cancelled edit", logx.String("key", key.String()))
			continue
		}

		err := s.editWithFloodRetry(ctx, key, transport.Edit{Text: res.text})
		if err != nil {
			s.log.Warn("edit failed; dropping update",
				logx.String("key", key.String()),
				logx.String("chat", res.meta.chatLabel(key)),
				logx.Err(err))
			continue
		}
		last = time.Now()
	}
}

func (s *Scheduler) post(ctx context.Context, c command) bool {
	select {
	case s.cmds <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) take(ctx context.Context, key Key) (takeResult, bool) {
	reply := make(chan takeResult, 1)
	if !s.post(ctx, command{kind: cmdTake, key: key, take: reply}) {
		return takeResult{}, false
	}
	select {
	case res := <-reply:
		return res, true
	case <-ctx.Done():
		return takeResult{}, false
	}
}

func (s *Scheduler) editWithFloodRetry(ctx context.Context, key Key, edit transport.Edit) error {
	err := s.client.EditMessage(ctx, transport.MessageRef{ChatID: key.ChatID, MessageID: key.MessageID}, edit)
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if isNotModified(err) {
		s.log.Debug("message not modified", logx.String("key", key.String()))
		return nil
	}
	fe, ok := transport.AsFlood(err)
	if !ok {
		return err
	}
	wait := fe.RetryAfter + time.Second
	s.log.Warn("rate limited; retrying once",
		logx.String("key", key.String()),
		logx.Duration("wait", wait))
	t := time.NewTimer(wait)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
	}
	err = s.client.EditMessage(ctx, transport.MessageRef{ChatID: key.ChatID, MessageID: key.MessageID}, edit)
	if err != nil && isNotModified(err) {
		return nil
	}
	return err
}

func isNotModified(err error) bool {
	return errors.Is(err, transport.ErrNotModified)
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}
