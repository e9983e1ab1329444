package pipeline

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// JobInfo describes one live job for listings and events.
type JobInfo struct {
	ID        string
	Kind      string // transcribe | upgrade | resume
	ChatID    int64
	MessageID int
	ChatLabel string
	Model     string
	StartedAt time.Time
}

func (j JobInfo) label() string {
	chat := j.ChatLabel
	if chat == "" {
		chat = strconv.FormatInt(j.ChatID, 10)
	}
	return j.Kind + " chat=" + chat + " msg=" + strconv.Itoa(j.MessageID) + " model=" + j.Model
}

// Event is a lightweight, in-memory job lifecycle signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string // job.started | job.finished
	Time time.Time
	Job  JobInfo
}

// Registry tracks live jobs and fans out lifecycle events. It does not own
// any background goroutines.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]JobInfo
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{jobs: map[string]JobInfo{}, subs: map[uint64]chan Event{}}
}

// Add registers a live job and returns the function that removes it again.
func (r *Registry) Add(info JobInfo) (remove func()) {
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	r.mu.Lock()
	r.jobs[info.ID] = info
	r.mu.Unlock()
	r.publish(Event{Type: "job.started", Job: info})

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.jobs, info.ID)
			r.mu.Unlock()
			r.publish(Event{Type: "job.finished", Job: info})
		})
	}
}

// List returns the live jobs ordered by start time.
func (r *Registry) List() []JobInfo {
	r.mu.RLock()
	out := make([]JobInfo, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the number of live jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// TasksText renders the live job list for the /tr_show_tasks command.
func (r *Registry) TasksText() string {
	jobs := r.List()
	if len(jobs) == 0 {
		return "Currently running jobs:\n\n(none)"
	}
	lines := []string{"Currently running jobs:", ""}
	for _, j := range jobs {
		lines = append(lines, "• "+j.label())
	}
	return strings.Join(lines, "\n")
}

// Subscribe returns a channel of lifecycle events and an unsubscribe func.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := r.seq.Add(1)

	r.mu.Lock()
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			// Closing is safe because publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

func (r *Registry) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so publish doesn't hold locks while sending.
	r.mu.RLock()
	chs := make([]chan Event, 0, len(r.subs))
	for _, ch := range r.subs {
		chs = append(chs, ch)
	}
	r.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If a subscriber unsubscribes concurrently
		// and the channel closes, recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}
