// Package poller re-reads subscribed keys on an interval and delivers records
// that notifications missed.
//
// Notification transports are best-effort. The poller is the backstop: with
// every transport silent, a subscribed key still converges within one
// interval, or sooner when Focus or Visible fires.
package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/crmsync/internal/notify"
	"github.com/roach88/crmsync/internal/record"
)

// DefaultInterval is the reconciliation period.
const DefaultInterval = 5 * time.Second

// Reader reads the current envelope of a key with backup fallback.
type Reader interface {
	Peek(key string) (record.Envelope, bool)
}

// DeliverFunc receives a record newer than the key's bookmark from another
// writer.
type DeliverFunc func(key string, env record.Envelope, src notify.Source)

// Poller tracks a bookmark per subscribed key and delivers newer records.
//
// Bookmarks only move forward under record.Newer. Offer serializes
// deliveries, so a DeliverFunc must not call Offer, Tick or Reconcile on the
// same Poller.
//
// Thread-safety: all methods are safe for concurrent use.
type Poller struct {
	reader   Reader
	writerID string
	deliver  DeliverFunc
	interval time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	tracked   map[string]int
	bookmarks map[string]record.Meta

	deliverMu sync.Mutex
	trigger   chan string
	polls     atomic.Int64
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the period between ticks. Non-positive values are
// ignored.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		p.log = l
	}
}

// New creates a Poller for writerID reading through reader.
func New(reader Reader, writerID string, deliver DeliverFunc, opts ...Option) *Poller {
	p := &Poller{
		reader:    reader,
		writerID:  writerID,
		deliver:   deliver,
		interval:  DefaultInterval,
		log:       slog.Default(),
		tracked:   make(map[string]int),
		bookmarks: make(map[string]record.Meta),
		trigger:   make(chan string, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Interval returns the tick period.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Track adds a reference to key. The first reference seeds the bookmark with
// the record currently stored, so only later changes are delivered.
func (p *Poller) Track(key string) {
	p.mu.Lock()
	p.tracked[key]++
	first := p.tracked[key] == 1
	p.mu.Unlock()
	if !first {
		return
	}
	if env, ok := p.reader.Peek(key); ok {
		p.Advance(key, env.Meta())
	}
}

// Untrack drops a reference to key. The last reference forgets its bookmark.
func (p *Poller) Untrack(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.tracked[key]
	if !ok {
		return
	}
	if n > 1 {
		p.tracked[key] = n - 1
		return
	}
	delete(p.tracked, key)
	delete(p.bookmarks, key)
}

// Tracked returns the tracked keys in sorted order.
func (p *Poller) Tracked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.tracked))
	for k := range p.tracked {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsTracked reports whether key has at least one reference.
func (p *Poller) IsTracked(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracked[key] > 0
}

// Bookmark returns the newest metadata seen for key.
func (p *Poller) Bookmark(key string) record.Meta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bookmarks[key]
}

// Advance moves the bookmark of a tracked key to m if m is newer.
// It reports whether the bookmark moved.
func (p *Poller) Advance(key string, m record.Meta) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tracked[key] == 0 {
		return false
	}
	if !record.Newer(m, p.bookmarks[key]) {
		return false
	}
	p.bookmarks[key] = m
	return true
}

// Offer advances the bookmark of key to env and delivers env if it came
// from another writer. It reports whether env was delivered.
func (p *Poller) Offer(key string, env record.Envelope, src notify.Source) bool {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	if !p.Advance(key, env.Meta()) {
		return false
	}
	if env.WriterID == p.writerID {
		return false
	}
	p.log.Debug("delivering record",
		"key", key,
		"version", env.Version,
		"writer", env.WriterID,
		"source", src,
	)
	p.deliver(key, env, src)
	return true
}

// Tick polls every tracked key once and returns how many records were
// delivered.
func (p *Poller) Tick() int {
	return p.Reconcile(p.Tracked())
}

// Reconcile polls keys immediately and returns how many records were
// delivered. Untracked keys are skipped.
func (p *Poller) Reconcile(keys []string) int {
	p.polls.Add(1)
	delivered := 0
	for _, key := range keys {
		env, ok := p.reader.Peek(key)
		if !ok {
			continue
		}
		if p.Offer(key, env, notify.SourcePoll) {
			delivered++
		}
	}
	return delivered
}

// Polls returns how many poll cycles have run.
func (p *Poller) Polls() int64 {
	return p.polls.Load()
}

// Focus requests an immediate poll, as when the context regains focus.
func (p *Poller) Focus() {
	p.kick("focus")
}

// Visible requests an immediate poll, as when the context becomes visible.
func (p *Poller) Visible() {
	p.kick("visible")
}

func (p *Poller) kick(reason string) {
	select {
	case p.trigger <- reason:
	default:
	}
}

// Start runs the poll loop until ctx is done or the returned stop function
// is called. stop waits for the loop to exit.
func (p *Poller) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Tick()
			case reason := <-p.trigger:
				p.log.Debug("poll triggered", "reason", reason)
				p.Tick()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
