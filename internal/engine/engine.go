package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/crmsync/internal/adapter"
	"github.com/roach88/crmsync/internal/identity"
	"github.com/roach88/crmsync/internal/kvstore"
	"github.com/roach88/crmsync/internal/notify"
	"github.com/roach88/crmsync/internal/poller"
	"github.com/roach88/crmsync/internal/record"
)

// Handler receives the payload of a record written by another context.
type Handler func(key string, payload json.RawMessage)

// Engine synchronizes record sets between execution contexts.
//
// Thread-safety model:
//   - SaveRecord, LoadRecord, Subscribe, ForceReconcile, Restore, Remove:
//     safe from any goroutine
//   - Run: started by Start, exactly one per engine
//   - handlers: never called concurrently with each other; a handler must
//     not call ForceReconcile on its own engine
type Engine struct {
	adapter  *adapter.Adapter
	writerID string
	notifier *notify.Notifier
	poller   *poller.Poller
	bus      notify.Bus
	local    notify.Bus
	extra    []notify.ChangeSource
	interval time.Duration
	log      *slog.Logger
	stats    counters

	mu        sync.Mutex
	subs      map[int]*subscription
	nextID    int
	processed map[string]record.Meta

	runMu   sync.Mutex
	running bool
	queue   *eventQueue
}

type subscription struct {
	keys    map[string]bool
	handler Handler

	active atomic.Bool
	inCall atomic.Bool
	callMu sync.Mutex
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithBus announces writes on, and receives from, a cross-context broadcast
// bus. Without one, writes are announced through the store's marker key.
func WithBus(b notify.Bus) EngineOption {
	return func(e *Engine) {
		e.bus = b
	}
}

// WithLocalHub shares a process-local event hub between engines.
// By default every engine has a private one.
func WithLocalHub(b notify.Bus) EngineOption {
	return func(e *Engine) {
		e.local = b
	}
}

// WithPollInterval sets the reconciliation interval.
//
// Default: poller.DefaultInterval (5s)
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.interval = d
	}
}

// WithSources adds change sources beyond the built-in ones.
func WithSources(sources ...notify.ChangeSource) EngineOption {
	return func(e *Engine) {
		e.extra = append(e.extra, sources...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.log = l
	}
}

// New creates an Engine writing through a as the identity id.
//
// a should have been built with the same identity; writes carry the
// adapter's writer ID while inbound filtering uses id.
func New(a *adapter.Adapter, id identity.Provider, opts ...EngineOption) *Engine {
	e := &Engine{
		adapter:   a,
		writerID:  id.ID(),
		interval:  poller.DefaultInterval,
		log:       slog.Default(),
		subs:      make(map[int]*subscription),
		processed: make(map[string]record.Meta),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.local == nil {
		e.local = notify.NewHub(notify.WithHubLogger(e.log))
	}
	if a.WriterID() != e.writerID {
		e.log.Warn("adapter and engine identities differ",
			"adapter", a.WriterID(),
			"engine", e.writerID,
		)
	}

	notifierOpts := []notify.NotifierOption{
		notify.WithLocalHub(e.local),
		notify.WithNotifierLogger(e.log),
	}
	if e.bus != nil {
		notifierOpts = append(notifierOpts, notify.WithBus(e.bus))
	}
	e.notifier = notify.NewNotifier(e.writerID, a.Store(), notifierOpts...)
	e.poller = poller.New(a, e.writerID, e.deliver,
		poller.WithInterval(e.interval),
		poller.WithLogger(e.log),
	)
	return e
}

// WriterID returns the engine's identity.
func (e *Engine) WriterID() string {
	return e.writerID
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot(e.poller.Polls())
}

// SaveRecord stores payload under key and announces the write.
//
// payload is marshalled to JSON unless it already is JSON. It reports false
// when the record was not stored; the failure has been logged.
func (e *Engine) SaveRecord(key string, payload any) bool {
	key = record.NormalizeKey(key)
	raw, err := record.MarshalPayload(payload)
	if err != nil {
		e.stats.writeFailures.Add(1)
		e.log.Warn("save rejected: payload", "key", key, "error", err)
		return false
	}

	res, ok := e.adapter.Write(key, raw)
	if !ok {
		e.stats.writeFailures.Add(1)
		return false
	}
	e.stats.writes.Add(1)
	env := res.Envelope

	if e.poller.IsTracked(key) {
		seen := e.poller.Bookmark(key)
		if res.Previous.WriterID != e.writerID && record.Newer(res.Previous, seen) {
			e.stats.staleWrites.Add(1)
			e.log.Warn("overwrote a record this context never saw",
				"error", &record.Error{Code: record.CodeStaleWrite, Key: key},
				"previous_version", res.Previous.Version,
				"previous_writer", res.Previous.WriterID,
				"seen_version", seen.Version,
			)
		}
	}
	e.poller.Advance(key, env.Meta())
	e.markProcessed(key, env.Meta())

	e.notifier.Emit(notify.FromEnvelope(key, env, ""))
	return true
}

// LoadRecord returns the current payload of key, falling back to its newest
// valid backup. ok is false when neither exists.
func (e *Engine) LoadRecord(key string) (json.RawMessage, bool) {
	return e.adapter.Read(key)
}

// Subscribe calls handler whenever another context stores a newer record
// under one of keys. The returned function unsubscribes; once it returns no
// new invocation of handler starts. An invocation already running when it is
// called is not waited for, so it may still be finishing.
func (e *Engine) Subscribe(keys []string, handler Handler) func() {
	sub := &subscription{
		keys:    make(map[string]bool, len(keys)),
		handler: handler,
	}
	for _, k := range keys {
		sub.keys[record.NormalizeKey(k)] = true
	}
	sub.active.Store(true)

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = sub
	e.mu.Unlock()

	for k := range sub.keys {
		e.poller.Track(k)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			// Wait out a delivery that checked active before the store above
			// but has not entered the handler yet. A running handler is not
			// waited for: the caller may be that handler.
			if !sub.inCall.Load() {
				sub.callMu.Lock()
				sub.callMu.Unlock()
			}

			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()

			for k := range sub.keys {
				e.poller.Untrack(k)
			}
		})
	}
}

// ForceReconcile polls keys immediately, or every subscribed key when keys
// is empty, and returns how many records were delivered.
func (e *Engine) ForceReconcile(keys []string) int {
	if len(keys) == 0 {
		return e.poller.Tick()
	}
	normalized := make([]string, len(keys))
	for i, k := range keys {
		normalized[i] = record.NormalizeKey(k)
	}
	return e.poller.Reconcile(normalized)
}

// Restore copies the newest backup of key into its primary slot.
func (e *Engine) Restore(key string) bool {
	key = record.NormalizeKey(key)
	env, ok := e.adapter.Restore(key)
	if !ok {
		return false
	}
	e.poller.Advance(key, env.Meta())
	return true
}

// Remove deletes key and its backups. Subscribers are not notified.
func (e *Engine) Remove(key string) bool {
	return e.adapter.Remove(key)
}

// Focus triggers an immediate reconciliation, as on window focus.
func (e *Engine) Focus() {
	e.poller.Focus()
}

// Visible triggers an immediate reconciliation, as on visibility regain.
func (e *Engine) Visible() {
	e.poller.Visible()
}

// Start runs the change sources, the dispatch loop and the poller until ctx
// is done or stop is called. stop tears everything down and waits for it.
//
// A change source that fails to start is logged and skipped; the poller
// still guarantees convergence.
func (e *Engine) Start(ctx context.Context) (stop func(), err error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return nil, ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	e.queue = newEventQueue()
	e.running = true

	var stops []func()
	for _, src := range e.sources() {
		s, err := src.Start(e.receive)
		if err != nil {
			e.log.Warn("change source unavailable", "source", src.Name(), "error", err)
			continue
		}
		e.log.Debug("change source started", "source", src.Name())
		stops = append(stops, s)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	stopPoller := e.poller.Start(ctx)

	e.log.Info("engine started",
		"writer", e.writerID,
		"sources", len(stops),
		"poll_interval", e.poller.Interval(),
	)

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, s := range stops {
				s()
			}
			stopPoller()
			cancel()
			<-done

			e.runMu.Lock()
			e.running = false
			e.runMu.Unlock()
			e.log.Info("engine stopped", "writer", e.writerID)
		})
	}, nil
}

func (e *Engine) sources() []notify.ChangeSource {
	var out []notify.ChangeSource
	if w, ok := e.adapter.Store().(kvstore.Watcher); ok {
		out = append(out, notify.NewNativeSource(w, e.log))
	}
	if e.bus != nil {
		out = append(out, notify.NewBusSource(e.bus))
	}
	out = append(out, notify.NewLocalSource(e.local))
	return append(out, e.extra...)
}

// receive is the emit callback of every change source.
func (e *Engine) receive(n notify.Notification) {
	e.stats.notifications.Add(1)
	if !e.notifier.Accept(n) {
		e.stats.selfFiltered.Add(1)
		return
	}
	n.Key = record.NormalizeKey(n.Key)
	if !e.poller.IsTracked(n.Key) {
		return
	}
	if e.seen(n.Key, n.Meta()) {
		e.stats.duplicates.Add(1)
		return
	}
	e.runMu.Lock()
	q := e.queue
	e.runMu.Unlock()
	if q != nil {
		q.Enqueue(n)
	}
}

// Run is the dispatch loop. Blocks until ctx is cancelled.
//
// ERROR HANDLING: a notification whose record cannot be read is logged and
// dropped; the poller picks the record up later.
func (e *Engine) Run(ctx context.Context) error {
	e.runMu.Lock()
	q := e.queue
	e.runMu.Unlock()
	if q == nil {
		q = newEventQueue()
		e.runMu.Lock()
		e.queue = q
		e.runMu.Unlock()
	}

	for {
		if n, ok := q.TryDequeue(); ok {
			e.dispatch(n)
			continue
		}

		select {
		case <-ctx.Done():
			q.Close()
			return ctx.Err()
		case _, ok := <-q.Wait():
			if !ok {
				return nil
			}
		}
	}
}

func (e *Engine) dispatch(n notify.Notification) {
	if e.seen(n.Key, n.Meta()) {
		e.stats.duplicates.Add(1)
		return
	}
	env, ok := e.adapter.Peek(n.Key)
	if !ok {
		e.log.Debug("notified record unreadable", "key", n.Key, "version", n.Version, "source", n.Source)
		return
	}
	e.markProcessed(n.Key, n.Meta())
	e.poller.Offer(n.Key, env, n.Source)
}

// deliver is the poller's DeliverFunc. Calls are serialized by the poller.
func (e *Engine) deliver(key string, env record.Envelope, src notify.Source) {
	e.markProcessed(key, env.Meta())

	e.mu.Lock()
	targets := make([]*subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		if sub.keys[key] {
			targets = append(targets, sub)
		}
	}
	e.mu.Unlock()

	for _, sub := range targets {
		if e.call(sub, key, env.Payload) {
			e.stats.delivered.Add(1)
		}
	}
	e.log.Debug("record delivered",
		"key", key,
		"version", env.Version,
		"writer", env.WriterID,
		"source", src,
		"handlers", len(targets),
	)
}

func (e *Engine) call(sub *subscription, key string, payload json.RawMessage) (called bool) {
	sub.callMu.Lock()
	defer sub.callMu.Unlock()
	if !sub.active.Load() {
		return false
	}

	sub.inCall.Store(true)
	defer sub.inCall.Store(false)
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handler panicked", "key", key, "panic", r)
			called = false
		}
	}()
	sub.handler(key, payload)
	return true
}

func (e *Engine) seen(key string, m record.Meta) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !record.Newer(m, e.processed[key])
}

func (e *Engine) markProcessed(key string, m record.Meta) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if record.Newer(m, e.processed[key]) {
		e.processed[key] = m
	}
}
