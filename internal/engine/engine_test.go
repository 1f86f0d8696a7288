package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/adapter"
	"github.com/roach88/crmsync/internal/identity"
	"github.com/roach88/crmsync/internal/kvstore"
	"github.com/roach88/crmsync/internal/notify"
	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/testutil"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, store kvstore.Store, name string, clock adapter.Clock, opts ...EngineOption) *Engine {
	t.Helper()
	id := identity.Fixed("device-" + name)
	aopts := []adapter.Option{adapter.WithLogger(quietLogger())}
	if clock != nil {
		aopts = append(aopts, adapter.WithClock(clock))
	}
	a := adapter.New(store, id, aopts...)
	return New(a, id, append([]EngineOption{WithLogger(quietLogger())}, opts...)...)
}

func start(t *testing.T, e *Engine) {
	t.Helper()
	stop, err := e.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(stop)
}

// calls records handler invocations.
type calls struct {
	mu       sync.Mutex
	payloads []string
}

func (c *calls) handle(_ string, payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, string(payload))
}

func (c *calls) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *calls) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) == 0 {
		return ""
	}
	return c.payloads[len(c.payloads)-1]
}

func TestSaveRecord_ReadAfterWrite(t *testing.T) {
	e := newEngine(t, kvstore.NewOrigin().Context("a"), "a", nil)

	require.True(t, e.SaveRecord("clients", []map[string]string{{"id": "c1"}}))
	got, ok := e.LoadRecord("clients")
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":"c1"}]`, string(got))

	assert.Equal(t, int64(1), e.Stats().Writes)
}

func TestSaveRecord_AcceptsRawJSON(t *testing.T) {
	e := newEngine(t, kvstore.NewOrigin().Context("a"), "a", nil)

	require.True(t, e.SaveRecord("teams", json.RawMessage(`[{"id":"t1"}]`)))
	require.True(t, e.SaveRecord("tasks", []byte(`[]`)))

	got, ok := e.LoadRecord("teams")
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":"t1"}]`, string(got))
}

func TestSaveRecord_ConcurrentSavesKeepVersionsIncreasing(t *testing.T) {
	e := newEngine(t, kvstore.NewOrigin().Context("a"), "a", nil)

	const savers = 24
	var wg sync.WaitGroup
	for i := 0; i < savers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e.SaveRecord("tasks", map[string]int{"n": n})
		}(i)
	}
	wg.Wait()

	env, ok := e.adapter.Peek("tasks")
	require.True(t, ok)
	assert.Equal(t, e.Stats().Writes, env.Version, "one version per successful save")
	assert.Equal(t, int64(savers), e.Stats().Writes)
}

func TestSaveRecord_FailuresReturnFalse(t *testing.T) {
	origin := kvstore.NewOrigin()
	e := newEngine(t, origin.Context("a"), "a", nil)

	assert.False(t, e.SaveRecord("clients", nil), "nil payload")
	assert.False(t, e.SaveRecord("clients", make(chan int)), "unmarshalable payload")

	origin.SetDisabled(true)
	assert.False(t, e.SaveRecord("clients", []string{}), "store unavailable")
	_, ok := e.LoadRecord("clients")
	assert.False(t, ok)

	assert.Equal(t, int64(3), e.Stats().WriteFailures)
}

func TestCapacityScenario_EvictsAndRetries(t *testing.T) {
	faulty := testutil.NewFaultyStore(kvstore.NewOrigin().Context("a"))
	e := newEngine(t, faulty, "a", nil)

	require.True(t, e.SaveRecord("k", map[string]int{"n": 1}))
	require.True(t, e.SaveRecord("k", map[string]int{"n": 2}))

	faulty.FailSet("k", &record.Error{Code: record.CodeCapacityExceeded, Key: "k", Err: errors.New("quota")})
	assert.True(t, e.SaveRecord("k", map[string]int{"n": 3}))

	got, ok := e.LoadRecord("k")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":3}`, string(got))
}

func TestSubscribe_DeliversForeignWrite(t *testing.T) {
	origin := kvstore.NewOrigin()
	a := newEngine(t, origin.Context("a"), "a", nil)
	b := newEngine(t, origin.Context("b"), "b", nil, WithPollInterval(time.Hour))
	start(t, a)
	start(t, b)

	var got calls
	unsubscribe := b.Subscribe([]string{"clients"}, got.handle)
	defer unsubscribe()

	require.True(t, a.SaveRecord("clients", []string{"acme"}))
	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, tick)
	assert.JSONEq(t, `["acme"]`, got.last())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, got.count(), "native signal and marker deliver once")
	assert.Positive(t, b.Stats().Delivered)
}

func TestSubscribe_ViaBroadcastBus(t *testing.T) {
	origin := kvstore.NewOrigin(kvstore.WithNativeSignal(false))
	bus := notify.NewHub()
	a := newEngine(t, origin.Context("a"), "a", nil, WithBus(bus))
	b := newEngine(t, origin.Context("b"), "b", nil, WithBus(bus), WithPollInterval(time.Hour))
	start(t, a)
	start(t, b)

	var got calls
	defer b.Subscribe([]string{"tasks"}, got.handle)()

	require.True(t, a.SaveRecord("tasks", []string{"call back"}))
	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, tick)
}

func TestSubscribe_ViaSharedLocalHub(t *testing.T) {
	origin := kvstore.NewOrigin(kvstore.WithNativeSignal(false))
	hub := notify.NewHub()
	bus := notify.NewHub()
	a := newEngine(t, origin.Context("a"), "a", nil, WithLocalHub(hub), WithBus(bus))
	b := newEngine(t, origin.Context("b"), "b", nil, WithLocalHub(hub), WithPollInterval(time.Hour))
	start(t, a)
	start(t, b)

	var got calls
	defer b.Subscribe([]string{"teams"}, got.handle)()

	require.True(t, a.SaveRecord("teams", []string{"north"}))
	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, tick)
}

func TestSubscribe_SelfNotificationsFiltered(t *testing.T) {
	origin := kvstore.NewOrigin()
	a := newEngine(t, origin.Context("a"), "a", nil, WithPollInterval(10*time.Millisecond))
	start(t, a)

	var got calls
	defer a.Subscribe([]string{"clients"}, got.handle)()

	require.True(t, a.SaveRecord("clients", []string{"mine"}))
	require.Eventually(t, func() bool { return a.Stats().SelfFiltered >= 1 }, waitFor, tick)
	a.ForceReconcile(nil)
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, got.count())
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	origin := kvstore.NewOrigin()
	a := newEngine(t, origin.Context("a"), "a", nil)
	b := newEngine(t, origin.Context("b"), "b", nil, WithPollInterval(10*time.Millisecond))
	start(t, a)
	start(t, b)

	var got calls
	unsubscribe := b.Subscribe([]string{"clients"}, got.handle)

	require.True(t, a.SaveRecord("clients", []string{"one"}))
	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, tick)

	unsubscribe()
	unsubscribe()
	require.True(t, a.SaveRecord("clients", []string{"two"}))
	b.ForceReconcile([]string{"clients"})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, got.count())
}

func TestUnsubscribe_FromInsideHandler(t *testing.T) {
	origin := kvstore.NewOrigin()
	a := newEngine(t, origin.Context("a"), "a", nil)
	b := newEngine(t, origin.Context("b"), "b", nil)

	var (
		got         calls
		unsubscribe func()
	)
	unsubscribe = b.Subscribe([]string{"clients"}, func(key string, payload json.RawMessage) {
		got.handle(key, payload)
		unsubscribe()
	})

	require.True(t, a.SaveRecord("clients", []string{"one"}))
	assert.Equal(t, 1, b.ForceReconcile([]string{"clients"}))
	require.True(t, a.SaveRecord("clients", []string{"two"}))
	assert.Zero(t, b.ForceReconcile([]string{"clients"}))
	assert.Equal(t, 1, got.count())
}

func TestUnsubscribe_WhileHandlerRunsElsewhere(t *testing.T) {
	origin := kvstore.NewOrigin()
	a := newEngine(t, origin.Context("a"), "a", nil)
	b := newEngine(t, origin.Context("b"), "b", nil)

	var got calls
	entered := make(chan struct{})
	release := make(chan struct{})
	unsubscribe := b.Subscribe([]string{"clients"}, func(key string, payload json.RawMessage) {
		got.handle(key, payload)
		close(entered)
		<-release
	})

	require.True(t, a.SaveRecord("clients", []string{"one"}))
	reconciled := make(chan int, 1)
	go func() { reconciled <- b.ForceReconcile([]string{"clients"}) }()
	<-entered

	unsubscribed := make(chan struct{})
	go func() {
		unsubscribe()
		close(unsubscribed)
	}()
	select {
	case <-unsubscribed:
	case <-time.After(waitFor):
		t.Fatal("unsubscribe blocked behind a running handler")
	}

	close(release)
	assert.Equal(t, 1, <-reconciled)

	require.True(t, a.SaveRecord("clients", []string{"two"}))
	assert.Zero(t, b.ForceReconcile([]string{"clients"}))
	assert.Equal(t, 1, got.count(), "no invocation starts after unsubscribe returns")
}

func TestHandlerPanicIsContained(t *testing.T) {
	origin := kvstore.NewOrigin()
	a := newEngine(t, origin.Context("a"), "a", nil)
	b := newEngine(t, origin.Context("b"), "b", nil)

	var got calls
	defer b.Subscribe([]string{"clients"}, func(string, json.RawMessage) { panic("boom") })()
	defer b.Subscribe([]string{"clients"}, got.handle)()

	require.True(t, a.SaveRecord("clients", []string{"one"}))
	assert.NotPanics(t, func() { b.ForceReconcile(nil) })
	assert.Equal(t, 1, got.count())
}

func TestConflictScenario_LatestTimestampWins(t *testing.T) {
	origin := kvstore.NewOrigin(kvstore.WithNativeSignal(false))
	a := newEngine(t, origin.Context("a"), "a", testutil.NewManualClock(100))
	b := newEngine(t, origin.Context("b"), "b", testutil.NewManualClock(101))

	var seenByA, seenByB calls
	defer a.Subscribe([]string{"employees"}, seenByA.handle)()
	defer b.Subscribe([]string{"employees"}, seenByB.handle)()

	require.True(t, a.SaveRecord("employees", []string{"listA"}))
	require.True(t, b.SaveRecord("employees", []string{"listB"}))

	// One reconciliation interval.
	a.ForceReconcile(nil)
	b.ForceReconcile(nil)

	for _, e := range []*Engine{a, b} {
		got, ok := e.LoadRecord("employees")
		require.True(t, ok)
		assert.JSONEq(t, `["listB"]`, string(got))
	}
	assert.JSONEq(t, `["listB"]`, seenByA.last())
	assert.Zero(t, seenByB.count(), "B wrote listB itself")
}

func TestConvergence_PollOnly(t *testing.T) {
	origin := kvstore.NewOrigin(kvstore.WithNativeSignal(false))

	const writers = 4
	engines := make([]*Engine, writers)
	views := make([]*view, writers)
	for i := range engines {
		name := string(rune('a' + i))
		// Private local hubs and no bus: only the poller carries changes.
		engines[i] = newEngine(t, origin.Context(name), name, nil, WithPollInterval(10*time.Millisecond))
		views[i] = &view{}
		defer engines[i].Subscribe([]string{"commissions"}, views[i].set)()
		start(t, engines[i])
	}

	for i, e := range engines {
		payload := []int{i}
		require.True(t, e.SaveRecord("commissions", payload))
		views[i].set("commissions", mustJSON(t, payload))
	}

	want, ok := engines[0].LoadRecord("commissions")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		for _, v := range views {
			if v.get() != string(want) {
				return false
			}
		}
		return true
	}, waitFor, tick)
}

func TestDedup_OneDeliveryAcrossChannels(t *testing.T) {
	origin := kvstore.NewOrigin()
	bus := notify.NewHub()
	hub := notify.NewHub()
	a := newEngine(t, origin.Context("a"), "a", nil, WithBus(bus), WithLocalHub(hub))
	b := newEngine(t, origin.Context("b"), "b", nil, WithBus(bus), WithLocalHub(hub), WithPollInterval(10*time.Millisecond))
	start(t, a)
	start(t, b)

	var got calls
	defer b.Subscribe([]string{"clients"}, got.handle)()

	require.True(t, a.SaveRecord("clients", []string{"x"}))
	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return b.Stats().Notifications >= 3 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, got.count(), "native, bus, local hub and poller deliver once")
	stats := b.Stats()
	assert.Positive(t, stats.Duplicates)
	assert.Positive(t, stats.Polls)
}

func TestStaleWriteDetected(t *testing.T) {
	origin := kvstore.NewOrigin(kvstore.WithNativeSignal(false))
	a := newEngine(t, origin.Context("a"), "a", nil)
	b := newEngine(t, origin.Context("b"), "b", nil)
	defer a.Subscribe([]string{"tasks"}, func(string, json.RawMessage) {})()

	require.True(t, b.SaveRecord("tasks", []string{"from b"}))
	require.True(t, a.SaveRecord("tasks", []string{"from a"}), "stale writes are detected, not prevented")
	assert.Equal(t, int64(1), a.Stats().StaleWrites)

	require.True(t, a.SaveRecord("tasks", []string{"again"}))
	assert.Equal(t, int64(1), a.Stats().StaleWrites)
}

func TestRestoreAndRemove(t *testing.T) {
	store := kvstore.NewOrigin().Context("a")
	e := newEngine(t, store, "a", nil)

	assert.False(t, e.Restore("current-session"))
	require.True(t, e.SaveRecord("current-session", map[string]string{"id": "u1"}))
	require.NoError(t, store.Set("current-session", "garbage"))

	assert.True(t, e.Restore("current-session"))
	raw, present, err := store.Get("current-session")
	require.NoError(t, err)
	assert.True(t, record.Decode("current-session", raw, present, nil).OK())

	assert.True(t, e.Remove("current-session"))
	_, ok := e.LoadRecord("current-session")
	assert.False(t, ok)
}

func TestRemoveThenRecreateStillDelivers(t *testing.T) {
	origin := kvstore.NewOrigin(kvstore.WithNativeSignal(false))
	clockA := testutil.NewManualClock(1000)
	a := newEngine(t, origin.Context("a"), "a", clockA)
	b := newEngine(t, origin.Context("b"), "b", nil)

	var got calls
	defer b.Subscribe([]string{"current-session"}, got.handle)()

	require.True(t, a.SaveRecord("current-session", map[string]int{"v": 1}))
	require.True(t, a.SaveRecord("current-session", map[string]int{"v": 2}))
	require.Equal(t, 1, b.ForceReconcile(nil))

	require.True(t, a.Remove("current-session"))
	clockA.Advance(10 * time.Millisecond)
	require.True(t, a.SaveRecord("current-session", map[string]int{"v": 3}))
	assert.Equal(t, 1, b.ForceReconcile(nil), "restarted version with a later timestamp still wins")
	assert.JSONEq(t, `{"v":3}`, got.last())
}

func TestStart_Lifecycle(t *testing.T) {
	e := newEngine(t, kvstore.NewOrigin().Context("a"), "a", nil)

	stop, err := e.Start(context.Background())
	require.NoError(t, err)

	_, err = e.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	stop()
	stop()

	stop, err = e.Start(context.Background())
	require.NoError(t, err)
	stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStart_SkipsFailingSource(t *testing.T) {
	e := newEngine(t, kvstore.NewOrigin().Context("a"), "a", nil, WithSources(failingSource{}))
	stop, err := e.Start(context.Background())
	require.NoError(t, err)
	stop()
}

func TestFocusAndVisibleTriggerReconcile(t *testing.T) {
	origin := kvstore.NewOrigin(kvstore.WithNativeSignal(false))
	a := newEngine(t, origin.Context("a"), "a", nil)
	b := newEngine(t, origin.Context("b"), "b", nil, WithPollInterval(time.Hour))
	start(t, b)

	var got calls
	defer b.Subscribe([]string{"clients"}, got.handle)()

	require.True(t, a.SaveRecord("clients", []string{"one"}))
	b.Focus()
	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, tick)

	require.True(t, a.SaveRecord("clients", []string{"two"}))
	b.Visible()
	require.Eventually(t, func() bool { return got.count() == 2 }, waitFor, tick)
}

type failingSource struct{}

func (failingSource) Name() notify.Source { return "broken" }

func (failingSource) Start(func(notify.Notification)) (func(), error) {
	return nil, errors.New("no transport")
}

// view is the state a consumer keeps for one key.
type view struct {
	mu      sync.Mutex
	payload string
}

func (v *view) set(_ string, payload json.RawMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.payload = string(payload)
}

func (v *view) get() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.payload
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
