package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/crmsync/internal/adapter"
	"github.com/roach88/crmsync/internal/backup"
	"github.com/roach88/crmsync/internal/crm"
	"github.com/roach88/crmsync/internal/engine"
	"github.com/roach88/crmsync/internal/identity"
	"github.com/roach88/crmsync/internal/kvstore"
	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/testutil"
)

// corruptValue is written into a primary slot by the "corrupt" step.
const corruptValue = "{corrupted"

var errInjectedCapacity = errors.New("injected capacity failure")

// node is one execution context of a running scenario.
type node struct {
	name        string
	store       *testutil.FaultyStore
	clock       *testutil.ManualClock
	adapter     *adapter.Adapter
	engine      *engine.Engine
	deliveries  map[string]int
	unsubscribe []func()
}

// Harness executes one scenario.
type Harness struct {
	origin *kvstore.Origin
	nodes  []*node
	byName map[string]*node
	result *Result
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs over a fresh in-memory origin for isolation.
//
// Execution flow:
// 1. Create the origin and one engine per context
// 2. Subscribe every context to the scenario's keys
// 3. Execute steps, checking their expected outcome
// 4. Evaluate assertions against each context's final view
func Run(scenario *Scenario) (*Result, error) {
	h := &Harness{
		byName: make(map[string]*node),
		result: NewResult(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs
	}
	if err := h.setup(scenario); err != nil {
		return nil, fmt.Errorf("failed to set up scenario: %w", err)
	}
	defer h.teardown()

	for i, step := range scenario.Steps {
		if err := h.execute(i, step); err != nil {
			return nil, fmt.Errorf("failed to execute steps[%d]: %w", i, err)
		}
	}

	for _, errMsg := range EvaluateAssertions(h, scenario.Assertions) {
		h.result.AddError(errMsg)
	}
	return h.result, nil
}

func (h *Harness) setup(s *Scenario) error {
	var originOpts []kvstore.OriginOption
	if s.QuotaBytes > 0 {
		originOpts = append(originOpts, kvstore.WithQuota(s.QuotaBytes))
	}
	h.origin = kvstore.NewOrigin(originOpts...)

	var shapes *record.Shapes
	if s.CRMShapes {
		shapes = record.NewShapes()
		if err := crm.RegisterShapes(shapes); err != nil {
			return err
		}
	}

	for _, spec := range s.Contexts {
		n := &node{
			name:       spec.Name,
			store:      testutil.NewFaultyStore(h.origin.Context(spec.Name)),
			clock:      testutil.NewManualClock(spec.Clock),
			deliveries: make(map[string]int),
		}
		id := identity.Fixed("device-" + spec.Name)

		opts := []adapter.Option{
			adapter.WithClock(n.clock),
			adapter.WithLogger(h.logger),
		}
		if shapes != nil {
			opts = append(opts, adapter.WithShapes(shapes))
		}
		if s.BackupCapacity > 0 {
			opts = append(opts, adapter.WithBackups(backup.New(n.store,
				backup.WithCapacity(s.BackupCapacity),
				backup.WithLogger(h.logger),
			)))
		}
		n.adapter = adapter.New(n.store, id, opts...)
		n.engine = engine.New(n.adapter, id, engine.WithLogger(h.logger))

		if len(s.Subscribe) > 0 {
			n.unsubscribe = append(n.unsubscribe, n.engine.Subscribe(s.Subscribe, h.recorder(n)))
		}

		h.nodes = append(h.nodes, n)
		h.byName[n.name] = n
	}
	return nil
}

func (h *Harness) teardown() {
	for _, n := range h.nodes {
		for _, u := range n.unsubscribe {
			u()
		}
	}
}

func (h *Harness) recorder(n *node) engine.Handler {
	return func(key string, payload json.RawMessage) {
		n.deliveries[key]++
		h.result.AddTrace(TraceEvent{
			Context: n.name,
			Op:      "deliver",
			Key:     key,
			Payload: payload,
		})
	}
}

func (h *Harness) execute(index int, step Step) error {
	n := h.byName[step.Context]

	switch step.Op {
	case OpSave:
		payload, err := json.Marshal(step.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		ok := n.engine.SaveRecord(step.Key, json.RawMessage(payload))
		h.traceOutcome(n, step, ok)
		h.checkExpect(index, step, ok)

	case OpRemove:
		ok := n.engine.Remove(step.Key)
		h.result.AddTrace(TraceEvent{Context: n.name, Op: step.Op, Key: step.Key, Result: outcome(ok)})
		h.checkExpect(index, step, ok)

	case OpRestore:
		ok := n.engine.Restore(step.Key)
		h.traceOutcome(n, step, ok)
		h.checkExpect(index, step, ok)

	case OpReconcile:
		targets := h.nodes
		if n != nil {
			targets = []*node{n}
		}
		for _, t := range targets {
			delivered := t.engine.ForceReconcile(nil)
			h.result.AddTrace(TraceEvent{
				Context: t.name,
				Op:      step.Op,
				Result:  fmt.Sprintf("delivered=%d", delivered),
			})
		}

	case OpAdvance:
		n.clock.Advance(time.Duration(step.Millis) * time.Millisecond)
		h.result.AddTrace(TraceEvent{
			Context: n.name,
			Op:      step.Op,
			Result:  fmt.Sprintf("clock=%d", n.clock.NowMillis()),
		})

	case OpCorrupt:
		if err := h.origin.Context(n.name).Set(record.NormalizeKey(step.Key), corruptValue); err != nil {
			return fmt.Errorf("corrupt %q: %w", step.Key, err)
		}
		h.result.AddTrace(TraceEvent{Context: n.name, Op: step.Op, Key: step.Key})

	case OpFailSet:
		errs := make([]error, step.Times)
		for i := range errs {
			errs[i] = &record.Error{Code: record.CodeCapacityExceeded, Key: step.Key, Err: errInjectedCapacity}
		}
		n.store.FailSet(record.NormalizeKey(step.Key), errs...)
		h.result.AddTrace(TraceEvent{
			Context: n.name,
			Op:      step.Op,
			Key:     step.Key,
			Result:  fmt.Sprintf("times=%d", step.Times),
		})

	case OpUnsubscribe:
		for _, u := range n.unsubscribe {
			u()
		}
		n.unsubscribe = nil
		h.result.AddTrace(TraceEvent{Context: n.name, Op: step.Op})

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

// traceOutcome records a write-like step with the envelope it left behind.
func (h *Harness) traceOutcome(n *node, step Step, ok bool) {
	ev := TraceEvent{Context: n.name, Op: step.Op, Key: step.Key, Result: outcome(ok)}
	if ok {
		if env, found := n.adapter.Peek(step.Key); found {
			ev.Version = env.Version
			ev.TS = env.LogicalTimestamp
			ev.Writer = env.WriterID
			ev.Payload = env.Payload
		}
	}
	h.result.AddTrace(ev)
}

func (h *Harness) checkExpect(index int, step Step, ok bool) {
	want := true
	if step.Expect != nil {
		want = *step.Expect
	}
	if ok != want {
		h.result.AddError(fmt.Sprintf("steps[%d]: %s %s: expected %s, got %s",
			index, step.Op, step.Key, outcome(want), outcome(ok)))
	}
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
