package harness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Context  string       // Context whose view was checked
	Key      string       // Record key
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s (context=%s, key=%s)\n", e.Type, e.Context, e.Key)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  %s\n", event)
	}
	return buf.String()
}

// EvaluateAssertions evaluates all assertions against the harness state.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		n, ok := h.byName[a.Context]
		if !ok {
			errs = append(errs, fmt.Sprintf("assertion[%d]: unknown context %q", i, a.Context))
			continue
		}

		var err error
		switch a.Type {
		case AssertRecord:
			err = assertRecord(h, n, a)
		case AssertAbsent:
			err = assertAbsent(h, n, a)
		case AssertDeliveries:
			err = assertCount(h, a, n.deliveries[a.Key])
		case AssertBackups:
			ring, listErr := n.adapter.Backups().List(a.Key)
			if listErr != nil {
				err = fmt.Errorf("assertion[%d]: %w", i, listErr)
				break
			}
			err = assertCount(h, a, len(ring))
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// assertRecord checks the payload a context reads for a key, and optionally
// the envelope's writer and version.
func assertRecord(h *Harness, n *node, a Assertion) error {
	env, ok := n.adapter.Peek(a.Key)
	if !ok {
		return h.fail(a, describe(a.Payload), "absent")
	}

	var actual any
	if err := json.Unmarshal(env.Payload, &actual); err != nil {
		return h.fail(a, describe(a.Payload), "undecodable payload "+string(env.Payload))
	}
	if !jsonEqual(a.Payload, actual) {
		return h.fail(a, describe(a.Payload), string(env.Payload))
	}
	if a.Writer != "" && env.WriterID != a.Writer {
		return h.fail(a, "writer "+a.Writer, "writer "+env.WriterID)
	}
	if a.Version != 0 && env.Version != a.Version {
		return h.fail(a, fmt.Sprintf("version %d", a.Version), fmt.Sprintf("version %d", env.Version))
	}
	return nil
}

func assertAbsent(h *Harness, n *node, a Assertion) error {
	if payload, ok := n.engine.LoadRecord(a.Key); ok {
		return h.fail(a, "absent", string(payload))
	}
	return nil
}

func assertCount(h *Harness, a Assertion, actual int) error {
	if actual != a.Count {
		return h.fail(a, fmt.Sprintf("%d %s", a.Count, a.Type), fmt.Sprintf("%d %s", actual, a.Type))
	}
	return nil
}

func (h *Harness) fail(a Assertion, expected, actual string) error {
	return &AssertionError{
		Type:     a.Type,
		Context:  a.Context,
		Key:      a.Key,
		Expected: expected,
		Actual:   actual,
		Trace:    h.result.Trace,
	}
}

// jsonEqual compares a YAML-decoded value with a JSON-decoded one by
// round-tripping the former through JSON.
func jsonEqual(expected, actual any) bool {
	data, err := json.Marshal(expected)
	if err != nil {
		return false
	}
	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return false
	}
	return reflect.DeepEqual(normalized, actual)
}

func describe(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
