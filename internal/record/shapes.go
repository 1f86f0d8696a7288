package record

import (
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Shapes holds the CUE schema each key's payload must satisfy.
//
// A cue.Context is not safe for concurrent use, so every operation holds the
// mutex for its whole duration.
type Shapes struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

// NewShapes creates an empty registry. With no schema registered, Check
// accepts every payload.
func NewShapes() *Shapes {
	return &Shapes{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
}

// Register compiles src as the schema for key, replacing any previous one.
//
// Example:
//
//	shapes.Register("teams", `[...{id: string, nombre: string, members: [...string]}]`)
func (s *Shapes) Register(key, src string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.ctx.CompileString(src, cue.Filename(key+".cue"))
	if err := v.Err(); err != nil {
		return fmt.Errorf("compile schema for %q: %w", key, err)
	}
	s.schemas[NormalizeKey(key)] = v
	return nil
}

// Load compiles a CUE source whose field at path holds one schema per key,
// and registers each of them.
//
// Example source:
//
//	records: {
//		"current-session": #Session
//		teams: [...#Team]
//	}
func (s *Shapes) Load(filename, src, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := s.ctx.CompileString(src, cue.Filename(filename))
	if err := root.Err(); err != nil {
		return fmt.Errorf("compile %s: %w", filename, err)
	}
	recs := root.LookupPath(cue.ParsePath(path))
	if !recs.Exists() {
		return fmt.Errorf("compile %s: path %q not found", filename, path)
	}
	iter, err := recs.Fields()
	if err != nil {
		return fmt.Errorf("compile %s: %w", filename, err)
	}
	for iter.Next() {
		key := iter.Selector().Unquoted()
		s.schemas[NormalizeKey(key)] = iter.Value()
	}
	return nil
}

// Keys returns the keys that have a registered schema.
func (s *Shapes) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.schemas))
	for k := range s.schemas {
		keys = append(keys, k)
	}
	return keys
}

// Check validates payload against the schema registered for key.
func (s *Shapes) Check(key string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema, ok := s.schemas[key]
	if !ok {
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON")
		}
		return nil
	}
	v := s.ctx.CompileBytes(payload, cue.Filename(key+".json"))
	if err := v.Err(); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}
	if err := schema.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}
