package reload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/noex/noex-rules/internal/rule"
)

// Source supplies rule definitions to the watcher.
type Source interface {
	Name() string
	LoadRules() ([]rule.Input, error)
}

// ruleSchema is the CUE contract every loaded rule document must satisfy
// before it is decoded. Validation failures carry CUE's positioned error
// messages, which beat a downstream type assertion panic by a wide margin.
const ruleSchema = `
#Rule: {
	id:           string & !=""
	name:         string & !=""
	description?: string
	group?:       string
	priority?:    int
	enabled?:     bool
	tags?: [...string]
	trigger: {
		type: "event" | "fact" | "timer" | "temporal"
		...
	}
	conditions?: [...{
		source: {type: string, ...}
		operator: string
		value?: _
	}]
	actions: [_, ...]
	lookups?: [...{
		name:    string & !=""
		service: string & !=""
		method:  string & !=""
		...
	}]
}
`

// FileSource loads rules from YAML files (multi-document) under a set of
// paths. Directories are scanned non-recursively for .yaml/.yml files.
type FileSource struct {
	name   string
	paths  []string
	schema cue.Value
	log    *slog.Logger
}

// NewFileSource creates a file source over the given files or directories.
func NewFileSource(name string, paths ...string) *FileSource {
	ctx := cuecontext.New()
	return &FileSource{
		name:   name,
		paths:  paths,
		schema: ctx.CompileString(ruleSchema).LookupPath(cue.ParsePath("#Rule")),
		log:    slog.Default(),
	}
}

// Name identifies the source in diagnostics and audit entries.
func (s *FileSource) Name() string { return s.name }

// LoadRules reads every rule document from the source's paths. A schema
// violation in any document fails the whole load; the watcher decides
// whether that aborts the batch.
func (s *FileSource) LoadRules() ([]rule.Input, error) {
	files, err := s.ruleFiles()
	if err != nil {
		return nil, err
	}
	var out []rule.Input
	for _, f := range files {
		inputs, err := s.loadFile(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		out = append(out, inputs...)
	}
	return out, nil
}

func (s *FileSource) ruleFiles() ([]string, error) {
	var files []string
	for _, p := range s.paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext == ".yaml" || ext == ".yml" {
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
	}
	return files, nil
}

func (s *FileSource) loadFile(path string) ([]rule.Input, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []rule.Input
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	for docIdx := 0; ; docIdx++ {
		var doc map[string]any
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("document %d: %w", docIdx, err)
		}
		if len(doc) == 0 {
			continue
		}
		if err := s.validateDoc(doc); err != nil {
			return nil, fmt.Errorf("document %d: %w", docIdx, err)
		}
		in, err := decodeInput(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", docIdx, err)
		}
		out = append(out, in)
	}
	return out, nil
}

// validateDoc unifies the document with the rule schema.
func (s *FileSource) validateDoc(doc map[string]any) error {
	v := s.schema.Context().Encode(doc)
	unified := s.schema.Unify(v)
	if err := unified.Err(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if err := unified.Validate(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// decodeInput round-trips the document through YAML into the typed input.
func decodeInput(doc map[string]any) (rule.Input, error) {
	var in rule.Input
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return in, err
	}
	if err := yaml.Unmarshal(raw, &in); err != nil {
		return in, err
	}
	return in, nil
}

// WatchFiles runs an fsnotify loop over the source's paths, invoking
// onChange on every write or create. Used to kick the watcher between
// polling intervals; the poll remains the source of truth. Blocks until
// ctx is done.
func (s *FileSource) WatchFiles(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	for _, p := range s.paths {
		if err := w.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.log.Debug("rule file changed", "source", s.name, "file", ev.Name, "op", ev.Op.String())
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("file watch error", "source", s.name, "error", err)
		}
	}
}

// StaticSource serves a fixed set of rules. Used in tests and for
// programmatic rule injection.
type StaticSource struct {
	mu    sync.Mutex
	name  string
	rules []rule.Input
	err   error
}

// NewStaticSource creates a static source.
func NewStaticSource(name string, rules ...rule.Input) *StaticSource {
	return &StaticSource{name: name, rules: rules}
}

// Name identifies the source.
func (s *StaticSource) Name() string { return s.name }

// SetRules replaces the served set.
func (s *StaticSource) SetRules(rules ...rule.Input) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
	s.err = nil
}

// Fail makes subsequent loads return err.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// LoadRules returns the configured set.
func (s *StaticSource) LoadRules() ([]rule.Input, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]rule.Input(nil), s.rules...), nil
}
