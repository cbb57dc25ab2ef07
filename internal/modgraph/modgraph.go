// Package modgraph resolves, links, and caches JavaScript modules for one
// isolate (spec §4.3, C3).
//
// # Design rationale
//
// The actual JS engine is an out-of-scope collaborator (spec §1), so this
// package never runs a real parser; it extracts import/export clauses with
// the same regex-scan fidelity the teacher's own build tooling uses to
// detect bare specifiers (becomeliminal-js-rules/tools/please_js/esmdev
// /imports.go's importSpecRe), rather than pulling in a full ecosystem
// JS/TS parser that would duplicate work the engine already does when it
// actually evaluates the source.
//
// Module records are kept in an arena (a slice in creation order) and in a
// map keyed by canonical id. Resolve and Link hand records out as *Record
// pointers, not arena indexes: a record handed out mid-linking to satisfy
// a cyclic back-edge is the same *Record whose fields are filled in
// afterwards, so every holder of the pointer sees them.
package modgraph

import (
	"path"
	"regexp"
	"sync"

	"github.com/nerdjs/sandboxd/internal/errs"
)

// Format is a module's detected or declared syntax.
type Format string

const (
	FormatESM     Format = "esm"
	FormatCJS     Format = "cjs"
	FormatBuiltin Format = "builtin"
)

// EvalState tracks a record's progress through linking and evaluation.
type EvalState int

const (
	StateUnloaded EvalState = iota
	StateLinking
	StateLinked
	StateEvaluating
	StateEvaluated
	StateError
)

// Importer identifies the module requesting a specifier (spec §4.3).
type Importer struct {
	Path       string // absolute POSIX path of the importing module
	ResolveDir string // importer.Path's parent directory
}

// LoaderResult is what the host loader callback returns for a specifier.
type LoaderResult struct {
	Code       string `json:"code"`
	ResolveDir string `json:"resolveDir,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Format     Format  `json:"format,omitempty"`
	Static     bool    `json:"static,omitempty"`
}

// Loader fetches source for a specifier from the host (spec §6
// moduleLoader host callback). Returning an error that is not a builtin
// miss is wrapped into errs.ModuleLoad by the graph.
type Loader func(specifier string, importer Importer) (*LoaderResult, error)

// ExportDescriptor is one named binding a module makes available, either a
// local declaration or a re-export.
type ExportDescriptor struct {
	LocalName  string // name as declared or re-exported locally
	FromModule int    // -1 for local and named exports; Link does not store the source module's arena index (star-derived entries leave 0)
	FromName   string // original name in the source module, "" means same as LocalName
	IsStar     bool   // `export * from S` / `export * as ns from S`
	StarAlias  string // alias for `export * as ns`, "" for bare `export * from`

	fromSpecifier string // raw specifier text before resolution, used only during Link
}

// Record is one module in the arena, keyed by its canonical id.
type Record struct {
	ID       string
	Format   Format
	Source   string
	Deps     []string // resolved canonical ids of imported specifiers
	Exports  []ExportDescriptor
	Namespace map[string]any // lazily populated export namespace object
	State    EvalState
	Err      *errs.Sandbox
	Static   bool
}

// Graph is the per-isolate module cache: one record per canonical id,
// shared between static import and dynamic import()/require() (spec §4.3
// invariant). Never shared across isolates (spec §5).
type Graph struct {
	mu      sync.Mutex
	loader  Loader
	records map[string]*Record
	arena   []*Record
	builtins map[string]func() map[string]any
	processProvider CwdEnvProvider
}

// New constructs a Graph with no loader registered; calling Resolve before
// SetLoader on a non-builtin specifier yields errs.NoModuleLoader.
func New() *Graph {
	g := &Graph{
		records: make(map[string]*Record),
	}
	g.builtins = g.defaultBuiltins()
	return g
}

func (g *Graph) SetLoader(l Loader) { g.mu.Lock(); g.loader = l; g.mu.Unlock() }

// Canonical computes the canonical id for a specifier resolved against a
// resolveDir: POSIX-joined and normalized (spec §4.3, GLOSSARY).
func Canonical(resolveDir, filename string) string {
	if path.IsAbs(filename) {
		return path.Clean(filename)
	}
	return path.Clean(path.Join(resolveDir, filename))
}

// EntryImporter builds the synthetic importer for a top-level eval's entry
// script, normalizing the caller-supplied filename to a POSIX absolute
// path (spec §4.3).
func EntryImporter(filename string) Importer {
	abs := filename
	if !path.IsAbs(abs) {
		abs = "/" + abs
	}
	abs = path.Clean(abs)
	return Importer{Path: abs, ResolveDir: path.Dir(abs)}
}

var builtinSpecRe = regexp.MustCompile(`^node:(.+)$`)

var builtinAliases = map[string]bool{
	"crypto": true, "events": true, "stream": true, "process": true,
}

// Resolve fetches (from cache, the loader, or the builtin fallback) and
// returns the Record for specifier as seen from importer. It does not link
// or evaluate; callers drive linking via Link.
func (g *Graph) Resolve(specifier string, importer Importer) (*Record, error) {
	if name, ok := builtinName(specifier); ok {
		if loaderWon, rec, err := g.tryLoaderFirst(specifier, importer); loaderWon {
			return rec, err
		}
		return g.resolveBuiltin(name)
	}

	// A path specifier whose canonical id is already cached is served
	// without asking the loader again.
	if specifier != "" && (specifier[0] == '/' || specifier[0] == '.') {
		g.mu.Lock()
		existing, ok := g.records[Canonical(importer.ResolveDir, specifier)]
		g.mu.Unlock()
		if ok {
			return existing, nil
		}
	}

	g.mu.Lock()
	loader := g.loader
	g.mu.Unlock()
	if loader == nil {
		return nil, errs.NoModuleLoader()
	}

	res, err := loader(specifier, importer)
	if err != nil {
		return nil, errs.Wrap(errs.KindModuleLoad, err)
	}

	id := Canonical(res.ResolveDir, firstNonEmpty(res.Filename, specifier))

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.records[id]; ok {
		return existing, nil
	}

	format := res.Format
	if format == "" {
		format = inferFormat(res.Code)
	}

	rec := &Record{ID: id, Format: format, Source: res.Code, State: StateUnloaded, Static: res.Static}
	g.records[id] = rec
	g.arena = append(g.arena, rec)
	return rec, nil
}

// tryLoaderFirst gives an explicitly configured loader the chance to
// override the builtin fallback for a node:* specifier (spec §4.3
// "If the loader resolves the specifier successfully, the loader's version
// wins").
func (g *Graph) tryLoaderFirst(specifier string, importer Importer) (handled bool, rec *Record, err error) {
	g.mu.Lock()
	loader := g.loader
	g.mu.Unlock()
	if loader == nil {
		return false, nil, nil
	}
	res, lerr := loader(specifier, importer)
	if lerr != nil {
		return false, nil, nil // builtin fallback still applies
	}

	id := Canonical(res.ResolveDir, firstNonEmpty(res.Filename, specifier))
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.records[id]; ok {
		return true, existing, nil
	}
	format := res.Format
	if format == "" {
		format = inferFormat(res.Code)
	}
	rr := &Record{ID: id, Format: format, Source: res.Code, State: StateUnloaded, Static: res.Static}
	g.records[id] = rr
	g.arena = append(g.arena, rr)
	return true, rr, nil
}

func builtinName(specifier string) (string, bool) {
	if m := builtinSpecRe.FindStringSubmatch(specifier); m != nil {
		return m[1], true
	}
	if builtinAliases[specifier] {
		return specifier, true
	}
	return "", false
}

func (g *Graph) resolveBuiltin(name string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := "node:" + name
	if existing, ok := g.records[id]; ok {
		return existing, nil
	}
	factory, ok := g.builtins[name]
	if !ok {
		return nil, errs.New(errs.KindModuleLoad, "Error", "unknown builtin: "+name)
	}
	rec := &Record{ID: id, Format: FormatBuiltin, State: StateEvaluated, Namespace: factory()}
	g.records[id] = rec
	g.arena = append(g.arena, rec)
	return rec, nil
}

func inferFormat(code string) Format {
	if esmDeclRe.MatchString(code) {
		return FormatESM
	}
	if cjsDeclRe.MatchString(code) {
		return FormatCJS
	}
	return FormatESM
}

var (
	esmDeclRe = regexp.MustCompile(`(?m)^\s*(import\s|export\s)`)
	cjsDeclRe = regexp.MustCompile(`module\.exports|exports\.\w+|require\s*\(`)
)

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Get returns the module record at the given cache key, if loaded.
func (g *Graph) Get(id string) (*Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[id]
	return r, ok
}

