package isolate

import (
	"strings"

	"github.com/nerdjs/sandboxd/internal/engine"
	"github.com/nerdjs/sandboxd/internal/errs"
	"github.com/nerdjs/sandboxd/internal/modgraph"
)

// loadModule resolves, links, and evaluates spec as seen from the
// currently-evaluating module (or the entry script, with nothing else in
// flight), returning the fully evaluated record (spec §4.3, §4.4).
func (iso *Isolate) loadModule(spec string) (*modgraph.Record, error) {
	loader := iso.callbacksSnapshot().ModuleLoader
	iso.graph.SetLoader(loader)

	importer := iso.currentImporter()
	rec, err := iso.graph.Resolve(spec, importer)
	if err != nil {
		return nil, err
	}
	if err := iso.graph.Link(rec, importer); err != nil {
		return nil, err
	}
	if err := iso.evaluateRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// evaluateRecord runs rec's module body, if it hasn't already, and
// populates rec.Namespace from what that body actually returns. A record
// already mid-evaluation (a circular require/import) is left alone and
// observed with whatever partial namespace it has built so far, mirroring
// Node's require() cycle semantics (spec §4.3 step 2, concrete scenario 3's
// __exportStar chain through A→B→C) rather than being re-entered or
// deadlocking.
func (iso *Isolate) evaluateRecord(rec *modgraph.Record) error {
	switch rec.State {
	case modgraph.StateEvaluated, modgraph.StateEvaluating:
		return nil
	case modgraph.StateError:
		return rec.Err
	}
	if rec.Format == modgraph.FormatBuiltin {
		// Builtins are evaluated eagerly by Resolve; reaching here with
		// StateUnloaded would mean a builtin name the loader overrode with
		// its own (non-builtin-formatted) source, which can't happen.
		rec.State = modgraph.StateEvaluated
		return nil
	}

	rec.State = modgraph.StateEvaluating
	rec.Namespace = map[string]any{}

	selfImporter := modgraph.Importer{Path: rec.ID, ResolveDir: parentDirOf(rec.ID)}
	compiled := modgraph.CompileBody(rec)

	iso.pushModuleImporter(selfImporter)
	final, runErr := iso.ctx.RunSync(compiled.Source, rec.ID)
	iso.popModuleImporter()
	if runErr != nil {
		rec.Err = iso.mapModuleErr(runErr)
		rec.State = modgraph.StateError
		return rec.Err
	}

	var ns map[string]any
	if rec.Format == modgraph.FormatCJS {
		ns = modgraph.NamespaceFromCJS(final)
	} else if m, ok := final.(map[string]any); ok {
		ns = m
	} else {
		ns = map[string]any{}
	}

	if len(compiled.StarFrom) > 0 {
		if err := iso.mergeStarExports(ns, compiled.StarFrom, selfImporter); err != nil {
			rec.Err = errs.Wrap(errs.KindModuleLoad, err)
			rec.State = modgraph.StateError
			return rec.Err
		}
	}

	rec.Namespace = ns
	rec.State = modgraph.StateEvaluated
	return nil
}

// mergeStarExports resolves and evaluates every bare `export * from` target
// and folds its names into ns in place, excluding default/__esModule and
// never overwriting a name ns already has (spec §4.3 step 3 "local wins").
func (iso *Isolate) mergeStarExports(ns map[string]any, specs []string, importer modgraph.Importer) error {
	into := modgraph.NewCJSExports()
	for k, v := range ns {
		into.Set(k, v)
	}
	for _, spec := range specs {
		dep, err := iso.graph.Resolve(spec, importer)
		if err != nil {
			return err
		}
		if err := iso.graph.Link(dep, importer); err != nil {
			return err
		}
		if err := iso.evaluateRecord(dep); err != nil {
			return err
		}
		modgraph.ExportStar(dep.Namespace, into)
	}
	final := into.Final()
	if m, ok := final.(map[string]any); ok {
		for k, v := range m {
			ns[k] = v
		}
	}
	return nil
}

func (iso *Isolate) mapModuleErr(err error) *errs.Sandbox {
	if sb, ok := err.(*errs.Sandbox); ok {
		return sb
	}
	if jsErr, ok := err.(*engine.JSError); ok {
		if jsErr.Name == "SyntaxError" {
			return errs.New(errs.KindSyntax, jsErr.Name, jsErr.Message)
		}
		return errs.New(errs.KindUserError, jsErr.Name, jsErr.Message)
	}
	return errs.New(errs.KindInternal, "Error", err.Error())
}

func parentDirOf(id string) string {
	idx := strings.LastIndex(id, "/")
	if idx <= 0 {
		return "/"
	}
	return id[:idx]
}
