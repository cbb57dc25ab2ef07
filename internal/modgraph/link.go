package modgraph

import (
	"regexp"
	"strings"

	"github.com/nerdjs/sandboxd/internal/errs"
)

// Clause extraction patterns (spec §4.3 step 1). These operate at the same
// fidelity as the teacher's build-time specifier scanner — clause
// detection, not full parsing — since the real JS engine (out of scope)
// owns actual evaluation semantics.
var (
	importNamedRe   = regexp.MustCompile(`import\s*\{([^}]*)\}\s*from\s*["']([^"']+)["']`)
	importStarRe    = regexp.MustCompile(`import\s*\*\s*as\s+(\w+)\s*from\s*["']([^"']+)["']`)
	importDefaultRe = regexp.MustCompile(`import\s+(\w+)\s*from\s*["']([^"']+)["']`)
	importBareRe    = regexp.MustCompile(`import\s*["']([^"']+)["']`)
	dynamicImportRe = regexp.MustCompile(`import\s*\(\s*["']([^"']+)["']\s*\)`)

	exportDeclRe    = regexp.MustCompile(`export\s+(?:const|let|var|function\*?|class)\s+(\w+)`)
	exportDefaultRe = regexp.MustCompile(`export\s+default\s`)
	exportNamedRe   = regexp.MustCompile(`export\s*\{([^}]*)\}\s*(?:from\s*["']([^"']+)["'])?`)
	exportStarAsRe  = regexp.MustCompile(`export\s*\*\s*as\s+(\w+)\s*from\s*["']([^"']+)["']`)
	exportStarRe    = regexp.MustCompile(`export\s*\*\s*from\s*["']([^"']+)["']`)

	requireRe = regexp.MustCompile(`require\s*\(\s*["']([^"']+)["']\s*\)`)
)

// ImportClause is one static or dynamic import site extracted from source.
type ImportClause struct {
	Specifier string
	Names     []NameBinding // empty for `import * as`/default/bare/dynamic
	StarAs    string        // non-empty for `import * as X`
	Default   string        // non-empty for `import X from`
}

// NameBinding is one `{ a as b }` entry.
type NameBinding struct {
	Imported string
	Local    string
}

// ExtractImports scans source for static import clauses (spec §4.3 step 1).
func ExtractImports(source string) []ImportClause {
	var out []ImportClause
	seen := make(map[string]bool)

	for _, m := range importNamedRe.FindAllStringSubmatch(source, -1) {
		out = append(out, ImportClause{Specifier: m[2], Names: parseNamedBindings(m[1])})
		seen[m[2]] = true
	}
	for _, m := range importStarRe.FindAllStringSubmatch(source, -1) {
		out = append(out, ImportClause{Specifier: m[2], StarAs: m[1]})
		seen[m[2]] = true
	}
	for _, m := range importDefaultRe.FindAllStringSubmatch(source, -1) {
		if seen[m[2]] {
			continue
		}
		out = append(out, ImportClause{Specifier: m[2], Default: m[1]})
	}
	for _, m := range importBareRe.FindAllStringSubmatch(source, -1) {
		if seen[m[1]] {
			continue
		}
		out = append(out, ImportClause{Specifier: m[1]})
	}
	return out
}

// ExtractDynamicImports scans for `import(...)` call sites.
func ExtractDynamicImports(source string) []string {
	var out []string
	for _, m := range dynamicImportRe.FindAllStringSubmatch(source, -1) {
		out = append(out, m[1])
	}
	return out
}

// ExtractRequires scans for `require(...)` call sites.
func ExtractRequires(source string) []string {
	var out []string
	for _, m := range requireRe.FindAllStringSubmatch(source, -1) {
		out = append(out, m[1])
	}
	return out
}

func parseNamedBindings(clause string) []NameBinding {
	var out []NameBinding
	for _, part := range strings.Split(clause, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.Index(part, " as "); idx >= 0 {
			out = append(out, NameBinding{
				Imported: strings.TrimSpace(part[:idx]),
				Local:    strings.TrimSpace(part[idx+4:]),
			})
		} else {
			out = append(out, NameBinding{Imported: part, Local: part})
		}
	}
	return out
}

// ExtractExports scans source for local declarations and re-export clauses
// (spec §4.3 step 1, step 3).
func ExtractExports(source string) (local []string, hasDefault bool, reexports []ExportDescriptor) {
	for _, m := range exportDeclRe.FindAllStringSubmatch(source, -1) {
		local = append(local, m[1])
	}
	if exportDefaultRe.MatchString(source) {
		hasDefault = true
	}
	for _, m := range exportNamedRe.FindAllStringSubmatch(source, -1) {
		from := m[2]
		for _, b := range parseNamedBindings(m[1]) {
			reexports = append(reexports, ExportDescriptor{
				LocalName: b.Local,
				FromName:  b.Imported,
				FromModule: -1,
			}.withSpecifier(from))
		}
	}
	for _, m := range exportStarAsRe.FindAllStringSubmatch(source, -1) {
		reexports = append(reexports, ExportDescriptor{IsStar: true, StarAlias: m[1]}.withSpecifier(m[2]))
	}
	for _, m := range exportStarRe.FindAllStringSubmatch(source, -1) {
		reexports = append(reexports, ExportDescriptor{IsStar: true}.withSpecifier(m[1]))
	}
	return
}

// withSpecifier stashes the raw specifier text on a descriptor; Link
// resolves and links that module during the linking pass, without
// recording it on the descriptor.
func (e ExportDescriptor) withSpecifier(spec string) ExportDescriptor {
	e.fromSpecifier = spec
	return e
}

// Link resolves every import/re-export of rec, recursively, memoized per
// canonical id (spec §4.3 step 2; cycle-safe via the in-progress record
// itself standing in for its own eventual namespace — spec §9).
func (g *Graph) Link(rec *Record, importer Importer) error {
	if rec.State == StateLinked || rec.State == StateEvaluated || rec.State == StateLinking || rec.State == StateEvaluating {
		return nil // cycle: in-progress record satisfies the back-edge as-is
	}
	if rec.State == StateError {
		return rec.Err
	}
	rec.State = StateLinking

	selfImporter := Importer{Path: rec.ID, ResolveDir: parentDir(rec.ID)}

	switch rec.Format {
	case FormatCJS:
		for _, spec := range ExtractRequires(rec.Source) {
			dep, err := g.Resolve(spec, selfImporter)
			if err != nil {
				rec.State = StateError
				rec.Err = errs.Wrap(errs.KindModuleLoad, err)
				return rec.Err
			}
			rec.Deps = append(rec.Deps, dep.ID)
			if err := g.Link(dep, selfImporter); err != nil {
				rec.State = StateError
				rec.Err = errs.Wrap(errs.KindModuleLoad, err)
				return rec.Err
			}
		}
	case FormatBuiltin:
		// no deps to link
	default: // ESM
		for _, clause := range ExtractImports(rec.Source) {
			dep, err := g.Resolve(clause.Specifier, selfImporter)
			if err != nil {
				rec.State = StateError
				rec.Err = errs.Wrap(errs.KindModuleLoad, err)
				return rec.Err
			}
			rec.Deps = append(rec.Deps, dep.ID)
			if err := g.Link(dep, selfImporter); err != nil {
				rec.State = StateError
				rec.Err = errs.Wrap(errs.KindModuleLoad, err)
				return rec.Err
			}
		}
		for _, spec := range ExtractDynamicImports(rec.Source) {
			// Dynamic import() shares the same cache but does not block
			// this module's own linking (spec §4.3: "evaluated only on
			// dynamic import()").
			_ = spec
		}

		local, hasDefault, reexports := ExtractExports(rec.Source)
		exportSet := make(map[string]bool, len(local))
		for _, name := range local {
			rec.Exports = append(rec.Exports, ExportDescriptor{LocalName: name, FromModule: -1})
			exportSet[name] = true
		}
		if hasDefault {
			rec.Exports = append(rec.Exports, ExportDescriptor{LocalName: "default", FromModule: -1})
		}
		for _, re := range reexports {
			if re.fromSpecifier == "" {
				// `export { a, b as c }` with no `from` names local bindings.
				if !exportSet[re.LocalName] {
					rec.Exports = append(rec.Exports, re)
					exportSet[re.LocalName] = true
				}
				continue
			}
			depRec, err := g.Resolve(re.fromSpecifier, selfImporter)
			if err != nil {
				rec.State = StateError
				rec.Err = errs.Wrap(errs.KindModuleLoad, err)
				return rec.Err
			}
			if err := g.Link(depRec, selfImporter); err != nil {
				rec.State = StateError
				rec.Err = errs.Wrap(errs.KindModuleLoad, err)
				return rec.Err
			}
			if re.IsStar {
				// export * contributes names excluding default, excluding
				// anything already provided locally (spec §4.3 step 3:
				// "local wins").
				for _, depExp := range depRec.Exports {
					if depExp.LocalName == "default" || exportSet[depExp.LocalName] {
						continue
					}
					name := depExp.LocalName
					if re.StarAlias != "" {
						// `export * as ns from S` exposes one binding `ns`,
						// not each individual name.
						continue
					}
					rec.Exports = append(rec.Exports, ExportDescriptor{LocalName: name, FromName: name})
					exportSet[name] = true
				}
				if re.StarAlias != "" {
					rec.Exports = append(rec.Exports, ExportDescriptor{LocalName: re.StarAlias, IsStar: true})
					exportSet[re.StarAlias] = true
				}
			} else if !exportSet[re.LocalName] {
				rec.Exports = append(rec.Exports, re)
				exportSet[re.LocalName] = true
			}
		}
	}

	rec.State = StateLinked
	return nil
}

func parentDir(id string) string {
	idx := strings.LastIndex(id, "/")
	if idx <= 0 {
		return "/"
	}
	return id[:idx]
}
