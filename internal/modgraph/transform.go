package modgraph

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// CompiledBody is rec's source rewritten into a form the engine's classic-
// script evaluator can run directly: import/export syntax translated into
// require()/module.exports calls at the same clause-extraction fidelity
// Link already uses, wrapped in the synthetic (module, exports, require,
// __filename, __dirname) function real CJS runtimes use (spec §4.3 step 4).
//
// No real ES module compilation happens anywhere in this codebase (the
// engine only exposes classic-script evaluation), so this is the mechanism
// that makes static import/export and dynamic import() actually run instead
// of throwing a SyntaxError.
type CompiledBody struct {
	Source string
	// StarFrom holds the specifiers of every bare `export * from "…"` this
	// module contains. Their values aren't known until the target module
	// has itself been evaluated, so the caller merges them into the
	// namespace afterward via ExportStar rather than inline here.
	StarFrom []string
}

// CompileBody returns rec's directly-runnable wrapper source. Safe to call
// repeatedly; it only reads rec.Source/rec.Format/rec.ID.
func CompileBody(rec *Record) *CompiledBody {
	var body string
	var starFrom []string
	if rec.Format == FormatCJS {
		body = rewriteDynamicImports(rec.Source)
	} else {
		body, starFrom = compileESM(rec.Source)
	}

	wrapped := fmt.Sprintf(`(function() {
  var module = { exports: {} };
  var exports = module.exports;
  (function(module, exports, require, __filename, __dirname) {
%s
  }).call(undefined, module, exports, require, %s, %s);
  return module.exports;
})()`, body, jsQuote(rec.ID), jsQuote(parentDir(rec.ID)))

	return &CompiledBody{Source: wrapped, StarFrom: starFrom}
}

// requireNSCall is the name of the host global that, unlike require(),
// always returns a module's full {default, ...named} namespace object
// regardless of its format — what every translated import clause reads
// from, so the transform never has to know a dependency's format up front
// (require() itself stays Node-faithful: raw exports for CJS targets,
// namespace for ESM, per RequireResult).
const requireNSCall = "__sandboxRequireNamespace"

// compileESM translates import/export syntax into __sandboxRequireNamespace()/
// module.exports form. Declarations keep their original position (so
// hoisting and const/let ordering are unaffected); every export clause
// except `export default` is stripped from its original position and its
// module.exports assignment appended at the end, once all declarations
// have executed. `export default EXPR` becomes `module.exports.default =
// EXPR` in place.
func compileESM(source string) (string, []string) {
	source = rewriteDynamicImports(source)

	tmp := 0
	next := func() string {
		tmp++
		return fmt.Sprintf("__imp%d", tmp)
	}

	source = replaceMatches(source, importNamedRe, func(g []string) string {
		rv := next()
		var b strings.Builder
		fmt.Fprintf(&b, "var %s = %s(%s);", rv, requireNSCall, jsQuote(g[2]))
		for _, nb := range parseNamedBindings(g[1]) {
			fmt.Fprintf(&b, " var %s = %s[%s];", nb.Local, rv, jsQuote(nb.Imported))
		}
		return b.String()
	})
	source = replaceMatches(source, importStarRe, func(g []string) string {
		return fmt.Sprintf("var %s = %s(%s);", g[1], requireNSCall, jsQuote(g[2]))
	})
	source = replaceMatches(source, importDefaultRe, func(g []string) string {
		return fmt.Sprintf("var %s = %s(%s).default;", g[1], requireNSCall, jsQuote(g[2]))
	})
	source = replaceMatches(source, importBareRe, func(g []string) string {
		return fmt.Sprintf("%s(%s);", requireNSCall, jsQuote(g[1]))
	})

	source = exportDefaultRe.ReplaceAllString(source, "module.exports.default = ")

	var epilogue strings.Builder
	source = replaceMatches(source, exportDeclRe, func(g []string) string {
		name := g[1]
		fmt.Fprintf(&epilogue, "module.exports[%s] = %s;\n", jsQuote(name), name)
		return strings.TrimSpace(g[0][len("export"):])
	})

	source = replaceMatches(source, exportStarAsRe, func(g []string) string {
		fmt.Fprintf(&epilogue, "module.exports[%s] = %s(%s);\n", jsQuote(g[1]), requireNSCall, jsQuote(g[2]))
		return ""
	})

	var starFrom []string
	source = replaceMatches(source, exportStarRe, func(g []string) string {
		starFrom = append(starFrom, g[1])
		return ""
	})

	source = replaceMatches(source, exportNamedRe, func(g []string) string {
		names := parseNamedBindings(g[1])
		from := g[2]
		if from == "" {
			for _, nb := range names {
				fmt.Fprintf(&epilogue, "module.exports[%s] = %s;\n", jsQuote(nb.Local), nb.Imported)
			}
			return ""
		}
		rv := next()
		fmt.Fprintf(&epilogue, "var %s = %s(%s);\n", rv, requireNSCall, jsQuote(from))
		for _, nb := range names {
			fmt.Fprintf(&epilogue, "module.exports[%s] = %s[%s];\n", jsQuote(nb.Local), rv, jsQuote(nb.Imported))
		}
		return ""
	})

	return source + "\n" + epilogue.String(), starFrom
}

// rewriteDynamicImports turns import("spec") into a Promise already
// resolved with the target's namespace — dynamic import always yields a
// namespace object, even for a CJS target (spec §4.3 step 5), and Promise
// is a real V8 built-in, so no extra engine plumbing is needed for it to
// actually do something instead of being silently discarded.
func rewriteDynamicImports(source string) string {
	return replaceMatches(source, dynamicImportRe, func(g []string) string {
		return fmt.Sprintf("Promise.resolve(%s(%s))", requireNSCall, jsQuote(g[1]))
	})
}

// replaceMatches rewrites every match of re in source, handing build the
// matched text plus its capture groups (group 0 is the full match, matching
// regexp.FindStringSubmatch's convention) and splicing in its return value.
func replaceMatches(source string, re *regexp.Regexp, build func(groups []string) string) string {
	idx := re.FindAllStringSubmatchIndex(source, -1)
	if idx == nil {
		return source
	}
	var b strings.Builder
	last := 0
	for _, m := range idx {
		b.WriteString(source[last:m[0]])
		groups := make([]string, len(m)/2)
		for i := range groups {
			if m[2*i] < 0 {
				continue
			}
			groups[i] = source[m[2*i]:m[2*i+1]]
		}
		b.WriteString(build(groups))
		last = m[1]
	}
	b.WriteString(source[last:])
	return b.String()
}

func jsQuote(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(data)
}

// DetectFormat classifies source the same way Resolve infers an unannounced
// loader result's format, exported so isolate can transform top-level eval
// source identically to a required/imported module (spec §4.3, §4.4).
func DetectFormat(source string) Format { return inferFormat(source) }
