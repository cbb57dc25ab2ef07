package modgraph

// CJSExports is the in-progress `module.exports` object for one CJS
// evaluation. It starts identical to `exports` and is replaced wholesale
// by an assignment to `module.exports` (spec §4.3 CJS interop).
type CJSExports struct {
	value       map[string]any
	replaced    any // non-nil once module.exports was reassigned to a non-object
	isESModule  bool
}

// NewCJSExports returns the initial `exports`/`module.exports` object.
func NewCJSExports() *CJSExports {
	return &CJSExports{value: make(map[string]any)}
}

// Set implements `exports.X = v`.
func (c *CJSExports) Set(name string, v any) {
	if c.value == nil {
		c.value = make(map[string]any)
	}
	c.value[name] = v
	if name == "__esModule" {
		if b, ok := v.(bool); ok {
			c.isESModule = b
		}
	}
}

// ReplaceModuleExports implements `module.exports = v`.
func (c *CJSExports) ReplaceModuleExports(v any) {
	if m, ok := v.(map[string]any); ok {
		c.value = m
		c.replaced = nil
		if esm, ok := m["__esModule"].(bool); ok {
			c.isESModule = esm
		}
		return
	}
	c.replaced = v
}

// Final returns the value `require()`/`module.exports` ultimately yields.
func (c *CJSExports) Final() any {
	if c.replaced != nil {
		return c.replaced
	}
	return c.value
}

// ExportStar implements `__exportStar(required, exports)`: copies own
// enumerable properties except `default` and `__esModule` from required
// into exports, preserving existing keys — first write wins per evaluation
// phase (spec §4.3).
func ExportStar(required any, into *CJSExports) {
	m, ok := asObject(required)
	if !ok {
		return
	}
	for k, v := range m {
		if k == "default" || k == "__esModule" {
			continue
		}
		if _, exists := into.value[k]; exists {
			continue
		}
		into.Set(k, v)
	}
}

func asObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// NamespaceFromCJS builds the ESM-visible namespace object for a CJS
// module's final exports value (spec §4.3: "the module namespace exposes
// the final module.exports as default; if that value is a plain object,
// each own string-keyed property is also exposed as a named export").
func NamespaceFromCJS(final any) map[string]any {
	ns := map[string]any{"default": final}
	if m, ok := final.(map[string]any); ok {
		for k, v := range m {
			if k == "default" {
				continue
			}
			ns[k] = v
		}
	}
	return ns
}

// RequireResult is what `require(S)` returns: if the target is ESM, its
// namespace object (so `require("esm").default` mirrors `import`); if CJS,
// the final module.exports value directly.
func RequireResult(rec *Record) any {
	if rec.Format == FormatCJS {
		return rec.Namespace["default"]
	}
	return rec.Namespace
}
