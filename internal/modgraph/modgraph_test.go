package modgraph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalJoinsAndNormalizes(t *testing.T) {
	require.Equal(t, "/a/b/c.js", Canonical("/a/b", "./c.js"))
	require.Equal(t, "/a/b/c.js", Canonical("/a/x", "../b/c.js"))
	require.Equal(t, "/abs.js", Canonical("/a/b", "/abs.js"))
}

func TestEntryImporterNormalizesToAbsolute(t *testing.T) {
	imp := EntryImporter("entry.js")
	require.Equal(t, "/entry.js", imp.Path)
	require.Equal(t, "/", imp.ResolveDir)
}

func TestFormatInferenceESM(t *testing.T) {
	require.Equal(t, FormatESM, inferFormat("export const x = 1;"))
}

func TestFormatInferenceCJS(t *testing.T) {
	require.Equal(t, FormatCJS, inferFormat("module.exports = { a: 1 };"))
}

func TestModuleCacheSharedAcrossImportSites(t *testing.T) {
	g := New()
	calls := 0
	g.SetLoader(func(spec string, importer Importer) (*LoaderResult, error) {
		calls++
		return &LoaderResult{Code: "export const x = 1;", ResolveDir: "/", Filename: "shared.js"}, nil
	})

	imp := EntryImporter("entry.js")
	r1, err := g.Resolve("./shared.js", imp)
	require.NoError(t, err)
	r2, err := g.Resolve("./shared.js", imp)
	require.NoError(t, err)

	require.Same(t, r1, r2)
	require.Equal(t, 1, calls)
}

func TestExportStarExcludesDefaultAndLocalWins(t *testing.T) {
	g := New()
	g.SetLoader(func(spec string, importer Importer) (*LoaderResult, error) {
		switch spec {
		case "./b.js":
			return &LoaderResult{Code: `export const shared = "from-b"; export default 1;`, ResolveDir: "/", Filename: "b.js"}, nil
		}
		return nil, errNotFound
	})

	rec := &Record{ID: "/a.js", Format: FormatESM, Source: `export * from "./b.js"; export const shared = "from-a";`}
	err := g.Link(rec, EntryImporter("a.js"))
	require.NoError(t, err)

	var sharedFrom string
	for _, e := range rec.Exports {
		if e.LocalName == "shared" {
			require.Empty(t, sharedFrom, "shared must be exported exactly once")
			sharedFrom = "star"
			if e.FromModule == -1 {
				sharedFrom = "local"
			}
		}
		require.NotEqual(t, "default", e.LocalName, "export * must not re-export default")
	}
	require.Equal(t, "local", sharedFrom)
}

var errNotFound = moduleNotFound("not found")

type moduleNotFound string

func (e moduleNotFound) Error() string { return string(e) }

func TestCJSExportStarChain(t *testing.T) {
	a := NewCJSExports()
	b := map[string]any{"deepValue": "found-it", "default": map[string]any{}}
	ExportStar(b, a)
	require.Equal(t, "found-it", a.value["deepValue"])
}

func TestCJSModuleExportsReplacement(t *testing.T) {
	c := NewCJSExports()
	c.Set("ignored", 1)
	c.ReplaceModuleExports(map[string]any{"a": 1})
	ns := NamespaceFromCJS(c.Final())
	require.Equal(t, 1, ns["a"])
	require.Equal(t, map[string]any{"a": 1}, ns["default"])
}

func TestBuiltinCryptoFallback(t *testing.T) {
	g := New()
	rec, err := g.resolveBuiltin("crypto")
	require.NoError(t, err)
	fn, ok := rec.Namespace["randomUUID"].(func() string)
	require.True(t, ok)
	require.NotEmpty(t, fn())
}

func TestRequireResultESMReturnsNamespace(t *testing.T) {
	rec := &Record{Format: FormatESM, Namespace: map[string]any{"default": "d", "e": 1}}
	got := RequireResult(rec)
	m := got.(map[string]any)
	require.Equal(t, "d", m["default"])
}
