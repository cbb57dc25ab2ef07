package modgraph

import (
	"crypto/rand"
	"fmt"
)

// CwdEnvProvider supplies the isolate's configured cwd/env for the
// `node:process` builtin fallback (spec §4.3: "require(\"process\") returns
// an object exposing cwd() and env reflecting the isolate's configured
// cwd/env").
type CwdEnvProvider interface {
	Cwd() string
	Env() map[string]string
}

// SetProcessProvider wires the isolate-specific cwd/env source. Called once
// per isolate before any evaluation that might `require("process")`.
func (g *Graph) SetProcessProvider(p CwdEnvProvider) {
	g.mu.Lock()
	g.processProvider = p
	delete(g.records, "node:process") // force re-synthesis with the new provider
	g.mu.Unlock()
}

func (g *Graph) defaultBuiltins() map[string]func() map[string]any {
	return map[string]func() map[string]any{
		"crypto": func() map[string]any {
			return map[string]any{
				"default": map[string]any{"randomUUID": randomUUID},
				"randomUUID": randomUUID,
			}
		},
		"events": func() map[string]any {
			return map[string]any{
				"default":      "EventEmitter",
				"EventEmitter": "EventEmitter",
			}
		},
		"stream": func() map[string]any {
			return map[string]any{
				"default":         "Readable/Writable/Transform",
				"Readable":        "Readable",
				"Writable":        "Writable",
				"Transform":       "Transform",
			}
		},
		"process": func() map[string]any {
			cwd := "/"
			env := map[string]string{}
			if g.processProvider != nil {
				cwd = g.processProvider.Cwd()
				env = g.processProvider.Env()
			}
			return map[string]any{
				"default": map[string]any{"cwd": cwd, "env": env},
				"cwd":     func() string { return cwd },
				"env":     env,
			}
		},
	}
}

// randomUUID is a minimal v4 UUID generator for the node:crypto builtin
// fallback, avoiding pulling the isolate's user-facing crypto surface
// through the full google/uuid dependency (already used elsewhere for
// daemon-internal ids, not sandbox-observable values).
func randomUUID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
