// Package errs normalizes exceptions that cross the host/isolate boundary.
//
// A bare Go error loses the information a caught JavaScript exception needs
// to rehydrate correctly on the other side: its constructor name, its
// message, and (for user errors) its stack text. Sandbox wraps an error with
// exactly that, plus a Kind that lets callers branch on category without
// string-matching messages.
package errs

import (
	"encoding/json"
	"fmt"
)

// Kind categorizes a Sandbox error for dispatch purposes. It is not a Go
// type hierarchy — every Kind is carried by the same Sandbox struct — so
// wire round-trips never lose category information the way a type switch
// over concrete error types would.
type Kind string

const (
	KindUserError         Kind = "UserError"
	KindSyntax            Kind = "Syntax"
	KindTimeout           Kind = "Timeout"
	KindOutOfMemory       Kind = "OutOfMemory"
	KindNoModuleLoader    Kind = "NoModuleLoader"
	KindModuleLoad        Kind = "ModuleLoad"
	KindNoResponse        Kind = "NoResponse"
	KindNamespaceBusy     Kind = "NamespaceBusy"
	KindCapacityExhausted Kind = "CapacityExhausted"
	KindLockedStream      Kind = "LockedStream"
	KindConnectionClosed  Kind = "ConnectionClosed"
	KindProtocol          Kind = "Protocol"
	KindDisposed          Kind = "Disposed"
	KindInternal          Kind = "Internal"
)

// Fixed, matchable messages for runtime-synthesized errors (spec §7).
const (
	MsgTimeout        = "Script execution timed out"
	MsgOutOfMemory    = "Isolate exceeded its memory limit"
	MsgNoResponse     = "fetch handler did not return a Response"
	MsgNoModuleLoader = "No module loader registered"
)

// Sandbox is the canonical error envelope exchanged over the wire:
// { kind, name, message, stack?, cause? } (spec §4.7).
type Sandbox struct {
	Kind    Kind   `json:"kind"`
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Cause   *Sandbox `json:"cause,omitempty"`
}

func (e *Sandbox) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *Sandbox) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// New constructs a Sandbox error of the given kind. name defaults to the
// kind string when empty, for errors with no natural JS constructor name
// of their own.
func New(kind Kind, name, message string) *Sandbox {
	if name == "" {
		name = string(kind)
	}
	return &Sandbox{Kind: kind, Name: name, Message: message}
}

// Wrap records a host-origin error (fetch, moduleLoader, custom fn) so it
// round-trips into the sandbox as the same kind with the same message, and
// back out unchanged if the sandbox rethrows it (spec §4.7).
func Wrap(kind Kind, cause error) *Sandbox {
	if cause == nil {
		return nil
	}
	if sb, ok := cause.(*Sandbox); ok {
		return sb
	}
	return &Sandbox{Kind: kind, Name: string(kind), Message: cause.Error()}
}

func Timeout() *Sandbox { return New(KindTimeout, "TimeoutError", MsgTimeout) }

func OutOfMemory() *Sandbox { return New(KindOutOfMemory, "RangeError", MsgOutOfMemory) }

func NoResponse() *Sandbox { return New(KindNoResponse, "TypeError", MsgNoResponse) }

func NoModuleLoader() *Sandbox {
	return New(KindNoModuleLoader, "Error", MsgNoModuleLoader)
}

func NamespaceBusy(namespaceID string) *Sandbox {
	return New(KindNamespaceBusy, "Error", fmt.Sprintf("namespace %q is active", namespaceID))
}

func CapacityExhausted() *Sandbox {
	return New(KindCapacityExhausted, "Error", "maxIsolates reached and no disposed namespace available to evict")
}

func ConnectionClosed() *Sandbox {
	return New(KindConnectionClosed, "Error", "connection closed")
}

func Protocol(detail string) *Sandbox {
	return New(KindProtocol, "Error", detail)
}

func LockedStream() *Sandbox {
	return New(KindLockedStream, "Error", "stream is locked to a reader")
}

func Disposed() *Sandbox {
	return New(KindDisposed, "Error", "runtime was disposed while the call was in flight")
}

// MarshalJSON and UnmarshalJSON let Sandbox travel as a wire.Value payload
// without the codec needing to know its field layout.
func (e *Sandbox) MarshalJSON() ([]byte, error) {
	type alias Sandbox
	return json.Marshal((*alias)(e))
}

func (e *Sandbox) UnmarshalJSON(data []byte) error {
	type alias Sandbox
	return json.Unmarshal(data, (*alias)(e))
}

// Is supports errors.Is matching on Kind: errors.Is(err, errs.Timeout()).
func (e *Sandbox) Is(target error) bool {
	other, ok := target.(*Sandbox)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}
