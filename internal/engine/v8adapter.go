package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	v8 "github.com/ionos-cloud/v8go"
)

// v8Engine implements Engine over github.com/ionos-cloud/v8go. Grounded on
// the logsum-cosmos V8Executor's one-isolate-per-tool-call shape: here it
// is one isolate per sandboxed isolate (spec §5 "module cache is owned by
// the isolate; never shared").
type v8Engine struct{}

// NewV8Engine returns the default production Engine.
func NewV8Engine() Engine { return v8Engine{} }

func (v8Engine) NewContext(memoryLimitMB int) (Context, error) {
	var iso *v8.Isolate
	if memoryLimitMB > 0 {
		iso = v8.NewIsolateWith(0, uint64(memoryLimitMB)*1024*1024)
	} else {
		iso = v8.NewIsolate()
	}

	global := v8.NewObjectTemplate(iso)
	ctx := v8.NewContext(iso, global)

	return &v8Context{iso: iso, global: global, ctx: ctx}, nil
}

type v8Context struct {
	mu     sync.Mutex
	iso    *v8.Isolate
	global *v8.ObjectTemplate
	ctx    *v8.Context
	closed bool
}

func (c *v8Context) InstallGlobal(name string, fn FunctionCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tmpl := v8.NewFunctionTemplate(c.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := make([]any, len(info.Args()))
		for i, a := range info.Args() {
			args[i] = decodeValue(c.ctx, a)
		}
		result, err := fn(context.Background(), args)
		if err != nil {
			if jsErr, ok := err.(*JSError); ok {
				return throwNamed(c.iso, jsErr.Name, jsErr.Message)
			}
			return throwNamed(c.iso, "Error", err.Error())
		}
		v, encErr := encodeValue(c.ctx, result)
		if encErr != nil {
			return throwNamed(c.iso, "Error", encErr.Error())
		}
		return v
	})
	// The context already exists, so the function goes onto its live
	// global object; setting it on the template would not reach it.
	return c.ctx.Global().Set(name, tmpl.GetFunction(c.ctx))
}

// v8Callable captures a JS function value natively, so it can be invoked
// again later without round-tripping through JSON (which cannot carry a
// function).
type v8Callable struct {
	ctx *v8.Context
	fn  *v8.Function
}

func (c *v8Callable) Call(ctx context.Context, args []any) (any, error) {
	vals := make([]v8.Valuer, len(args))
	for i, a := range args {
		v, err := encodeValue(c.ctx, a)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	result, err := c.fn.Call(c.ctx.Global(), vals...)
	if err != nil {
		return mapCallableError(err)
	}
	return decodeValue(c.ctx, result), nil
}

func mapCallableError(err error) (any, error) {
	if jsErr, ok := err.(*v8.JSError); ok {
		return nil, &JSError{Name: jsErrorName(jsErr), Message: jsErr.Message, Stack: jsErr.StackTrace}
	}
	return nil, err
}

func (c *v8Context) InstallServe(onRegister func(fetch Callable) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tmpl := v8.NewFunctionTemplate(c.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		if len(info.Args()) == 0 {
			return throwNamed(c.iso, "TypeError", "serve requires an options object")
		}
		opts := info.Args()[0]
		obj, err := opts.AsObject()
		if err != nil {
			return throwNamed(c.iso, "TypeError", "serve requires an options object")
		}
		fetchVal, err := obj.Get("fetch")
		if err != nil {
			return throwNamed(c.iso, "TypeError", "serve options must include a fetch function")
		}
		fn, err := fetchVal.AsFunction()
		if err != nil {
			return throwNamed(c.iso, "TypeError", "serve's fetch member must be a function")
		}
		if regErr := onRegister(&v8Callable{ctx: c.ctx, fn: fn}); regErr != nil {
			return throwNamed(c.iso, "Error", regErr.Error())
		}
		return v8.Undefined(c.iso)
	})
	return c.ctx.Global().Set("serve", tmpl.GetFunction(c.ctx))
}

func (c *v8Context) InstallValue(name string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := encodeValue(c.ctx, value)
	if err != nil {
		return err
	}
	return c.ctx.Global().Set(name, v)
}

func (c *v8Context) Run(ctx context.Context, source string, opts RunOptions) (*Result, error) {
	type outcome struct {
		val *v8.Value
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		val, err := c.ctx.RunScript(source, opts.Filename)
		done <- outcome{val: val, err: err}
	}()

	var timeoutC <-chan time.Time
	if opts.MaxExecution > 0 {
		timer := time.NewTimer(opts.MaxExecution)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case o := <-done:
		if o.err != nil {
			return mapV8Error(o.err, opts.Filename)
		}
		return &Result{Value: decodeValue(c.ctx, o.val)}, nil

	case <-timeoutC:
		c.iso.TerminateExecution()
		<-done // wait for RunScript to unwind before returning
		return &Result{TimedOut: true}, &JSError{Name: "TimeoutError", Message: "Script execution timed out"}

	case <-ctx.Done():
		c.iso.TerminateExecution()
		<-done
		return nil, ctx.Err()
	}
}

// RunSync evaluates source synchronously on the calling goroutine — see
// the Context.RunSync doc for why this must not reuse Run's goroutine.
func (c *v8Context) RunSync(source, filename string) (any, error) {
	val, err := c.ctx.RunScript(source, filename)
	if err != nil {
		if jsErr, ok := err.(*v8.JSError); ok {
			return nil, &JSError{Name: jsErrorName(jsErr), Message: jsErr.Message, Stack: jsErr.StackTrace}
		}
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return decodeValue(c.ctx, val), nil
}

func (c *v8Context) HeapUsedMB() int {
	stats := c.iso.GetHeapStatistics()
	return int(stats.UsedHeapSize / (1024 * 1024))
}

func (c *v8Context) Terminate() {
	c.iso.TerminateExecution()
}

func (c *v8Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.ctx.Close()
	c.iso.Dispose()
	return nil
}

func mapV8Error(err error, filename string) (*Result, error) {
	if jsErr, ok := err.(*v8.JSError); ok {
		if jsErr.Message == "Uncaught RangeError: Maximum call stack size exceeded" {
			return &Result{OutOfMemory: false}, &JSError{Name: "RangeError", Message: jsErr.Message, Stack: jsErr.StackTrace}
		}
		return nil, &JSError{Name: jsErrorName(jsErr), Message: jsErr.Message, Stack: jsErr.StackTrace}
	}
	return nil, fmt.Errorf("%s: %w", filename, err)
}

func jsErrorName(jsErr *v8.JSError) string {
	// v8go flattens the exception to "Uncaught <Name>: <message>"; recover
	// the constructor name for wire rehydration (spec §4.7).
	const prefix = "Uncaught "
	msg := jsErr.Message
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		msg = msg[len(prefix):]
	}
	for i := 0; i < len(msg); i++ {
		if msg[i] == ':' {
			return msg[:i]
		}
	}
	return "Error"
}

func throwNamed(iso *v8.Isolate, name, message string) *v8.Value {
	v, _ := v8.NewValue(iso, fmt.Sprintf("%s: %s", name, message))
	return iso.ThrowException(v)
}

// encodeValue marshals a Go value into a v8.Value via JSON, the same
// bridge technique logsum-cosmos uses (JSON.stringify/JSON.parse at the
// script boundary) rather than a field-by-field native conversion.
func encodeValue(ctx *v8.Context, value any) (*v8.Value, error) {
	if value == nil {
		return v8.Undefined(ctx.Isolate()), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	parsed, err := ctx.RunScript(fmt.Sprintf("(%s)", string(data)), "<encode>")
	if err != nil {
		return nil, err
	}
	return parsed, nil
}

// decodeValue reads a v8.Value back into a Go value. Functions are
// captured natively as a Callable rather than attempted over the JSON
// bridge (a function has no JSON form) — this is what lets setTimeout,
// custom async functions, and serve's fetch member hand a live callback
// back to Go. Everything else goes through the same JSON.stringify bridge
// logsum-cosmos uses at its script boundary.
func decodeValue(ctx *v8.Context, v *v8.Value) any {
	if v == nil || v.IsUndefined() || v.IsNull() {
		return nil
	}
	if v.IsFunction() {
		if fn, err := v.AsFunction(); err == nil {
			return &v8Callable{ctx: ctx, fn: fn}
		}
	}
	data, err := v8.JSONStringify(ctx, v)
	if err != nil {
		return v.String()
	}
	var out any
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return v.String()
	}
	return out
}
