package pipeline

import (
	"context"
	"fmt"
	"reflect"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"conductor/internal/registry"
	"conductor/internal/sandbox"
)

// captureShim collects the adapter value the generated source registers, so
// the host can drive it through reflection without ever linking it in.
const captureShim = `package main

var registeredAdapter any

func RegisterAdapter(category, platform string, adapter any) {
	registeredAdapter = adapter
}
`

// loadAdapterValue evaluates validated adapter source in a fresh interpreter
// and returns the value it registered.
func loadAdapterValue(source string, policy sandbox.ExecutionPolicy) (reflect.Value, error) {
	violations, err := sandbox.CheckImports(source, policy)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("import check failed: %w", err)
	}
	if len(violations) > 0 {
		return reflect.Value{}, fmt.Errorf("policy violation: %s", violations[0])
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return reflect.Value{}, err
	}
	if _, err := i.Eval(captureShim); err != nil {
		return reflect.Value{}, err
	}
	// Eval runs the file's init functions, which is where RegisterAdapter
	// fires.
	if _, err := i.Eval(source); err != nil {
		return reflect.Value{}, fmt.Errorf("adapter evaluation failed: %w", err)
	}
	v, err := i.Eval("main.registeredAdapter")
	if err != nil {
		return reflect.Value{}, fmt.Errorf("adapter never registered: %w", err)
	}
	inner := reflect.ValueOf(v.Interface())
	if !inner.IsValid() || v.Interface() == nil {
		return reflect.Value{}, fmt.Errorf("RegisterAdapter was never called")
	}
	return inner, nil
}

// NewSandboxInvoker builds the registry invoke function for an installed
// module: each call drives the interpreted adapter by reflection under a
// deadline. Supported operations: fetch_raw, transform, get_schema, and
// fetch (fetch_raw piped into transform).
func NewSandboxInvoker(adapterSource string, policy sandbox.ExecutionPolicy) (registry.InvokeFunc, error) {
	adapter, err := loadAdapterValue(adapterSource, policy)
	if err != nil {
		return nil, err
	}

	call := func(name string, args ...reflect.Value) ([]reflect.Value, error) {
		m := adapter.MethodByName(name)
		if !m.IsValid() {
			return nil, fmt.Errorf("adapter has no method %s", name)
		}
		return m.Call(args), nil
	}

	invoke := func(ctx context.Context, operation string, params map[string]any) (any, error) {
		type outcome struct {
			value any
			err   error
		}
		done := make(chan outcome, 1)
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					done <- outcome{err: fmt.Errorf("adapter panic: %v", rec)}
				}
			}()
			v, err := dispatch(call, operation, params)
			done <- outcome{value: v, err: err}
		}()
		select {
		case out := <-done:
			return out.value, out.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return invoke, nil
}

func dispatch(call func(string, ...reflect.Value) ([]reflect.Value, error), operation string, params map[string]any) (value any, err error) {
	switch operation {
	case "fetch_raw":
		out, err := call("FetchRaw", reflect.ValueOf(params))
		if err != nil {
			return nil, err
		}
		return unpack2(out)
	case "transform":
		raw, _ := params["raw"].(string)
		out, err := call("Transform", reflect.ValueOf(raw))
		if err != nil {
			return nil, err
		}
		return unpack2(out)
	case "get_schema":
		out, err := call("GetSchema")
		if err != nil {
			return nil, err
		}
		if len(out) != 1 {
			return nil, fmt.Errorf("GetSchema returned %d values", len(out))
		}
		return out[0].Interface(), nil
	case "fetch":
		rawOut, err := call("FetchRaw", reflect.ValueOf(params))
		if err != nil {
			return nil, err
		}
		raw, err := unpack2(rawOut)
		if err != nil {
			return nil, err
		}
		rawStr, _ := raw.(string)
		out, err := call("Transform", reflect.ValueOf(rawStr))
		if err != nil {
			return nil, err
		}
		return unpack2(out)
	default:
		return nil, fmt.Errorf("unknown operation %q", operation)
	}
}

// unpack2 unwraps a (value, error) return pair.
func unpack2(out []reflect.Value) (any, error) {
	if len(out) != 2 {
		return nil, fmt.Errorf("adapter method returned %d values, want 2", len(out))
	}
	if e := out[1].Interface(); e != nil {
		if err, ok := e.(error); ok {
			return nil, err
		}
		return nil, fmt.Errorf("adapter error: %v", e)
	}
	return out[0].Interface(), nil
}
