package common

import (
	"context"
	"fmt"
)

const (
	// cdpBindingPrefix prefixes every name registered through
	// Runtime.addBinding, keeping the raw CDP binding out of reach of page
	// script under its public name.
	cdpBindingPrefix = "puppeteer_"

	// bindingTypeInternal tags wrapper payloads produced by the default
	// page binding; anything else is a foreign binding call.
	bindingTypeInternal = "internal"
)

// Built-in query-selector binding names.
const (
	ariaQuerySelectorName    = "__ariaQuerySelector"
	ariaQuerySelectorAllName = "__ariaQuerySelectorAll"
)

// BindingFunc is a host callable exposed into a remote realm. It receives
// the raw decoded argument list of one remote invocation.
type BindingFunc func(apiCtx context.Context, execCtx *ExecutionContext, args []any) (any, error)

// Binding pairs a name visible to remote script with its host callback.
// A Binding may be reused across contexts; each context tracks it
// separately.
type Binding struct {
	Name     string
	Callback BindingFunc

	// InitSource is an optional expression evaluated in the context after
	// registration, wiring a custom remote-side wrapper. Empty means the
	// default wrapper.
	InitSource string
}

// bindingPayload is one decoded remote binding invocation. It is consumed
// immediately, never queued.
type bindingPayload struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Seq       int64  `json:"seq"`
	Args      []any  `json:"args"`
	IsTrivial bool   `json:"isTrivial"`
}

// addPageBindingScript wires the public wrapper for a binding name: calls
// are serialized with a sequence number and settled later through the
// deliver scripts.
const addPageBindingScript = `function addPageBinding(type, name, prefix) {
	// The wrapper is already initialized.
	if (globalThis[name]) {
		return;
	}
	// The raw CDP binding.
	const callCdp = globalThis[prefix + name];

	Object.assign(globalThis, {
		[name](...args) {
			const callPuppeteer = globalThis[name];
			callPuppeteer.args ??= new Map();
			callPuppeteer.callbacks ??= new Map();

			const seq = (callPuppeteer.lastSeq ?? 0) + 1;
			callPuppeteer.lastSeq = seq;
			callPuppeteer.args.set(seq, args);

			const isTrivial = !args.some(value => {
				return value instanceof Node;
			});

			callCdp(JSON.stringify({type, name, seq, args: isTrivial ? args : [], isTrivial}));
			return new Promise((resolve, reject) => {
				callPuppeteer.callbacks.set(seq, {
					resolve(value) {
						callPuppeteer.args.delete(seq);
						resolve(value);
					},
					reject(value) {
						callPuppeteer.args.delete(seq);
						reject(value);
					},
				});
			});
		},
	});
}`

const deliverResultScript = `function deliverResult(name, seq, result) {
	globalThis[name].callbacks.get(seq).resolve(result);
	globalThis[name].callbacks.delete(seq);
}`

const deliverErrorScript = `function deliverError(name, seq, message) {
	globalThis[name].callbacks.get(seq).reject(new Error(message));
	globalThis[name].callbacks.delete(seq);
}`

// run invokes the host callback for one remote invocation and delivers the
// outcome back to the waiting remote promise, keyed by sequence number.
func (b *Binding) run(
	apiCtx context.Context, execCtx *ExecutionContext, seq int64, args []any, isTrivial bool,
) error {
	if !isTrivial {
		// Non-trivial calls carry node arguments that cannot cross the
		// JSON channel; the callback retrieves them through the utility
		// bundle, so make sure it is live.
		if _, err := execCtx.UtilityHandle(apiCtx); err != nil {
			return fmt.Errorf("refreshing utility handle for binding %q: %w", b.Name, err)
		}
	}

	result, err := b.Callback(apiCtx, execCtx, args)
	if err != nil {
		if _, derr := execCtx.Eval(apiCtx, deliverErrorScript, b.Name, seq, err.Error()); derr != nil {
			return fmt.Errorf("delivering error for binding %q seq %d: %w", b.Name, seq, derr)
		}
		return nil
	}
	if _, derr := execCtx.Eval(apiCtx, deliverResultScript, b.Name, seq, result); derr != nil {
		return fmt.Errorf("delivering result for binding %q seq %d: %w", b.Name, seq, derr)
	}
	return nil
}

// QueryEngine supplies the host side of the built-in query-selector
// bindings. The engines themselves live outside this layer.
type QueryEngine interface {
	AriaQuerySelector(apiCtx context.Context, execCtx *ExecutionContext, args []any) (any, error)
	AriaQuerySelectorAll(apiCtx context.Context, execCtx *ExecutionContext, args []any) (any, error)
}

// builtinBindings returns the query-selector bindings installed on first
// utility-handle access. They use the default wrapper (empty InitSource).
func builtinBindings(qe QueryEngine) []*Binding {
	sel := func(apiCtx context.Context, ec *ExecutionContext, args []any) (any, error) {
		if qe == nil {
			return nil, fmt.Errorf("no query engine for %s", ariaQuerySelectorName)
		}
		return qe.AriaQuerySelector(apiCtx, ec, args)
	}
	selAll := func(apiCtx context.Context, ec *ExecutionContext, args []any) (any, error) {
		if qe == nil {
			return nil, fmt.Errorf("no query engine for %s", ariaQuerySelectorAllName)
		}
		return qe.AriaQuerySelectorAll(apiCtx, ec, args)
	}
	return []*Binding{
		{Name: ariaQuerySelectorName, Callback: sel},
		{Name: ariaQuerySelectorAllName, Callback: selAll},
	}
}
