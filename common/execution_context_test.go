package common

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callFunctionOnResult(value string) *cdpruntime.CallFunctionOnReturns {
	return &cdpruntime.CallFunctionOnReturns{
		Result: &cdpruntime.RemoteObject{
			Type:  cdpruntime.TypeNumber,
			Value: easyjson.RawMessage(value),
		},
	}
}

func TestExecutionContextEval(t *testing.T) {
	t.Parallel()

	t.Run("returns value without acquisition when id is known", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		fs.handler = func(method string, _ easyjson.Marshaler) (easyjson.Marshaler, error) {
			if method == cdproto.CommandRuntimeCallFunctionOn {
				return callFunctionOnResult("7"), nil
			}
			return nil, nil
		}
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		v, err := ec.Eval(ctx, "() => 7")
		require.NoError(t, err)
		assert.Equal(t, float64(7), v)
		assert.Zero(t, fs.callCount(cdproto.CommandPageCreateIsolatedWorld))
	})

	t.Run("surfaces remote exceptions", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		fs.handler = func(method string, _ easyjson.Marshaler) (easyjson.Marshaler, error) {
			return &cdpruntime.CallFunctionOnReturns{
				ExceptionDetails: &cdpruntime.ExceptionDetails{
					Exception: &cdpruntime.RemoteObject{
						Type:        cdpruntime.TypeObject,
						Subtype:     cdpruntime.SubtypeError,
						Description: "TypeError: boom",
					},
				},
			}, nil
		}
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		_, err := ec.Eval(ctx, "() => { throw new TypeError('boom') }")
		require.ErrorContains(t, err, "TypeError: boom")
	})

	t.Run("rejects calls after dispose", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		ec.Dispose()
		_, err := ec.Eval(ctx, "() => 1")
		require.ErrorIs(t, err, ErrExecutionContextDestroyed)
	})
}

func TestExecutionContextEvalErrorRewriting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		remote  string
		want    error
		wantNil bool
	}{
		{
			name:   "missing context suffix",
			remote: "boom: Cannot find context with specified id",
			want:   ErrExecutionContextDestroyed,
		},
		{
			name:   "navigated target suffix",
			remote: "boom: Inspected target navigated or closed",
			want:   ErrExecutionContextDestroyed,
		},
		{
			name:    "oversized reference chain decodes to undefined",
			remote:  "Object reference chain is too long",
			wantNil: true,
		},
		{
			name:    "uncopyable object decodes to undefined",
			remote:  "Object couldn't be returned by value",
			wantNil: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			fs := newFakeSession(ctx)
			fs.handler = func(method string, _ easyjson.Marshaler) (easyjson.Marshaler, error) {
				return nil, errors.New(tt.remote)
			}
			ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

			v, err := ec.Eval(ctx, "() => 1")
			assert.Nil(t, v)
			if tt.wantNil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("does not match in the middle of a message", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		remote := errors.New("Cannot find context with specified id: frame detached")
		fs.handler = func(method string, _ easyjson.Marshaler) (easyjson.Marshaler, error) {
			return nil, remote
		}
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		_, err := ec.Eval(ctx, "() => 1")
		require.NotErrorIs(t, err, ErrExecutionContextDestroyed)
		require.ErrorContains(t, err, "frame detached")
	})
}

func TestExecutionContextAcquireAlwaysIsolated(t *testing.T) {
	t.Parallel()

	t.Run("creates one isolated world and reuses its id", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		fs.handler = func(method string, _ easyjson.Marshaler) (easyjson.Marshaler, error) {
			switch method {
			case cdproto.CommandPageCreateIsolatedWorld:
				return &page.CreateIsolatedWorldReturns{ExecutionContextID: 42}, nil
			case cdproto.CommandRuntimeCallFunctionOn:
				return callFunctionOnResult("1"), nil
			}
			return nil, nil
		}
		desc := ContextDescription{World: UtilityWorld, Name: "util", FrameID: "frame_id_0123456789"}
		opts := ExecutionContextOptions{Mode: AcquireModeAlwaysIsolated}
		ec := NewExecutionContext(ctx, fs, desc, opts, nullLogger(t))
		require.False(t, ec.Acquired())

		_, err := ec.Eval(ctx, "() => 1")
		require.NoError(t, err)
		assert.True(t, ec.Acquired())
		assert.Equal(t, cdpruntime.ExecutionContextID(42), ec.ID())

		_, err = ec.Eval(ctx, "() => 1")
		require.NoError(t, err)
		assert.Equal(t, 1, fs.callCount(cdproto.CommandPageCreateIsolatedWorld))
	})

	t.Run("worker realms cannot be isolated", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		opts := ExecutionContextOptions{Mode: AcquireModeAlwaysIsolated}
		ec := NewExecutionContext(ctx, fs, ContextDescription{World: WorkerWorld}, opts, nullLogger(t))

		_, err := ec.Eval(ctx, "() => 1")
		require.ErrorIs(t, err, ErrWorkerNotIsolated)
		// The failure is decided locally, before any remote call.
		assert.Empty(t, fs.callOrder())
	})
}

func TestExecutionContextAcquireDisabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs := newFakeSession(ctx)
	opts := ExecutionContextOptions{Mode: AcquireModeDisabled}
	ec := NewExecutionContext(ctx, fs, ContextDescription{World: MainWorld}, opts, nullLogger(t))

	_, err := ec.Eval(ctx, "() => 1")
	require.ErrorIs(t, err, ErrContextAcquisitionFailed)
}

func TestExecutionContextAcquireEnableDisable(t *testing.T) {
	t.Parallel()

	contextCreated := func(id cdpruntime.ExecutionContextID, name, auxData string) *cdpruntime.EventExecutionContextCreated {
		desc := &cdpruntime.ExecutionContextDescription{ID: id, Name: name}
		if auxData != "" {
			desc.AuxData = easyjson.RawMessage(auxData)
		}
		return &cdpruntime.EventExecutionContextCreated{Context: desc}
	}

	t.Run("main world matches the default context", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		fs.handler = func(method string, _ easyjson.Marshaler) (easyjson.Marshaler, error) {
			switch method {
			case cdproto.CommandRuntimeEnable:
				// Announce a non-default context first; it must be skipped.
				fs.emit(cdproto.EventRuntimeExecutionContextCreated,
					contextCreated(7, "other", `{"isDefault":false}`))
				fs.emit(cdproto.EventRuntimeExecutionContextCreated,
					contextCreated(11, "", `{"isDefault":true}`))
			case cdproto.CommandRuntimeCallFunctionOn:
				return callFunctionOnResult("1"), nil
			}
			return nil, nil
		}
		opts := ExecutionContextOptions{Mode: AcquireModeEnableDisable}
		ec := NewExecutionContext(ctx, fs, ContextDescription{World: MainWorld}, opts, nullLogger(t))

		_, err := ec.Eval(ctx, "() => 1")
		require.NoError(t, err)
		assert.Equal(t, cdpruntime.ExecutionContextID(11), ec.ID())

		// The domain must be switched back off before the call proceeds.
		want := []string{
			cdproto.CommandRuntimeEnable,
			cdproto.CommandRuntimeDisable,
			cdproto.CommandRuntimeCallFunctionOn,
		}
		assert.Equal(t, want, fs.callOrder(want...))
	})

	t.Run("utility world matches by name", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		fs.handler = func(method string, _ easyjson.Marshaler) (easyjson.Marshaler, error) {
			switch method {
			case cdproto.CommandRuntimeEnable:
				fs.emit(cdproto.EventRuntimeExecutionContextCreated,
					contextCreated(3, "other", ""))
				fs.emit(cdproto.EventRuntimeExecutionContextCreated,
					contextCreated(5, "util", ""))
			case cdproto.CommandRuntimeCallFunctionOn:
				return callFunctionOnResult("1"), nil
			}
			return nil, nil
		}
		desc := ContextDescription{World: UtilityWorld, Name: "util"}
		opts := ExecutionContextOptions{Mode: AcquireModeEnableDisable}
		ec := NewExecutionContext(ctx, fs, desc, opts, nullLogger(t))

		_, err := ec.Eval(ctx, "() => 1")
		require.NoError(t, err)
		assert.Equal(t, cdpruntime.ExecutionContextID(5), ec.ID())
	})

	t.Run("fails after the window closes without a match", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		fs.handler = func(method string, _ easyjson.Marshaler) (easyjson.Marshaler, error) {
			if method == cdproto.CommandRuntimeEnable {
				fs.emit(cdproto.EventRuntimeExecutionContextCreated,
					contextCreated(7, "other", `{"isDefault":false}`))
			}
			return nil, nil
		}
		opts := ExecutionContextOptions{Mode: AcquireModeEnableDisable}
		ec := NewExecutionContext(ctx, fs, ContextDescription{World: MainWorld}, opts, nullLogger(t))

		_, err := ec.Eval(ctx, "() => 1")
		require.ErrorIs(t, err, ErrContextAcquisitionFailed)
		// The domain toggle completed even though nothing matched.
		assert.Equal(t, 1, fs.callCount(cdproto.CommandRuntimeDisable))
		assert.False(t, ec.Acquired())
	})

	t.Run("worker realm matches the first context", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		fs.handler = func(method string, _ easyjson.Marshaler) (easyjson.Marshaler, error) {
			switch method {
			case cdproto.CommandRuntimeEnable:
				fs.emit(cdproto.EventRuntimeExecutionContextCreated,
					contextCreated(21, "", ""))
			case cdproto.CommandRuntimeCallFunctionOn:
				return callFunctionOnResult("1"), nil
			}
			return nil, nil
		}
		opts := ExecutionContextOptions{Mode: AcquireModeEnableDisable}
		ec := NewExecutionContext(ctx, fs, ContextDescription{World: WorkerWorld}, opts, nullLogger(t))

		_, err := ec.Eval(ctx, "() => 1")
		require.NoError(t, err)
		assert.Equal(t, cdpruntime.ExecutionContextID(21), ec.ID())
	})
}

func TestExecutionContextAddBinding(t *testing.T) {
	t.Parallel()

	bindingHandler := func(fs *fakeSession) {
		fs.handler = func(method string, _ easyjson.Marshaler) (easyjson.Marshaler, error) {
			if method == cdproto.CommandRuntimeCallFunctionOn {
				return &cdpruntime.CallFunctionOnReturns{
					Result: &cdpruntime.RemoteObject{Type: cdpruntime.TypeUndefined},
				}, nil
			}
			return nil, nil
		}
	}

	t.Run("installs once per name", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		bindingHandler(fs)
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		b := &Binding{Name: "exposed", Callback: func(context.Context, *ExecutionContext, []any) (any, error) {
			return nil, nil
		}}
		ec.AddBinding(ctx, b)
		ec.AddBinding(ctx, b)

		assert.Equal(t, 1, fs.callCount(cdproto.CommandRuntimeAddBinding))
		assert.Contains(t, ec.Bindings(), "exposed")
	})

	t.Run("unnamed contexts register by context id", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		var payload []byte
		fs.handler = func(method string, params easyjson.Marshaler) (easyjson.Marshaler, error) {
			switch method {
			case cdproto.CommandRuntimeAddBinding:
				var err error
				payload, err = easyjson.Marshal(params)
				require.NoError(t, err)
			case cdproto.CommandRuntimeCallFunctionOn:
				return &cdpruntime.CallFunctionOnReturns{
					Result: &cdpruntime.RemoteObject{Type: cdpruntime.TypeUndefined},
				}, nil
			}
			return nil, nil
		}
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		b := &Binding{Name: "exposed", Callback: func(context.Context, *ExecutionContext, []any) (any, error) {
			return nil, nil
		}}
		require.NoError(t, ec.addBinding(ctx, b))

		var sent struct {
			Name               string `json:"name"`
			ExecutionContextID int64  `json:"executionContextId"`
		}
		require.NoError(t, json.Unmarshal(payload, &sent))
		assert.Equal(t, cdpBindingPrefix+"exposed", sent.Name)
		assert.EqualValues(t, 9, sent.ExecutionContextID)
	})

	t.Run("concurrent installs issue one RPC", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		bindingHandler(fs)
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		b := &Binding{Name: "exposed", Callback: func(context.Context, *ExecutionContext, []any) (any, error) {
			return nil, nil
		}}
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ec.AddBinding(ctx, b)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, fs.callCount(cdproto.CommandRuntimeAddBinding))
	})

	t.Run("teardown failures are swallowed", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		fs.handler = func(method string, _ easyjson.Marshaler) (easyjson.Marshaler, error) {
			if method == cdproto.CommandRuntimeAddBinding {
				return nil, errors.New("Execution context was destroyed")
			}
			return nil, nil
		}
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		b := &Binding{Name: "exposed", Callback: func(context.Context, *ExecutionContext, []any) (any, error) {
			return nil, nil
		}}
		require.NoError(t, ec.addBinding(ctx, b))
		assert.NotContains(t, ec.Bindings(), "exposed")
	})

	t.Run("other failures are reported", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		fs.handler = func(method string, _ easyjson.Marshaler) (easyjson.Marshaler, error) {
			if method == cdproto.CommandRuntimeAddBinding {
				return nil, errors.New("some RPC failure")
			}
			return nil, nil
		}
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		b := &Binding{Name: "exposed", Callback: func(context.Context, *ExecutionContext, []any) (any, error) {
			return nil, nil
		}}
		require.ErrorContains(t, ec.addBinding(ctx, b), "some RPC failure")
	})
}

func TestExecutionContextOnBindingCalled(t *testing.T) {
	t.Parallel()

	install := func(t *testing.T, ctx context.Context, fs *fakeSession, ec *ExecutionContext, cb BindingFunc) {
		t.Helper()
		fs.mu.Lock()
		fs.handler = func(method string, _ easyjson.Marshaler) (easyjson.Marshaler, error) {
			if method == cdproto.CommandRuntimeCallFunctionOn {
				return &cdpruntime.CallFunctionOnReturns{
					Result: &cdpruntime.RemoteObject{Type: cdpruntime.TypeUndefined},
				}, nil
			}
			return nil, nil
		}
		fs.mu.Unlock()
		ec.AddBinding(ctx, &Binding{Name: "exposed", Callback: cb})
	}

	t.Run("dispatches tracked names and delivers the result", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		gotArgs := make(chan []any, 1)
		install(t, ctx, fs, ec, func(_ context.Context, _ *ExecutionContext, args []any) (any, error) {
			gotArgs <- args
			return "ok", nil
		})
		installCalls := fs.callCount(cdproto.CommandRuntimeCallFunctionOn)

		fs.emit(cdproto.EventRuntimeBindingCalled, &cdpruntime.EventBindingCalled{
			Name:               cdpBindingPrefix + "exposed",
			ExecutionContextID: 9,
			Payload:            `{"type":"internal","name":"exposed","seq":1,"args":[1,"a"],"isTrivial":true}`,
		})

		select {
		case args := <-gotArgs:
			assert.Equal(t, []any{float64(1), "a"}, args)
		case <-time.After(time.Second):
			require.FailNow(t, "binding callback was not invoked")
		}
		// The settled promise is delivered with one more remote call.
		require.Eventually(t, func() bool {
			return fs.callCount(cdproto.CommandRuntimeCallFunctionOn) == installCalls+1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("ignores unparsable payloads", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		called := make(chan struct{}, 1)
		install(t, ctx, fs, ec, func(context.Context, *ExecutionContext, []any) (any, error) {
			called <- struct{}{}
			return nil, nil
		})

		fs.emit(cdproto.EventRuntimeBindingCalled, &cdpruntime.EventBindingCalled{
			Name:               cdpBindingPrefix + "exposed",
			ExecutionContextID: 9,
			Payload:            "this is not JSON",
		})

		select {
		case <-called:
			require.FailNow(t, "callback must not run for an unparsable payload")
		case <-time.After(100 * time.Millisecond):
		}

		// The context stays usable.
		v, err := ec.Eval(ctx, "() => 1")
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("forwards foreign payloads", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		ch := make(chan Event, 1)
		ec.on(ctx, []string{EventExecutionContextBindingCalled}, ch)

		fs.emit(cdproto.EventRuntimeBindingCalled, &cdpruntime.EventBindingCalled{
			ExecutionContextID: 9,
			Payload:            `{"type":"exposedFun","name":"other","seq":1}`,
		})

		select {
		case ev := <-ch:
			ebc, ok := ev.data.(*cdpruntime.EventBindingCalled)
			require.True(t, ok)
			assert.Equal(t, `{"type":"exposedFun","name":"other","seq":1}`, ebc.Payload)
		case <-time.After(time.Second):
			require.FailNow(t, "foreign payload was not forwarded")
		}
	})

	t.Run("ignores other contexts", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		called := make(chan struct{}, 1)
		install(t, ctx, fs, ec, func(context.Context, *ExecutionContext, []any) (any, error) {
			called <- struct{}{}
			return nil, nil
		})

		fs.emit(cdproto.EventRuntimeBindingCalled, &cdpruntime.EventBindingCalled{
			ExecutionContextID: 1234,
			Payload:            `{"type":"internal","name":"exposed","seq":1,"args":[],"isTrivial":true}`,
		})

		select {
		case <-called:
			require.FailNow(t, "callback must not run for another context id")
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestExecutionContextUtilityHandle(t *testing.T) {
	t.Parallel()

	t.Run("injects once and installs the builtin bindings", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		fs.handler = func(method string, _ easyjson.Marshaler) (easyjson.Marshaler, error) {
			switch method {
			case cdproto.CommandRuntimeEvaluate:
				return &cdpruntime.EvaluateReturns{
					Result: &cdpruntime.RemoteObject{
						Type:     cdpruntime.TypeObject,
						ObjectID: "utility_object_id",
					},
				}, nil
			case cdproto.CommandRuntimeCallFunctionOn:
				return &cdpruntime.CallFunctionOnReturns{
					Result: &cdpruntime.RemoteObject{Type: cdpruntime.TypeUndefined},
				}, nil
			}
			return nil, nil
		}
		cache := &fakeScriptCache{source: "globalThis.__utility = {}"}
		opts := ExecutionContextOptions{ScriptCache: cache}
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, opts, nullLogger(t))

		h, err := ec.UtilityHandle(ctx)
		require.NoError(t, err)
		assert.Equal(t, cdpruntime.RemoteObjectID("utility_object_id"), h.ObjectID())
		assert.Equal(t, 2, fs.callCount(cdproto.CommandRuntimeAddBinding))

		h2, err := ec.UtilityHandle(ctx)
		require.NoError(t, err)
		assert.Same(t, h, h2)
		assert.Equal(t, 1, cache.injects)
		assert.Equal(t, 2, fs.callCount(cdproto.CommandRuntimeAddBinding))
	})

	t.Run("requires a script cache", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		_, err := ec.UtilityHandle(ctx)
		require.ErrorContains(t, err, "no script cache")
	})
}

func TestExecutionContextClearContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs := newFakeSession(ctx)
	fs.handler = func(method string, _ easyjson.Marshaler) (easyjson.Marshaler, error) {
		if method == cdproto.CommandRuntimeCallFunctionOn {
			return &cdpruntime.CallFunctionOnReturns{
				Result: &cdpruntime.RemoteObject{Type: cdpruntime.TypeUndefined},
			}, nil
		}
		return nil, nil
	}
	ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

	b := &Binding{Name: "exposed", Callback: func(context.Context, *ExecutionContext, []any) (any, error) {
		return nil, nil
	}}
	ec.AddBinding(ctx, b)
	require.Equal(t, 1, fs.callCount(cdproto.CommandRuntimeAddBinding))

	ec.ClearContext(0)
	assert.False(t, ec.Acquired())
	assert.Empty(t, ec.Bindings())

	ec.ClearContext(33)
	assert.True(t, ec.Acquired())
	assert.Equal(t, cdpruntime.ExecutionContextID(33), ec.ID())

	// Bindings were dropped with the old context and install again.
	ec.AddBinding(ctx, b)
	assert.Equal(t, 2, fs.callCount(cdproto.CommandRuntimeAddBinding))
}

func TestExecutionContextDispose(t *testing.T) {
	t.Parallel()

	t.Run("emits once and tolerates repeats", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		ch := make(chan Event, 2)
		ec.on(ctx, []string{EventExecutionContextDisposed}, ch)

		ec.Dispose()
		ec.Dispose()

		select {
		case <-ch:
		case <-time.After(time.Second):
			require.FailNow(t, "disposed notification was not emitted")
		}
		select {
		case <-ch:
			require.FailNow(t, "disposed notification emitted twice")
		case <-time.After(100 * time.Millisecond):
		}
		assert.True(t, ec.IsDisposed())
	})

	t.Run("disposes on matching context destroyed event", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		fs.emit(cdproto.EventRuntimeExecutionContextDestroyed,
			&cdpruntime.EventExecutionContextDestroyed{ExecutionContextID: 1234})
		time.Sleep(50 * time.Millisecond)
		assert.False(t, ec.IsDisposed())

		fs.emit(cdproto.EventRuntimeExecutionContextDestroyed,
			&cdpruntime.EventExecutionContextDestroyed{ExecutionContextID: 9})
		require.Eventually(t, ec.IsDisposed, time.Second, 10*time.Millisecond)
	})

	t.Run("disposes when all contexts are cleared", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		fs.emit(cdproto.EventRuntimeExecutionContextsCleared,
			&cdpruntime.EventExecutionContextsCleared{})
		require.Eventually(t, ec.IsDisposed, time.Second, 10*time.Millisecond)
	})

	t.Run("disposes when the session ends", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		fs := newFakeSession(ctx)
		ec := NewExecutionContext(ctx, fs, ContextDescription{ID: 9}, ExecutionContextOptions{}, nullLogger(t))

		fs.close()
		require.Eventually(t, ec.IsDisposed, time.Second, 10*time.Millisecond)
	})
}
