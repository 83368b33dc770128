package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	cdpruntime "github.com/chromedp/cdproto/runtime"
)

// LazyArg is an evaluate argument that is resolved against the execution
// context right before the call is encoded.
type LazyArg func(apiCtx context.Context, execCtx *ExecutionContext) (any, error)

func convertBaseJSHandleTypes(
	_ context.Context, execCtx *ExecutionContext, objHandle *BaseJSHandle,
) (*cdpruntime.CallArgument, error) {
	if objHandle.execCtx != execCtx {
		return nil, ErrWrongExecutionContext
	}
	if objHandle.IsDisposed() {
		return nil, ErrJSHandleDisposed
	}
	if objHandle.remoteObject.UnserializableValue.String() != "" {
		return &cdpruntime.CallArgument{
			UnserializableValue: objHandle.remoteObject.UnserializableValue,
		}, nil
	}
	if objHandle.remoteObject.ObjectID.String() == "" {
		return &cdpruntime.CallArgument{Value: objHandle.remoteObject.Value}, nil
	}
	return &cdpruntime.CallArgument{ObjectID: objHandle.remoteObject.ObjectID}, nil
}

//nolint:cyclop
func convertArgument(
	apiCtx context.Context, execCtx *ExecutionContext, arg any,
) (*cdpruntime.CallArgument, error) {
	if lazy, ok := arg.(LazyArg); ok {
		resolved, err := lazy(apiCtx, execCtx)
		if err != nil {
			return nil, fmt.Errorf("resolving lazy argument: %w", err)
		}
		arg = resolved
	}
	switch a := arg.(type) {
	case int64:
		if a > math.MaxInt32 || a < math.MinInt32 {
			// Encode as a bigint literal to preserve integer precision.
			return &cdpruntime.CallArgument{
				UnserializableValue: cdpruntime.UnserializableValue(fmt.Sprintf("%dn", a)),
			}, nil
		}
		b, err := json.Marshal(a)
		return &cdpruntime.CallArgument{Value: b}, err
	case float64:
		var unserVal string
		switch {
		// +0.0 == -0.0, so only the sign bit tells them apart.
		case a == 0 && math.Signbit(a):
			unserVal = "-0"
		case math.IsInf(a, 1):
			unserVal = "Infinity"
		case math.IsInf(a, -1):
			unserVal = "-Infinity"
		case math.IsNaN(a):
			unserVal = "NaN"
		}

		if unserVal != "" {
			return &cdpruntime.CallArgument{
				UnserializableValue: cdpruntime.UnserializableValue(unserVal),
			}, nil
		}

		b, err := json.Marshal(a)
		if err != nil {
			err = fmt.Errorf("converting argument '%v': %w", arg, err)
		}
		return &cdpruntime.CallArgument{Value: b}, err
	case *ElementHandle:
		return convertBaseJSHandleTypes(apiCtx, execCtx, &a.BaseJSHandle)
	case *BaseJSHandle:
		return convertBaseJSHandleTypes(apiCtx, execCtx, a)
	default:
		b, err := json.Marshal(a)
		var uve *json.UnsupportedValueError
		if errors.As(err, &uve) {
			return nil, fmt.Errorf("converting argument '%T': recursive objects are not allowed: %w", arg, err)
		}
		return &cdpruntime.CallArgument{Value: b}, err
	}
}

// contextWithDoneChan returns a new context that is canceled either when
// the parent context is canceled or when the done channel is closed.
func contextWithDoneChan(ctx context.Context, done <-chan struct{}) context.Context {
	newCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		select {
		case <-done:
		case <-newCtx.Done():
		}
	}()
	return newCtx
}
