package common

import (
	"context"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"

	"github.com/rebrowser/rebrowser-puppeteer-core/log"
)

// JSHandle is an opaque host-side reference to an object living in a
// remote execution context.
type JSHandle interface {
	// AsElement returns the handle as an ElementHandle if it references a
	// DOM node, otherwise nil.
	AsElement() *ElementHandle
	Dispose(ctx context.Context) error
	Evaluate(apiCtx context.Context, js string, args ...any) (any, error)
	EvaluateHandle(apiCtx context.Context, js string, args ...any) (JSHandle, error)
	JSONValue(apiCtx context.Context) (any, error)
	ObjectID() cdpruntime.RemoteObjectID
	IsDisposed() bool
}

// BaseJSHandle is the default JSHandle implementation.
type BaseJSHandle struct {
	ctx     context.Context
	logger  *log.Logger
	session session
	execCtx *ExecutionContext

	remoteObject *cdpruntime.RemoteObject
	disposed     int32
}

// ElementHandle is a handle referencing a DOM element node.
type ElementHandle struct {
	BaseJSHandle
}

// NewJSHandle is the handle factory: it wraps a remote object reference
// and upgrades node-shaped objects to element handles.
func NewJSHandle(
	ctx context.Context,
	s session,
	ec *ExecutionContext,
	ro *cdpruntime.RemoteObject,
	l *log.Logger,
) JSHandle {
	eh := &BaseJSHandle{
		ctx:          ctx,
		session:      s,
		execCtx:      ec,
		remoteObject: ro,
		logger:       l,
	}
	if ro.Subtype == "node" && ec != nil {
		return &ElementHandle{BaseJSHandle: *eh}
	}

	return eh
}

// AsElement returns nil for plain handles.
func (h *BaseJSHandle) AsElement() *ElementHandle {
	return nil
}

// AsElement returns the handle itself.
func (h *ElementHandle) AsElement() *ElementHandle {
	return h
}

// Dispose releases the remote object this handle references. Releasing an
// already disposed handle or a primitive-valued handle is a no-op.
func (h *BaseJSHandle) Dispose(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.disposed, 0, 1) {
		return nil
	}
	if h.remoteObject.ObjectID == "" {
		return nil
	}

	action := cdpruntime.ReleaseObject(h.remoteObject.ObjectID)
	if err := action.Do(cdp.WithExecutor(ctx, h.session)); err != nil {
		h.logger.Debugf("JSHandle:Dispose", "oid:%v err:%v", h.remoteObject.ObjectID, err)
		return err
	}

	return nil
}

// IsDisposed returns true once the handle has been disposed.
func (h *BaseJSHandle) IsDisposed() bool {
	return atomic.LoadInt32(&h.disposed) == 1
}

// Evaluate evaluates the js with this handle as the first argument and
// returns the result by value.
func (h *BaseJSHandle) Evaluate(apiCtx context.Context, js string, args ...any) (any, error) {
	evalArgs := make([]any, 0, len(args)+1)
	evalArgs = append(evalArgs, h)
	evalArgs = append(evalArgs, args...)
	return h.execCtx.Eval(apiCtx, js, evalArgs...)
}

// EvaluateHandle evaluates the js with this handle as the first argument
// and returns the result as a handle.
func (h *BaseJSHandle) EvaluateHandle(apiCtx context.Context, js string, args ...any) (JSHandle, error) {
	evalArgs := make([]any, 0, len(args)+1)
	evalArgs = append(evalArgs, h)
	evalArgs = append(evalArgs, args...)
	return h.execCtx.EvalHandle(apiCtx, js, evalArgs...)
}

// JSONValue returns the value the handle references, copied by value.
func (h *BaseJSHandle) JSONValue(apiCtx context.Context) (any, error) {
	if h.remoteObject.ObjectID == "" {
		return parseRemoteObject(h.remoteObject)
	}
	return h.execCtx.Eval(apiCtx, "object => object", h)
}

// ObjectID returns the remote object id, or empty for primitive handles.
func (h *BaseJSHandle) ObjectID() cdpruntime.RemoteObjectID {
	return h.remoteObject.ObjectID
}
