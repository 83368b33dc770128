package common

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/rebrowser/rebrowser-puppeteer-core/log"
)

// WorkerKind distinguishes the worker target flavors, which differ in how
// they are torn down.
type WorkerKind string

const (
	WorkerKindDedicated WorkerKind = "worker"
	WorkerKindService   WorkerKind = "service_worker"
	WorkerKindShared    WorkerKind = "shared_worker"
)

// ConsoleMessage is a console API call forwarded from a worker realm.
type ConsoleMessage struct {
	// Type of the call: "log", "debug", "info", "error", etc.
	Type string
	// Text is the stringified first argument.
	Text string
	// Args hold the call arguments as handles in the worker's context.
	Args []JSHandle
}

// Worker drives one worker target: it owns the realm's execution context
// and forwards the realm's console and exception traffic.
type Worker struct {
	BaseEventEmitter

	ctx     context.Context
	logger  *log.Logger
	session session

	targetID target.ID
	url      string
	kind     WorkerKind

	execCtx *ExecutionContext

	closed int32
}

// NewWorker attaches to a worker target, builds its execution context and
// resumes the worker if it was spawned waiting for a debugger.
func NewWorker(
	ctx context.Context, s session, id target.ID, url string, kind WorkerKind,
	opts ExecutionContextOptions, l *log.Logger,
) (*Worker, error) {
	w := Worker{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		logger:           l,
		session:          s,
		targetID:         id,
		url:              url,
		kind:             kind,
	}
	w.execCtx = NewExecutionContext(ctx, s, ContextDescription{World: WorkerWorld}, opts, l)
	if err := w.initEvents(opts.Mode); err != nil {
		return nil, err
	}

	return &w, nil
}

func (w *Worker) initEvents(mode AcquireMode) error {
	evCtx, evCancelFn := context.WithCancel(w.ctx)

	events := []string{
		cdproto.EventRuntimeConsoleAPICalled,
		cdproto.EventRuntimeExceptionThrown,
	}
	if mode == AcquireModeDisabled {
		// With acquisition off, the realm id only arrives by event.
		events = append(events, cdproto.EventRuntimeExecutionContextCreated)
	}
	chHandler := make(chan Event)
	w.session.on(evCtx, events, chHandler)

	go func() {
		defer evCancelFn()
		for {
			select {
			case <-evCtx.Done():
				return
			case <-w.session.Done():
				w.didClose()
				return
			case event := <-chHandler:
				switch ev := event.data.(type) {
				case *runtime.EventConsoleAPICalled:
					w.onConsoleAPICalled(ev)
				case *runtime.EventExceptionThrown:
					w.emit(EventWorkerExceptionThrown, parseExceptionDetails(ev.ExceptionDetails))
				case *runtime.EventExecutionContextCreated:
					if ev.Context != nil && !w.execCtx.Acquired() {
						w.execCtx.ClearContext(ev.Context.ID)
					}
				}
			}
		}
	}()

	actions := []Action{
		cdplog.Enable(),
		network.Enable(),
		runtime.RunIfWaitingForDebugger(),
	}
	for _, action := range actions {
		if err := action.Do(cdp.WithExecutor(w.ctx, w.session)); err != nil {
			return fmt.Errorf("protocol error while initializing worker %T: %w", action, err)
		}
	}
	return nil
}

func (w *Worker) onConsoleAPICalled(ev *runtime.EventConsoleAPICalled) {
	msg := &ConsoleMessage{Type: string(ev.Type)}
	for i, robj := range ev.Args {
		if i == 0 && robj.Type == runtime.TypeString {
			if v, err := valueFromRemoteObject(robj, w.logger); err == nil {
				msg.Text, _ = v.(string)
			}
		}
		msg.Args = append(msg.Args, NewJSHandle(w.ctx, w.session, w.execCtx, robj, w.logger))
	}
	w.emit(EventWorkerConsoleAPICalled, msg)
}

// TargetID returns the id of the worker target.
func (w *Worker) TargetID() target.ID { return w.targetID }

// URL returns the URL of the worker's main script.
func (w *Worker) URL() string { return w.url }

// Kind returns the worker target flavor.
func (w *Worker) Kind() WorkerKind { return w.kind }

// ExecutionContext returns the worker realm's execution context.
func (w *Worker) ExecutionContext() *ExecutionContext { return w.execCtx }

// Evaluate evaluates the given function declaration in the worker realm
// and returns the result by value.
func (w *Worker) Evaluate(apiCtx context.Context, js string, args ...any) (any, error) {
	return w.execCtx.Eval(apiCtx, js, args...)
}

// EvaluateHandle evaluates the given function declaration in the worker
// realm and returns a handle to the result.
func (w *Worker) EvaluateHandle(apiCtx context.Context, js string, args ...any) (JSHandle, error) {
	return w.execCtx.EvalHandle(apiCtx, js, args...)
}

// IsClosed returns true once the worker has been torn down.
func (w *Worker) IsClosed() bool {
	return atomic.LoadInt32(&w.closed) == 1
}

// Close tears the worker down. Service and shared workers are closed
// through the browser target since they outlive their clients; a
// dedicated worker shuts itself down from inside the realm.
func (w *Worker) Close(apiCtx context.Context) error {
	if w.IsClosed() {
		return nil
	}

	w.logger.Debugf(
		"Worker:Close",
		"sid:%s tid:%s kind:%s url:%q",
		w.session.ID(), w.targetID, w.kind, w.url)

	switch w.kind {
	case WorkerKindService, WorkerKindShared:
		if err := target.CloseTarget(w.targetID).Do(cdp.WithExecutor(apiCtx, w.session)); err != nil {
			return fmt.Errorf("closing worker target %q: %w", w.targetID, err)
		}
		if err := target.DetachFromTarget().
			WithSessionID(w.session.ID()).
			Do(cdp.WithExecutor(apiCtx, w.session)); err != nil {
			return fmt.Errorf("detaching from worker target %q: %w", w.targetID, err)
		}
	default:
		if _, err := w.execCtx.Eval(apiCtx, `() => self.close()`); err != nil {
			return fmt.Errorf("closing worker %q: %w", w.url, err)
		}
	}

	w.didClose()
	return nil
}

// didClose marks the worker closed and disposes its context. Safe to call
// more than once.
func (w *Worker) didClose() {
	if !atomic.CompareAndSwapInt32(&w.closed, 0, 1) {
		return
	}
	w.execCtx.Dispose()
	w.emit(EventWorkerClosed, w)
}
