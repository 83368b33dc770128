package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/rebrowser/rebrowser-puppeteer-core/log"
)

const evaluationScriptURL = "__puppeteer_evaluation_script__"

// This error code originates from chromium.
const devToolsServerErrorCode = -32000

// How long acquisition waits for a matching context-created event after
// the runtime domain toggle. Events announced during the toggle are
// already queued by then; this only covers their asynchronous delivery.
const contextCreatedWaitTimeout = time.Second

var sourceURLRegex = regexp.MustCompile(`^(?s)[\040\t]*//[@#] sourceURL=\s*(\S*?)\s*$`)

// World is the kind of realm an execution context belongs to.
type World string

// Realm kinds awaited by an unacquired context.
const (
	MainWorld    World = "main"
	UtilityWorld World = "utility"
	WorkerWorld  World = "worker"
)

func (w World) valid() bool {
	return w == MainWorld || w == UtilityWorld || w == WorkerWorld
}

type evalOptions struct {
	forceCallable, returnByValue bool
}

func (ea evalOptions) String() string {
	return fmt.Sprintf("forceCallable:%t returnByValue:%t", ea.forceCallable, ea.returnByValue)
}

// ContextDescription describes a remote execution context: either one
// received in a context-created notification (ID set) or one synthesized
// for a realm whose id is not known yet (ID zero, World set).
type ContextDescription struct {
	// ID of the remote context; zero means unacquired.
	ID runtime.ExecutionContextID
	// World the context belongs to; defaults to MainWorld.
	World World
	// Name of the utility world; disambiguates it from the main world.
	Name string
	// FrameID of the owning frame; required by the always-isolated
	// acquisition strategy.
	FrameID cdp.FrameID
}

// ScriptCache supplies the in-page utility bundle. Inject hands the
// current bundle source to inject when force is true or when a newer
// bundle superseded the previously injected one.
type ScriptCache interface {
	Inject(inject func(source string), force bool)
}

// ExecutionContext drives script evaluation inside one remote realm and
// owns the host callables exposed into it.
type ExecutionContext struct {
	BaseEventEmitter

	ctx     context.Context
	logger  *log.Logger
	session session

	mode        AcquireMode
	scriptCache ScriptCache
	queryEngine QueryEngine

	frameID cdp.FrameID
	name    string

	stateMu  sync.RWMutex
	id       runtime.ExecutionContextID
	acquired bool
	world    World

	installMu         *Mutex
	bindingsMu        sync.RWMutex
	bindings          map[string]*Binding
	bindingsInstalled bool

	utilityMu sync.Mutex
	utility   JSHandle

	disposed   int32
	evCancelFn context.CancelFunc

	// Used for logging.
	sid target.SessionID // Session ID
	tid target.ID        // Session target ID
}

// NewExecutionContext creates an execution context for the given session
// and realm description and subscribes it to the session's runtime events.
func NewExecutionContext(
	ctx context.Context, s session, desc ContextDescription, opts ExecutionContextOptions, l *log.Logger,
) *ExecutionContext {
	world := desc.World
	if !world.valid() {
		world = MainWorld
	}
	mode := opts.Mode
	if mode == "" {
		mode = AcquireModeAlwaysIsolated
	}
	e := &ExecutionContext{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		session:          s,
		logger:           l,
		mode:             mode,
		scriptCache:      opts.ScriptCache,
		queryEngine:      opts.QueryEngine,
		frameID:          desc.FrameID,
		name:             desc.Name,
		id:               desc.ID,
		acquired:         desc.ID != 0,
		world:            world,
		installMu:        NewMutex(),
		bindings:         make(map[string]*Binding),
	}
	if s != nil {
		e.sid = s.ID()
		e.tid = s.TargetID()
	}
	e.initEvents()

	l.Debugf(
		"NewExecutionContext",
		"sid:%s tid:%s ectxid:%d world:%s name:%q",
		e.sid, e.tid, desc.ID, world, desc.Name)

	return e
}

func (e *ExecutionContext) initEvents() {
	evCtx, evCancelFn := context.WithCancel(e.ctx)
	e.evCancelFn = evCancelFn

	chHandler := make(chan Event)
	e.session.on(evCtx, []string{
		cdproto.EventRuntimeBindingCalled,
		cdproto.EventRuntimeExecutionContextDestroyed,
		cdproto.EventRuntimeExecutionContextsCleared,
	}, chHandler)

	go func() {
		for e.handleEvents(chHandler) {
		}
	}()
}

func (e *ExecutionContext) handleEvents(in <-chan Event) bool {
	select {
	case <-e.ctx.Done():
		return false
	case <-e.session.Done():
		e.Dispose()
		return false
	case event := <-in:
		switch ev := event.data.(type) {
		case *runtime.EventBindingCalled:
			e.onBindingCalled(ev)
		case *runtime.EventExecutionContextDestroyed:
			if e.matchesID(ev.ExecutionContextID) {
				e.Dispose()
				return false
			}
		case *runtime.EventExecutionContextsCleared:
			e.Dispose()
			return false
		}
	}
	return true
}

// ID returns the remote context id, zero while unacquired.
func (e *ExecutionContext) ID() runtime.ExecutionContextID {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.id
}

// Acquired returns true once the context holds a usable remote id.
func (e *ExecutionContext) Acquired() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.acquired
}

// World returns the realm kind this context belongs to.
func (e *ExecutionContext) World() World {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.world
}

// Name returns the utility world name, empty for the main world.
func (e *ExecutionContext) Name() string { return e.name }

// IsDisposed returns true once the context has been disposed.
func (e *ExecutionContext) IsDisposed() bool {
	return atomic.LoadInt32(&e.disposed) == 1
}

func (e *ExecutionContext) matchesID(id runtime.ExecutionContextID) bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.acquired && e.id == id
}

// contextID returns the remote context id, running acquisition first if
// the context does not have one yet. The evaluate call that triggered
// acquisition is then issued exactly once; acquisition failures are not
// retriable.
func (e *ExecutionContext) contextID(apiCtx context.Context) (runtime.ExecutionContextID, error) {
	e.stateMu.RLock()
	if e.acquired {
		id := e.id
		e.stateMu.RUnlock()
		return id, nil
	}
	e.stateMu.RUnlock()

	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.acquired {
		return e.id, nil
	}

	e.logger.Debugf(
		"ExecutionContext:acquire",
		"sid:%s tid:%s world:%s name:%q mode:%s",
		e.sid, e.tid, e.world, e.name, e.mode)

	var (
		id  runtime.ExecutionContextID
		err error
	)
	switch e.mode {
	case AcquireModeDisabled:
		return 0, fmt.Errorf(
			"%w: acquisition is disabled and no context id was received",
			ErrContextAcquisitionFailed)
	case AcquireModeAlwaysIsolated:
		id, err = e.acquireIsolated(apiCtx)
	case AcquireModeEnableDisable:
		id, err = e.acquireEnableDisable(apiCtx)
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrContextAcquisitionFailed, e.mode)
	}
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, ErrContextAcquisitionFailed
	}

	e.id = id
	e.acquired = true

	e.logger.Debugf(
		"ExecutionContext:acquire",
		"sid:%s tid:%s world:%s ectxid:%d acquired",
		e.sid, e.tid, e.world, id)

	return id, nil
}

// acquireIsolated creates an isolated world for the context's frame and
// adopts its id. Worker realms have no frame to isolate into.
func (e *ExecutionContext) acquireIsolated(apiCtx context.Context) (runtime.ExecutionContextID, error) {
	if e.world == WorkerWorld {
		return 0, ErrWorkerNotIsolated
	}

	action := page.CreateIsolatedWorld(e.frameID).
		WithWorldName(e.name).
		WithGrantUniveralAccess(true)
	id, err := action.Do(cdp.WithExecutor(apiCtx, e.session))
	if err != nil {
		return 0, fmt.Errorf("creating isolated world for frame %q: %w", e.frameID, err)
	}
	return id, nil
}

// acquireEnableDisable toggles the runtime domain on and immediately off,
// adopting the context id from the created events replayed in between.
func (e *ExecutionContext) acquireEnableDisable(apiCtx context.Context) (runtime.ExecutionContextID, error) {
	evCtx, evCancelFn := context.WithCancel(apiCtx)
	defer evCancelFn()

	chHandler := make(chan Event)
	e.session.on(evCtx, []string{cdproto.EventRuntimeExecutionContextCreated}, chHandler)

	idCh := make(chan runtime.ExecutionContextID, 1)
	go func() {
		for {
			select {
			case <-evCtx.Done():
				return
			case event := <-chHandler:
				ev, ok := event.data.(*runtime.EventExecutionContextCreated)
				if !ok || ev.Context == nil {
					continue
				}
				id, ok := e.matchContextCreated(ev.Context)
				if !ok {
					continue
				}
				idCh <- id
				return
			}
		}
	}()

	// Disable right after enable so the remote target observes the
	// runtime domain active for as short a window as possible.
	if err := runtime.Enable().Do(cdp.WithExecutor(apiCtx, e.session)); err != nil {
		return 0, fmt.Errorf("enabling runtime domain: %w", err)
	}
	if err := runtime.Disable().Do(cdp.WithExecutor(apiCtx, e.session)); err != nil {
		return 0, fmt.Errorf("disabling runtime domain: %w", err)
	}

	select {
	case id := <-idCh:
		return id, nil
	case <-time.After(contextCreatedWaitTimeout):
		return 0, nil
	case <-apiCtx.Done():
		return 0, apiCtx.Err()
	}
}

// matchContextCreated applies the realm-kind sentinel rules to one
// context-created event.
func (e *ExecutionContext) matchContextCreated(
	desc *runtime.ExecutionContextDescription,
) (runtime.ExecutionContextID, bool) {
	switch e.world {
	case MainWorld:
		var aux struct {
			IsDefault bool `json:"isDefault"`
		}
		if desc.AuxData != nil {
			if err := json.Unmarshal(desc.AuxData, &aux); err != nil {
				return 0, false
			}
		}
		if aux.IsDefault {
			return desc.ID, true
		}
	case UtilityWorld:
		if desc.Name == e.name {
			return desc.ID, true
		}
	case WorkerWorld:
		return desc.ID, true
	}
	return 0, false
}

// isContextUnavailableError reports whether a remote failure means the
// context was destroyed or the target navigated/closed. Matched on the
// message suffix since the remote prepends request detail.
func isContextUnavailableError(err error) bool {
	msg := err.Error()
	return strings.HasSuffix(msg, "Cannot find context with specified id") ||
		strings.HasSuffix(msg, "Inspected target navigated or closed")
}

// isBindingTeardownError reports whether a binding installation failure
// was caused by the context going away under it. Callers cannot act on
// these, so they are swallowed.
func isBindingTeardownError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Execution context was destroyed") ||
		strings.Contains(msg, "Cannot find context with specified id")
}

// isDegenerateResultError reports whether a remote failure means the
// result simply cannot be returned by value; it decodes to an
// undefined-equivalent result instead of an error.
func isDegenerateResultError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Object reference chain is too long") ||
		strings.Contains(msg, "Object couldn't be returned by value")
}

// eval evaluates the provided JavaScript within this execution context and
// returns a value or handle.
//
//nolint:funlen,cyclop
func (e *ExecutionContext) eval(
	apiCtx context.Context, opts evalOptions, js string, args ...any,
) (any, error) {
	if e.IsDisposed() {
		return nil, ErrExecutionContextDestroyed
	}

	id, err := e.contextID(apiCtx)
	if err != nil {
		return nil, err
	}

	e.logger.Debugf(
		"ExecutionContext:eval",
		"sid:%s tid:%s ectxid:%d %s",
		e.sid, e.tid, id, opts)

	suffix := `//# sourceURL=` + evaluationScriptURL

	var action interface {
		Do(context.Context) (*runtime.RemoteObject, *runtime.ExceptionDetails, error)
	}

	if !opts.forceCallable {
		if !sourceURLRegex.Match([]byte(js)) {
			js += "\n" + suffix
		}

		action = runtime.Evaluate(js).
			WithContextID(id).
			WithReturnByValue(opts.returnByValue).
			WithAwaitPromise(true).
			WithUserGesture(true)
	} else {
		var arguments []*runtime.CallArgument
		for _, arg := range args {
			result, err := convertArgument(apiCtx, e, arg)
			if err != nil {
				return nil, fmt.Errorf("converting argument '%v' "+
					"in execution context ID %d: %w", arg, id, err)
			}
			arguments = append(arguments, result)
		}

		js += "\n" + suffix + "\n"
		action = runtime.CallFunctionOn(js).
			WithArguments(arguments).
			WithExecutionContextID(id).
			WithReturnByValue(opts.returnByValue).
			WithAwaitPromise(true).
			WithUserGesture(true)
	}

	var (
		remoteObject     *runtime.RemoteObject
		exceptionDetails *runtime.ExceptionDetails
	)
	if remoteObject, exceptionDetails, err = action.Do(cdp.WithExecutor(apiCtx, e.session)); err != nil {
		var cdpe *cdproto.Error
		if errors.As(err, &cdpe) && cdpe.Code == devToolsServerErrorCode {
			// By creating a new error instead of reusing it, we're
			// removing the chromium specific error code.
			err = errors.New(cdpe.Message)
		}
		switch {
		case isDegenerateResultError(err):
			// The remote object cannot be copied by value; degrade to an
			// undefined result instead of failing the call.
			return nil, nil
		case isContextUnavailableError(err):
			return nil, ErrExecutionContextDestroyed
		}
		return nil, err
	}
	if exceptionDetails != nil {
		return nil, fmt.Errorf("evaluating JS: %s", parseExceptionDetails(exceptionDetails))
	}

	var res any
	if remoteObject == nil {
		e.logger.Debugf(
			"ExecutionContext:eval",
			"sid:%s tid:%s ectxid:%d remoteObject is nil",
			e.sid, e.tid, id)
		return res, nil
	}

	if opts.returnByValue {
		res, err = valueFromRemoteObject(remoteObject, e.logger)
		if err != nil {
			return nil, fmt.Errorf(
				"extracting value from remote object with ID %s: %w",
				remoteObject.ObjectID, err)
		}
	} else if remoteObject.ObjectID != "" {
		// Note: we don't use the passed in apiCtx here as it could be
		// tied to a timeout.
		res = NewJSHandle(e.ctx, e.session, e, remoteObject, e.logger)
	}

	return res, nil
}

// Eval evaluates the provided JavaScript function declaration within this
// execution context and returns the result by value.
func (e *ExecutionContext) Eval(apiCtx context.Context, js string, args ...any) (any, error) {
	opts := evalOptions{
		forceCallable: true,
		returnByValue: true,
	}
	return e.eval(apiCtx, opts, js, args...)
}

// EvalHandle evaluates the provided JavaScript function declaration within
// this execution context and returns a JSHandle.
func (e *ExecutionContext) EvalHandle(apiCtx context.Context, js string, args ...any) (JSHandle, error) {
	opts := evalOptions{
		forceCallable: true,
		returnByValue: false,
	}
	res, err := e.eval(apiCtx, opts, js, args...)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("nil result")
	}

	r, ok := res.(JSHandle)
	if !ok {
		return nil, ErrJSHandleInvalid
	}

	return r, nil
}

// EvalExpression evaluates a raw expression within this execution context
// and returns the result by value.
func (e *ExecutionContext) EvalExpression(apiCtx context.Context, expression string) (any, error) {
	opts := evalOptions{
		forceCallable: false,
		returnByValue: true,
	}
	return e.eval(apiCtx, opts, expression)
}

// AddBinding exposes the given host callable into this context.
// Installation is best-effort infrastructure: failures are reported
// through the logger, never to the caller.
func (e *ExecutionContext) AddBinding(apiCtx context.Context, b *Binding) {
	if err := e.addBinding(apiCtx, b); err != nil {
		e.logger.Warnf(
			"ExecutionContext:AddBinding",
			"sid:%s tid:%s name:%q err:%v",
			e.sid, e.tid, b.Name, err)
	}
}

// addBinding registers b's remote callable and wires its in-page wrapper.
// Idempotent: an already tracked name issues no RPC. Failures caused by
// the context going away return nil since the caller cannot act on them.
func (e *ExecutionContext) addBinding(apiCtx context.Context, b *Binding) error {
	if e.IsDisposed() {
		return nil
	}

	e.bindingsMu.RLock()
	_, tracked := e.bindings[b.Name]
	e.bindingsMu.RUnlock()
	if tracked {
		return nil
	}

	if err := e.installMu.Acquire(apiCtx); err != nil {
		return fmt.Errorf("acquiring binding install lock: %w", err)
	}
	defer e.installMu.Release()

	// A concurrent install may have won the race for the same name.
	e.bindingsMu.RLock()
	_, tracked = e.bindings[b.Name]
	e.bindingsMu.RUnlock()
	if tracked {
		return nil
	}

	err := e.installBinding(apiCtx, b)
	switch {
	case err == nil:
	case isBindingTeardownError(err):
		e.logger.Debugf(
			"ExecutionContext:addBinding",
			"sid:%s tid:%s name:%q context gone: %v",
			e.sid, e.tid, b.Name, err)
		return nil
	default:
		return err
	}

	e.bindingsMu.Lock()
	e.bindings[b.Name] = b
	e.bindingsMu.Unlock()

	return nil
}

func (e *ExecutionContext) installBinding(apiCtx context.Context, b *Binding) error {
	if e.name != "" {
		// A named world keeps receiving the binding across navigations.
		action := runtime.AddBinding(cdpBindingPrefix + b.Name).
			WithExecutionContextName(e.name)
		if err := action.Do(cdp.WithExecutor(apiCtx, e.session)); err != nil {
			return fmt.Errorf("registering remote callable %q: %w", b.Name, err)
		}
	} else {
		id, err := e.contextID(apiCtx)
		if err != nil {
			return err
		}
		// The generated AddBindingParams only carries the
		// executionContextName variant, so the id-scoped registration
		// goes over the wire by hand.
		params := easyjson.RawMessage(fmt.Sprintf(
			`{"name":%q,"executionContextId":%d}`, cdpBindingPrefix+b.Name, id))
		if err := e.session.Execute(
			apiCtx, cdproto.CommandRuntimeAddBinding, &params, nil,
		); err != nil {
			return fmt.Errorf("registering remote callable %q: %w", b.Name, err)
		}
	}

	if b.InitSource != "" {
		if _, err := e.EvalExpression(apiCtx, b.InitSource); err != nil {
			return fmt.Errorf("initializing binding %q: %w", b.Name, err)
		}
		return nil
	}
	if _, err := e.Eval(apiCtx, addPageBindingScript, bindingTypeInternal, b.Name, cdpBindingPrefix); err != nil {
		return fmt.Errorf("initializing binding %q: %w", b.Name, err)
	}

	return nil
}

// Bindings returns the names currently tracked by this context.
func (e *ExecutionContext) Bindings() []string {
	e.bindingsMu.RLock()
	defer e.bindingsMu.RUnlock()
	names := make([]string, 0, len(e.bindings))
	for name := range e.bindings {
		names = append(names, name)
	}
	return names
}

// onBindingCalled dispatches one remote binding invocation. Payloads this
// layer does not own are surfaced through the emitter; unparsable payloads
// come from page script calling the raw CDP binding directly, or from a
// wrapper that was not initialized yet, and are ignored.
func (e *ExecutionContext) onBindingCalled(ev *runtime.EventBindingCalled) {
	if !e.matchesID(ev.ExecutionContextID) {
		return
	}

	var payload bindingPayload
	if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
		return
	}
	if payload.Type != bindingTypeInternal {
		e.emit(EventExecutionContextBindingCalled, ev)
		return
	}

	e.bindingsMu.RLock()
	b, ok := e.bindings[payload.Name]
	e.bindingsMu.RUnlock()
	if !ok {
		e.emit(EventExecutionContextBindingCalled, ev)
		return
	}

	if err := b.run(e.ctx, e, payload.Seq, payload.Args, payload.IsTrivial); err != nil {
		e.logger.Errorf(
			"ExecutionContext:onBindingCalled",
			"sid:%s tid:%s name:%q seq:%d err:%v",
			e.sid, e.tid, payload.Name, payload.Seq, err)
	}
}

// UtilityHandle returns a handle to the injected utility bundle, creating
// or refreshing it as needed. The first access also requests installation
// of the built-in query-selector bindings; a realm without binding support
// still gets a utility handle.
func (e *ExecutionContext) UtilityHandle(apiCtx context.Context) (JSHandle, error) {
	if e.IsDisposed() {
		return nil, ErrExecutionContextDestroyed
	}
	if e.scriptCache == nil {
		return nil, errors.New("no script cache configured")
	}

	e.utilityMu.Lock()
	defer e.utilityMu.Unlock()

	if !e.bindingsInstalled {
		for _, b := range builtinBindings(e.queryEngine) {
			// Deliberately discard install errors: the bundle works
			// without bindings in environments that lack the capability.
			if err := e.addBinding(apiCtx, b); err != nil {
				e.logger.Debugf(
					"ExecutionContext:UtilityHandle",
					"sid:%s tid:%s installing %q: %v",
					e.sid, e.tid, b.Name, err)
			}
		}
		e.bindingsInstalled = true
	}

	var injectErr error
	e.scriptCache.Inject(func(source string) {
		if e.utility != nil {
			old := e.utility
			e.utility = nil
			// Release the superseded handle off the caller's path.
			go func() { _ = old.Dispose(e.ctx) }()
		}

		res, err := e.eval(apiCtx, evalOptions{forceCallable: false, returnByValue: false}, source)
		if err != nil {
			injectErr = err
			return
		}
		handle, ok := res.(JSHandle)
		if !ok {
			injectErr = ErrJSHandleInvalid
			return
		}
		e.utility = handle
	}, e.utility == nil)

	if injectErr != nil {
		return nil, fmt.Errorf("injecting utility bundle: %w", injectErr)
	}
	if e.utility == nil {
		return nil, errors.New("utility handle is nil")
	}
	return e.utility, nil
}

// ClearContext recycles the context in place to adopt a new remote id,
// preserving identity-based listeners already attached. A zero id leaves
// the context unacquired again.
func (e *ExecutionContext) ClearContext(newID runtime.ExecutionContextID) {
	e.logger.Debugf(
		"ExecutionContext:ClearContext",
		"sid:%s tid:%s newid:%d", e.sid, e.tid, newID)

	e.stateMu.Lock()
	e.id = newID
	e.acquired = newID != 0
	e.stateMu.Unlock()

	e.bindingsMu.Lock()
	e.bindings = make(map[string]*Binding)
	e.bindingsMu.Unlock()

	e.utilityMu.Lock()
	e.bindingsInstalled = false
	if e.utility != nil {
		old := e.utility
		e.utility = nil
		go func() { _ = old.Dispose(e.ctx) }()
	}
	e.utilityMu.Unlock()
}

// Dispose irreversibly tears the context down: listeners are detached, a
// disposed notification is emitted, and any further call is rejected.
// Disposing twice is a no-op.
func (e *ExecutionContext) Dispose() {
	if !atomic.CompareAndSwapInt32(&e.disposed, 0, 1) {
		return
	}

	e.logger.Debugf(
		"ExecutionContext:Dispose",
		"sid:%s tid:%s ectxid:%d", e.sid, e.tid, e.ID())

	if e.evCancelFn != nil {
		e.evCancelFn()
	}
	e.emit(EventExecutionContextDisposed, e)
}
