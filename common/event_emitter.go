package common

import (
	"context"
	"sync"
)

const (
	// Connection

	EventConnectionClose string = "close"

	// Session

	EventSessionClosed string = "sessionclosed"

	// ExecutionContext

	// EventExecutionContextDisposed is emitted once when a context is
	// disposed.
	EventExecutionContextDisposed string = "executioncontextdisposed"
	// EventExecutionContextBindingCalled is emitted for binding-called
	// notifications that do not belong to this layer: foreign payload
	// types and names this context does not track.
	EventExecutionContextBindingCalled string = "executioncontextbindingcalled"

	// Worker

	// EventWorkerConsoleAPICalled carries a *ConsoleMessage forwarded from
	// the worker realm.
	EventWorkerConsoleAPICalled string = "workerconsoleapicalled"
	// EventWorkerExceptionThrown carries the error text of an uncaught
	// exception in the worker realm.
	EventWorkerExceptionThrown string = "workerexceptionthrown"
	// EventWorkerClosed is emitted once when the worker is destroyed.
	EventWorkerClosed string = "workerclosed"
)

// Event as emitted by an EventEmitter.
type Event struct {
	typ  string
	data any
}

type queue struct {
	mu     sync.Mutex
	events []Event
}

type eventHandler struct {
	ctx   context.Context
	ch    chan Event
	queue *queue
}

// EventEmitter that all event emitters need to implement.
type EventEmitter interface {
	emit(event string, data any)
	on(ctx context.Context, events []string, ch chan Event)
	onAll(ctx context.Context, ch chan Event)
}

// syncFunc functions are passed through the syncCh for synchronously
// handling eventHandler requests.
type syncFunc func() (done chan struct{})

// BaseEventEmitter emits events to registered handlers.
//
// Events for one handler channel are queued and delivered in emit order;
// delivery to different channels is independent.
type BaseEventEmitter struct {
	handlers    map[string][]*eventHandler
	handlersAll []*eventHandler

	queues map[chan Event]*queue

	syncCh chan syncFunc
	ctx    context.Context
}

// NewBaseEventEmitter creates a new instance of a base event emitter.
func NewBaseEventEmitter(ctx context.Context) BaseEventEmitter {
	bem := BaseEventEmitter{
		handlers: make(map[string][]*eventHandler),
		queues:   make(map[chan Event]*queue),
		syncCh:   make(chan syncFunc),
		ctx:      ctx,
	}
	go bem.syncAll(ctx)
	return bem
}

// syncAll receives work requests from BaseEventEmitter methods and
// processes them one at a time for synchronization.
//
// It returns when the BaseEventEmitter context is done.
func (e *BaseEventEmitter) syncAll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.syncCh:
			done := fn()
			done <- struct{}{}
		}
	}
}

// sync is a helper for synchronized access to the BaseEventEmitter.
func (e *BaseEventEmitter) sync(fn func()) {
	done := make(chan struct{})
	select {
	case <-e.ctx.Done():
		return
	case e.syncCh <- func() chan struct{} {
		fn()
		return done
	}:
	}
	// wait for the function to return
	<-done
}

func (e *BaseEventEmitter) emit(event string, data any) {
	emitEvent := func(eh *eventHandler) {
		// One emitEvent goroutine runs per queued event; holding the lock
		// across the send keeps delivery ordered and duplicate free.
		eh.queue.mu.Lock()
		defer eh.queue.mu.Unlock()

		if len(eh.queue.events) == 0 {
			return
		}
		select {
		case eh.ch <- eh.queue.events[0]:
			eh.queue.events[0] = Event{}
			eh.queue.events = eh.queue.events[1:]
		case <-eh.ctx.Done():
		}
	}
	emitTo := func(handlers []*eventHandler) (updated []*eventHandler) {
		for i := 0; i < len(handlers); {
			handler := handlers[i]
			select {
			case <-handler.ctx.Done():
				handlers = append(handlers[:i], handlers[i+1:]...)
				continue
			default:
				handler.queue.mu.Lock()
				handler.queue.events = append(handler.queue.events, Event{typ: event, data: data})
				handler.queue.mu.Unlock()

				go emitEvent(handler)
				i++
			}
		}
		return handlers
	}
	e.sync(func() {
		e.handlers[event] = emitTo(e.handlers[event])
		e.handlersAll = emitTo(e.handlersAll)
	})
}

// On registers a handler for a specific event.
func (e *BaseEventEmitter) on(ctx context.Context, events []string, ch chan Event) {
	e.sync(func() {
		q, ok := e.queues[ch]
		if !ok {
			q = &queue{}
			e.queues[ch] = q
		}

		for _, event := range events {
			e.handlers[event] = append(e.handlers[event], &eventHandler{ctx: ctx, ch: ch, queue: q})
		}
	})
}

// OnAll registers a handler for all events.
func (e *BaseEventEmitter) onAll(ctx context.Context, ch chan Event) {
	e.sync(func() {
		q, ok := e.queues[ch]
		if !ok {
			q = &queue{}
			e.queues[ch] = q
		}

		e.handlersAll = append(e.handlersAll, &eventHandler{ctx: ctx, ch: ch, queue: q})
	})
}
