// A collection of event names and common methods used to handle the events,
// typically redirecting the handling to a service method or other method via
// the `Handler` interface.
package event

import (
	"errors"
	"fmt"
	"sync"

	"github.com/drovermedia/drover/internal/catalog"
	"github.com/drovermedia/drover/pkg/logger"
)

var log = logger.Get("Events")

// Events emitted by the task tracker and the liveness monitor once their
// store transaction has committed. Delivery is at-most-once and
// fire-and-forget; observers which miss an event recover by re-reading the
// task from the store.
type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	eventHandler struct {
		mutex        sync.Mutex
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}
)

const (
	TASK_CREATED  Event = "task:created"
	TASK_UPDATED  Event = "task:updated"
	TASK_COMPLETE Event = "task:complete"
	TASK_FAILED   Event = "task:failed"
)

func New() EventCoordinator {
	return &eventHandler{
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel takes an event type and a channel and will send Event messages on
// the channel any time a Dispatch for the provided event occurs.
// This method can be used multiple times for different events on the same channel.
//
// If the channel is BLOCKED when the event bus attempts to send the message on the handler
// channel, the event is dropped for that subscriber rather than blocking the dispatcher;
// delivery is at-most-once by contract.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	handler.mutex.Lock()
	defer handler.mutex.Unlock()

	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction takes an event type and a handler method which will be stored
// and called with the payload for the event whenever it is provided to the 'Dispatch' method.
// The handle provided should be guaranteed to return quickly, else other threads calling
// Dispatch on this event bus will be blocked.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction accepts an Event and a HandlerMethod which will be stored and
// called inside of a goroutine when the event is handled.
// The speed at which this handle runs is not important to the event bus, unlike RegisterHandlerFunction.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, true})
}

func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.mutex.Lock()
	defer handler.mutex.Unlock()

	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch takes an event type and a payload and delivers the payload to every handler
// registered for the event type provided. Synchronous handler functions run on the
// dispatching goroutine, preserving per-task ordering; channel subscribers with a full
// buffer miss the event.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := handler.validatePayload(event, payload); err != nil {
		log.Emit(logger.ERROR, "Dispatch for event %v FAILED validation: %v\n", event, err)
		return
	}

	handler.mutex.Lock()
	fns := handler.fnHandlers[event]
	chans := handler.chanHandlers[event]
	handler.mutex.Unlock()

	for _, method := range fns {
		if method.async {
			go method.handle(event, payload)
		} else {
			method.handle(event, payload)
		}
	}

	for _, channel := range chans {
		select {
		case channel <- HandlerEvent{Event: event, Payload: payload}:
		default:
			log.Emit(logger.WARNING, "Subscriber channel full, dropping %v event\n", event)
		}
	}
}

// validatePayload ensures the payload attached to a task lifecycle event is
// a task snapshot; a malformed dispatch is a programmer error which should
// be surfaced loudly rather than delivered.
func (handler *eventHandler) validatePayload(event Event, payload Payload) error {
	switch event {
	case TASK_CREATED, TASK_UPDATED, TASK_COMPLETE, TASK_FAILED:
		if _, ok := payload.(*catalog.Task); !ok {
			return fmt.Errorf("expected *catalog.Task payload, got %T", payload)
		}
		return nil
	}

	return errors.New("unknown event type")
}
