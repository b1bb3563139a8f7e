package api

import (
	"context"

	"github.com/drovermedia/drover/internal/catalog"
	"github.com/drovermedia/drover/internal/event"
	"github.com/drovermedia/drover/internal/http/websocket"
)

// broadcaster bridges the coordinator event bus to the socket hub. Every
// task lifecycle event is pushed twice: to the task's own room for focused
// watchers, and to the firehose room. Delivery follows the bus contract
// (at-most-once); clients which miss a push recover via the REST API.
type broadcaster struct {
	socketHub *websocket.SocketHub
	eventCh   event.HandlerChannel
}

func newBroadcaster(socketHub *websocket.SocketHub, events event.EventHandler) *broadcaster {
	eventCh := make(event.HandlerChannel, 64)
	events.RegisterHandlerChannel(eventCh,
		event.TASK_CREATED, event.TASK_UPDATED, event.TASK_COMPLETE, event.TASK_FAILED)

	return &broadcaster{socketHub: socketHub, eventCh: eventCh}
}

func (hub *broadcaster) Run(ctx context.Context) {
	for {
		select {
		case handlerEvent := <-hub.eventCh:
			task, ok := handlerEvent.Payload.(*catalog.Task)
			if !ok {
				continue
			}

			hub.broadcastTaskUpdate(task)
		case <-ctx.Done():
			return
		}
	}
}

func (hub *broadcaster) broadcastTaskUpdate(task *catalog.Task) {
	hub.socketHub.Publish(websocket.TaskRoom(task.ID.String()), &websocket.ServerMessage{
		Event:   websocket.EventTaskUpdate,
		Payload: task,
	})
	hub.socketHub.Publish(websocket.TasksRoom, &websocket.ServerMessage{
		Event:   websocket.EventTasksUpdate,
		Payload: task,
	})
}
