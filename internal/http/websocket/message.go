package websocket

// Room names follow the convention the frontend subscribes with: one room
// per task for focused watchers, plus a firehose room carrying every task
// lifecycle event.
const TasksRoom = "tasks_room"

func TaskRoom(taskID string) string {
	return "task:" + taskID
}

type (
	// ClientMessage is the only message shape clients send: subscription
	// management for the rooms above.
	ClientMessage struct {
		Op     string `json:"op"`
		TaskID string `json:"task_id,omitempty"`
		Room   string `json:"room,omitempty"`
	}

	// ServerMessage is a push from the coordinator to a subscribed client.
	ServerMessage struct {
		Event   string `json:"event"`
		Payload any    `json:"payload"`
	}
)

const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"

	EventTaskUpdate  = "task_update"
	EventTasksUpdate = "tasks_update"
)

// Room resolves the room a subscription message addresses; an explicit
// room name wins over a task id. Returns "" for a malformed message.
func (message *ClientMessage) TargetRoom() string {
	if message.Room != "" {
		return message.Room
	}
	if message.TaskID != "" {
		return TaskRoom(message.TaskID)
	}

	return ""
}
