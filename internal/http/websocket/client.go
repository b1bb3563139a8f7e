package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/drovermedia/drover/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// socketClient wraps a single websocket connection with its room
// subscription set. The subscription set is guarded by its own lock so the
// hub can test room membership during a publish without stopping the
// client's read loop; the lock is never held across a network write.
type socketClient struct {
	id        *uuid.UUID
	socket    *websocket.Conn
	rooms     map[string]struct{}
	roomsLock sync.RWMutex
	sendCh    chan *ServerMessage
	closeOnce sync.Once
}

func newSocketClient(id *uuid.UUID, socket *websocket.Conn) *socketClient {
	return &socketClient{
		id:     id,
		socket: socket,
		rooms:  make(map[string]struct{}),
		sendCh: make(chan *ServerMessage, clientSendBuffer),
	}
}

// Read consumes subscription messages from the client until the connection
// closes or a message fails to parse. A connection which misses the pong
// deadline is treated as dead and the read errors out.
func (client *socketClient) Read() error {
	_ = client.socket.SetReadDeadline(time.Now().Add(pongTimeout))
	client.socket.SetPongHandler(func(string) error {
		return client.socket.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := client.socket.ReadMessage()
		if err != nil {
			return err
		}

		var message ClientMessage
		if err := json.Unmarshal(data, &message); err != nil {
			socketLogger.Emit(logger.WARNING, "Client {%v} sent malformed message: %v\n", client.id, err.Error())
			continue
		}

		client.handleMessage(&message)
	}
}

// WriteLoop drains queued pushes to the socket and keeps the connection
// alive with periodic pings. Runs until the send channel is closed.
func (client *socketClient) WriteLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.sendCh:
			if !ok {
				return
			}

			_ = client.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.socket.WriteJSON(message); err != nil {
				socketLogger.Emit(logger.WARNING, "Failed to send message to client {%v}: %v\n", client.id, err.Error())
				return
			}
		case <-ticker.C:
			_ = client.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a message for delivery. The queue is bounded; a client that
// cannot keep up loses pushes rather than blocking the hub.
func (client *socketClient) Send(message *ServerMessage) {
	select {
	case client.sendCh <- message:
	default:
		socketLogger.Emit(logger.WARNING, "Client {%v} send buffer full, dropping message\n", client.id)
	}
}

func (client *socketClient) InRoom(room string) bool {
	client.roomsLock.RLock()
	defer client.roomsLock.RUnlock()

	_, ok := client.rooms[room]
	return ok
}

func (client *socketClient) handleMessage(message *ClientMessage) {
	room := message.TargetRoom()
	if room == "" {
		socketLogger.Emit(logger.WARNING, "Client {%v} sent %s with no room or task id\n", client.id, message.Op)
		return
	}

	switch message.Op {
	case OpSubscribe:
		client.roomsLock.Lock()
		client.rooms[room] = struct{}{}
		client.roomsLock.Unlock()

		socketLogger.Emit(logger.INFO, "Client {%v} subscribed to %s\n", client.id, room)
	case OpUnsubscribe:
		client.roomsLock.Lock()
		delete(client.rooms, room)
		client.roomsLock.Unlock()

		socketLogger.Emit(logger.INFO, "Client {%v} unsubscribed from %s\n", client.id, room)
	default:
		socketLogger.Emit(logger.WARNING, "Client {%v} sent unknown op '%s'\n", client.id, message.Op)
	}
}

// Close terminates the client by closing the underlying socket and
// stopping the write loop. Safe to call more than once.
func (client *socketClient) Close() {
	client.closeOnce.Do(func() {
		close(client.sendCh)
		if err := client.socket.Close(); err != nil {
			socketLogger.Emit(logger.WARNING, "Failed to close client {%v}: %v\n", client.id, err.Error())
		}
	})
}
