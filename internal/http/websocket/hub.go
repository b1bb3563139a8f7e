package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/drovermedia/drover/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var socketLogger = logger.Get("WebSocket")

const (
	pingInterval = time.Second * 5
	pongTimeout  = time.Second * 10
	writeTimeout = time.Second * 5

	// Pushes a slow client cannot drain are dropped rather than allowed
	// to block a publish; REST remains the authoritative view.
	clientSendBuffer = 32
)

// SocketHub manages the websocket upgrading, connecting, room
// subscriptions, and pushing of messages. Clients subscribe to rooms and
// the hub fans each published message out to the clients subscribed to
// the target room.
type SocketHub struct {
	upgrader     *websocket.Upgrader
	clients      []*socketClient
	registerCh   chan *socketClient
	deregisterCh chan *socketClient
	publishCh    chan *roomMessage
	running      bool
}

type roomMessage struct {
	room    string
	message *ServerMessage
}

// Returns a new SocketHub with the channels and
// slices initialised to sane starting values
func New() *SocketHub {
	return &SocketHub{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		running: false,
	}
}

// Start begins the socket hub by listening on all related channels
// for incoming clients and published messages
func (hub *SocketHub) Start(ctx context.Context) {
	if hub.running {
		socketLogger.Emit(logger.WARNING, "Attempting to start socketHub when already running! Ignoring request.\n")
		return
	} else if ctx.Err() != nil {
		socketLogger.Emit(logger.STOP, "Refusing to start socket hub as provided context is already cancelled\n")
		return
	}
	socketLogger.Emit(logger.INFO, "Opening SocketHub!\n")

	hub.registerCh = make(chan *socketClient)
	hub.deregisterCh = make(chan *socketClient)
	hub.publishCh = make(chan *roomMessage)
	hub.clients = make([]*socketClient, 0)
	hub.running = true

	defer hub.close()
loop:
	for {
		select {
		case publish := <-hub.publishCh:
			for _, client := range hub.clients {
				if client.InRoom(publish.room) {
					client.Send(publish.message)
				}
			}
		case client := <-hub.registerCh:
			if idx, _ := hub.findClient(client.id); idx > -1 {
				socketLogger.Emit(logger.ERROR, "Attempted to register client that is already registered (duplicate uuid)! Illegal!\n")
				client.Close()

				break
			}

			hub.clients = append(hub.clients, client)
			socketLogger.Emit(logger.NEW, "Registered new client {%v}\n", client.id)
		case client := <-hub.deregisterCh:
			if idx, _ := hub.findClient(client.id); idx != -1 {
				hub.clients = append(hub.clients[:idx], hub.clients[idx+1:]...)
				socketLogger.Emit(logger.REMOVE, "Deregistered client {%v}\n", client.id)

				break
			}

			socketLogger.Emit(logger.WARNING, "Attempted to deregister unknown client {%v}\n", client.id)
		case <-ctx.Done():
			socketLogger.Emit(logger.REMOVE, "Shutting down socket hub! Closing all clients.\n")
			break loop
		}
	}
}

// Publish fans the provided message out to every client subscribed to the
// given room. Messages are ignored if the hub is not running (see Start()).
func (hub *SocketHub) Publish(room string, message *ServerMessage) {
	if !hub.running {
		socketLogger.Emit(logger.WARNING, "Attempted to publish message via socket hub, however the hub is offline. Ignoring message.\n")
		return
	}

	hub.publishCh <- &roomMessage{room: room, message: message}
}

// Upgrades a given HTTP request to a websocket and adds the new client to the hub
func (hub *SocketHub) UpgradeToSocket(w http.ResponseWriter, r *http.Request) {
	if !hub.running {
		socketLogger.Emit(logger.ERROR, "Failed to upgrade incoming HTTP request to a websocket: SocketHub has not been started!\n")
		return
	}

	// Try generate UUID first - if we do this later and it fails... we've already
	// upgraded the connection to a websocket.
	id, err := uuid.NewRandom()
	if err != nil {
		socketLogger.Emit(logger.ERROR, "Failed to generate UUID for new connection - aborting!\n")
		return
	}

	sock, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		socketLogger.Emit(logger.ERROR, "Failed to upgrade incoming HTTP request to a websocket: %v\n", err.Error())
		return
	}

	client := newSocketClient(&id, sock)
	hub.registerCh <- client

	// Ensure the client is deregistered once its read loop closes.
	// If client.Read finishes, it's either because the client disconnected
	// or an error occurred - either way, we need to deregister it.
	defer func() {
		hub.deregisterCh <- client
		client.Close()
	}()

	go client.WriteLoop()
	if err := client.Read(); err != nil {
		socketLogger.Emit(logger.WARNING, "Client {%v} closed, error: %v\n", client.id, err.Error())
	}
}

// Closes the sockethub by deregistering and closing all
// connected clients and sockets
func (hub *SocketHub) close() {
	if !hub.running {
		socketLogger.Emit(logger.WARNING, "Attempted to close a socket hub that is not running!\n")
		return
	}

	for _, client := range hub.clients {
		client.Close()
	}

	hub.clients = nil
	hub.running = false
	socketLogger.Emit(logger.STOP, "Socket hub is now closed!\n")
}

// findClient returns a socketClient with the matching uuid if
// one can be found - if not, nil is returned. Additionally, the index
// of the client inside of the client list is returned as well.
func (hub *SocketHub) findClient(id *uuid.UUID) (int, *socketClient) {
	for idx, client := range hub.clients {
		if client.id == id {
			return idx, client
		}
	}

	return -1, nil
}
